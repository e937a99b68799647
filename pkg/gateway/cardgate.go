/**
 * @description
 * This file implements the card-rail gateway adapter ("cardgate"). It wraps
 * a Stripe-like card processor API: charges are opened with an idempotency
 * key, captured asynchronously, and refunded by charge reference. Webhook
 * payloads are authenticated with an HMAC-SHA256 signature header.
 *
 * @dependencies
 * - bytes, context, crypto/hmac, crypto/sha256, encoding/hex, encoding/json,
 *   fmt, net/http, time: Standard Go libraries.
 */
package gateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/vibestream/payment-service/internal/domain"
)

// Card processor pricing: 2.9% + 30 cents per charge.
const (
	cardFeeBps   = 290
	cardFeeFixed = 30
)

// CardGateway is the card-rail adapter.
type CardGateway struct {
	BaseURL       string
	APIKey        string
	WebhookSecret string
	HTTPClient    *http.Client
}

// NewCardGateway creates a card-rail adapter with a bounded request timeout.
func NewCardGateway(baseURL, apiKey, webhookSecret string) *CardGateway {
	return &CardGateway{
		BaseURL:       baseURL,
		APIKey:        apiKey,
		WebhookSecret: webhookSecret,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (g *CardGateway) Name() string { return "cardgate" }

// Supports reports card-rail currency coverage: fiat only.
func (g *CardGateway) Supports(c domain.Currency) bool {
	return c == domain.CurrencyUSD
}

// CardFee computes the processor fee for an amount in minor units.
func CardFee(amount int64) int64 {
	return amount*cardFeeBps/10000 + cardFeeFixed
}

type cardChargeRequest struct {
	Amount      int64  `json:"amount"`
	Currency    string `json:"currency"`
	Description string `json:"description"`
	Reference   string `json:"reference"`
}

type cardChargeResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Fee    int64  `json:"fee"`
}

type cardErrorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Initiate opens a charge and returns the processor's charge reference.
func (g *CardGateway) Initiate(ctx context.Context, req InitiateRequest) (*InitiateResponse, error) {
	payload := cardChargeRequest{
		Amount:      req.Amount,
		Currency:    string(req.Currency),
		Description: req.Description,
		Reference:   req.PaymentID,
	}
	var resp cardChargeResponse
	if err := g.doRequest(ctx, http.MethodPost, "/v1/charges", req.IdempotencyKey, payload, &resp); err != nil {
		return nil, err
	}
	return &InitiateResponse{Reference: resp.ID, Fee: CardFee(req.Amount)}, nil
}

// Capture confirms a previously opened charge.
func (g *CardGateway) Capture(ctx context.Context, reference, idempotencyKey string) (*CaptureResponse, error) {
	var resp cardChargeResponse
	path := fmt.Sprintf("/v1/charges/%s/capture", reference)
	if err := g.doRequest(ctx, http.MethodPost, path, idempotencyKey, nil, &resp); err != nil {
		return nil, err
	}
	return &CaptureResponse{Confirmation: resp.ID, Status: resp.Status, Fee: resp.Fee}, nil
}

// Refund instructs the processor to return funds on a captured charge.
func (g *CardGateway) Refund(ctx context.Context, reference string, amount int64, idempotencyKey string) (*RefundResponse, error) {
	payload := map[string]interface{}{"charge": reference, "amount": amount}
	var resp cardChargeResponse
	if err := g.doRequest(ctx, http.MethodPost, "/v1/refunds", idempotencyKey, payload, &resp); err != nil {
		return nil, err
	}
	return &RefundResponse{Reference: resp.ID, Status: resp.Status}, nil
}

// VerifySignature checks the hex-encoded HMAC-SHA256 signature the card
// processor attaches to webhook deliveries.
func (g *CardGateway) VerifySignature(payload []byte, signature string) bool {
	if g.WebhookSecret == "" || signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(g.WebhookSecret))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

func (g *CardGateway) doRequest(ctx context.Context, method, path, idempotencyKey string, body, out interface{}) error {
	var reqBody io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewBuffer(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, g.BaseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+g.APIKey)
	req.Header.Set("Content-Type", "application/json")
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := g.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("cardgate request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr cardErrorResponse
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Error.Code != "" {
			if resp.StatusCode < 500 {
				return fmt.Errorf("%w: %s", ErrRejected, apiErr.Error.Message)
			}
			return fmt.Errorf("cardgate %d: %s", resp.StatusCode, apiErr.Error.Message)
		}
		if resp.StatusCode < 500 {
			return fmt.Errorf("%w: status %d", ErrRejected, resp.StatusCode)
		}
		return fmt.Errorf("cardgate status %d", resp.StatusCode)
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
