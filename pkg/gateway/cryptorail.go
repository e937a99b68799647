/**
 * @description
 * This file implements the crypto-rail gateway adapters. Both rails speak
 * the same custodial-processor API shape (create transfer, confirm,
 * reverse), so a single client type is parameterized per chain:
 *
 *   - "ethpay": Ethereum rail, settles ETH, USDC and VIBES.
 *   - "solpay": Solana rail, settles SOL, USDC and VIBES.
 *
 * Webhook deliveries are authenticated with a base64-encoded HMAC-SHA256
 * signature, matching the processor's documentation.
 */
package gateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/vibestream/payment-service/internal/domain"
)

// CryptoGateway is a custodial crypto processor adapter for one chain.
type CryptoGateway struct {
	name          string
	currencies    map[domain.Currency]bool
	feeBps        int64
	BaseURL       string
	APIKey        string
	WebhookSecret string
	HTTPClient    *http.Client
}

// NewEthereumGateway creates the Ethereum rail adapter.
func NewEthereumGateway(baseURL, apiKey, webhookSecret string) *CryptoGateway {
	return newCryptoGateway("ethpay", baseURL, apiKey, webhookSecret, map[domain.Currency]bool{
		domain.CurrencyETH:   true,
		domain.CurrencyUSDC:  true,
		domain.CurrencyVIBES: true,
	})
}

// NewSolanaGateway creates the Solana rail adapter.
func NewSolanaGateway(baseURL, apiKey, webhookSecret string) *CryptoGateway {
	return newCryptoGateway("solpay", baseURL, apiKey, webhookSecret, map[domain.Currency]bool{
		domain.CurrencySOL:   true,
		domain.CurrencyUSDC:  true,
		domain.CurrencyVIBES: true,
	})
}

func newCryptoGateway(name, baseURL, apiKey, webhookSecret string, currencies map[domain.Currency]bool) *CryptoGateway {
	return &CryptoGateway{
		name:          name,
		currencies:    currencies,
		feeBps:        100, // 1% custodial processing fee
		BaseURL:       baseURL,
		APIKey:        apiKey,
		WebhookSecret: webhookSecret,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (g *CryptoGateway) Name() string { return g.name }

func (g *CryptoGateway) Supports(c domain.Currency) bool { return g.currencies[c] }

type cryptoTransferRequest struct {
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency"`
	Memo      string `json:"memo"`
	Reference string `json:"reference"`
}

type cryptoTransferResponse struct {
	TransferID string `json:"transfer_id"`
	TxHash     string `json:"tx_hash,omitempty"`
	Status     string `json:"status"`
	NetworkFee int64  `json:"network_fee"`
}

// Initiate opens a transfer on the chain processor.
func (g *CryptoGateway) Initiate(ctx context.Context, req InitiateRequest) (*InitiateResponse, error) {
	payload := cryptoTransferRequest{
		Amount:    req.Amount,
		Currency:  string(req.Currency),
		Memo:      req.Description,
		Reference: req.PaymentID,
	}
	var resp cryptoTransferResponse
	if err := g.doRequest(ctx, http.MethodPost, "/v1/transfers", req.IdempotencyKey, payload, &resp); err != nil {
		return nil, err
	}
	return &InitiateResponse{Reference: resp.TransferID, Fee: req.Amount * g.feeBps / 10000}, nil
}

// Capture asks the processor to broadcast/confirm the transfer. Crypto
// rails confirm asynchronously once the transaction finalizes on chain.
func (g *CryptoGateway) Capture(ctx context.Context, reference, idempotencyKey string) (*CaptureResponse, error) {
	var resp cryptoTransferResponse
	path := fmt.Sprintf("/v1/transfers/%s/confirm", reference)
	if err := g.doRequest(ctx, http.MethodPost, path, idempotencyKey, nil, &resp); err != nil {
		return nil, err
	}
	return &CaptureResponse{Confirmation: resp.TxHash, Status: resp.Status, Fee: resp.NetworkFee}, nil
}

// Refund reverses a finalized transfer from the custodial balance.
func (g *CryptoGateway) Refund(ctx context.Context, reference string, amount int64, idempotencyKey string) (*RefundResponse, error) {
	payload := map[string]interface{}{"transfer_id": reference, "amount": amount}
	var resp cryptoTransferResponse
	if err := g.doRequest(ctx, http.MethodPost, "/v1/reversals", idempotencyKey, payload, &resp); err != nil {
		return nil, err
	}
	return &RefundResponse{Reference: resp.TransferID, Status: resp.Status}, nil
}

// VerifySignature checks the base64-encoded HMAC-SHA256 webhook signature.
func (g *CryptoGateway) VerifySignature(payload []byte, signature string) bool {
	if g.WebhookSecret == "" || signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(g.WebhookSecret))
	mac.Write(payload)
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

func (g *CryptoGateway) doRequest(ctx context.Context, method, path, idempotencyKey string, body, out interface{}) error {
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
	req.Header.Set("X-Api-Key", g.APIKey)
	req.Header.Set("Content-Type", "application/json")
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := g.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", g.name, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		if resp.StatusCode < 500 {
			return fmt.Errorf("%w: %s status %d: %s", ErrRejected, g.name, resp.StatusCode, string(respBody))
		}
		return fmt.Errorf("%s status %d", g.name, resp.StatusCode)
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
