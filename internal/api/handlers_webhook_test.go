package api

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/vibestream/payment-service/internal/domain"
)

func signWebhookBody(body []byte) string {
	mac := hmac.New(sha256.New, []byte(testWebhookSecret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (e *apiTestEnv) deliverWebhook(t *testing.T, gatewayID string, body []byte, signature string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/"+gatewayID, bytes.NewReader(body))
	req.Header.Set("X-Webhook-Signature", signature)
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

// processedPayment drives a payment to processing through the HTTP API and
// returns its id and gateway reference.
func (e *apiTestEnv) processedPayment(t *testing.T, idempotencyKey string) (uuid.UUID, string) {
	t.Helper()
	auth := bearerToken(t, uuid.NewString())
	rec := e.do(t, http.MethodPost, "/payments", auth, map[string]interface{}{
		"payee_id":        uuid.New().String(),
		"amount":          10000,
		"currency":        "USD",
		"purpose":         "nft_purchase",
		"idempotency_key": idempotencyKey,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("initiate failed: %d %s", rec.Code, rec.Body.String())
	}
	var created paymentResponse
	json.Unmarshal(rec.Body.Bytes(), &created)

	rec = e.do(t, http.MethodPost, "/payments/"+created.PaymentID+"/process", auth, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("process failed: %d %s", rec.Code, rec.Body.String())
	}
	var processed paymentResponse
	json.Unmarshal(rec.Body.Bytes(), &processed)
	if processed.GatewayReference == nil {
		t.Fatal("processing must record a gateway reference")
	}
	paymentID, err := uuid.Parse(created.PaymentID)
	if err != nil {
		t.Fatalf("invalid payment id: %v", err)
	}
	return paymentID, *processed.GatewayReference
}

func TestGatewayWebhookHandler_CapturedCompletesPayment(t *testing.T) {
	env := newAPITestEnv(t)
	paymentID, reference := env.processedPayment(t, "wh-order-1")

	body, _ := json.Marshal(map[string]interface{}{
		"event_id":     "evt_1",
		"type":         "payment.captured",
		"reference":    reference,
		"confirmation": "auth_1",
		"fee":          320,
	})
	rec := env.deliverWebhook(t, "cardgate", body, signWebhookBody(body))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var ack map[string]bool
	if err := json.Unmarshal(rec.Body.Bytes(), &ack); err != nil || !ack["received"] {
		t.Fatalf("expected a received ack, got %s", rec.Body.String())
	}

	payment, err := env.repo.FindPaymentByID(context.Background(), paymentID)
	if err != nil {
		t.Fatalf("payment missing: %v", err)
	}
	if payment.Status != domain.PaymentStatusCompleted {
		t.Fatalf("expected completed, got %s", payment.Status)
	}
	if payment.NetAmount != 10000-320 {
		t.Fatalf("expected net 9680, got %d", payment.NetAmount)
	}
}

func TestGatewayWebhookHandler_DuplicateDeliveryAcksOnce(t *testing.T) {
	env := newAPITestEnv(t)
	paymentID, reference := env.processedPayment(t, "wh-order-2")

	body, _ := json.Marshal(map[string]interface{}{
		"event_id":  "evt_dup",
		"type":      "payment.captured",
		"reference": reference,
		"fee":       320,
	})
	signature := signWebhookBody(body)
	for i := 0; i < 2; i++ {
		if rec := env.deliverWebhook(t, "cardgate", body, signature); rec.Code != http.StatusOK {
			t.Fatalf("delivery %d: expected 200, got %d", i+1, rec.Code)
		}
	}

	events, err := env.repo.ListEventsByAggregateID(context.Background(), paymentID)
	if err != nil {
		t.Fatalf("listing events failed: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("redelivery must not append a second completion, got %d events", len(events))
	}
}

func TestGatewayWebhookHandler_RejectsInvalidSignature(t *testing.T) {
	env := newAPITestEnv(t)
	body := []byte(`{"event_id":"evt_2","type":"payment.captured","reference":"ch_x"}`)

	rec := env.deliverWebhook(t, "cardgate", body, "deadbeef")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}

	rec = env.deliverWebhook(t, "cardgate", body, "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a missing signature, got %d", rec.Code)
	}
}

func TestGatewayWebhookHandler_UnknownGateway(t *testing.T) {
	env := newAPITestEnv(t)
	body := []byte(`{}`)
	rec := env.deliverWebhook(t, "paypal", body, signWebhookBody(body))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestGatewayWebhookHandler_MalformedJSON(t *testing.T) {
	env := newAPITestEnv(t)
	body := []byte(`{not json`)
	rec := env.deliverWebhook(t, "cardgate", body, signWebhookBody(body))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestGatewayWebhookHandler_AcksIrrelevantEventTypes(t *testing.T) {
	env := newAPITestEnv(t)
	body := []byte(`{"event_id":"evt_3","type":"payout.created","reference":"ch_y"}`)
	rec := env.deliverWebhook(t, "cardgate", body, signWebhookBody(body))
	if rec.Code != http.StatusOK {
		t.Fatalf("irrelevant event types must be acked, got %d", rec.Code)
	}
}

func TestGatewayWebhookHandler_MissingIdentityIsRejected(t *testing.T) {
	env := newAPITestEnv(t)
	body := []byte(`{"type":"payment.captured","reference":"ch_z"}`)
	rec := env.deliverWebhook(t, "cardgate", body, signWebhookBody(body))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("a delivery without an event id must be rejected, got %d", rec.Code)
	}
}
