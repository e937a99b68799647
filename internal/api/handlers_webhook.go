/**
 * @description
 * This file contains the HTTP handler for gateway webhooks. It is the single
 * unauthenticated write surface of the service, so the pipeline is strict:
 * verify the HMAC signature against the gateway's shared secret, normalize
 * the payload, then hand it to the webhook processor which owns the
 * idempotency ledger and the per-payment lock.
 *
 * Security: a delivery that fails signature verification is rejected before
 * anything is read from it. Once the processor accepts the event the
 * response is always 200, so rails stop redelivering.
 *
 * @dependencies
 * - encoding/json, io, log, net/http: Standard Go libraries.
 * - github.com/go-chi/chi/v5: URL parameter extraction.
 * - internal/app, pkg/gateway: Webhook processing and signature checks.
 */

package api

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/vibestream/payment-service/internal/app"
	"github.com/vibestream/payment-service/pkg/gateway"
)

const maxWebhookBodyBytes = 1 << 20 // 1 MiB

// WebhookHandlers verifies and dispatches gateway notification deliveries.
type WebhookHandlers struct {
	processor *app.WebhookProcessor
	gateways  *gateway.Registry
}

func NewWebhookHandlers(processor *app.WebhookProcessor, gateways *gateway.Registry) *WebhookHandlers {
	return &WebhookHandlers{processor: processor, gateways: gateways}
}

// gatewayWebhookEvent is the envelope all three rails post. Fields that a
// given event type does not use are simply zero.
type gatewayWebhookEvent struct {
	EventID      string `json:"event_id"`
	Type         string `json:"type"`
	Reference    string `json:"reference"`
	Confirmation string `json:"confirmation,omitempty"`
	Fee          int64  `json:"fee,omitempty"`
	Amount       int64  `json:"amount,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

// Rail event types on the wire, mapped onto the service's notification kinds.
var notificationTypes = map[string]string{
	"payment.captured": app.NotificationCaptured,
	"payment.failed":   app.NotificationFailed,
	"refund.settled":   app.NotificationRefundSettled,
	"refund.rejected":  app.NotificationRefundRejected,
}

// GatewayWebhookHandler handles POST /webhooks/{gateway}.
func (h *WebhookHandlers) GatewayWebhookHandler(w http.ResponseWriter, r *http.Request) {
	gatewayID := chi.URLParam(r, "gateway")
	gw, err := h.gateways.Get(gatewayID)
	if err != nil {
		http.Error(w, "Unknown gateway", http.StatusNotFound)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBodyBytes))
	if err != nil {
		http.Error(w, "Cannot read request body", http.StatusBadRequest)
		return
	}

	if !gw.VerifySignature(body, r.Header.Get("X-Webhook-Signature")) {
		log.Printf("level=warn component=webhook msg=\"invalid signature\" gateway=%s", gatewayID)
		http.Error(w, "Invalid signature", http.StatusUnauthorized)
		return
	}

	var event gatewayWebhookEvent
	if err := json.Unmarshal(body, &event); err != nil {
		http.Error(w, "Invalid JSON payload", http.StatusBadRequest)
		return
	}
	kind, ok := notificationTypes[event.Type]
	if !ok {
		// Verified but irrelevant; acknowledge so the rail stops retrying.
		log.Printf("level=info component=webhook msg=\"ignoring event type\" gateway=%s type=%q", gatewayID, event.Type)
		h.acknowledge(w)
		return
	}

	err = h.processor.Process(r.Context(), app.GatewayNotification{
		Gateway:         gatewayID,
		ExternalEventID: event.EventID,
		Type:            kind,
		Reference:       event.Reference,
		Confirmation:    event.Confirmation,
		Fee:             event.Fee,
		Amount:          event.Amount,
		Reason:          event.Reason,
	})
	switch {
	case err == nil:
		h.acknowledge(w)
	case errors.Is(err, app.ErrWebhookBusy):
		// Another delivery for the same payment holds the lock; redeliver.
		w.Header().Set("Retry-After", "1")
		http.Error(w, "Busy, retry delivery", http.StatusServiceUnavailable)
	case errors.Is(err, app.ErrValidation):
		http.Error(w, "Invalid event payload", http.StatusBadRequest)
	default:
		log.Printf("level=error component=webhook msg=\"processing failed\" gateway=%s event_id=%s err=%v", gatewayID, event.EventID, err)
		http.Error(w, "Processing failed", http.StatusInternalServerError)
	}
}

func (h *WebhookHandlers) acknowledge(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]bool{"received": true})
}
