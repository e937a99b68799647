/**
 * @description
 * This file defines the event-log and outbox models for the payment-service.
 * Every state change of a payment aggregate is recorded as one row in
 * `payment_events`; the snapshot in `payments` is always derived by folding
 * those rows in version order.
 *
 * @notes
 * - unique(aggregate_id, event_version) is the optimistic-concurrency guard:
 *   two writers racing on the same aggregate collide on the version insert
 *   and the loser re-reads and retries.
 * - Outbox rows are written in the same database transaction as the event
 *   append, so subscribers eventually observe every transition even across
 *   process restarts.
 */

package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event types appended to the payment event log.
const (
	EventPaymentInitiated  = "payment.initiated"
	EventPaymentProcessing = "payment.processing"
	EventPaymentCompleted  = "payment.completed"
	EventPaymentFailed     = "payment.failed"
	EventPaymentCancelled  = "payment.cancelled"
	EventRefundStarted     = "payment.refund_started"
	EventRefundRejected    = "payment.refund_rejected"
	EventPaymentRefunded   = "payment.refunded"
)

// PaymentEvent is one immutable row of a payment aggregate's log.
type PaymentEvent struct {
	AggregateID  uuid.UUID       `json:"aggregate_id"`
	EventVersion int64           `json:"event_version"` // contiguous, starting at 1
	EventType    string          `json:"event_type"`
	Payload      json.RawMessage `json:"payload"`
	CreatedAt    time.Time       `json:"created_at"`
}

// PaymentInitiatedPayload is the payload of the version-1 event.
type PaymentInitiatedPayload struct {
	PayerID        uuid.UUID  `json:"payer_id"`
	PayeeID        uuid.UUID  `json:"payee_id"`
	Amount         int64      `json:"amount"`
	Currency       Currency   `json:"currency"`
	Purpose        string     `json:"purpose"`
	IdempotencyKey string     `json:"idempotency_key"`
	Gateway        string     `json:"gateway"`
	SongID         *uuid.UUID `json:"song_id,omitempty"`
	ContractID     *uuid.UUID `json:"contract_id,omitempty"`
	ParentID       *uuid.UUID `json:"parent_payment_id,omitempty"`
	RiskSignal     float64    `json:"risk_signal,omitempty"`
}

type PaymentProcessingPayload struct {
	Gateway          string  `json:"gateway"`
	GatewayReference string  `json:"gateway_reference"`
	FraudScore       float64 `json:"fraud_score"`
}

type PaymentCompletedPayload struct {
	GatewayConfirmation string `json:"gateway_confirmation"`
	Fee                 int64  `json:"fee"`
	NetAmount           int64  `json:"net_amount"`
}

type PaymentFailedPayload struct {
	Reason string `json:"reason"`
}

type PaymentCancelledPayload struct {
	Reason string `json:"reason"`
}

type RefundStartedPayload struct {
	Amount int64  `json:"amount"`
	Reason string `json:"reason"`
}

type RefundRejectedPayload struct {
	Amount int64  `json:"amount"`
	Reason string `json:"reason"`
}

type PaymentRefundedPayload struct {
	Amount int64 `json:"amount"`
}

// OutboxMessage is one undelivered row of the transactional outbox. The
// publisher worker drains unpublished rows to the message broker and marks
// them published; delivery is therefore at-least-once and consumers
// deduplicate on (aggregate_id, event_version).
type OutboxMessage struct {
	ID           int64           `json:"id"`
	AggregateID  uuid.UUID       `json:"aggregate_id"`
	EventVersion int64           `json:"event_version"`
	EventType    string          `json:"event_type"`
	Payload      json.RawMessage `json:"payload"`
	CreatedAt    time.Time       `json:"created_at"`
	PublishedAt  *time.Time      `json:"published_at,omitempty"`
}

// WebhookLedgerEntry is one row of the webhook idempotency ledger, keyed by
// the gateway's own event identity.
type WebhookLedgerEntry struct {
	GatewayID       string    `json:"gateway_id"`
	ExternalEventID string    `json:"external_event_id"`
	ReceivedAt      time.Time `json:"received_at"`
}
