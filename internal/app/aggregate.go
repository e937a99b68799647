/**
 * @description
 * This file contains the event-sourced payment aggregate. A payment's current
 * state is never authoritative on its own: it is the deterministic fold of the
 * ordered event stream in `payment_events`. The snapshot row in `payments` is
 * a derived projection kept in sync inside the same transaction that appends
 * each event.
 *
 * Key features:
 * - `Replay` folds an ordered event slice into a Payment, failing on gaps or
 *   unknown event types rather than guessing.
 * - Transition helpers build the next event (version = current + 1) together
 *   with the snapshot the store persists alongside it.
 *
 * @dependencies
 * - encoding/json, fmt, time: Standard Go libraries.
 * - internal/domain: Event and payment models.
 */

package app

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/vibestream/payment-service/internal/domain"
)

// Replay rebuilds a payment from its ordered event stream. The first event
// must be payment.initiated at version 1 and versions must be contiguous.
func Replay(events []domain.PaymentEvent) (*domain.Payment, error) {
	if len(events) == 0 {
		return nil, fmt.Errorf("cannot replay empty event stream")
	}
	if events[0].EventType != domain.EventPaymentInitiated {
		return nil, fmt.Errorf("stream must begin with %s, got %s", domain.EventPaymentInitiated, events[0].EventType)
	}

	var p domain.Payment
	for i, event := range events {
		if event.EventVersion != int64(i)+1 {
			return nil, fmt.Errorf("event stream gap for aggregate %s: expected version %d, got %d", event.AggregateID, i+1, event.EventVersion)
		}
		if err := apply(&p, event); err != nil {
			return nil, err
		}
	}
	return &p, nil
}

func apply(p *domain.Payment, event domain.PaymentEvent) error {
	switch event.EventType {
	case domain.EventPaymentInitiated:
		var payload domain.PaymentInitiatedPayload
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			return fmt.Errorf("failed to decode %s payload: %w", event.EventType, err)
		}
		p.ID = event.AggregateID
		p.PayerID = payload.PayerID
		p.PayeeID = payload.PayeeID
		p.Amount = payload.Amount
		p.Currency = payload.Currency
		p.Status = domain.PaymentStatusPending
		p.Purpose = payload.Purpose
		p.IdempotencyKey = payload.IdempotencyKey
		p.Gateway = payload.Gateway
		p.ParentPaymentID = payload.ParentID
		p.CreatedAt = event.CreatedAt

	case domain.EventPaymentProcessing:
		var payload domain.PaymentProcessingPayload
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			return fmt.Errorf("failed to decode %s payload: %w", event.EventType, err)
		}
		p.Status = domain.PaymentStatusProcessing
		p.Gateway = payload.Gateway
		p.GatewayReference = &payload.GatewayReference

	case domain.EventPaymentCompleted:
		var payload domain.PaymentCompletedPayload
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			return fmt.Errorf("failed to decode %s payload: %w", event.EventType, err)
		}
		p.Status = domain.PaymentStatusCompleted
		p.NetAmount = payload.NetAmount
		completedAt := event.CreatedAt
		p.CompletedAt = &completedAt

	case domain.EventPaymentFailed:
		var payload domain.PaymentFailedPayload
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			return fmt.Errorf("failed to decode %s payload: %w", event.EventType, err)
		}
		p.Status = domain.PaymentStatusFailed
		p.FailureReason = &payload.Reason

	case domain.EventPaymentCancelled:
		var payload domain.PaymentCancelledPayload
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			return fmt.Errorf("failed to decode %s payload: %w", event.EventType, err)
		}
		p.Status = domain.PaymentStatusCancelled
		p.FailureReason = &payload.Reason

	case domain.EventRefundStarted:
		var payload domain.RefundStartedPayload
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			return fmt.Errorf("failed to decode %s payload: %w", event.EventType, err)
		}
		p.Status = domain.PaymentStatusRefunding

	case domain.EventRefundRejected:
		// The refund never happened; the payment stays settled.
		p.Status = domain.PaymentStatusCompleted

	case domain.EventPaymentRefunded:
		var payload domain.PaymentRefundedPayload
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			return fmt.Errorf("failed to decode %s payload: %w", event.EventType, err)
		}
		p.RefundedAmount += payload.Amount
		if p.RefundedAmount >= p.NetAmount {
			p.Status = domain.PaymentStatusRefunded
		} else {
			p.Status = domain.PaymentStatusCompleted
		}

	default:
		return fmt.Errorf("unknown event type %q at version %d", event.EventType, event.EventVersion)
	}

	p.EventVersion = event.EventVersion
	p.UpdatedAt = event.CreatedAt
	return nil
}

// initialEvent builds the version-1 event of a new aggregate.
func initialEvent(aggregateID uuid.UUID, payload domain.PaymentInitiatedPayload, at time.Time) (domain.PaymentEvent, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return domain.PaymentEvent{}, fmt.Errorf("failed to encode %s payload: %w", domain.EventPaymentInitiated, err)
	}
	return domain.PaymentEvent{
		AggregateID:  aggregateID,
		EventVersion: 1,
		EventType:    domain.EventPaymentInitiated,
		Payload:      body,
		CreatedAt:    at,
	}, nil
}

// initiatedRiskSignal reads the external risk signal captured at initiation.
// A payload that fails to decode scores as no external signal.
func initiatedRiskSignal(event domain.PaymentEvent) float64 {
	var payload domain.PaymentInitiatedPayload
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		return 0
	}
	return payload.RiskSignal
}

// nextEvent builds the follow-up event for a payment at its current version.
func nextEvent(p *domain.Payment, eventType string, payload any) (domain.PaymentEvent, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return domain.PaymentEvent{}, fmt.Errorf("failed to encode %s payload: %w", eventType, err)
	}
	return domain.PaymentEvent{
		AggregateID:  p.ID,
		EventVersion: p.EventVersion + 1,
		EventType:    eventType,
		Payload:      body,
		CreatedAt:    time.Now().UTC(),
	}, nil
}

// advance applies a freshly built event to an in-memory copy of the payment
// so the resulting snapshot can be persisted atomically with the event.
func advance(p *domain.Payment, event domain.PaymentEvent) (*domain.Payment, error) {
	snapshot := *p
	if err := apply(&snapshot, event); err != nil {
		return nil, err
	}
	return &snapshot, nil
}
