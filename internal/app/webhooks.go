/**
 * @description
 * This file contains the webhook processing pipeline that turns verified
 * gateway notifications into aggregate transitions. The HTTP handler only
 * verifies the HMAC signature and parses the body; everything after that
 * lives here so it can be tested without HTTP.
 *
 * Ordering per delivery:
 * 1. take the per-payment Redis lock (concurrent deliveries for the same
 *    payment take turns; a held lock surfaces ErrWebhookBusy so the rail
 *    retries),
 * 2. record the (gateway, external event id) pair in the idempotency
 *    ledger; a duplicate acknowledges without reapplying,
 * 3. apply the transition; if it does not commit, the ledger slot is
 *    released so the rail's redelivery gets a fresh attempt.
 *
 * @dependencies
 * - context, errors, fmt, log: Standard Go libraries.
 * - internal/domain, internal/store: Domain models and data access.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"
	"github.com/vibestream/payment-service/internal/domain"
	"github.com/vibestream/payment-service/internal/store"
)

// Normalized notification kinds across all gateway families.
const (
	NotificationCaptured       = "captured"
	NotificationFailed         = "failed"
	NotificationRefundSettled  = "refund_settled"
	NotificationRefundRejected = "refund_rejected"
)

// ErrWebhookBusy means another worker holds the payment's webhook lock.
// The handler maps it to a retryable status so the rail redelivers.
var ErrWebhookBusy = errors.New("webhook for this payment is already being processed")

// GatewayNotification is a gateway webhook event normalized into the
// service's vocabulary.
type GatewayNotification struct {
	Gateway         string
	ExternalEventID string
	Type            string
	Reference       string // gateway correlation reference from initiation
	Confirmation    string // settlement confirmation, captured events only
	Fee             int64  // final processor fee, minor units
	Amount          int64  // refunded amount, refund events only
	Reason          string
}

// WebhookProcessor applies gateway notifications to payment aggregates.
type WebhookProcessor struct {
	svc  *Service
	repo store.Repository
	lock *RedisWebhookLock
}

func NewWebhookProcessor(svc *Service, repo store.Repository, lock *RedisWebhookLock) *WebhookProcessor {
	return &WebhookProcessor{svc: svc, repo: repo, lock: lock}
}

// Process runs one verified notification through the ledger and the
// aggregate. A nil return means the delivery is acknowledged, including
// duplicates and notifications for unknown references.
func (p *WebhookProcessor) Process(ctx context.Context, n GatewayNotification) error {
	if n.ExternalEventID == "" || n.Reference == "" {
		return fmt.Errorf("%w: notification missing event id or reference", ErrValidation)
	}

	payment, err := p.repo.FindPaymentByGatewayReference(ctx, n.Gateway, n.Reference)
	if err != nil {
		if errors.Is(err, store.ErrPaymentNotFound) {
			log.Printf("Webhook: No payment for %s reference %s, acknowledging", n.Gateway, n.Reference)
			return nil
		}
		return fmt.Errorf("failed to resolve payment for %s reference %s: %w", n.Gateway, n.Reference, err)
	}

	token, acquired, err := p.lock.Acquire(ctx, payment.ID.String())
	if err != nil {
		return err
	}
	if !acquired {
		return ErrWebhookBusy
	}
	defer func() {
		if err := p.lock.Release(ctx, payment.ID.String(), token); err != nil {
			log.Printf("Webhook: Failed to release lock for payment %s: %v", payment.ID, err)
		}
	}()

	recorded, err := p.repo.RecordWebhookEvent(ctx, n.Gateway, n.ExternalEventID)
	if err != nil {
		return fmt.Errorf("failed to record webhook event %s/%s: %w", n.Gateway, n.ExternalEventID, err)
	}
	if !recorded {
		log.Printf("Webhook: Duplicate event %s/%s, acknowledging", n.Gateway, n.ExternalEventID)
		return nil
	}

	if err := p.apply(ctx, payment.ID, n); err != nil {
		// The transition did not commit, so the ledger slot must be released
		// before the error response triggers redelivery; otherwise the retry
		// would be swallowed as a duplicate and the notification lost.
		if delErr := p.repo.DeleteWebhookEvent(ctx, n.Gateway, n.ExternalEventID); delErr != nil {
			log.Printf("Webhook: CRITICAL failed to release ledger slot %s/%s after apply error: %v", n.Gateway, n.ExternalEventID, delErr)
		}
		return err
	}
	return nil
}

// apply replays the aggregate under the lock and advances it. Notifications
// that arrive out of order for the aggregate's state are acknowledged as
// no-ops; replaying them cannot make the state worse.
func (p *WebhookProcessor) apply(ctx context.Context, paymentID uuid.UUID, n GatewayNotification) error {
	payment, err := p.svc.loadPayment(ctx, paymentID)
	if err != nil {
		return err
	}

	switch n.Type {
	case NotificationCaptured:
		if payment.Status != domain.PaymentStatusProcessing {
			log.Printf("Webhook: Captured event for payment %s in status %s, ignoring", payment.ID, payment.Status)
			return nil
		}
		if n.Fee < 0 || n.Fee > payment.Amount {
			return fmt.Errorf("%w: captured fee %d out of range for amount %d", ErrValidation, n.Fee, payment.Amount)
		}
		event, err := nextEvent(payment, domain.EventPaymentCompleted, domain.PaymentCompletedPayload{
			GatewayConfirmation: n.Confirmation,
			Fee:                 n.Fee,
			NetAmount:           payment.Amount - n.Fee,
		})
		if err != nil {
			return err
		}
		if _, err := p.svc.append(ctx, payment, event); err != nil {
			return err
		}
		log.Printf("Webhook: Payment %s completed (net %d, fee %d)", payment.ID, payment.Amount-n.Fee, n.Fee)
		return nil

	case NotificationFailed:
		if payment.Status != domain.PaymentStatusProcessing {
			log.Printf("Webhook: Failed event for payment %s in status %s, ignoring", payment.ID, payment.Status)
			return nil
		}
		reason := n.Reason
		if reason == "" {
			reason = "gateway_failed"
		}
		_, err := p.svc.failPayment(ctx, payment, reason)
		return err

	case NotificationRefundSettled:
		if payment.Status != domain.PaymentStatusRefunding {
			log.Printf("Webhook: Refund settled for payment %s in status %s, ignoring", payment.ID, payment.Status)
			return nil
		}
		event, err := nextEvent(payment, domain.EventPaymentRefunded, domain.PaymentRefundedPayload{Amount: n.Amount})
		if err != nil {
			return err
		}
		_, err = p.svc.append(ctx, payment, event)
		return err

	case NotificationRefundRejected:
		if payment.Status != domain.PaymentStatusRefunding {
			log.Printf("Webhook: Refund rejected for payment %s in status %s, ignoring", payment.ID, payment.Status)
			return nil
		}
		event, err := nextEvent(payment, domain.EventRefundRejected, domain.RefundRejectedPayload{
			Amount: n.Amount,
			Reason: n.Reason,
		})
		if err != nil {
			return err
		}
		_, err = p.svc.append(ctx, payment, event)
		return err

	default:
		log.Printf("Webhook: Unhandled notification type %q from %s, acknowledging", n.Type, n.Gateway)
		return nil
	}
}
