/**
 * @description
 * This file defines the `Repository` interface, which specifies the contract for all
 * data access operations required by the payment-service. By defining an interface,
 * we decouple the application's business logic from the specific database
 * implementation (PostgreSQL), making the code more modular and easier to test.
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID handling.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/vibestream/payment-service/internal/domain"
)

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// Payment aggregate and event log methods
	// CreatePaymentWithInitialEvent inserts the snapshot row, the version-1
	// event and its outbox row in one transaction. A duplicate idempotency
	// key returns ErrDuplicateIdempotencyKey and writes nothing.
	CreatePaymentWithInitialEvent(ctx context.Context, payment *domain.Payment, event domain.PaymentEvent) error
	FindPaymentByID(ctx context.Context, paymentID uuid.UUID) (*domain.Payment, error)
	FindPaymentByIdempotencyKey(ctx context.Context, key string) (*domain.Payment, error)
	FindPaymentByGatewayReference(ctx context.Context, gateway, reference string) (*domain.Payment, error)
	ListEventsByAggregateID(ctx context.Context, aggregateID uuid.UUID) ([]domain.PaymentEvent, error)
	// AppendEvent is the optimistic-concurrency write: it inserts the event
	// at its version, refreshes the snapshot row and writes the outbox row
	// in one transaction. A version collision returns ErrConcurrencyConflict.
	AppendEvent(ctx context.Context, event domain.PaymentEvent, snapshot *domain.Payment) error
	ListProcessingOlderThan(ctx context.Context, cutoff time.Time) ([]domain.Payment, error)

	// Webhook idempotency ledger
	// RecordWebhookEvent inserts the (gateway_id, external_event_id) pair.
	// It reports false, nil when the pair was already recorded.
	RecordWebhookEvent(ctx context.Context, gatewayID, externalEventID string) (bool, error)
	// DeleteWebhookEvent releases a ledger slot claimed by RecordWebhookEvent.
	// Callers use it when the delivery's transition did not commit, so the
	// rail's redelivery is not swallowed as a duplicate.
	DeleteWebhookEvent(ctx context.Context, gatewayID, externalEventID string) error

	// Fraud methods
	CreateFraudAlertIfAbsent(ctx context.Context, alert *domain.FraudAlert) (*domain.FraudAlert, bool, error)
	FindFraudAlertByPaymentID(ctx context.Context, paymentID uuid.UUID) (*domain.FraudAlert, error)
	ResolveFraudAlert(ctx context.Context, paymentID uuid.UUID, resolution string, reviewedBy uuid.UUID) (*domain.FraudAlert, error)
	CountPaymentsByPayerSince(ctx context.Context, payerID uuid.UUID, since time.Time) (int, error)
	AveragePaymentAmountByPayer(ctx context.Context, payerID uuid.UUID, currency domain.Currency) (int64, error)

	// Outbox methods
	FetchUnpublishedOutbox(ctx context.Context, limit int) ([]domain.OutboxMessage, error)
	MarkOutboxPublished(ctx context.Context, ids []int64) error

	// Distribution methods
	CreateRoyaltyDistribution(ctx context.Context, dist *domain.RoyaltyDistribution) error
	// AttachRoyaltyPayout marks the distribution processed; a nil payout id
	// means the artist share was zero and no payment was issued.
	AttachRoyaltyPayout(ctx context.Context, distributionID uuid.UUID, payoutPaymentID *uuid.UUID) error
	// CreateRevenueSharingDistribution writes the distribution and all its
	// shareholder rows in one transaction, or nothing at all.
	CreateRevenueSharingDistribution(ctx context.Context, dist *domain.RevenueSharingDistribution, rows []domain.ShareholderDistribution) error
	AttachShareholderPayment(ctx context.Context, distributionID, shareholderID, paymentID uuid.UUID) error
	DistributionExistsForPayment(ctx context.Context, sourcePaymentID uuid.UUID) (bool, error)

	// Batch settlement methods
	ListSettleablePayments(ctx context.Context, completedBefore time.Time, limit int) ([]domain.Payment, error)
	CreateBatchWithItems(ctx context.Context, batch *domain.PaymentBatch, items []domain.PaymentBatchItem) error
	MarkBatchSubmitted(ctx context.Context, batchID uuid.UUID) error
	// MarkBatchItemSettled records the chained payout; a nil payout id means
	// the item's settleable amount was zero and no payment was issued.
	MarkBatchItemSettled(ctx context.Context, itemID uuid.UUID, payoutPaymentID *uuid.UUID) error
	MarkBatchItemFailed(ctx context.Context, itemID uuid.UUID, reason string) error
	ReleaseFailedBatchItems(ctx context.Context, batchID uuid.UUID) (int64, error)
	FinalizeBatch(ctx context.Context, batchID uuid.UUID) (*domain.PaymentBatch, error)

	// Dead-letter methods
	CreateGatewayDeadLetter(ctx context.Context, letter *domain.GatewayDeadLetter) error
	ListGatewayDeadLetters(ctx context.Context, limit int) ([]domain.GatewayDeadLetter, error)
}
