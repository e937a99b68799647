/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface
 * for the payment aggregate, its event log, the transactional outbox, the
 * webhook idempotency ledger and fraud alerts. Distribution and batch
 * methods live in their own files alongside this one.
 *
 * Schema notes:
 * - payment_events carries UNIQUE(aggregate_id, event_version); the event
 *   append relies on that constraint for optimistic concurrency.
 * - payment_outbox rows are inserted inside the same transaction as any
 *   event insert, which is what makes publication crash-safe.
 * - webhook_events carries UNIQUE(gateway_id, external_event_id).
 * - fraud_alerts carries UNIQUE(payment_id).
 *
 * @dependencies
 * - context, errors, time: Standard Go libraries.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vibestream/payment-service/internal/domain"
)

var (
	ErrPaymentNotFound         = errors.New("payment not found")
	ErrDuplicateIdempotencyKey = errors.New("idempotency key already used")
	ErrConcurrencyConflict     = errors.New("event version conflict")
	ErrFraudAlertNotFound      = errors.New("fraud alert not found")
	ErrDistributionNotFound    = errors.New("distribution not found")
	ErrBatchNotFound           = errors.New("batch not found")
	ErrPaymentAlreadyBatched   = errors.New("payment already in an active batch")
)

const uniqueViolationCode = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode
}

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const paymentColumns = `
	id, payer_id, payee_id, amount, currency, net_amount, refunded_amount,
	status, purpose, idempotency_key, gateway, gateway_reference,
	failure_reason, parent_payment_id, event_version, created_at, updated_at, completed_at
`

func scanPayment(row pgx.Row) (*domain.Payment, error) {
	var p domain.Payment
	err := row.Scan(
		&p.ID, &p.PayerID, &p.PayeeID, &p.Amount, &p.Currency, &p.NetAmount, &p.RefundedAmount,
		&p.Status, &p.Purpose, &p.IdempotencyKey, &p.Gateway, &p.GatewayReference,
		&p.FailureReason, &p.ParentPaymentID, &p.EventVersion, &p.CreatedAt, &p.UpdatedAt, &p.CompletedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrPaymentNotFound
		}
		return nil, err
	}
	return &p, nil
}

// CreatePaymentWithInitialEvent inserts the snapshot, the version-1 event
// and the outbox row atomically.
func (r *PostgresRepository) CreatePaymentWithInitialEvent(ctx context.Context, payment *domain.Payment, event domain.PaymentEvent) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	insertPayment := `
		INSERT INTO payments (
			id, payer_id, payee_id, amount, currency, net_amount, refunded_amount,
			status, purpose, idempotency_key, gateway, gateway_reference,
			failure_reason, parent_payment_id, event_version, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, NOW(), NOW())
	`
	_, err = tx.Exec(ctx, insertPayment,
		payment.ID, payment.PayerID, payment.PayeeID, payment.Amount, payment.Currency,
		payment.NetAmount, payment.RefundedAmount, payment.Status, payment.Purpose,
		payment.IdempotencyKey, payment.Gateway, payment.GatewayReference,
		payment.FailureReason, payment.ParentPaymentID, payment.EventVersion,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateIdempotencyKey
		}
		return err
	}

	if err := insertEventAndOutbox(ctx, tx, event); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func insertEventAndOutbox(ctx context.Context, tx pgx.Tx, event domain.PaymentEvent) error {
	insertEvent := `
		INSERT INTO payment_events (aggregate_id, event_version, event_type, payload, created_at)
		VALUES ($1, $2, $3, $4, NOW())
	`
	if _, err := tx.Exec(ctx, insertEvent, event.AggregateID, event.EventVersion, event.EventType, event.Payload); err != nil {
		if isUniqueViolation(err) {
			return ErrConcurrencyConflict
		}
		return err
	}

	insertOutbox := `
		INSERT INTO payment_outbox (aggregate_id, event_version, event_type, payload, created_at)
		VALUES ($1, $2, $3, $4, NOW())
	`
	_, err := tx.Exec(ctx, insertOutbox, event.AggregateID, event.EventVersion, event.EventType, event.Payload)
	return err
}

// FindPaymentByID retrieves one payment snapshot.
func (r *PostgresRepository) FindPaymentByID(ctx context.Context, paymentID uuid.UUID) (*domain.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE id = $1`
	return scanPayment(r.db.QueryRow(ctx, query, paymentID))
}

// FindPaymentByIdempotencyKey resolves a duplicate client submission to its
// original payment.
func (r *PostgresRepository) FindPaymentByIdempotencyKey(ctx context.Context, key string) (*domain.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE idempotency_key = $1`
	return scanPayment(r.db.QueryRow(ctx, query, key))
}

// FindPaymentByGatewayReference resolves a webhook's correlation reference.
func (r *PostgresRepository) FindPaymentByGatewayReference(ctx context.Context, gateway, reference string) (*domain.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE gateway = $1 AND gateway_reference = $2`
	return scanPayment(r.db.QueryRow(ctx, query, gateway, reference))
}

// ListEventsByAggregateID returns the full event log in version order.
func (r *PostgresRepository) ListEventsByAggregateID(ctx context.Context, aggregateID uuid.UUID) ([]domain.PaymentEvent, error) {
	query := `
		SELECT aggregate_id, event_version, event_type, payload, created_at
		FROM payment_events
		WHERE aggregate_id = $1
		ORDER BY event_version ASC
	`
	rows, err := r.db.Query(ctx, query, aggregateID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []domain.PaymentEvent
	for rows.Next() {
		var e domain.PaymentEvent
		if err := rows.Scan(&e.AggregateID, &e.EventVersion, &e.EventType, &e.Payload, &e.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// AppendEvent performs the optimistic-concurrency write for every mutation
// after initiation. The unique (aggregate_id, event_version) index is the
// compare-and-swap: a concurrent writer that already used the version makes
// the insert conflict and the caller must re-read and retry.
func (r *PostgresRepository) AppendEvent(ctx context.Context, event domain.PaymentEvent, snapshot *domain.Payment) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := insertEventAndOutbox(ctx, tx, event); err != nil {
		return err
	}

	updateSnapshot := `
		UPDATE payments SET
			net_amount = $2,
			refunded_amount = $3,
			status = $4,
			gateway_reference = $5,
			failure_reason = $6,
			event_version = $7,
			completed_at = $8,
			updated_at = NOW()
		WHERE id = $1
	`
	result, err := tx.Exec(ctx, updateSnapshot,
		snapshot.ID, snapshot.NetAmount, snapshot.RefundedAmount, snapshot.Status,
		snapshot.GatewayReference, snapshot.FailureReason, snapshot.EventVersion, snapshot.CompletedAt,
	)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrPaymentNotFound
	}

	return tx.Commit(ctx)
}

// ListProcessingOlderThan finds payments stuck in Processing past the grace
// period, for the reconciliation sweep.
func (r *PostgresRepository) ListProcessingOlderThan(ctx context.Context, cutoff time.Time) ([]domain.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE status = $1 AND updated_at < $2 ORDER BY updated_at ASC`
	rows, err := r.db.Query(ctx, query, domain.PaymentStatusProcessing, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPayments(rows)
}

func collectPayments(rows pgx.Rows) ([]domain.Payment, error) {
	var payments []domain.Payment
	for rows.Next() {
		var p domain.Payment
		err := rows.Scan(
			&p.ID, &p.PayerID, &p.PayeeID, &p.Amount, &p.Currency, &p.NetAmount, &p.RefundedAmount,
			&p.Status, &p.Purpose, &p.IdempotencyKey, &p.Gateway, &p.GatewayReference,
			&p.FailureReason, &p.ParentPaymentID, &p.EventVersion, &p.CreatedAt, &p.UpdatedAt, &p.CompletedAt,
		)
		if err != nil {
			return nil, err
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

// RecordWebhookEvent inserts into the idempotency ledger. The boolean is
// false when the gateway already delivered this event.
func (r *PostgresRepository) RecordWebhookEvent(ctx context.Context, gatewayID, externalEventID string) (bool, error) {
	query := `
		INSERT INTO webhook_events (gateway_id, external_event_id, received_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (gateway_id, external_event_id) DO NOTHING
	`
	result, err := r.db.Exec(ctx, query, gatewayID, externalEventID)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() > 0, nil
}

// DeleteWebhookEvent removes a ledger row whose transition did not commit.
func (r *PostgresRepository) DeleteWebhookEvent(ctx context.Context, gatewayID, externalEventID string) error {
	query := `DELETE FROM webhook_events WHERE gateway_id = $1 AND external_event_id = $2`
	_, err := r.db.Exec(ctx, query, gatewayID, externalEventID)
	return err
}

// CreateFraudAlertIfAbsent inserts an alert unless one already exists for
// the payment. It returns the stored alert and whether this call created it.
func (r *PostgresRepository) CreateFraudAlertIfAbsent(ctx context.Context, alert *domain.FraudAlert) (*domain.FraudAlert, bool, error) {
	insert := `
		INSERT INTO fraud_alerts (id, payment_id, user_id, score, indicators, resolution, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (payment_id) DO NOTHING
	`
	result, err := r.db.Exec(ctx, insert, alert.ID, alert.PaymentID, alert.UserID, alert.Score, alert.Indicators, alert.Resolution)
	if err != nil {
		return nil, false, err
	}
	if result.RowsAffected() > 0 {
		return alert, true, nil
	}

	existing, err := r.FindFraudAlertByPaymentID(ctx, alert.PaymentID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// FindFraudAlertByPaymentID retrieves the alert for a payment, if any.
func (r *PostgresRepository) FindFraudAlertByPaymentID(ctx context.Context, paymentID uuid.UUID) (*domain.FraudAlert, error) {
	var alert domain.FraudAlert
	query := `
		SELECT id, payment_id, user_id, score, indicators, resolution, reviewed_by, reviewed_at, created_at
		FROM fraud_alerts
		WHERE payment_id = $1
	`
	err := r.db.QueryRow(ctx, query, paymentID).Scan(
		&alert.ID, &alert.PaymentID, &alert.UserID, &alert.Score, &alert.Indicators,
		&alert.Resolution, &alert.ReviewedBy, &alert.ReviewedAt, &alert.CreatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrFraudAlertNotFound
		}
		return nil, err
	}
	return &alert, nil
}

// ResolveFraudAlert applies a reviewer decision to a pending alert.
func (r *PostgresRepository) ResolveFraudAlert(ctx context.Context, paymentID uuid.UUID, resolution string, reviewedBy uuid.UUID) (*domain.FraudAlert, error) {
	var alert domain.FraudAlert
	query := `
		UPDATE fraud_alerts
		SET resolution = $2, reviewed_by = $3, reviewed_at = NOW()
		WHERE payment_id = $1 AND resolution = $4
		RETURNING id, payment_id, user_id, score, indicators, resolution, reviewed_by, reviewed_at, created_at
	`
	err := r.db.QueryRow(ctx, query, paymentID, resolution, reviewedBy, domain.FraudResolutionPendingReview).Scan(
		&alert.ID, &alert.PaymentID, &alert.UserID, &alert.Score, &alert.Indicators,
		&alert.Resolution, &alert.ReviewedBy, &alert.ReviewedAt, &alert.CreatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrFraudAlertNotFound
		}
		return nil, err
	}
	return &alert, nil
}

// CountPaymentsByPayerSince is the velocity signal for fraud scoring.
func (r *PostgresRepository) CountPaymentsByPayerSince(ctx context.Context, payerID uuid.UUID, since time.Time) (int, error) {
	var count int
	query := `SELECT COUNT(*) FROM payments WHERE payer_id = $1 AND created_at >= $2`
	if err := r.db.QueryRow(ctx, query, payerID, since).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// AveragePaymentAmountByPayer is the amount-deviation signal for fraud
// scoring. Zero means no history.
func (r *PostgresRepository) AveragePaymentAmountByPayer(ctx context.Context, payerID uuid.UUID, currency domain.Currency) (int64, error) {
	var avg *float64
	query := `
		SELECT AVG(amount) FROM payments
		WHERE payer_id = $1 AND currency = $2 AND status = $3
	`
	if err := r.db.QueryRow(ctx, query, payerID, currency, domain.PaymentStatusCompleted).Scan(&avg); err != nil {
		return 0, err
	}
	if avg == nil {
		return 0, nil
	}
	return int64(*avg), nil
}

// FetchUnpublishedOutbox returns undrained outbox rows in append order.
func (r *PostgresRepository) FetchUnpublishedOutbox(ctx context.Context, limit int) ([]domain.OutboxMessage, error) {
	query := `
		SELECT id, aggregate_id, event_version, event_type, payload, created_at, published_at
		FROM payment_outbox
		WHERE published_at IS NULL
		ORDER BY id ASC
		LIMIT $1
	`
	rows, err := r.db.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []domain.OutboxMessage
	for rows.Next() {
		var m domain.OutboxMessage
		if err := rows.Scan(&m.ID, &m.AggregateID, &m.EventVersion, &m.EventType, &m.Payload, &m.CreatedAt, &m.PublishedAt); err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// MarkOutboxPublished stamps drained rows so they are never re-published.
func (r *PostgresRepository) MarkOutboxPublished(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	query := `UPDATE payment_outbox SET published_at = NOW() WHERE id = ANY($1)`
	_, err := r.db.Exec(ctx, query, ids)
	return err
}

// CreateGatewayDeadLetter parks an exhausted gateway operation for manual
// operator action.
func (r *PostgresRepository) CreateGatewayDeadLetter(ctx context.Context, letter *domain.GatewayDeadLetter) error {
	query := `
		INSERT INTO gateway_dead_letters (id, payment_id, gateway, operation, attempts, last_error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
	`
	_, err := r.db.Exec(ctx, query, letter.ID, letter.PaymentID, letter.Gateway, letter.Operation, letter.Attempts, letter.LastError)
	return err
}

// ListGatewayDeadLetters returns the newest parked operations.
func (r *PostgresRepository) ListGatewayDeadLetters(ctx context.Context, limit int) ([]domain.GatewayDeadLetter, error) {
	query := `
		SELECT id, payment_id, gateway, operation, attempts, last_error, created_at
		FROM gateway_dead_letters
		ORDER BY created_at DESC
		LIMIT $1
	`
	rows, err := r.db.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var letters []domain.GatewayDeadLetter
	for rows.Next() {
		var l domain.GatewayDeadLetter
		if err := rows.Scan(&l.ID, &l.PaymentID, &l.Gateway, &l.Operation, &l.Attempts, &l.LastError, &l.CreatedAt); err != nil {
			return nil, err
		}
		letters = append(letters, l)
	}
	return letters, rows.Err()
}
