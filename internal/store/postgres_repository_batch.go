/**
 * @description
 * PostgreSQL implementation of the batch settlement methods. Double-payout
 * protection rests on the partial unique index over active claims:
 *
 *   CREATE UNIQUE INDEX payment_batch_items_active_payment
 *   ON payment_batch_items (payment_id)
 *   WHERE status IN ('pending', 'settled');
 *
 * Two overlapping settlement runs that both read a payment as settleable
 * collide on this index inside CreateBatchWithItems; the loser gets
 * ErrPaymentAlreadyBatched and skips the window. UNIQUE(batch_id, payment_id)
 * and the active-claim predicate in ListSettleablePayments reduce how often
 * the conflict is hit, but only the partial index makes the claim exclusive
 * across batches.
 */

package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/vibestream/payment-service/internal/domain"
)

// ListSettleablePayments returns completed revenue-bearing payments that
// are not yet claimed by any active batch.
func (r *PostgresRepository) ListSettleablePayments(ctx context.Context, completedBefore time.Time, limit int) ([]domain.Payment, error) {
	query := `
		SELECT ` + paymentColumns + `
		FROM payments p
		WHERE p.status = $1
		  AND p.completed_at < $2
		  AND p.purpose = ANY($3)
		  AND NOT EXISTS (
			SELECT 1
			FROM payment_batch_items i
			JOIN payment_batches b ON b.id = i.batch_id
			WHERE i.payment_id = p.id
			  AND i.status IN ($4, $5)
		  )
		ORDER BY p.completed_at ASC
		LIMIT $6
	`
	purposes := []string{domain.PurposeNFTPurchase, domain.PurposeSharePurchase, domain.PurposeListenReward}
	rows, err := r.db.Query(ctx, query,
		domain.PaymentStatusCompleted, completedBefore, purposes,
		domain.BatchItemStatusPending, domain.BatchItemStatusSettled, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPayments(rows)
}

// CreateBatchWithItems opens a batch and claims its payments in one
// transaction. A uniqueness conflict on any item aborts the whole claim.
func (r *PostgresRepository) CreateBatchWithItems(ctx context.Context, batch *domain.PaymentBatch, items []domain.PaymentBatchItem) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	insertBatch := `
		INSERT INTO payment_batches (
			id, status, item_count, settled_count, failed_count, total_amount,
			window_start, window_end, created_at, updated_at
		)
		VALUES ($1, $2, $3, 0, 0, $4, $5, $6, NOW(), NOW())
	`
	_, err = tx.Exec(ctx, insertBatch,
		batch.ID, batch.Status, batch.ItemCount, batch.TotalAmount, batch.WindowStart, batch.WindowEnd,
	)
	if err != nil {
		return err
	}

	insertItem := `
		INSERT INTO payment_batch_items (id, batch_id, payment_id, amount, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
	`
	pgxBatch := &pgx.Batch{}
	for _, item := range items {
		pgxBatch.Queue(insertItem, item.ID, item.BatchID, item.PaymentID, item.Amount, item.Status)
	}
	results := tx.SendBatch(ctx, pgxBatch)
	for range items {
		if _, err := results.Exec(); err != nil {
			results.Close()
			if isUniqueViolation(err) {
				return ErrPaymentAlreadyBatched
			}
			return err
		}
	}
	if err := results.Close(); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// MarkBatchSubmitted moves an open batch into submission.
func (r *PostgresRepository) MarkBatchSubmitted(ctx context.Context, batchID uuid.UUID) error {
	query := `
		UPDATE payment_batches
		SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status = $3
	`
	result, err := r.db.Exec(ctx, query, batchID, domain.BatchStatusSubmitted, domain.BatchStatusOpen)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrBatchNotFound
	}
	return nil
}

// MarkBatchItemSettled records a successful payout for one item. Items
// whose settleable amount was zero settle without a payout payment.
func (r *PostgresRepository) MarkBatchItemSettled(ctx context.Context, itemID uuid.UUID, payoutPaymentID *uuid.UUID) error {
	query := `
		UPDATE payment_batch_items
		SET status = $2, payout_payment_id = $3, updated_at = NOW()
		WHERE id = $1
	`
	result, err := r.db.Exec(ctx, query, itemID, domain.BatchItemStatusSettled, payoutPaymentID)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrBatchNotFound
	}
	return nil
}

// MarkBatchItemFailed records a payout failure for one item.
func (r *PostgresRepository) MarkBatchItemFailed(ctx context.Context, itemID uuid.UUID, reason string) error {
	query := `
		UPDATE payment_batch_items
		SET status = $2, failure_reason = $3, updated_at = NOW()
		WHERE id = $1
	`
	result, err := r.db.Exec(ctx, query, itemID, domain.BatchItemStatusFailed, reason)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrBatchNotFound
	}
	return nil
}

// ReleaseFailedBatchItems returns failed items to the pool so the next
// settlement window can pick their payments up again.
func (r *PostgresRepository) ReleaseFailedBatchItems(ctx context.Context, batchID uuid.UUID) (int64, error) {
	query := `
		UPDATE payment_batch_items
		SET status = $2, updated_at = NOW()
		WHERE batch_id = $1 AND status = $3
	`
	result, err := r.db.Exec(ctx, query, batchID, domain.BatchItemStatusReleased, domain.BatchItemStatusFailed)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

// FinalizeBatch recomputes item counts and derives the batch's final state:
// settled when every item settled, partially_failed otherwise.
func (r *PostgresRepository) FinalizeBatch(ctx context.Context, batchID uuid.UUID) (*domain.PaymentBatch, error) {
	var batch domain.PaymentBatch
	query := `
		UPDATE payment_batches b
		SET
			settled_count = counts.settled,
			failed_count = counts.failed,
			status = CASE WHEN counts.settled = b.item_count THEN $2 ELSE $3 END,
			updated_at = NOW()
		FROM (
			SELECT
				COUNT(*) FILTER (WHERE status = $4) AS settled,
				COUNT(*) FILTER (WHERE status IN ($5, $6)) AS failed
			FROM payment_batch_items
			WHERE batch_id = $1
		) AS counts
		WHERE b.id = $1
		RETURNING b.id, b.status, b.item_count, b.settled_count, b.failed_count,
			b.total_amount, b.window_start, b.window_end, b.created_at, b.updated_at
	`
	err := r.db.QueryRow(ctx, query, batchID,
		domain.BatchStatusSettled, domain.BatchStatusPartiallyFailed,
		domain.BatchItemStatusSettled, domain.BatchItemStatusFailed, domain.BatchItemStatusReleased,
	).Scan(
		&batch.ID, &batch.Status, &batch.ItemCount, &batch.SettledCount, &batch.FailedCount,
		&batch.TotalAmount, &batch.WindowStart, &batch.WindowEnd, &batch.CreatedAt, &batch.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrBatchNotFound
		}
		return nil, err
	}
	return &batch, nil
}
