/**
 * @description
 * This file contains the batch settlement worker. On each cron window it
 * sweeps completed, payout-eligible payments into a batch and settles every
 * item independently: each item chains a new artist_settlement payment from
 * the platform treasury to the original payee. One gateway failure marks
 * its item failed without touching the rest; failed items are released back
 * to the pool for the next window.
 *
 * @dependencies
 * - context, errors, fmt, log, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID generation.
 * - internal/domain, internal/store: Domain models and data access.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/vibestream/payment-service/internal/domain"
	"github.com/vibestream/payment-service/internal/store"
)

// BatchSettler groups settleable payments and drives their payouts.
type BatchSettler struct {
	repo       store.Repository
	svc        *Service
	holdPeriod time.Duration // completed payments rest this long before settling
	batchLimit int
}

func NewBatchSettler(repo store.Repository, svc *Service, holdPeriod time.Duration, batchLimit int) *BatchSettler {
	if holdPeriod <= 0 {
		holdPeriod = 24 * time.Hour
	}
	if batchLimit <= 0 {
		batchLimit = 500
	}
	return &BatchSettler{
		repo:       repo,
		svc:        svc,
		holdPeriod: holdPeriod,
		batchLimit: batchLimit,
	}
}

// RunOnce executes one settlement window. It returns nil with no batch when
// there was nothing to settle or another instance claimed the payments first.
func (b *BatchSettler) RunOnce(ctx context.Context) (*domain.PaymentBatch, error) {
	now := time.Now().UTC()
	cutoff := now.Add(-b.holdPeriod)

	// 1. Collect unclaimed settleable payments
	payments, err := b.repo.ListSettleablePayments(ctx, cutoff, b.batchLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to list settleable payments: %w", err)
	}
	if len(payments) == 0 {
		return nil, nil
	}

	// 2. Claim them under one batch; the unique constraints arbitrate races
	batch := &domain.PaymentBatch{
		ID:          uuid.New(),
		Status:      domain.BatchStatusOpen,
		ItemCount:   len(payments),
		WindowStart: cutoff.Add(-b.holdPeriod),
		WindowEnd:   cutoff,
	}
	items := make([]domain.PaymentBatchItem, 0, len(payments))
	for _, p := range payments {
		amount := p.NetAmount - p.RefundedAmount
		batch.TotalAmount += amount
		items = append(items, domain.PaymentBatchItem{
			ID:        uuid.New(),
			BatchID:   batch.ID,
			PaymentID: p.ID,
			Amount:    amount,
			Status:    domain.BatchItemStatusPending,
		})
	}
	if err := b.repo.CreateBatchWithItems(ctx, batch, items); err != nil {
		if errors.Is(err, store.ErrPaymentAlreadyBatched) {
			log.Printf("BatchSettler: Payments claimed by a concurrent batch, skipping window")
			return nil, nil
		}
		return nil, fmt.Errorf("failed to create batch: %w", err)
	}
	if err := b.repo.MarkBatchSubmitted(ctx, batch.ID); err != nil {
		return nil, fmt.Errorf("failed to submit batch %s: %w", batch.ID, err)
	}
	log.Printf("BatchSettler: Batch %s submitted with %d items (total %d)", batch.ID, len(items), batch.TotalAmount)

	// 3. Settle every item independently
	for i := range items {
		if err := b.settleItem(ctx, batch.ID, &items[i], &payments[i]); err != nil {
			log.Printf("BatchSettler: Item %s (payment %s) failed: %v", items[i].ID, items[i].PaymentID, err)
			if markErr := b.repo.MarkBatchItemFailed(ctx, items[i].ID, err.Error()); markErr != nil {
				log.Printf("BatchSettler: Failed to mark item %s failed: %v", items[i].ID, markErr)
			}
		}
	}

	// 4. Derive the batch's final state and free failed items for retry
	final, err := b.repo.FinalizeBatch(ctx, batch.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to finalize batch %s: %w", batch.ID, err)
	}
	if final.FailedCount > 0 {
		released, relErr := b.repo.ReleaseFailedBatchItems(ctx, batch.ID)
		if relErr != nil {
			log.Printf("BatchSettler: Failed to release items of batch %s: %v", batch.ID, relErr)
		} else {
			log.Printf("BatchSettler: Released %d failed items of batch %s to the pool", released, batch.ID)
		}
	}
	log.Printf("BatchSettler: Batch %s finished %s (%d settled, %d failed)", final.ID, final.Status, final.SettledCount, final.FailedCount)
	return final, nil
}

// settleItem chains the payout payment for one batch item: initiate keyed
// by (batch, payment) so a rerun replays instead of double-paying, then
// process.
func (b *BatchSettler) settleItem(ctx context.Context, batchID uuid.UUID, item *domain.PaymentBatchItem, source *domain.Payment) error {
	if item.Amount <= 0 {
		// Fully refunded since listing; nothing to move.
		return b.repo.MarkBatchItemSettled(ctx, item.ID, nil)
	}

	payout, err := b.svc.InitiatePayment(ctx, domain.InitiatePaymentRequest{
		PayerID:        b.svc.PlatformAccountID(),
		PayeeID:        source.PayeeID,
		Amount:         item.Amount,
		Currency:       source.Currency,
		Purpose:        domain.PurposeArtistSettlement,
		IdempotencyKey: fmt.Sprintf("settle:%s:%s", batchID, source.ID),
	})
	if err != nil {
		return fmt.Errorf("initiate payout: %w", err)
	}
	if _, err := b.svc.ProcessPayment(ctx, payout.ID); err != nil {
		return fmt.Errorf("process payout %s: %w", payout.ID, err)
	}
	return b.repo.MarkBatchItemSettled(ctx, item.ID, &payout.ID)
}
