/**
 * @description
 * PostgreSQL implementation of the distribution methods. Revenue-sharing
 * fan-out is written in a single transaction so a failed invariant check
 * leaves no partial shareholder rows behind.
 */

package store

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/vibestream/payment-service/internal/domain"
)

// CreateRoyaltyDistribution records a computed royalty split.
func (r *PostgresRepository) CreateRoyaltyDistribution(ctx context.Context, dist *domain.RoyaltyDistribution) error {
	query := `
		INSERT INTO royalty_distributions (
			id, song_id, artist_id, source_payment_id, total_revenue, currency,
			artist_share_pct, platform_fee_pct, artist_amount, platform_amount,
			retained_amount, status, period_start, period_end, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, NOW())
	`
	_, err := r.db.Exec(ctx, query,
		dist.ID, dist.SongID, dist.ArtistID, dist.SourcePaymentID, dist.TotalRevenue, dist.Currency,
		dist.ArtistSharePct, dist.PlatformFeePct, dist.ArtistAmount, dist.PlatformAmount,
		dist.RetainedAmount, dist.Status, dist.PeriodStart, dist.PeriodEnd,
	)
	return err
}

// AttachRoyaltyPayout links the payout payment chained off a royalty
// distribution back onto its record. A nil payout id still marks the
// distribution processed, for splits whose artist share floored to zero.
func (r *PostgresRepository) AttachRoyaltyPayout(ctx context.Context, distributionID uuid.UUID, payoutPaymentID *uuid.UUID) error {
	query := `
		UPDATE royalty_distributions
		SET payout_payment_id = $2, status = $3
		WHERE id = $1
	`
	result, err := r.db.Exec(ctx, query, distributionID, payoutPaymentID, domain.DistributionStatusProcessed)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrDistributionNotFound
	}
	return nil
}

// CreateRevenueSharingDistribution writes the distribution header and all
// shareholder rows atomically.
func (r *PostgresRepository) CreateRevenueSharingDistribution(ctx context.Context, dist *domain.RevenueSharingDistribution, rows []domain.ShareholderDistribution) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	insertDist := `
		INSERT INTO revenue_sharing_distributions (
			id, contract_id, song_id, source_payment_id, total_amount, currency, status, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
	`
	_, err = tx.Exec(ctx, insertDist,
		dist.ID, dist.ContractID, dist.SongID, dist.SourcePaymentID,
		dist.TotalAmount, dist.Currency, dist.Status,
	)
	if err != nil {
		return err
	}

	insertRow := `
		INSERT INTO shareholder_distributions (distribution_id, shareholder_id, amount, share_pct, created_at)
		VALUES ($1, $2, $3, $4, NOW())
	`
	batch := &pgx.Batch{}
	for _, row := range rows {
		batch.Queue(insertRow, row.DistributionID, row.ShareholderID, row.Amount, row.SharePct)
	}
	results := tx.SendBatch(ctx, batch)
	for range rows {
		if _, err := results.Exec(); err != nil {
			results.Close()
			return err
		}
	}
	if err := results.Close(); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// AttachShareholderPayment links a shareholder row to the payout payment it
// spawned.
func (r *PostgresRepository) AttachShareholderPayment(ctx context.Context, distributionID, shareholderID, paymentID uuid.UUID) error {
	query := `
		UPDATE shareholder_distributions
		SET payment_id = $3
		WHERE distribution_id = $1 AND shareholder_id = $2
	`
	result, err := r.db.Exec(ctx, query, distributionID, shareholderID, paymentID)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrDistributionNotFound
	}
	return nil
}

// DistributionExistsForPayment reports whether a completed payment has
// already fanned out. Used both to deduplicate at-least-once event delivery
// and to refuse refunds after distribution.
func (r *PostgresRepository) DistributionExistsForPayment(ctx context.Context, sourcePaymentID uuid.UUID) (bool, error) {
	var exists bool
	query := `
		SELECT EXISTS (
			SELECT 1 FROM royalty_distributions WHERE source_payment_id = $1
			UNION ALL
			SELECT 1 FROM revenue_sharing_distributions WHERE source_payment_id = $1
		)
	`
	if err := r.db.QueryRow(ctx, query, sourcePaymentID).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}
