/**
 * @description
 * This file contains the distribution engine: the fan-out of completed
 * revenue-bearing payments into royalty splits and fractional-ownership
 * payouts. It consumes payment.completed events delivered through the
 * outbox and RabbitMQ.
 *
 * Key invariants:
 * - Splits are computed with decimal math and floored to the currency's
 *   minor unit; rounding leftovers are never dropped (royalties retain
 *   them, revenue sharing assigns them to the largest holder).
 * - The sum of all computed amounts always equals the distributed total.
 * - Distribution rows are written all-or-nothing, and at most one
 *   distribution ever exists per source payment.
 * - Payouts are ordinary payments: each one is a new initiate() from the
 *   platform treasury, chained by idempotency key so redelivery of the
 *   triggering event cannot double-pay.
 *
 * @dependencies
 * - context, errors, fmt, log, sort, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID generation.
 * - github.com/shopspring/decimal: For exact split arithmetic.
 * - internal/domain, internal/store: Domain models and data access.
 */

package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/vibestream/payment-service/internal/domain"
	"github.com/vibestream/payment-service/internal/store"
)

// ErrInvariantViolation marks a distribution whose computed amounts failed
// their consistency checks. Nothing is written when it fires.
var ErrInvariantViolation = errors.New("distribution invariant violation")

// CatalogClient is the music catalog's read surface the engine needs:
// royalty terms per song and the shareholder registry per contract.
type CatalogClient interface {
	SongRoyaltyTerms(ctx context.Context, songID uuid.UUID) (*domain.RoyaltyTerms, error)
	ContractShareholders(ctx context.Context, contractID uuid.UUID) ([]domain.Shareholder, error)
}

// DistributionEngine fans completed revenue out to artists and shareholders.
type DistributionEngine struct {
	repo    store.Repository
	svc     *Service
	catalog CatalogClient
}

func NewDistributionEngine(repo store.Repository, svc *Service, catalog CatalogClient) *DistributionEngine {
	return &DistributionEngine{repo: repo, svc: svc, catalog: catalog}
}

// HandleCompletedPayment distributes one completed payment's net revenue.
// Redeliveries are no-ops once a distribution exists for the payment.
func (e *DistributionEngine) HandleCompletedPayment(ctx context.Context, paymentID uuid.UUID) error {
	events, err := e.repo.ListEventsByAggregateID(ctx, paymentID)
	if err != nil {
		return fmt.Errorf("failed to load events for payment %s: %w", paymentID, err)
	}
	if len(events) == 0 {
		return store.ErrPaymentNotFound
	}
	payment, err := Replay(events)
	if err != nil {
		return err
	}

	if payment.Status != domain.PaymentStatusCompleted {
		log.Printf("Distribution: Payment %s is %s, not completed, skipping", paymentID, payment.Status)
		return nil
	}
	if !domain.RevenueBearingPurpose(payment.Purpose) {
		return nil
	}

	exists, err := e.repo.DistributionExistsForPayment(ctx, paymentID)
	if err != nil {
		return fmt.Errorf("failed to check distributions for payment %s: %w", paymentID, err)
	}
	if exists {
		log.Printf("Distribution: Payment %s already distributed, skipping", paymentID)
		return nil
	}

	var initiated domain.PaymentInitiatedPayload
	if err := json.Unmarshal(events[0].Payload, &initiated); err != nil {
		return fmt.Errorf("failed to decode initiated payload for payment %s: %w", paymentID, err)
	}

	switch {
	case initiated.ContractID != nil:
		return e.distributeRevenueSharing(ctx, payment, initiated)
	case initiated.SongID != nil:
		return e.distributeRoyalty(ctx, payment, initiated)
	default:
		log.Printf("Distribution: Payment %s carries no song or contract, nothing to distribute", paymentID)
		return nil
	}
}

func (e *DistributionEngine) distributeRoyalty(ctx context.Context, payment *domain.Payment, initiated domain.PaymentInitiatedPayload) error {
	terms, err := e.catalog.SongRoyaltyTerms(ctx, *initiated.SongID)
	if err != nil {
		return fmt.Errorf("failed to fetch royalty terms for song %s: %w", initiated.SongID, err)
	}

	artistAmount, platformAmount, retained, err := SplitRoyalty(payment.NetAmount, *terms)
	if err != nil {
		return err
	}

	periodStart := payment.CompletedAt.UTC().Truncate(24 * time.Hour)
	dist := &domain.RoyaltyDistribution{
		ID:              uuid.New(),
		SongID:          *initiated.SongID,
		ArtistID:        terms.ArtistID,
		SourcePaymentID: payment.ID,
		TotalRevenue:    payment.NetAmount,
		Currency:        payment.Currency,
		ArtistSharePct:  terms.ArtistSharePct,
		PlatformFeePct:  terms.PlatformFeePct,
		ArtistAmount:    artistAmount,
		PlatformAmount:  platformAmount,
		RetainedAmount:  retained,
		Status:          domain.DistributionStatusPending,
		PeriodStart:     periodStart,
		PeriodEnd:       periodStart.Add(24 * time.Hour),
	}
	if err := e.repo.CreateRoyaltyDistribution(ctx, dist); err != nil {
		return fmt.Errorf("failed to create royalty distribution for payment %s: %w", payment.ID, err)
	}
	log.Printf("Distribution: Royalty %s for payment %s (artist %d, platform %d, retained %d)",
		dist.ID, payment.ID, artistAmount, platformAmount, retained)

	if artistAmount == 0 {
		return e.repo.AttachRoyaltyPayout(ctx, dist.ID, nil)
	}

	// The artist payout is a regular payment: initiate then process, keyed
	// by the distribution so a redelivered event replays instead of paying twice.
	payout, err := e.svc.InitiatePayment(ctx, domain.InitiatePaymentRequest{
		PayerID:        e.svc.PlatformAccountID(),
		PayeeID:        terms.ArtistID,
		Amount:         artistAmount,
		Currency:       payment.Currency,
		Purpose:        domain.PurposeRoyaltyPayout,
		IdempotencyKey: fmt.Sprintf("royalty:%s", dist.ID),
	})
	if err != nil {
		return fmt.Errorf("failed to initiate royalty payout for distribution %s: %w", dist.ID, err)
	}
	if err := e.repo.AttachRoyaltyPayout(ctx, dist.ID, &payout.ID); err != nil {
		return fmt.Errorf("failed to attach payout %s to distribution %s: %w", payout.ID, dist.ID, err)
	}
	if _, err := e.svc.ProcessPayment(ctx, payout.ID); err != nil {
		// The payout exists and is linked; processing retries independently.
		log.Printf("Distribution: Royalty payout %s initiation ok but processing failed: %v", payout.ID, err)
	}
	return nil
}

func (e *DistributionEngine) distributeRevenueSharing(ctx context.Context, payment *domain.Payment, initiated domain.PaymentInitiatedPayload) error {
	holders, err := e.catalog.ContractShareholders(ctx, *initiated.ContractID)
	if err != nil {
		return fmt.Errorf("failed to fetch shareholders for contract %s: %w", initiated.ContractID, err)
	}
	if len(holders) == 0 {
		return fmt.Errorf("%w: contract %s has no shareholders", ErrInvariantViolation, initiated.ContractID)
	}

	amounts, err := Apportion(payment.NetAmount, holders)
	if err != nil {
		return err
	}

	dist := &domain.RevenueSharingDistribution{
		ID:              uuid.New(),
		ContractID:      *initiated.ContractID,
		SongID:          songOrNil(initiated.SongID),
		SourcePaymentID: payment.ID,
		TotalAmount:     payment.NetAmount,
		Currency:        payment.Currency,
		Status:          domain.DistributionStatusPending,
	}
	totalShares := int64(0)
	for _, h := range holders {
		totalShares += h.ShareCount
	}
	rows := make([]domain.ShareholderDistribution, 0, len(holders))
	for i, h := range holders {
		rows = append(rows, domain.ShareholderDistribution{
			DistributionID: dist.ID,
			ShareholderID:  h.ID,
			Amount:         amounts[i],
			SharePct:       float64(h.ShareCount) / float64(totalShares) * 100,
		})
	}
	if err := e.repo.CreateRevenueSharingDistribution(ctx, dist, rows); err != nil {
		return fmt.Errorf("failed to create revenue sharing distribution for payment %s: %w", payment.ID, err)
	}
	log.Printf("Distribution: Revenue sharing %s for payment %s across %d holders", dist.ID, payment.ID, len(rows))

	for _, row := range rows {
		if row.Amount == 0 {
			continue
		}
		payout, err := e.svc.InitiatePayment(ctx, domain.InitiatePaymentRequest{
			PayerID:        e.svc.PlatformAccountID(),
			PayeeID:        row.ShareholderID,
			Amount:         row.Amount,
			Currency:       payment.Currency,
			Purpose:        domain.PurposeSharePayout,
			IdempotencyKey: fmt.Sprintf("share:%s:%s", dist.ID, row.ShareholderID),
		})
		if err != nil {
			return fmt.Errorf("failed to initiate shareholder payout for distribution %s: %w", dist.ID, err)
		}
		if err := e.repo.AttachShareholderPayment(ctx, dist.ID, row.ShareholderID, payout.ID); err != nil {
			return fmt.Errorf("failed to attach payment %s to shareholder %s: %w", payout.ID, row.ShareholderID, err)
		}
		if _, err := e.svc.ProcessPayment(ctx, payout.ID); err != nil {
			log.Printf("Distribution: Shareholder payout %s initiation ok but processing failed: %v", payout.ID, err)
		}
	}
	return nil
}

// SplitRoyalty divides total revenue between artist, platform and the
// retained remainder. Both shares floor to the minor unit and the three
// parts always sum back to the total.
func SplitRoyalty(total int64, terms domain.RoyaltyTerms) (artist, platform, retained int64, err error) {
	if total <= 0 {
		return 0, 0, 0, fmt.Errorf("%w: total revenue must be positive, got %d", ErrInvariantViolation, total)
	}
	if terms.ArtistSharePct < 0 || terms.PlatformFeePct < 0 || terms.ArtistSharePct+terms.PlatformFeePct > 100 {
		return 0, 0, 0, fmt.Errorf("%w: invalid royalty terms (artist %.2f%%, platform %.2f%%)",
			ErrInvariantViolation, terms.ArtistSharePct, terms.PlatformFeePct)
	}

	totalDec := decimal.NewFromInt(total)
	hundred := decimal.NewFromInt(100)
	artist = totalDec.Mul(decimal.NewFromFloat(terms.ArtistSharePct)).Div(hundred).Floor().IntPart()
	platform = totalDec.Mul(decimal.NewFromFloat(terms.PlatformFeePct)).Div(hundred).Floor().IntPart()
	retained = total - artist - platform
	if retained < 0 || artist+platform+retained != total {
		return 0, 0, 0, fmt.Errorf("%w: royalty split %d+%d+%d != %d", ErrInvariantViolation, artist, platform, retained, total)
	}
	return artist, platform, retained, nil
}

// Apportion splits a total across holders in proportion to their share
// counts. Every amount floors to the minor unit; the remainder goes to the
// largest holder, ties broken by earliest registration. The returned
// amounts are index-aligned with holders and always sum to total.
func Apportion(total int64, holders []domain.Shareholder) ([]int64, error) {
	if total < 0 {
		return nil, fmt.Errorf("%w: cannot apportion negative total %d", ErrInvariantViolation, total)
	}
	var totalShares int64
	for _, h := range holders {
		if h.ShareCount <= 0 {
			return nil, fmt.Errorf("%w: shareholder %s holds %d shares", ErrInvariantViolation, h.ID, h.ShareCount)
		}
		totalShares += h.ShareCount
	}
	if totalShares == 0 {
		return nil, fmt.Errorf("%w: no shares to apportion across", ErrInvariantViolation)
	}

	totalDec := decimal.NewFromInt(total)
	sharesDec := decimal.NewFromInt(totalShares)
	amounts := make([]int64, len(holders))
	var assigned int64
	for i, h := range holders {
		amounts[i] = totalDec.Mul(decimal.NewFromInt(h.ShareCount)).Div(sharesDec).Floor().IntPart()
		assigned += amounts[i]
	}

	if remainder := total - assigned; remainder > 0 {
		winner := 0
		for i := 1; i < len(holders); i++ {
			if holders[i].ShareCount > holders[winner].ShareCount {
				winner = i
				continue
			}
			if holders[i].ShareCount == holders[winner].ShareCount && holders[i].RegisteredAt.Before(holders[winner].RegisteredAt) {
				winner = i
			}
		}
		amounts[winner] += remainder
	}

	var sum int64
	for _, a := range amounts {
		sum += a
	}
	if sum != total {
		return nil, fmt.Errorf("%w: apportioned %d != total %d", ErrInvariantViolation, sum, total)
	}
	return amounts, nil
}

func songOrNil(songID *uuid.UUID) uuid.UUID {
	if songID == nil {
		return uuid.Nil
	}
	return *songID
}
