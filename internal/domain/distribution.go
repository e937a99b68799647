/**
 * @description
 * This file defines the royalty and revenue-sharing distribution models.
 * Distributions are created strictly after the triggering payment reaches
 * Completed, and their row sets are written all-or-nothing: a failed
 * invariant check aborts the whole distribution with no partial writes.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// Distribution statuses.
const (
	DistributionStatusPending   = "pending"
	DistributionStatusProcessed = "processed"
	DistributionStatusFailed    = "failed"
)

// RoyaltyDistribution splits one revenue event between an artist and the
// platform. ArtistAmount + PlatformAmount + RetainedAmount always equals
// TotalRevenue; any rounding leftover lands in RetainedAmount, never
// silently dropped.
type RoyaltyDistribution struct {
	ID              uuid.UUID  `json:"id"`
	SongID          uuid.UUID  `json:"song_id"`
	ArtistID        uuid.UUID  `json:"artist_id"`
	SourcePaymentID uuid.UUID  `json:"source_payment_id"`
	TotalRevenue    int64      `json:"total_revenue"` // in minor units, > 0
	Currency        Currency   `json:"currency"`
	ArtistSharePct  float64    `json:"artist_share_pct"`
	PlatformFeePct  float64    `json:"platform_fee_pct"`
	ArtistAmount    int64      `json:"artist_amount"`
	PlatformAmount  int64      `json:"platform_amount"`
	RetainedAmount  int64      `json:"retained_amount"`
	PayoutPaymentID *uuid.UUID `json:"payout_payment_id,omitempty"`
	Status          string     `json:"status"`
	PeriodStart     time.Time  `json:"period_start"`
	PeriodEnd       time.Time  `json:"period_end"`
	CreatedAt       time.Time  `json:"created_at"`
}

// RevenueSharingDistribution fans one revenue event out to the fractional
// owners of a song contract.
type RevenueSharingDistribution struct {
	ID              uuid.UUID `json:"id"`
	ContractID      uuid.UUID `json:"contract_id"`
	SongID          uuid.UUID `json:"song_id"`
	SourcePaymentID uuid.UUID `json:"source_payment_id"`
	TotalAmount     int64     `json:"total_amount"` // in minor units
	Currency        Currency  `json:"currency"`
	Status          string    `json:"status"`
	CreatedAt       time.Time `json:"created_at"`
}

// ShareholderDistribution is one holder's slice of a revenue-sharing
// distribution. unique(distribution_id, shareholder_id); the sum of
// Amount across a distribution equals its TotalAmount exactly.
type ShareholderDistribution struct {
	DistributionID uuid.UUID  `json:"distribution_id"`
	ShareholderID  uuid.UUID  `json:"shareholder_id"`
	PaymentID      *uuid.UUID `json:"payment_id,omitempty"`
	Amount         int64      `json:"amount"` // in minor units
	SharePct       float64    `json:"share_pct"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Shareholder is the catalog service's view of one fractional owner.
// RegisteredAt breaks remainder-assignment ties between equal holdings.
type Shareholder struct {
	ID           uuid.UUID `json:"id"`
	ShareCount   int64     `json:"share_count"`
	RegisteredAt time.Time `json:"registered_at"`
}

// RoyaltyTerms is the catalog service's view of a song's royalty split.
type RoyaltyTerms struct {
	ArtistID       uuid.UUID `json:"artist_id"`
	ArtistSharePct float64   `json:"artist_share_pct"`
	PlatformFeePct float64   `json:"platform_fee_pct"`
}
