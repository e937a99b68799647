/**
 * @description
 * This file defines the core domain models for the payment-service.
 * These structs represent the main entities and data transfer objects (DTOs)
 * used throughout the service's business logic, database interactions, and API layers.
 *
 * @notes
 * - Amounts are stored as `int64` in the smallest unit of each currency
 *   (cents for USD, gwei for ETH, lamports for SOL), which avoids
 *   floating-point inaccuracies with financial data.
 * - The `payments` row is a derived read snapshot. The authoritative state
 *   of a payment is its event log in `payment_events`; the snapshot is
 *   rebuilt from the log on every mutation.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// Currency identifies one of the settlement currencies supported by the platform.
type Currency string

const (
	CurrencyUSD   Currency = "USD"
	CurrencyETH   Currency = "ETH"
	CurrencySOL   Currency = "SOL"
	CurrencyUSDC  Currency = "USDC"
	CurrencyVIBES Currency = "VIBES" // platform token
)

// MinorUnits returns the decimal exponent of the currency's smallest unit.
// USD is held in cents; ETH in gwei, SOL in lamports, USDC in its native
// 6-decimal unit and VIBES in its 9-decimal unit.
func (c Currency) MinorUnits() int32 {
	switch c {
	case CurrencyUSD:
		return 2
	case CurrencyUSDC:
		return 6
	default:
		return 9
	}
}

// IsCrypto reports whether the currency settles on a crypto rail.
func (c Currency) IsCrypto() bool {
	switch c {
	case CurrencyETH, CurrencySOL, CurrencyUSDC, CurrencyVIBES:
		return true
	}
	return false
}

// Supported reports whether the currency is one the platform settles.
func (c Currency) Supported() bool {
	switch c {
	case CurrencyUSD, CurrencyETH, CurrencySOL, CurrencyUSDC, CurrencyVIBES:
		return true
	}
	return false
}

// Payment lifecycle statuses. Failed, Cancelled and Refunded are terminal.
const (
	PaymentStatusPending    = "pending"
	PaymentStatusProcessing = "processing"
	PaymentStatusCompleted  = "completed"
	PaymentStatusFailed     = "failed"
	PaymentStatusCancelled  = "cancelled"
	PaymentStatusRefunding  = "refunding"
	PaymentStatusRefunded   = "refunded"
)

// Payment purposes. Revenue-bearing purposes trigger the distribution
// engine once the payment completes.
const (
	PurposeNFTPurchase      = "nft_purchase"
	PurposeSharePurchase    = "share_purchase"
	PurposeListenReward     = "listen_reward"
	PurposeRoyaltyPayout    = "royalty_payout"
	PurposeSharePayout      = "share_payout"
	PurposeArtistSettlement = "artist_settlement"
	PurposeRefundReversal   = "refund_reversal"
)

// RevenueBearingPurpose reports whether a completed payment with this
// purpose should fan out into distributions.
func RevenueBearingPurpose(purpose string) bool {
	switch purpose {
	case PurposeNFTPurchase, PurposeSharePurchase, PurposeListenReward:
		return true
	}
	return false
}

// Payment is the read snapshot of one payment aggregate. It maps directly
// to the `payments` table.
type Payment struct {
	ID               uuid.UUID  `json:"id"`
	PayerID          uuid.UUID  `json:"payer_id"`
	PayeeID          uuid.UUID  `json:"payee_id"`
	Amount           int64      `json:"amount"` // in minor units
	Currency         Currency   `json:"currency"`
	NetAmount        int64      `json:"net_amount"`
	RefundedAmount   int64      `json:"refunded_amount"`
	Status           string     `json:"status"`
	Purpose          string     `json:"purpose"`
	IdempotencyKey   string     `json:"idempotency_key"`
	Gateway          string     `json:"gateway"`
	GatewayReference *string    `json:"gateway_reference,omitempty"`
	FailureReason    *string    `json:"failure_reason,omitempty"`
	ParentPaymentID  *uuid.UUID `json:"parent_payment_id,omitempty"`
	EventVersion     int64      `json:"event_version"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
}

// Terminal reports whether the payment can never transition again.
func (p *Payment) Terminal() bool {
	switch p.Status {
	case PaymentStatusFailed, PaymentStatusCancelled, PaymentStatusRefunded:
		return true
	}
	return false
}

// InitiatePaymentRequest is the DTO for the initiate-payment command.
type InitiatePaymentRequest struct {
	PayerID        uuid.UUID  `json:"payer_id"`
	PayeeID        uuid.UUID  `json:"payee_id"`
	Amount         int64      `json:"amount"` // in minor units
	Currency       Currency   `json:"currency"`
	Purpose        string     `json:"purpose"`
	IdempotencyKey string     `json:"idempotency_key"`
	GatewayHint    string     `json:"gateway_hint,omitempty"` // optional rail preference for multi-rail currencies
	SongID         *uuid.UUID `json:"song_id,omitempty"`
	ContractID     *uuid.UUID `json:"contract_id,omitempty"`
	RiskSignal     float64    `json:"risk_signal,omitempty"` // externally supplied risk signal in [0,1]
}

// RefundPaymentRequest is the DTO for the refund-payment command.
type RefundPaymentRequest struct {
	Amount int64  `json:"amount"` // in minor units, must not exceed net_amount
	Reason string `json:"reason"`
}

// ReviewFraudAlertRequest is the DTO for resolving a fraud review.
type ReviewFraudAlertRequest struct {
	Resolution string    `json:"resolution"`
	ReviewedBy uuid.UUID `json:"reviewed_by"`
}

// GatewayDeadLetter records a gateway operation that exhausted its retries
// and needs manual operator action.
type GatewayDeadLetter struct {
	ID        uuid.UUID `json:"id"`
	PaymentID uuid.UUID `json:"payment_id"`
	Gateway   string    `json:"gateway"`
	Operation string    `json:"operation"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error"`
	CreatedAt time.Time `json:"created_at"`
}
