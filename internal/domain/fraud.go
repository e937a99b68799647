/**
 * @description
 * This file defines the fraud-screening models. Scoring runs synchronously
 * as a precondition of the Pending -> Processing transition; at most one
 * alert ever exists per payment.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// Fraud alert resolutions.
const (
	FraudResolutionAutoBlocked   = "auto_blocked"
	FraudResolutionPendingReview = "pending_review"
	FraudResolutionCleared       = "cleared"
)

// FraudAlert records the outcome of scoring one payment. The unique
// payment_id constraint makes alert creation idempotent.
type FraudAlert struct {
	ID         uuid.UUID  `json:"id"`
	PaymentID  uuid.UUID  `json:"payment_id"`
	UserID     uuid.UUID  `json:"user_id"`
	Score      float64    `json:"score"`
	Indicators []string   `json:"indicators"`
	Resolution string     `json:"resolution"`
	ReviewedBy *uuid.UUID `json:"reviewed_by,omitempty"`
	ReviewedAt *time.Time `json:"reviewed_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// RiskSignals are the inputs combined into a fraud score.
type RiskSignals struct {
	RecentPaymentCount int     // payer transactions inside the velocity window
	HistoricalAverage  int64   // payer's historical average amount, minor units
	Amount             int64   // amount being scored, minor units
	ExternalSignal     float64 // externally supplied risk signal in [0,1]
}
