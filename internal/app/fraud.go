/**
 * @description
 * This file contains the fraud scorer that gates the Pending -> Processing
 * transition. Scoring is synchronous and combines three signals into a
 * score in [0, 1]:
 * - payer velocity inside a sliding window,
 * - deviation of the amount from the payer's historical average,
 * - an externally supplied risk signal captured at initiation.
 *
 * @dependencies
 * - context, math, time: Standard Go libraries.
 * - internal/domain, internal/store: Domain models and data access.
 */

package app

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/vibestream/payment-service/internal/domain"
	"github.com/vibestream/payment-service/internal/store"
)

// Signal weights. External intelligence is deliberately the junior partner:
// it can tip a borderline score over a threshold but never block on its own.
const (
	velocityWeight  = 0.4
	deviationWeight = 0.4
	externalWeight  = 0.2
)

// FraudScorer computes risk scores from the payer's recent payment history.
type FraudScorer struct {
	repo            store.Repository
	velocityWindow  time.Duration
	velocityCeiling int // payments per window that saturate the velocity signal
}

// NewFraudScorer creates a scorer backed by the given repository.
func NewFraudScorer(repo store.Repository, velocityWindow time.Duration, velocityCeiling int) *FraudScorer {
	if velocityWindow <= 0 {
		velocityWindow = time.Hour
	}
	if velocityCeiling <= 0 {
		velocityCeiling = 10
	}
	return &FraudScorer{
		repo:            repo,
		velocityWindow:  velocityWindow,
		velocityCeiling: velocityCeiling,
	}
}

// Score fetches the payer's history and combines it with the external
// signal into a score in [0, 1], plus the list of indicators that fired.
func (f *FraudScorer) Score(ctx context.Context, payment *domain.Payment, externalSignal float64) (float64, []string, error) {
	count, err := f.repo.CountPaymentsByPayerSince(ctx, payment.PayerID, time.Now().UTC().Add(-f.velocityWindow))
	if err != nil {
		return 0, nil, fmt.Errorf("failed to count recent payments for payer %s: %w", payment.PayerID, err)
	}
	average, err := f.repo.AveragePaymentAmountByPayer(ctx, payment.PayerID, payment.Currency)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to compute average amount for payer %s: %w", payment.PayerID, err)
	}

	signals := domain.RiskSignals{
		RecentPaymentCount: count,
		HistoricalAverage:  average,
		Amount:             payment.Amount,
		ExternalSignal:     externalSignal,
	}
	score, indicators := Combine(signals, f.velocityCeiling)
	return score, indicators, nil
}

// Combine is the pure scoring function. Kept separate from Score so the
// weighting can be tested without a repository.
func Combine(signals domain.RiskSignals, velocityCeiling int) (float64, []string) {
	velocity := clamp01(float64(signals.RecentPaymentCount) / float64(velocityCeiling))

	// A first payment has no history to deviate from.
	var deviation float64
	if signals.HistoricalAverage > 0 && signals.Amount > signals.HistoricalAverage {
		ratio := float64(signals.Amount) / float64(signals.HistoricalAverage)
		// 10x the historical average saturates the signal.
		deviation = clamp01((ratio - 1) / 9)
	}

	external := clamp01(signals.ExternalSignal)

	indicators := make([]string, 0, 3)
	if velocity >= 0.5 {
		indicators = append(indicators, "high_velocity")
	}
	if deviation >= 0.5 {
		indicators = append(indicators, "amount_deviation")
	}
	if external >= 0.5 {
		indicators = append(indicators, "external_risk")
	}

	score := velocityWeight*velocity + deviationWeight*deviation + externalWeight*external
	return math.Round(score*10000) / 10000, indicators
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
