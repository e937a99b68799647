package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/vibestream/payment-service/internal/store"
)

// ProcessingSweeper fails payments stuck in Processing past the grace
// period. A gateway whose confirmation webhook never arrives would
// otherwise hold a payment open forever.
type ProcessingSweeper struct {
	repo  store.Repository
	svc   *Service
	grace time.Duration
}

func NewProcessingSweeper(repo store.Repository, svc *Service, grace time.Duration) *ProcessingSweeper {
	if grace <= 0 {
		grace = time.Hour
	}
	return &ProcessingSweeper{repo: repo, svc: svc, grace: grace}
}

// Sweep fails every payment that has been Processing longer than the grace
// period. A concurrency conflict means a webhook landed mid-sweep; that
// payment is left alone.
func (s *ProcessingSweeper) Sweep(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-s.grace)
	stuck, err := s.repo.ListProcessingOlderThan(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to list stuck payments: %w", err)
	}

	failed := 0
	for i := range stuck {
		if _, err := s.svc.failPayment(ctx, &stuck[i], FailureSettlementTimeout); err != nil {
			if errors.Is(err, store.ErrConcurrencyConflict) {
				continue
			}
			log.Printf("Sweeper: Failed to time out payment %s: %v", stuck[i].ID, err)
			continue
		}
		log.Printf("Sweeper: Payment %s timed out after %s in processing", stuck[i].ID, s.grace)
		failed++
	}
	return failed, nil
}
