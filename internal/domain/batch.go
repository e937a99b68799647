/**
 * @description
 * This file defines the batch settlement models. A batch groups completed,
 * payout-eligible payments into one settlement window; items are processed
 * independently so one gateway failure never fails the whole batch.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// Batch statuses. Settled and PartiallyFailed are terminal.
const (
	BatchStatusOpen            = "open"
	BatchStatusSubmitted       = "submitted"
	BatchStatusSettled         = "settled"
	BatchStatusPartiallyFailed = "partially_failed"
)

// Batch item statuses.
const (
	BatchItemStatusPending  = "pending"
	BatchItemStatusSettled  = "settled"
	BatchItemStatusFailed   = "failed"
	BatchItemStatusReleased = "released" // returned to the pool for the next window
)

// PaymentBatch captures aggregate processing state for one settlement window.
type PaymentBatch struct {
	ID           uuid.UUID `json:"id"`
	Status       string    `json:"status"`
	ItemCount    int       `json:"item_count"`
	SettledCount int       `json:"settled_count"`
	FailedCount  int       `json:"failed_count"`
	TotalAmount  int64     `json:"total_amount"` // in minor units
	WindowStart  time.Time `json:"window_start"`
	WindowEnd    time.Time `json:"window_end"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// PaymentBatchItem links one completed payment into a batch.
// unique(batch_id, payment_id); a payment belongs to at most one
// non-terminal-failed batch at a time.
type PaymentBatchItem struct {
	ID              uuid.UUID  `json:"id"`
	BatchID         uuid.UUID  `json:"batch_id"`
	PaymentID       uuid.UUID  `json:"payment_id"`
	PayoutPaymentID *uuid.UUID `json:"payout_payment_id,omitempty"`
	Amount          int64      `json:"amount"`
	Status          string     `json:"status"`
	FailureReason   *string    `json:"failure_reason,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}
