/**
 * @description
 * This file contains the outbox publisher worker. Outbox rows are written in
 * the same transaction as their event append; this worker drains unpublished
 * rows to RabbitMQ in id order and marks them published. Delivery is
 * at-least-once: a crash between publish and mark republishes, and
 * consumers deduplicate on (aggregate_id, event_version).
 *
 * @dependencies
 * - context, log, time: Standard Go libraries.
 * - internal/store, pkg/rabbitmq: Data access and the message broker.
 */

package app

import (
	"context"
	"log"
	"time"

	"github.com/vibestream/payment-service/internal/store"
	"github.com/vibestream/payment-service/pkg/rabbitmq"
)

// OutboxPublisher polls the outbox table and relays rows to the broker.
type OutboxPublisher struct {
	repo      store.Repository
	producer  rabbitmq.Publisher
	interval  time.Duration
	batchSize int
}

func NewOutboxPublisher(repo store.Repository, producer rabbitmq.Publisher, interval time.Duration, batchSize int) *OutboxPublisher {
	if interval <= 0 {
		interval = time.Second
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &OutboxPublisher{
		repo:      repo,
		producer:  producer,
		interval:  interval,
		batchSize: batchSize,
	}
}

// Run polls until the context is cancelled.
func (w *OutboxPublisher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	log.Printf("OutboxPublisher: Polling every %s", w.interval)

	for {
		select {
		case <-ctx.Done():
			log.Printf("OutboxPublisher: Shutting down")
			return
		case <-ticker.C:
			if n, err := w.PublishPending(ctx); err != nil {
				log.Printf("OutboxPublisher: Publish pass failed after %d messages: %v", n, err)
			}
		}
	}
}

// PublishPending drains one batch of unpublished rows. Rows are published
// in id order; the pass stops at the first broker failure so ordering per
// aggregate is preserved, and only delivered rows are marked published.
func (w *OutboxPublisher) PublishPending(ctx context.Context) (int, error) {
	messages, err := w.repo.FetchUnpublishedOutbox(ctx, w.batchSize)
	if err != nil {
		return 0, err
	}
	if len(messages) == 0 {
		return 0, nil
	}

	published := make([]int64, 0, len(messages))
	var publishErr error
	for _, msg := range messages {
		if err := w.producer.Publish(ctx, rabbitmq.PaymentsExchange, msg.EventType, msg); err != nil {
			publishErr = err
			break
		}
		published = append(published, msg.ID)
	}

	if len(published) > 0 {
		if err := w.repo.MarkOutboxPublished(ctx, published); err != nil {
			// Rows republish next pass; consumers drop the duplicates.
			return len(published), err
		}
	}
	return len(published), publishErr
}
