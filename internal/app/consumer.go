package app

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/vibestream/payment-service/internal/domain"
	"github.com/vibestream/payment-service/internal/store"
)

// CompletedPaymentConsumer feeds payment.completed deliveries from the
// broker into the distribution engine.
type CompletedPaymentConsumer struct {
	engine *DistributionEngine
}

func NewCompletedPaymentConsumer(engine *DistributionEngine) *CompletedPaymentConsumer {
	return &CompletedPaymentConsumer{engine: engine}
}

// HandleMessage returns true to ack and false to re-queue. Malformed
// payloads are acked: re-queuing them would loop forever.
func (c *CompletedPaymentConsumer) HandleMessage(body []byte) bool {
	var msg domain.OutboxMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		log.Printf("completed-consumer: failed to unmarshal payload: %v", err)
		return true
	}
	if msg.AggregateID == uuid.Nil {
		log.Printf("completed-consumer: missing aggregate id in message %d", msg.ID)
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := c.engine.HandleCompletedPayment(ctx, msg.AggregateID); err != nil {
		if errors.Is(err, store.ErrPaymentNotFound) {
			log.Printf("completed-consumer: no payment %s; acknowledging", msg.AggregateID)
			return true
		}
		if errors.Is(err, ErrInvariantViolation) {
			// Redelivery cannot fix bad catalog data; park it in the logs.
			log.Printf("completed-consumer: distribution invariant failed for payment %s: %v", msg.AggregateID, err)
			return true
		}
		log.Printf("completed-consumer: processing error for payment %s: %v", msg.AggregateID, err)
		return false
	}
	return true
}
