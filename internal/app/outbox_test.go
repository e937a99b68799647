package app

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/vibestream/payment-service/internal/domain"
	"github.com/vibestream/payment-service/pkg/rabbitmq"
)

type fakePublisher struct {
	routingKeys []string
	bodies      []interface{}
	failAfter   int // publishes before failing; -1 never fails
}

func (p *fakePublisher) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	if exchange != rabbitmq.PaymentsExchange {
		return errors.New("unexpected exchange " + exchange)
	}
	if p.failAfter >= 0 && len(p.routingKeys) >= p.failAfter {
		return errors.New("broker unavailable")
	}
	p.routingKeys = append(p.routingKeys, routingKey)
	p.bodies = append(p.bodies, body)
	return nil
}

func (p *fakePublisher) Close() {}

func TestPublishPending_RoutesByEventType(t *testing.T) {
	repo := newFakeRepo()
	gw := newFakeGateway("cardgate", domain.CurrencyUSD)
	svc := newTestService(repo, gw)
	producer := &fakePublisher{failAfter: -1}
	worker := NewOutboxPublisher(repo, producer, 0, 0)
	ctx := context.Background()

	payment, err := svc.InitiatePayment(ctx, validInitiateRequest())
	if err != nil {
		t.Fatalf("initiate failed: %v", err)
	}
	if _, err := svc.ProcessPayment(ctx, payment.ID); err != nil {
		t.Fatalf("process failed: %v", err)
	}

	n, err := worker.PublishPending(ctx)
	if err != nil {
		t.Fatalf("publish pass failed: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 published rows, got %d", n)
	}
	if len(producer.routingKeys) != 2 ||
		producer.routingKeys[0] != domain.EventPaymentInitiated ||
		producer.routingKeys[1] != domain.EventPaymentProcessing {
		t.Fatalf("routing keys must follow event types in order, got %v", producer.routingKeys)
	}

	// Everything is marked, so the next pass has nothing to do.
	n, err = worker.PublishPending(ctx)
	if err != nil {
		t.Fatalf("second pass failed: %v", err)
	}
	if n != 0 {
		t.Fatalf("second pass must publish nothing, got %d", n)
	}
}

func TestPublishPending_StopsAtFirstBrokerFailure(t *testing.T) {
	repo := newFakeRepo()
	gw := newFakeGateway("cardgate", domain.CurrencyUSD)
	svc := newTestService(repo, gw)
	producer := &fakePublisher{failAfter: 1}
	worker := NewOutboxPublisher(repo, producer, 0, 0)
	ctx := context.Background()

	payment, err := svc.InitiatePayment(ctx, validInitiateRequest())
	if err != nil {
		t.Fatalf("initiate failed: %v", err)
	}
	if _, err := svc.ProcessPayment(ctx, payment.ID); err != nil {
		t.Fatalf("process failed: %v", err)
	}

	n, err := worker.PublishPending(ctx)
	if err == nil {
		t.Fatal("expected the broker failure to surface")
	}
	if n != 1 {
		t.Fatalf("expected 1 delivered row before the failure, got %d", n)
	}

	// Only the delivered row is marked; the rest republish once the broker is back.
	producer.failAfter = -1
	n, err = worker.PublishPending(ctx)
	if err != nil {
		t.Fatalf("recovery pass failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected the remaining row to publish, got %d", n)
	}
	if producer.routingKeys[1] != domain.EventPaymentProcessing {
		t.Fatalf("expected payment.processing on recovery, got %v", producer.routingKeys)
	}
}

func TestCompletedConsumer_AcksMalformedAndUnknown(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, newFakeGateway("cardgate", domain.CurrencyUSD))
	consumer := NewCompletedPaymentConsumer(NewDistributionEngine(repo, svc, &fakeCatalog{}))

	if !consumer.HandleMessage([]byte("{not json")) {
		t.Fatal("malformed payloads must be acked, not requeued")
	}
	if !consumer.HandleMessage([]byte(`{"id":1}`)) {
		t.Fatal("messages without an aggregate id must be acked")
	}

	ghost, _ := json.Marshal(domain.OutboxMessage{ID: 2, AggregateID: uuid.New(), EventType: domain.EventPaymentCompleted})
	if !consumer.HandleMessage(ghost) {
		t.Fatal("unknown payments must be acked")
	}
}

func TestCompletedConsumer_DistributesCompletedPayment(t *testing.T) {
	repo := newFakeRepo()
	gw := newFakeGateway("cardgate", domain.CurrencyUSD)
	svc := newTestService(repo, gw)
	songID := uuid.New()
	catalog := &fakeCatalog{terms: &domain.RoyaltyTerms{ArtistID: uuid.New(), ArtistSharePct: 80, PlatformFeePct: 20}}
	consumer := NewCompletedPaymentConsumer(NewDistributionEngine(repo, svc, catalog))

	payment := completedRevenuePayment(t, repo, svc, &songID, nil, 10000)
	body, _ := json.Marshal(domain.OutboxMessage{
		ID:          3,
		AggregateID: payment.ID,
		EventType:   domain.EventPaymentCompleted,
	})
	if !consumer.HandleMessage(body) {
		t.Fatal("expected ack for a distributable payment")
	}
	if len(repo.royaltyDists) != 1 {
		t.Fatalf("expected 1 distribution, got %d", len(repo.royaltyDists))
	}

	// Redelivery of the same message acks without a second distribution.
	if !consumer.HandleMessage(body) {
		t.Fatal("expected ack on redelivery")
	}
	if len(repo.royaltyDists) != 1 {
		t.Fatalf("redelivery must not distribute twice, got %d", len(repo.royaltyDists))
	}
}
