package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vibestream/payment-service/internal/domain"
	"github.com/vibestream/payment-service/internal/store"
	"github.com/vibestream/payment-service/pkg/gateway"
)

// fakeRepo is an in-memory Repository used across the app tests. Methods a
// test never touches fall through to the embedded nil interface and panic,
// which is the point: it flags untested access paths loudly.
type fakeRepo struct {
	store.Repository

	mu        sync.Mutex
	events    map[uuid.UUID][]domain.PaymentEvent
	snapshots map[uuid.UUID]*domain.Payment
	byKey     map[string]uuid.UUID

	alerts map[uuid.UUID]*domain.FraudAlert

	velocityCount int
	avgAmount     int64
	distributed   map[uuid.UUID]bool

	appendFailures int // fail this many appends before succeeding

	webhookSeen map[string]bool
	deadLetters []domain.GatewayDeadLetter
	outbox      []domain.OutboxMessage
	outboxSeq   int64

	royaltyDists []*domain.RoyaltyDistribution
	revDists     []*domain.RevenueSharingDistribution
	shareRows    []domain.ShareholderDistribution

	settleable []domain.Payment
	batches    map[uuid.UUID]*domain.PaymentBatch
	batchItems map[uuid.UUID]*domain.PaymentBatchItem
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		events:      make(map[uuid.UUID][]domain.PaymentEvent),
		snapshots:   make(map[uuid.UUID]*domain.Payment),
		byKey:       make(map[string]uuid.UUID),
		alerts:      make(map[uuid.UUID]*domain.FraudAlert),
		distributed: make(map[uuid.UUID]bool),
		webhookSeen: make(map[string]bool),
		batches:     make(map[uuid.UUID]*domain.PaymentBatch),
		batchItems:  make(map[uuid.UUID]*domain.PaymentBatchItem),
	}
}

func (f *fakeRepo) CreatePaymentWithInitialEvent(ctx context.Context, payment *domain.Payment, event domain.PaymentEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.byKey[payment.IdempotencyKey]; ok {
		return store.ErrDuplicateIdempotencyKey
	}
	snapshot := *payment
	f.snapshots[payment.ID] = &snapshot
	f.events[payment.ID] = []domain.PaymentEvent{event}
	f.byKey[payment.IdempotencyKey] = payment.ID
	f.appendOutboxLocked(event)
	return nil
}

func (f *fakeRepo) FindPaymentByID(ctx context.Context, paymentID uuid.UUID) (*domain.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.snapshots[paymentID]
	if !ok {
		return nil, store.ErrPaymentNotFound
	}
	out := *p
	return &out, nil
}

func (f *fakeRepo) FindPaymentByIdempotencyKey(ctx context.Context, key string) (*domain.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.byKey[key]
	if !ok {
		return nil, store.ErrPaymentNotFound
	}
	out := *f.snapshots[id]
	return &out, nil
}

func (f *fakeRepo) FindPaymentByGatewayReference(ctx context.Context, gatewayName, reference string) (*domain.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.snapshots {
		if p.Gateway == gatewayName && p.GatewayReference != nil && *p.GatewayReference == reference {
			out := *p
			return &out, nil
		}
	}
	return nil, store.ErrPaymentNotFound
}

func (f *fakeRepo) ListEventsByAggregateID(ctx context.Context, aggregateID uuid.UUID) ([]domain.PaymentEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.PaymentEvent, len(f.events[aggregateID]))
	copy(out, f.events[aggregateID])
	return out, nil
}

func (f *fakeRepo) AppendEvent(ctx context.Context, event domain.PaymentEvent, snapshot *domain.Payment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.appendFailures > 0 {
		f.appendFailures--
		return errors.New("connection reset by peer")
	}
	stream := f.events[event.AggregateID]
	if event.EventVersion != int64(len(stream))+1 {
		return store.ErrConcurrencyConflict
	}
	f.events[event.AggregateID] = append(stream, event)
	copied := *snapshot
	f.snapshots[event.AggregateID] = &copied
	f.appendOutboxLocked(event)
	return nil
}

func (f *fakeRepo) appendOutboxLocked(event domain.PaymentEvent) {
	f.outboxSeq++
	f.outbox = append(f.outbox, domain.OutboxMessage{
		ID:           f.outboxSeq,
		AggregateID:  event.AggregateID,
		EventVersion: event.EventVersion,
		EventType:    event.EventType,
		Payload:      event.Payload,
		CreatedAt:    event.CreatedAt,
	})
}

func (f *fakeRepo) ListProcessingOlderThan(ctx context.Context, cutoff time.Time) ([]domain.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Payment
	for _, p := range f.snapshots {
		if p.Status == domain.PaymentStatusProcessing && p.UpdatedAt.Before(cutoff) {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (f *fakeRepo) RecordWebhookEvent(ctx context.Context, gatewayID, externalEventID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := gatewayID + "/" + externalEventID
	if f.webhookSeen[key] {
		return false, nil
	}
	f.webhookSeen[key] = true
	return true, nil
}

func (f *fakeRepo) DeleteWebhookEvent(ctx context.Context, gatewayID, externalEventID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.webhookSeen, gatewayID+"/"+externalEventID)
	return nil
}

func (f *fakeRepo) CreateFraudAlertIfAbsent(ctx context.Context, alert *domain.FraudAlert) (*domain.FraudAlert, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if existing, ok := f.alerts[alert.PaymentID]; ok {
		out := *existing
		return &out, false, nil
	}
	copied := *alert
	copied.CreatedAt = time.Now().UTC()
	f.alerts[alert.PaymentID] = &copied
	out := copied
	return &out, true, nil
}

func (f *fakeRepo) FindFraudAlertByPaymentID(ctx context.Context, paymentID uuid.UUID) (*domain.FraudAlert, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	alert, ok := f.alerts[paymentID]
	if !ok {
		return nil, store.ErrFraudAlertNotFound
	}
	out := *alert
	return &out, nil
}

func (f *fakeRepo) ResolveFraudAlert(ctx context.Context, paymentID uuid.UUID, resolution string, reviewedBy uuid.UUID) (*domain.FraudAlert, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	alert, ok := f.alerts[paymentID]
	if !ok || alert.Resolution != domain.FraudResolutionPendingReview {
		return nil, store.ErrFraudAlertNotFound
	}
	now := time.Now().UTC()
	alert.Resolution = resolution
	alert.ReviewedBy = &reviewedBy
	alert.ReviewedAt = &now
	out := *alert
	return &out, nil
}

func (f *fakeRepo) CountPaymentsByPayerSince(ctx context.Context, payerID uuid.UUID, since time.Time) (int, error) {
	return f.velocityCount, nil
}

func (f *fakeRepo) AveragePaymentAmountByPayer(ctx context.Context, payerID uuid.UUID, currency domain.Currency) (int64, error) {
	return f.avgAmount, nil
}

func (f *fakeRepo) FetchUnpublishedOutbox(ctx context.Context, limit int) ([]domain.OutboxMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.OutboxMessage
	for _, msg := range f.outbox {
		if msg.PublishedAt == nil {
			out = append(out, msg)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (f *fakeRepo) MarkOutboxPublished(ctx context.Context, ids []int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now().UTC()
	for i := range f.outbox {
		for _, id := range ids {
			if f.outbox[i].ID == id {
				f.outbox[i].PublishedAt = &now
			}
		}
	}
	return nil
}

func (f *fakeRepo) CreateRoyaltyDistribution(ctx context.Context, dist *domain.RoyaltyDistribution) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *dist
	f.royaltyDists = append(f.royaltyDists, &copied)
	f.distributed[dist.SourcePaymentID] = true
	return nil
}

func (f *fakeRepo) AttachRoyaltyPayout(ctx context.Context, distributionID uuid.UUID, payoutPaymentID *uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, d := range f.royaltyDists {
		if d.ID == distributionID {
			d.PayoutPaymentID = payoutPaymentID
			d.Status = domain.DistributionStatusProcessed
			return nil
		}
	}
	return store.ErrDistributionNotFound
}

func (f *fakeRepo) CreateRevenueSharingDistribution(ctx context.Context, dist *domain.RevenueSharingDistribution, rows []domain.ShareholderDistribution) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *dist
	f.revDists = append(f.revDists, &copied)
	f.shareRows = append(f.shareRows, rows...)
	f.distributed[dist.SourcePaymentID] = true
	return nil
}

func (f *fakeRepo) AttachShareholderPayment(ctx context.Context, distributionID, shareholderID, paymentID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.shareRows {
		if f.shareRows[i].DistributionID == distributionID && f.shareRows[i].ShareholderID == shareholderID {
			id := paymentID
			f.shareRows[i].PaymentID = &id
			return nil
		}
	}
	return store.ErrDistributionNotFound
}

func (f *fakeRepo) DistributionExistsForPayment(ctx context.Context, sourcePaymentID uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.distributed[sourcePaymentID], nil
}

func (f *fakeRepo) ListSettleablePayments(ctx context.Context, completedBefore time.Time, limit int) ([]domain.Payment, error) {
	out := make([]domain.Payment, len(f.settleable))
	copy(out, f.settleable)
	return out, nil
}

func (f *fakeRepo) CreateBatchWithItems(ctx context.Context, batch *domain.PaymentBatch, items []domain.PaymentBatchItem) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	// Mirror the partial unique index on active items: a payment held by a
	// pending or settled item of any batch cannot be claimed again.
	for _, item := range items {
		for _, existing := range f.batchItems {
			if existing.PaymentID == item.PaymentID &&
				(existing.Status == domain.BatchItemStatusPending || existing.Status == domain.BatchItemStatusSettled) {
				return store.ErrPaymentAlreadyBatched
			}
		}
	}
	copied := *batch
	f.batches[batch.ID] = &copied
	for i := range items {
		item := items[i]
		f.batchItems[item.ID] = &item
	}
	return nil
}

func (f *fakeRepo) MarkBatchSubmitted(ctx context.Context, batchID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	batch, ok := f.batches[batchID]
	if !ok {
		return store.ErrBatchNotFound
	}
	batch.Status = domain.BatchStatusSubmitted
	return nil
}

func (f *fakeRepo) MarkBatchItemSettled(ctx context.Context, itemID uuid.UUID, payoutPaymentID *uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.batchItems[itemID]
	if !ok {
		return store.ErrBatchNotFound
	}
	item.Status = domain.BatchItemStatusSettled
	item.PayoutPaymentID = payoutPaymentID
	return nil
}

func (f *fakeRepo) MarkBatchItemFailed(ctx context.Context, itemID uuid.UUID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.batchItems[itemID]
	if !ok {
		return store.ErrBatchNotFound
	}
	item.Status = domain.BatchItemStatusFailed
	item.FailureReason = &reason
	return nil
}

func (f *fakeRepo) ReleaseFailedBatchItems(ctx context.Context, batchID uuid.UUID) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var released int64
	for _, item := range f.batchItems {
		if item.BatchID == batchID && item.Status == domain.BatchItemStatusFailed {
			item.Status = domain.BatchItemStatusReleased
			released++
		}
	}
	return released, nil
}

func (f *fakeRepo) FinalizeBatch(ctx context.Context, batchID uuid.UUID) (*domain.PaymentBatch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	batch, ok := f.batches[batchID]
	if !ok {
		return nil, store.ErrBatchNotFound
	}
	settled, failed := 0, 0
	for _, item := range f.batchItems {
		if item.BatchID != batchID {
			continue
		}
		switch item.Status {
		case domain.BatchItemStatusSettled:
			settled++
		case domain.BatchItemStatusFailed, domain.BatchItemStatusReleased:
			failed++
		}
	}
	batch.SettledCount = settled
	batch.FailedCount = failed
	if settled == batch.ItemCount {
		batch.Status = domain.BatchStatusSettled
	} else {
		batch.Status = domain.BatchStatusPartiallyFailed
	}
	out := *batch
	return &out, nil
}

func (f *fakeRepo) CreateGatewayDeadLetter(ctx context.Context, letter *domain.GatewayDeadLetter) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deadLetters = append(f.deadLetters, *letter)
	return nil
}

func (f *fakeRepo) ListGatewayDeadLetters(ctx context.Context, limit int) ([]domain.GatewayDeadLetter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.GatewayDeadLetter, len(f.deadLetters))
	copy(out, f.deadLetters)
	return out, nil
}

// fakeGateway is a scriptable gateway.Gateway.
type fakeGateway struct {
	name       string
	currencies map[domain.Currency]bool

	initiateFailures int // fail this many initiates before succeeding
	initiateErr      error

	refundErr    error
	refundStatus string

	initiateCalls []gateway.InitiateRequest
	refundCalls   int
}

func newFakeGateway(name string, currencies ...domain.Currency) *fakeGateway {
	supported := make(map[domain.Currency]bool)
	for _, c := range currencies {
		supported[c] = true
	}
	return &fakeGateway{name: name, currencies: supported, refundStatus: "pending"}
}

func (g *fakeGateway) Name() string                      { return g.name }
func (g *fakeGateway) Supports(c domain.Currency) bool   { return g.currencies[c] }
func (g *fakeGateway) VerifySignature([]byte, string) bool { return true }

func (g *fakeGateway) Initiate(ctx context.Context, req gateway.InitiateRequest) (*gateway.InitiateResponse, error) {
	g.initiateCalls = append(g.initiateCalls, req)
	if g.initiateFailures > 0 {
		g.initiateFailures--
		return nil, errors.New("gateway temporarily unavailable")
	}
	if g.initiateErr != nil {
		return nil, g.initiateErr
	}
	return &gateway.InitiateResponse{Reference: "ref-" + req.PaymentID, Fee: 30}, nil
}

func (g *fakeGateway) Capture(ctx context.Context, reference, idempotencyKey string) (*gateway.CaptureResponse, error) {
	return &gateway.CaptureResponse{Confirmation: "cap-" + reference, Status: "pending"}, nil
}

func (g *fakeGateway) Refund(ctx context.Context, reference string, amount int64, idempotencyKey string) (*gateway.RefundResponse, error) {
	g.refundCalls++
	if g.refundErr != nil {
		return nil, g.refundErr
	}
	return &gateway.RefundResponse{Reference: fmt.Sprintf("rf-%s-%d", reference, amount), Status: g.refundStatus}, nil
}
