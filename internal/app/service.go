/**
 * @description
 * This file contains the core business logic for the payment-service. The
 * `Service` struct orchestrates the payment lifecycle, coordinating between
 * the event store, the gateway registry, and the fraud scorer.
 *
 * Key features:
 * - Implements the main commands: initiate, process, cancel, refund and
 *   fraud review.
 * - Fraud scoring runs synchronously as a gate inside ProcessPayment.
 * - Every state change is an event append; outbox rows ride along in the
 *   same transaction so downstream consumers observe every transition.
 * - Gateway calls are retried with exponential backoff and dead-lettered
 *   after exhaustion.
 *
 * @dependencies
 * - context, errors, fmt, log, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID generation.
 * - internal/domain, internal/store: For domain models and data access.
 * - pkg/gateway: For external payment rails.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/vibestream/payment-service/internal/domain"
	"github.com/vibestream/payment-service/internal/store"
	"github.com/vibestream/payment-service/pkg/gateway"
)

// Failure reasons recorded on the payment.failed event.
const (
	FailureFraudAutoBlocked   = "fraud_auto_blocked"
	FailureFraudConfirmed     = "fraud_confirmed"
	FailureGatewayRejected    = "gateway_rejected"
	FailureGatewayUnavailable = "gateway_unavailable"
	FailureSettlementTimeout  = "settlement_timeout"
)

// Fraud review resolutions accepted from operators.
const (
	ReviewResolutionCleared = "cleared"
	ReviewResolutionBlocked = "blocked"
)

var (
	// ErrValidation marks a request the caller can fix and resend.
	ErrValidation = errors.New("validation failed")
	// ErrInvalidState marks a command the payment's current state forbids.
	ErrInvalidState = errors.New("operation not allowed in current payment state")
	// ErrFraudBlocked means scoring crossed the auto-block threshold and the
	// payment was failed.
	ErrFraudBlocked = errors.New("payment blocked by fraud screening")
	// ErrFraudReviewPending means the payment is parked until an operator
	// clears its fraud alert.
	ErrFraudReviewPending = errors.New("payment held for fraud review")
	// ErrRefundAfterDistribution means the payment's revenue already fanned
	// out and a reversal would need compensating payouts first.
	ErrRefundAfterDistribution = errors.New("payment revenue already distributed")
	// ErrGatewayUnavailable means the rail kept failing past the retry
	// ceiling; the operation is dead-lettered.
	ErrGatewayUnavailable = errors.New("gateway unavailable")
)

// ServiceConfig carries the tunables the service needs beyond its
// collaborators.
type ServiceConfig struct {
	FraudBlockThreshold  float64 // score at or above this auto-fails the payment
	FraudReviewThreshold float64 // score at or above this parks the payment for review
	PlatformAccountID    uuid.UUID
	Retry                gateway.RetryPolicy
}

// Service provides the core business logic for payments.
type Service struct {
	repo              store.Repository
	gateways          *gateway.Registry
	fraud             *FraudScorer
	retry             gateway.RetryPolicy
	blockThreshold    float64
	reviewThreshold   float64
	platformAccountID uuid.UUID
}

// NewService creates a new payment service instance.
func NewService(repo store.Repository, gateways *gateway.Registry, fraud *FraudScorer, cfg ServiceConfig) *Service {
	if cfg.FraudBlockThreshold == 0 {
		cfg.FraudBlockThreshold = 0.9
	}
	if cfg.FraudReviewThreshold == 0 {
		cfg.FraudReviewThreshold = 0.7
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = gateway.DefaultRetryPolicy()
	}
	return &Service{
		repo:              repo,
		gateways:          gateways,
		fraud:             fraud,
		retry:             cfg.Retry,
		blockThreshold:    cfg.FraudBlockThreshold,
		reviewThreshold:   cfg.FraudReviewThreshold,
		platformAccountID: cfg.PlatformAccountID,
	}
}

// PlatformAccountID exposes the treasury account used as payer for payouts.
func (s *Service) PlatformAccountID() uuid.UUID {
	return s.platformAccountID
}

// InitiatePayment creates a new payment aggregate in Pending. Replaying a
// known idempotency key returns the original payment without writing
// anything.
func (s *Service) InitiatePayment(ctx context.Context, req domain.InitiatePaymentRequest) (*domain.Payment, error) {
	// 1. Validate the command
	if err := validateInitiate(req); err != nil {
		return nil, err
	}

	// 2. Idempotency replay: same key returns the original result
	existing, err := s.repo.FindPaymentByIdempotencyKey(ctx, req.IdempotencyKey)
	if err == nil {
		log.Printf("InitiatePayment: Replayed idempotency key %q as payment %s", req.IdempotencyKey, existing.ID)
		return existing, nil
	}
	if !errors.Is(err, store.ErrPaymentNotFound) {
		return nil, fmt.Errorf("failed to check idempotency key: %w", err)
	}

	// 3. Select the gateway once; the choice sticks for the payment's lifetime
	gw, err := s.gateways.Select(req.Currency, req.GatewayHint)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	// 4. Build the aggregate and its version-1 event
	now := time.Now().UTC()
	payment := &domain.Payment{
		ID:             uuid.New(),
		PayerID:        req.PayerID,
		PayeeID:        req.PayeeID,
		Amount:         req.Amount,
		Currency:       req.Currency,
		Status:         domain.PaymentStatusPending,
		Purpose:        req.Purpose,
		IdempotencyKey: req.IdempotencyKey,
		Gateway:        gw.Name(),
		EventVersion:   1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	payload := domain.PaymentInitiatedPayload{
		PayerID:        req.PayerID,
		PayeeID:        req.PayeeID,
		Amount:         req.Amount,
		Currency:       req.Currency,
		Purpose:        req.Purpose,
		IdempotencyKey: req.IdempotencyKey,
		Gateway:        gw.Name(),
		SongID:         req.SongID,
		ContractID:     req.ContractID,
		RiskSignal:     req.RiskSignal,
	}
	event, err := initialEvent(payment.ID, payload, now)
	if err != nil {
		return nil, err
	}

	// 5. Persist snapshot, event and outbox row atomically
	if err := s.repo.CreatePaymentWithInitialEvent(ctx, payment, event); err != nil {
		if errors.Is(err, store.ErrDuplicateIdempotencyKey) {
			// Lost a race with a concurrent duplicate; return its result.
			return s.repo.FindPaymentByIdempotencyKey(ctx, req.IdempotencyKey)
		}
		return nil, fmt.Errorf("failed to create payment: %w", err)
	}
	log.Printf("InitiatePayment: Created payment %s (%d %s, purpose %s, gateway %s)",
		payment.ID, payment.Amount, payment.Currency, payment.Purpose, payment.Gateway)
	return payment, nil
}

// ProcessPayment moves a Pending payment into Processing: fraud screening
// first, then the gateway initiation. Calling it on a payment already in
// Processing is a no-op.
func (s *Service) ProcessPayment(ctx context.Context, paymentID uuid.UUID) (*domain.Payment, error) {
	// 1. Rebuild the authoritative state from the event log
	events, err := s.repo.ListEventsByAggregateID(ctx, paymentID)
	if err != nil {
		return nil, fmt.Errorf("failed to load events for payment %s: %w", paymentID, err)
	}
	if len(events) == 0 {
		return nil, store.ErrPaymentNotFound
	}
	payment, err := Replay(events)
	if err != nil {
		return nil, err
	}

	switch payment.Status {
	case domain.PaymentStatusPending:
		// proceed
	case domain.PaymentStatusProcessing:
		log.Printf("ProcessPayment: Payment %s already processing, no-op", paymentID)
		return payment, nil
	default:
		return nil, fmt.Errorf("%w: cannot process payment in status %s", ErrInvalidState, payment.Status)
	}

	// 2. Fraud gate
	if blocked, err := s.fraudGate(ctx, payment, events[0]); err != nil || blocked != nil {
		return blocked, err
	}

	// 3. Hand the payment to its gateway, retrying transient failures
	gw, err := s.gateways.Get(payment.Gateway)
	if err != nil {
		return nil, err
	}
	var resp *gateway.InitiateResponse
	attempts, err := s.retry.Do(ctx, func(ctx context.Context) error {
		var callErr error
		resp, callErr = gw.Initiate(ctx, gateway.InitiateRequest{
			PaymentID:      payment.ID.String(),
			Amount:         payment.Amount,
			Currency:       payment.Currency,
			Description:    payment.Purpose,
			IdempotencyKey: payment.IdempotencyKey,
		})
		return callErr
	})
	if err != nil {
		if errors.Is(err, gateway.ErrRejected) {
			log.Printf("ProcessPayment: Gateway %s rejected payment %s: %v", payment.Gateway, paymentID, err)
			failed, failErr := s.failPayment(ctx, payment, FailureGatewayRejected)
			if failErr != nil {
				return nil, failErr
			}
			return failed, fmt.Errorf("gateway rejected payment: %w", err)
		}
		log.Printf("ProcessPayment: Gateway %s unavailable for payment %s after %d attempts: %v", payment.Gateway, paymentID, attempts, err)
		s.deadLetter(ctx, payment, "initiate", attempts, err)
		failed, failErr := s.failPayment(ctx, payment, FailureGatewayUnavailable)
		if failErr != nil {
			return nil, failErr
		}
		return failed, fmt.Errorf("%w after %d attempts: %v", ErrGatewayUnavailable, attempts, err)
	}

	// 4. Record the transition
	fraudScore := 0.0
	if alert, alertErr := s.repo.FindFraudAlertByPaymentID(ctx, paymentID); alertErr == nil {
		fraudScore = alert.Score
	}
	event, err := nextEvent(payment, domain.EventPaymentProcessing, domain.PaymentProcessingPayload{
		Gateway:          payment.Gateway,
		GatewayReference: resp.Reference,
		FraudScore:       fraudScore,
	})
	if err != nil {
		return nil, err
	}
	snapshot, err := s.append(ctx, payment, event)
	if err != nil {
		return nil, err
	}
	log.Printf("ProcessPayment: Payment %s now processing on %s (reference %s)", paymentID, payment.Gateway, resp.Reference)
	return snapshot, nil
}

// fraudGate screens a pending payment. It returns a non-nil payment when
// the caller should stop: either the payment was auto-failed (ErrFraudBlocked)
// or it is parked for review (ErrFraudReviewPending).
func (s *Service) fraudGate(ctx context.Context, payment *domain.Payment, initiated domain.PaymentEvent) (*domain.Payment, error) {
	alert, err := s.repo.FindFraudAlertByPaymentID(ctx, payment.ID)
	if err == nil {
		switch alert.Resolution {
		case domain.FraudResolutionCleared:
			return nil, nil
		case domain.FraudResolutionPendingReview:
			return payment, ErrFraudReviewPending
		default:
			return payment, ErrFraudBlocked
		}
	}
	if !errors.Is(err, store.ErrFraudAlertNotFound) {
		return nil, fmt.Errorf("failed to load fraud alert for payment %s: %w", payment.ID, err)
	}

	riskSignal := initiatedRiskSignal(initiated)
	score, indicators, err := s.fraud.Score(ctx, payment, riskSignal)
	if err != nil {
		return nil, err
	}
	if score < s.reviewThreshold {
		return nil, nil
	}

	resolution := domain.FraudResolutionPendingReview
	if score >= s.blockThreshold {
		resolution = domain.FraudResolutionAutoBlocked
	}
	stored, created, err := s.repo.CreateFraudAlertIfAbsent(ctx, &domain.FraudAlert{
		ID:         uuid.New(),
		PaymentID:  payment.ID,
		UserID:     payment.PayerID,
		Score:      score,
		Indicators: indicators,
		Resolution: resolution,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to record fraud alert for payment %s: %w", payment.ID, err)
	}
	if !created {
		// Concurrent screen won the insert; honor its resolution.
		resolution = stored.Resolution
	}

	if resolution == domain.FraudResolutionAutoBlocked {
		log.Printf("ProcessPayment: Payment %s auto-blocked (score %.4f, indicators %v)", payment.ID, score, indicators)
		failed, failErr := s.failPayment(ctx, payment, FailureFraudAutoBlocked)
		if failErr != nil {
			return nil, failErr
		}
		return failed, ErrFraudBlocked
	}
	log.Printf("ProcessPayment: Payment %s held for review (score %.4f, indicators %v)", payment.ID, score, indicators)
	return payment, ErrFraudReviewPending
}

// ReviewFraudAlert resolves a pending_review alert. Clearing unblocks
// ProcessPayment; blocking fails the payment.
func (s *Service) ReviewFraudAlert(ctx context.Context, paymentID uuid.UUID, req domain.ReviewFraudAlertRequest) (*domain.FraudAlert, error) {
	if req.Resolution != ReviewResolutionCleared && req.Resolution != ReviewResolutionBlocked {
		return nil, fmt.Errorf("%w: resolution must be %q or %q", ErrValidation, ReviewResolutionCleared, ReviewResolutionBlocked)
	}
	if req.ReviewedBy == uuid.Nil {
		return nil, fmt.Errorf("%w: reviewed_by is required", ErrValidation)
	}

	resolution := domain.FraudResolutionCleared
	if req.Resolution == ReviewResolutionBlocked {
		resolution = domain.FraudResolutionAutoBlocked
	}
	alert, err := s.repo.ResolveFraudAlert(ctx, paymentID, resolution, req.ReviewedBy)
	if err != nil {
		return nil, err
	}
	log.Printf("ReviewFraudAlert: Payment %s resolved %s by %s", paymentID, resolution, req.ReviewedBy)

	if req.Resolution == ReviewResolutionBlocked {
		payment, loadErr := s.loadPayment(ctx, paymentID)
		if loadErr != nil {
			return nil, loadErr
		}
		if payment.Status == domain.PaymentStatusPending {
			if _, failErr := s.failPayment(ctx, payment, FailureFraudConfirmed); failErr != nil {
				return nil, failErr
			}
		}
	}
	return alert, nil
}

// CancelPayment voids a payment that never reached a gateway. Only Pending
// payments can be cancelled.
func (s *Service) CancelPayment(ctx context.Context, paymentID uuid.UUID, reason string) (*domain.Payment, error) {
	payment, err := s.loadPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if payment.Status != domain.PaymentStatusPending {
		return nil, fmt.Errorf("%w: cannot cancel payment in status %s", ErrInvalidState, payment.Status)
	}
	event, err := nextEvent(payment, domain.EventPaymentCancelled, domain.PaymentCancelledPayload{Reason: reason})
	if err != nil {
		return nil, err
	}
	return s.append(ctx, payment, event)
}

// RefundPayment reverses part or all of a Completed payment. Refunds are
// refused once the payment's revenue has been distributed.
func (s *Service) RefundPayment(ctx context.Context, paymentID uuid.UUID, req domain.RefundPaymentRequest) (*domain.Payment, error) {
	// 1. Load and validate
	payment, err := s.loadPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if payment.Status != domain.PaymentStatusCompleted {
		return nil, fmt.Errorf("%w: cannot refund payment in status %s", ErrInvalidState, payment.Status)
	}
	refundable := payment.NetAmount - payment.RefundedAmount
	if req.Amount <= 0 || req.Amount > refundable {
		return nil, fmt.Errorf("%w: refund amount must be between 1 and %d", ErrValidation, refundable)
	}
	if payment.GatewayReference == nil {
		return nil, fmt.Errorf("%w: payment has no gateway reference", ErrInvalidState)
	}

	// 2. Distributed revenue cannot be clawed back without compensating payouts
	distributed, err := s.repo.DistributionExistsForPayment(ctx, paymentID)
	if err != nil {
		return nil, fmt.Errorf("failed to check distributions for payment %s: %w", paymentID, err)
	}
	if distributed {
		return nil, ErrRefundAfterDistribution
	}

	// 3. Record intent before calling out, so a crash mid-refund is visible
	started, err := nextEvent(payment, domain.EventRefundStarted, domain.RefundStartedPayload{
		Amount: req.Amount,
		Reason: req.Reason,
	})
	if err != nil {
		return nil, err
	}
	refunding, err := s.append(ctx, payment, started)
	if err != nil {
		return nil, err
	}

	// 4. Instruct the gateway; the idempotency key pins this refund attempt
	gw, err := s.gateways.Get(payment.Gateway)
	if err != nil {
		return nil, err
	}
	refundKey := fmt.Sprintf("refund:%s:%d", payment.ID, refunding.EventVersion)
	var resp *gateway.RefundResponse
	attempts, err := s.retry.Do(ctx, func(ctx context.Context) error {
		var callErr error
		resp, callErr = gw.Refund(ctx, *payment.GatewayReference, req.Amount, refundKey)
		return callErr
	})
	if err != nil {
		if errors.Is(err, gateway.ErrRejected) {
			rejected, rejErr := nextEvent(refunding, domain.EventRefundRejected, domain.RefundRejectedPayload{
				Amount: req.Amount,
				Reason: "gateway rejected refund",
			})
			if rejErr != nil {
				return nil, rejErr
			}
			restored, appendErr := s.append(ctx, refunding, rejected)
			if appendErr != nil {
				return nil, appendErr
			}
			return restored, fmt.Errorf("gateway rejected refund: %w", err)
		}
		// Stays in Refunding; the webhook or an operator finishes the story.
		s.deadLetter(ctx, payment, "refund", attempts, err)
		return refunding, fmt.Errorf("%w: refund undelivered after %d attempts: %v", ErrGatewayUnavailable, attempts, err)
	}

	// 5. Some rails settle synchronously; otherwise the webhook closes it out
	if resp.Status == "refunded" {
		settled, err := nextEvent(refunding, domain.EventPaymentRefunded, domain.PaymentRefundedPayload{Amount: req.Amount})
		if err != nil {
			return nil, err
		}
		return s.append(ctx, refunding, settled)
	}
	log.Printf("RefundPayment: Refund of %d accepted for payment %s (reference %s, status %s)", req.Amount, paymentID, resp.Reference, resp.Status)
	return refunding, nil
}

// GetPayment returns the current snapshot of a payment.
func (s *Service) GetPayment(ctx context.Context, paymentID uuid.UUID) (*domain.Payment, error) {
	return s.repo.FindPaymentByID(ctx, paymentID)
}

// ListPaymentEvents returns the ordered event stream of a payment.
func (s *Service) ListPaymentEvents(ctx context.Context, paymentID uuid.UUID) ([]domain.PaymentEvent, error) {
	events, err := s.repo.ListEventsByAggregateID(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, store.ErrPaymentNotFound
	}
	return events, nil
}

// loadPayment replays the event log into the payment's current state.
func (s *Service) loadPayment(ctx context.Context, paymentID uuid.UUID) (*domain.Payment, error) {
	events, err := s.repo.ListEventsByAggregateID(ctx, paymentID)
	if err != nil {
		return nil, fmt.Errorf("failed to load events for payment %s: %w", paymentID, err)
	}
	if len(events) == 0 {
		return nil, store.ErrPaymentNotFound
	}
	return Replay(events)
}

// append persists an event plus the refreshed snapshot and returns the
// snapshot.
func (s *Service) append(ctx context.Context, payment *domain.Payment, event domain.PaymentEvent) (*domain.Payment, error) {
	snapshot, err := advance(payment, event)
	if err != nil {
		return nil, err
	}
	if err := s.repo.AppendEvent(ctx, event, snapshot); err != nil {
		return nil, fmt.Errorf("failed to append %s for payment %s: %w", event.EventType, payment.ID, err)
	}
	return snapshot, nil
}

func (s *Service) failPayment(ctx context.Context, payment *domain.Payment, reason string) (*domain.Payment, error) {
	event, err := nextEvent(payment, domain.EventPaymentFailed, domain.PaymentFailedPayload{Reason: reason})
	if err != nil {
		return nil, err
	}
	return s.append(ctx, payment, event)
}

// deadLetter records an exhausted gateway operation for manual follow-up.
// Dead-letter writes are best-effort: the primary failure is already being
// reported to the caller.
func (s *Service) deadLetter(ctx context.Context, payment *domain.Payment, operation string, attempts int, lastErr error) {
	letter := &domain.GatewayDeadLetter{
		ID:        uuid.New(),
		PaymentID: payment.ID,
		Gateway:   payment.Gateway,
		Operation: operation,
		Attempts:  attempts,
		LastError: lastErr.Error(),
	}
	if err := s.repo.CreateGatewayDeadLetter(ctx, letter); err != nil {
		log.Printf("deadLetter: Failed to record dead letter for payment %s: %v", payment.ID, err)
	}
}

func validateInitiate(req domain.InitiatePaymentRequest) error {
	if req.PayerID == uuid.Nil || req.PayeeID == uuid.Nil {
		return fmt.Errorf("%w: payer_id and payee_id are required", ErrValidation)
	}
	if req.PayerID == req.PayeeID {
		return fmt.Errorf("%w: payer and payee must differ", ErrValidation)
	}
	if req.Amount <= 0 {
		return fmt.Errorf("%w: amount must be positive", ErrValidation)
	}
	if !req.Currency.Supported() {
		return fmt.Errorf("%w: unsupported currency %q", ErrValidation, req.Currency)
	}
	switch req.Purpose {
	case domain.PurposeNFTPurchase, domain.PurposeSharePurchase, domain.PurposeListenReward,
		domain.PurposeRoyaltyPayout, domain.PurposeSharePayout, domain.PurposeArtistSettlement,
		domain.PurposeRefundReversal:
	default:
		return fmt.Errorf("%w: unknown purpose %q", ErrValidation, req.Purpose)
	}
	if req.IdempotencyKey == "" {
		return fmt.Errorf("%w: idempotency_key is required", ErrValidation)
	}
	if req.RiskSignal < 0 || req.RiskSignal > 1 {
		return fmt.Errorf("%w: risk_signal must be in [0,1]", ErrValidation)
	}
	return nil
}
