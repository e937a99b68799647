/**
 * @description
 * This package provides the external payment rail adapters and the router
 * that selects between them. Each processor family implements the same
 * capability set (initiate, capture, refund, verify signature); the router
 * picks one variant at payment initiation and the choice is persisted on
 * the aggregate so every later call hits the same processor.
 *
 * @dependencies
 * - context, errors, time: Standard Go libraries.
 * - internal/domain: currency definitions.
 */
package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/vibestream/payment-service/internal/domain"
)

var (
	// ErrNoGateway is returned when no registered gateway supports the
	// requested currency.
	ErrNoGateway = errors.New("no gateway supports currency")
	// ErrUnknownGateway is returned when a persisted gateway name no longer
	// resolves to a registered adapter.
	ErrUnknownGateway = errors.New("unknown gateway")
	// ErrRejected marks a definitive business rejection by the processor.
	// Rejections are not retried; transport failures and 5xx responses are.
	ErrRejected = errors.New("gateway rejected the operation")
)

// InitiateRequest asks a gateway to open a charge (or payout) against the
// external rail.
type InitiateRequest struct {
	PaymentID      string
	Amount         int64 // in minor units of Currency
	Currency       domain.Currency
	Description    string
	IdempotencyKey string
}

// InitiateResponse carries the processor's correlation reference. All
// later webhooks and capture/refund calls for the payment use it.
type InitiateResponse struct {
	Reference string
	Fee       int64 // processor fee estimate, minor units
}

// CaptureResponse reports a synchronous capture result. Most rails confirm
// asynchronously via webhook, in which case Status is "pending".
type CaptureResponse struct {
	Confirmation string
	Status       string
	Fee          int64
}

// RefundResponse reports the rail's answer to a refund instruction.
type RefundResponse struct {
	Reference string
	Status    string
}

// Gateway is the capability set every processor family implements.
type Gateway interface {
	Name() string
	Supports(c domain.Currency) bool
	Initiate(ctx context.Context, req InitiateRequest) (*InitiateResponse, error)
	Capture(ctx context.Context, reference, idempotencyKey string) (*CaptureResponse, error)
	Refund(ctx context.Context, reference string, amount int64, idempotencyKey string) (*RefundResponse, error)
	VerifySignature(payload []byte, signature string) bool
}

// Registry holds the fixed set of gateway variants, one per processor
// family, in registration order.
type Registry struct {
	order    []string
	gateways map[string]Gateway
}

// NewRegistry builds a registry from the provided gateways.
func NewRegistry(gateways ...Gateway) *Registry {
	r := &Registry{gateways: make(map[string]Gateway)}
	for _, g := range gateways {
		if _, exists := r.gateways[g.Name()]; exists {
			continue
		}
		r.order = append(r.order, g.Name())
		r.gateways[g.Name()] = g
	}
	return r
}

// Get resolves a persisted gateway name back to its adapter.
func (r *Registry) Get(name string) (Gateway, error) {
	g, ok := r.gateways[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownGateway, name)
	}
	return g, nil
}

// Select picks the gateway for a new payment. If hint names a registered
// gateway that supports the currency it wins; otherwise the first
// registered supporting gateway is chosen. Selection happens exactly once,
// at initiation.
func (r *Registry) Select(currency domain.Currency, hint string) (Gateway, error) {
	if hint != "" {
		if g, ok := r.gateways[hint]; ok && g.Supports(currency) {
			return g, nil
		}
	}
	for _, name := range r.order {
		if g := r.gateways[name]; g.Supports(currency) {
			return g, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNoGateway, currency)
}

// Names returns the registered gateway names in order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}
