/**
 * @description
 * This file contains the HTTP handlers for the payment-service's API endpoints.
 * Handlers are responsible for parsing incoming requests, calling the appropriate
 * methods on the application service, and writing the HTTP response. They act as the
 * bridge between the web layer and the business logic layer.
 *
 * @dependencies
 * - encoding/json, log, net/http: Standard Go libraries.
 * - github.com/go-chi/chi/v5: URL parameter extraction.
 * - internal/app, internal/domain, internal/store: For service logic, models, and custom errors.
 */

package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/vibestream/payment-service/internal/app"
	"github.com/vibestream/payment-service/internal/domain"
	"github.com/vibestream/payment-service/internal/store"
	"github.com/vibestream/payment-service/pkg/gateway"
)

// PaymentHandlers holds the application service that handlers will use.
type PaymentHandlers struct {
	service *app.Service
}

// NewPaymentHandlers creates a new instance of PaymentHandlers.
func NewPaymentHandlers(service *app.Service) *PaymentHandlers {
	return &PaymentHandlers{service: service}
}

// paymentResponse is the API shape of one payment.
type paymentResponse struct {
	PaymentID        string  `json:"payment_id"`
	Status           string  `json:"status"`
	Amount           int64   `json:"amount"`
	Currency         string  `json:"currency"`
	NetAmount        int64   `json:"net_amount,omitempty"`
	RefundedAmount   int64   `json:"refunded_amount,omitempty"`
	Purpose          string  `json:"purpose"`
	Gateway          string  `json:"gateway,omitempty"`
	GatewayReference *string `json:"gateway_reference,omitempty"`
	FailureReason    *string `json:"failure_reason,omitempty"`
	EventVersion     int64   `json:"event_version"`
}

func buildPaymentResponse(p *domain.Payment) paymentResponse {
	return paymentResponse{
		PaymentID:        p.ID.String(),
		Status:           p.Status,
		Amount:           p.Amount,
		Currency:         string(p.Currency),
		NetAmount:        p.NetAmount,
		RefundedAmount:   p.RefundedAmount,
		Purpose:          p.Purpose,
		Gateway:          p.Gateway,
		GatewayReference: p.GatewayReference,
		FailureReason:    p.FailureReason,
		EventVersion:     p.EventVersion,
	}
}

// InitiatePaymentHandler handles POST /payments.
func (h *PaymentHandlers) InitiatePaymentHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.InitiatePaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "validation_error", "Invalid request body")
		return
	}

	// Default the payer to the authenticated user when the body omits it.
	if req.PayerID == uuid.Nil {
		if subject, ok := GetAuthUserID(r.Context()); ok {
			if payerID, err := uuid.Parse(subject); err == nil {
				req.PayerID = payerID
			}
		}
	}

	payment, err := h.service.InitiatePayment(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, buildPaymentResponse(payment))
}

// ProcessPaymentHandler handles POST /payments/{id}/process.
func (h *PaymentHandlers) ProcessPaymentHandler(w http.ResponseWriter, r *http.Request) {
	paymentID, ok := h.paymentIDParam(w, r)
	if !ok {
		return
	}

	payment, err := h.service.ProcessPayment(r.Context(), paymentID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, buildPaymentResponse(payment))
}

// RefundPaymentHandler handles POST /payments/{id}/refund.
func (h *PaymentHandlers) RefundPaymentHandler(w http.ResponseWriter, r *http.Request) {
	paymentID, ok := h.paymentIDParam(w, r)
	if !ok {
		return
	}

	var req domain.RefundPaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "validation_error", "Invalid request body")
		return
	}

	payment, err := h.service.RefundPayment(r.Context(), paymentID, req)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, buildPaymentResponse(payment))
}

// CancelPaymentHandler handles POST /payments/{id}/cancel.
func (h *PaymentHandlers) CancelPaymentHandler(w http.ResponseWriter, r *http.Request) {
	paymentID, ok := h.paymentIDParam(w, r)
	if !ok {
		return
	}

	var req struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "validation_error", "Invalid request body")
		return
	}

	payment, err := h.service.CancelPayment(r.Context(), paymentID, req.Reason)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, buildPaymentResponse(payment))
}

// ReviewFraudAlertHandler handles POST /payments/{id}/fraud-review.
func (h *PaymentHandlers) ReviewFraudAlertHandler(w http.ResponseWriter, r *http.Request) {
	paymentID, ok := h.paymentIDParam(w, r)
	if !ok {
		return
	}

	var req domain.ReviewFraudAlertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "validation_error", "Invalid request body")
		return
	}

	alert, err := h.service.ReviewFraudAlert(r.Context(), paymentID, req)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, alert)
}

// GetPaymentHandler handles GET /payments/{id}. The events query flag
// includes the full event stream in the response.
func (h *PaymentHandlers) GetPaymentHandler(w http.ResponseWriter, r *http.Request) {
	paymentID, ok := h.paymentIDParam(w, r)
	if !ok {
		return
	}

	payment, err := h.service.GetPayment(r.Context(), paymentID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	if r.URL.Query().Get("events") != "true" {
		h.writeJSON(w, http.StatusOK, buildPaymentResponse(payment))
		return
	}
	events, err := h.service.ListPaymentEvents(r.Context(), paymentID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, struct {
		paymentResponse
		Events []domain.PaymentEvent `json:"events"`
	}{buildPaymentResponse(payment), events})
}

func (h *PaymentHandlers) paymentIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	paymentID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "validation_error", "Invalid payment ID format")
		return uuid.Nil, false
	}
	return paymentID, true
}

// writeServiceError maps application errors onto HTTP statuses and stable
// error codes.
func (h *PaymentHandlers) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, app.ErrValidation):
		h.writeError(w, http.StatusBadRequest, "validation_error", err.Error())
	case errors.Is(err, store.ErrPaymentNotFound):
		h.writeError(w, http.StatusNotFound, "not_found", "Payment not found")
	case errors.Is(err, store.ErrFraudAlertNotFound):
		h.writeError(w, http.StatusNotFound, "not_found", "No pending fraud alert for payment")
	case errors.Is(err, app.ErrInvalidState):
		h.writeError(w, http.StatusConflict, "invalid_state", err.Error())
	case errors.Is(err, store.ErrConcurrencyConflict):
		h.writeError(w, http.StatusConflict, "concurrency_conflict", "Payment was modified concurrently, retry the request")
	case errors.Is(err, app.ErrRefundAfterDistribution):
		h.writeError(w, http.StatusConflict, "refund_after_distribution", "Payment revenue has already been distributed")
	case errors.Is(err, app.ErrFraudBlocked):
		h.writeError(w, http.StatusUnprocessableEntity, "fraud_blocked", "Payment was blocked by fraud screening")
	case errors.Is(err, app.ErrFraudReviewPending):
		h.writeError(w, http.StatusUnprocessableEntity, "fraud_review_pending", "Payment is held for fraud review")
	case errors.Is(err, app.ErrInvariantViolation):
		h.writeError(w, http.StatusInternalServerError, "invariant_violation", "Distribution invariant violation")
	case errors.Is(err, gateway.ErrRejected), errors.Is(err, app.ErrGatewayUnavailable):
		h.writeError(w, http.StatusBadGateway, "gateway_error", "Payment gateway could not complete the operation")
	default:
		log.Printf("level=error component=api msg=\"unhandled service error\" err=%v", err)
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Internal server error")
	}
}

// writeJSON is a helper for writing JSON responses.
func (h *PaymentHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func (h *PaymentHandlers) writeError(w http.ResponseWriter, status int, code, message string) {
	h.writeJSON(w, status, map[string]string{"error": message, "code": code})
}
