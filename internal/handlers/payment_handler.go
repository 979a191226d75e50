package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/stylepay/backend/internal/models"
	"github.com/stylepay/backend/internal/services"
)

// PaymentProcessor is the slice of the payment service the HTTP layer consumes.
type PaymentProcessor interface {
	CreateTopup(ctx context.Context, userID int64, amount int64) (*models.PendingPayment, error)
	CheckoutQR(ctx context.Context, paymentID string) ([]byte, error)
	HandlePaymentSucceeded(ctx context.Context, n *models.PaymentNotification) (*services.BalanceChangeResult, error)
}

type PaymentHandler struct {
	payments  PaymentProcessor
	validator *services.ValidationHelper
}

func NewPaymentHandler(payments PaymentProcessor) *PaymentHandler {
	return &PaymentHandler{
		payments:  payments,
		validator: services.NewValidationHelper(),
	}
}

// CreateTopup starts a balance top-up
// @Summary Create top-up
// @Description Register a pending top-up and return the provider checkout URL
// @Tags Payments
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body object{amount=int64} true "Top-up request"
// @Success 200 {object} models.PendingPayment
// @Failure 400 {object} services.ErrorResponse
// @Failure 401 {object} services.ErrorResponse
// @Router /payments/topup [post]
func (h *PaymentHandler) CreateTopup(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromContext(r)
	if !ok {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req struct {
		Amount int64 `json:"amount" validate:"required,gt=0"`
	}

	r.Body = http.MaxBytesReader(w, r.Body, 1_048_576)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(&req); err != nil {
		services.SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		services.SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return
	}

	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	payment, err := h.payments.CreateTopup(r.Context(), userID, req.Amount)
	if err != nil {
		services.SendErrorResponse(w, err.Error(), http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"success": true,
		"payment": payment,
	})
}

// CheckoutQR renders a payment checkout link as a QR image
// @Summary Checkout QR code
// @Description PNG QR code for a pending payment's checkout URL
// @Tags Payments
// @Produce png
// @Security BearerAuth
// @Param paymentId path string true "Payment ID"
// @Success 200 {file} byte
// @Failure 404 {object} services.ErrorResponse
// @Router /payments/{paymentId}/qr [get]
func (h *PaymentHandler) CheckoutQR(w http.ResponseWriter, r *http.Request) {
	paymentID := chi.URLParam(r, "paymentId")
	if paymentID == "" {
		services.SendErrorResponse(w, "Missing payment id", http.StatusBadRequest, nil)
		return
	}

	png, err := h.payments.CheckoutQR(r.Context(), paymentID)
	if errors.Is(err, services.ErrPaymentNotFound) {
		services.SendErrorResponse(w, "Payment not found", http.StatusNotFound, nil)
		return
	}
	if err != nil {
		services.SendErrorResponse(w, "Failed to render QR code", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Write(png)
}

// Webhook consumes provider payment notifications
// @Summary Payment webhook
// @Description Credit the corresponding account when a provider payment succeeds. Safe to deliver repeatedly.
// @Tags Payments
// @Accept json
// @Produce json
// @Param request body models.PaymentNotification true "Provider notification"
// @Success 200 {object} object{success=bool}
// @Failure 400 {object} services.ErrorResponse
// @Router /payments/webhook [post]
func (h *PaymentHandler) Webhook(w http.ResponseWriter, r *http.Request) {
	var n models.PaymentNotification

	r.Body = http.MaxBytesReader(w, r.Body, 1_048_576)
	if err := json.NewDecoder(r.Body).Decode(&n); err != nil {
		services.SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	if err := h.validator.ValidateStruct(&n); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return
	}

	result, err := h.payments.HandlePaymentSucceeded(r.Context(), &n)
	if err != nil {
		// The credit is queued for recovery; tell the provider to redeliver
		// later as well.
		log.Printf("[PAYMENT] webhook credit deferred for payment %s: %v", n.ExternalPaymentID, err)
		services.SendErrorResponse(w, "Credit deferred", http.StatusServiceUnavailable, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"success":     true,
		"idempotent":  result.Idempotent,
		"new_balance": result.NewBalance,
	})
}
