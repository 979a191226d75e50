package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/stylepay/backend/internal/models"
	"github.com/stylepay/backend/internal/services"
	"github.com/stylepay/backend/internal/store"
)

// LedgerEngine is the slice of the ledger the HTTP layer consumes.
type LedgerEngine interface {
	ApplyBalanceChange(ctx context.Context, req services.BalanceChangeRequest) (*services.BalanceChangeResult, error)
	GetBalance(ctx context.Context, userID int64) (int64, error)
	History(ctx context.Context, userID int64, limit int) ([]models.TransactionLogEntry, error)
	Stats(ctx context.Context) (*store.Stats, error)
}

type LedgerHandler struct {
	ledger    LedgerEngine
	validator *services.ValidationHelper
}

func NewLedgerHandler(ledger LedgerEngine) *LedgerHandler {
	return &LedgerHandler{
		ledger:    ledger,
		validator: services.NewValidationHelper(),
	}
}

func userIDFromContext(r *http.Request) (int64, bool) {
	raw, ok := r.Context().Value("userID").(string)
	if !ok || raw == "" {
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// ChargeConsultation debits the authenticated user for one styling consultation
// @Summary Charge for a consultation
// @Description Debit the consultation price from the user's balance
// @Tags Ledger
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body object{amount=int64,consultation_id=string,operation_id=string} true "Charge request"
// @Success 200 {object} services.BalanceChangeResult
// @Failure 400 {object} services.ErrorResponse
// @Failure 401 {object} services.ErrorResponse
// @Failure 402 {object} object{error=string,available=int64,required=int64}
// @Router /consultations/charge [post]
func (h *LedgerHandler) ChargeConsultation(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromContext(r)
	if !ok {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	var req struct {
		Amount         int64  `json:"amount" validate:"required,gt=0"`
		ConsultationID string `json:"consultation_id" validate:"max=128"`
		OperationID    string `json:"operation_id" validate:"max=128"`
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

	result, err := h.ledger.ApplyBalanceChange(r.Context(), services.BalanceChangeRequest{
		UserID:        userID,
		Amount:        -req.Amount,
		OperationType: models.OpConsultationDebit,
		OperationID:   req.OperationID,
		Context:       req.ConsultationID,
		Metadata: map[string]any{
			"consultation_id": req.ConsultationID,
		},
	})
	if err != nil {
		var insufficient *services.InsufficientBalanceError
		if errors.As(err, &insufficient) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusPaymentRequired)
			json.NewEncoder(w).Encode(map[string]any{
				"success":   false,
				"error":     "insufficient_balance",
				"available": insufficient.Available,
				"required":  insufficient.Required,
			})
			return
		}
		if errors.Is(err, services.ErrInvalidAmount) {
			services.SendErrorResponse(w, err.Error(), http.StatusBadRequest, nil)
			return
		}
		services.SendErrorResponse(w, "Charge failed, please retry", http.StatusServiceUnavailable, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"success": true,
		"result":  result,
	})
}

// GetBalance returns the authenticated user's balance
// @Summary Get balance
// @Description Current committed balance of the authenticated user
// @Tags Ledger
// @Produce json
// @Security BearerAuth
// @Success 200 {object} object{balance=int64}
// @Failure 401 {object} services.ErrorResponse
// @Router /balance [get]
func (h *LedgerHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromContext(r)
	if !ok {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	balance, err := h.ledger.GetBalance(r.Context(), userID)
	if err != nil {
		services.SendErrorResponse(w, "Failed to read balance", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"success": true,
		"balance": balance,
	})
}

// GetTransactions lists the user's recent ledger entries
// @Summary Transaction history
// @Description Most recent ledger entries for the authenticated user, newest first
// @Tags Ledger
// @Produce json
// @Security BearerAuth
// @Param limit query int false "Max entries (default 10, cap 100)"
// @Success 200 {array} models.TransactionLogEntry
// @Failure 401 {object} services.ErrorResponse
// @Router /transactions [get]
func (h *LedgerHandler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromContext(r)
	if !ok {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			services.SendErrorResponse(w, "Invalid limit", http.StatusBadRequest, nil)
			return
		}
		limit = parsed
	}

	entries, err := h.ledger.History(r.Context(), userID, limit)
	if err != nil {
		services.SendErrorResponse(w, "Failed to read history", http.StatusInternalServerError, nil)
		return
	}
	if entries == nil {
		entries = []models.TransactionLogEntry{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"success":      true,
		"transactions": entries,
	})
}

// GetStats returns financial aggregates for operators
// @Summary Financial statistics
// @Description Daily transaction count, zero-balance accounts, totals and averages
// @Tags Ledger
// @Produce json
// @Security BearerAuth
// @Success 200 {object} store.Stats "Aggregated ledger stats"
// @Failure 500 {object} services.ErrorResponse
// @Router /stats [get]
func (h *LedgerHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.ledger.Stats(r.Context())
	if err != nil {
		services.SendErrorResponse(w, "Failed to compute stats", http.StatusInternalServerError, nil)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"success": true,
		"stats":   stats,
	})
}
