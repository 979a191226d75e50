package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stylepay/backend/internal/models"
	"github.com/stylepay/backend/internal/services"
	"github.com/stylepay/backend/internal/store"
)

type stubLedger struct {
	applyResult *services.BalanceChangeResult
	applyErr    error
	lastApply   services.BalanceChangeRequest

	balance    int64
	balanceErr error

	history    []models.TransactionLogEntry
	historyErr error

	stats    *store.Stats
	statsErr error
}

func (s *stubLedger) ApplyBalanceChange(_ context.Context, req services.BalanceChangeRequest) (*services.BalanceChangeResult, error) {
	s.lastApply = req
	if s.applyErr != nil {
		return nil, s.applyErr
	}
	return s.applyResult, nil
}

func (s *stubLedger) GetBalance(context.Context, int64) (int64, error) {
	return s.balance, s.balanceErr
}

func (s *stubLedger) History(context.Context, int64, int) ([]models.TransactionLogEntry, error) {
	return s.history, s.historyErr
}

func (s *stubLedger) Stats(context.Context) (*store.Stats, error) {
	return s.stats, s.statsErr
}

func authedRequest(method, target string, body []byte, userID string) *http.Request {
	var r *http.Request
	if body != nil {
		r = httptest.NewRequest(method, target, bytes.NewReader(body))
	} else {
		r = httptest.NewRequest(method, target, nil)
	}
	if userID != "" {
		r = r.WithContext(context.WithValue(r.Context(), "userID", userID))
	}
	return r
}

func TestLedgerHandler_ChargeConsultation(t *testing.T) {
	t.Run("successful charge", func(t *testing.T) {
		ledger := &stubLedger{applyResult: &services.BalanceChangeResult{
			NewBalance:  20,
			OperationID: "op-1",
		}}
		h := NewLedgerHandler(ledger)

		body, _ := json.Marshal(map[string]any{
			"amount":          30,
			"consultation_id": "c-1",
		})
		w := httptest.NewRecorder()
		h.ChargeConsultation(w, authedRequest("POST", "/consultations/charge", body, "7"))

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, int64(7), ledger.lastApply.UserID)
		assert.Equal(t, int64(-30), ledger.lastApply.Amount)
		assert.Equal(t, models.OpConsultationDebit, ledger.lastApply.OperationType)
		assert.Equal(t, "c-1", ledger.lastApply.Context)

		var resp map[string]any
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, true, resp["success"])
	})

	t.Run("missing auth", func(t *testing.T) {
		h := NewLedgerHandler(&stubLedger{})
		body, _ := json.Marshal(map[string]any{"amount": 30})

		w := httptest.NewRecorder()
		h.ChargeConsultation(w, authedRequest("POST", "/consultations/charge", body, ""))
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("invalid body", func(t *testing.T) {
		h := NewLedgerHandler(&stubLedger{})

		w := httptest.NewRecorder()
		h.ChargeConsultation(w, authedRequest("POST", "/consultations/charge", []byte("not json"), "7"))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("rejects non-positive amount", func(t *testing.T) {
		h := NewLedgerHandler(&stubLedger{})
		body, _ := json.Marshal(map[string]any{"amount": -5})

		w := httptest.NewRecorder()
		h.ChargeConsultation(w, authedRequest("POST", "/consultations/charge", body, "7"))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("insufficient balance maps to 402", func(t *testing.T) {
		ledger := &stubLedger{applyErr: &services.InsufficientBalanceError{Available: 20, Required: 30}}
		h := NewLedgerHandler(ledger)
		body, _ := json.Marshal(map[string]any{"amount": 30})

		w := httptest.NewRecorder()
		h.ChargeConsultation(w, authedRequest("POST", "/consultations/charge", body, "7"))

		assert.Equal(t, http.StatusPaymentRequired, w.Code)
		var resp map[string]any
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, false, resp["success"])
		assert.Equal(t, "insufficient_balance", resp["error"])
		assert.Equal(t, float64(20), resp["available"])
		assert.Equal(t, float64(30), resp["required"])
	})

	t.Run("engine exhaustion maps to 503", func(t *testing.T) {
		ledger := &stubLedger{applyErr: services.ErrMaxRetriesExceeded}
		h := NewLedgerHandler(ledger)
		body, _ := json.Marshal(map[string]any{"amount": 30})

		w := httptest.NewRecorder()
		h.ChargeConsultation(w, authedRequest("POST", "/consultations/charge", body, "7"))
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	})
}

func TestLedgerHandler_GetBalance(t *testing.T) {
	t.Run("returns balance", func(t *testing.T) {
		h := NewLedgerHandler(&stubLedger{balance: 120})

		w := httptest.NewRecorder()
		h.GetBalance(w, authedRequest("GET", "/balance", nil, "7"))

		assert.Equal(t, http.StatusOK, w.Code)
		var resp map[string]any
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, float64(120), resp["balance"])
	})

	t.Run("non-numeric subject is rejected", func(t *testing.T) {
		h := NewLedgerHandler(&stubLedger{})

		w := httptest.NewRecorder()
		h.GetBalance(w, authedRequest("GET", "/balance", nil, "not-a-number"))
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}

func TestLedgerHandler_GetTransactions(t *testing.T) {
	t.Run("returns entries", func(t *testing.T) {
		h := NewLedgerHandler(&stubLedger{history: []models.TransactionLogEntry{
			{ID: "01B", OperationID: "op-2", Amount: 100, BalanceAfter: 120, CreatedAt: time.Now()},
			{ID: "01A", OperationID: "op-1", Amount: -30, BalanceAfter: 20, CreatedAt: time.Now()},
		}})

		w := httptest.NewRecorder()
		h.GetTransactions(w, authedRequest("GET", "/transactions?limit=2", nil, "7"))

		assert.Equal(t, http.StatusOK, w.Code)
		var resp struct {
			Transactions []models.TransactionLogEntry `json:"transactions"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		require.Len(t, resp.Transactions, 2)
		assert.Equal(t, "op-2", resp.Transactions[0].OperationID)
	})

	t.Run("empty history is an empty array", func(t *testing.T) {
		h := NewLedgerHandler(&stubLedger{})

		w := httptest.NewRecorder()
		h.GetTransactions(w, authedRequest("GET", "/transactions", nil, "7"))

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"transactions":[]`)
	})

	t.Run("bad limit", func(t *testing.T) {
		h := NewLedgerHandler(&stubLedger{})

		w := httptest.NewRecorder()
		h.GetTransactions(w, authedRequest("GET", "/transactions?limit=abc", nil, "7"))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestLedgerHandler_GetStats(t *testing.T) {
	h := NewLedgerHandler(&stubLedger{stats: &store.Stats{
		TransactionsToday:   17,
		ZeroBalanceAccounts: 3,
		TotalAccounts:       12,
		AverageBalance:      41.5,
	}})

	w := httptest.NewRecorder()
	h.GetStats(w, authedRequest("GET", "/stats", nil, "1"))

	assert.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Stats store.Stats `json:"stats"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, int64(17), resp.Stats.TransactionsToday)
	assert.InDelta(t, 41.5, resp.Stats.AverageBalance, 0.001)
}
