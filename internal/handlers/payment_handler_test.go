package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stylepay/backend/internal/models"
	"github.com/stylepay/backend/internal/services"
)

type stubPayments struct {
	topup    *models.PendingPayment
	topupErr error

	qr    []byte
	qrErr error

	webhookResult *services.BalanceChangeResult
	webhookErr    error
	lastWebhook   *models.PaymentNotification
}

func (s *stubPayments) CreateTopup(context.Context, int64, int64) (*models.PendingPayment, error) {
	return s.topup, s.topupErr
}

func (s *stubPayments) CheckoutQR(context.Context, string) ([]byte, error) {
	return s.qr, s.qrErr
}

func (s *stubPayments) HandlePaymentSucceeded(_ context.Context, n *models.PaymentNotification) (*services.BalanceChangeResult, error) {
	s.lastWebhook = n
	if s.webhookErr != nil {
		return nil, s.webhookErr
	}
	return s.webhookResult, nil
}

func TestPaymentHandler_CreateTopup(t *testing.T) {
	t.Run("creates pending payment", func(t *testing.T) {
		h := NewPaymentHandler(&stubPayments{topup: &models.PendingPayment{
			PaymentID:   "p-1",
			UserID:      7,
			Amount:      500,
			CheckoutURL: "https://pay.example/checkout/abc",
			Status:      models.PaymentStatusPending,
		}})

		body, _ := json.Marshal(map[string]any{"amount": 500})
		w := httptest.NewRecorder()
		h.CreateTopup(w, authedRequest("POST", "/payments/topup", body, "7"))

		assert.Equal(t, http.StatusOK, w.Code)
		var resp struct {
			Payment models.PendingPayment `json:"payment"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, "p-1", resp.Payment.PaymentID)
		assert.Equal(t, models.PaymentStatusPending, resp.Payment.Status)
	})

	t.Run("missing auth", func(t *testing.T) {
		h := NewPaymentHandler(&stubPayments{})
		body, _ := json.Marshal(map[string]any{"amount": 500})

		w := httptest.NewRecorder()
		h.CreateTopup(w, authedRequest("POST", "/payments/topup", body, ""))
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("zero amount fails validation", func(t *testing.T) {
		h := NewPaymentHandler(&stubPayments{})
		body, _ := json.Marshal(map[string]any{"amount": 0})

		w := httptest.NewRecorder()
		h.CreateTopup(w, authedRequest("POST", "/payments/topup", body, "7"))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestPaymentHandler_CheckoutQR(t *testing.T) {
	newQRRequest := func(paymentID string) *http.Request {
		r := httptest.NewRequest("GET", "/payments/"+paymentID+"/qr", nil)
		rctx := chi.NewRouteContext()
		rctx.URLParams.Add("paymentId", paymentID)
		return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
	}

	t.Run("serves png", func(t *testing.T) {
		h := NewPaymentHandler(&stubPayments{qr: []byte{0x89, 'P', 'N', 'G'}})

		w := httptest.NewRecorder()
		h.CheckoutQR(w, newQRRequest("p-1"))

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "image/png", w.Header().Get("Content-Type"))
	})

	t.Run("unknown payment", func(t *testing.T) {
		h := NewPaymentHandler(&stubPayments{qrErr: services.ErrPaymentNotFound})

		w := httptest.NewRecorder()
		h.CheckoutQR(w, newQRRequest("missing"))
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestPaymentHandler_Webhook(t *testing.T) {
	notification := map[string]any{
		"external_payment_id": "ext-1",
		"user_id":             7,
		"credit_amount":       500,
	}

	t.Run("credits and acknowledges", func(t *testing.T) {
		stub := &stubPayments{webhookResult: &services.BalanceChangeResult{NewBalance: 500}}
		h := NewPaymentHandler(stub)

		body, _ := json.Marshal(notification)
		w := httptest.NewRecorder()
		h.Webhook(w, httptest.NewRequest("POST", "/payments/webhook", bytes.NewReader(body)))

		assert.Equal(t, http.StatusOK, w.Code)
		require.NotNil(t, stub.lastWebhook)
		assert.Equal(t, "ext-1", stub.lastWebhook.ExternalPaymentID)
		assert.Equal(t, int64(500), stub.lastWebhook.CreditAmount)
	})

	t.Run("missing fields fail validation", func(t *testing.T) {
		h := NewPaymentHandler(&stubPayments{})

		body, _ := json.Marshal(map[string]any{"external_payment_id": "ext-1"})
		w := httptest.NewRecorder()
		h.Webhook(w, httptest.NewRequest("POST", "/payments/webhook", bytes.NewReader(body)))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("deferred credit maps to 503", func(t *testing.T) {
		h := NewPaymentHandler(&stubPayments{webhookErr: errors.New("db down")})

		body, _ := json.Marshal(notification)
		w := httptest.NewRecorder()
		h.Webhook(w, httptest.NewRequest("POST", "/payments/webhook", bytes.NewReader(body)))
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	})
}
