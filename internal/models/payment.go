package models

import (
	"time"
)

// PaymentNotification is the payment provider's "payment succeeded" payload.
// ExternalPaymentID is globally unique on the provider side and becomes the
// idempotency key for the credit, so a redelivered notification never
// credits twice. PaymentID is our own id, embedded in the checkout URL and
// echoed back by the provider; it links the notification to the pending
// record the top-up was stored under.
type PaymentNotification struct {
	ExternalPaymentID string `json:"external_payment_id" validate:"required,max=128"`
	PaymentID         string `json:"payment_id" validate:"max=128"`
	UserID            int64  `json:"user_id" validate:"required,gt=0"`
	CreditAmount      int64  `json:"credit_amount" validate:"required,gt=0"`
}

// Pending payment statuses.
const (
	PaymentStatusPending  = "PENDING"
	PaymentStatusCredited = "CREDITED"
)

// PendingPayment tracks a top-up that has been handed to the payment
// provider but not yet credited to the ledger.
type PendingPayment struct {
	PaymentID   string    `json:"payment_id"`
	UserID      int64     `json:"user_id"`
	Amount      int64     `json:"amount"`
	CheckoutURL string    `json:"checkout_url"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
}
