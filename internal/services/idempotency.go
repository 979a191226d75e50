package services

import (
	"fmt"
	"time"
)

// DefaultIdempotencyWindow bounds accidental double-charging from rapid
// client retries without requiring client-side idempotency tokens.
const DefaultIdempotencyWindow = 5 * time.Minute

// WindowedOperationID derives a deterministic operation id from the user,
// the operation type and the current time truncated to the window. Two calls
// within the same window with the same context collapse to the same id;
// calls in different windows are independent. An optional caller-supplied
// context disambiguates operations the caller can tell apart.
func WindowedOperationID(userID int64, operationType, context string, window time.Duration, now time.Time) string {
	if window <= 0 {
		window = DefaultIdempotencyWindow
	}
	bucket := now.UTC().Truncate(window).Unix()
	id := fmt.Sprintf("%s_%d_%d", operationType, userID, bucket)
	if context != "" {
		id += "_" + context
	}
	return id
}

// PaymentOperationID maps the provider's globally unique payment id to an
// operation id, guaranteeing a payment is credited at most once regardless
// of webhook redelivery.
func PaymentOperationID(externalPaymentID string) string {
	return "pay_" + externalPaymentID
}
