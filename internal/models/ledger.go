package models

import (
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"
)

const (
	DirectionCredit = "CREDIT"
	DirectionDebit  = "DEBIT"
)

// Well-known operation types. The ledger treats these as free-form audit
// classification; only the sign of the amount has meaning.
const (
	OpConsultationDebit = "consultation_debit"
	OpPaymentCredit     = "payment_credit"
	OpBonusAward        = "bonus_award"
	OpManualAdminTopup  = "manual_admin_topup"
	OpRefundCredit      = "refund_credit"
)

// TransactionLogEntry is an immutable audit record of one committed balance
// mutation. Rows are append-only: never updated, never deleted. OperationID
// is unique across all time and doubles as the idempotency key.
type TransactionLogEntry struct {
	ID            string    `json:"id" db:"id"`
	Seq           int64     `json:"seq" db:"seq"` // insertion sequence, breaks created_at ties
	UserID        int64     `json:"user_id" db:"user_id"`
	OperationType string    `json:"operation_type" db:"operation_type"`
	Direction     string    `json:"direction" db:"direction"` // DEBIT or CREDIT
	Amount        int64     `json:"amount" db:"amount"`
	BalanceBefore int64     `json:"balance_before" db:"balance_before"`
	BalanceAfter  int64     `json:"balance_after" db:"balance_after"`
	OperationID   string    `json:"operation_id" db:"operation_id"`
	CorrelationID string    `json:"correlation_id" db:"correlation_id"`
	Metadata      Metadata  `json:"metadata,omitempty" db:"metadata"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
}

// DirectionForAmount derives the audit direction from the sign of the amount.
func DirectionForAmount(amount int64) string {
	if amount < 0 {
		return DirectionDebit
	}
	return DirectionCredit
}

// Metadata carries bounded key/value annotations on an audit row.
type Metadata map[string]string

const (
	maxMetadataKeyLen   = 100
	maxMetadataValueLen = 1000
)

// SanitizeMetadata flattens arbitrary annotations to bounded strings: keys
// are truncated to 100 characters, values serialize to at most 1000.
func SanitizeMetadata(meta map[string]any) Metadata {
	if len(meta) == 0 {
		return nil
	}
	out := make(Metadata, len(meta))
	for k, v := range meta {
		k = truncateRunes(k, maxMetadataKeyLen)
		var s string
		switch val := v.(type) {
		case string:
			s = val
		case nil:
			s = ""
		case bool, int, int32, int64, uint, uint32, uint64, float32, float64:
			s = fmt.Sprintf("%v", val)
		default:
			if data, err := json.Marshal(val); err == nil {
				s = string(data)
			} else {
				s = fmt.Sprintf("%v", val)
			}
		}
		out[k] = truncateRunes(s, maxMetadataValueLen)
	}
	return out
}

// truncateRunes cuts s to at most n runes, never mid-sequence.
func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}
