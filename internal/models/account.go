package models

import (
	"time"
)

// Account holds one user's spendable STcoin balance, keyed by the Telegram
// user ID. The version column enables optimistic locking: a balance write
// commits only if the stored version still equals the version read at the
// start of the operation, and every committed mutation increments it by one.
type Account struct {
	UserID    int64     `json:"user_id" db:"user_id"`
	Balance   int64     `json:"balance" db:"balance"`
	Version   int       `json:"version" db:"version"` // for optimistic locking
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}
