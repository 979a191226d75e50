package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/stylepay/backend/internal/audit"
	"github.com/stylepay/backend/internal/ids"
	"github.com/stylepay/backend/internal/models"
	"github.com/stylepay/backend/internal/obs"
	"github.com/stylepay/backend/internal/store"
)

var (
	ErrInvalidAmount        = errors.New("amount must be a non-zero integer")
	ErrInvalidOperationType = errors.New("operation type is required")
	ErrMaxRetriesExceeded   = errors.New("max retries exceeded")
	ErrOperationFailed      = errors.New("operation failed")
)

// InsufficientBalanceError reports a debit that would overdraw the account.
// It is a business outcome, not a transient conflict: the engine never
// retries it, and the account is left unchanged.
type InsufficientBalanceError struct {
	Available int64
	Required  int64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: available %d, required %d", e.Available, e.Required)
}

// LedgerConfig tunes the ledger engine.
type LedgerConfig struct {
	InitialBalance    int64         // balance granted on lazy account creation
	MaxRetries        int           // attempts per mutation, conflicts included
	RetryBackoff      time.Duration // first backoff; doubles per attempt, with jitter
	IdempotencyWindow time.Duration // window for derived operation ids
}

func (c LedgerConfig) withDefaults() LedgerConfig {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 100 * time.Millisecond
	}
	if c.IdempotencyWindow <= 0 {
		c.IdempotencyWindow = DefaultIdempotencyWindow
	}
	return c
}

// BalanceChangeRequest describes one balance mutation. A positive amount is
// a credit, a negative amount a debit.
type BalanceChangeRequest struct {
	UserID        int64
	Amount        int64
	OperationType string
	OperationID   string         // optional; always wins over derivation
	CorrelationID string         // optional; groups related entries
	Context       string         // optional disambiguator for windowed ids
	Metadata      map[string]any // optional audit annotations
}

// BalanceChangeResult is the committed (or replayed) outcome.
type BalanceChangeResult struct {
	NewBalance    int64  `json:"new_balance"`
	OperationID   string `json:"operation_id"`
	TransactionID string `json:"transaction_id"`
	CorrelationID string `json:"correlation_id"`
	Idempotent    bool   `json:"idempotent"`
}

// LedgerService is the single writer of account balances. All mutations go
// through ApplyBalanceChange; no other component writes balance or version.
type LedgerService struct {
	store store.Store
	audit *audit.Logger
	cfg   LedgerConfig
	now   func() time.Time
}

func NewLedgerService(st store.Store, cfg LedgerConfig) *LedgerService {
	return &LedgerService{
		store: st,
		audit: audit.NewLogger(),
		cfg:   cfg.withDefaults(),
		now:   time.Now,
	}
}

// ApplyBalanceChange applies one mutation with at-most-once semantics.
//
// The operation id is resolved first (explicit wins over derived), then
// checked against the transaction log without any lock; a hit returns the
// recorded balance as an idempotent replay. Otherwise the mutation runs in a
// bounded retry loop: each attempt reads balance and version in a fresh
// durable transaction, rejects overdrafts immediately, and commits the
// conditional balance write together with the log row. Version conflicts are
// retried with exponential backoff; insufficient funds never are.
func (s *LedgerService) ApplyBalanceChange(ctx context.Context, req BalanceChangeRequest) (*BalanceChangeResult, error) {
	start := time.Now()
	defer func() {
		obs.LedgerOperationDuration.Observe(time.Since(start).Seconds())
	}()

	if req.Amount == 0 {
		return nil, ErrInvalidAmount
	}
	if req.OperationType == "" {
		return nil, ErrInvalidOperationType
	}

	operationID := req.OperationID
	if operationID == "" {
		operationID = WindowedOperationID(req.UserID, req.OperationType, req.Context, s.cfg.IdempotencyWindow, s.now())
	}
	correlationID := req.CorrelationID
	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	// Idempotency fast path: a committed entry with this operation id means
	// the effect is already applied. No lock, no re-execution.
	entry, err := s.store.FindLogEntry(ctx, operationID)
	if err != nil {
		return nil, fmt.Errorf("idempotency lookup: %w", err)
	}
	if entry != nil {
		obs.LedgerOperationsTotal.WithLabelValues(req.OperationType, "idempotent_replay").Inc()
		s.audit.LogOperation(operationID, req.UserID, req.OperationType, "idempotent replay")
		return replayResult(entry), nil
	}

	var lastErr error
	for attempt := 1; attempt <= s.cfg.MaxRetries; attempt++ {
		if attempt > 1 {
			if err := s.backoff(ctx, attempt); err != nil {
				return nil, err
			}
		}

		result, err := s.applyOnce(ctx, req, operationID, correlationID)
		if err == nil {
			obs.LedgerOperationsTotal.WithLabelValues(req.OperationType, "committed").Inc()
			return result, nil
		}

		var insufficient *InsufficientBalanceError
		if errors.As(err, &insufficient) {
			// Terminal business outcome; retrying cannot change a shortfall.
			obs.LedgerOperationsTotal.WithLabelValues(req.OperationType, "insufficient_balance").Inc()
			return nil, err
		}

		if errors.Is(err, store.ErrDuplicateOperation) {
			// Lost the insert race: the same operation committed on another
			// request. Resolve it as a replay.
			entry, lookupErr := s.store.FindLogEntry(ctx, operationID)
			if lookupErr == nil && entry != nil {
				obs.LedgerOperationsTotal.WithLabelValues(req.OperationType, "idempotent_replay").Inc()
				s.audit.LogOperation(operationID, req.UserID, req.OperationType, "idempotent replay after lost insert race")
				return replayResult(entry), nil
			}
			lastErr = err
			continue
		}

		if errors.Is(err, store.ErrVersionConflict) {
			obs.LedgerConflictRetries.Inc()
			log.Printf("[LEDGER] version conflict for user %d op %s (attempt %d/%d)",
				req.UserID, operationID, attempt, s.cfg.MaxRetries)
		} else {
			log.Printf("[LEDGER] attempt %d/%d failed for user %d op %s: %v",
				attempt, s.cfg.MaxRetries, req.UserID, operationID, err)
		}
		lastErr = err
	}

	obs.LedgerOperationsTotal.WithLabelValues(req.OperationType, "failed").Inc()
	s.audit.LogError(operationID, req.UserID, lastErr)
	if errors.Is(lastErr, store.ErrVersionConflict) {
		return nil, fmt.Errorf("%w: %d attempts, last: %v", ErrMaxRetriesExceeded, s.cfg.MaxRetries, lastErr)
	}
	return nil, fmt.Errorf("%w: %v", ErrOperationFailed, lastErr)
}

// applyOnce runs one durable attempt. Every state change commits atomically
// or not at all.
func (s *LedgerService) applyOnce(ctx context.Context, req BalanceChangeRequest, operationID, correlationID string) (*BalanceChangeResult, error) {
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	account, err := tx.GetOrCreateAccount(ctx, req.UserID, s.cfg.InitialBalance)
	if err != nil {
		return nil, err
	}

	newBalance := account.Balance + req.Amount
	if newBalance < 0 {
		return nil, &InsufficientBalanceError{Available: account.Balance, Required: -req.Amount}
	}

	if err := tx.UpdateBalance(ctx, req.UserID, newBalance, account.Version); err != nil {
		return nil, err
	}

	entry := &models.TransactionLogEntry{
		ID:            ids.New(),
		UserID:        req.UserID,
		OperationType: req.OperationType,
		Direction:     models.DirectionForAmount(req.Amount),
		Amount:        req.Amount,
		BalanceBefore: account.Balance,
		BalanceAfter:  newBalance,
		OperationID:   operationID,
		CorrelationID: correlationID,
		Metadata:      models.SanitizeMetadata(req.Metadata),
		CreatedAt:     s.now(),
	}
	if err := tx.InsertLogEntry(ctx, entry); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	s.audit.LogBalanceChange(operationID, req.UserID, req.Amount, newBalance, req.OperationType)
	return &BalanceChangeResult{
		NewBalance:    newBalance,
		OperationID:   operationID,
		TransactionID: entry.ID,
		CorrelationID: correlationID,
	}, nil
}

// maxRetryBackoff caps the exponential delay so a large retry budget cannot
// overflow the duration arithmetic.
const maxRetryBackoff = 5 * time.Second

// retryDelay doubles the base backoff per attempt up to maxRetryBackoff,
// then adds jitter of up to half the delay.
func (s *LedgerService) retryDelay(attempt int) time.Duration {
	delay := s.cfg.RetryBackoff
	for i := 2; i < attempt && delay < maxRetryBackoff; i++ {
		delay *= 2
	}
	if delay > maxRetryBackoff {
		delay = maxRetryBackoff
	}
	return delay + time.Duration(rand.Int63n(int64(delay)/2+1))
}

// backoff sleeps the exponential delay with jitter. No transaction or lock
// is held while waiting.
func (s *LedgerService) backoff(ctx context.Context, attempt int) error {
	timer := time.NewTimer(s.retryDelay(attempt))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func replayResult(entry *models.TransactionLogEntry) *BalanceChangeResult {
	return &BalanceChangeResult{
		NewBalance:    entry.BalanceAfter,
		OperationID:   entry.OperationID,
		TransactionID: entry.ID,
		CorrelationID: entry.CorrelationID,
		Idempotent:    true,
	}
}

// GetBalance returns the committed balance. Accounts are created lazily on
// first mutation, so an absent row reads as the configured initial balance.
func (s *LedgerService) GetBalance(ctx context.Context, userID int64) (int64, error) {
	account, err := s.store.GetAccount(ctx, userID)
	if errors.Is(err, store.ErrAccountNotFound) {
		return s.cfg.InitialBalance, nil
	}
	if err != nil {
		return 0, err
	}
	return account.Balance, nil
}

// UpdateBalance is the narrow entry point kept for callers that predate the
// ledger engine and cannot handle structured failures: on any error it falls
// back to the last committed balance instead of propagating.
func (s *LedgerService) UpdateBalance(ctx context.Context, userID int64, amount int64, operationType string) int64 {
	result, err := s.ApplyBalanceChange(ctx, BalanceChangeRequest{
		UserID:        userID,
		Amount:        amount,
		OperationType: operationType,
	})
	if err != nil {
		log.Printf("[LEDGER] update_balance falling back to committed balance for user %d: %v", userID, err)
		balance, berr := s.GetBalance(ctx, userID)
		if berr != nil {
			log.Printf("[LEDGER] balance read failed for user %d: %v", userID, berr)
			return 0
		}
		return balance
	}
	return result.NewBalance
}

// History returns the most recent log entries for a user, newest first. It
// reads without locking; a row committed after the read started may be
// missed, which is fine for an audit view.
func (s *LedgerService) History(ctx context.Context, userID int64, limit int) ([]models.TransactionLogEntry, error) {
	if limit <= 0 {
		limit = 10
	}
	if limit > 100 {
		limit = 100
	}
	return s.store.History(ctx, userID, limit)
}

// Stats runs the read-only diagnostic aggregates.
func (s *LedgerService) Stats(ctx context.Context) (*store.Stats, error) {
	return s.store.Stats(ctx)
}
