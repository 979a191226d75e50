package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/skip2/go-qrcode"

	"github.com/stylepay/backend/internal/models"
)

const (
	pendingPaymentKeyPrefix = "pending_payment:"
	paymentRetryQueueKey    = "payment_retry_queue"
	pendingPaymentTTL       = 24 * time.Hour
)

var ErrPaymentNotFound = errors.New("payment not found")

// BalanceChanger is the slice of the ledger the payment flow needs.
type BalanceChanger interface {
	ApplyBalanceChange(ctx context.Context, req BalanceChangeRequest) (*BalanceChangeResult, error)
}

// PaymentService tracks provider top-ups. Pending records live in Redis
// until the provider confirms; the ledger stays the only source of truth
// for balances.
type PaymentService struct {
	ledger      BalanceChanger
	redis       *redis.Client
	checkoutURL string
}

func NewPaymentService(ledger BalanceChanger, rdb *redis.Client, checkoutURL string) *PaymentService {
	return &PaymentService{
		ledger:      ledger,
		redis:       rdb,
		checkoutURL: checkoutURL,
	}
}

// CreateTopup registers a pending top-up and returns it with a provider
// checkout URL. Nothing touches the balance until the webhook confirms.
func (s *PaymentService) CreateTopup(ctx context.Context, userID int64, amount int64) (*models.PendingPayment, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if s.redis == nil {
		return nil, errors.New("payment tracking unavailable: redis not connected")
	}

	// The payment id rides in the checkout URL so the provider echoes it
	// back on the webhook, linking the notification to this record.
	paymentID := uuid.NewString()
	payment := &models.PendingPayment{
		PaymentID:   paymentID,
		UserID:      userID,
		Amount:      amount,
		CheckoutURL: fmt.Sprintf("%s/%s", s.checkoutURL, paymentID),
		Status:      models.PaymentStatusPending,
		CreatedAt:   time.Now().UTC(),
	}

	data, err := json.Marshal(payment)
	if err != nil {
		return nil, err
	}
	key := pendingPaymentKeyPrefix + payment.PaymentID
	if err := s.redis.Set(ctx, key, data, pendingPaymentTTL).Err(); err != nil {
		return nil, fmt.Errorf("store pending payment: %w", err)
	}

	log.Printf("[PAYMENT] top-up %s created for user %d amount %d", payment.PaymentID, userID, amount)
	return payment, nil
}

// GetPending loads a pending payment record by id.
func (s *PaymentService) GetPending(ctx context.Context, paymentID string) (*models.PendingPayment, error) {
	if s.redis == nil {
		return nil, ErrPaymentNotFound
	}
	data, err := s.redis.Get(ctx, pendingPaymentKeyPrefix+paymentID).Bytes()
	if err == redis.Nil {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, err
	}
	var payment models.PendingPayment
	if err := json.Unmarshal(data, &payment); err != nil {
		return nil, err
	}
	return &payment, nil
}

// HandlePaymentSucceeded credits the ledger for a confirmed provider
// payment. The operation id derives from the provider's payment id, so the
// provider can deliver the webhook any number of times and the account is
// credited exactly once. A failed credit is queued for the recovery worker
// rather than lost.
func (s *PaymentService) HandlePaymentSucceeded(ctx context.Context, n *models.PaymentNotification) (*BalanceChangeResult, error) {
	result, err := s.ledger.ApplyBalanceChange(ctx, BalanceChangeRequest{
		UserID:        n.UserID,
		Amount:        n.CreditAmount,
		OperationType: models.OpPaymentCredit,
		OperationID:   PaymentOperationID(n.ExternalPaymentID),
		Metadata: map[string]any{
			"external_payment_id": n.ExternalPaymentID,
		},
	})
	if err != nil {
		log.Printf("[PAYMENT] credit failed for payment %s user %d: %v", n.ExternalPaymentID, n.UserID, err)
		s.enqueueRetry(ctx, n)
		return nil, err
	}

	if n.PaymentID != "" {
		s.markCredited(ctx, n.PaymentID)
	}
	if result.Idempotent {
		log.Printf("[PAYMENT] payment %s already credited, replayed", n.ExternalPaymentID)
	} else {
		log.Printf("[PAYMENT] payment %s credited %d to user %d, balance %d",
			n.ExternalPaymentID, n.CreditAmount, n.UserID, result.NewBalance)
	}
	return result, nil
}

func (s *PaymentService) enqueueRetry(ctx context.Context, n *models.PaymentNotification) {
	if s.redis == nil {
		return
	}
	data, err := json.Marshal(n)
	if err != nil {
		return
	}
	if err := s.redis.RPush(ctx, paymentRetryQueueKey, data).Err(); err != nil {
		log.Printf("[PAYMENT] retry enqueue failed for payment %s: %v", n.ExternalPaymentID, err)
	}
}

// markCredited flips the pending record the top-up was stored under. It is
// keyed on our own payment id, not the provider's.
func (s *PaymentService) markCredited(ctx context.Context, paymentID string) {
	if s.redis == nil {
		return
	}
	key := pendingPaymentKeyPrefix + paymentID
	data, err := s.redis.Get(ctx, key).Bytes()
	if err != nil {
		return
	}
	var payment models.PendingPayment
	if err := json.Unmarshal(data, &payment); err != nil {
		return
	}
	payment.Status = models.PaymentStatusCredited
	if updated, err := json.Marshal(&payment); err == nil {
		s.redis.Set(ctx, key, updated, pendingPaymentTTL)
	}
}

// RecoverPending drains the retry queue once. The pass is bounded by the
// queue length at entry, so items re-queued by a still-failing credit do not
// spin the loop.
func (s *PaymentService) RecoverPending(ctx context.Context) error {
	if s.redis == nil {
		return nil
	}
	pending, err := s.redis.LLen(ctx, paymentRetryQueueKey).Result()
	if err != nil {
		return err
	}

	for i := int64(0); i < pending; i++ {
		data, err := s.redis.LPop(ctx, paymentRetryQueueKey).Bytes()
		if err == redis.Nil {
			return nil
		}
		if err != nil {
			return err
		}

		var n models.PaymentNotification
		if err := json.Unmarshal(data, &n); err != nil {
			log.Printf("[PAYMENT] dropping malformed retry entry: %v", err)
			continue
		}
		if _, err := s.HandlePaymentSucceeded(ctx, &n); err != nil {
			log.Printf("[PAYMENT] recovery attempt failed for payment %s: %v", n.ExternalPaymentID, err)
		}
	}
	return nil
}

// StartRecoveryWorker runs RecoverPending on a fixed interval until the
// context is cancelled.
func (s *PaymentService) StartRecoveryWorker(ctx context.Context, interval time.Duration) {
	if s.redis == nil {
		log.Println("[PAYMENT] recovery worker disabled: redis not connected")
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.RecoverPending(ctx); err != nil {
					log.Printf("[PAYMENT] recovery pass failed: %v", err)
				}
			}
		}
	}()
}

// CheckoutQR renders the checkout URL of a pending payment as a PNG.
func (s *PaymentService) CheckoutQR(ctx context.Context, paymentID string) ([]byte, error) {
	payment, err := s.GetPending(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	return qrcode.Encode(payment.CheckoutURL, qrcode.Medium, 256)
}
