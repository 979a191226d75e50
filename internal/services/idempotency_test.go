package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/stylepay/backend/internal/models"
)

func TestWindowedOperationID(t *testing.T) {
	window := 5 * time.Minute
	base := time.Date(2026, 3, 1, 12, 2, 30, 0, time.UTC)

	t.Run("stable inside the window", func(t *testing.T) {
		a := WindowedOperationID(7, models.OpBonusAward, "", window, base)
		b := WindowedOperationID(7, models.OpBonusAward, "", window, base.Add(2*time.Minute))
		assert.Equal(t, a, b)
	})

	t.Run("changes across the window boundary", func(t *testing.T) {
		a := WindowedOperationID(7, models.OpBonusAward, "", window, base)
		b := WindowedOperationID(7, models.OpBonusAward, "", window, base.Add(5*time.Minute))
		assert.NotEqual(t, a, b)
	})

	t.Run("distinct per user and type", func(t *testing.T) {
		a := WindowedOperationID(7, models.OpBonusAward, "", window, base)
		b := WindowedOperationID(8, models.OpBonusAward, "", window, base)
		c := WindowedOperationID(7, models.OpManualAdminTopup, "", window, base)
		assert.NotEqual(t, a, b)
		assert.NotEqual(t, a, c)
	})

	t.Run("context disambiguates intentional repeats", func(t *testing.T) {
		a := WindowedOperationID(7, models.OpConsultationDebit, "cons-1", window, base)
		b := WindowedOperationID(7, models.OpConsultationDebit, "cons-2", window, base)
		assert.NotEqual(t, a, b)
	})

	t.Run("timezone does not leak into the id", func(t *testing.T) {
		loc := time.FixedZone("UTC+5", 5*3600)
		a := WindowedOperationID(7, models.OpBonusAward, "", window, base)
		b := WindowedOperationID(7, models.OpBonusAward, "", window, base.In(loc))
		assert.Equal(t, a, b)
	})
}

func TestPaymentOperationID(t *testing.T) {
	assert.Equal(t, "pay_ext-123", PaymentOperationID("ext-123"))
	assert.Equal(t, PaymentOperationID("a"), PaymentOperationID("a"))
	assert.NotEqual(t, PaymentOperationID("a"), PaymentOperationID("b"))
}
