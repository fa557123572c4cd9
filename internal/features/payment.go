package features

import (
	"math"
	"strings"
	"time"

	"github.com/opensource-finance/splitguard/internal/domain"
)

// HoursSinceSplitCreation is only emitted when the split's creation time is known.
const HoursSinceSplitCreation = "hours_since_split_creation"

// PaymentExtractor builds payment/v1 vectors.
type PaymentExtractor struct {
	// Now supplies the timestamp for payments that carry none.
	Now func() time.Time
}

// NewPaymentExtractor returns an extractor using the wall clock.
func NewPaymentExtractor() *PaymentExtractor {
	return &PaymentExtractor{Now: time.Now}
}

// Extract emits the payment/v1 features. Split-context features are zero without context.
func (e *PaymentExtractor) Extract(payment *domain.Payment, sc *domain.SplitContext) *Vector {
	v := NewVector(PaymentV1)

	amount := payment.Amount
	v.Set("payment_amount", amount)
	v.Set("log_payment_amount", math.Log1p(amount))
	v.Set("is_large_payment", boolf(amount > 1000))
	v.Set("is_small_payment", boolf(amount < 1))

	ts := payment.Timestamp
	if ts.IsZero() {
		if e.Now != nil {
			ts = e.Now()
		} else {
			ts = time.Now()
		}
	}
	ts = ts.UTC()
	setTimeFeatures(v, ts, "payment_")

	if sc != nil && sc.CreatedAt != nil {
		hours := ts.Sub(sc.CreatedAt.UTC()).Hours()
		v.Set(HoursSinceSplitCreation, hours)
		v.Set("is_immediate_payment", boolf(hours < 1))
		v.Set("is_delayed_payment", boolf(hours > 168))
	}

	asset := payment.Asset
	if asset == "" {
		asset = defaultCurrency
	}
	upper := strings.ToUpper(asset)
	v.Set("is_xlm_payment", boolf(asset == defaultCurrency))
	v.Set("is_usdc_payment", boolf(strings.Contains(upper, "USDC")))
	v.Set("is_stablecoin_payment", boolf(isStablecoin(upper)))

	if sc == nil {
		sc = &domain.SplitContext{}
	}
	var pct float64
	if sc.TotalAmount > 0 {
		pct = sc.AmountPaid / sc.TotalAmount * 100
	}
	v.Set("split_total_amount", sc.TotalAmount)
	v.Set("split_completion_pct", pct)
	v.Set("split_is_complete", boolf(pct >= 100))
	v.Set("split_is_partial", boolf(pct > 0 && pct < 100))
	v.Set("participant_count", float64(sc.ParticipantCount))

	return v
}
