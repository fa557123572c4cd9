package features

import (
	"math"
	"strings"
	"time"

	"github.com/opensource-finance/splitguard/internal/domain"
)

// SplitFeatureNames lists the split/v1 columns in emission order.
var SplitFeatureNames = []string{
	"total_amount", "amount_per_participant", "log_total_amount", "is_large_amount", "is_small_amount",
	"hour_of_day", "day_of_week", "is_weekend", "is_night", "is_business_hours", "is_late_night",
	"participant_count", "log_participant_count", "is_single_participant", "is_large_group",
	"amount_variance", "amount_range",
	"item_count", "has_items", "avg_item_amount", "item_variance", "items_per_participant",
	"is_xlm", "is_usdc", "is_eurc", "is_stablecoin",
	"user_total_splits", "user_completion_rate", "user_avg_amount", "user_account_age_days",
	"is_new_user", "is_active_user", "is_trusted_user",
	"unique_wallet_count", "recent_splits_count", "is_rapid_creation", "has_circular_pattern",
}

const defaultCurrency = "XLM"

var stablecoins = []string{"USDC", "EURC", "USDT"}

// SplitExtractor builds split/v1 vectors.
type SplitExtractor struct {
	// Now supplies the reference time for account age and missing timestamps.
	Now func() time.Time
}

// NewSplitExtractor returns an extractor using the wall clock.
func NewSplitExtractor() *SplitExtractor {
	return &SplitExtractor{Now: time.Now}
}

func (e *SplitExtractor) now() time.Time {
	if e.Now == nil {
		return time.Now().UTC()
	}
	return e.Now().UTC()
}

// Extract emits every split/v1 feature. Missing history or network context yields zeros.
func (e *SplitExtractor) Extract(split *domain.Split, history *domain.UserHistory, network *domain.NetworkPatterns) *Vector {
	v := NewVector(SplitV1)

	// amount
	count := split.ParticipantCount
	total := split.TotalAmount
	v.Set("total_amount", total)
	v.Set("amount_per_participant", total/float64(max(count, 1)))
	v.Set("log_total_amount", math.Log1p(total))
	v.Set("is_large_amount", boolf(total > 1000))
	v.Set("is_small_amount", boolf(total < 10))

	// time
	created := split.CreatedAt
	if created.IsZero() {
		created = e.now()
	}
	setTimeFeatures(v, created.UTC(), "")
	hour := created.UTC().Hour()
	v.Set("is_business_hours", boolf(hour >= 9 && hour <= 17))
	v.Set("is_late_night", boolf(hour < 5))

	// participants
	owed := make([]float64, 0, len(split.Participants))
	for _, p := range split.Participants {
		owed = append(owed, p.AmountOwed)
	}
	v.Set("participant_count", float64(count))
	v.Set("log_participant_count", math.Log1p(float64(count)))
	v.Set("is_single_participant", boolf(count == 1))
	v.Set("is_large_group", boolf(count > 10))
	v.Set("amount_variance", variance(owed))
	v.Set("amount_range", spread(owed))

	// items
	amounts := make([]float64, 0, len(split.Items))
	for _, it := range split.Items {
		amounts = append(amounts, it.Amount)
	}
	v.Set("item_count", float64(len(amounts)))
	v.Set("has_items", boolf(len(amounts) > 0))
	v.Set("avg_item_amount", mean(amounts))
	v.Set("item_variance", variance(amounts))
	v.Set("items_per_participant", float64(len(amounts))/float64(max(count, 1)))

	// currency
	currency := split.PreferredCurrency
	if currency == "" {
		currency = defaultCurrency
	}
	upper := strings.ToUpper(currency)
	v.Set("is_xlm", boolf(currency == defaultCurrency))
	v.Set("is_usdc", boolf(strings.Contains(upper, "USDC")))
	v.Set("is_eurc", boolf(strings.Contains(upper, "EURC")))
	v.Set("is_stablecoin", boolf(isStablecoin(upper)))

	e.setUserFeatures(v, history)
	setNetworkFeatures(v, network)

	return v
}

func (e *SplitExtractor) setUserFeatures(v *Vector, h *domain.UserHistory) {
	if h == nil {
		for _, name := range []string{
			"user_total_splits", "user_completion_rate", "user_avg_amount", "user_account_age_days",
			"is_new_user", "is_active_user", "is_trusted_user",
		} {
			v.Set(name, 0)
		}
		return
	}

	var ageDays float64
	if h.FirstSplitAt != nil {
		ageDays = math.Floor(e.now().Sub(h.FirstSplitAt.UTC()).Hours() / 24)
	}
	rate := float64(h.CompletedSplits) / float64(max(h.TotalSplits, 1))

	v.Set("user_total_splits", float64(h.TotalSplits))
	v.Set("user_completion_rate", rate)
	v.Set("user_avg_amount", h.AvgAmount)
	v.Set("user_account_age_days", ageDays)
	v.Set("is_new_user", boolf(ageDays < 7))
	v.Set("is_active_user", boolf(h.TotalSplits > 10))
	v.Set("is_trusted_user", boolf(rate > 0.9 && h.TotalSplits > 5))
}

func setNetworkFeatures(v *Vector, n *domain.NetworkPatterns) {
	if n == nil {
		n = &domain.NetworkPatterns{}
	}
	v.Set("unique_wallet_count", float64(n.UniqueWalletCount))
	v.Set("recent_splits_count", float64(n.RecentSplitsCount))
	v.Set("is_rapid_creation", boolf(n.IsRapidCreation))
	v.Set("has_circular_pattern", boolf(n.HasCircularPattern))
}

// setTimeFeatures writes hour, weekday, weekend and night features with an optional name prefix.
// Weekdays count from Monday=0.
func setTimeFeatures(v *Vector, t time.Time, prefix string) {
	hour := t.Hour()
	weekday := (int(t.Weekday()) + 6) % 7
	if prefix == "" {
		v.Set("hour_of_day", float64(hour))
		v.Set("day_of_week", float64(weekday))
	} else {
		v.Set(prefix+"hour", float64(hour))
		v.Set(prefix+"day_of_week", float64(weekday))
	}
	v.Set(prefix+"is_weekend", boolf(weekday >= 5))
	v.Set(prefix+"is_night", boolf(hour < 6 || hour > 22))
}

func isStablecoin(upper string) bool {
	for _, s := range stablecoins {
		if strings.Contains(upper, s) {
			return true
		}
	}
	return false
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// variance is the population variance; fewer than two values yield 0.
func variance(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	m := mean(xs)
	var ss float64
	for _, x := range xs {
		ss += (x - m) * (x - m)
	}
	return ss / float64(len(xs))
}

func spread(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	lo, hi := xs[0], xs[0]
	for _, x := range xs[1:] {
		lo = min(lo, x)
		hi = max(hi, x)
	}
	return hi - lo
}
