package threat

import (
	"math"
	"slices"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/1sec-project/secengine/internal/core"
)

const (
	maxPaymentSamples   = 50
	maxTimestampSamples = 100
)

// BehaviorBaseline is what "normal" looks like for one user.
type BehaviorBaseline struct {
	UserID           string      `json:"user_id"`
	CommonEventTypes []string    `json:"common_event_types"`
	PaymentAmounts   []float64   `json:"payment_amounts"`
	EventTimestamps  []time.Time `json:"event_timestamps"`
	EventCount       int         `json:"event_count"`
	FirstSeen        time.Time   `json:"first_seen"`
	LastSeen         time.Time   `json:"last_seen"`
}

func newBaseline(userID string, at time.Time) *BehaviorBaseline {
	return &BehaviorBaseline{UserID: userID, FirstSeen: at, LastSeen: at}
}

func (b *BehaviorBaseline) knowsType(t core.EventType) bool {
	return slices.Contains(b.CommonEventTypes, string(t))
}

func (b *BehaviorBaseline) update(e *core.SecurityEvent) {
	b.EventCount++
	b.LastSeen = e.Timestamp
	if !b.knowsType(e.Type) {
		b.CommonEventTypes = append(b.CommonEventTypes, string(e.Type))
	}
	if amount, ok := e.Amount(); ok && e.Type.IsPayment() {
		b.PaymentAmounts = appendBounded(b.PaymentAmounts, amount, maxPaymentSamples)
	}
	b.EventTimestamps = appendBounded(b.EventTimestamps, e.Timestamp, maxTimestampSamples)
}

// amountDeviation returns how many standard deviations amount sits from the
// sample mean. ok is false below minSamples.
func (b *BehaviorBaseline) amountDeviation(amount float64, minSamples int) (float64, bool) {
	if len(b.PaymentAmounts) < minSamples {
		return 0, false
	}
	mean, std := stat.MeanStdDev(b.PaymentAmounts, nil)
	diff := math.Abs(amount - mean)
	if std == 0 {
		if diff == 0 {
			return 0, true
		}
		return math.Inf(1), true
	}
	return diff / std, true
}

func (b *BehaviorBaseline) clone() *BehaviorBaseline {
	out := *b
	out.CommonEventTypes = slices.Clone(b.CommonEventTypes)
	out.PaymentAmounts = slices.Clone(b.PaymentAmounts)
	out.EventTimestamps = slices.Clone(b.EventTimestamps)
	return &out
}

func appendBounded[T any](s []T, v T, limit int) []T {
	s = append(s, v)
	if over := len(s) - limit; over > 0 {
		s = append(s[:0], s[over:]...)
	}
	return s
}
