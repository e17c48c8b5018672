package threat

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/1sec-project/secengine/internal/core"
)

// sequencePattern matches when the steps occur in order within one user's
// batch. A step with Min > 1 needs that many events of its type before the
// next step can match.
type sequencePattern struct {
	Name       string
	Severity   core.Severity
	Confidence int
	Steps      []sequenceStep
}

type sequenceStep struct {
	Type core.EventType
	Min  int
}

var batchPatterns = []sequencePattern{
	{
		Name: "potential_insider_threat", Severity: core.SeverityHigh, Confidence: 75,
		Steps: []sequenceStep{
			{Type: core.EventAuthSuccess, Min: 1},
			{Type: core.EventPermissionDenied, Min: 1},
			{Type: core.EventDataExport, Min: 1},
		},
	},
	{
		Name: "payment_fraud_pattern", Severity: core.SeverityHigh, Confidence: 80,
		Steps: []sequenceStep{
			{Type: core.EventPaymentFailed, Min: 4},
			{Type: core.EventPaymentSuccess, Min: 1},
		},
	},
	{
		Name: "account_takeover", Severity: core.SeverityHigh, Confidence: 70,
		Steps: []sequenceStep{
			{Type: core.EventAuthFailure, Min: 3},
			{Type: core.EventAuthSuccess, Min: 1},
		},
	},
}

// match returns the events that satisfied the sequence, or nil.
func (p sequencePattern) match(events []*core.SecurityEvent) []*core.SecurityEvent {
	var hits []*core.SecurityEvent
	step, count := 0, 0
	for _, e := range events {
		if e.Type != p.Steps[step].Type {
			continue
		}
		hits = append(hits, e)
		count++
		if count >= p.Steps[step].Min {
			step++
			count = 0
			if step == len(p.Steps) {
				return hits
			}
		}
	}
	return nil
}

// AnalyzeBatch looks for multi-event patterns in the newest buffered events
// and for event types whose volume is a statistical outlier. It returns the
// threats it opened. The host calls it on a ticker.
func (en *Engine) AnalyzeBatch() []*DetectedThreat {
	en.mu.Lock()
	var created []*DetectedThreat

	byUser := make(map[string][]*core.SecurityEvent)
	for _, e := range en.buffer.last(en.cfg.PatternBatchSize) {
		if e.UserID != "" {
			byUser[e.UserID] = append(byUser[e.UserID], e)
		}
	}
	users := make([]string, 0, len(byUser))
	for u := range byUser {
		users = append(users, u)
	}
	sort.Strings(users)

	for _, user := range users {
		for _, p := range batchPatterns {
			key := "pattern:" + p.Name + ":" + user
			if en.openThreatLocked(key) != nil {
				continue
			}
			hits := p.match(byUser[user])
			if hits == nil {
				continue
			}
			created = append(created, en.raiseLocked(&DetectedThreat{
				ThreatType:  p.Name,
				Source:      SourcePattern,
				Severity:    p.Severity,
				Confidence:  p.Confidence,
				UserID:      user,
				Description: fmt.Sprintf("event sequence for %s matched %s", user, p.Name),
				Key:         key,
			}, hits))
		}
	}

	created = append(created, en.statisticalLocked()...)
	out, handlers, state := en.finishLocked(created)
	en.mu.Unlock()

	en.dispatch(handlers, out)
	if len(out) > 0 {
		en.persist(state)
	}
	return out
}

// statisticalLocked computes a z-score for each event type's count in the
// statistical window and raises a threat for outliers.
func (en *Engine) statisticalLocked() []*DetectedThreat {
	events := en.buffer.last(en.cfg.StatisticalWindow)
	counts := make(map[core.EventType]int)
	for _, e := range events {
		counts[e.Type]++
	}
	if len(counts) < 3 {
		return nil
	}

	types := make([]core.EventType, 0, len(counts))
	for t := range counts {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	values := make([]float64, len(types))
	for i, t := range types {
		values[i] = float64(counts[t])
	}
	mean, std := stat.MeanStdDev(values, nil)
	if std == 0 {
		return nil
	}

	var out []*DetectedThreat
	for i, t := range types {
		z := stat.StdScore(values[i], mean, std)
		if math.Abs(z) <= en.cfg.ZScoreThreshold {
			continue
		}
		key := "statistical:" + string(t)
		if en.openThreatLocked(key) != nil {
			continue
		}
		severity := core.SeverityMedium
		if math.Abs(z) > en.cfg.ZScoreHigh {
			severity = core.SeverityHigh
		}

		var sample []*core.SecurityEvent
		for j := len(events) - 1; j >= 0 && len(sample) < 10; j-- {
			if events[j].Type == t {
				sample = append(sample, events[j])
			}
		}
		out = append(out, en.raiseLocked(&DetectedThreat{
			ThreatType:  "statistical_anomaly",
			Source:      SourceStatistical,
			Severity:    severity,
			Confidence:  int(math.Min(math.Abs(z)*20, 90)),
			Description: fmt.Sprintf("%s volume is %.1f standard deviations from the mean", t, z),
			Details: map[string]interface{}{
				"event_type": string(t),
				"count":      counts[t],
				"mean":       mean,
				"std_dev":    std,
				"z_score":    z,
			},
			Key: key,
		}, sample))
	}
	return out
}
