package threat

import "github.com/1sec-project/secengine/internal/core"

var severityBase = map[core.Severity]int{
	core.SeverityLow:      20,
	core.SeverityMedium:   40,
	core.SeverityHigh:     70,
	core.SeverityCritical: 90,
}

// RiskScore combines threat severity and confidence with the volume and mean
// severity of the matched events. The result is clamped to [0,100].
func RiskScore(severity core.Severity, confidence int, events []*core.SecurityEvent) int {
	confidence = clamp(confidence, 0, 100)
	score := float64(severityBase[severity]*confidence) / 100
	score += float64(min(len(events)*5, 30))

	if len(events) > 0 {
		sum := 0
		for _, e := range events {
			sum += e.Severity.Score()
		}
		score += float64(sum) / float64(len(events)) * 5
	}
	return clamp(int(score), 0, 100)
}

func clamp(v, lo, hi int) int {
	return min(max(v, lo), hi)
}
