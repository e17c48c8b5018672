package metrics

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/1sec-project/secengine/internal/core"
)

// ReportPeriod is the span a report covers.
type ReportPeriod string

const (
	PeriodDaily   ReportPeriod = "daily"
	PeriodWeekly  ReportPeriod = "weekly"
	PeriodMonthly ReportPeriod = "monthly"
)

// Duration returns the window length for the period.
func (p ReportPeriod) Duration() (time.Duration, error) {
	switch p {
	case PeriodDaily, "":
		return 24 * time.Hour, nil
	case PeriodWeekly:
		return 7 * 24 * time.Hour, nil
	case PeriodMonthly:
		return 30 * 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("unknown report period %q", p)
	}
}

// SecurityFinding is one noteworthy observation in a report.
type SecurityFinding struct {
	ID          string        `json:"id"`
	Category    string        `json:"category"`
	Severity    core.Severity `json:"severity"`
	Title       string        `json:"title"`
	Description string        `json:"description"`
}

// SecurityReport is a periodic summary with findings and recommendations.
type SecurityReport struct {
	ID              string            `json:"id"`
	Period          ReportPeriod      `json:"period"`
	From            time.Time         `json:"from"`
	To              time.Time         `json:"to"`
	GeneratedAt     time.Time         `json:"generated_at"`
	Metrics         *SecurityMetrics  `json:"metrics"`
	Findings        []SecurityFinding `json:"findings"`
	Recommendations []string          `json:"recommendations"`
}

// GenerateReport collects metrics for the period, derives findings and
// recommendations, and keeps the report.
func (c *Collector) GenerateReport(period ReportPeriod) (*SecurityReport, error) {
	window, err := period.Duration()
	if err != nil {
		return nil, err
	}
	if period == "" {
		period = PeriodDaily
	}

	m := c.Collect(window)
	report := &SecurityReport{
		ID:          uuid.New().String(),
		Period:      period,
		From:        m.GeneratedAt.Add(-window),
		To:          m.GeneratedAt,
		GeneratedAt: m.GeneratedAt,
		Metrics:     m,
	}
	report.Findings = c.findings(m)
	report.Recommendations = recommendations(report.Findings)

	c.mu.Lock()
	c.reports = append(c.reports, report)
	if over := len(c.reports) - c.cfg.ReportRetention; over > 0 {
		c.reports = append([]*SecurityReport(nil), c.reports[over:]...)
	}
	state := c.snapshotLocked()
	c.mu.Unlock()
	c.persist(state)

	c.logger.Info().
		Str("report_id", report.ID).
		Str("period", string(period)).
		Int("findings", len(report.Findings)).
		Int("risk_score", m.RiskScore).
		Msg("security report generated")
	return report, nil
}

// Reports returns kept reports, newest first.
func (c *Collector) Reports() []*SecurityReport {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*SecurityReport, len(c.reports))
	for i, r := range c.reports {
		out[len(c.reports)-1-i] = r
	}
	return out
}

func (c *Collector) findings(m *SecurityMetrics) []SecurityFinding {
	var out []SecurityFinding
	add := func(category string, sev core.Severity, title, desc string) {
		out = append(out, SecurityFinding{
			ID:          uuid.New().String(),
			Category:    category,
			Severity:    sev,
			Title:       title,
			Description: desc,
		})
	}

	if m.TotalEvents > c.cfg.VolumeThreshold {
		add("volume", core.SeverityMedium, "High security event volume",
			fmt.Sprintf("%d security events in the period, above the %d threshold", m.TotalEvents, c.cfg.VolumeThreshold))
	}
	if m.CriticalEvents > 0 {
		add("critical_events", core.SeverityCritical, "Critical security events recorded",
			fmt.Sprintf("%d critical events in the period", m.CriticalEvents))
	}
	if m.RiskScore > c.cfg.RiskThreshold {
		sev := core.SeverityHigh
		if m.RiskScore >= 80 {
			sev = core.SeverityCritical
		}
		add("risk", sev, "Elevated risk score",
			fmt.Sprintf("aggregate risk score %d exceeds %d", m.RiskScore, c.cfg.RiskThreshold))
	}
	if n := len(m.Violations); n > 0 {
		frameworks := map[string]bool{}
		for _, v := range m.Violations {
			frameworks[v.Framework] = true
		}
		names := make([]string, 0, len(frameworks))
		for f := range frameworks {
			names = append(names, f)
		}
		sort.Strings(names)
		add("compliance", core.SeverityHigh, "Compliance violations",
			fmt.Sprintf("%d violations across %v, compliance score %d", n, names, m.ComplianceScore))
	}
	return out
}

func recommendations(findings []SecurityFinding) []string {
	var recs []string
	for _, f := range findings {
		switch f.Category {
		case "volume":
			recs = append(recs,
				"Review the top event types and users for automated abuse",
				"Tighten rate limits on the noisiest operations")
		case "critical_events":
			recs = append(recs,
				"Investigate every critical event and link it to an incident",
				"Verify forensic evidence integrity for affected sessions")
		case "risk":
			recs = append(recs,
				"Triage active threats with the highest risk scores first",
				"Consider blocking users tied to multiple active threats")
		case "compliance":
			recs = append(recs, "Adjust retention and response settings to clear compliance violations")
		}
	}
	if len(recs) == 0 {
		recs = append(recs, "No action required: keep monitoring rule coverage and baselines")
	}
	return recs
}
