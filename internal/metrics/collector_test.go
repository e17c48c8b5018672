package metrics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/1sec-project/secengine/internal/core"
	"github.com/1sec-project/secengine/internal/monitor"
)

type clock struct{ t time.Time }

func (c *clock) Now() time.Time { return c.t }

func newTestCollector(t *testing.T) (*Collector, *monitor.EventMonitor, *clock) {
	t.Helper()
	clk := &clock{t: time.Date(2026, 5, 10, 15, 30, 0, 0, time.UTC)}
	cfg := core.DefaultConfig()
	cfg.Monitor.MaxEvents = 5000
	mon := monitor.New(cfg.Monitor, zerolog.Nop(), monitor.WithClock(clk.Now))
	c := NewCollector(cfg.Metrics, mon, nil, zerolog.Nop())
	mon.Subscribe(c.RecordEvent)
	return c, mon, clk
}

func TestCollect_Counts(t *testing.T) {
	c, mon, _ := newTestCollector(t)
	mon.LogEvent(core.NewSecurityEvent(core.EventAuthFailure, "alice", core.SeverityLow))
	mon.LogEvent(core.NewSecurityEvent(core.EventAuthFailure, "bob", core.SeverityMedium))
	mon.LogEvent(core.NewSecurityEvent(core.EventDataDeletion, "alice", core.SeverityCritical))

	m := c.Collect(time.Hour)
	if m.TotalEvents != 3 {
		t.Fatalf("TotalEvents = %d, want 3", m.TotalEvents)
	}
	if m.EventsByType["auth_failure"] != 2 || m.EventsByUser["alice"] != 2 {
		t.Errorf("bad breakdown: %+v %+v", m.EventsByType, m.EventsByUser)
	}
	if m.CriticalEvents != 1 || m.EventsBySeverity["critical"] != 1 {
		t.Errorf("critical count wrong: %d", m.CriticalEvents)
	}
	if m.HourlyTrend[23] != 3 {
		t.Errorf("current hour bucket = %d, want 3", m.HourlyTrend[23])
	}
	if m.DailyTrend[6] != 3 {
		t.Errorf("today bucket = %d, want 3", m.DailyTrend[6])
	}
	// (1 + 2 + 4) * 25 / 3 = 58
	if m.RiskScore != 58 {
		t.Errorf("event-based risk score = %d, want 58", m.RiskScore)
	}
	if m.ComplianceScore != 100 {
		t.Errorf("ComplianceScore = %d, want 100", m.ComplianceScore)
	}
}

func TestCollect_UsesThreatRiskAndSources(t *testing.T) {
	c, _, _ := newTestCollector(t)
	c.SetRiskSource(func() []int { return []int{40, 80} })
	c.RegisterSummarySource("threats", func() map[string]int { return map[string]int{"active": 2} })
	c.RegisterSummarySource("broken", func() map[string]int { panic("boom") })
	c.SetComplianceSource(func() []core.ComplianceViolation {
		return []core.ComplianceViolation{{Framework: "gdpr"}, {Framework: "soc2"}}
	})

	m := c.Collect(24 * time.Hour)
	if m.RiskScore != 60 {
		t.Errorf("RiskScore = %d, want mean of threat scores 60", m.RiskScore)
	}
	if m.Summary["threats.active"] != 2 {
		t.Errorf("summary = %v", m.Summary)
	}
	if m.ComplianceScore != 90 {
		t.Errorf("ComplianceScore = %d, want 90", m.ComplianceScore)
	}
}

func TestComplianceScore_Floor(t *testing.T) {
	tests := map[int]int{0: 100, 1: 95, 10: 50, 20: 0, 50: 0}
	for v, want := range tests {
		if got := ComplianceScore(v); got != want {
			t.Errorf("ComplianceScore(%d) = %d, want %d", v, got, want)
		}
	}
}

// ─── Threat intel ───────────────────────────────────────────────────────────

func TestMatchThreatIntel(t *testing.T) {
	c, _, _ := newTestCollector(t)
	mustAdd := func(ti ThreatIntel) string {
		id, err := c.AddIntel(ti)
		if err != nil {
			t.Fatalf("AddIntel(%+v): %v", ti, err)
		}
		return id
	}
	mustAdd(ThreatIntel{Type: IntelIP, Value: "203.0.113.7", Severity: core.SeverityHigh, Confidence: 90})
	mustAdd(ThreatIntel{Type: IntelDomain, Value: "evil.example", Severity: core.SeverityMedium, Confidence: 70})
	mustAdd(ThreatIntel{Type: IntelUserPattern, Value: `^bot-\d+$`, Confidence: 50})
	behaviorID := mustAdd(ThreatIntel{Type: IntelBehavior, Value: "data_deletion", Confidence: 40})

	tests := []struct {
		name  string
		event *core.SecurityEvent
		want  int
	}{
		{"ip", core.NewSecurityEvent(core.EventAuthFailure, "x", core.SeverityLow).WithDetail("ip", "203.0.113.7"), 1},
		{"ip nested", core.NewSecurityEvent(core.EventAuthFailure, "x", core.SeverityLow).WithDetail("req", map[string]interface{}{"from": "203.0.113.7"}), 1},
		{"subdomain", core.NewSecurityEvent(core.EventCSPViolation, "", core.SeverityLow).WithDetail("domain", "cdn.evil.example"), 1},
		{"user pattern", core.NewSecurityEvent(core.EventAuthSuccess, "bot-42", core.SeverityLow), 1},
		{"behavior", core.NewSecurityEvent(core.EventDataDeletion, "alice", core.SeverityLow), 1},
		{"clean", core.NewSecurityEvent(core.EventAuthSuccess, "alice", core.SeverityLow).WithDetail("ip", "10.0.0.1"), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := c.MatchThreatIntel(tt.event); len(got) != tt.want {
				t.Errorf("got %d matches, want %d: %+v", len(got), tt.want, got)
			}
		})
	}

	if err := c.RemoveIntel(behaviorID); err != nil {
		t.Fatalf("RemoveIntel: %v", err)
	}
	if got := c.MatchThreatIntel(core.NewSecurityEvent(core.EventDataDeletion, "alice", core.SeverityLow)); len(got) != 0 {
		t.Error("removed indicator still matches")
	}
	if err := c.RemoveIntel("nope"); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestAddIntel_Invalid(t *testing.T) {
	c, _, _ := newTestCollector(t)
	bad := []ThreatIntel{
		{Type: "hash", Value: "abc"},
		{Type: IntelIP, Value: ""},
		{Type: IntelUserPattern, Value: "(unclosed"},
		{Type: IntelIP, Value: "1.2.3.4", Confidence: 150},
	}
	for _, ti := range bad {
		if _, err := c.AddIntel(ti); err == nil {
			t.Errorf("AddIntel(%+v) should fail", ti)
		}
	}
	if len(c.Intel()) != 0 {
		t.Error("invalid intel must not be stored")
	}
}

// ─── Reports ────────────────────────────────────────────────────────────────

func TestGenerateReport_Findings(t *testing.T) {
	c, mon, _ := newTestCollector(t)

	report, err := c.GenerateReport(PeriodDaily)
	if err != nil {
		t.Fatalf("GenerateReport: %v", err)
	}
	if len(report.Findings) != 0 {
		t.Errorf("quiet period should have no findings, got %+v", report.Findings)
	}
	if len(report.Recommendations) == 0 {
		t.Error("report should always carry recommendations")
	}

	for i := 0; i < 1001; i++ {
		mon.LogEvent(core.NewSecurityEvent(core.EventAuthSuccess, "u", core.SeverityLow))
	}
	mon.LogEvent(core.NewSecurityEvent(core.EventDataDeletion, "u", core.SeverityCritical))
	c.SetRiskSource(func() []int { return []int{75} })
	c.SetComplianceSource(func() []core.ComplianceViolation { return []core.ComplianceViolation{{Framework: "pci_dss"}} })

	report, err = c.GenerateReport(PeriodWeekly)
	if err != nil {
		t.Fatalf("GenerateReport: %v", err)
	}
	got := map[string]bool{}
	for _, f := range report.Findings {
		got[f.Category] = true
	}
	for _, want := range []string{"volume", "critical_events", "risk", "compliance"} {
		if !got[want] {
			t.Errorf("missing %s finding: %+v", want, report.Findings)
		}
	}

	if _, err := c.GenerateReport("hourly"); err == nil {
		t.Error("unknown period should fail")
	}
	if reports := c.Reports(); len(reports) != 2 || reports[0].Period != PeriodWeekly {
		t.Errorf("Reports() should list newest first, got %d", len(reports))
	}
}

func TestReportRetention(t *testing.T) {
	c, _, _ := newTestCollector(t)
	c.cfg.ReportRetention = 3
	for i := 0; i < 5; i++ {
		if _, err := c.GenerateReport(PeriodDaily); err != nil {
			t.Fatal(err)
		}
	}
	if n := len(c.Reports()); n != 3 {
		t.Errorf("kept %d reports, want 3", n)
	}
}

func TestPersistAndLoad(t *testing.T) {
	store := core.NewMemoryStore()
	w := core.NewSnapshotWriter(store, zerolog.Nop())
	c, mon, clk := newTestCollector(t)
	c.writer = w

	if _, err := c.AddIntel(ThreatIntel{Type: IntelUserPattern, Value: "^mallory$", Confidence: 80}); err != nil {
		t.Fatal(err)
	}
	mon.LogEvent(core.NewSecurityEvent(core.EventAuthFailure, "mallory", core.SeverityLow))
	if _, err := c.GenerateReport(PeriodDaily); err != nil {
		t.Fatal(err)
	}
	if err := w.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}

	mon2 := monitor.New(core.DefaultConfig().Monitor, zerolog.Nop(), monitor.WithClock(clk.Now))
	c2 := NewCollector(core.DefaultConfig().Metrics, mon2, nil, zerolog.Nop())
	if err := c2.Load(context.Background(), store); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(c2.Intel()) != 1 || len(c2.Reports()) != 1 {
		t.Fatalf("restored intel=%d reports=%d", len(c2.Intel()), len(c2.Reports()))
	}
	if got := c2.MatchThreatIntel(core.NewSecurityEvent(core.EventAuthSuccess, "mallory", core.SeverityLow)); len(got) != 1 {
		t.Error("restored user pattern should be recompiled and match")
	}
	if m := c2.Collect(48 * time.Hour); m.DailyTrend[6] != 1 {
		t.Errorf("restored daily counter = %d, want 1", m.DailyTrend[6])
	}
}
