package threat

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/1sec-project/secengine/internal/core"
	"github.com/1sec-project/secengine/internal/metrics"
	"github.com/1sec-project/secengine/internal/monitor"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

type fixture struct {
	engine *Engine
	clock  *fakeClock
}

func newFixture(t *testing.T, intel IntelMatcher, writer *core.SnapshotWriter) *fixture {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	mon := monitor.New(core.DefaultConfig().Monitor, zerolog.Nop(), monitor.WithClock(clock.Now))
	return &fixture{
		engine: New(core.DefaultConfig().Threat, mon, intel, writer, zerolog.Nop()),
		clock:  clock,
	}
}

// send stamps the event at the fixture clock, advances it and processes it.
func (f *fixture) send(typ core.EventType, user string, sev core.Severity, details map[string]interface{}) []*DetectedThreat {
	e := core.NewSecurityEvent(typ, user, sev)
	e.Timestamp = f.clock.Now()
	for k, v := range details {
		e.Details[k] = v
	}
	f.clock.Advance(time.Second)
	return f.engine.ProcessSecurityEvent(e)
}

func countType(threats []*DetectedThreat, threatType string) int {
	n := 0
	for _, t := range threats {
		if t.ThreatType == threatType {
			n++
		}
	}
	return n
}

// ─── Rules ──────────────────────────────────────────────────────────────────

func TestRuleThreshold(t *testing.T) {
	f := newFixture(t, nil, nil)
	rule := Rule{
		ID: "failures", Name: "Failures", ThreatType: "brute_force", Enabled: true,
		Confidence: 80, Severity: core.SeverityHigh,
		Conditions: []core.Condition{typeIs(core.EventAuthFailure)},
		TimeWindow: 5 * time.Minute, Threshold: 5,
	}
	if errs := f.engine.SetRules([]Rule{rule}); len(errs) != 0 {
		t.Fatalf("SetRules: %v", errs)
	}

	for i := 0; i < 4; i++ {
		if got := f.send(core.EventAuthFailure, "alice", core.SeverityMedium, nil); len(got) != 0 {
			t.Fatalf("event %d opened a threat below threshold", i+1)
		}
	}
	// Other users do not count toward alice's threshold.
	f.send(core.EventAuthFailure, "bob", core.SeverityMedium, nil)
	if n := len(f.engine.GetActiveThreats()); n != 0 {
		t.Fatalf("active threats at T-1 = %d, want 0", n)
	}

	got := f.send(core.EventAuthFailure, "alice", core.SeverityMedium, nil)
	if len(got) != 1 {
		t.Fatalf("threats at T = %d, want 1", len(got))
	}
	th := got[0]
	if th.RuleID != "failures" || th.UserID != "alice" || th.Status != StatusActive {
		t.Errorf("unexpected threat: %+v", th)
	}
	if len(th.Events) != 5 {
		t.Errorf("threat events = %d, want 5", len(th.Events))
	}

	if got := f.send(core.EventAuthFailure, "alice", core.SeverityMedium, nil); len(got) != 0 {
		t.Fatal("a further match must extend the open threat")
	}
	active := f.engine.GetActiveThreats()
	if len(active) != 1 || len(active[0].Events) != 6 || active[0].EventCount != 6 {
		t.Fatalf("open threat should have grown to 6 events: %+v", active)
	}
}

func TestRuleWindowExcludesOldEvents(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.engine.SetRules([]Rule{{
		ID: "r", Name: "r", ThreatType: "x", Enabled: true, Confidence: 50, Severity: core.SeverityLow,
		Conditions: []core.Condition{typeIs(core.EventPermissionDenied)},
		TimeWindow: time.Minute, Threshold: 3,
	}})

	f.send(core.EventPermissionDenied, "alice", core.SeverityLow, nil)
	f.send(core.EventPermissionDenied, "alice", core.SeverityLow, nil)
	f.clock.Advance(2 * time.Minute)
	if got := f.send(core.EventPermissionDenied, "alice", core.SeverityLow, nil); len(got) != 0 {
		t.Fatal("events outside the window must not count")
	}
	f.send(core.EventPermissionDenied, "alice", core.SeverityLow, nil)
	if got := f.send(core.EventPermissionDenied, "alice", core.SeverityLow, nil); len(got) != 1 {
		t.Fatal("three events inside the window should fire")
	}
}

func TestRuleConditionsOnDetails(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.engine.SetRules([]Rule{{
		ID: "exports", Name: "Exports", ThreatType: "data_exfiltration", Enabled: true,
		Confidence: 75, Severity: core.SeverityHigh,
		Conditions: []core.Condition{
			typeIs(core.EventDataExport),
			{Field: "details.rows", Operator: core.OpGreaterThan, Value: 1000},
		},
		TimeWindow: time.Hour, Threshold: 2,
	}})

	f.send(core.EventDataExport, "carol", core.SeverityMedium, map[string]interface{}{"rows": 10})
	f.send(core.EventDataExport, "carol", core.SeverityMedium, map[string]interface{}{"rows": 5000})
	if n := len(f.engine.GetActiveThreats()); n != 0 {
		t.Fatalf("small export must not count, got %d threats", n)
	}
	if got := f.send(core.EventDataExport, "carol", core.SeverityMedium, map[string]interface{}{"rows": 9000}); len(got) != 1 {
		t.Fatal("second large export should fire")
	}
}

func TestSetRules_SkipsInvalid(t *testing.T) {
	f := newFixture(t, nil, nil)
	good := Rule{
		ID: "good", Name: "Good", ThreatType: "x", Enabled: true, Confidence: 50, Severity: core.SeverityLow,
		Conditions: []core.Condition{typeIs(core.EventAuthFailure)},
		TimeWindow: time.Minute, Threshold: 1,
	}
	badRegex := good
	badRegex.ID = "bad-regex"
	badRegex.Conditions = []core.Condition{{Field: "userId", Operator: core.OpRegex, Value: "([a-z"}}
	badPath := good
	badPath.ID = "bad-path"
	badPath.Conditions = []core.Condition{{Field: "payload.amount", Operator: core.OpExists}}
	noConditions := good
	noConditions.ID = "empty"
	noConditions.Conditions = nil

	errs := f.engine.SetRules([]Rule{good, badRegex, badPath, noConditions, good})
	if len(errs) != 4 {
		t.Fatalf("errors = %d, want 4 (%v)", len(errs), errs)
	}
	for _, err := range errs {
		var verr *core.ValidationError
		if !errors.As(err, &verr) {
			t.Errorf("error %v is not a ValidationError", err)
		}
	}
	if rules := f.engine.Rules(); len(rules) != 1 || rules[0].ID != "good" {
		t.Fatalf("rules = %+v, want only good", rules)
	}
}

func TestRuleCRUD(t *testing.T) {
	f := newFixture(t, nil, nil)
	before := len(f.engine.Rules())
	if before != len(DefaultRules()) {
		t.Fatalf("default rules = %d, want %d", before, len(DefaultRules()))
	}
	r := DefaultRules()[0]
	if err := f.engine.AddRule(r); err == nil {
		t.Error("duplicate ID should be rejected")
	}
	r.ID = "custom"
	if err := f.engine.AddRule(r); err != nil {
		t.Fatalf("AddRule: %v", err)
	}
	if err := f.engine.RemoveRule("custom"); err != nil {
		t.Fatalf("RemoveRule: %v", err)
	}
	if err := f.engine.RemoveRule("custom"); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("second remove = %v, want ErrNotFound", err)
	}
}

func TestLoadRules(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	content := `rules:
  - id: odd_hours_export
    name: Export by service account
    threat_type: data_exfiltration
    enabled: true
    confidence: 70
    severity: high
    time_window: 10m
    threshold: 2
    conditions:
      - field: type
        operator: equals
        value: data_export
      - field: userId
        operator: regex
        value: "^svc-"
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	rules, err := LoadRules(path)
	if err != nil {
		t.Fatalf("LoadRules: %v", err)
	}
	if len(rules) != 1 {
		t.Fatalf("rules = %d, want 1", len(rules))
	}
	r := rules[0]
	if r.Severity != core.SeverityHigh || r.TimeWindow != 10*time.Minute || r.Threshold != 2 {
		t.Errorf("decoded rule = %+v", r)
	}

	f := newFixture(t, nil, nil)
	if errs := f.engine.SetRules(rules); len(errs) != 0 {
		t.Fatalf("SetRules: %v", errs)
	}
	f.send(core.EventDataExport, "alice", core.SeverityLow, nil)
	f.send(core.EventDataExport, "alice", core.SeverityLow, nil)
	if len(f.engine.GetActiveThreats()) != 0 {
		t.Fatal("regex condition should exclude alice")
	}
	f.send(core.EventDataExport, "svc-etl", core.SeverityLow, nil)
	if got := f.send(core.EventDataExport, "svc-etl", core.SeverityLow, nil); len(got) != 1 {
		t.Fatal("service account exports should fire")
	}
}

// ─── Risk ───────────────────────────────────────────────────────────────────

func TestLoadRules_UnknownSeveritySkipsRule(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	content := `rules:
  - id: typo
    name: Misspelled severity
    threat_type: data_exfiltration
    enabled: true
    confidence: 70
    severity: hgih
    time_window: 1m
    threshold: 1
    conditions:
      - field: type
        operator: equals
        value: data_export
  - id: fine
    name: Deletions
    threat_type: data_destruction
    enabled: true
    confidence: 70
    severity: high
    time_window: 1m
    threshold: 1
    conditions:
      - field: type
        operator: equals
        value: data_deletion
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	rules, err := LoadRules(path)
	if err != nil {
		t.Fatalf("LoadRules: %v", err)
	}

	f := newFixture(t, nil, nil)
	errs := f.engine.SetRules(rules)
	var verr *core.ValidationError
	if len(errs) != 1 || !errors.As(errs[0], &verr) {
		t.Fatalf("SetRules errors = %v, want one ValidationError", errs)
	}
	if got := f.engine.Rules(); len(got) != 1 || got[0].ID != "fine" {
		t.Errorf("rules = %+v, want only fine", got)
	}
}

func TestRiskScore(t *testing.T) {
	events := func(n int, sev core.Severity) []*core.SecurityEvent {
		out := make([]*core.SecurityEvent, n)
		for i := range out {
			out[i] = core.NewSecurityEvent(core.EventAuthFailure, "u", sev)
		}
		return out
	}

	// 70*80/100 + 25 + 3*5
	if got := RiskScore(core.SeverityHigh, 80, events(5, core.SeverityHigh)); got != 96 {
		t.Errorf("RiskScore = %d, want 96", got)
	}
	if got := RiskScore(core.SeverityCritical, 100, events(20, core.SeverityCritical)); got != 100 {
		t.Errorf("RiskScore should clamp to 100, got %d", got)
	}
	if got := RiskScore(core.SeverityLow, -40, nil); got != 0 {
		t.Errorf("RiskScore with no events and negative confidence = %d, want 0", got)
	}

	sevs := []core.Severity{core.SeverityLow, core.SeverityMedium, core.SeverityHigh, core.SeverityCritical}
	for _, sev := range sevs {
		prev := -1
		for n := 0; n <= 12; n++ {
			got := RiskScore(sev, 60, events(n, sev))
			if got < prev {
				t.Errorf("%s: risk decreased from %d to %d at %d events", sev, prev, got, n)
			}
			prev = got
		}
	}
	for n := 1; n <= 8; n++ {
		prev := -1
		for _, sev := range sevs {
			got := RiskScore(sev, 60, events(n, sev))
			if got < prev {
				t.Errorf("%d events: risk decreased from %d to %d at %s", n, prev, got, sev)
			}
			prev = got
		}
	}
}

// ─── Anomalies ──────────────────────────────────────────────────────────────

func TestUnusualPaymentAmount(t *testing.T) {
	f := newFixture(t, nil, nil)
	for i := 0; i < 50; i++ {
		amount := 95.0
		if i%2 == 1 {
			amount = 105.0
		}
		if got := f.send(core.EventPaymentSuccess, "dave", core.SeverityLow, map[string]interface{}{"amount": amount}); len(got) != 0 {
			t.Fatalf("baseline payment %d raised %v", i, got[0].ThreatType)
		}
	}
	if got := f.send(core.EventPaymentSuccess, "dave", core.SeverityLow, map[string]interface{}{"amount": 104.0}); len(got) != 0 {
		t.Fatal("an amount inside 3 sigma must not raise")
	}

	got := f.send(core.EventPaymentSuccess, "dave", core.SeverityLow, map[string]interface{}{"amount": 1000.0})
	if len(got) != 1 {
		t.Fatalf("threats = %d, want 1", len(got))
	}
	th := got[0]
	if th.ThreatType != "unusual_payment_amount" {
		t.Errorf("type = %s, want unusual_payment_amount", th.ThreatType)
	}
	if th.Confidence != 60 || th.Severity != core.SeverityMedium {
		t.Errorf("confidence/severity = %d/%s, want 60/medium", th.Confidence, th.Severity)
	}
	if th.Source != SourceAnomaly || th.UserID != "dave" {
		t.Errorf("unexpected threat %+v", th)
	}
}

func TestNonFiniteAmountIgnored(t *testing.T) {
	writer := core.NewSnapshotWriter(core.NewMemoryStore(), zerolog.Nop())
	f := newFixture(t, nil, writer)
	for i := 0; i < 20; i++ {
		f.send(core.EventPaymentSuccess, "nora", core.SeverityLow, map[string]interface{}{"amount": 95.0 + float64(i%2)*10})
	}
	for _, bad := range []interface{}{"NaN", "Inf", "1e400"} {
		f.send(core.EventPaymentSuccess, "nora", core.SeverityLow, map[string]interface{}{"amount": bad})
	}
	b, _ := f.engine.Baseline("nora")
	if len(b.PaymentAmounts) != 20 {
		t.Errorf("payment samples = %d, want 20", len(b.PaymentAmounts))
	}
	if err := writer.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	got := f.send(core.EventPaymentSuccess, "nora", core.SeverityLow, map[string]interface{}{"amount": 1e6})
	if countType(got, "unusual_payment_amount") != 1 {
		t.Errorf("threats = %v, want one unusual_payment_amount", got)
	}
}

func TestUnusualPaymentAmount_NeedsSamples(t *testing.T) {
	f := newFixture(t, nil, nil)
	for i := 0; i < 5; i++ {
		f.send(core.EventPaymentSuccess, "erin", core.SeverityLow, map[string]interface{}{"amount": 10.0})
	}
	if got := f.send(core.EventPaymentSuccess, "erin", core.SeverityLow, map[string]interface{}{"amount": 5000.0}); len(got) != 0 {
		t.Fatal("too few samples for a payment anomaly")
	}
	b, ok := f.engine.Baseline("erin")
	if !ok || len(b.PaymentAmounts) != 6 || b.EventCount != 6 {
		t.Fatalf("baseline = %+v", b)
	}
}

func TestUnusualEventType(t *testing.T) {
	f := newFixture(t, nil, nil)
	for i := 0; i < 9; i++ {
		f.send(core.EventAuthSuccess, "frank", core.SeverityLow, nil)
	}
	if got := f.send(core.EventUncaughtError, "frank", core.SeverityLow, nil); len(got) != 0 {
		t.Fatal("baseline with 9 events is too young for type anomalies")
	}

	got := f.send(core.EventConfigChange, "frank", core.SeverityLow, nil)
	if countType(got, "unusual_event_type") != 1 {
		t.Fatalf("expected unusual_event_type, got %+v", got)
	}
	if got := f.send(core.EventConfigChange, "frank", core.SeverityLow, nil); len(got) != 0 {
		t.Fatal("a known type is not unusual")
	}
}

func TestBaselineBounds(t *testing.T) {
	f := newFixture(t, nil, nil)
	for i := 0; i < 120; i++ {
		f.send(core.EventPaymentAttempt, "gina", core.SeverityLow, map[string]interface{}{"amount": float64(i)})
	}
	b, _ := f.engine.Baseline("gina")
	if len(b.PaymentAmounts) != maxPaymentSamples || len(b.EventTimestamps) != maxTimestampSamples {
		t.Fatalf("baseline sizes = %d/%d", len(b.PaymentAmounts), len(b.EventTimestamps))
	}
	if b.PaymentAmounts[0] != 70 {
		t.Errorf("oldest kept amount = %v, want 70", b.PaymentAmounts[0])
	}
}

// ─── Intel ──────────────────────────────────────────────────────────────────

type stubIntel struct{ ip string }

func (s stubIntel) MatchThreatIntel(e *core.SecurityEvent) []metrics.IntelMatch {
	if e.IP() != s.ip {
		return nil
	}
	return []metrics.IntelMatch{{
		Intel: metrics.ThreatIntel{ID: "bad-ip", Type: metrics.IntelIP, Value: s.ip, Severity: core.SeverityCritical, Confidence: 95},
		Field: "ip",
	}}
}

func TestIntelMatchRaisesThreat(t *testing.T) {
	f := newFixture(t, stubIntel{ip: "203.0.113.7"}, nil)
	f.send(core.EventAuthSuccess, "hank", core.SeverityLow, map[string]interface{}{"ip": "198.51.100.1"})

	got := f.send(core.EventAuthSuccess, "hank", core.SeverityLow, map[string]interface{}{"ip": "203.0.113.7"})
	if countType(got, "threat_intel_match") != 1 {
		t.Fatalf("expected intel threat, got %+v", got)
	}
	th := got[0]
	if th.Severity != core.SeverityCritical || th.Confidence != 95 || th.Details["intel_id"] != "bad-ip" {
		t.Errorf("unexpected intel threat %+v", th)
	}
	if got := f.send(core.EventAuthSuccess, "hank", core.SeverityLow, map[string]interface{}{"ip": "203.0.113.7"}); len(got) != 0 {
		t.Error("repeat match should extend the open intel threat")
	}
}

// ─── Batch analysis ─────────────────────────────────────────────────────────

func TestAnalyzeBatch_Sequences(t *testing.T) {
	tests := []struct {
		name   string
		events []core.EventType
		want   string
	}{
		{
			name:   "insider",
			events: []core.EventType{core.EventAuthSuccess, core.EventPermissionDenied, core.EventDataExport},
			want:   "potential_insider_threat",
		},
		{
			name: "payment fraud",
			events: []core.EventType{
				core.EventPaymentFailed, core.EventPaymentFailed, core.EventPaymentFailed,
				core.EventPaymentFailed, core.EventPaymentSuccess,
			},
			want: "payment_fraud_pattern",
		},
		{
			name: "account takeover",
			events: []core.EventType{
				core.EventAuthFailure, core.EventAuthFailure, core.EventAuthFailure, core.EventAuthSuccess,
			},
			want: "account_takeover",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil, nil)
			f.engine.SetRules(nil)
			for _, typ := range tt.events {
				f.send(typ, "ivan", core.SeverityMedium, nil)
			}
			got := f.engine.AnalyzeBatch()
			if countType(got, tt.want) != 1 {
				t.Fatalf("AnalyzeBatch = %+v, want one %s", got, tt.want)
			}
			if got := f.engine.AnalyzeBatch(); countType(got, tt.want) != 0 {
				t.Error("pattern must not re-open while its threat is active")
			}
		})
	}
}

func TestAnalyzeBatch_OutOfOrderDoesNotMatch(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.engine.SetRules(nil)
	for _, typ := range []core.EventType{core.EventPaymentSuccess, core.EventPaymentFailed, core.EventPaymentFailed, core.EventPaymentFailed} {
		f.send(typ, "judy", core.SeverityMedium, nil)
	}
	if got := f.engine.AnalyzeBatch(); countType(got, "payment_fraud_pattern") != 0 {
		t.Fatal("success before failures is not the fraud pattern")
	}
}

func TestAnalyzeBatch_Statistical(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.engine.SetRules(nil)
	types := core.KnownEventTypes()[:9]
	for _, typ := range types {
		f.send(typ, "", core.SeverityLow, nil)
	}
	for i := 0; i < 50; i++ {
		f.send(core.EventUncaughtError, "", core.SeverityLow, nil)
	}

	got := f.engine.AnalyzeBatch()
	if len(got) != 1 {
		t.Fatalf("statistical threats = %d, want 1 (%+v)", len(got), got)
	}
	th := got[0]
	if th.ThreatType != "statistical_anomaly" || th.Details["event_type"] != string(core.EventUncaughtError) {
		t.Errorf("unexpected threat %+v", th)
	}
	// z is about 2.85: medium, confidence z*20.
	if th.Severity != core.SeverityMedium {
		t.Errorf("severity = %s, want medium", th.Severity)
	}
	if th.Confidence < 55 || th.Confidence > 58 {
		t.Errorf("confidence = %d, want about 56", th.Confidence)
	}
}

// ─── Lifecycle ──────────────────────────────────────────────────────────────

func openOne(t *testing.T, f *fixture) *DetectedThreat {
	t.Helper()
	f.engine.SetRules([]Rule{{
		ID: "one", Name: "One", ThreatType: "x", Enabled: true, Confidence: 50, Severity: core.SeverityMedium,
		Conditions: []core.Condition{typeIs(core.EventDataDeletion)},
		TimeWindow: time.Minute, Threshold: 1,
	}})
	got := f.send(core.EventDataDeletion, "kim", core.SeverityHigh, nil)
	if len(got) != 1 {
		t.Fatalf("expected a threat, got %d", len(got))
	}
	return got[0]
}

func TestUpdateThreatStatus(t *testing.T) {
	f := newFixture(t, nil, nil)
	th := openOne(t, f)

	if err := f.engine.UpdateThreatStatus(th.ID, StatusInvestigating); err != nil {
		t.Fatalf("active -> investigating: %v", err)
	}
	if err := f.engine.UpdateThreatStatus(th.ID, StatusActive); !errors.Is(err, core.ErrInvalidTransition) {
		t.Errorf("investigating -> active = %v, want ErrInvalidTransition", err)
	}
	if err := f.engine.UpdateThreatStatus(th.ID, StatusMitigated); err != nil {
		t.Fatalf("investigating -> mitigated: %v", err)
	}
	if err := f.engine.UpdateThreatStatus(th.ID, StatusFalsePositive); !errors.Is(err, core.ErrInvalidTransition) {
		t.Errorf("terminal threats must not move, got %v", err)
	}
	if err := f.engine.UpdateThreatStatus("missing", StatusMitigated); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("unknown threat = %v, want ErrNotFound", err)
	}
	if n := len(f.engine.GetActiveThreats()); n != 0 {
		t.Errorf("active threats = %d, want 0", n)
	}

	if got := f.send(core.EventDataDeletion, "kim", core.SeverityHigh, nil); len(got) != 1 {
		t.Fatal("a new match after mitigation opens a new threat")
	}
}

func TestOnThreatHandlers(t *testing.T) {
	f := newFixture(t, nil, nil)
	var seen []*DetectedThreat
	f.engine.OnThreat(func(*DetectedThreat) { panic("boom") })
	f.engine.OnThreat(func(th *DetectedThreat) {
		th.Description = "mutated"
		seen = append(seen, th)
	})
	th := openOne(t, f)
	if len(seen) != 1 || seen[0].ID != th.ID {
		t.Fatalf("handler saw %d threats", len(seen))
	}
	stored, err := f.engine.GetThreat(th.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Description == "mutated" {
		t.Error("handlers must receive a copy")
	}
}

func TestCleanup(t *testing.T) {
	f := newFixture(t, nil, nil)
	th := openOne(t, f)
	if err := f.engine.UpdateThreatStatus(th.ID, StatusFalsePositive); err != nil {
		t.Fatal(err)
	}
	f.clock.Advance(6 * 24 * time.Hour)
	if n := f.engine.Cleanup(); n != 0 {
		t.Fatalf("removed %d before retention", n)
	}
	f.clock.Advance(2 * 24 * time.Hour)
	if n := f.engine.Cleanup(); n != 1 {
		t.Fatalf("removed %d, want 1", n)
	}
	if _, err := f.engine.GetThreat(th.ID); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("GetThreat after cleanup = %v", err)
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	store := core.NewMemoryStore()
	writer := core.NewSnapshotWriter(store, zerolog.Nop())
	f := newFixture(t, nil, writer)
	th := openOne(t, f)
	if err := f.engine.AttachEvidence(th.ID, "ev-1"); err != nil {
		t.Fatal(err)
	}
	if err := writer.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	g := newFixture(t, nil, nil)
	if err := g.engine.Load(context.Background(), store); err != nil {
		t.Fatalf("Load: %v", err)
	}
	restored, err := g.engine.GetThreat(th.ID)
	if err != nil {
		t.Fatalf("GetThreat: %v", err)
	}
	if restored.Status != StatusActive || len(restored.Evidence) != 1 || len(restored.Events) != 1 {
		t.Errorf("restored threat = %+v", restored)
	}
	if _, ok := g.engine.Baseline("kim"); !ok {
		t.Error("baseline should be restored")
	}

	g.engine.SetRules(f.engine.Rules())
	if got := g.send(core.EventDataDeletion, "kim", core.SeverityHigh, nil); len(got) != 0 {
		t.Fatal("restored open threat should absorb the next match")
	}
	restored, _ = g.engine.GetThreat(th.ID)
	if len(restored.Events) != 2 {
		t.Errorf("restored threat events = %d, want 2", len(restored.Events))
	}
}
