package forensics

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/1sec-project/secengine/internal/core"
	"github.com/1sec-project/secengine/internal/monitor"
)

type clock struct{ t time.Time }

func (c *clock) Now() time.Time          { return c.t }
func (c *clock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLogger(t *testing.T) (*Logger, *monitor.EventMonitor, *clock) {
	t.Helper()
	clk := &clock{t: time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)}
	cfg := core.DefaultConfig()
	mon := monitor.New(cfg.Monitor, zerolog.Nop(), monitor.WithClock(clk.Now))
	l := New(cfg.Forensics, mon, nil, zerolog.Nop())
	mon.Subscribe(l.LogEvent)
	return l, mon, clk
}

// ─── Collection and integrity ───────────────────────────────────────────────

func TestCollectEvidence_EnrichesAndHashes(t *testing.T) {
	l, mon, _ := newTestLogger(t)
	mon.LogEvent(core.NewSecurityEvent(core.EventPaymentFailed, "alice", core.SeverityMedium))

	ev, err := l.CollectEvidence(Request{
		Type:        EvidencePaymentFlow,
		TriggeredBy: "payment_monitor",
		UserID:      "alice",
		Data:        map[string]interface{}{"amount": 99.5, "invoice": "inv-1"},
	})
	if err != nil {
		t.Fatalf("CollectEvidence: %v", err)
	}
	if len(ev.Integrity) != 64 {
		t.Errorf("integrity should be a hex sha256, got %q", ev.Integrity)
	}
	meta, ok := ev.Data["_collection"].(map[string]interface{})
	if !ok {
		t.Fatalf("missing _collection metadata: %+v", ev.Data)
	}
	session, _ := l.CurrentSession()
	if meta["session_id"] != session.ID || meta["collector_version"] != CollectorVersion {
		t.Errorf("bad metadata: %+v", meta)
	}
	if meta["recent_event_count"] != float64(1) {
		t.Errorf("recent_event_count = %v, want 1", meta["recent_event_count"])
	}
	if !ev.RetentionExpiry.Equal(ev.Timestamp.Add(30 * 24 * time.Hour)) {
		t.Errorf("payment_flow retention should be 30d, expiry %s", ev.RetentionExpiry)
	}
}

func TestCollectEvidence_CallerMutationDoesNotLeak(t *testing.T) {
	l, _, _ := newTestLogger(t)
	data := map[string]interface{}{"k": "v"}
	ev, err := l.CollectEvidence(Request{Type: EvidenceUserAction, Data: data})
	if err != nil {
		t.Fatal(err)
	}
	data["k"] = "changed"
	if ok, err := l.VerifyEvidence(ev.ID); err != nil || !ok {
		t.Errorf("caller mutation after collection must not affect stored evidence: %v, %v", ok, err)
	}
}

func TestVerifyEvidence_DetectsOutOfBandMutation(t *testing.T) {
	l, _, _ := newTestLogger(t)
	ev, err := l.CollectEvidence(Request{
		Type: EvidenceSecurityEvent,
		Data: map[string]interface{}{"action": "export", "rows": 10},
	})
	if err != nil {
		t.Fatal(err)
	}

	ok, err := l.VerifyEvidence(ev.ID)
	if err != nil || !ok {
		t.Fatalf("fresh evidence should verify, got %v, %v", ok, err)
	}

	// Tamper with the stored record directly.
	l.mu.Lock()
	l.evidence[ev.ID].Data["rows"] = 1
	l.mu.Unlock()

	ok, err = l.VerifyEvidence(ev.ID)
	if err != nil {
		t.Fatalf("VerifyEvidence: %v", err)
	}
	if ok {
		t.Fatal("tampered evidence must fail verification")
	}
	got, _ := l.GetEvidence(ev.ID)
	if !got.Suspect {
		t.Error("tampered evidence should be flagged suspect")
	}
	if got.Data["rows"] != 1 {
		t.Error("tampered evidence must not be repaired")
	}
}

func TestVerifyEvidence_UnknownID(t *testing.T) {
	l, _, _ := newTestLogger(t)
	if _, err := l.VerifyEvidence("missing"); !errors.Is(err, ErrEvidenceNotFound) || !errors.Is(err, core.ErrNotFound) {
		t.Errorf("expected ErrEvidenceNotFound, got %v", err)
	}
}

func TestCollectEvidence_RequiresType(t *testing.T) {
	l, _, _ := newTestLogger(t)
	var verr *core.ValidationError
	if _, err := l.CollectEvidence(Request{}); !errors.As(err, &verr) {
		t.Errorf("expected ValidationError, got %v", err)
	}
}

func TestVerifyAfterPersistenceRoundTrip(t *testing.T) {
	store := core.NewMemoryStore()
	w := core.NewSnapshotWriter(store, zerolog.Nop())
	l, _, clk := newTestLogger(t)
	l.writer = w

	ev, err := l.CollectEvidence(Request{
		Type: EvidenceErrorContext,
		Data: map[string]interface{}{"stack": []interface{}{"a", "b"}, "code": 500},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}

	mon := monitor.New(core.DefaultConfig().Monitor, zerolog.Nop(), monitor.WithClock(clk.Now))
	l2 := New(core.DefaultConfig().Forensics, mon, nil, zerolog.Nop())
	if err := l2.Load(context.Background(), store); err != nil {
		t.Fatalf("Load: %v", err)
	}
	ok, err := l2.VerifyEvidence(ev.ID)
	if err != nil || !ok {
		t.Errorf("evidence should still verify after reload: %v, %v", ok, err)
	}
}

// ─── Retention ──────────────────────────────────────────────────────────────

func TestRetentionByType(t *testing.T) {
	l, _, _ := newTestLogger(t)
	tests := []struct {
		typ  EvidenceType
		want time.Duration
	}{
		{EvidenceUserAction, 24 * time.Hour},
		{EvidenceSystemState, 7 * 24 * time.Hour},
		{EvidenceNetworkActivity, 7 * 24 * time.Hour},
		{EvidenceErrorContext, 14 * 24 * time.Hour},
		{EvidenceSecurityEvent, 30 * 24 * time.Hour},
		{EvidencePaymentFlow, 30 * 24 * time.Hour},
		{EvidenceIncidentSnapshot, 90 * 24 * time.Hour},
		{"custom", 7 * 24 * time.Hour},
	}
	for _, tt := range tests {
		ev, err := l.CollectEvidence(Request{Type: tt.typ})
		if err != nil {
			t.Fatal(err)
		}
		if got := ev.RetentionExpiry.Sub(ev.Timestamp); got != tt.want {
			t.Errorf("%s retention = %s, want %s", tt.typ, got, tt.want)
		}
	}
}

func TestCleanup_RemovesExpired(t *testing.T) {
	l, _, clk := newTestLogger(t)
	if _, err := l.CollectEvidence(Request{Type: EvidenceUserAction}); err != nil {
		t.Fatal(err)
	}
	if _, err := l.CollectEvidence(Request{Type: EvidenceSecurityEvent}); err != nil {
		t.Fatal(err)
	}
	clk.Advance(2 * 24 * time.Hour)
	if n := l.Cleanup(); n != 1 {
		t.Errorf("Cleanup removed %d, want 1", n)
	}
	if got := l.QueryEvidence(Query{}); len(got) != 1 || got[0].Type != EvidenceSecurityEvent {
		t.Errorf("unexpected remaining evidence: %+v", got)
	}
}

// ─── Queries ────────────────────────────────────────────────────────────────

func TestQueryEvidence(t *testing.T) {
	l, _, clk := newTestLogger(t)
	collect := func(req Request) {
		t.Helper()
		if _, err := l.CollectEvidence(req); err != nil {
			t.Fatal(err)
		}
		clk.Advance(time.Minute)
	}
	start := clk.Now()
	collect(Request{Type: EvidenceUserAction, UserID: "alice"})
	collect(Request{Type: EvidenceUserAction, UserID: "bob", Data: map[string]interface{}{"suspicious": true}})
	collect(Request{Type: EvidenceSecurityEvent, UserID: "alice", TriggeredBy: "threat_detection"})
	collect(Request{Type: EvidenceSecurityEvent, UserID: "carol", TriggeredBy: "manual"})

	tests := []struct {
		name  string
		query Query
		want  int
	}{
		{"all", Query{}, 4},
		{"type", Query{Type: EvidenceUserAction}, 2},
		{"user", Query{UserID: "alice"}, 2},
		{"suspicious", Query{Suspicious: true}, 2},
		{"range", Query{From: start.Add(90 * time.Second), To: start.Add(10 * time.Minute)}, 2},
		{"limit", Query{Limit: 3}, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := l.QueryEvidence(tt.query)
			if len(got) != tt.want {
				t.Fatalf("got %d, want %d", len(got), tt.want)
			}
			for i := 1; i < len(got); i++ {
				if got[i].Timestamp.After(got[i-1].Timestamp) {
					t.Error("results must be newest first")
				}
			}
		})
	}
}

// ─── Sessions ───────────────────────────────────────────────────────────────

func TestSessionLifecycle(t *testing.T) {
	l, mon, clk := newTestLogger(t)
	mon.LogEvent(core.NewSecurityEvent(core.EventAuthSuccess, "alice", core.SeverityLow))
	mon.LogEvent(core.NewSecurityEvent(core.EventAuthSuccess, "bob", core.SeverityLow))
	if _, err := l.CollectEvidence(Request{Type: EvidenceUserAction}); err != nil {
		t.Fatal(err)
	}
	clk.Advance(10 * time.Minute)

	if err := l.Close(); err != nil {
		t.Fatal(err)
	}
	sessions := l.Sessions()
	if len(sessions) != 1 {
		t.Fatalf("sessions = %d, want 1", len(sessions))
	}
	s := sessions[0]
	if s.Duration != 10*time.Minute || s.EventCount != 2 || s.EvidenceCount != 1 || s.Active() {
		t.Errorf("unexpected session stats: %+v", s)
	}
	if _, ok := l.CurrentSession(); ok {
		t.Error("no session should be active after Close")
	}
}

func TestCaptureIncident(t *testing.T) {
	l, mon, _ := newTestLogger(t)
	for i := 0; i < 3; i++ {
		mon.LogEvent(core.NewSecurityEvent(core.EventCSPViolation, "dave", core.SeverityMedium))
	}
	mon.LogEvent(core.NewSecurityEvent(core.EventCSPViolation, "erin", core.SeverityMedium))

	ev, err := l.CaptureIncident("inc-1", "dave", map[string]interface{}{"rule": "csp"})
	if err != nil {
		t.Fatalf("CaptureIncident: %v", err)
	}
	if ev.Type != EvidenceIncidentSnapshot || ev.RelatedIncidentID != "inc-1" {
		t.Errorf("unexpected evidence: %+v", ev)
	}
	events, ok := ev.Data["recent_events"].([]interface{})
	if !ok || len(events) != 3 {
		t.Errorf("snapshot should hold dave's 3 events, got %v", ev.Data["recent_events"])
	}
	if ok, _ := l.VerifyEvidence(ev.ID); !ok {
		t.Error("incident snapshot should verify")
	}
}

func TestExportSession(t *testing.T) {
	l, _, _ := newTestLogger(t)
	for i := 0; i < 2; i++ {
		if _, err := l.CollectEvidence(Request{Type: EvidenceSystemState}); err != nil {
			t.Fatal(err)
		}
	}

	var buf bytes.Buffer
	if err := l.ExportSession("", &buf); err != nil {
		t.Fatalf("ExportSession: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected session + 2 evidence lines, got %d", len(lines))
	}
	var first exportRecord
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil || first.Type != "session" {
		t.Errorf("first record should be the session header: %+v, %v", first, err)
	}

	path, err := l.ExportSessionFile(t.TempDir(), "")
	if err != nil {
		t.Fatalf("ExportSessionFile: %v", err)
	}
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		t.Fatal(err)
	}
	n := 0
	sc := bufio.NewScanner(gz)
	for sc.Scan() {
		n++
	}
	if n != 3 {
		t.Errorf("compressed export has %d lines, want 3", n)
	}

	if err := l.ExportSession("nope", &buf); err == nil {
		t.Error("unknown session should fail")
	}
}
