package alerting

import (
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/1sec-project/secengine/internal/core"
)

func fastWebhookConfig(urls ...string) core.WebhookConfig {
	return core.WebhookConfig{
		URLs:           urls,
		Format:         "generic",
		MaxRetries:     3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		QueueSize:      16,
		Workers:        1,
		BreakerTrips:   10,
		BreakerPause:   time.Minute,
		Timeout:        2 * time.Second,
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestWebhookRetriesServerErrors(t *testing.T) {
	var hits, delivered int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		body, _ := io.ReadAll(r.Body)
		var payload map[string]interface{}
		if err := json.Unmarshal(body, &payload); err != nil || payload["source"] != "secengine" {
			t.Errorf("payload = %s (%v)", body, err)
		}
		if r.Header.Get("X-Secengine-Attempt") != "3" {
			t.Errorf("attempt header = %q, want 3", r.Header.Get("X-Secengine-Attempt"))
		}
		atomic.AddInt32(&delivered, 1)
	}))
	defer srv.Close()

	d := NewWebhookDispatcher(fastWebhookConfig(srv.URL), nil, zerolog.Nop())
	defer d.Close()
	if !d.Enqueue(srv.URL, "alert-1", map[string]interface{}{"source": "secengine"}) {
		t.Fatal("Enqueue rejected")
	}
	waitFor(t, "delivery", func() bool { return atomic.LoadInt32(&delivered) == 1 })
	if n := len(d.GetDeadLetters(0)); n != 0 {
		t.Errorf("dead letters = %d, want 0", n)
	}
}

func TestWebhookClientErrorIsDeadLettered(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	dead := make(chan DeadLetterEntry, 1)
	d := NewWebhookDispatcher(fastWebhookConfig(srv.URL), func(dl DeadLetterEntry) { dead <- dl }, zerolog.Nop())
	defer d.Close()
	d.Enqueue(srv.URL, "alert-2", map[string]interface{}{"x": 1})

	select {
	case dl := <-dead:
		if dl.Delivery.AlertID != "alert-2" || dl.Delivery.Attempts != 1 {
			t.Errorf("dead letter = %+v", dl)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no dead letter")
	}
	if n := atomic.LoadInt32(&hits); n != 1 {
		t.Errorf("hits = %d, want 1 (no retry on 4xx)", n)
	}

	entries := d.GetDeadLetters(0)
	if len(entries) != 1 {
		t.Fatalf("dead letters = %d", len(entries))
	}
	if !d.RetryDeadLetter(entries[0].Delivery.ID) {
		t.Error("RetryDeadLetter failed")
	}
	waitFor(t, "retry", func() bool { return atomic.LoadInt32(&hits) == 2 })
}

func TestWebhookCircuitBreakerOpens(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := fastWebhookConfig(srv.URL)
	cfg.MaxRetries = 0
	cfg.BreakerTrips = 2
	d := NewWebhookDispatcher(cfg, nil, zerolog.Nop())
	defer d.Close()

	for i := 0; i < 3; i++ {
		d.Enqueue(srv.URL, "alert", map[string]interface{}{"n": i})
	}
	waitFor(t, "dead letters", func() bool { return len(d.GetDeadLetters(0)) == 3 })
	if n := atomic.LoadInt32(&hits); n != 2 {
		t.Errorf("hits = %d, want 2 (third blocked by open breaker)", n)
	}
	if open := d.Stats()["open_circuits"]; open != 1 {
		t.Errorf("open_circuits = %v, want 1", open)
	}
}

func TestWebhookFailureRaisesSystemAlert(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.Webhook = fastWebhookConfig(srv.URL)
	f := newFixture(t, cfg, nil)
	f.mgr.SetRules([]Rule{paymentRule(0, ChannelWebhook)})

	got := f.mgr.ProcessSecurityEvent(f.event(core.EventPaymentFailed, "alice", core.SeverityLow))
	if len(got) != 1 || got[0].Delivery[ChannelWebhook] != DeliveryQueued {
		t.Fatalf("alerts = %+v", got)
	}
	waitFor(t, "system alert", func() bool { return len(systemAlerts(f.mgr)) == 1 })
	a, err := f.mgr.GetAlert(got[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	if a.Delivery[ChannelWebhook] != DeliveryFailed {
		t.Errorf("webhook delivery = %q, want failed", a.Delivery[ChannelWebhook])
	}
}

func TestPayloadFormats(t *testing.T) {
	a := &SecurityAlert{
		ID: "0123456789abcdef", RuleID: "crit", Title: "Critical event", Message: "details",
		Priority: core.SeverityCritical, Type: core.EventDataDeletion, UserID: "eve",
		Timestamp: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}

	pd := GetPayloadFormat("pagerduty")(a, "rk-1")
	if pd["routing_key"] != "rk-1" || pd["dedup_key"] != "secengine-crit-0123456789ab" {
		t.Errorf("pagerduty = %v", pd)
	}
	if sev := pd["payload"].(map[string]interface{})["severity"]; sev != "critical" {
		t.Errorf("pagerduty severity = %v", sev)
	}

	slack := GetPayloadFormat("slack")(a, "")
	if blocks := slack["blocks"].([]map[string]interface{}); len(blocks) != 4 {
		t.Errorf("slack blocks = %d, want 4", len(blocks))
	}
	teams := GetPayloadFormat("msteams")(a, "")
	if teams["themeColor"] != "D32F2F" {
		t.Errorf("teams color = %v", teams["themeColor"])
	}
	if GetPayloadFormat("discord") == nil || GetPayloadFormat("") == nil {
		t.Error("known formats missing")
	}
	if GetPayloadFormat("carrier-pigeon") != nil {
		t.Error("unknown format returned a formatter")
	}
}
