package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/1sec-project/secengine/internal/core"
)

// Filter selects events from the trailing window. Zero fields match everything.
type Filter struct {
	Type   core.EventType
	UserID string
	Window time.Duration
}

func (f Filter) match(e *core.SecurityEvent, since time.Time) bool {
	if f.Window > 0 && e.Timestamp.Before(since) {
		return false
	}
	if f.Type != "" && e.Type != f.Type {
		return false
	}
	if f.UserID != "" && e.UserID != f.UserID {
		return false
	}
	return true
}

// Option configures an EventMonitor.
type Option func(*EventMonitor)

// WithClock replaces time.Now. Used by replay and tests.
func WithClock(now func() time.Time) Option {
	return func(m *EventMonitor) { m.now = now }
}

// WithSourceTimestamps keeps a caller-supplied timestamp instead of stamping
// the server time. Timestamps are still clamped so the log never goes backwards.
func WithSourceTimestamps() Option {
	return func(m *EventMonitor) { m.sourceTimestamps = true }
}

// WithWriter persists the event window through w.
func WithWriter(w *core.SnapshotWriter) Option {
	return func(m *EventMonitor) { m.writer = w }
}

// EventMonitor is the append-only event log every other component reads from.
type EventMonitor struct {
	mu               sync.RWMutex
	cfg              core.MonitorConfig
	events           []*core.SecurityEvent
	flagged          map[string]time.Time
	subscribers      []func(*core.SecurityEvent)
	dedup            *Dedup
	writer           *core.SnapshotWriter
	logger           zerolog.Logger
	now              func() time.Time
	sourceTimestamps bool

	logged     int64
	duplicates int64
	rejected   int64
	meta       int64
	evicted    int64
}

type persistedEvents struct {
	Events []*core.SecurityEvent `json:"events"`
}

// New creates an EventMonitor.
func New(cfg core.MonitorConfig, logger zerolog.Logger, opts ...Option) *EventMonitor {
	if cfg.MaxEvents <= 0 {
		cfg.MaxEvents = 1000
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 24 * time.Hour
	}
	if cfg.PatternWindow <= 0 {
		cfg.PatternWindow = 5 * time.Minute
	}
	m := &EventMonitor{
		cfg:     cfg,
		events:  make([]*core.SecurityEvent, 0, cfg.MaxEvents),
		flagged: make(map[string]time.Time),
		dedup:   NewDedup(cfg.DedupWindow, cfg.MaxEvents*10),
		logger:  logger.With().Str("component", "event_monitor").Logger(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Load restores the persisted event window. Events past retention are dropped.
func (m *EventMonitor) Load(ctx context.Context, store core.Store) error {
	var state persistedEvents
	ok, err := core.LoadInto(ctx, store, core.KeyMonitorEvents, &state)
	if err != nil {
		return fmt.Errorf("loading event window: %w", err)
	}
	if !ok {
		return nil
	}

	cutoff := m.now().Add(-m.cfg.Retention)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = m.events[:0]
	var last time.Time
	for _, e := range state.Events {
		if e == nil || e.Timestamp.Before(cutoff) {
			continue
		}
		if e.Timestamp.Before(last) {
			e.Timestamp = last
		}
		last = e.Timestamp
		m.events = append(m.events, e)
	}
	m.trimLocked()
	m.logger.Info().Int("events", len(m.events)).Msg("event window restored")
	return nil
}

// Subscribe registers fn to be called with every logged event, including
// synthesized suspicious_activity meta-events, after the event is appended.
func (m *EventMonitor) Subscribe(fn func(*core.SecurityEvent)) {
	m.mu.Lock()
	m.subscribers = append(m.subscribers, fn)
	m.mu.Unlock()
}

// LogEvent appends an event and runs the burst pre-checks. It returns the
// logged event, or nil when the input is rejected or a duplicate. The caller's
// event is never modified.
func (m *EventMonitor) LogEvent(event *core.SecurityEvent) *core.SecurityEvent {
	if event == nil {
		return nil
	}
	if event.Type == "" {
		m.mu.Lock()
		m.rejected++
		m.mu.Unlock()
		m.logger.Warn().Str("user_id", event.UserID).Msg("event without type rejected")
		return nil
	}
	if m.dedup.IsDuplicate(event) {
		m.mu.Lock()
		m.duplicates++
		m.mu.Unlock()
		core.EventsDeduplicated.Inc()
		m.logger.Debug().Str("event_id", event.ID).Msg("duplicate event dropped")
		return nil
	}

	e := event.Clone()
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if !e.Severity.Valid() {
		e.Severity = core.SeverityLow
	}
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}

	m.mu.Lock()
	m.appendLocked(e)
	meta := m.precheckLocked(e)
	if meta != nil {
		m.appendLocked(meta)
	}
	subs := append([]func(*core.SecurityEvent){}, m.subscribers...)
	snapshot := m.snapshotLocked()
	m.mu.Unlock()

	core.EventsLogged.WithLabelValues(string(e.Type), e.Severity.String()).Inc()
	m.notify(subs, e)
	if meta != nil {
		core.EventsLogged.WithLabelValues(string(meta.Type), meta.Severity.String()).Inc()
		m.notify(subs, meta)
	}
	m.persist(snapshot)
	return e
}

// appendLocked stamps the event time and appends it, dropping the oldest
// entry once the cap is reached.
func (m *EventMonitor) appendLocked(e *core.SecurityEvent) {
	now := m.now().UTC()
	if !m.sourceTimestamps || e.Timestamp.IsZero() {
		e.Timestamp = now
	}
	if n := len(m.events); n > 0 {
		if last := m.events[n-1].Timestamp; e.Timestamp.Before(last) {
			e.Timestamp = last
		}
	}
	m.events = append(m.events, e)
	m.logged++
	m.trimLocked()
}

func (m *EventMonitor) trimLocked() {
	if over := len(m.events) - m.cfg.MaxEvents; over > 0 {
		clear(m.events[:over])
		m.events = append(m.events[:0], m.events[over:]...)
		m.evicted += int64(over)
	}
}

// precheckLocked counts the event's (type,user) pair in the pattern window and
// returns a suspicious_activity meta-event when the count exceeds the
// configured threshold. A pair is flagged at most once per window.
func (m *EventMonitor) precheckLocked(e *core.SecurityEvent) *core.SecurityEvent {
	if e.Type == core.EventSuspiciousActivity {
		return nil
	}
	threshold, ok := m.cfg.PatternThresholds[string(e.Type)]
	if !ok || threshold <= 0 {
		return nil
	}

	key := string(e.Type) + "\x00" + e.UserID
	if at, flagged := m.flagged[key]; flagged && e.Timestamp.Sub(at) < m.cfg.PatternWindow {
		return nil
	}

	since := e.Timestamp.Add(-m.cfg.PatternWindow)
	count := 0
	for i := len(m.events) - 1; i >= 0; i-- {
		ev := m.events[i]
		if ev.Timestamp.Before(since) {
			break
		}
		if ev.Type == e.Type && ev.UserID == e.UserID {
			count++
		}
	}
	if count <= threshold {
		return nil
	}

	m.flagged[key] = e.Timestamp
	m.meta++
	core.SuspiciousActivityRaised.WithLabelValues(string(e.Type)).Inc()

	severity := core.SeverityMedium
	if e.Type.IsPayment() || e.Type == core.EventAuthFailure {
		severity = core.SeverityHigh
	}
	meta := core.NewSecurityEvent(core.EventSuspiciousActivity, e.UserID, severity)
	meta.Timestamp = e.Timestamp
	meta.Details["pattern"] = "burst"
	meta.Details["source_type"] = string(e.Type)
	meta.Details["count"] = count
	meta.Details["threshold"] = threshold
	meta.Details["window_seconds"] = int(m.cfg.PatternWindow / time.Second)
	meta.Details["trigger_event_id"] = e.ID

	m.logger.Warn().
		Str("user_id", e.UserID).
		Str("type", string(e.Type)).
		Int("count", count).
		Msg("burst pattern detected")
	return meta
}

func (m *EventMonitor) notify(subs []func(*core.SecurityEvent), e *core.SecurityEvent) {
	for _, fn := range subs {
		m.safeNotify(fn, e)
	}
}

func (m *EventMonitor) safeNotify(fn func(*core.SecurityEvent), e *core.SecurityEvent) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error().
				Interface("panic", r).
				Str("event_id", e.ID).
				Str("type", string(e.Type)).
				Msg("event subscriber panicked")
		}
	}()
	fn(e)
}

// GetRecentEvents returns the events in the trailing window that match the
// filter, oldest first. The returned slice is a copy.
func (m *EventMonitor) GetRecentEvents(f Filter) []*core.SecurityEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()

	since := m.now().Add(-f.Window)
	var out []*core.SecurityEvent
	for i := len(m.events) - 1; i >= 0; i-- {
		e := m.events[i]
		if f.Window > 0 && e.Timestamp.Before(since) {
			break
		}
		if f.match(e, since) {
			out = append(out, e)
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// Count returns how many events match the filter without copying them.
func (m *EventMonitor) Count(f Filter) int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	since := m.now().Add(-f.Window)
	n := 0
	for i := len(m.events) - 1; i >= 0; i-- {
		e := m.events[i]
		if f.Window > 0 && e.Timestamp.Before(since) {
			break
		}
		if f.match(e, since) {
			n++
		}
	}
	return n
}

// Len returns the number of retained events.
func (m *EventMonitor) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.events)
}

// Now returns the monitor's clock reading.
func (m *EventMonitor) Now() time.Time {
	return m.now()
}

// Cleanup evicts events older than the retention window and forgets expired
// burst flags. It returns the number of events removed.
func (m *EventMonitor) Cleanup() int {
	now := m.now()
	cutoff := now.Add(-m.cfg.Retention)

	m.mu.Lock()
	idx := 0
	for idx < len(m.events) && m.events[idx].Timestamp.Before(cutoff) {
		idx++
	}
	if idx > 0 {
		clear(m.events[:idx])
		m.events = append(m.events[:0], m.events[idx:]...)
		m.evicted += int64(idx)
	}
	for key, at := range m.flagged {
		if now.Sub(at) >= m.cfg.PatternWindow {
			delete(m.flagged, key)
		}
	}
	snapshot := m.snapshotLocked()
	m.mu.Unlock()

	if idx > 0 {
		m.logger.Debug().Int("evicted", idx).Msg("expired events evicted")
		m.persist(snapshot)
	}
	return idx
}

func (m *EventMonitor) snapshotLocked() persistedEvents {
	return persistedEvents{Events: append([]*core.SecurityEvent(nil), m.events...)}
}

func (m *EventMonitor) persist(state persistedEvents) {
	if m.writer != nil {
		m.writer.Save(core.KeyMonitorEvents, state)
	}
}

// Stats returns monitor counters.
func (m *EventMonitor) Stats() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return map[string]interface{}{
		"events":       len(m.events),
		"logged":       m.logged,
		"duplicates":   m.duplicates,
		"rejected":     m.rejected,
		"meta_events":  m.meta,
		"evicted":      m.evicted,
		"dedup_hashes": m.dedup.Len(),
	}
}
