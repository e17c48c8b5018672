package forensics

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/1sec-project/secengine/internal/core"
	"github.com/1sec-project/secengine/internal/monitor"
)

// CollectorVersion is stamped into every evidence record's metadata.
const CollectorVersion = "1.0"

// EvidenceType selects the retention policy for a record.
type EvidenceType string

const (
	EvidenceUserAction       EvidenceType = "user_action"
	EvidenceSystemState      EvidenceType = "system_state"
	EvidenceNetworkActivity  EvidenceType = "network_activity"
	EvidenceErrorContext     EvidenceType = "error_context"
	EvidenceSecurityEvent    EvidenceType = "security_event"
	EvidencePaymentFlow      EvidenceType = "payment_flow"
	EvidenceIncidentSnapshot EvidenceType = "incident_snapshot"
)

// ErrEvidenceNotFound is returned for unknown evidence IDs.
var ErrEvidenceNotFound = fmt.Errorf("evidence %w", core.ErrNotFound)

// Evidence is an integrity-hashed snapshot. Data is never modified after
// collection; Suspect is the only field verification may change.
type Evidence struct {
	ID                string                 `json:"id"`
	Type              EvidenceType           `json:"type"`
	Timestamp         time.Time              `json:"timestamp"`
	SessionID         string                 `json:"session_id"`
	TriggeredBy       string                 `json:"triggered_by"`
	RelatedEventID    string                 `json:"related_event_id,omitempty"`
	RelatedIncidentID string                 `json:"related_incident_id,omitempty"`
	UserID            string                 `json:"user_id,omitempty"`
	Data              map[string]interface{} `json:"data"`
	Integrity         string                 `json:"integrity"`
	RetentionExpiry   time.Time              `json:"retention_expiry"`
	Suspect           bool                   `json:"suspect,omitempty"`
}

// Session is one logical collection session per process lifetime.
type Session struct {
	ID            string        `json:"id"`
	StartedAt     time.Time     `json:"started_at"`
	EndedAt       time.Time     `json:"ended_at,omitempty"`
	Duration      time.Duration `json:"duration"`
	EventCount    int           `json:"event_count"`
	EvidenceCount int           `json:"evidence_count"`
}

// Active reports whether the session has not been ended.
func (s Session) Active() bool { return s.EndedAt.IsZero() }

// Request describes evidence to collect.
type Request struct {
	Type              EvidenceType
	TriggeredBy       string
	Data              map[string]interface{}
	RelatedEventID    string
	RelatedIncidentID string
	UserID            string
}

// Query filters evidence. Zero fields match everything.
type Query struct {
	Type       EvidenceType
	UserID     string
	SessionID  string
	From       time.Time
	To         time.Time
	Suspicious bool
	Limit      int
}

// Logger collects, verifies, queries and expires evidence.
type Logger struct {
	mu       sync.RWMutex
	cfg      core.ForensicsConfig
	monitor  *monitor.EventMonitor
	writer   *core.SnapshotWriter
	logger   zerolog.Logger
	now      func() time.Time
	session  *Session
	sessions []Session
	evidence map[string]*Evidence

	verified   int64
	mismatches int64
	expired    int64
}

type persistedForensics struct {
	Sessions []Session  `json:"sessions"`
	Evidence []Evidence `json:"evidence"`
}

// New creates a Logger and starts its session.
func New(cfg core.ForensicsConfig, mon *monitor.EventMonitor, writer *core.SnapshotWriter, logger zerolog.Logger) *Logger {
	if cfg.DefaultRetention <= 0 {
		cfg.DefaultRetention = 7 * 24 * time.Hour
	}
	if cfg.MaxEvidence <= 0 {
		cfg.MaxEvidence = 5000
	}
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = 20
	}
	l := &Logger{
		cfg:      cfg,
		monitor:  mon,
		writer:   writer,
		logger:   logger.With().Str("component", "forensic_logger").Logger(),
		now:      time.Now,
		evidence: make(map[string]*Evidence),
	}
	if mon != nil {
		l.now = mon.Now
	}
	l.StartSession()
	return l
}

// StartSession begins a new session, ending the current one if any.
func (l *Logger) StartSession() Session {
	l.mu.Lock()
	if l.session != nil {
		l.endSessionLocked()
	}
	l.session = &Session{ID: uuid.New().String(), StartedAt: l.now().UTC()}
	s := *l.session
	l.mu.Unlock()

	l.logger.Info().Str("session_id", s.ID).Msg("forensic session started")
	return s
}

// EndSession closes the current session and records its statistics.
func (l *Logger) EndSession() (Session, bool) {
	l.mu.Lock()
	if l.session == nil {
		l.mu.Unlock()
		return Session{}, false
	}
	s := l.endSessionLocked()
	state := l.snapshotLocked()
	l.mu.Unlock()

	l.persist(state)
	l.logger.Info().
		Str("session_id", s.ID).
		Dur("duration", s.Duration).
		Int("events", s.EventCount).
		Int("evidence", s.EvidenceCount).
		Msg("forensic session ended")
	return s, true
}

func (l *Logger) endSessionLocked() Session {
	s := *l.session
	s.EndedAt = l.now().UTC()
	s.Duration = s.EndedAt.Sub(s.StartedAt)
	l.sessions = append(l.sessions, s)
	if over := len(l.sessions) - l.cfg.MaxSessions; over > 0 {
		l.sessions = append([]Session(nil), l.sessions[over:]...)
	}
	l.session = nil
	return s
}

// Close ends the session.
func (l *Logger) Close() error {
	l.EndSession()
	return nil
}

// CurrentSession returns the active session.
func (l *Logger) CurrentSession() (Session, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.session == nil {
		return Session{}, false
	}
	return *l.session, true
}

// Sessions returns ended sessions, oldest first.
func (l *Logger) Sessions() []Session {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]Session(nil), l.sessions...)
}

// LogEvent counts a monitored event against the current session. Wired as an
// EventMonitor subscriber.
func (l *Logger) LogEvent(*core.SecurityEvent) {
	l.mu.Lock()
	if l.session != nil {
		l.session.EventCount++
	}
	l.mu.Unlock()
}

// CollectEvidence stores an integrity-hashed copy of req.Data enriched with
// collection metadata.
func (l *Logger) CollectEvidence(req Request) (*Evidence, error) {
	if req.Type == "" {
		return nil, core.NewValidationError("evidence", "type is required")
	}
	data, err := cloneData(req.Data)
	if err != nil {
		return nil, fmt.Errorf("copying evidence data: %w", err)
	}

	recent := 0
	if l.monitor != nil {
		recent = l.monitor.Count(monitor.Filter{UserID: req.UserID, Window: 5 * time.Minute})
	}
	now := l.now().UTC()

	l.mu.Lock()
	sessionID := ""
	if l.session != nil {
		sessionID = l.session.ID
	}
	data["_collection"] = map[string]interface{}{
		"session_id":         sessionID,
		"collected_at":       now.Format(time.RFC3339Nano),
		"collector_version":  CollectorVersion,
		"recent_event_count": float64(recent),
	}
	hash, err := integrityHash(data)
	if err != nil {
		l.mu.Unlock()
		return nil, fmt.Errorf("hashing evidence: %w", err)
	}

	ev := &Evidence{
		ID:                uuid.New().String(),
		Type:              req.Type,
		Timestamp:         now,
		SessionID:         sessionID,
		TriggeredBy:       req.TriggeredBy,
		RelatedEventID:    req.RelatedEventID,
		RelatedIncidentID: req.RelatedIncidentID,
		UserID:            req.UserID,
		Data:              data,
		Integrity:         hash,
		RetentionExpiry:   now.Add(l.retention(req.Type)),
	}
	l.evidence[ev.ID] = ev
	if l.session != nil {
		l.session.EvidenceCount++
	}
	l.enforceCapLocked()
	out := copyEvidence(ev)
	state := l.snapshotLocked()
	l.mu.Unlock()

	core.EvidenceCollected.WithLabelValues(string(req.Type)).Inc()
	l.persist(state)
	l.logger.Debug().
		Str("evidence_id", ev.ID).
		Str("type", string(ev.Type)).
		Str("triggered_by", ev.TriggeredBy).
		Msg("evidence collected")
	return out, nil
}

func (l *Logger) retention(t EvidenceType) time.Duration {
	if d, ok := l.cfg.Retention[string(t)]; ok && d > 0 {
		return d
	}
	return l.cfg.DefaultRetention
}

// enforceCapLocked drops the oldest records once the store exceeds its cap.
func (l *Logger) enforceCapLocked() {
	over := len(l.evidence) - l.cfg.MaxEvidence
	if over <= 0 {
		return
	}
	all := make([]*Evidence, 0, len(l.evidence))
	for _, ev := range l.evidence {
		all = append(all, ev)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Timestamp.Before(all[j].Timestamp) })
	for _, ev := range all[:over] {
		delete(l.evidence, ev.ID)
	}
}

// VerifyEvidence recomputes the integrity hash. A mismatch flags the record
// suspect and returns false; it is never repaired.
func (l *Logger) VerifyEvidence(id string) (bool, error) {
	l.mu.Lock()
	ev, ok := l.evidence[id]
	if !ok {
		l.mu.Unlock()
		return false, ErrEvidenceNotFound
	}
	hash, err := integrityHash(ev.Data)
	l.verified++
	valid := err == nil && hash == ev.Integrity
	var state persistedForensics
	if !valid && !ev.Suspect {
		ev.Suspect = true
		l.mismatches++
		state = l.snapshotLocked()
	}
	l.mu.Unlock()

	if !valid {
		core.EvidenceIntegrityFailures.Inc()
		l.logger.Error().
			Str("evidence_id", id).
			Err(core.ErrIntegrity).
			Msg("evidence integrity check failed")
		if state.Evidence != nil {
			l.persist(state)
		}
	}
	return valid, nil
}

// GetEvidence returns a copy of one record.
func (l *Logger) GetEvidence(id string) (*Evidence, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ev, ok := l.evidence[id]
	if !ok {
		return nil, ErrEvidenceNotFound
	}
	return copyEvidence(ev), nil
}

// QueryEvidence returns matching records, newest first.
func (l *Logger) QueryEvidence(q Query) []*Evidence {
	l.mu.RLock()
	var out []*Evidence
	for _, ev := range l.evidence {
		if q.matches(ev) {
			out = append(out, copyEvidence(ev))
		}
	}
	l.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].ID > out[j].ID
		}
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}

func (q Query) matches(ev *Evidence) bool {
	if q.Type != "" && ev.Type != q.Type {
		return false
	}
	if q.UserID != "" && ev.UserID != q.UserID {
		return false
	}
	if q.SessionID != "" && ev.SessionID != q.SessionID {
		return false
	}
	if !q.From.IsZero() && ev.Timestamp.Before(q.From) {
		return false
	}
	if !q.To.IsZero() && ev.Timestamp.After(q.To) {
		return false
	}
	if q.Suspicious && !isSuspicious(ev) {
		return false
	}
	return true
}

func isSuspicious(ev *Evidence) bool {
	if ev.Suspect {
		return true
	}
	if flag, ok := ev.Data["suspicious"].(bool); ok && flag {
		return true
	}
	return strings.HasPrefix(ev.TriggeredBy, "threat") || strings.HasPrefix(ev.TriggeredBy, "incident")
}

// Cleanup deletes evidence past its retention expiry and returns the count.
func (l *Logger) Cleanup() int {
	now := l.now()
	l.mu.Lock()
	n := 0
	for id, ev := range l.evidence {
		if now.After(ev.RetentionExpiry) {
			delete(l.evidence, id)
			n++
		}
	}
	l.expired += int64(n)
	state := l.snapshotLocked()
	l.mu.Unlock()

	if n > 0 {
		l.logger.Info().Int("expired", n).Msg("expired evidence removed")
		l.persist(state)
	}
	return n
}

// CaptureIncident snapshots the user's recent events as incident_snapshot
// evidence. Used by the forensic_capture response action.
func (l *Logger) CaptureIncident(incidentID, userID string, data map[string]interface{}) (*Evidence, error) {
	snapshot := make(map[string]interface{}, len(data)+2)
	for k, v := range data {
		snapshot[k] = v
	}
	if l.monitor != nil {
		events := l.monitor.GetRecentEvents(monitor.Filter{UserID: userID, Window: time.Hour})
		if len(events) > 100 {
			events = events[len(events)-100:]
		}
		snapshot["recent_events"] = events
		snapshot["recent_event_total"] = len(events)
	}
	return l.CollectEvidence(Request{
		Type:              EvidenceIncidentSnapshot,
		TriggeredBy:       "incident_response",
		Data:              snapshot,
		RelatedIncidentID: incidentID,
		UserID:            userID,
	})
}

// Load restores sessions and unexpired evidence. The current session is kept.
func (l *Logger) Load(ctx context.Context, store core.Store) error {
	var state persistedForensics
	ok, err := core.LoadInto(ctx, store, core.KeyForensicsState, &state)
	if err != nil {
		return fmt.Errorf("loading forensic state: %w", err)
	}
	if !ok {
		return nil
	}
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sessions = state.Sessions
	for i := range state.Evidence {
		ev := state.Evidence[i]
		if now.After(ev.RetentionExpiry) {
			continue
		}
		l.evidence[ev.ID] = &ev
	}
	return nil
}

// Stats returns logger counters.
func (l *Logger) Stats() map[string]interface{} {
	l.mu.RLock()
	defer l.mu.RUnlock()
	stats := map[string]interface{}{
		"evidence":   len(l.evidence),
		"sessions":   len(l.sessions),
		"verified":   l.verified,
		"mismatches": l.mismatches,
		"expired":    l.expired,
	}
	if l.session != nil {
		stats["session_id"] = l.session.ID
		stats["session_events"] = l.session.EventCount
	}
	return stats
}

func (l *Logger) snapshotLocked() persistedForensics {
	state := persistedForensics{
		Sessions: append([]Session(nil), l.sessions...),
		Evidence: make([]Evidence, 0, len(l.evidence)),
	}
	for _, ev := range l.evidence {
		state.Evidence = append(state.Evidence, *copyEvidence(ev))
	}
	return state
}

func (l *Logger) persist(state persistedForensics) {
	if l.writer != nil {
		l.writer.Save(core.KeyForensicsState, state)
	}
}

// integrityHash is the hex SHA-256 of the sorted-key JSON encoding.
func integrityHash(data map[string]interface{}) (string, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// cloneData deep-copies through JSON so stored evidence shares nothing with
// the caller and hashes the same after a persistence round trip.
func cloneData(data map[string]interface{}) (map[string]interface{}, error) {
	out := make(map[string]interface{})
	if len(data) == 0 {
		return out, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// copyEvidence returns a copy whose Data map can be read without the lock.
// Nested values are shared; stored data is never mutated in place.
func copyEvidence(ev *Evidence) *Evidence {
	c := *ev
	c.Data = make(map[string]interface{}, len(ev.Data))
	for k, v := range ev.Data {
		c.Data[k] = v
	}
	return &c
}
