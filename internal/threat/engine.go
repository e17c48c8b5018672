package threat

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/1sec-project/secengine/internal/core"
	"github.com/1sec-project/secengine/internal/metrics"
	"github.com/1sec-project/secengine/internal/monitor"
)

// Status is the lifecycle state of a detected threat.
type Status string

const (
	StatusActive        Status = "active"
	StatusInvestigating Status = "investigating"
	StatusMitigated     Status = "mitigated"
	StatusFalsePositive Status = "false_positive"
)

var transitions = map[Status][]Status{
	StatusActive:        {StatusInvestigating, StatusMitigated, StatusFalsePositive},
	StatusInvestigating: {StatusMitigated, StatusFalsePositive},
}

// Open reports whether the threat can still collect events.
func (s Status) Open() bool {
	return s == StatusActive || s == StatusInvestigating
}

// Source says which detector raised a threat.
type Source string

const (
	SourceRule        Source = "rule"
	SourceAnomaly     Source = "anomaly"
	SourcePattern     Source = "pattern"
	SourceStatistical Source = "statistical"
	SourceIntel       Source = "intel"
)

const (
	maxThreatEvents = 200
	baselineTTL     = 30 * 24 * time.Hour
)

// DetectedThreat is one finding. Events only ever grow.
type DetectedThreat struct {
	ID           string                 `json:"id"`
	RuleID       string                 `json:"rule_id,omitempty"`
	ThreatType   string                 `json:"threat_type"`
	Source       Source                 `json:"source"`
	Severity     core.Severity          `json:"severity"`
	Confidence   int                    `json:"confidence"`
	DetectedAt   time.Time              `json:"detected_at"`
	LastActivity time.Time              `json:"last_activity"`
	Events       []*core.SecurityEvent  `json:"events"`
	EventCount   int                    `json:"event_count"`
	Evidence     []string               `json:"evidence,omitempty"`
	Status       Status                 `json:"status"`
	RiskScore    int                    `json:"risk_score"`
	UserID       string                 `json:"user_id,omitempty"`
	Description  string                 `json:"description"`
	Actions      []string               `json:"actions,omitempty"`
	Details      map[string]interface{} `json:"details,omitempty"`
	Key          string                 `json:"key"`
}

func (t *DetectedThreat) clone() *DetectedThreat {
	out := *t
	out.Events = append([]*core.SecurityEvent(nil), t.Events...)
	out.Evidence = append([]string(nil), t.Evidence...)
	out.Actions = append([]string(nil), t.Actions...)
	if t.Details != nil {
		out.Details = make(map[string]interface{}, len(t.Details))
		for k, v := range t.Details {
			out.Details[k] = v
		}
	}
	return &out
}

// IntelMatcher looks up threat intelligence for an event.
type IntelMatcher interface {
	MatchThreatIntel(e *core.SecurityEvent) []metrics.IntelMatch
}

// Engine runs rule, baseline, pattern and intel detection over the event stream.
type Engine struct {
	mu        sync.RWMutex
	cfg       core.ThreatConfig
	rules     []Rule
	buffer    *ring
	baselines map[string]*BehaviorBaseline
	threats   map[string]*DetectedThreat
	open      map[string]string // dedup key -> threat ID
	handlers  []func(*DetectedThreat)
	intel     IntelMatcher
	writer    *core.SnapshotWriter
	logger    zerolog.Logger
	now       func() time.Time

	processed int64
	detected  int64
}

type persistedState struct {
	Threats   []*DetectedThreat   `json:"threats"`
	Baselines []*BehaviorBaseline `json:"baselines"`
}

// New creates an Engine loaded with DefaultRules. intel may be nil.
func New(cfg core.ThreatConfig, mon *monitor.EventMonitor, intel IntelMatcher, writer *core.SnapshotWriter, logger zerolog.Logger) *Engine {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 10000
	}
	if cfg.PatternBatchSize <= 0 {
		cfg.PatternBatchSize = 100
	}
	if cfg.StatisticalWindow <= 0 {
		cfg.StatisticalWindow = 1000
	}
	if cfg.MinBaselineSamples <= 0 {
		cfg.MinBaselineSamples = 10
	}
	if cfg.AmountStdDevs <= 0 {
		cfg.AmountStdDevs = 3
	}
	if cfg.ZScoreThreshold <= 0 {
		cfg.ZScoreThreshold = 2
	}
	if cfg.ZScoreHigh <= cfg.ZScoreThreshold {
		cfg.ZScoreHigh = cfg.ZScoreThreshold + 1
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 7 * 24 * time.Hour
	}
	en := &Engine{
		cfg:       cfg,
		buffer:    newRing(cfg.BufferSize),
		baselines: make(map[string]*BehaviorBaseline),
		threats:   make(map[string]*DetectedThreat),
		open:      make(map[string]string),
		intel:     intel,
		writer:    writer,
		logger:    logger.With().Str("component", "threat_engine").Logger(),
		now:       mon.Now,
	}
	en.SetRules(DefaultRules())
	return en
}

// OnThreat registers a handler called with a copy of every newly opened threat.
func (en *Engine) OnThreat(fn func(*DetectedThreat)) {
	en.mu.Lock()
	en.handlers = append(en.handlers, fn)
	en.mu.Unlock()
}

// ProcessSecurityEvent buffers the event, updates the user's baseline and runs
// rule, anomaly and intel detection. It returns the threats it opened; matches
// against an already open threat extend that threat instead.
func (en *Engine) ProcessSecurityEvent(e *core.SecurityEvent) []*DetectedThreat {
	if e == nil {
		return nil
	}
	var matches []metrics.IntelMatch
	if en.intel != nil {
		matches = en.intel.MatchThreatIntel(e)
	}

	en.mu.Lock()
	en.processed++
	en.buffer.push(e)

	var anomalies []*DetectedThreat
	if e.UserID != "" {
		b, ok := en.baselines[e.UserID]
		if !ok {
			b = newBaseline(e.UserID, e.Timestamp)
			en.baselines[e.UserID] = b
		}
		anomalies = en.anomaliesLocked(b, e)
		b.update(e)
	}

	var created []*DetectedThreat
	for i := range en.rules {
		if t := en.evaluateRuleLocked(&en.rules[i], e); t != nil {
			created = append(created, t)
		}
	}
	for _, a := range anomalies {
		if t := en.raiseLocked(a, []*core.SecurityEvent{e}); t != nil {
			created = append(created, t)
		}
	}
	for _, m := range matches {
		t := &DetectedThreat{
			ThreatType:  "threat_intel_match",
			Source:      SourceIntel,
			Severity:    m.Intel.Severity,
			Confidence:  m.Intel.Confidence,
			UserID:      e.UserID,
			Description: fmt.Sprintf("event matched %s indicator %q", m.Intel.Type, m.Intel.Value),
			Details: map[string]interface{}{
				"intel_id":  m.Intel.ID,
				"indicator": m.Intel.Value,
				"field":     m.Field,
			},
			Key: "intel:" + m.Intel.ID + ":" + e.UserID,
		}
		if t := en.raiseLocked(t, []*core.SecurityEvent{e}); t != nil {
			created = append(created, t)
		}
	}
	out, handlers, state := en.finishLocked(created)
	en.mu.Unlock()

	en.dispatch(handlers, out)
	en.persist(state)
	return out
}

// evaluateRuleLocked counts the user's events matching the rule inside its
// window and opens a threat once the threshold is reached.
func (en *Engine) evaluateRuleLocked(r *Rule, e *core.SecurityEvent) *DetectedThreat {
	if !r.Enabled || !core.MatchAll(r.Conditions, e) {
		return nil
	}
	key := "rule:" + r.ID + ":" + e.UserID
	if t := en.openThreatLocked(key); t != nil {
		en.extendLocked(t, e)
		return nil
	}

	since := e.Timestamp.Add(-r.TimeWindow)
	var matched []*core.SecurityEvent
	en.buffer.reverse(func(ev *core.SecurityEvent) bool {
		if ev.Timestamp.Before(since) {
			return false
		}
		if ev.UserID == e.UserID && core.MatchAll(r.Conditions, ev) {
			matched = append(matched, ev)
		}
		return true
	})
	if len(matched) < r.Threshold {
		return nil
	}
	for i, j := 0, len(matched)-1; i < j; i, j = i+1, j-1 {
		matched[i], matched[j] = matched[j], matched[i]
	}

	return en.raiseLocked(&DetectedThreat{
		RuleID:      r.ID,
		ThreatType:  r.ThreatType,
		Source:      SourceRule,
		Severity:    r.Severity,
		Confidence:  r.Confidence,
		UserID:      e.UserID,
		Description: fmt.Sprintf("%s: %d matching events within %s", r.Name, len(matched), r.TimeWindow),
		Actions:     append([]string(nil), r.Actions...),
		Key:         key,
	}, matched)
}

// anomaliesLocked compares the event with the baseline as it stood before
// the event arrived.
func (en *Engine) anomaliesLocked(b *BehaviorBaseline, e *core.SecurityEvent) []*DetectedThreat {
	if e.Type == core.EventSuspiciousActivity {
		return nil
	}
	var out []*DetectedThreat
	if b.EventCount >= en.cfg.MinBaselineSamples && !b.knowsType(e.Type) {
		out = append(out, &DetectedThreat{
			ThreatType:  "unusual_event_type",
			Source:      SourceAnomaly,
			Severity:    core.SeverityMedium,
			Confidence:  en.cfg.AnomalyConfidence,
			UserID:      e.UserID,
			Description: fmt.Sprintf("user %s produced %s for the first time", e.UserID, e.Type),
			Details:     map[string]interface{}{"event_type": string(e.Type), "baseline_events": b.EventCount},
			Key:         "anomaly:unusual_event_type:" + e.UserID,
		})
	}
	if amount, ok := e.Amount(); ok && e.Type.IsPayment() {
		if devs, ok := b.amountDeviation(amount, en.cfg.MinBaselineSamples); ok && devs > en.cfg.AmountStdDevs {
			details := map[string]interface{}{"amount": amount, "samples": len(b.PaymentAmounts)}
			if devs < 1e9 {
				details["std_devs"] = devs
			}
			out = append(out, &DetectedThreat{
				ThreatType:  "unusual_payment_amount",
				Source:      SourceAnomaly,
				Severity:    core.SeverityMedium,
				Confidence:  en.cfg.AnomalyConfidence,
				UserID:      e.UserID,
				Description: fmt.Sprintf("payment of %.2f is outside user %s's usual range", amount, e.UserID),
				Details:     details,
				Key:         "anomaly:unusual_payment_amount:" + e.UserID,
			})
		}
	}
	return out
}

func (en *Engine) openThreatLocked(key string) *DetectedThreat {
	id, ok := en.open[key]
	if !ok {
		return nil
	}
	t, ok := en.threats[id]
	if !ok || !t.Status.Open() {
		delete(en.open, key)
		return nil
	}
	return t
}

func (en *Engine) extendLocked(t *DetectedThreat, e *core.SecurityEvent) {
	if len(t.Events) < maxThreatEvents {
		t.Events = append(t.Events, e)
	}
	t.EventCount++
	t.LastActivity = en.now().UTC()
	t.RiskScore = RiskScore(t.Severity, t.Confidence, t.Events)
}

// raiseLocked opens tmpl as a new threat, or extends the open threat sharing
// its key and returns nil.
func (en *Engine) raiseLocked(tmpl *DetectedThreat, events []*core.SecurityEvent) *DetectedThreat {
	if t := en.openThreatLocked(tmpl.Key); t != nil {
		for _, e := range events {
			if !containsEvent(t.Events, e.ID) {
				en.extendLocked(t, e)
			}
		}
		return nil
	}
	now := en.now().UTC()
	t := tmpl
	t.ID = uuid.New().String()
	t.Status = StatusActive
	t.DetectedAt = now
	t.LastActivity = now
	t.Confidence = clamp(t.Confidence, 0, 100)
	if len(events) > maxThreatEvents {
		events = events[:maxThreatEvents]
	}
	t.Events = append([]*core.SecurityEvent(nil), events...)
	t.EventCount = len(events)
	t.RiskScore = RiskScore(t.Severity, t.Confidence, t.Events)

	en.threats[t.ID] = t
	en.open[t.Key] = t.ID
	en.detected++
	core.ThreatsDetected.WithLabelValues(t.ThreatType, t.Severity.String()).Inc()
	en.logger.Warn().
		Str("threat_id", t.ID).
		Str("threat_type", t.ThreatType).
		Str("source", string(t.Source)).
		Str("user_id", t.UserID).
		Str("severity", t.Severity.String()).
		Int("risk_score", t.RiskScore).
		Msg("threat detected")
	return t
}

func containsEvent(events []*core.SecurityEvent, id string) bool {
	for _, e := range events {
		if e.ID == id {
			return true
		}
	}
	return false
}

// finishLocked copies new threats for callers and takes the handler list and
// a persistence snapshot.
func (en *Engine) finishLocked(created []*DetectedThreat) ([]*DetectedThreat, []func(*DetectedThreat), persistedState) {
	out := make([]*DetectedThreat, 0, len(created))
	for _, t := range created {
		if t != nil {
			out = append(out, t.clone())
		}
	}
	en.updateGaugeLocked()
	return out, append([]func(*DetectedThreat){}, en.handlers...), en.snapshotLocked()
}

func (en *Engine) dispatch(handlers []func(*DetectedThreat), threats []*DetectedThreat) {
	for _, t := range threats {
		for _, fn := range handlers {
			en.safeHandle(fn, t)
		}
	}
}

func (en *Engine) safeHandle(fn func(*DetectedThreat), t *DetectedThreat) {
	defer func() {
		if r := recover(); r != nil {
			en.logger.Error().
				Interface("panic", r).
				Str("threat_id", t.ID).
				Msg("threat handler panicked")
		}
	}()
	fn(t.clone())
}

func (en *Engine) updateGaugeLocked() {
	n := 0
	for _, t := range en.threats {
		if t.Status.Open() {
			n++
		}
	}
	core.ActiveThreats.Set(float64(n))
}

// ─── Queries and lifecycle ──────────────────────────────────────────────────

// GetActiveThreats returns copies of the open threats, oldest first.
func (en *Engine) GetActiveThreats() []*DetectedThreat {
	en.mu.RLock()
	defer en.mu.RUnlock()
	var out []*DetectedThreat
	for _, t := range en.threats {
		if t.Status.Open() {
			out = append(out, t.clone())
		}
	}
	sortThreats(out)
	return out
}

// Threats returns copies of every retained threat, oldest first.
func (en *Engine) Threats() []*DetectedThreat {
	en.mu.RLock()
	defer en.mu.RUnlock()
	out := make([]*DetectedThreat, 0, len(en.threats))
	for _, t := range en.threats {
		out = append(out, t.clone())
	}
	sortThreats(out)
	return out
}

func sortThreats(ts []*DetectedThreat) {
	sort.Slice(ts, func(i, j int) bool {
		if ts[i].DetectedAt.Equal(ts[j].DetectedAt) {
			return ts[i].ID < ts[j].ID
		}
		return ts[i].DetectedAt.Before(ts[j].DetectedAt)
	})
}

// GetThreat returns a copy of one threat.
func (en *Engine) GetThreat(id string) (*DetectedThreat, error) {
	en.mu.RLock()
	defer en.mu.RUnlock()
	t, ok := en.threats[id]
	if !ok {
		return nil, fmt.Errorf("threat %s: %w", id, core.ErrNotFound)
	}
	return t.clone(), nil
}

// UpdateThreatStatus moves a threat forward in its lifecycle.
func (en *Engine) UpdateThreatStatus(id string, status Status) error {
	en.mu.Lock()
	t, ok := en.threats[id]
	if !ok {
		en.mu.Unlock()
		return fmt.Errorf("threat %s: %w", id, core.ErrNotFound)
	}
	allowed := false
	for _, next := range transitions[t.Status] {
		if next == status {
			allowed = true
			break
		}
	}
	if !allowed {
		from := t.Status
		en.mu.Unlock()
		return fmt.Errorf("threat %s %s -> %s: %w", id, from, status, core.ErrInvalidTransition)
	}
	t.Status = status
	t.LastActivity = en.now().UTC()
	if !status.Open() {
		delete(en.open, t.Key)
	}
	en.updateGaugeLocked()
	state := en.snapshotLocked()
	en.mu.Unlock()

	en.logger.Info().Str("threat_id", id).Str("status", string(status)).Msg("threat status updated")
	en.persist(state)
	return nil
}

// AttachEvidence links a forensic evidence record to a threat.
func (en *Engine) AttachEvidence(id, evidenceID string) error {
	en.mu.Lock()
	t, ok := en.threats[id]
	if !ok {
		en.mu.Unlock()
		return fmt.Errorf("threat %s: %w", id, core.ErrNotFound)
	}
	t.Evidence = append(t.Evidence, evidenceID)
	state := en.snapshotLocked()
	en.mu.Unlock()
	en.persist(state)
	return nil
}

// Baseline returns a copy of a user's baseline.
func (en *Engine) Baseline(userID string) (*BehaviorBaseline, bool) {
	en.mu.RLock()
	defer en.mu.RUnlock()
	b, ok := en.baselines[userID]
	if !ok {
		return nil, false
	}
	return b.clone(), true
}

// RiskScores returns the risk score of every open threat.
func (en *Engine) RiskScores() []int {
	en.mu.RLock()
	defer en.mu.RUnlock()
	var out []int
	for _, t := range en.threats {
		if t.Status.Open() {
			out = append(out, t.RiskScore)
		}
	}
	return out
}

// Summary reports threat counts by status.
func (en *Engine) Summary() map[string]int {
	en.mu.RLock()
	defer en.mu.RUnlock()
	out := map[string]int{"total": len(en.threats), "baselines": len(en.baselines)}
	for _, t := range en.threats {
		out[string(t.Status)]++
	}
	return out
}

// ─── Rules ──────────────────────────────────────────────────────────────────

// SetRules replaces the rule set. Invalid or duplicate rules are skipped,
// logged and returned as errors.
func (en *Engine) SetRules(rules []Rule) []error {
	var (
		valid []Rule
		errs  []error
		seen  = make(map[string]bool)
	)
	for _, r := range rules {
		r = r.clone()
		if err := r.Validate(); err != nil {
			en.logger.Warn().Err(err).Str("rule_id", r.ID).Msg("skipping invalid threat rule")
			errs = append(errs, err)
			continue
		}
		if seen[r.ID] {
			err := core.NewValidationError("threat rule "+r.ID, "duplicate rule id")
			en.logger.Warn().Err(err).Msg("skipping duplicate threat rule")
			errs = append(errs, err)
			continue
		}
		seen[r.ID] = true
		valid = append(valid, r)
	}
	en.mu.Lock()
	en.rules = valid
	en.mu.Unlock()
	en.logger.Info().Int("rules", len(valid)).Int("skipped", len(errs)).Msg("threat rules loaded")
	return errs
}

// AddRule validates and appends a rule. IDs must be unique.
func (en *Engine) AddRule(r Rule) error {
	r = r.clone()
	if err := r.Validate(); err != nil {
		return err
	}
	en.mu.Lock()
	defer en.mu.Unlock()
	for _, existing := range en.rules {
		if existing.ID == r.ID {
			return core.NewValidationError("threat rule "+r.ID, "duplicate rule id")
		}
	}
	en.rules = append(en.rules, r)
	return nil
}

// RemoveRule deletes a rule by ID. Threats it opened are kept.
func (en *Engine) RemoveRule(id string) error {
	en.mu.Lock()
	defer en.mu.Unlock()
	for i, r := range en.rules {
		if r.ID == id {
			en.rules = append(en.rules[:i], en.rules[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("threat rule %s: %w", id, core.ErrNotFound)
}

// Rules returns a copy of the rule set.
func (en *Engine) Rules() []Rule {
	en.mu.RLock()
	defer en.mu.RUnlock()
	out := make([]Rule, len(en.rules))
	for i, r := range en.rules {
		out[i] = r.clone()
	}
	return out
}

// ─── Maintenance and persistence ────────────────────────────────────────────

// Cleanup drops closed threats idle past retention and stale baselines. It
// returns the number of threats removed.
func (en *Engine) Cleanup() int {
	now := en.now()
	cutoff := now.Add(-en.cfg.Retention)

	en.mu.Lock()
	removed := 0
	for id, t := range en.threats {
		if !t.Status.Open() && t.LastActivity.Before(cutoff) {
			delete(en.threats, id)
			removed++
		}
	}
	for user, b := range en.baselines {
		if now.Sub(b.LastSeen) > baselineTTL {
			delete(en.baselines, user)
		}
	}
	state := en.snapshotLocked()
	en.mu.Unlock()

	if removed > 0 {
		en.logger.Info().Int("removed", removed).Msg("expired threats removed")
	}
	en.persist(state)
	return removed
}

// Load restores threats and baselines.
func (en *Engine) Load(ctx context.Context, store core.Store) error {
	var state persistedState
	ok, err := core.LoadInto(ctx, store, core.KeyThreatState, &state)
	if err != nil {
		return fmt.Errorf("loading threat state: %w", err)
	}
	if !ok {
		return nil
	}

	en.mu.Lock()
	defer en.mu.Unlock()
	for _, t := range state.Threats {
		if t == nil || t.ID == "" {
			continue
		}
		en.threats[t.ID] = t
		if t.Status.Open() && t.Key != "" {
			en.open[t.Key] = t.ID
		}
	}
	for _, b := range state.Baselines {
		if b != nil && b.UserID != "" {
			en.baselines[b.UserID] = b
		}
	}
	en.updateGaugeLocked()
	en.logger.Info().
		Int("threats", len(en.threats)).
		Int("baselines", len(en.baselines)).
		Msg("threat state restored")
	return nil
}

func (en *Engine) snapshotLocked() persistedState {
	state := persistedState{
		Threats:   make([]*DetectedThreat, 0, len(en.threats)),
		Baselines: make([]*BehaviorBaseline, 0, len(en.baselines)),
	}
	for _, t := range en.threats {
		state.Threats = append(state.Threats, t.clone())
	}
	for _, b := range en.baselines {
		state.Baselines = append(state.Baselines, b.clone())
	}
	return state
}

func (en *Engine) persist(state persistedState) {
	if en.writer != nil {
		en.writer.Save(core.KeyThreatState, state)
	}
}

// Stats returns engine counters.
func (en *Engine) Stats() map[string]interface{} {
	en.mu.RLock()
	defer en.mu.RUnlock()
	return map[string]interface{}{
		"processed": en.processed,
		"detected":  en.detected,
		"threats":   len(en.threats),
		"open":      len(en.open),
		"rules":     len(en.rules),
		"baselines": len(en.baselines),
		"buffered":  en.buffer.len(),
	}
}
