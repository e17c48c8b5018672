package incident

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/1sec-project/secengine/internal/core"
	"github.com/1sec-project/secengine/internal/monitor"
)

// OperationAll rate-limits every operation for a user.
const OperationAll = "all"

// OperationRead is the only operation a quarantined user may perform.
const OperationRead = "read"

var (
	ErrUserBlocked = errors.New("user is blocked")
	ErrRateLimited = errors.New("user is rate limited")
	ErrQuarantined = errors.New("user is quarantined")
)

// Manager turns matching events into incidents, runs automated responses and
// answers enforcement queries.
type Manager struct {
	mu          sync.RWMutex
	cfg         core.IncidentConfig
	monitor     *monitor.EventMonitor
	rules       []Rule
	incidents   map[string]*SecurityIncident
	blocked     map[string]time.Time            // user -> expiry, zero = until unblocked
	rateLimits  map[string]map[string]time.Time // user -> operation -> expiry
	quarantined map[string]time.Time
	executors   map[ActionType]ActionExecutor
	handlers    []func(*SecurityIncident)
	notify      Notifier
	evidence    EvidenceCapturer
	writer      *core.SnapshotWriter
	logger      zerolog.Logger
	now         func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	opened   int64
	actions  int64
	failures int64
}

type persistedState struct {
	Incidents    []*SecurityIncident             `json:"incidents"`
	BlockedUsers map[string]time.Time            `json:"blocked_users"`
	RateLimits   map[string]map[string]time.Time `json:"rate_limits"`
	Quarantined  map[string]time.Time            `json:"quarantined"`
}

// New creates a Manager loaded with DefaultRules.
func New(cfg core.IncidentConfig, mon *monitor.EventMonitor, writer *core.SnapshotWriter, logger zerolog.Logger) *Manager {
	if cfg.RelatedWindow <= 0 {
		cfg.RelatedWindow = 5 * time.Minute
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 30 * 24 * time.Hour
	}
	if cfg.DefaultRateLimit <= 0 {
		cfg.DefaultRateLimit = time.Hour
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:         cfg,
		monitor:     mon,
		incidents:   make(map[string]*SecurityIncident),
		blocked:     make(map[string]time.Time),
		rateLimits:  make(map[string]map[string]time.Time),
		quarantined: make(map[string]time.Time),
		writer:      writer,
		logger:      logger.With().Str("component", "incident_manager").Logger(),
		now:         mon.Now,
		ctx:         ctx,
		cancel:      cancel,
	}
	m.executors = builtinExecutors(m)
	m.SetRules(DefaultRules())
	return m
}

// SetNotifier wires the alert, notify and escalate actions to a notifier.
func (m *Manager) SetNotifier(n Notifier) {
	m.mu.Lock()
	m.notify = n
	m.mu.Unlock()
}

// SetEvidenceCapturer wires the forensic_capture action.
func (m *Manager) SetEvidenceCapturer(c EvidenceCapturer) {
	m.mu.Lock()
	m.evidence = c
	m.mu.Unlock()
}

func (m *Manager) notifier() Notifier {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.notify
}

func (m *Manager) capturer() EvidenceCapturer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.evidence
}

// RegisterExecutor adds or replaces the executor for an action type.
func (m *Manager) RegisterExecutor(t ActionType, exec ActionExecutor) {
	m.mu.Lock()
	m.executors[t] = exec
	m.mu.Unlock()
}

// OnIncident registers a handler called with a copy of each new incident
// after its immediate responses have run.
func (m *Manager) OnIncident(fn func(*SecurityIncident)) {
	m.mu.Lock()
	m.handlers = append(m.handlers, fn)
	m.mu.Unlock()
}

// Close stops delayed responses and waits for them to finish.
func (m *Manager) Close() error {
	m.cancel()
	m.wg.Wait()
	return nil
}

type opened struct {
	inc     *SecurityIncident
	actions []ResponseAction
}

// ProcessSecurityEvent evaluates the incident rules against an event that
// has already been logged by the monitor. It returns the incidents it opened.
func (m *Manager) ProcessSecurityEvent(e *core.SecurityEvent) []*SecurityIncident {
	if e == nil {
		return nil
	}

	m.mu.Lock()
	var created []opened
	changed := false
	for i := range m.rules {
		r := &m.rules[i]
		if !r.Enabled || !m.triggeredLocked(r, e) {
			continue
		}
		if inc := m.openIncidentLocked(r.ID, e.UserID); inc != nil {
			if !inc.hasEvent(e.ID) {
				inc.Events = append(inc.Events, e)
				inc.UpdatedAt = m.now().UTC()
				changed = true
			}
			continue
		}
		inc := m.openLocked(r, e)
		created = append(created, opened{inc: inc, actions: r.clone().AutoResponse})
	}
	handlers := append([]func(*SecurityIncident){}, m.handlers...)
	m.mu.Unlock()

	if len(created) == 0 {
		if changed {
			m.persistNow()
		}
		return nil
	}

	out := make([]*SecurityIncident, 0, len(created))
	for _, c := range created {
		m.respond(c.inc.ID, c.actions)
		inc, err := m.GetIncident(c.inc.ID)
		if err != nil {
			continue
		}
		for _, fn := range handlers {
			m.safeHandle(fn, inc)
		}
		out = append(out, inc)
	}
	m.persistNow()
	return out
}

// triggeredLocked reports whether any trigger of the rule matches. Windowed
// triggers count the user's matching events in the monitor, this one included.
func (m *Manager) triggeredLocked(r *Rule, e *core.SecurityEvent) bool {
	for i := range r.Triggers {
		t := &r.Triggers[i]
		if !t.admits(e) {
			continue
		}
		if !t.windowed() {
			return true
		}
		recent := m.monitor.GetRecentEvents(monitor.Filter{Type: t.EventType, UserID: e.UserID, Window: t.Conditions.TimeWindow})
		count, self := 0, false
		for _, ev := range recent {
			if ev.UserID == e.UserID && t.admits(ev) {
				count++
				self = self || ev.ID == e.ID
			}
		}
		if !self {
			count++
		}
		if count >= t.Conditions.Count {
			return true
		}
	}
	return false
}

func (m *Manager) openIncidentLocked(ruleID, userID string) *SecurityIncident {
	for _, inc := range m.incidents {
		if inc.RuleID == ruleID && inc.UserID == userID && inc.Status.Active() {
			return inc
		}
	}
	return nil
}

func (m *Manager) openLocked(r *Rule, e *core.SecurityEvent) *SecurityIncident {
	now := m.now().UTC()
	var related []*core.SecurityEvent
	for _, ev := range m.monitor.GetRecentEvents(monitor.Filter{UserID: e.UserID, Window: m.cfg.RelatedWindow}) {
		if ev.UserID == e.UserID {
			related = append(related, ev)
		}
	}
	found := false
	for _, ev := range related {
		if ev.ID == e.ID {
			found = true
			break
		}
	}
	if !found {
		related = append(related, e)
	}

	subject := e.UserID
	if subject == "" {
		subject = "anonymous"
	}
	inc := &SecurityIncident{
		ID:       uuid.New().String(),
		RuleID:   r.ID,
		Title:    fmt.Sprintf("%s: %s", r.Name, subject),
		Severity: r.Severity,
		Status:   StatusOpen,
		UserID:   e.UserID,
		Events:   related,
		ForensicData: map[string]interface{}{
			"trigger_event_id": e.ID,
			"trigger_type":     string(e.Type),
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.incidents[inc.ID] = inc
	m.opened++
	core.IncidentsOpened.WithLabelValues(r.ID, r.Severity.String()).Inc()
	m.updateGaugeLocked()

	m.logger.Warn().
		Str("incident_id", inc.ID).
		Str("rule_id", r.ID).
		Str("user_id", e.UserID).
		Str("severity", r.Severity.String()).
		Int("events", len(related)).
		Msg("incident opened")
	return inc
}

// respond runs actions in order. Once an action with a delay is reached the
// rest continue in the background.
func (m *Manager) respond(id string, actions []ResponseAction) {
	if !m.cfg.AutoResponse {
		return
	}
	for i, a := range actions {
		if a.Delay > 0 {
			rest := actions[i:]
			m.wg.Add(1)
			go m.respondDelayed(id, rest)
			return
		}
		m.execute(id, a)
	}
}

func (m *Manager) respondDelayed(id string, actions []ResponseAction) {
	defer m.wg.Done()
	for _, a := range actions {
		if d := m.delay(a.Delay); d > 0 {
			timer := time.NewTimer(d)
			select {
			case <-timer.C:
			case <-m.ctx.Done():
				timer.Stop()
				m.logger.Debug().Str("incident_id", id).Msg("delayed responses cancelled")
				return
			}
		}
		m.execute(id, a)
	}
	m.persistNow()
}

func (m *Manager) delay(d time.Duration) time.Duration {
	if m.cfg.MaxActionDelay > 0 && d > m.cfg.MaxActionDelay {
		return m.cfg.MaxActionDelay
	}
	return d
}

// execute runs one action against a copy of the incident and records the
// outcome. Failures are logged and never stop later actions.
func (m *Manager) execute(id string, a ResponseAction) {
	m.mu.RLock()
	stored, ok := m.incidents[id]
	var inc *SecurityIncident
	if ok {
		inc = stored.clone()
	}
	exec, known := m.executors[a.Type]
	m.mu.RUnlock()
	if !ok {
		return
	}

	rec := Action{ID: uuid.New().String(), Type: a.Type, Timestamp: m.now().UTC()}
	start := time.Now()
	var err error
	if !known {
		err = actionError(a.Type, fmt.Errorf("no executor for action type %q", a.Type))
	} else {
		rec.Target, rec.Details, err = m.safeExecute(exec, inc, a)
	}
	rec.DurationMs = time.Since(start).Milliseconds()
	rec.Success = err == nil

	result := "success"
	if err != nil {
		result = "failure"
		rec.Error = err.Error()
		m.logger.Error().Err(err).
			Str("incident_id", id).
			Str("action", string(a.Type)).
			Msg("response action failed")
	} else {
		m.logger.Info().
			Str("incident_id", id).
			Str("action", string(a.Type)).
			Str("target", rec.Target).
			Int64("duration_ms", rec.DurationMs).
			Msg("response action succeeded")
	}
	core.ResponseActions.WithLabelValues(string(a.Type), result).Inc()

	m.mu.Lock()
	if stored, ok := m.incidents[id]; ok {
		stored.Actions = append(stored.Actions, rec)
		stored.UpdatedAt = m.now().UTC()
	}
	m.actions++
	if err != nil {
		m.failures++
	}
	m.mu.Unlock()
}

func (m *Manager) safeExecute(exec ActionExecutor, inc *SecurityIncident, a ResponseAction) (target, details string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = actionError(a.Type, fmt.Errorf("executor panicked: %v", r))
		}
	}()
	target, details, err = exec.Execute(m.ctx, inc, a, m.logger)
	if err != nil {
		var aerr *core.ActionError
		if !errors.As(err, &aerr) {
			err = actionError(a.Type, err)
		}
	}
	return target, details, err
}

func (m *Manager) safeHandle(fn func(*SecurityIncident), inc *SecurityIncident) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error().
				Interface("panic", r).
				Str("incident_id", inc.ID).
				Msg("incident handler panicked")
		}
	}()
	fn(inc.clone())
}

func (m *Manager) addEvidence(id, evidenceID string) {
	m.mu.Lock()
	if inc, ok := m.incidents[id]; ok {
		inc.appendData("evidence_ids", evidenceID)
	}
	m.mu.Unlock()
}

// escalate raises severity to critical and moves an open incident to
// investigating.
func (m *Manager) escalate(id string) (*SecurityIncident, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inc, ok := m.incidents[id]
	if !ok {
		return nil, fmt.Errorf("incident %s: %w", id, core.ErrNotFound)
	}
	inc.Severity = core.SeverityCritical
	if inc.Status == StatusOpen {
		inc.Status = StatusInvestigating
	}
	inc.UpdatedAt = m.now().UTC()
	return inc.clone(), nil
}

func (m *Manager) updateGaugeLocked() {
	n := 0
	for _, inc := range m.incidents {
		if inc.Status.Active() {
			n++
		}
	}
	core.ActiveIncidents.Set(float64(n))
}

// ─── Lifecycle ──────────────────────────────────────────────────────────────

// UpdateStatus moves an incident forward.
func (m *Manager) UpdateStatus(id string, status Status) error {
	return m.transition(id, status, "")
}

// ResolveIncident marks the incident resolved and keeps the resolution note.
func (m *Manager) ResolveIncident(id, resolution string) error {
	return m.transition(id, StatusResolved, resolution)
}

// CloseIncident moves the incident to its final state.
func (m *Manager) CloseIncident(id string) error {
	return m.transition(id, StatusClosed, "")
}

func (m *Manager) transition(id string, status Status, note string) error {
	m.mu.Lock()
	inc, ok := m.incidents[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("incident %s: %w", id, core.ErrNotFound)
	}
	if !inc.Status.canMove(status) {
		from := inc.Status
		m.mu.Unlock()
		return fmt.Errorf("incident %s %s -> %s: %w", id, from, status, core.ErrInvalidTransition)
	}
	now := m.now().UTC()
	inc.Status = status
	inc.UpdatedAt = now
	if status == StatusResolved || (status == StatusClosed && inc.ResolvedAt == nil) {
		inc.ResolvedAt = &now
	}
	if note != "" {
		inc.appendData("resolution_notes", note)
	}
	m.updateGaugeLocked()
	state := m.snapshotLocked()
	m.mu.Unlock()

	m.logger.Info().Str("incident_id", id).Str("status", string(status)).Msg("incident status updated")
	m.persist(state)
	return nil
}

// GetIncident returns a copy of one incident.
func (m *Manager) GetIncident(id string) (*SecurityIncident, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inc, ok := m.incidents[id]
	if !ok {
		return nil, fmt.Errorf("incident %s: %w", id, core.ErrNotFound)
	}
	return inc.clone(), nil
}

// GetActiveIncidents returns copies of open, investigating and mitigating
// incidents, oldest first.
func (m *Manager) GetActiveIncidents() []*SecurityIncident {
	return m.list(func(inc *SecurityIncident) bool { return inc.Status.Active() })
}

// Incidents returns copies of every retained incident, oldest first.
func (m *Manager) Incidents() []*SecurityIncident {
	return m.list(func(*SecurityIncident) bool { return true })
}

func (m *Manager) list(keep func(*SecurityIncident) bool) []*SecurityIncident {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*SecurityIncident
	for _, inc := range m.incidents {
		if keep(inc) {
			out = append(out, inc.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Summary reports incident counts by status.
func (m *Manager) Summary() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := map[string]int{"total": len(m.incidents), "blocked_users": len(m.blocked)}
	for _, inc := range m.incidents {
		out[string(inc.Status)]++
	}
	return out
}

// ─── Enforcement ────────────────────────────────────────────────────────────

// BlockUser blocks a user. A zero duration blocks until UnblockUser.
func (m *Manager) BlockUser(userID string, d time.Duration) {
	m.mu.Lock()
	m.blocked[userID] = m.expiry(d)
	state := m.snapshotLocked()
	m.mu.Unlock()
	m.logger.Warn().Str("user_id", userID).Dur("duration", d).Msg("user blocked")
	m.persist(state)
}

// UnblockUser lifts a block. It reports whether the user was blocked.
func (m *Manager) UnblockUser(userID string) bool {
	m.mu.Lock()
	_, ok := m.blocked[userID]
	delete(m.blocked, userID)
	state := m.snapshotLocked()
	m.mu.Unlock()
	if ok {
		m.logger.Info().Str("user_id", userID).Msg("user unblocked")
		m.persist(state)
	}
	return ok
}

// RateLimitUser restricts one operation, or every operation with OperationAll.
func (m *Manager) RateLimitUser(userID, op string, d time.Duration) {
	if d <= 0 {
		d = m.cfg.DefaultRateLimit
	}
	m.mu.Lock()
	ops, ok := m.rateLimits[userID]
	if !ok {
		ops = make(map[string]time.Time)
		m.rateLimits[userID] = ops
	}
	ops[op] = m.expiry(d)
	state := m.snapshotLocked()
	m.mu.Unlock()
	m.logger.Warn().Str("user_id", userID).Str("operation", op).Dur("duration", d).Msg("user rate limited")
	m.persist(state)
}

// QuarantineUser limits a user to read operations. A zero duration lasts
// until ReleaseUser.
func (m *Manager) QuarantineUser(userID string, d time.Duration) {
	m.mu.Lock()
	m.quarantined[userID] = m.expiry(d)
	state := m.snapshotLocked()
	m.mu.Unlock()
	m.logger.Warn().Str("user_id", userID).Msg("user quarantined")
	m.persist(state)
}

// ReleaseUser lifts a quarantine.
func (m *Manager) ReleaseUser(userID string) bool {
	m.mu.Lock()
	_, ok := m.quarantined[userID]
	delete(m.quarantined, userID)
	state := m.snapshotLocked()
	m.mu.Unlock()
	if ok {
		m.persist(state)
	}
	return ok
}

func (m *Manager) expiry(d time.Duration) time.Time {
	if d <= 0 {
		return time.Time{}
	}
	return m.now().UTC().Add(d)
}

func (m *Manager) expired(at time.Time) bool {
	return !at.IsZero() && !m.now().Before(at)
}

// IsUserBlocked reports whether the user is blocked. Expired blocks are
// dropped on lookup.
func (m *Manager) IsUserBlocked(userID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.blockedLocked(userID)
}

func (m *Manager) blockedLocked(userID string) bool {
	at, ok := m.blocked[userID]
	if !ok {
		return false
	}
	if m.expired(at) {
		delete(m.blocked, userID)
		return false
	}
	return true
}

// IsUserRateLimited reports whether op, or every operation, is limited for
// the user. Expired limits are dropped on lookup.
func (m *Manager) IsUserRateLimited(userID, op string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rateLimitedLocked(userID, op)
}

func (m *Manager) rateLimitedLocked(userID, op string) bool {
	ops, ok := m.rateLimits[userID]
	if !ok {
		return false
	}
	limited := false
	for _, key := range []string{op, OperationAll} {
		at, ok := ops[key]
		if !ok {
			continue
		}
		if m.expired(at) {
			delete(ops, key)
			continue
		}
		limited = true
	}
	if len(ops) == 0 {
		delete(m.rateLimits, userID)
	}
	return limited
}

// Quarantined reports whether the user is quarantined.
func (m *Manager) Quarantined(userID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.quarantinedLocked(userID)
}

func (m *Manager) quarantinedLocked(userID string) bool {
	at, ok := m.quarantined[userID]
	if !ok {
		return false
	}
	if m.expired(at) {
		delete(m.quarantined, userID)
		return false
	}
	return true
}

// Enforce decides whether the user may perform op. Callers treat a non-nil
// error as a denial.
func (m *Manager) Enforce(userID, op string) error {
	if userID == "" {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case m.blockedLocked(userID):
		return fmt.Errorf("%s: %w", userID, ErrUserBlocked)
	case op != OperationRead && m.quarantinedLocked(userID):
		return fmt.Errorf("%s %s: %w", userID, op, ErrQuarantined)
	case m.rateLimitedLocked(userID, op):
		return fmt.Errorf("%s %s: %w", userID, op, ErrRateLimited)
	}
	return nil
}

// ─── Rules ──────────────────────────────────────────────────────────────────

// SetRules replaces the rule set. Invalid or duplicate rules are skipped,
// logged and returned as errors.
func (m *Manager) SetRules(rules []Rule) []error {
	var (
		valid []Rule
		errs  []error
		seen  = make(map[string]bool)
	)
	for _, r := range rules {
		r = r.clone()
		err := m.validateRule(&r)
		if err == nil && seen[r.ID] {
			err = core.NewValidationError("incident rule "+r.ID, "duplicate rule id")
		}
		if err != nil {
			m.logger.Warn().Err(err).Str("rule_id", r.ID).Msg("skipping invalid incident rule")
			errs = append(errs, err)
			continue
		}
		seen[r.ID] = true
		valid = append(valid, r)
	}
	m.mu.Lock()
	m.rules = valid
	m.mu.Unlock()
	m.logger.Info().Int("rules", len(valid)).Int("skipped", len(errs)).Msg("incident rules loaded")
	return errs
}

// validateRule checks the rule and the parameters of actions with a known
// executor. Unknown action types are allowed and fail when run.
func (m *Manager) validateRule(r *Rule) error {
	if err := r.validate(); err != nil {
		return err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var issues []string
	for i, a := range r.AutoResponse {
		if exec, ok := m.executors[a.Type]; ok {
			if err := exec.Validate(a); err != nil {
				issues = append(issues, fmt.Sprintf("auto_response[%d]: %v", i, err))
			}
		}
	}
	if len(issues) > 0 {
		return core.NewValidationError("incident rule "+r.ID, issues...)
	}
	return nil
}

// AddRule validates and appends a rule. IDs must be unique.
func (m *Manager) AddRule(r Rule) error {
	r = r.clone()
	if err := m.validateRule(&r); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.rules {
		if existing.ID == r.ID {
			return core.NewValidationError("incident rule "+r.ID, "duplicate rule id")
		}
	}
	m.rules = append(m.rules, r)
	return nil
}

// RemoveRule deletes a rule by ID.
func (m *Manager) RemoveRule(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, r := range m.rules {
		if r.ID == id {
			m.rules = append(m.rules[:i], m.rules[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("incident rule %s: %w", id, core.ErrNotFound)
}

// Rules returns a copy of the rule set.
func (m *Manager) Rules() []Rule {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Rule, len(m.rules))
	for i, r := range m.rules {
		out[i] = r.clone()
	}
	return out
}

// ─── Maintenance and persistence ────────────────────────────────────────────

// Cleanup drops resolved and closed incidents untouched past retention and
// expired enforcement entries. It returns the number of incidents removed.
func (m *Manager) Cleanup() int {
	cutoff := m.now().Add(-m.cfg.Retention)

	m.mu.Lock()
	removed := 0
	for id, inc := range m.incidents {
		if !inc.Status.Active() && inc.UpdatedAt.Before(cutoff) {
			delete(m.incidents, id)
			removed++
		}
	}
	for user := range m.blocked {
		m.blockedLocked(user)
	}
	for user := range m.rateLimits {
		for op := range m.rateLimits[user] {
			m.rateLimitedLocked(user, op)
		}
	}
	for user := range m.quarantined {
		m.quarantinedLocked(user)
	}
	state := m.snapshotLocked()
	m.mu.Unlock()

	if removed > 0 {
		m.logger.Info().Int("removed", removed).Msg("expired incidents removed")
	}
	m.persist(state)
	return removed
}

// Load restores incidents and enforcement state.
func (m *Manager) Load(ctx context.Context, store core.Store) error {
	var state persistedState
	ok, err := core.LoadInto(ctx, store, core.KeyIncidentState, &state)
	if err != nil {
		return fmt.Errorf("loading incident state: %w", err)
	}
	if !ok {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, inc := range state.Incidents {
		if inc != nil && inc.ID != "" {
			m.incidents[inc.ID] = inc
		}
	}
	for user, at := range state.BlockedUsers {
		m.blocked[user] = at
	}
	for user, ops := range state.RateLimits {
		m.rateLimits[user] = ops
	}
	for user, at := range state.Quarantined {
		m.quarantined[user] = at
	}
	m.updateGaugeLocked()
	m.logger.Info().
		Int("incidents", len(m.incidents)).
		Int("blocked_users", len(m.blocked)).
		Msg("incident state restored")
	return nil
}

func (m *Manager) snapshotLocked() persistedState {
	state := persistedState{
		Incidents:    make([]*SecurityIncident, 0, len(m.incidents)),
		BlockedUsers: make(map[string]time.Time, len(m.blocked)),
		RateLimits:   make(map[string]map[string]time.Time, len(m.rateLimits)),
		Quarantined:  make(map[string]time.Time, len(m.quarantined)),
	}
	for _, inc := range m.incidents {
		state.Incidents = append(state.Incidents, inc.clone())
	}
	for k, v := range m.blocked {
		state.BlockedUsers[k] = v
	}
	for user, ops := range m.rateLimits {
		cp := make(map[string]time.Time, len(ops))
		for op, at := range ops {
			cp[op] = at
		}
		state.RateLimits[user] = cp
	}
	for k, v := range m.quarantined {
		state.Quarantined[k] = v
	}
	return state
}

func (m *Manager) persist(state persistedState) {
	if m.writer != nil {
		m.writer.Save(core.KeyIncidentState, state)
	}
}

func (m *Manager) persistNow() {
	m.mu.RLock()
	state := m.snapshotLocked()
	m.mu.RUnlock()
	m.persist(state)
}

// Stats returns manager counters.
func (m *Manager) Stats() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return map[string]interface{}{
		"incidents":       len(m.incidents),
		"opened":          m.opened,
		"actions":         m.actions,
		"action_failures": m.failures,
		"rules":           len(m.rules),
		"blocked_users":   len(m.blocked),
		"rate_limited":    len(m.rateLimits),
		"quarantined":     len(m.quarantined),
	}
}
