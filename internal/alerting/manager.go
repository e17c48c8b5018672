package alerting

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/1sec-project/secengine/internal/core"
	"github.com/1sec-project/secengine/internal/incident"
	"github.com/1sec-project/secengine/internal/monitor"
	"github.com/1sec-project/secengine/internal/threat"
)

const (
	systemThrottle = time.Minute
	typeSystem     = core.EventType("system")
)

// incidentNotice describes the alert raised for each incident action reason.
type incidentNotice struct {
	title    string
	channels []Channel
}

var incidentNotices = map[string]incidentNotice{
	"alert":    {"Incident alert", []Channel{ChannelConsole, ChannelToast, ChannelWebhook, ChannelBus}},
	"notify":   {"Incident notification", []Channel{ChannelConsole, ChannelBrowser, ChannelEmail, ChannelWebhook}},
	"escalate": {"Incident escalated", []Channel{ChannelConsole, ChannelModal, ChannelEmail, ChannelWebhook, ChannelBus}},
}

// Option customizes a Manager.
type Option func(*Manager)

// WithPublisher enables the bus channel.
func WithPublisher(p Publisher) Option {
	return func(m *Manager) {
		if p != nil {
			m.channels[ChannelBus] = busChannel{pub: p}
		}
	}
}

// WithDeliverer replaces the deliverer for a channel.
func WithDeliverer(ch Channel, d Deliverer) Option {
	return func(m *Manager) { m.channels[ch] = d }
}

// Manager evaluates alert rules, throttles repeats and fans alerts out to
// delivery channels.
type Manager struct {
	mu        sync.RWMutex
	cfg       core.AlertingConfig
	rules     []Rule
	alerts    map[string]*SecurityAlert
	order     []string // alert IDs, oldest first
	throttle  *lru.Cache[string, time.Time]
	channels  map[Channel]Deliverer
	callbacks map[Channel]*callbackChannel
	webhook   *WebhookDispatcher
	email     *emailChannel
	writer    *core.SnapshotWriter
	logger    zerolog.Logger
	now       func() time.Time

	created   int64
	throttled int64
	failures  int64
}

type persistedAlerts struct {
	Alerts []*SecurityAlert `json:"alerts"`
}

// New creates a Manager loaded with DefaultRules.
func New(cfg core.AlertingConfig, mon *monitor.EventMonitor, writer *core.SnapshotWriter, logger zerolog.Logger, opts ...Option) *Manager {
	if cfg.MaxAlerts <= 0 {
		cfg.MaxAlerts = 1000
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 7 * 24 * time.Hour
	}
	if cfg.ThrottleCache <= 0 {
		cfg.ThrottleCache = 10000
	}
	throttle, _ := lru.New[string, time.Time](cfg.ThrottleCache)

	m := &Manager{
		cfg:      cfg,
		alerts:   make(map[string]*SecurityAlert),
		throttle: throttle,
		channels: make(map[Channel]Deliverer),
		callbacks: map[Channel]*callbackChannel{
			ChannelBrowser: {},
			ChannelToast:   {},
			ChannelModal:   {},
		},
		writer: writer,
		logger: logger.With().Str("component", "alert_manager").Logger(),
		now:    mon.Now,
	}
	for ch, cb := range m.callbacks {
		m.channels[ch] = cb
	}
	if cfg.EnableConsole {
		m.channels[ChannelConsole] = consoleChannel{logger: m.logger}
	}
	if cfg.Email.Enabled() {
		m.email = newEmailChannel(cfg.Email, func(a *SecurityAlert, err error) {
			m.asyncFailure(a.ID, ChannelEmail, err)
		})
		m.channels[ChannelEmail] = m.email
	}
	if len(cfg.Webhook.URLs) > 0 {
		m.webhook = NewWebhookDispatcher(cfg.Webhook, func(dl DeadLetterEntry) {
			m.asyncFailure(dl.Delivery.AlertID, ChannelWebhook, fmt.Errorf("%s: %s", dl.Delivery.URL, dl.LastError))
		}, logger)
		m.channels[ChannelWebhook] = m.webhook
	}
	for _, opt := range opts {
		opt(m)
	}
	m.SetRules(DefaultRules())
	return m
}

// RegisterCallback adds a delivery callback for the browser, toast or modal
// channel.
func (m *Manager) RegisterCallback(ch Channel, fn Callback) error {
	cb, ok := m.callbacks[ch]
	if !ok {
		return fmt.Errorf("channel %s does not take callbacks", ch)
	}
	cb.add(fn)
	return nil
}

// Webhook returns the webhook dispatcher, or nil when no URLs are configured.
func (m *Manager) Webhook() *WebhookDispatcher { return m.webhook }

// Close waits for in-flight email and stops the webhook workers.
func (m *Manager) Close() error {
	if m.email != nil {
		m.email.wait()
	}
	if m.webhook != nil {
		m.webhook.Close()
	}
	return nil
}

// ─── Evaluation ─────────────────────────────────────────────────────────────

// ProcessSecurityEvent evaluates the alert rules against an event and returns
// the alerts it created.
func (m *Manager) ProcessSecurityEvent(e *core.SecurityEvent) []*SecurityAlert {
	if e == nil {
		return nil
	}
	return m.process(eventSubject(e))
}

// ProcessSecurityIncident evaluates the rules watching the "incident" type.
func (m *Manager) ProcessSecurityIncident(inc *incident.SecurityIncident) []*SecurityAlert {
	if inc == nil {
		return nil
	}
	return m.process(incidentSubject(inc))
}

// ProcessThreat evaluates the rules watching the "threat" type.
func (m *Manager) ProcessThreat(t *threat.DetectedThreat) []*SecurityAlert {
	if t == nil {
		return nil
	}
	return m.process(threatSubject(t))
}

func throttleKey(ruleID string, t core.EventType, userID string) string {
	return ruleID + "|" + string(t) + "|" + userID
}

// admitLocked reports whether key is outside its throttle window and, if so,
// starts a new window.
func (m *Manager) admitLocked(key string, window time.Duration, now time.Time) bool {
	if window > 0 {
		if last, ok := m.throttle.Get(key); ok && now.Sub(last) < window {
			m.throttled++
			core.AlertsThrottled.Inc()
			return false
		}
	}
	m.throttle.Add(key, now)
	return true
}

func (m *Manager) process(s subject) []*SecurityAlert {
	now := m.now()
	typ := s.matchType()

	m.mu.Lock()
	var created []*SecurityAlert
	for i := range m.rules {
		r := &m.rules[i]
		if !r.Enabled || !r.watches(typ) || s.event.Severity < r.SeverityThreshold {
			continue
		}
		if !core.MatchAll(r.Conditions, s.event) {
			continue
		}
		if !m.admitLocked(throttleKey(r.ID, typ, s.event.UserID), r.Throttle, now) {
			m.logger.Debug().Str("rule_id", r.ID).Str("type", string(typ)).Str("user_id", s.event.UserID).Msg("alert throttled")
			continue
		}
		msg, err := render(r, s)
		if err != nil {
			m.logger.Warn().Err(err).Str("rule_id", r.ID).Msg("alert template failed, using default message")
		}
		a := &SecurityAlert{
			ID:        uuid.New().String(),
			RuleID:    r.ID,
			Title:     r.Name + ": " + s.label(),
			Message:   msg,
			Priority:  r.Priority,
			Channels:  append([]Channel(nil), r.Channels...),
			Type:      typ,
			UserID:    s.event.UserID,
			Timestamp: now,
		}
		switch {
		case s.incident != nil:
			a.Incident = s.incident
		case s.threat != nil:
			a.Threat = s.threat
		default:
			a.Event = s.event
		}
		m.storeLocked(a)
		created = append(created, a.clone())
	}
	m.mu.Unlock()

	for _, a := range created {
		m.deliver(a)
	}
	if len(created) > 0 {
		m.persistNow()
	}
	return created
}

// NotifyIncident raises an alert for an incident response action, bypassing
// rules and throttling. reason is "alert", "notify" or "escalate". It fails
// when no channel accepted the alert.
func (m *Manager) NotifyIncident(inc *incident.SecurityIncident, reason string) error {
	if inc == nil {
		return errors.New("nil incident")
	}
	notice, ok := incidentNotices[reason]
	if !ok {
		notice = incidentNotices["alert"]
	}
	s := incidentSubject(inc)
	msg, err := render(&Rule{Name: notice.title}, s)
	if err != nil {
		m.logger.Warn().Err(err).Str("incident_id", inc.ID).Msg("incident message failed to render")
	}
	a := &SecurityAlert{
		ID:        uuid.New().String(),
		RuleID:    "incident_" + reason,
		Title:     notice.title + ": " + inc.Title,
		Message:   msg,
		Priority:  inc.Severity,
		Channels:  append([]Channel(nil), notice.channels...),
		Type:      TypeIncident,
		UserID:    inc.UserID,
		Incident:  inc,
		Timestamp: m.now(),
	}
	m.mu.Lock()
	m.storeLocked(a)
	a = a.clone()
	m.mu.Unlock()

	m.deliver(a)
	m.persistNow()

	var failed []string
	for _, ch := range a.Channels {
		switch a.Delivery[ch] {
		case DeliveryDelivered, DeliveryQueued:
			return nil
		case DeliveryFailed:
			failed = append(failed, string(ch))
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("alert %s: delivery failed on %s", a.ID, strings.Join(failed, ", "))
	}
	return fmt.Errorf("alert %s: %w", a.ID, ErrChannelUnavailable)
}

// RaiseSystemAlert records a low priority alert about the engine itself,
// e.g. a failed config save. Repeats of the same title within a minute are
// suppressed and return nil. Delivery failures of system alerts are only
// logged.
func (m *Manager) RaiseSystemAlert(title, message string) *SecurityAlert {
	now := m.now()
	m.mu.Lock()
	if !m.admitLocked(throttleKey(SystemRuleID, typeSystem, title), systemThrottle, now) {
		m.mu.Unlock()
		return nil
	}
	a := &SecurityAlert{
		ID:        uuid.New().String(),
		RuleID:    SystemRuleID,
		Title:     title,
		Message:   message,
		Priority:  core.SeverityLow,
		Channels:  []Channel{ChannelConsole, ChannelToast},
		Type:      typeSystem,
		Timestamp: now,
	}
	m.storeLocked(a)
	a = a.clone()
	m.mu.Unlock()

	m.deliver(a)
	m.persistNow()
	return a
}

// ─── Delivery ───────────────────────────────────────────────────────────────

// deliver sends the alert to each of its channels. A failing channel never
// stops the others.
func (m *Manager) deliver(a *SecurityAlert) {
	results := make(map[Channel]string, len(a.Channels))
	var failed []string
	for _, ch := range a.Channels {
		err := m.deliverTo(ch, a)
		switch {
		case err == nil:
			results[ch] = DeliveryDelivered
		case errors.Is(err, errQueued):
			results[ch] = DeliveryQueued
		case errors.Is(err, ErrChannelUnavailable):
			results[ch] = DeliverySkipped
		default:
			results[ch] = DeliveryFailed
			failed = append(failed, fmt.Sprintf("%s: %v", ch, err))
			m.recordFailure(a, ch, err)
		}
	}
	a.Delivery = results

	m.mu.Lock()
	if stored, ok := m.alerts[a.ID]; ok {
		if stored.Delivery == nil {
			stored.Delivery = make(map[Channel]string, len(results))
		}
		for ch, r := range results {
			// an async failure may already have landed
			if stored.Delivery[ch] != DeliveryFailed {
				stored.Delivery[ch] = r
			}
		}
	}
	m.mu.Unlock()

	if len(failed) > 0 && !a.System() {
		m.RaiseSystemAlert("Alert delivery failed",
			fmt.Sprintf("alert %s (%s) could not be delivered: %s", a.ID, a.RuleID, strings.Join(failed, "; ")))
	}
}

func (m *Manager) deliverTo(ch Channel, a *SecurityAlert) (err error) {
	d, ok := m.channels[ch]
	if !ok {
		return ErrChannelUnavailable
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("channel panicked: %v", r)
		}
	}()
	return d.Deliver(context.Background(), a.clone())
}

func (m *Manager) recordFailure(a *SecurityAlert, ch Channel, err error) {
	core.ChannelDeliveryFailures.WithLabelValues(string(ch)).Inc()
	m.mu.Lock()
	m.failures++
	m.mu.Unlock()
	m.logger.Error().Err(err).
		Str("alert_id", a.ID).
		Str("channel", string(ch)).
		Msg("alert delivery failed")
}

// asyncFailure records a failure reported after Deliver returned, by the
// email sender or the webhook dead letter buffer.
func (m *Manager) asyncFailure(alertID string, ch Channel, err error) {
	m.mu.Lock()
	a, ok := m.alerts[alertID]
	var snapshot *SecurityAlert
	if ok {
		if a.Delivery == nil {
			a.Delivery = make(map[Channel]string)
		}
		a.Delivery[ch] = DeliveryFailed
		snapshot = a.clone()
	}
	m.mu.Unlock()

	if snapshot == nil {
		snapshot = &SecurityAlert{ID: alertID}
	}
	m.recordFailure(snapshot, ch, err)
	if !snapshot.System() {
		m.RaiseSystemAlert("Alert delivery failed",
			fmt.Sprintf("alert %s could not be delivered via %s: %v", alertID, ch, err))
	}
}

// ─── Store ──────────────────────────────────────────────────────────────────

// storeLocked adds an alert, evicting the oldest beyond MaxAlerts.
func (m *Manager) storeLocked(a *SecurityAlert) {
	m.alerts[a.ID] = a
	m.order = append(m.order, a.ID)
	for len(m.order) > m.cfg.MaxAlerts {
		delete(m.alerts, m.order[0])
		m.order = m.order[1:]
	}
	m.created++
	core.AlertsCreated.WithLabelValues(a.Priority.String()).Inc()
	m.updateGaugeLocked()
}

func (m *Manager) updateGaugeLocked() {
	n := 0
	for _, a := range m.alerts {
		if !a.Dismissed {
			n++
		}
	}
	core.ActiveAlerts.Set(float64(n))
}

// AcknowledgeAlert marks an alert acknowledged. Acknowledging twice is a
// no-op.
func (m *Manager) AcknowledgeAlert(id string) error {
	return m.mark(id, func(a *SecurityAlert, now time.Time) {
		if !a.Acknowledged {
			a.Acknowledged = true
			a.AcknowledgedAt = &now
		}
	})
}

// DismissAlert hides an alert from GetActiveAlerts.
func (m *Manager) DismissAlert(id string) error {
	return m.mark(id, func(a *SecurityAlert, now time.Time) {
		if !a.Dismissed {
			a.Dismissed = true
			a.DismissedAt = &now
		}
	})
}

func (m *Manager) mark(id string, fn func(*SecurityAlert, time.Time)) error {
	now := m.now()
	m.mu.Lock()
	a, ok := m.alerts[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("alert %s: %w", id, core.ErrNotFound)
	}
	fn(a, now)
	m.updateGaugeLocked()
	state := m.snapshotLocked()
	m.mu.Unlock()
	m.persist(state)
	return nil
}

// GetActiveAlerts returns copies of the alerts not yet dismissed, newest
// first.
func (m *Manager) GetActiveAlerts() []*SecurityAlert {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*SecurityAlert
	for i := len(m.order) - 1; i >= 0; i-- {
		if a := m.alerts[m.order[i]]; !a.Dismissed {
			out = append(out, a.clone())
		}
	}
	return out
}

// Alerts returns copies of every retained alert, newest first.
func (m *Manager) Alerts() []*SecurityAlert {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*SecurityAlert, 0, len(m.order))
	for i := len(m.order) - 1; i >= 0; i-- {
		out = append(out, m.alerts[m.order[i]].clone())
	}
	return out
}

// GetAlert returns a copy of one alert.
func (m *Manager) GetAlert(id string) (*SecurityAlert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.alerts[id]
	if !ok {
		return nil, fmt.Errorf("alert %s: %w", id, core.ErrNotFound)
	}
	return a.clone(), nil
}

// Summary counts retained alerts for the metrics collector.
func (m *Manager) Summary() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := map[string]int{"total": len(m.alerts)}
	for _, a := range m.alerts {
		if !a.Dismissed {
			out["active"]++
		}
		if !a.Acknowledged {
			out["unacknowledged"]++
		}
		out["priority_"+a.Priority.String()]++
	}
	return out
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
		if err := r.validate(); err != nil {
			m.logger.Warn().Err(err).Str("rule_id", r.ID).Msg("skipping invalid alert rule")
			errs = append(errs, err)
			continue
		}
		if seen[r.ID] {
			err := core.NewValidationError("alert rule "+r.ID, "duplicate rule id")
			m.logger.Warn().Err(err).Msg("skipping duplicate alert rule")
			errs = append(errs, err)
			continue
		}
		seen[r.ID] = true
		valid = append(valid, r)
	}
	m.mu.Lock()
	m.rules = valid
	m.mu.Unlock()
	m.logger.Info().Int("rules", len(valid)).Int("skipped", len(errs)).Msg("alert rules loaded")
	return errs
}

// AddRule validates and appends a rule. IDs must be unique.
func (m *Manager) AddRule(r Rule) error {
	r = r.clone()
	if err := r.validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.rules {
		if existing.ID == r.ID {
			return core.NewValidationError("alert rule "+r.ID, "duplicate rule id")
		}
	}
	m.rules = append(m.rules, r)
	return nil
}

// RemoveRule deletes a rule by ID. Alerts it raised are kept.
func (m *Manager) RemoveRule(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, r := range m.rules {
		if r.ID == id {
			m.rules = append(m.rules[:i], m.rules[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("alert rule %s: %w", id, core.ErrNotFound)
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

// Cleanup purges alerts that are both acknowledged and dismissed and older
// than the retention window. It returns the number removed.
func (m *Manager) Cleanup() int {
	cutoff := m.now().Add(-m.cfg.Retention)

	m.mu.Lock()
	kept := m.order[:0]
	removed := 0
	for _, id := range m.order {
		a := m.alerts[id]
		if a.Acknowledged && a.Dismissed && a.Timestamp.Before(cutoff) {
			delete(m.alerts, id)
			removed++
			continue
		}
		kept = append(kept, id)
	}
	m.order = kept
	m.updateGaugeLocked()
	state := m.snapshotLocked()
	m.mu.Unlock()

	if removed > 0 {
		m.logger.Info().Int("removed", removed).Msg("expired alerts removed")
		m.persist(state)
	}
	return removed
}

// Load restores alerts. The throttle cache starts empty.
func (m *Manager) Load(ctx context.Context, store core.Store) error {
	var state persistedAlerts
	ok, err := core.LoadInto(ctx, store, core.KeyAlertingState, &state)
	if err != nil {
		return fmt.Errorf("loading alert state: %w", err)
	}
	if !ok {
		return nil
	}
	sort.SliceStable(state.Alerts, func(i, j int) bool {
		return state.Alerts[i].Timestamp.Before(state.Alerts[j].Timestamp)
	})

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range state.Alerts {
		if a == nil || a.ID == "" {
			continue
		}
		if _, dup := m.alerts[a.ID]; dup {
			continue
		}
		m.alerts[a.ID] = a
		m.order = append(m.order, a.ID)
	}
	for len(m.order) > m.cfg.MaxAlerts {
		delete(m.alerts, m.order[0])
		m.order = m.order[1:]
	}
	m.updateGaugeLocked()
	m.logger.Info().Int("alerts", len(m.alerts)).Msg("alert state restored")
	return nil
}

func (m *Manager) snapshotLocked() persistedAlerts {
	state := persistedAlerts{Alerts: make([]*SecurityAlert, 0, len(m.order))}
	for _, id := range m.order {
		state.Alerts = append(state.Alerts, m.alerts[id].clone())
	}
	return state
}

func (m *Manager) persistNow() {
	m.mu.RLock()
	state := m.snapshotLocked()
	m.mu.RUnlock()
	m.persist(state)
}

func (m *Manager) persist(state persistedAlerts) {
	if m.writer != nil {
		m.writer.Save(core.KeyAlertingState, state)
	}
}

// Stats returns manager counters.
func (m *Manager) Stats() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stats := map[string]interface{}{
		"alerts":    len(m.alerts),
		"rules":     len(m.rules),
		"created":   m.created,
		"throttled": m.throttled,
		"failures":  m.failures,
		"throttle":  m.throttle.Len(),
	}
	if m.webhook != nil {
		stats["webhook"] = m.webhook.Stats()
	}
	return stats
}
