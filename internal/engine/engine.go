// Package engine hosts the correlation pipeline: it owns the store, the
// scheduler and the optional bus, and wires every component together.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/1sec-project/secengine/internal/alerting"
	"github.com/1sec-project/secengine/internal/core"
	"github.com/1sec-project/secengine/internal/forensics"
	"github.com/1sec-project/secengine/internal/incident"
	"github.com/1sec-project/secengine/internal/metrics"
	"github.com/1sec-project/secengine/internal/monitor"
	"github.com/1sec-project/secengine/internal/threat"
)

const flushTimeout = 10 * time.Second

type options struct {
	logger     *zerolog.Logger
	logOut     io.Writer
	store      core.Store
	now        func() time.Time
	configPath string
	sourceTime bool
	deliverers map[alerting.Channel]alerting.Deliverer
}

// Option customizes an Engine.
type Option func(*options)

// WithLogger replaces the logger built from the logging config.
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = &l }
}

// WithLogOutput sends log output to w instead of stdout.
func WithLogOutput(w io.Writer) Option {
	return func(o *options) { o.logOut = w }
}

// WithStore uses store instead of opening the configured backend. The caller
// keeps ownership of it.
func WithStore(store core.Store) Option {
	return func(o *options) { o.store = store }
}

// WithClock replaces the wall clock for every component.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithConfigPath enables hot reload of the file the config came from.
func WithConfigPath(path string) Option {
	return func(o *options) { o.configPath = path }
}

// WithSourceTimestamps keeps the timestamps events arrive with, for replaying
// recorded traffic.
func WithSourceTimestamps() Option {
	return func(o *options) { o.sourceTime = true }
}

// WithDeliverer overrides one alert channel.
func WithDeliverer(ch alerting.Channel, d alerting.Deliverer) Option {
	return func(o *options) {
		if o.deliverers == nil {
			o.deliverers = make(map[alerting.Channel]alerting.Deliverer)
		}
		o.deliverers[ch] = d
	}
}

// Engine is the assembled pipeline. Components are exported for read access;
// event input goes through LogEvent.
type Engine struct {
	Config    *core.ConfigManager
	Monitor   *monitor.EventMonitor
	Threats   *threat.Engine
	Incidents *incident.Manager
	Alerts    *alerting.Manager
	Forensics *forensics.Logger
	Metrics   *metrics.Collector
	Bus       *core.EventBus
	Logger    zerolog.Logger

	store      core.Store
	closeStore func() error
	writer     *core.SnapshotWriter
	sched      *core.Scheduler

	mu        sync.Mutex
	started   bool
	closeOnce sync.Once
	closeErr  error
}

// New builds an engine from cfg. Persisted state is loaded before New
// returns; background work starts with Start.
func New(cfg *core.Config, opts ...Option) (*Engine, error) {
	if cfg == nil {
		cfg = core.DefaultConfig()
	}
	warnings, err := cfg.Validate()
	if err != nil {
		return nil, err
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	var logger zerolog.Logger
	switch {
	case o.logger != nil:
		logger = *o.logger
	case o.logOut != nil:
		logger = core.NewLoggerTo(o.logOut, cfg.Logging)
	default:
		logger = core.NewLogger(cfg.Logging)
	}
	for _, w := range warnings {
		logger.Warn().Str("component", "engine").Msg(w)
	}

	store, closeStore := o.store, func() error { return nil }
	if store == nil {
		store, closeStore, err = core.OpenStore(cfg.Storage, logger)
		if err != nil {
			return nil, fmt.Errorf("opening store: %w", err)
		}
	}

	e := &Engine{
		Config:     core.NewConfigManager(cfg, o.configPath, logger),
		Logger:     logger.With().Str("component", "engine").Logger(),
		store:      store,
		closeStore: closeStore,
		writer:     core.NewSnapshotWriter(store, logger),
		sched:      core.NewScheduler(logger),
	}

	monOpts := []monitor.Option{monitor.WithWriter(e.writer)}
	if o.now != nil {
		monOpts = append(monOpts, monitor.WithClock(o.now))
	}
	if o.sourceTime {
		monOpts = append(monOpts, monitor.WithSourceTimestamps())
	}
	e.Monitor = monitor.New(cfg.Monitor, logger, monOpts...)
	e.Metrics = metrics.NewCollector(cfg.Metrics, e.Monitor, e.writer, logger)
	e.Forensics = forensics.New(cfg.Forensics, e.Monitor, e.writer, logger)
	e.Threats = threat.New(cfg.Threat, e.Monitor, e.Metrics, e.writer, logger)
	e.Incidents = incident.New(cfg.Incident, e.Monitor, e.writer, logger)

	if cfg.Bus.Enabled {
		bus, err := core.NewEventBus(&cfg.Bus, logger)
		if err != nil {
			_ = closeStore()
			return nil, fmt.Errorf("starting event bus: %w", err)
		}
		e.Bus = bus
	}

	var alertOpts []alerting.Option
	if e.Bus != nil {
		alertOpts = append(alertOpts, alerting.WithPublisher(e.Bus))
	}
	for ch, d := range o.deliverers {
		alertOpts = append(alertOpts, alerting.WithDeliverer(ch, d))
	}
	e.Alerts = alerting.New(cfg.Alerting, e.Monitor, e.writer, logger, alertOpts...)

	e.applyRules(cfg)
	e.wire()

	e.load(context.Background())
	e.Forensics.StartSession()
	return e, nil
}

// wire connects the components. Subscription order matters: threats are
// detected before incident rules see the event, so a single event can raise
// both.
func (e *Engine) wire() {
	e.Monitor.Subscribe(func(ev *core.SecurityEvent) { e.Metrics.RecordEvent(ev) })
	e.Monitor.Subscribe(func(ev *core.SecurityEvent) { e.Forensics.LogEvent(ev) })
	e.Monitor.Subscribe(func(ev *core.SecurityEvent) { e.Threats.ProcessSecurityEvent(ev) })
	e.Monitor.Subscribe(func(ev *core.SecurityEvent) { e.Incidents.ProcessSecurityEvent(ev) })
	e.Monitor.Subscribe(func(ev *core.SecurityEvent) { e.Alerts.ProcessSecurityEvent(ev) })

	e.Threats.OnThreat(e.onThreat)
	e.Incidents.OnIncident(e.onIncident)
	e.Incidents.SetNotifier(e.Alerts)
	e.Incidents.SetEvidenceCapturer(e.Forensics)

	e.Metrics.RegisterSummarySource("threats", e.Threats.Summary)
	e.Metrics.RegisterSummarySource("incidents", e.Incidents.Summary)
	e.Metrics.RegisterSummarySource("alerts", e.Alerts.Summary)
	e.Metrics.SetRiskSource(e.Threats.RiskScores)
	e.Metrics.SetComplianceSource(e.Config.ComplianceViolations)

	e.writer.OnError(func(key string, err error) {
		e.Alerts.RaiseSystemAlert("State persistence failed", fmt.Sprintf("%s: %v", key, err))
	})
	e.Config.OnSaveError(func(err error) {
		e.Alerts.RaiseSystemAlert("Config save failed", err.Error())
	})
	e.Config.Subscribe(func(old, updated *core.Config) {
		if old.Threat.RulesFile != updated.Threat.RulesFile ||
			old.Incident.RulesFile != updated.Incident.RulesFile ||
			old.Alerting.RulesFile != updated.Alerting.RulesFile {
			e.applyRules(updated)
		}
	})
}

func (e *Engine) onThreat(t *threat.DetectedThreat) {
	ev, err := e.Forensics.CollectEvidence(forensics.Request{
		Type:        forensics.EvidenceSecurityEvent,
		TriggeredBy: "threat:" + t.RuleID,
		UserID:      t.UserID,
		Data: map[string]interface{}{
			"threat_id":   t.ID,
			"threat_type": t.ThreatType,
			"severity":    t.Severity.String(),
			"confidence":  t.Confidence,
			"risk_score":  t.RiskScore,
			"events":      len(t.Events),
			"description": t.Description,
		},
		RelatedEventID: lastEventID(t.Events),
	})
	if err != nil {
		e.Logger.Error().Err(err).Str("threat_id", t.ID).Msg("threat evidence capture failed")
	} else if err := e.Threats.AttachEvidence(t.ID, ev.ID); err != nil {
		e.Logger.Warn().Err(err).Str("threat_id", t.ID).Msg("could not attach evidence")
	}
	e.Alerts.ProcessThreat(t)
}

func (e *Engine) onIncident(inc *incident.SecurityIncident) {
	e.Alerts.ProcessSecurityIncident(inc)
	if e.Bus == nil {
		return
	}
	subject := core.SubjectIncidents + "." + core.SubjectToken(inc.Severity.String())
	if err := e.Bus.PublishJSON(subject, inc); err != nil {
		e.Logger.Error().Err(err).Str("incident_id", inc.ID).Msg("failed to publish incident")
	}
}

func lastEventID(events []*core.SecurityEvent) string {
	if len(events) == 0 {
		return ""
	}
	return events[len(events)-1].ID
}

// applyRules replaces the built-in rule sets with those from the configured
// rules files. Invalid rules are logged and skipped; an unreadable file keeps
// the current rules.
func (e *Engine) applyRules(cfg *core.Config) {
	if path := cfg.Threat.RulesFile; path != "" {
		if rules, err := threat.LoadRules(path); err != nil {
			e.Logger.Error().Err(err).Str("path", path).Msg("threat rules not loaded")
		} else {
			e.logRuleErrors("threat", e.Threats.SetRules(rules))
		}
	}
	if path := cfg.Incident.RulesFile; path != "" {
		if rules, err := incident.LoadRules(path); err != nil {
			e.Logger.Error().Err(err).Str("path", path).Msg("incident rules not loaded")
		} else {
			e.logRuleErrors("incident", e.Incidents.SetRules(rules))
		}
	}
	if path := cfg.Alerting.RulesFile; path != "" {
		if rules, err := alerting.LoadRules(path); err != nil {
			e.Logger.Error().Err(err).Str("path", path).Msg("alert rules not loaded")
		} else {
			e.logRuleErrors("alerting", e.Alerts.SetRules(rules))
		}
	}
}

func (e *Engine) logRuleErrors(kind string, errs []error) {
	for _, err := range errs {
		e.Logger.Warn().Err(err).Str("rules", kind).Msg("rule skipped")
	}
}

type loader interface {
	Load(ctx context.Context, store core.Store) error
}

// load restores each component from the store. A component whose snapshot
// cannot be read starts empty and its next save replaces the bad snapshot.
func (e *Engine) load(ctx context.Context) {
	steps := []struct {
		key string
		l   loader
	}{
		{core.KeyMonitorEvents, e.Monitor},
		{core.KeyThreatState, e.Threats},
		{core.KeyIncidentState, e.Incidents},
		{core.KeyAlertingState, e.Alerts},
		{core.KeyForensicsState, e.Forensics},
		{core.KeyMetricsState, e.Metrics},
	}
	failed := make(map[string]error)
	for _, s := range steps {
		err := s.l.Load(ctx, e.store)
		if err == nil {
			continue
		}
		failed[s.key] = err
		core.PersistenceFailures.WithLabelValues(s.key).Inc()
		e.Logger.Error().Err(err).Str("key", s.key).Msg("saved state unreadable, starting empty")
	}
	// Raised after every load so the alerting snapshot cannot replace them.
	for key, err := range failed {
		e.Alerts.RaiseSystemAlert("State load failed: "+key, err.Error())
	}
}

// Start launches the scheduler, the config watcher and bus ingestion.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return nil
	}

	cfg := e.Config.Get()
	e.sched.Add(e.writer)
	if e.Config.Path() != "" {
		e.sched.Add(e.Config)
	}
	e.sched.Every("cleanup", cfg.Scheduler.CleanupInterval, func(context.Context) { e.Cleanup() })
	e.sched.Every("batch-analysis", cfg.Scheduler.BatchInterval, func(context.Context) { e.Threats.AnalyzeBatch() })
	e.sched.Every("daily-report", cfg.Scheduler.ReportInterval, func(context.Context) {
		if _, err := e.Metrics.GenerateReport(metrics.PeriodDaily); err != nil {
			e.Logger.Error().Err(err).Msg("daily report failed")
		}
	})
	e.sched.Start(ctx)

	if e.Bus != nil {
		if err := e.Bus.SubscribeToEvents(func(ev *core.SecurityEvent) { e.LogEvent(ev) }); err != nil {
			e.sched.Stop()
			return fmt.Errorf("subscribing to events: %w", err)
		}
	}

	e.started = true
	e.Logger.Info().
		Bool("bus", e.Bus != nil).
		Dur("cleanup_interval", cfg.Scheduler.CleanupInterval).
		Dur("batch_interval", cfg.Scheduler.BatchInterval).
		Msg("engine started")
	return nil
}

// Run starts the engine and blocks until SIGINT/SIGTERM or ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := e.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	e.Logger.Info().Msg("shutdown signal received")
	return e.Close()
}

// Cleanup runs one retention pass over every component.
func (e *Engine) Cleanup() {
	events := e.Monitor.Cleanup()
	threats := e.Threats.Cleanup()
	incidents := e.Incidents.Cleanup()
	alerts := e.Alerts.Cleanup()
	evidence := e.Forensics.Cleanup()
	e.Metrics.Cleanup()
	e.Logger.Debug().
		Int("events", events).
		Int("threats", threats).
		Int("incidents", incidents).
		Int("alerts", alerts).
		Int("evidence", evidence).
		Msg("cleanup complete")
}

// LogEvent records an event and runs it through the pipeline. The returned
// event carries the assigned ID and timestamp; nil means it was dropped as a
// duplicate or invalid.
func (e *Engine) LogEvent(ev *core.SecurityEvent) *core.SecurityEvent {
	return e.Monitor.LogEvent(ev)
}

// ProcessSecurityEvent is an alias of LogEvent.
func (e *Engine) ProcessSecurityEvent(ev *core.SecurityEvent) *core.SecurityEvent {
	return e.LogEvent(ev)
}

func (e *Engine) GetActiveThreats() []*threat.DetectedThreat { return e.Threats.GetActiveThreats() }
func (e *Engine) GetActiveIncidents() []*incident.SecurityIncident { return e.Incidents.GetActiveIncidents() }
func (e *Engine) GetActiveAlerts() []*alerting.SecurityAlert { return e.Alerts.GetActiveAlerts() }

// IsUserBlocked is advisory; callers gating an operation should use Enforce.
func (e *Engine) IsUserBlocked(userID string) bool { return e.Incidents.IsUserBlocked(userID) }

// IsUserRateLimited is advisory; callers gating an operation should use Enforce.
func (e *Engine) IsUserRateLimited(userID, op string) bool {
	return e.Incidents.IsUserRateLimited(userID, op)
}

// Enforce returns nil when userID may perform op.
func (e *Engine) Enforce(userID, op string) error { return e.Incidents.Enforce(userID, op) }

// RegisterAlertCallback subscribes fn to the browser, toast or modal channel.
func (e *Engine) RegisterAlertCallback(ch alerting.Channel, fn alerting.Callback) error {
	return e.Alerts.RegisterCallback(ch, fn)
}

// ErrBusDisconnected is returned by Healthy while the bus connection is down.
var ErrBusDisconnected = errors.New("event bus disconnected")

// Healthy reports whether the engine can take events from every configured
// source.
func (e *Engine) Healthy() error {
	if e.Bus != nil && !e.Bus.IsConnected() {
		return ErrBusDisconnected
	}
	return nil
}

// Stats gathers every component's counters.
func (e *Engine) Stats() map[string]interface{} {
	out := map[string]interface{}{
		"monitor":   e.Monitor.Stats(),
		"threat":    e.Threats.Stats(),
		"incident":  e.Incidents.Stats(),
		"alerting":  e.Alerts.Stats(),
		"forensics": e.Forensics.Stats(),
		"metrics":   e.Metrics.Stats(),
		"snapshots": e.writer.Stats(),
	}
	if e.Bus != nil {
		out["bus"] = e.Bus.GetMetrics()
	}
	return out
}

// Close stops background work, ends the forensic session, flushes pending
// state and closes the store. It is safe to call more than once.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		e.Logger.Info().Msg("shutting down engine")
		e.closeErr = e.shutdown()
		e.Logger.Info().Msg("engine stopped")
	})
	return e.closeErr
}

func (e *Engine) shutdown() error {
	e.sched.Stop()

	var errs []error
	if e.Bus != nil {
		if err := e.Bus.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing bus: %w", err))
		}
	}
	if err := e.Incidents.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := e.Alerts.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := e.Forensics.Close(); err != nil {
		errs = append(errs, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	if err := e.writer.Flush(ctx); err != nil {
		errs = append(errs, fmt.Errorf("flushing state: %w", err))
	}
	if err := e.closeStore(); err != nil {
		errs = append(errs, fmt.Errorf("closing store: %w", err))
	}
	return errors.Join(errs...)
}
