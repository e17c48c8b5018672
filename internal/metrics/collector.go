package metrics

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/1sec-project/secengine/internal/core"
	"github.com/1sec-project/secengine/internal/monitor"
)

// SecurityMetrics is a point-in-time view over the trailing window.
type SecurityMetrics struct {
	GeneratedAt      time.Time                  `json:"generated_at"`
	Window           time.Duration              `json:"window"`
	TotalEvents      int                        `json:"total_events"`
	EventsByType     map[string]int             `json:"events_by_type"`
	EventsBySeverity map[string]int             `json:"events_by_severity"`
	EventsByUser     map[string]int             `json:"events_by_user"`
	CriticalEvents   int                        `json:"critical_events"`
	HourlyTrend      []int                      `json:"hourly_trend"`
	DailyTrend       []int                      `json:"daily_trend"`
	Summary          map[string]int             `json:"summary"`
	RiskScore        int                        `json:"risk_score"`
	ComplianceScore  int                        `json:"compliance_score"`
	Violations       []core.ComplianceViolation `json:"violations,omitempty"`
}

// SummarySource reports component counters (e.g. active threats) for metrics.
type SummarySource func() map[string]int

const dailyBucketDays = 31

// Collector computes metrics, matches threat intelligence and produces reports.
type Collector struct {
	mu      sync.RWMutex
	cfg     core.MetricsConfig
	monitor *monitor.EventMonitor
	writer  *core.SnapshotWriter
	logger  zerolog.Logger
	now     func() time.Time

	intel   map[string]*ThreatIntel
	daily   map[string]int
	reports []*SecurityReport

	sources    map[string]SummarySource
	riskSource func() []int
	compliance func() []core.ComplianceViolation

	intelMatches int64
}

type persistedMetrics struct {
	Intel   []ThreatIntel     `json:"intel"`
	Daily   map[string]int    `json:"daily"`
	Reports []*SecurityReport `json:"reports"`
}

// NewCollector creates a Collector reading from mon.
func NewCollector(cfg core.MetricsConfig, mon *monitor.EventMonitor, writer *core.SnapshotWriter, logger zerolog.Logger) *Collector {
	if cfg.ReportRetention <= 0 {
		cfg.ReportRetention = 30
	}
	if cfg.VolumeThreshold <= 0 {
		cfg.VolumeThreshold = 1000
	}
	if cfg.RiskThreshold <= 0 {
		cfg.RiskThreshold = 50
	}
	return &Collector{
		cfg:     cfg,
		monitor: mon,
		writer:  writer,
		logger:  logger.With().Str("component", "metrics_collector").Logger(),
		now:     mon.Now,
		intel:   make(map[string]*ThreatIntel),
		daily:   make(map[string]int),
		sources: make(map[string]SummarySource),
	}
}

// Load restores intel, daily counters and reports.
func (c *Collector) Load(ctx context.Context, store core.Store) error {
	var state persistedMetrics
	ok, err := core.LoadInto(ctx, store, core.KeyMetricsState, &state)
	if err != nil {
		return fmt.Errorf("loading metrics state: %w", err)
	}
	if !ok {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range state.Intel {
		ti := state.Intel[i]
		if err := ti.compile(); err != nil {
			c.logger.Warn().Err(err).Str("intel_id", ti.ID).Msg("skipping invalid persisted intel")
			continue
		}
		c.intel[ti.ID] = &ti
	}
	for day, n := range state.Daily {
		c.daily[day] = n
	}
	c.reports = state.Reports
	return nil
}

// RegisterSummarySource adds a named counter source.
func (c *Collector) RegisterSummarySource(name string, src SummarySource) {
	c.mu.Lock()
	c.sources[name] = src
	c.mu.Unlock()
}

// SetRiskSource supplies the risk scores of active threats.
func (c *Collector) SetRiskSource(fn func() []int) {
	c.mu.Lock()
	c.riskSource = fn
	c.mu.Unlock()
}

// SetComplianceSource supplies compliance violations.
func (c *Collector) SetComplianceSource(fn func() []core.ComplianceViolation) {
	c.mu.Lock()
	c.compliance = fn
	c.mu.Unlock()
}

// RecordEvent updates the daily counters. Wired as an EventMonitor subscriber.
func (c *Collector) RecordEvent(e *core.SecurityEvent) {
	day := e.Timestamp.UTC().Format(time.DateOnly)
	c.mu.Lock()
	c.daily[day]++
	c.mu.Unlock()
}

// Collect computes metrics over the trailing window.
func (c *Collector) Collect(window time.Duration) *SecurityMetrics {
	if window <= 0 {
		window = 24 * time.Hour
	}
	now := c.now().UTC()
	events := c.monitor.GetRecentEvents(monitor.Filter{Window: window})

	m := &SecurityMetrics{
		GeneratedAt:      now,
		Window:           window,
		EventsByType:     make(map[string]int),
		EventsBySeverity: make(map[string]int),
		EventsByUser:     make(map[string]int),
		HourlyTrend:      make([]int, 24),
		DailyTrend:       make([]int, 7),
		Summary:          make(map[string]int),
	}

	hourStart := now.Truncate(time.Hour)
	severitySum := 0
	for _, e := range events {
		m.EventsByType[string(e.Type)]++
		m.EventsBySeverity[e.Severity.String()]++
		if e.UserID != "" {
			m.EventsByUser[e.UserID]++
		}
		if e.Severity == core.SeverityCritical {
			m.CriticalEvents++
		}
		severitySum += e.Severity.Score()

		// Bucket 23 is the current hour.
		ago := int(hourStart.Sub(e.Timestamp.Truncate(time.Hour)) / time.Hour)
		if ago >= 0 && ago < 24 {
			m.HourlyTrend[23-ago]++
		}
	}
	m.TotalEvents = len(events)

	c.mu.RLock()
	today := now.Truncate(24 * time.Hour)
	for i := 0; i < 7; i++ {
		day := today.AddDate(0, 0, -i).Format(time.DateOnly)
		m.DailyTrend[6-i] = c.daily[day]
	}
	if window > 24*time.Hour {
		days := int(window / (24 * time.Hour))
		total := 0
		for i := 0; i < days && i < dailyBucketDays; i++ {
			total += c.daily[today.AddDate(0, 0, -i).Format(time.DateOnly)]
		}
		if total > m.TotalEvents {
			m.TotalEvents = total
		}
	}
	sources := make(map[string]SummarySource, len(c.sources))
	for name, src := range c.sources {
		sources[name] = src
	}
	riskSource := c.riskSource
	compliance := c.compliance
	c.mu.RUnlock()

	for name, src := range sources {
		for k, v := range safeSummary(src) {
			m.Summary[name+"."+k] = v
		}
	}

	var scores []int
	if riskSource != nil {
		scores = riskSource()
	}
	m.RiskScore = aggregateRisk(scores, severitySum, len(events))

	if compliance != nil {
		m.Violations = compliance()
	}
	m.ComplianceScore = ComplianceScore(len(m.Violations))

	core.RiskScore.Set(float64(m.RiskScore))
	core.ComplianceScore.Set(float64(m.ComplianceScore))
	return m
}

func safeSummary(src SummarySource) (out map[string]int) {
	defer func() {
		if r := recover(); r != nil {
			out = nil
		}
	}()
	return src()
}

// aggregateRisk is the mean of active threat risk scores when there are any,
// otherwise the mean event severity scaled to 0–100.
func aggregateRisk(threatScores []int, severitySum, events int) int {
	if len(threatScores) > 0 {
		total := 0
		for _, s := range threatScores {
			total += s
		}
		return clamp(total/len(threatScores), 0, 100)
	}
	if events == 0 {
		return 0
	}
	return clamp(severitySum*25/events, 0, 100)
}

// ComplianceScore is 100 minus 5 per violation, floored at 0.
func ComplianceScore(violations int) int {
	return max(0, 100-5*violations)
}

func clamp(v, lo, hi int) int {
	return min(max(v, lo), hi)
}

// ─── Threat intelligence ────────────────────────────────────────────────────

// AddIntel validates and stores an indicator, returning its ID.
func (c *Collector) AddIntel(ti ThreatIntel) (string, error) {
	if err := ti.compile(); err != nil {
		return "", err
	}
	c.mu.Lock()
	c.intel[ti.ID] = &ti
	state := c.snapshotLocked()
	c.mu.Unlock()
	c.persist(state)
	c.logger.Info().Str("intel_id", ti.ID).Str("type", string(ti.Type)).Msg("threat intel added")
	return ti.ID, nil
}

// RemoveIntel deletes an indicator.
func (c *Collector) RemoveIntel(id string) error {
	c.mu.Lock()
	if _, ok := c.intel[id]; !ok {
		c.mu.Unlock()
		return fmt.Errorf("intel %s: %w", id, core.ErrNotFound)
	}
	delete(c.intel, id)
	state := c.snapshotLocked()
	c.mu.Unlock()
	c.persist(state)
	return nil
}

// Intel returns all indicators sorted by ID.
func (c *Collector) Intel() []ThreatIntel {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]ThreatIntel, 0, len(c.intel))
	for _, ti := range c.intel {
		out = append(out, *ti)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// MatchThreatIntel returns every indicator that matches the event.
func (c *Collector) MatchThreatIntel(e *core.SecurityEvent) []IntelMatch {
	if e == nil {
		return nil
	}
	details := e.DetailsJSON()

	c.mu.Lock()
	defer c.mu.Unlock()
	var out []IntelMatch
	for _, ti := range c.intel {
		if field, ok := ti.match(e, details); ok {
			out = append(out, IntelMatch{Intel: *ti, Field: field})
		}
	}
	c.intelMatches += int64(len(out))
	sort.Slice(out, func(i, j int) bool { return out[i].Intel.ID < out[j].Intel.ID })
	return out
}

// ─── Persistence ────────────────────────────────────────────────────────────

// Cleanup drops daily counters older than the bucket horizon.
func (c *Collector) Cleanup() {
	cutoff := c.now().UTC().AddDate(0, 0, -dailyBucketDays).Format(time.DateOnly)
	c.mu.Lock()
	for day := range c.daily {
		if day < cutoff {
			delete(c.daily, day)
		}
	}
	state := c.snapshotLocked()
	c.mu.Unlock()
	c.persist(state)
}

func (c *Collector) snapshotLocked() persistedMetrics {
	state := persistedMetrics{
		Intel:   make([]ThreatIntel, 0, len(c.intel)),
		Daily:   make(map[string]int, len(c.daily)),
		Reports: append([]*SecurityReport(nil), c.reports...),
	}
	for _, ti := range c.intel {
		state.Intel = append(state.Intel, *ti)
	}
	for k, v := range c.daily {
		state.Daily[k] = v
	}
	return state
}

func (c *Collector) persist(state persistedMetrics) {
	if c.writer != nil {
		c.writer.Save(core.KeyMetricsState, state)
	}
}

// Stats returns collector counters.
func (c *Collector) Stats() map[string]interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return map[string]interface{}{
		"intel":         len(c.intel),
		"intel_matches": c.intelMatches,
		"reports":       len(c.reports),
		"daily_buckets": len(c.daily),
	}
}
