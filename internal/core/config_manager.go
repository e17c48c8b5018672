package core

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// ComplianceViolation is one failed compliance check.
type ComplianceViolation struct {
	Framework string `json:"framework"`
	Setting   string `json:"setting"`
	Message   string `json:"message"`
}

// ConfigManager holds the live configuration. Readers get snapshots; writers
// go through Update, which validates before swapping and persists afterwards.
type ConfigManager struct {
	mu          sync.RWMutex
	cfg         *Config
	path        string
	logger      zerolog.Logger
	subscribers []func(old, updated *Config)
	onSaveError func(err error)
	debounce    time.Duration
}

// NewConfigManager wraps cfg. path may be empty, in which case Update does not
// persist and Watch is unavailable.
func NewConfigManager(cfg *Config, path string, logger zerolog.Logger) *ConfigManager {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &ConfigManager{
		cfg:      cfg.Clone(),
		path:     path,
		logger:   logger.With().Str("component", "config_manager").Logger(),
		debounce: 500 * time.Millisecond,
	}
}

// Get returns a copy of the current configuration.
func (m *ConfigManager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg.Clone()
}

// Path returns the backing file path.
func (m *ConfigManager) Path() string { return m.path }

// Subscribe registers a callback run after every successful change.
func (m *ConfigManager) Subscribe(fn func(old, updated *Config)) {
	m.mu.Lock()
	m.subscribers = append(m.subscribers, fn)
	m.mu.Unlock()
}

// OnSaveError registers the handler told about failed persistence.
func (m *ConfigManager) OnSaveError(fn func(err error)) {
	m.mu.Lock()
	m.onSaveError = fn
	m.mu.Unlock()
}

// Update applies fn to a copy, validates it, swaps it in and persists it.
// A validation failure leaves the current config untouched. A save failure is
// reported to the OnSaveError handler and returned, but the new config stays
// in effect.
func (m *ConfigManager) Update(fn func(cfg *Config)) error {
	m.mu.Lock()
	old := m.cfg
	next := old.Clone()
	fn(next)
	if _, err := next.Validate(); err != nil {
		m.mu.Unlock()
		return err
	}
	m.cfg = next
	subs := append([]func(old, updated *Config){}, m.subscribers...)
	onSaveError := m.onSaveError
	path := m.path
	m.mu.Unlock()

	m.notify(subs, old, next)

	if path == "" {
		return nil
	}
	if err := SaveConfig(next, path); err != nil {
		m.logger.Error().Err(err).Str("path", path).Msg("config save failed")
		if onSaveError != nil {
			onSaveError(err)
		}
		return fmt.Errorf("saving config: %w", err)
	}
	return nil
}

// Reload re-reads the backing file. An invalid file is rejected and the
// current config kept.
func (m *ConfigManager) Reload() error {
	if m.path == "" {
		return fmt.Errorf("no config path set: cannot reload")
	}
	next, err := LoadConfig(m.path)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	m.mu.Lock()
	old := m.cfg
	m.cfg = next
	subs := append([]func(old, updated *Config){}, m.subscribers...)
	m.mu.Unlock()

	m.logger.Info().Str("path", m.path).Msg("configuration reloaded")
	m.notify(subs, old, next)
	return nil
}

func (m *ConfigManager) notify(subs []func(old, updated *Config), old, next *Config) {
	for _, fn := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error().Interface("panic", r).Msg("config subscriber panicked")
				}
			}()
			fn(old.Clone(), next.Clone())
		}()
	}
}

// Serve watches the config file and reloads it on change until ctx is done.
// It satisfies suture.Service.
func (m *ConfigManager) Serve(ctx context.Context) error {
	if m.path == "" {
		<-ctx.Done()
		return ctx.Err()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating file watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory so editors that replace the file are still seen.
	dir := filepath.Dir(m.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watching %s: %w", dir, err)
	}
	m.logger.Info().Str("path", m.path).Msg("configuration watcher started")

	target := filepath.Clean(m.path)
	var timer *time.Timer
	var timerC <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("file watcher closed")
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			switch {
			case ev.Op&(fsnotify.Write|fsnotify.Create) != 0:
				if timer == nil {
					timer = time.NewTimer(m.debounce)
				} else {
					timer.Reset(m.debounce)
				}
				timerC = timer.C
			case ev.Op&fsnotify.Remove != 0:
				m.logger.Warn().Str("path", ev.Name).Msg("config file removed, keeping current configuration")
			case ev.Op&fsnotify.Rename != 0:
				m.logger.Debug().Str("path", ev.Name).Msg("config file renamed")
			}

		case <-timerC:
			timerC = nil
			if err := m.Reload(); err != nil {
				m.logger.Error().Err(err).Msg("config reload rejected")
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("file watcher closed")
			}
			m.logger.Error().Err(err).Msg("file watcher error")
		}
	}
}

func (m *ConfigManager) String() string { return "config-watcher" }

// ComplianceViolations checks the current config against the enabled frameworks.
func (m *ConfigManager) ComplianceViolations() []ComplianceViolation {
	return CheckCompliance(m.Get())
}

// CheckCompliance returns every compliance violation in cfg.
func CheckCompliance(cfg *Config) []ComplianceViolation {
	var out []ComplianceViolation
	minRetention := func(fw, evidenceType string, min time.Duration) {
		if got := cfg.EvidenceRetention(evidenceType); got < min {
			out = append(out, ComplianceViolation{
				Framework: fw,
				Setting:   "forensics.retention." + evidenceType,
				Message:   fmt.Sprintf("retention %s is below the required %s", got, min),
			})
		}
	}

	for _, fw := range cfg.Compliance.Frameworks {
		switch fw {
		case "gdpr":
			if got := cfg.EvidenceRetention("user_action"); got > 30*24*time.Hour {
				out = append(out, ComplianceViolation{
					Framework: fw,
					Setting:   "forensics.retention.user_action",
					Message:   fmt.Sprintf("personal activity kept for %s, more than 30 days", got),
				})
			}
			if cfg.Monitor.Retention > 30*24*time.Hour {
				out = append(out, ComplianceViolation{
					Framework: fw,
					Setting:   "monitor.retention",
					Message:   "raw events kept for more than 30 days",
				})
			}
		case "pci_dss":
			minRetention(fw, "payment_flow", 30*24*time.Hour)
			if !cfg.Incident.AutoResponse {
				out = append(out, ComplianceViolation{
					Framework: fw,
					Setting:   "incident.auto_response",
					Message:   "automated response to payment incidents is disabled",
				})
			}
		case "soc2":
			minRetention(fw, "security_event", 30*24*time.Hour)
			minRetention(fw, "incident_snapshot", 90*24*time.Hour)
			if cfg.Storage.Driver == "memory" {
				out = append(out, ComplianceViolation{
					Framework: fw,
					Setting:   "storage.driver",
					Message:   "audit state is not durably persisted",
				})
			}
		}
	}
	return out
}
