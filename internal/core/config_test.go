package core

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig_Valid(t *testing.T) {
	cfg := DefaultConfig()
	warnings, err := cfg.Validate()
	if err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
	if len(warnings) != 0 {
		t.Errorf("default config produced warnings: %v", warnings)
	}
	if cfg.Monitor.MaxEvents != 1000 || cfg.Monitor.Retention != 24*time.Hour {
		t.Errorf("unexpected monitor defaults: %+v", cfg.Monitor)
	}
	if cfg.Threat.AnomalyConfidence != 60 {
		t.Errorf("anomaly confidence default = %d, want 60", cfg.Threat.AnomalyConfidence)
	}
}

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Alerting.MaxAlerts != 1000 {
		t.Errorf("MaxAlerts = %d, want 1000", cfg.Alerting.MaxAlerts)
	}
}

func TestLoadConfig_PartialOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secengine.yaml")
	yaml := `
logging:
  level: debug
monitor:
  pattern_window: 2m
incident:
  default_rate_limit: 30m
`
	if err := os.WriteFile(path, []byte(yaml), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.LogLevel() != "debug" {
		t.Errorf("level = %q", cfg.LogLevel())
	}
	if cfg.Monitor.PatternWindow != 2*time.Minute {
		t.Errorf("pattern window = %s", cfg.Monitor.PatternWindow)
	}
	if cfg.Incident.DefaultRateLimit != 30*time.Minute {
		t.Errorf("default rate limit = %s", cfg.Incident.DefaultRateLimit)
	}
	if cfg.Monitor.MaxEvents != 1000 {
		t.Errorf("unset keys should keep defaults, max_events = %d", cfg.Monitor.MaxEvents)
	}
}

func TestLoadConfig_InvalidRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	yaml := `
logging:
  level: verbose
storage:
  driver: sqlite
`
	if err := os.WriteFile(path, []byte(yaml), 0644); err != nil {
		t.Fatal(err)
	}
	_, err := LoadConfig(path)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if len(verr.Issues) < 2 {
		t.Errorf("expected one issue per bad field, got %v", verr.Issues)
	}
}

func TestSaveConfig_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.yaml")
	cfg := DefaultConfig()
	cfg.Threat.ZScoreThreshold = 2.5
	cfg.Threat.ZScoreHigh = 3.5
	if err := SaveConfig(cfg, path); err != nil {
		t.Fatalf("SaveConfig: %v", err)
	}
	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if loaded.Threat.ZScoreThreshold != 2.5 || loaded.Forensics.Retention["incident_snapshot"] != 90*24*time.Hour {
		t.Errorf("round trip lost values: %+v", loaded.Threat)
	}
}

func TestEvidenceRetention(t *testing.T) {
	cfg := DefaultConfig()
	tests := map[string]time.Duration{
		"user_action":       24 * time.Hour,
		"error_context":     14 * 24 * time.Hour,
		"payment_flow":      30 * 24 * time.Hour,
		"incident_snapshot": 90 * 24 * time.Hour,
		"something_else":    7 * 24 * time.Hour,
	}
	for typ, want := range tests {
		if got := cfg.EvidenceRetention(typ); got != want {
			t.Errorf("EvidenceRetention(%q) = %s, want %s", typ, got, want)
		}
	}
}

func TestConfigClone_Independent(t *testing.T) {
	cfg := DefaultConfig()
	c := cfg.Clone()
	c.Monitor.PatternThresholds["payment_failed"] = 99
	c.Compliance.Frameworks[0] = "soc2"
	if cfg.Monitor.PatternThresholds["payment_failed"] != 3 || cfg.Compliance.Frameworks[0] != "gdpr" {
		t.Error("clone shares state with original")
	}
}

func TestShippedConfigMatchesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join("..", "..", "configs", "secengine.yaml"))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	def := DefaultConfig()
	if cfg.Scheduler != def.Scheduler {
		t.Errorf("scheduler = %+v, want %+v", cfg.Scheduler, def.Scheduler)
	}
	if cfg.Threat != def.Threat || cfg.Incident != def.Incident {
		t.Errorf("threat/incident sections drifted from defaults")
	}
	for typ, d := range def.Forensics.Retention {
		if cfg.EvidenceRetention(typ) != d {
			t.Errorf("retention[%s] = %v, want %v", typ, cfg.EvidenceRetention(typ), d)
		}
	}
	for typ, n := range def.Monitor.PatternThresholds {
		if cfg.Monitor.PatternThresholds[typ] != n {
			t.Errorf("threshold[%s] = %d, want %d", typ, cfg.Monitor.PatternThresholds[typ], n)
		}
	}
}
