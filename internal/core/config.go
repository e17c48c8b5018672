package core

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config holds the entire engine configuration.
type Config struct {
	Logging    LoggingConfig    `yaml:"logging"`
	Storage    StorageConfig    `yaml:"storage"`
	Bus        BusConfig        `yaml:"bus"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Monitor    MonitorConfig    `yaml:"monitor"`
	Threat     ThreatConfig     `yaml:"threat"`
	Incident   IncidentConfig   `yaml:"incident"`
	Alerting   AlertingConfig   `yaml:"alerting"`
	Forensics  ForensicsConfig  `yaml:"forensics"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Compliance ComplianceConfig `yaml:"compliance"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	Format string `yaml:"format" validate:"omitempty,oneof=console json"`
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	Driver     string `yaml:"driver" validate:"oneof=badger memory"`
	Path       string `yaml:"path" validate:"required_if=Driver badger"`
	SyncWrites bool   `yaml:"sync_writes"`
	QueueSize  int    `yaml:"queue_size" validate:"min=1"`
}

// BusConfig holds NATS event bus settings.
type BusConfig struct {
	Enabled  bool   `yaml:"enabled"`
	URL      string `yaml:"url"`
	Embedded bool   `yaml:"embedded"`
	DataDir  string `yaml:"data_dir"`
	Port     int    `yaml:"port" validate:"omitempty,min=1,max=65535"`
}

// SchedulerConfig controls the background tick intervals.
type SchedulerConfig struct {
	CleanupInterval time.Duration `yaml:"cleanup_interval" validate:"min=1s"`
	BatchInterval   time.Duration `yaml:"batch_interval" validate:"min=100ms"`
	ReportInterval  time.Duration `yaml:"report_interval" validate:"min=1s"`
}

// MonitorConfig controls the event log.
type MonitorConfig struct {
	MaxEvents         int            `yaml:"max_events" validate:"min=10"`
	Retention         time.Duration  `yaml:"retention" validate:"min=1m"`
	PatternWindow     time.Duration  `yaml:"pattern_window" validate:"min=1s"`
	PatternThresholds map[string]int `yaml:"pattern_thresholds" validate:"dive,min=1"`
	DedupWindow       time.Duration  `yaml:"dedup_window"`
}

// ThreatConfig controls the threat detection engine.
type ThreatConfig struct {
	RulesFile          string        `yaml:"rules_file"`
	BufferSize         int           `yaml:"buffer_size" validate:"min=100"`
	PatternBatchSize   int           `yaml:"pattern_batch_size" validate:"min=10"`
	StatisticalWindow  int           `yaml:"statistical_window" validate:"min=10"`
	AnomalyConfidence  int           `yaml:"anomaly_confidence" validate:"min=0,max=100"`
	MinBaselineSamples int           `yaml:"min_baseline_samples" validate:"min=2"`
	AmountStdDevs      float64       `yaml:"amount_std_devs" validate:"gt=0"`
	ZScoreThreshold    float64       `yaml:"zscore_threshold" validate:"gt=0"`
	ZScoreHigh         float64       `yaml:"zscore_high" validate:"gtfield=ZScoreThreshold"`
	Retention          time.Duration `yaml:"retention" validate:"min=1m"`
}

// IncidentConfig controls the incident response manager.
type IncidentConfig struct {
	RulesFile        string        `yaml:"rules_file"`
	AutoResponse     bool          `yaml:"auto_response"`
	RelatedWindow    time.Duration `yaml:"related_window" validate:"min=1s"`
	Retention        time.Duration `yaml:"retention" validate:"min=1m"`
	DefaultRateLimit time.Duration `yaml:"default_rate_limit" validate:"min=1s"`
	MaxActionDelay   time.Duration `yaml:"max_action_delay"`
}

// AlertingConfig controls the alert manager and its channels.
type AlertingConfig struct {
	RulesFile     string        `yaml:"rules_file"`
	MaxAlerts     int           `yaml:"max_alerts" validate:"min=10"`
	Retention     time.Duration `yaml:"retention" validate:"min=1m"`
	ThrottleCache int           `yaml:"throttle_cache" validate:"min=16"`
	EnableConsole bool          `yaml:"enable_console"`
	Webhook       WebhookConfig `yaml:"webhook"`
	Email         EmailConfig   `yaml:"email"`
}

// WebhookConfig configures the webhook channel.
type WebhookConfig struct {
	URLs           []string      `yaml:"urls" validate:"dive,url"`
	Format         string        `yaml:"format" validate:"omitempty,oneof=generic slack pagerduty teams discord"`
	RoutingKey     string        `yaml:"routing_key"`
	Timeout        time.Duration `yaml:"timeout"`
	MaxRetries     int           `yaml:"max_retries" validate:"min=0,max=10"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	QueueSize      int           `yaml:"queue_size" validate:"min=1"`
	Workers        int           `yaml:"workers" validate:"min=1"`
	BreakerTrips   uint32        `yaml:"breaker_trips" validate:"min=1"`
	BreakerPause   time.Duration `yaml:"breaker_pause"`
}

// EmailConfig configures the SMTP email channel.
type EmailConfig struct {
	Host     string   `yaml:"host"`
	Port     int      `yaml:"port" validate:"omitempty,min=1,max=65535"`
	From     string   `yaml:"from" validate:"omitempty,email"`
	To       []string `yaml:"to" validate:"dive,email"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
}

// Enabled reports whether enough SMTP settings are present to send mail.
func (e EmailConfig) Enabled() bool {
	return e.Host != "" && e.From != "" && len(e.To) > 0
}

// ForensicsConfig controls evidence retention.
type ForensicsConfig struct {
	DefaultRetention time.Duration            `yaml:"default_retention" validate:"min=1h"`
	Retention        map[string]time.Duration `yaml:"retention"`
	MaxEvidence      int                      `yaml:"max_evidence" validate:"min=10"`
	MaxSessions      int                      `yaml:"max_sessions" validate:"min=1"`
}

// MetricsConfig controls the metrics collector.
type MetricsConfig struct {
	ListenAddr      string `yaml:"listen_addr"`
	ReportRetention int    `yaml:"report_retention" validate:"min=1"`
	VolumeThreshold int    `yaml:"volume_threshold" validate:"min=1"`
	RiskThreshold   int    `yaml:"risk_threshold" validate:"min=0,max=100"`
}

// ComplianceConfig names the frameworks whose settings are checked.
type ComplianceConfig struct {
	Frameworks []string `yaml:"frameworks" validate:"dive,oneof=gdpr pci_dss soc2"`
}

// DefaultConfig returns a Config with working defaults.
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Storage: StorageConfig{
			Driver:    "badger",
			Path:      "./data/state",
			QueueSize: 64,
		},
		Bus: BusConfig{
			URL:      "nats://127.0.0.1:4222",
			Embedded: true,
			DataDir:  "./data/nats",
			Port:     4222,
		},
		Scheduler: SchedulerConfig{
			CleanupInterval: time.Hour,
			BatchInterval:   10 * time.Second,
			ReportInterval:  24 * time.Hour,
		},
		Monitor: MonitorConfig{
			MaxEvents:     1000,
			Retention:     24 * time.Hour,
			PatternWindow: 5 * time.Minute,
			PatternThresholds: map[string]int{
				string(EventPaymentFailed):     3,
				string(EventRateLimitExceeded): 5,
				string(EventAuthFailure):       5,
				string(EventPermissionDenied):  5,
				string(EventInvoiceInvalid):    3,
			},
			DedupWindow: 2 * time.Second,
		},
		Threat: ThreatConfig{
			BufferSize:         10000,
			PatternBatchSize:   100,
			StatisticalWindow:  1000,
			AnomalyConfidence:  60,
			MinBaselineSamples: 10,
			AmountStdDevs:      3,
			ZScoreThreshold:    2,
			ZScoreHigh:         3,
			Retention:          7 * 24 * time.Hour,
		},
		Incident: IncidentConfig{
			AutoResponse:     true,
			RelatedWindow:    5 * time.Minute,
			Retention:        30 * 24 * time.Hour,
			DefaultRateLimit: time.Hour,
			MaxActionDelay:   time.Minute,
		},
		Alerting: AlertingConfig{
			MaxAlerts:     1000,
			Retention:     7 * 24 * time.Hour,
			ThrottleCache: 10000,
			EnableConsole: true,
			Webhook: WebhookConfig{
				Format:         "generic",
				Timeout:        15 * time.Second,
				MaxRetries:     5,
				InitialBackoff: time.Second,
				MaxBackoff:     30 * time.Second,
				QueueSize:      1000,
				Workers:        4,
				BreakerTrips:   5,
				BreakerPause:   60 * time.Second,
			},
			Email: EmailConfig{Port: 587},
		},
		Forensics: ForensicsConfig{
			DefaultRetention: 7 * 24 * time.Hour,
			Retention: map[string]time.Duration{
				"user_action":       24 * time.Hour,
				"system_state":      7 * 24 * time.Hour,
				"network_activity":  7 * 24 * time.Hour,
				"error_context":     14 * 24 * time.Hour,
				"security_event":    30 * 24 * time.Hour,
				"payment_flow":      30 * 24 * time.Hour,
				"incident_snapshot": 90 * 24 * time.Hour,
			},
			MaxEvidence: 5000,
			MaxSessions: 20,
		},
		Metrics: MetricsConfig{
			ListenAddr:      "127.0.0.1:9464",
			ReportRetention: 30,
			VolumeThreshold: 1000,
			RiskThreshold:   50,
		},
		Compliance: ComplianceConfig{
			Frameworks: []string{"gdpr", "pci_dss", "soc2"},
		},
	}
}

// LoadConfig loads configuration from a YAML file, falling back to defaults.
// Keys missing from the file keep their default values.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if _, err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SaveConfig writes the configuration to a YAML file.
func SaveConfig(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

// Validator returns the shared struct validator. Rule packages reuse it.
func Validator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// ValidateStruct runs tag validation and converts failures into a ValidationError.
func ValidateStruct(subject string, v interface{}) error {
	err := Validator().Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return NewValidationError(subject, err.Error())
	}
	issues := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		issue := fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag())
		if fe.Param() != "" {
			issue += " (" + fe.Param() + ")"
		}
		issues = append(issues, issue)
	}
	return NewValidationError(subject, issues...)
}

// Validate checks the configuration. Warnings describe settings that work but
// are probably unintended; the error lists every hard failure.
func (c *Config) Validate() ([]string, error) {
	var warnings []string

	if err := ValidateStruct("config", c); err != nil {
		return warnings, err
	}

	var issues []string
	for typ, d := range c.Forensics.Retention {
		if d <= 0 {
			issues = append(issues, fmt.Sprintf("forensics.retention.%s must be positive", typ))
		}
	}
	if c.Monitor.PatternWindow > c.Monitor.Retention {
		issues = append(issues, "monitor.pattern_window must not exceed monitor.retention")
	}
	if len(issues) > 0 {
		return warnings, NewValidationError("config", issues...)
	}

	if c.Storage.Driver == "memory" {
		warnings = append(warnings, "storage.driver is memory: state is lost on restart")
	}
	if c.Bus.Enabled && !c.Bus.Embedded && c.Bus.URL == "" {
		warnings = append(warnings, "bus enabled without url: falling back to nats://127.0.0.1:4222")
	}
	if c.Alerting.Email.Host != "" && !c.Alerting.Email.Enabled() {
		warnings = append(warnings, "alerting.email.host set but from/to missing: email channel disabled")
	}
	return warnings, nil
}

// EvidenceRetention returns the retention period for an evidence type.
func (c *Config) EvidenceRetention(evidenceType string) time.Duration {
	if d, ok := c.Forensics.Retention[evidenceType]; ok && d > 0 {
		return d
	}
	return c.Forensics.DefaultRetention
}

// LogLevel returns the lower-cased log level string.
func (c *Config) LogLevel() string {
	return strings.ToLower(c.Logging.Level)
}

// Clone returns a deep copy so callers can mutate it without racing readers.
func (c *Config) Clone() *Config {
	out := *c
	out.Monitor.PatternThresholds = make(map[string]int, len(c.Monitor.PatternThresholds))
	for k, v := range c.Monitor.PatternThresholds {
		out.Monitor.PatternThresholds[k] = v
	}
	out.Forensics.Retention = make(map[string]time.Duration, len(c.Forensics.Retention))
	for k, v := range c.Forensics.Retention {
		out.Forensics.Retention[k] = v
	}
	out.Alerting.Webhook.URLs = append([]string(nil), c.Alerting.Webhook.URLs...)
	out.Alerting.Email.To = append([]string(nil), c.Alerting.Email.To...)
	out.Compliance.Frameworks = append([]string(nil), c.Compliance.Frameworks...)
	return &out
}
