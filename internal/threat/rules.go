package threat

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/1sec-project/secengine/internal/core"
)

// Rule fires when Threshold events matching all Conditions arrive for one user
// within TimeWindow.
type Rule struct {
	ID         string           `json:"id" yaml:"id" validate:"required"`
	Name       string           `json:"name" yaml:"name" validate:"required"`
	ThreatType string           `json:"threat_type" yaml:"threat_type" validate:"required"`
	Enabled    bool             `json:"enabled" yaml:"enabled"`
	Confidence int              `json:"confidence" yaml:"confidence" validate:"min=0,max=100"`
	Severity   core.Severity    `json:"severity" yaml:"severity" validate:"min=1,max=4"`
	Conditions []core.Condition `json:"conditions" yaml:"conditions" validate:"min=1"`
	TimeWindow time.Duration    `json:"time_window" yaml:"time_window" validate:"min=1s"`
	Threshold  int              `json:"threshold" yaml:"threshold" validate:"min=1"`
	Actions    []string         `json:"actions,omitempty" yaml:"actions,omitempty"`
}

// Validate checks the rule and compiles its conditions in place.
func (r *Rule) Validate() error {
	if err := core.ValidateStruct("threat rule "+r.ID, r); err != nil {
		return err
	}
	return core.CompileAll("threat rule "+r.ID, r.Conditions)
}

func (r Rule) clone() Rule {
	out := r
	out.Conditions = append([]core.Condition(nil), r.Conditions...)
	out.Actions = append([]string(nil), r.Actions...)
	return out
}

func typeIs(t core.EventType) core.Condition {
	return core.Condition{Field: "type", Operator: core.OpEquals, Value: string(t)}
}

// DefaultRules returns the built-in detection rules.
func DefaultRules() []Rule {
	return []Rule{
		{
			ID: "brute_force_login", Name: "Brute force login", ThreatType: "brute_force",
			Enabled: true, Confidence: 85, Severity: core.SeverityHigh,
			Conditions: []core.Condition{typeIs(core.EventAuthFailure)},
			TimeWindow: 5 * time.Minute, Threshold: 5,
			Actions: []string{"alert", "block_user"},
		},
		{
			ID: "payment_fraud", Name: "Repeated payment failures", ThreatType: "payment_fraud",
			Enabled: true, Confidence: 80, Severity: core.SeverityHigh,
			Conditions: []core.Condition{typeIs(core.EventPaymentFailed)},
			TimeWindow: 10 * time.Minute, Threshold: 3,
			Actions: []string{"alert", "rate_limit"},
		},
		{
			ID: "invoice_manipulation", Name: "Invoice manipulation", ThreatType: "invoice_manipulation",
			Enabled: true, Confidence: 75, Severity: core.SeverityHigh,
			Conditions: []core.Condition{typeIs(core.EventInvoiceInvalid)},
			TimeWindow: 15 * time.Minute, Threshold: 3,
			Actions: []string{"alert"},
		},
		{
			ID: "privilege_escalation", Name: "Privilege escalation attempts", ThreatType: "privilege_escalation",
			Enabled: true, Confidence: 70, Severity: core.SeverityMedium,
			Conditions: []core.Condition{typeIs(core.EventPermissionDenied)},
			TimeWindow: 10 * time.Minute, Threshold: 5,
			Actions: []string{"alert"},
		},
		{
			ID: "bulk_data_export", Name: "Bulk data exfiltration", ThreatType: "data_exfiltration",
			Enabled: true, Confidence: 75, Severity: core.SeverityHigh,
			Conditions: []core.Condition{
				typeIs(core.EventDataExport),
				{Field: "details.rows", Operator: core.OpGreaterThan, Value: 1000},
			},
			TimeWindow: time.Hour, Threshold: 3,
			Actions: []string{"alert", "forensic_capture"},
		},
		{
			ID: "mass_deletion", Name: "Mass data deletion", ThreatType: "data_destruction",
			Enabled: true, Confidence: 80, Severity: core.SeverityCritical,
			Conditions: []core.Condition{typeIs(core.EventDataDeletion)},
			TimeWindow: 10 * time.Minute, Threshold: 5,
			Actions: []string{"alert", "block_user"},
		},
		{
			ID: "csp_attack", Name: "Script injection attempts", ThreatType: "xss_attempt",
			Enabled: true, Confidence: 65, Severity: core.SeverityMedium,
			Conditions: []core.Condition{typeIs(core.EventCSPViolation)},
			TimeWindow: 5 * time.Minute, Threshold: 10,
			Actions: []string{"alert"},
		},
		{
			ID: "rate_abuse", Name: "API rate abuse", ThreatType: "api_abuse",
			Enabled: true, Confidence: 70, Severity: core.SeverityMedium,
			Conditions: []core.Condition{typeIs(core.EventRateLimitExceeded)},
			TimeWindow: 5 * time.Minute, Threshold: 10,
			Actions: []string{"alert", "rate_limit"},
		},
	}
}

type rulesFile struct {
	Rules []Rule `yaml:"rules"`
}

// LoadRules reads rules from a YAML file of the form "rules: [...]". The rules
// are returned unvalidated; SetRules validates and skips bad ones.
func LoadRules(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading threat rules: %w", err)
	}
	var f rulesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing threat rules %s: %w", path, err)
	}
	return f.Rules, nil
}
