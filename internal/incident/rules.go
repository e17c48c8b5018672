package incident

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/1sec-project/secengine/internal/core"
)

// TriggerConditions narrow which events count toward a trigger. Count and
// TimeWindow only apply when both are set.
type TriggerConditions struct {
	Count       int           `json:"count,omitempty" yaml:"count,omitempty" validate:"min=0"`
	TimeWindow  time.Duration `json:"time_window,omitempty" yaml:"time_window,omitempty" validate:"min=0"`
	Severity    core.Severity `json:"severity,omitempty" yaml:"severity,omitempty" validate:"min=0,max=4"`
	UserPattern string        `json:"user_pattern,omitempty" yaml:"user_pattern,omitempty"`
}

// Trigger matches one event type.
type Trigger struct {
	EventType  core.EventType    `json:"event_type" yaml:"event_type" validate:"required"`
	Conditions TriggerConditions `json:"conditions" yaml:"conditions"`

	userRe *regexp.Regexp
}

func (t *Trigger) compile() error {
	if t.Conditions.UserPattern == "" {
		return nil
	}
	re, err := regexp.Compile(t.Conditions.UserPattern)
	if err != nil {
		return fmt.Errorf("bad user_pattern for %s: %w", t.EventType, err)
	}
	t.userRe = re
	return nil
}

// admits checks the per-event parts of the trigger: type, minimum severity
// and user pattern.
func (t *Trigger) admits(e *core.SecurityEvent) bool {
	if e.Type != t.EventType {
		return false
	}
	if t.Conditions.Severity.Valid() && e.Severity < t.Conditions.Severity {
		return false
	}
	if t.userRe != nil && !t.userRe.MatchString(e.UserID) {
		return false
	}
	return true
}

func (t *Trigger) windowed() bool {
	return t.Conditions.Count > 0 && t.Conditions.TimeWindow > 0
}

// ResponseAction is one automated step run when a rule opens an incident.
type ResponseAction struct {
	Type   ActionType        `json:"type" yaml:"type" validate:"required"`
	Params map[string]string `json:"params,omitempty" yaml:"params,omitempty"`
	Delay  time.Duration     `json:"delay,omitempty" yaml:"delay,omitempty" validate:"min=0"`
}

// Rule opens an incident when any trigger matches.
type Rule struct {
	ID           string           `json:"id" yaml:"id" validate:"required"`
	Name         string           `json:"name" yaml:"name" validate:"required"`
	Enabled      bool             `json:"enabled" yaml:"enabled"`
	Severity     core.Severity    `json:"severity" yaml:"severity" validate:"min=1,max=4"`
	Triggers     []Trigger        `json:"triggers" yaml:"triggers" validate:"min=1,dive"`
	AutoResponse []ResponseAction `json:"auto_response,omitempty" yaml:"auto_response,omitempty" validate:"dive"`
}

func (r *Rule) validate() error {
	if err := core.ValidateStruct("incident rule "+r.ID, r); err != nil {
		return err
	}
	var issues []string
	for i := range r.Triggers {
		if err := r.Triggers[i].compile(); err != nil {
			issues = append(issues, err.Error())
		}
	}
	if len(issues) > 0 {
		return core.NewValidationError("incident rule "+r.ID, issues...)
	}
	return nil
}

func (r Rule) clone() Rule {
	out := r
	out.Triggers = append([]Trigger(nil), r.Triggers...)
	out.AutoResponse = make([]ResponseAction, len(r.AutoResponse))
	for i, a := range r.AutoResponse {
		out.AutoResponse[i] = a
		if a.Params != nil {
			out.AutoResponse[i].Params = make(map[string]string, len(a.Params))
			for k, v := range a.Params {
				out.AutoResponse[i].Params[k] = v
			}
		}
	}
	return out
}

func windowed(t core.EventType, count int, window time.Duration) Trigger {
	return Trigger{EventType: t, Conditions: TriggerConditions{Count: count, TimeWindow: window}}
}

// DefaultRules returns the built-in incident rules.
func DefaultRules() []Rule {
	return []Rule{
		{
			ID: "payment_failures", Name: "Repeated payment failures", Enabled: true,
			Severity: core.SeverityHigh,
			Triggers: []Trigger{windowed(core.EventPaymentFailed, 5, 5*time.Minute)},
			AutoResponse: []ResponseAction{
				{Type: ActionLog},
				{Type: ActionRateLimit, Params: map[string]string{"operation": "payment", "duration": "1h"}},
				{Type: ActionAlert},
			},
		},
		{
			ID: "csp_violations", Name: "Content security policy violations", Enabled: true,
			Severity: core.SeverityMedium,
			Triggers: []Trigger{windowed(core.EventCSPViolation, 3, time.Minute)},
			AutoResponse: []ResponseAction{
				{Type: ActionLog},
				{Type: ActionForensicCapture},
			},
		},
		{
			ID: "brute_force", Name: "Brute force authentication", Enabled: true,
			Severity: core.SeverityHigh,
			Triggers: []Trigger{windowed(core.EventAuthFailure, 10, 5*time.Minute)},
			AutoResponse: []ResponseAction{
				{Type: ActionBlockUser, Params: map[string]string{"duration": "1h"}},
				{Type: ActionForensicCapture},
				{Type: ActionAlert},
			},
		},
		{
			ID: "invoice_tampering", Name: "Invoice tampering", Enabled: true,
			Severity: core.SeverityHigh,
			Triggers: []Trigger{windowed(core.EventInvoiceInvalid, 3, 15*time.Minute)},
			AutoResponse: []ResponseAction{
				{Type: ActionRateLimit, Params: map[string]string{"operation": "invoice"}},
				{Type: ActionForensicCapture},
			},
		},
		{
			ID: "data_exfiltration", Name: "Bulk data export", Enabled: true,
			Severity: core.SeverityHigh,
			Triggers: []Trigger{{
				EventType:  core.EventDataExport,
				Conditions: TriggerConditions{Count: 3, TimeWindow: 10 * time.Minute, Severity: core.SeverityMedium},
			}},
			AutoResponse: []ResponseAction{
				{Type: ActionForensicCapture},
				{Type: ActionQuarantine},
				{Type: ActionNotify},
			},
		},
		{
			ID: "mass_deletion", Name: "Mass data deletion", Enabled: true,
			Severity: core.SeverityCritical,
			Triggers: []Trigger{windowed(core.EventDataDeletion, 5, 10*time.Minute)},
			AutoResponse: []ResponseAction{
				{Type: ActionBlockUser},
				{Type: ActionForensicCapture},
				{Type: ActionEscalate},
			},
		},
		{
			ID: "privilege_probe", Name: "Repeated permission denials", Enabled: true,
			Severity: core.SeverityMedium,
			Triggers: []Trigger{windowed(core.EventPermissionDenied, 10, 10*time.Minute)},
			AutoResponse: []ResponseAction{
				{Type: ActionLog},
				{Type: ActionAlert},
			},
		},
	}
}

type rulesFile struct {
	Rules []Rule `yaml:"rules"`
}

// LoadRules reads incident rules from a YAML file of the form "rules: [...]".
func LoadRules(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading incident rules: %w", err)
	}
	var f rulesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing incident rules %s: %w", path, err)
	}
	return f.Rules, nil
}
