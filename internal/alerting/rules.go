package alerting

import (
	"fmt"
	"os"
	"text/template"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/1sec-project/secengine/internal/core"
)

// Pseudo event types matched by rules that watch incidents and threats
// rather than raw events. AnyType matches everything.
const (
	AnyType      core.EventType = "*"
	TypeIncident core.EventType = "incident"
	TypeThreat   core.EventType = "threat"
)

// Channel names a delivery target.
type Channel string

const (
	ChannelConsole Channel = "console"
	ChannelBrowser Channel = "browser"
	ChannelToast   Channel = "toast"
	ChannelModal   Channel = "modal"
	ChannelEmail   Channel = "email"
	ChannelWebhook Channel = "webhook"
	ChannelBus     Channel = "bus"
)

// Rule turns matching events, incidents or threats into alerts.
type Rule struct {
	ID                string           `json:"id" yaml:"id" validate:"required"`
	Name              string           `json:"name" yaml:"name" validate:"required"`
	Enabled           bool             `json:"enabled" yaml:"enabled"`
	EventTypes        []core.EventType `json:"event_types" yaml:"event_types" validate:"min=1,dive,required"`
	SeverityThreshold core.Severity    `json:"severity_threshold" yaml:"severity_threshold" validate:"min=1,max=4"`
	Conditions        []core.Condition `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	Channels          []Channel        `json:"channels" yaml:"channels" validate:"min=1,dive,oneof=console browser toast modal email webhook bus"`
	Throttle          time.Duration    `json:"throttle" yaml:"throttle" validate:"min=0"`
	Priority          core.Severity    `json:"priority" yaml:"priority" validate:"min=1,max=4"`
	Template          string           `json:"template,omitempty" yaml:"template,omitempty"`

	tmpl *template.Template
}

func (r *Rule) validate() error {
	if err := core.ValidateStruct("alert rule "+r.ID, r); err != nil {
		return err
	}
	if err := core.CompileAll("alert rule "+r.ID, r.Conditions); err != nil {
		return err
	}
	if r.Template != "" {
		t, err := template.New(r.ID).Option("missingkey=zero").Parse(r.Template)
		if err != nil {
			return core.NewValidationError("alert rule "+r.ID, fmt.Sprintf("template: %v", err))
		}
		r.tmpl = t
	}
	return nil
}

func (r *Rule) watches(t core.EventType) bool {
	for _, et := range r.EventTypes {
		if et == AnyType || et == t {
			return true
		}
	}
	return false
}

func (r Rule) clone() Rule {
	out := r
	out.EventTypes = append([]core.EventType(nil), r.EventTypes...)
	out.Conditions = append([]core.Condition(nil), r.Conditions...)
	out.Channels = append([]Channel(nil), r.Channels...)
	return out
}

// DefaultRules returns the built-in alert rules.
func DefaultRules() []Rule {
	return []Rule{
		{
			ID: "critical_events", Name: "Critical security event", Enabled: true,
			EventTypes:        []core.EventType{AnyType},
			SeverityThreshold: core.SeverityCritical,
			Channels:          []Channel{ChannelConsole, ChannelBrowser, ChannelModal, ChannelEmail, ChannelWebhook, ChannelBus},
			Throttle:          time.Minute,
			Priority:          core.SeverityCritical,
		},
		{
			ID: "security_incidents", Name: "Security incident opened", Enabled: true,
			EventTypes:        []core.EventType{TypeIncident},
			SeverityThreshold: core.SeverityMedium,
			Channels:          []Channel{ChannelConsole, ChannelToast, ChannelWebhook, ChannelBus},
			Throttle:          5 * time.Minute,
			Priority:          core.SeverityHigh,
			Template:          `{{.Incident.Title}} for {{or .UserID "unknown user"}} ({{.Severity}}, {{len .Incident.Events}} events)`,
		},
		{
			ID: "detected_threats", Name: "Threat detected", Enabled: true,
			EventTypes:        []core.EventType{TypeThreat},
			SeverityThreshold: core.SeverityHigh,
			Channels:          []Channel{ChannelConsole, ChannelToast, ChannelWebhook, ChannelBus},
			Throttle:          10 * time.Minute,
			Priority:          core.SeverityHigh,
			Template:          `{{.Threat.Description}} (confidence {{.Threat.Confidence}}, risk {{.Threat.RiskScore}})`,
		},
		{
			ID: "payment_failures", Name: "Payment failure", Enabled: true,
			EventTypes:        []core.EventType{core.EventPaymentFailed},
			SeverityThreshold: core.SeverityMedium,
			Channels:          []Channel{ChannelConsole, ChannelToast},
			Throttle:          5 * time.Minute,
			Priority:          core.SeverityMedium,
			Template:          `Payment failed for {{or .UserID "anonymous"}}{{with .Event.Details.amount}} (amount {{.}}){{end}}`,
		},
		{
			ID: "auth_failures", Name: "Authentication failure", Enabled: true,
			EventTypes:        []core.EventType{core.EventAuthFailure},
			SeverityThreshold: core.SeverityHigh,
			Channels:          []Channel{ChannelConsole, ChannelToast},
			Throttle:          15 * time.Minute,
			Priority:          core.SeverityMedium,
		},
		{
			ID: "csp_violations", Name: "Content security policy violation", Enabled: true,
			EventTypes:        []core.EventType{core.EventCSPViolation},
			SeverityThreshold: core.SeverityLow,
			Channels:          []Channel{ChannelConsole},
			Throttle:          time.Hour,
			Priority:          core.SeverityLow,
		},
	}
}

type rulesFile struct {
	Rules []Rule `yaml:"rules"`
}

// LoadRules reads alert rules from a YAML file of the form "rules: [...]".
func LoadRules(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading alert rules: %w", err)
	}
	var f rulesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing alert rules %s: %w", path, err)
	}
	return f.Rules, nil
}
