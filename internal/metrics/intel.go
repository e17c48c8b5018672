package metrics

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/1sec-project/secengine/internal/core"
)

// IntelType classifies a threat intelligence indicator.
type IntelType string

const (
	IntelIP          IntelType = "ip"
	IntelDomain      IntelType = "domain"
	IntelUserPattern IntelType = "user_pattern"
	IntelBehavior    IntelType = "behavior"
)

// ThreatIntel is a known-bad indicator.
type ThreatIntel struct {
	ID          string        `json:"id" yaml:"id"`
	Type        IntelType     `json:"type" yaml:"type" validate:"oneof=ip domain user_pattern behavior"`
	Value       string        `json:"value" yaml:"value" validate:"required"`
	Severity    core.Severity `json:"severity" yaml:"severity"`
	Confidence  int           `json:"confidence" yaml:"confidence" validate:"min=0,max=100"`
	Description string        `json:"description,omitempty" yaml:"description,omitempty"`
	AddedAt     time.Time     `json:"added_at" yaml:"added_at,omitempty"`

	re *regexp.Regexp
}

// IntelMatch is one indicator hit on an event.
type IntelMatch struct {
	Intel ThreatIntel `json:"intel"`
	Field string      `json:"field"`
}

// compile validates the indicator and prepares its matcher.
func (ti *ThreatIntel) compile() error {
	if err := core.ValidateStruct("intel "+ti.Value, ti); err != nil {
		return err
	}
	if !ti.Severity.Valid() {
		ti.Severity = core.SeverityMedium
	}
	if ti.Type == IntelUserPattern {
		re, err := regexp.Compile(ti.Value)
		if err != nil {
			return core.NewValidationError("intel "+ti.Value, fmt.Sprintf("bad user pattern: %v", err))
		}
		ti.re = re
	}
	if ti.ID == "" {
		ti.ID = uuid.New().String()
	}
	if ti.AddedAt.IsZero() {
		ti.AddedAt = time.Now().UTC()
	}
	return nil
}

// match checks one indicator against an event. details is the serialized
// details bag, computed once per event by the caller.
func (ti *ThreatIntel) match(e *core.SecurityEvent, details string) (string, bool) {
	switch ti.Type {
	case IntelIP:
		if ip := e.IP(); ip != "" && ip == ti.Value {
			return "details.ip", true
		}
		if details != "" && strings.Contains(details, ti.Value) {
			return "details", true
		}
	case IntelDomain:
		value := strings.ToLower(ti.Value)
		if d := strings.ToLower(e.Domain()); d != "" && (d == value || strings.HasSuffix(d, "."+value)) {
			return "details.domain", true
		}
		if details != "" && strings.Contains(strings.ToLower(details), value) {
			return "details", true
		}
	case IntelUserPattern:
		if ti.re != nil && e.UserID != "" && ti.re.MatchString(e.UserID) {
			return "userId", true
		}
	case IntelBehavior:
		if string(e.Type) == ti.Value {
			return "type", true
		}
	}
	return "", false
}
