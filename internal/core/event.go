package core

import (
	"fmt"
	"math"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// Severity represents the severity level of a security event, threat or incident.
type Severity int

const (
	SeverityLow Severity = iota + 1
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Score is the 1..4 weight used by risk scoring.
func (s Severity) Score() int {
	if s < SeverityLow {
		return 0
	}
	if s > SeverityCritical {
		return 4
	}
	return int(s)
}

// Valid reports whether s is one of the four defined levels.
func (s Severity) Valid() bool {
	return s >= SeverityLow && s <= SeverityCritical
}

// SeverityInvalid is what a rule file's unrecognized severity name decodes
// to. It fails rule validation, so the rule is skipped.
const SeverityInvalid Severity = -1

// LookupSeverity converts a severity name to a Severity. ok is false for
// names that are not a known level or alias.
func LookupSeverity(str string) (Severity, bool) {
	switch strings.ToLower(strings.TrimSpace(str)) {
	case "low", "info":
		return SeverityLow, true
	case "medium", "med", "warning":
		return SeverityMedium, true
	case "high", "error":
		return SeverityHigh, true
	case "critical", "crit":
		return SeverityCritical, true
	default:
		return SeverityInvalid, false
	}
}

// ParseSeverity converts a string to a Severity. Unknown strings map to low;
// events from collaborators are never rejected for their severity.
func ParseSeverity(str string) Severity {
	if s, ok := LookupSeverity(str); ok {
		return s
	}
	return SeverityLow
}

func (s Severity) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Severity) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = ParseSeverity(str)
	return nil
}

func (s Severity) MarshalYAML() (interface{}, error) {
	return s.String(), nil
}

// UnmarshalYAML is strict: YAML only carries rules and config, where a typo
// must not silently lower a severity.
func (s *Severity) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var str string
	if err := unmarshal(&str); err != nil {
		return err
	}
	*s, _ = LookupSeverity(str)
	return nil
}

// EventType names the kind of security-relevant occurrence a collaborator reports.
type EventType string

const (
	EventAuthSuccess        EventType = "auth_success"
	EventAuthFailure        EventType = "auth_failure"
	EventPaymentAttempt     EventType = "payment_attempt"
	EventPaymentSuccess     EventType = "payment_success"
	EventPaymentFailed      EventType = "payment_failed"
	EventInvoiceInvalid     EventType = "invoice_invalid"
	EventPermissionDenied   EventType = "permission_denied"
	EventCSPViolation       EventType = "csp_violation"
	EventDataExport         EventType = "data_export"
	EventDataDeletion       EventType = "data_deletion"
	EventRateLimitExceeded  EventType = "rate_limit_exceeded"
	EventUncaughtError      EventType = "uncaught_error"
	EventSuspiciousActivity EventType = "suspicious_activity"
	EventConfigChange       EventType = "config_change"
)

// KnownEventTypes lists every event type the engine ships rules for.
func KnownEventTypes() []EventType {
	return []EventType{
		EventAuthSuccess, EventAuthFailure, EventPaymentAttempt, EventPaymentSuccess,
		EventPaymentFailed, EventInvoiceInvalid, EventPermissionDenied, EventCSPViolation,
		EventDataExport, EventDataDeletion, EventRateLimitExceeded, EventUncaughtError,
		EventSuspiciousActivity, EventConfigChange,
	}
}

// IsPayment reports whether the type belongs to the payment family.
func (t EventType) IsPayment() bool {
	return strings.HasPrefix(string(t), "payment_")
}

// SecurityEvent is the record collaborators hand to the engine. Once logged it
// is never mutated; consumers that need to change it work on a Clone.
type SecurityEvent struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	UserID    string                 `json:"user_id,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Severity  Severity               `json:"severity"`
}

// NewSecurityEvent creates an event with a generated ID and the current time.
func NewSecurityEvent(eventType EventType, userID string, severity Severity) *SecurityEvent {
	return &SecurityEvent{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		UserID:    userID,
		Severity:  severity,
		Details:   make(map[string]interface{}),
	}
}

// WithDetail sets a detail key and returns the event for chaining.
func (e *SecurityEvent) WithDetail(key string, value interface{}) *SecurityEvent {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// Clone returns a copy whose Details map can be modified independently.
func (e *SecurityEvent) Clone() *SecurityEvent {
	c := *e
	if e.Details != nil {
		c.Details = make(map[string]interface{}, len(e.Details))
		for k, v := range e.Details {
			c.Details[k] = v
		}
	}
	return &c
}

// Amount returns the payment amount carried in details["amount"].
func (e *SecurityEvent) Amount() (float64, bool) {
	v, ok := e.Details["amount"]
	if !ok {
		return 0, false
	}
	return ToFloat(v)
}

// IP returns details["ip"] or details["source_ip"].
func (e *SecurityEvent) IP() string {
	if s, ok := e.Details["ip"].(string); ok {
		return s
	}
	s, _ := e.Details["source_ip"].(string)
	return s
}

// Domain returns details["domain"], falling back to the host of details["url"].
func (e *SecurityEvent) Domain() string {
	if s, ok := e.Details["domain"].(string); ok {
		return s
	}
	if s, ok := e.Details["url"].(string); ok {
		if u, err := url.Parse(s); err == nil {
			return u.Hostname()
		}
	}
	return ""
}

// Marshal serializes the event to JSON.
func (e *SecurityEvent) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// DetailsJSON returns the serialized details bag, or "" if it cannot be encoded.
func (e *SecurityEvent) DetailsJSON() string {
	if len(e.Details) == 0 {
		return ""
	}
	data, err := json.Marshal(e.Details)
	if err != nil {
		return ""
	}
	return string(data)
}

// UnmarshalSecurityEvent deserializes a SecurityEvent from JSON.
func UnmarshalSecurityEvent(data []byte) (*SecurityEvent, error) {
	var event SecurityEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, err
	}
	if event.Details == nil {
		event.Details = make(map[string]interface{})
	}
	return &event, nil
}

// Field resolves a rule field against the event. Supported roots are "type",
// "userId" (or "user_id"), "severity" and "details.<dotted.path>".
func (e *SecurityEvent) Field(path string) (interface{}, bool) {
	switch path {
	case "type":
		return string(e.Type), true
	case "userId", "user_id":
		if e.UserID == "" {
			return nil, false
		}
		return e.UserID, true
	case "severity":
		return e.Severity.String(), true
	}
	if rest, ok := strings.CutPrefix(path, "details."); ok {
		return LookupPath(e.Details, rest)
	}
	return nil, false
}

// LookupPath walks a dotted path through nested maps.
func LookupPath(m map[string]interface{}, path string) (interface{}, bool) {
	if m == nil || path == "" {
		return nil, false
	}
	var cur interface{} = m
	for _, part := range strings.Split(path, ".") {
		node, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = node[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// ValidFieldPath reports whether a rule field path is addressable.
func ValidFieldPath(path string) error {
	switch path {
	case "type", "userId", "user_id", "severity":
		return nil
	}
	rest, ok := strings.CutPrefix(path, "details.")
	if !ok || rest == "" {
		return fmt.Errorf("field %q must be type, userId, severity or details.<path>", path)
	}
	for _, part := range strings.Split(rest, ".") {
		if part == "" {
			return fmt.Errorf("field %q has an empty path segment", path)
		}
	}
	return nil
}

// ToFloat converts JSON-ish numeric values (and numeric strings) to float64.
// NaN and infinities are rejected.
func ToFloat(v interface{}) (float64, bool) {
	f, ok := toFloat(v)
	if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}
