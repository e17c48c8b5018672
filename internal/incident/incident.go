package incident

import (
	"time"

	"github.com/1sec-project/secengine/internal/core"
)

// Status is an incident's lifecycle state. It only moves forward.
type Status string

const (
	StatusOpen          Status = "open"
	StatusInvestigating Status = "investigating"
	StatusMitigating    Status = "mitigating"
	StatusResolved      Status = "resolved"
	StatusClosed        Status = "closed"
)

var statusOrder = map[Status]int{
	StatusOpen:          0,
	StatusInvestigating: 1,
	StatusMitigating:    2,
	StatusResolved:      3,
	StatusClosed:        4,
}

// Active reports whether the incident still needs attention.
func (s Status) Active() bool {
	return s == StatusOpen || s == StatusInvestigating || s == StatusMitigating
}

// canMove allows any forward step out of an active state, and resolved to
// closed. Closed is final.
func (s Status) canMove(next Status) bool {
	to, ok := statusOrder[next]
	if !ok || to <= statusOrder[s] {
		return false
	}
	if s == StatusResolved {
		return next == StatusClosed
	}
	return s.Active()
}

// Action records one automated response attempt.
type Action struct {
	ID         string     `json:"id"`
	Type       ActionType `json:"type"`
	Timestamp  time.Time  `json:"timestamp"`
	Success    bool       `json:"success"`
	Target     string     `json:"target,omitempty"`
	Details    string     `json:"details,omitempty"`
	Error      string     `json:"error,omitempty"`
	DurationMs int64      `json:"duration_ms"`
}

// SecurityIncident groups the events that tripped an incident rule together
// with the responses taken. Events and Actions are append-only.
type SecurityIncident struct {
	ID           string                 `json:"id"`
	RuleID       string                 `json:"rule_id"`
	Title        string                 `json:"title"`
	Severity     core.Severity          `json:"severity"`
	Status       Status                 `json:"status"`
	UserID       string                 `json:"user_id,omitempty"`
	Events       []*core.SecurityEvent  `json:"events"`
	Actions      []Action               `json:"actions"`
	ForensicData map[string]interface{} `json:"forensic_data"`
	CreatedAt    time.Time              `json:"created_at"`
	UpdatedAt    time.Time              `json:"updated_at"`
	ResolvedAt   *time.Time             `json:"resolved_at,omitempty"`
}

func (inc *SecurityIncident) clone() *SecurityIncident {
	out := *inc
	out.Events = append([]*core.SecurityEvent(nil), inc.Events...)
	out.Actions = append([]Action(nil), inc.Actions...)
	out.ForensicData = make(map[string]interface{}, len(inc.ForensicData))
	for k, v := range inc.ForensicData {
		if list, ok := v.([]interface{}); ok {
			v = append([]interface{}(nil), list...)
		}
		out.ForensicData[k] = v
	}
	if inc.ResolvedAt != nil {
		at := *inc.ResolvedAt
		out.ResolvedAt = &at
	}
	return &out
}

func (inc *SecurityIncident) hasEvent(id string) bool {
	for _, e := range inc.Events {
		if e.ID == id {
			return true
		}
	}
	return false
}

// appendData adds v to the list stored under key in ForensicData.
func (inc *SecurityIncident) appendData(key string, v interface{}) {
	if inc.ForensicData == nil {
		inc.ForensicData = make(map[string]interface{})
	}
	list, _ := inc.ForensicData[key].([]interface{})
	inc.ForensicData[key] = append(list, v)
}
