package alerting

import (
	"time"

	"github.com/1sec-project/secengine/internal/core"
	"github.com/1sec-project/secengine/internal/incident"
	"github.com/1sec-project/secengine/internal/threat"
)

// SystemRuleID marks alerts raised by the engine about itself.
const SystemRuleID = "system"

// Delivery outcomes recorded per channel.
const (
	DeliveryDelivered = "delivered"
	DeliveryQueued    = "queued"
	DeliverySkipped   = "skipped"
	DeliveryFailed    = "failed"
)

// SecurityAlert is one notification. Acknowledged and Dismissed are
// independent flags; neither can be cleared once set.
type SecurityAlert struct {
	ID             string                     `json:"id"`
	RuleID         string                     `json:"rule_id"`
	Title          string                     `json:"title"`
	Message        string                     `json:"message"`
	Priority       core.Severity              `json:"priority"`
	Channels       []Channel                  `json:"channels"`
	Type           core.EventType             `json:"type"`
	UserID         string                     `json:"user_id,omitempty"`
	Event          *core.SecurityEvent        `json:"event,omitempty"`
	Incident       *incident.SecurityIncident `json:"incident,omitempty"`
	Threat         *threat.DetectedThreat     `json:"threat,omitempty"`
	Timestamp      time.Time                  `json:"timestamp"`
	Delivery       map[Channel]string         `json:"delivery,omitempty"`
	Acknowledged   bool                       `json:"acknowledged"`
	AcknowledgedAt *time.Time                 `json:"acknowledged_at,omitempty"`
	Dismissed      bool                       `json:"dismissed"`
	DismissedAt    *time.Time                 `json:"dismissed_at,omitempty"`
}

// System reports whether the engine raised the alert about itself.
func (a *SecurityAlert) System() bool { return a.RuleID == SystemRuleID }

func (a *SecurityAlert) clone() *SecurityAlert {
	out := *a
	out.Channels = append([]Channel(nil), a.Channels...)
	if a.Delivery != nil {
		out.Delivery = make(map[Channel]string, len(a.Delivery))
		for k, v := range a.Delivery {
			out.Delivery[k] = v
		}
	}
	if a.AcknowledgedAt != nil {
		at := *a.AcknowledgedAt
		out.AcknowledgedAt = &at
	}
	if a.DismissedAt != nil {
		at := *a.DismissedAt
		out.DismissedAt = &at
	}
	return &out
}

// subject is whatever an alert rule is evaluated against. Incidents and
// threats are projected onto an event so rule conditions work uniformly.
type subject struct {
	event    *core.SecurityEvent
	incident *incident.SecurityIncident
	threat   *threat.DetectedThreat
}

func eventSubject(e *core.SecurityEvent) subject {
	return subject{event: e}
}

func incidentSubject(inc *incident.SecurityIncident) subject {
	return subject{
		incident: inc,
		event: &core.SecurityEvent{
			ID:        inc.ID,
			Type:      TypeIncident,
			Timestamp: inc.UpdatedAt,
			UserID:    inc.UserID,
			Severity:  inc.Severity,
			Details: map[string]interface{}{
				"rule_id": inc.RuleID,
				"title":   inc.Title,
				"status":  string(inc.Status),
				"events":  len(inc.Events),
			},
		},
	}
}

func threatSubject(t *threat.DetectedThreat) subject {
	return subject{
		threat: t,
		event: &core.SecurityEvent{
			ID:        t.ID,
			Type:      TypeThreat,
			Timestamp: t.LastActivity,
			UserID:    t.UserID,
			Severity:  t.Severity,
			Details: map[string]interface{}{
				"rule_id":     t.RuleID,
				"threat_type": t.ThreatType,
				"source":      string(t.Source),
				"confidence":  t.Confidence,
				"risk_score":  t.RiskScore,
			},
		},
	}
}

// matchType is the event type checked against a rule's EventTypes.
func (s subject) matchType() core.EventType { return s.event.Type }

// label names the subject in alert titles.
func (s subject) label() string {
	switch {
	case s.incident != nil:
		return s.incident.Title
	case s.threat != nil:
		return s.threat.ThreatType
	}
	return string(s.event.Type)
}
