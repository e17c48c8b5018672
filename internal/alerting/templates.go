package alerting

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
	"time"
)

var (
	eventTemplate = template.Must(template.New("event").Parse(
		`{{.Type}} from {{or .UserID "anonymous"}} ({{.Severity}})`))
	incidentTemplate = template.Must(template.New("incident").Parse(
		`{{.Incident.Title}} ({{.Severity}}) for {{or .UserID "unknown user"}}: {{len .Incident.Events}} events, {{len .Incident.Actions}} actions`))
	threatTemplate = template.Must(template.New("threat").Parse(
		`{{.Threat.ThreatType}}: {{.Threat.Description}}`))
)

// templateData is what rule templates render against.
type templateData struct {
	Rule     Rule
	Type     string
	UserID   string
	Severity string
	Event    interface{}
	Incident interface{}
	Threat   interface{}
}

// render builds the alert message from the rule template, falling back to
// the default template for the subject kind.
func render(r *Rule, s subject) (string, error) {
	data := templateData{
		Rule:     *r,
		Type:     string(s.matchType()),
		UserID:   s.event.UserID,
		Severity: s.event.Severity.String(),
		Event:    s.event,
	}
	fallback := eventTemplate
	if s.incident != nil {
		data.Incident = s.incident
		fallback = incidentTemplate
	}
	if s.threat != nil {
		data.Threat = s.threat
		fallback = threatTemplate
	}

	var buf bytes.Buffer
	if r.tmpl != nil {
		err := r.tmpl.Execute(&buf, data)
		if err == nil {
			return buf.String(), nil
		}
		buf.Reset()
		if fallback.Execute(&buf, data) == nil {
			return buf.String(), err
		}
		return fmt.Sprintf("%s: %s", r.Name, data.Type), err
	}
	if err := fallback.Execute(&buf, data); err != nil {
		return fmt.Sprintf("%s: %s", r.Name, data.Type), err
	}
	return buf.String(), nil
}

// ─── Webhook payload formats ────────────────────────────────────────────────

// PayloadFormat shapes an alert into the JSON body a webhook receiver expects.
type PayloadFormat func(a *SecurityAlert, routingKey string) map[string]interface{}

// GetPayloadFormat returns a format by name, or nil if unknown.
func GetPayloadFormat(name string) PayloadFormat {
	switch strings.ToLower(name) {
	case "generic", "":
		return genericPayload
	case "slack":
		return slackPayload
	case "pagerduty", "pd":
		return pagerDutyPayload
	case "teams", "msteams":
		return teamsPayload
	case "discord":
		return discordPayload
	default:
		return nil
	}
}

func genericPayload(a *SecurityAlert, _ string) map[string]interface{} {
	return map[string]interface{}{
		"alert":     a,
		"timestamp": a.Timestamp.UTC().Format(time.RFC3339),
		"source":    "secengine",
	}
}

func pagerDutyPayload(a *SecurityAlert, routingKey string) map[string]interface{} {
	severity := "info"
	switch a.Priority.String() {
	case "critical":
		severity = "critical"
	case "high":
		severity = "error"
	case "medium":
		severity = "warning"
	}
	return map[string]interface{}{
		"routing_key":  routingKey,
		"event_action": "trigger",
		"dedup_key":    fmt.Sprintf("secengine-%s-%s", a.RuleID, shortID(a.ID)),
		"payload": map[string]interface{}{
			"summary":   fmt.Sprintf("[secengine] %s: %s", a.Priority, a.Title),
			"source":    "secengine",
			"severity":  severity,
			"component": string(a.Type),
			"group":     "security",
			"class":     a.RuleID,
			"timestamp": a.Timestamp.UTC().Format(time.RFC3339),
			"custom_details": map[string]interface{}{
				"alert_id": a.ID,
				"user_id":  a.UserID,
				"message":  a.Message,
			},
		},
	}
}

func slackPayload(a *SecurityAlert, _ string) map[string]interface{} {
	color := "#2196f3"
	switch a.Priority.String() {
	case "critical":
		color = "#d32f2f"
	case "high":
		color = "#f44336"
	case "medium":
		color = "#ff9800"
	}
	fields := []map[string]interface{}{
		{"type": "mrkdwn", "text": fmt.Sprintf("*Type:*\n%s", a.Type)},
		{"type": "mrkdwn", "text": fmt.Sprintf("*Priority:*\n%s", a.Priority)},
	}
	if a.UserID != "" {
		fields = append(fields, map[string]interface{}{"type": "mrkdwn", "text": fmt.Sprintf("*User:*\n`%s`", a.UserID)})
	}
	return map[string]interface{}{
		"blocks": []map[string]interface{}{
			{"type": "header", "text": map[string]interface{}{"type": "plain_text", "text": truncate(a.Title, 150)}},
			{"type": "section", "text": map[string]interface{}{"type": "mrkdwn", "text": truncate(a.Message, 500)}},
			{"type": "section", "fields": fields},
			{"type": "context", "elements": []map[string]interface{}{
				{"type": "mrkdwn", "text": fmt.Sprintf("Alert `%s` | %s", shortID(a.ID), a.Timestamp.UTC().Format(time.RFC3339))},
			}},
		},
		"attachments": []map[string]interface{}{{"color": color, "blocks": []interface{}{}}},
	}
}

func teamsPayload(a *SecurityAlert, _ string) map[string]interface{} {
	theme := "2196F3"
	switch a.Priority.String() {
	case "critical":
		theme = "D32F2F"
	case "high":
		theme = "F44336"
	case "medium":
		theme = "FF9800"
	}
	return map[string]interface{}{
		"@type":      "MessageCard",
		"@context":   "http://schema.org/extensions",
		"themeColor": theme,
		"summary":    a.Title,
		"sections": []map[string]interface{}{{
			"activityTitle":    a.Title,
			"activitySubtitle": a.Timestamp.UTC().Format(time.RFC3339),
			"facts": []map[string]string{
				{"name": "Type", "value": string(a.Type)},
				{"name": "Priority", "value": a.Priority.String()},
				{"name": "User", "value": a.UserID},
			},
			"text":     truncate(a.Message, 500),
			"markdown": true,
		}},
	}
}

func discordPayload(a *SecurityAlert, _ string) map[string]interface{} {
	color := 0x2196F3
	switch a.Priority.String() {
	case "critical":
		color = 0xD32F2F
	case "high":
		color = 0xF44336
	case "medium":
		color = 0xFF9800
	}
	return map[string]interface{}{
		"embeds": []map[string]interface{}{{
			"title":       truncate(a.Title, 256),
			"description": truncate(a.Message, 500),
			"color":       color,
			"footer":      map[string]string{"text": "Alert " + shortID(a.ID)},
			"timestamp":   a.Timestamp.UTC().Format(time.RFC3339),
		}},
	}
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
