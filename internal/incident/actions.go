package incident

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/1sec-project/secengine/internal/core"
	"github.com/1sec-project/secengine/internal/forensics"
)

// ActionType names an automated response.
type ActionType string

const (
	ActionLog             ActionType = "log"
	ActionAlert           ActionType = "alert"
	ActionBlockUser       ActionType = "block_user"
	ActionRateLimit       ActionType = "rate_limit"
	ActionForensicCapture ActionType = "forensic_capture"
	ActionNotify          ActionType = "notify"
	ActionEscalate        ActionType = "escalate"
	ActionQuarantine      ActionType = "quarantine"
)

// ActionExecutor carries out one action type. Execute returns the affected
// target and a short description of what happened.
type ActionExecutor interface {
	Execute(ctx context.Context, inc *SecurityIncident, action ResponseAction, logger zerolog.Logger) (target string, details string, err error)
	Validate(action ResponseAction) error
}

// Notifier delivers incident notifications for the alert, notify and
// escalate actions.
type Notifier interface {
	NotifyIncident(inc *SecurityIncident, reason string) error
}

// EvidenceCapturer snapshots forensic context for an incident.
type EvidenceCapturer interface {
	CaptureIncident(incidentID, userID string, data map[string]interface{}) (*forensics.Evidence, error)
}

var (
	errNoUser      = errors.New("incident has no user")
	errNoNotifier  = errors.New("no notifier configured")
	errNoForensics = errors.New("no evidence capturer configured")
)

func paramDuration(action ResponseAction, key string, fallback time.Duration) (time.Duration, error) {
	raw := action.Params[key]
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s %s: %w", action.Type, key, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s %s must not be negative", action.Type, key)
	}
	return d, nil
}

func validateDurationParam(action ResponseAction) error {
	_, err := paramDuration(action, "duration", 0)
	return err
}

// ─── log ────────────────────────────────────────────────────────────────────

type logExecutor struct{}

func (logExecutor) Validate(ResponseAction) error { return nil }

func (logExecutor) Execute(_ context.Context, inc *SecurityIncident, _ ResponseAction, logger zerolog.Logger) (string, string, error) {
	logger.Warn().
		Str("incident_id", inc.ID).
		Str("rule_id", inc.RuleID).
		Str("user_id", inc.UserID).
		Str("severity", inc.Severity.String()).
		Int("events", len(inc.Events)).
		Msg(inc.Title)
	return inc.ID, "incident logged", nil
}

// ─── block_user / rate_limit / quarantine ───────────────────────────────────

type blockUserExecutor struct{ m *Manager }

func (blockUserExecutor) Validate(a ResponseAction) error { return validateDurationParam(a) }

func (e blockUserExecutor) Execute(_ context.Context, inc *SecurityIncident, a ResponseAction, _ zerolog.Logger) (string, string, error) {
	if inc.UserID == "" {
		return "", "", errNoUser
	}
	d, err := paramDuration(a, "duration", 0)
	if err != nil {
		return inc.UserID, "", err
	}
	e.m.BlockUser(inc.UserID, d)
	if d == 0 {
		return inc.UserID, "user blocked until unblocked", nil
	}
	return inc.UserID, fmt.Sprintf("user blocked for %s", d), nil
}

type rateLimitExecutor struct{ m *Manager }

func (rateLimitExecutor) Validate(a ResponseAction) error { return validateDurationParam(a) }

func (e rateLimitExecutor) Execute(_ context.Context, inc *SecurityIncident, a ResponseAction, _ zerolog.Logger) (string, string, error) {
	if inc.UserID == "" {
		return "", "", errNoUser
	}
	d, err := paramDuration(a, "duration", e.m.cfg.DefaultRateLimit)
	if err != nil {
		return inc.UserID, "", err
	}
	op := a.Params["operation"]
	if op == "" {
		op = OperationAll
	}
	e.m.RateLimitUser(inc.UserID, op, d)
	return inc.UserID, fmt.Sprintf("%s rate limited for %s", op, d), nil
}

type quarantineExecutor struct{ m *Manager }

func (quarantineExecutor) Validate(a ResponseAction) error { return validateDurationParam(a) }

func (e quarantineExecutor) Execute(_ context.Context, inc *SecurityIncident, a ResponseAction, _ zerolog.Logger) (string, string, error) {
	if inc.UserID == "" {
		return "", "", errNoUser
	}
	d, err := paramDuration(a, "duration", 0)
	if err != nil {
		return inc.UserID, "", err
	}
	e.m.QuarantineUser(inc.UserID, d)
	return inc.UserID, "user quarantined to read-only access", nil
}

// ─── forensic_capture ───────────────────────────────────────────────────────

type forensicExecutor struct{ m *Manager }

func (forensicExecutor) Validate(ResponseAction) error { return nil }

func (e forensicExecutor) Execute(_ context.Context, inc *SecurityIncident, _ ResponseAction, _ zerolog.Logger) (string, string, error) {
	capturer := e.m.capturer()
	if capturer == nil {
		return inc.ID, "", errNoForensics
	}
	eventIDs := make([]interface{}, len(inc.Events))
	for i, ev := range inc.Events {
		eventIDs[i] = ev.ID
	}
	ev, err := capturer.CaptureIncident(inc.ID, inc.UserID, map[string]interface{}{
		"rule_id":   inc.RuleID,
		"title":     inc.Title,
		"severity":  inc.Severity.String(),
		"event_ids": eventIDs,
	})
	if err != nil {
		return inc.ID, "", err
	}
	e.m.addEvidence(inc.ID, ev.ID)
	return ev.ID, "incident snapshot captured", nil
}

// ─── alert / notify / escalate ──────────────────────────────────────────────

type notifyExecutor struct {
	m      *Manager
	reason string
}

func (notifyExecutor) Validate(ResponseAction) error { return nil }

func (e notifyExecutor) Execute(_ context.Context, inc *SecurityIncident, _ ResponseAction, _ zerolog.Logger) (string, string, error) {
	n := e.m.notifier()
	if n == nil {
		return inc.ID, "", errNoNotifier
	}
	if err := n.NotifyIncident(inc, e.reason); err != nil {
		return inc.ID, "", err
	}
	return inc.ID, e.reason + " sent", nil
}

type escalateExecutor struct{ m *Manager }

func (escalateExecutor) Validate(ResponseAction) error { return nil }

func (e escalateExecutor) Execute(_ context.Context, inc *SecurityIncident, _ ResponseAction, _ zerolog.Logger) (string, string, error) {
	escalated, err := e.m.escalate(inc.ID)
	if err != nil {
		return inc.ID, "", err
	}
	details := fmt.Sprintf("escalated to %s", escalated.Severity)
	if n := e.m.notifier(); n != nil {
		if err := n.NotifyIncident(escalated, "escalate"); err != nil {
			return inc.ID, details, err
		}
	}
	return inc.ID, details, nil
}

func builtinExecutors(m *Manager) map[ActionType]ActionExecutor {
	return map[ActionType]ActionExecutor{
		ActionLog:             logExecutor{},
		ActionAlert:           notifyExecutor{m: m, reason: "alert"},
		ActionNotify:          notifyExecutor{m: m, reason: "notify"},
		ActionBlockUser:       blockUserExecutor{m: m},
		ActionRateLimit:       rateLimitExecutor{m: m},
		ActionQuarantine:      quarantineExecutor{m: m},
		ActionForensicCapture: forensicExecutor{m: m},
		ActionEscalate:        escalateExecutor{m: m},
	}
}

// actionError wraps an executor failure for the incident's action log.
func actionError(t ActionType, err error) error {
	return &core.ActionError{Action: string(t), Err: err}
}
