package alerting

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/1sec-project/secengine/internal/core"
)

// ErrChannelUnavailable means the channel is not configured; the alert is
// recorded as skipped for it, not failed.
var ErrChannelUnavailable = errors.New("channel not configured")

// errQueued means the channel accepted the alert for background delivery.
var errQueued = errors.New("queued")

// Deliverer sends an alert through one channel.
type Deliverer interface {
	Deliver(ctx context.Context, a *SecurityAlert) error
}

// DelivererFunc adapts a function to Deliverer.
type DelivererFunc func(ctx context.Context, a *SecurityAlert) error

func (f DelivererFunc) Deliver(ctx context.Context, a *SecurityAlert) error { return f(ctx, a) }

// Callback receives alerts for the browser, toast and modal channels.
type Callback func(*SecurityAlert) error

// Publisher is the subset of core.EventBus the bus channel needs.
type Publisher interface {
	PublishJSON(subject string, v interface{}) error
}

// ─── console ────────────────────────────────────────────────────────────────

type consoleChannel struct{ logger zerolog.Logger }

func (c consoleChannel) Deliver(_ context.Context, a *SecurityAlert) error {
	var ev *zerolog.Event
	switch {
	case a.Priority >= core.SeverityHigh:
		ev = c.logger.Error()
	case a.Priority == core.SeverityMedium:
		ev = c.logger.Warn()
	default:
		ev = c.logger.Info()
	}
	ev.Str("alert_id", a.ID).
		Str("rule_id", a.RuleID).
		Str("priority", a.Priority.String()).
		Str("type", string(a.Type)).
		Str("user_id", a.UserID).
		Str("message", a.Message).
		Msg(a.Title)
	return nil
}

// ─── browser / toast / modal ────────────────────────────────────────────────

// callbackChannel fans an alert out to the callbacks registered for one
// channel. Every callback runs even if an earlier one fails.
type callbackChannel struct {
	mu        sync.RWMutex
	callbacks []Callback
}

func (c *callbackChannel) add(fn Callback) {
	c.mu.Lock()
	c.callbacks = append(c.callbacks, fn)
	c.mu.Unlock()
}

func (c *callbackChannel) Deliver(_ context.Context, a *SecurityAlert) error {
	c.mu.RLock()
	cbs := append([]Callback(nil), c.callbacks...)
	c.mu.RUnlock()
	if len(cbs) == 0 {
		return ErrChannelUnavailable
	}
	var errs []error
	for _, fn := range cbs {
		if err := safeCallback(fn, a.clone()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func safeCallback(fn Callback, a *SecurityAlert) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("callback panicked: %v", r)
		}
	}()
	return fn(a)
}

// ─── email ──────────────────────────────────────────────────────────────────

type sendMailFunc func(addr string, auth smtp.Auth, from string, to []string, msg []byte) error

// emailChannel sends one message per alert over SMTP in the background.
// Failures are reported through onFail.
type emailChannel struct {
	cfg    core.EmailConfig
	send   sendMailFunc
	onFail func(a *SecurityAlert, err error)
	wg     sync.WaitGroup
}

func newEmailChannel(cfg core.EmailConfig, onFail func(*SecurityAlert, error)) *emailChannel {
	return &emailChannel{cfg: cfg, send: smtp.SendMail, onFail: onFail}
}

func (c *emailChannel) Deliver(_ context.Context, a *SecurityAlert) error {
	if !c.cfg.Enabled() {
		return ErrChannelUnavailable
	}
	msg := c.message(a)
	addr := net.JoinHostPort(c.cfg.Host, strconv.Itoa(c.cfg.Port))
	var auth smtp.Auth
	if c.cfg.Username != "" {
		auth = smtp.PlainAuth("", c.cfg.Username, c.cfg.Password, c.cfg.Host)
	}
	to := append([]string(nil), c.cfg.To...)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.send(addr, auth, c.cfg.From, to, msg); err != nil && c.onFail != nil {
			c.onFail(a, fmt.Errorf("smtp %s: %w", addr, err))
		}
	}()
	return errQueued
}

func (c *emailChannel) message(a *SecurityAlert) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", c.cfg.From)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(c.cfg.To, ", "))
	fmt.Fprintf(&b, "Subject: [secengine %s] %s\r\n", a.Priority, headerSafe(a.Title))
	fmt.Fprintf(&b, "Date: %s\r\n", a.Timestamp.UTC().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
	fmt.Fprintf(&b, "%s\r\n\r\n", a.Message)
	fmt.Fprintf(&b, "Alert:    %s\r\n", a.ID)
	fmt.Fprintf(&b, "Rule:     %s\r\n", a.RuleID)
	fmt.Fprintf(&b, "Type:     %s\r\n", a.Type)
	if a.UserID != "" {
		fmt.Fprintf(&b, "User:     %s\r\n", a.UserID)
	}
	fmt.Fprintf(&b, "Time:     %s\r\n", a.Timestamp.UTC().Format(time.RFC3339))
	return []byte(b.String())
}

func (c *emailChannel) wait() { c.wg.Wait() }

func headerSafe(s string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(s)
}

// ─── bus ────────────────────────────────────────────────────────────────────

type busChannel struct{ pub Publisher }

func (c busChannel) Deliver(_ context.Context, a *SecurityAlert) error {
	if c.pub == nil {
		return ErrChannelUnavailable
	}
	subject := core.SubjectAlerts + "." + core.SubjectToken(a.Priority.String())
	return c.pub.PublishJSON(subject, a)
}
