package alerting

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"

	"github.com/1sec-project/secengine/internal/core"
)

// WebhookDelivery is one queued POST of an alert payload.
type WebhookDelivery struct {
	ID        string                 `json:"id"`
	AlertID   string                 `json:"alert_id"`
	URL       string                 `json:"url"`
	Payload   map[string]interface{} `json:"payload"`
	CreatedAt time.Time              `json:"created_at"`
	Attempts  int                    `json:"attempts"`
	LastError string                 `json:"last_error,omitempty"`
	Status    string                 `json:"status"` // "pending", "delivered", "dead_letter"
}

// DeadLetterEntry is a delivery that exhausted its retries.
type DeadLetterEntry struct {
	Delivery  WebhookDelivery `json:"delivery"`
	FailedAt  time.Time       `json:"failed_at"`
	LastError string          `json:"last_error"`
}

// clientError is a 4xx response other than 429. It is not retried and does
// not count against the URL's breaker.
type clientError struct{ msg string }

func (e *clientError) Error() string { return "client error: " + e.msg }

// WebhookDispatcher posts alert payloads in the background with exponential
// backoff, a dead letter buffer and one circuit breaker per URL.
type WebhookDispatcher struct {
	logger     zerolog.Logger
	cfg        core.WebhookConfig
	client     *http.Client
	queue      chan *WebhookDelivery
	format     PayloadFormat
	onDead     func(DeadLetterEntry)
	deadLetter []*DeadLetterEntry
	dlMu       sync.RWMutex
	maxDL      int

	cbMu     sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[struct{}]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWebhookDispatcher starts the delivery workers. onDead, if set, is called
// for every delivery moved to the dead letter buffer.
func NewWebhookDispatcher(cfg core.WebhookConfig, onDead func(DeadLetterEntry), logger zerolog.Logger) *WebhookDispatcher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = time.Second
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}
	if cfg.BreakerTrips == 0 {
		cfg.BreakerTrips = 5
	}
	if cfg.BreakerPause <= 0 {
		cfg.BreakerPause = 60 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	format := GetPayloadFormat(cfg.Format)
	if format == nil {
		format = genericPayload
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &WebhookDispatcher{
		logger:     logger.With().Str("component", "webhook_dispatcher").Logger(),
		cfg:        cfg,
		client:     &http.Client{Timeout: cfg.Timeout},
		queue:      make(chan *WebhookDelivery, cfg.QueueSize),
		format:     format,
		onDead:     onDead,
		deadLetter: make([]*DeadLetterEntry, 0, 100),
		maxDL:      500,
		breakers:   make(map[string]*gobreaker.CircuitBreaker[struct{}]),
		ctx:        ctx,
		cancel:     cancel,
	}
	for i := 0; i < cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	d.logger.Info().Int("workers", cfg.Workers).Int("queue_size", cfg.QueueSize).Msg("webhook dispatcher started")
	return d
}

// Deliver queues the alert for every configured URL.
func (d *WebhookDispatcher) Deliver(_ context.Context, a *SecurityAlert) error {
	if len(d.cfg.URLs) == 0 {
		return ErrChannelUnavailable
	}
	payload := d.format(a, d.cfg.RoutingKey)
	var dropped int
	for _, url := range d.cfg.URLs {
		if !d.Enqueue(url, a.ID, payload) {
			dropped++
		}
	}
	if dropped == len(d.cfg.URLs) {
		return errors.New("webhook queue full")
	}
	return errQueued
}

// Enqueue adds a delivery to the queue. It reports false when the queue is
// full and the delivery went straight to the dead letter buffer.
func (d *WebhookDispatcher) Enqueue(url, alertID string, payload map[string]interface{}) bool {
	delivery := &WebhookDelivery{
		ID:        uuid.New().String(),
		AlertID:   alertID,
		URL:       url,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
		Status:    "pending",
	}
	select {
	case d.queue <- delivery:
		d.logger.Debug().Str("id", delivery.ID).Str("url", url).Msg("webhook enqueued")
		return true
	default:
		d.logger.Warn().Str("url", url).Msg("webhook queue full, delivery dropped")
		d.addDeadLetter(delivery, "queue full")
		return false
	}
}

// GetDeadLetters returns up to limit of the most recent failed deliveries.
func (d *WebhookDispatcher) GetDeadLetters(limit int) []DeadLetterEntry {
	d.dlMu.RLock()
	defer d.dlMu.RUnlock()
	if limit <= 0 || limit > len(d.deadLetter) {
		limit = len(d.deadLetter)
	}
	out := make([]DeadLetterEntry, 0, limit)
	for _, dl := range d.deadLetter[len(d.deadLetter)-limit:] {
		out = append(out, *dl)
	}
	return out
}

// RetryDeadLetter re-enqueues a dead letter entry by delivery ID.
func (d *WebhookDispatcher) RetryDeadLetter(id string) bool {
	d.dlMu.Lock()
	defer d.dlMu.Unlock()
	for i, dl := range d.deadLetter {
		if dl.Delivery.ID != id {
			continue
		}
		retry := dl.Delivery
		retry.Attempts = 0
		retry.Status = "pending"
		retry.LastError = ""
		select {
		case d.queue <- &retry:
			d.deadLetter = append(d.deadLetter[:i], d.deadLetter[i+1:]...)
			return true
		default:
			return false
		}
	}
	return false
}

// Stats returns dispatcher statistics.
func (d *WebhookDispatcher) Stats() map[string]interface{} {
	d.dlMu.RLock()
	dlCount := len(d.deadLetter)
	d.dlMu.RUnlock()

	d.cbMu.Lock()
	open := 0
	for _, cb := range d.breakers {
		if cb.State() == gobreaker.StateOpen {
			open++
		}
	}
	d.cbMu.Unlock()

	return map[string]interface{}{
		"queue_depth":    len(d.queue),
		"queue_capacity": d.cfg.QueueSize,
		"dead_letters":   dlCount,
		"open_circuits":  open,
		"workers":        d.cfg.Workers,
		"max_retries":    d.cfg.MaxRetries,
	}
}

// Close stops the workers. Queued deliveries that have not started are
// abandoned.
func (d *WebhookDispatcher) Close() {
	d.cancel()
	d.wg.Wait()
	d.logger.Info().Int("dead_letters", len(d.GetDeadLetters(0))).Msg("webhook dispatcher stopped")
}

func (d *WebhookDispatcher) worker() {
	defer d.wg.Done()
	for {
		select {
		case <-d.ctx.Done():
			return
		case delivery := <-d.queue:
			d.deliver(delivery)
		}
	}
}

func (d *WebhookDispatcher) breaker(url string) *gobreaker.CircuitBreaker[struct{}] {
	d.cbMu.Lock()
	defer d.cbMu.Unlock()
	if cb, ok := d.breakers[url]; ok {
		return cb
	}
	trips := d.cfg.BreakerTrips
	cb := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        url,
		MaxRequests: 1,
		Timeout:     d.cfg.BreakerPause,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= trips
		},
		IsSuccessful: func(err error) bool {
			var ce *clientError
			return err == nil || errors.As(err, &ce)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			d.logger.Warn().Str("url", name).Str("from", from.String()).Str("to", to.String()).Msg("webhook circuit breaker state changed")
		},
	})
	d.breakers[url] = cb
	return cb
}

func (d *WebhookDispatcher) deliver(delivery *WebhookDelivery) {
	data, err := json.Marshal(delivery.Payload)
	if err != nil {
		d.addDeadLetter(delivery, fmt.Sprintf("marshal error: %v", err))
		return
	}
	cb := d.breaker(delivery.URL)

	for attempt := 0; attempt <= d.cfg.MaxRetries; attempt++ {
		delivery.Attempts = attempt + 1
		_, err := cb.Execute(func() (struct{}, error) {
			return struct{}{}, d.post(delivery, data)
		})
		if err == nil {
			delivery.Status = "delivered"
			d.logger.Debug().
				Str("id", delivery.ID).
				Str("url", delivery.URL).
				Int("attempts", delivery.Attempts).
				Msg("webhook delivered")
			return
		}
		delivery.LastError = err.Error()

		var ce *clientError
		if errors.As(err, &ce) || errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			break
		}
		if attempt < d.cfg.MaxRetries && !d.backoff(attempt) {
			break
		}
	}
	d.addDeadLetter(delivery, delivery.LastError)
}

func (d *WebhookDispatcher) post(delivery *WebhookDelivery, data []byte) error {
	req, err := http.NewRequestWithContext(d.ctx, http.MethodPost, delivery.URL, bytes.NewReader(data))
	if err != nil {
		return &clientError{msg: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "secengine-webhook/1.0")
	req.Header.Set("X-Secengine-Delivery-ID", delivery.ID)
	req.Header.Set("X-Secengine-Attempt", fmt.Sprintf("%d", delivery.Attempts))

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		return &clientError{msg: fmt.Sprintf("HTTP %d", resp.StatusCode)}
	default:
		return fmt.Errorf("server error: HTTP %d", resp.StatusCode)
	}
}

// backoff sleeps before the next attempt. It reports false if the dispatcher
// is shutting down.
func (d *WebhookDispatcher) backoff(attempt int) bool {
	delay := time.Duration(float64(d.cfg.InitialBackoff) * math.Pow(2, float64(attempt)))
	if delay > d.cfg.MaxBackoff {
		delay = d.cfg.MaxBackoff
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-d.ctx.Done():
		return false
	}
}

func (d *WebhookDispatcher) addDeadLetter(delivery *WebhookDelivery, reason string) {
	delivery.Status = "dead_letter"
	entry := DeadLetterEntry{
		Delivery:  *delivery,
		FailedAt:  time.Now().UTC(),
		LastError: reason,
	}
	d.dlMu.Lock()
	if len(d.deadLetter) >= d.maxDL {
		d.deadLetter = d.deadLetter[d.maxDL/10:]
	}
	d.deadLetter = append(d.deadLetter, &entry)
	d.dlMu.Unlock()

	d.logger.Warn().
		Str("id", delivery.ID).
		Str("url", delivery.URL).
		Int("attempts", delivery.Attempts).
		Str("error", reason).
		Msg("webhook moved to dead letter")
	if d.onDead != nil {
		d.onDead(entry)
	}
}
