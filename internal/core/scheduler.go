package core

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/thejerf/suture/v4"
)

// TickerService runs Fn every Interval until its context is cancelled.
type TickerService struct {
	Name     string
	Interval time.Duration
	Fn       func(ctx context.Context)
	// RunAtStart runs Fn once before the first tick.
	RunAtStart bool
}

// Serve implements suture.Service.
func (t *TickerService) Serve(ctx context.Context) error {
	if t.RunAtStart {
		t.Fn(ctx)
	}
	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			t.Fn(ctx)
		}
	}
}

func (t *TickerService) String() string { return t.Name }

// Supervisor restart tuning.
const (
	schedulerFailureThreshold = 5.0
	schedulerFailureDecay     = 30.0
	schedulerFailureBackoff   = 15 * time.Second
	schedulerShutdownTimeout  = 10 * time.Second
)

// Scheduler owns all background work. Services that panic or return are
// restarted by the supervisor with backoff.
type Scheduler struct {
	sup    *suture.Supervisor
	logger zerolog.Logger
	errCh  <-chan error
	cancel context.CancelFunc
}

// NewScheduler creates an idle scheduler.
func NewScheduler(logger zerolog.Logger) *Scheduler {
	s := &Scheduler{logger: logger.With().Str("component", "scheduler").Logger()}
	s.sup = suture.New("secengine", suture.Spec{
		EventHook:        s.eventHook,
		FailureThreshold: schedulerFailureThreshold,
		FailureDecay:     schedulerFailureDecay,
		FailureBackoff:   schedulerFailureBackoff,
		Timeout:          schedulerShutdownTimeout,
	})
	return s
}

func (s *Scheduler) eventHook(ev suture.Event) {
	switch ev.Type() {
	case suture.EventTypeServicePanic, suture.EventTypeServiceTerminate:
		s.logger.Error().Fields(ev.Map()).Msg(ev.String())
	case suture.EventTypeBackoff:
		s.logger.Warn().Fields(ev.Map()).Msg(ev.String())
	default:
		s.logger.Debug().Fields(ev.Map()).Msg(ev.String())
	}
}

// Add registers a service. Services added after Start begin immediately.
func (s *Scheduler) Add(svc suture.Service) suture.ServiceToken {
	return s.sup.Add(svc)
}

// Every registers a ticker service.
func (s *Scheduler) Every(name string, interval time.Duration, fn func(ctx context.Context)) suture.ServiceToken {
	return s.Add(&TickerService{Name: name, Interval: interval, Fn: fn})
}

// Start runs the supervisor in the background.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.errCh = s.sup.ServeBackground(ctx)
	s.logger.Debug().Msg("scheduler started")
}

// Stop cancels every service and waits for the supervisor to return.
func (s *Scheduler) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	if s.errCh != nil {
		<-s.errCh
	}
	s.cancel = nil
	s.logger.Debug().Msg("scheduler stopped")
}
