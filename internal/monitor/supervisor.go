package monitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/seungdori/TradingBoost-Strategy-sub006/internal/events"
)

// ErrMaxRestarts is returned when the loop died more times than the
// supervisor tolerates; the process should exit with a failure code.
var ErrMaxRestarts = errors.New("monitor: restart budget exhausted")

// Supervisor restart ladder: 5s doubling to a 5min cap.
const (
	restartInitialInterval = 5 * time.Second
	restartMaxInterval     = 5 * time.Minute
	defaultMaxRestarts     = 10
)

// Runner is a long-lived loop the supervisor keeps alive.
type Runner interface {
	Run(ctx context.Context) error
}

// Supervisor keeps the monitor loop alive through panics and returned
// errors, restarting it with exponential backoff up to a bound.
type Supervisor struct {
	loop        Runner
	maxRestarts int
	notify      Notifier
	alertUID    string // recipient of the terminal alert, may be empty
	logger      zerolog.Logger

	// baseInterval is shrunk in tests to avoid real waits.
	baseInterval time.Duration
}

// NewSupervisor wraps a loop. maxRestarts <= 0 selects the default of 10.
func NewSupervisor(loop Runner, maxRestarts int, notify Notifier, logger zerolog.Logger) *Supervisor {
	if maxRestarts <= 0 {
		maxRestarts = defaultMaxRestarts
	}
	return &Supervisor{loop: loop, maxRestarts: maxRestarts, notify: notify, logger: logger,
		baseInterval: restartInitialInterval}
}

// Run blocks until the context ends or the restart budget runs out.
func (s *Supervisor) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.baseInterval
	bo.MaxInterval = restartMaxInterval
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	bo.Reset()

	restarts := 0
	for {
		err := s.runOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		restarts++
		if restarts > s.maxRestarts {
			s.logger.Error().Int("restarts", restarts-1).Msg("monitor loop restart budget exhausted")
			s.alert(ctx, fmt.Sprintf("Order monitor failed permanently after %d restarts", restarts-1), err)
			return ErrMaxRestarts
		}
		wait := bo.NextBackOff()
		s.logger.Warn().Err(err).Int("restart", restarts).Dur("backoff", wait).
			Msg("monitor loop died, restarting")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// runOnce runs the loop, converting a panic into an error.
func (s *Supervisor) runOnce(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("monitor loop panic: %v", r)
		}
	}()
	return s.loop.Run(ctx)
}

func (s *Supervisor) alert(ctx context.Context, msg string, cause error) {
	if s.notify == nil || s.alertUID == "" {
		return
	}
	e := &events.Entry{
		Timestamp: time.Now().UTC(),
		UserID:    s.alertUID,
		EventType: events.TypeError,
		Status:    events.StatusFailed,
		Category:  events.CategoryError,
		Content:   msg,
	}
	if cause != nil {
		e.ErrorMessage = cause.Error()
	}
	_ = s.notify.Enqueue(ctx, e)
}

// SetAlertRecipient routes the terminal alert to an operator UID.
func (s *Supervisor) SetAlertRecipient(uid string) { s.alertUID = uid }
