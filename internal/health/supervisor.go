// Package health tracks engine health and drives automatic recovery.
package health

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/meridian-trading/decision-engine/internal/metrics"
)

// Status is the coarse health classification.
type Status string

const (
	StatusHealthy Status = "healthy"
	StatusWarning Status = "warning"
	StatusError   Status = "error"
)

// Well-known error contexts. Anything else falls through to the generic
// soft reset.
const (
	ContextSignalProcessing = "signal_processing"
	ContextOrderExecution   = "order_execution"
	ContextStateCorruption  = "state_corruption"
)

// Action names a recovery the engine-side handler performs. The
// supervisor itself never touches engine state.
type Action string

const (
	ActionResetSignals Action = "reset_signals"
	ActionCancelOrders Action = "cancel_orders"
	ActionReinitialize Action = "reinitialize"
	ActionSoftReset    Action = "soft_reset"
)

// Handler performs a recovery action on behalf of the supervisor.
type Handler func(Action)

// Config configures the supervisor.
type Config struct {
	Interval         time.Duration // evaluation period
	Window           time.Duration // trailing window events count toward status
	WarningThreshold int           // warnings in window for warning status
	ErrorThreshold   int           // errors in window for error status
	AutoRecover      bool
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Interval:         10 * time.Second,
		Window:           time.Hour,
		WarningThreshold: 3,
		ErrorThreshold:   3,
		AutoRecover:      true,
	}
}

type event struct {
	at      time.Time
	context string
}

// Supervisor classifies health from accumulated error and warning counts
// and, when auto-recovery is on, dispatches recovery actions keyed by the
// failing context. It runs on a fixed interval, independent of ticks.
type Supervisor struct {
	logger *zap.Logger
	cfg    Config

	mu       sync.Mutex
	errors   []event
	warnings []event
	status   Status
	handler  Handler

	now func() time.Time
}

// NewSupervisor creates a supervisor in the healthy state.
func NewSupervisor(logger *zap.Logger, cfg Config) *Supervisor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultConfig().Window
	}
	return &Supervisor{
		logger: logger.Named("health"),
		cfg:    cfg,
		status: StatusHealthy,
		now:    time.Now,
	}
}

// RegisterHandler installs the engine-side recovery callback.
func (s *Supervisor) RegisterHandler(h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = h
}

// RecordError reports a failure with its context tag.
func (s *Supervisor) RecordError(context string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors = append(s.errors, event{at: s.now(), context: context})
	s.logger.Error("error recorded", zap.String("context", context), zap.Error(err))
}

// RecordWarning reports a non-fatal anomaly.
func (s *Supervisor) RecordWarning(context, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.warnings = append(s.warnings, event{at: s.now(), context: context})
	s.logger.Warn("warning recorded", zap.String("context", context), zap.String("msg", msg))
}

// Status returns the classification from the last evaluation.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Run evaluates health on the configured interval until the context ends.
func (s *Supervisor) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Evaluate()
		}
	}
}

// Evaluate trims the trailing window, classifies health, and dispatches a
// recovery action when the status is error and auto-recovery is enabled.
func (s *Supervisor) Evaluate() Status {
	s.mu.Lock()

	now := s.now()
	s.errors = trim(s.errors, now.Add(-s.cfg.Window))
	s.warnings = trim(s.warnings, now.Add(-s.cfg.Window))

	prev := s.status
	switch {
	case len(s.errors) >= s.cfg.ErrorThreshold:
		s.status = StatusError
	case len(s.errors) > 0 || len(s.warnings) >= s.cfg.WarningThreshold:
		s.status = StatusWarning
	default:
		s.status = StatusHealthy
	}

	if s.status != prev {
		s.logger.Info("health status changed",
			zap.String("from", string(prev)),
			zap.String("to", string(s.status)),
			zap.Int("errors", len(s.errors)),
			zap.Int("warnings", len(s.warnings)),
		)
	}
	metrics.HealthStatus.Set(statusValue(s.status))

	var dispatch Action
	var handler Handler
	if s.status == StatusError && s.cfg.AutoRecover && s.handler != nil {
		dispatch = actionFor(s.errors[len(s.errors)-1].context)
		handler = s.handler
		// Consume the window so a single burst does not re-fire the
		// same recovery on every evaluation.
		s.errors = nil
	}
	status := s.status
	s.mu.Unlock()

	if handler != nil {
		s.logger.Warn("dispatching recovery", zap.String("action", string(dispatch)))
		metrics.Recoveries.WithLabelValues(string(dispatch)).Inc()
		handler(dispatch)
	}

	return status
}

// actionFor maps an error context to its recovery action.
func actionFor(context string) Action {
	switch context {
	case ContextSignalProcessing:
		return ActionResetSignals
	case ContextOrderExecution:
		return ActionCancelOrders
	case ContextStateCorruption:
		return ActionReinitialize
	default:
		return ActionSoftReset
	}
}

func trim(events []event, cutoff time.Time) []event {
	i := 0
	for ; i < len(events); i++ {
		if events[i].at.After(cutoff) {
			break
		}
	}
	return events[i:]
}

func statusValue(s Status) float64 {
	switch s {
	case StatusWarning:
		return 1
	case StatusError:
		return 2
	default:
		return 0
	}
}
