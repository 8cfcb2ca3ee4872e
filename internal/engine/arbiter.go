package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/meridian-trading/decision-engine/internal/execution"
	"github.com/meridian-trading/decision-engine/internal/health"
	"github.com/meridian-trading/decision-engine/internal/metrics"
	"github.com/meridian-trading/decision-engine/internal/stops"
	"github.com/meridian-trading/decision-engine/pkg/types"
)

// Outcome describes how arbitration of a single tick ended.
type Outcome string

const (
	// OutcomeDropped means the guard was held; the tick was skipped,
	// not queued.
	OutcomeDropped Outcome = "dropped"
	// OutcomeNone means no stop fired and no strategy signal was
	// present.
	OutcomeNone Outcome = "none"
	// OutcomeAwaiting means a strategy signal is accumulating
	// persistence and has not executed yet.
	OutcomeAwaiting Outcome = "awaiting"
	OutcomeExecuted Outcome = "executed"
	OutcomeFailed   Outcome = "failed"
)

// Arbiter merges stop results and strategy signals under the single-flight
// guard, applies persistence hysteresis, and emits at most one resolved
// action per tick.
type Arbiter struct {
	logger       *zap.Logger
	pair         string
	periodLength time.Duration
	guard        *Guard
	coordinator  *execution.Coordinator
	supervisor   *health.Supervisor

	// yield runs the venue call. The engine installs a hook that drops
	// its state mutex for the duration, so a slow order holds only the
	// guard and ticks arriving meanwhile are dropped rather than queued.
	yield func(func())

	now func() time.Time
}

// NewArbiter creates the arbitration core for one pair.
func NewArbiter(
	logger *zap.Logger,
	pair string,
	periodLength time.Duration,
	guard *Guard,
	coordinator *execution.Coordinator,
	supervisor *health.Supervisor,
) *Arbiter {
	return &Arbiter{
		logger:       logger.Named("arbiter"),
		pair:         pair,
		periodLength: periodLength,
		guard:        guard,
		coordinator:  coordinator,
		supervisor:   supervisor,
		yield:        func(f func()) { f() },
		now:          time.Now,
	}
}

// Arbitrate resolves one tick. stopRes is the stop evaluation for this
// tick, strategy the raw strategy signal (SignalNone for hold), and
// required the persistence requirement from the parameter adapter.
//
// If the guard is already held the tick is dropped from arbitration and
// the engine proceeds to the next tick. The guard is released on every
// exit path, including panics; panics are reported to health with the
// signal_processing context and never escape to the caller.
func (a *Arbiter) Arbitrate(ctx context.Context, st *types.EngineState, stopRes stops.Result, strategy types.Signal, required int) Outcome {
	now := a.now()

	token, ok := a.guard.TryAcquire(now)
	if !ok {
		a.logger.Warn("tick dropped: arbitration already in flight",
			zap.String("pair", a.pair))
		metrics.TicksDropped.WithLabelValues(a.pair).Inc()
		st.Counters.TicksDropped++
		return OutcomeDropped
	}

	outcome := OutcomeNone
	func() {
		defer a.guard.Release(token)
		defer func() {
			if r := recover(); r != nil {
				st.Signal.ClearPending()
				st.Counters.Errors++
				a.supervisor.RecordError(health.ContextSignalProcessing,
					fmt.Errorf("panic during arbitration: %v", r))
				outcome = OutcomeFailed
			}
		}()

		outcome = a.arbitrate(ctx, st, stopRes, strategy, required, now)
	}()

	return outcome
}

func (a *Arbiter) arbitrate(ctx context.Context, st *types.EngineState, stopRes stops.Result, strategy types.Signal, required int, now time.Time) Outcome {
	// Abandoned signals are cleared before anything else: a pending
	// signal older than two period lengths is stale, and the stop
	// latch is released with it.
	sig := &st.Signal
	if sig.Pending != types.SignalNone && !sig.LastSignalTime.IsZero() &&
		now.Sub(sig.LastSignalTime) > 2*a.periodLength {
		a.logger.Warn("clearing stale pending signal",
			zap.String("signal", string(sig.Pending)),
			zap.Duration("age", now.Sub(sig.LastSignalTime)),
		)
		sig.ClearPending()
		st.ActedOnStop = false
	}

	// Stops take precedence unconditionally and never wait for
	// persistence.
	if stopRes.Triggered {
		st.ActedOnStop = true
		sig.Pending = stopRes.Signal
		sig.Source = types.SourceStop
		sig.LastSignalTime = now
		return a.execute(ctx, st, execution.Decision{
			Signal:   stopRes.Signal,
			Source:   types.SourceStop,
			StopType: stopRes.Type,
			Reason:   stopRes.Reason,
			Price:    stopRes.Price,
		})
	}

	if strategy == types.SignalNone {
		return OutcomeNone
	}

	if required < 1 {
		required = 1
	}
	sig.RequiredPersistence = required

	if required > 1 {
		switch {
		case sig.Pending == types.SignalNone || sig.Source != types.SourceStrategy:
			sig.Pending = strategy
			sig.Source = types.SourceStrategy
			sig.PersistenceCount = 1
			sig.LastSignalTime = now
			return OutcomeAwaiting

		case sig.Pending == strategy:
			sig.PersistenceCount++
			sig.LastSignalTime = now
			if sig.PersistenceCount >= required {
				return a.execute(ctx, st, execution.Decision{
					Signal: strategy,
					Source: types.SourceStrategy,
					Reason: fmt.Sprintf("strategy signal persisted %d ticks", sig.PersistenceCount),
				})
			}
			return OutcomeAwaiting

		default:
			// A flipped signal restarts hysteresis at 1, not 0: the
			// new value has been seen once.
			sig.Pending = strategy
			sig.PersistenceCount = 1
			sig.LastSignalTime = now
			return OutcomeAwaiting
		}
	}

	sig.Pending = strategy
	sig.Source = types.SourceStrategy
	sig.LastSignalTime = now
	return a.execute(ctx, st, execution.Decision{
		Signal: strategy,
		Source: types.SourceStrategy,
		Reason: "strategy signal",
	})
}

// execute hands the resolved decision to the coordinator. The venue call
// runs inside yield with the caller's lock dropped; state is only touched
// before and after. Pending state is cleared on every path; a failed
// execution must not leave a ghost signal behind.
func (a *Arbiter) execute(ctx context.Context, st *types.EngineState, dec execution.Decision) Outcome {
	if a.coordinator.Suppressed(st, dec) {
		st.Signal.ClearPending()
		return OutcomeExecuted
	}

	var (
		fill *types.Fill
		err  error
	)
	a.yield(func() {
		fill, err = a.coordinator.Place(ctx, dec)
	})

	st.Signal.ClearPending()
	if err != nil {
		st.Counters.Errors++
		a.supervisor.RecordError(health.ContextOrderExecution, err)
		return OutcomeFailed
	}
	a.coordinator.ApplyFill(st, dec, fill)
	return OutcomeExecuted
}
