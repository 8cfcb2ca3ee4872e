// Package engine runs the per-pair decision loop: tick ingestion through
// regime classification, stop evaluation, signal arbitration, and
// execution, with background persistence and health supervision.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/meridian-trading/decision-engine/internal/config"
	"github.com/meridian-trading/decision-engine/internal/data"
	"github.com/meridian-trading/decision-engine/internal/execution"
	"github.com/meridian-trading/decision-engine/internal/health"
	"github.com/meridian-trading/decision-engine/internal/metrics"
	"github.com/meridian-trading/decision-engine/internal/regime"
	"github.com/meridian-trading/decision-engine/internal/state"
	"github.com/meridian-trading/decision-engine/internal/stops"
	"github.com/meridian-trading/decision-engine/pkg/types"
)

// StrategyFunc produces a raw entry signal from recent periods (most
// recent first) and the regime-adapted parameters. Return SignalNone to
// hold. Which indicator backs it is up to the caller.
type StrategyFunc func(periods []types.Period, params regime.Parameters) types.Signal

// watchdogInterval is how often the guard watchdog checks for a stuck
// arbitration.
const watchdogInterval = time.Second

// Engine owns the full decision pipeline for one exchange+pair.
type Engine struct {
	logger *zap.Logger
	cfg    *config.Config

	aggregator  *data.Aggregator
	classifier  *regime.Classifier
	evaluator   *stops.Evaluator
	guard       *Guard
	arbiter     *Arbiter
	coordinator *execution.Coordinator
	supervisor  *health.Supervisor
	store       *state.Store

	strategy StrategyFunc
	base     regime.Parameters

	// mu serializes EngineState mutation across tick processing,
	// recovery actions and status reads. It is released around the
	// venue call itself; the guard covers that stretch.
	mu sync.Mutex
	st types.EngineState

	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New wires an engine from its parts. executor is the order venue (paper
// or live), store the snapshot persistence layer.
func New(logger *zap.Logger, cfg *config.Config, executor execution.OrderExecutor, store *state.Store) *Engine {
	e := &Engine{
		logger: logger.Named("engine"),
		cfg:    cfg,
		store:  store,
	}

	e.aggregator = data.NewAggregator(logger, cfg.PeriodLength, 0)
	e.classifier = regime.NewClassifier(logger)
	e.evaluator = stops.NewEvaluator(logger, stops.Config{
		SellStopPct:         cfg.Stops.SellStopPct,
		BuyStopPct:          cfg.Stops.BuyStopPct,
		ProfitStopEnablePct: cfg.Stops.ProfitStopEnablePct,
		ProfitStopPct:       cfg.Stops.ProfitStopPct,
		DoSellStop:          cfg.Stops.DoSellStop,
		DoBuyStop:           cfg.Stops.DoBuyStop,
		Reverse:             cfg.Stops.Reverse,
	})
	e.guard = &Guard{}
	e.coordinator = execution.NewCoordinator(logger, execution.Config{
		OrderSize:      decimal.NewFromFloat(cfg.Order.Size),
		SellStopPct:    cfg.Stops.SellStopPct,
		BuyStopPct:     cfg.Stops.BuyStopPct,
		PeriodLength:   cfg.PeriodLength,
		ExecuteTimeout: cfg.Order.ExecuteTimeout,
		CancelTimeout:  cfg.Order.CancelTimeout,
	}, executor)
	e.supervisor = health.NewSupervisor(logger, health.Config{
		Interval:         cfg.Recovery.Interval,
		Window:           cfg.Recovery.Window,
		WarningThreshold: cfg.Recovery.WarningThreshold,
		ErrorThreshold:   cfg.Recovery.ErrorThreshold,
		AutoRecover:      cfg.Recovery.AutoRecover,
	})
	e.supervisor.RegisterHandler(e.handleRecovery)
	e.arbiter = NewArbiter(logger, cfg.Pair, cfg.PeriodLength, e.guard, e.coordinator, e.supervisor)
	// The guard, not mu, is the single-flight boundary. Dropping mu for
	// the venue call keeps OnTick responsive while an order is in
	// flight: later ticks fail TryAcquire and drop instead of queueing,
	// and after a watchdog force-release they arbitrate again even if
	// the old order is still hung.
	e.arbiter.yield = func(f func()) {
		e.mu.Unlock()
		defer e.mu.Lock()
		f()
	}

	e.base = regime.Parameters{
		BuyThreshold:      cfg.Signals.BuyThreshold,
		SellThreshold:     cfg.Signals.SellThreshold,
		SignalPersistence: cfg.Signals.Persistence,
		StopLossPct:       cfg.Stops.SellStopPct,
		ProfitTakePct:     cfg.Stops.ProfitStopPct,
	}

	return e
}

// SetStrategy registers the signal source. Must be called before Start.
func (e *Engine) SetStrategy(fn StrategyFunc) {
	e.strategy = fn
}

// Start restores persisted state and launches the background loops. The
// tick path itself is driven by OnTick from the feed.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.running = true
	e.mu.Unlock()

	if err := e.restore(); err != nil {
		// A corrupt snapshot is a cold start, not a refusal to run.
		e.logger.Warn("State restore failed, starting cold", zap.Error(err))
		e.supervisor.RecordError(health.ContextStateCorruption, err)
		e.mu.Lock()
		e.st.Reset()
		e.mu.Unlock()
	}

	e.wg.Add(2)
	go e.watchdogLoop()
	go e.snapshotLoop()
	go e.supervisor.Run(e.ctx)

	e.logger.Info("Engine started",
		zap.String("exchange", e.cfg.Exchange),
		zap.String("pair", e.cfg.Pair),
		zap.Duration("period_length", e.cfg.PeriodLength))
	return nil
}

// Stop halts the loops, gives any in-flight execution a bounded window,
// cancels outstanding orders, and persists a final snapshot.
func (e *Engine) Stop() error {
	e.mu.Lock()
	e.running = false
	cancel := e.cancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	e.wg.Wait()

	// If arbitration is still in flight, wait up to the guard timeout
	// for it to finish before cancelling what remains.
	deadline := time.Now().Add(e.cfg.Signals.GuardTimeout)
	for time.Now().Before(deadline) {
		if _, held := e.guard.HeldFor(time.Now()); !held {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	e.coordinator.CancelOutstanding()

	if err := e.saveSnapshot(); err != nil {
		e.logger.Error("Final snapshot failed", zap.Error(err))
	}

	e.logger.Info("Engine stopped")
	return nil
}

// OnTick processes one trade tick end to end. Ticks arriving while a
// previous arbitration holds the guard are dropped inside the arbiter;
// mu is released around the venue call, so an in-flight order never
// blocks later ticks from reaching that drop decision.
func (e *Engine) OnTick(tick types.Tick) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.running {
		return
	}

	e.st.Counters.TicksProcessed++
	metrics.Ticks.WithLabelValues(e.cfg.Pair).Inc()

	e.aggregator.Add(tick)
	prevClose := e.aggregator.PrevClose()

	reg := e.classifier.Update(e.aggregator.Closed())
	metrics.RegimeConfidence.WithLabelValues(e.cfg.Pair).Set(reg.Confidence)

	params := regime.Adapt(reg, e.base)
	e.evaluator.SetDistances(params.StopLossPct, params.ProfitTakePct)

	stopRes := e.evaluator.Evaluate(tick.Price, prevClose, e.st.LastTrade, &e.st.Stop, e.st.ActedOnStop)

	strategySig := types.SignalNone
	if e.strategy != nil {
		strategySig = e.strategy(e.aggregator.Periods(), params)
	}

	e.arbiter.Arbitrate(e.ctx, &e.st, stopRes, strategySig, params.SignalPersistence)
}

// Status is a point-in-time snapshot of the engine for the API layer.
type Status struct {
	Exchange     string                    `json:"exchange"`
	Pair         string                    `json:"pair"`
	Running      bool                      `json:"running"`
	Health       health.Status             `json:"health"`
	Regime       regime.Regime             `json:"regime"`
	LastTrade    *types.Trade              `json:"lastTrade,omitempty"`
	Stop         types.StopState           `json:"stop"`
	Signal       types.SignalState         `json:"signal"`
	ActedOnStop  bool                      `json:"actedOnStop"`
	GuardHeld    bool                      `json:"guardHeld"`
	GuardHeldFor time.Duration             `json:"guardHeldForNs"`
	Counters     types.PerformanceCounters `json:"counters"`
}

// Status reports current engine state for the status API.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	heldFor, held := e.guard.HeldFor(time.Now())
	return Status{
		Exchange:     e.cfg.Exchange,
		Pair:         e.cfg.Pair,
		Running:      e.running,
		Health:       e.supervisor.Status(),
		Regime:       e.classifier.Current(),
		LastTrade:    e.st.LastTrade,
		Stop:         e.st.Stop,
		Signal:       e.st.Signal,
		ActedOnStop:  e.st.ActedOnStop,
		GuardHeld:    held,
		GuardHeldFor: heldFor,
		Counters:     e.st.Counters,
	}
}

// Regime returns the classifier's current view.
func (e *Engine) Regime() regime.Regime {
	return e.classifier.Current()
}

// Healthy reports whether the supervisor considers the engine healthy.
func (e *Engine) Healthy() bool {
	return e.supervisor.Status() == health.StatusHealthy
}

// watchdogLoop force-releases a guard held past the configured timeout.
// Runs out of band from the tick path so a stuck arbitration cannot
// starve it.
func (e *Engine) watchdogLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(watchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case now := <-ticker.C:
			if e.guard.ForceRelease(now, e.cfg.Signals.GuardTimeout) {
				e.logger.Error("Guard held past timeout, force releasing",
					zap.Duration("timeout", e.cfg.Signals.GuardTimeout))
				metrics.GuardForceReleases.Inc()
				e.supervisor.RecordWarning(health.ContextSignalProcessing,
					"guard force released after timeout")
			}
		}
	}
}

// snapshotLoop persists engine state at the configured interval.
func (e *Engine) snapshotLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.State.SaveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			if err := e.saveSnapshot(); err != nil {
				e.logger.Error("Snapshot save failed", zap.Error(err))
			}
		}
	}
}

func (e *Engine) saveSnapshot() error {
	e.mu.Lock()
	snap := state.Capture(e.cfg.Exchange, e.cfg.Pair, &e.st, e.classifier.Current())
	e.mu.Unlock()
	return e.store.Save(snap)
}

// restore loads the persisted snapshot, if any. A missing or
// incompatible snapshot leaves the engine cold.
func (e *Engine) restore() error {
	snap, err := e.store.Load()
	if err != nil {
		return err
	}
	if snap == nil {
		e.logger.Info("No usable snapshot, cold start")
		return nil
	}
	if snap.Exchange != e.cfg.Exchange || snap.Pair != e.cfg.Pair {
		e.logger.Warn("Snapshot is for a different market, cold start",
			zap.String("snapshot_exchange", snap.Exchange),
			zap.String("snapshot_pair", snap.Pair))
		return nil
	}

	e.mu.Lock()
	snap.Restore(&e.st)
	e.mu.Unlock()
	e.classifier.Restore(snap.RegimeType, snap.RegimeConfidence)

	e.logger.Info("State restored",
		zap.Time("saved_at", snap.SavedAt),
		zap.Bool("has_position", snap.LastTrade != nil),
		zap.String("regime", string(snap.RegimeType)))
	return nil
}

// handleRecovery applies a supervisor-dispatched recovery action. The
// supervisor never touches engine state itself.
func (e *Engine) handleRecovery(action health.Action) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.logger.Warn("Applying recovery action", zap.String("action", string(action)))
	e.st.Counters.Recoveries++

	switch action {
	case health.ActionResetSignals:
		e.st.Signal.ClearPending()
		e.st.ActedOnStop = false
		if heldFor, held := e.guard.HeldFor(time.Now()); held {
			e.guard.ForceRelease(time.Now(), 0)
			e.logger.Warn("Guard released during signal reset",
				zap.Duration("held_for", heldFor))
		}
	case health.ActionCancelOrders:
		e.coordinator.CancelOutstanding()
	case health.ActionReinitialize:
		e.st.Reset()
		e.aggregator.Reset()
	case health.ActionSoftReset:
		e.st.Signal.ClearPending()
	}
}
