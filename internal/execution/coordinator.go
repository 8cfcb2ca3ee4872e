// Package execution turns resolved decisions into orders against the
// external execution service and applies fills to engine state.
package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/meridian-trading/decision-engine/internal/metrics"
	"github.com/meridian-trading/decision-engine/internal/stops"
	"github.com/meridian-trading/decision-engine/pkg/types"
)

// Decision is a resolved action handed over by the arbiter.
type Decision struct {
	Signal   types.Signal
	Source   types.SignalSource
	StopType stops.TriggerType // set when Source is stop
	Reason   string
	Price    decimal.Decimal
}

// OrderExecutor is the external order-execution collaborator.
type OrderExecutor interface {
	// Execute places an order and awaits the fill.
	Execute(ctx context.Context, signal types.Signal, size decimal.Decimal) (*types.Fill, error)
	// Cancel requests cancellation of an outstanding order.
	Cancel(ctx context.Context, orderID string) error
}

// OrderError carries the order ID of a failed placement so the
// coordinator can request cancellation.
type OrderError struct {
	OrderID string
	Err     error
}

func (e *OrderError) Error() string {
	return fmt.Sprintf("order %s: %v", e.OrderID, e.Err)
}

func (e *OrderError) Unwrap() error { return e.Err }

// Config configures the coordinator.
type Config struct {
	OrderSize      decimal.Decimal
	SellStopPct    float64 // fresh stop distance after a buy fill, percent
	BuyStopPct     float64 // fresh stop distance after a sell fill, percent
	PeriodLength   time.Duration
	ExecuteTimeout time.Duration
	CancelTimeout  time.Duration
}

// Coordinator executes resolved decisions. On a confirmed fill it records
// the new trade, resets stop state, computes the fresh opposing stop and
// clears the signal bookkeeping.
type Coordinator struct {
	logger   *zap.Logger
	cfg      Config
	executor OrderExecutor

	mu           sync.Mutex
	pendingOrder string // order whose placement failed and whose cancel has not confirmed

	now func() time.Time
}

// NewCoordinator creates an execution coordinator.
func NewCoordinator(logger *zap.Logger, cfg Config, executor OrderExecutor) *Coordinator {
	if cfg.ExecuteTimeout <= 0 {
		cfg.ExecuteTimeout = 10 * time.Second
	}
	if cfg.CancelTimeout <= 0 {
		cfg.CancelTimeout = 5 * time.Second
	}
	return &Coordinator{
		logger:   logger.Named("execution"),
		cfg:      cfg,
		executor: executor,
		now:      time.Now,
	}
}

// Execute places the order for a resolved decision and applies the fill
// to st. A decision whose signal already executed within the last period
// length is a logged no-op, never a retry. Callers that must not block
// other work while the order is in flight use Suppressed/Place/ApplyFill
// directly; Execute is their synchronous composition.
func (c *Coordinator) Execute(ctx context.Context, st *types.EngineState, dec Decision) error {
	if c.Suppressed(st, dec) {
		return nil
	}

	fill, err := c.Place(ctx, dec)
	if err != nil {
		return err
	}

	c.ApplyFill(st, dec, fill)
	return nil
}

// Suppressed reports whether dec duplicates a signal already executed
// within the last period length.
func (c *Coordinator) Suppressed(st *types.EngineState, dec Decision) bool {
	now := c.now()

	if st.Signal.LastExecuted == dec.Signal && !st.Signal.LastExecutedTime.IsZero() &&
		now.Sub(st.Signal.LastExecutedTime) < c.cfg.PeriodLength {
		c.logger.Warn("duplicate signal suppressed",
			zap.String("signal", string(dec.Signal)),
			zap.Duration("sinceLast", now.Sub(st.Signal.LastExecutedTime)),
		)
		return true
	}
	return false
}

// Place sends the order to the venue and awaits the fill. It never
// touches engine state, so callers may drop their state lock while it
// runs. A placement that failed after the order went out is tracked so
// CancelOutstanding can retry cancellation.
func (c *Coordinator) Place(ctx context.Context, dec Decision) (*types.Fill, error) {
	execCtx, cancel := context.WithTimeout(ctx, c.cfg.ExecuteTimeout)
	defer cancel()

	c.logger.Info("executing decision",
		zap.String("signal", string(dec.Signal)),
		zap.String("source", string(dec.Source)),
		zap.String("reason", dec.Reason),
	)

	fill, err := c.executor.Execute(execCtx, dec.Signal, c.cfg.OrderSize)
	if err != nil {
		var oerr *OrderError
		if errors.As(err, &oerr) && oerr.OrderID != "" {
			c.mu.Lock()
			c.pendingOrder = oerr.OrderID
			c.mu.Unlock()
			c.cancelOrder(oerr.OrderID)
		}
		return nil, fmt.Errorf("order execution failed: %w", err)
	}

	return fill, nil
}

// ApplyFill records the confirmed fill on st: new trade, fresh stop
// state with the opposing stop, latch and persistence cleared.
func (c *Coordinator) ApplyFill(st *types.EngineState, dec Decision, fill *types.Fill) {
	c.applyFill(st, dec, fill)

	metrics.Decisions.WithLabelValues(string(dec.Signal), string(dec.Source)).Inc()
	if dec.Source == types.SourceStop {
		metrics.StopTriggers.WithLabelValues(string(dec.StopType)).Inc()
		st.Counters.StopTriggers++
	}

	c.logger.Info("fill confirmed",
		zap.String("orderId", fill.OrderID),
		zap.String("signal", string(dec.Signal)),
		zap.String("price", fill.Price.String()),
		zap.String("size", fill.Size.String()),
		zap.String("fee", fill.Fee.String()),
	)
}

// applyFill records the new trade and rebuilds stop state from scratch.
func (c *Coordinator) applyFill(st *types.EngineState, dec Decision, fill *types.Fill) {
	st.LastTrade = &types.Trade{
		Side:  types.Side(dec.Signal),
		Price: fill.Price,
		Size:  fill.Size,
		Time:  fill.Time,
	}

	st.Stop = types.StopState{}
	switch dec.Signal {
	case types.SignalBuy:
		if c.cfg.SellStopPct > 0 {
			st.Stop.SellStop = fill.Price.Mul(one.Sub(pctFraction(c.cfg.SellStopPct)))
		}
	case types.SignalSell:
		if c.cfg.BuyStopPct > 0 {
			st.Stop.BuyStop = fill.Price.Mul(one.Add(pctFraction(c.cfg.BuyStopPct)))
		}
	}

	st.ActedOnStop = false
	st.Signal.PersistenceCount = 0
	st.Signal.LastExecuted = dec.Signal
	st.Signal.LastExecutedTime = c.now()
	st.Counters.Executions++
}

// CancelOutstanding requests cancellation of any order still in flight.
// Used by shutdown and by the order_execution recovery action.
func (c *Coordinator) CancelOutstanding() {
	c.mu.Lock()
	pending := c.pendingOrder
	c.mu.Unlock()

	if pending == "" {
		return
	}
	c.cancelOrder(pending)
}

// cancelOrder requests cancellation and stops tracking the order only
// once the venue confirms; a failed cancel leaves it tracked so
// CancelOutstanding can retry later.
func (c *Coordinator) cancelOrder(orderID string) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.CancelTimeout)
	defer cancel()

	if err := c.executor.Cancel(ctx, orderID); err != nil {
		c.logger.Error("failed to cancel order",
			zap.String("orderId", orderID),
			zap.Error(err),
		)
		return
	}
	c.logger.Info("order cancelled", zap.String("orderId", orderID))

	c.mu.Lock()
	if c.pendingOrder == orderID {
		c.pendingOrder = ""
	}
	c.mu.Unlock()
}

var one = decimal.NewFromInt(1)

func pctFraction(pct float64) decimal.Decimal {
	return decimal.NewFromFloat(pct / 100)
}
