// Package stops evaluates risk-control exits for the open position:
// regular stop-loss, profit trailing stop and gap protection.
package stops

import (
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/meridian-trading/decision-engine/pkg/types"
)

// TriggerType identifies the underlying cause of a stop trigger. When the
// reverse flag flips the emitted signal, the type still names the cause.
type TriggerType string

const (
	TypeStopLoss   TriggerType = "stop_loss"
	TypeProfitStop TriggerType = "profit_stop"
	TypeGapStop    TriggerType = "gap_stop"
	TypeBuyStop    TriggerType = "buy_stop"
	TypeGapBuyStop TriggerType = "gap_buy_stop"
)

// Result is the outcome of a stop evaluation. The zero value means no
// trigger.
type Result struct {
	Triggered bool
	Signal    types.Signal
	Type      TriggerType
	Reason    string
	Price     decimal.Decimal
}

// Config holds the stop parameters for one pair. Percentages are in
// percent units.
type Config struct {
	SellStopPct         float64
	BuyStopPct          float64
	ProfitStopEnablePct float64
	ProfitStopPct       float64
	DoSellStop          bool
	DoBuyStop           bool
	Reverse             bool
}

// Evaluator applies the stop rules each tick. It mutates only the profit
// trailing levels inside StopState; the acted-on-stop latch is owned by
// the caller.
type Evaluator struct {
	logger *zap.Logger
	cfg    Config
}

// NewEvaluator creates a stop evaluator.
func NewEvaluator(logger *zap.Logger, cfg Config) *Evaluator {
	return &Evaluator{logger: logger.Named("stops"), cfg: cfg}
}

// SetDistances overrides the stop and profit-take distances with
// regime-adapted values. The enable threshold and the enable flags are
// not adaptive. Callers run on the tick goroutine.
func (e *Evaluator) SetDistances(stopLossPct, profitTakePct float64) {
	e.cfg.SellStopPct = stopLossPct
	e.cfg.BuyStopPct = stopLossPct
	e.cfg.ProfitStopPct = profitTakePct
}

var one = decimal.NewFromInt(1)

// Evaluate determines whether a risk-control exit is triggered at the
// current close. It is a no-op without a position or while the
// acted-on-stop latch is set; the latch prevents the same position from
// re-triggering before the next fill resets it.
//
// Precedence for a long position: regular stop, then profit trailing
// stop, then gap stop. The profit trailing levels are maintained on every
// call once the enable threshold is reached, regardless of what fires.
func (e *Evaluator) Evaluate(close, prevClose decimal.Decimal, last *types.Trade, stop *types.StopState, actedOnStop bool) Result {
	if last == nil || actedOnStop || close.IsZero() {
		return Result{}
	}

	var res Result
	switch last.Side {
	case types.SideBuy:
		res = e.evaluateLong(close, prevClose, last, stop)
	case types.SideSell:
		res = e.evaluateShort(close, prevClose, stop)
	}

	if res.Triggered {
		if e.cfg.Reverse {
			res.Signal = res.Signal.Flip()
		}
		e.logger.Info("stop triggered",
			zap.String("type", string(res.Type)),
			zap.String("signal", string(res.Signal)),
			zap.String("price", res.Price.String()),
			zap.String("reason", res.Reason),
		)
	}
	return res
}

func (e *Evaluator) evaluateLong(close, prevClose decimal.Decimal, last *types.Trade, stop *types.StopState) Result {
	worth := close.Sub(last.Price).Div(last.Price)

	var res Result
	if e.cfg.DoSellStop && !stop.SellStop.IsZero() && close.LessThan(stop.SellStop) {
		res = Result{
			Triggered: true,
			Signal:    types.SignalSell,
			Type:      TypeStopLoss,
			Reason:    fmt.Sprintf("close %s below sell stop %s", close, stop.SellStop),
			Price:     close,
		}
	}

	// The trailing levels ratchet independently of whether anything
	// fires this tick: ProfitStopHigh never falls, and ProfitStop is
	// recomputed off it so it never falls either.
	if e.cfg.ProfitStopPct > 0 && worth.GreaterThanOrEqual(pctFraction(e.cfg.ProfitStopEnablePct)) {
		if close.GreaterThan(stop.ProfitStopHigh) {
			stop.ProfitStopHigh = close
		}
		stop.ProfitStop = stop.ProfitStopHigh.Mul(one.Sub(pctFraction(e.cfg.ProfitStopPct)))
	}

	if !res.Triggered && !stop.ProfitStop.IsZero() &&
		close.LessThan(stop.ProfitStop) && worth.GreaterThan(decimal.Zero) {
		res = Result{
			Triggered: true,
			Signal:    types.SignalSell,
			Type:      TypeProfitStop,
			Reason:    fmt.Sprintf("close %s pulled back below profit stop %s (high %s)", close, stop.ProfitStop, stop.ProfitStopHigh),
			Price:     close,
		}
	}

	// Gap protection catches moves that jump past the static stop line
	// between periods. Only consulted when no stop fired above.
	if !res.Triggered && e.cfg.DoSellStop && !prevClose.IsZero() && close.LessThan(prevClose) {
		gap := prevClose.Sub(close).Div(prevClose)
		if gap.GreaterThan(pctFraction(e.cfg.SellStopPct)) {
			res = Result{
				Triggered: true,
				Signal:    types.SignalSell,
				Type:      TypeGapStop,
				Reason:    fmt.Sprintf("downward gap %s%% exceeds %v%%", gap.Mul(decimal.NewFromInt(100)).StringFixed(2), e.cfg.SellStopPct),
				Price:     close,
			}
		}
	}

	return res
}

func (e *Evaluator) evaluateShort(close, prevClose decimal.Decimal, stop *types.StopState) Result {
	if e.cfg.DoBuyStop && !stop.BuyStop.IsZero() && close.GreaterThan(stop.BuyStop) {
		return Result{
			Triggered: true,
			Signal:    types.SignalBuy,
			Type:      TypeBuyStop,
			Reason:    fmt.Sprintf("close %s above buy stop %s", close, stop.BuyStop),
			Price:     close,
		}
	}

	if e.cfg.DoBuyStop && !prevClose.IsZero() && close.GreaterThan(prevClose) {
		gap := close.Sub(prevClose).Div(prevClose)
		if gap.GreaterThan(pctFraction(absFloat(e.cfg.BuyStopPct))) {
			return Result{
				Triggered: true,
				Signal:    types.SignalBuy,
				Type:      TypeGapBuyStop,
				Reason:    fmt.Sprintf("upward gap %s%% exceeds %v%%", gap.Mul(decimal.NewFromInt(100)).StringFixed(2), absFloat(e.cfg.BuyStopPct)),
				Price:     close,
			}
		}
	}

	return Result{}
}

// pctFraction converts percent units to a decimal fraction (1 -> 0.01).
func pctFraction(pct float64) decimal.Decimal {
	return decimal.NewFromFloat(pct / 100)
}

func absFloat(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
