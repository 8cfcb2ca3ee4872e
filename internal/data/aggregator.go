// Package data provides tick ingestion and period aggregation.
package data

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/meridian-trading/decision-engine/pkg/types"
)

// Aggregator buckets raw ticks into fixed-length OHLCV periods. Periods are
// kept most-recent-first; the head period is mutated in place until a tick
// arrives past its boundary, at which point a new head is opened.
type Aggregator struct {
	logger       *zap.Logger
	periodLength time.Duration
	maxPeriods   int

	mu      sync.RWMutex
	periods []types.Period
}

// NewAggregator creates an aggregator that retains up to maxPeriods periods.
func NewAggregator(logger *zap.Logger, periodLength time.Duration, maxPeriods int) *Aggregator {
	if maxPeriods <= 0 {
		maxPeriods = 250
	}
	return &Aggregator{
		logger:       logger.Named("aggregator"),
		periodLength: periodLength,
		maxPeriods:   maxPeriods,
	}
}

// Add folds a tick into the current period, opening a new one when the tick
// falls past the current period's boundary. It returns the period that was
// closed by this tick, if any.
func (a *Aggregator) Add(tick types.Tick) (closed *types.Period) {
	a.mu.Lock()
	defer a.mu.Unlock()

	bucket := tick.Time.Truncate(a.periodLength)

	if len(a.periods) == 0 || bucket.After(a.periods[0].StartTime) {
		if len(a.periods) > 0 {
			done := a.periods[0]
			closed = &done
		}
		a.periods = append([]types.Period{{
			StartTime:       bucket,
			Open:            tick.Price,
			High:            tick.Price,
			Low:             tick.Price,
			Close:           tick.Price,
			Volume:          tick.Size,
			LatestTradeTime: tick.Time,
		}}, a.periods...)
		if len(a.periods) > a.maxPeriods {
			a.periods = a.periods[:a.maxPeriods]
		}
		return closed
	}

	if bucket.Before(a.periods[0].StartTime) {
		// Late tick for an already-closed period; ignore it rather than
		// rewriting history the classifier may have consumed.
		a.logger.Debug("discarding late tick",
			zap.Time("tick_time", tick.Time),
			zap.Time("current_period", a.periods[0].StartTime))
		return nil
	}

	p := &a.periods[0]
	p.Close = tick.Price
	if tick.Price.GreaterThan(p.High) {
		p.High = tick.Price
	}
	if tick.Price.LessThan(p.Low) {
		p.Low = tick.Price
	}
	p.Volume = p.Volume.Add(tick.Size)
	if tick.Time.After(p.LatestTradeTime) {
		p.LatestTradeTime = tick.Time
	}
	return nil
}

// Periods returns a copy of the retained periods, most recent first.
func (a *Aggregator) Periods() []types.Period {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]types.Period, len(a.periods))
	copy(out, a.periods)
	return out
}

// Closed returns a copy of the completed periods, most recent first. The
// open head period is excluded; its close is still moving.
func (a *Aggregator) Closed() []types.Period {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if len(a.periods) < 2 {
		return nil
	}
	out := make([]types.Period, len(a.periods)-1)
	copy(out, a.periods[1:])
	return out
}

// Current returns the open head period, or false when no tick has arrived.
func (a *Aggregator) Current() (types.Period, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if len(a.periods) == 0 {
		return types.Period{}, false
	}
	return a.periods[0], true
}

// PrevClose returns the close of the most recently completed period. It
// returns zero until at least two periods exist.
func (a *Aggregator) PrevClose() decimal.Decimal {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if len(a.periods) < 2 {
		return decimal.Zero
	}
	return a.periods[1].Close
}

// Reset drops all retained periods.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.periods = nil
}
