// Package regime classifies recent market behavior and adapts trading
// parameters to the detected regime.
package regime

import (
	"math"
	"sync"

	"go.uber.org/zap"

	"github.com/meridian-trading/decision-engine/pkg/types"
)

// Type is a market regime classification.
type Type string

const (
	TrendingUp   Type = "trending_up"
	TrendingDown Type = "trending_down"
	Ranging      Type = "ranging"
	Volatile     Type = "volatile"
	Unknown      Type = "unknown"
)

const (
	// Lookback is the number of closed periods the classifier needs
	// before it produces anything other than the previous regime.
	Lookback = 30

	historyCap = 10

	// A best score at or below this is not trusted; the regime reads
	// unknown.
	minScore = 0.5
)

// HistoryEntry records a completed regime stretch.
type HistoryEntry struct {
	Type          Type `json:"type"`
	DurationTicks int  `json:"durationTicks"`
}

// Regime is the current classification with its confidence.
type Regime struct {
	Type          Type           `json:"type"`
	Confidence    float64        `json:"confidence"`
	DurationTicks int            `json:"durationTicks"`
	History       []HistoryEntry `json:"history"`
}

// features are the rolling statistics a classification is scored from.
type features struct {
	directionRatio float64
	overallChange  float64
	volatility     float64
	rangePct       float64
	momentum       float64
}

// Classifier computes rolling statistics over recent periods and scores
// the market into a regime. Updates are pure functions of the lookback
// window; the only retained state is the current regime and its history.
type Classifier struct {
	logger *zap.Logger

	mu      sync.RWMutex
	current Regime
}

// NewClassifier creates a classifier in the unknown regime.
func NewClassifier(logger *zap.Logger) *Classifier {
	return &Classifier{
		logger:  logger.Named("regime"),
		current: Regime{Type: Unknown},
	}
}

// Update recomputes the regime from the lookback window. Periods are
// ordered most recent first. With fewer than Lookback closed periods the
// previous regime is returned unchanged (cold-start policy).
func (c *Classifier) Update(periods []types.Period) Regime {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(periods) < Lookback {
		return c.current
	}

	closes := make([]float64, Lookback)
	for i := 0; i < Lookback; i++ {
		// Reverse into chronological order, oldest first.
		closes[Lookback-1-i] = periods[i].Close.InexactFloat64()
	}

	f := computeFeatures(closes)
	best, confidence := classify(f)

	if best != c.current.Type {
		c.current.History = append(c.current.History, HistoryEntry{
			Type:          c.current.Type,
			DurationTicks: c.current.DurationTicks,
		})
		if len(c.current.History) > historyCap {
			c.current.History = c.current.History[len(c.current.History)-historyCap:]
		}
		c.logger.Info("regime changed",
			zap.String("from", string(c.current.Type)),
			zap.String("to", string(best)),
			zap.Float64("confidence", confidence),
		)
		c.current.Type = best
		c.current.DurationTicks = 0
	} else {
		c.current.DurationTicks++
	}
	c.current.Confidence = confidence

	return c.current
}

// Current returns the present regime without recomputing it.
func (c *Classifier) Current() Regime {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

// Restore seeds the classifier from a persisted regime. The restored
// view stands in until the lookback refills and Update reclassifies;
// duration and history start over, they describe the old process.
func (c *Classifier) Restore(t Type, confidence float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = Regime{Type: t, Confidence: confidence}
}

func computeFeatures(closes []float64) features {
	n := len(closes)
	returns := make([]float64, 0, n-1)
	positive := 0
	for i := 1; i < n; i++ {
		if closes[i-1] == 0 {
			returns = append(returns, 0)
			continue
		}
		r := (closes[i] - closes[i-1]) / closes[i-1]
		if r > 0 {
			positive++
		}
		returns = append(returns, r)
	}

	var f features
	if len(returns) > 0 {
		f.directionRatio = float64(positive) / float64(len(returns))
	}
	if closes[0] != 0 {
		f.overallChange = (closes[n-1] - closes[0]) / closes[0]
	}
	f.volatility = stddev(returns)

	minP, maxP, sum := closes[0], closes[0], 0.0
	for _, p := range closes {
		if p < minP {
			minP = p
		}
		if p > maxP {
			maxP = p
		}
		sum += p
	}
	if mean := sum / float64(n); mean != 0 {
		f.rangePct = (maxP - minP) / mean
	}

	// Recency-weighted momentum: the most recent return carries the
	// largest weight, normalized by the weight sum.
	var weighted, weightSum float64
	for i, r := range returns {
		w := float64(i + 1)
		weighted += r * w
		weightSum += w
	}
	if weightSum != 0 {
		f.momentum = weighted / weightSum
	}

	return f
}

// stddev is the population standard deviation.
func stddev(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	mean := 0.0
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))

	variance := 0.0
	for _, x := range xs {
		d := x - mean
		variance += d * d
	}
	variance /= float64(len(xs))

	return math.Sqrt(variance)
}

// classify scores each regime in [0,1] from threshold indicators and
// picks the highest. A best score at or below minScore reads unknown.
func classify(f features) (Type, float64) {
	scores := map[Type]float64{}

	up := 0.0
	if f.directionRatio > 0.6 {
		up += 0.3
	}
	if f.overallChange > 0.01 {
		up += 0.3
	}
	if f.momentum > 0.001 {
		up += 0.4
	}
	scores[TrendingUp] = up

	down := 0.0
	if f.directionRatio < 0.4 {
		down += 0.3
	}
	if f.overallChange < -0.01 {
		down += 0.3
	}
	if f.momentum < -0.001 {
		down += 0.4
	}
	scores[TrendingDown] = down

	ranging := 0.0
	if f.directionRatio >= 0.4 && f.directionRatio <= 0.6 {
		ranging += 0.4
	}
	if math.Abs(f.overallChange) < 0.005 {
		ranging += 0.3
	}
	if math.Abs(f.momentum) < 0.0005 {
		ranging += 0.3
	}
	scores[Ranging] = ranging

	volatile := 0.0
	if f.volatility > 0.02 {
		volatile += 0.5
	}
	if f.rangePct > 0.05 {
		volatile += 0.5
	}
	scores[Volatile] = volatile

	best := Unknown
	bestScore := 0.0
	// Deterministic tie-breaking: fixed evaluation order.
	for _, t := range []Type{TrendingUp, TrendingDown, Ranging, Volatile} {
		if scores[t] > bestScore {
			best = t
			bestScore = scores[t]
		}
	}

	if bestScore <= minScore {
		return Unknown, bestScore
	}
	if bestScore > 1 {
		bestScore = 1
	}
	return best, bestScore
}
