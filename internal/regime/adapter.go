package regime

import "math"

// Parameters are the trading thresholds the arbiter and stop evaluator
// run with on a given tick.
type Parameters struct {
	BuyThreshold      float64 `json:"buyThreshold"`
	SellThreshold     float64 `json:"sellThreshold"`
	SignalPersistence int     `json:"signalPersistence"`
	StopLossPct       float64 `json:"stopLossPct"`
	ProfitTakePct     float64 `json:"profitTakePct"`
}

// confidenceFloor is the confidence below which regime adjustments are
// interpolated back toward the defaults. A classification at or above the
// floor applies its adjustments in full.
const confidenceFloor = 0.7

// Adapt blends regime-specific thresholds with the defaults proportional
// to classifier confidence. Pure function; recomputed every tick.
func Adapt(r Regime, base Parameters) Parameters {
	adj := adjust(r.Type, base)

	if r.Confidence < confidenceFloor {
		// Low-confidence classifications degrade toward baseline
		// behavior instead of swinging the parameters around.
		blend := r.Confidence / confidenceFloor
		adj.BuyThreshold = lerp(base.BuyThreshold, adj.BuyThreshold, blend)
		adj.SellThreshold = lerp(base.SellThreshold, adj.SellThreshold, blend)
		adj.StopLossPct = lerp(base.StopLossPct, adj.StopLossPct, blend)
		adj.ProfitTakePct = lerp(base.ProfitTakePct, adj.ProfitTakePct, blend)
		adj.SignalPersistence = int(math.Round(lerp(
			float64(base.SignalPersistence), float64(adj.SignalPersistence), blend)))
	}

	if adj.SignalPersistence < 1 {
		adj.SignalPersistence = 1
	}
	return adj
}

// adjust is the per-regime multiplier/override table.
func adjust(t Type, base Parameters) Parameters {
	adj := base
	switch t {
	case TrendingUp:
		adj.BuyThreshold = base.BuyThreshold * 0.9
		adj.SellThreshold = base.SellThreshold * 1.1
		adj.ProfitTakePct = base.ProfitTakePct * 1.3
	case TrendingDown:
		adj.BuyThreshold = base.BuyThreshold * 1.2
		adj.SellThreshold = base.SellThreshold * 0.9
		adj.StopLossPct = base.StopLossPct * 0.8
		adj.ProfitTakePct = base.ProfitTakePct * 0.8
		adj.SignalPersistence = 2
	case Ranging:
		adj.BuyThreshold = base.BuyThreshold * 1.1
		adj.SellThreshold = base.SellThreshold * 1.1
		adj.ProfitTakePct = base.ProfitTakePct * 0.9
		adj.SignalPersistence = 2
	case Volatile:
		adj.BuyThreshold = base.BuyThreshold * 1.3
		adj.SellThreshold = base.SellThreshold * 1.3
		adj.StopLossPct = base.StopLossPct * 1.5
		adj.ProfitTakePct = base.ProfitTakePct * 0.7
		adj.SignalPersistence = 3
	}
	return adj
}

func lerp(from, to, t float64) float64 {
	return from + (to-from)*t
}
