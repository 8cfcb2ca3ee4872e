// Package state persists versioned snapshots of the engine's critical
// state for crash and restart recovery.
package state

import (
	"time"

	"github.com/meridian-trading/decision-engine/internal/regime"
	"github.com/meridian-trading/decision-engine/pkg/types"
)

// SnapshotVersion is the current schema version. A loaded snapshot with
// any other version is discarded and the engine starts cold; partial
// migration is never attempted.
const SnapshotVersion = 1

// Snapshot is the serialized form of the engine state that survives a
// restart. The in-flight portion of SignalState is deliberately absent: a
// pending signal from a previous process is stale by definition.
type Snapshot struct {
	Version  int       `json:"version"`
	Exchange string    `json:"exchange"`
	Pair     string    `json:"pair"`
	SavedAt  time.Time `json:"savedAt"`

	LastTrade           *types.Trade              `json:"lastTrade,omitempty"`
	Stop                types.StopState           `json:"stop"`
	LastExecuted        types.Signal              `json:"lastExecuted"`
	LastExecutedTime    time.Time                 `json:"lastExecutedTime"`
	RequiredPersistence int                       `json:"requiredPersistence"`
	RegimeType          regime.Type               `json:"regimeType"`
	RegimeConfidence    float64                   `json:"regimeConfidence"`
	Counters            types.PerformanceCounters `json:"counters"`
}

// Capture builds a snapshot from live engine state.
func Capture(exchange, pair string, st *types.EngineState, reg regime.Regime) *Snapshot {
	return &Snapshot{
		Version:             SnapshotVersion,
		Exchange:            exchange,
		Pair:                pair,
		SavedAt:             time.Now(),
		LastTrade:           st.LastTrade,
		Stop:                st.Stop,
		LastExecuted:        st.Signal.LastExecuted,
		LastExecutedTime:    st.Signal.LastExecutedTime,
		RequiredPersistence: st.Signal.RequiredPersistence,
		RegimeType:          reg.Type,
		RegimeConfidence:    reg.Confidence,
		Counters:            st.Counters,
	}
}

// Restore applies a loaded snapshot onto fresh engine state. The regime
// fields are not part of EngineState; the engine seeds its classifier
// from them separately.
func (s *Snapshot) Restore(st *types.EngineState) {
	st.LastTrade = s.LastTrade
	st.Stop = s.Stop
	st.Signal = types.SignalState{
		LastExecuted:        s.LastExecuted,
		LastExecutedTime:    s.LastExecutedTime,
		RequiredPersistence: s.RequiredPersistence,
	}
	st.ActedOnStop = false
	st.Counters = s.Counters
}
