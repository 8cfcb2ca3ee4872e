// Package types provides shared type definitions for the decision engine.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side represents the direction of a trade.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Signal is the action a tick decision resolves to. The empty value means
// hold.
type Signal string

const (
	SignalNone Signal = ""
	SignalBuy  Signal = "buy"
	SignalSell Signal = "sell"
)

// Flip inverts a buy/sell signal. SignalNone flips to itself.
func (s Signal) Flip() Signal {
	switch s {
	case SignalBuy:
		return SignalSell
	case SignalSell:
		return SignalBuy
	}
	return s
}

// SignalSource identifies which layer produced a pending signal.
type SignalSource string

const (
	SourceStop     SignalSource = "stop"
	SourceStrategy SignalSource = "strategy"
)

// Tick is a single trade from the market feed. Time is monotonically
// non-decreasing across the stream; the engine assumes this ordering and
// never re-sorts.
type Tick struct {
	Time  time.Time       `json:"time"`
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
}

// Period is an aggregated candle over a fixed time bucket. The aggregator
// mutates the open period once per tick; everything else reads it.
type Period struct {
	Open            decimal.Decimal `json:"open"`
	High            decimal.Decimal `json:"high"`
	Low             decimal.Decimal `json:"low"`
	Close           decimal.Decimal `json:"close"`
	Volume          decimal.Decimal `json:"volume"`
	StartTime       time.Time       `json:"startTime"`
	LatestTradeTime time.Time       `json:"latestTradeTime"`
}

// Trade is a position record. The most recent trade, own or restored from a
// snapshot, is the basis for stop-worth calculations. Immutable once
// recorded; superseded by the next executed trade.
type Trade struct {
	Side  Side            `json:"side"`
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
	Time  time.Time       `json:"time"`
}

// Fill is the confirmed result of an order execution.
type Fill struct {
	OrderID string          `json:"orderId"`
	Price   decimal.Decimal `json:"price"`
	Size    decimal.Decimal `json:"size"`
	Fee     decimal.Decimal `json:"fee"`
	Time    time.Time       `json:"time"`
}

// StopState holds the active stop levels for the current position. It is
// created fresh after every fill. Invariant: ProfitStop, when set, is
// always <= ProfitStopHigh and only moves up as ProfitStopHigh rises.
type StopState struct {
	SellStop       decimal.Decimal `json:"sellStop"`
	BuyStop        decimal.Decimal `json:"buyStop"`
	ProfitStop     decimal.Decimal `json:"profitStop"`
	ProfitStopHigh decimal.Decimal `json:"profitStopHigh"`
}

// SignalState tracks a signal through arbitration. Pending is non-empty
// only while arbitration is incomplete; execution always clears it.
type SignalState struct {
	Pending             Signal       `json:"pending"`
	Source              SignalSource `json:"source"`
	PersistenceCount    int          `json:"persistenceCount"`
	RequiredPersistence int          `json:"requiredPersistence"`
	LastSignalTime      time.Time    `json:"lastSignalTime"`
	LastExecuted        Signal       `json:"lastExecuted"`
	LastExecutedTime    time.Time    `json:"lastExecutedTime"`
}

// ClearPending resets the in-flight portion of the signal state, leaving
// the last-executed record intact for the duplicate-signal guard.
func (s *SignalState) ClearPending() {
	s.Pending = SignalNone
	s.Source = ""
	s.PersistenceCount = 0
	s.LastSignalTime = time.Time{}
}

// PerformanceCounters accumulate over the engine's lifetime and survive
// restarts through snapshots.
type PerformanceCounters struct {
	TicksProcessed uint64 `json:"ticksProcessed"`
	TicksDropped   uint64 `json:"ticksDropped"`
	Executions     uint64 `json:"executions"`
	StopTriggers   uint64 `json:"stopTriggers"`
	Errors         uint64 `json:"errors"`
	Recoveries     uint64 `json:"recoveries"`
}

// EngineState is the mutable per-pair state owned by one engine instance.
// Components receive it by pointer instead of reaching into shared
// globals.
type EngineState struct {
	LastTrade   *Trade              `json:"lastTrade,omitempty"`
	Stop        StopState           `json:"stop"`
	Signal      SignalState         `json:"signal"`
	ActedOnStop bool                `json:"actedOnStop"`
	Counters    PerformanceCounters `json:"counters"`
}

// Reset returns the state to cold-start conditions. Counters are kept;
// they describe the process, not the position.
func (e *EngineState) Reset() {
	e.LastTrade = nil
	e.Stop = StopState{}
	e.Signal = SignalState{}
	e.ActedOnStop = false
}
