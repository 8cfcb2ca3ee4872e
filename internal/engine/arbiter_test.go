package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/meridian-trading/decision-engine/internal/execution"
	"github.com/meridian-trading/decision-engine/internal/health"
	"github.com/meridian-trading/decision-engine/internal/stops"
	"github.com/meridian-trading/decision-engine/pkg/types"
)

// fakeExecutor records executions and can be made to fail or panic.
type fakeExecutor struct {
	fills  int
	err    error
	panics bool
}

func (f *fakeExecutor) Execute(ctx context.Context, signal types.Signal, size decimal.Decimal) (*types.Fill, error) {
	if f.panics {
		panic("executor exploded")
	}
	if f.err != nil {
		return nil, f.err
	}
	f.fills++
	return &types.Fill{
		OrderID: "test-order",
		Price:   decimal.NewFromInt(100),
		Size:    size,
		Time:    time.Now(),
	}, nil
}

func (f *fakeExecutor) Cancel(ctx context.Context, orderID string) error { return nil }

func newTestArbiter(exec *fakeExecutor) (*Arbiter, *Guard) {
	logger := zap.NewNop()
	guard := &Guard{}
	coord := execution.NewCoordinator(logger, execution.Config{
		OrderSize:    decimal.NewFromInt(1),
		SellStopPct:  1,
		BuyStopPct:   1,
		PeriodLength: time.Minute,
	}, exec)
	sup := health.NewSupervisor(logger, health.DefaultConfig())
	return NewArbiter(logger, "BTC-USDT", time.Minute, guard, coord, sup), guard
}

func stopResult(sig types.Signal, typ stops.TriggerType) stops.Result {
	return stops.Result{
		Triggered: true,
		Signal:    sig,
		Type:      typ,
		Reason:    "test",
		Price:     decimal.NewFromInt(100),
	}
}

func TestArbitrateDropsWhenGuardHeld(t *testing.T) {
	exec := &fakeExecutor{}
	a, guard := newTestArbiter(exec)
	st := &types.EngineState{}

	guard.TryAcquire(time.Now())

	out := a.Arbitrate(context.Background(), st, stops.Result{}, types.SignalBuy, 1)
	if out != OutcomeDropped {
		t.Fatalf("expected dropped, got %s", out)
	}
	if st.Counters.TicksDropped != 1 {
		t.Errorf("expected dropped counter 1, got %d", st.Counters.TicksDropped)
	}
	if exec.fills != 0 {
		t.Errorf("dropped tick must not execute, got %d fills", exec.fills)
	}
}

func TestArbitrateStopPrecedence(t *testing.T) {
	exec := &fakeExecutor{}
	a, _ := newTestArbiter(exec)
	st := &types.EngineState{}

	// A stop and a conflicting strategy signal on the same tick: the
	// stop executes immediately, skipping persistence.
	out := a.Arbitrate(context.Background(), st, stopResult(types.SignalSell, stops.TypeStopLoss), types.SignalBuy, 3)
	if out != OutcomeExecuted {
		t.Fatalf("expected executed, got %s", out)
	}
	if exec.fills != 1 {
		t.Fatalf("expected one fill, got %d", exec.fills)
	}
	if st.Signal.LastExecuted != types.SignalSell {
		t.Errorf("expected sell executed, got %q", st.Signal.LastExecuted)
	}
	if st.ActedOnStop {
		t.Error("fill must reset the acted-on-stop latch")
	}
	if st.Signal.Pending != types.SignalNone {
		t.Errorf("pending not cleared after execution: %q", st.Signal.Pending)
	}
}

func TestArbitratePersistenceDebounce(t *testing.T) {
	exec := &fakeExecutor{}
	a, _ := newTestArbiter(exec)
	st := &types.EngineState{}

	// Requirement 3: the first two occurrences wait, the third fires.
	for i := 0; i < 2; i++ {
		out := a.Arbitrate(context.Background(), st, stops.Result{}, types.SignalBuy, 3)
		if out != OutcomeAwaiting {
			t.Fatalf("occurrence %d: expected awaiting, got %s", i+1, out)
		}
		if exec.fills != 0 {
			t.Fatalf("occurrence %d: premature execution", i+1)
		}
	}

	out := a.Arbitrate(context.Background(), st, stops.Result{}, types.SignalBuy, 3)
	if out != OutcomeExecuted {
		t.Fatalf("expected execution on third occurrence, got %s", out)
	}
	if exec.fills != 1 {
		t.Fatalf("expected exactly one fill, got %d", exec.fills)
	}
}

func TestArbitrateHysteresisResetsToOne(t *testing.T) {
	exec := &fakeExecutor{}
	a, _ := newTestArbiter(exec)
	st := &types.EngineState{}

	a.Arbitrate(context.Background(), st, stops.Result{}, types.SignalBuy, 3)
	a.Arbitrate(context.Background(), st, stops.Result{}, types.SignalBuy, 3)
	if st.Signal.PersistenceCount != 2 {
		t.Fatalf("expected count 2, got %d", st.Signal.PersistenceCount)
	}

	// A flipped signal restarts at 1, not 0: the new value has been
	// observed once.
	a.Arbitrate(context.Background(), st, stops.Result{}, types.SignalSell, 3)
	if st.Signal.Pending != types.SignalSell {
		t.Fatalf("expected pending sell, got %q", st.Signal.Pending)
	}
	if st.Signal.PersistenceCount != 1 {
		t.Errorf("expected count reset to 1, got %d", st.Signal.PersistenceCount)
	}
	if exec.fills != 0 {
		t.Errorf("no execution expected yet, got %d fills", exec.fills)
	}
}

func TestArbitrateImmediateWithPersistenceOne(t *testing.T) {
	exec := &fakeExecutor{}
	a, _ := newTestArbiter(exec)
	st := &types.EngineState{}

	out := a.Arbitrate(context.Background(), st, stops.Result{}, types.SignalBuy, 1)
	if out != OutcomeExecuted {
		t.Fatalf("expected immediate execution, got %s", out)
	}
	if exec.fills != 1 {
		t.Fatalf("expected one fill, got %d", exec.fills)
	}
}

func TestArbitrateStaleSignalCleared(t *testing.T) {
	exec := &fakeExecutor{}
	a, _ := newTestArbiter(exec)
	st := &types.EngineState{}

	base := time.Now()
	a.now = func() time.Time { return base }

	a.Arbitrate(context.Background(), st, stops.Result{}, types.SignalBuy, 3)
	if st.Signal.Pending != types.SignalBuy {
		t.Fatal("expected pending buy")
	}
	st.ActedOnStop = true

	// More than two period lengths later the pending signal is
	// abandoned and the latch released with it.
	a.now = func() time.Time { return base.Add(3 * time.Minute) }
	a.Arbitrate(context.Background(), st, stops.Result{}, types.SignalNone, 3)

	if st.Signal.Pending != types.SignalNone {
		t.Errorf("expected stale pending cleared, got %q", st.Signal.Pending)
	}
	if st.ActedOnStop {
		t.Error("expected latch released with stale signal")
	}
}

func TestArbitrateExecutionFailure(t *testing.T) {
	exec := &fakeExecutor{err: errors.New("venue rejected")}
	a, _ := newTestArbiter(exec)
	st := &types.EngineState{}

	out := a.Arbitrate(context.Background(), st, stops.Result{}, types.SignalBuy, 1)
	if out != OutcomeFailed {
		t.Fatalf("expected failed, got %s", out)
	}
	if st.Signal.Pending != types.SignalNone {
		t.Errorf("pending must be cleared after a failed execution, got %q", st.Signal.Pending)
	}
	if st.Counters.Errors != 1 {
		t.Errorf("expected error counter 1, got %d", st.Counters.Errors)
	}
}

func TestArbitratePanicReleasesGuard(t *testing.T) {
	exec := &fakeExecutor{panics: true}
	a, guard := newTestArbiter(exec)
	st := &types.EngineState{}

	out := a.Arbitrate(context.Background(), st, stops.Result{}, types.SignalBuy, 1)
	if out != OutcomeFailed {
		t.Fatalf("expected failed after panic, got %s", out)
	}
	if _, held := guard.HeldFor(time.Now()); held {
		t.Fatal("guard leaked after panic")
	}
	if st.Signal.Pending != types.SignalNone {
		t.Errorf("pending not cleared after panic, got %q", st.Signal.Pending)
	}

	// The next tick proceeds normally.
	exec.panics = false
	if out := a.Arbitrate(context.Background(), st, stops.Result{}, types.SignalBuy, 1); out != OutcomeExecuted {
		t.Fatalf("expected execution after recovery, got %s", out)
	}
}

func TestArbitrateAtMostOneExecutionPerTick(t *testing.T) {
	exec := &fakeExecutor{}
	a, _ := newTestArbiter(exec)
	st := &types.EngineState{}

	// Stop and strategy both actionable: exactly one order goes out.
	a.Arbitrate(context.Background(), st, stopResult(types.SignalSell, stops.TypeGapStop), types.SignalSell, 1)
	if exec.fills != 1 {
		t.Fatalf("expected exactly one fill, got %d", exec.fills)
	}
}
