package execution

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/meridian-trading/decision-engine/internal/stops"
	"github.com/meridian-trading/decision-engine/pkg/types"
)

type scriptedExecutor struct {
	fillPrice decimal.Decimal
	err       error
	cancelErr error // returned by Cancel until cleared

	executed  int
	cancelled []string
}

func (s *scriptedExecutor) Execute(ctx context.Context, signal types.Signal, size decimal.Decimal) (*types.Fill, error) {
	s.executed++
	if s.err != nil {
		return nil, s.err
	}
	return &types.Fill{
		OrderID: "ord-1",
		Price:   s.fillPrice,
		Size:    size,
		Time:    time.Now(),
	}, nil
}

func (s *scriptedExecutor) Cancel(ctx context.Context, orderID string) error {
	s.cancelled = append(s.cancelled, orderID)
	return s.cancelErr
}

func newTestCoordinator(exec OrderExecutor) *Coordinator {
	return NewCoordinator(zap.NewNop(), Config{
		OrderSize:    decimal.NewFromInt(1),
		SellStopPct:  1,
		BuyStopPct:   1,
		PeriodLength: time.Minute,
	}, exec)
}

func TestExecuteBuyFillResetsStopState(t *testing.T) {
	exec := &scriptedExecutor{fillPrice: decimal.NewFromInt(100)}
	c := newTestCoordinator(exec)

	st := &types.EngineState{
		Stop: types.StopState{
			ProfitStop:     decimal.NewFromInt(95),
			ProfitStopHigh: decimal.NewFromInt(97),
		},
		ActedOnStop: true,
	}

	err := c.Execute(context.Background(), st, Decision{Signal: types.SignalBuy, Source: types.SourceStrategy})
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}

	if st.LastTrade == nil || st.LastTrade.Side != types.SideBuy {
		t.Fatalf("expected recorded buy trade, got %+v", st.LastTrade)
	}
	// Fresh stop state: 1% below the fill for a buy, trail levels gone.
	if !st.Stop.SellStop.Equal(decimal.NewFromInt(99)) {
		t.Errorf("expected sell stop 99, got %s", st.Stop.SellStop)
	}
	if !st.Stop.ProfitStop.IsZero() || !st.Stop.ProfitStopHigh.IsZero() {
		t.Errorf("expected trail levels cleared, got %+v", st.Stop)
	}
	if st.ActedOnStop {
		t.Error("expected acted-on-stop latch cleared by fill")
	}
	if st.Signal.LastExecuted != types.SignalBuy {
		t.Errorf("expected last executed buy, got %q", st.Signal.LastExecuted)
	}
	if st.Counters.Executions != 1 {
		t.Errorf("expected executions counter 1, got %d", st.Counters.Executions)
	}
}

func TestExecuteSellFillSetsBuyStop(t *testing.T) {
	exec := &scriptedExecutor{fillPrice: decimal.NewFromInt(200)}
	c := newTestCoordinator(exec)
	st := &types.EngineState{}

	if err := c.Execute(context.Background(), st, Decision{Signal: types.SignalSell, Source: types.SourceStrategy}); err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if !st.Stop.BuyStop.Equal(decimal.NewFromInt(202)) {
		t.Errorf("expected buy stop 202, got %s", st.Stop.BuyStop)
	}
	if !st.Stop.SellStop.IsZero() {
		t.Errorf("expected no sell stop after a sell, got %s", st.Stop.SellStop)
	}
}

func TestExecuteDuplicateSignalSuppressed(t *testing.T) {
	exec := &scriptedExecutor{fillPrice: decimal.NewFromInt(100)}
	c := newTestCoordinator(exec)
	st := &types.EngineState{}

	base := time.Now()
	c.now = func() time.Time { return base }

	if err := c.Execute(context.Background(), st, Decision{Signal: types.SignalBuy, Source: types.SourceStrategy}); err != nil {
		t.Fatalf("first execute failed: %v", err)
	}

	// Same signal again within the period: logged no-op, no order.
	c.now = func() time.Time { return base.Add(30 * time.Second) }
	if err := c.Execute(context.Background(), st, Decision{Signal: types.SignalBuy, Source: types.SourceStrategy}); err != nil {
		t.Fatalf("duplicate execute returned error: %v", err)
	}
	if exec.executed != 1 {
		t.Fatalf("expected duplicate suppressed, got %d executions", exec.executed)
	}

	// Past the period boundary the same signal may fire again.
	c.now = func() time.Time { return base.Add(2 * time.Minute) }
	if err := c.Execute(context.Background(), st, Decision{Signal: types.SignalBuy, Source: types.SourceStrategy}); err != nil {
		t.Fatalf("post-window execute failed: %v", err)
	}
	if exec.executed != 2 {
		t.Errorf("expected re-execution after window, got %d", exec.executed)
	}
}

func TestExecuteOppositeSignalNotSuppressed(t *testing.T) {
	exec := &scriptedExecutor{fillPrice: decimal.NewFromInt(100)}
	c := newTestCoordinator(exec)
	st := &types.EngineState{}

	if err := c.Execute(context.Background(), st, Decision{Signal: types.SignalBuy, Source: types.SourceStrategy}); err != nil {
		t.Fatal(err)
	}
	if err := c.Execute(context.Background(), st, Decision{Signal: types.SignalSell, Source: types.SourceStop, StopType: stops.TypeStopLoss}); err != nil {
		t.Fatal(err)
	}
	if exec.executed != 2 {
		t.Errorf("opposite signal must not be suppressed, got %d executions", exec.executed)
	}
	if st.Counters.StopTriggers != 1 {
		t.Errorf("expected stop trigger counter 1, got %d", st.Counters.StopTriggers)
	}
}

func TestExecuteOrderErrorRequestsCancel(t *testing.T) {
	exec := &scriptedExecutor{
		err: &OrderError{OrderID: "stuck-42", Err: errors.New("timeout awaiting fill")},
	}
	c := newTestCoordinator(exec)
	st := &types.EngineState{}

	err := c.Execute(context.Background(), st, Decision{Signal: types.SignalBuy, Source: types.SourceStrategy})
	if err == nil {
		t.Fatal("expected error")
	}
	if len(exec.cancelled) != 1 || exec.cancelled[0] != "stuck-42" {
		t.Errorf("expected cancel of stuck-42, got %v", exec.cancelled)
	}
	if st.LastTrade != nil {
		t.Error("failed execution must not record a trade")
	}

	// The cancel confirmed, so nothing is left outstanding.
	c.CancelOutstanding()
	if len(exec.cancelled) != 1 {
		t.Errorf("expected no further cancels, got %v", exec.cancelled)
	}
}

func TestCancelOutstandingRetriesFailedCancel(t *testing.T) {
	exec := &scriptedExecutor{
		err:       &OrderError{OrderID: "inflight-7", Err: errors.New("timeout awaiting fill")},
		cancelErr: errors.New("venue unavailable"),
	}
	c := newTestCoordinator(exec)
	st := &types.EngineState{}

	c.CancelOutstanding() // nothing tracked, no-op
	if len(exec.cancelled) != 0 {
		t.Fatalf("unexpected cancels: %v", exec.cancelled)
	}

	// Placement fails and the immediate cancel fails too; the order
	// stays tracked.
	if err := c.Execute(context.Background(), st, Decision{Signal: types.SignalBuy, Source: types.SourceStrategy}); err == nil {
		t.Fatal("expected execute error")
	}
	if len(exec.cancelled) != 1 || exec.cancelled[0] != "inflight-7" {
		t.Fatalf("expected one failed cancel of inflight-7, got %v", exec.cancelled)
	}

	// Shutdown or the cancel_orders recovery action retries it.
	exec.cancelErr = nil
	c.CancelOutstanding()
	if len(exec.cancelled) != 2 || exec.cancelled[1] != "inflight-7" {
		t.Errorf("expected retried cancel of inflight-7, got %v", exec.cancelled)
	}

	// A confirmed cancellation clears the tracking.
	c.CancelOutstanding()
	if len(exec.cancelled) != 2 {
		t.Errorf("expected no further cancels, got %v", exec.cancelled)
	}
}
