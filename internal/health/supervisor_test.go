package health

import (
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
)

func newTestSupervisor(autoRecover bool) *Supervisor {
	return NewSupervisor(zap.NewNop(), Config{
		Interval:         time.Second,
		Window:           time.Hour,
		WarningThreshold: 3,
		ErrorThreshold:   3,
		AutoRecover:      autoRecover,
	})
}

func TestSupervisorStartsHealthy(t *testing.T) {
	s := newTestSupervisor(true)
	if got := s.Evaluate(); got != StatusHealthy {
		t.Errorf("expected healthy with no events, got %s", got)
	}
}

func TestSupervisorEscalation(t *testing.T) {
	s := newTestSupervisor(false)

	s.RecordWarning(ContextSignalProcessing, "slow tick")
	if got := s.Evaluate(); got != StatusHealthy {
		t.Errorf("one warning should stay healthy, got %s", got)
	}

	s.RecordWarning(ContextSignalProcessing, "slow tick")
	s.RecordWarning(ContextSignalProcessing, "slow tick")
	if got := s.Evaluate(); got != StatusWarning {
		t.Errorf("expected warning at threshold, got %s", got)
	}

	s.RecordError(ContextOrderExecution, errors.New("rejected"))
	if got := s.Evaluate(); got != StatusWarning {
		t.Errorf("a single error reads warning, got %s", got)
	}

	s.RecordError(ContextOrderExecution, errors.New("rejected"))
	s.RecordError(ContextOrderExecution, errors.New("rejected"))
	if got := s.Evaluate(); got != StatusError {
		t.Errorf("expected error at threshold, got %s", got)
	}
}

func TestSupervisorWindowTrimming(t *testing.T) {
	s := newTestSupervisor(false)
	base := time.Now()
	s.now = func() time.Time { return base }

	for i := 0; i < 3; i++ {
		s.RecordError(ContextOrderExecution, errors.New("rejected"))
	}
	if got := s.Evaluate(); got != StatusError {
		t.Fatalf("expected error inside window, got %s", got)
	}

	// The same events fall out of the trailing window.
	s.now = func() time.Time { return base.Add(2 * time.Hour) }
	if got := s.Evaluate(); got != StatusHealthy {
		t.Errorf("expected healthy after window expiry, got %s", got)
	}
}

func TestSupervisorDispatchMapping(t *testing.T) {
	cases := []struct {
		context string
		want    Action
	}{
		{ContextSignalProcessing, ActionResetSignals},
		{ContextOrderExecution, ActionCancelOrders},
		{ContextStateCorruption, ActionReinitialize},
		{"something_else", ActionSoftReset},
	}

	for _, tc := range cases {
		s := newTestSupervisor(true)
		var got Action
		var calls int
		s.RegisterHandler(func(a Action) {
			got = a
			calls++
		})

		for i := 0; i < 3; i++ {
			s.RecordError(tc.context, errors.New("boom"))
		}
		s.Evaluate()

		if calls != 1 {
			t.Errorf("%s: expected one dispatch, got %d", tc.context, calls)
			continue
		}
		if got != tc.want {
			t.Errorf("%s: expected %s, got %s", tc.context, tc.want, got)
		}
	}
}

func TestSupervisorDispatchConsumesWindow(t *testing.T) {
	s := newTestSupervisor(true)
	var calls int
	s.RegisterHandler(func(Action) { calls++ })

	for i := 0; i < 3; i++ {
		s.RecordError(ContextOrderExecution, errors.New("boom"))
	}
	s.Evaluate()
	s.Evaluate()

	if calls != 1 {
		t.Errorf("a single burst must dispatch once, got %d", calls)
	}
	if got := s.Evaluate(); got != StatusHealthy {
		t.Errorf("expected healthy after consumed burst, got %s", got)
	}
}

func TestSupervisorNoDispatchWithoutAutoRecover(t *testing.T) {
	s := newTestSupervisor(false)
	var calls int
	s.RegisterHandler(func(Action) { calls++ })

	for i := 0; i < 3; i++ {
		s.RecordError(ContextOrderExecution, errors.New("boom"))
	}
	if got := s.Evaluate(); got != StatusError {
		t.Fatalf("expected error status, got %s", got)
	}
	if calls != 0 {
		t.Errorf("auto-recover disabled must not dispatch, got %d calls", calls)
	}
}
