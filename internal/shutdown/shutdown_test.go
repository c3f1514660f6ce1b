package shutdown

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func newTestHandler(timeout time.Duration) *Handler {
	cfg := DefaultConfig()
	cfg.Timeout = timeout
	return New(cfg)
}

// =============================================================================
// Construction Tests
// =============================================================================

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Timeout != 30*time.Second {
		t.Errorf("Timeout = %v, want 30s", cfg.Timeout)
	}
	if len(cfg.Signals) != 2 {
		t.Errorf("Signals length = %d, want 2", len(cfg.Signals))
	}
}

func TestNew_Defaults(t *testing.T) {
	h := New(Config{})
	if h.timeout != 30*time.Second {
		t.Errorf("timeout = %v, want 30s", h.timeout)
	}
	if h.log == nil {
		t.Error("logger should default to a no-op logger")
	}
}

func TestPhase_String(t *testing.T) {
	tests := []struct {
		phase Phase
		want  string
	}{
		{PhaseIntake, "intake"},
		{PhaseDrain, "drain"},
		{PhaseRelease, "release"},
		{Phase(9), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.phase.String(); got != tt.want {
			t.Errorf("Phase(%d).String() = %s, want %s", tt.phase, got, tt.want)
		}
	}
}

// =============================================================================
// Ordering Tests
// =============================================================================

func TestHandler_PhaseOrder(t *testing.T) {
	h := NewDefault()
	var order []string

	h.RegisterFunc(PhaseRelease, "store", func() { order = append(order, "release:store") })
	h.RegisterFunc(PhaseRelease, "bus", func() { order = append(order, "release:bus") })
	h.RegisterFunc(PhaseDrain, "workers", func() { order = append(order, "drain:workers") })
	h.RegisterFunc(PhaseIntake, "reader", func() { order = append(order, "intake:reader") })

	h.Shutdown()

	want := []string{"intake:reader", "drain:workers", "release:bus", "release:store"}
	if diff := cmp.Diff(want, order); diff != "" {
		t.Errorf("callback order mismatch (-want +got):\n%s", diff)
	}
}

func TestHandler_InvalidPhaseRunsLast(t *testing.T) {
	h := NewDefault()
	var order []string

	h.RegisterFunc(Phase(-1), "odd", func() { order = append(order, "odd") })
	h.RegisterFunc(PhaseIntake, "intake", func() { order = append(order, "intake") })

	h.Shutdown()

	if diff := cmp.Diff([]string{"intake", "odd"}, order); diff != "" {
		t.Errorf("callback order mismatch (-want +got):\n%s", diff)
	}
}

// =============================================================================
// Lifecycle Tests
// =============================================================================

func TestHandler_ContextCancelledBeforeCallbacks(t *testing.T) {
	h := NewDefault()
	ctx := h.Context()

	var sawCancelled bool
	h.RegisterFunc(PhaseDrain, "workers", func() {
		sawCancelled = ctx.Err() != nil
	})

	if h.IsShuttingDown() {
		t.Fatal("should not be shutting down initially")
	}
	h.Shutdown()

	if !sawCancelled {
		t.Error("workers context should be cancelled before drain callbacks run")
	}
	if !h.IsShuttingDown() {
		t.Error("should be shutting down after Shutdown()")
	}
}

func TestHandler_DoneAndResult(t *testing.T) {
	h := NewDefault()

	if h.Result() != nil {
		t.Error("Result() should be nil before shutdown")
	}
	select {
	case <-h.Done():
		t.Fatal("Done channel should not be closed initially")
	default:
	}

	h.Shutdown()

	select {
	case <-h.Done():
	case <-time.After(time.Second):
		t.Fatal("Done channel should be closed after shutdown")
	}
	if h.Result() == nil {
		t.Error("Result() should be set after shutdown")
	}
}

func TestHandler_Idempotent(t *testing.T) {
	h := NewDefault()
	var calls atomic.Int32
	h.RegisterFunc(PhaseRelease, "store", func() { calls.Add(1) })

	var wg sync.WaitGroup
	results := make([]*Result, 5)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = h.Shutdown()
		}(i)
	}
	wg.Wait()

	if calls.Load() != 1 {
		t.Errorf("callback called %d times, want 1", calls.Load())
	}
	for i, r := range results {
		if r != results[0] {
			t.Errorf("Shutdown() call %d returned a different result", i)
		}
	}
}

func TestHandler_CollectsErrors(t *testing.T) {
	h := NewDefault()
	boom := errors.New("bolt: database not open")

	h.Register(PhaseRelease, "store", func(context.Context) error { return boom })
	h.RegisterFunc(PhaseRelease, "bus", func() {})

	result := h.Shutdown()
	if !result.HasErrors() || len(result.Errors) != 1 {
		t.Fatalf("Errors = %v, want one error", result.Errors)
	}
	if !errors.Is(result.Errors[0], boom) {
		t.Errorf("Errors[0] = %v, want %v", result.Errors[0], boom)
	}
}

func TestHandler_Timeout(t *testing.T) {
	h := newTestHandler(30 * time.Millisecond)

	h.Register(PhaseDrain, "stuck-worker", func(ctx context.Context) error {
		time.Sleep(time.Second)
		return nil
	})

	start := time.Now()
	result := h.Shutdown()

	if time.Since(start) > 500*time.Millisecond {
		t.Error("Shutdown() should not wait for a stuck callback past the timeout")
	}
	var te *TimeoutError
	if len(result.Errors) != 1 || !errors.As(result.Errors[0], &te) {
		t.Fatalf("Errors = %v, want one TimeoutError", result.Errors)
	}
	if te.Phase != PhaseDrain || te.CallbackName != "stuck-worker" {
		t.Errorf("TimeoutError = %+v", te)
	}
	if te.Error() != "shutdown callback timed out in drain phase: stuck-worker" {
		t.Errorf("Error() = %s", te.Error())
	}
}

type fakeCloser struct{ closed bool }

func (f *fakeCloser) Close() error {
	f.closed = true
	return nil
}

func TestHandler_RegisterCloser(t *testing.T) {
	h := NewDefault()
	c := &fakeCloser{}
	h.RegisterCloser("bus", c)

	h.Shutdown()

	if !c.closed {
		t.Error("Close() was not called")
	}
}

// =============================================================================
// Wait Tests
// =============================================================================

func TestHandler_WaitTrigger(t *testing.T) {
	h := NewDefault()
	go func() {
		time.Sleep(10 * time.Millisecond)
		h.Trigger()
	}()

	done := make(chan *Result, 1)
	go func() { done <- h.Wait(context.Background()) }()

	select {
	case r := <-done:
		if r == nil {
			t.Error("Wait() returned nil result")
		}
	case <-time.After(time.Second):
		t.Fatal("Wait() did not return after Trigger()")
	}
}

func TestHandler_WaitContext(t *testing.T) {
	h := NewDefault()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	h.Wait(ctx)

	if !h.IsShuttingDown() {
		t.Error("Wait() should shut down when its context ends")
	}
}

func TestHandler_WaitAfterShutdown(t *testing.T) {
	h := NewDefault()
	first := h.Shutdown()

	if got := h.Wait(context.Background()); got != first {
		t.Error("Wait() after Shutdown() should return the existing result")
	}
}

func TestResult_HasErrors(t *testing.T) {
	var nilResult *Result
	if nilResult.HasErrors() {
		t.Error("nil Result should report no errors")
	}
	if (&Result{}).HasErrors() {
		t.Error("empty Result should report no errors")
	}
	if !(&Result{Errors: []error{errors.New("x")}}).HasErrors() {
		t.Error("Result with errors should report them")
	}
}
