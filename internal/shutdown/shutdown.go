// Package shutdown stops the ingestion worker process in ordered phases: stop intake, drain
// in-flight traces, then release the bus and the store.
package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/PentesterFlow/SpecWatch/internal/logger"
)

// Phase orders shutdown callbacks. Lower phases run first.
type Phase int

const (
	// PhaseIntake stops accepting new traces (listeners, readers).
	PhaseIntake Phase = iota
	// PhaseDrain waits for workers to finish the trace they hold.
	PhaseDrain
	// PhaseRelease closes the bus, the store and anything else holding resources.
	PhaseRelease

	numPhases
)

func (p Phase) String() string {
	switch p {
	case PhaseIntake:
		return "intake"
	case PhaseDrain:
		return "drain"
	case PhaseRelease:
		return "release"
	default:
		return "unknown"
	}
}

// Callback is called during shutdown.
type Callback func(ctx context.Context) error

type entry struct {
	name string
	fn   Callback
}

// Handler manages graceful shutdown.
type Handler struct {
	mu     sync.Mutex
	phases [numPhases][]entry

	isShuttingDown atomic.Bool
	done           chan struct{}
	timeout        time.Duration
	result         *Result

	ctx    context.Context
	cancel context.CancelFunc

	sigChan chan os.Signal
	log     *logger.Logger
}

// Config holds shutdown configuration.
type Config struct {
	Timeout time.Duration
	Signals []os.Signal
	Logger  *logger.Logger
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		Timeout: 30 * time.Second,
		Signals: []os.Signal{syscall.SIGINT, syscall.SIGTERM},
	}
}

// New creates a new shutdown handler listening for cfg.Signals.
func New(cfg Config) *Handler {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if len(cfg.Signals) == 0 {
		cfg.Signals = []os.Signal{syscall.SIGINT, syscall.SIGTERM}
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Nop()
	}

	ctx, cancel := context.WithCancel(context.Background())

	h := &Handler{
		done:    make(chan struct{}),
		timeout: cfg.Timeout,
		ctx:     ctx,
		cancel:  cancel,
		sigChan: make(chan os.Signal, 1),
		log:     cfg.Logger.WithComponent("shutdown"),
	}

	signal.Notify(h.sigChan, cfg.Signals...)

	return h
}

// NewDefault creates a handler with default configuration.
func NewDefault() *Handler {
	return New(DefaultConfig())
}

// Register adds a callback to a phase. Within a phase callbacks run in reverse registration
// order.
func (h *Handler) Register(phase Phase, name string, fn Callback) {
	if phase < 0 || phase >= numPhases {
		phase = PhaseRelease
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.phases[phase] = append(h.phases[phase], entry{name: name, fn: fn})
}

// RegisterFunc registers a cleanup function that cannot fail.
func (h *Handler) RegisterFunc(phase Phase, name string, fn func()) {
	h.Register(phase, name, func(context.Context) error {
		fn()
		return nil
	})
}

// RegisterCloser registers anything with a Close method in PhaseRelease.
func (h *Handler) RegisterCloser(name string, c interface{ Close() error }) {
	h.Register(PhaseRelease, name, func(context.Context) error {
		return c.Close()
	})
}

// Context is cancelled as soon as shutdown begins. Workers should run under it.
func (h *Handler) Context() context.Context {
	return h.ctx
}

// IsShuttingDown returns whether shutdown is in progress.
func (h *Handler) IsShuttingDown() bool {
	return h.isShuttingDown.Load()
}

// Done is closed when shutdown completes.
func (h *Handler) Done() <-chan struct{} {
	return h.done
}

// Result returns the outcome of a completed shutdown, or nil before Done is closed.
func (h *Handler) Result() *Result {
	select {
	case <-h.done:
		return h.result
	default:
		return nil
	}
}

// Wait blocks until a signal arrives or ctx is done, then shuts down.
func (h *Handler) Wait(ctx context.Context) *Result {
	select {
	case sig := <-h.sigChan:
		h.log.Event(logger.InfoLevel).Str("signal", sig.String()).Msg("Shutdown requested")
	case <-ctx.Done():
	case <-h.ctx.Done():
		<-h.done
		return h.result
	}
	return h.Shutdown()
}

// Trigger requests shutdown as if a signal had arrived.
func (h *Handler) Trigger() {
	select {
	case h.sigChan <- syscall.SIGTERM:
	default:
	}
}

// Shutdown cancels the handler context and runs every phase. Concurrent and repeated calls
// wait for the first one and return its result.
func (h *Handler) Shutdown() *Result {
	if !h.isShuttingDown.CompareAndSwap(false, true) {
		<-h.done
		return h.result
	}

	start := time.Now()
	h.cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), h.timeout)
	defer shutdownCancel()

	h.mu.Lock()
	var phases [numPhases][]entry
	for p := range h.phases {
		phases[p] = append([]entry(nil), h.phases[p]...)
	}
	h.mu.Unlock()

	result := &Result{}
	for p := Phase(0); p < numPhases; p++ {
		entries := phases[p]
		for i := len(entries) - 1; i >= 0; i-- {
			if err := h.run(shutdownCtx, p, entries[i]); err != nil {
				result.Errors = append(result.Errors, err)
			}
		}
	}
	result.Elapsed = time.Since(start)

	level := logger.InfoLevel
	if result.HasErrors() {
		level = logger.WarnLevel
	}
	h.log.Event(level).Int("errors", len(result.Errors)).Dur("elapsed", result.Elapsed).Msg("Shutdown complete")

	h.result = result
	close(h.done)
	return result
}

func (h *Handler) run(ctx context.Context, phase Phase, e entry) error {
	done := make(chan error, 1)
	go func() {
		done <- e.fn(ctx)
	}()

	select {
	case err := <-done:
		if err != nil {
			h.log.Event(logger.WarnLevel).Err(err).Str("phase", phase.String()).Str("callback", e.name).Msg("Shutdown callback failed")
		}
		return err
	case <-ctx.Done():
		return &TimeoutError{Phase: phase, CallbackName: e.name}
	}
}

// TimeoutError is returned when a callback outlives the shutdown timeout.
type TimeoutError struct {
	Phase        Phase
	CallbackName string
}

func (e *TimeoutError) Error() string {
	return "shutdown callback timed out in " + e.Phase.String() + " phase: " + e.CallbackName
}

// Result holds the outcome of a shutdown.
type Result struct {
	Elapsed time.Duration
	Errors  []error
}

// HasErrors returns whether any callback failed or timed out.
func (r *Result) HasErrors() bool {
	return r != nil && len(r.Errors) > 0
}
