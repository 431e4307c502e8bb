// Package shutdown stops the serve command's components in priority order.
package shutdown

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// Priorities for lpdecode components. Lower stops first.
const (
	PriorityHTTPServer = 10 // Stop accepting decode requests
	PriorityMQTT       = 20 // Disconnect subscribers
	PriorityMetrics    = 80 // Stop the timeseries collector
)

// Shutdownable is an interface for components that can be shut down gracefully
type Shutdownable interface {
	Close() error
}

// ShutdownFunc is a function that performs cleanup during shutdown
type ShutdownFunc func(ctx context.Context) error

// ErrStepTimeout is returned for a step still running when the shutdown deadline passes
var ErrStepTimeout = errors.New("shutdown step timed out")

// Coordinator runs registered components and hooks as one list ordered by priority.
// Steps with equal priority run in registration order.
type Coordinator struct {
	timeout time.Duration
	logger  zerolog.Logger

	mu    sync.Mutex
	steps []step

	shutdownOnce sync.Once
	shutdownErr  error
	triggerOnce  sync.Once // closes shutdownCh for both Shutdown and TriggerShutdown
	shutdownCh   chan struct{}
}

type step struct {
	name     string
	kind     string // "component" or "hook", for logs
	priority int
	run      ShutdownFunc
}

// New creates a new shutdown coordinator
func New(timeout time.Duration, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		timeout:    timeout,
		logger:     logger,
		shutdownCh: make(chan struct{}),
	}
}

// Register adds a component whose Close is called at its priority
func (c *Coordinator) Register(name string, component Shutdownable, priority int) {
	c.add(step{
		name:     name,
		kind:     "component",
		priority: priority,
		run:      func(context.Context) error { return component.Close() },
	})
}

// RegisterHook adds a function called with the shutdown deadline context at its priority
func (c *Coordinator) RegisterHook(name string, hook ShutdownFunc, priority int) {
	c.add(step{name: name, kind: "hook", priority: priority, run: hook})
}

func (c *Coordinator) add(s step) {
	c.mu.Lock()
	c.steps = append(c.steps, s)
	c.mu.Unlock()

	c.logger.Debug().
		Str("name", s.name).
		Str("kind", s.kind).
		Int("priority", s.priority).
		Msg("Registered for shutdown")
}

// Order returns step names in the order Shutdown will run them
func (c *Coordinator) Order() []string {
	steps := c.sortedSteps()
	names := make([]string, len(steps))
	for i, s := range steps {
		names[i] = s.name
	}
	return names
}

func (c *Coordinator) sortedSteps() []step {
	c.mu.Lock()
	steps := make([]step, len(c.steps))
	copy(steps, c.steps)
	c.mu.Unlock()

	sort.SliceStable(steps, func(i, j int) bool {
		return steps[i].priority < steps[j].priority
	})
	return steps
}

// WaitForSignal blocks until SIGINT, SIGTERM or SIGQUIT arrives or TriggerShutdown is called
func (c *Coordinator) WaitForSignal() os.Signal {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		c.logger.Info().
			Str("signal", sig.String()).
			Msg("Received shutdown signal")
		return sig
	case <-c.shutdownCh:
		return syscall.SIGTERM
	}
}

// Shutdown runs every step once. A failing step does not stop the ones after it;
// all failures are joined into the returned error. When the deadline passes, the
// running step is abandoned and the remaining ones are skipped.
// Later calls return the first call's result.
func (c *Coordinator) Shutdown() error {
	c.shutdownOnce.Do(func() {
		c.triggerOnce.Do(func() {
			close(c.shutdownCh)
		})
		c.shutdownErr = c.runSteps()
	})
	return c.shutdownErr
}

func (c *Coordinator) runSteps() error {
	steps := c.sortedSteps()

	c.logger.Info().
		Dur("timeout", c.timeout).
		Int("steps", len(steps)).
		Msg("Starting graceful shutdown")

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	start := time.Now()
	var errs []error

	for i, s := range steps {
		if ctx.Err() != nil {
			c.logger.Warn().
				Int("skipped", len(steps)-i).
				Msg("Shutdown timeout reached, skipping remaining steps")
			errs = append(errs, ctx.Err())
			break
		}

		log := c.logger.With().Str(s.kind, s.name).Int("priority", s.priority).Logger()
		log.Debug().Msg("Running shutdown step")

		stepStart := time.Now()
		if err := runStep(ctx, s); err != nil {
			log.Error().Err(err).Msg("Shutdown step failed")
			errs = append(errs, fmt.Errorf("%s: %w", s.name, err))
			continue
		}
		log.Debug().Dur("duration", time.Since(stepStart)).Msg("Shutdown step complete")
	}

	c.logger.Info().
		Dur("duration", time.Since(start)).
		Int("errors", len(errs)).
		Msg("Graceful shutdown complete")

	return errors.Join(errs...)
}

// runStep returns when the step finishes or ctx expires, whichever is first
func runStep(ctx context.Context, s step) error {
	done := make(chan error, 1)
	go func() {
		done <- s.run(ctx)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ErrStepTimeout
	}
}

// TriggerShutdown wakes WaitForSignal without a signal, e.g. when the server fails to start.
// Safe to call from multiple goroutines.
func (c *Coordinator) TriggerShutdown() {
	c.triggerOnce.Do(func() {
		c.logger.Info().Msg("Programmatic shutdown triggered")
		close(c.shutdownCh)
	})
}

// Done is closed once shutdown has been triggered
func (c *Coordinator) Done() <-chan struct{} {
	return c.shutdownCh
}
