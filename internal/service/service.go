// Package service defines the initializable capability every kernel
// service exposes and the shared initialization template they all follow.
package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"noirdesk/internal/events"
	"noirdesk/internal/registry"
	apperrors "noirdesk/pkg/errors"
)

// Initializable is the capability the bootstrap sequencer discovers and
// drives. Lower priorities initialize earlier.
type Initializable interface {
	Name() string
	Priority() int
	Ready() bool
	Init(ctx context.Context) error
}

// Publisher is the narrow event-publishing capability services use for
// lifecycle notifications. *events.Bus satisfies it.
type Publisher interface {
	Publish(event any)
}

// Hooks are the service-specific steps of the initialization template.
// Only these vary per service; the surrounding sequence is fixed.
type Hooks interface {
	// Validate checks that the service's dependencies and configuration
	// are usable. A failure aborts initialization before any work runs.
	Validate(ctx context.Context) error

	// Initialize performs the service-specific startup work.
	Initialize(ctx context.Context) error
}

// DependencyResolver is implemented by services that pull dependencies
// from the registry before validation. Optional dependencies should be
// resolved with registry.TryResolve and absent ones tolerated; a missing
// required dependency should be returned as an error.
type DependencyResolver interface {
	ResolveDependencies(r *registry.Registry) error
}

// Base carries the common service state and runs the fixed initialization
// template. Concrete services embed it and forward Init to RunInit:
//
//	func (s *SaveService) Init(ctx context.Context) error {
//		return s.RunInit(ctx, s)
//	}
type Base struct {
	name     string
	priority int
	logger   *zap.Logger
	registry *registry.Registry
	bus      Publisher

	// state sits behind a pointer so Base stays copyable at construction
	state *baseState
}

type baseState struct {
	mu    sync.Mutex
	ready bool
}

// NewBase creates the shared service state. registry and bus may be nil;
// a nil bus downgrades lifecycle events to log lines.
func NewBase(name string, priority int, logger *zap.Logger, reg *registry.Registry, bus Publisher) Base {
	if logger == nil {
		logger = zap.NewNop()
	}
	return Base{
		name:     name,
		priority: priority,
		logger:   logger,
		registry: reg,
		bus:      bus,
		state:    &baseState{},
	}
}

// Name returns the service name used for logging and error correlation.
func (b *Base) Name() string { return b.name }

// Priority returns the bootstrap ordering priority.
func (b *Base) Priority() int { return b.priority }

// Ready reports whether initialization has completed successfully.
func (b *Base) Ready() bool {
	b.state.mu.Lock()
	defer b.state.mu.Unlock()
	return b.state.ready
}

// Logger returns the service logger.
func (b *Base) Logger() *zap.Logger { return b.logger }

// Registry returns the capability registry handed to the service, which
// may be nil in tests.
func (b *Base) Registry() *registry.Registry { return b.registry }

// RunInit executes the fixed initialization template around the
// service-specific hooks. The sequence is: idempotency check, dependency
// resolution, validation, custom initialization, readiness, lifecycle
// event. Failures in any step are logged with the service name, reported
// on the bus, and returned to the caller so the sequencer counts them.
func (b *Base) RunInit(ctx context.Context, hooks Hooks) (err error) {
	b.state.mu.Lock()
	if b.state.ready {
		b.state.mu.Unlock()
		b.logger.Warn("service already initialized, skipping",
			zap.String("service", b.name))
		return nil
	}
	b.state.mu.Unlock()

	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			err = apperrors.NewInternal(
				fmt.Sprintf("service %s panicked during initialization", b.name),
				fmt.Errorf("%v", r))
		}
		if err != nil {
			b.logger.Error("service initialization failed",
				zap.String("service", b.name),
				zap.Duration("elapsed", time.Since(start)),
				zap.Error(err))
			b.publish(events.ServiceFailed{Name: b.name, Err: err.Error()})
		}
	}()

	if resolver, ok := hooks.(DependencyResolver); ok && b.registry != nil {
		if depErr := resolver.ResolveDependencies(b.registry); depErr != nil {
			return apperrors.Wrap(depErr,
				fmt.Sprintf("service %s failed to resolve dependencies", b.name))
		}
	}

	if valErr := hooks.Validate(ctx); valErr != nil {
		return apperrors.Wrap(valErr,
			fmt.Sprintf("service %s failed validation", b.name))
	}

	if initErr := hooks.Initialize(ctx); initErr != nil {
		return apperrors.Wrap(initErr,
			fmt.Sprintf("service %s failed to initialize", b.name))
	}

	b.state.mu.Lock()
	b.state.ready = true
	b.state.mu.Unlock()

	elapsed := time.Since(start)
	b.logger.Info("service initialized",
		zap.String("service", b.name),
		zap.Duration("elapsed", elapsed))
	b.publish(events.ServiceInitialized{Name: b.name, Duration: elapsed})
	return nil
}

// publish sends a lifecycle event best-effort. The bus being absent (or
// not yet ready, in which case it queues) must never fail the service.
func (b *Base) publish(event any) {
	if b.bus == nil {
		b.logger.Debug("no event bus available for lifecycle event",
			zap.String("service", b.name))
		return
	}
	b.bus.Publish(event)
}

// markNotReady resets readiness. Only tests use this.
func (b *Base) markNotReady() {
	b.state.mu.Lock()
	b.state.ready = false
	b.state.mu.Unlock()
}
