// Package bootstrap drives the priority-ordered initialization of every
// registered service. Initialization is strictly sequential: a service
// never starts before the previous one has completed or failed, because
// later services may depend on earlier ones being ready.
package bootstrap

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"noirdesk/internal/registry"
	"noirdesk/internal/service"
	apperrors "noirdesk/pkg/errors"
)

// State is the sequencer's lifecycle state.
type State int

const (
	StateNotStarted State = iota
	StateInitializing
	StateReady
)

func (s State) String() string {
	switch s {
	case StateNotStarted:
		return "NotStarted"
	case StateInitializing:
		return "Initializing"
	case StateReady:
		return "Ready"
	default:
		return "Unknown"
	}
}

// DefaultServiceTimeout bounds a single service's initialization. A hung
// service is marked failed and the sequence proceeds.
const DefaultServiceTimeout = 30 * time.Second

// Status classifies one service's bootstrap outcome.
type Status int

const (
	StatusInitialized Status = iota
	StatusSkipped
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusInitialized:
		return "initialized"
	case StatusSkipped:
		return "skipped"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Outcome records one service's bootstrap result.
type Outcome struct {
	Name     string
	Priority int
	Status   Status
	Elapsed  time.Duration
	Err      error
}

// Report aggregates the outcomes of one bootstrap pass.
type Report struct {
	Outcomes    []Outcome
	Initialized int
	Skipped     int
	Failed      int
	Elapsed     time.Duration
}

// HasFailures reports whether any service failed to initialize. The
// sequencer still reaches Ready so the application can start degraded,
// but consumers of a failed service must treat its capability as absent.
func (r Report) HasFailures() bool { return r.Failed > 0 }

// FailedServices returns the names of services that failed.
func (r Report) FailedServices() []string {
	var names []string
	for _, o := range r.Outcomes {
		if o.Status == StatusFailed {
			names = append(names, o.Name)
		}
	}
	return names
}

// Sequencer collects every initializable service from the registry and
// initializes them in ascending priority order.
type Sequencer struct {
	registry *registry.Registry
	logger   *zap.Logger
	timeout  time.Duration

	mu     sync.Mutex
	state  State
	report Report
}

// SequencerOption configures a Sequencer.
type SequencerOption func(*Sequencer)

// WithServiceTimeout sets the per-service initialization timeout.
// A zero duration disables the timeout entirely.
func WithServiceTimeout(d time.Duration) SequencerOption {
	return func(s *Sequencer) { s.timeout = d }
}

// New creates a sequencer over the given registry.
func New(reg *registry.Registry, logger *zap.Logger, opts ...SequencerOption) *Sequencer {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Sequencer{
		registry: reg,
		logger:   logger,
		timeout:  DefaultServiceTimeout,
		state:    StateNotStarted,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State returns the sequencer's current state.
func (s *Sequencer) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Report returns the report of the last completed pass.
func (s *Sequencer) Report() Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.report
}

// Run executes one bootstrap pass. Re-running after completion is
// idempotent: already-ready services are skipped, services that failed
// previously get another attempt. Calling Run while a pass is in flight
// is a conflict error.
func (s *Sequencer) Run(ctx context.Context) (Report, error) {
	s.mu.Lock()
	if s.state == StateInitializing {
		s.mu.Unlock()
		return Report{}, apperrors.NewConflict("bootstrap already in progress")
	}
	s.state = StateInitializing
	s.mu.Unlock()

	start := time.Now()
	services := s.collect()
	s.logger.Info("bootstrap starting",
		zap.Int("services", len(services)),
		zap.Duration("serviceTimeout", s.timeout))

	report := Report{Outcomes: make([]Outcome, 0, len(services))}
	for _, svc := range services {
		outcome := s.initOne(ctx, svc)
		report.Outcomes = append(report.Outcomes, outcome)
		switch outcome.Status {
		case StatusInitialized:
			report.Initialized++
		case StatusSkipped:
			report.Skipped++
		case StatusFailed:
			report.Failed++
		}
	}
	report.Elapsed = time.Since(start)

	s.mu.Lock()
	s.state = StateReady
	s.report = report
	s.mu.Unlock()

	if report.HasFailures() {
		s.logger.Warn("bootstrap completed with failures",
			zap.Int("initialized", report.Initialized),
			zap.Int("skipped", report.Skipped),
			zap.Int("failed", report.Failed),
			zap.Strings("failedServices", report.FailedServices()),
			zap.Duration("elapsed", report.Elapsed))
	} else {
		s.logger.Info("bootstrap completed",
			zap.Int("initialized", report.Initialized),
			zap.Int("skipped", report.Skipped),
			zap.Duration("elapsed", report.Elapsed))
	}
	return report, nil
}

// collect gathers every registered initializable service, stably sorted
// by ascending priority so ties keep registration order.
func (s *Sequencer) collect() []service.Initializable {
	services := registry.AllOf[service.Initializable](s.registry)
	sort.SliceStable(services, func(i, j int) bool {
		return services[i].Priority() < services[j].Priority()
	})
	return services
}

// initOne initializes a single service, converting a timeout or panic
// into a failed outcome so the sequence always proceeds.
func (s *Sequencer) initOne(ctx context.Context, svc service.Initializable) Outcome {
	outcome := Outcome{Name: svc.Name(), Priority: svc.Priority()}

	if svc.Ready() {
		s.logger.Debug("service already ready, skipping",
			zap.String("service", svc.Name()))
		outcome.Status = StatusSkipped
		return outcome
	}

	initCtx := ctx
	cancel := func() {}
	if s.timeout > 0 {
		initCtx, cancel = context.WithTimeout(ctx, s.timeout)
	}
	defer cancel()

	start := time.Now()
	err := s.await(initCtx, svc)
	outcome.Elapsed = time.Since(start)

	if err != nil {
		outcome.Status = StatusFailed
		outcome.Err = err
		s.logger.Error("service failed to initialize",
			zap.String("service", svc.Name()),
			zap.Int("priority", svc.Priority()),
			zap.Duration("elapsed", outcome.Elapsed),
			zap.Error(err))
		return outcome
	}

	outcome.Status = StatusInitialized
	return outcome
}

// await runs Init and honors the deadline even when the service ignores
// its context. A service that overruns keeps running on its goroutine;
// its eventual result is discarded and logged.
func (s *Sequencer) await(ctx context.Context, svc service.Initializable) error {
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- apperrors.NewInternal("service panicked during initialization", nil)
			}
		}()
		done <- svc.Init(ctx)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		go func() {
			if err := <-done; err != nil {
				s.logger.Warn("timed-out service eventually returned",
					zap.String("service", svc.Name()),
					zap.Error(err))
			}
		}()
		return apperrors.NewInternal("service initialization timed out", ctx.Err())
	}
}
