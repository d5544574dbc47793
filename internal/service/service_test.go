package service

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"noirdesk/internal/events"
	"noirdesk/internal/registry"
	apperrors "noirdesk/pkg/errors"
)

type clock interface {
	Now() int64
}

type fakeClock struct{}

func (fakeClock) Now() int64 { return 0 }

// testService embeds Base and records which hooks ran.
type testService struct {
	Base

	resolveErr  error
	validateErr error
	initErr     error
	initPanics  bool

	resolved    bool
	validated   bool
	initialized bool

	needsClock bool
	clock      clock
}

func (s *testService) Init(ctx context.Context) error {
	return s.RunInit(ctx, s)
}

func (s *testService) ResolveDependencies(r *registry.Registry) error {
	s.resolved = true
	if s.resolveErr != nil {
		return s.resolveErr
	}
	if s.needsClock {
		c, err := registry.Resolve[clock](r)
		if err != nil {
			return err
		}
		s.clock = c
	}
	return nil
}

func (s *testService) Validate(ctx context.Context) error {
	s.validated = true
	return s.validateErr
}

func (s *testService) Initialize(ctx context.Context) error {
	s.initialized = true
	if s.initPanics {
		panic("boom")
	}
	return s.initErr
}

func newTestService(t *testing.T, bus *events.Bus) (*testService, *registry.Registry) {
	t.Helper()
	r := registry.New(zap.NewNop())
	svc := &testService{
		Base: NewBase("TestService", 10, zap.NewNop(), r, bus),
	}
	return svc, r
}

func readyBus(t *testing.T) *events.Bus {
	t.Helper()
	b := events.NewBus(zap.NewNop())
	require.NoError(t, b.Init(context.Background()))
	return b
}

func TestRunInit_Success(t *testing.T) {
	bus := readyBus(t)
	var initialized []events.ServiceInitialized
	_, err := events.Subscribe(bus, func(e events.ServiceInitialized) {
		initialized = append(initialized, e)
	})
	require.NoError(t, err)

	svc, _ := newTestService(t, bus)
	require.NoError(t, svc.Init(context.Background()))

	assert.True(t, svc.resolved)
	assert.True(t, svc.validated)
	assert.True(t, svc.initialized)
	assert.True(t, svc.Ready())
	require.Len(t, initialized, 1)
	assert.Equal(t, "TestService", initialized[0].Name)
}

func TestRunInit_IdempotentReentry(t *testing.T) {
	svc, _ := newTestService(t, nil)
	require.NoError(t, svc.Init(context.Background()))

	svc.initialized = false
	require.NoError(t, svc.Init(context.Background()))

	assert.False(t, svc.initialized, "hooks must not run again once ready")
}

func TestRunInit_RequiredDependencyMissing(t *testing.T) {
	bus := readyBus(t)
	var failed []events.ServiceFailed
	_, err := events.Subscribe(bus, func(e events.ServiceFailed) {
		failed = append(failed, e)
	})
	require.NoError(t, err)

	svc, _ := newTestService(t, bus)
	svc.needsClock = true // clock capability never registered

	err = svc.Init(context.Background())
	require.Error(t, err)
	assert.True(t, apperrors.IsNotRegistered(err))
	assert.False(t, svc.Ready())
	assert.False(t, svc.validated, "validation must not run after dependency failure")
	require.Len(t, failed, 1)
	assert.Equal(t, "TestService", failed[0].Name)
}

func TestRunInit_ResolvedDependencyAvailable(t *testing.T) {
	svc, r := newTestService(t, nil)
	svc.needsClock = true
	require.NoError(t, registry.Register[clock](r, fakeClock{}))

	require.NoError(t, svc.Init(context.Background()))
	assert.NotNil(t, svc.clock)
}

func TestRunInit_ValidationFailureAborts(t *testing.T) {
	bus := readyBus(t)
	var failed []events.ServiceFailed
	_, err := events.Subscribe(bus, func(e events.ServiceFailed) {
		failed = append(failed, e)
	})
	require.NoError(t, err)

	svc, _ := newTestService(t, bus)
	svc.validateErr = apperrors.NewValidation("missing save directory")

	err = svc.Init(context.Background())
	require.Error(t, err)
	assert.True(t, apperrors.IsValidation(err))
	assert.False(t, svc.initialized, "custom init must not run after validation failure")
	assert.False(t, svc.Ready())
	assert.Len(t, failed, 1)
}

func TestRunInit_InitializeFailurePropagates(t *testing.T) {
	svc, _ := newTestService(t, nil)
	svc.initErr = errors.New("disk on fire")

	err := svc.Init(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TestService")
	assert.False(t, svc.Ready())
}

func TestRunInit_PanicRecoveredAsError(t *testing.T) {
	svc, _ := newTestService(t, nil)
	svc.initPanics = true

	err := svc.Init(context.Background())
	require.Error(t, err)
	assert.True(t, apperrors.IsInternal(err))
	assert.False(t, svc.Ready())
}

func TestRunInit_NoBusIsBestEffort(t *testing.T) {
	svc, _ := newTestService(t, nil)
	assert.NotPanics(t, func() {
		require.NoError(t, svc.Init(context.Background()))
	})
	assert.True(t, svc.Ready())
}

func TestReadinessTransitionsOnce(t *testing.T) {
	svc, _ := newTestService(t, nil)
	require.NoError(t, svc.Init(context.Background()))
	require.True(t, svc.Ready())

	svc.markNotReady()
	require.NoError(t, svc.Init(context.Background()))
	assert.True(t, svc.Ready())
}
