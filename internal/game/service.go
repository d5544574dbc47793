// Package game hosts the session service: it owns the active save,
// accrues play time, autosaves on an interval, and relays save/load
// outcomes to the audio layer.
package game

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"noirdesk/internal/audio"
	"noirdesk/internal/domain/save"
	"noirdesk/internal/events"
	"noirdesk/internal/persistence"
	"noirdesk/internal/registry"
	"noirdesk/internal/service"
	apperrors "noirdesk/pkg/errors"
)

// Priority places the session after the save subsystem.
const Priority = 20

// Options tune the game session service.
type Options struct {
	// AutosaveInterval of zero disables the autosave ticker.
	AutosaveInterval time.Duration
	// AutosaveSlot is the slot the ticker writes to.
	AutosaveSlot int
}

// Service owns the active save for the running session.
type Service struct {
	service.Base

	opts     Options
	store    persistence.SaveStore
	bus      *events.Bus
	notifier audio.Notifier

	mu               sync.Mutex
	current          *save.GameSave
	lastAccrual      time.Time
	autosaveInterval time.Duration

	stop            chan struct{}
	stopOnce        sync.Once
	intervalChanged chan struct{}
	subs            []events.Subscription
}

// New builds the game session service. Dependencies are resolved from
// the registry during bootstrap.
func New(opts Options, logger *zap.Logger, reg *registry.Registry, bus *events.Bus) *Service {
	return &Service{
		Base:             service.NewBase("GameService", Priority, logger, reg, bus),
		opts:             opts,
		bus:              bus,
		autosaveInterval: opts.AutosaveInterval,
		stop:             make(chan struct{}),
		intervalChanged:  make(chan struct{}, 1),
	}
}

func (s *Service) Init(ctx context.Context) error {
	return s.RunInit(ctx, s)
}

// ResolveDependencies pulls the save store (required) and the audio
// notifier (optional) from the registry.
func (s *Service) ResolveDependencies(r *registry.Registry) error {
	store, err := registry.Resolve[persistence.SaveStore](r)
	if err != nil {
		return err
	}
	s.store = store

	if n, ok := registry.TryResolve[audio.Notifier](r); ok {
		s.notifier = n
	}
	return nil
}

func (s *Service) Validate(context.Context) error {
	if s.store == nil {
		return apperrors.NewValidation("game service requires a save store")
	}
	if s.opts.AutosaveSlot < 0 {
		return apperrors.NewValidation("autosave slot must not be negative")
	}
	return nil
}

// Initialize resumes the autosave slot when present, otherwise starts a
// fresh save, then wires audio cues and the autosave ticker.
func (s *Service) Initialize(ctx context.Context) error {
	current, found, err := s.store.LoadFromSlot(ctx, s.opts.AutosaveSlot)
	if err != nil {
		return err
	}
	if !found {
		current = save.New(s.opts.AutosaveSlot)
		s.Logger().Info("starting fresh save",
			zap.Int("slot", s.opts.AutosaveSlot))
	} else {
		s.Logger().Info("resumed save",
			zap.Int("slot", s.opts.AutosaveSlot),
			zap.String("saveId", current.SaveID),
			zap.Duration("playTime", current.TotalPlayTime))
	}

	s.mu.Lock()
	s.current = current
	s.lastAccrual = time.Now()
	s.mu.Unlock()

	if s.bus != nil && s.notifier != nil {
		saved, err := events.Subscribe(s.bus, func(e events.GameSaved) {
			if e.Success {
				s.notifier.Play(audio.CueSaveComplete)
			}
		})
		if err != nil {
			return err
		}
		loaded, err := events.Subscribe(s.bus, func(e events.GameLoaded) {
			if e.Success {
				s.notifier.Play(audio.CueLoadComplete)
			}
		})
		if err != nil {
			return err
		}
		s.subs = append(s.subs, saved, loaded)
	}

	// The loop always runs so the interval can be turned on, off or
	// retuned live via SetAutosaveInterval.
	go s.autosaveLoop()
	return nil
}

// SetAutosaveInterval retunes the autosave ticker. Zero disables
// autosaving until a positive interval arrives; negative values are
// ignored. Safe to call from a config-reload callback at any time.
func (s *Service) SetAutosaveInterval(d time.Duration) {
	if d < 0 {
		return
	}
	s.mu.Lock()
	if d == s.autosaveInterval {
		s.mu.Unlock()
		return
	}
	s.autosaveInterval = d
	s.mu.Unlock()

	select {
	case s.intervalChanged <- struct{}{}:
	default:
	}
	s.Logger().Info("autosave interval updated", zap.Duration("interval", d))
}

func (s *Service) currentInterval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.autosaveInterval
}

// Snapshot returns a copy of the current save with play time accrued up
// to now. Before initialization it returns the zero save.
func (s *Service) Snapshot() save.GameSave {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return save.GameSave{}
	}
	s.accrueLocked()
	return *s.current
}

// Mutate applies fn to the current save under the session lock. Before
// initialization there is no save to mutate and the call is a logged
// no-op.
func (s *Service) Mutate(fn func(*save.GameSave)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		s.Logger().Warn("mutation ignored, no active save")
		return
	}
	s.accrueLocked()
	fn(s.current)
}

// SaveNow accrues play time and writes the current save to its slot.
func (s *Service) SaveNow(ctx context.Context) error {
	s.mu.Lock()
	if s.current == nil {
		s.mu.Unlock()
		return apperrors.NewConflict("no active save to write")
	}
	s.accrueLocked()
	snapshot := *s.current
	s.mu.Unlock()

	return s.store.SaveToSlot(ctx, s.opts.AutosaveSlot, &snapshot)
}

// Shutdown stops the autosave ticker and writes a final save.
func (s *Service) Shutdown(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stop) })
	for _, sub := range s.subs {
		sub.Unsubscribe()
	}
	if !s.Ready() {
		return nil
	}
	return s.SaveNow(ctx)
}

// accrueLocked folds wall time since the last accrual into the save's
// total play time. Callers hold s.mu.
func (s *Service) accrueLocked() {
	now := time.Now()
	if !s.lastAccrual.IsZero() {
		s.current.TotalPlayTime += now.Sub(s.lastAccrual)
	}
	s.lastAccrual = now
}

// autosaveLoop re-arms a timer from the current interval on every pass,
// so an interval change takes effect at the next tick without restarting
// the service. A zero interval parks the loop on the change channel.
func (s *Service) autosaveLoop() {
	for {
		var tick <-chan time.Time
		var timer *time.Timer
		if d := s.currentInterval(); d > 0 {
			timer = time.NewTimer(d)
			tick = timer.C
		}

		select {
		case <-s.stop:
			if timer != nil {
				timer.Stop()
			}
			return
		case <-s.intervalChanged:
			if timer != nil {
				timer.Stop()
			}
		case <-tick:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := s.SaveNow(ctx); err != nil {
				s.Logger().Warn("autosave failed", zap.Error(err))
			}
			cancel()
		}
	}
}
