package persistence

import (
	"context"

	"go.uber.org/zap"

	"noirdesk/internal/registry"
	"noirdesk/internal/service"
	apperrors "noirdesk/pkg/errors"
)

// Service wraps a SaveStore in the initializable capability so the save
// subsystem participates in the bootstrap sequence like any other service.
type Service struct {
	service.Base
	store SaveStore
}

// NewService creates the save service around an already-constructed store.
func NewService(priority int, logger *zap.Logger, reg *registry.Registry, bus service.Publisher, store SaveStore) *Service {
	return &Service{
		Base:  service.NewBase("SaveService", priority, logger, reg, bus),
		store: store,
	}
}

// Store exposes the underlying persistence capability to consumers.
func (s *Service) Store() SaveStore { return s.store }

// Init runs the shared initialization template.
func (s *Service) Init(ctx context.Context) error {
	return s.RunInit(ctx, s)
}

// Validate checks the store was wired.
func (s *Service) Validate(ctx context.Context) error {
	if s.store == nil {
		return apperrors.NewValidation("save service requires a store")
	}
	return nil
}

// Initialize checks the backing store and, for cloud-backed stores,
// kicks off an initial best-effort synchronization.
func (s *Service) Initialize(ctx context.Context) error {
	slots, err := s.store.ListSlots(ctx)
	if err != nil {
		return err
	}
	s.Logger().Info("save store ready", zap.Int("slots", len(slots)))

	if cloud, ok := s.store.(CloudStore); ok && cloud.IsCloudEnabled() {
		if syncErr := cloud.Sync(ctx); syncErr != nil {
			// degraded start, local saves still work
			s.Logger().Warn("initial cloud sync failed", zap.Error(syncErr))
		}
	}
	return nil
}
