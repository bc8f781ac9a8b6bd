package settings

import (
	"context"
	"log/slog"

	"github.com/skyrem/backoffice/internal/shared"
)

// Service reads and changes system settings.
type Service struct {
	store    Store
	recorder shared.ActivityRecorder
	logger   *slog.Logger
}

// NewService builds Service instance.
func NewService(store Store, recorder shared.ActivityRecorder, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, recorder: recorder, logger: logger}
}

// System returns the current system settings.
func (s *Service) System(ctx context.Context) (SystemSettings, error) {
	return s.store.Get(ctx)
}

// RegistrationEnabled reports whether self sign-up is open. Load failures
// fall back to the default.
func (s *Service) RegistrationEnabled(ctx context.Context) bool {
	settings, err := s.store.Get(ctx)
	if err != nil {
		s.logger.Warn("load settings", slog.Any("error", err))
		return DefaultSystemSettings().RegistrationEnabled
	}
	return settings.RegistrationEnabled
}

// UpdateSystem saves new settings and records the change.
func (s *Service) UpdateSystem(ctx context.Context, next SystemSettings) (SystemSettings, error) {
	if err := s.store.Save(ctx, next); err != nil {
		return SystemSettings{}, err
	}
	if s.recorder != nil {
		act := shared.NewActivity(ctx, shared.EventUpdated, "settings", 0, map[string]any{
			"registration_enabled": next.RegistrationEnabled,
		})
		if err := s.recorder.Record(ctx, act); err != nil {
			s.logger.Warn("activity not recorded", slog.String("subject", "settings"), slog.Any("error", err))
		}
	}
	return next, nil
}
