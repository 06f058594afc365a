package notify

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/Sigma-Snaken/bio-patrol/internal/repositories"
)

// Notifier is the outbound notification surface consumed by the engine.
// Implementations must be safe for concurrent use.
type Notifier interface {
	Notify(ctx context.Context, text string) error
}

// Summary formats the end-of-patrol message: how many beds produced a valid
// reading out of the beds the patrol was supposed to visit.
func Summary(taskID string, scanned, total int, status string) string {
	return fmt.Sprintf("Patrol %s: completed %d of %d beds (%s)", taskID, scanned, total, status)
}

// ShelfDropAlert formats the operator alert sent when a robot loses its
// sensor shelf mid-patrol. The shelf stays where it fell until a human
// re-docks it.
func ShelfDropAlert(robotID, shelfID string) string {
	return fmt.Sprintf("Shelf %s dropped by robot %s, please return it to its dock", shelfID, robotID)
}

// Config holds the dependencies required to build the notify Service.
type Config struct {
	SettingsRepo repositories.SettingsRepository
	Logger       *zap.Logger
}

// Service fans one message out to every configured sender. Delivery is
// best-effort: sender failures are logged and swallowed, so callers can fire
// the summary from any exit path without caring whether staff chat is up.
type Service struct {
	telegram *telegramSender
	logger   *zap.Logger
}

// NewService creates the Service. The Telegram sender is wired internally
// with a config loader bound to the settings repository, so settings changes
// apply on the next send without a restart.
func NewService(cfg Config) *Service {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	svc := &Service{
		logger: cfg.Logger.Named("notify"),
	}
	svc.telegram = newTelegramSender(func(ctx context.Context) (*TelegramConfig, error) {
		return loadTelegramConfig(ctx, cfg.SettingsRepo)
	})
	return svc
}

// Notify delivers text to every configured channel. Always returns nil;
// failures land in the log.
func (s *Service) Notify(ctx context.Context, text string) error {
	if err := s.telegram.Send(ctx, text); err != nil {
		s.logger.Warn("telegram delivery failed", zap.Error(err))
	}
	return nil
}
