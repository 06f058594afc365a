// Package notify delivers end-of-patrol summaries to the ward staff's
// external channels. Today that is a Telegram bot; the Service fans out to
// every configured sender and treats delivery as best-effort: a failed
// notification is logged, never propagated into the patrol outcome.
package notify

import (
	"context"
	"fmt"

	"github.com/Sigma-Snaken/bio-patrol/internal/db"
	"github.com/Sigma-Snaken/bio-patrol/internal/repositories"
)

// Setting keys used by the notify service. All keys are namespaced to avoid
// collisions with other config namespaces.
const (
	KeyTelegramBotToken = "telegram.bot_token" // stored encrypted via EncryptedString
	KeyTelegramChatID   = "telegram.chat_id"
	KeyTelegramEnabled  = "telegram.enabled" // "true" or "false"
)

// TelegramConfig holds what the Telegram sender needs for one delivery.
type TelegramConfig struct {
	BotToken string // decrypted at load time by EncryptedString.Scan
	ChatID   string
	Enabled  bool
}

// loadTelegramConfig reads all "telegram.*" settings and assembles a
// TelegramConfig. Returns ErrConfigNotFound when no Telegram settings exist
// at all, ErrInvalidConfig when required fields are missing.
func loadTelegramConfig(ctx context.Context, repo repositories.SettingsRepository) (*TelegramConfig, error) {
	settings, err := repo.GetMany(ctx, "telegram.")
	if err != nil {
		return nil, fmt.Errorf("notify: failed to load telegram settings: %w", err)
	}
	if len(settings) == 0 {
		return nil, ErrConfigNotFound
	}

	idx := settingsIndex(settings)

	token := idx[KeyTelegramBotToken]
	if token == "" {
		return nil, fmt.Errorf("%w: telegram.bot_token is required", ErrInvalidConfig)
	}
	chatID := idx[KeyTelegramChatID]
	if chatID == "" {
		return nil, fmt.Errorf("%w: telegram.chat_id is required", ErrInvalidConfig)
	}

	return &TelegramConfig{
		BotToken: token,
		ChatID:   chatID,
		Enabled:  idx[KeyTelegramEnabled] == "true",
	}, nil
}

// settingsIndex converts a slice of Setting into a map[key]value for O(1)
// lookup. string(Value) is the decrypted plaintext, decryption already
// happened when GORM scanned the row.
func settingsIndex(settings []db.Setting) map[string]string {
	idx := make(map[string]string, len(settings))
	for _, s := range settings {
		idx[s.Key] = string(s.Value)
	}
	return idx
}
