package api

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/Sigma-Snaken/bio-patrol/internal/db"
	"github.com/Sigma-Snaken/bio-patrol/internal/notify"
	"github.com/Sigma-Snaken/bio-patrol/internal/repositories"
)

// SettingsHandler groups settings-related HTTP handlers. Currently only the
// Telegram notification settings are exposed. The bot token is write-only:
// it is stored encrypted and never returned, only a configured flag is.
type SettingsHandler struct {
	settings repositories.SettingsRepository
	logger   *zap.Logger
}

// NewSettingsHandler creates a new SettingsHandler.
func NewSettingsHandler(settings repositories.SettingsRepository, logger *zap.Logger) *SettingsHandler {
	return &SettingsHandler{
		settings: settings,
		logger:   logger.Named("settings_handler"),
	}
}

// -----------------------------------------------------------------------------
// Response types
// -----------------------------------------------------------------------------

// telegramSettingsResponse is the JSON representation of the Telegram
// notification settings. BotToken is intentionally omitted: it is write-only
// and never returned.
type telegramSettingsResponse struct {
	Enabled     bool   `json:"enabled"`
	ChatID      string `json:"chat_id"`
	BotTokenSet bool   `json:"bot_token_set"`
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// GetTelegram handles GET /api/v1/settings/telegram.
// Settings always "exist": before anything is stored the response is simply
// all-zero, not a 404.
func (h *SettingsHandler) GetTelegram(w http.ResponseWriter, r *http.Request) {
	resp, err := h.currentTelegram(r.Context())
	if err != nil {
		h.logger.Error("failed to load telegram settings", zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, resp)
}

// putTelegramRequest is the JSON body expected by PUT /api/v1/settings/telegram.
// An empty bot_token keeps the stored one, so staff can change the chat or
// toggle enabled without re-entering the token.
type putTelegramRequest struct {
	BotToken string `json:"bot_token"`
	ChatID   string `json:"chat_id"`
	Enabled  bool   `json:"enabled"`
}

// PutTelegram handles PUT /api/v1/settings/telegram.
// The token is encrypted at rest automatically by EncryptedString.
func (h *SettingsHandler) PutTelegram(w http.ResponseWriter, r *http.Request) {
	var req putTelegramRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	ctx := r.Context()

	if req.Enabled {
		if req.ChatID == "" {
			ErrBadRequest(w, "chat_id is required when enabled")
			return
		}
		if req.BotToken == "" && !h.tokenStored(ctx) {
			ErrBadRequest(w, "bot_token is required when enabled")
			return
		}
	}

	if req.BotToken != "" {
		if err := h.settings.Set(ctx, notify.KeyTelegramBotToken, db.EncryptedString(req.BotToken)); err != nil {
			h.logger.Error("failed to store bot token", zap.Error(err))
			ErrInternal(w)
			return
		}
	}
	if err := h.settings.Set(ctx, notify.KeyTelegramChatID, db.EncryptedString(req.ChatID)); err != nil {
		h.logger.Error("failed to store chat id", zap.Error(err))
		ErrInternal(w)
		return
	}
	enabled := "false"
	if req.Enabled {
		enabled = "true"
	}
	if err := h.settings.Set(ctx, notify.KeyTelegramEnabled, db.EncryptedString(enabled)); err != nil {
		h.logger.Error("failed to store enabled flag", zap.Error(err))
		ErrInternal(w)
		return
	}

	resp, err := h.currentTelegram(ctx)
	if err != nil {
		h.logger.Error("failed to load telegram settings", zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, resp)
}

// -----------------------------------------------------------------------------
// Internal helpers
// -----------------------------------------------------------------------------

// currentTelegram assembles the settings view from the telegram.* keys.
func (h *SettingsHandler) currentTelegram(ctx context.Context) (telegramSettingsResponse, error) {
	settings, err := h.settings.GetMany(ctx, "telegram.")
	if err != nil {
		return telegramSettingsResponse{}, err
	}

	var resp telegramSettingsResponse
	for _, s := range settings {
		switch s.Key {
		case notify.KeyTelegramBotToken:
			resp.BotTokenSet = s.Value != ""
		case notify.KeyTelegramChatID:
			resp.ChatID = string(s.Value)
		case notify.KeyTelegramEnabled:
			resp.Enabled = s.Value == "true"
		}
	}
	return resp, nil
}

// tokenStored reports whether a non-empty bot token is already persisted.
func (h *SettingsHandler) tokenStored(ctx context.Context) bool {
	s, err := h.settings.Get(ctx, notify.KeyTelegramBotToken)
	return err == nil && s.Value != ""
}
