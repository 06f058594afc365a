package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// defaultTelegramBaseURL is the Bot API endpoint; tests point it at an
// httptest server instead.
const defaultTelegramBaseURL = "https://api.telegram.org"

// telegramMessage is the sendMessage request body.
type telegramMessage struct {
	ChatID string `json:"chat_id"`
	Text   string `json:"text"`
}

// telegramSender delivers messages through the Telegram Bot API.
type telegramSender struct {
	client  *http.Client
	baseURL string
	loader  func(ctx context.Context) (*TelegramConfig, error)
}

// newTelegramSender creates a telegramSender. loader is called on every Send
// so settings changes take effect without a restart.
func newTelegramSender(loader func(ctx context.Context) (*TelegramConfig, error)) *telegramSender {
	return &telegramSender{
		client:  &http.Client{Timeout: 10 * time.Second},
		baseURL: defaultTelegramBaseURL,
		loader:  loader,
	}
}

// Send POSTs text to the configured chat. An unconfigured or disabled
// channel is skipped silently; a non-2xx response is a delivery failure
// wrapped in ErrSendFailed.
func (s *telegramSender) Send(ctx context.Context, text string) error {
	cfg, err := s.loader(ctx)
	if err != nil {
		if errors.Is(err, ErrConfigNotFound) {
			return nil
		}
		return fmt.Errorf("%w: failed to load telegram config: %s", ErrSendFailed, err)
	}
	if !cfg.Enabled {
		return nil
	}

	body, err := json.Marshal(telegramMessage{ChatID: cfg.ChatID, Text: text})
	if err != nil {
		return fmt.Errorf("%w: failed to marshal message: %s", ErrSendFailed, err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", s.baseURL, cfg.BotToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: failed to build request: %s", ErrSendFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrSendFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// The Bot API explains rejections in the body; keep a slice of it.
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("%w: telegram returned %d: %s", ErrSendFailed, resp.StatusCode, snippet)
	}

	return nil
}
