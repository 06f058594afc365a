package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Sigma-Snaken/bio-patrol/internal/db"
	"github.com/Sigma-Snaken/bio-patrol/internal/repositories"
)

// fakeSettings is an in-memory SettingsRepository.
type fakeSettings struct {
	values map[string]string
}

func (f *fakeSettings) Get(ctx context.Context, key string) (*db.Setting, error) {
	v, ok := f.values[key]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	return &db.Setting{Key: key, Value: db.EncryptedString(v)}, nil
}

func (f *fakeSettings) Set(ctx context.Context, key string, value db.EncryptedString) error {
	f.values[key] = string(value)
	return nil
}

func (f *fakeSettings) GetMany(ctx context.Context, prefix string) ([]db.Setting, error) {
	var out []db.Setting
	for k, v := range f.values {
		if strings.HasPrefix(k, prefix) {
			out = append(out, db.Setting{Key: k, Value: db.EncryptedString(v)})
		}
	}
	return out, nil
}

func (f *fakeSettings) Delete(ctx context.Context, key string) error {
	delete(f.values, key)
	return nil
}

func telegramSettings() *fakeSettings {
	return &fakeSettings{values: map[string]string{
		KeyTelegramBotToken: "123456:bot-token",
		KeyTelegramChatID:   "-100200300",
		KeyTelegramEnabled:  "true",
	}}
}

// botAPIStub records sendMessage calls.
type botAPIStub struct {
	mu     sync.Mutex
	paths  []string
	bodies []telegramMessage
	status int
}

func newBotAPIStub(status int) (*botAPIStub, *httptest.Server) {
	stub := &botAPIStub{status: status}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var msg telegramMessage
		_ = json.Unmarshal(body, &msg)

		stub.mu.Lock()
		stub.paths = append(stub.paths, r.URL.Path)
		stub.bodies = append(stub.bodies, msg)
		stub.mu.Unlock()

		w.WriteHeader(stub.status)
	}))
	return stub, server
}

func (s *botAPIStub) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.paths)
}

func TestNotifyDeliversToTelegram(t *testing.T) {
	stub, server := newBotAPIStub(http.StatusOK)
	defer server.Close()

	svc := NewService(Config{SettingsRepo: telegramSettings(), Logger: zap.NewNop()})
	svc.telegram.baseURL = server.URL

	require.NoError(t, svc.Notify(context.Background(), "patrol finished"))

	require.Equal(t, 1, stub.calls())
	assert.Equal(t, "/bot123456:bot-token/sendMessage", stub.paths[0])
	assert.Equal(t, "-100200300", stub.bodies[0].ChatID)
	assert.Equal(t, "patrol finished", stub.bodies[0].Text)
}

func TestNotifySkipsDisabledChannel(t *testing.T) {
	stub, server := newBotAPIStub(http.StatusOK)
	defer server.Close()

	settings := telegramSettings()
	settings.values[KeyTelegramEnabled] = "false"

	svc := NewService(Config{SettingsRepo: settings, Logger: zap.NewNop()})
	svc.telegram.baseURL = server.URL

	require.NoError(t, svc.Notify(context.Background(), "nobody listens"))
	assert.Zero(t, stub.calls())
}

func TestNotifySkipsUnconfiguredChannel(t *testing.T) {
	stub, server := newBotAPIStub(http.StatusOK)
	defer server.Close()

	svc := NewService(Config{
		SettingsRepo: &fakeSettings{values: map[string]string{}},
		Logger:       zap.NewNop(),
	})
	svc.telegram.baseURL = server.URL

	require.NoError(t, svc.Notify(context.Background(), "nobody configured"))
	assert.Zero(t, stub.calls())
}

func TestNotifySwallowsDeliveryFailure(t *testing.T) {
	stub, server := newBotAPIStub(http.StatusBadGateway)
	defer server.Close()

	svc := NewService(Config{SettingsRepo: telegramSettings(), Logger: zap.NewNop()})
	svc.telegram.baseURL = server.URL

	// Patrol outcomes never depend on chat delivery.
	require.NoError(t, svc.Notify(context.Background(), "lost in transit"))
	assert.Equal(t, 1, stub.calls())
}

func TestTelegramSendReportsFailure(t *testing.T) {
	_, server := newBotAPIStub(http.StatusBadGateway)
	defer server.Close()

	settings := telegramSettings()
	sender := newTelegramSender(func(ctx context.Context) (*TelegramConfig, error) {
		return loadTelegramConfig(ctx, settings)
	})
	sender.baseURL = server.URL

	err := sender.Send(context.Background(), "boom")
	require.ErrorIs(t, err, ErrSendFailed)
	assert.Contains(t, err.Error(), "502")
}

func TestTelegramSendRejectsIncompleteConfig(t *testing.T) {
	settings := telegramSettings()
	delete(settings.values, KeyTelegramChatID)

	sender := newTelegramSender(func(ctx context.Context) (*TelegramConfig, error) {
		return loadTelegramConfig(ctx, settings)
	})

	err := sender.Send(context.Background(), "half configured")
	require.ErrorIs(t, err, ErrSendFailed)
	assert.Contains(t, err.Error(), "chat_id")
}

func TestMessageFormats(t *testing.T) {
	assert.Equal(t,
		"Patrol task_1: completed 5 of 6 beds (done)",
		Summary("task_1", 5, 6, "done"))
	assert.Equal(t,
		"Shelf S_04 dropped by robot kachaka-1, please return it to its dock",
		ShelfDropAlert("kachaka-1", "S_04"))
}
