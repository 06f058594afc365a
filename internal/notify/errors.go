package notify

import "errors"

// Sentinel errors returned by the notify service and its senders.
// Callers should use errors.Is for comparison.
var (
	// ErrSendFailed is returned when a message could not be delivered
	// through a channel. It wraps the underlying cause and is non-fatal:
	// patrol outcomes never depend on notification delivery.
	ErrSendFailed = errors.New("notify: send failed")

	// ErrConfigNotFound is returned when a channel has no configuration in
	// the settings table at all (e.g. Telegram never set up).
	ErrConfigNotFound = errors.New("notify: configuration not found")

	// ErrInvalidConfig is returned when settings exist but are incomplete
	// (e.g. bot token present but chat id missing).
	ErrInvalidConfig = errors.New("notify: invalid configuration")
)
