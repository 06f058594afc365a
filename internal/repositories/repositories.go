// Package repositories defines the data-access interfaces of the patrol
// server and their GORM implementations. Handlers and services depend on
// the interfaces only, which keeps them testable with in-memory fakes.
package repositories

import (
	"context"
	"time"

	"github.com/Sigma-Snaken/bio-patrol/internal/db"
)

// -----------------------------------------------------------------------------
// Common
// -----------------------------------------------------------------------------

// ListOptions contains common pagination options for list queries.
type ListOptions struct {
	Limit  int
	Offset int
}

// ScanFilter narrows scan listings. Zero-valued fields are ignored, so an
// empty filter returns everything (paginated).
type ScanFilter struct {
	TaskID     string
	LocationID string
	Status     string    // one of the db.ScanStatus* constants
	From       time.Time // inclusive lower bound on scanned_at
	To         time.Time // exclusive upper bound on scanned_at

	ListOptions
}

// -----------------------------------------------------------------------------
// ScanRepository
// -----------------------------------------------------------------------------

// ScanRepository persists bio scan attempts. Every attempt is appended as
// its own row; records are never updated after the fact.
type ScanRepository interface {
	Append(ctx context.Context, record *db.ScanRecord) error
	ListByTask(ctx context.Context, taskID string) ([]db.ScanRecord, error)
	List(ctx context.Context, filter ScanFilter) ([]db.ScanRecord, int64, error)
}

// -----------------------------------------------------------------------------
// SettingsRepository
// -----------------------------------------------------------------------------

// SettingsRepository stores key-value runtime configuration. Keys are
// namespaced by convention, e.g. "telegram.bot_token", "patrol.shelf_id".
type SettingsRepository interface {
	Get(ctx context.Context, key string) (*db.Setting, error)
	Set(ctx context.Context, key string, value db.EncryptedString) error
	GetMany(ctx context.Context, prefix string) ([]db.Setting, error)
	Delete(ctx context.Context, key string) error
}
