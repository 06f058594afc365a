package repositories

import (
	"context"

	"github.com/Sigma-Snaken/bio-patrol/internal/db"
)

// hookedScanRepository decorates a ScanRepository with an after-append
// callback. Used at wiring time to bump metrics and publish websocket
// events whenever a scan row lands, without teaching the engine about
// either concern.
type hookedScanRepository struct {
	ScanRepository
	fn func(*db.ScanRecord)
}

// WithAppendHook returns a ScanRepository that calls fn after every
// successful Append. fn runs synchronously on the appending goroutine,
// so it must be fast and must not call back into the repository.
func WithAppendHook(inner ScanRepository, fn func(*db.ScanRecord)) ScanRepository {
	return &hookedScanRepository{ScanRepository: inner, fn: fn}
}

func (r *hookedScanRepository) Append(ctx context.Context, record *db.ScanRecord) error {
	if err := r.ScanRepository.Append(ctx, record); err != nil {
		return err
	}
	r.fn(record)
	return nil
}
