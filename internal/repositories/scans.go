package repositories

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/Sigma-Snaken/bio-patrol/internal/db"
)

// gormScanRepository is the GORM implementation of ScanRepository.
type gormScanRepository struct {
	db *gorm.DB
}

// NewScanRepository returns a ScanRepository backed by the provided *gorm.DB.
func NewScanRepository(db *gorm.DB) ScanRepository {
	return &gormScanRepository{db: db}
}

// Append inserts one scan attempt. Records are append-only; there is no
// update path because each retry writes its own row.
func (r *gormScanRepository) Append(ctx context.Context, record *db.ScanRecord) error {
	if err := r.db.WithContext(ctx).Create(record).Error; err != nil {
		return fmt.Errorf("scans: append: %w", err)
	}
	return nil
}

// ListByTask returns every scan attempt recorded for one task, ordered by
// scan time ascending so the caller can replay the patrol chronologically.
func (r *gormScanRepository) ListByTask(ctx context.Context, taskID string) ([]db.ScanRecord, error) {
	var records []db.ScanRecord
	err := r.db.WithContext(ctx).
		Where("task_id = ?", taskID).
		Order("scanned_at ASC").
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("scans: list by task %s: %w", taskID, err)
	}
	return records, nil
}

// List returns a filtered, paginated page of scan records plus the total
// count matching the filter, ordered by scan time descending (most recent
// first). Zero-valued filter fields are ignored.
func (r *gormScanRepository) List(ctx context.Context, filter ScanFilter) ([]db.ScanRecord, int64, error) {
	query := r.db.WithContext(ctx).Model(&db.ScanRecord{})

	if filter.TaskID != "" {
		query = query.Where("task_id = ?", filter.TaskID)
	}
	if filter.LocationID != "" {
		query = query.Where("location_id = ?", filter.LocationID)
	}
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if !filter.From.IsZero() {
		query = query.Where("scanned_at >= ?", filter.From)
	}
	if !filter.To.IsZero() {
		query = query.Where("scanned_at < ?", filter.To)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("scans: count: %w", err)
	}

	query = query.Order("scanned_at DESC")
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		query = query.Offset(filter.Offset)
	}

	var records []db.ScanRecord
	if err := query.Find(&records).Error; err != nil {
		return nil, 0, fmt.Errorf("scans: list: %w", err)
	}

	return records, total, nil
}
