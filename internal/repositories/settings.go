package repositories

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/Sigma-Snaken/bio-patrol/internal/db"
)

// gormSettingsRepository is the GORM implementation of SettingsRepository.
type gormSettingsRepository struct {
	db *gorm.DB
}

// NewSettingsRepository returns a SettingsRepository backed by the provided
// *gorm.DB.
func NewSettingsRepository(db *gorm.DB) SettingsRepository {
	return &gormSettingsRepository{db: db}
}

// Get retrieves a single setting by its exact key.
func (r *gormSettingsRepository) Get(ctx context.Context, key string) (*db.Setting, error) {
	var s db.Setting
	err := r.db.WithContext(ctx).First(&s, "key = ?", key).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("settings: get %s: %w", key, err)
	}
	return &s, nil
}

// Set upserts a setting. On conflict the value and updated_at are
// overwritten, which avoids a read-before-write on every save.
func (r *gormSettingsRepository) Set(ctx context.Context, key string, value db.EncryptedString) error {
	s := db.Setting{Key: key, Value: value}
	if err := r.db.WithContext(ctx).Save(&s).Error; err != nil {
		return fmt.Errorf("settings: set %s: %w", key, err)
	}
	return nil
}

// GetMany retrieves all settings whose key starts with prefix. Useful for
// loading an entire namespace at once (e.g. all "telegram.*" keys).
func (r *gormSettingsRepository) GetMany(ctx context.Context, prefix string) ([]db.Setting, error) {
	var settings []db.Setting
	err := r.db.WithContext(ctx).
		Where("key LIKE ?", prefix+"%").
		Find(&settings).Error
	if err != nil {
		return nil, fmt.Errorf("settings: get many %s: %w", prefix, err)
	}
	return settings, nil
}

// Delete removes a setting by key. Deleting an absent key succeeds; callers
// treat delete as "make sure this is gone".
func (r *gormSettingsRepository) Delete(ctx context.Context, key string) error {
	if err := r.db.WithContext(ctx).Delete(&db.Setting{}, "key = ?", key).Error; err != nil {
		return fmt.Errorf("settings: delete %s: %w", key, err)
	}
	return nil
}
