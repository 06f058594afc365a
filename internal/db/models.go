package db

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// base carries the fields every row shares. IDs are UUID v7 (time-ordered)
// so primary key order follows insertion order, which keeps scan listings
// chronological without a separate sort column. CreatedAt and UpdatedAt are
// managed by GORM.
type base struct {
	ID        uuid.UUID `gorm:"type:text;primaryKey"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// BeforeCreate fills in a UUID v7 when the caller did not set one.
func (b *base) BeforeCreate(tx *gorm.DB) error {
	if b.ID == (uuid.UUID{}) {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		b.ID = id
	}
	return nil
}

// -----------------------------------------------------------------------------
// Scan records
// -----------------------------------------------------------------------------

// Scan outcomes recorded in ScanRecord.Status.
const (
	ScanStatusValid       = "valid"       // readings passed validation
	ScanStatusInvalid     = "invalid"     // sensor answered, readings failed validation
	ScanStatusUnavailable = "unavailable" // no measurement was possible
)

// ScanRecord is one bio scan attempt at one bed. Every attempt is persisted,
// not just the last one, so retries stay visible in reports. When the robot
// never got a chance to measure (it could not reach the bedside, or the
// patrol was interrupted) a row is still written with ScanStatusUnavailable
// and the reason in Details, so the report shows N/A instead of a silent gap.
type ScanRecord struct {
	base
	TaskID     string    `gorm:"not null;index"`
	LocationID string    `gorm:"not null"`            // bed location ID, e.g. "B_101-1"
	BedName    string    `gorm:"not null;default:''"` // display name, e.g. "101-1"
	ScannedAt  time.Time `gorm:"not null;index"`
	RetryCount int       `gorm:"not null;default:0"` // 0 = first attempt
	Status     string    `gorm:"not null"`           // one of the ScanStatus constants
	BPM        int       `gorm:"not null;default:0"`
	RPM        int       `gorm:"not null;default:0"`
	DataJSON   string    `gorm:"type:text;default:'{}'"` // raw sensor payload, JSON
	IsValid    bool      `gorm:"not null;default:false"`
	Details    string    `gorm:"type:text;default:''"` // human-readable note for unavailable rows
}

// -----------------------------------------------------------------------------
// Settings
// -----------------------------------------------------------------------------

// Setting is a generic key-value configuration entry stored in the database.
// Keys are namespaced by convention (e.g. "telegram.bot_token",
// "telegram.chat_id"). Sensitive values are encrypted at the application
// layer via EncryptedString before being persisted.
//
// Setting does not embed base because its primary key is the key string
// itself rather than a UUID.
type Setting struct {
	Key       string          `gorm:"primaryKey"`
	Value     EncryptedString `gorm:"type:text;not null"`
	UpdatedAt time.Time       `gorm:"not null;autoUpdateTime"`
}
