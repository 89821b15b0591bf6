package history

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// EventRecord is a committed ledger event.
type EventRecord struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	Sequence   uint64    `gorm:"uniqueIndex;not null"`
	Type       string    `gorm:"size:64;index"`
	Target     string    `gorm:"size:64;index"`
	Asset      string    `gorm:"size:32;index"`
	Epoch      uint64    `gorm:"index"`
	Account    string    `gorm:"size:128;index"`
	Amount     string    `gorm:"size:96"`
	Attributes string    `gorm:"type:text"`
	CreatedAt  time.Time
}

// IdempotencyKey stores the replayable response for a mutating request.
type IdempotencyKey struct {
	Key         string `gorm:"primaryKey;size:128"`
	Fingerprint string `gorm:"size:64"`
	RequestID   string `gorm:"size:64"`
	Method      string `gorm:"size:8"`
	Path        string `gorm:"size:255"`
	Status      int
	Response    string `gorm:"type:text"`
	CreatedAt   time.Time
}

// AutoMigrate performs all schema migrations for the history store.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&EventRecord{},
		&IdempotencyKey{},
	)
}
