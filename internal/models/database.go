package models

import (
	"time"

	"gorm.io/gorm"
)

// BaseModel provides common fields for all database-backed aggregates.
type BaseModel struct {
	ID        uint           `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time      `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time      `json:"updated_at" gorm:"autoUpdateTime"`
	DeletedAt gorm.DeletedAt `json:"deleted_at" gorm:"index"`

	// Version is the optimistic-concurrency token. Every mutating update is a
	// compare-and-swap on this column; a write that does not observe the
	// expected version is a conflict, never a silent overwrite.
	Version uint `json:"version" gorm:"not null;default:1"`

	// SchemaVersion marks the shape of Raw/Payload blobs for migration.
	SchemaVersion int `json:"schema_version" gorm:"not null;default:1"`
}
