package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

var (
	// ErrInFlight signals a duplicate key whose original request has not
	// completed yet. Duplicates are rejected, never re-executed.
	ErrInFlight = errors.New("idempotency_in_flight")
	// ErrKeyConflict signals a key replayed by a different account or
	// against a different endpoint.
	ErrKeyConflict = errors.New("idempotency_key_conflict")
	ErrInvalidKey  = errors.New("invalid_idempotency_key")
	ErrNotFound    = errors.New("idempotency_record_not_found")
)

// Record stores the cached response for one caller-supplied key. Response
// stays null until the original request completes; rows expire rather than
// being actively deleted.
type Record struct {
	Key       string         `gorm:"primaryKey;type:text"`
	AccountID snowflake.ID   `gorm:"not null;index"`
	Endpoint  string         `gorm:"type:text;not null"`
	Response  datatypes.JSON `gorm:"type:jsonb"`
	ExpiresAt time.Time      `gorm:"not null;index"`
	CreatedAt time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Record) TableName() string { return "idempotency_records" }
