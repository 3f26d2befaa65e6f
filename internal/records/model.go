package records

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	// HealthIDPrefix prefixes every issued health identifier.
	HealthIDPrefix = "HID-"

	// SchemaVersion is the store layout version written to store_meta.
	SchemaVersion = 2

	displayNameField = "name"
)

var (
	// ErrConsentRequired indicates that a record was submitted without consent.
	ErrConsentRequired = errors.New("records: consent required")
	// ErrNotFound indicates that no record exists for the supplied local id.
	ErrNotFound = errors.New("records: not found")
	// ErrPersistence indicates that the durable store rejected a read or write.
	ErrPersistence = errors.New("records: persistence failure")
	// ErrInvalidHealthID indicates a malformed health identifier.
	ErrInvalidHealthID = errors.New("records: invalid health id")
)

// Payload holds the opaque form fields captured for a record.
type Payload map[string]string

// Clone returns a copy that does not share the underlying map.
func (p Payload) Clone() Payload {
	cloned := make(Payload, len(p))
	for key, value := range p {
		cloned[key] = value
	}
	return cloned
}

// HealthID is the globally unique record identifier sent to the remote endpoint.
type HealthID string

// ParseHealthID validates the HID-<digits> format.
func ParseHealthID(rawInput string) (HealthID, error) {
	trimmed := strings.TrimSpace(rawInput)
	digits, ok := strings.CutPrefix(trimmed, HealthIDPrefix)
	if !ok || digits == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidHealthID, rawInput)
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return "", fmt.Errorf("%w: %q", ErrInvalidHealthID, rawInput)
		}
	}
	return HealthID(trimmed), nil
}

func newHealthID(millis int64) HealthID {
	return HealthID(HealthIDPrefix + strconv.FormatInt(millis, 10))
}

// Millis returns the numeric part of the identifier.
func (id HealthID) Millis() (int64, error) {
	digits, ok := strings.CutPrefix(string(id), HealthIDPrefix)
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrInvalidHealthID, string(id))
	}
	value, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidHealthID, err)
	}
	return value, nil
}

// String returns the underlying identifier.
func (id HealthID) String() string {
	return string(id)
}

// Record is a locally captured entry awaiting or past upload.
type Record struct {
	LocalID          int64    `gorm:"column:local_id;primaryKey;autoIncrement:false"`
	HealthID         HealthID `gorm:"column:health_id;size:64;not null;uniqueIndex"`
	Payload          Payload  `gorm:"column:payload_json;type:text;not null;serializer:json"`
	ConsentGiven     bool     `gorm:"column:consent_given;not null"`
	Uploaded         bool     `gorm:"column:uploaded;not null;default:false;index"`
	CreatedAtMillis  int64    `gorm:"column:created_at_ms;not null;default:0"`
	UploadedAtMillis int64    `gorm:"column:uploaded_at_ms;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (Record) TableName() string {
	return "records"
}

// DisplayName returns the name field used by list views.
func (r Record) DisplayName() string {
	return strings.TrimSpace(r.Payload[displayNameField])
}

// Status reports the lifecycle state for rendering.
func (r Record) Status() Status {
	if r.Uploaded {
		return StatusUploaded
	}
	return StatusPending
}

// Status enumerates record lifecycle states.
type Status string

const (
	// StatusPending marks a record that has not been confirmed by the remote.
	StatusPending Status = "pending"
	// StatusUploaded marks a record confirmed by the remote. It is terminal.
	StatusUploaded Status = "uploaded"
)

// StoreMeta holds durable key/value bookkeeping for the store.
type StoreMeta struct {
	Key   string `gorm:"column:meta_key;primaryKey;size:64;not null"`
	Value int64  `gorm:"column:meta_value;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (StoreMeta) TableName() string {
	return "store_meta"
}

const (
	// MetaKeySchemaVersion stores the store layout version.
	MetaKeySchemaVersion = "schema_version"
	// MetaKeyNextLocalID stores the next local id to hand out.
	MetaKeyNextLocalID = "next_local_id"
	// MetaKeyLastHealthMillis stores the millisecond value of the last issued health id.
	MetaKeyLastHealthMillis = "last_health_ms"
)

// UploadAttempt is an append-only log entry for one remote submission.
type UploadAttempt struct {
	AttemptID         string `gorm:"column:attempt_id;primaryKey;size:64;not null"`
	RunID             string `gorm:"column:run_id;size:64;not null;index"`
	LocalID           int64  `gorm:"column:local_id;not null;index:idx_attempts_record,priority:1"`
	HealthID          string `gorm:"column:health_id;size:64;not null"`
	AttemptedAtMillis int64  `gorm:"column:attempted_at_ms;not null;index:idx_attempts_record,priority:2"`
	Succeeded         bool   `gorm:"column:succeeded;not null"`
	StatusCode        int    `gorm:"column:status_code;not null;default:0"`
	Permanent         bool   `gorm:"column:permanent;not null;default:false"`
	ErrorText         string `gorm:"column:error_text;type:text;not null;default:''"`
}

// TableName provides the explicit table binding for GORM.
func (UploadAttempt) TableName() string {
	return "upload_attempts"
}
