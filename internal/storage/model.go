package storage

import (
	"errors"
	"fmt"
	"strings"
)

// SinkKind selects where an artifact is persisted.
type SinkKind string

const (
	// SinkObjectStore persists to durable S3-compatible object storage.
	SinkObjectStore SinkKind = "object_store"
	// SinkContentAddressed persists to content-addressed decentralized storage.
	SinkContentAddressed SinkKind = "content_addressed"
)

var (
	// ErrInvalidSinkKind indicates an unrecognized sink selector.
	ErrInvalidSinkKind = errors.New("storage: invalid sink kind")
	// ErrStorageUnavailable indicates the sink could not be reached or failed
	// server-side; the caller may retry.
	ErrStorageUnavailable = errors.New("storage: sink unavailable")
	// ErrEmptyArtifact indicates an attempt to store zero bytes.
	ErrEmptyArtifact = errors.New("storage: empty artifact")
)

// ParseSinkKind maps raw input to a SinkKind.
func ParseSinkKind(value string) (SinkKind, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case string(SinkObjectStore), "object", "s3":
		return SinkObjectStore, nil
	case string(SinkContentAddressed), "ipfs":
		return SinkContentAddressed, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidSinkKind, value)
	}
}

// Receipt records one successful (or in-flight) artifact upload. A row with an
// empty URL is a pending upload whose storage key must be reused on retry so
// partial failures never orphan blobs under fresh keys.
type Receipt struct {
	ReceiptID        string   `gorm:"column:receipt_id;primaryKey;size:190;not null"`
	DocumentID       string   `gorm:"column:document_id;size:190;not null;uniqueIndex:idx_receipts_doc_digest_sink,priority:1"`
	ArtifactDigest   string   `gorm:"column:artifact_digest;size:64;not null;uniqueIndex:idx_receipts_doc_digest_sink,priority:2"`
	SinkKind         SinkKind `gorm:"column:sink_kind;size:32;not null;uniqueIndex:idx_receipts_doc_digest_sink,priority:3"`
	ArtifactRef      string   `gorm:"column:artifact_ref;size:190;not null"`
	StorageKey       string   `gorm:"column:storage_key;size:512;not null"`
	URL              string   `gorm:"column:url;size:1024"`
	CreatedAtSeconds int64    `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64    `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Receipt) TableName() string {
	return "storage_receipts"
}

// Completed reports whether the upload behind this receipt finished.
func (r Receipt) Completed() bool {
	return r.URL != ""
}
