package documents

import (
	"errors"
	"fmt"
	"strings"
)

// MimeCategory buckets uploads by how the redaction engine treats them.
type MimeCategory string

const (
	// MimeCategoryPDF marks text-bearing PDF documents.
	MimeCategoryPDF MimeCategory = "pdf"
	// MimeCategoryImage marks raster image uploads.
	MimeCategoryImage MimeCategory = "image"
	// MimeCategoryOther marks everything else the engine may still accept.
	MimeCategoryOther MimeCategory = "other"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidDocumentID indicates that a document identifier is empty or exceeds storage bounds.
	ErrInvalidDocumentID = errors.New("documents: invalid document id")
	// ErrInvalidOwnerID indicates that an owner identifier is empty or exceeds storage bounds.
	ErrInvalidOwnerID = errors.New("documents: invalid owner id")
	// ErrInvalidMimeCategory indicates an unrecognized mime category value.
	ErrInvalidMimeCategory = errors.New("documents: invalid mime category")
	// ErrEmptyDocument indicates an upload with no bytes.
	ErrEmptyDocument = errors.New("documents: empty document")
)

// DocumentID represents a validated document identifier.
type DocumentID string

// NewDocumentID validates raw input and returns a DocumentID.
func NewDocumentID(rawInput string) (DocumentID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidDocumentID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidDocumentID, maxIdentifierLength)
	}
	return DocumentID(trimmed), nil
}

// String returns the underlying string identifier.
func (id DocumentID) String() string {
	return string(id)
}

// OwnerID represents a validated owner identifier.
type OwnerID string

// NewOwnerID validates raw input and returns an OwnerID.
func NewOwnerID(rawInput string) (OwnerID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidOwnerID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidOwnerID, maxIdentifierLength)
	}
	return OwnerID(trimmed), nil
}

// String returns the underlying string identifier.
func (id OwnerID) String() string {
	return string(id)
}

// ParseMimeCategory maps raw user input to a MimeCategory.
func ParseMimeCategory(value string) (MimeCategory, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case string(MimeCategoryPDF):
		return MimeCategoryPDF, nil
	case string(MimeCategoryImage), "img":
		return MimeCategoryImage, nil
	case string(MimeCategoryOther), "doc", "txt", "":
		return MimeCategoryOther, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidMimeCategory, value)
	}
}

// Document models one user-submitted file undergoing the saga. The original
// blob reference is written once at creation and never mutated.
type Document struct {
	DocumentID       string `gorm:"column:document_id;primaryKey;size:190;not null"`
	OwnerID          string `gorm:"column:owner_id;size:190;not null;index:idx_documents_owner"`
	FileName         string `gorm:"column:file_name;size:512;not null"`
	MimeCategory     string `gorm:"column:mime_category;size:16;not null"`
	OriginalBlobID   string `gorm:"column:original_blob_id;size:190;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Document) TableName() string {
	return "documents"
}

// Blob holds raw document or artifact bytes in the system of record.
type Blob struct {
	BlobID           string `gorm:"column:blob_id;primaryKey;size:190;not null"`
	ContentType      string `gorm:"column:content_type;size:128;not null"`
	SHA256Hex        string `gorm:"column:sha256_hex;size:64;not null;index"`
	Bytes            []byte `gorm:"column:bytes;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Blob) TableName() string {
	return "document_blobs"
}
