package documents

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	// ErrDocumentNotFound indicates no document row exists for the identifier.
	ErrDocumentNotFound = errors.New("documents: document not found")
	// ErrBlobNotFound indicates no blob row exists for the identifier.
	ErrBlobNotFound = errors.New("documents: blob not found")
)

// IDProvider mints opaque identifiers for documents and blobs.
type IDProvider interface {
	NewID() (string, error)
}

// ServiceConfig describes the dependencies of the document store.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
}

// Service persists documents and their immutable blobs.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
}

// NewService constructs the document store.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.IDProvider == nil {
		return nil, errMissingIDProvider
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{db: cfg.Database, clock: clock, idProvider: cfg.IDProvider}, nil
}

// Create stores the original upload and returns the new document. The blob is
// written exactly once; nothing in the saga ever updates it afterwards.
func (s *Service) Create(ctx context.Context, ownerID OwnerID, fileName string, category MimeCategory, contentType string, payload []byte) (Document, error) {
	if len(payload) == 0 {
		return Document{}, ErrEmptyDocument
	}

	documentID, err := s.idProvider.NewID()
	if err != nil {
		return Document{}, err
	}
	blobID, err := s.idProvider.NewID()
	if err != nil {
		return Document{}, err
	}

	now := s.clock().UTC().Unix()
	blob := Blob{
		BlobID:           blobID,
		ContentType:      contentType,
		SHA256Hex:        DigestHex(payload),
		Bytes:            payload,
		CreatedAtSeconds: now,
	}
	document := Document{
		DocumentID:       documentID,
		OwnerID:          ownerID.String(),
		FileName:         fileName,
		MimeCategory:     string(category),
		OriginalBlobID:   blobID,
		CreatedAtSeconds: now,
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&blob).Error; err != nil {
			return err
		}
		return tx.Create(&document).Error
	})
	if txErr != nil {
		return Document{}, txErr
	}

	return document, nil
}

// Get loads the document owned by ownerID.
func (s *Service) Get(ctx context.Context, ownerID OwnerID, documentID DocumentID) (Document, error) {
	var document Document
	err := s.db.WithContext(ctx).
		Where("document_id = ? AND owner_id = ?", documentID.String(), ownerID.String()).
		Take(&document).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Document{}, ErrDocumentNotFound
	}
	if err != nil {
		return Document{}, err
	}
	return document, nil
}

// GetBlob loads raw bytes by blob identifier.
func (s *Service) GetBlob(ctx context.Context, blobID string) (Blob, error) {
	var blob Blob
	err := s.db.WithContext(ctx).Where("blob_id = ?", blobID).Take(&blob).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Blob{}, ErrBlobNotFound
	}
	if err != nil {
		return Blob{}, err
	}
	return blob, nil
}

// PutBlob stores artifact bytes (e.g. a rendered redaction) and returns the blob id.
func (s *Service) PutBlob(ctx context.Context, contentType string, payload []byte) (string, error) {
	if len(payload) == 0 {
		return "", fmt.Errorf("documents: refusing to store empty blob")
	}
	blobID, err := s.idProvider.NewID()
	if err != nil {
		return "", err
	}
	blob := Blob{
		BlobID:           blobID,
		ContentType:      contentType,
		SHA256Hex:        DigestHex(payload),
		Bytes:            payload,
		CreatedAtSeconds: s.clock().UTC().Unix(),
	}
	if err := s.db.WithContext(ctx).Create(&blob).Error; err != nil {
		return "", err
	}
	return blobID, nil
}

// DigestHex returns the lowercase hex sha-256 digest of the payload.
func DigestHex(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
