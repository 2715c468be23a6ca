package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/veilx-labs/veilx/backend/internal/storage"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrInvalidRegistrarConfig indicates required configuration is missing.
	ErrInvalidRegistrarConfig = errors.New("registry: invalid registrar config")
)

// OwnerDirectory answers whether an owner account exists.
type OwnerDirectory interface {
	Exists(ctx context.Context, ownerID string) (bool, error)
}

// IDProvider mints record identifiers.
type IDProvider interface {
	NewID() (string, error)
}

// RegistrarConfig bundles the dependencies of the metadata registrar.
type RegistrarConfig struct {
	Database       *gorm.DB
	Owners         OwnerDirectory
	IDProvider     IDProvider
	Clock          func() time.Time
	GatewayBaseURL string
	Logger         *zap.Logger
}

// Registrar appends {url, type, category} records to an owner's document list.
// The unique (owner, artifact) index makes a retried append a no-op.
type Registrar struct {
	db         *gorm.DB
	owners     OwnerDirectory
	idProvider IDProvider
	clock      func() time.Time
	gateway    string
	logger     *zap.Logger
}

// NewRegistrar constructs a Registrar with validated configuration.
func NewRegistrar(cfg RegistrarConfig) (*Registrar, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("%w: database required", ErrInvalidRegistrarConfig)
	}
	if cfg.Owners == nil {
		return nil, fmt.Errorf("%w: owner directory required", ErrInvalidRegistrarConfig)
	}
	if cfg.IDProvider == nil {
		return nil, fmt.Errorf("%w: id provider required", ErrInvalidRegistrarConfig)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registrar{
		db:         cfg.Database,
		owners:     cfg.Owners,
		idProvider: cfg.IDProvider,
		clock:      clock,
		gateway:    strings.TrimSpace(cfg.GatewayBaseURL),
		logger:     logger,
	}, nil
}

// Register appends one record for the receipt to the owner's list. Appending
// the same (owner, artifact) pair again returns the existing record.
func (r *Registrar) Register(ctx context.Context, ownerID string, receipt storage.Receipt, category string) (FileRecord, error) {
	exists, err := r.owners.Exists(ctx, ownerID)
	if err != nil {
		return FileRecord{}, err
	}
	if !exists {
		return FileRecord{}, fmt.Errorf("%w: %s", ErrOwnerNotFound, ownerID)
	}

	var existing FileRecord
	err = r.db.WithContext(ctx).
		Where("owner_id = ? AND artifact_ref = ?", ownerID, receipt.ArtifactRef).
		Take(&existing).Error
	if err == nil {
		r.logger.Debug("registry record already present",
			zap.String("owner_id", ownerID),
			zap.String("artifact_ref", receipt.ArtifactRef))
		return existing, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return FileRecord{}, err
	}

	recordID, err := r.idProvider.NewID()
	if err != nil {
		return FileRecord{}, err
	}
	record := FileRecord{
		RecordID:         recordID,
		OwnerID:          ownerID,
		ArtifactRef:      receipt.ArtifactRef,
		URL:              receipt.URL,
		SinkKind:         string(receipt.SinkKind),
		Category:         category,
		CreatedAtSeconds: r.clock().UTC().Unix(),
	}
	createErr := r.db.WithContext(ctx).Create(&record).Error
	if createErr != nil {
		// A concurrent retry may have won the unique index race; treat the
		// existing row as success.
		var raced FileRecord
		lookupErr := r.db.WithContext(ctx).
			Where("owner_id = ? AND artifact_ref = ?", ownerID, receipt.ArtifactRef).
			Take(&raced).Error
		if lookupErr == nil {
			return raced, nil
		}
		return FileRecord{}, createErr
	}

	r.logger.Info("document registered",
		zap.String("owner_id", ownerID),
		zap.String("url", record.URL),
		zap.String("category", category))
	return record, nil
}

// List returns the owner's records with ipfs:// addresses rewritten through
// the configured gateway and a document type derived from the sink.
func (r *Registrar) List(ctx context.Context, ownerID string) ([]ListedFile, error) {
	exists, err := r.owners.Exists(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrOwnerNotFound, ownerID)
	}

	var records []FileRecord
	if err := r.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("created_at_s DESC").
		Find(&records).Error; err != nil {
		return nil, err
	}

	listed := make([]ListedFile, 0, len(records))
	for _, record := range records {
		listed = append(listed, ListedFile{
			RecordID:     record.RecordID,
			URL:          r.rewriteURL(record.URL),
			DocumentType: documentTypeForSink(record.SinkKind),
			Category:     record.Category,
			CreatedAt:    record.CreatedAtSeconds,
		})
	}
	return listed, nil
}

func (r *Registrar) rewriteURL(url string) string {
	const ipfsScheme = "ipfs://"
	if r.gateway != "" && strings.HasPrefix(url, ipfsScheme) {
		return strings.TrimRight(r.gateway, "/") + "/" + strings.TrimPrefix(url, ipfsScheme)
	}
	return url
}

func documentTypeForSink(sinkKind string) string {
	switch storage.SinkKind(sinkKind) {
	case storage.SinkObjectStore:
		return "Redacted Document"
	case storage.SinkContentAddressed:
		return "Original Document"
	default:
		return "Unknown Document Type"
	}
}
