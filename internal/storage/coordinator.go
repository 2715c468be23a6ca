package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrInvalidCoordinatorConfig indicates required configuration is missing.
	ErrInvalidCoordinatorConfig = errors.New("storage: invalid coordinator config")
	// ErrSinkNotConfigured indicates no sink is registered for the requested kind.
	ErrSinkNotConfigured = errors.New("storage: sink not configured")
)

// Sink is one place artifacts can be persisted.
type Sink interface {
	Kind() SinkKind
	Put(ctx context.Context, key string, payload []byte, contentType string) (string, error)
}

// IDProvider mints receipt ids and object-store keys.
type IDProvider interface {
	NewID() (string, error)
}

// Artifact is the coordinator's view of bytes to persist.
type Artifact struct {
	Ref         string
	Digest      string
	ContentType string
	Bytes       []byte
}

// CoordinatorConfig bundles the dependencies of the storage coordinator.
type CoordinatorConfig struct {
	Database   *gorm.DB
	Sinks      []Sink
	IDProvider IDProvider
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Coordinator persists artifacts to a sink and records receipts so repeated
// stores of the same artifact are idempotent.
type Coordinator struct {
	db         *gorm.DB
	sinks      map[SinkKind]Sink
	idProvider IDProvider
	clock      func() time.Time
	logger     *zap.Logger
}

// NewCoordinator constructs a Coordinator with validated configuration.
func NewCoordinator(cfg CoordinatorConfig) (*Coordinator, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("%w: database required", ErrInvalidCoordinatorConfig)
	}
	if cfg.IDProvider == nil {
		return nil, fmt.Errorf("%w: id provider required", ErrInvalidCoordinatorConfig)
	}
	if len(cfg.Sinks) == 0 {
		return nil, fmt.Errorf("%w: at least one sink required", ErrInvalidCoordinatorConfig)
	}
	sinks := make(map[SinkKind]Sink, len(cfg.Sinks))
	for _, sink := range cfg.Sinks {
		sinks[sink.Kind()] = sink
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		db:         cfg.Database,
		sinks:      sinks,
		idProvider: cfg.IDProvider,
		clock:      clock,
		logger:     logger,
	}, nil
}

// Store persists the artifact to the requested sink. A completed receipt for
// the same (document, digest, sink) triple is returned as-is; a pending one
// resumes the upload under the previously minted key.
func (c *Coordinator) Store(ctx context.Context, documentID string, artifact Artifact, kind SinkKind) (Receipt, error) {
	if len(artifact.Bytes) == 0 {
		return Receipt{}, ErrEmptyArtifact
	}
	sink, ok := c.sinks[kind]
	if !ok {
		return Receipt{}, fmt.Errorf("%w: %s", ErrSinkNotConfigured, kind)
	}

	receipt, err := c.findOrCreateReceipt(ctx, documentID, artifact, kind)
	if err != nil {
		return Receipt{}, err
	}
	if receipt.Completed() {
		c.logger.Debug("reusing completed storage receipt",
			zap.String("document_id", documentID),
			zap.String("url", receipt.URL))
		return receipt, nil
	}

	url, err := sink.Put(ctx, receipt.StorageKey, artifact.Bytes, artifact.ContentType)
	if err != nil {
		return Receipt{}, err
	}

	now := c.clock().UTC().Unix()
	updateErr := c.db.WithContext(ctx).Model(&Receipt{}).
		Where("receipt_id = ?", receipt.ReceiptID).
		Updates(map[string]interface{}{
			"url":          url,
			"updated_at_s": now,
		}).Error
	if updateErr != nil {
		return Receipt{}, updateErr
	}
	receipt.URL = url
	receipt.UpdatedAtSeconds = now

	c.logger.Info("artifact stored",
		zap.String("document_id", documentID),
		zap.String("sink", string(kind)),
		zap.String("url", url))
	return receipt, nil
}

func (c *Coordinator) findOrCreateReceipt(ctx context.Context, documentID string, artifact Artifact, kind SinkKind) (Receipt, error) {
	var existing Receipt
	err := c.db.WithContext(ctx).
		Where("document_id = ? AND artifact_digest = ? AND sink_kind = ?", documentID, artifact.Digest, kind).
		Take(&existing).Error
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return Receipt{}, err
	}

	receiptID, err := c.idProvider.NewID()
	if err != nil {
		return Receipt{}, err
	}
	// The object-store key is minted once here; retries after a failed Put
	// find this pending row and reuse it.
	storageKey, err := c.idProvider.NewID()
	if err != nil {
		return Receipt{}, err
	}

	now := c.clock().UTC().Unix()
	created := Receipt{
		ReceiptID:        receiptID,
		DocumentID:       documentID,
		ArtifactDigest:   artifact.Digest,
		SinkKind:         kind,
		ArtifactRef:      artifact.Ref,
		StorageKey:       fmt.Sprintf("artifacts/%s/%s", documentID, storageKey),
		CreatedAtSeconds: now,
		UpdatedAtSeconds: now,
	}
	if err := c.db.WithContext(ctx).Create(&created).Error; err != nil {
		return Receipt{}, err
	}
	return created, nil
}
