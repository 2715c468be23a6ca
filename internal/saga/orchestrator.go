package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/veilx-labs/veilx/backend/internal/detection"
	"github.com/veilx-labs/veilx/backend/internal/documents"
	"github.com/veilx-labs/veilx/backend/internal/redaction"
	"github.com/veilx-labs/veilx/backend/internal/registry"
	"github.com/veilx-labs/veilx/backend/internal/reward"
	"github.com/veilx-labs/veilx/backend/internal/storage"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opStart           = "saga.start"
	opSubmitSelection = "saga.submit_selection"
	opSubmitConsent   = "saga.submit_consent"
	opStatus          = "saga.status"
	opArtifact        = "saga.artifact"
)

var (
	errMissingDatabase  = errors.New("database handle is required")
	errMissingDocuments = errors.New("document store is required")
	errMissingDetector  = errors.New("detector is required")
	errMissingRenderer  = errors.New("renderer is required")
	errMissingRewarder  = errors.New("rewarder is required")
	errMissingStorer    = errors.New("storage coordinator is required")
	errMissingRegistrar = errors.New("registrar is required")

	// ErrSagaNotFound indicates no saga exists for the document and owner.
	ErrSagaNotFound = errors.New("saga: not found")
	// ErrNoArtifact indicates the saga has not produced a redacted artifact yet.
	ErrNoArtifact = errors.New("saga: no artifact available")
	// ErrMissingWallet indicates consent was granted without a payable wallet.
	ErrMissingWallet = errors.New("saga: wallet address required for consent")

	noOpLogger = zap.NewNop()
)

// Detector submits a document to the sensitive-data engine.
type Detector interface {
	Detect(ctx context.Context, input detection.Input) (detection.Result, error)
}

// Renderer produces a redacted artifact for a finalized selection.
type Renderer interface {
	Render(ctx context.Context, original []byte, contentType string, spans []detection.Span, selection redaction.SelectionState) (redaction.Artifact, error)
}

// Rewarder broadcasts and confirms value transfers.
type Rewarder interface {
	Distribute(ctx context.Context, treasury reward.Treasury, toAddress, amount, idempotencyKey, documentID string) (reward.Transaction, error)
	Confirm(ctx context.Context, txHash string) (reward.Status, error)
}

// Storer persists artifacts to a sink.
type Storer interface {
	Store(ctx context.Context, documentID string, artifact storage.Artifact, kind storage.SinkKind) (storage.Receipt, error)
}

// Registrar appends to the owner's document list.
type Registrar interface {
	Register(ctx context.Context, ownerID string, receipt storage.Receipt, category string) (registry.FileRecord, error)
}

// ServiceConfig bundles the orchestrator's dependencies.
type ServiceConfig struct {
	Database     *gorm.DB
	Documents    *documents.Service
	Detector     Detector
	Renderer     Renderer
	Rewarder     Rewarder
	Storer       Storer
	Registrar    Registrar
	Treasury     reward.Treasury
	RewardAmount func() string
	StorageSink  storage.SinkKind
	Retry        RetryPolicy
	Clock        func() time.Time
	Logger       *zap.Logger
}

// Service drives each document through the saga in fixed order, persisting a
// checkpoint after every step so a crash between phases never loses a
// completed step's result.
type Service struct {
	db           *gorm.DB
	documents    *documents.Service
	detector     Detector
	renderer     Renderer
	rewarder     Rewarder
	storer       Storer
	registrar    Registrar
	treasury     reward.Treasury
	rewardAmount func() string
	storageSink  storage.SinkKind
	retryPolicy  RetryPolicy
	clock        func() time.Time
	logger       *zap.Logger
	locks        *keyedMutex
}

// NewService constructs the orchestrator with validated configuration.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newSagaError(opStart, "missing_database", errMissingDatabase)
	}
	if cfg.Documents == nil {
		return nil, newSagaError(opStart, "missing_documents", errMissingDocuments)
	}
	if cfg.Detector == nil {
		return nil, newSagaError(opStart, "missing_detector", errMissingDetector)
	}
	if cfg.Renderer == nil {
		return nil, newSagaError(opStart, "missing_renderer", errMissingRenderer)
	}
	if cfg.Rewarder == nil {
		return nil, newSagaError(opStart, "missing_rewarder", errMissingRewarder)
	}
	if cfg.Storer == nil {
		return nil, newSagaError(opStart, "missing_storer", errMissingStorer)
	}
	if cfg.Registrar == nil {
		return nil, newSagaError(opStart, "missing_registrar", errMissingRegistrar)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	rewardAmount := cfg.RewardAmount
	if rewardAmount == nil {
		rewardAmount = func() string {
			return fmt.Sprintf("%.2f", 0.01+rand.Float64()*0.09)
		}
	}
	storageSink := cfg.StorageSink
	if storageSink == "" {
		storageSink = storage.SinkObjectStore
	}

	return &Service{
		db:           cfg.Database,
		documents:    cfg.Documents,
		detector:     cfg.Detector,
		renderer:     cfg.Renderer,
		rewarder:     cfg.Rewarder,
		storer:       cfg.Storer,
		registrar:    cfg.Registrar,
		treasury:     cfg.Treasury,
		rewardAmount: rewardAmount,
		storageSink:  storageSink,
		retryPolicy:  cfg.Retry,
		clock:        clock,
		logger:       logger,
		locks:        newKeyedMutex(),
	}, nil
}

// UploadInput describes one document entering the saga.
type UploadInput struct {
	FileName     string
	MimeCategory documents.MimeCategory
	ContentType  string
	Payload      []byte
	Level        int
	CustomPrompt string
	RedactImages bool
}

// StartSaga creates the document, checkpoints the saga, and runs detection
// through to selection_pending. The returned id addresses every later call.
func (s *Service) StartSaga(ctx context.Context, ownerID documents.OwnerID, input UploadInput) (documents.DocumentID, error) {
	document, err := s.documents.Create(ctx, ownerID, input.FileName, input.MimeCategory, input.ContentType, input.Payload)
	if err != nil {
		return "", newSagaError(opStart, "document_create_failed", err)
	}

	now := s.clock().UTC().Unix()
	state := SagaState{
		DocumentID:         document.DocumentID,
		OwnerID:            ownerID.String(),
		Phase:              PhaseUploaded,
		DetectLevel:        input.Level,
		DetectPrompt:       input.CustomPrompt,
		DetectRedactImages: input.RedactImages,
		CreatedAtSeconds:   now,
		UpdatedAtSeconds:   now,
	}
	if err := s.db.WithContext(ctx).Create(&state).Error; err != nil {
		return "", newSagaError(opStart, "state_create_failed", err)
	}

	unlock := s.locks.lock(document.DocumentID)
	defer unlock()

	if err := s.runDetection(ctx, &state, document); err != nil {
		return documents.DocumentID(document.DocumentID), err
	}
	return documents.DocumentID(document.DocumentID), nil
}

// SubmitSelection accepts the user's chosen spans while the saga is parked at
// selection_pending, renders, and checkpoints the artifact. Re-submitting
// while parked at rendered mints a replacement artifact.
func (s *Service) SubmitSelection(ctx context.Context, ownerID documents.OwnerID, documentID documents.DocumentID, selection redaction.SelectionState) (Status, error) {
	unlock := s.locks.lock(documentID.String())
	defer unlock()

	state, err := s.loadState(ctx, ownerID, documentID)
	if err != nil {
		return Status{}, err
	}
	if state.Phase != PhaseSelectionPending && state.Phase != PhaseRendered {
		return Status{}, newSagaError(opSubmitSelection, "invalid_phase",
			fmt.Errorf("%w: selection not accepted in %s", ErrInvalidPhaseTransition, state.Phase))
	}

	spans, err := decodeSpans(state.SpansJSON)
	if err != nil {
		return Status{}, newSagaError(opSubmitSelection, "spans_decode_failed", err)
	}
	if err := selection.ValidateAgainstSpans(spans); err != nil {
		return Status{}, newSagaError(opSubmitSelection, "invalid_selection", err)
	}

	selectionJSON, err := json.Marshal(selection)
	if err != nil {
		return Status{}, newSagaError(opSubmitSelection, "selection_encode_failed", err)
	}

	reselect := state.Phase == PhaseRendered
	if !reselect {
		if err := s.persist(ctx, &state, PhaseRendering, map[string]interface{}{
			"selection_json": string(selectionJSON),
		}); err != nil {
			return Status{}, newSagaError(opSubmitSelection, "checkpoint_failed", err)
		}
	} else {
		// A re-selection replaces the artifact without moving the phase
		// backward; the saga stays parked at rendered throughout.
		if err := s.persist(ctx, &state, PhaseRendered, map[string]interface{}{
			"selection_json": string(selectionJSON),
		}); err != nil {
			return Status{}, newSagaError(opSubmitSelection, "checkpoint_failed", err)
		}
	}

	document, err := s.documents.Get(ctx, ownerID, documentID)
	if err != nil {
		return Status{}, newSagaError(opSubmitSelection, "document_load_failed", err)
	}
	original, err := s.documents.GetBlob(ctx, document.OriginalBlobID)
	if err != nil {
		return Status{}, newSagaError(opSubmitSelection, "original_load_failed", err)
	}

	var artifact redaction.Artifact
	attempts, renderErr := runWithRetry(ctx, s.retryPolicy, func(ctx context.Context) error {
		var callErr error
		artifact, callErr = s.renderer.Render(ctx, original.Bytes, original.ContentType, spans, selection)
		return callErr
	})
	if renderErr != nil {
		if reselect {
			// The previous artifact remains checkpointed and valid.
			return Status{}, newSagaError(opSubmitSelection, "render_failed", renderErr)
		}
		s.fail(ctx, &state, attempts, "redaction rendering failed", renderErr)
		return s.status(state), newSagaError(opSubmitSelection, "render_failed", renderErr)
	}

	artifactBlobID, err := s.documents.PutBlob(ctx, artifact.ContentType, artifact.Bytes)
	if err != nil {
		return Status{}, newSagaError(opSubmitSelection, "artifact_store_failed", err)
	}

	if err := s.persist(ctx, &state, PhaseRendered, map[string]interface{}{
		"artifact_blob_id":      artifactBlobID,
		"artifact_content_type": artifact.ContentType,
		"artifact_digest":       documents.DigestHex(artifact.Bytes),
		"retry_count":           state.RetryCount + attempts - 1,
	}); err != nil {
		return Status{}, newSagaError(opSubmitSelection, "checkpoint_failed", err)
	}
	state.ArtifactBlobID = artifactBlobID
	state.ArtifactContentType = artifact.ContentType
	state.ArtifactDigest = documents.DigestHex(artifact.Bytes)

	s.logger.Info("selection rendered",
		zap.String("document_id", documentID.String()),
		zap.Int("chosen_spans", len(selection.ChosenSpanIDs)))
	return s.status(state), nil
}

// SubmitConsent records the consent decision. A grant drives the saga through
// reward distribution, storage, and registration; a decline parks it at
// rendered with the artifact still downloadable. Re-invoking after a crash
// resumes from the recorded phase without re-running completed work.
func (s *Service) SubmitConsent(ctx context.Context, ownerID documents.OwnerID, documentID documents.DocumentID, granted bool, walletAddress string) (Status, error) {
	unlock := s.locks.lock(documentID.String())
	defer unlock()

	state, err := s.loadState(ctx, ownerID, documentID)
	if err != nil {
		return Status{}, err
	}

	if !granted {
		if state.Phase != PhaseRendered {
			return Status{}, newSagaError(opSubmitConsent, "invalid_phase",
				fmt.Errorf("%w: consent decision not accepted in %s", ErrInvalidPhaseTransition, state.Phase))
		}
		if err := s.persist(ctx, &state, PhaseRendered, map[string]interface{}{
			"consent_declined_at_s": s.clock().UTC().Unix(),
		}); err != nil {
			return Status{}, newSagaError(opSubmitConsent, "checkpoint_failed", err)
		}
		s.logger.Info("consent declined; saga parked",
			zap.String("document_id", documentID.String()))
		return s.status(state), nil
	}

	switch state.Phase {
	case PhaseRendered:
		if walletAddress == "" {
			return Status{}, newSagaError(opSubmitConsent, "missing_wallet", ErrMissingWallet)
		}
		grantedAt := s.clock().UTC().Unix()
		if err := s.persist(ctx, &state, PhaseConsentPending, map[string]interface{}{
			"consent_granted_at_s": grantedAt,
			"wallet_address":       walletAddress,
		}); err != nil {
			return Status{}, newSagaError(opSubmitConsent, "checkpoint_failed", err)
		}
		state.ConsentGrantedAtSeconds = grantedAt
		state.WalletAddress = walletAddress
	case PhaseConsentPending, PhaseRewardPending, PhaseRewardConfirmed, PhaseStoring, PhaseStored:
		// Crash recovery; continue from the recorded checkpoint.
	default:
		return Status{}, newSagaError(opSubmitConsent, "invalid_phase",
			fmt.Errorf("%w: consent not accepted in %s", ErrInvalidPhaseTransition, state.Phase))
	}

	if err := s.runMonetization(ctx, &state); err != nil {
		return s.status(state), err
	}
	return s.status(state), nil
}

// GetStatus reports the saga's phase and last human-readable error.
func (s *Service) GetStatus(ctx context.Context, ownerID documents.OwnerID, documentID documents.DocumentID) (Status, error) {
	state, err := s.loadState(ctx, ownerID, documentID)
	if err != nil {
		return Status{}, err
	}
	return s.status(state), nil
}

// GetDetection returns the detected spans and the annotated preview blob id
// so the caller can drive span selection.
func (s *Service) GetDetection(ctx context.Context, ownerID documents.OwnerID, documentID documents.DocumentID) ([]detection.Span, string, error) {
	state, err := s.loadState(ctx, ownerID, documentID)
	if err != nil {
		return nil, "", err
	}
	spans, err := decodeSpans(state.SpansJSON)
	if err != nil {
		return nil, "", newSagaError(opStatus, "spans_decode_failed", err)
	}
	return spans, state.PreviewBlobID, nil
}

// GetArtifact returns the redacted artifact bytes for direct download. The
// artifact stays retrievable while the saga is parked at rendered and after a
// failed monetization leg.
func (s *Service) GetArtifact(ctx context.Context, ownerID documents.OwnerID, documentID documents.DocumentID) ([]byte, string, error) {
	state, err := s.loadState(ctx, ownerID, documentID)
	if err != nil {
		return nil, "", err
	}
	if state.ArtifactBlobID == "" {
		return nil, "", newSagaError(opArtifact, "no_artifact", ErrNoArtifact)
	}
	blob, err := s.documents.GetBlob(ctx, state.ArtifactBlobID)
	if err != nil {
		return nil, "", newSagaError(opArtifact, "blob_load_failed", err)
	}
	return blob.Bytes, blob.ContentType, nil
}

func (s *Service) runDetection(ctx context.Context, state *SagaState, document documents.Document) error {
	if err := s.persist(ctx, state, PhaseDetecting, nil); err != nil {
		return newSagaError(opStart, "checkpoint_failed", err)
	}

	original, err := s.documents.GetBlob(ctx, document.OriginalBlobID)
	if err != nil {
		return newSagaError(opStart, "original_load_failed", err)
	}

	input := detection.Input{
		FileName:     document.FileName,
		MimeCategory: document.MimeCategory,
		ContentType:  original.ContentType,
		Payload:      original.Bytes,
		Level:        state.DetectLevel,
		CustomPrompt: state.DetectPrompt,
		RedactImages: state.DetectRedactImages,
	}

	var result detection.Result
	attempts, detectErr := runWithRetry(ctx, s.retryPolicy, func(ctx context.Context) error {
		var callErr error
		result, callErr = s.detector.Detect(ctx, input)
		return callErr
	})
	if detectErr != nil {
		message := "sensitive-data detection failed"
		if errors.Is(detectErr, detection.ErrUnsupportedFormat) {
			message = "document format is not supported by the detector"
		}
		s.fail(ctx, state, attempts, message, detectErr)
		return newSagaError(opStart, "detection_failed", detectErr)
	}

	spansJSON, err := json.Marshal(result.Spans)
	if err != nil {
		return newSagaError(opStart, "spans_encode_failed", err)
	}

	previewBlobID := ""
	if len(result.Preview) > 0 {
		previewBlobID, err = s.documents.PutBlob(ctx, result.PreviewContentType, result.Preview)
		if err != nil {
			return newSagaError(opStart, "preview_store_failed", err)
		}
	}

	if err := s.persist(ctx, state, PhaseDetected, map[string]interface{}{
		"spans_json":      string(spansJSON),
		"preview_blob_id": previewBlobID,
		"retry_count":     state.RetryCount + attempts - 1,
	}); err != nil {
		return newSagaError(opStart, "checkpoint_failed", err)
	}
	state.SpansJSON = string(spansJSON)
	state.PreviewBlobID = previewBlobID

	if err := s.persist(ctx, state, PhaseSelectionPending, nil); err != nil {
		return newSagaError(opStart, "checkpoint_failed", err)
	}

	s.logger.Info("detection completed",
		zap.String("document_id", state.DocumentID),
		zap.Int("span_count", len(result.Spans)))
	return nil
}

func (s *Service) runMonetization(ctx context.Context, state *SagaState) error {
	if state.Phase == PhaseConsentPending {
		if err := s.persist(ctx, state, PhaseRewardPending, nil); err != nil {
			return newSagaError(opSubmitConsent, "checkpoint_failed", err)
		}
	}

	if state.Phase == PhaseRewardPending {
		if err := s.runRewardLeg(ctx, state); err != nil {
			return err
		}
	}

	if state.Phase == PhaseRewardConfirmed {
		if err := s.persist(ctx, state, PhaseStoring, nil); err != nil {
			return newSagaError(opSubmitConsent, "checkpoint_failed", err)
		}
	}

	if state.Phase == PhaseStoring {
		if err := s.runStorageLeg(ctx, state); err != nil {
			return err
		}
	}

	if state.Phase == PhaseStored {
		if err := s.runRegistrationLeg(ctx, state); err != nil {
			return err
		}
	}

	return nil
}

func (s *Service) runRewardLeg(ctx context.Context, state *SagaState) error {
	amount := state.RewardAmount
	if amount == "" {
		amount = s.rewardAmount()
	}
	idempotencyKey := fmt.Sprintf("%s:consent:%d", state.DocumentID, state.ConsentGrantedAtSeconds)

	// Broadcasting twice can double-pay, so the distributor checks for an
	// existing transaction under this key before submitting a new one; only
	// transport failures are retried around that check.
	var transaction reward.Transaction
	attempts, distributeErr := runWithRetry(ctx, s.retryPolicy, func(ctx context.Context) error {
		var callErr error
		transaction, callErr = s.rewarder.Distribute(ctx, s.treasury, state.WalletAddress, amount, idempotencyKey, state.DocumentID)
		return callErr
	})
	if distributeErr != nil {
		s.fail(ctx, state, attempts, "reward payout could not be broadcast", distributeErr)
		return newSagaError(opSubmitConsent, "reward_broadcast_failed", distributeErr)
	}

	if err := s.persist(ctx, state, PhaseRewardPending, map[string]interface{}{
		"reward_tx_hash": transaction.TxHash,
		"reward_amount":  transaction.Amount,
		"retry_count":    state.RetryCount + attempts - 1,
	}); err != nil {
		return newSagaError(opSubmitConsent, "checkpoint_failed", err)
	}
	state.RewardTxHash = transaction.TxHash
	state.RewardAmount = transaction.Amount

	status, confirmErr := s.rewarder.Confirm(ctx, transaction.TxHash)
	if confirmErr != nil || status != reward.StatusConfirmed {
		// The broadcast side effect is recorded above; the saga stops before
		// storing rather than rolling anything back.
		s.fail(ctx, state, 1, "reward transaction did not confirm", confirmErr)
		return newSagaError(opSubmitConsent, "reward_confirm_failed", confirmErr)
	}

	if err := s.persist(ctx, state, PhaseRewardConfirmed, nil); err != nil {
		return newSagaError(opSubmitConsent, "checkpoint_failed", err)
	}

	s.logger.Info("reward confirmed",
		zap.String("document_id", state.DocumentID),
		zap.String("tx_hash", transaction.TxHash),
		zap.String("amount", transaction.Amount))
	return nil
}

func (s *Service) runStorageLeg(ctx context.Context, state *SagaState) error {
	blob, err := s.documents.GetBlob(ctx, state.ArtifactBlobID)
	if err != nil {
		return newSagaError(opSubmitConsent, "artifact_load_failed", err)
	}

	artifact := storage.Artifact{
		Ref:         state.ArtifactBlobID,
		Digest:      state.ArtifactDigest,
		ContentType: state.ArtifactContentType,
		Bytes:       blob.Bytes,
	}

	var receipt storage.Receipt
	attempts, storeErr := runWithRetry(ctx, s.retryPolicy, func(ctx context.Context) error {
		var callErr error
		receipt, callErr = s.storer.Store(ctx, state.DocumentID, artifact, s.storageSink)
		return callErr
	})
	if storeErr != nil {
		s.fail(ctx, state, attempts, "artifact could not be persisted", storeErr)
		return newSagaError(opSubmitConsent, "store_failed", storeErr)
	}

	if err := s.persist(ctx, state, PhaseStored, map[string]interface{}{
		"storage_receipt_id": receipt.ReceiptID,
		"storage_url":        receipt.URL,
		"retry_count":        state.RetryCount + attempts - 1,
	}); err != nil {
		return newSagaError(opSubmitConsent, "checkpoint_failed", err)
	}
	state.StorageReceiptID = receipt.ReceiptID
	state.StorageURL = receipt.URL
	return nil
}

func (s *Service) runRegistrationLeg(ctx context.Context, state *SagaState) error {
	receipt := storage.Receipt{
		ReceiptID:   state.StorageReceiptID,
		DocumentID:  state.DocumentID,
		ArtifactRef: state.ArtifactBlobID,
		SinkKind:    s.storageSink,
		URL:         state.StorageURL,
	}

	document, err := s.documents.Get(ctx, documents.OwnerID(state.OwnerID), documents.DocumentID(state.DocumentID))
	if err != nil {
		return newSagaError(opSubmitConsent, "document_load_failed", err)
	}

	attempts, registerErr := runWithRetry(ctx, s.retryPolicy, func(ctx context.Context) error {
		_, callErr := s.registrar.Register(ctx, state.OwnerID, receipt, document.MimeCategory)
		return callErr
	})
	if registerErr != nil {
		message := "document list update failed"
		if errors.Is(registerErr, registry.ErrOwnerNotFound) {
			message = "document owner is no longer registered"
		}
		// The storage receipt stays valid and retrievable by URL.
		s.fail(ctx, state, attempts, message, registerErr)
		return newSagaError(opSubmitConsent, "register_failed", registerErr)
	}

	if err := s.persist(ctx, state, PhaseRegistered, map[string]interface{}{
		"retry_count": state.RetryCount + attempts - 1,
	}); err != nil {
		return newSagaError(opSubmitConsent, "checkpoint_failed", err)
	}

	s.logger.Info("saga completed",
		zap.String("document_id", state.DocumentID),
		zap.String("storage_url", state.StorageURL))
	return nil
}

func (s *Service) loadState(ctx context.Context, ownerID documents.OwnerID, documentID documents.DocumentID) (SagaState, error) {
	var state SagaState
	err := s.db.WithContext(ctx).
		Where("document_id = ? AND owner_id = ?", documentID.String(), ownerID.String()).
		Take(&state).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return SagaState{}, ErrSagaNotFound
	}
	if err != nil {
		return SagaState{}, newSagaError(opStatus, "state_load_failed", err)
	}
	return state, nil
}

// persist checkpoints the phase change plus step outputs in one update. The
// row is written before control returns to the caller of the step.
func (s *Service) persist(ctx context.Context, state *SagaState, next Phase, updates map[string]interface{}) error {
	if next != state.Phase {
		if err := checkTransition(state.Phase, next); err != nil {
			return err
		}
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	updates["phase"] = next
	updates["updated_at_s"] = s.clock().UTC().Unix()

	if err := s.db.WithContext(ctx).Model(&SagaState{}).
		Where("document_id = ?", state.DocumentID).
		Updates(updates).Error; err != nil {
		return err
	}
	state.Phase = next
	if count, ok := updates["retry_count"].(int); ok {
		state.RetryCount = count
	}
	return nil
}

// fail records terminal failure with a human-readable message. Checkpointed
// side effects (broadcast transactions, storage receipts) are retained for
// reconciliation, never rolled back.
func (s *Service) fail(ctx context.Context, state *SagaState, attempts int, message string, cause error) {
	updates := map[string]interface{}{
		"last_error":   message,
		"retry_count":  state.RetryCount + attempts - 1,
		"updated_at_s": s.clock().UTC().Unix(),
		"phase":        PhaseFailed,
	}
	if err := s.db.WithContext(ctx).Model(&SagaState{}).
		Where("document_id = ?", state.DocumentID).
		Updates(updates).Error; err != nil {
		s.logger.Error("failed to checkpoint saga failure",
			zap.String("document_id", state.DocumentID),
			zap.Error(err))
	}
	state.Phase = PhaseFailed
	state.LastError = message

	s.logger.Error("saga failed",
		zap.String("document_id", state.DocumentID),
		zap.String("reason", message),
		zap.Error(cause))
}

func (s *Service) status(state SagaState) Status {
	return Status{Phase: state.Phase, LastError: state.LastError}
}

func decodeSpans(raw string) ([]detection.Span, error) {
	if raw == "" {
		return nil, nil
	}
	var spans []detection.Span
	if err := json.Unmarshal([]byte(raw), &spans); err != nil {
		return nil, err
	}
	return spans, nil
}
