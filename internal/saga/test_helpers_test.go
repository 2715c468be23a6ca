package saga

import (
	"context"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/veilx-labs/veilx/backend/internal/detection"
	"github.com/veilx-labs/veilx/backend/internal/documents"
	"github.com/veilx-labs/veilx/backend/internal/redaction"
	"github.com/veilx-labs/veilx/backend/internal/registry"
	"github.com/veilx-labs/veilx/backend/internal/reward"
	"github.com/veilx-labs/veilx/backend/internal/storage"
	"github.com/veilx-labs/veilx/backend/internal/users"
	"gorm.io/gorm"
)

type sequentialIDGenerator struct {
	prefix string
	next   int
}

func (g *sequentialIDGenerator) NewID() (string, error) {
	g.next++
	return fmt.Sprintf("%s-%d", g.prefix, g.next), nil
}

type fakeDetector struct {
	result detection.Result
	errs   []error
	calls  int
}

func (f *fakeDetector) Detect(_ context.Context, _ detection.Input) (detection.Result, error) {
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return detection.Result{}, err
	}
	return f.result, nil
}

type fakeRenderer struct {
	errs  []error
	calls int
	// output overrides the rendered bytes; nil echoes the original when the
	// selection is empty and returns redacted placeholder bytes otherwise.
	output []byte
}

func (f *fakeRenderer) Render(_ context.Context, original []byte, contentType string, _ []detection.Span, selection redaction.SelectionState) (redaction.Artifact, error) {
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return redaction.Artifact{}, err
	}
	if len(selection.ChosenSpanIDs) == 0 {
		return redaction.Artifact{Bytes: original, ContentType: contentType}, nil
	}
	if f.output != nil {
		return redaction.Artifact{Bytes: f.output, ContentType: contentType}, nil
	}
	return redaction.Artifact{Bytes: []byte("redacted"), ContentType: contentType}, nil
}

type fakeRewarder struct {
	distributeErrs  []error
	confirmStatus   reward.Status
	confirmErr      error
	distributeCalls int
	confirmCalls    int
	keys            []string
	txHash          string
}

func (f *fakeRewarder) Distribute(_ context.Context, treasury reward.Treasury, toAddress, amount, idempotencyKey, documentID string) (reward.Transaction, error) {
	f.distributeCalls++
	f.keys = append(f.keys, idempotencyKey)
	if len(f.distributeErrs) > 0 {
		err := f.distributeErrs[0]
		f.distributeErrs = f.distributeErrs[1:]
		return reward.Transaction{}, err
	}
	return reward.Transaction{
		TxID:           "tx-record-1",
		IdempotencyKey: idempotencyKey,
		DocumentID:     documentID,
		TxHash:         f.txHash,
		FromAddress:    treasury.Address,
		ToAddress:      toAddress,
		Amount:         amount,
		Status:         reward.StatusBroadcast,
	}, nil
}

func (f *fakeRewarder) Confirm(_ context.Context, _ string) (reward.Status, error) {
	f.confirmCalls++
	return f.confirmStatus, f.confirmErr
}

type fakeStorer struct {
	errs     []error
	calls    int
	url      string
	receipts []storage.Receipt
}

func (f *fakeStorer) Store(_ context.Context, documentID string, artifact storage.Artifact, kind storage.SinkKind) (storage.Receipt, error) {
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return storage.Receipt{}, err
	}
	receipt := storage.Receipt{
		ReceiptID:      fmt.Sprintf("receipt-%d", f.calls),
		DocumentID:     documentID,
		ArtifactDigest: artifact.Digest,
		SinkKind:       kind,
		ArtifactRef:    artifact.Ref,
		StorageKey:     "artifacts/" + documentID + "/key",
		URL:            f.url,
	}
	f.receipts = append(f.receipts, receipt)
	return receipt, nil
}

type fakeRegistrar struct {
	errs     []error
	calls    int
	owners   []string
	receipts []storage.Receipt
}

func (f *fakeRegistrar) Register(_ context.Context, ownerID string, receipt storage.Receipt, category string) (registry.FileRecord, error) {
	f.calls++
	f.owners = append(f.owners, ownerID)
	f.receipts = append(f.receipts, receipt)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return registry.FileRecord{}, err
	}
	return registry.FileRecord{
		RecordID:    fmt.Sprintf("record-%d", f.calls),
		OwnerID:     ownerID,
		ArtifactRef: receipt.ArtifactRef,
		URL:         receipt.URL,
		SinkKind:    string(receipt.SinkKind),
		Category:    category,
	}, nil
}

type sagaTestEnv struct {
	service   *Service
	db        *gorm.DB
	documents *documents.Service
	detector  *fakeDetector
	renderer  *fakeRenderer
	rewarder  *fakeRewarder
	storer    *fakeStorer
	registrar *fakeRegistrar
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:veilx_saga_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&users.Account{}, &documents.Document{}, &documents.Blob{}, &SagaState{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func newTestEnv(t *testing.T) *sagaTestEnv {
	t.Helper()

	db := newTestDB(t)

	documentsService, err := documents.NewService(documents.ServiceConfig{
		Database:   db,
		Clock:      func() time.Time { return time.Unix(1750000000, 0).UTC() },
		IDProvider: &sequentialIDGenerator{prefix: "doc"},
	})
	if err != nil {
		t.Fatalf("failed to construct documents service: %v", err)
	}

	env := &sagaTestEnv{
		db:        db,
		documents: documentsService,
		detector: &fakeDetector{
			result: detection.Result{
				Spans: []detection.Span{{ID: "s0", Start: 0, End: 4, Text: "John", Category: "NAME"}},
			},
		},
		renderer: &fakeRenderer{},
		rewarder: &fakeRewarder{
			confirmStatus: reward.StatusConfirmed,
			txHash:        "0xhash-1",
		},
		storer:    &fakeStorer{url: "https://bucket.s3.test/artifacts/key"},
		registrar: &fakeRegistrar{},
	}
	env.service = newServiceForEnv(t, env)
	return env
}

// newServiceForEnv builds an orchestrator over the env's database and fakes.
// Calling it twice on the same env models a process restart.
func newServiceForEnv(t *testing.T, env *sagaTestEnv) *Service {
	t.Helper()

	service, err := NewService(ServiceConfig{
		Database:     env.db,
		Documents:    env.documents,
		Detector:     env.detector,
		Renderer:     env.renderer,
		Rewarder:     env.rewarder,
		Storer:       env.storer,
		Registrar:    env.registrar,
		Treasury:     reward.Treasury{Address: "0xtreasury", SigningKey: "treasury-key"},
		RewardAmount: func() string { return "0.05" },
		Retry:        RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond},
		Clock:        func() time.Time { return time.Unix(1750000100, 0).UTC() },
	})
	if err != nil {
		t.Fatalf("failed to construct saga service: %v", err)
	}
	return service
}

func mustOwnerID(t *testing.T, value string) documents.OwnerID {
	t.Helper()
	id, err := documents.NewOwnerID(value)
	if err != nil {
		t.Fatalf("unexpected owner id error: %v", err)
	}
	return id
}

func mustSelection(t *testing.T, ids []string, mode redaction.Mode, level int) redaction.SelectionState {
	t.Helper()
	selection, err := redaction.NewSelectionState(ids, mode, level, nil)
	if err != nil {
		t.Fatalf("unexpected selection error: %v", err)
	}
	return selection
}

func mustStartSaga(t *testing.T, env *sagaTestEnv, owner documents.OwnerID) documents.DocumentID {
	t.Helper()
	documentID, err := env.service.StartSaga(context.Background(), owner, UploadInput{
		FileName:     "resume.pdf",
		MimeCategory: documents.MimeCategoryPDF,
		ContentType:  "application/pdf",
		Payload:      []byte("John lives in Springfield."),
		Level:        2,
	})
	if err != nil {
		t.Fatalf("unexpected start error: %v", err)
	}
	return documentID
}

func loadSagaState(t *testing.T, db *gorm.DB, documentID documents.DocumentID) SagaState {
	t.Helper()
	var state SagaState
	if err := db.Where("document_id = ?", documentID.String()).Take(&state).Error; err != nil {
		t.Fatalf("failed to load saga state: %v", err)
	}
	return state
}
