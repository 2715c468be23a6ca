package registry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/veilx-labs/veilx/backend/internal/storage"
	"gorm.io/gorm"
)

type staticIDGenerator struct {
	ids   []string
	index int
}

func (g *staticIDGenerator) NewID() (string, error) {
	if g.index >= len(g.ids) {
		return "", errors.New("exhausted ids")
	}
	id := g.ids[g.index]
	g.index++
	return id, nil
}

type staticOwnerDirectory struct {
	known map[string]bool
}

func (d *staticOwnerDirectory) Exists(_ context.Context, ownerID string) (bool, error) {
	return d.known[ownerID], nil
}

func newRegistrarTest(t *testing.T, owners map[string]bool, gateway string, ids []string) (*Registrar, *gorm.DB) {
	t.Helper()

	dsn := fmt.Sprintf("file:veilx_registry_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&FileRecord{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	registrar, err := NewRegistrar(RegistrarConfig{
		Database:       db,
		Owners:         &staticOwnerDirectory{known: owners},
		IDProvider:     &staticIDGenerator{ids: ids},
		Clock:          func() time.Time { return time.Unix(1750000000, 0).UTC() },
		GatewayBaseURL: gateway,
	})
	if err != nil {
		t.Fatalf("failed to construct registrar: %v", err)
	}
	return registrar, db
}

func objectStoreReceipt() storage.Receipt {
	return storage.Receipt{
		ReceiptID:   "receipt-1",
		DocumentID:  "doc-1",
		ArtifactRef: "blob-1",
		SinkKind:    storage.SinkObjectStore,
		URL:         "https://bucket.s3.test/artifacts/doc-1/key-1",
	}
}

func TestRegisterAppendsRecord(t *testing.T) {
	registrar, db := newRegistrarTest(t, map[string]bool{"owner-1": true}, "", []string{"record-1"})

	record, err := registrar.Register(context.Background(), "owner-1", objectStoreReceipt(), "pdf")
	if err != nil {
		t.Fatalf("unexpected register error: %v", err)
	}
	if record.RecordID != "record-1" {
		t.Fatalf("unexpected record id %q", record.RecordID)
	}
	if record.URL != objectStoreReceipt().URL || record.Category != "pdf" {
		t.Fatalf("unexpected record: %#v", record)
	}

	var stored FileRecord
	if err := db.First(&stored).Error; err != nil {
		t.Fatalf("failed to load record: %v", err)
	}
	if stored.SinkKind != string(storage.SinkObjectStore) {
		t.Fatalf("unexpected sink kind %q", stored.SinkKind)
	}
}

func TestRegisterSameArtifactTwiceIsNoOp(t *testing.T) {
	registrar, db := newRegistrarTest(t, map[string]bool{"owner-1": true}, "", []string{"record-1", "record-2"})

	first, err := registrar.Register(context.Background(), "owner-1", objectStoreReceipt(), "pdf")
	if err != nil {
		t.Fatalf("unexpected register error: %v", err)
	}
	second, err := registrar.Register(context.Background(), "owner-1", objectStoreReceipt(), "pdf")
	if err != nil {
		t.Fatalf("unexpected second register error: %v", err)
	}
	if first.RecordID != second.RecordID {
		t.Fatalf("re-registering must return the existing record, got %q vs %q", first.RecordID, second.RecordID)
	}

	var count int64
	if err := db.Model(&FileRecord{}).Count(&count).Error; err != nil {
		t.Fatalf("failed to count records: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected a single record row, got %d", count)
	}
}

func TestRegisterUnknownOwnerFails(t *testing.T) {
	registrar, _ := newRegistrarTest(t, map[string]bool{}, "", []string{"record-1"})

	_, err := registrar.Register(context.Background(), "owner-ghost", objectStoreReceipt(), "pdf")
	if !errors.Is(err, ErrOwnerNotFound) {
		t.Fatalf("expected owner not found, got %v", err)
	}
}

func TestListRewritesContentAddressedURLs(t *testing.T) {
	registrar, _ := newRegistrarTest(t, map[string]bool{"owner-1": true},
		"https://gateway.example/ipfs", []string{"record-1", "record-2"})

	ipfsReceipt := storage.Receipt{
		ReceiptID:   "receipt-2",
		DocumentID:  "doc-2",
		ArtifactRef: "blob-2",
		SinkKind:    storage.SinkContentAddressed,
		URL:         "ipfs://bafyhash",
	}
	if _, err := registrar.Register(context.Background(), "owner-1", objectStoreReceipt(), "pdf"); err != nil {
		t.Fatalf("unexpected register error: %v", err)
	}
	if _, err := registrar.Register(context.Background(), "owner-1", ipfsReceipt, "pdf"); err != nil {
		t.Fatalf("unexpected register error: %v", err)
	}

	listed, err := registrar.List(context.Background(), "owner-1")
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(listed) != 2 {
		t.Fatalf("expected 2 listed files, got %d", len(listed))
	}

	byURL := map[string]ListedFile{}
	for _, file := range listed {
		byURL[file.URL] = file
	}
	if _, ok := byURL["https://gateway.example/ipfs/bafyhash"]; !ok {
		t.Fatalf("ipfs url must be rewritten through the gateway: %#v", listed)
	}
	if _, ok := byURL[objectStoreReceipt().URL]; !ok {
		t.Fatalf("object store urls must pass through unchanged: %#v", listed)
	}
}

func TestListDerivesDocumentTypeFromSink(t *testing.T) {
	registrar, _ := newRegistrarTest(t, map[string]bool{"owner-1": true}, "", []string{"record-1", "record-2"})

	ipfsReceipt := storage.Receipt{
		ReceiptID:   "receipt-2",
		DocumentID:  "doc-2",
		ArtifactRef: "blob-2",
		SinkKind:    storage.SinkContentAddressed,
		URL:         "ipfs://bafyhash",
	}
	if _, err := registrar.Register(context.Background(), "owner-1", objectStoreReceipt(), "pdf"); err != nil {
		t.Fatalf("unexpected register error: %v", err)
	}
	if _, err := registrar.Register(context.Background(), "owner-1", ipfsReceipt, "pdf"); err != nil {
		t.Fatalf("unexpected register error: %v", err)
	}

	listed, err := registrar.List(context.Background(), "owner-1")
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	types := map[string]bool{}
	for _, file := range listed {
		types[file.DocumentType] = true
	}
	if !types["Redacted Document"] || !types["Original Document"] {
		t.Fatalf("unexpected document types: %#v", listed)
	}
}

func TestListUnknownOwnerFails(t *testing.T) {
	registrar, _ := newRegistrarTest(t, map[string]bool{}, "", nil)

	_, err := registrar.List(context.Background(), "owner-ghost")
	if !errors.Is(err, ErrOwnerNotFound) {
		t.Fatalf("expected owner not found, got %v", err)
	}
}
