package users

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	dsn := fmt.Sprintf("file:veilx_users_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	if err := db.AutoMigrate(&Account{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	service, err := NewService(ServiceConfig{
		Database: db,
		Clock:    func() time.Time { return time.Unix(1750000000, 0).UTC() },
	})
	if err != nil {
		t.Fatalf("construct service: %v", err)
	}
	return service
}

func TestEnsureAccountCreatesRow(t *testing.T) {
	service := newTestService(t)

	account, err := service.EnsureAccount(context.Background(), "owner-1", "owner@example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if account.OwnerID != "owner-1" {
		t.Fatalf("unexpected owner id %q", account.OwnerID)
	}
	if account.Email != "owner@example.com" {
		t.Fatalf("unexpected email %q", account.Email)
	}

	exists, err := service.Exists(context.Background(), "owner-1")
	if err != nil {
		t.Fatalf("unexpected exists error: %v", err)
	}
	if !exists {
		t.Fatalf("expected account to exist")
	}
}

func TestEnsureAccountIsIdempotent(t *testing.T) {
	service := newTestService(t)

	first, err := service.EnsureAccount(context.Background(), "owner-1", "owner@example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := service.EnsureAccount(context.Background(), "owner-1", "owner@example.com")
	if err != nil {
		t.Fatalf("unexpected error on repeat: %v", err)
	}
	if first.OwnerID != second.OwnerID {
		t.Fatalf("expected the same account, got %q and %q", first.OwnerID, second.OwnerID)
	}

	var count int64
	if err := service.db.Model(&Account{}).Count(&count).Error; err != nil {
		t.Fatalf("count accounts: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected a single account row, got %d", count)
	}
}

func TestEnsureAccountTrimsOwnerID(t *testing.T) {
	service := newTestService(t)

	account, err := service.EnsureAccount(context.Background(), "  owner-1  ", "owner@example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if account.OwnerID != "owner-1" {
		t.Fatalf("expected trimmed owner id, got %q", account.OwnerID)
	}
}

func TestEnsureAccountAllowsMultipleOwnersWithoutEmail(t *testing.T) {
	service := newTestService(t)

	if _, err := service.EnsureAccount(context.Background(), "owner-one", ""); err != nil {
		t.Fatalf("unexpected error for first email-less owner: %v", err)
	}
	if _, err := service.EnsureAccount(context.Background(), "owner-two", ""); err != nil {
		t.Fatalf("unexpected error for second email-less owner: %v", err)
	}

	var count int64
	if err := service.db.Model(&Account{}).Count(&count).Error; err != nil {
		t.Fatalf("count accounts: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected two account rows, got %d", count)
	}
}

func TestEnsureAccountRejectsBlankOwner(t *testing.T) {
	service := newTestService(t)

	if _, err := service.EnsureAccount(context.Background(), "   ", "owner@example.com"); !errors.Is(err, ErrUnknownOwner) {
		t.Fatalf("expected ErrUnknownOwner, got %v", err)
	}
}

func TestExistsReportsMissingOwner(t *testing.T) {
	service := newTestService(t)

	exists, err := service.Exists(context.Background(), "owner-missing")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if exists {
		t.Fatalf("expected owner to be unknown")
	}
}
