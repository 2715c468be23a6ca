package database

import (
	"fmt"

	"github.com/glebarez/sqlite"
	"github.com/veilx-labs/veilx/backend/internal/documents"
	"github.com/veilx-labs/veilx/backend/internal/registry"
	"github.com/veilx-labs/veilx/backend/internal/reward"
	"github.com/veilx-labs/veilx/backend/internal/saga"
	"github.com/veilx-labs/veilx/backend/internal/storage"
	"github.com/veilx-labs/veilx/backend/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// OpenSQLite establishes a SQLite connection and performs schema migrations.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(
		&users.Account{},
		&documents.Document{},
		&documents.Blob{},
		&saga.SagaState{},
		&reward.Transaction{},
		&storage.Receipt{},
		&registry.FileRecord{},
		&migrationRecord{},
	); err != nil {
		return nil, err
	}

	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path))
	}

	return db, nil
}
