package users

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// ErrUnknownOwner indicates the owner id has no account row.
var ErrUnknownOwner = errors.New("users: unknown owner")

// ServiceConfig describes the dependencies required for owner account lookups.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service manages owner accounts referenced by sagas and the registry.
type Service struct {
	db  *gorm.DB
	now func() time.Time
}

// NewService constructs the account service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{db: cfg.Database, now: clock}, nil
}

// EnsureAccount creates the account row for the owner when it does not exist yet.
// The upstream login system is the source of truth for owner identifiers; this
// only mirrors them so registry lookups can enforce existence.
func (s *Service) EnsureAccount(ctx context.Context, ownerID, email string) (Account, error) {
	trimmed := normalize(ownerID)
	if trimmed == "" {
		return Account{}, ErrUnknownOwner
	}

	var account Account
	err := s.db.WithContext(ctx).Where("owner_id = ?", trimmed).First(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		account = Account{
			OwnerID:    trimmed,
			Email:      normalize(email),
			LastSeenAt: s.now(),
		}
		if err := s.db.WithContext(ctx).Create(&account).Error; err != nil {
			return Account{}, err
		}
		return account, nil
	}
	if err != nil {
		return Account{}, err
	}

	_ = s.db.WithContext(ctx).Model(&Account{}).
		Where("owner_id = ?", trimmed).
		Update("last_seen_at", s.now()).Error
	return account, nil
}

// Exists reports whether the owner id is known.
func (s *Service) Exists(ctx context.Context, ownerID string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&Account{}).
		Where("owner_id = ?", normalize(ownerID)).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}
