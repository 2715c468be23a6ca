package users

import (
	"strings"
	"time"
)

// Account captures a document owner known to the platform.
type Account struct {
	OwnerID       string    `gorm:"column:owner_id;primaryKey;size:190;not null"`
	Email         string    `gorm:"column:email;size:320"`
	WalletAddress string    `gorm:"column:wallet_address;size:128"`
	LastSeenAt    time.Time `gorm:"column:last_seen_at;autoUpdateTime"`
	CreatedAt     time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt     time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing owner accounts.
func (Account) TableName() string {
	return "owner_accounts"
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
