package reward

import "errors"

// Status tracks a transfer through the chain lifecycle.
type Status string

const (
	// StatusBroadcast means the transfer was accepted into the pending pool.
	StatusBroadcast Status = "broadcast"
	// StatusConfirmed means the network finalized the transfer.
	StatusConfirmed Status = "confirmed"
	// StatusFailed means the transfer failed or confirmation timed out.
	StatusFailed Status = "failed"
)

var (
	// ErrInsufficientFunds indicates the treasury cannot cover the transfer.
	ErrInsufficientFunds = errors.New("reward: insufficient treasury funds")
	// ErrNetworkUnavailable indicates the chain RPC endpoint could not be
	// reached or is congested; the caller may retry.
	ErrNetworkUnavailable = errors.New("reward: chain network unavailable")
	// ErrTransactionRejected indicates the network refused the transfer;
	// retrying the identical transfer cannot succeed.
	ErrTransactionRejected = errors.New("reward: transaction rejected")
	// ErrConfirmationTimeout indicates the transfer never finalized before the
	// configured deadline.
	ErrConfirmationTimeout = errors.New("reward: confirmation deadline exceeded")
	// ErrTransactionNotFound indicates no recorded transfer matches the hash.
	ErrTransactionNotFound = errors.New("reward: transaction not found")
)

// Transaction is the durable record of one value transfer. At most one
// transaction per idempotency key may be in a non-failed status.
type Transaction struct {
	TxID             string `gorm:"column:tx_id;primaryKey;size:190;not null"`
	IdempotencyKey   string `gorm:"column:idempotency_key;size:190;not null;index:idx_reward_idem_key"`
	DocumentID       string `gorm:"column:document_id;size:190;not null;index"`
	TxHash           string `gorm:"column:tx_hash;size:128;uniqueIndex"`
	FromAddress      string `gorm:"column:from_address;size:128;not null"`
	ToAddress        string `gorm:"column:to_address;size:128;not null"`
	Amount           string `gorm:"column:amount;size:64;not null"`
	Status           Status `gorm:"column:status;size:16;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Transaction) TableName() string {
	return "reward_transactions"
}

// Active reports whether the transaction still counts against the
// one-payout-per-consent invariant.
func (t Transaction) Active() bool {
	return t.Status == StatusBroadcast || t.Status == StatusConfirmed
}
