package saga

import (
	"fmt"
)

// SagaState is the orchestrator's durable checkpoint for one document. It is
// created when the document enters the saga, mutated only by the orchestrator
// after each step's external call returns, and retained after terminal
// success or failure for audit.
type SagaState struct {
	DocumentID string `gorm:"column:document_id;primaryKey;size:190;not null"`
	OwnerID    string `gorm:"column:owner_id;size:190;not null;index:idx_saga_owner"`
	Phase      Phase  `gorm:"column:phase;size:32;not null"`
	RetryCount int    `gorm:"column:retry_count;not null;default:0"`
	LastError  string `gorm:"column:last_error;size:1024"`

	// Detection aggressiveness captured at upload so an interrupted detection
	// step can resume with the same parameters.
	DetectLevel        int    `gorm:"column:detect_level;not null;default:0"`
	DetectPrompt       string `gorm:"column:detect_prompt;type:text"`
	DetectRedactImages bool   `gorm:"column:detect_redact_images;not null;default:false"`

	// Step outputs, persisted before control returns from each step.
	SpansJSON           string `gorm:"column:spans_json;type:text"`
	PreviewBlobID       string `gorm:"column:preview_blob_id;size:190"`
	SelectionJSON       string `gorm:"column:selection_json;type:text"`
	ArtifactBlobID      string `gorm:"column:artifact_blob_id;size:190"`
	ArtifactContentType string `gorm:"column:artifact_content_type;size:128"`
	ArtifactDigest      string `gorm:"column:artifact_digest;size:64"`
	RewardTxHash        string `gorm:"column:reward_tx_hash;size:128"`
	RewardAmount        string `gorm:"column:reward_amount;size:64"`
	StorageReceiptID    string `gorm:"column:storage_receipt_id;size:190"`
	StorageURL          string `gorm:"column:storage_url;size:1024"`

	// Consent bookkeeping. A zero granted timestamp means consent has not
	// been given; the saga parks at rendered indefinitely.
	ConsentGrantedAtSeconds  int64  `gorm:"column:consent_granted_at_s;not null;default:0"`
	ConsentDeclinedAtSeconds int64  `gorm:"column:consent_declined_at_s;not null;default:0"`
	WalletAddress            string `gorm:"column:wallet_address;size:128"`

	CreatedAtSeconds int64 `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64 `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (SagaState) TableName() string {
	return "saga_states"
}

// Status is the user-visible view of a saga: the phase and a human-readable
// error, never internal identifiers of failed external calls.
type Status struct {
	Phase     Phase
	LastError string
}

// SagaError carries a dotted operation code alongside the underlying cause.
type SagaError struct {
	code string
	err  error
}

func (e *SagaError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *SagaError) Unwrap() error {
	return e.err
}

// Code returns the dotted operation code.
func (e *SagaError) Code() string {
	return e.code
}

func newSagaError(operation, reason string, cause error) error {
	return &SagaError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}
