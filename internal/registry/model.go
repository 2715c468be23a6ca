package registry

import "errors"

var (
	// ErrOwnerNotFound indicates no account exists for the owner id.
	ErrOwnerNotFound = errors.New("registry: owner not found")
)

// FileRecord is one append-only entry in an owner's document list.
type FileRecord struct {
	RecordID         string `gorm:"column:record_id;primaryKey;size:190;not null"`
	OwnerID          string `gorm:"column:owner_id;size:190;not null;uniqueIndex:idx_registry_owner_artifact,priority:1;index:idx_registry_owner"`
	ArtifactRef      string `gorm:"column:artifact_ref;size:190;not null;uniqueIndex:idx_registry_owner_artifact,priority:2"`
	URL              string `gorm:"column:url;size:1024;not null"`
	SinkKind         string `gorm:"column:sink_kind;size:32;not null"`
	Category         string `gorm:"column:category;size:128;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (FileRecord) TableName() string {
	return "registry_files"
}

// ListedFile is the read-side projection of a record, with the retrieval URL
// rewritten for direct browser access.
type ListedFile struct {
	RecordID     string `json:"record_id"`
	URL          string `json:"url"`
	DocumentType string `json:"document_type"`
	Category     string `json:"category"`
	CreatedAt    int64  `json:"created_at_s"`
}
