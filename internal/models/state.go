package models

import "time"

// StateSnapshot is a compacted point-in-time state blob for one scope.
// Immutable once written; superseded by later snapshots, never mutated.
type StateSnapshot struct {
	ID        string
	Scope     string
	State     []byte
	CreatedAt time.Time
}

// StateUpdate is one incremental delta for a scope. Merge semantics of the
// payload are commutative, so replay order does not affect the result.
type StateUpdate struct {
	ID        string
	Scope     string
	ClientID  string
	Payload   []byte
	CreatedAt time.Time
}

// FileType classifies a captured file by extension.
type FileType string

const (
	FileTypeCode     FileType = "code"
	FileTypeMarkdown FileType = "markdown"
	FileTypeJSON     FileType = "json"
	FileTypePDF      FileType = "pdf"
	FileTypeText     FileType = "text"
)

// ScopeFile is one entry of a scope's captured file manifest.
type ScopeFile struct {
	ID        string
	Scope     string
	Path      string
	Name      string
	Content   string
	Type      FileType
	Size      int64
	CreatedAt time.Time
}
