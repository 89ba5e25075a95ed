// ABOUTME: Store interface and data types for toolgate persistence
// ABOUTME: Defines audit entries for tool executions and the notes used by the local note tools

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// Audit outcomes.
const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
)

// AuditEntry records one tool execution.
type AuditEntry struct {
	ID         string         // UUID v4
	RequestID  string         // request_id from the call's scratch, if any
	Tool       string         // qualified tool name
	Source     string         // catalog source key
	Outcome    string         // OutcomeOK or OutcomeError
	Error      string         // failure message when Outcome is OutcomeError
	DurationMS int64          // wall time of the call
	Timestamp  time.Time      // when the call completed
	Detail     map[string]any // additional context
}

// AuditFilter specifies filtering options for listing audit entries.
type AuditFilter struct {
	Since   *time.Time // entries at or after this time
	Until   *time.Time // entries at or before this time
	Tool    *string    // filter by tool name
	Outcome *string    // filter by outcome
	Limit   int        // max results (default 100, max 1000)
}

// Note is a named markdown document managed by the note tools.
type Note struct {
	Name      string
	Body      string
	Title     string // first heading, filled by the caller
	CreatedAt time.Time
	UpdatedAt time.Time
}

// AuditStore persists tool execution records.
type AuditStore interface {
	AppendAuditLog(ctx context.Context, e *AuditEntry) error
	ListAuditLog(ctx context.Context, f AuditFilter) ([]AuditEntry, error)
}

// NoteStore persists notes.
type NoteStore interface {
	// PutNote creates or replaces a note and reports whether it was created.
	PutNote(ctx context.Context, note *Note) (bool, error)
	GetNote(ctx context.Context, name string) (*Note, error)
	ListNotes(ctx context.Context) ([]*Note, error)
	DeleteNote(ctx context.Context, name string) error
}

// Store is the full persistence interface.
type Store interface {
	AuditStore
	NoteStore

	// Close releases any resources held by the store
	Close() error
}
