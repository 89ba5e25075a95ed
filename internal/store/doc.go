// Package store provides persistent storage for the gateway using SQLite.
//
// # Architecture
//
// Two small interfaces cover what the gateway persists:
//
//   - AuditStore: one row per tool execution, written by the audit.sink hook
//   - NoteStore: markdown notes behind the read_note, write_note and list_notes tools
//
// SQLiteStore implements both (the Store interface).
//
// # SQLite Configuration
//
// The store uses the cgo-free modernc.org/sqlite driver with WAL mode:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA busy_timeout=5000;
//
// Timestamps are stored as fixed-width UTC strings so range filters and
// ORDER BY work lexically.
//
// # Error Handling
//
// ErrNotFound is returned when a requested note does not exist.
// All methods accept context.Context for cancellation support.
//
// # Migrations
//
// Additive column migrations run automatically on store initialization.
package store
