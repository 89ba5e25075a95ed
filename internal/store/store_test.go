// ABOUTME: Tests for the SQLite store
// ABOUTME: Covers audit append/list with filters and note CRUD against a real database file

package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")

	store, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)

	t.Cleanup(func() {
		store.Close()
	})

	return store
}

func TestAuditStore_Append(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	entry := &AuditEntry{
		RequestID:  "req-1",
		Tool:       "gh_search",
		Source:     "upstream:github",
		DurationMS: 12,
		Detail:     map[string]any{"args": map[string]any{"q": "bug"}},
	}
	require.NoError(t, store.AppendAuditLog(ctx, entry))

	assert.NotEmpty(t, entry.ID)
	assert.False(t, entry.Timestamp.IsZero())
	assert.Equal(t, OutcomeOK, entry.Outcome)

	entries, err := store.ListAuditLog(ctx, AuditFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	got := entries[0]
	assert.Equal(t, entry.ID, got.ID)
	assert.Equal(t, "req-1", got.RequestID)
	assert.Equal(t, "gh_search", got.Tool)
	assert.Equal(t, int64(12), got.DurationMS)
	assert.Equal(t, map[string]any{"q": "bug"}, got.Detail["args"])
	assert.WithinDuration(t, entry.Timestamp, got.Timestamp, time.Microsecond)
}

func TestAuditStore_List_NewestFirst(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC()
	for i, tool := range []string{"ping", "echo", "read_note"} {
		require.NoError(t, store.AppendAuditLog(ctx, &AuditEntry{
			Tool:      tool,
			Source:    "local",
			Timestamp: base.Add(time.Duration(i) * time.Millisecond),
		}))
	}

	entries, err := store.ListAuditLog(ctx, AuditFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "read_note", entries[0].Tool)
	assert.Equal(t, "ping", entries[2].Tool)

	limited, err := store.ListAuditLog(ctx, AuditFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestAuditStore_List_Filters(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 4; i++ {
		e := &AuditEntry{
			Tool:      "ping",
			Source:    "local",
			Timestamp: base.Add(time.Duration(i) * 10 * time.Minute),
		}
		if i%2 == 1 {
			e.Tool = "gh_search"
			e.Outcome = OutcomeError
			e.Error = "tool temporarily unavailable"
		}
		require.NoError(t, store.AppendAuditLog(ctx, e))
	}

	since := base.Add(15 * time.Minute)
	entries, err := store.ListAuditLog(ctx, AuditFilter{Since: &since})
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	until := base.Add(5 * time.Minute)
	entries, err = store.ListAuditLog(ctx, AuditFilter{Until: &until})
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	outcome := OutcomeError
	entries, err = store.ListAuditLog(ctx, AuditFilter{Outcome: &outcome})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "tool temporarily unavailable", entries[0].Error)

	tool := "ping"
	entries, err = store.ListAuditLog(ctx, AuditFilter{Tool: &tool})
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestAuditStore_List_Empty(t *testing.T) {
	store := setupTestStore(t)

	entries, err := store.ListAuditLog(context.Background(), AuditFilter{})
	require.NoError(t, err)
	assert.NotNil(t, entries)
	assert.Empty(t, entries)
}

func TestNoteStore_PutGet(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	created, err := store.PutNote(ctx, &Note{Name: "todo", Body: "# Todo\n- a", Title: "Todo"})
	require.NoError(t, err)
	assert.True(t, created)

	n, err := store.GetNote(ctx, "todo")
	require.NoError(t, err)
	assert.Equal(t, "# Todo\n- a", n.Body)
	assert.Equal(t, "Todo", n.Title)
	firstCreated := n.CreatedAt

	created, err = store.PutNote(ctx, &Note{Name: "todo", Body: "# Todo\n- b", Title: "Todo"})
	require.NoError(t, err)
	assert.False(t, created)

	n, err = store.GetNote(ctx, "todo")
	require.NoError(t, err)
	assert.Equal(t, "# Todo\n- b", n.Body)
	assert.True(t, n.CreatedAt.Equal(firstCreated), "created_at survives updates")
	assert.False(t, n.UpdatedAt.Before(firstCreated))
}

func TestNoteStore_GetMissing(t *testing.T) {
	store := setupTestStore(t)

	_, err := store.GetNote(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestNoteStore_PutRequiresName(t *testing.T) {
	store := setupTestStore(t)

	_, err := store.PutNote(context.Background(), &Note{Body: "x"})
	assert.Error(t, err)
}

func TestNoteStore_ListDelete(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for _, name := range []string{"b", "a", "c"} {
		_, err := store.PutNote(ctx, &Note{Name: name, Body: name})
		require.NoError(t, err)
	}

	notes, err := store.ListNotes(ctx)
	require.NoError(t, err)
	require.Len(t, notes, 3)
	assert.Equal(t, "a", notes[0].Name)
	assert.Equal(t, "c", notes[2].Name)

	require.NoError(t, store.DeleteNote(ctx, "b"))
	assert.ErrorIs(t, store.DeleteNote(ctx, "b"), ErrNotFound)

	notes, err = store.ListNotes(ctx)
	require.NoError(t, err)
	assert.Len(t, notes, 2)
}

func TestNewSQLiteStore_MigratesOldNotesTable(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "old.db")

	db, err := sql.Open("sqlite", dbPath)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE notes (
		name TEXT PRIMARY KEY,
		body TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO notes VALUES ('legacy', 'body', '2024-01-02T03:04:05Z', '2024-01-02T03:04:05Z')`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	store, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	n, err := store.GetNote(context.Background(), "legacy")
	require.NoError(t, err)
	assert.Equal(t, "", n.Title)
	assert.Equal(t, 2024, n.CreatedAt.Year())
}

func TestNewSQLiteStore_Memory(t *testing.T) {
	store, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer store.Close()

	_, err = store.PutNote(context.Background(), &Note{Name: "x", Body: "y"})
	require.NoError(t, err)
	notes, err := store.ListNotes(context.Background())
	require.NoError(t, err)
	assert.Len(t, notes, 1)
}
