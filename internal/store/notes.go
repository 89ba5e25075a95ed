// ABOUTME: Note persistence for the local note tools
// ABOUTME: Notes are markdown documents keyed by name

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PutNote creates or replaces a note. CreatedAt is preserved across updates.
func (s *SQLiteStore) PutNote(ctx context.Context, note *Note) (bool, error) {
	if note.Name == "" {
		return false, fmt.Errorf("note name is required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var createdAt string
	err = tx.QueryRowContext(ctx, `SELECT created_at FROM notes WHERE name = ?`, note.Name).Scan(&createdAt)
	created := errors.Is(err, sql.ErrNoRows)
	if err != nil && !created {
		return false, fmt.Errorf("checking note existence: %w", err)
	}

	now := time.Now().UTC()
	note.UpdatedAt = now
	if created {
		note.CreatedAt = now
	} else if note.CreatedAt, err = parseTS(createdAt); err != nil {
		return false, fmt.Errorf("parsing created_at: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO notes (name, body, title, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET body = excluded.body, title = excluded.title, updated_at = excluded.updated_at
	`, note.Name, note.Body, note.Title, formatTS(note.CreatedAt), formatTS(note.UpdatedAt))
	if err != nil {
		return false, fmt.Errorf("writing note: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("committing note: %w", err)
	}
	return created, nil
}

// GetNote retrieves a note by name.
func (s *SQLiteStore) GetNote(ctx context.Context, name string) (*Note, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT name, body, title, created_at, updated_at
		FROM notes WHERE name = ?
	`, name)

	n, err := scanNote(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return n, nil
}

// ListNotes lists all notes ordered by name.
func (s *SQLiteStore) ListNotes(ctx context.Context) ([]*Note, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, body, title, created_at, updated_at
		FROM notes ORDER BY name ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("querying notes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var notes []*Note
	for rows.Next() {
		n, err := scanNote(rows)
		if err != nil {
			return nil, err
		}
		notes = append(notes, n)
	}
	return notes, rows.Err()
}

// DeleteNote deletes a note by name.
func (s *SQLiteStore) DeleteNote(ctx context.Context, name string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM notes WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("deleting note: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanNote(scanner interface{ Scan(dest ...any) error }) (*Note, error) {
	var n Note
	var createdAt, updatedAt string
	if err := scanner.Scan(&n.Name, &n.Body, &n.Title, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	n.CreatedAt, _ = parseTS(createdAt)
	n.UpdatedAt, _ = parseTS(updatedAt)
	return &n, nil
}
