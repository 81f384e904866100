package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"squadron/internal/domain"
)

// SQLiteStore persists each session as one JSON row.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the store at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", domain.ErrStore, path, err)
	}
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		`CREATE TABLE IF NOT EXISTS sessions (
			id         TEXT PRIMARY KEY,
			record     TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("%w: init: %w", domain.ErrStore, err)
		}
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Load(ctx context.Context, sessionID string) (*domain.SessionRecord, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, "SELECT record FROM sessions WHERE id = ?", sessionID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: load %s: %w", domain.ErrStore, sessionID, err)
	}
	var rec domain.SessionRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %w", domain.ErrStore, sessionID, err)
	}
	return &rec, nil
}

func (s *SQLiteStore) Save(ctx context.Context, rec *domain.SessionRecord) error {
	if rec == nil || rec.ID == "" {
		return domain.NewDomainError("SQLiteStore.Save", domain.ErrInvalidInput, "record without id")
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("%w: encode %s: %w", domain.ErrStore, rec.ID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, record, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET record = excluded.record, updated_at = excluded.updated_at`,
		rec.ID, string(data), rec.UpdatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("%w: save %s: %w", domain.ErrStore, rec.ID, err)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE id = ?", sessionID); err != nil {
		return fmt.Errorf("%w: delete %s: %w", domain.ErrStore, sessionID, err)
	}
	return nil
}

// PurgeBefore deletes sessions last updated before cutoff.
func (s *SQLiteStore) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE updated_at < ?",
		cutoff.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("%w: purge: %w", domain.ErrStore, err)
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

var _ domain.ConversationStore = (*SQLiteStore)(nil)
