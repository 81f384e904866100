// Package retrieval provides the shared knowledge base agents draw context
// from: an SQLite FTS5 index and a query cache in front of it.
package retrieval

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"

	_ "modernc.org/sqlite"

	"squadron/internal/domain"
	"squadron/internal/infra/logger"
	"squadron/internal/infra/tracer"
)

const defaultTopK = 5

// SQLiteRetriever ranks passages with FTS5 bm25.
type SQLiteRetriever struct {
	db     *sql.DB
	topK   int
	logger *slog.Logger
}

// OpenSQLite opens (or creates) the knowledge base at path.
func OpenSQLite(path string, topK int, l *slog.Logger) (*SQLiteRetriever, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", domain.ErrRetrievalFailure, path, err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%w: pragma: %w", domain.ErrRetrievalFailure, err)
		}
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: migrate: %w", domain.ErrRetrievalFailure, err)
	}
	if topK <= 0 {
		topK = defaultTopK
	}
	return &SQLiteRetriever{db: db, topK: topK, logger: logger.OrDiscard(l)}, nil
}

func migrate(db *sql.DB) error {
	const schema = `
		CREATE TABLE IF NOT EXISTS passages (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			source     TEXT NOT NULL DEFAULT '',
			content    TEXT NOT NULL,
			created_at TEXT NOT NULL
		);

		CREATE VIRTUAL TABLE IF NOT EXISTS passages_fts USING fts5(
			content, source, content=passages, content_rowid=id
		);

		CREATE TRIGGER IF NOT EXISTS passages_ai AFTER INSERT ON passages BEGIN
			INSERT INTO passages_fts(rowid, content, source) VALUES (new.id, new.content, new.source);
		END;

		CREATE TRIGGER IF NOT EXISTS passages_ad AFTER DELETE ON passages BEGIN
			INSERT INTO passages_fts(passages_fts, rowid, content, source) VALUES ('delete', old.id, old.content, old.source);
		END;
	`
	_, err := db.Exec(schema)
	return err
}

// Add indexes a passage.
func (r *SQLiteRetriever) Add(ctx context.Context, source, content string) error {
	if strings.TrimSpace(content) == "" {
		return domain.NewDomainError("SQLiteRetriever.Add", domain.ErrInvalidInput, "empty content")
	}
	_, err := r.db.ExecContext(ctx,
		"INSERT INTO passages (source, content, created_at) VALUES (?, ?, ?)",
		source, content, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("%w: insert: %w", domain.ErrRetrievalFailure, err)
	}
	return nil
}

// DeleteSource removes every passage from source.
func (r *SQLiteRetriever) DeleteSource(ctx context.Context, source string) (int64, error) {
	res, err := r.db.ExecContext(ctx, "DELETE FROM passages WHERE source = ?", source)
	if err != nil {
		return 0, fmt.Errorf("%w: delete: %w", domain.ErrRetrievalFailure, err)
	}
	return res.RowsAffected()
}

// FetchContext implements domain.Retriever. Any query term may match;
// better bm25 scores come first. A query without terms yields nothing.
func (r *SQLiteRetriever) FetchContext(ctx context.Context, query string) ([]domain.Passage, error) {
	ctx, span := tracer.StartSpan(ctx, "retrieval.fetch")
	defer span.End()

	match := matchExpr(query)
	if match == "" {
		tracer.SetOK(span)
		return nil, nil
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT p.content, p.source, bm25(passages_fts) AS score
		 FROM passages_fts f
		 JOIN passages p ON p.id = f.rowid
		 WHERE passages_fts MATCH ?
		 ORDER BY score
		 LIMIT ?`,
		match, r.topK,
	)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		r.logger.Debug("fts query failed, falling back to LIKE", "error", err)
		rows, err = r.db.QueryContext(ctx,
			"SELECT content, source, 0 FROM passages WHERE content LIKE ? ORDER BY id DESC LIMIT ?",
			"%"+query+"%", r.topK)
		if err != nil {
			tracer.RecordError(span, err)
			return nil, fmt.Errorf("%w: %w", domain.ErrRetrievalFailure, err)
		}
	}
	defer rows.Close()

	var out []domain.Passage
	for rows.Next() {
		var p domain.Passage
		if err := rows.Scan(&p.Content, &p.Source, &p.Score); err != nil {
			tracer.RecordError(span, err)
			return nil, fmt.Errorf("%w: scan: %w", domain.ErrRetrievalFailure, err)
		}
		// bm25 is lower-is-better and negative; expose higher-is-better.
		p.Score = -p.Score
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		tracer.RecordError(span, err)
		return nil, fmt.Errorf("%w: %w", domain.ErrRetrievalFailure, err)
	}
	span.SetAttributes(tracer.IntAttr("retrieval.passages", len(out)))
	tracer.SetOK(span)
	return out, nil
}

// Close closes the database.
func (r *SQLiteRetriever) Close() error { return r.db.Close() }

// matchExpr turns free text into an FTS5 OR query of quoted terms, so
// punctuation in user questions never reaches the FTS5 parser.
func matchExpr(query string) string {
	fields := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := make(map[string]bool, len(fields))
	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		if len([]rune(f)) < 2 || stopWords[f] || seen[f] {
			continue
		}
		seen[f] = true
		terms = append(terms, `"`+f+`"`)
	}
	return strings.Join(terms, " OR ")
}

var stopWords = map[string]bool{
	"the": true, "is": true, "are": true, "an": true, "of": true, "to": true,
	"in": true, "on": true, "for": true, "and": true, "or": true, "what": true,
	"how": true, "do": true, "does": true, "my": true, "me": true, "it": true,
	"be": true, "can": true, "with": true, "at": true, "by": true, "this": true,
	"that": true, "about": true, "you": true, "your": true,
}

var _ domain.Retriever = (*SQLiteRetriever)(nil)
