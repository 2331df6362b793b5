package pipeline

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/aluiziolira/leanpub-report/models"
)

const reportSchema = `
CREATE TABLE IF NOT EXISTS book_reports (
	run_id TEXT NOT NULL,
	position INTEGER NOT NULL,
	slug TEXT NOT NULL,
	title TEXT NOT NULL,
	status TEXT NOT NULL,
	categories TEXT NOT NULL,
	error_kind TEXT,
	error_message TEXT,
	recorded_at DATETIME DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY(run_id, slug)
);

CREATE INDEX IF NOT EXISTS idx_book_reports_slug ON book_reports(slug);
`

// SQLiteWriter stores each run's report rows in a SQLite database, keyed by run id.
type SQLiteWriter struct {
	db    *sql.DB
	runID string
	mu    sync.Mutex
	rows  int
}

// NewSQLiteWriter opens (or creates) the database at path.
func NewSQLiteWriter(path, runID string) (*SQLiteWriter, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if err := ensureDir(path); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	for _, stmt := range []string{
		"PRAGMA journal_mode = WAL;",
		"PRAGMA busy_timeout = 5000;",
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite pragma: %w", err)
		}
	}
	if _, err := db.Exec(reportSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}

	return &SQLiteWriter{db: db, runID: runID}, nil
}

// Write inserts the report rows in one transaction. Writing the same run
// twice replaces its rows.
func (sw *SQLiteWriter) Write(report models.Report) error {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	tx, err := sw.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin sqlite tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO book_reports
			(run_id, position, slug, title, status, categories, error_kind, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for i, entry := range report {
		categories := entry.Categories
		if categories == nil {
			categories = models.CategorySet{}
		}
		encoded, err := json.Marshal(categories)
		if err != nil {
			return fmt.Errorf("encode categories for %s: %w", entry.Book.Slug, err)
		}

		var kind, message sql.NullString
		if entry.FetchError != nil {
			kind = sql.NullString{String: string(entry.FetchError.Kind), Valid: true}
			message = sql.NullString{String: entry.FetchError.Message, Valid: true}
		}

		if _, err := stmt.ExecContext(ctx,
			sw.runID, i, entry.Book.Slug, entry.Book.Title, string(entry.Book.Status),
			string(encoded), kind, message,
		); err != nil {
			return fmt.Errorf("insert %s: %w", entry.Book.Slug, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit sqlite tx: %w", err)
	}
	sw.rows += len(report)
	return nil
}

// Close closes the database.
func (sw *SQLiteWriter) Close() error {
	if sw == nil || sw.db == nil {
		return nil
	}
	return sw.db.Close()
}

// Validate checks that the rows written for this run are in the database.
func (sw *SQLiteWriter) Validate() error {
	sw.mu.Lock()
	want := sw.rows
	sw.mu.Unlock()

	var got int
	if err := sw.db.QueryRow(`SELECT COUNT(*) FROM book_reports WHERE run_id = ?`, sw.runID).Scan(&got); err != nil {
		return fmt.Errorf("count sqlite rows: %w", err)
	}
	if got < want {
		return fmt.Errorf("run %s has %d rows stored, %d written", sw.runID, got, want)
	}
	return nil
}

// LoadRun reads back the report stored for runID, in report order.
func (sw *SQLiteWriter) LoadRun(ctx context.Context, runID string) (models.Report, error) {
	rows, err := sw.db.QueryContext(ctx, `
		SELECT slug, title, status, categories, error_kind, error_message
		FROM book_reports WHERE run_id = ? ORDER BY position`, runID)
	if err != nil {
		return nil, fmt.Errorf("query run %s: %w", runID, err)
	}
	defer rows.Close()

	report := models.Report{}
	for rows.Next() {
		var (
			entry         models.BookReport
			status        string
			categories    string
			kind, message sql.NullString
		)
		if err := rows.Scan(&entry.Book.Slug, &entry.Book.Title, &status, &categories, &kind, &message); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		entry.Book.Status = models.Status(status)
		if err := json.Unmarshal([]byte(categories), &entry.Categories); err != nil {
			return nil, fmt.Errorf("decode categories for %s: %w", entry.Book.Slug, err)
		}
		if kind.Valid {
			entry.FetchError = &models.FetchFailure{Kind: models.ErrorKind(kind.String), Message: message.String}
		}
		report = append(report, entry)
	}
	return report, rows.Err()
}
