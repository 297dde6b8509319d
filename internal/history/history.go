// Package history persists the device call log in a local SQLite
// database. One row is written per terminated call attempt; the engine
// delivers entries through the call.Recorder interface.
package history

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/flowpbx/flowphone/internal/call"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// sqliteTimeFormat matches datetime('now'), so stored timestamps and
// SQLite-side datetime arithmetic compare as plain strings.
const sqliteTimeFormat = "2006-01-02 15:04:05"

// Entry is one stored call log row.
type Entry struct {
	ID              int64     `json:"id"`
	SessionID       string    `json:"session_id"`
	Direction       string    `json:"direction"`
	Counterpart     string    `json:"counterpart"`
	StartedAt       time.Time `json:"started_at"`
	DurationSeconds int       `json:"duration_seconds"`
	Outcome         string    `json:"outcome"`
	CreatedAt       time.Time `json:"created_at"`
}

// ListFilter narrows and pages List results.
type ListFilter struct {
	Direction string
	Outcome   string
	Search    string
	Limit     int
	Offset    int
}

// Store is the call log database. It implements call.Recorder.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ call.Recorder = (*Store)(nil)

// Open creates or opens the call log database under dataDir with WAL
// mode enabled and runs any pending migrations.
func Open(dataDir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dataDir, 0750); err != nil {
		return nil, fmt.Errorf("preparing data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "flowphone.db")
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(on)", dbPath)

	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening call log database: %w", err)
	}

	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// One connection avoids SQLITE_BUSY between the recorder and
	// the purge loop.
	sqlDB.SetMaxOpenConns(1)

	s := &Store{db: sqlDB, logger: logger.With("component", "history")}

	if err := s.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	s.logger.Info("call log opened", "path", dbPath)
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate applies any embedded migration files newer than the
// recorded schema version, each in its own transaction.
func (s *Store) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version TEXT PRIMARY KEY,
		applied_at DATETIME DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return fmt.Errorf("creating version table: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("listing embedded migrations: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version := strings.TrimSuffix(entry.Name(), ".sql")

		var count int
		err := s.db.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = ?", version).Scan(&count)
		if err != nil {
			return fmt.Errorf("checking version %s: %w", version, err)
		}
		if count > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile(filepath.Join("migrations", entry.Name()))
		if err != nil {
			return fmt.Errorf("loading migration %s: %w", version, err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("opening transaction for %s: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %s: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording version %s: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing %s: %w", version, err)
		}

		s.logger.Info("applied migration", "version", version)
	}

	return nil
}

// Record inserts one call log row.
func (s *Store) Record(ctx context.Context, entry call.LogEntry) error {
	startedAt := entry.StartedAt.UTC()
	if entry.StartedAt.IsZero() {
		startedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO call_log (session_id, direction, counterpart, started_at, duration_secs, outcome)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		entry.SessionID, string(entry.Direction), entry.Counterpart,
		startedAt.Format(sqliteTimeFormat), entry.DurationSeconds, string(entry.Outcome),
	)
	if err != nil {
		return fmt.Errorf("inserting call log entry: %w", err)
	}
	return nil
}

// List returns call log rows matching the filter, newest first, along
// with the total count of matching rows.
func (s *Store) List(ctx context.Context, filter ListFilter) ([]Entry, int, error) {
	where := "1=1"
	args := []any{}

	if filter.Direction != "" {
		where += " AND direction = ?"
		args = append(args, filter.Direction)
	}
	if filter.Outcome != "" {
		where += " AND outcome = ?"
		args = append(args, filter.Outcome)
	}
	if filter.Search != "" {
		where += " AND counterpart LIKE ?"
		args = append(args, "%"+filter.Search+"%")
	}

	var total int
	countQuery := "SELECT COUNT(*) FROM call_log WHERE " + where
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting call log entries: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, session_id, direction, counterpart, started_at, duration_secs, outcome, created_at
		 FROM call_log WHERE ` + where + ` ORDER BY started_at DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("listing call log entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, 0, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterating call log rows: %w", err)
	}

	return entries, total, nil
}

// GetBySessionID returns the entry for one call, or nil if none exists.
func (s *Store) GetBySessionID(ctx context.Context, sessionID string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, session_id, direction, counterpart, started_at, duration_secs, outcome, created_at
		 FROM call_log WHERE session_id = ? ORDER BY id DESC LIMIT 1`, sessionID)
	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// CountByOutcome returns row counts grouped by outcome.
func (s *Store) CountByOutcome(ctx context.Context) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT outcome, COUNT(*) FROM call_log GROUP BY outcome`)
	if err != nil {
		return nil, fmt.Errorf("counting call log outcomes: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var outcome string
		var n int64
		if err := rows.Scan(&outcome, &n); err != nil {
			return nil, fmt.Errorf("scanning outcome count: %w", err)
		}
		counts[outcome] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating outcome counts: %w", err)
	}
	return counts, nil
}

// Purge deletes entries older than the given number of days and
// returns how many rows were removed.
func (s *Store) Purge(ctx context.Context, days int) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM call_log WHERE started_at < datetime('now', '-' || ? || ' days')`, days)
	if err != nil {
		return 0, fmt.Errorf("purging call log: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reading purge row count: %w", err)
	}
	if n > 0 {
		s.logger.Info("purged call log entries", "removed", n, "older_than_days", days)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (Entry, error) {
	var (
		e         Entry
		startedAt string
		createdAt string
	)
	if err := row.Scan(&e.ID, &e.SessionID, &e.Direction, &e.Counterpart,
		&startedAt, &e.DurationSeconds, &e.Outcome, &createdAt); err != nil {
		if err == sql.ErrNoRows {
			return Entry{}, err
		}
		return Entry{}, fmt.Errorf("scanning call log row: %w", err)
	}
	var err error
	if e.StartedAt, err = parseStoredTime(startedAt); err != nil {
		return Entry{}, fmt.Errorf("parsing started_at: %w", err)
	}
	if e.CreatedAt, err = parseStoredTime(createdAt); err != nil {
		return Entry{}, fmt.Errorf("parsing created_at: %w", err)
	}
	return e, nil
}

// parseStoredTime reads timestamps in the stored format, tolerating
// RFC 3339 for rows written by other tools. Stored times are UTC.
func parseStoredTime(v string) (time.Time, error) {
	if t, err := time.Parse(sqliteTimeFormat, v); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, v)
}
