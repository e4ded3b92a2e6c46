package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	config Config
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	// Every connection to :memory: opens a separate database.
	if isMemory(cfg.Path) {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{config: cfg}, nil
}

func isMemory(path string) bool {
	return path == ":memory:" || strings.Contains(path, "mode=memory")
}

// Init opens the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	pragmas := []string{"_pragma=foreign_keys(1)", "_pragma=busy_timeout(5000)", "_txlock=immediate"}
	if !isMemory(s.config.Path) {
		pragmas = append(pragmas, "_pragma=journal_mode(WAL)", "_pragma=synchronous(NORMAL)")
	}
	sep := "?"
	if strings.Contains(s.config.Path, "?") {
		sep = "&"
	}
	dsn := s.config.Path + sep + strings.Join(pragmas, "&")

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.config.MaxOpenConns)
	db.SetMaxIdleConns(s.config.MaxIdleConns)
	db.SetConnMaxLifetime(s.config.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// HealthCheck verifies the database connection
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}

const upsertTitleQuery = `
	INSERT INTO titles (serial, name, region, compat, notes, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(serial) DO UPDATE SET
		name = excluded.name,
		region = excluded.region,
		compat = excluded.compat,
		notes = excluded.notes,
		updated_at = excluded.updated_at
`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsertTitle(ctx context.Context, db execer, title *Title) error {
	if title.Serial == "" {
		return fmt.Errorf("title serial is required")
	}

	now := time.Now().UTC()
	if title.CreatedAt.IsZero() {
		title.CreatedAt = now
	}
	title.UpdatedAt = now

	_, err := db.ExecContext(ctx, upsertTitleQuery,
		title.Serial,
		title.Name,
		title.Region,
		title.Compat,
		title.Notes,
		title.CreatedAt,
		title.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert title %s: %w", title.Serial, err)
	}
	return nil
}

// UpsertTitle inserts or updates a catalog title
func (s *SQLiteStore) UpsertTitle(ctx context.Context, title *Title) error {
	return upsertTitle(ctx, s.db, title)
}

// UpsertTitles inserts or updates titles in one transaction
func (s *SQLiteStore) UpsertTitles(ctx context.Context, titles []*Title) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	for _, title := range titles {
		if err := upsertTitle(ctx, tx, title); err != nil {
			_ = tx.Rollback()
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit titles: %w", err)
	}
	return nil
}

const titleColumns = `serial, name, region, compat, notes, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanTitle(row scanner) (*Title, error) {
	title := &Title{}
	err := row.Scan(
		&title.Serial,
		&title.Name,
		&title.Region,
		&title.Compat,
		&title.Notes,
		&title.CreatedAt,
		&title.UpdatedAt,
	)
	return title, err
}

// GetTitle retrieves a title by serial
func (s *SQLiteStore) GetTitle(ctx context.Context, serial string) (*Title, error) {
	query := `SELECT ` + titleColumns + ` FROM titles WHERE serial = ?`

	title, err := scanTitle(s.db.QueryRowContext(ctx, query, serial))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("title %s: %w", serial, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get title: %w", err)
	}
	return title, nil
}

// ListTitles lists titles ordered by serial with pagination
func (s *SQLiteStore) ListTitles(ctx context.Context, limit, offset int) ([]*Title, error) {
	query := `SELECT ` + titleColumns + ` FROM titles ORDER BY serial LIMIT ? OFFSET ?`

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list titles: %w", err)
	}
	defer rows.Close()

	titles := []*Title{}
	for rows.Next() {
		title, err := scanTitle(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan title: %w", err)
		}
		titles = append(titles, title)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating titles: %w", err)
	}
	return titles, nil
}

// ForEachTitle streams every title to fn in serial order. It stops at the
// first error from fn or when ctx is done.
func (s *SQLiteStore) ForEachTitle(ctx context.Context, fn func(*Title) error) error {
	query := `SELECT ` + titleColumns + ` FROM titles ORDER BY serial`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to query titles: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		title, err := scanTitle(rows)
		if err != nil {
			return fmt.Errorf("failed to scan title: %w", err)
		}
		if err := fn(title); err != nil {
			return err
		}
	}
	return rows.Err()
}

// CountTitles returns the number of catalog titles
func (s *SQLiteStore) CountTitles(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM titles`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count titles: %w", err)
	}
	return n, nil
}

// DeleteTitle deletes a title by serial
func (s *SQLiteStore) DeleteTitle(ctx context.Context, serial string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM titles WHERE serial = ?`, serial)
	if err != nil {
		return fmt.Errorf("failed to delete title: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("title %s: %w", serial, ErrNotFound)
	}
	return nil
}

// StartSession records the start of a session
func (s *SQLiteStore) StartSession(ctx context.Context, session *Session) error {
	query := `
		INSERT INTO sessions (id, started_at, execution_config, downgraded)
		VALUES (?, ?, ?, ?)
	`

	if session.StartedAt.IsZero() {
		session.StartedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, query,
		session.ID,
		session.StartedAt,
		session.ExecutionConfig,
		session.Downgraded,
	)
	if err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}
	return nil
}

// EndSession records the end of a session
func (s *SQLiteStore) EndSession(ctx context.Context, id string, shutdownErrors int, finalState string) error {
	query := `
		UPDATE sessions
		SET ended_at = ?, shutdown_errors = ?, final_state = ?
		WHERE id = ?
	`

	result, err := s.db.ExecContext(ctx, query, time.Now().UTC(), shutdownErrors, finalState, id)
	if err != nil {
		return fmt.Errorf("failed to end session: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return nil
}

const sessionColumns = `id, started_at, ended_at, execution_config, downgraded, shutdown_errors, final_state`

func scanSession(row scanner) (*Session, error) {
	session := &Session{}
	err := row.Scan(
		&session.ID,
		&session.StartedAt,
		&session.EndedAt,
		&session.ExecutionConfig,
		&session.Downgraded,
		&session.ShutdownErrors,
		&session.FinalState,
	)
	return session, err
}

// GetSession retrieves a session by ID
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE id = ?`

	session, err := scanSession(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return session, nil
}

// ListSessions lists the most recent sessions first
func (s *SQLiteStore) ListSessions(ctx context.Context, limit int) ([]*Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions ORDER BY started_at DESC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	sessions := []*Session{}
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, session)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sessions: %w", err)
	}
	return sessions, nil
}
