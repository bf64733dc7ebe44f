package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/drivesync/drivesync/internal/syncerr"
	"github.com/drivesync/drivesync/internal/tree"
)

const (
	operationTimeout = 5 * time.Second
	schemaVersion    = "1"

	metaCursor  = "cursor"
	metaVersion = "schema_version"
)

type dialect struct {
	driver string
	// rebind rewrites ? placeholders for the driver.
	rebind func(query string) string
}

var (
	sqliteDialect   = dialect{driver: "sqlite3", rebind: func(q string) string { return q }}
	postgresDialect = dialect{driver: "postgres", rebind: dollarPlaceholders}
)

// SQLStore keeps one row per tree entry plus a meta table holding the cursor.
// Every persist rewrites the entries in one transaction.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
	desc    string

	entriesTable string
	metaTable    string
}

// OpenSQLite opens or creates the SQLite database at path.
func OpenSQLite(path string) (*SQLStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open(sqliteDialect.driver, "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// a single writer connection keeps persists serialized
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	s := &SQLStore{
		db:           db,
		dialect:      sqliteDialect,
		desc:         "sqlite://" + path,
		entriesTable: "entries",
		metaTable:    "meta",
	}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// OpenPostgres connects to PostgreSQL and creates the tables if needed.
func OpenPostgres(dsn string) (*SQLStore, error) {
	return openPostgres(dsn, "drivesync_entries", "drivesync_meta")
}

func openPostgres(dsn, entriesTable, metaTable string) (*SQLStore, error) {
	db, err := sql.Open(postgresDialect.driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &SQLStore{
		db:           db,
		dialect:      postgresDialect,
		desc:         redact(dsn),
		entriesTable: entriesTable,
		metaTable:    metaTable,
	}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) initSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
	defer cancel()

	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			path TEXT PRIMARY KEY,
			remote_id TEXT NOT NULL DEFAULT '',
			is_dir INTEGER NOT NULL DEFAULT 0,
			fingerprint TEXT NOT NULL DEFAULT ''
		)`, s.entriesTable),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`, s.metaTable),
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return s.setMeta(ctx, s.db, metaVersion, schemaVersion)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLStore) setMeta(ctx context.Context, ex execer, key, value string) error {
	query := s.dialect.rebind(fmt.Sprintf(`INSERT INTO %s (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value`, s.metaTable))
	if _, err := ex.ExecContext(ctx, query, key, value); err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	return nil
}

func (s *SQLStore) Persist(snap *tree.Snapshot) error {
	ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
	defer cancel()

	if err := s.persist(ctx, snap); err != nil {
		return fmt.Errorf("%w: %v", syncerr.ErrPersistenceFailure, err)
	}
	return nil
}

func (s *SQLStore) persist(ctx context.Context, snap *tree.Snapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s", s.entriesTable)); err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx, s.dialect.rebind(fmt.Sprintf(
		"INSERT INTO %s (path, remote_id, is_dir, fingerprint) VALUES (?, ?, ?, ?)", s.entriesTable)))
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range snap.Entries {
		isDir := 0
		if r.IsDir {
			isDir = 1
		}
		if _, err := stmt.ExecContext(ctx, r.Path, r.RemoteID, isDir, r.Fingerprint); err != nil {
			return fmt.Errorf("failed to write %s: %w", r.Path, err)
		}
	}

	if err := s.setMeta(ctx, tx, metaCursor, strconv.FormatInt(snap.Cursor, 10)); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLStore) Load() (*tree.Snapshot, error) {
	ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
	defer cancel()

	snap := &tree.Snapshot{}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		"SELECT path, remote_id, is_dir, fingerprint FROM %s ORDER BY path", s.entriesTable))
	if err != nil {
		return nil, fmt.Errorf("failed to read entries: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			r     tree.Record
			isDir int
		)
		if err := rows.Scan(&r.Path, &r.RemoteID, &isDir, &r.Fingerprint); err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		r.IsDir = isDir != 0
		snap.Entries = append(snap.Entries, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read entries: %w", err)
	}

	var cursor string
	err = s.db.QueryRowContext(ctx, s.dialect.rebind(fmt.Sprintf(
		"SELECT value FROM %s WHERE key = ?", s.metaTable)), metaCursor).Scan(&cursor)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, fmt.Errorf("failed to read cursor: %w", err)
	default:
		snap.Cursor, err = strconv.ParseInt(cursor, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: cursor %q", syncerr.ErrStateCorrupt, cursor)
		}
	}
	return snap, nil
}

// Close checkpoints the SQLite WAL and closes the database.
func (s *SQLStore) Close() error {
	if s.db == nil {
		return nil
	}
	if s.dialect.driver == sqliteDialect.driver {
		_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	}
	err := s.db.Close()
	s.db = nil
	if err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

func (s *SQLStore) String() string { return s.desc }

func dollarPlaceholders(query string) string {
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
