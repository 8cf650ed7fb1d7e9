// Package state persists the agent's single InstanceRecord and serves it
// from an in-process cache.
//
// The durable copy is a single SQLite row, rewritten transactionally on
// every save. The cache is populated lazily on first access and updated only
// after a durable write succeeds, so a failed save never advances the
// in-memory view past what is on disk.
package state

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store owns the durable instance record and its cached copy. All access is
// serialized on an internal mutex; the lifecycle layer adds its own
// operation-level exclusion on top.
type Store struct {
	mu     sync.Mutex
	db     *sql.DB
	cached *Record // nil until first Get
}

// Open opens (creating if necessary) the state database at path and runs
// migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open state database: %w", err)
	}

	// SQLite is single-writer by design. Keep a single shared connection so
	// concurrent callers are serialized by database/sql instead of fighting
	// for write locks across multiple underlying connections.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("set pragma: %w", err)
		}
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns the current record, loading it from the database on the first
// call per process. When no durable row exists the default destroyed record
// is returned (and cached).
func (s *Store) Get(ctx context.Context) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cached != nil {
		return s.cached.clone(), nil
	}

	rec, err := s.load(ctx)
	if err != nil {
		return Destroyed(), err
	}
	s.cached = &rec
	return rec.clone(), nil
}

// Save writes rec durably and, only on success, updates the cache. On
// failure the cache keeps its prior value and the error is returned so the
// caller can roll back the runtime mutation it just made.
func (s *Store) Save(ctx context.Context, rec Record) error {
	if !rec.Status.Valid() {
		return fmt.Errorf("save state: invalid status %q", rec.Status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	portsJSON, err := json.Marshal(rec.Ports)
	if err != nil {
		return fmt.Errorf("save state: encode ports: %w", err)
	}
	if rec.Ports == nil {
		portsJSON = []byte("{}")
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO instance_state (id, instance_id, container_id, status, ports_json, crypt_device, crypt_mapper, updated_at)
		VALUES (1, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			instance_id  = excluded.instance_id,
			container_id = excluded.container_id,
			status       = excluded.status,
			ports_json   = excluded.ports_json,
			crypt_device = excluded.crypt_device,
			crypt_mapper = excluded.crypt_mapper,
			updated_at   = excluded.updated_at
	`, nullable(rec.InstanceID), nullable(rec.ContainerID), string(rec.Status),
		string(portsJSON), nullable(rec.CryptDevicePath), nullable(rec.CryptMapperName),
		time.Now().UTC())
	if err != nil {
		return fmt.Errorf("save state: %w", err)
	}

	saved := rec.clone()
	s.cached = &saved
	slog.Debug("state saved", "status", rec.Status, "instance", rec.InstanceID)
	return nil
}

// Clear removes the durable row and resets the cache to the default
// destroyed record.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM instance_state WHERE id = 1`); err != nil {
		return fmt.Errorf("clear state: %w", err)
	}
	rec := Destroyed()
	s.cached = &rec
	slog.Debug("state cleared")
	return nil
}

// load reads the durable row; absent row means destroyed.
func (s *Store) load(ctx context.Context) (Record, error) {
	var (
		instanceID  sql.NullString
		containerID sql.NullString
		status      string
		portsJSON   string
		cryptDev    sql.NullString
		cryptMap    sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT instance_id, container_id, status, ports_json, crypt_device, crypt_mapper
		FROM instance_state WHERE id = 1
	`).Scan(&instanceID, &containerID, &status, &portsJSON, &cryptDev, &cryptMap)
	if err == sql.ErrNoRows {
		return Destroyed(), nil
	}
	if err != nil {
		return Destroyed(), fmt.Errorf("load state: %w", err)
	}

	rec := Record{
		InstanceID:      instanceID.String,
		ContainerID:     containerID.String,
		Status:          InstanceStatus(status),
		CryptDevicePath: cryptDev.String,
		CryptMapperName: cryptMap.String,
	}
	if !rec.Status.Valid() {
		// A corrupt status is unrecoverable state; start fresh rather than
		// guessing.
		slog.Warn("state row carries unknown status, resetting", "status", status)
		return Destroyed(), nil
	}
	if portsJSON != "" {
		if err := json.Unmarshal([]byte(portsJSON), &rec.Ports); err != nil {
			return Destroyed(), fmt.Errorf("load state: decode ports: %w", err)
		}
	}
	return rec, nil
}

// migrate applies pending schema migrations from the embedded FS.
func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			description TEXT NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	var current int
	if err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		parts := strings.SplitN(entry.Name(), "_", 2)
		if len(parts) < 2 {
			continue
		}
		var version int
		if _, err := fmt.Sscanf(parts[0], "%d", &version); err != nil {
			continue
		}
		if version <= current {
			continue
		}

		content, err := migrationsFS.ReadFile(filepath.Join("migrations", entry.Name()))
		if err != nil {
			return fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %d: %w", version, err)
		}
		description := strings.TrimSuffix(parts[1], ".sql")
		if _, err := tx.Exec(
			"INSERT INTO schema_migrations (version, applied_at, description) VALUES (?, ?, ?)",
			version, time.Now().UTC(), description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", version, err)
		}
		slog.Info("applied state migration", "version", version, "description", description)
	}
	return nil
}

// nullable maps "" to NULL so empty identifiers do not persist as empty
// strings.
func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
