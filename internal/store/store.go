// Package store caches extracted datasets between runs so that later
// fetches only need to download new plays.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Nebiros96/ScrobblingAnalysis/internal/dataset"
	_ "modernc.org/sqlite"
)

// Cache is the dataset cache owned by the calling layer. Only raw plays
// are kept; calendar fields are derived again on read.
type Cache interface {
	// Get returns the cached plays of user, ascending by timestamp, and
	// whether anything was cached.
	Get(ctx context.Context, user string) ([]dataset.Scrobble, bool, error)

	// Put replaces the cached plays of user.
	Put(ctx context.Context, user string, rows []dataset.Scrobble) error
}

// SQLite is a Cache backed by a SQLite database
type SQLite struct {
	db *sql.DB
}

// Open opens or creates the cache database at path. ":memory:" gives a
// throwaway cache.
func Open(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Set connection pool size to 1 so in-memory databases stay consistent
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA foreign_keys = ON",    // Enforce foreign key constraints
		"PRAGMA busy_timeout = 10000", // Wait up to 10 seconds on lock
		"PRAGMA synchronous = NORMAL", // Balance between safety and performance
		"PRAGMA journal_mode = WAL",   // Write-Ahead Logging for concurrent access
		"PRAGMA temp_store = MEMORY",  // Use memory for temp tables
		"PRAGMA cache_size = -64000",  // 64MB cache
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	schema := `
		CREATE TABLE IF NOT EXISTS scrobbles (
			user TEXT NOT NULL,
			uts INTEGER NOT NULL,
			artist TEXT NOT NULL,
			track TEXT NOT NULL,
			album TEXT,
			url TEXT,
			PRIMARY KEY (user, uts, artist, track)
		);

		CREATE TABLE IF NOT EXISTS users (
			user TEXT PRIMARY KEY,
			updated_at INTEGER NOT NULL
		);
	`

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &SQLite{db: db}, nil
}

// Close closes the database connection
func (s *SQLite) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Get returns the cached plays of user
func (s *SQLite) Get(ctx context.Context, user string) ([]dataset.Scrobble, bool, error) {
	key := normalizeUser(user)

	var updated int64
	err := s.db.QueryRowContext(ctx, "SELECT updated_at FROM users WHERE user = ?", key).Scan(&updated)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to look up user: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT uts, artist, track, COALESCE(album, ''), COALESCE(url, '')
		FROM scrobbles
		WHERE user = ?
		ORDER BY uts ASC, artist ASC, track ASC
	`, key)
	if err != nil {
		return nil, false, fmt.Errorf("failed to query scrobbles: %w", err)
	}
	defer rows.Close()

	out := []dataset.Scrobble{}
	for rows.Next() {
		s := dataset.Scrobble{User: user}
		var uts int64
		if err := rows.Scan(&uts, &s.Artist, &s.Track, &s.Album, &s.URL); err != nil {
			return nil, false, fmt.Errorf("failed to scan scrobble: %w", err)
		}
		s.Timestamp = time.Unix(uts, 0).UTC()
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, false, fmt.Errorf("error iterating scrobbles: %w", err)
	}

	return out, true, nil
}

// Put replaces the cached plays of user in a single transaction
func (s *SQLite) Put(ctx context.Context, user string, rows []dataset.Scrobble) error {
	key := normalizeUser(user)
	if key == "" {
		return fmt.Errorf("user is required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "DELETE FROM scrobbles WHERE user = ?", key); err != nil {
		return fmt.Errorf("failed to clear cached scrobbles: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO scrobbles (user, uts, artist, track, album, url)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, r := range rows {
		if _, err := stmt.ExecContext(ctx, key, r.Timestamp.Unix(), r.Artist, r.Track, r.Album, r.URL); err != nil {
			return fmt.Errorf("failed to insert scrobble: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO users (user, updated_at) VALUES (?, ?)
		ON CONFLICT(user) DO UPDATE SET updated_at = excluded.updated_at
	`, key, time.Now().Unix()); err != nil {
		return fmt.Errorf("failed to record user: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// Users lists cached users
func (s *SQLite) Users(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT user FROM users ORDER BY user ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to query users: %w", err)
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating users: %w", err)
	}

	return users, nil
}

// Count returns the number of cached plays of user
func (s *SQLite) Count(ctx context.Context, user string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM scrobbles WHERE user = ?", normalizeUser(user)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count scrobbles: %w", err)
	}
	return count, nil
}

// Latest returns the timestamp of the newest cached play of user, or the
// zero time when nothing is cached.
func (s *SQLite) Latest(ctx context.Context, user string) (time.Time, error) {
	var uts sql.NullInt64
	err := s.db.QueryRowContext(ctx, "SELECT MAX(uts) FROM scrobbles WHERE user = ?", normalizeUser(user)).Scan(&uts)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to query latest scrobble: %w", err)
	}
	if !uts.Valid {
		return time.Time{}, nil
	}
	return time.Unix(uts.Int64, 0).UTC(), nil
}

// Memory is an in-process Cache
type Memory struct {
	mu   sync.RWMutex
	data map[string][]dataset.Scrobble
}

// NewMemory creates an empty in-memory cache
func NewMemory() *Memory {
	return &Memory{data: make(map[string][]dataset.Scrobble)}
}

// Get returns a copy of the cached plays of user
func (m *Memory) Get(ctx context.Context, user string) ([]dataset.Scrobble, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rows, ok := m.data[normalizeUser(user)]
	if !ok {
		return nil, false, nil
	}
	out := make([]dataset.Scrobble, len(rows))
	copy(out, rows)
	return out, true, nil
}

// Put stores a sorted copy of rows for user
func (m *Memory) Put(ctx context.Context, user string, rows []dataset.Scrobble) error {
	key := normalizeUser(user)
	if key == "" {
		return fmt.Errorf("user is required")
	}

	stored := make([]dataset.Scrobble, len(rows))
	copy(stored, rows)
	sort.SliceStable(stored, func(i, j int) bool {
		return stored[i].Timestamp.Before(stored[j].Timestamp)
	})

	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = stored
	return nil
}

// Last.fm usernames are case-insensitive
func normalizeUser(user string) string {
	return strings.ToLower(strings.TrimSpace(user))
}
