// Package checkpoint persists partial extraction progress so an interrupted
// run can resume where it stopped.
//
// Each checkpoint is a small SQLite database, one per user and extraction
// kind, holding the rows collected so far and the run metadata needed to
// resume. Saves build a complete database next to the target and rename
// it into place, so readers only ever see a whole checkpoint.
package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/Nebiros96/ScrobblingAnalysis/internal/dataset"
	_ "modernc.org/sqlite"
)

// Kind separates full extractions from incremental ones
type Kind string

const (
	KindFull        Kind = "full"
	KindIncremental Kind = "incremental"
)

const fileSuffix = ".checkpoint.db"

// Checkpoint is the saved state of an unfinished extraction
type Checkpoint struct {
	RunID           string
	Kind            Kind
	User            string
	PageSize        int
	Rows            []dataset.Scrobble // rows collected so far, in fetch order
	LastPageFetched int                // highest page whose rows are in Rows
	TotalPages      int
	UpperBound      time.Time // pagination pin (the run's "to" bound)
	Since           time.Time // incremental watermark, zero for full runs
	SkippedPages    []int
	SavedAt         time.Time
}

// ResumePage returns the first page to fetch when resuming.
//
// It is derived from the number of rows collected, floor(rows/page_size)+1,
// and capped by the recorded last page so a checkpoint taken after a short
// page never skips ahead.
func (c *Checkpoint) ResumePage() int {
	if c == nil || c.PageSize <= 0 {
		return 1
	}
	page := len(c.Rows)/c.PageSize + 1
	if c.LastPageFetched > 0 && c.LastPageFetched+1 < page {
		page = c.LastPageFetched + 1
	}
	if page < 1 {
		page = 1
	}
	return page
}

// Info describes a stored checkpoint without loading its rows
type Info struct {
	User            string
	Kind            Kind
	RunID           string
	RowCount        int
	LastPageFetched int
	TotalPages      int
	SkippedPages    []int
	SavedAt         time.Time
	Path            string

	// Err is set when the file could not be read. Only Path and the user
	// and kind recovered from the file name are filled in then.
	Err error
}

// Store manages checkpoint files in a single directory
type Store struct {
	dir string
	now func() time.Time
}

// NewStore creates the checkpoint directory if needed
func NewStore(dir string) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("checkpoint directory is required")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
	}
	return &Store{dir: dir, now: time.Now}, nil
}

// Dir returns the checkpoint directory
func (s *Store) Dir() string {
	return s.dir
}

// Path returns the checkpoint file for user and kind
func (s *Store) Path(user string, kind Kind) string {
	return filepath.Join(s.dir, fileName(user)+"."+string(kind)+fileSuffix)
}

// Save atomically replaces the checkpoint for cp.User and cp.Kind
func (s *Store) Save(ctx context.Context, cp *Checkpoint) error {
	if cp == nil {
		return fmt.Errorf("checkpoint is nil")
	}
	if strings.TrimSpace(cp.User) == "" {
		return fmt.Errorf("checkpoint user is required")
	}
	if cp.PageSize <= 0 {
		return fmt.Errorf("checkpoint page size must be positive, got %d", cp.PageSize)
	}
	if cp.Kind == "" {
		cp.Kind = KindFull
	}
	cp.SavedAt = s.now().UTC()

	final := s.Path(cp.User, cp.Kind)
	tmp, err := os.CreateTemp(s.dir, "."+filepath.Base(final)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp checkpoint: %w", err)
	}
	tmpPath := tmp.Name()
	_ = tmp.Close()

	if err := writeDatabase(ctx, tmpPath, cp); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}

	if err := os.Rename(tmpPath, final); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to move checkpoint into place: %w", err)
	}
	return nil
}

// Load reads the checkpoint for user and kind. It returns nil, nil when
// there is none.
func (s *Store) Load(ctx context.Context, user string, kind Kind) (*Checkpoint, error) {
	path := s.Path(user, kind)
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to stat checkpoint: %w", err)
	}

	db, err := openDatabase(path, true)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	cp, err := readMeta(ctx, db)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint %s: %w", filepath.Base(path), err)
	}

	rows, err := readRows(ctx, db)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint %s: %w", filepath.Base(path), err)
	}
	cp.Rows = rows

	return cp, nil
}

// Exists reports whether a checkpoint is stored for user and kind
func (s *Store) Exists(user string, kind Kind) (bool, error) {
	_, err := os.Stat(s.Path(user, kind))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("failed to stat checkpoint: %w", err)
}

// Clear removes the checkpoint for user and kind. A missing checkpoint is
// not an error.
func (s *Store) Clear(user string, kind Kind) error {
	path := s.Path(user, kind)
	for _, p := range []string{path, path + "-journal", path + "-wal", path + "-shm"} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to remove checkpoint: %w", err)
		}
	}
	return nil
}

// List returns metadata for every stored checkpoint, most recent first.
// Unreadable files are listed last with Err set.
func (s *Store) List(ctx context.Context) ([]Info, error) {
	matches, err := filepath.Glob(filepath.Join(s.dir, "*"+fileSuffix))
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}

	infos := make([]Info, 0, len(matches))
	for _, path := range matches {
		info, err := readInfo(ctx, path)
		if err != nil {
			info = infoFromName(path)
			info.Err = err
		}
		infos = append(infos, info)
	}

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].SavedAt.After(infos[j].SavedAt)
	})
	return infos, nil
}

// infoFromName recovers user and kind from a checkpoint file name
func infoFromName(path string) Info {
	name := strings.TrimSuffix(filepath.Base(path), fileSuffix)
	info := Info{User: name, Path: path}
	if i := strings.LastIndex(name, "."); i >= 0 {
		info.User = name[:i]
		info.Kind = Kind(name[i+1:])
	}
	return info
}

func readInfo(ctx context.Context, path string) (Info, error) {
	db, err := openDatabase(path, true)
	if err != nil {
		return Info{}, err
	}
	defer db.Close()

	cp, err := readMeta(ctx, db)
	if err != nil {
		return Info{}, fmt.Errorf("failed to read checkpoint %s: %w", filepath.Base(path), err)
	}

	var count int
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM scrobbles").Scan(&count); err != nil {
		return Info{}, fmt.Errorf("failed to count checkpoint rows: %w", err)
	}

	return Info{
		User:            cp.User,
		Kind:            cp.Kind,
		RunID:           cp.RunID,
		RowCount:        count,
		LastPageFetched: cp.LastPageFetched,
		TotalPages:      cp.TotalPages,
		SkippedPages:    cp.SkippedPages,
		SavedAt:         cp.SavedAt,
		Path:            path,
	}, nil
}

// openDatabase opens a checkpoint file. The connection pool is limited to
// one connection like every other SQLite handle in this module.
func openDatabase(path string, readOnly bool) (*sql.DB, error) {
	dsn := path
	if readOnly {
		dsn = "file:" + path + "?mode=ro"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint: %w", err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA busy_timeout = 10000", // Wait up to 10 seconds on lock
	}
	if !readOnly {
		pragmas = append(pragmas,
			"PRAGMA journal_mode = DELETE", // Single file on disk, ready to rename
			"PRAGMA synchronous = FULL",    // Durable before the rename
			"PRAGMA temp_store = MEMORY",   // Use memory for temp tables
		)
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	return db, nil
}

const schema = `
	CREATE TABLE meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE TABLE scrobbles (
		seq INTEGER PRIMARY KEY,
		user TEXT NOT NULL,
		uts INTEGER NOT NULL,
		artist TEXT NOT NULL,
		album TEXT,
		track TEXT NOT NULL,
		url TEXT
	);
`

func writeDatabase(ctx context.Context, path string, cp *Checkpoint) error {
	db, err := openDatabase(path, false)
	if err != nil {
		return err
	}

	if err := populate(ctx, db, cp); err != nil {
		db.Close()
		return err
	}

	if err := db.Close(); err != nil {
		return fmt.Errorf("failed to close checkpoint: %w", err)
	}
	return nil
}

func populate(ctx context.Context, db *sql.DB, cp *Checkpoint) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	metaStmt, err := tx.PrepareContext(ctx, "INSERT INTO meta (key, value) VALUES (?, ?)")
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer metaStmt.Close()

	for key, value := range encodeMeta(cp) {
		if _, err := metaStmt.ExecContext(ctx, key, value); err != nil {
			return fmt.Errorf("failed to write checkpoint meta %s: %w", key, err)
		}
	}

	rowStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO scrobbles (seq, user, uts, artist, album, track, url)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer rowStmt.Close()

	for i, r := range cp.Rows {
		if _, err := rowStmt.ExecContext(ctx, i, r.User, r.Timestamp.Unix(), r.Artist, r.Album, r.Track, r.URL); err != nil {
			return fmt.Errorf("failed to write checkpoint row %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func encodeMeta(cp *Checkpoint) map[string]string {
	pages := make([]string, len(cp.SkippedPages))
	for i, p := range cp.SkippedPages {
		pages[i] = strconv.Itoa(p)
	}

	return map[string]string{
		"run_id":            cp.RunID,
		"kind":              string(cp.Kind),
		"user":              cp.User,
		"page_size":         strconv.Itoa(cp.PageSize),
		"row_count":         strconv.Itoa(len(cp.Rows)),
		"last_page_fetched": strconv.Itoa(cp.LastPageFetched),
		"total_pages":       strconv.Itoa(cp.TotalPages),
		"upper_bound":       formatUnix(cp.UpperBound),
		"since":             formatUnix(cp.Since),
		"skipped_pages":     strings.Join(pages, ","),
		"saved_at":          cp.SavedAt.Format(time.RFC3339Nano),
	}
}

func readMeta(ctx context.Context, db *sql.DB) (*Checkpoint, error) {
	rows, err := db.QueryContext(ctx, "SELECT key, value FROM meta")
	if err != nil {
		return nil, fmt.Errorf("failed to query meta: %w", err)
	}
	defer rows.Close()

	meta := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("failed to scan meta: %w", err)
		}
		meta[key] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating meta: %w", err)
	}

	pageSize, err := strconv.Atoi(meta["page_size"])
	if err != nil || pageSize <= 0 {
		return nil, fmt.Errorf("invalid page_size %q", meta["page_size"])
	}

	cp := &Checkpoint{
		RunID:           meta["run_id"],
		Kind:            Kind(meta["kind"]),
		User:            meta["user"],
		PageSize:        pageSize,
		LastPageFetched: atoi(meta["last_page_fetched"]),
		TotalPages:      atoi(meta["total_pages"]),
		UpperBound:      parseUnix(meta["upper_bound"]),
		Since:           parseUnix(meta["since"]),
	}

	if v := meta["skipped_pages"]; v != "" {
		for _, part := range strings.Split(v, ",") {
			if p := atoi(part); p > 0 {
				cp.SkippedPages = append(cp.SkippedPages, p)
			}
		}
	}
	if t, err := time.Parse(time.RFC3339Nano, meta["saved_at"]); err == nil {
		cp.SavedAt = t
	}

	return cp, nil
}

func readRows(ctx context.Context, db *sql.DB) ([]dataset.Scrobble, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT user, uts, artist, COALESCE(album, ''), track, COALESCE(url, '')
		FROM scrobbles
		ORDER BY seq ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query scrobbles: %w", err)
	}
	defer rows.Close()

	var out []dataset.Scrobble
	for rows.Next() {
		var s dataset.Scrobble
		var uts int64
		if err := rows.Scan(&s.User, &uts, &s.Artist, &s.Album, &s.Track, &s.URL); err != nil {
			return nil, fmt.Errorf("failed to scan scrobble: %w", err)
		}
		s.Timestamp = time.Unix(uts, 0).UTC()
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating scrobbles: %w", err)
	}

	return out, nil
}

// fileName maps a username to a safe, case-insensitive file name
func fileName(user string) string {
	user = strings.ToLower(strings.TrimSpace(user))
	var b strings.Builder
	for _, r := range user {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "_"
	}
	return b.String()
}

func formatUnix(t time.Time) string {
	if t.IsZero() {
		return "0"
	}
	return strconv.FormatInt(t.Unix(), 10)
}

func parseUnix(v string) time.Time {
	secs, err := strconv.ParseInt(v, 10, 64)
	if err != nil || secs <= 0 {
		return time.Time{}
	}
	return time.Unix(secs, 0).UTC()
}

func atoi(s string) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0
	}
	return n
}
