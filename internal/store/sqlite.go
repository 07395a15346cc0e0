package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"petnames/internal/names"
)

// DefaultBusyTimeout is how long a writer waits on a locked database.
const DefaultBusyTimeout = 5 * time.Second

// Store represents the SQLite name store.
type Store struct {
	db   *sql.DB
	path string
}

// Option configures Open.
type Option func(*options)

type options struct {
	busyTimeout time.Duration
}

// WithBusyTimeout sets the SQLite busy timeout.
func WithBusyTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.busyTimeout = d
		}
	}
}

// Open opens or creates the SQLite database at the given path and runs migrations.
func Open(path string, opts ...Option) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := OpenDB(path, opts...)
	if err != nil {
		return nil, err
	}

	if err := MigrateDB(db); err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{db: db, path: path}
	if err := s.backfillHashes(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// OpenDB opens the database without migrating it, for maintenance that must
// see the schema as it is on disk.
func OpenDB(path string, opts ...Option) (*sql.DB, error) {
	o := options{busyTimeout: DefaultBusyTimeout}
	for _, opt := range opts {
		opt(&o)
	}

	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=%d", path, o.busyTimeout.Milliseconds())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return db, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// DB exposes the connection for migration tooling.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// LoadNames returns every stored name.
func (s *Store) LoadNames() ([]names.Record, error) {
	rows, err := s.db.Query(`
		SELECT type, value, variation, name, source_id, proposed_names
		FROM names
		ORDER BY type, value, variation`)
	if err != nil {
		return nil, fmt.Errorf("query names: %w", err)
	}
	defer rows.Close()

	var out []names.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate names: %w", err)
	}
	return out, nil
}

// GetName returns one stored name, or nil if there is none.
func (s *Store) GetName(t names.Type, value, variation string) (*names.Record, error) {
	row := s.db.QueryRow(`
		SELECT type, value, variation, name, source_id, proposed_names
		FROM names WHERE type = ? AND value = ? AND variation = ?`,
		string(t), value, variation,
	)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

// SaveName inserts or replaces a name.
func (s *Store) SaveName(rec names.Record) error {
	proposed, err := encodeProposed(rec.Entry.ProposedNames)
	if err != nil {
		return err
	}
	hash := computeRowHash(rec, proposed)

	_, err = s.db.Exec(`
		INSERT INTO names (type, value, variation, name, source_id, proposed_names, updated_ns, row_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (type, value, variation) DO UPDATE SET
			name = excluded.name,
			source_id = excluded.source_id,
			proposed_names = excluded.proposed_names,
			updated_ns = excluded.updated_ns,
			row_hash = excluded.row_hash`,
		string(rec.Type), rec.Value, rec.Variation,
		nullString(rec.Entry.Name), nullString(rec.Entry.SourceID), proposed,
		time.Now().UnixNano(), hash[:],
	)
	if err != nil {
		return fmt.Errorf("save name %s/%s: %w", rec.Value, rec.Variation, err)
	}
	return nil
}

// DeleteName removes a name. Deleting a missing name is not an error.
func (s *Store) DeleteName(t names.Type, value, variation string) error {
	_, err := s.db.Exec(
		"DELETE FROM names WHERE type = ? AND value = ? AND variation = ?",
		string(t), value, variation,
	)
	if err != nil {
		return fmt.Errorf("delete name %s/%s: %w", value, variation, err)
	}
	return nil
}

// GetStats summarizes the store.
func (s *Store) GetStats() (*Stats, error) {
	stats := &Stats{
		ByType:   make(map[string]int64),
		BySource: make(map[string]int64),
	}

	var lastNs sql.NullInt64
	err := s.db.QueryRow(
		"SELECT COUNT(*), COUNT(name), MAX(updated_ns) FROM names",
	).Scan(&stats.Names, &stats.Named, &lastNs)
	if err != nil {
		return nil, fmt.Errorf("count names: %w", err)
	}
	if lastNs.Valid {
		stats.LastUpdated = time.Unix(0, lastNs.Int64)
	}

	if err := s.groupCount("type", stats.ByType); err != nil {
		return nil, err
	}
	if err := s.groupCount("COALESCE(source_id, '')", stats.BySource); err != nil {
		return nil, err
	}

	for _, p := range []string{s.path, s.path + "-wal"} {
		if info, err := os.Stat(p); err == nil {
			stats.SizeBytes += info.Size()
		}
	}
	return stats, nil
}

func (s *Store) groupCount(expr string, into map[string]int64) error {
	rows, err := s.db.Query("SELECT " + expr + ", COUNT(*) FROM names WHERE name IS NOT NULL GROUP BY 1")
	if err != nil {
		return fmt.Errorf("group names by %s: %w", expr, err)
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var n int64
		if err := rows.Scan(&key, &n); err != nil {
			return fmt.Errorf("scan group: %w", err)
		}
		into[key] = n
	}
	return rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (names.Record, error) {
	var (
		rec               names.Record
		typ               string
		name, source, raw sql.NullString
	)
	if err := sc.Scan(&typ, &rec.Value, &rec.Variation, &name, &source, &raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return rec, err
		}
		return rec, fmt.Errorf("scan name: %w", err)
	}
	rec.Type = names.Type(typ)
	if name.Valid {
		rec.Entry.Name = names.Ptr(name.String)
	}
	if source.Valid {
		rec.Entry.SourceID = names.Ptr(source.String)
	}
	if raw.Valid && raw.String != "" {
		if err := json.Unmarshal([]byte(raw.String), &rec.Entry.ProposedNames); err != nil {
			return rec, fmt.Errorf("decode proposed names for %s: %w", rec.Value, err)
		}
	}
	return rec, nil
}

func encodeProposed(p map[string]names.ProposedNames) (sql.NullString, error) {
	if len(p) == 0 {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode proposed names: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}
