package cache

import (
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// SQLiteCache is a CacheProvider backed by a single SQLite database.
type SQLiteCache struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

// NewSQLiteCache creates a new cache with the given filename as the db.
// If file name is empty or "memory", a new private in-memory db is opened.
func NewSQLiteCache(filename string) (*SQLiteCache, error) {
	db, err := OpenDB(filename)
	if err != nil {
		return nil, err
	}
	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS partitions (
			name TEXT PRIMARY KEY
		)`,
		`CREATE TABLE IF NOT EXISTS entries (
			partition TEXT NOT NULL,
			key TEXT NOT NULL,
			class TEXT NOT NULL,
			stored_at INTEGER NOT NULL,
			bytes BLOB,
			PRIMARY KEY (partition, key)
		)`,
		"CREATE INDEX IF NOT EXISTS stored_at_idx ON entries (partition, stored_at)",
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("create cache schema: %w", err)
		}
	}
	return &SQLiteCache{
		db:         db,
		writeMutex: &sync.Mutex{},
	}, nil
}

// OpenDB opens the SQLite database used by the cache and the deferred queue.
// File databases use WAL journaling and a busy timeout.
// An in-memory database is private to the returned handle.
func OpenDB(filename string) (*sql.DB, error) {
	memory := filename == "" || filename == "memory"
	dsn := filename
	if memory {
		dsn = ":memory:"
	} else {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", filename, err)
	}
	if memory {
		// every pooled connection would get its own empty database
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("open sqlite %s: %w", filename, err)
	}
	return db, nil
}

// DB returns the underlying database handle.
func (s *SQLiteCache) DB() *sql.DB {
	return s.db
}

func (s *SQLiteCache) Open(partition string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.Exec("INSERT OR IGNORE INTO partitions (name) VALUES (?)", partition)
	return err
}

func (s *SQLiteCache) Partitions() ([]string, error) {
	rows, err := s.db.Query("SELECT name FROM partitions ORDER BY name")
	if err != nil {
		return nil, err
	}
	return scanKeys(rows)
}

func (s *SQLiteCache) Get(partition, key string) (CacheEntry, bool, error) {
	var (
		entry    CacheEntry
		class    string
		storedAt int64
	)
	err := s.db.QueryRow(
		"SELECT key, class, stored_at, bytes FROM entries WHERE partition = ? AND key = ?",
		partition, key,
	).Scan(&entry.Key, &class, &storedAt, &entry.Bytes)
	if err == sql.ErrNoRows {
		return CacheEntry{}, false, nil
	}
	if err != nil {
		return CacheEntry{}, false, err
	}
	entry.Class = PartitionClass(class)
	entry.StoredAt = time.Unix(0, storedAt)
	return entry, true, nil
}

func (s *SQLiteCache) Put(partition string, ce CacheEntry) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec("INSERT OR IGNORE INTO partitions (name) VALUES (?)", partition); err != nil {
		return err
	}
	if _, err := tx.Exec(`INSERT OR REPLACE INTO entries
		(partition, key, class, stored_at, bytes) VALUES (?, ?, ?, ?, ?)`,
		partition, ce.Key, string(ce.Class), ce.StoredAt.UnixNano(), ce.Bytes); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteCache) Delete(partition, key string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.Exec("DELETE FROM entries WHERE partition = ? AND key = ?", partition, key)
	return err
}

func (s *SQLiteCache) Keys(partition string) ([]string, error) {
	rows, err := s.db.Query(
		"SELECT key FROM entries WHERE partition = ? ORDER BY stored_at ASC, rowid ASC",
		partition,
	)
	if err != nil {
		return nil, err
	}
	return scanKeys(rows)
}

func (s *SQLiteCache) Count(partition string) (int, error) {
	var count int
	err := s.db.QueryRow("SELECT COUNT(*) FROM entries WHERE partition = ?", partition).Scan(&count)
	return count, err
}

func (s *SQLiteCache) Oldest(partition string, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}
	rows, err := s.db.Query(
		"SELECT key FROM entries WHERE partition = ? ORDER BY stored_at ASC, rowid ASC LIMIT ?",
		partition, n,
	)
	if err != nil {
		return nil, err
	}
	return scanKeys(rows)
}

func (s *SQLiteCache) DeletePartition(partition string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec("DELETE FROM entries WHERE partition = ?", partition); err != nil {
		return err
	}
	if _, err := tx.Exec("DELETE FROM partitions WHERE name = ?", partition); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteCache) Close() error {
	return s.db.Close()
}

// scanKeys reads a single string column and closes the rows.
// Results are collected before returning so callers never hold
// an open cursor while writing.
func scanKeys(rows *sql.Rows) ([]string, error) {
	defer rows.Close()
	keys := make([]string, 0)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return keys, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}
