package cache

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"time"

	// Import the SQLite driver.
	_ "github.com/mattn/go-sqlite3"
)

const (
	// lockStaleAfter bounds how long a crashed holder can keep a lock row.
	lockStaleAfter = 30 * time.Second

	lockPollInterval = 100 * time.Millisecond
)

// SQLiteStore is a Store backed by a SQLite database file. Several worker
// processes pointing at the same file share counters, tokens and locks.
type SQLiteStore struct {
	db    *sql.DB
	owner string
}

// NewSQLiteStore opens (or creates) the database file. It fails immediately
// when the file cannot be opened or initialized, so misconfiguration is
// reported at construction rather than on first use.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open cache database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()

		return nil, fmt.Errorf("cache database unreachable: %w", err)
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS cache_entries (
		key TEXT PRIMARY KEY,
		value BLOB,
		expires_at INTEGER
	);
	CREATE TABLE IF NOT EXISTS cache_locks (
		key TEXT PRIMARY KEY,
		owner TEXT,
		acquired_at INTEGER
	)`)
	if err != nil {
		db.Close()

		return nil, fmt.Errorf("failed to initialize cache database: %w", err)
	}

	return &SQLiteStore{db: db, owner: instanceID()}, nil
}

func (s *SQLiteStore) Store(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	var expiresAt int64
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl).UnixNano()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cache_entries (key, value, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at
	`, key, value, expiresAt)
	if err != nil {
		return fmt.Errorf("failed to store cache entry: %w", err)
	}

	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var (
		value     []byte
		expiresAt int64
	)

	err := s.db.QueryRowContext(ctx, `SELECT value, expires_at FROM cache_entries WHERE key = ?`, key).
		Scan(&value, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}

	if err != nil {
		return nil, false, fmt.Errorf("failed to read cache entry: %w", err)
	}

	if expiresAt > 0 && time.Now().UnixNano() > expiresAt {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE key = ?`, key)

		return nil, false, nil
	}

	return value, true, nil
}

func (s *SQLiteStore) Exists(ctx context.Context, key string) (bool, error) {
	_, ok, err := s.Get(ctx, key)

	return ok, err
}

func (s *SQLiteStore) Lock(key string) Mutex {
	return &sqliteMutex{db: s.db, key: key, owner: s.owner}
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// sqliteMutex claims a lock row atomically. A row held longer than
// lockStaleAfter is treated as abandoned and stolen, so a crashed worker
// cannot wedge every other process.
type sqliteMutex struct {
	db    *sql.DB
	key   string
	owner string
}

func (m *sqliteMutex) Lock(ctx context.Context) error {
	for {
		now := time.Now().UnixNano()
		stale := now - lockStaleAfter.Nanoseconds()

		res, err := m.db.ExecContext(ctx, `
			INSERT INTO cache_locks (key, owner, acquired_at) VALUES (?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET owner = excluded.owner, acquired_at = excluded.acquired_at
			WHERE cache_locks.acquired_at < ?
		`, m.key, m.owner, now, stale)
		if err != nil {
			return fmt.Errorf("failed to claim lock %q: %w", m.key, err)
		}

		affected, _ := res.RowsAffected()
		if affected > 0 {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(lockPollInterval):
		}
	}
}

func (m *sqliteMutex) Unlock() error {
	_, err := m.db.Exec(`DELETE FROM cache_locks WHERE key = ? AND owner = ?`, m.key, m.owner)
	if err != nil {
		return fmt.Errorf("failed to release lock %q: %w", m.key, err)
	}

	return nil
}

// instanceID returns a unique string for this process (hostname+pid+random).
func instanceID() string {
	host, _ := os.Hostname()
	pid := os.Getpid()
	rnd := make([]byte, 4)
	_, _ = rand.Read(rnd)

	return host + "-" + strconv.Itoa(pid) + "-" + hex.EncodeToString(rnd)
}
