package cache

import (
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// CacheProvider is an interface for a cache provider.
// It stores and retrieves []byte values, which represent HTTP responses.
// Entries never expire; they stay until purged.
// Operating on key prefixes is very important in order for many buckets
// to be able to be stored in the same provider.
//
// Implementations must be thread-safe!
type CacheProvider interface {
	// AllKeys calls the given callback for each key with the given prefix.
	// It calls the callback in order to enable very large lists of keys to be
	// processable (provider implementation might use paging, for instance).
	AllKeys(prefix string, cb func(string)) error
	// All returns all cache entries that have the specific key prefix.
	All(prefix string) ([]CacheEntry, error)
	// Put stores the given entry, replacing any entry with the same key.
	Put(CacheEntry) error
	// PutAll stores all given entries, or none of them if an error occurs.
	PutAll([]CacheEntry) error
	// HasPrefix checks if any key with the given prefix exists.
	HasPrefix(prefix string) (bool, error)
	// PurgePrefix removes all entries with the given key prefix.
	// It returns the number of removed entries.
	PurgePrefix(prefix string) (int, error)
}

type CacheEntry struct {
	Key string
	// Time the request that resulted in the stored response was sent.
	RequestedAt time.Time
	// Time the response was received.
	ReceivedAt time.Time
	// HTTP/1.1 wire form of the response.
	Bytes []byte
}

type SQLiteCache struct {
	db    *sql.DB
	mutex *sync.Mutex
}

var memoryDBs atomic.Int64

// NewSQLiteCache creates a new cache with the given filename as the db.
// If file name is empty, a new in-memory db is opened, private to this cache.
func NewSQLiteCache(filename string) (SQLiteCache, error) {
	if filename == "" {
		filename = fmt.Sprintf("file:offline-cache-%d?mode=memory&cache=shared", memoryDBs.Add(1))
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return SQLiteCache{}, fmt.Errorf("open %s: %w", filename, err)
	}
	// a single connection keeps the in-memory db alive and serializes writers
	db.SetMaxOpenConns(1)
	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS cache (
			key TEXT PRIMARY KEY,
			requested_at INTEGER,
			received_at INTEGER,
			bytes BLOB
		)`,
		"PRAGMA journal_mode=WAL",
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return SQLiteCache{}, fmt.Errorf("init %s: %w", filename, err)
		}
	}
	return SQLiteCache{
		db:    db,
		mutex: &sync.Mutex{},
	}, nil
}

// Close closes the underlying db.
func (s SQLiteCache) Close() error {
	return s.db.Close()
}

// keys are compared with substr instead of LIKE, which is case-insensitive
// and treats `_` and `%` in URLs as wildcards
const prefixCondition = "substr(key, 1, length(?)) = ?"

func (s SQLiteCache) All(prefix string) ([]CacheEntry, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	entries := make([]CacheEntry, 0)
	rows, err := s.db.Query(`SELECT key, requested_at, received_at, bytes
		FROM cache WHERE `+prefixCondition, prefix, prefix)
	if err != nil {
		return entries, err
	}
	defer rows.Close()
	for rows.Next() {
		var entry CacheEntry
		var req, rec int64
		if err := rows.Scan(&entry.Key, &req, &rec, &entry.Bytes); err != nil {
			return entries, err
		}
		entry.RequestedAt = time.UnixMilli(req)
		entry.ReceivedAt = time.UnixMilli(rec)
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (s SQLiteCache) Put(ce CacheEntry) error {
	return s.PutAll([]CacheEntry{ce})
}

func (s SQLiteCache) PutAll(entries []CacheEntry) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	for _, ce := range entries {
		_, err := tx.Exec(`INSERT OR REPLACE INTO cache
			(key, requested_at, received_at, bytes) VALUES (?, ?, ?, ?)`,
			ce.Key, ce.RequestedAt.UnixMilli(), ce.ReceivedAt.UnixMilli(), ce.Bytes)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("put %s: %w", ce.Key, err)
		}
	}
	return tx.Commit()
}

func (s SQLiteCache) HasPrefix(prefix string) (bool, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	var found int
	err := s.db.QueryRow("SELECT 1 FROM cache WHERE "+prefixCondition+" LIMIT 1", prefix, prefix).Scan(&found)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (s SQLiteCache) PurgePrefix(prefix string) (int, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	result, err := s.db.Exec("DELETE FROM cache WHERE "+prefixCondition, prefix, prefix)
	if err != nil {
		return 0, err
	}
	n, err := result.RowsAffected()
	return int(n), err
}

func (s SQLiteCache) AllKeys(prefix string, cb func(string)) error {
	keys, err := s.keys(prefix)
	if err != nil {
		return err
	}
	// callbacks run after the rows are closed so they may use the cache
	for _, key := range keys {
		cb(key)
	}
	return nil
}

func (s SQLiteCache) keys(prefix string) ([]string, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	rows, err := s.db.Query("SELECT key FROM cache WHERE "+prefixCondition+" ORDER BY key", prefix, prefix)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	keys := make([]string, 0)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return keys, err
		}
		// guard against collation surprises in substr/length
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	return keys, rows.Err()
}
