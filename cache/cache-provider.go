package cache

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/jmgilman/go/errors"

	_ "github.com/glebarez/go-sqlite"
)

// CacheProvider is an interface for a durable, named-store backend.
// It stores and retrieves []byte values, which represent serialized HTTP responses,
// grouped in stores (one store per partition and generation).
// Operating on specific store names is very important in order for old generations
// to be purged without touching the current one.
//
// Implementations must be thread-safe!
type CacheProvider interface {
	// Open creates the named store if it does not exist yet.
	// Opening an existing store is a no-op.
	Open(ctx context.Context, store string) error
	// Stores returns the names of all stores, whatever generation they belong to.
	Stores(ctx context.Context) ([]string, error)
	// Delete removes the named store and all its entries.
	// It returns a boolean indicating whether the store existed.
	Delete(ctx context.Context, store string) (bool, error)
	// Get returns the bytes stored under the given key in the given store, if they exist.
	// It also returns a boolean indicating whether retrieval was successful.
	Get(ctx context.Context, store, key string) ([]byte, bool, error)
	// Put stores the bytes under the given key, overwriting any previous value.
	// If the store does not exist (e.g. it was deleted after being opened),
	// the write is dropped without an error and false is returned.
	Put(ctx context.Context, store, key string, bytes []byte) (bool, error)
	// Close releases the resources held by the provider.
	Close() error
}

// StoreUnavailable wraps an error coming from the underlying storage.
func StoreUnavailable(err error, store string) error {
	return errors.WrapWithContext(err, errors.CodeDatabase, "cache storage unavailable", map[string]interface{}{
		"store": store,
	})
}

type SQLiteCache struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

// NewSQLiteCache creates a new cache with the given filename as the db.
// If file name is empty, a new in-memory db is opened.
func NewSQLiteCache(filename string) (SQLiteCache, error) {
	if filename == "" {
		filename = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return SQLiteCache{}, StoreUnavailable(err, "")
	}
	statements := []string{
		`CREATE TABLE IF NOT EXISTS stores (
			name TEXT PRIMARY KEY,
			created_at INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS entries (
			store TEXT,
			key TEXT,
			stored_at INTEGER,
			bytes BLOB,
			PRIMARY KEY (store, key)
		)`,
		"PRAGMA journal_mode=WAL",
	}
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return SQLiteCache{}, StoreUnavailable(err, "")
		}
	}
	return SQLiteCache{
		db:         db,
		writeMutex: &sync.Mutex{},
	}, nil
}

func (s SQLiteCache) Open(ctx context.Context, store string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO stores (name, created_at) VALUES (?, ?)",
		store, time.Now().Unix())
	if err != nil {
		return StoreUnavailable(err, store)
	}
	return nil
}

func (s SQLiteCache) Stores(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name FROM stores ORDER BY created_at, name")
	if err != nil {
		return nil, StoreUnavailable(err, "")
	}
	defer rows.Close()

	names := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return names, StoreUnavailable(err, "")
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s SQLiteCache) Delete(ctx context.Context, store string) (bool, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, StoreUnavailable(err, store)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, "DELETE FROM stores WHERE name = ?", store)
	if err != nil {
		return false, StoreUnavailable(err, store)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM entries WHERE store = ?", store); err != nil {
		return false, StoreUnavailable(err, store)
	}
	if err := tx.Commit(); err != nil {
		return false, StoreUnavailable(err, store)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, StoreUnavailable(err, store)
	}
	return rows > 0, nil
}

func (s SQLiteCache) Get(ctx context.Context, store, key string) ([]byte, bool, error) {
	var bytes []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT bytes FROM entries WHERE store = ? AND key = ?", store, key).Scan(&bytes)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, StoreUnavailable(err, store)
	}
	return bytes, true, nil
}

func (s SQLiteCache) Put(ctx context.Context, store, key string, bytes []byte) (bool, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	// only write into stores that still exist
	result, err := s.db.ExecContext(ctx, `INSERT OR REPLACE INTO entries (store, key, stored_at, bytes)
		SELECT ?, ?, ?, ? WHERE EXISTS (SELECT 1 FROM stores WHERE name = ?)`,
		store, key, time.Now().Unix(), bytes, store)
	if err != nil {
		return false, StoreUnavailable(err, store)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, StoreUnavailable(err, store)
	}
	return rows > 0, nil
}

func (s SQLiteCache) Close() error {
	return s.db.Close()
}
