package cache

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const (
	levelStorePrefix = "s:"
	levelEntryPrefix = "e:"
	levelKeySep      = "\x00"
)

// LevelDBCache keeps stores in an embedded LevelDB database.
// Store markers live under "s:<store>", entries under "e:<store>\x00<key>".
type LevelDBCache struct {
	db *leveldb.DB
	// serializes marker checks with the writes depending on them
	mu sync.Mutex
}

func NewLevelDBCache(path string) (*LevelDBCache, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, StoreUnavailable(err, "")
	}
	return &LevelDBCache{db: db}, nil
}

func storeMarker(store string) []byte {
	return []byte(levelStorePrefix + store)
}

func entryPrefix(store string) []byte {
	return []byte(levelEntryPrefix + store + levelKeySep)
}

func entryKey(store, key string) []byte {
	return append(entryPrefix(store), key...)
}

func (l *LevelDBCache) Open(ctx context.Context, store string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	ok, err := l.db.Has(storeMarker(store), nil)
	if err != nil {
		return StoreUnavailable(err, store)
	}
	if ok {
		return nil
	}
	created := strconv.FormatInt(time.Now().Unix(), 10)
	if err := l.db.Put(storeMarker(store), []byte(created), nil); err != nil {
		return StoreUnavailable(err, store)
	}
	return nil
}

func (l *LevelDBCache) Stores(ctx context.Context) ([]string, error) {
	it := l.db.NewIterator(util.BytesPrefix([]byte(levelStorePrefix)), nil)
	defer it.Release()

	names := make([]string, 0)
	for it.Next() {
		names = append(names, string(it.Key()[len(levelStorePrefix):]))
	}
	if err := it.Error(); err != nil {
		return names, StoreUnavailable(err, "")
	}
	return names, nil
}

func (l *LevelDBCache) Delete(ctx context.Context, store string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	existed, err := l.db.Has(storeMarker(store), nil)
	if err != nil {
		return false, StoreUnavailable(err, store)
	}

	batch := new(leveldb.Batch)
	batch.Delete(storeMarker(store))
	it := l.db.NewIterator(util.BytesPrefix(entryPrefix(store)), nil)
	for it.Next() {
		// the iterator key buffer is reused, so copy it
		key := append([]byte(nil), it.Key()...)
		batch.Delete(key)
	}
	it.Release()
	if err := it.Error(); err != nil {
		return false, StoreUnavailable(err, store)
	}
	if err := l.db.Write(batch, nil); err != nil {
		return false, StoreUnavailable(err, store)
	}
	return existed, nil
}

func (l *LevelDBCache) Get(ctx context.Context, store, key string) ([]byte, bool, error) {
	b, err := l.db.Get(entryKey(store, key), nil)
	if err == leveldb.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, StoreUnavailable(err, store)
	}
	return b, true, nil
}

func (l *LevelDBCache) Put(ctx context.Context, store, key string, bytes []byte) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ok, err := l.db.Has(storeMarker(store), nil)
	if err != nil {
		return false, StoreUnavailable(err, store)
	}
	if !ok {
		return false, nil
	}
	if err := l.db.Put(entryKey(store, key), bytes, nil); err != nil {
		return false, StoreUnavailable(err, store)
	}
	return true, nil
}

func (l *LevelDBCache) Close() error {
	return l.db.Close()
}
