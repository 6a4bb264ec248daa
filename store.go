package swcache

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/always-cache/swcache/cache"
	cachekey "github.com/always-cache/swcache/pkg/cache-key"
	serializer "github.com/always-cache/swcache/pkg/response-serializer"

	"github.com/rs/zerolog"
)

// Storage holds every named store of every generation.
type Storage struct {
	provider cache.CacheProvider
	keyer    cachekey.CacheKeyer
	log      zerolog.Logger

	mu     sync.Mutex
	opened map[string]bool
}

// Store is one named container of request / response pairs.
type Store struct {
	Name    string
	storage *Storage
}

func NewStorage(provider cache.CacheProvider, keyer cachekey.CacheKeyer, logger zerolog.Logger) *Storage {
	return &Storage{
		provider: provider,
		keyer:    keyer,
		log:      logger,
		opened:   map[string]bool{},
	}
}

// Store returns the named store without creating it.
// Lookups in a store that does not exist miss.
func (s *Storage) Store(name string) *Store {
	return &Store{Name: name, storage: s}
}

// Open returns the named store, creating it if needed.
// Stores opened before are not opened again until they are deleted.
func (s *Storage) Open(ctx context.Context, name string) (*Store, error) {
	s.mu.Lock()
	known := s.opened[name]
	s.mu.Unlock()
	if !known {
		if err := s.provider.Open(ctx, name); err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.opened[name] = true
		s.mu.Unlock()
	}
	return s.Store(name), nil
}

func (s *Storage) forget(name string) {
	s.mu.Lock()
	delete(s.opened, name)
	s.mu.Unlock()
}

// ListAll returns the names of all stores, current and stale.
func (s *Storage) ListAll(ctx context.Context) ([]string, error) {
	return s.provider.Stores(ctx)
}

// Delete removes the named store and its entries.
func (s *Storage) Delete(ctx context.Context, name string) (bool, error) {
	s.forget(name)
	existed, err := s.provider.Delete(ctx, name)
	if err == nil && existed {
		s.log.Debug().Str("store", name).Msg("Deleted store")
	}
	return existed, err
}

// Purge deletes every store that keep rejects and returns the deleted names.
// A nil keep deletes everything.
// It tries every store even if some deletions fail, and returns the first error.
func (s *Storage) Purge(ctx context.Context, keep func(name string) bool) ([]string, error) {
	names, err := s.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	var deleted []string
	var firstErr error
	for _, name := range names {
		if keep != nil && keep(name) {
			continue
		}
		if _, err := s.Delete(ctx, name); err != nil {
			s.log.Error().Err(err).Str("store", name).Msg("Could not delete store")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		deleted = append(deleted, name)
	}
	return deleted, firstErr
}

// Put stores the response for the request, replacing any previous one.
// Only GET requests with status 200 responses are stored.
// The body of the response is read and replaced, so it can still be sent afterwards.
// If the store does not exist, nothing is written and ErrStoreRetired is returned.
func (s *Store) Put(ctx context.Context, req *http.Request, res *http.Response) error {
	if req.Method != http.MethodGet || res.StatusCode != http.StatusOK {
		return ErrNotCacheable
	}
	b, err := serializer.StoredResponseToBytes(serializer.StoredResponse{
		Response: res,
		StoredAt: time.Now(),
	})
	if err != nil {
		return err
	}
	key := s.storage.keyer.GetKey(req)
	s.storage.log.Trace().Str("store", s.Name).Str("key", key).Msg("Writing to store")
	stored, err := s.storage.provider.Put(ctx, s.Name, key, b)
	if err != nil {
		return err
	}
	if !stored {
		s.storage.forget(s.Name)
		return ErrStoreRetired
	}
	return nil
}

// Match returns the stored response for the request, if any.
func (s *Store) Match(ctx context.Context, req *http.Request) (*http.Response, bool, error) {
	return s.match(ctx, s.storage.keyer.GetKey(req), req)
}

// MatchPath returns the stored response for a GET of the origin-relative path.
func (s *Store) MatchPath(ctx context.Context, path string) (*http.Response, bool, error) {
	key := s.storage.keyer.PathKey(path)
	req, err := s.storage.keyer.GetRequestFromKey(key)
	if err != nil {
		return nil, false, err
	}
	return s.match(ctx, key, req.WithContext(ctx))
}

func (s *Store) match(ctx context.Context, key string, req *http.Request) (*http.Response, bool, error) {
	b, ok, err := s.storage.provider.Get(ctx, s.Name, key)
	if err != nil || !ok {
		s.storage.log.Trace().Str("store", s.Name).Str("key", key).Msg("Store miss")
		return nil, false, err
	}
	sRes, err := serializer.BytesToStoredResponse(b, req)
	if err != nil {
		return nil, false, err
	}
	s.storage.log.Trace().Str("store", s.Name).Str("key", key).Msg("Store hit")
	return sRes.Response, true, nil
}
