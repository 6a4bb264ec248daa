package swcache

import (
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/always-cache/swcache/channel"

	"github.com/jmgilman/go/errors"
	"github.com/rs/zerolog"
)

const reasonHeader = "X-Swcache-Reason"

// cacheFirst serves from the store and only goes to the network on a miss.
// If the network fails, the offline document of the store is served instead.
func (w *Worker) cacheFirst(ctx context.Context, r *http.Request, store *Store, logger zerolog.Logger) (*http.Response, CacheStatus) {
	cs := CacheStatus{}
	if res, ok := w.match(ctx, store, r, logger); ok {
		logger.Trace().Msg("Cache hit")
		cs.Hit()
		return res, cs
	}
	cs.Forward(CacheStatusFwdUriMiss)
	res, err := w.fetch(r)
	if err != nil {
		logger.Warn().Err(err).Msg("Network failed, serving offline document")
		if fallback, ok := w.matchPath(ctx, store, w.offlinePath, logger); ok {
			cs.Hit()
			return fallback, cs
		}
		return failureResponse(r, http.StatusServiceUnavailable, "offline", "Offline"), cs
	}
	w.writeThrough(ctx, store, r, res, &cs, logger)
	return res, cs
}

// networkFirst goes to the network and only uses the store if the network fails.
// Responses other than 200 are passed on as they are.
func (w *Worker) networkFirst(ctx context.Context, r *http.Request, store *Store, logger zerolog.Logger) (*http.Response, CacheStatus) {
	cs := CacheStatus{}
	res, err := w.fetch(r)
	if err == nil {
		cs.Forward(CacheStatusFwdRequest)
		w.writeThrough(ctx, store, r, res, &cs, logger)
		return res, cs
	}
	logger.Warn().Err(err).Msg("Network failed, falling back to store")
	if cached, ok := w.match(ctx, store, r, logger); ok {
		cs.Hit()
		return cached, cs
	}
	cs.Forward(CacheStatusFwdUriMiss)
	return failureResponse(r, http.StatusServiceUnavailable, "network-unavailable", "Network request failed and no cache available"), cs
}

// staleWhileRevalidate serves a stored response right away and refreshes it in the background.
// Without a stored response it waits for the network.
func (w *Worker) staleWhileRevalidate(ctx context.Context, r *http.Request, store *Store, logger zerolog.Logger) (*http.Response, CacheStatus) {
	cs := CacheStatus{}
	if cached, ok := w.match(ctx, store, r, logger); ok {
		logger.Trace().Msg("Cache hit, revalidating")
		cs.Hit()
		w.revalidate(r, store, logger)
		return cached, cs
	}
	cs.Forward(CacheStatusFwdUriMiss)
	res, err := w.fetch(r)
	if err != nil {
		logger.Warn().Err(err).Msg("Network failed and nothing stored")
		return failureResponse(r, http.StatusServiceUnavailable, "network-unavailable", "API request failed"), cs
	}
	w.writeThrough(ctx, store, r, res, &cs, logger)
	return res, cs
}

// revalidate refreshes the stored response without being awaited by anyone.
// Its outcome never reaches the client that triggered it, failures are only logged.
// If the generation was retired in the meantime, the write is dropped and no page is notified.
func (w *Worker) revalidate(r *http.Request, store *Store, logger zerolog.Logger) {
	ctx := context.WithoutCancel(r.Context())
	req := r.Clone(ctx)
	url := w.keyer.URL(r)
	w.spawn(func() {
		res, err := w.fetch(req)
		if err != nil {
			logger.Debug().Err(err).Msg("Background refresh failed")
			return
		}
		defer res.Body.Close()
		if res.StatusCode != http.StatusOK {
			logger.Debug().Int("status", res.StatusCode).Msg("Background refresh not stored")
			return
		}
		if err := w.put(ctx, store, req, res); err != nil {
			if errors.Is(err, ErrStoreRetired) {
				logger.Debug().Msg("Refreshed response dropped, store is gone")
			} else {
				logger.Error().Err(err).Msg("Could not store refreshed response")
			}
			return
		}
		w.hub.Broadcast(channel.Message{Type: channel.CacheRefreshed, URL: url})
	})
}

// fetch goes to the network, records whether it was reachable
// and applies the header rules to what came back.
func (w *Worker) fetch(r *http.Request) (*http.Response, error) {
	res, err := w.fetcher.Fetch(r)
	w.monitor.Set(err == nil)
	if err != nil {
		if !IsNetworkFailure(err) {
			err = NetworkFailure(err, r.URL.String())
		}
		return nil, err
	}
	w.rules.Apply(res)
	return res, nil
}

// match looks the request up in the store. Store failures count as a miss.
func (w *Worker) match(ctx context.Context, store *Store, r *http.Request, logger zerolog.Logger) (*http.Response, bool) {
	res, ok, err := store.Match(ctx, r)
	if err != nil {
		logger.Warn().Err(err).Msg("Store lookup failed, treating as miss")
		return nil, false
	}
	return res, ok
}

func (w *Worker) matchPath(ctx context.Context, store *Store, path string, logger zerolog.Logger) (*http.Response, bool) {
	if path == "" {
		return nil, false
	}
	res, ok, err := store.MatchPath(ctx, path)
	if err != nil {
		logger.Warn().Err(err).Str("path", path).Msg("Store lookup failed, treating as miss")
		return nil, false
	}
	return res, ok
}

// writeThrough stores 200 responses. Failures are logged and never reach the client.
func (w *Worker) writeThrough(ctx context.Context, store *Store, r *http.Request, res *http.Response, cs *CacheStatus, logger zerolog.Logger) {
	if res.StatusCode != http.StatusOK {
		return
	}
	if err := w.put(ctx, store, r, res); err != nil {
		if errors.Is(err, ErrStoreRetired) {
			logger.Debug().Msg("Response not stored, generation was retired")
		} else if !errors.Is(err, ErrNotCacheable) {
			logger.Error().Err(err).Msg("Could not write to store")
		}
		return
	}
	cs.Stored()
}

// put creates the store if needed and writes the response,
// unless the store no longer belongs to the generation being served.
func (w *Worker) put(ctx context.Context, store *Store, r *http.Request, res *http.Response) error {
	current, err := w.lifecycle.Write(store.Name, func() error {
		if _, err := w.storage.Open(ctx, store.Name); err != nil {
			return err
		}
		return store.Put(ctx, r, res)
	})
	if err == nil && !current {
		return ErrStoreRetired
	}
	return err
}

// failureResponse is returned when neither the network nor the store could answer.
func failureResponse(r *http.Request, status int, reason, body string) *http.Response {
	header := http.Header{}
	header.Set("Content-Type", "text/plain; charset=utf-8")
	header.Set("Cache-Control", "no-store")
	header.Set(reasonHeader, reason)
	return &http.Response{
		Status:        http.StatusText(status),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       r,
	}
}
