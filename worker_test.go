package swcache

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/always-cache/swcache/cache"
	"github.com/always-cache/swcache/channel"
	"github.com/always-cache/swcache/queue"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testOrigin is an in-process origin server that can be taken offline.
type testOrigin struct {
	chi.Router
	offline atomic.Bool
	mu      sync.Mutex
	calls   map[string]int
}

func newTestOrigin() *testOrigin {
	return &testOrigin{Router: chi.NewRouter(), calls: map[string]int{}}
}

// ServeHTTP fails the connection while offline, whether or not a route matches.
func (o *testOrigin) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if o.offline.Load() {
		panic(http.ErrAbortHandler)
	}
	o.mu.Lock()
	o.calls[r.Method+" "+r.URL.Path]++
	o.mu.Unlock()
	o.Router.ServeHTTP(w, r)
}

func (o *testOrigin) count(key string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.calls[key]
}

func newTestWorker(t *testing.T, origin http.Handler, modify ...func(*Config)) *Worker {
	provider, err := cache.NewSQLiteCache(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	scope, _ := url.Parse("http://app.test")
	logger := zerolog.Nop()
	config := Config{
		Cache:    provider,
		Fetcher:  HandlerFetcher{Handler: origin},
		ScopeURL: *scope,
		App:      "app",
		Version:  "v1",
		Precache: []string{},
		Logger:   &logger,
	}
	for _, m := range modify {
		m(&config)
	}
	w, err := CreateWorker(config)
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	t.Cleanup(func() {
		w.Close()
		provider.Close()
	})
	return w
}

func serve(w *Worker, method, target string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	w.ServeHTTP(rr, req)
	return rr
}

func stored(t *testing.T, w *Worker, p Partition, target string) (string, bool) {
	gen, ok := w.lifecycle.Active()
	require.True(t, ok)
	res, ok, err := w.storage.Store(gen.StoreName(p)).Match(context.Background(), httptest.NewRequest("GET", target, nil))
	require.NoError(t, err)
	if !ok {
		return "", false
	}
	body, _ := io.ReadAll(res.Body)
	return string(body), true
}

func receive(t *testing.T, c *channel.Client) channel.Message {
	select {
	case msg := <-c.Messages():
		return msg
	case <-time.After(5 * time.Second):
		t.Fatal("No message received")
	}
	return channel.Message{}
}

var (
	script   = map[string]string{"Sec-Fetch-Dest": "script"}
	navigate = map[string]string{"Sec-Fetch-Mode": "navigate", "Sec-Fetch-Dest": "document"}
)

func TestStaleWhileRevalidateMissBlocksAndStores(t *testing.T) {
	origin := newTestOrigin()
	origin.Get("/api/scores", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{ "score": 10 }`))
	})
	w := newTestWorker(t, origin)

	rr := serve(w, "GET", "http://app.test/api/scores", nil)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, `{ "score": 10 }`, rr.Body.String())
	assert.Equal(t, "swcache; fwd=uri-miss; stored; detail=stale-while-revalidate", rr.Header().Get("Cache-Status"))
	body, ok := stored(t, w, API, "http://app.test/api/scores")
	assert.True(t, ok)
	assert.Equal(t, `{ "score": 10 }`, body)
}

func TestStaleWhileRevalidateHitRefreshesInBackground(t *testing.T) {
	var score atomic.Int32
	score.Store(10)
	origin := newTestOrigin()
	origin.Get("/api/scores", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{ "score": %d }`, score.Load())
	})
	w := newTestWorker(t, origin)
	page := w.hub.Subscribe("v1")

	serve(w, "GET", "http://app.test/api/scores", nil)
	score.Store(12)
	rr := serve(w, "GET", "http://app.test/api/scores", nil)

	assert.Equal(t, `{ "score": 10 }`, rr.Body.String())
	assert.Equal(t, "swcache; hit; detail=stale-while-revalidate", rr.Header().Get("Cache-Status"))

	msg := receive(t, page)
	assert.Equal(t, channel.CacheRefreshed, msg.Type)
	assert.Equal(t, "http://app.test/api/scores", msg.URL)

	body, _ := stored(t, w, API, "http://app.test/api/scores")
	assert.Equal(t, `{ "score": 12 }`, body)
}

func TestStaleWhileRevalidateIgnoresFailedRefresh(t *testing.T) {
	origin := newTestOrigin()
	origin.Get("/api/scores", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{ "score": 10 }`))
	})
	w := newTestWorker(t, origin)
	page := w.hub.Subscribe("v1")

	serve(w, "GET", "http://app.test/api/scores", nil)
	origin.offline.Store(true)
	rr := serve(w, "GET", "http://app.test/api/scores", nil)
	w.background.Wait()

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, `{ "score": 10 }`, rr.Body.String())
	assert.Empty(t, page.Messages())
}

func TestStaleWhileRevalidateOfflineMiss(t *testing.T) {
	origin := newTestOrigin()
	w := newTestWorker(t, origin)
	origin.offline.Store(true)

	rr := serve(w, "GET", "http://app.test/api/scores", nil)

	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Equal(t, "network-unavailable", rr.Header().Get(reasonHeader))
	assert.False(t, w.monitor.Online())
}

func TestCacheFirstOfflineWithoutFallback(t *testing.T) {
	origin := newTestOrigin()
	w := newTestWorker(t, origin)
	origin.offline.Store(true)

	rr := serve(w, "GET", "http://app.test/app.js", script)

	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Equal(t, "Offline", rr.Body.String())
	_, ok := stored(t, w, Static, "http://app.test/app.js")
	assert.False(t, ok)
}

func TestCacheFirstOfflineFallback(t *testing.T) {
	origin := newTestOrigin()
	origin.Get("/offline", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("You are offline"))
	})
	w := newTestWorker(t, origin, func(c *Config) {
		c.Precache = []string{"/offline"}
	})
	origin.offline.Store(true)

	rr := serve(w, "GET", "http://app.test/app.js", script)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "You are offline", rr.Body.String())
}

func TestCacheFirstSecondCallSkipsNetwork(t *testing.T) {
	origin := newTestOrigin()
	origin.Get("/app.js", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/javascript")
		w.Write([]byte("console.log(1)"))
	})
	w := newTestWorker(t, origin)

	serve(w, "GET", "http://app.test/app.js", script)
	rr := serve(w, "GET", "http://app.test/app.js", script)

	assert.Equal(t, 1, origin.count("GET /app.js"))
	assert.Equal(t, "console.log(1)", rr.Body.String())
	assert.Equal(t, "text/javascript", rr.Header().Get("Content-Type"))
	assert.Equal(t, "swcache; hit; detail=cache-first", rr.Header().Get("Cache-Status"))
}

func TestNetworkFirstFallsBackToStore(t *testing.T) {
	origin := newTestOrigin()
	origin.Get("/scores", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte("<h1>Scores</h1>"))
	})
	w := newTestWorker(t, origin)

	rr := serve(w, "GET", "http://app.test/scores", navigate)
	assert.Equal(t, "<h1>Scores</h1>", rr.Body.String())
	body, ok := stored(t, w, Dynamic, "http://app.test/scores")
	assert.True(t, ok)
	assert.Equal(t, "<h1>Scores</h1>", body)

	origin.offline.Store(true)
	rr = serve(w, "GET", "http://app.test/scores", navigate)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "<h1>Scores</h1>", rr.Body.String())
	assert.Equal(t, "text/html", rr.Header().Get("Content-Type"))
}

func TestNetworkFirstOfflineMiss(t *testing.T) {
	origin := newTestOrigin()
	w := newTestWorker(t, origin)
	origin.offline.Store(true)

	rr := serve(w, "GET", "http://app.test/data.json", nil)

	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Equal(t, "network-unavailable", rr.Header().Get(reasonHeader))
}

func TestErrorsAreNeverStored(t *testing.T) {
	origin := newTestOrigin()
	origin.Get("/*", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "Internal error", http.StatusInternalServerError)
	})
	origin.Get("/moved", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/elsewhere", http.StatusFound)
	})
	w := newTestWorker(t, origin)

	tests := []struct {
		target    string
		header    map[string]string
		partition Partition
		status    int
	}{
		{"http://app.test/api/scores", nil, API, http.StatusInternalServerError},
		{"http://app.test/app.js", script, Static, http.StatusInternalServerError},
		{"http://app.test/page", navigate, Dynamic, http.StatusInternalServerError},
		{"http://app.test/moved", navigate, Dynamic, http.StatusFound},
	}
	for _, tt := range tests {
		rr := serve(w, "GET", tt.target, tt.header)
		assert.Equal(t, tt.status, rr.Code, tt.target)
		_, ok := stored(t, w, tt.partition, tt.target)
		assert.False(t, ok, tt.target)
	}
}

func TestBypassLeavesStoreUntouched(t *testing.T) {
	origin := newTestOrigin()
	origin.Post("/api/scores", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("created"))
	})
	origin.Get("/lib.js", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("app lib"))
	})
	var contacted []string
	cdn := FetcherFunc(func(r *http.Request) (*http.Response, error) {
		contacted = append(contacted, r.URL.Host+r.URL.Path)
		return response(r, http.StatusOK, "cdn lib"), nil
	})
	w := newTestWorker(t, origin, func(c *Config) {
		c.CrossOriginFetcher = cdn
	})
	before, err := w.storage.ListAll(context.Background())
	require.NoError(t, err)

	rr := serve(w, "POST", "http://app.test/api/scores", nil)
	assert.Equal(t, "created", rr.Body.String())
	assert.Equal(t, "swcache; fwd=bypass", rr.Header().Get("Cache-Status"))

	rr = serve(w, "GET", "http://cdn.test/lib.js", script)
	assert.Equal(t, "cdn lib", rr.Body.String())
	assert.Equal(t, "swcache; fwd=bypass", rr.Header().Get("Cache-Status"))
	assert.Equal(t, []string{"cdn.test/lib.js"}, contacted)
	assert.Equal(t, 0, origin.count("GET /lib.js"))

	after, err := w.storage.ListAll(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, before, after)
	_, ok := stored(t, w, API, "http://app.test/api/scores")
	assert.False(t, ok)
	_, ok = stored(t, w, Static, "http://app.test/lib.js")
	assert.False(t, ok)
}

func TestHeaderRulesApplied(t *testing.T) {
	origin := newTestOrigin()
	origin.Get("/manifest.json", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{}`))
	})
	w := newTestWorker(t, origin)

	rr := serve(w, "GET", "http://app.test/manifest.json", nil)

	assert.Equal(t, "application/manifest+json", rr.Header().Get("Content-Type"))
	assert.Equal(t, "public, max-age=3600", rr.Header().Get("Cache-Control"))
}

func TestPrecachePartialSuccess(t *testing.T) {
	origin := newTestOrigin()
	origin.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("home"))
	})
	origin.Get("/manifest.json", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	})
	w := newTestWorker(t, origin, func(c *Config) {
		c.Precache = DefaultPrecache
	})

	status := w.lifecycle.Status()
	require.NotNil(t, status.Active)
	assert.Equal(t, Active, status.Active.State)
	home, ok := stored(t, w, Static, "http://app.test/")
	assert.True(t, ok)
	assert.Equal(t, "home", home)
	_, ok = stored(t, w, Static, "http://app.test/manifest.json")
	assert.True(t, ok)
	_, ok = stored(t, w, Static, "http://app.test/globals.css")
	assert.False(t, ok)
	_, ok = stored(t, w, Static, "http://app.test/offline")
	assert.False(t, ok)
}

func TestActivationPurgesStaleGenerations(t *testing.T) {
	origin := newTestOrigin()
	origin.Get("/api/scores", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{ "score": 10 }`))
	})
	w := newTestWorker(t, origin)
	ctx := context.Background()
	_, err := w.storage.Open(ctx, "app-static-v0")
	require.NoError(t, err)
	serve(w, "GET", "http://app.test/api/scores", nil)

	updated, err := w.lifecycle.Update(ctx, "v2")
	require.NoError(t, err)
	assert.True(t, updated)

	names, err := w.storage.ListAll(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"app-static-v2"}, names)
	gen, _ := w.lifecycle.Active()
	assert.Equal(t, "v2", gen.Version)
	_, ok := stored(t, w, API, "http://app.test/api/scores")
	assert.False(t, ok)

	updated, err = w.lifecycle.Update(ctx, "v2")
	require.NoError(t, err)
	assert.False(t, updated)
}

func TestNewVersionWaitsForPages(t *testing.T) {
	origin := newTestOrigin()
	w := newTestWorker(t, origin)
	page := w.hub.Subscribe("v1")

	_, err := w.lifecycle.Update(context.Background(), "v2")
	require.NoError(t, err)
	status := w.lifecycle.Status()
	assert.Equal(t, "v1", status.Active.Version)
	require.NotNil(t, status.Pending)
	assert.Equal(t, Installed, status.Pending.State)

	req := httptest.NewRequest("POST", "http://app.test/.swcache/message", strings.NewReader(`{"type":"SKIP_WAITING"}`))
	rr := httptest.NewRecorder()
	w.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusAccepted, rr.Code)

	status = w.lifecycle.Status()
	assert.Equal(t, "v2", status.Active.Version)
	assert.Nil(t, status.Pending)
	msg := receive(t, page)
	assert.Equal(t, channel.UpdateAvailable, msg.Type)
	assert.Equal(t, "v2", msg.Version)
}

func TestReleasedPagesActivateWaitingVersion(t *testing.T) {
	origin := newTestOrigin()
	w := newTestWorker(t, origin)
	page := w.hub.Subscribe("v1")

	_, err := w.lifecycle.Update(context.Background(), "v2")
	require.NoError(t, err)
	_, err = w.lifecycle.Update(context.Background(), "v3")
	require.NoError(t, err)
	assert.Equal(t, "v3", w.lifecycle.Status().Pending.Version)

	w.hub.Unsubscribe(page)

	gen, _ := w.lifecycle.Active()
	assert.Equal(t, "v3", gen.Version)
}

func TestClearCacheMessage(t *testing.T) {
	origin := newTestOrigin()
	origin.Get("/api/scores", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{ "score": 10 }`))
	})
	w := newTestWorker(t, origin)
	serve(w, "GET", "http://app.test/api/scores", nil)

	post := func(body string) int {
		rr := httptest.NewRecorder()
		w.ServeHTTP(rr, httptest.NewRequest("POST", "http://app.test/.swcache/message", strings.NewReader(body)))
		return rr.Code
	}
	assert.Equal(t, http.StatusBadRequest, post(`{"type":`))
	assert.Equal(t, http.StatusAccepted, post(`{"type":"SW_FUTURE_THING"}`))
	assert.Equal(t, http.StatusAccepted, post(`{"type":"CLEAR_CACHE"}`))

	names, err := w.storage.ListAll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestUnregisterBypassesEverything(t *testing.T) {
	origin := newTestOrigin()
	origin.Get("/app.js", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("console.log(1)"))
	})
	w := newTestWorker(t, origin)

	rr := httptest.NewRecorder()
	w.ServeHTTP(rr, httptest.NewRequest("POST", "http://app.test/.swcache/reset/workers", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	serve(w, "GET", "http://app.test/app.js", script)
	rr = serve(w, "GET", "http://app.test/app.js", script)
	assert.Equal(t, 2, origin.count("GET /app.js"))
	assert.Equal(t, "swcache; fwd=bypass", rr.Header().Get("Cache-Status"))

	_, err := w.Update(context.Background())
	require.NoError(t, err)
	_, active := w.lifecycle.Active()
	assert.True(t, active)
}

func TestQueueDrainsOnReconnect(t *testing.T) {
	var received atomic.Int32
	origin := newTestOrigin()
	origin.Post("/api/scores", func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		w.WriteHeader(http.StatusCreated)
	})
	origin.Get("/data.json", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	})
	q, err := queue.NewSQLiteQueue(filepath.Join(t.TempDir(), "queue.db"), zerolog.Nop())
	require.NoError(t, err)
	defer q.Close()
	w := newTestWorker(t, origin, func(c *Config) {
		c.Queue = q
	})

	origin.offline.Store(true)
	serve(w, "GET", "http://app.test/data.json", nil)
	require.False(t, w.monitor.Online())

	rr := httptest.NewRecorder()
	w.ServeHTTP(rr, httptest.NewRequest("POST", "http://app.test/.swcache/queue",
		strings.NewReader(`{"type":"save-score","endpoint":"/api/scores","method":"POST","payload":{"score":12}}`)))
	require.Equal(t, http.StatusCreated, rr.Code)

	origin.offline.Store(false)
	serve(w, "GET", "http://app.test/data.json", nil)
	w.background.Wait()

	assert.Equal(t, int32(1), received.Load())
	items, err := q.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestHealthz(t *testing.T) {
	w := newTestWorker(t, newTestOrigin())
	rr := serve(w, "GET", "http://app.test/.swcache/healthz", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"ok","active":true,"version":"v1","online":true}`, rr.Body.String())
}

func TestCrossOriginFailureIsBadGateway(t *testing.T) {
	origin := newTestOrigin()
	origin.Get("/lib.js", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("app lib"))
	})
	w := newTestWorker(t, origin, func(c *Config) {
		c.CrossOriginFetcher = FetcherFunc(func(r *http.Request) (*http.Response, error) {
			return nil, NetworkFailure(io.ErrUnexpectedEOF, r.URL.String())
		})
	})

	rr := serve(w, "GET", "http://cdn.test/lib.js", script)

	assert.Equal(t, http.StatusBadGateway, rr.Code)
	assert.Equal(t, 0, origin.count("GET /lib.js"))
	assert.True(t, w.monitor.Online())
}

func TestLookupsDoNotCreateStores(t *testing.T) {
	origin := newTestOrigin()
	origin.Get("/missing", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	w := newTestWorker(t, origin)
	before, err := w.storage.ListAll(context.Background())
	require.NoError(t, err)

	serve(w, "GET", "http://app.test/missing", navigate)
	serve(w, "GET", "http://app.test/api/missing", nil)

	after, err := w.storage.ListAll(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, before, after)
	assert.NotContains(t, after, "app-dynamic-v1")
}

func TestRefreshAfterActivationIsDropped(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	refreshing := make(chan struct{})
	origin := newTestOrigin()
	origin.Get("/api/scores", func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) > 1 {
			close(refreshing)
			<-release
		}
		fmt.Fprintf(w, `{ "score": %d }`, calls.Load())
	})
	w := newTestWorker(t, origin)
	page := w.hub.Subscribe("v1")

	serve(w, "GET", "http://app.test/api/scores", nil)
	serve(w, "GET", "http://app.test/api/scores", nil)
	<-refreshing

	ctx := context.Background()
	_, err := w.lifecycle.Update(ctx, "v2")
	require.NoError(t, err)
	require.NoError(t, w.lifecycle.SkipWaiting(ctx))
	assert.Equal(t, channel.UpdateAvailable, receive(t, page).Type)

	close(release)
	w.background.Wait()

	assert.Empty(t, page.Messages())
	names, err := w.storage.ListAll(ctx)
	require.NoError(t, err)
	assert.NotContains(t, names, "app-api-v1")
	_, ok := stored(t, w, API, "http://app.test/api/scores")
	assert.False(t, ok)
}
