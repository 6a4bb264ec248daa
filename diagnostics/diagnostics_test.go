package diagnostics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const descriptor = `{
	"name": "Score Keeper",
	"short_name": "Scores",
	"start_url": "/",
	"display": "standalone",
	"icons": [
		{"src": "/icons/icon-192x192.png", "sizes": "192x192"},
		{"src": "/icons/icon-384x384.png", "sizes": "384x384"},
		{"src": "/icons/icon-512x512.png", "sizes": "512x512"}
	]
}`

const document = `<!doctype html><html><head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<meta name="theme-color" content="#000000">
<meta name="apple-mobile-web-app-capable" content="yes">
</head><body></body></html>`

type handlerFetcher struct {
	h http.Handler
}

func (f handlerFetcher) Fetch(r *http.Request) (*http.Response, error) {
	rr := httptest.NewRecorder()
	f.h.ServeHTTP(rr, r)
	return rr.Result(), nil
}

func app(withIcon384 bool) http.Handler {
	r := chi.NewRouter()
	r.Get("/manifest.json", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(descriptor))
	})
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(document))
	})
	r.HandleFunc("/icons/{name}", func(w http.ResponseWriter, r *http.Request) {
		if chi.URLParam(r, "name") == "icon-384x384.png" && !withIcon384 {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "image/png")
	})
	return r
}

func checker(h http.Handler, base string) Checker {
	u, _ := url.Parse(base)
	return Checker{
		BaseURL: *u,
		Fetcher: handlerFetcher{h},
		Registration: func() Registration {
			return Registration{Active: "v1"}
		},
		Stores: func(ctx context.Context) ([]string, error) {
			return []string{"app-static-v1"}, nil
		},
		Log: zerolog.Nop(),
	}
}

func TestAllChecksPass(t *testing.T) {
	results := checker(app(true), "https://app.test").RunAll(context.Background())
	require.Len(t, results, 6)
	for _, r := range results {
		assert.True(t, r.Passed, "%s: %s", r.Name, r.Error)
	}
}

func TestMissingIcon(t *testing.T) {
	r := checker(app(false), "https://app.test").Icons(context.Background())
	assert.False(t, r.Passed)
	assert.Equal(t, "Missing icons: 384x384", r.Error)
}

func TestMissingMeta(t *testing.T) {
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html><head><meta name="viewport" content="x"></head></html>`))
	})
	r := checker(h, "https://app.test").MetaTags(context.Background())
	assert.False(t, r.Passed)
	assert.Equal(t, "Missing meta tags: apple-mobile-web-app-capable, theme-color", r.Error)
}

func TestNoWorkerNoCaches(t *testing.T) {
	c := checker(app(true), "https://app.test")
	c.Registration = func() Registration { return Registration{} }
	c.Stores = func(ctx context.Context) ([]string, error) { return nil, nil }

	assert.False(t, c.Worker().Passed)
	assert.False(t, c.Cache(context.Background()).Passed)
}

func TestHTTPS(t *testing.T) {
	assert.True(t, checker(nil, "http://localhost:8080").HTTPS().Passed)
	assert.True(t, checker(nil, "https://app.test").HTTPS().Passed)
	assert.False(t, checker(nil, "http://app.test").HTTPS().Passed)
}

func TestResets(t *testing.T) {
	var calls []string
	step := func(name string) func(context.Context) error {
		return func(context.Context) error {
			calls = append(calls, name)
			return nil
		}
	}
	r := Resets{ClearCaches: step("caches"), Unregister: step("workers"), Log: zerolog.Nop()}

	require.NoError(t, r.Run(context.Background(), ResetAll))
	assert.Equal(t, []string{"caches", "workers"}, calls)
	assert.Error(t, r.Run(context.Background(), "everything"))
}

func TestAbsoluteIconURLs(t *testing.T) {
	abs := strings.ReplaceAll(descriptor, `"src": "/icons/`, `"src": "https://app.test/icons/`)
	var mu sync.Mutex
	var requested []string
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			mu.Lock()
			requested = append(requested, req.URL.String())
			mu.Unlock()
			next.ServeHTTP(w, req)
		})
	})
	r.Get("/manifest.json", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(abs))
	})
	r.HandleFunc("/icons/{name}", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
	})

	res := checker(r, "https://app.test").Icons(context.Background())
	assert.True(t, res.Passed, res.Error)
	assert.Contains(t, requested, "https://app.test/icons/icon-192x192.png")
	assert.NotContains(t, requested, "https://app.testhttps://app.test/icons/icon-192x192.png")
}
