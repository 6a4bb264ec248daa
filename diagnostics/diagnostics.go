// Package diagnostics runs self-checks of an installed app and resets its state.
package diagnostics

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"

	"github.com/always-cache/swcache/manifest"

	"github.com/jmgilman/go/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// RequiredMeta are the meta declarations the root document must carry.
var RequiredMeta = []string{"apple-mobile-web-app-capable", "theme-color", "viewport"}

// Result is the verdict of a single check.
type Result struct {
	Name    string `json:"name"`
	Passed  bool   `json:"passed"`
	Error   string `json:"error,omitempty"`
	Details string `json:"details,omitempty"`
}

func pass(name, details string) Result {
	return Result{Name: name, Passed: true, Details: details}
}

func fail(name string, err error) Result {
	return Result{Name: name, Passed: false, Error: err.Error()}
}

// Fetcher sends a request to the app.
type Fetcher interface {
	Fetch(r *http.Request) (*http.Response, error)
}

// Registration describes the worker versions.
type Registration struct {
	Active  string
	Pending string
}

type Checker struct {
	// Public URL of the app.
	BaseURL url.URL
	Fetcher Fetcher
	// Returns the installed worker versions.
	Registration func() Registration
	// Returns the names of all stores.
	Stores func(ctx context.Context) ([]string, error)

	ManifestPath string
	DocumentPath string
	Log          zerolog.Logger
}

// RunAll runs every check in order.
func (c Checker) RunAll(ctx context.Context) []Result {
	results := []Result{
		c.Manifest(ctx),
		c.Worker(),
		c.MetaTags(ctx),
		c.Icons(ctx),
		c.Cache(ctx),
		c.HTTPS(),
	}
	failed := 0
	for _, r := range results {
		if !r.Passed {
			failed++
		}
	}
	c.Log.Info().Int("failed", failed).Msgf("Ran %d checks", len(results))
	return results
}

func (c Checker) get(ctx context.Context, method, path string) (*http.Response, error) {
	ref, err := url.Parse(path)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL.ResolveReference(ref).String(), nil)
	if err != nil {
		return nil, err
	}
	res, err := c.Fetcher.Fetch(req)
	if err != nil {
		return nil, err
	}
	if res.StatusCode != http.StatusOK {
		res.Body.Close()
		return nil, fmt.Errorf("HTTP %d", res.StatusCode)
	}
	return res, nil
}

func (c Checker) manifestPath() string {
	if c.ManifestPath == "" {
		return "/manifest.json"
	}
	return c.ManifestPath
}

func (c Checker) descriptor(ctx context.Context) (manifest.Descriptor, error) {
	res, err := c.get(ctx, http.MethodGet, c.manifestPath())
	if err != nil {
		return manifest.Descriptor{}, err
	}
	defer res.Body.Close()
	b, err := io.ReadAll(res.Body)
	if err != nil {
		return manifest.Descriptor{}, err
	}
	return manifest.Parse(b)
}

// Manifest checks that the descriptor is served and valid.
func (c Checker) Manifest(ctx context.Context) Result {
	const name = "Manifest.json"
	d, err := c.descriptor(ctx)
	if err != nil {
		return fail(name, err)
	}
	if err := d.Validate(); err != nil {
		return fail(name, err)
	}
	return pass(name, fmt.Sprintf("Valid manifest with %d icons", len(d.Icons)))
}

// Worker checks that a worker version is registered.
func (c Checker) Worker() Result {
	const name = "Service Worker"
	if c.Registration == nil {
		return fail(name, errors.New(errors.CodeNotFound, "No Service Worker registered"))
	}
	reg := c.Registration()
	switch {
	case reg.Active != "":
		return pass(name, fmt.Sprintf("Version %s active", reg.Active))
	case reg.Pending != "":
		return pass(name, fmt.Sprintf("Version %s installing", reg.Pending))
	}
	return fail(name, errors.New(errors.CodeNotFound, "No Service Worker registered"))
}

var metaPatterns = func() map[string]*regexp.Regexp {
	patterns := map[string]*regexp.Regexp{}
	for _, name := range RequiredMeta {
		patterns[name] = regexp.MustCompile(`(?i)<meta\s[^>]*name\s*=\s*["']?` + regexp.QuoteMeta(name) + `["'\s/>]`)
	}
	return patterns
}()

// MetaTags checks the root document for the required meta declarations.
func (c Checker) MetaTags(ctx context.Context) Result {
	const name = "Meta Tags"
	path := c.DocumentPath
	if path == "" {
		path = "/"
	}
	res, err := c.get(ctx, http.MethodGet, path)
	if err != nil {
		return fail(name, err)
	}
	defer res.Body.Close()
	doc, err := io.ReadAll(res.Body)
	if err != nil {
		return fail(name, err)
	}
	var missing []string
	for _, meta := range RequiredMeta {
		if !metaPatterns[meta].Match(doc) {
			missing = append(missing, meta)
		}
	}
	if len(missing) > 0 {
		return fail(name, fmt.Errorf("Missing meta tags: %s", strings.Join(missing, ", ")))
	}
	return pass(name, "All required meta tags present")
}

// Icons checks that an icon of every required size can be fetched.
// The icons declared by the descriptor are used if it can be read.
func (c Checker) Icons(ctx context.Context) Result {
	const name = "Icons"
	d, _ := c.descriptor(ctx)

	var mu sync.Mutex
	var missing []string
	g, gctx := errgroup.WithContext(ctx)
	for _, size := range manifest.RequiredIconSizes {
		size := size
		src := fmt.Sprintf("/icons/icon-%s.png", size)
		if icon, ok := d.IconFor(size); ok {
			src = icon.Src
		}
		g.Go(func() error {
			res, err := c.get(gctx, http.MethodHead, src)
			if err != nil {
				mu.Lock()
				missing = append(missing, size)
				mu.Unlock()
				return nil
			}
			res.Body.Close()
			return nil
		})
	}
	g.Wait()
	if len(missing) > 0 {
		return fail(name, fmt.Errorf("Missing icons: %s", strings.Join(sortedSizes(missing), ", ")))
	}
	return pass(name, fmt.Sprintf("All %d icons available", len(manifest.RequiredIconSizes)))
}

func sortedSizes(sizes []string) []string {
	sorted := make([]string, 0, len(sizes))
	for _, size := range manifest.RequiredIconSizes {
		for _, s := range sizes {
			if s == size {
				sorted = append(sorted, s)
			}
		}
	}
	return sorted
}

// Cache checks that at least one store exists.
func (c Checker) Cache(ctx context.Context) Result {
	const name = "Cache API"
	if c.Stores == nil {
		return fail(name, errors.New(errors.CodeUnavailable, "Cache API not available"))
	}
	names, err := c.Stores(ctx)
	if err != nil {
		return fail(name, err)
	}
	if len(names) == 0 {
		return fail(name, errors.New(errors.CodeNotFound, "No caches found"))
	}
	return pass(name, fmt.Sprintf("%d cache(s) available: %s", len(names), strings.Join(names, ", ")))
}

// HTTPS checks that the app is served securely, or from the local machine.
func (c Checker) HTTPS() Result {
	const name = "HTTPS"
	host := c.BaseURL.Hostname()
	if host == "localhost" || host == "127.0.0.1" {
		return pass(name, "Localhost (development)")
	}
	if c.BaseURL.Scheme != "https" {
		return fail(name, errors.New(errors.CodeForbidden, "HTTPS required for PWA (except localhost)"))
	}
	return pass(name, "HTTPS enabled")
}
