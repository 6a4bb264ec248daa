package swcache

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/always-cache/swcache/cache"
	"github.com/always-cache/swcache/channel"
	"github.com/always-cache/swcache/connectivity"
	cachekey "github.com/always-cache/swcache/pkg/cache-key"
	headerrules "github.com/always-cache/swcache/pkg/header-rules"
	"github.com/always-cache/swcache/queue"

	"github.com/jmgilman/go/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
)

// DefaultPrecache are the assets written to the static store on install.
var DefaultPrecache = []string{"/", "/offline", "/manifest.json", "/globals.css"}

type Config struct {
	// Storage for cache entries.
	Cache cache.CacheProvider
	// URL of the origin server.
	// Origins with paths are not supported.
	OriginURL url.URL
	// Hostname to use for HTTP requests and TLS negotiation.
	// Use if needed if e.g. the origin URL is just an IP address.
	OriginHost string
	// Network to use instead of the origin, e.g. a HandlerFetcher in middleware mode.
	Fetcher Fetcher
	// Network for requests to other hosts than the scope. Defaults to a DirectFetcher.
	CrossOriginFetcher Fetcher
	// Public URL of the application. Defaults to the origin,
	// with OriginHost as host if it is set.
	ScopeURL url.URL
	// Name of the app, the first part of every store name. Defaults to "app".
	App string
	// Version of the generation installed on start. Defaults to "v1".
	Version string
	// Optional source of the latest version, consulted on update checks.
	VersionSource func(ctx context.Context) (string, error)
	// Path prefix of API requests. Defaults to "/api/".
	APIPrefix string
	// Path of the document served when a static asset cannot be fetched. Defaults to "/offline".
	OfflinePath string
	// Assets written to the static store on install. Defaults to DefaultPrecache.
	Precache []string
	// Activate new versions without waiting for pages to release the old one.
	SkipWaiting bool
	// Header rules applied to fetched responses. Defaults to headerrules.DefaultRules,
	// pass an empty slice to disable.
	Rules headerrules.Rules
	// Optional queue of actions made while offline, drained on reconnect.
	Queue *queue.SQLiteQueue
	// Path probed to check connectivity. Defaults to "/".
	ProbePath string
	// Interval of the connectivity probe. The probe is disabled if zero.
	ProbeInterval time.Duration
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
	// Optional function for mutating the incoming request.
	RequestModifier func(*http.Request)
}

// Worker is an http.Handler that serves an app the way a service worker would.
type Worker struct {
	storage         *Storage
	keyer           cachekey.CacheKeyer
	classifier      Classifier
	fetcher         Fetcher
	direct          Fetcher
	rules           headerrules.Rules
	lifecycle       *Lifecycle
	hub             *channel.Hub
	monitor         *connectivity.Monitor
	queue           *queue.SQLiteQueue
	sender          queue.Sender
	scope           url.URL
	version         string
	versionSource   func(ctx context.Context) (string, error)
	offlinePath     string
	probePath       string
	requestModifier func(*http.Request)
	handler         http.Handler
	control         http.Handler
	log             zerolog.Logger

	mu         sync.Mutex
	closed     bool
	background sync.WaitGroup
	stopWatch  func()
}

// CreateWorker initializes the worker.
// Nothing is installed until Start is called.
func CreateWorker(config Config) (*Worker, error) {
	// use console logger if not specified in config
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}

	if config.Cache == nil {
		return nil, errors.New(errors.CodeInvalidConfig, "cache provider is required")
	}
	scope := config.ScopeURL
	if scope.Host == "" {
		scope = url.URL{Scheme: config.OriginURL.Scheme, Host: config.OriginURL.Host}
		if config.OriginHost != "" {
			scope.Host = config.OriginHost
		}
	}
	if scope.Host == "" {
		return nil, errors.New(errors.CodeInvalidConfig, "scope URL or origin URL is required")
	}
	if scope.Scheme == "" {
		scope.Scheme = "https"
	}
	fetcher := config.Fetcher
	if fetcher == nil {
		if config.OriginURL.Host == "" {
			return nil, errors.New(errors.CodeInvalidConfig, "origin URL or fetcher is required")
		}
		fetcher = NewOriginFetcher(config.OriginURL, config.OriginHost)
	}

	direct := config.CrossOriginFetcher
	if direct == nil {
		direct = NewDirectFetcher()
	}

	app := valueOr(config.App, "app")
	version := valueOr(config.Version, "v1")

	// create a child logger and add defaults
	logger = logger.With().
		Str("scope", scope.String()).
		Str("app", app).
		Logger()

	rules := config.Rules
	if rules == nil {
		rules = headerrules.DefaultRules()
	}
	precache := config.Precache
	if precache == nil {
		precache = DefaultPrecache
	}

	keyer := cachekey.NewCacheKeyer(scope.String())
	w := &Worker{
		keyer: keyer,
		classifier: Classifier{
			ScopeHost: scope.Host,
			APIPrefix: valueOr(config.APIPrefix, "/api/"),
		},
		fetcher:         fetcher,
		direct:          direct,
		rules:           rules,
		hub:             channel.NewHub(logger, 0),
		queue:           config.Queue,
		scope:           scope,
		version:         version,
		versionSource:   config.VersionSource,
		offlinePath:     valueOr(config.OfflinePath, "/offline"),
		probePath:       valueOr(config.ProbePath, "/"),
		requestModifier: config.RequestModifier,
		log:             logger,
	}
	w.storage = NewStorage(config.Cache, keyer, logger.With().Str("component", "storage").Logger())
	w.monitor = connectivity.NewMonitor(logger, w.probe, config.ProbeInterval)
	w.lifecycle = NewLifecycle(LifecycleConfig{
		App:         app,
		Precache:    precache,
		SkipWaiting: config.SkipWaiting,
	}, w.storage, keyer, FetcherFunc(w.fetch), w.hub, logger)
	w.sender = queue.HTTPSender(scope.String(), fetcherDoer{fetcher})

	w.hub.OnRelease(w.clientReleased)
	w.stopWatch = w.monitor.Subscribe(w.connectivityChanged)

	h := http.Handler(http.HandlerFunc(w.serve))
	h = hlog.RequestIDHandler("req_id", "Request-Id")(h)
	h = hlog.NewHandler(logger)(h)
	w.handler = h
	w.initControl()

	return w, nil
}

// Middleware creates a worker in front of next, which then plays the role of the network.
func Middleware(config Config, next http.Handler) (*Worker, error) {
	config.Fetcher = HandlerFetcher{Handler: next}
	return CreateWorker(config)
}

// Start installs the configured version and starts the connectivity probe.
func (w *Worker) Start(ctx context.Context) error {
	w.monitor.Start(ctx)
	return w.lifecycle.Install(ctx, w.version)
}

// Close stops the background processes and waits for running refreshes.
// The cache provider and the queue are not closed.
func (w *Worker) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	w.stopWatch()
	w.monitor.Stop()
	w.hub.Close()
	w.background.Wait()
	return nil
}

func (w *Worker) Lifecycle() *Lifecycle {
	return w.lifecycle
}

func (w *Worker) Hub() *channel.Hub {
	return w.hub
}

func (w *Worker) Storage() *Storage {
	return w.storage
}

func (w *Worker) Monitor() *connectivity.Monitor {
	return w.monitor
}

// ServeHTTP implements the http.Handler interface.
func (w *Worker) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	w.handler.ServeHTTP(rw, r)
}

func (w *Worker) serve(rw http.ResponseWriter, r *http.Request) {
	if strings.HasPrefix(r.URL.Path, ControlPrefix+"/") {
		w.control.ServeHTTP(rw, r)
		return
	}
	if w.requestModifier != nil {
		w.requestModifier(r)
	}

	route := w.classifier.Classify(r)
	gen, active := w.lifecycle.Active()
	logger := hlog.FromRequest(r).With().
		Str("class", string(route.Class)).
		Str("strategy", string(route.Strategy)).
		Str("url", w.keyer.URL(r)).
		Logger()
	if route.Strategy == Bypass || !active {
		w.bypass(rw, r, route, logger)
		return
	}

	ctx := r.Context()
	logger = logger.With().Str("generation", gen.Version).Logger()
	store := w.storage.Store(gen.StoreName(route.Partition))

	var res *http.Response
	var cs CacheStatus
	switch route.Strategy {
	case CacheFirst:
		res, cs = w.cacheFirst(ctx, r, store, logger)
	case StaleWhileRevalidate:
		res, cs = w.staleWhileRevalidate(ctx, r, store, logger)
	default:
		res, cs = w.networkFirst(ctx, r, store, logger)
	}
	cs.Detail(string(route.Strategy))
	w.send(rw, r, res, cs)
}

// bypass forwards the request untouched, without any store interaction.
// Requests for other hosts go to that host, never to the origin.
func (w *Worker) bypass(rw http.ResponseWriter, r *http.Request, route Route, logger zerolog.Logger) {
	cs := CacheStatus{}
	cs.Forward(CacheStatusFwdBypass)
	var res *http.Response
	var err error
	if route.Class == ClassCrossOrigin {
		res, err = w.direct.Fetch(r)
	} else {
		res, err = w.fetch(r)
	}
	if err != nil {
		logger.Warn().Err(err).Msg("Could not forward request")
		res = failureResponse(r, http.StatusBadGateway, "network-unavailable", "Bad Gateway")
	}
	w.send(rw, r, res, cs)
}

func (w *Worker) send(rw http.ResponseWriter, r *http.Request, res *http.Response, cs CacheStatus) {
	if res.Body != nil {
		defer res.Body.Close()
	}
	copyHeader(rw.Header(), res.Header)
	rw.Header().Add("Cache-Status", cs.String())
	rw.WriteHeader(res.StatusCode)
	if res.Body != nil {
		bytesWritten, err := io.Copy(rw, res.Body)
		if err != nil {
			hlog.FromRequest(r).Error().Err(err).Msg("Could not write response body to client")
		}
		hlog.FromRequest(r).Trace().Msgf("Wrote body (%d bytes)", bytesWritten)
	}
	w.logRequest(r, res.StatusCode, cs)
}

// spawn runs fn in the background unless the worker is closed.
func (w *Worker) spawn(fn func()) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return false
	}
	w.background.Add(1)
	go func() {
		defer w.background.Done()
		fn()
	}()
	return true
}

func (w *Worker) probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, w.scope.String()+w.probePath, nil)
	if err != nil {
		return err
	}
	res, err := w.fetcher.Fetch(req)
	if err != nil {
		return err
	}
	res.Body.Close()
	return nil
}

// connectivityChanged drains the offline queue when the origin is reachable again.
func (w *Worker) connectivityChanged(state connectivity.State) {
	if !state.Online || w.queue == nil {
		return
	}
	w.spawn(func() {
		if _, err := w.queue.Drain(context.Background(), w.sender); err != nil {
			w.log.Error().Err(err).Msg("Could not drain queue")
		}
	})
}

// clientReleased activates a waiting version once the last page of the active one is gone.
func (w *Worker) clientReleased(tag string) {
	w.mu.Lock()
	closed := w.closed
	w.mu.Unlock()
	if closed {
		return
	}
	gen, ok := w.lifecycle.Active()
	if !ok || gen.Version != tag {
		return
	}
	if err := w.lifecycle.ClientsReleased(context.Background()); err != nil {
		w.log.Error().Err(err).Msg("Could not activate waiting version")
	}
}

// Receive handles a message sent by a page.
func (w *Worker) Receive(ctx context.Context, msg channel.Message) error {
	switch msg.Type {
	case channel.SkipWaiting:
		err := w.lifecycle.SkipWaiting(ctx)
		if errors.Is(err, ErrNothingWaiting) {
			w.log.Debug().Msg("Skip waiting without a waiting version")
			return nil
		}
		return err
	case channel.ClearCache:
		_, err := w.lifecycle.ClearAll(ctx)
		return err
	}
	w.log.Debug().Str("type", string(msg.Type)).Msg("Ignoring message meant for pages")
	return nil
}

// Update checks the version source and installs a new version if there is one.
func (w *Worker) Update(ctx context.Context) (bool, error) {
	latest := w.version
	if w.versionSource != nil {
		v, err := w.versionSource(ctx)
		if err != nil {
			return false, err
		}
		latest = v
	}
	return w.lifecycle.Update(ctx, latest)
}

func (w *Worker) logRequest(r *http.Request, status int, cs CacheStatus) {
	isHit := 0
	if cs.IsHit() {
		isHit = 1
	}
	hlog.FromRequest(r).Debug().
		Str("method", r.Method).
		Str("url", r.URL.String()).
		Str("sourceIp", getRequestSourceIp(r)).
		Int("status", status).
		Str("cacheStatus", cs.String()).
		Int("hit", isHit).
		Msg("Sending response to client")
}

func getRequestSourceIp(r *http.Request) string {
	// RemoteAddr is in the format:
	// 1.2.3.4:10000 for ipv4
	// [1:2:3]:10000 for ipv6
	ipAndPort := r.RemoteAddr
	portSepIdx := strings.LastIndex(ipAndPort, ":")
	// if not found, return
	if portSepIdx < 0 {
		return ipAndPort
	}
	return ipAndPort[:portSepIdx]
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		// headers added by an upstream proxy are not passed on to the client
		if k == "X-Forwarded-For" || k == "X-Forwarded-Proto" || k == "X-Forwarded-Host" {
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

// fetcherDoer lets the offline queue replay actions through the worker's network.
type fetcherDoer struct {
	fetcher Fetcher
}

func (d fetcherDoer) Do(req *http.Request) (*http.Response, error) {
	return d.fetcher.Fetch(req)
}

func valueOr(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
