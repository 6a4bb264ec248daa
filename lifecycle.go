package swcache

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/always-cache/swcache/channel"
	cachekey "github.com/always-cache/swcache/pkg/cache-key"

	"github.com/jmgilman/go/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Generation is a version-tagged cohort of stores.
type Generation struct {
	App     string
	Version string
}

// StoreName returns the name of the generation's store for the partition,
// e.g. "app-static-v1".
func (g Generation) StoreName(p Partition) string {
	return fmt.Sprintf("%s-%s-%s", g.App, p, g.Version)
}

func (g Generation) StoreNames() []string {
	names := make([]string, 0, len(partitions))
	for _, p := range partitions {
		names = append(names, g.StoreName(p))
	}
	return names
}

// Owns reports whether the store belongs to this generation.
func (g Generation) Owns(name string) bool {
	for _, n := range g.StoreNames() {
		if n == name {
			return true
		}
	}
	return false
}

type State string

const (
	Parsed     State = "parsed"
	Installing State = "installing"
	Installed  State = "installed"
	Activating State = "activating"
	Active     State = "active"
	Redundant  State = "redundant"
)

type Event string

const (
	EventInstall         Event = "install"
	EventInstallDone     Event = "install-done"
	EventSkipWaiting     Event = "skip-waiting"
	EventClientsReleased Event = "clients-released"
	EventPurgeDone       Event = "purge-done"
	EventSuperseded      Event = "superseded"
)

type Effect string

const (
	EffectPrecache        Effect = "precache"
	EffectPurgeStale      Effect = "purge-stale"
	EffectBroadcastUpdate Effect = "broadcast-update"
)

// Transition is the lifecycle state machine. It has no side effects,
// the returned effects are carried out by the caller.
func Transition(s State, e Event) (State, []Effect, error) {
	if e == EventSuperseded {
		if s == Redundant {
			return s, nil, ErrInvalidTransition
		}
		return Redundant, nil, nil
	}
	switch {
	case s == Parsed && e == EventInstall:
		return Installing, []Effect{EffectPrecache}, nil
	case s == Installing && e == EventInstallDone:
		return Installed, nil, nil
	case s == Installed && (e == EventSkipWaiting || e == EventClientsReleased):
		return Activating, []Effect{EffectPurgeStale}, nil
	case s == Activating && e == EventPurgeDone:
		return Active, []Effect{EffectBroadcastUpdate}, nil
	}
	return s, nil, ErrInvalidTransition
}

type version struct {
	gen   Generation
	state State
}

// VersionStatus describes one worker version.
type VersionStatus struct {
	Version string `json:"version"`
	State   State  `json:"state"`
}

// LifecycleStatus is a snapshot of the active and the waiting version.
type LifecycleStatus struct {
	Active  *VersionStatus `json:"active,omitempty"`
	Pending *VersionStatus `json:"pending,omitempty"`
}

// Lifecycle installs, activates and retires generations.
// Operations are serialized, reads of the current state are not blocked by them.
type Lifecycle struct {
	op sync.Mutex
	// held for writing while stale stores are purged
	purge sync.RWMutex

	mu      sync.RWMutex
	active  *version
	pending *version

	app         string
	assets      []string
	skipWaiting bool
	storage     *Storage
	keyer       cachekey.CacheKeyer
	fetcher     Fetcher
	hub         *channel.Hub
	log         zerolog.Logger
}

type LifecycleConfig struct {
	App string
	// Paths written to the static store on install.
	Precache []string
	// Activate installed versions without waiting for pages to release the old one.
	SkipWaiting bool
}

func NewLifecycle(config LifecycleConfig, storage *Storage, keyer cachekey.CacheKeyer, fetcher Fetcher, hub *channel.Hub, logger zerolog.Logger) *Lifecycle {
	return &Lifecycle{
		app:         config.App,
		assets:      config.Precache,
		skipWaiting: config.SkipWaiting,
		storage:     storage,
		keyer:       keyer,
		fetcher:     fetcher,
		hub:         hub,
		log:         logger.With().Str("component", "lifecycle").Logger(),
	}
}

// Active returns the generation requests are currently served from.
// A generation being activated is served from as soon as activation starts.
func (l *Lifecycle) Active() (Generation, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.pending != nil && l.pending.state == Activating {
		return l.pending.gen, true
	}
	if l.active == nil {
		return Generation{}, false
	}
	return l.active.gen, true
}

// Write runs fn if the store belongs to the generation being served and reports whether it ran.
// Stale stores are never purged while fn runs, so fn cannot recreate one.
func (l *Lifecycle) Write(store string, fn func() error) (bool, error) {
	l.purge.RLock()
	defer l.purge.RUnlock()
	gen, ok := l.Active()
	if !ok || !gen.Owns(store) {
		return false, nil
	}
	return true, fn()
}

func (l *Lifecycle) Status() LifecycleStatus {
	l.mu.RLock()
	defer l.mu.RUnlock()
	status := LifecycleStatus{}
	if l.active != nil {
		status.Active = &VersionStatus{Version: l.active.gen.Version, State: l.active.state}
	}
	if l.pending != nil {
		status.Pending = &VersionStatus{Version: l.pending.gen.Version, State: l.pending.state}
	}
	return status
}

// Install installs a new version of the app.
// A version that is already waiting is superseded.
// The new version is activated right away if skip-waiting is configured,
// nothing is active yet, or no page is attached to the active version.
// Installing the active or the waiting version again is a no-op.
func (l *Lifecycle) Install(ctx context.Context, versionTag string) error {
	l.op.Lock()
	defer l.op.Unlock()
	return l.install(ctx, versionTag)
}

// Update installs the version if it differs from the active and the waiting one.
// It reports whether an install happened.
func (l *Lifecycle) Update(ctx context.Context, versionTag string) (bool, error) {
	l.op.Lock()
	defer l.op.Unlock()
	if l.isKnown(versionTag) {
		l.log.Debug().Str("version", versionTag).Msg("Version unchanged")
		return false, nil
	}
	return true, l.install(ctx, versionTag)
}

func (l *Lifecycle) isKnown(versionTag string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return (l.active != nil && l.active.gen.Version == versionTag) ||
		(l.pending != nil && l.pending.gen.Version == versionTag)
}

func (l *Lifecycle) install(ctx context.Context, versionTag string) error {
	if versionTag == "" {
		return errors.New(errors.CodeInvalidInput, "version must not be empty")
	}
	if l.isKnown(versionTag) {
		return nil
	}
	l.mu.RLock()
	previous := l.pending
	l.mu.RUnlock()
	if previous != nil {
		if _, err := l.apply(ctx, previous, EventSuperseded); err != nil {
			return err
		}
	}

	v := &version{gen: Generation{App: l.app, Version: versionTag}, state: Parsed}
	l.mu.Lock()
	l.pending = v
	l.mu.Unlock()

	if _, err := l.apply(ctx, v, EventInstall); err != nil {
		return err
	}
	if _, err := l.apply(ctx, v, EventInstallDone); err != nil {
		return err
	}

	if l.skipWaiting || !l.controlsPages() {
		return l.activate(ctx, EventSkipWaiting)
	}
	l.log.Info().Str("version", versionTag).Msg("New version is waiting")
	return nil
}

// controlsPages reports whether any page is attached to the active version.
func (l *Lifecycle) controlsPages() bool {
	l.mu.RLock()
	active := l.active
	l.mu.RUnlock()
	if active == nil || l.hub == nil {
		return false
	}
	return l.hub.Count(active.gen.Version) > 0
}

// SkipWaiting activates the waiting version now.
func (l *Lifecycle) SkipWaiting(ctx context.Context) error {
	l.op.Lock()
	defer l.op.Unlock()
	return l.activate(ctx, EventSkipWaiting)
}

// ClientsReleased activates the waiting version if no page is attached to the active one anymore.
func (l *Lifecycle) ClientsReleased(ctx context.Context) error {
	l.op.Lock()
	defer l.op.Unlock()
	if l.controlsPages() {
		return nil
	}
	l.mu.RLock()
	waiting := l.pending != nil && l.pending.state == Installed
	l.mu.RUnlock()
	if !waiting {
		return nil
	}
	return l.activate(ctx, EventClientsReleased)
}

func (l *Lifecycle) activate(ctx context.Context, e Event) error {
	l.mu.RLock()
	v := l.pending
	l.mu.RUnlock()
	if v == nil || v.state != Installed {
		return ErrNothingWaiting
	}
	if _, err := l.apply(ctx, v, e); err != nil {
		return err
	}
	_, err := l.apply(ctx, v, EventPurgeDone)
	return err
}

// apply runs the transition for the version and then carries out its effects.
func (l *Lifecycle) apply(ctx context.Context, v *version, e Event) ([]Effect, error) {
	l.mu.RLock()
	from := v.state
	l.mu.RUnlock()
	next, effects, err := Transition(from, e)
	if err != nil {
		return nil, errors.WrapWithContext(err, errors.CodeConflict, fmt.Sprintf("%s cannot handle %s", from, e), map[string]interface{}{
			"version": v.gen.Version,
		})
	}

	l.mu.Lock()
	v.state = next
	if next == Active {
		previous := l.active
		l.active = v
		if l.pending == v {
			l.pending = nil
		}
		if previous != nil && previous != v {
			if st, _, err := Transition(previous.state, EventSuperseded); err == nil {
				previous.state = st
			}
			l.log.Info().Str("version", previous.gen.Version).Msg("Version is redundant")
		}
	}
	if next == Redundant {
		if l.pending == v {
			l.pending = nil
		}
		if l.active == v {
			l.active = nil
		}
	}
	l.mu.Unlock()

	l.log.Info().Str("version", v.gen.Version).Str("from", string(from)).Str("to", string(next)).Msg("Lifecycle transition")
	for _, effect := range effects {
		l.execute(ctx, v, effect)
	}
	return effects, nil
}

func (l *Lifecycle) execute(ctx context.Context, v *version, effect Effect) {
	switch effect {
	case EffectPrecache:
		l.precache(ctx, v.gen)
	case EffectPurgeStale:
		l.purge.Lock()
		deleted, err := l.storage.Purge(ctx, v.gen.Owns)
		l.purge.Unlock()
		if err != nil {
			l.log.Error().Err(err).Msg("Could not purge all stale stores")
		}
		l.log.Info().Strs("stores", deleted).Msg("Purged stale stores")
	case EffectBroadcastUpdate:
		// delivery is best-effort, pages that miss it pick the version up on reload
		if l.hub != nil {
			l.hub.Broadcast(channel.Message{Type: channel.UpdateAvailable, Version: v.gen.Version})
		}
	}
}

// precache writes the configured assets to the static store.
// A failing asset is logged and does not stop the others.
func (l *Lifecycle) precache(ctx context.Context, gen Generation) int {
	logger := l.log.With().Str("version", gen.Version).Logger()
	static, err := l.storage.Open(ctx, gen.StoreName(Static))
	if err != nil {
		logger.Error().Err(err).Msg("Could not open static store, skipping precache")
		return 0
	}
	var stored atomic.Int32
	g := errgroup.Group{}
	g.SetLimit(4)
	for _, path := range l.assets {
		path := path
		g.Go(func() error {
			if err := l.preload(ctx, static, path); err != nil {
				logger.Warn().Err(err).Str("path", path).Msg("Could not precache asset")
				return nil
			}
			stored.Add(1)
			return nil
		})
	}
	g.Wait()
	logger.Info().Msgf("Precached %d of %d assets", stored.Load(), len(l.assets))
	return int(stored.Load())
}

func (l *Lifecycle) preload(ctx context.Context, store *Store, path string) error {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	req, err := l.keyer.GetRequestFromKey(l.keyer.PathKey(path))
	if err != nil {
		return err
	}
	req = req.WithContext(ctx)
	res, err := l.fetcher.Fetch(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return errors.Newf(errors.CodeNotFound, "HTTP %d", res.StatusCode)
	}
	return store.Put(ctx, req, res)
}

// ClearAll deletes every store of every generation.
func (l *Lifecycle) ClearAll(ctx context.Context) ([]string, error) {
	deleted, err := l.storage.Purge(ctx, nil)
	l.log.Info().Strs("stores", deleted).Msg("Cleared all stores")
	return deleted, err
}

// Unregister retires the active and the waiting version.
// Requests bypass the engine until a version is installed again.
func (l *Lifecycle) Unregister(ctx context.Context) error {
	l.op.Lock()
	defer l.op.Unlock()
	l.mu.RLock()
	versions := []*version{l.pending, l.active}
	l.mu.RUnlock()
	for _, v := range versions {
		if v == nil {
			continue
		}
		if _, err := l.apply(ctx, v, EventSuperseded); err != nil {
			return err
		}
	}
	return nil
}
