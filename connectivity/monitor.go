// Package connectivity tracks whether the origin is reachable
// and tells registered observers when that changes.
package connectivity

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type State struct {
	Online      bool      `json:"online"`
	LastChecked time.Time `json:"lastChecked"`
}

// Prober checks the origin once. A nil error means online.
type Prober func(ctx context.Context) error

// Monitor is the observer registry for connectivity changes.
// One monitor is owned by the worker and lives as long as it does.
type Monitor struct {
	mu        sync.Mutex
	state     State
	listeners map[uint64]func(State)
	nextID    uint64

	probe    Prober
	interval time.Duration
	cancel   context.CancelFunc
	done     chan struct{}

	log zerolog.Logger
}

// NewMonitor creates a monitor that starts out online.
// If probe is not nil and interval is positive, Start runs the probe periodically.
func NewMonitor(logger zerolog.Logger, probe Prober, interval time.Duration) *Monitor {
	return &Monitor{
		state:     State{Online: true, LastChecked: time.Now()},
		listeners: map[uint64]func(State){},
		probe:     probe,
		interval:  interval,
		log:       logger.With().Str("component", "connectivity").Logger(),
	}
}

func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Monitor) Online() bool {
	return m.State().Online
}

// Subscribe registers a listener called on every change.
// The returned function removes it again.
func (m *Monitor) Subscribe(fn func(State)) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

// Set records an observation. Listeners are only notified if the state flipped.
func (m *Monitor) Set(online bool) {
	m.mu.Lock()
	changed := m.state.Online != online
	m.state = State{Online: online, LastChecked: time.Now()}
	state := m.state
	var listeners []func(State)
	if changed {
		listeners = make([]func(State), 0, len(m.listeners))
		for _, fn := range m.listeners {
			listeners = append(listeners, fn)
		}
	}
	m.mu.Unlock()

	if !changed {
		return
	}
	if online {
		m.log.Info().Msg("Back online")
	} else {
		m.log.Warn().Msg("Went offline")
	}
	m.notify(state, listeners)
}

func (m *Monitor) notify(state State, listeners []func(State)) {
	for _, fn := range listeners {
		fn(state)
	}
}

// Check runs the probe once and records the outcome.
func (m *Monitor) Check(ctx context.Context) State {
	if m.probe == nil {
		return m.State()
	}
	err := m.probe(ctx)
	if err != nil {
		m.log.Trace().Err(err).Msg("Probe failed")
	}
	m.Set(err == nil)
	return m.State()
}

// Start runs the probe loop until Stop is called or ctx is done.
func (m *Monitor) Start(ctx context.Context) {
	if m.probe == nil || m.interval <= 0 {
		return
	}
	m.mu.Lock()
	if m.cancel != nil {
		m.mu.Unlock()
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	done := m.done
	m.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Check(ctx)
			}
		}
	}()
}

// Stop ends the probe loop and waits for it to return.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}
