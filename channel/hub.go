package channel

import (
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const defaultBuffer = 16

// Client is one attached page.
// Tag is the version of the generation that controls the page.
type Client struct {
	ID       string
	Tag      string
	messages chan Message
}

// Messages returns the channel the client receives broadcasts on.
// It is closed when the client is unsubscribed.
func (c *Client) Messages() <-chan Message {
	return c.messages
}

// Hub fans worker messages out to every attached page.
// Each delivery is attempted independently and never blocks:
// a client with a full buffer misses the message.
type Hub struct {
	mu       sync.RWMutex
	clients  map[string]*Client
	buffer   int
	released []func(tag string)
	log      zerolog.Logger
}

func NewHub(logger zerolog.Logger, buffer int) *Hub {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Hub{
		clients: map[string]*Client{},
		buffer:  buffer,
		log:     logger.With().Str("component", "channel").Logger(),
	}
}

// Subscribe attaches a new client controlled by the given version.
func (h *Hub) Subscribe(tag string) *Client {
	c := &Client{
		ID:       uuid.NewString(),
		Tag:      tag,
		messages: make(chan Message, h.buffer),
	}
	h.mu.Lock()
	h.clients[c.ID] = c
	h.mu.Unlock()
	h.log.Trace().Str("client", c.ID).Str("tag", tag).Msg("Client attached")
	return c
}

// Unsubscribe detaches the client and closes its message channel.
// Release observers are called with the client's tag afterwards.
func (h *Hub) Unsubscribe(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c.ID]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c.ID)
	close(c.messages)
	observers := append([]func(string){}, h.released...)
	h.mu.Unlock()

	h.log.Trace().Str("client", c.ID).Str("tag", c.Tag).Msg("Client released")
	for _, fn := range observers {
		fn(c.Tag)
	}
}

// OnRelease registers a function called every time a client detaches.
func (h *Hub) OnRelease(fn func(tag string)) {
	h.mu.Lock()
	h.released = append(h.released, fn)
	h.mu.Unlock()
}

// Count returns the number of attached clients with the given tag,
// or of all clients if tag is empty.
func (h *Hub) Count(tag string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if tag == "" {
		return len(h.clients)
	}
	n := 0
	for _, c := range h.clients {
		if c.Tag == tag {
			n++
		}
	}
	return n
}

// Broadcast offers the message to every attached client and returns
// how many of them accepted it.
func (h *Hub) Broadcast(msg Message) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	delivered := 0
	for _, c := range h.clients {
		select {
		case c.messages <- msg:
			delivered++
		default:
			h.log.Warn().Str("client", c.ID).Str("type", string(msg.Type)).Msg("Client buffer full, dropping message")
		}
	}
	h.log.Debug().Str("type", string(msg.Type)).Str("url", msg.URL).Msgf("Broadcast to %d of %d clients", delivered, len(h.clients))
	return delivered
}

// Close detaches every client.
func (h *Hub) Close() {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()
	for _, c := range clients {
		h.Unsubscribe(c)
	}
}
