package channel

import (
	"encoding/json"

	"github.com/jmgilman/go/errors"
)

type MessageType string

const (
	// SkipWaiting is sent by a page to activate a waiting generation right away.
	SkipWaiting MessageType = "SKIP_WAITING"
	// UpdateAvailable is broadcast to pages once a new generation is active.
	UpdateAvailable MessageType = "UPDATE_AVAILABLE"
	// CacheRefreshed is broadcast when an entry was refreshed in the background.
	CacheRefreshed MessageType = "CACHE_REFRESHED"
	// ClearCache is sent by a page to delete every store of every generation.
	ClearCache MessageType = "CLEAR_CACHE"
)

// Known reports whether the type is part of the protocol.
func (t MessageType) Known() bool {
	switch t {
	case SkipWaiting, UpdateAvailable, CacheRefreshed, ClearCache:
		return true
	}
	return false
}

// Message is a single record exchanged between the worker and its pages.
type Message struct {
	Type    MessageType `json:"type"`
	URL     string      `json:"url,omitempty"`
	Version string      `json:"version,omitempty"`
}

// ProtocolViolation wraps a malformed channel message.
func ProtocolViolation(err error, reason string) error {
	if err == nil {
		return errors.New(errors.CodeInvalidInput, reason)
	}
	return errors.Wrap(err, errors.CodeInvalidInput, reason)
}

// Parse decodes a message sent by a page.
// Messages of unknown type parse fine, it is up to the receiver to ignore them.
func Parse(b []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(b, &msg); err != nil {
		return Message{}, ProtocolViolation(err, "message is not a JSON object")
	}
	if msg.Type == "" {
		return Message{}, ProtocolViolation(nil, "message has no type")
	}
	return msg, nil
}

func (m Message) encode() []byte {
	b, _ := json.Marshal(m)
	return b
}
