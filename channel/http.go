package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/jmgilman/go/errors"
	"github.com/rs/zerolog/hlog"
)

const maxMessageBytes = 64 << 10

// Receiver handles messages sent by pages.
type Receiver interface {
	Receive(ctx context.Context, msg Message) error
}

type ReceiverFunc func(ctx context.Context, msg Message) error

func (f ReceiverFunc) Receive(ctx context.Context, msg Message) error {
	return f(ctx, msg)
}

// Events streams broadcasts to a page as server-sent events, one data line per message.
// tag returns the version controlling the page making the request.
func (h *Hub) Events(tag func(*http.Request) string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
			return
		}
		client := h.Subscribe(tag(r))
		defer h.Unsubscribe(client)

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, ": %s\n\n", client.ID)
		flusher.Flush()

		for {
			select {
			case <-r.Context().Done():
				return
			case msg, open := <-client.Messages():
				if !open {
					return
				}
				if _, err := fmt.Fprintf(w, "data: %s\n\n", msg.encode()); err != nil {
					return
				}
				flusher.Flush()
			}
		}
	}
}

// MessageHandler accepts page messages posted as JSON.
// Unknown message types are accepted and ignored.
func MessageHandler(recv Receiver) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := hlog.FromRequest(r)
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxMessageBytes))
		if err != nil {
			WriteError(w, http.StatusBadRequest, ProtocolViolation(err, "could not read message"))
			return
		}
		msg, err := Parse(body)
		if err != nil {
			logger.Warn().Err(err).Msg("Rejecting malformed message")
			WriteError(w, http.StatusBadRequest, err)
			return
		}
		if !msg.Type.Known() {
			logger.Debug().Str("type", string(msg.Type)).Msg("Ignoring unknown message type")
			w.WriteHeader(http.StatusAccepted)
			return
		}
		if err := recv.Receive(r.Context(), msg); err != nil {
			logger.Error().Err(err).Str("type", string(msg.Type)).Msg("Could not handle message")
			WriteError(w, statusFor(err), err)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}
}

// WriteError writes the error as a JSON error response.
func WriteError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errors.ToJSON(err))
}

func statusFor(err error) int {
	switch errors.GetCode(err) {
	case errors.CodeInvalidInput:
		return http.StatusBadRequest
	case errors.CodeConflict:
		return http.StatusConflict
	case errors.CodeNotFound:
		return http.StatusNotFound
	case errors.CodeDatabase, errors.CodeUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
