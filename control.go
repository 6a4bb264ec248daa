package swcache

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/always-cache/swcache/channel"
	"github.com/always-cache/swcache/diagnostics"
	"github.com/always-cache/swcache/queue"

	"github.com/go-chi/chi/v5"
	"github.com/jmgilman/go/errors"
	"github.com/rs/zerolog/hlog"
)

// ControlPrefix is the path under which the worker exposes its own endpoints.
// Requests under it never reach the origin.
const ControlPrefix = "/.swcache"

func (w *Worker) initControl() {
	r := chi.NewRouter()
	r.Route(ControlPrefix, func(r chi.Router) {
		r.Get("/healthz", w.handleHealth)
		r.Get("/status", w.handleStatus)
		r.Get("/events", w.hub.Events(w.pageTag))
		r.Post("/message", channel.MessageHandler(channel.ReceiverFunc(w.Receive)))
		r.Post("/update", w.handleUpdate)
		r.Get("/diagnostics", w.handleDiagnostics)
		r.Post("/reset/{target}", w.handleReset)
		r.Route("/queue", func(r chi.Router) {
			r.Use(w.requireQueue)
			r.Get("/", w.handleQueueList)
			r.Post("/", w.handleQueueAdd)
			r.Delete("/", w.handleQueueClear)
			r.Delete("/{id}", w.handleQueueRemove)
			r.Post("/drain", w.handleQueueDrain)
		})
	})
	w.control = r
}

// pageTag returns the version controlling the page.
// Pages pass the version they were loaded with, otherwise the active one is assumed.
func (w *Worker) pageTag(r *http.Request) string {
	if v := r.URL.Query().Get("version"); v != "" {
		return v
	}
	gen, _ := w.lifecycle.Active()
	return gen.Version
}

func writeJSON(rw http.ResponseWriter, status int, v interface{}) {
	rw.Header().Set("Content-Type", "application/json")
	rw.Header().Set("Cache-Control", "no-store")
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(v)
}

func writeError(rw http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch errors.GetCode(err) {
	case errors.CodeInvalidInput:
		status = http.StatusBadRequest
	case errors.CodeNotFound:
		status = http.StatusNotFound
	case errors.CodeConflict:
		status = http.StatusConflict
	case errors.CodeDatabase, errors.CodeNetwork, errors.CodeUnavailable:
		status = http.StatusServiceUnavailable
	}
	hlog.FromRequest(r).Error().Err(err).Int("status", status).Msg("Control request failed")
	channel.WriteError(rw, status, err)
}

func (w *Worker) handleHealth(rw http.ResponseWriter, r *http.Request) {
	gen, active := w.lifecycle.Active()
	writeJSON(rw, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"active":  active,
		"version": gen.Version,
		"online":  w.monitor.Online(),
	})
}

func (w *Worker) handleStatus(rw http.ResponseWriter, r *http.Request) {
	stores, err := w.storage.ListAll(r.Context())
	if err != nil {
		writeError(rw, r, err)
		return
	}
	writeJSON(rw, http.StatusOK, map[string]interface{}{
		"lifecycle":    w.lifecycle.Status(),
		"stores":       stores,
		"connectivity": w.monitor.State(),
		"clients":      w.hub.Count(""),
	})
}

func (w *Worker) handleUpdate(rw http.ResponseWriter, r *http.Request) {
	// the install outlives a page that stops waiting for it
	ctx := context.WithoutCancel(r.Context())
	updated, err := w.Update(ctx)
	if err != nil {
		writeError(rw, r, err)
		return
	}
	writeJSON(rw, http.StatusOK, map[string]interface{}{
		"updated":   updated,
		"lifecycle": w.lifecycle.Status(),
	})
}

func (w *Worker) checker() diagnostics.Checker {
	return diagnostics.Checker{
		BaseURL: w.scope,
		Fetcher: FetcherFunc(w.fetch),
		Registration: func() diagnostics.Registration {
			status := w.lifecycle.Status()
			reg := diagnostics.Registration{}
			if status.Active != nil {
				reg.Active = status.Active.Version
			}
			if status.Pending != nil {
				reg.Pending = status.Pending.Version
			}
			return reg
		},
		Stores: w.storage.ListAll,
		Log:    w.log.With().Str("component", "diagnostics").Logger(),
	}
}

func (w *Worker) handleDiagnostics(rw http.ResponseWriter, r *http.Request) {
	writeJSON(rw, http.StatusOK, w.checker().RunAll(r.Context()))
}

func (w *Worker) resets() diagnostics.Resets {
	resets := diagnostics.Resets{
		ClearCaches: func(ctx context.Context) error {
			_, err := w.lifecycle.ClearAll(ctx)
			return err
		},
		Unregister: w.lifecycle.Unregister,
		Log:        w.log.With().Str("component", "diagnostics").Logger(),
	}
	if w.queue != nil {
		resets.ClearQueue = w.queue.Clear
	}
	return resets
}

func (w *Worker) handleReset(rw http.ResponseWriter, r *http.Request) {
	target := chi.URLParam(r, "target")
	if err := w.resets().Run(r.Context(), target); err != nil {
		writeError(rw, r, err)
		return
	}
	writeJSON(rw, http.StatusOK, map[string]interface{}{
		"reset":     target,
		"lifecycle": w.lifecycle.Status(),
	})
}

func (w *Worker) requireQueue(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if w.queue == nil {
			writeError(rw, r, errors.New(errors.CodeNotFound, "offline queue is not configured"))
			return
		}
		next.ServeHTTP(rw, r)
	})
}

func (w *Worker) handleQueueList(rw http.ResponseWriter, r *http.Request) {
	items, err := w.queue.List(r.Context())
	if err != nil {
		writeError(rw, r, err)
		return
	}
	writeJSON(rw, http.StatusOK, items)
}

func (w *Worker) handleQueueAdd(rw http.ResponseWriter, r *http.Request) {
	var item queue.Item
	if err := json.NewDecoder(http.MaxBytesReader(rw, r.Body, 1<<20)).Decode(&item); err != nil {
		writeError(rw, r, errors.Wrap(err, errors.CodeInvalidInput, "action is not a JSON object"))
		return
	}
	item, err := w.queue.Enqueue(r.Context(), item)
	if err != nil {
		writeError(rw, r, err)
		return
	}
	writeJSON(rw, http.StatusCreated, item)
}

func (w *Worker) handleQueueClear(rw http.ResponseWriter, r *http.Request) {
	if err := w.queue.Clear(r.Context()); err != nil {
		writeError(rw, r, err)
		return
	}
	rw.WriteHeader(http.StatusNoContent)
}

func (w *Worker) handleQueueRemove(rw http.ResponseWriter, r *http.Request) {
	removed, err := w.queue.Remove(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(rw, r, err)
		return
	}
	if !removed {
		writeError(rw, r, errors.New(errors.CodeNotFound, "action is not queued"))
		return
	}
	rw.WriteHeader(http.StatusNoContent)
}

func (w *Worker) handleQueueDrain(rw http.ResponseWriter, r *http.Request) {
	result, err := w.queue.Drain(r.Context(), w.sender)
	if err != nil {
		writeError(rw, r, err)
		return
	}
	writeJSON(rw, http.StatusOK, result)
}
