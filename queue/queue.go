// Package queue persists mutating requests made while offline
// and replays them against the origin once it is reachable again.
package queue

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmgilman/go/errors"
	"github.com/rs/zerolog"

	_ "github.com/glebarez/go-sqlite"
)

// Item is one queued action.
type Item struct {
	ID       string          `json:"id"`
	Type     string          `json:"type"`
	Endpoint string          `json:"endpoint"`
	Method   string          `json:"method"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	// Milliseconds since the epoch at which the action was queued.
	Timestamp int64 `json:"timestamp"`
}

// Validate checks that the action can be replayed later.
func (i Item) Validate() error {
	switch i.Method {
	case http.MethodPost, http.MethodPut, http.MethodDelete:
	default:
		return errors.Newf(errors.CodeInvalidInput, "method %q cannot be queued", i.Method)
	}
	if !strings.HasPrefix(i.Endpoint, "/") {
		return errors.New(errors.CodeInvalidInput, "endpoint must be an origin-relative path")
	}
	if len(i.Payload) > 0 && !json.Valid(i.Payload) {
		return errors.New(errors.CodeInvalidInput, "payload is not valid JSON")
	}
	return nil
}

// Sender replays a single item. A nil error means the origin accepted it.
type Sender func(ctx context.Context, item Item) error

// DrainResult summarizes one drain.
type DrainResult struct {
	Sent    int `json:"sent"`
	Failed  int `json:"failed"`
	Pending int `json:"pending"`
}

type SQLiteQueue struct {
	db         *sql.DB
	writeMutex *sync.Mutex
	drainMutex *sync.Mutex
	log        zerolog.Logger
}

// NewSQLiteQueue opens the queue in the given db file.
// If file name is empty, a new in-memory db is opened.
func NewSQLiteQueue(filename string, logger zerolog.Logger) (*SQLiteQueue, error) {
	if filename == "" {
		filename = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeDatabase, "could not open queue db")
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, errors.Wrap(err, errors.CodeDatabase, "could not set journal mode")
	}
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS actions (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		type TEXT NOT NULL,
		endpoint TEXT NOT NULL,
		method TEXT NOT NULL,
		payload BLOB,
		timestamp INTEGER NOT NULL
	)`)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeDatabase, "could not create queue table")
	}
	return &SQLiteQueue{
		db:         db,
		writeMutex: &sync.Mutex{},
		drainMutex: &sync.Mutex{},
		log:        logger.With().Str("component", "queue").Logger(),
	}, nil
}

// Enqueue appends the action, assigning its id and timestamp.
func (q *SQLiteQueue) Enqueue(ctx context.Context, item Item) (Item, error) {
	if err := item.Validate(); err != nil {
		return Item{}, err
	}
	item.ID = uuid.NewString()
	item.Timestamp = time.Now().UnixMilli()
	q.writeMutex.Lock()
	defer q.writeMutex.Unlock()
	_, err := q.db.ExecContext(ctx,
		"INSERT INTO actions (id, type, endpoint, method, payload, timestamp) VALUES (?, ?, ?, ?, ?, ?)",
		item.ID, item.Type, item.Endpoint, item.Method, []byte(item.Payload), item.Timestamp)
	if err != nil {
		return Item{}, errors.Wrap(err, errors.CodeDatabase, "could not queue action")
	}
	q.log.Debug().Str("id", item.ID).Str("type", item.Type).Msg("Action queued")
	return item, nil
}

// List returns the queued actions in the order they were queued.
func (q *SQLiteQueue) List(ctx context.Context) ([]Item, error) {
	rows, err := q.db.QueryContext(ctx, "SELECT id, type, endpoint, method, payload, timestamp FROM actions ORDER BY seq")
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeDatabase, "could not list queue")
	}
	defer rows.Close()
	items := []Item{}
	for rows.Next() {
		var item Item
		var payload []byte
		if err := rows.Scan(&item.ID, &item.Type, &item.Endpoint, &item.Method, &payload, &item.Timestamp); err != nil {
			return nil, errors.Wrap(err, errors.CodeDatabase, "could not read queue")
		}
		if len(payload) > 0 {
			item.Payload = json.RawMessage(payload)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.CodeDatabase, "could not read queue")
	}
	return items, nil
}

// Remove deletes a single action and reports whether it was queued.
func (q *SQLiteQueue) Remove(ctx context.Context, id string) (bool, error) {
	q.writeMutex.Lock()
	defer q.writeMutex.Unlock()
	res, err := q.db.ExecContext(ctx, "DELETE FROM actions WHERE id = ?", id)
	if err != nil {
		return false, errors.Wrap(err, errors.CodeDatabase, "could not remove action")
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Clear deletes every queued action.
func (q *SQLiteQueue) Clear(ctx context.Context) error {
	q.writeMutex.Lock()
	defer q.writeMutex.Unlock()
	if _, err := q.db.ExecContext(ctx, "DELETE FROM actions"); err != nil {
		return errors.Wrap(err, errors.CodeDatabase, "could not clear queue")
	}
	q.log.Info().Msg("Queue cleared")
	return nil
}

// Drain replays every queued action in order, one at a time.
// Sent actions are removed, failed ones stay queued for the next drain.
// Only one drain runs at a time.
func (q *SQLiteQueue) Drain(ctx context.Context, send Sender) (DrainResult, error) {
	q.drainMutex.Lock()
	defer q.drainMutex.Unlock()

	items, err := q.List(ctx)
	if err != nil {
		return DrainResult{}, err
	}
	result := DrainResult{}
	for _, item := range items {
		if ctx.Err() != nil {
			break
		}
		if err := send(ctx, item); err != nil {
			q.log.Warn().Err(err).Str("id", item.ID).Str("type", item.Type).Msg("Could not sync action")
			result.Failed++
			continue
		}
		if _, err := q.Remove(ctx, item.ID); err != nil {
			q.log.Error().Err(err).Str("id", item.ID).Msg("Synced action could not be removed")
		}
		q.log.Debug().Str("id", item.ID).Str("type", item.Type).Msg("Action synced")
		result.Sent++
	}
	result.Pending = len(items) - result.Sent
	if len(items) > 0 {
		q.log.Info().Int("sent", result.Sent).Int("failed", result.Failed).Msg("Queue drained")
	}
	return result, nil
}

func (q *SQLiteQueue) Close() error {
	return q.db.Close()
}

// Doer sends a request. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// HTTPSender replays actions as JSON requests to the endpoint resolved against base.
// Any status outside 2xx is a failure.
func HTTPSender(base string, client Doer) Sender {
	base = strings.TrimRight(base, "/")
	return func(ctx context.Context, item Item) error {
		var body *bytes.Reader
		if len(item.Payload) > 0 {
			body = bytes.NewReader(item.Payload)
		} else {
			body = bytes.NewReader([]byte("{}"))
		}
		req, err := http.NewRequestWithContext(ctx, item.Method, base+item.Endpoint, body)
		if err != nil {
			return errors.Wrap(err, errors.CodeInvalidInput, "could not build request")
		}
		req.Header.Set("Content-Type", "application/json")
		res, err := client.Do(req)
		if err != nil {
			return errors.Wrap(err, errors.CodeNetwork, "origin unreachable")
		}
		res.Body.Close()
		if res.StatusCode < 200 || res.StatusCode > 299 {
			return errors.Newf(errors.CodeUnavailable, "HTTP %d", res.StatusCode)
		}
		return nil
	}
}
