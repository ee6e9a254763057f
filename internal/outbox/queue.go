package outbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/matheus3301/chatsync/internal/model"
	"go.uber.org/zap"
)

const (
	// StorageKey is the single well-known local storage key of the mirror.
	StorageKey = "chat_offline_queue"
	// MaxPersisted bounds the mirror to the most recent entries.
	MaxPersisted = 50
	// TTL is how long a queued event stays eligible for replay.
	TTL = 5 * time.Minute
)

// ErrNotQueueable is returned by Enqueue for fire-and-forget events.
var ErrNotQueueable = errors.New("event is not queueable")

// Storage is the durable key/value mirror (store.DB in production).
type Storage interface {
	Get(key string) (string, bool, error)
	Put(key, value string) error
	Delete(key string) error
}

// Entry is one deferred outbound event.
type Entry struct {
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
}

// EnqueuedAt returns when the entry was queued.
func (e Entry) EnqueuedAt() time.Time {
	return time.UnixMilli(e.Timestamp)
}

// DrainResult summarizes one replay.
type DrainResult struct {
	Sent      int
	Replayed  []Entry
	Expired   []Entry
	Remaining int
}

// Queueable reports whether event may be deferred while offline. Typing
// indicators and leaveChat only make sense against a live session.
func Queueable(event string) bool {
	switch event {
	case model.EmitTyping, model.EmitLeaveChat:
		return false
	}
	return true
}

// Queue holds events emitted while disconnected, in enqueue order, and
// mirrors the most recent MaxPersisted of them to Storage.
type Queue struct {
	mu      sync.Mutex
	storage Storage
	logger  *zap.Logger
	now     func() time.Time
	entries []Entry
}

// New creates an empty queue. Call Load to restore a persisted mirror.
func New(storage Storage, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		storage: storage,
		logger:  logger,
		now:     time.Now,
	}
}

// SetClock overrides the time source.
func (q *Queue) SetClock(now func() time.Time) {
	q.mu.Lock()
	q.now = now
	q.mu.Unlock()
}

// Load restores the mirror from storage, dropping expired entries.
// It returns the number of entries restored.
func (q *Queue) Load() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	raw, ok, err := q.storage.Get(StorageKey)
	if err != nil {
		return 0, fmt.Errorf("read queue mirror: %w", err)
	}
	if !ok || raw == "" {
		return 0, nil
	}
	var stored []Entry
	if err := json.Unmarshal([]byte(raw), &stored); err != nil {
		// An unreadable mirror would otherwise fail every startup.
		_ = q.storage.Delete(StorageKey)
		return 0, fmt.Errorf("decode queue mirror: %w", err)
	}

	cutoff := q.now().Add(-TTL)
	dropped := 0
	for _, e := range stored {
		if e.EnqueuedAt().Before(cutoff) {
			dropped++
			continue
		}
		q.entries = append(q.entries, e)
	}
	if dropped > 0 {
		q.logger.Info("dropped expired queued events", zap.Int("dropped", dropped))
		if err := q.persistLocked(); err != nil {
			return len(q.entries), err
		}
	}
	return len(q.entries), nil
}

// ReadMirror decodes the persisted mirror without loading or pruning it.
func ReadMirror(storage Storage) ([]Entry, error) {
	raw, ok, err := storage.Get(StorageKey)
	if err != nil {
		return nil, fmt.Errorf("read queue mirror: %w", err)
	}
	if !ok || raw == "" {
		return nil, nil
	}
	var stored []Entry
	if err := json.Unmarshal([]byte(raw), &stored); err != nil {
		return nil, fmt.Errorf("decode queue mirror: %w", err)
	}
	return stored, nil
}

// Enqueue appends event with the current timestamp and updates the mirror.
func (q *Queue) Enqueue(event string, payload any) error {
	if !Queueable(event) {
		return fmt.Errorf("%s: %w", event, ErrNotQueueable)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", event, err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = append(q.entries, Entry{
		Event:     event,
		Data:      data,
		Timestamp: q.now().UnixMilli(),
	})
	q.logger.Debug("event queued", zap.String("event", event), zap.Int("depth", len(q.entries)))
	return q.persistLocked()
}

// Len returns the number of queued entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Entries returns a copy of the queued entries in enqueue order.
func (q *Queue) Entries() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Entry(nil), q.entries...)
}

// Drain replays queued entries through emit in enqueue order. Entries older
// than TTL are dropped and reported in the result instead of being emitted.
// If emit fails, that entry and everything after it stay queued, ahead of
// anything enqueued while the drain was running.
func (q *Queue) Drain(emit func(Entry) error) (DrainResult, error) {
	q.mu.Lock()
	batch := q.entries
	q.entries = nil
	cutoff := q.now().Add(-TTL)
	q.mu.Unlock()

	var res DrainResult
	var keep []Entry
	var emitErr error
	for i, e := range batch {
		if e.EnqueuedAt().Before(cutoff) {
			res.Expired = append(res.Expired, e)
			continue
		}
		if err := emit(e); err != nil {
			emitErr = fmt.Errorf("replay %s: %w", e.Event, err)
			keep = batch[i:]
			break
		}
		res.Sent++
		res.Replayed = append(res.Replayed, e)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = append(append([]Entry(nil), keep...), q.entries...)
	res.Remaining = len(q.entries)
	if err := q.persistLocked(); err != nil && emitErr == nil {
		emitErr = err
	}
	if len(res.Expired) > 0 {
		q.logger.Info("dropped expired queued events on replay", zap.Int("expired", len(res.Expired)))
	}
	return res, emitErr
}

// Clear discards every queued entry and the mirror.
func (q *Queue) Clear() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = nil
	return q.persistLocked()
}

func (q *Queue) persistLocked() error {
	if len(q.entries) == 0 {
		if err := q.storage.Delete(StorageKey); err != nil {
			return fmt.Errorf("clear queue mirror: %w", err)
		}
		return nil
	}
	tail := q.entries
	if len(tail) > MaxPersisted {
		tail = tail[len(tail)-MaxPersisted:]
	}
	data, err := json.Marshal(tail)
	if err != nil {
		return fmt.Errorf("encode queue mirror: %w", err)
	}
	if err := q.storage.Put(StorageKey, string(data)); err != nil {
		return fmt.Errorf("write queue mirror: %w", err)
	}
	return nil
}
