// Package readstate connects "the user is looking at this conversation" to
// the server's mark-as-read call. The unread badge is zeroed optimistically
// and restored if the call fails after the user has moved on.
package readstate

import (
	"context"
	"sync"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/convlist"
	"github.com/matheus3301/chatsync/internal/metrics"
	"go.uber.org/zap"
)

const (
	// EventReadFailed is published when marking the open conversation read
	// failed for good. The badge stays at zero while it is open.
	EventReadFailed = "read.failed"
	// EventReadRolledBack is published when a failed mark-read restored the
	// unread count of a conversation that is no longer open.
	EventReadRolledBack = "read.rolled_back"
)

// Marker is the collaborator that persists a read on the server.
type Marker interface {
	MarkRead(ctx context.Context, conversationID string) error
}

// Failure is the payload of EventReadFailed and EventReadRolledBack.
type Failure struct {
	ConversationID string
	Restored       int
	Err            error
}

// Options configures a Tracker.
type Options struct {
	List       *convlist.List
	Marker     Marker
	Bus        *bus.Bus
	Logger     *zap.Logger
	Retries    int
	RetryDelay time.Duration
	// Dispatch runs completion callbacks. The engine passes its loop so
	// results are applied in order with every other mutation.
	Dispatch func(func())
}

// Tracker owns the optimistic unread reset and its confirmation.
type Tracker struct {
	opts   Options
	logger *zap.Logger

	mu      sync.Mutex
	gen     map[string]uint64
	pending map[string]int
	wg      sync.WaitGroup
}

func New(opts Options) *Tracker {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Bus == nil {
		opts.Bus = bus.New()
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 500 * time.Millisecond
	}
	if opts.Dispatch == nil {
		opts.Dispatch = func(f func()) { f() }
	}
	return &Tracker{
		opts:    opts,
		logger:  opts.Logger.Named("readstate"),
		gen:     make(map[string]uint64),
		pending: make(map[string]int),
	}
}

// Open makes convID the viewed conversation, zeroes its badge and starts the
// mark-read request in the background.
func (t *Tracker) Open(ctx context.Context, convID string) {
	prev := t.opts.List.SetOpen(convID)
	if convID == "" {
		return
	}

	t.mu.Lock()
	t.gen[convID]++
	g := t.gen[convID]
	t.pending[convID] += prev
	t.mu.Unlock()

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		err := t.markWithRetry(ctx, convID)
		t.opts.Dispatch(func() { t.complete(convID, g, err) })
	}()
}

// Close clears the viewed conversation.
func (t *Tracker) Close() {
	t.opts.List.SetOpen("")
}

// Acknowledge zeroes the badge after the server reports the local user read
// convID, e.g. from another device.
func (t *Tracker) Acknowledge(convID string) {
	t.opts.List.ResetUnread(convID)
	t.mu.Lock()
	delete(t.pending, convID)
	t.mu.Unlock()
}

// Wait blocks until in-flight requests have finished.
func (t *Tracker) Wait() {
	t.wg.Wait()
}

func (t *Tracker) markWithRetry(ctx context.Context, convID string) error {
	var err error
	for attempt := 0; attempt <= t.opts.Retries; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(t.opts.RetryDelay * time.Duration(attempt))
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			}
		}
		if err = t.opts.Marker.MarkRead(ctx, convID); err == nil {
			return nil
		}
		t.logger.Debug("mark read failed", zap.String("conversation_id", convID), zap.Int("attempt", attempt+1), zap.Error(err))
	}
	return err
}

// complete applies a mark-read outcome unless a newer Open superseded it.
func (t *Tracker) complete(convID string, g uint64, err error) {
	t.mu.Lock()
	if t.gen[convID] != g {
		t.mu.Unlock()
		return
	}
	prev, tracked := t.pending[convID]
	delete(t.pending, convID)
	t.mu.Unlock()

	if err == nil || !tracked {
		return
	}
	if t.opts.List.Open() == convID {
		metrics.ReadAckFailures.WithLabelValues("surfaced").Inc()
		t.logger.Warn("mark read failed for open conversation", zap.String("conversation_id", convID), zap.Error(err))
		t.publish(EventReadFailed, Failure{ConversationID: convID, Err: err})
		return
	}
	if prev == 0 || !t.opts.List.AddUnread(convID, prev) {
		metrics.ReadAckFailures.WithLabelValues("dropped").Inc()
		return
	}
	metrics.ReadAckFailures.WithLabelValues("rolled_back").Inc()
	t.logger.Info("restored unread count after failed mark read",
		zap.String("conversation_id", convID), zap.Int("restored", prev), zap.Error(err))
	t.publish(EventReadRolledBack, Failure{ConversationID: convID, Restored: prev, Err: err})
}

func (t *Tracker) publish(name string, f Failure) {
	t.opts.Bus.Publish(bus.Event{Name: name, Timestamp: time.Now(), Payload: f})
}
