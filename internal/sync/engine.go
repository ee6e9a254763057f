// Package sync runs the chat synchronization engine: a single event loop that
// applies inbound server events, local user actions and late network results
// to the message cache and conversation list in one order.
package sync

import (
	"context"
	"errors"
	"time"

	"github.com/matheus3301/chatsync/internal/api"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/conn"
	"github.com/matheus3301/chatsync/internal/convlist"
	"github.com/matheus3301/chatsync/internal/metrics"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/readstate"
	"github.com/matheus3301/chatsync/internal/reconcile"
	"github.com/matheus3301/chatsync/internal/typing"
	"go.uber.org/zap"
)

// Events published by the engine for views.
const (
	EventListChanged     = "chat.list_changed"
	EventMessagesChanged = "chat.messages_changed"
	EventTypingChanged   = "chat.typing_changed"
	EventSendFailed      = "chat.send_failed"
)

var (
	ErrNotRunning = errors.New("engine not running")
	ErrNotFound   = errors.New("not found")
	ErrNotFailed  = errors.New("message is not a failed send")
)

// Emitter is the outbound side of the connection manager.
type Emitter interface {
	Emit(ctx context.Context, event string, payload any) (conn.Outcome, error)
	IsConnected() bool
}

// API is the subset of the HTTP client the engine uses.
type API interface {
	ListConversations(ctx context.Context) ([]model.Conversation, error)
	GetConversation(ctx context.Context, id string) (*model.Conversation, error)
	ListMessages(ctx context.Context, convID, before string, limit int) (api.MessagePage, error)
	MarkRead(ctx context.Context, convID string) error
	CreateGroup(ctx context.Context, p api.GroupParams) (*model.Conversation, error)
	UpdateGroup(ctx context.Context, id string, p api.GroupParams) (*model.Conversation, error)
	DeleteGroup(ctx context.Context, id string) error
	CreateDirect(ctx context.Context, userID string) (*model.Conversation, error)
	SearchConversations(ctx context.Context, query string) ([]model.Conversation, error)
}

// Checkpointer persists sync progress markers (store.DB in production).
type Checkpointer interface {
	UpdateCheckpoint(key, value string) error
}

// Options configures an Engine.
type Options struct {
	Bus         *bus.Bus
	Emitter     Emitter
	API         API
	Checkpoints Checkpointer
	Logger      *zap.Logger

	SelfID        string
	SweepInterval time.Duration
	TypingTTL     time.Duration
	ReadRetries   int
	PageSize      int
	Now           func() time.Time
}

// TypingChange is the payload of EventTypingChanged.
type TypingChange struct {
	ConversationID string
	Names          []string
}

// Engine owns the caches and serializes every mutation through its loop.
type Engine struct {
	opts   Options
	logger *zap.Logger

	messages *reconcile.Cache
	list     *convlist.List
	reads    *readstate.Tracker
	typing   *typing.Tracker
	throttle *typing.Throttle

	ops   chan func()
	scope *bus.Scope

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// Loop-only state.
	selfID       string
	refreshing   bool
	refreshAgain bool
	looking      map[string]bool
}

// New builds an engine. Call Start to run its loop.
func New(opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Bus == nil {
		opts.Bus = bus.New()
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 60 * time.Second
	}
	if opts.ReadRetries <= 0 {
		opts.ReadRetries = 3
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 50
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	e := &Engine{
		opts:     opts,
		logger:   opts.Logger.Named("sync"),
		messages: reconcile.New(),
		list:     convlist.New(opts.SelfID),
		typing:   typing.NewTracker(opts.TypingTTL),
		throttle: typing.NewThrottle(typing.DefaultThrottle),
		ops:      make(chan func(), 256),
		selfID:   opts.SelfID,
		looking:  make(map[string]bool),
	}
	e.list.SetClock(opts.Now)
	e.typing.SetClock(opts.Now)
	e.reads = readstate.New(readstate.Options{
		List:     e.list,
		Marker:   opts.API,
		Bus:      opts.Bus,
		Logger:   opts.Logger,
		Retries:  opts.ReadRetries,
		Dispatch: e.post,
	})
	return e
}

// Start subscribes to server events and runs the loop until ctx ends or Stop
// is called. The first list refresh is kicked off immediately.
func (e *Engine) Start(ctx context.Context) error {
	if e.done != nil {
		return errors.New("engine already started")
	}
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.done = make(chan struct{})
	e.scope = e.opts.Bus.NewScope()
	e.subscribe()
	go e.loop()
	e.post(e.refresh)
	return nil
}

// Stop ends the loop and removes every handler.
func (e *Engine) Stop() {
	if e.cancel == nil {
		return
	}
	e.cancel()
	<-e.done
	e.scope.Close()
	e.reads.Wait()
}

func (e *Engine) loop() {
	defer close(e.done)
	sweep := time.NewTicker(e.opts.SweepInterval)
	defer sweep.Stop()
	expire := time.NewTicker(time.Second)
	defer expire.Stop()

	for {
		select {
		case f := <-e.ops:
			f()
		case <-sweep.C:
			e.sweep()
		case <-expire.C:
			for _, convID := range e.typing.Expire() {
				e.publishTyping(convID)
			}
		case <-e.ctx.Done():
			return
		}
	}
}

// post queues f for the loop. It gives up once the engine stops.
func (e *Engine) post(f func()) {
	if e.ctx == nil {
		return
	}
	select {
	case e.ops <- f:
	case <-e.ctx.Done():
	}
}

// call runs f on the loop and waits for it. It must not be used from the
// loop itself or from a bus handler running on it.
func (e *Engine) call(ctx context.Context, f func()) error {
	if e.ctx == nil {
		return ErrNotRunning
	}
	finished := make(chan struct{})
	select {
	case e.ops <- func() { f(); close(finished) }:
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		return ErrNotRunning
	}
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		return ErrNotRunning
	}
}

// async runs fetch off the loop and applies its result back on the loop.
func (e *Engine) async(fetch func(ctx context.Context) func()) {
	go func() {
		apply := fetch(e.ctx)
		if apply != nil {
			e.post(apply)
		}
	}()
}

func (e *Engine) publish(name string, payload any) {
	e.opts.Bus.Publish(bus.Event{Name: name, Timestamp: e.opts.Now(), Payload: payload})
}

func (e *Engine) listChanged() {
	metrics.UnreadTotal.Set(float64(e.list.TotalUnread()))
	e.publish(EventListChanged, nil)
}

func (e *Engine) messagesChanged(convID string) {
	e.publish(EventMessagesChanged, convID)
}

func (e *Engine) publishTyping(convID string) {
	e.publish(EventTypingChanged, TypingChange{ConversationID: convID, Names: e.typing.Names(convID)})
}

func (e *Engine) checkpoint(key, value string) {
	if e.opts.Checkpoints == nil {
		return
	}
	if err := e.opts.Checkpoints.UpdateCheckpoint(key, value); err != nil {
		e.logger.Warn("checkpoint write failed", zap.String("key", key), zap.Error(err))
	}
}

// Read-side accessors. The owners guard their own state, so these do not go
// through the loop.

// Conversations returns the list in display order.
func (e *Engine) Conversations() []model.Conversation { return e.list.Snapshot() }

// Conversation returns one list entry.
func (e *Engine) Conversation(id string) (model.Conversation, bool) { return e.list.Get(id) }

// Messages returns the cached messages of a conversation in display order.
func (e *Engine) Messages(convID string) []model.Message { return e.messages.Messages(convID) }

// HasMore reports whether older history can be loaded.
func (e *Engine) HasMore(convID string) bool { return e.messages.HasMore(convID) }

// Typing returns who is typing in a conversation.
func (e *Engine) Typing(convID string) []string { return e.typing.Names(convID) }

// OpenConversationID returns the conversation being viewed.
func (e *Engine) OpenConversationID() string { return e.list.Open() }

// SelfID returns the local user id messages are attributed to.
func (e *Engine) SelfID() string { return e.list.Self() }

// Rooms returns the conversation ids to join on connect.
func (e *Engine) Rooms() []string { return e.list.IDs() }
