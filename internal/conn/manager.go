// Package conn owns the single persistent connection to the chat server. It
// dials, rejoins rooms, replays the offline queue, and retries with backoff
// until the token is cleared or expires.
package conn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/matheus3301/chatsync/internal/auth"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/metrics"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/transport"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Bus events published by the manager besides the raw connection events.
const (
	EventQueueReplayed = "queue.replayed"
	EventQueueExpired  = "queue.expired"
)

// ErrAlreadyRunning is returned by Start when a session is active.
var ErrAlreadyRunning = errors.New("connection already running")

// Outcome is what Emit did with an event.
type Outcome int

const (
	Sent Outcome = iota
	Queued
	Dropped
)

func (o Outcome) String() string {
	switch o {
	case Sent:
		return "sent"
	case Queued:
		return "queued"
	default:
		return "dropped"
	}
}

// Options configures a Manager.
type Options struct {
	Dialer transport.Dialer
	Queue  *outbox.Queue
	Bus    *bus.Bus
	Logger *zap.Logger

	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	ConnectTimeout time.Duration

	// Rooms returns the conversation ids to join after every connect.
	Rooms func() []string
	Now   func() time.Time
}

// Manager maintains the connection for one authenticated session.
type Manager struct {
	opts    Options
	logger  *zap.Logger
	machine *status.Machine
	tracer  trace.Tracer

	mu       sync.Mutex
	identity auth.Identity
	cancel   context.CancelFunc
	done     chan struct{}

	// emitMu serializes writes. The connect sequence holds it while joining
	// rooms and flushing the queue so nothing overtakes the replay.
	emitMu sync.Mutex
	conn   transport.Conn
	ready  bool
}

// New creates a Manager in the disconnected state.
func New(opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Bus == nil {
		opts.Bus = bus.New()
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = time.Second
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 5 * time.Second
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 20 * time.Second
	}
	if opts.Rooms == nil {
		opts.Rooms = func() []string { return nil }
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	m := &Manager{
		opts:    opts,
		logger:  opts.Logger.Named("conn"),
		machine: status.NewMachine(opts.Bus),
		tracer:  otel.Tracer("github.com/matheus3301/chatsync/internal/conn"),
	}
	metrics.SetConnectionState(string(status.Disconnected))
	return m
}

// Status returns the current connection state.
func (m *Manager) Status() status.State { return m.machine.Current() }

// StatusSince returns when the current state was entered.
func (m *Manager) StatusSince() time.Time { return m.machine.Since() }

// IsConnected reports whether emits go straight to the wire.
func (m *Manager) IsConnected() bool { return m.machine.IsConnected() }

// Identity returns the identity of the running session, if any.
func (m *Manager) Identity() auth.Identity {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.identity
}

// Start begins connecting as id. It returns immediately; progress is
// reported through status transitions and connection events on the bus.
func (m *Manager) Start(id auth.Identity) error {
	if !id.Valid(m.opts.Now()) {
		return auth.ErrTokenExpired
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.identity = id
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.run(ctx, id, m.done)
	return nil
}

// Stop tears the session down and leaves the queue intact.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.identity = auth.Identity{}
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	m.closeConn()
	<-done
	m.transition(status.Disconnected)
}

// Logout stops the session and discards anything still queued.
func (m *Manager) Logout() error {
	m.Stop()
	if m.opts.Queue == nil {
		return nil
	}
	return m.opts.Queue.Clear()
}

// UpdateToken restarts the session with a refreshed token.
func (m *Manager) UpdateToken(id auth.Identity) error {
	m.Stop()
	return m.Start(id)
}

// Emit sends event now when connected, queues it when not, and drops it
// when it cannot be queued.
func (m *Manager) Emit(ctx context.Context, event string, payload any) (Outcome, error) {
	m.emitMu.Lock()
	defer m.emitMu.Unlock()

	if m.ready && m.conn != nil {
		f, err := transport.NewFrame(event, payload)
		if err != nil {
			return Dropped, err
		}
		err = m.conn.WriteFrame(ctx, f)
		if err == nil {
			metrics.EventsEmitted.WithLabelValues(event, Sent.String()).Inc()
			return Sent, nil
		}
		m.logger.Warn("emit failed, treating connection as lost", zap.String("event", event), zap.Error(err))
		m.ready = false
		_ = m.conn.Close()
	}
	return m.deferLocked(event, payload)
}

func (m *Manager) deferLocked(event string, payload any) (Outcome, error) {
	if m.opts.Queue == nil || !outbox.Queueable(event) {
		metrics.EventsEmitted.WithLabelValues(event, Dropped.String()).Inc()
		return Dropped, nil
	}
	if err := m.opts.Queue.Enqueue(event, payload); err != nil {
		return Dropped, fmt.Errorf("queue %s: %w", event, err)
	}
	metrics.EventsEmitted.WithLabelValues(event, Queued.String()).Inc()
	metrics.QueueDepth.Set(float64(m.opts.Queue.Len()))
	return Queued, nil
}

func (m *Manager) run(ctx context.Context, id auth.Identity, done chan struct{}) {
	defer close(done)

	backoff := NewBackoff(m.opts.InitialBackoff, m.opts.MaxBackoff)
	attempt := 0
	everConnected := false

	for {
		if ctx.Err() != nil {
			return
		}
		if !id.Valid(m.opts.Now()) {
			m.logger.Warn("token expired, giving up reconnecting")
			m.publish(model.EventReconnectFailed, auth.ErrTokenExpired)
			m.transition(status.Disconnected)
			return
		}

		m.transition(status.Connecting)
		if attempt > 0 {
			metrics.ReconnectAttempts.Inc()
			m.publish(model.EventReconnectAttempt, attempt)
		}

		c, err := m.dial(ctx, id, attempt)
		if err == nil {
			var res outbox.DrainResult
			res, err = m.establish(ctx, c, id)
			m.reportReplay(res, err)
			if err != nil {
				m.dropConn(c)
			}
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.publish(model.EventConnectError, err)
			m.transition(status.Error)
			if errors.Is(err, transport.ErrUnauthorized) {
				m.logger.Warn("server rejected token", zap.Error(err))
				m.publish(model.EventReconnectFailed, err)
				m.transition(status.Disconnected)
				return
			}
			attempt++
			delay := backoff.Next()
			m.logger.Info("connect failed, retrying",
				zap.Error(err), zap.Int("attempt", attempt), zap.Duration("delay", delay))
			if !sleep(ctx, delay) {
				return
			}
			continue
		}

		backoff.Reset()
		m.transition(status.Connected)
		m.publish(model.EventConnect, nil)
		if everConnected {
			m.publish(model.EventReconnect, attempt)
		}
		everConnected = true
		attempt = 0
		m.logger.Info("connected")

		err = m.readLoop(ctx, c)
		m.dropConn(c)
		if ctx.Err() != nil {
			return
		}
		m.logger.Warn("connection lost", zap.Error(err))
		m.publish(model.EventDisconnect, err)
		m.transition(status.Reconnecting)

		attempt++
		if !sleep(ctx, backoff.Next()) {
			return
		}
	}
}

func (m *Manager) dial(ctx context.Context, id auth.Identity, attempt int) (transport.Conn, error) {
	ctx, span := m.tracer.Start(ctx, "conn.dial", trace.WithAttributes(
		attribute.Int("attempt", attempt),
		attribute.String("user.id", id.UserID),
	))
	defer span.End()

	dialCtx, cancel := context.WithTimeout(ctx, m.opts.ConnectTimeout)
	defer cancel()

	start := time.Now()
	c, err := m.opts.Dialer.Dial(dialCtx, transport.Credentials{Token: id.Token, UserID: id.UserID})
	if err != nil {
		metrics.DialDuration.WithLabelValues("error").Observe(time.Since(start).Seconds())
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	metrics.DialDuration.WithLabelValues("ok").Observe(time.Since(start).Seconds())
	return c, nil
}

// establish rejoins every room and then replays the queue, holding emitMu
// so concurrent emits land after the replay.
func (m *Manager) establish(ctx context.Context, c transport.Conn, id auth.Identity) (outbox.DrainResult, error) {
	m.emitMu.Lock()
	defer m.emitMu.Unlock()

	m.conn = c
	joins := []struct {
		event   string
		payload any
	}{
		{model.EmitJoinUserRoom, model.UserRoomPayload{UserID: id.UserID}},
		{model.EmitJoinChats, model.JoinChatsPayload{ConversationIDs: m.opts.Rooms()}},
		{model.EmitJoinTaskRoom, model.UserRoomPayload{UserID: id.UserID}},
	}
	for _, j := range joins {
		f, err := transport.NewFrame(j.event, j.payload)
		if err != nil {
			return outbox.DrainResult{}, err
		}
		if err := c.WriteFrame(ctx, f); err != nil {
			return outbox.DrainResult{}, fmt.Errorf("join rooms: %w", err)
		}
	}

	var res outbox.DrainResult
	if m.opts.Queue != nil {
		var err error
		res, err = m.opts.Queue.Drain(func(e outbox.Entry) error {
			return c.WriteFrame(ctx, transport.Frame{Event: e.Event, Data: e.Data})
		})
		if err != nil {
			return res, err
		}
	}
	m.ready = true
	return res, nil
}

// reportReplay runs outside emitMu since bus handlers may emit.
func (m *Manager) reportReplay(res outbox.DrainResult, err error) {
	if m.opts.Queue == nil {
		return
	}
	metrics.QueueReplayed.WithLabelValues("sent").Add(float64(res.Sent))
	metrics.QueueReplayed.WithLabelValues("expired").Add(float64(len(res.Expired)))
	metrics.QueueDepth.Set(float64(res.Remaining))
	if res.Sent > 0 {
		m.logger.Info("replayed queued events", zap.Int("sent", res.Sent))
		m.publish(EventQueueReplayed, res)
	}
	if len(res.Expired) > 0 {
		m.publish(EventQueueExpired, res.Expired)
	}
	if err != nil && res.Remaining > 0 {
		m.logger.Warn("queue replay interrupted", zap.Error(err), zap.Int("remaining", res.Remaining))
	}
}

func (m *Manager) readLoop(ctx context.Context, c transport.Conn) error {
	for {
		f, err := c.ReadFrame(ctx)
		if err != nil {
			return err
		}
		metrics.EventsReceived.WithLabelValues(f.Event).Inc()
		m.opts.Bus.Publish(bus.Event{
			Name:      f.Event,
			Timestamp: m.opts.Now(),
			Payload:   json.RawMessage(f.Data),
		})
	}
}

func (m *Manager) dropConn(c transport.Conn) {
	m.emitMu.Lock()
	if m.conn == c {
		m.conn = nil
		m.ready = false
	}
	m.emitMu.Unlock()
	_ = c.Close()
}

// closeConn unblocks a pending read so run can observe cancellation.
func (m *Manager) closeConn() {
	m.emitMu.Lock()
	c := m.conn
	m.ready = false
	m.emitMu.Unlock()
	if c != nil {
		_ = c.Close()
	}
}

func (m *Manager) transition(to status.State) {
	if err := m.machine.Transition(to); err != nil {
		m.logger.Debug("ignored transition", zap.Error(err))
		return
	}
	metrics.SetConnectionState(string(to))
}

func (m *Manager) publish(name string, payload any) {
	m.opts.Bus.Publish(bus.Event{Name: name, Timestamp: m.opts.Now(), Payload: payload})
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
