package sync

import (
	"context"
	"encoding/json"
	gosync "sync"
	"testing"
	"time"

	"github.com/matheus3301/chatsync/internal/api"
	"github.com/matheus3301/chatsync/internal/auth"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/conn"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// wireConn is an in-memory transport.Conn standing in for the server socket.
type wireConn struct {
	in     chan transport.Frame
	closed chan struct{}
	once   gosync.Once

	mu      gosync.Mutex
	written []transport.Frame
}

func newWireConn() *wireConn {
	return &wireConn{in: make(chan transport.Frame, 8), closed: make(chan struct{})}
}

func (c *wireConn) ReadFrame(ctx context.Context) (transport.Frame, error) {
	select {
	case f := <-c.in:
		return f, nil
	case <-c.closed:
		return transport.Frame{}, transport.ErrClosed
	case <-ctx.Done():
		return transport.Frame{}, ctx.Err()
	}
}

func (c *wireConn) WriteFrame(_ context.Context, f transport.Frame) error {
	select {
	case <-c.closed:
		return transport.ErrClosed
	default:
	}
	c.mu.Lock()
	c.written = append(c.written, f)
	c.mu.Unlock()
	return nil
}

func (c *wireConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *wireConn) frames(event string) []transport.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []transport.Frame
	for _, f := range c.written {
		if f.Event == event {
			out = append(out, f)
		}
	}
	return out
}

type mapStorage struct {
	mu   gosync.Mutex
	data map[string]string
}

func (m *mapStorage) Get(k string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[k]
	return v, ok, nil
}

func (m *mapStorage) Put(k, v string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[k] = v
	return nil
}

func (m *mapStorage) Delete(k string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, k)
	return nil
}

func TestOfflineSendReplaysOnceAndReconciles(t *testing.T) {
	b := bus.New()
	wire := newWireConn()
	online := make(chan struct{})
	dialer := transport.DialerFunc(func(ctx context.Context, _ transport.Credentials) (transport.Conn, error) {
		select {
		case <-online:
			return wire, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})

	q := outbox.New(&mapStorage{data: map[string]string{}}, nil)
	fakes := &fakeAPI{
		convs: []model.Conversation{
			{ID: "conv0", Name: "Zero", UpdatedAt: t0},
			{ID: "conv1", Name: "One", UpdatedAt: t0.Add(-time.Hour)},
		},
		pages: map[string]api.MessagePage{},
		older: map[string]api.MessagePage{},
	}

	var engine *Engine
	mgr := conn.New(conn.Options{
		Dialer:         dialer,
		Queue:          q,
		Bus:            b,
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     10 * time.Millisecond,
		Rooms:          func() []string { return engine.Rooms() },
	})
	var clockMu gosync.Mutex
	now := time.Now()
	clock := func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		return now
	}
	engine = New(Options{Bus: b, Emitter: mgr, API: fakes, SelfID: "A", SweepInterval: time.Hour, Now: clock})
	require.NoError(t, engine.Start(context.Background()))
	t.Cleanup(engine.Stop)
	t.Cleanup(mgr.Stop)
	require.Eventually(t, func() bool { return len(engine.Conversations()) == 2 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, mgr.Start(auth.Identity{Token: "tok", UserID: "A"}))

	res, err := engine.Send(context.Background(), "conv1", "hi", SendOptions{})
	require.NoError(t, err)
	assert.Equal(t, conn.Queued, res.Outcome)
	assert.Equal(t, 1, q.Len())

	// The outage outlasts the match window; the server stamps the message
	// when the replay reaches it, not when it was typed.
	clockMu.Lock()
	now = now.Add(30 * time.Second)
	clockMu.Unlock()
	replayedAt := clock()

	close(online)
	require.Eventually(t, mgr.IsConnected, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		msgs := engine.Messages("conv1")
		return len(msgs) == 1 && msgs[0].CreatedAt.Equal(replayedAt)
	}, 2*time.Second, 5*time.Millisecond)

	sends := wire.frames(model.EmitSendMessage)
	require.Len(t, sends, 1)
	var payload model.SendMessagePayload
	require.NoError(t, json.Unmarshal(sends[0].Data, &payload))
	assert.Equal(t, "conv1", payload.ConversationID)
	assert.Equal(t, "hi", payload.Content)
	assert.Equal(t, res.Message.ID, payload.TempID)
	assert.Len(t, wire.frames(model.EmitJoinChats), 1)
	assert.Equal(t, 0, q.Len())

	wire.in <- transport.Frame{
		Event: model.EventNewMessage,
		Data:  json.RawMessage(newMessageJSON("m123", "conv1", "A", "hi", replayedAt.Add(800*time.Millisecond))),
	}

	require.Eventually(t, func() bool {
		msgs := engine.Messages("conv1")
		return len(msgs) == 1 && msgs[0].ID == "m123"
	}, 2*time.Second, 5*time.Millisecond)

	top := engine.Conversations()[0]
	assert.Equal(t, "conv1", top.ID)
	require.NotNil(t, top.LastMessage)
	assert.Equal(t, "m123", top.LastMessage.ID)
	assert.Equal(t, "hi", top.LastMessage.Preview(0))
	assert.Len(t, wire.frames(model.EmitSendMessage), 1, "replay must not repeat")
}
