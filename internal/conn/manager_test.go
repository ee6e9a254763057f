package conn

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/chatsync/internal/auth"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/transport"
)

type fakeConn struct {
	in     chan transport.Frame
	closed chan struct{}
	once   sync.Once

	mu      sync.Mutex
	written []transport.Frame
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan transport.Frame, 16), closed: make(chan struct{})}
}

func (c *fakeConn) ReadFrame(ctx context.Context) (transport.Frame, error) {
	select {
	case f := <-c.in:
		return f, nil
	case <-c.closed:
		return transport.Frame{}, transport.ErrClosed
	case <-ctx.Done():
		return transport.Frame{}, ctx.Err()
	}
}

func (c *fakeConn) WriteFrame(_ context.Context, f transport.Frame) error {
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

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) events() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.written))
	for i, f := range c.written {
		out[i] = f.Event
	}
	return out
}

// fakeDialer hands out results in order; once exhausted it blocks until ctx ends.
type fakeDialer struct {
	mu      sync.Mutex
	results []dialResult
	calls   int
}

type dialResult struct {
	conn *fakeConn
	err  error
}

func (d *fakeDialer) push(r dialResult) {
	d.mu.Lock()
	d.results = append(d.results, r)
	d.mu.Unlock()
}

func (d *fakeDialer) Dial(ctx context.Context, _ transport.Credentials) (transport.Conn, error) {
	d.mu.Lock()
	d.calls++
	if len(d.results) > 0 {
		r := d.results[0]
		d.results = d.results[1:]
		d.mu.Unlock()
		if r.err != nil {
			return nil, r.err
		}
		return r.conn, nil
	}
	d.mu.Unlock()
	<-ctx.Done()
	return nil, ctx.Err()
}

type memStorage struct {
	mu   sync.Mutex
	data map[string]string
}

func (m *memStorage) Get(k string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[k]
	return v, ok, nil
}

func (m *memStorage) Put(k, v string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[k] = v
	return nil
}

func (m *memStorage) Delete(k string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, k)
	return nil
}

type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) record(b *bus.Bus, names ...string) {
	for _, n := range names {
		b.On(n, func(evt bus.Event) {
			r.mu.Lock()
			r.events = append(r.events, evt.Name)
			r.mu.Unlock()
		})
	}
}

func (r *recorder) count(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e == name {
			n++
		}
	}
	return n
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

var testIdentity = auth.Identity{Token: "tok", UserID: "u1"}

func newTestManager(d transport.Dialer, q *outbox.Queue, b *bus.Bus) *Manager {
	return New(Options{
		Dialer:         d,
		Queue:          q,
		Bus:            b,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		ConnectTimeout: time.Second,
		Rooms:          func() []string { return []string{"c1", "c2"} },
	})
}

func TestBackoffSchedule(t *testing.T) {
	b := NewBackoff(time.Second, 5*time.Second)
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}
	for i, w := range want {
		if got := b.Next(); got != w {
			t.Errorf("attempt %d: got %v, want %v", i, got, w)
		}
	}
	b.Reset()
	if got := b.Next(); got != time.Second {
		t.Errorf("after reset: got %v, want 1s", got)
	}
}

func TestConnectJoinsRoomsBeforeReplay(t *testing.T) {
	q := outbox.New(&memStorage{data: map[string]string{}}, nil)
	for _, id := range []string{"A", "B", "C"} {
		if err := q.Enqueue(model.EmitSendMessage, model.SendMessagePayload{ConversationID: "c1", Content: id}); err != nil {
			t.Fatal(err)
		}
	}

	c := newFakeConn()
	d := &fakeDialer{}
	d.push(dialResult{conn: c})
	m := newTestManager(d, q, bus.New())
	if err := m.Start(testIdentity); err != nil {
		t.Fatal(err)
	}
	defer m.Stop()

	waitFor(t, "connected", m.IsConnected)

	want := []string{
		model.EmitJoinUserRoom, model.EmitJoinChats, model.EmitJoinTaskRoom,
		model.EmitSendMessage, model.EmitSendMessage, model.EmitSendMessage,
	}
	got := c.events()
	if len(got) != len(want) {
		t.Fatalf("written = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("written = %v, want %v", got, want)
		}
	}
	for i, content := range []string{"A", "B", "C"} {
		var p model.SendMessagePayload
		if err := json.Unmarshal(c.written[3+i].Data, &p); err != nil {
			t.Fatal(err)
		}
		if p.Content != content {
			t.Errorf("replay %d content = %q, want %q", i, p.Content, content)
		}
	}
	var rooms model.JoinChatsPayload
	if err := json.Unmarshal(c.written[1].Data, &rooms); err != nil {
		t.Fatal(err)
	}
	if len(rooms.ConversationIDs) != 2 {
		t.Errorf("joinChats rooms = %v", rooms.ConversationIDs)
	}
	if q.Len() != 0 {
		t.Errorf("queue Len = %d after replay, want 0", q.Len())
	}
}

func TestEmitWhileDisconnected(t *testing.T) {
	q := outbox.New(&memStorage{data: map[string]string{}}, nil)
	m := newTestManager(&fakeDialer{}, q, bus.New())

	out, err := m.Emit(context.Background(), model.EmitSendMessage, model.SendMessagePayload{Content: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	if out != Queued {
		t.Errorf("sendMessage outcome = %v, want queued", out)
	}

	out, err = m.Emit(context.Background(), model.EmitTyping, model.TypingPayload{ConversationID: "c1", IsTyping: true})
	if err != nil {
		t.Fatal(err)
	}
	if out != Dropped {
		t.Errorf("typing outcome = %v, want dropped", out)
	}
	if q.Len() != 1 {
		t.Errorf("queue Len = %d, want 1", q.Len())
	}
}

func TestEmitWhileConnected(t *testing.T) {
	c := newFakeConn()
	d := &fakeDialer{}
	d.push(dialResult{conn: c})
	m := newTestManager(d, nil, bus.New())
	if err := m.Start(testIdentity); err != nil {
		t.Fatal(err)
	}
	defer m.Stop()
	waitFor(t, "connected", m.IsConnected)

	out, err := m.Emit(context.Background(), model.EmitTyping, model.TypingPayload{ConversationID: "c1", IsTyping: true})
	if err != nil {
		t.Fatal(err)
	}
	if out != Sent {
		t.Errorf("outcome = %v, want sent", out)
	}
	events := c.events()
	if events[len(events)-1] != model.EmitTyping {
		t.Errorf("last written = %v", events)
	}
}

func TestReconnectAfterDrop(t *testing.T) {
	b := bus.New()
	rec := &recorder{}
	rec.record(b, model.EventConnect, model.EventDisconnect, model.EventReconnect, model.EventReconnectAttempt)

	first, second := newFakeConn(), newFakeConn()
	d := &fakeDialer{}
	d.push(dialResult{conn: first})
	d.push(dialResult{err: errors.New("refused")})
	d.push(dialResult{conn: second})

	m := newTestManager(d, nil, b)
	if err := m.Start(testIdentity); err != nil {
		t.Fatal(err)
	}
	defer m.Stop()
	waitFor(t, "first connect", func() bool { return rec.count(model.EventConnect) == 1 })

	first.Close()
	waitFor(t, "reconnect", func() bool { return rec.count(model.EventReconnect) == 1 })

	if rec.count(model.EventDisconnect) != 1 {
		t.Errorf("disconnect events = %d, want 1", rec.count(model.EventDisconnect))
	}
	if rec.count(model.EventReconnectAttempt) != 2 {
		t.Errorf("reconnect attempts = %d, want 2", rec.count(model.EventReconnectAttempt))
	}
	if got := second.events(); len(got) != 3 || got[0] != model.EmitJoinUserRoom {
		t.Errorf("rooms not rejoined on reconnect: %v", got)
	}
	if m.Status() != status.Connected {
		t.Errorf("status = %s, want connected", m.Status())
	}
}

func TestInboundFramesPublished(t *testing.T) {
	b := bus.New()
	got := make(chan bus.Event, 1)
	b.On(model.EventNewMessage, func(evt bus.Event) { got <- evt })

	c := newFakeConn()
	d := &fakeDialer{}
	d.push(dialResult{conn: c})
	m := newTestManager(d, nil, b)
	if err := m.Start(testIdentity); err != nil {
		t.Fatal(err)
	}
	defer m.Stop()

	c.in <- transport.Frame{Event: model.EventNewMessage, Data: json.RawMessage(`{"_id":"m1"}`)}
	select {
	case evt := <-got:
		raw, ok := evt.Payload.(json.RawMessage)
		if !ok || string(raw) != `{"_id":"m1"}` {
			t.Errorf("payload = %#v", evt.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("newMessage not published")
	}
}

func TestUnauthorizedStopsRetrying(t *testing.T) {
	b := bus.New()
	rec := &recorder{}
	rec.record(b, model.EventReconnectFailed)

	d := &fakeDialer{}
	d.push(dialResult{err: transport.ErrUnauthorized})
	m := newTestManager(d, nil, b)
	if err := m.Start(testIdentity); err != nil {
		t.Fatal(err)
	}
	defer m.Stop()

	waitFor(t, "reconnect_failed", func() bool { return rec.count(model.EventReconnectFailed) == 1 })
	waitFor(t, "disconnected", func() bool { return m.Status() == status.Disconnected })

	d.mu.Lock()
	calls := d.calls
	d.mu.Unlock()
	if calls != 1 {
		t.Errorf("dial calls = %d, want 1", calls)
	}
}

func TestExpiredTokenStopsReconnect(t *testing.T) {
	b := bus.New()
	rec := &recorder{}
	rec.record(b, model.EventReconnectFailed)

	var mu sync.Mutex
	now := time.Now()
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}

	c := newFakeConn()
	d := &fakeDialer{}
	d.push(dialResult{conn: c})
	m := New(Options{
		Dialer:         d,
		Bus:            b,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     time.Millisecond,
		Now:            clock,
	})
	id := auth.Identity{Token: "tok", UserID: "u1", ExpiresAt: now.Add(time.Minute)}
	if err := m.Start(id); err != nil {
		t.Fatal(err)
	}
	defer m.Stop()
	waitFor(t, "connected", m.IsConnected)

	mu.Lock()
	now = now.Add(2 * time.Minute)
	mu.Unlock()
	c.Close()

	waitFor(t, "reconnect_failed", func() bool { return rec.count(model.EventReconnectFailed) == 1 })
	waitFor(t, "disconnected", func() bool { return m.Status() == status.Disconnected })
}

func TestStartRejectsExpiredIdentity(t *testing.T) {
	m := newTestManager(&fakeDialer{}, nil, bus.New())
	err := m.Start(auth.Identity{Token: "tok", UserID: "u1", ExpiresAt: time.Now().Add(-time.Second)})
	if !errors.Is(err, auth.ErrTokenExpired) {
		t.Fatalf("err = %v, want ErrTokenExpired", err)
	}
}

func TestLogoutClearsQueue(t *testing.T) {
	q := outbox.New(&memStorage{data: map[string]string{}}, nil)
	m := newTestManager(&fakeDialer{}, q, bus.New())
	if err := m.Start(testIdentity); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "connecting", func() bool { return m.Status() == status.Connecting })
	if _, err := m.Emit(context.Background(), model.EmitReadMessage, model.MessageRefPayload{MessageID: "m1"}); err != nil {
		t.Fatal(err)
	}

	if err := m.Logout(); err != nil {
		t.Fatal(err)
	}
	if m.Status() != status.Disconnected {
		t.Errorf("status = %s, want disconnected", m.Status())
	}
	if q.Len() != 0 {
		t.Errorf("queue Len = %d after logout, want 0", q.Len())
	}
	if err := m.Start(testIdentity); err != nil {
		t.Errorf("restart after logout: %v", err)
	}
	m.Stop()
}

func TestUpdateTokenRedials(t *testing.T) {
	first, second := newFakeConn(), newFakeConn()
	d := &fakeDialer{}
	d.push(dialResult{conn: first})
	d.push(dialResult{conn: second})
	m := newTestManager(d, nil, bus.New())
	if err := m.Start(testIdentity); err != nil {
		t.Fatal(err)
	}
	defer m.Stop()
	waitFor(t, "first connect", m.IsConnected)

	if err := m.UpdateToken(auth.Identity{Token: "tok2", UserID: "u1"}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "second connect", func() bool { return m.IsConnected() && len(second.events()) > 0 })

	select {
	case <-first.closed:
	default:
		t.Error("old connection left open after UpdateToken")
	}
	if got := m.Identity().Token; got != "tok2" {
		t.Errorf("identity token = %q, want tok2", got)
	}
	d.mu.Lock()
	calls := d.calls
	d.mu.Unlock()
	if calls != 2 {
		t.Errorf("dial calls = %d, want 2", calls)
	}
}

func TestHungDialTimesOutAndRetries(t *testing.T) {
	b := bus.New()
	var mu sync.Mutex
	var states []status.State
	var connectErrs []error
	b.On(status.EventStatusChanged, func(evt bus.Event) {
		mu.Lock()
		states = append(states, evt.Payload.(status.StatusChange).To)
		mu.Unlock()
	})
	b.On(model.EventConnectError, func(evt bus.Event) {
		err, _ := evt.Payload.(error)
		mu.Lock()
		connectErrs = append(connectErrs, err)
		mu.Unlock()
	})

	// No queued results: every dial hangs until its context ends.
	d := &fakeDialer{}
	m := New(Options{
		Dialer:         d,
		Bus:            b,
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     10 * time.Millisecond,
		ConnectTimeout: 30 * time.Millisecond,
	})
	start := time.Now()
	if err := m.Start(testIdentity); err != nil {
		t.Fatal(err)
	}
	defer m.Stop()

	waitFor(t, "second dial", func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		return d.calls >= 2
	})
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Errorf("second dial after %v, want at least the connect timeout", elapsed)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(connectErrs) == 0 {
		t.Fatal("no connect_error published for the hung dial")
	}
	if !errors.Is(connectErrs[0], context.DeadlineExceeded) {
		t.Errorf("connect_error = %v, want deadline exceeded", connectErrs[0])
	}
	want := []status.State{status.Connecting, status.Error, status.Connecting}
	if len(states) < len(want) {
		t.Fatalf("states = %v, want prefix %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("states = %v, want prefix %v", states, want)
		}
	}
	if m.IsConnected() {
		t.Error("manager reports connected after hung dials")
	}
}
