package sync

import (
	"context"
	"encoding/json"
	gosync "sync"
	"testing"
	"time"

	"github.com/matheus3301/chatsync/internal/api"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/conn"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/stretchr/testify/require"
)

type emitted struct {
	Event   string
	Payload any
}

type fakeEmitter struct {
	mu        gosync.Mutex
	connected bool
	outcome   conn.Outcome
	log       []emitted
}

func (f *fakeEmitter) Emit(_ context.Context, event string, payload any) (conn.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.log = append(f.log, emitted{event, payload})
	if event == model.EmitTyping && !f.connected {
		return conn.Dropped, nil
	}
	return f.outcome, nil
}

func (f *fakeEmitter) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeEmitter) events(name string) []emitted {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []emitted
	for _, e := range f.log {
		if e.Event == name {
			out = append(out, e)
		}
	}
	return out
}

type fakeAPI struct {
	mu        gosync.Mutex
	convs     []model.Conversation
	pages     map[string]api.MessagePage
	older     map[string]api.MessagePage
	listCalls int
	getCalls  []string
	getErr    error
	marked    []string
	markErr   error
}

func (f *fakeAPI) ListConversations(context.Context) ([]model.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	out := make([]model.Conversation, len(f.convs))
	for i := range f.convs {
		out[i] = f.convs[i].Clone()
	}
	return out, nil
}

func (f *fakeAPI) GetConversation(_ context.Context, id string) (*model.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getCalls = append(f.getCalls, id)
	if f.getErr != nil {
		return nil, f.getErr
	}
	for _, c := range f.convs {
		if c.ID == id {
			c := c.Clone()
			return &c, nil
		}
	}
	return nil, &api.StatusError{Code: 404}
}

func (f *fakeAPI) ListMessages(_ context.Context, convID, before string, _ int) (api.MessagePage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if before != "" {
		return f.older[convID], nil
	}
	return f.pages[convID], nil
}

func (f *fakeAPI) MarkRead(_ context.Context, convID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marked = append(f.marked, convID)
	return f.markErr
}

func (f *fakeAPI) CreateGroup(_ context.Context, p api.GroupParams) (*model.Conversation, error) {
	return &model.Conversation{ID: "g-new", Name: p.Name, Type: model.Group}, nil
}

func (f *fakeAPI) UpdateGroup(_ context.Context, id string, p api.GroupParams) (*model.Conversation, error) {
	return &model.Conversation{ID: id, Name: p.Name, Type: model.Group}, nil
}

func (f *fakeAPI) DeleteGroup(context.Context, string) error { return nil }

func (f *fakeAPI) CreateDirect(_ context.Context, userID string) (*model.Conversation, error) {
	return &model.Conversation{ID: "d-" + userID, Type: model.Individual}, nil
}

func (f *fakeAPI) SearchConversations(context.Context, string) ([]model.Conversation, error) {
	return f.ListConversations(context.Background())
}

func (f *fakeAPI) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCalls
}

func (f *fakeAPI) lookups() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.getCalls...)
}

func (f *fakeAPI) setConversations(convs ...model.Conversation) {
	f.mu.Lock()
	f.convs = convs
	f.mu.Unlock()
}

var t0 = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

// seedConversations returns [C2, C1, C3] by recency.
func seedConversations() []model.Conversation {
	return []model.Conversation{
		{ID: "C2", Name: "Two", Type: model.Individual, UpdatedAt: t0.Add(-time.Minute)},
		{ID: "C1", Name: "One", Type: model.Group, UpdatedAt: t0.Add(-2 * time.Minute), UnreadCount: 2},
		{ID: "C3", Name: "Three", Type: model.Individual, UpdatedAt: t0.Add(-3 * time.Minute)},
	}
}

type harness struct {
	engine  *Engine
	bus     *bus.Bus
	emitter *fakeEmitter
	api     *fakeAPI
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		bus:     bus.New(),
		emitter: &fakeEmitter{connected: true, outcome: conn.Sent},
		api:     &fakeAPI{convs: seedConversations(), pages: map[string]api.MessagePage{}, older: map[string]api.MessagePage{}},
	}
	h.engine = New(Options{
		Bus:           h.bus,
		Emitter:       h.emitter,
		API:           h.api,
		SelfID:        "me",
		SweepInterval: time.Hour,
	})
	require.NoError(t, h.engine.Start(context.Background()))
	t.Cleanup(h.engine.Stop)
	require.Eventually(t, func() bool { return len(h.engine.Conversations()) == 3 }, 2*time.Second, 5*time.Millisecond)
	return h
}

// inject delivers a server event the way the connection manager does.
func (h *harness) inject(t *testing.T, event string, payload string) {
	t.Helper()
	h.bus.Publish(bus.Event{Name: event, Timestamp: time.Now(), Payload: json.RawMessage(payload)})
	h.barrier(t)
}

// barrier waits until everything posted so far has run on the loop.
func (h *harness) barrier(t *testing.T) {
	t.Helper()
	require.NoError(t, h.engine.call(context.Background(), func() {}))
}

func msgIDs(msgs []model.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func convIDs(convs []model.Conversation) []string {
	out := make([]string, len(convs))
	for i, c := range convs {
		out[i] = c.ID
	}
	return out
}
