// Package natstransport carries frames over NATS subjects. Outbound frames are
// published on chat.c2s.<user>; room joins become local subscriptions on the
// matching chat.s2c.* subjects.
package natstransport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/transport"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const inboxSize = 256

// Subject helpers.
func UpstreamSubject(userID string) string { return "chat.c2s." + userID }
func UserSubject(userID string) string     { return "chat.s2c.user." + userID }
func ChatSubject(convID string) string     { return "chat.s2c.chat." + convID }
func TaskSubject(userID string) string     { return "chat.s2c.task." + userID }

// Options tune the NATS dialer.
type Options struct {
	URL    string
	Logger *zap.Logger
}

// Dialer opens NATS connections. Reconnection is left to the connection
// manager, so the client library's own reconnect is disabled.
type Dialer struct {
	opts Options
}

func NewDialer(opts Options) *Dialer {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Dialer{opts: opts}
}

func (d *Dialer) Dial(ctx context.Context, creds transport.Credentials) (transport.Conn, error) {
	if creds.UserID == "" {
		return nil, errors.New("nats transport requires a user id")
	}
	timeout := 20 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		timeout = time.Until(dl)
	}
	c := &conn{
		userID: creds.UserID,
		logger: d.opts.Logger,
		inbox:  make(chan transport.Frame, inboxSize),
		subs:   make(map[string]*nats.Subscription),
		done:   make(chan struct{}),
	}
	nc, err := nats.Connect(d.opts.URL,
		nats.Name("chatsyncd"),
		nats.Token(creds.Token),
		nats.NoReconnect(),
		nats.Timeout(timeout),
		nats.ClosedHandler(func(*nats.Conn) { c.shutdown() }),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				d.opts.Logger.Warn("nats disconnected", zap.Error(err))
			}
			c.shutdown()
		}),
	)
	if err != nil {
		if errors.Is(err, nats.ErrAuthorization) || errors.Is(err, nats.ErrAuthExpired) {
			return nil, fmt.Errorf("dial %s: %w", d.opts.URL, transport.ErrUnauthorized)
		}
		return nil, fmt.Errorf("dial %s: %w", d.opts.URL, err)
	}
	c.nc = nc
	return c, nil
}

type conn struct {
	nc     *nats.Conn
	userID string
	logger *zap.Logger

	inbox chan transport.Frame

	mu   sync.Mutex
	subs map[string]*nats.Subscription

	done chan struct{}
	once sync.Once
}

func (c *conn) shutdown() {
	c.once.Do(func() { close(c.done) })
}

func (c *conn) ReadFrame(ctx context.Context) (transport.Frame, error) {
	select {
	case f := <-c.inbox:
		return f, nil
	case <-c.done:
		return transport.Frame{}, transport.ErrClosed
	case <-ctx.Done():
		return transport.Frame{}, ctx.Err()
	}
}

func (c *conn) WriteFrame(ctx context.Context, f transport.Frame) error {
	select {
	case <-c.done:
		return transport.ErrClosed
	default:
	}
	if err := c.route(f); err != nil {
		return err
	}
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode %s: %w", f.Event, err)
	}
	if err := c.nc.Publish(UpstreamSubject(c.userID), data); err != nil {
		return fmt.Errorf("publish %s: %w", f.Event, err)
	}
	return nil
}

// route maps room membership events onto local subscriptions.
func (c *conn) route(f transport.Frame) error {
	switch f.Event {
	case model.EmitJoinUserRoom:
		return c.subscribe(UserSubject(c.userID))
	case model.EmitJoinTaskRoom:
		return c.subscribe(TaskSubject(c.userID))
	case model.EmitJoinChat:
		var p model.ConversationPayload
		if err := json.Unmarshal(f.Data, &p); err != nil {
			return fmt.Errorf("decode %s: %w", f.Event, err)
		}
		return c.subscribe(ChatSubject(p.ConversationID))
	case model.EmitJoinChats:
		var p model.JoinChatsPayload
		if err := json.Unmarshal(f.Data, &p); err != nil {
			return fmt.Errorf("decode %s: %w", f.Event, err)
		}
		for _, id := range p.ConversationIDs {
			if err := c.subscribe(ChatSubject(id)); err != nil {
				return err
			}
		}
	case model.EmitLeaveChat:
		var p model.ConversationPayload
		if err := json.Unmarshal(f.Data, &p); err != nil {
			return fmt.Errorf("decode %s: %w", f.Event, err)
		}
		c.unsubscribe(ChatSubject(p.ConversationID))
	}
	return nil
}

func (c *conn) subscribe(subject string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subs[subject]; ok {
		return nil
	}
	sub, err := c.nc.Subscribe(subject, c.deliver)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}
	c.subs[subject] = sub
	return nil
}

func (c *conn) unsubscribe(subject string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if sub, ok := c.subs[subject]; ok {
		_ = sub.Unsubscribe()
		delete(c.subs, subject)
	}
}

func (c *conn) deliver(msg *nats.Msg) {
	var f transport.Frame
	if err := json.Unmarshal(msg.Data, &f); err != nil || f.Event == "" {
		c.logger.Warn("dropping malformed frame", zap.String("subject", msg.Subject))
		return
	}
	select {
	case c.inbox <- f:
	case <-c.done:
	}
}

// Subjects returns the currently subscribed subjects.
func (c *conn) Subjects() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.subs))
	for s := range c.subs {
		out = append(out, s)
	}
	return out
}

func (c *conn) Close() error {
	c.shutdown()
	if c.nc != nil {
		c.nc.Close()
	}
	return nil
}
