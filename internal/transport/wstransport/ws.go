// Package wstransport carries frames over a gorilla/websocket connection.
package wstransport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/matheus3301/chatsync/internal/transport"
	"go.uber.org/zap"
)

const (
	maxFrameSize = 1 << 20
	writeWait    = 10 * time.Second
)

// Options tune the websocket dialer.
type Options struct {
	URL          string
	PingInterval time.Duration
	Logger       *zap.Logger
}

// Dialer opens websocket connections to Options.URL.
type Dialer struct {
	opts   Options
	dialer *websocket.Dialer
}

// NewDialer returns a websocket dialer. PingInterval defaults to 25s.
func NewDialer(opts Options) *Dialer {
	if opts.PingInterval <= 0 {
		opts.PingInterval = 25 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Dialer{
		opts: opts,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 20 * time.Second,
		},
	}
}

// Dial connects with the token as a bearer credential.
func (d *Dialer) Dial(ctx context.Context, creds transport.Credentials) (transport.Conn, error) {
	header := http.Header{}
	if creds.Token != "" {
		header.Set("Authorization", "Bearer "+creds.Token)
	}
	ws, resp, err := d.dialer.DialContext(ctx, d.opts.URL, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("dial %s: %w", d.opts.URL, transport.ErrUnauthorized)
		}
		return nil, fmt.Errorf("dial %s: %w", d.opts.URL, err)
	}
	return newConn(ws, d.opts.PingInterval, d.opts.Logger), nil
}

type readResult struct {
	frame transport.Frame
	err   error
}

type conn struct {
	ws     *websocket.Conn
	logger *zap.Logger

	frames chan readResult
	done   chan struct{}
	once   sync.Once
}

func newConn(ws *websocket.Conn, pingInterval time.Duration, logger *zap.Logger) *conn {
	c := &conn{
		ws:     ws,
		logger: logger,
		frames: make(chan readResult),
		done:   make(chan struct{}),
	}
	ws.SetReadLimit(maxFrameSize)
	pongWait := pingInterval * 2
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	go c.readLoop(pongWait)
	go c.pingLoop(pingInterval)
	return c
}

func (c *conn) readLoop(pongWait time.Duration) {
	for {
		var f transport.Frame
		err := c.ws.ReadJSON(&f)
		if err == nil {
			_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		}
		select {
		case c.frames <- readResult{frame: f, err: err}:
		case <-c.done:
			return
		}
		if err != nil {
			return
		}
	}
}

func (c *conn) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.logger.Debug("ping failed", zap.Error(err))
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *conn) ReadFrame(ctx context.Context) (transport.Frame, error) {
	if c.closed() {
		return transport.Frame{}, transport.ErrClosed
	}
	select {
	case r := <-c.frames:
		if r.err != nil {
			if c.closed() {
				return transport.Frame{}, transport.ErrClosed
			}
			if websocket.IsCloseError(r.err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return transport.Frame{}, transport.ErrClosed
			}
			return transport.Frame{}, fmt.Errorf("read frame: %w", r.err)
		}
		return r.frame, nil
	case <-c.done:
		return transport.Frame{}, transport.ErrClosed
	case <-ctx.Done():
		return transport.Frame{}, ctx.Err()
	}
}

func (c *conn) WriteFrame(ctx context.Context, f transport.Frame) error {
	if c.closed() {
		return transport.ErrClosed
	}
	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.ws.SetWriteDeadline(deadline)
	if err := c.ws.WriteJSON(f); err != nil {
		if errors.Is(err, websocket.ErrCloseSent) {
			return transport.ErrClosed
		}
		return fmt.Errorf("write %s: %w", f.Event, err)
	}
	return nil
}

func (c *conn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *conn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = c.ws.Close()
	})
	return err
}
