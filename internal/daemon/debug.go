package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/conn"
	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/status"
	intsync "github.com/matheus3301/chatsync/internal/sync"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Snapshot is the /status document.
type Snapshot struct {
	Profile          string       `json:"profile"`
	State            status.State `json:"state"`
	Since            time.Time    `json:"since"`
	UserID           string       `json:"user_id,omitempty"`
	QueueDepth       int          `json:"queue_depth"`
	Conversations    int          `json:"conversations"`
	UnreadTotal      int          `json:"unread_total"`
	OpenConversation string       `json:"open_conversation,omitempty"`
}

// TakeSnapshot reads the current daemon state.
func TakeSnapshot(profileName string, mgr *conn.Manager, q *outbox.Queue, engine *intsync.Engine) Snapshot {
	s := Snapshot{
		Profile:          profileName,
		State:            mgr.Status(),
		Since:            mgr.StatusSince(),
		UserID:           mgr.Identity().UserID,
		OpenConversation: engine.OpenConversationID(),
	}
	if q != nil {
		s.QueueDepth = q.Len()
	}
	for _, c := range engine.Conversations() {
		s.Conversations++
		s.UnreadTotal += c.UnreadCount
	}
	return s
}

// DebugServer is the optional HTTP listener with health, status and metrics.
type DebugServer struct {
	server *http.Server
	logger *zap.Logger
}

// NewDebugServer builds the listener for Params.Config.DebugListen. With no
// address configured Start and Stop do nothing.
func NewDebugServer(p Params, mgr *conn.Manager, q *outbox.Queue, engine *intsync.Engine, b *bus.Bus, logger *zap.Logger) *DebugServer {
	d := &DebugServer{logger: logger}
	if p.Config.DebugListen == "" {
		return d
	}
	d.server = &http.Server{
		Addr:              p.Config.DebugListen,
		Handler:           NewDebugRouter(func() Snapshot { return TakeSnapshot(p.ProfileName, mgr, q, engine) }, b),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return d
}

// NewDebugRouter serves /healthz, /status, /watch and /metrics.
func NewDebugRouter(snapshot func() Snapshot, b *bus.Bus) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/status", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(snapshot())
	})
	r.Get("/watch", func(w http.ResponseWriter, r *http.Request) {
		watchEvents(w, r, b)
	})
	r.Handle("/metrics", promhttp.Handler())
	return r
}

// watchBuffer bounds how far a slow /watch client may lag before events are
// dropped for it.
const watchBuffer = 64

// WatchEvent is one line of the /watch stream.
type WatchEvent struct {
	Name    string    `json:"name"`
	Time    time.Time `json:"time"`
	Payload any       `json:"payload,omitempty"`
}

// watchEvents streams bus events as newline-delimited JSON until the client
// goes away. The namespace defaults to connection lifecycle events and can be
// widened with ?ns=.
func watchEvents(w http.ResponseWriter, r *http.Request, b *bus.Bus) {
	flusher, ok := w.(http.Flusher)
	if !ok || b == nil {
		http.Error(w, "streaming unsupported", http.StatusNotImplemented)
		return
	}
	ns := r.URL.Query().Get("ns")
	if ns == "" {
		ns = "connection."
	}
	events, unsubscribe := b.Subscribe(ns, watchBuffer)
	defer unsubscribe()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	enc := json.NewEncoder(w)
	for {
		select {
		case <-r.Context().Done():
			return
		case evt := <-events:
			payload := evt.Payload
			if err, isErr := payload.(error); isErr {
				payload = err.Error()
			}
			if err := enc.Encode(WatchEvent{Name: evt.Name, Time: evt.Timestamp, Payload: payload}); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (d *DebugServer) Start() {
	if d.server == nil {
		return
	}
	go func() {
		d.logger.Info("debug listener starting", zap.String("addr", d.server.Addr))
		if err := d.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.logger.Error("debug listener error", zap.Error(err))
		}
	}()
}

func (d *DebugServer) Stop(ctx context.Context) {
	if d.server == nil {
		return
	}
	if err := d.server.Shutdown(ctx); err != nil {
		d.logger.Warn("debug listener shutdown", zap.Error(err))
	}
}
