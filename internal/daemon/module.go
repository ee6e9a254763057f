package daemon

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/matheus3301/chatsync/internal/api"
	"github.com/matheus3301/chatsync/internal/auth"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/config"
	"github.com/matheus3301/chatsync/internal/conn"
	"github.com/matheus3301/chatsync/internal/lock"
	"github.com/matheus3301/chatsync/internal/logging"
	"github.com/matheus3301/chatsync/internal/metrics"
	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/profile"
	"github.com/matheus3301/chatsync/internal/store"
	intsync "github.com/matheus3301/chatsync/internal/sync"
	"github.com/matheus3301/chatsync/internal/transport"
	"github.com/matheus3301/chatsync/internal/transport/natstransport"
	"github.com/matheus3301/chatsync/internal/transport/wstransport"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	ProfileName string
	Config      config.Profile
	SocketPath  string // optional override for testing; empty = use default
	// Reload re-reads the profile settings on SIGHUP. Nil disables reloading.
	Reload func() (config.Profile, error)
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideLock,
			provideStore,
			provideQueue,
			provideIdentity,
			provideDialer,
			provideAPIClient,
			provideSync,
			NewRefresher,
			NewServer,
			NewDebugServer,
		),
		fx.Invoke(registerLifecycle, registerReload),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(profile.LogPath(p.ProfileName), p.ProfileName, p.Config.LogLevel)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := profile.EnsureDir(p.ProfileName); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.ProfileName))
	l, err := lock.Acquire(profile.Dir(p.ProfileName))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

// The lock parameter orders the store after the single-instance check.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := profile.DBPath(p.ProfileName)
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

// provideQueue restores the offline queue mirror. A corrupt mirror is
// discarded by Load and the daemon starts with an empty queue.
func provideQueue(db *store.DB, logger *zap.Logger) *outbox.Queue {
	q := outbox.New(db, logger)
	n, err := q.Load()
	if err != nil {
		logger.Warn("offline queue mirror discarded", zap.Error(err))
	}
	metrics.QueueDepth.Set(float64(n))
	logger.Info("offline queue restored", zap.Int("entries", n))
	return q
}

// provideIdentity parses the configured token. A missing or unparsable token
// leaves the daemon idle in the disconnected state.
func provideIdentity(p Params, logger *zap.Logger) auth.Identity {
	id, err := auth.Parse(p.Config.Token)
	if err != nil {
		logger.Warn("no usable token, connection will not start", zap.Error(err))
		return auth.Identity{}
	}
	return id
}

func provideDialer(p Params, logger *zap.Logger) (transport.Dialer, error) {
	switch p.Config.Transport {
	case config.TransportNATS:
		return natstransport.NewDialer(natstransport.Options{URL: p.Config.ServerURL, Logger: logger}), nil
	case config.TransportWebsocket, "":
		return wstransport.NewDialer(wstransport.Options{
			URL:          p.Config.ServerURL,
			PingInterval: p.Config.Connection.PingInterval.Duration,
			Logger:       logger,
		}), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", p.Config.Transport)
	}
}

func provideAPIClient(p Params, id auth.Identity, logger *zap.Logger) *api.Client {
	return api.New(p.Config.APIURL, id.Token, api.WithLogger(logger))
}

// provideSync builds the connection manager and the engine together: the
// engine emits through the manager and the manager rejoins the engine's rooms.
func provideSync(p Params, d transport.Dialer, q *outbox.Queue, b *bus.Bus, client *api.Client, db *store.DB, id auth.Identity, logger *zap.Logger) (*conn.Manager, *intsync.Engine) {
	var engine *intsync.Engine
	mgr := conn.New(conn.Options{
		Dialer:         d,
		Queue:          q,
		Bus:            b,
		Logger:         logger,
		InitialBackoff: p.Config.Connection.InitialBackoff.Duration,
		MaxBackoff:     p.Config.Connection.MaxBackoff.Duration,
		ConnectTimeout: p.Config.Connection.ConnectTimeout.Duration,
		Rooms:          func() []string { return engine.Rooms() },
	})
	engine = intsync.New(intsync.Options{
		Bus:           b,
		Emitter:       mgr,
		API:           client,
		Checkpoints:   db,
		Logger:        logger,
		SelfID:        id.UserID,
		SweepInterval: p.Config.Sync.SweepInterval.Duration,
		TypingTTL:     p.Config.Sync.TypingTTL.Duration,
		ReadRetries:   p.Config.Sync.ReadRetries,
	})
	return mgr, engine
}

func registerLifecycle(lc fx.Lifecycle, srv *Server, dbg *DebugServer, lk *lock.Lock, db *store.DB, mgr *conn.Manager, engine *intsync.Engine, id auth.Identity, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// The engine subscribes before the first connect event can fire.
			if err := engine.Start(context.Background()); err != nil {
				return err
			}

			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()
			dbg.Start()

			if !id.Valid(time.Now()) {
				logger.Info("token missing or expired, staying disconnected")
				return nil
			}
			if err := mgr.Start(id); err != nil && !errors.Is(err, conn.ErrAlreadyRunning) {
				logger.Error("connection start failed", zap.Error(err))
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			mgr.Stop()
			engine.Stop()
			dbg.Stop(ctx)
			srv.Stop(ctx)
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
