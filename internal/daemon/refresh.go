package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/matheus3301/chatsync/internal/api"
	"github.com/matheus3301/chatsync/internal/auth"
	"github.com/matheus3301/chatsync/internal/config"
	"github.com/matheus3301/chatsync/internal/conn"
	intsync "github.com/matheus3301/chatsync/internal/sync"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Refresher hands a new session token to every component that holds one.
type Refresher struct {
	api    *api.Client
	engine *intsync.Engine
	mgr    *conn.Manager
	logger *zap.Logger
	now    func() time.Time
}

func NewRefresher(client *api.Client, engine *intsync.Engine, mgr *conn.Manager, logger *zap.Logger) *Refresher {
	return &Refresher{api: client, engine: engine, mgr: mgr, logger: logger, now: time.Now}
}

// RefreshToken installs token on the HTTP client and the engine, then
// restarts the connection with it. An unchanged token is a no-op.
func (r *Refresher) RefreshToken(ctx context.Context, token string) (auth.Identity, error) {
	id, err := auth.ParseValid(token, r.now())
	if err != nil {
		return auth.Identity{}, fmt.Errorf("refresh token: %w", err)
	}
	if r.mgr.Identity().Token == id.Token {
		return id, nil
	}
	r.api.SetToken(id.Token)
	if err := r.engine.SetSelf(ctx, id.UserID); err != nil {
		return id, fmt.Errorf("refresh token: %w", err)
	}
	if err := r.mgr.UpdateToken(id); err != nil {
		return id, fmt.Errorf("refresh token: %w", err)
	}
	r.logger.Info("session token refreshed", zap.String("user_id", id.UserID), zap.Time("expires_at", id.ExpiresAt))
	return id, nil
}

// registerReload re-reads the profile on SIGHUP and applies its token.
func registerReload(lc fx.Lifecycle, p Params, r *Refresher, logger *zap.Logger) {
	if p.Reload == nil {
		return
	}
	sigs := make(chan os.Signal, 1)
	done := make(chan struct{})
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			signal.Notify(sigs, syscall.SIGHUP)
			go func() {
				for {
					select {
					case <-sigs:
						reloadToken(p.Reload, r, logger)
					case <-done:
						return
					}
				}
			}()
			return nil
		},
		OnStop: func(_ context.Context) error {
			signal.Stop(sigs)
			close(done)
			return nil
		},
	})
}

func reloadToken(reload func() (config.Profile, error), r *Refresher, logger *zap.Logger) {
	settings, err := reload()
	if err != nil {
		logger.Warn("config reload failed", zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := r.RefreshToken(ctx, settings.Token); err != nil {
		logger.Warn("token from reloaded config not applied", zap.Error(err))
	}
}
