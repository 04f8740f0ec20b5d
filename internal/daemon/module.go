// Package daemon composes the gateway with fx and owns its lifecycle.
package daemon

import (
	"context"

	"github.com/hmartins/wagate/internal/bus"
	"github.com/hmartins/wagate/internal/chats"
	"github.com/hmartins/wagate/internal/config"
	"github.com/hmartins/wagate/internal/dispatch"
	"github.com/hmartins/wagate/internal/forward"
	"github.com/hmartins/wagate/internal/groups"
	"github.com/hmartins/wagate/internal/httpapi"
	"github.com/hmartins/wagate/internal/lock"
	"github.com/hmartins/wagate/internal/logging"
	"github.com/hmartins/wagate/internal/message"
	"github.com/hmartins/wagate/internal/session"
	"github.com/hmartins/wagate/internal/store"
	"github.com/hmartins/wagate/internal/transport"
	"github.com/hmartins/wagate/internal/wa"
	"github.com/jonboulle/clockwork"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved configuration passed to the fx module.
type Params struct {
	Config *config.Config
}

// Module returns the fx module for the gateway, composing all providers and
// lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideClock,
			provideBus,
			provideLock,
			provideStore,
			provideGroupCache,
			provideDialer,
			provideRetryPolicy,
			provideOrchestrator,
			provideMessageService,
			provideDispatcher,
			provideForwarder,
			provideChatService,
			provideServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) *config.Config {
	return p.Config
}

func provideLogger(cfg *config.Config) (*zap.Logger, error) {
	return logging.New(cfg.LogPath())
}

func provideClock() clockwork.Clock {
	return clockwork.NewRealClock()
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(cfg *config.Config, logger *zap.Logger) (*lock.Lock, error) {
	if err := cfg.EnsureDirs(); err != nil {
		return nil, err
	}
	l, err := lock.Acquire(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	logger.Info("gateway lock acquired", zap.String("data_dir", cfg.DataDir))
	return l, nil
}

func provideStore(cfg *config.Config, logger *zap.Logger) (*store.DB, error) {
	db, err := store.Open(cfg.DBPath())
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
	logger.Info("store initialized", zap.String("path", cfg.DBPath()))
	return db, nil
}

func provideGroupCache(cfg *config.Config, clock clockwork.Clock, logger *zap.Logger) *groups.Cache {
	return groups.NewCache(clock,
		cfg.EnrichMinDelay.Duration, cfg.EnrichMaxDelay.Duration,
		cfg.PlaceholderAvatarURL, logger.Named("groups"))
}

func provideDialer(cfg *config.Config, logger *zap.Logger) transport.Dialer {
	return wa.NewDialer(cfg, logger)
}

func provideRetryPolicy() session.RetryPolicy {
	return session.EagerRetry{}
}

func provideOrchestrator(dialer transport.Dialer, db *store.DB, b *bus.Bus,
	cache *groups.Cache, clock clockwork.Clock, retry session.RetryPolicy,
	cfg *config.Config, logger *zap.Logger) *session.Orchestrator {
	return session.New(dialer, db, b, cache, clock, retry,
		cfg.ResetInterval.Duration, cfg.WarmupDelay.Duration, logger.Named("session"))
}

func provideMessageService(db *store.DB, orch *session.Orchestrator,
	clock clockwork.Clock, cfg *config.Config, logger *zap.Logger) *message.Service {
	return message.NewService(db, orch, clock, cfg.SendSpacing.Duration, logger.Named("message"))
}

func provideDispatcher(db *store.DB, orch *session.Orchestrator,
	clock clockwork.Clock, cfg *config.Config, logger *zap.Logger) *dispatch.Dispatcher {
	return dispatch.New(db, orch, clock,
		cfg.DispatchInterval.Duration, cfg.DispatchWindow.Duration, cfg.SettleDelay.Duration,
		logger.Named("dispatch"))
}

func provideForwarder(db *store.DB, orch *session.Orchestrator, b *bus.Bus,
	cfg *config.Config, logger *zap.Logger) *forward.Forwarder {
	return forward.New(db, orch, b, cfg.MediaDir(), logger.Named("forward"))
}

func provideChatService(db *store.DB, logger *zap.Logger) *chats.Service {
	return chats.NewService(db, logger.Named("chats"))
}

func provideServer(cfg *config.Config, orch *session.Orchestrator, cache *groups.Cache,
	db *store.DB, msgs *message.Service, chatSvc *chats.Service, b *bus.Bus,
	logger *zap.Logger) *httpapi.Server {
	return httpapi.NewServer(cfg.HTTPAddr, orch, cache, db, msgs, chatSvc, b, logger.Named("http"))
}

func registerLifecycle(lc fx.Lifecycle, srv *httpapi.Server, lk *lock.Lock,
	orch *session.Orchestrator, dispatcher *dispatch.Dispatcher,
	forwarder *forward.Forwarder, logger *zap.Logger) {
	resumeCtx, cancelResume := context.WithCancel(context.Background())

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			forwarder.Start(context.Background())
			dispatcher.Start(context.Background())

			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("http server error", zap.Error(err))
				}
			}()

			// Resume sessions for users whose last known auth state was
			// valid, after the warm-up delay.
			go orch.ResumeValidUsers(resumeCtx)

			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancelResume()
			dispatcher.Stop()
			forwarder.Stop()
			orch.CloseAll()
			if err := srv.Shutdown(ctx); err != nil {
				logger.Warn("http shutdown error", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("gateway stopped")
			return nil
		},
	})
}
