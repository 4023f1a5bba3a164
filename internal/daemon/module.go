// Package daemon composes the parleyd process: providers for every
// component and the fx lifecycle hooks that start and stop them.
package daemon

import (
	"context"

	"github.com/jonboulle/clockwork"
	"github.com/parley-chat/parley/internal/bus"
	"github.com/parley-chat/parley/internal/lock"
	"github.com/parley-chat/parley/internal/logging"
	"github.com/parley-chat/parley/internal/session"
	"github.com/parley-chat/parley/internal/store"
	"github.com/parley-chat/parley/internal/wire"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Params holds the resolved runtime configuration passed to the fx module.
type Params struct {
	Client     string
	Site       string
	Channel    string
	Chat       string
	ReplayPath string  // optional JSONL transaction log to feed the session
	ReplayRate float64 // transactions per second; 0 = unpaced
}

// Module returns the fx module for the daemon, composing all providers and
// lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideClock,
			provideLock,
			provideStore,
			provideSource,
			provideActions,
			provideOrchestrator,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.Client), p.Client)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideClock() clockwork.Clock {
	return clockwork.NewRealClock()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.Client); err != nil {
		return nil, err
	}
	logger.Info("acquiring client lock", zap.String("client", p.Client))
	l, err := lock.Acquire(session.Dir(p.Client))
	if err != nil {
		return nil, err
	}
	logger.Info("client lock acquired")
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.SQLite, error) {
	dbPath := session.DBPath(p.Client)
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

func provideSource(p Params, logger *zap.Logger) *wire.FileSource {
	if p.ReplayPath == "" {
		return nil
	}
	var limiter *rate.Limiter
	if p.ReplayRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(p.ReplayRate), 1)
	}
	return wire.NewFileSource(p.ReplayPath, limiter, logger)
}

func provideActions(logger *zap.Logger) wire.Actions {
	return &logActions{log: logger}
}

func provideOrchestrator(p Params, db *store.SQLite, act wire.Actions, fs *wire.FileSource,
	b *bus.Bus, clock clockwork.Clock, logger *zap.Logger) *session.Orchestrator {
	var src wire.Source
	if fs != nil {
		src = fs
	}
	return session.New(session.Params{
		Chat:    p.Chat,
		Site:    p.Site,
		Channel: p.Channel,
		Client:  p.Client,
		Store:   db,
		Actions: act,
		Source:  src,
		Bus:     b,
		Clock:   clock,
		Logger:  logger,
	})
}

func registerLifecycle(lc fx.Lifecycle, orch *session.Orchestrator, fs *wire.FileSource,
	db *store.SQLite, lk *lock.Lock, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			orch.Start(context.Background())
			if fs != nil {
				if err := fs.Start(context.Background()); err != nil {
					return err
				}
			}
			if err := orch.Connect(); err != nil {
				logger.Error("connect failed", zap.Error(err))
			}
			return nil
		},
		OnStop: func(_ context.Context) error {
			if fs != nil {
				fs.Stop()
			}
			if err := orch.Teardown(); err != nil {
				logger.Warn("teardown failed", zap.Error(err))
			}
			orch.Stop()
			if err := db.Close(); err != nil {
				logger.Warn("store close failed", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
