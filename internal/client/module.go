package client

import (
	"context"
	"os"

	"github.com/tmarqs/xim/internal/bus"
	"github.com/tmarqs/xim/internal/config"
	"github.com/tmarqs/xim/internal/dispatch"
	"github.com/tmarqs/xim/internal/lock"
	"github.com/tmarqs/xim/internal/logging"
	"github.com/tmarqs/xim/internal/session"
	"github.com/tmarqs/xim/internal/status"
	"github.com/tmarqs/xim/internal/store"
	intsync "github.com/tmarqs/xim/internal/sync"
	"github.com/tmarqs/xim/internal/xmpp"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved per-session inputs for the fx module. Session is
// the transport implementation supplied by the host; the module owns
// everything else.
type Params struct {
	SessionName string
	SelfJID     string
	Session     xmpp.Session
}

// Module composes the full per-session engine: logger, bus, state machine,
// lock, store, dispatcher, sync engine and the host facade, with lifecycle
// hooks driving connect and teardown.
func Module(p Params) fx.Option {
	return fx.Module("client",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideConfig,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideDispatcher,
			provideSyncEngine,
			provideClient,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName)
}

func provideConfig(logger *zap.Logger) *config.Config {
	cfg, err := config.Load(session.ConfigPath())
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn("config load failed, using defaults", zap.Error(err))
		}
		return config.Defaults()
	}
	return cfg
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus, logger *zap.Logger) *status.Machine {
	return status.NewMachine(b, logger)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	l, err := lock.Acquire(session.Dir(p.SessionName))
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired", zap.String("session", p.SessionName))
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.CacheDBPath(p.SessionName)
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

func provideDispatcher(logger *zap.Logger) *dispatch.Dispatcher {
	return dispatch.New(logger)
}

func provideSyncEngine(p Params, db *store.DB, machine *status.Machine,
	d *dispatch.Dispatcher, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(db, p.Session, machine, d, b, logger, p.SelfJID, cfg.Sync)
}

func provideClient(p Params, db *store.DB, machine *status.Machine,
	engine *intsync.Engine, d *dispatch.Dispatcher, cfg *config.Config, logger *zap.Logger) *Client {
	return New(db, p.Session, machine, engine, d, logger, p.SelfJID, cfg.Sync)
}

func registerLifecycle(lc fx.Lifecycle, p Params, machine *status.Machine,
	db *store.DB, lk *lock.Lock, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			machine.Fire(status.EventConnect)
			go func() {
				if err := p.Session.Connect(context.Background()); err != nil {
					logger.Error("connect failed", zap.Error(err))
					machine.Fire(status.EventError)
					return
				}
				machine.Fire(status.EventAuthSuccess)
				machine.Fire(status.EventAuthSuccess)
			}()
			return nil
		},
		OnStop: func(_ context.Context) error {
			p.Session.Disconnect()
			machine.Fire(status.EventDisconnect)
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("session stopped")
			return nil
		},
	})
}
