package daemon

import (
	"context"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/api"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/config"
	"github.com/matheus3301/chatsync/internal/history"
	"github.com/matheus3301/chatsync/internal/identity"
	"github.com/matheus3301/chatsync/internal/lock"
	"github.com/matheus3301/chatsync/internal/logging"
	"github.com/matheus3301/chatsync/internal/model"
	"github.com/matheus3301/chatsync/internal/profile"
	"github.com/matheus3301/chatsync/internal/rest"
	"github.com/matheus3301/chatsync/internal/session"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/store"
	intsync "github.com/matheus3301/chatsync/internal/sync"
)

const resolveTimeout = 15 * time.Second

// Params holds the resolved profile passed to the fx module.
type Params struct {
	Profile string
	// Config overrides loading ~/.chatsync/config.toml; used by tests.
	Config *config.Config
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideRESTClient,
			provideIdentity,
			provideSyncEngine,
			provideSessions,
			provideSessionService,
			provideChatService,
			provideMessageService,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	if p.Config != nil {
		return p.Config, p.Config.Validate()
	}
	return config.LoadWithEnv(profile.ConfigPath())
}

func provideLogger(p Params, cfg *config.Config) (*zap.Logger, error) {
	if err := profile.EnsureDir(p.Profile); err != nil {
		return nil, err
	}
	return logging.New(profile.LogPath(p.Profile), p.Profile, cfg.LogLevel)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	logger.Info("acquiring profile lock", zap.String("profile", p.Profile))
	l, err := lock.Acquire(profile.Dir(p.Profile))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

// provideStore takes the lock so the database is only opened by its owner.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := profile.DBPath(p.Profile)
	db, result, err := store.OpenMigrated(dbPath)
	if err != nil {
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied",
			zap.Uint("from", result.Previous),
			zap.Uint("to", result.Version),
		)
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideRESTClient(cfg *config.Config) *rest.Client {
	return rest.NewClient(cfg.ServerURL, nil)
}

func provideIdentity(client *rest.Client, db *store.DB, logger *zap.Logger) *identity.Holder {
	return identity.NewHolder(client, store.Tokens{DB: db}, logger.Named("identity"))
}

func provideSyncEngine(db *store.DB, b *bus.Bus, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(db, b, logger)
}

func provideSessions(cfg *config.Config, client *rest.Client, b *bus.Bus, m *status.Machine, logger *zap.Logger) *session.Manager {
	return session.NewManager(session.Options{
		WebsocketURL:     cfg.WSURL(),
		JoinEvent:        cfg.JoinEvent,
		LeaveOnClose:     cfg.LeaveOnClose,
		ReconnectMin:     cfg.ReconnectMin.Std(),
		ReconnectMax:     cfg.ReconnectMax.Std(),
		IdleTimeout:      cfg.IdleTimeout.Std(),
		DedupWindow:      cfg.DedupWindow.Std(),
		MaxMessageLength: cfg.MaxMessageLength,
	}, session.Deps{
		API:    history.API(client),
		Bus:    b,
		Status: m,
		Log:    logger,
	})
}

func provideSessionService(p Params, m *status.Machine, holder *identity.Holder, sessions *session.Manager, b *bus.Bus, db *store.DB, logger *zap.Logger) *api.SessionService {
	return api.NewSessionService(p.Profile, m, holder, sessions, b, db, logger)
}

func provideChatService(holder *identity.Holder, client *rest.Client, sessions *session.Manager, db *store.DB, logger *zap.Logger) *api.ChatService {
	return api.NewChatService(holder, client, sessions, db, logger)
}

func provideMessageService(sessions *session.Manager, db *store.DB) *api.MessageService {
	return api.NewMessageService(sessions, db)
}

func registerLifecycle(lc fx.Lifecycle, srv *Server, lk *lock.Lock, db *store.DB, holder *identity.Holder, sessions *session.Manager, engine *intsync.Engine, logger *zap.Logger) {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Start the cache engine before any session can publish.
			engine.Start(ctx)

			holder.OnChange(sessions.Switch)
			sessions.OnAuthFailure(func() {
				if err := holder.Logout(); err != nil {
					logger.Warn("signing out after auth failure", zap.Error(err))
				}
			})

			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			// Restore the stored identity; without one the daemon waits
			// for a login.
			go func() {
				rctx, rcancel := context.WithTimeout(ctx, resolveTimeout)
				defer rcancel()
				if _, err := holder.Resolve(rctx); err != nil {
					logger.Info("no valid stored identity, auth required", zap.Error(err))
					if _, _, ok := holder.Current(); !ok {
						sessions.Switch(model.Identity{}, "", false)
					}
				}
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			sessions.Close()
			engine.Stop()
			srv.Stop(stopCtx)
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
