package daemon

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/matheus3301/wschat/internal/archive"
	"github.com/matheus3301/wschat/internal/bus"
	"github.com/matheus3301/wschat/internal/channel"
	"github.com/matheus3301/wschat/internal/config"
	"github.com/matheus3301/wschat/internal/lock"
	"github.com/matheus3301/wschat/internal/logging"
	"github.com/matheus3301/wschat/internal/session"
	"github.com/matheus3301/wschat/internal/status"
	"github.com/matheus3301/wschat/internal/store"
	"github.com/matheus3301/wschat/internal/transport"
	"github.com/matheus3301/wschat/internal/view"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved profile passed to the fx module.
type Params struct {
	Profile    string
	ConfigPath string // empty = config.ConfigPath()
}

// Rooms is the set of room views the daemon keeps open.
type Rooms []*view.Room

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
			fx.Annotate(provideDialer, fx.As(new(transport.Dialer))),
			provideSession,
			provideClient,
			provideArchive,
			provideRooms,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	path := p.ConfigPath
	if path == "" {
		path = config.ConfigPath()
	}
	cfg, err := config.Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return config.Default(), nil
	}
	return cfg, err
}

func provideLogger(p Params, cfg *config.Config) (*zap.Logger, error) {
	return logging.New(config.LogPath(p.Profile), p.Profile, logging.Options{
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
	})
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := config.EnsureProfileDir(p.Profile); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.Profile))
	l, err := lock.Acquire(config.ProfileDir(p.Profile))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

// The lock is taken before the archive is opened so a second daemon never
// touches the same database.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := config.ArchivePath(p.Profile)
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

func provideDialer(logger *zap.Logger) *transport.StompDialer {
	return transport.NewStompDialer(logger)
}

func provideSession(cfg *config.Config, d transport.Dialer, m *status.Machine, b *bus.Bus, logger *zap.Logger) *session.Session {
	sc := session.ConfigFrom(cfg)
	sc.Farewell = channel.OfflineNotice
	return session.New(sc, d, m, b, logger)
}

func provideClient(s *session.Session, logger *zap.Logger) *channel.Client {
	return channel.New(s, s, logger)
}

func provideArchive(cfg *config.Config, db *store.DB, b *bus.Bus, logger *zap.Logger) *archive.Engine {
	return archive.NewEngine(db, b, cfg.UserID, logger)
}

func provideRooms(cfg *config.Config, client *channel.Client, b *bus.Bus, logger *zap.Logger) Rooms {
	opts := view.Options{RecallWindow: cfg.RecallWindow.Duration}
	rooms := make(Rooms, 0, len(cfg.Rooms))
	for _, id := range cfg.Rooms {
		rooms = append(rooms, view.NewRoom(id, client, b, logger, opts))
	}
	return rooms
}

type lifecycleParams struct {
	fx.In

	LC      fx.Lifecycle
	Config  *config.Config
	Lock    *lock.Lock
	DB      *store.DB
	Session *session.Session
	Client  *channel.Client
	Archive *archive.Engine
	Rooms   Rooms
	Bus     *bus.Bus
	Logger  *zap.Logger
}

func registerLifecycle(p lifecycleParams) {
	var (
		unsubs []func()
		sigs   = make(chan os.Signal, 1)
		done   = make(chan struct{})
	)
	logger := p.Logger

	p.LC.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Archive first so no confirmation emitted during connect is missed.
			p.Archive.Start(context.Background())

			for _, r := range p.Rooms {
				r.Open()
			}
			unsubs = append(unsubs,
				p.Client.SubscribeRooms(func(ev channel.RoomEvent) { p.Bus.Emit(bus.KindRoomEvent, ev) }),
				p.Client.SubscribeNotifications(func(n channel.Notification) { p.Bus.Emit(bus.KindNotification, n) }),
			)

			// SIGUSR1 marks the host hidden, SIGUSR2 visible again.
			signal.Notify(sigs, syscall.SIGUSR1, syscall.SIGUSR2)
			go func() {
				for {
					select {
					case sig := <-sigs:
						p.Session.SetVisible(sig == syscall.SIGUSR2)
					case <-done:
						return
					}
				}
			}()

			if p.Config.Token == "" {
				logger.Warn("no token configured, connecting anonymously")
			}
			creds := session.Credentials{Token: p.Config.Token, UserID: p.Config.UserID}
			onConnect := func() {
				logger.Info("session ready", zap.Int("rooms", len(p.Rooms)))
				if _, err := p.Client.BroadcastStatus(context.Background(), true); err != nil {
					logger.Warn("online status broadcast failed", zap.Error(err))
				}
			}
			onError := func(err error) {
				logger.Warn("connection error", zap.Error(err))
			}
			if err := p.Session.Connect(context.Background(), creds, onConnect, onError); err != nil {
				logger.Error("connect failed", zap.Error(err))
			}
			return nil
		},
		OnStop: func(_ context.Context) error {
			signal.Stop(sigs)
			close(done)
			for _, u := range unsubs {
				u()
			}
			for _, r := range p.Rooms {
				r.Close()
			}
			p.Session.Close()
			p.Archive.Stop()
			if err := p.DB.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := p.Lock.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
