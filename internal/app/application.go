// Package app wires every component of the server and runs it.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"chatrelay/internal/accounts"
	"chatrelay/internal/api"
	"chatrelay/internal/avatar"
	"chatrelay/internal/chats"
	"chatrelay/internal/clock"
	"chatrelay/internal/config"
	"chatrelay/internal/database"
	"chatrelay/internal/hub"
	"chatrelay/internal/mailer"
	"chatrelay/internal/metrics"
	"chatrelay/internal/presence"
	"chatrelay/internal/ratelimit"
	"chatrelay/internal/relay"
	"chatrelay/internal/rooms"
	"chatrelay/internal/security"
	"chatrelay/internal/session"
	"chatrelay/internal/token"
	"chatrelay/internal/websocket"
)

// limiterCleanupInterval paces the sweep of idle in-memory rate windows.
const limiterCleanupInterval = 5 * time.Minute

// Application owns the components and their background loops.
// Initialization order: store → tokens → gate → realtime core → services →
// HTTP. Shutdown runs in reverse.
type Application struct {
	config *config.Config
	logger *slog.Logger

	db        *database.Manager
	redis     *redis.Client
	metrics   *metrics.Metrics
	tokens    *token.Service
	hub       *hub.Hub
	presence  *presence.AsyncHook
	sockets   *websocket.Handler
	apiServer *api.Server
	server    *http.Server

	// in-memory limiters need a cleanup loop; redis keys expire on their own
	cleanups []*ratelimit.Memory
}

// NewApplication builds every component from cfg. Nothing runs until Run.
func NewApplication(cfg *config.Config, logger *slog.Logger) (*Application, error) {
	if cfg == nil {
		return nil, errors.New("configuration is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	app := &Application{config: cfg, logger: logger, metrics: metrics.New()}

	db, err := database.NewManager(&cfg.Database, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database manager: %w", err)
	}
	app.db = db

	if err := app.build(); err != nil {
		_ = app.close()
		return nil, err
	}
	return app, nil
}

func (a *Application) build() error {
	cfg, logger, m := a.config, a.logger, a.metrics

	restLimiter, msgLimiter, err := a.limiters()
	if err != nil {
		return err
	}

	cache, err := token.NewCache(cfg.Cache.Capacity, cfg.Cache.Shards, clock.System)
	if err != nil {
		return fmt.Errorf("failed to create token cache: %w", err)
	}
	a.tokens, err = token.NewService(token.Config{
		AccessSecret:  cfg.Auth.AccessSecret,
		RefreshSecret: cfg.Auth.RefreshSecret,
		AccessTTL:     cfg.Auth.AccessTTL,
		RefreshTTL:    cfg.Auth.RefreshTTL,
		Issuer:        cfg.Auth.Issuer,
	}, cache,
		token.WithRoleSource(accounts.StoreRoles{Store: a.db}),
		token.WithRecorder(m),
		token.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("failed to create token service: %w", err)
	}

	gate := session.NewGate(a.tokens, session.WithRecorder(m), session.WithLogger(logger))
	cookies := session.CookieConfig{
		Secure:     cfg.Auth.CookieSecure,
		AccessTTL:  cfg.Auth.AccessTTL,
		RefreshTTL: cfg.Auth.RefreshTTL,
	}

	registry := rooms.NewRegistry(rooms.NewMemoryStore(), rooms.WithRecorder(m), rooms.WithLogger(logger))
	a.presence = presence.NewAsyncHook(presence.StoreHook{Store: a.db, Logger: logger}, 0, 0)
	tracker := presence.NewTracker(
		presence.WithLogger(logger),
		presence.WithHooks(a.presence, m),
	)
	rel := relay.New(a.db, registry,
		relay.WithLimiter(msgLimiter),
		relay.WithRecorder(m),
		relay.WithLogger(logger),
	)
	a.hub = hub.NewHub(registry, tracker, rel, a.db,
		hub.WithGate(gate),
		hub.WithRecorder(m),
		hub.WithLogger(logger),
	)

	origins := cfg.WebSocket.AllowedOrigins
	if len(origins) == 0 && cfg.HTTP.ClientURL != "" {
		origins = []string{cfg.HTTP.ClientURL}
	}
	a.sockets = websocket.NewHandler(gate, a.hub, websocket.HandlerConfig{
		Conn: websocket.ConnConfig{
			SendQueue:    cfg.WebSocket.SendQueue,
			WriteTimeout: cfg.WebSocket.WriteTimeout,
			PingInterval: cfg.WebSocket.PingInterval,
		},
		HandshakeTimeout: cfg.WebSocket.HandshakeTimeout,
		ReadTimeout:      cfg.WebSocket.ReadTimeout,
		MaxMessageBytes:  cfg.WebSocket.MaxMessageBytes,
		AllowedOrigins:   origins,
		Cookies:          cookies,
	}, logger)

	avatars, err := avatar.NewFS(cfg.Uploads.Dir, cfg.Uploads.URLPrefix)
	if err != nil {
		return fmt.Errorf("failed to prepare uploads directory: %w", err)
	}
	mail := mailer.New(mailer.Config(cfg.SMTP), logger)
	acct := accounts.NewService(a.db, a.tokens, security.NewHasher(cfg.Auth.BcryptCost), mail,
		accounts.Config{ClientURL: cfg.HTTP.ClientURL, ResetTTL: cfg.Auth.ResetTTL},
		accounts.WithLogger(logger),
		accounts.WithAvatarStore(avatars),
	)

	a.apiServer = api.NewServer(api.Deps{
		Accounts:      acct,
		Chats:         chats.NewManager(a.db, rel, clock.System, logger),
		Gate:          gate,
		Store:         a.db,
		Realtime:      a.hub,
		Metrics:       m,
		Limiter:       restLimiter,
		Sockets:       a.sockets,
		Cookies:       cookies,
		ClientURL:     cfg.HTTP.ClientURL,
		UploadsDir:    avatars.Dir(),
		UploadsPrefix: avatars.Prefix(),
		Logger:        logger,
	})

	a.server = &http.Server{
		Addr:         cfg.HTTP.Addr(),
		Handler:      a.apiServer,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
		ErrorLog:     slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}
	return nil
}

// limiters builds the REST per-IP limiter and the per-user message limiter
// on the configured backend.
func (a *Application) limiters() (rest, messages ratelimit.Limiter, err error) {
	rl := a.config.RateLimit
	if rl.Backend == "redis" {
		rc := a.config.Redis
		a.redis = redis.NewClient(&redis.Options{Addr: rc.Addr, Password: rc.Password, DB: rc.DB})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.redis.Ping(ctx).Err(); err != nil {
			return nil, nil, fmt.Errorf("failed to reach redis at %s: %w", rc.Addr, err)
		}
		if rest, err = ratelimit.NewRedis(a.redis, rc.Prefix+"rest:", rl.Requests, rl.Window); err != nil {
			return nil, nil, err
		}
		if messages, err = ratelimit.NewRedis(a.redis, rc.Prefix+"msg:", rl.MessagesPerMinute, time.Minute); err != nil {
			return nil, nil, err
		}
		a.logger.Info("rate limits backed by redis", slog.String("addr", rc.Addr))
		return rest, messages, nil
	}

	restMem, err := ratelimit.NewMemory(rl.Requests, rl.Window, clock.System)
	if err != nil {
		return nil, nil, err
	}
	msgMem, err := ratelimit.NewMemory(rl.MessagesPerMinute, time.Minute, clock.System)
	if err != nil {
		return nil, nil, err
	}
	a.cleanups = append(a.cleanups, restMem, msgMem)
	return restMem, msgMem, nil
}

// Handler exposes the full HTTP surface, for tests that serve it on their
// own listener.
func (a *Application) Handler() http.Handler {
	return a.apiServer
}

// Addr is the configured listen address.
func (a *Application) Addr() string {
	return a.server.Addr
}

// Run serves until ctx is cancelled or a component fails, then shuts down.
func (a *Application) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", a.server.Addr, err)
	}
	return a.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (a *Application) Serve(ctx context.Context, ln net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)

	// The hub outlives gctx so that sockets closed during shutdown still
	// unregister through it.
	if err := a.hub.Start(context.WithoutCancel(ctx)); err != nil {
		_ = ln.Close()
		_ = a.close()
		return fmt.Errorf("failed to start message hub: %w", err)
	}

	g.Go(func() error {
		a.logger.Info("http server listening", slog.String("addr", ln.Addr().String()))
		if err := a.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return a.tokens.RunSweeper(gctx, a.config.Cache.SweepInterval)
	})
	for _, m := range a.cleanups {
		g.Go(func() error {
			return m.RunCleanup(gctx, limiterCleanupInterval)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		return a.shutdown()
	})

	err := g.Wait()
	if cerr := a.close(); err == nil {
		err = cerr
	}
	return err
}

// shutdown stops accepting requests, then closes every socket.
func (a *Application) shutdown() error {
	a.logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), a.config.HTTP.ShutdownTimeout)
	defer cancel()

	err := a.server.Shutdown(ctx)
	if err != nil {
		a.logger.Error("http server shutdown error", slog.Any("error", err))
	}
	a.sockets.Close()
	if herr := a.hub.Stop(); herr != nil && !errors.Is(herr, hub.ErrHubNotRunning) {
		a.logger.Error("message hub shutdown error", slog.Any("error", herr))
	}
	return err
}

// close flushes pending presence writes, then releases the store and the
// redis client.
func (a *Application) close() error {
	if a.presence != nil {
		a.presence.Close()
	}
	var errs []error
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.db != nil {
		errs = append(errs, a.db.Close())
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	a.logger.Info("shutdown complete")
	return nil
}
