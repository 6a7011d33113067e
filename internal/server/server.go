// Package server is the composition root: it opens the stores, builds the
// auth stack and mounts every route on a chi router.
//
//	config → account store (sqlite | postgres)
//	       → identity provider (local table | Supabase Auth)
//	       → replay guard (redis, optional)
//	       → AuthService → AuthHandler → routes
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-redis/redis/v8"

	"github.com/sakif/storefront/internal/auth"
	"github.com/sakif/storefront/internal/config"
	"github.com/sakif/storefront/internal/handler"
	"github.com/sakif/storefront/internal/identity"
	"github.com/sakif/storefront/internal/identity/supabase"
	"github.com/sakif/storefront/internal/metrics"
	"github.com/sakif/storefront/internal/middleware"
	"github.com/sakif/storefront/internal/repository"
	pgRepo "github.com/sakif/storefront/internal/repository/postgres"
	sqliteRepo "github.com/sakif/storefront/internal/repository/sqlite"
	"github.com/sakif/storefront/internal/service"
)

// accountStore is what the server needs from either database backend.
type accountStore interface {
	repository.AccountRepository
	Ping(ctx context.Context) error
	Close() error
}

// Server owns the router and every long-lived resource behind it. Close
// releases them; Start calls it on the way out.
type Server struct {
	router  *chi.Mux
	config  *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	store      accountStore
	identities identity.Provider
	redis      *redis.Client
	limiter    *middleware.RateLimiter

	stop      chan struct{}
	closeOnce sync.Once
}

// New opens the configured stores and wires the routes. On error every
// resource opened so far is closed again.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Server, error) {
	s := &Server{
		router:  chi.NewRouter(),
		config:  cfg,
		logger:  logger,
		metrics: metrics.New(),
		stop:    make(chan struct{}),
	}

	store, local, err := openStore(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	s.store = store

	s.identities, err = s.identityProvider(local)
	if err != nil {
		s.Close()
		return nil, err
	}

	if err := s.setupRoutes(ctx); err != nil {
		s.Close()
		return nil, fmt.Errorf("setting up routes: %w", err)
	}

	return s, nil
}

func openStore(ctx context.Context, cfg config.DatabaseConfig) (accountStore, identity.Provider, error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		db, err := pgRepo.Open(ctx, cfg.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("opening postgres: %w", err)
		}
		return db, db.Identities(), nil

	case config.DriverSQLite:
		if dir := filepath.Dir(cfg.Path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, nil, fmt.Errorf("creating database directory %s: %w", dir, err)
			}
		}
		db, err := sqliteRepo.New(cfg.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("opening sqlite: %w", err)
		}
		return db, db.Identities(), nil

	default:
		return nil, nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}

func (s *Server) identityProvider(local identity.Provider) (identity.Provider, error) {
	cfg := s.config.Identity
	if cfg.Backend != config.BackendSupabase {
		return local, nil
	}

	client, err := supabase.New(supabase.Config{
		URL:        cfg.SupabaseURL,
		ServiceKey: cfg.ServiceKey,
		MaxPages:   cfg.MaxPages,
		Timeout:    cfg.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("creating supabase identity client: %w", err)
	}
	return client, nil
}

// replayGuard connects to Redis when replay protection is on. An unreachable
// Redis is logged, not fatal: logins fail with 500 until it comes back.
func (s *Server) replayGuard(ctx context.Context) auth.ReplayGuard {
	cfg := s.config.Replay
	if !cfg.Enabled {
		return auth.NopReplayGuard{}
	}

	s.redis = redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := s.redis.Ping(pingCtx).Err(); err != nil {
		s.logger.Warn("replay guard: redis unreachable, logins will fail until it recovers",
			slog.String("addr", cfg.RedisAddr),
			slog.String("error", err.Error()),
		)
	}
	return auth.NewRedisReplayGuard(s.redis, s.config.Auth.MaxAuthAge)
}

// setupRoutes mounts:
//
//	GET   /healthz             → store reachability
//	GET   /metrics             → Prometheus
//	POST  /api/auth/telegram   → Mini-App login (rate limited)
//	POST  /api/auth/logout     → clear session cookie
//	GET   /api/me              → current account (RequireAuth)
//	PATCH /api/me              → profile update (RequireAuth)
//
// Middleware order: RequestID, RealIP, Logger, Metrics, Recoverer, then the
// session verifier, so every route sees the resolved account.
func (s *Server) setupRoutes(ctx context.Context) error {
	validator, err := auth.NewInitDataValidator(s.config.Telegram.BotToken, s.config.Auth.MaxAuthAge)
	if err != nil {
		return fmt.Errorf("creating initData validator: %w", err)
	}
	tokens, err := auth.NewTokenService(s.config.Session.Secret, s.config.Session.Lifetime, s.config.Session.Issuer)
	if err != nil {
		return fmt.Errorf("creating token service: %w", err)
	}

	cookie := auth.CookieConfig{
		Name:   s.config.Session.CookieName,
		Domain: s.config.Session.CookieDomain,
		Secure: s.config.Session.CookieSecure,
	}
	if !cookie.Secure {
		s.logger.Warn("session cookie is sent without the Secure attribute; use only for local development")
	}

	resolver := service.NewIdentityResolver(s.store, s.identities, s.config.Identity.EmailDomain, s.metrics, s.logger)
	authService := service.NewAuthService(validator, s.replayGuard(ctx), resolver, s.store, tokens, s.metrics, s.logger)
	authHandler := handler.NewAuthHandler(authService, cookie, s.logger)
	healthHandler := handler.NewHealthHandler(s.store, s.logger)
	verifier := auth.NewSessionVerifier(tokens, s.store, cookie, s.metrics, s.logger)

	s.limiter = middleware.NewRateLimiter(s.config.RateLimit.LoginRPS, s.config.RateLimit.LoginBurst, s.logger)
	s.limiter.StartCleanup(time.Minute, s.stop)

	s.router.Use(chimiddleware.RequestID)
	s.router.Use(chimiddleware.RealIP)
	s.router.Use(middleware.Logger(s.logger))
	s.router.Use(middleware.Metrics(s.metrics))
	s.router.Use(chimiddleware.Recoverer)
	s.router.Use(verifier.Middleware)

	s.router.Get("/healthz", healthHandler.HandleHealth)
	s.router.Handle("/metrics", s.metrics.Handler())

	s.router.Route("/api", func(r chi.Router) {
		r.With(s.limiter.Handler).Post("/auth/telegram", authHandler.HandleTelegramLogin)
		r.Post("/auth/logout", authHandler.HandleLogout)

		r.Group(func(r chi.Router) {
			r.Use(auth.RequireAuth)
			r.Get("/me", authHandler.HandleMe)
			r.Patch("/me", authHandler.HandleUpdateMe)
		})
	})

	return nil
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Close stops background work and releases the stores. Safe to call more
// than once.
func (s *Server) Close() error {
	var errs []error
	s.closeOnce.Do(func() {
		close(s.stop)
		if s.redis != nil {
			if err := s.redis.Close(); err != nil {
				errs = append(errs, fmt.Errorf("closing redis: %w", err))
			}
		}
		if s.store != nil {
			if err := s.store.Close(); err != nil {
				errs = append(errs, fmt.Errorf("closing database: %w", err))
			}
		}
	})
	return errors.Join(errs...)
}

// Start serves HTTP until SIGINT/SIGTERM, then drains in-flight requests
// within server.shutdown_timeout and closes the stores.
func (s *Server) Start() error {
	defer func() {
		if err := s.Close(); err != nil {
			s.logger.Error("closing resources", slog.String("error", err.Error()))
		}
	}()

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", s.config.Server.Port),
		Handler:      s.router,
		ReadTimeout:  s.config.Server.ReadTimeout,
		WriteTimeout: s.config.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	serverErrors := make(chan error, 1)

	go func() {
		s.logger.Info("server starting",
			slog.Int("port", s.config.Server.Port),
			slog.String("database", s.config.Database.Driver),
			slog.String("identity", s.config.Identity.Backend),
			slog.Bool("replayGuard", s.config.Replay.Enabled),
		)
		serverErrors <- srv.ListenAndServe()
	}()

	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

	case sig := <-quit:
		s.logger.Info("shutdown signal received", slog.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), s.config.Server.ShutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		s.logger.Info("server stopped gracefully")
	}

	return nil
}
