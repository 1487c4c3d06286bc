package main

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/MGallo-Code/obol/internal/auth"
	"github.com/MGallo-Code/obol/internal/config"
	"github.com/MGallo-Code/obol/internal/instrumentation"
	"github.com/MGallo-Code/obol/internal/keys"
	"github.com/MGallo-Code/obol/internal/oauth"
	"github.com/MGallo-Code/obol/internal/store"
	"github.com/MGallo-Code/obol/internal/token"
)

// Embeds the migration files INTO the go bin

//go:embed migrations/*.sql
var migrationsDir embed.FS

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

// keySweepEvery is how often retired signing keys past their grace period are dropped.
const keySweepEvery = time.Minute

func main() {
	// Load config first so we can set log level
	cfg, err := config.LoadConfig()
	if err != nil {
		// Fallback logger before config is available
		slog.Error("fatal", "err", err)
		os.Exit(1)
	}

	// Include source location in log entries at debug level only.
	addSrc := cfg.LogLevel == slog.LevelDebug

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     cfg.LogLevel,
		AddSource: addSrc,
	})))

	// Cancel ctx on SIGINT/SIGTERM; run() shuts down when ctx is done.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// run() is a separate func so deferred closes (ps, rdb) always execute before os.Exit.
	if err := run(ctx, cfg, nil); err != nil {
		slog.Error("fatal", "err", err)
		os.Exit(1)
	}
}

// run holds all server logic and returns error instead of calling os.Exit,
// so deferred resource cleanup always runs.
// Shuts down when ctx is cancelled (signal handling is the caller's concern).
// If ready is non-nil, the server's base URL is sent on it once the listener is bound.
func run(ctx context.Context, cfg *config.Config, ready chan<- string) error {
	ps, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to set up postgres store: %w", err)
	}
	defer ps.Close()

	migrationsFS, err := fs.Sub(migrationsDir, "migrations")
	if err != nil {
		return fmt.Errorf("failed to access embedded migrations: %w", err)
	}
	if err := ps.Migrate(ctx, migrationsFS); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	// One Redis pool backs both the session cache and authorization codes.
	rdb, err := store.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("failed to set up redis client: %w", err)
	}
	defer rdb.Close()
	rs := store.NewRedisStore(rdb)

	km, err := keys.LoadOrGenerate(cfg.KeyDir, cfg.KeyRetireGrace)
	if err != nil {
		return fmt.Errorf("failed to load signing keys: %w", err)
	}

	issuer := token.NewIssuer(km, token.Config{
		Issuer:     cfg.Issuer,
		AccessTTL:  cfg.AccessTokenTTL,
		IDTTL:      cfg.IDTokenTTL,
		RefreshTTL: cfg.RefreshTokenTTL,
	})
	registry := oauth.NewRegistry(ps)
	authz := oauth.NewAuthorizer(registry, rs, oauth.AuthorizeConfig{
		CodeTTL:        cfg.AuthCodeTTL,
		PKCEAllowPlain: cfg.PKCEAllowPlain,
	})
	exchanger := oauth.NewExchanger(registry, rs, ps, ps, issuer)

	inst, err := instrumentation.New(instrumentation.Config{
		ServiceName:    "obol",
		ServiceVersion: version,
		GoCollectors:   true,
	})
	if err != nil {
		return fmt.Errorf("failed to set up instrumentation: %w", err)
	}
	defer func() {
		if err := inst.Shutdown(context.Background()); err != nil {
			slog.Warn("instrumentation shutdown failed", "error", err)
		}
	}()
	if err := inst.RegisterGauge("keys", "oauth.keys.published", "Number of signing keys in the JWKS", func() int64 {
		return int64(km.PublishedCount())
	}); err != nil {
		return fmt.Errorf("failed to register key gauge: %w", err)
	}

	limiter := auth.NewIPRateLimiter(cfg.TokenRatePerSec, cfg.TokenRateBurst)

	h := &auth.AuthHandler{
		PS:      ps,
		RS:      rs,
		Authz:   authz,
		Tokens:  exchanger,
		Access:  issuer,
		Keys:    km,
		Clients: registry,
		Metrics: inst.Metrics(),
		Limiter: limiter,
		RotateKey: func() (string, error) {
			return keys.RotateAndPersist(km, cfg.KeyDir)
		},
		Config: auth.HandlerConfig{
			Issuer:         cfg.Issuer,
			LoginURL:       cfg.LoginURL,
			AdminToken:     cfg.AdminToken,
			PKCEAllowPlain: cfg.PKCEAllowPlain,
		},
	}
	if cfg.AdminToken == "" {
		slog.Info("ADMIN_TOKEN not set, admin API disabled")
	}

	// Bind listener; ":0" picks a free port (useful in tests).
	ln, err := net.Listen("tcp", ":"+cfg.Port)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	server := &http.Server{
		Handler:           buildRouter(h, inst.Handler()),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("obol listening", "addr", ln.Addr().String(), "issuer", cfg.Issuer, "kid", km.ActiveKeyID())
		// Report an error only if the server stops for a reason other than shutdown.
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		// Stops accepting connections, then waits for in-flight requests.
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown error: %w", err)
		}
		slog.Info("server stopped")
		return nil
	})

	g.Go(func() error { return limiter.Run(gctx) })

	g.Go(func() error {
		cleanupRefreshTokens(gctx, ps, inst.Metrics(), cfg.CleanupInterval, cfg.RevokedRetention)
		return nil
	})

	g.Go(func() error {
		sweepKeys(gctx, km)
		return nil
	})

	// Signal readiness to caller (used by tests; nil in production).
	if ready != nil {
		ready <- "http://" + ln.Addr().String()
	}

	return g.Wait()
}

// refreshCleaner is the ledger housekeeping run by cleanupRefreshTokens.
type refreshCleaner interface {
	CleanupRefreshTokens(ctx context.Context, retention time.Duration) (int64, error)
}

// cleanupRefreshTokens deletes expired and long-revoked refresh rows every interval
// until ctx is done. Failures are logged; the next tick retries.
func cleanupRefreshTokens(ctx context.Context, c refreshCleaner, m *instrumentation.Metrics, interval, retention time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			n, err := c.CleanupRefreshTokens(ctx, retention)
			if err != nil {
				slog.Warn("refresh token cleanup failed", "error", err)
				continue
			}
			m.RecordRefreshCleanup(ctx, n)
			slog.Info("refresh token cleanup complete", "deleted", n)
		case <-ctx.Done():
			return
		}
	}
}

// sweepKeys drops retired signing keys once their grace period ends.
func sweepKeys(ctx context.Context, km *keys.Manager) {
	ticker := time.NewTicker(keySweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if dropped := km.Sweep(); len(dropped) > 0 {
				slog.Info("retired signing keys removed", "kids", dropped)
			}
		case <-ctx.Done():
			return
		}
	}
}

// buildRouter wires all routes and middleware.
// Called from run() and from the smoke tests.
func buildRouter(h *auth.AuthHandler, metrics http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(h.Instrument)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", h.CheckHealth)
	r.Method(http.MethodGet, "/metrics", metrics)

	r.Get(auth.PathDiscovery, h.Discovery)
	r.Get(auth.PathJWKS, h.JWKS)
	r.Get(auth.PathAuthorize, h.Authorize)
	r.Get(auth.PathUserInfo, h.UserInfo)
	r.Post(auth.PathUserInfo, h.UserInfo)

	// Client-authenticated endpoints, rate limited per IP.
	r.Group(func(r chi.Router) {
		r.Use(h.RateLimit)
		r.Post(auth.PathToken, h.Token)
		r.Post(auth.PathRevoke, h.Revoke)
	})

	// Session-authenticated routes
	r.Group(func(r chi.Router) {
		r.Use(h.RequireAuth)
		// CSRF reads token injected by RequireAuth above
		// DO NOT RUN CSRF BEFORE RequireAuth
		r.Use(h.CSRFMiddleware)
		r.Post("/logout", h.Logout)
	})

	r.Mount("/admin", h.AdminRoutes())

	return r
}
