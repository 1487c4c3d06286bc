// config.go

// Environment variable loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// MaxAuthCodeTTL caps AUTH_CODE_TTL. Codes live long enough for one redirect round trip.
const MaxAuthCodeTTL = 60 * time.Second

// Config holds all env configuration vars for obol.
type Config struct {
	DatabaseURL string
	RedisURL    string
	Port        string
	LogLevel    slog.Level

	// Issuer is the iss claim and the base of every discovery URL. No trailing slash.
	Issuer string

	// KeyDir holds RSA signing keys as PEM files. Empty means one ephemeral key per process.
	KeyDir string

	// Token lifetimes. Defaults: access 30m, ID 1h, refresh 7d, code 60s (capped).
	AccessTokenTTL  time.Duration
	IDTokenTTL      time.Duration
	RefreshTokenTTL time.Duration
	AuthCodeTTL     time.Duration

	// KeyRetireGrace is how long a demoted key stays published and verifiable.
	// Defaults to the longest signed token lifetime plus 5m of clock slack.
	KeyRetireGrace time.Duration

	// PKCEAllowPlain accepts code_challenge_method=plain. Default false (S256 only).
	PKCEAllowPlain bool

	// LoginURL receives unauthenticated /authorize requests with a return_to param.
	// Empty means /authorize answers 401 login_required instead of redirecting.
	LoginURL string

	// AdminToken guards /admin/*. Empty disables the admin API entirely.
	AdminToken string

	// Ledger housekeeping. Defaults: run every 24h, keep revoked rows 30d.
	CleanupInterval  time.Duration
	RevokedRetention time.Duration

	// Per-IP token bucket on /token and /revoke. Defaults: 10/s, burst 20.
	TokenRatePerSec int
	TokenRateBurst  int
}

// LoadConfig reads environment variables and returns a validated Config.
// Returns an error if required variables (DATABASE_URL, REDIS_URL) are missing
// or ISSUER is not an absolute http(s) URL.
func LoadConfig() (*Config, error) {
	cfg := &Config{}

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	cfg.RedisURL = os.Getenv("REDIS_URL")
	if cfg.RedisURL == "" {
		return nil, fmt.Errorf("REDIS_URL is required")
	}

	// Attempt to get port num, default to 7865
	cfg.Port = os.Getenv("PORT")
	if cfg.Port == "" {
		cfg.Port = "7865"
	}

	// Parse log level, default to info
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		cfg.LogLevel = slog.LevelDebug
	case "warn":
		cfg.LogLevel = slog.LevelWarn
	case "error":
		cfg.LogLevel = slog.LevelError
	default:
		cfg.LogLevel = slog.LevelInfo
	}

	cfg.Issuer = strings.TrimSuffix(os.Getenv("ISSUER"), "/")
	if cfg.Issuer == "" {
		cfg.Issuer = "http://localhost:" + cfg.Port
	}
	if err := validateIssuer(cfg.Issuer); err != nil {
		return nil, err
	}

	cfg.KeyDir = os.Getenv("KEY_DIR")

	cfg.AccessTokenTTL = envDuration("ACCESS_TOKEN_TTL", 30*time.Minute)
	cfg.IDTokenTTL = envDuration("ID_TOKEN_TTL", time.Hour)
	cfg.RefreshTokenTTL = envDuration("REFRESH_TOKEN_TTL", 7*24*time.Hour)

	cfg.AuthCodeTTL = envDuration("AUTH_CODE_TTL", MaxAuthCodeTTL)
	if cfg.AuthCodeTTL > MaxAuthCodeTTL {
		slog.Warn("AUTH_CODE_TTL above maximum, capping", "value", cfg.AuthCodeTTL, "max", MaxAuthCodeTTL)
		cfg.AuthCodeTTL = MaxAuthCodeTTL
	}

	// Grace must cover every signed token a retiring key could still have minted.
	minGrace := max(cfg.AccessTokenTTL, cfg.IDTokenTTL) + 5*time.Minute
	cfg.KeyRetireGrace = envDuration("KEY_RETIRE_GRACE", minGrace)
	if cfg.KeyRetireGrace < minGrace {
		slog.Warn("KEY_RETIRE_GRACE shorter than token lifetime, raising", "value", cfg.KeyRetireGrace, "min", minGrace)
		cfg.KeyRetireGrace = minGrace
	}

	cfg.PKCEAllowPlain = envBool("PKCE_ALLOW_PLAIN", false)
	cfg.LoginURL = os.Getenv("LOGIN_URL")
	cfg.AdminToken = os.Getenv("ADMIN_TOKEN")

	cfg.CleanupInterval = envDuration("CLEANUP_INTERVAL", 24*time.Hour)
	cfg.RevokedRetention = envDuration("REVOKED_RETENTION", 30*24*time.Hour)

	cfg.TokenRatePerSec = envInt("TOKEN_RATE_PER_SEC", 10)
	cfg.TokenRateBurst = envInt("TOKEN_RATE_BURST", 20)

	return cfg, nil
}

// validateIssuer requires an absolute http(s) URL without query or fragment.
func validateIssuer(issuer string) error {
	u, err := url.Parse(issuer)
	if err != nil {
		return fmt.Errorf("ISSUER is not a valid URL: %w", err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("ISSUER must use http or https")
	}
	if u.Host == "" {
		return fmt.Errorf("ISSUER must be an absolute URL")
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return fmt.Errorf("ISSUER must not contain a query or fragment")
	}
	return nil
}

// envInt reads an env var as int, returning def if missing or unparseable.
func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		slog.Warn("invalid env var, using default", "key", key, "value", v, "default", def)
		return def
	}
	return n
}

// envDuration reads an env var as time.Duration, returning def if missing or unparseable.
func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		slog.Warn("invalid env var, using default", "key", key, "value", v, "default", def)
		return def
	}
	return d
}

// envBool reads an env var as bool, returning def if missing or unparseable.
func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		slog.Warn("invalid env var, using default", "key", key, "value", v, "default", def)
		return def
	}
	return b
}
