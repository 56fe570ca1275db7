package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port        string `mapstructure:"PORT"`
	Env         string `mapstructure:"ENV"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`
	RedisURL    string `mapstructure:"REDIS_URL"`

	// SessionStore selects the session backend: "redis" or "memory". Memory is
	// single-node and for development only.
	SessionStore string `mapstructure:"SESSION_STORE"`

	AuthIssuer   string `mapstructure:"AUTH_ISSUER"`
	AuthAudience string `mapstructure:"AUTH_AUDIENCE"`
	// AuthJWKSURL enables RS256 verification against a published key set. When
	// empty, AUTH_HMAC_SECRET is used with HS256.
	AuthJWKSURL     string `mapstructure:"AUTH_JWKS_URL"`
	AuthHMACSecret  string `mapstructure:"AUTH_HMAC_SECRET"`
	AssertionSecret string `mapstructure:"ASSERTION_SECRET"`

	AccessTokenTTLMinutes       int `mapstructure:"ACCESS_TOKEN_TTL_MINUTES"`
	SessionIdleTimeoutMinutes   int `mapstructure:"SESSION_IDLE_TIMEOUT_MINUTES"`
	SessionAbsoluteTimeoutHours int `mapstructure:"SESSION_ABSOLUTE_TIMEOUT_HOURS"`
	SessionMaxConcurrent        int `mapstructure:"SESSION_MAX_CONCURRENT"`
	VersionCacheTTLSeconds      int `mapstructure:"VERSION_CACHE_TTL_SECONDS"`

	AuditQueueSize int     `mapstructure:"AUDIT_QUEUE_SIZE"`
	RateLimitRPS   float64 `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int     `mapstructure:"RATE_LIMIT_BURST"`

	// BaseDomain anchors clinic subdomain resolution: requests to
	// <slug>.<BaseDomain> corroborate against the token's clinic claim.
	BaseDomain string `mapstructure:"BASE_DOMAIN"`
	// ClinicSlugs maps subdomain slugs to clinic ids, "slug=id" comma-joined.
	ClinicSlugs string `mapstructure:"CLINIC_SLUGS"`
	// QuerySafelist lists the route patterns allowed to carry a token in the
	// query string, comma-joined (e.g. "/api/v1/documents/:id/download").
	QuerySafelist string `mapstructure:"QUERY_SAFELIST"`

	TLSEnabled  bool   `mapstructure:"TLS_ENABLED"`
	TLSCertFile string `mapstructure:"TLS_CERT_FILE"`
	TLSKeyFile  string `mapstructure:"TLS_KEY_FILE"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("SESSION_STORE", "redis")
	v.SetDefault("ACCESS_TOKEN_TTL_MINUTES", 15)
	v.SetDefault("SESSION_IDLE_TIMEOUT_MINUTES", 15)
	v.SetDefault("SESSION_ABSOLUTE_TIMEOUT_HOURS", 168)
	v.SetDefault("SESSION_MAX_CONCURRENT", 5)
	v.SetDefault("VERSION_CACHE_TTL_SECONDS", 45)
	v.SetDefault("AUDIT_QUEUE_SIZE", 1024)
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("REDIS_URL")
	v.BindEnv("SESSION_STORE")
	v.BindEnv("AUTH_ISSUER")
	v.BindEnv("AUTH_AUDIENCE")
	v.BindEnv("AUTH_JWKS_URL")
	v.BindEnv("AUTH_HMAC_SECRET")
	v.BindEnv("ASSERTION_SECRET")
	v.BindEnv("ACCESS_TOKEN_TTL_MINUTES")
	v.BindEnv("SESSION_IDLE_TIMEOUT_MINUTES")
	v.BindEnv("SESSION_ABSOLUTE_TIMEOUT_HOURS")
	v.BindEnv("SESSION_MAX_CONCURRENT")
	v.BindEnv("VERSION_CACHE_TTL_SECONDS")
	v.BindEnv("AUDIT_QUEUE_SIZE")
	v.BindEnv("RATE_LIMIT_RPS")
	v.BindEnv("RATE_LIMIT_BURST")
	v.BindEnv("BASE_DOMAIN")
	v.BindEnv("CLINIC_SLUGS")
	v.BindEnv("QUERY_SAFELIST")
	v.BindEnv("TLS_ENABLED")
	v.BindEnv("TLS_CERT_FILE")
	v.BindEnv("TLS_KEY_FILE")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func (c *Config) AccessTokenTTL() time.Duration {
	return time.Duration(c.AccessTokenTTLMinutes) * time.Minute
}

func (c *Config) SessionIdleTimeout() time.Duration {
	return time.Duration(c.SessionIdleTimeoutMinutes) * time.Minute
}

func (c *Config) SessionAbsoluteTimeout() time.Duration {
	return time.Duration(c.SessionAbsoluteTimeoutHours) * time.Hour
}

func (c *Config) VersionCacheTTL() time.Duration {
	return time.Duration(c.VersionCacheTTLSeconds) * time.Second
}

// ClinicSlugMap parses CLINIC_SLUGS into slug -> clinic id. Malformed entries
// are skipped rather than failing startup.
func (c *Config) ClinicSlugMap() map[string]string {
	out := make(map[string]string)
	for _, pair := range strings.Split(c.ClinicSlugs, ",") {
		slug, id, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if ok && slug != "" && id != "" {
			out[slug] = id
		}
	}
	return out
}

// QuerySafelistRoutes parses QUERY_SAFELIST into route patterns.
func (c *Config) QuerySafelistRoutes() []string {
	var out []string
	for _, route := range strings.Split(c.QuerySafelist, ",") {
		if route = strings.TrimSpace(route); route != "" {
			out = append(out, route)
		}
	}
	return out
}

// Validate checks that the configuration is safe to run. Production refuses
// to start without real signing material and a shared session backend.
func (c *Config) Validate() error {
	if c.AuthJWKSURL == "" && c.AuthHMACSecret == "" {
		return fmt.Errorf("one of AUTH_JWKS_URL or AUTH_HMAC_SECRET must be set")
	}
	if c.AuthHMACSecret != "" && len(c.AuthHMACSecret) < 32 {
		return fmt.Errorf("AUTH_HMAC_SECRET must be at least 32 bytes, got %d", len(c.AuthHMACSecret))
	}
	if c.AssertionSecret != "" && len(c.AssertionSecret) < 32 {
		return fmt.Errorf("ASSERTION_SECRET must be at least 32 bytes, got %d", len(c.AssertionSecret))
	}

	switch c.SessionStore {
	case "redis":
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when SESSION_STORE is \"redis\"")
		}
	case "memory":
		if c.IsProduction() {
			return fmt.Errorf("SESSION_STORE=memory is not allowed in production")
		}
	default:
		return fmt.Errorf("SESSION_STORE must be \"redis\" or \"memory\", got %q", c.SessionStore)
	}

	if c.SessionIdleTimeoutMinutes <= 0 || c.SessionAbsoluteTimeoutHours <= 0 {
		return fmt.Errorf("session timeouts must be positive")
	}
	if c.SessionMaxConcurrent <= 0 {
		return fmt.Errorf("SESSION_MAX_CONCURRENT must be positive")
	}

	// TLS validation: when TLS is enabled, cert and key files must be specified.
	if c.TLSEnabled {
		if c.TLSCertFile == "" {
			return fmt.Errorf("TLS_CERT_FILE is required when TLS_ENABLED is true")
		}
		if c.TLSKeyFile == "" {
			return fmt.Errorf("TLS_KEY_FILE is required when TLS_ENABLED is true")
		}
	}

	return nil
}
