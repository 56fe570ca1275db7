package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/clinicgate/clinicgate/internal/config"
	"github.com/clinicgate/clinicgate/internal/domain/identity"
	"github.com/clinicgate/clinicgate/internal/platform/audit"
	"github.com/clinicgate/clinicgate/internal/platform/clinic"
	"github.com/clinicgate/clinicgate/internal/platform/db"
	"github.com/clinicgate/clinicgate/internal/platform/middleware"
	"github.com/clinicgate/clinicgate/internal/platform/session"
	"github.com/clinicgate/clinicgate/internal/platform/token"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "clinicgate-server",
		Short: "Clinic authentication and access-control gateway",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(sessionsCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	var dir string

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			pool, err := connectPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			count, err := db.NewMigrator(pool, dir).Up(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("Applied %d migration(s)\n", count)
			return nil
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			pool, err := connectPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, dir).Status(ctx)
			if err != nil {
				return err
			}
			for _, s := range statuses {
				state := "pending"
				if s.Applied {
					state = "applied " + s.AppliedAt.Format(time.RFC3339)
				}
				fmt.Printf("%03d %-40s %s\n", s.Version, s.Name, state)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&dir, "dir", "migrations", "Migrations directory")
	cmd.AddCommand(upCmd)
	cmd.AddCommand(statusCmd)
	return cmd
}

func sessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect and revoke live sessions",
	}

	var userFlag string

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List a user's live sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := uuid.Parse(userFlag)
			if err != nil {
				return fmt.Errorf("--user must be a user id: %w", err)
			}

			ctx := context.Background()
			store, cleanup, err := connectSessionStore(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			sessions, err := store.ListByUser(ctx, userID)
			if err != nil {
				return err
			}
			for _, s := range sessions {
				fmt.Printf("%s clinic=%s role=%s last_activity=%s ip=%s\n",
					s.ID, s.ClinicID, s.Role, s.LastActivityAt.Format(time.RFC3339), s.Device.IP)
			}
			fmt.Printf("%d live session(s)\n", len(sessions))
			return nil
		},
	}

	revokeCmd := &cobra.Command{
		Use:   "revoke",
		Short: "Revoke every session for a user and bump their token version",
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := uuid.Parse(userFlag)
			if err != nil {
				return fmt.Errorf("--user must be a user id: %w", err)
			}

			ctx := context.Background()
			pool, err := connectPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			store, cleanup, err := connectSessionStore(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			revoked, err := store.RevokeAll(ctx, userID)
			if err != nil {
				return err
			}

			users := identity.NewRepoPG(pool)
			version, err := users.BumpTokenVersion(ctx, userID)
			if err != nil {
				return err
			}

			fmt.Printf("Revoked %d session(s); token version is now %d\n", revoked, version)
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&userFlag, "user", "", "User id (UUID)")
	cmd.MarkPersistentFlagRequired("user")
	cmd.AddCommand(listCmd)
	cmd.AddCommand(revokeCmd)
	return cmd
}

func connectPool(ctx context.Context) (*pgxpool.Pool, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
}

// connectSessionStore builds the configured session store for CLI use. The
// returned cleanup closes the underlying connection.
func connectSessionStore(ctx context.Context) (session.Store, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}

	if cfg.SessionStore == "memory" {
		return nil, nil, fmt.Errorf("sessions command requires SESSION_STORE=redis; the memory store is per-process")
	}

	client, err := db.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return nil, nil, err
	}
	store := session.NewRedisStore(client, sessionPolicy(cfg))
	return store, func() { client.Close() }, nil
}

func sessionPolicy(cfg *config.Config) session.Policy {
	policy := session.DefaultPolicy()
	policy.IdleTimeout = cfg.SessionIdleTimeout()
	policy.AbsoluteTimeout = cfg.SessionAbsoluteTimeout()
	policy.MaxConcurrent = cfg.SessionMaxConcurrent
	return policy
}

func runServer() error {
	// Logger
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	// Config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	// Database
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	// Session store
	var sessions session.PolicyStore
	var redisClient *redis.Client
	switch cfg.SessionStore {
	case "redis":
		client, err := db.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer client.Close()
		redisClient = client
		sessions = session.NewRedisStore(client, sessionPolicy(cfg))
		logger.Info().Msg("connected to redis")
	default:
		sessions = session.NewMemoryStore(sessionPolicy(cfg))
		logger.Warn().Msg("using in-memory session store; sessions do not survive restarts")
	}

	// Token verification
	users := identity.NewRepoPG(pool)
	versions := token.NewVersionCache(identity.NewVersionSource(users), cfg.VersionCacheTTL())

	var keys token.KeyProvider
	if cfg.AuthJWKSURL != "" {
		keys = token.NewJWKSProvider(cfg.AuthJWKSURL, 15*time.Minute)
	} else {
		keys = token.NewHMACProvider([]byte(cfg.AuthHMACSecret))
	}
	verifier := token.NewVerifier(keys, versions, cfg.AuthIssuer, cfg.AuthAudience)
	extractor := token.NewExtractor(token.DefaultCookieOrder, token.DefaultQueryParam, cfg.QuerySafelistRoutes())

	// Audit
	auditor := audit.NewDispatcher(audit.NewRepoPG(pool), logger, cfg.AuditQueueSize)

	// Clinic subdomain corroboration
	var resolver clinic.Resolver
	if cfg.BaseDomain != "" {
		resolver = clinic.NewSubdomainResolver(cfg.BaseDomain, cfg.ClinicSlugMap())
	}

	dispatcher := middleware.NewDispatcher(extractor, verifier, sessions, auditor, resolver, logger)

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.Sanitize(logger))
	e.Use(middleware.Logger(logger))
	e.Use(middleware.BodyBuffer(0))
	e.Use(middleware.RequestTimeout(30 * time.Second))

	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	e.Use(middleware.RateLimit(rateLimitCfg))

	// Session issuance surface. Minting needs local signing material; under a
	// JWKS-only deployment tokens come from the external issuer and the login
	// exchange lives there too.
	if cfg.AuthHMACSecret != "" {
		issuer := token.NewHMACIssuer([]byte(cfg.AuthHMACSecret), cfg.AuthIssuer, cfg.AuthAudience, cfg.AccessTokenTTL())
		assertionSecret := cfg.AssertionSecret
		if assertionSecret == "" {
			assertionSecret = cfg.AuthHMACSecret
		}
		assertions := identity.NewJWTAssertionVerifier([]byte(assertionSecret), cfg.AuthIssuer, "", 5*time.Minute)
		identity.NewHandler(users, sessions, issuer, assertions, versions, auditor, logger).
			RegisterRoutes(e, dispatcher)
	} else {
		logger.Info().Msg("no local signing secret; login surface disabled, tokens verified against JWKS")
	}

	// Health checks
	e.GET("/health/live", db.LivenessHandler())
	e.GET("/health/ready", db.ReadinessHandler(pool, redisClient))

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		var err error
		if cfg.TLSEnabled {
			err = e.StartTLS(addr, cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			err = e.Start(addr)
		}
		if err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	// Flush queued audit events before exiting.
	if err := auditor.Close(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("audit flush incomplete")
	}
	logger.Info().Msg("server stopped")
	return nil
}
