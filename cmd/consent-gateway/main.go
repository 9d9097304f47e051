package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/consentgate/internal/config"
	"github.com/ehr/consentgate/internal/domain/audit"
	"github.com/ehr/consentgate/internal/domain/consent"
	"github.com/ehr/consentgate/internal/domain/enforcement"
	"github.com/ehr/consentgate/internal/domain/organization"
	"github.com/ehr/consentgate/internal/platform/auth"
	"github.com/ehr/consentgate/internal/platform/consenttoken"
	"github.com/ehr/consentgate/internal/platform/db"
	"github.com/ehr/consentgate/internal/platform/middleware"
	"github.com/ehr/consentgate/internal/platform/notification"
	"github.com/ehr/consentgate/internal/platform/telemetry"
	"github.com/ehr/consentgate/internal/platform/throttle"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:   "consent-gateway",
		Short: "Consent-based access gateway for patient records",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(keygenCmd())
	rootCmd.AddCommand(sessionTokenCmd())
	rootCmd.AddCommand(orgCmd())
	rootCmd.AddCommand(apiKeyCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func runServer() error {
	logger := newLogger(os.Getenv("ENV"))

	// Config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	// Database
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	// Telemetry
	tel, err := telemetry.Setup(ctx, telemetry.Config{
		ServiceVersion: version,
		Environment:    cfg.Env,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		Insecure:       cfg.OTLPInsecure,
		SampleRate:     cfg.TraceSampleRate,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to set up telemetry")
	}

	// Consent token keyring
	keys, err := buildKeyring(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build consent token keyring")
	}
	defer keys.Close()
	codec := consenttoken.NewCodec(keys, consenttoken.Config{Issuer: cfg.ConsentTokenIssuer})

	authKey, generated, err := cfg.AuthKey()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to resolve session signing key")
	}
	if generated {
		logger.Warn().Msg("AUTH_SIGNING_KEY not set; using an ephemeral key, session tokens will not survive a restart")
	}
	jwtCfg := auth.JWTConfig{Issuer: cfg.AuthIssuer, SigningKey: authKey}

	// Repositories
	grantRepo := consent.NewGrantRepo(pool)
	tokenRepo := consent.NewTokenRepo(pool)
	orgRepo := organization.NewRepo(pool)
	apiKeys := auth.NewAPIKeyManager(auth.NewAPIKeyStorePG(pool), logger)

	consentSvc := consent.NewService(grantRepo, tokenRepo, db.NewTransactor(pool), codec, logger)

	// Throttle store shared by the emergency limiter and the API rate limiter
	limiter, closeLimiter, err := newThrottle(ctx, cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to redis")
	}
	defer closeLimiter()
	if cfg.RedisURL != "" {
		logger.Info().Msg("rate limits backed by redis")
	}

	// Patient notices
	var sender notification.Sender = notification.LogSender{Logger: logger.With().Str("component", "notification").Logger()}
	if cfg.NotificationWebhookURL != "" {
		sender = notification.NewWebhookSender(cfg.NotificationWebhookURL)
	}
	dispatcher := notification.NewDispatcher(sender, notification.Config{}, logger)

	// Audit trail
	recorderOpts := []audit.RecorderOption{
		audit.WithPrimaryTimeout(cfg.AuditTimeout),
		audit.WithMirrorFailureHook(tel.RecordMirrorFailure),
	}
	if cfg.AuditMirrorDatabaseURL != "" {
		mirror, err := audit.OpenSQLMirror(ctx, cfg.AuditMirrorDatabaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to audit mirror database")
		}
		defer mirror.Close()
		recorderOpts = append(recorderOpts, audit.WithMirror(mirror))
		logger.Info().Msg("audit events mirrored as FHIR AuditEvent")
	}
	auditRepo := audit.NewRepo(pool)
	recorder := audit.NewRecorder(auditRepo, logger, recorderOpts...)

	// Enforcement
	engine := enforcement.NewEngine(codec, grantRepo, tokenRepo, logger,
		enforcement.WithTelemetry(tel),
		enforcement.WithLookupTimeout(cfg.LookupTimeout),
		enforcement.WithEmergencyAccess(orgRepo, limiter, dispatcher, cfg.EmergencyMaxPerHour),
	)
	var records enforcement.RecordFetcher
	if cfg.ClinicalStoreURL != "" {
		records = enforcement.NewFHIRRecordClient(cfg.ClinicalStoreURL, cfg.LookupTimeout)
	}

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(tel.TracingMiddleware())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader, auth.APIKeyHeader},
	}))

	apiV1 := e.Group("/api/v1")

	// Patients manage their own consents.
	consent.NewHandler(consentSvc).RegisterRoutes(apiV1,
		auth.JWTMiddleware(jwtCfg), auth.RequireRole(auth.RolePatient))

	// Requesting organizations authenticate with API keys.
	rateLimit := middleware.RateLimit(limiter, middleware.RateLimitConfig{
		Requests: cfg.RateLimitRequests,
		Window:   cfg.RateLimitWindow,
	}, logger)
	enforcement.NewHandler(engine, recorder, records, logger).RegisterRoutes(apiV1,
		auth.APIKeyMiddleware(apiKeys), rateLimit)

	// Operators
	admin := apiV1.Group("/admin", auth.JWTMiddleware(jwtCfg), auth.RequireRole(auth.RoleAdmin))
	audit.NewHandler(auditRepo).RegisterRoutes(admin)
	notification.NewHandler(dispatcher).RegisterRoutes(admin)

	// Health check
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok", "version": version})
	})
	e.GET("/health/db", db.HealthHandler(pool))

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
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
	consentSvc.Wait()
	dispatcher.Close()
	if err := tel.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("telemetry shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}

// buildKeyring assembles the consent token keyring from config. A generated
// development key is logged loudly: tokens it signs die with the process.
func buildKeyring(cfg *config.Config, logger zerolog.Logger) (*consenttoken.Keyring, error) {
	key, generated, err := cfg.ConsentKey()
	if err != nil {
		return nil, err
	}
	if generated {
		logger.Warn().Msg("CONSENT_SIGNING_KEY not set; using an ephemeral key, issued consent tokens will not survive a restart")
	}
	legacy, err := cfg.LegacyConsentKeys()
	if err != nil {
		return nil, err
	}
	return consenttoken.NewKeyring(cfg.ConsentSigningKeyID, key, legacy)
}

// newThrottle returns a Redis-backed store when redisURL is set, otherwise
// a process-local one.
func newThrottle(ctx context.Context, redisURL string) (throttle.Store, func(), error) {
	if redisURL == "" {
		return throttle.NewMemory(throttle.MemoryConfig{}), func() {}, nil
	}
	r, err := throttle.NewRedisFromURL(ctx, redisURL, "consentgate:")
	if err != nil {
		return nil, nil, fmt.Errorf("redis throttle: %w", err)
	}
	return r, func() { _ = r.Close() }, nil
}
