package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/clinicware/eligibility/internal/config"
	"github.com/clinicware/eligibility/internal/domain/eligibility"
	"github.com/clinicware/eligibility/internal/platform/auth"
	"github.com/clinicware/eligibility/internal/platform/db"
	"github.com/clinicware/eligibility/internal/platform/emrsink"
	"github.com/clinicware/eligibility/internal/platform/middleware"
	"github.com/clinicware/eligibility/internal/platform/payerportal"
	"github.com/clinicware/eligibility/internal/platform/resultcache"
	"github.com/clinicware/eligibility/internal/platform/validator"
	"github.com/clinicware/eligibility/internal/platform/websocket"
	"github.com/clinicware/eligibility/migrations"
)

const version = "0.3.0"

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "eligibility-server",
		Short:        "Insurance eligibility verification API",
		SilenceUsage: true,
	}
	root.AddCommand(serveCmd())
	root.AddCommand(migrateCmd())
	root.AddCommand(checkCmd())
	return root
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server and resume in-flight checks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func newLogger(env, level string, out io.Writer) zerolog.Logger {
	if env == "development" {
		out = zerolog.ConsoleWriter{Out: out}
	}
	logger := zerolog.New(out).With().Timestamp().Logger()
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	return logger.Level(lvl)
}

func openPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	return db.NewPool(ctx, db.PoolConfig{
		URL:      cfg.DatabaseURL,
		MaxConns: cfg.DBMaxConns,
		MinConns: cfg.DBMinConns,
	})
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx := context.Background()
			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			count, err := db.NewMigrator(pool, migrations.Files, schema).Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s).\n", count)
			return nil
		},
	}
	upCmd.Flags().String("schema", "", "Target schema (default public)")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx := context.Background()
			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, migrations.Files, schema).Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			for _, s := range statuses {
				status, appliedAt := "pending", ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Fprintf(out, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("schema", "", "Target schema (default public)")
	cmd.AddCommand(statusCmd)

	return cmd
}

func checkCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Inspect stored eligibility checks",
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Print the classified state of one check",
		RunE: func(cmd *cobra.Command, args []string) error {
			clinicID, _ := cmd.Flags().GetString("clinic")
			taskID, _ := cmd.Flags().GetString("task-id")
			if taskID == "" {
				return errors.New("--task-id is required")
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if clinicID == "" {
				clinicID = cfg.DefaultClinic
			}
			ctx := context.Background()
			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			svc := eligibility.NewService(eligibility.NewCheckRepoPG(pool), zerolog.Nop())
			rec, err := svc.GetByTaskID(ctx, clinicID, taskID)
			if err != nil {
				return err
			}
			return printResolution(cmd.OutOrStdout(), eligibility.Resolve(rec))
		},
	}
	statusCmd.Flags().String("clinic", "", "Clinic id (default DEFAULT_CLINIC)")
	statusCmd.Flags().String("task-id", "", "Verification task id")
	cmd.AddCommand(statusCmd)

	return cmd
}

func printResolution(w io.Writer, r eligibility.Resolution) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

func authMiddleware(cfg *config.Config) echo.MiddlewareFunc {
	jwtCfg := auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		SigningKey: []byte(cfg.AuthSigningKey),
	}
	if cfg.IsDev() {
		return auth.Skip(auth.DevAuthMiddleware(jwtCfg))
	}
	return auth.Skip(auth.JWTMiddleware(jwtCfg))
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Env, cfg.LogLevel, os.Stdout)
	if err := cfg.Validate(); err != nil {
		logger.Error().Err(err).Msg("invalid configuration")
		return err
	}

	ctx := context.Background()
	pool, err := openPool(ctx, cfg)
	if err != nil {
		logger.Error().Err(err).Msg("failed to connect to database")
		return err
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	portal, err := payerportal.New(payerportal.Config{
		BaseURL: cfg.PayerAPIURL,
		APIKey:  cfg.PayerAPIKey,
		RPS:     cfg.PayerAPIRPS,
		Burst:   int(cfg.PayerAPIRPS) + 1,
		Timeout: 15 * time.Second,
	}, logger)
	if err != nil {
		return err
	}

	healthChecks := map[string]db.Check{}
	enricher := eligibility.CachedEnricher{Client: portal, Logger: logger}
	var cache *resultcache.Cache
	if cfg.RedisURL != "" {
		cache, err = resultcache.Open(ctx, cfg.RedisURL, cfg.ResultCacheTTL)
		if err != nil {
			logger.Error().Err(err).Msg("failed to connect to redis")
			return err
		}
		enricher.Cache = cache
		healthChecks["redis"] = cache.Ping
		logger.Info().Msg("result cache enabled")
	}

	svc := eligibility.NewService(eligibility.NewCheckRepoPG(pool), logger)
	manager := eligibility.NewManager(svc, eligibility.ManagerConfig{
		Source:        eligibility.PortalSource{Client: portal},
		Enricher:      enricher,
		Interval:      cfg.PollInterval,
		EnrichTimeout: cfg.EnrichTimeout,
	}, logger)

	hub := websocket.NewHub(logger)
	notifyHub := eligibility.HubNotifier(hub, logger)
	mediator := eligibility.NewMediator(notifyHub, logger)
	manager.Subscribe(notifyHub)
	manager.Subscribe(mediator.HandleEvent)

	var sink *emrsink.Sink
	if cfg.EMRSinkURL != "" {
		sink = emrsink.New(cfg.EMRSinkURL, cfg.EMRSinkSecret, logger)
		manager.Subscribe(eligibility.SinkNotifier(sink, logger))
		logger.Info().Str("url", cfg.EMRSinkURL).Msg("EMR write-back enabled")
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = validator.New()

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader, db.ClinicHeader},
	}))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))
	e.Use(authMiddleware(cfg))
	e.Use(db.ClinicMiddleware(cfg.DefaultClinic))

	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}

	e.GET("/health", db.HealthHandler(pool, healthChecks))
	e.GET("/api/v1/version", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"version": version})
	})

	apiV1 := e.Group("/api/v1", middleware.RateLimit(rateLimitCfg))
	eligibility.NewHandler(svc, manager, mediator, portal, logger).RegisterRoutes(apiV1.Group("/eligibility"))
	websocket.NewHandler(hub, db.ClinicFromEcho, cfg.CORSOrigins).RegisterRoutes(apiV1)

	n, err := manager.ResumeAll(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to resume in-flight checks")
	}
	if n > 0 {
		logger.Info().Int("count", n).Msg("resumed polling")
	}

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("version", version).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(sctx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	if err := manager.Shutdown(sctx); err != nil {
		logger.Error().Err(err).Msg("poller shutdown incomplete")
	}
	if sink != nil {
		if err := sink.Wait(sctx); err != nil {
			logger.Error().Err(err).Msg("pending EMR deliveries dropped")
		}
	}
	if cache != nil {
		cache.Close()
	}
	logger.Info().Msg("server stopped")
	return nil
}
