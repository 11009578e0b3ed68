package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/hospital/hms/internal/config"
	"github.com/hospital/hms/internal/domain/notification"
	"github.com/hospital/hms/internal/domain/permission"
	"github.com/hospital/hms/internal/jobs"
	"github.com/hospital/hms/internal/platform/auth"
	"github.com/hospital/hms/internal/platform/cache"
	"github.com/hospital/hms/internal/platform/db"
	"github.com/hospital/hms/internal/platform/middleware"
	"github.com/hospital/hms/internal/platform/telemetry"
	"github.com/hospital/hms/internal/platform/validation"
	"github.com/hospital/hms/internal/platform/websocket"
	"github.com/hospital/hms/migrations"
)

const version = "0.1.0"

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "hms-server",
		Short:        "Hospital permission and notification service",
		SilenceUsage: true,
	}
	root.AddCommand(serveCmd())
	root.AddCommand(workerCmd())
	root.AddCommand(migrateCmd())
	root.AddCommand(grantsCmd())
	root.AddCommand(purgeCmd())
	root.AddCommand(tokenCmd())
	root.AddCommand(watchCmd())
	return root
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run background notification jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker()
		},
	}
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
			target, _ := cmd.Flags().GetInt("to")
			return withMigrator(cmd.Context(), func(ctx context.Context, m *db.Migrator) error {
				var (
					count int
					err   error
				)
				if target > 0 {
					count, err = m.UpTo(ctx, target)
				} else {
					count, err = m.Up(ctx)
				}
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Printf("Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	}
	upCmd.Flags().Int("to", 0, "Stop after this version (0 applies everything)")
	cmd.AddCommand(upCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd.Context(), func(ctx context.Context, m *db.Migrator) error {
				statuses, err := m.Status(ctx)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
				fmt.Println("---------- ---------------------------------------- ---------- --------------------")
				for _, s := range statuses {
					status := "pending"
					appliedAt := ""
					if s.Applied {
						status = "applied"
						if s.AppliedAt != nil {
							appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
						}
					}
					fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
				}
				return nil
			})
		},
	})
	return cmd
}

func withMigrator(ctx context.Context, fn func(context.Context, *db.Migrator) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return err
	}
	defer pool.Close()
	return fn(ctx, db.NewMigrator(pool, migrations.FS))
}

// withSkipper applies mw only to requests skip rejects.
func withSkipper(skip func(echo.Context) bool, mw echo.MiddlewareFunc) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		wrapped := mw(next)
		return func(c echo.Context) error {
			if skip(c) {
				return next(c)
			}
			return wrapped(c)
		}
	}
}

// devSkipper extends auth.AuthSkipper in development: browser push channel
// upgrades that carry no credentials are identified by their query
// parameters alone.
func devSkipper(c echo.Context) bool {
	if auth.AuthSkipper(c) {
		return true
	}
	req := c.Request()
	return req.URL.Path == "/ws" &&
		req.Header.Get("Authorization") == "" &&
		req.Header.Get(auth.HeaderUserID) == "" &&
		c.QueryParam("access_token") == ""
}

func authMiddleware(cfg *config.Config) echo.MiddlewareFunc {
	var jwtMW echo.MiddlewareFunc
	if cfg.AuthSigningKey != "" {
		jwtMW = auth.JWTMiddleware(jwtConfig(cfg))
	}
	if cfg.IsDev() {
		return withSkipper(devSkipper, auth.DevAuthMiddleware(jwtMW))
	}
	jc := jwtConfig(cfg)
	jc.Skipper = auth.AuthSkipper
	return auth.JWTMiddleware(jc)
}

func jwtConfig(cfg *config.Config) auth.JWTConfig {
	return auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		SigningKey: []byte(cfg.AuthSigningKey),
	}
}

// connectRedis returns nil when REDIS_URL is unset.
func connectRedis(ctx context.Context, cfg *config.Config) (*redis.Client, error) {
	if cfg.RedisURL == "" {
		return nil, nil
	}
	return cache.New(ctx, cfg.RedisURL)
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger := newLogger(cfg.Env)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	rdb, err := connectRedis(ctx, cfg)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	if rdb != nil {
		defer rdb.Close()
		logger.Info().Msg("connected to redis")
	} else {
		logger.Warn().Msg("REDIS_URL not set: grant cache, multi-instance push and async delivery are disabled")
	}

	metrics := telemetry.NewMetrics()
	hub := websocket.NewHub(logger, metrics)

	var publisher websocket.EventPublisher = hub
	var enqueuer notification.Enqueuer
	if rdb != nil {
		publisher = websocket.NewRedisPublisher(rdb, websocket.DefaultChannel)
		go func() {
			if err := websocket.Relay(ctx, rdb, websocket.DefaultChannel, hub, logger, nil); err != nil {
				logger.Error().Err(err).Msg("websocket relay stopped")
			}
		}()

		jobClient := jobs.NewClient(jobs.RedisOpt(rdb.Options()))
		defer jobClient.Close()
		enqueuer = jobClient
	}

	permOpts := []permission.ServiceOption{
		permission.WithPublisher(publisher),
		permission.WithMetrics(metrics),
		permission.WithLogger(logger),
	}
	if rdb != nil {
		permOpts = append(permOpts, permission.WithCache(rdb, cfg.GrantCacheTTL))
	}
	permSvc := permission.NewService(permission.NewGrantRepoPG(pool), permOpts...)
	notifSvc := notification.NewService(notification.NewRepoPG(pool), publisher, metrics, logger)

	e := newEcho(cfg, logger, metrics)

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok", "version": version})
	})
	e.GET("/health/db", db.HealthHandler(pool, rdb))
	e.GET("/metrics", metrics.Handler())

	websocket.NewWebSocketHandler(hub,
		websocket.WithAllowedOrigins(cfg.CORSOrigins),
		websocket.WithPingInterval(cfg.WSPingInterval),
		websocket.WithLogger(logger),
	).RegisterRoutes(e)

	apiV1 := e.Group("/api/v1")
	permission.NewHandler(permSvc).RegisterRoutes(apiV1)
	notification.NewHandler(notifSvc, permSvc, enqueuer).RegisterRoutes(apiV1)

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("env", cfg.Env).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	logger.Info().Msg("server stopped")
	return nil
}

// newEcho builds the server with the global middleware chain.
func newEcho(cfg *config.Config, logger zerolog.Logger, metrics *telemetry.Metrics) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = validation.NewEchoValidator()

	e.Use(middleware.Recovery(logger, metrics.PanicRecovered))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(metrics.Middleware())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader, auth.HeaderUserID, auth.HeaderUserRole},
	}))
	e.Use(middleware.SecurityHeaders(cfg.IsProduction()))
	e.Use(authMiddleware(cfg))
	e.Use(middleware.RateLimit(middleware.RateLimitConfig{
		Requests: cfg.RateLimitRequests,
		Window:   cfg.RateLimitWindow,
	}))
	e.Use(middleware.Audit(logger))
	return e
}

func runWorker() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.RedisURL == "" {
		return errors.New("REDIS_URL is required for the worker")
	}
	logger := newLogger(cfg.Env)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	rdb, err := cache.New(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer rdb.Close()

	notifSvc := notification.NewService(
		notification.NewRepoPG(pool),
		websocket.NewRedisPublisher(rdb, websocket.DefaultChannel),
		nil,
		logger,
	)

	purgeSpec := cfg.PurgeCron
	if cfg.NotificationRetention <= 0 {
		purgeSpec = ""
		logger.Info().Msg("NOTIFICATION_RETENTION is 0: purge disabled")
	}
	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: jobs.RedisOpt(rdb.Options()),
		Logger:    logger,
		Handlers:  jobs.NewHandlers(notifSvc, logger),
		PurgeSpec: purgeSpec,
		Retention: cfg.NotificationRetention,
	})
	if err != nil {
		return err
	}
	return worker.Run(ctx)
}
