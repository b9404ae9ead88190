package main

import (
	"context"
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
	"golang.org/x/sync/errgroup"

	"github.com/clinicq/clinicq/internal/config"
	"github.com/clinicq/clinicq/internal/domain/queue"
	"github.com/clinicq/clinicq/internal/platform/auth"
	"github.com/clinicq/clinicq/internal/platform/db"
	"github.com/clinicq/clinicq/internal/platform/events"
	"github.com/clinicq/clinicq/internal/platform/middleware"
	"github.com/clinicq/clinicq/internal/platform/webhook"
	"github.com/clinicq/clinicq/internal/platform/websocket"
	"github.com/clinicq/clinicq/migrations"
)

const version = "0.1.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "clinicq-server",
		Short:        "Clinic appointment queue API server",
		SilenceUsage: true,
	}
	root.AddCommand(serveCmd(), migrateCmd(), sweepCmd())
	return root
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the API server and background workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			migrate, _ := cmd.Flags().GetBool("migrate")
			return runServer(migrate)
		},
	}
	cmd.Flags().Bool("migrate", false, "Apply pending migrations before serving")
	return cmd
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPool(func(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool, logger zerolog.Logger) error {
				count, err := db.NewMigrator(pool, migrations.FS, logger).Up(ctx)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s).\n", count)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPool(func(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool, logger zerolog.Logger) error {
				statuses, err := db.NewMigrator(pool, migrations.FS, logger).Status(ctx)
				if err != nil {
					return fmt.Errorf("migration status: %w", err)
				}
				printStatus(cmd.OutOrStdout(), statuses)
				return nil
			})
		},
	})
	return cmd
}

func printStatus(w io.Writer, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	for _, s := range statuses {
		status, appliedAt := "pending", ""
		if s.Applied {
			status = "applied"
			if s.Modified {
				status = "modified"
			}
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

// sweepCmd runs one disruption sweep against the database and exits.
// Downstream estimates refresh on the next change to each queue.
func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Check running appointments for run-overs once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPool(func(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool, logger zerolog.Logger) error {
				det := queue.NewDetector(queue.NewRepoPG(pool), cfg.QueueSettings(), queue.SystemClock{}, nil, logger)
				n, err := det.Sweep(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d disruption(s) found.\n", n)
				return nil
			})
		},
	}
}

func withPool(fn func(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool, logger zerolog.Logger) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	ctx := context.Background()
	pool, err := db.NewPool(ctx, db.PoolConfig{URL: cfg.DatabaseURL, MaxConns: cfg.DBMaxConns, MinConns: cfg.DBMinConns})
	if err != nil {
		return err
	}
	defer pool.Close()
	return fn(ctx, cfg, pool, logger)
}

func newLogger(cfg *config.Config) zerolog.Logger {
	var w io.Writer = os.Stdout
	if cfg.IsDev() {
		w = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.Kitchen}
	}
	return zerolog.New(w).Level(cfg.Level()).With().Timestamp().Str("service", "clinicq").Logger()
}

func runServer(migrate bool) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	if err := cfg.Validate(); err != nil {
		logger.Error().Err(err).Msg("invalid configuration")
		return err
	}
	if cfg.IsDev() {
		logger.Warn().Msg("development mode: requests without a token act as an admin of every clinic")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, db.PoolConfig{URL: cfg.DatabaseURL, MaxConns: cfg.DBMaxConns, MinConns: cfg.DBMinConns})
	if err != nil {
		return err
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	if migrate {
		if _, err := db.NewMigrator(pool, migrations.FS, logger).Up(ctx); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}

	hub := websocket.NewHub(logger)
	sinks, closeSinks, err := buildSinks(ctx, cfg, hub, logger)
	if err != nil {
		return err
	}
	defer closeSinks()
	dispatcher := events.NewDispatcher(logger, sinks,
		events.WithBufferSize(cfg.EventBufferSize),
		events.WithWorkers(cfg.EventWorkers))

	settings := cfg.QueueSettings()
	repo := queue.NewRepoPG(pool)
	clock := queue.SystemClock{}

	// The recalculation queue and the service refer to each other; the
	// closure breaks the cycle.
	var svc *queue.Service
	recalc := queue.NewRecalcQueue(queue.RecalcDebounce, func(ctx context.Context, s queue.Scope) {
		svc.Recalculate(ctx, s)
	}, logger)
	estimator := queue.NewEstimator(repo, settings, clock, logger)
	detector := queue.NewDetector(repo, settings, clock, recalc, logger)
	svc = queue.NewService(repo, repo, dispatcher, estimator, detector, clock, settings, logger)

	e := newServer(cfg, logger, svc, hub, pool)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		detector.Start(gctx)
		return nil
	})
	g.Go(func() error {
		recalc.Start(gctx)
		return nil
	})
	g.Go(func() error {
		return dispatcher.Start(gctx)
	})
	g.Go(func() error {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("version", version).Msg("starting server")
		var err error
		if cfg.TLSEnabled {
			err = e.StartTLS(addr, cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			err = e.Start(addr)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return e.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("server stopped with error")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}

// buildSinks connects every configured event target. The websocket hub is
// always present.
func buildSinks(ctx context.Context, cfg *config.Config, hub *websocket.Hub, logger zerolog.Logger) ([]events.Sink, func(), error) {
	sinks := []events.Sink{hub}
	var closers []func() error
	closeAll := func() {
		for _, c := range closers {
			if err := c(); err != nil {
				logger.Warn().Err(err).Msg("closing event sink")
			}
		}
	}

	if cfg.RedisURL != "" {
		rdb, err := events.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		closers = append(closers, rdb.Close)
		sinks = append(sinks, events.NewRedisSink(rdb, cfg.RedisChannelPrefix))
	}
	if cfg.AMQPURL != "" {
		sink, err := events.DialAMQP(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		closers = append(closers, sink.Close)
		sinks = append(sinks, sink)
	}
	if cfg.WebhookURL != "" {
		var opts []webhook.Option
		if len(cfg.WebhookEvents) > 0 {
			opts = append(opts, webhook.WithEvents(cfg.WebhookEvents...))
		}
		sink, err := webhook.NewSink(cfg.WebhookURL, cfg.WebhookSecret, opts...)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("WEBHOOK_URL: %w", err)
		}
		sinks = append(sinks, sink)
	}
	return sinks, closeAll, nil
}

// newServer assembles the HTTP surface.
func newServer(cfg *config.Config, logger zerolog.Logger, svc *queue.Service, hub *websocket.Hub, prober db.Prober) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
	}))

	jwtCfg := auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		JWKSURL:    cfg.AuthJWKSURL,
		SigningKey: []byte(cfg.AuthSigningKey),
		Skipper:    auth.AuthSkipper,
	}
	if cfg.IsDev() {
		e.Use(auth.DevAuthMiddleware(jwtCfg))
	} else {
		e.Use(auth.JWTMiddleware(jwtCfg))
	}

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok", "version": version})
	})
	if prober != nil {
		e.GET("/health/db", db.HealthHandler(prober))
	}

	websocket.NewHandler(hub, cfg.CORSOrigins).RegisterRoutes(e)

	api := e.Group("/api/v1")
	api.Use(middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}))
	queue.NewHandler(svc).RegisterRoutes(api)
	return e
}
