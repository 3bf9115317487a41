package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/labinterface/internal/clinical"
	"github.com/ehr/labinterface/internal/config"
	"github.com/ehr/labinterface/internal/intake"
	"github.com/ehr/labinterface/internal/laborur"
	"github.com/ehr/labinterface/internal/platform/auth"
	"github.com/ehr/labinterface/internal/platform/db"
	"github.com/ehr/labinterface/internal/platform/hl7v2"
	"github.com/ehr/labinterface/internal/platform/middleware"
	"github.com/ehr/labinterface/internal/queue"
	"github.com/ehr/labinterface/internal/resolver"
)

const appName = "lab-interface"

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          appName,
		Short:        "HL7 v2 lab result interface",
		SilenceUsage: true,
	}
	root.AddCommand(serveCmd())
	root.AddCommand(drainCmd())
	root.AddCommand(normalizeCmd())
	root.AddCommand(migrateCmd())
	return root
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the intake API, the queue drainer and the MLLP listener",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func drainCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "drain",
		Short: "Process the lab message queue once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.close()

			stats, err := a.proc.Drain(ctx)
			fmt.Fprintf(cmd.OutOrStdout(), "processed=%d delegated=%d failed=%d duration=%s\n",
				stats.Processed, stats.Delegated, stats.Failed, stats.Duration)
			return err
		},
	}
}

func normalizeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "normalize",
		Short: "Read a message from stdin and print it after the rule chain",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			raw, err := io.ReadAll(cmd.InOrStdin())
			if err != nil {
				return fmt.Errorf("read message: %w", err)
			}
			ctx := cmd.Context()
			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.close()

			chain, err := a.proc.Chain(ctx)
			if err != nil {
				return err
			}
			out := chain.Normalize(hl7v2.NormalizeLineEndings(string(raw)))
			fmt.Fprintln(cmd.OutOrStdout(), strings.ReplaceAll(strings.TrimRight(out, "\r"), "\r", "\n"))
			return nil
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
			migrator, pool, err := openMigrator(cmd)
			if err != nil {
				return err
			}
			defer pool.Close()

			count, err := migrator.Up(cmd.Context())
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("schema", "public", "Target schema for migrations")
	upCmd.Flags().String("dir", "", "Path to migrations directory (defaults to MIGRATIONS_DIR)")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			migrator, pool, err := openMigrator(cmd)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := migrator.Status(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Fprintln(out, "---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
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
	statusCmd.Flags().String("schema", "public", "Target schema for migrations")
	statusCmd.Flags().String("dir", "", "Path to migrations directory (defaults to MIGRATIONS_DIR)")
	cmd.AddCommand(statusCmd)

	return cmd
}

func openMigrator(cmd *cobra.Command) (*db.Migrator, *pgxpool.Pool, error) {
	schema, _ := cmd.Flags().GetString("schema")
	dir, _ := cmd.Flags().GetString("dir")

	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if dir == "" {
		dir = cfg.MigrationsDir
	}
	pool, err := db.NewPool(cmd.Context(), cfg.DatabaseURL, poolOptions(cfg))
	if err != nil {
		return nil, nil, err
	}
	return db.NewMigrator(pool, dir, schema), pool, nil
}

func loadConfig() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	if err := cfg.Validate(); err != nil {
		return nil, zerolog.Nop(), err
	}
	return cfg, newLogger(cfg, os.Stdout), nil
}

func newLogger(cfg *config.Config, out io.Writer) zerolog.Logger {
	if cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: out}).With().Timestamp().Logger()
	}
	return zerolog.New(out).With().Timestamp().Logger()
}

func poolOptions(cfg *config.Config) db.PoolOptions {
	return db.PoolOptions{
		MaxConns: cfg.DBMaxConns,
		MinConns: cfg.DBMinConns,
		AppName:  appName,
	}
}

func interpreterOptions(cfg *config.Config) (laborur.Options, error) {
	loc, err := cfg.Location()
	if err != nil {
		return laborur.Options{}, err
	}
	opts := laborur.DefaultOptions()
	opts.AllowedSenders = cfg.AllowedSenders
	opts.IgnoredOrderConcepts = cfg.IgnoredOrderConcepts
	opts.HealthCenterAttribute = cfg.HealthCenterAttribute
	opts.TrueConceptID = cfg.TrueConceptID
	opts.FalseConceptID = cfg.FalseConceptID
	opts.Location = loc
	return opts, nil
}

// clientKey rate limits each authenticated caller per remote address.
func clientKey(c echo.Context) string {
	ctx := c.Request().Context()
	who := auth.SenderFromContext(ctx)
	if who == "" {
		who = auth.SubjectFromContext(ctx)
	}
	return who + "@" + c.RealIP()
}

// app holds the wiring shared by serve, drain and normalize.
type app struct {
	pool  *pgxpool.Pool
	redis *redis.Client
	store queue.Store
	proc  *queue.Processor
}

func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	opts, err := interpreterOptions(cfg)
	if err != nil {
		return nil, err
	}

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, poolOptions(cfg))
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	a := &app{pool: pool}

	switch cfg.QueueBackend {
	case config.QueueRedis:
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		a.redis = redis.NewClient(redisOpts)
		if err := a.redis.Ping(ctx).Err(); err != nil {
			a.close()
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		a.store = queue.NewRedisStore(a.redis, cfg.RedisQueueKey)
	default:
		a.store = queue.NewPGStore(pool)
	}

	repo := clinical.NewRepo(pool)
	res := resolver.New(resolver.FromRepository(repo), cfg.LocalConceptSource, logger)
	interp := laborur.New(repo, res, queue.NewForwarder(pool), opts, logger.With().Str("component", "oru-r01").Logger())
	a.proc = queue.NewProcessor(a.store, repo, interp, db.NewTxRunner(pool), logger)
	return a, nil
}

func (a *app) close() {
	if a.redis != nil {
		a.redis.Close()
	}
	a.pool.Close()
}

func runServer() error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to start lab interface")
	}
	defer a.close()
	logger.Info().Str("queue", cfg.QueueBackend).Msg("connected to database")

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.BodyLimit(cfg.BodyLimit))

	if cfg.IsDev() {
		e.Use(auth.DevAuthMiddleware())
	} else {
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			SigningKey: []byte(cfg.AuthSigningKey),
			Skipper:    auth.AuthSkipper,
		}))
	}

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/health/db", db.HealthHandler(a.pool, func() *db.PoolStats { return db.GetPoolStats(a.pool) }))

	apiV1 := e.Group("/api/v1", middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
		Key:               clientKey,
	}))
	intake.NewHandler(a.store, a.proc, logger).RegisterRoutes(apiV1)

	go a.proc.Run(ctx, cfg.DrainInterval)

	var mllp *hl7v2.MLLPServer
	if cfg.MLLPAddr != "" {
		mllp = hl7v2.NewMLLPServer(cfg.MLLPAddr, intake.MLLPHandler(a.store, logger), logger)
		if err := mllp.Start(); err != nil {
			logger.Fatal().Err(err).Str("addr", cfg.MLLPAddr).Msg("failed to start MLLP listener")
		}
		logger.Info().Str("addr", mllp.Addr()).Msg("MLLP listener started")
	}

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
	stop()
	if mllp != nil {
		if err := mllp.Stop(); err != nil {
			logger.Error().Err(err).Msg("MLLP listener shutdown failed")
		}
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}
