package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"fileconverter/api"
	"fileconverter/config"
	"fileconverter/ratelimit"
	"fileconverter/scratch"
	"fileconverter/services"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "fileconverter: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "fileconverter",
		Short:        "Media conversion service",
		Version:      config.Version,
		SilenceUsage: true,
	}
	cmd.AddCommand(
		newServeCmd(),
		newConvertCmd(),
		newPreflightCmd(),
		newSweepCmd(),
		newMigrateCmd(),
	)
	return cmd
}

// loadConfig is shared by every subcommand.
func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, config.SetupLogger(cfg), nil
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP conversion service",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, logger)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	logger.Info("Starting file conversion service", slog.String("version", config.Version))

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	_ = a.preflight(ctx)

	a.pool.Start()

	var limiter ratelimit.Limiter
	if cfg.RateLimitBackend == "redis" {
		limiter = ratelimit.NewRedisLimiter(a.redis, cfg.RedisPrefix, cfg.RateLimitPerMinute, time.Minute, logger)
	} else {
		window := ratelimit.NewWindow(cfg.RateLimitPerMinute, ratelimit.WithLogger(logger))
		window.Start(ctx, time.Minute)
		defer window.Stop()
		limiter = window
	}

	sweeper := scratch.NewSweeper(a.scratch, a.jobs, cfg.Retention(), cfg.CleanupInterval, logger)
	sweeper.Start(ctx)
	defer sweeper.Stop()

	var deps api.DependencyChecker
	if dh := a.dephealth(ctx); dh != nil {
		deps = dh
	}

	router := api.NewRouter(api.RouterConfig{
		Handler: api.NewHandler(a.pool, a.formats, "/download/", logger),
		Health:  api.NewHealthHandler(a.ffmpeg, deps, a.pool),
		Limiter: limiter,
		Global:  ratelimit.NewGlobal(cfg.GlobalRPS, cfg.GlobalBurst),
		Logger:  logger,

		TrustProxyHeaders: cfg.TrustProxyHeaders,
	})

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening",
			slog.String("addr", srv.Addr),
			slog.Int("workers", cfg.MaxConcurrent),
			slog.String("rate_limit_backend", cfg.RateLimitBackend),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case serveErr = <-errCh:
		logger.Error("HTTP server failed", slog.String("error", serveErr.Error()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown incomplete", slog.String("error", err.Error()))
	}
	if err := a.pool.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Conversion pool did not drain in time", slog.String("error", err.Error()))
	}

	logger.Info("File conversion service stopped")
	return serveErr
}

func newPreflightCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "preflight",
		Short: "Check that the encoder binary is usable",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			ffmpeg := services.NewFFmpegService(cfg.FFmpegPath, logger)
			version, err := ffmpeg.Verify(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), version)
			return nil
		},
	}
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return errors.New("no database configured: set DATABASE_URL or DB_HOST")
			}
			return services.Migrate(cfg.DatabaseURL, logger)
		},
	}
}

func newSweepCmd() *cobra.Command {
	var maxAge time.Duration
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Remove expired uploads and artifacts once",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			if maxAge <= 0 {
				maxAge = cfg.Retention()
			}
			sc, err := scratch.New(cfg.TempDir, 0)
			if err != nil {
				return err
			}
			res := scratch.NewSweeper(sc, nil, maxAge, cfg.CleanupInterval, logger).RunOnce()
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d uploads, %d artifacts (%d errors) in %s\n",
				res.Uploads, res.Outputs, res.Errors, res.Duration.Round(time.Millisecond))
			return nil
		},
	}
	cmd.Flags().DurationVar(&maxAge, "max-age", 0, "Override UPLOAD_RETENTION_HOURS")
	return cmd
}
