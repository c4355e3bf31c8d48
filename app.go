package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"fileconverter/config"
	"fileconverter/models"
	"fileconverter/scratch"
	"fileconverter/services"
	"fileconverter/store"
	"fileconverter/worker"
)

// app holds everything that serve and convert share.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	ffmpeg    *services.FFmpegService
	gotenberg *services.GotenbergService
	redis     *redis.Client
	db        *services.DatabaseService
	s3        *services.S3Service
	scanner   *services.ScannerService

	formats *models.FormatTable
	jobs    *store.JobStore
	scratch *scratch.Store
	pool    *worker.Pool

	closers []func()
}

// newApp connects every configured dependency. Optional dependencies that
// fail to connect are logged and left disabled; only local storage errors
// are fatal.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{
		cfg:    cfg,
		logger: logger,
		ffmpeg: services.NewFFmpegService(cfg.FFmpegPath, logger),
	}

	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			if cfg.RateLimitBackend == "redis" {
				return nil, fmt.Errorf("failed to connect to Redis: %w", err)
			}
			logger.Warn("Redis unavailable, status mirror disabled", slog.String("error", err.Error()))
		} else {
			logger.Info("Connected to Redis", slog.String("addr", cfg.RedisAddr))
			a.redis = client
			a.closers = append(a.closers, func() { _ = client.Close() })
		}
	}

	if cfg.DatabaseURL != "" {
		if err := services.Migrate(cfg.DatabaseURL, logger); err != nil {
			logger.Warn("Database migration failed, job history disabled", slog.String("error", err.Error()))
		} else if db, err := services.NewDatabaseService(ctx, cfg.DatabaseURL, logger); err != nil {
			logger.Warn("Database unavailable, job history disabled", slog.String("error", err.Error()))
		} else {
			a.db = db
			a.closers = append(a.closers, func() { _ = db.Close() })
		}
	}

	if cfg.S3Bucket != "" {
		s3svc, err := services.NewS3Service(cfg, logger)
		if err != nil {
			logger.Warn("S3 unavailable, artifacts stay local", slog.String("error", err.Error()))
		} else {
			a.s3 = s3svc
		}
	}

	if cfg.GotenbergURL != "" {
		a.gotenberg = services.NewGotenbergService(cfg.GotenbergURL, cfg.GotenbergPDFA, logger)
	}

	if cfg.ScanUploads {
		scanner, err := services.NewScannerService(cfg.ClamdAddress, logger)
		if err != nil {
			// SCAN_UPLOADS requires a reachable clamd.
			a.Close()
			return nil, err
		}
		a.scanner = scanner
	}

	var maxSize int64
	if cfg.ValidateFileSize {
		maxSize = cfg.MaxFileSize
	}
	sc, err := scratch.New(cfg.TempDir, maxSize)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.scratch = sc
	a.formats = models.NewFormatTable(cfg.AllowedFormats, a.gotenberg != nil)
	a.jobs = store.NewJobStore(cfg.MaxFinishedJobs, cfg.Retention())

	pool, err := worker.NewPool(a.jobs, a.scratch, a.poolOptions())
	if err != nil {
		a.Close()
		return nil, err
	}
	a.pool = pool
	return a, nil
}

func (a *app) poolOptions() worker.Options {
	opts := worker.Options{
		Workers:           a.cfg.MaxConcurrent,
		QueueCapacity:     a.cfg.QueueCapacity,
		Timeout:           a.cfg.Timeout(),
		Formats:           a.formats,
		Encoder:           a.ffmpeg,
		SanitizeFilenames: a.cfg.SanitizeFilenames,
		Logger:            a.logger,
	}
	if a.gotenberg != nil {
		opts.Documents = a.gotenberg
	}
	if a.redis != nil {
		mirror := services.NewRedisStatusMirror(a.redis, a.cfg.RedisPrefix, a.cfg.Retention(), a.logger)
		opts.Recorders = append(opts.Recorders, mirror)
		opts.Lookups = append(opts.Lookups, mirror)
	}
	if a.db != nil {
		opts.Recorders = append(opts.Recorders, a.db)
		opts.Lookups = append(opts.Lookups, a.db)
	}
	if a.s3 != nil {
		opts.Artifacts = a.s3
	}
	if a.scanner != nil {
		opts.Scanner = a.scanner
	}
	return opts
}

// preflight logs the encoder version. A missing encoder is reported but
// does not stop startup; readiness stays failed until it appears.
func (a *app) preflight(ctx context.Context) error {
	version, err := a.ffmpeg.Verify(ctx)
	if err != nil {
		a.logger.Error("Encoder preflight failed",
			slog.String("path", a.ffmpeg.Path()),
			slog.String("error", err.Error()),
		)
		return err
	}
	a.logger.Info("Encoder available", slog.String("path", a.ffmpeg.Path()), slog.String("version", version))
	return nil
}

// dephealth starts dependency checks when there is something to check.
// The returned service is nil otherwise.
func (a *app) dephealth(ctx context.Context) *services.DephealthService {
	dcfg := services.DephealthConfig{
		ServiceID:    "fileconverter",
		Group:        "conversion",
		Interval:     a.cfg.DephealthInterval,
		DatabaseURL:  a.cfg.DatabaseURL,
		GotenbergURL: a.cfg.GotenbergURL,
	}
	if a.db != nil {
		dcfg.DB = a.db.DB()
	}

	dh, err := services.NewDephealthService(dcfg, a.logger)
	if err != nil {
		if !errors.Is(err, services.ErrNoDependencies) {
			a.logger.Warn("Dependency monitoring disabled", slog.String("error", err.Error()))
		}
		return nil
	}
	if err := dh.Start(ctx); err != nil {
		a.logger.Warn("Dependency monitoring failed to start", slog.String("error", err.Error()))
		return nil
	}
	a.closers = append(a.closers, dh.Stop)
	return dh
}

// Close releases dependencies in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
