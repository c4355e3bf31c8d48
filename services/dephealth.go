package services

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/BigKAA/topologymetrics/sdk-go/dephealth"
	_ "github.com/BigKAA/topologymetrics/sdk-go/dephealth/checks/httpcheck" // registers the HTTP checker factory
	"github.com/BigKAA/topologymetrics/sdk-go/dephealth/checks/pgcheck"
)

var ErrNoDependencies = errors.New("no dependencies to monitor")

type DephealthConfig struct {
	ServiceID string
	Group     string
	Interval  time.Duration

	// DB and DatabaseURL enable the PostgreSQL check. DatabaseURL is used
	// for labels only and must be in URL form.
	DB          *sql.DB
	DatabaseURL string

	GotenbergURL string
}

// DephealthService periodically checks external dependencies and exports
// their state as metrics.
type DephealthService struct {
	dh     *dephealth.DepHealth
	deps   []string
	logger *slog.Logger
}

func NewDephealthService(cfg DephealthConfig, logger *slog.Logger) (*DephealthService, error) {
	return newDephealthService(cfg, logger)
}

func newDephealthService(cfg DephealthConfig, logger *slog.Logger, extraOpts ...dephealth.Option) (*DephealthService, error) {
	opts := []dephealth.Option{dephealth.WithLogger(logger)}
	var deps []string

	if cfg.DB != nil && isURL(cfg.DatabaseURL) {
		opts = append(opts, dephealth.AddDependency("postgresql", dephealth.TypePostgres,
			pgcheck.New(pgcheck.WithDB(cfg.DB)),
			dephealth.FromURL(cfg.DatabaseURL),
			dephealth.CheckInterval(cfg.Interval),
			dephealth.Critical(false),
		))
		deps = append(deps, "postgresql")
	} else if cfg.DB != nil {
		logger.Warn("Database DSN is not a URL, skipping postgresql health check")
	}

	if cfg.GotenbergURL != "" {
		opts = append(opts, dephealth.HTTP("gotenberg",
			dephealth.FromURL(cfg.GotenbergURL),
			dephealth.WithHTTPHealthPath("/health"),
			dephealth.CheckInterval(cfg.Interval),
			dephealth.Critical(false),
		))
		deps = append(deps, "gotenberg")
	}

	if len(deps) == 0 {
		return nil, ErrNoDependencies
	}
	opts = append(opts, extraOpts...)

	dh, err := dephealth.New(cfg.ServiceID, cfg.Group, opts...)
	if err != nil {
		return nil, err
	}

	return &DephealthService{
		dh:     dh,
		deps:   deps,
		logger: logger.With(slog.String("component", "dephealth")),
	}, nil
}

func (ds *DephealthService) Start(ctx context.Context) error {
	ds.logger.Info("Dependency monitoring started", slog.String("dependencies", strings.Join(ds.deps, ",")))
	return ds.dh.Start(ctx)
}

func (ds *DephealthService) Stop() {
	ds.dh.Stop()
	ds.logger.Info("Dependency monitoring stopped")
}

// Health reports the latest state per dependency. Keys have the form
// "dependency:host:port".
func (ds *DephealthService) Health() map[string]bool {
	return ds.dh.Health()
}

// Healthy reports whether every endpoint of the named dependency is up.
// Dependencies that have not been checked yet count as unhealthy.
func (ds *DephealthService) Healthy(name string) bool {
	seen := false
	for key, ok := range ds.dh.Health() {
		if key != name && !strings.HasPrefix(key, name+":") {
			continue
		}
		if !ok {
			return false
		}
		seen = true
	}
	return seen
}

func isURL(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && u.Scheme != "" && u.Host != ""
}
