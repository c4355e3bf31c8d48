package scratch

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sweepRunsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fileconverter_retention_runs_total",
		Help: "Retention sweep runs.",
	})

	sweepRemovedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fileconverter_retention_removed_total",
		Help: "Files and job records removed by the retention sweep.",
	}, []string{"kind"})

	sweepDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fileconverter_retention_duration_seconds",
		Help:    "Retention sweep duration.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
	})
)

// JobSweeper drops expired job records.
type JobSweeper interface {
	Sweep() int
}

type SweepResult struct {
	Uploads  int
	Outputs  int
	Jobs     int
	Errors   int
	Duration time.Duration
}

// Sweeper deletes scratch files whose mtime is older than maxAge and, when
// configured, expired job records.
type Sweeper struct {
	store    *Store
	jobs     JobSweeper
	maxAge   time.Duration
	interval time.Duration
	now      func() time.Time
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewSweeper(store *Store, jobs JobSweeper, maxAge, interval time.Duration, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		store:    store,
		jobs:     jobs,
		maxAge:   maxAge,
		interval: interval,
		now:      time.Now,
		logger:   logger.With(slog.String("component", "retention")),
	}
}

// Start runs one sweep immediately and then every interval.
func (s *Sweeper) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.run(ctx)

	s.logger.Info("Retention sweep started",
		slog.String("interval", s.interval.String()),
		slog.String("max_age", s.maxAge.String()),
	)
}

func (s *Sweeper) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.logger.Info("Retention sweep stopped")
}

func (s *Sweeper) run(ctx context.Context) {
	defer close(s.done)
	s.RunOnce()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce()
		}
	}
}

// RunOnce performs a single sweep. Concurrent calls are serialized.
func (s *Sweeper) RunOnce() SweepResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	cutoff := s.now().Add(-s.maxAge)

	var result SweepResult
	var errs int
	result.Uploads, errs = s.sweepDir(s.store.UploadDir(), cutoff)
	result.Errors += errs
	result.Outputs, errs = s.sweepDir(s.store.OutputDir(), cutoff)
	result.Errors += errs
	if s.jobs != nil {
		result.Jobs = s.jobs.Sweep()
	}
	result.Duration = time.Since(start)

	sweepRunsTotal.Inc()
	sweepRemovedTotal.WithLabelValues("upload").Add(float64(result.Uploads))
	sweepRemovedTotal.WithLabelValues("output").Add(float64(result.Outputs))
	sweepRemovedTotal.WithLabelValues("job").Add(float64(result.Jobs))
	sweepDurationSeconds.Observe(result.Duration.Seconds())

	s.logger.Info("Retention sweep finished",
		slog.Int("uploads", result.Uploads),
		slog.Int("outputs", result.Outputs),
		slog.Int("jobs", result.Jobs),
		slog.Int("errors", result.Errors),
		slog.Duration("duration", result.Duration),
	)
	return result
}

func (s *Sweeper) sweepDir(dir string, cutoff time.Time) (removed, errs int) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		s.logger.Error("Failed to list scratch directory",
			slog.String("dir", dir),
			slog.String("error", err.Error()),
		)
		return 0, 1
	}
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.logger.Error("Failed to remove expired file",
				slog.String("path", path),
				slog.String("error", err.Error()),
			)
			errs++
			continue
		}
		s.logger.Debug("Removed expired file", slog.String("path", path))
		removed++
	}
	return removed, errs
}
