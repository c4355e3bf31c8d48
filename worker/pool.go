package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"fileconverter/models"
	"fileconverter/scratch"
	"fileconverter/store"
)

var (
	ErrValidation   = errors.New("validation failed")
	ErrNotFound     = errors.New("not found")
	ErrStorage      = errors.New("storage failure")
	ErrQueueFull    = errors.New("conversion queue is full")
	ErrRejected     = errors.New("upload rejected")
	ErrShuttingDown = errors.New("conversion service is shutting down")
)

// recordTimeout bounds every write to an external job recorder.
const recordTimeout = 5 * time.Second

// Encoder turns input into output according to profile. Implementations
// must stop promptly once ctx is done.
type Encoder interface {
	Encode(ctx context.Context, input, output string, profile models.Profile) error
}

// JobRecorder receives a copy of the job after every state change.
type JobRecorder interface {
	RecordJob(ctx context.Context, job models.ConversionJob, metadata map[string]any) error
}

// JobLookup answers status queries for jobs no longer held in memory.
type JobLookup interface {
	LookupJob(ctx context.Context, id string) (models.ConversionJob, bool, error)
}

// ArtifactUploader copies a finished artifact somewhere durable.
type ArtifactUploader interface {
	UploadArtifact(ctx context.Context, localPath string) (string, error)
}

// UploadScanner returns the threats found in a stored upload.
type UploadScanner interface {
	ScanFile(ctx context.Context, path string) ([]string, error)
}

type Options struct {
	Workers       int
	QueueCapacity int
	Timeout       time.Duration

	Formats *models.FormatTable
	// Encoder handles audio, video, image and special profiles.
	Encoder Encoder
	// Documents handles the document category. Nil disables it.
	Documents Encoder

	Recorders []JobRecorder
	Lookups   []JobLookup
	Artifacts ArtifactUploader
	Scanner   UploadScanner

	SanitizeFilenames bool
	// DownloadPrefix is prepended to the artifact name in status views.
	DownloadPrefix string

	Logger *slog.Logger
}

// Pool accepts conversion jobs and runs them on a fixed set of workers fed
// by a bounded queue.
type Pool struct {
	opts    Options
	jobs    *store.JobStore
	scratch *scratch.Store
	logger  *slog.Logger

	// slots holds one token per queued job. A token is taken before the
	// job is recorded and released when a worker dequeues it, so a send on
	// queue never blocks.
	slots chan struct{}
	queue chan string

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu      sync.RWMutex
	started bool
	closed  bool

	active atomic.Int64
}

func NewPool(jobs *store.JobStore, sc *scratch.Store, opts Options) (*Pool, error) {
	if opts.Encoder == nil {
		return nil, errors.New("worker: an encoder is required")
	}
	if opts.Formats == nil {
		opts.Formats = models.NewFormatTable(nil, opts.Documents != nil)
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.QueueCapacity <= 0 {
		opts.QueueCapacity = 64
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 300 * time.Second
	}
	if opts.DownloadPrefix == "" {
		opts.DownloadPrefix = "/download/"
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		opts:    opts,
		jobs:    jobs,
		scratch: sc,
		logger:  opts.Logger.With(slog.String("component", "pool")),
		slots:   make(chan struct{}, opts.QueueCapacity),
		queue:   make(chan string, opts.QueueCapacity),
		baseCtx: ctx,
		cancel:  cancel,
	}, nil
}

// Start launches the workers. Calling it more than once has no effect.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.closed {
		return
	}
	p.started = true

	for i := 1; i <= p.opts.Workers; i++ {
		p.wg.Add(1)
		go p.StartWorker(i)
	}
	p.logger.Info("Conversion pool started",
		slog.Int("workers", p.opts.Workers),
		slog.Int("queue_capacity", p.opts.QueueCapacity),
		slog.String("timeout", p.opts.Timeout.String()),
	)
}

func (p *Pool) StartWorker(workerID int) {
	defer p.wg.Done()

	logger := p.logger.With(slog.Int("worker_id", workerID))
	logger.Debug("Worker started")

	for id := range p.queue {
		<-p.slots
		queueDepth.Set(float64(len(p.queue)))
		p.processJob(logger, workerID, id)
	}

	logger.Debug("Worker stopped")
}

// Submit validates the request, streams r to scratch storage and queues the
// job. It returns as soon as the job is queued.
func (p *Pool) Submit(ctx context.Context, r io.Reader, originalFilename, targetFormat string) (string, error) {
	name := originalFilename
	if p.opts.SanitizeFilenames {
		name = scratch.SanitizeFilename(name)
	}
	if name == "" {
		jobsRejectedTotal.WithLabelValues("validation").Inc()
		return "", fmt.Errorf("%w: no file provided", ErrValidation)
	}

	category, profile, err := p.opts.Formats.Resolve(name, targetFormat)
	if err != nil {
		jobsRejectedTotal.WithLabelValues("validation").Inc()
		return "", fmt.Errorf("%w: %w", ErrValidation, err)
	}

	if p.isClosed() {
		return "", ErrShuttingDown
	}

	id := uuid.NewString()
	ext := strings.TrimPrefix(filepath.Ext(name), ".")

	sourcePath, size, err := p.scratch.Save(r, id, ext)
	if err != nil {
		if errors.Is(err, scratch.ErrTooLarge) {
			jobsRejectedTotal.WithLabelValues("too_large").Inc()
			return "", fmt.Errorf("%w: %w", ErrValidation, err)
		}
		jobsRejectedTotal.WithLabelValues("storage").Inc()
		return "", fmt.Errorf("%w: %w", ErrStorage, err)
	}

	if p.opts.Scanner != nil {
		threats, err := p.opts.Scanner.ScanFile(ctx, sourcePath)
		if err != nil {
			p.removeFile(sourcePath)
			jobsRejectedTotal.WithLabelValues("scan_error").Inc()
			return "", fmt.Errorf("%w: virus scan failed: %w", ErrStorage, err)
		}
		if len(threats) > 0 {
			p.removeFile(sourcePath)
			jobsRejectedTotal.WithLabelValues("infected").Inc()
			return "", fmt.Errorf("%w: threat detected: %s", ErrRejected, strings.Join(threats, ", "))
		}
	}

	job := models.ConversionJob{
		ID:               id,
		Status:           models.StatusQueued,
		SourcePath:       sourcePath,
		OriginalFilename: name,
		TargetFormat:     profile.Format,
		Category:         category,
		Size:             size,
		CreatedAt:        time.Now(),
	}
	job.TargetPath = p.scratch.OutputPath(job.OutputName())

	if err := p.enqueue(job); err != nil {
		p.removeFile(sourcePath)
		return "", err
	}

	jobsSubmittedTotal.WithLabelValues(category).Inc()
	p.logger.Info("Conversion queued",
		slog.String("job_id", id),
		slog.String("filename", name),
		slog.String("target_format", profile.Format),
		slog.Int64("size", size),
	)
	return id, nil
}

func (p *Pool) enqueue(job models.ConversionJob) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrShuttingDown
	}
	select {
	case p.slots <- struct{}{}:
	default:
		jobsRejectedTotal.WithLabelValues("queue_full").Inc()
		return ErrQueueFull
	}

	if err := p.jobs.Create(job); err != nil {
		<-p.slots
		return fmt.Errorf("%w: %w", ErrStorage, err)
	}
	// Recorded before any worker can see the job so history never goes
	// from processing back to queued.
	p.record(job, nil)

	p.queue <- job.ID
	queueDepth.Set(float64(len(p.queue)))
	return nil
}

func (p *Pool) processJob(logger *slog.Logger, workerID int, id string) {
	logger = logger.With(slog.String("job_id", id))

	job, err := p.jobs.Transition(id, models.StatusProcessing, "")
	if err != nil {
		logger.Error("Failed to start job", slog.String("error", err.Error()))
		return
	}
	p.record(job, map[string]any{"worker_id": workerID})

	if p.baseCtx.Err() != nil {
		p.fail(logger, job, "conversion canceled: service shutting down", nil)
		return
	}

	profile, ok := p.opts.Formats.Lookup(job.TargetFormat)
	if !ok {
		p.fail(logger, job, fmt.Sprintf("unsupported output format %q", job.TargetFormat), nil)
		return
	}
	encoder := p.opts.Encoder
	if job.Category == models.CategoryDocument {
		encoder = p.opts.Documents
	}
	if encoder == nil {
		p.fail(logger, job, fmt.Sprintf("no encoder for %s input", job.Category), nil)
		return
	}

	logger.Info("Processing conversion",
		slog.String("source", job.SourcePath),
		slog.String("target_format", job.TargetFormat),
	)

	ctx, cancel := context.WithTimeout(p.baseCtx, p.opts.Timeout)
	startTime := time.Now()

	p.active.Add(1)
	activeEncoders.Inc()
	err = encoder.Encode(ctx, job.SourcePath, job.TargetPath, profile)
	activeEncoders.Dec()
	p.active.Add(-1)

	duration := time.Since(startTime)
	ctxErr := ctx.Err()
	cancel()

	metadata := map[string]any{
		"worker_id":   workerID,
		"duration_ms": duration.Milliseconds(),
	}

	switch {
	case errors.Is(ctxErr, context.DeadlineExceeded):
		encodeDurationSeconds.WithLabelValues(job.Category, "timeout").Observe(duration.Seconds())
		p.fail(logger, job, fmt.Sprintf("conversion timed out after %s", p.opts.Timeout), metadata)
		return
	case ctxErr != nil:
		encodeDurationSeconds.WithLabelValues(job.Category, "canceled").Observe(duration.Seconds())
		p.fail(logger, job, "conversion canceled: service shutting down", metadata)
		return
	case err != nil:
		encodeDurationSeconds.WithLabelValues(job.Category, "error").Observe(duration.Seconds())
		p.fail(logger, job, err.Error(), metadata)
		return
	}

	if info, statErr := os.Stat(job.TargetPath); statErr != nil || info.Size() == 0 {
		encodeDurationSeconds.WithLabelValues(job.Category, "error").Observe(duration.Seconds())
		p.fail(logger, job, "encoder produced no output", metadata)
		return
	}
	encodeDurationSeconds.WithLabelValues(job.Category, "ok").Observe(duration.Seconds())

	if p.opts.Artifacts != nil {
		uploadCtx, uploadCancel := context.WithTimeout(context.Background(), p.opts.Timeout)
		key, upErr := p.opts.Artifacts.UploadArtifact(uploadCtx, job.TargetPath)
		uploadCancel()
		if upErr != nil {
			logger.Warn("Artifact upload failed", slog.String("error", upErr.Error()))
			metadata["artifact_error"] = upErr.Error()
		} else {
			metadata["artifact_key"] = key
		}
	}

	p.removeFile(job.SourcePath)
	done, err := p.jobs.Transition(id, models.StatusCompleted, "")
	if err != nil {
		logger.Error("Failed to complete job", slog.String("error", err.Error()))
		return
	}
	p.record(done, metadata)
	jobsFinishedTotal.WithLabelValues(string(models.StatusCompleted)).Inc()

	logger.Info("Conversion completed",
		slog.String("output", done.TargetPath),
		slog.Float64("duration_s", duration.Seconds()),
	)
}

// fail removes both scratch files and marks the job failed.
func (p *Pool) fail(logger *slog.Logger, job models.ConversionJob, msg string, metadata map[string]any) {
	p.removeFile(job.SourcePath)
	p.removeFile(job.TargetPath)

	failed, err := p.jobs.Transition(job.ID, models.StatusFailed, msg)
	if err != nil {
		logger.Error("Failed to mark job failed", slog.String("error", err.Error()))
		return
	}
	p.record(failed, metadata)
	jobsFinishedTotal.WithLabelValues(string(models.StatusFailed)).Inc()

	logger.Warn("Conversion failed", slog.String("error", msg))
}

// record fans the job out to every recorder. Failures are logged only.
func (p *Pool) record(job models.ConversionJob, metadata map[string]any) {
	for _, r := range p.opts.Recorders {
		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		if err := r.RecordJob(ctx, job, metadata); err != nil {
			p.logger.Warn("Failed to record job state",
				slog.String("job_id", job.ID),
				slog.String("status", string(job.Status)),
				slog.String("error", err.Error()),
			)
		}
		cancel()
	}
}

func (p *Pool) removeFile(path string) {
	if err := p.scratch.Remove(path); err != nil {
		p.logger.Warn("Failed to remove scratch file", slog.String("error", err.Error()))
	}
}

// Job returns a snapshot of a job held in memory.
func (p *Pool) Job(id string) (models.ConversionJob, bool) {
	return p.jobs.Get(id)
}

// Status reports the current state of a job. Jobs no longer in memory are
// looked up through the configured lookups in order.
func (p *Pool) Status(ctx context.Context, id string) (models.StatusView, error) {
	job, ok := p.jobs.Get(id)
	if !ok {
		for _, l := range p.opts.Lookups {
			found, hit, err := l.LookupJob(ctx, id)
			if err != nil {
				p.logger.Warn("Status lookup failed",
					slog.String("job_id", id),
					slog.String("error", err.Error()),
				)
				continue
			}
			if hit {
				job, ok = found, true
				break
			}
		}
	}
	if !ok {
		return models.StatusView{}, fmt.Errorf("%w: job %s", ErrNotFound, id)
	}

	view := models.StatusView{
		JobID:       job.ID,
		Status:      job.Status,
		Error:       job.Error,
		CreatedAt:   job.CreatedAt,
		CompletedAt: job.CompletedAt,
	}
	if job.Status == models.StatusCompleted {
		view.DownloadURL = p.opts.DownloadPrefix + job.OutputName()
	}
	return view, nil
}

// Open returns the artifact referenced by name, either "<job_id>" or
// "<job_id>.<ext>". Names that are not a single path element, artifacts of
// unfinished jobs and missing files all yield ErrNotFound.
func (p *Pool) Open(name string) (*os.File, error) {
	if !scratch.ValidName(name) {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}

	id := strings.TrimSuffix(name, filepath.Ext(name))
	if job, ok := p.jobs.Get(id); ok {
		if job.Status != models.StatusCompleted {
			return nil, fmt.Errorf("%w: job %s is %s", ErrNotFound, id, job.Status)
		}
		if name != id && name != job.OutputName() {
			return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
		}
		name = job.OutputName()
	} else if filepath.Ext(name) == "" {
		return nil, fmt.Errorf("%w: job %s", ErrNotFound, id)
	}

	f, err := p.scratch.Open(name)
	if err != nil {
		if errors.Is(err, scratch.ErrNotFound) {
			return nil, fmt.Errorf("%w: %w", ErrNotFound, err)
		}
		return nil, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	return f, nil
}

// Wait blocks until the job is terminal or ctx ends.
func (p *Pool) Wait(ctx context.Context, id string) (models.ConversionJob, error) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		job, ok := p.jobs.Get(id)
		if !ok {
			return models.ConversionJob{}, fmt.Errorf("%w: job %s", ErrNotFound, id)
		}
		if job.Status.IsTerminal() {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Active returns the number of encoders currently running.
func (p *Pool) Active() int {
	return int(p.active.Load())
}

// QueueLen returns the number of jobs waiting for a worker.
func (p *Pool) QueueLen() int {
	return len(p.queue)
}

func (p *Pool) isClosed() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.closed
}

// Shutdown stops accepting jobs and lets the workers drain the queue. If
// ctx ends first, running encoders are killed and every remaining job is
// failed. It returns once all workers have exited.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()

	p.logger.Info("Conversion pool shutting down", slog.Int("queued", len(p.queue)))

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		p.logger.Info("Conversion pool stopped")
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		p.logger.Warn("Conversion pool stopped before the queue drained")
		return ctx.Err()
	}
}
