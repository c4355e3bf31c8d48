package services

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"

	"fileconverter/models"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DatabaseService keeps a durable history of conversion jobs.
type DatabaseService struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewDatabaseService(ctx context.Context, databaseURL string, logger *slog.Logger) (*DatabaseService, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DatabaseService{
		db:     db,
		logger: logger.With(slog.String("component", "database")),
	}, nil
}

// Migrate applies the embedded schema migrations. It uses its own connection
// so closing the migrator leaves the service pool untouched.
func Migrate(databaseURL string, logger *slog.Logger) error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	driver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		db.Close()
		return fmt.Errorf("failed to init migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		driver.Close()
		return fmt.Errorf("failed to init migrations: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	version, dirty, _ := m.Version()
	logger.Info("Migrations applied",
		slog.Uint64("version", uint64(version)),
		slog.Bool("dirty", dirty),
	)
	return nil
}

// DB exposes the pool for health checks.
func (d *DatabaseService) DB() *sql.DB {
	return d.db
}

// RecordJob upserts the job row. Rows already in a terminal state are left
// alone so a late or replayed write can never move a job backwards.
// metadata is merged into the stored JSON document.
func (d *DatabaseService) RecordJob(ctx context.Context, job models.ConversionJob, metadata map[string]any) error {
	meta := []byte("{}")
	if len(metadata) > 0 {
		var err error
		if meta, err = json.Marshal(metadata); err != nil {
			return fmt.Errorf("failed to encode metadata: %w", err)
		}
	}

	query := `
		INSERT INTO conversion_jobs (
			id, status, original_filename, target_format, category, size_bytes,
			error_message, metadata, created_at, started_at, completed_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			status        = EXCLUDED.status,
			error_message = EXCLUDED.error_message,
			metadata      = conversion_jobs.metadata || EXCLUDED.metadata,
			started_at    = COALESCE(EXCLUDED.started_at, conversion_jobs.started_at),
			completed_at  = COALESCE(EXCLUDED.completed_at, conversion_jobs.completed_at),
			updated_at    = EXCLUDED.updated_at
		WHERE conversion_jobs.status NOT IN ('completed', 'failed')`

	_, err := d.db.ExecContext(ctx, query,
		job.ID,
		string(job.Status),
		job.OriginalFilename,
		job.TargetFormat,
		job.Category,
		job.Size,
		nullString(job.Error),
		meta,
		job.CreatedAt,
		nullTime(job.StartedAt),
		nullTime(job.CompletedAt),
		time.Now(),
	)
	if err != nil {
		return fmt.Errorf("failed to record job %s: %w", job.ID, err)
	}
	return nil
}

// LookupJob loads a job from history. ok is false when no row exists.
func (d *DatabaseService) LookupJob(ctx context.Context, id string) (models.ConversionJob, bool, error) {
	query := `
		SELECT id, status, original_filename, target_format, category, size_bytes,
		       COALESCE(error_message, ''), created_at, started_at, completed_at
		FROM conversion_jobs WHERE id = $1`

	var (
		job       models.ConversionJob
		status    string
		started   sql.NullTime
		completed sql.NullTime
	)
	err := d.db.QueryRowContext(ctx, query, id).Scan(
		&job.ID, &status, &job.OriginalFilename, &job.TargetFormat, &job.Category,
		&job.Size, &job.Error, &job.CreatedAt, &started, &completed,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ConversionJob{}, false, nil
	}
	if err != nil {
		return models.ConversionJob{}, false, fmt.Errorf("failed to load job %s: %w", id, err)
	}
	job.Status = models.JobStatus(status)
	job.StartedAt = started.Time
	job.CompletedAt = completed.Time
	return job, true, nil
}

// Metadata returns the stored metadata document for a job.
func (d *DatabaseService) Metadata(ctx context.Context, id string) (map[string]any, error) {
	var raw []byte
	err := d.db.QueryRowContext(ctx, `SELECT metadata FROM conversion_jobs WHERE id = $1`, id).Scan(&raw)
	if err != nil {
		return nil, fmt.Errorf("failed to load metadata for %s: %w", id, err)
	}
	out := make(map[string]any)
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("failed to decode metadata for %s: %w", id, err)
	}
	return out, nil
}

func (d *DatabaseService) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

func (d *DatabaseService) Close() error {
	return d.db.Close()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
