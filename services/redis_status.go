package services

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"fileconverter/models"
)

// RedisStatusMirror publishes job status to a redis hash so that other
// replicas, or this one after the record was evicted, can answer polls.
type RedisStatusMirror struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger *slog.Logger
}

func NewRedisStatusMirror(client *redis.Client, prefix string, ttl time.Duration, logger *slog.Logger) *RedisStatusMirror {
	return &RedisStatusMirror{
		client: client,
		prefix: prefix,
		ttl:    ttl,
		logger: logger.With(slog.String("component", "redis-status")),
	}
}

func (m *RedisStatusMirror) key(id string) string {
	return fmt.Sprintf("%sconversion:status:%s", m.prefix, id)
}

// RecordJob overwrites the status hash and refreshes its TTL.
func (m *RedisStatusMirror) RecordJob(ctx context.Context, job models.ConversionJob, _ map[string]any) error {
	key := m.key(job.ID)
	fields := map[string]interface{}{
		"status":            string(job.Status),
		"error":             job.Error,
		"original_filename": job.OriginalFilename,
		"target_format":     job.TargetFormat,
		"category":          job.Category,
		"size":              job.Size,
		"created_at":        formatTime(job.CreatedAt),
		"started_at":        formatTime(job.StartedAt),
		"completed_at":      formatTime(job.CompletedAt),
		"updated_at":        time.Now().Format(time.RFC3339),
	}

	_, err := m.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, fields)
		if m.ttl > 0 {
			pipe.Expire(ctx, key, m.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to mirror status for %s: %w", job.ID, err)
	}
	return nil
}

// LookupJob reads a mirrored record. ok is false when the hash is absent.
func (m *RedisStatusMirror) LookupJob(ctx context.Context, id string) (models.ConversionJob, bool, error) {
	fields, err := m.client.HGetAll(ctx, m.key(id)).Result()
	if err != nil {
		return models.ConversionJob{}, false, fmt.Errorf("failed to read status for %s: %w", id, err)
	}
	if len(fields) == 0 {
		return models.ConversionJob{}, false, nil
	}

	size, _ := strconv.ParseInt(fields["size"], 10, 64)
	return models.ConversionJob{
		ID:               id,
		Status:           models.JobStatus(fields["status"]),
		Error:            fields["error"],
		OriginalFilename: fields["original_filename"],
		TargetFormat:     fields["target_format"],
		Category:         fields["category"],
		Size:             size,
		CreatedAt:        parseTime(fields["created_at"]),
		StartedAt:        parseTime(fields["started_at"]),
		CompletedAt:      parseTime(fields["completed_at"]),
	}, true, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}
