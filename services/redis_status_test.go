package services

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"fileconverter/models"
)

func setupRedis(t *testing.T) *redis.Client {
	t.Helper()

	if os.Getenv("TEST_INTEGRATION") == "" {
		t.Skip("skipping integration test: TEST_INTEGRATION not set")
	}

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "docker.io/redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForListeningPort("6379/tcp").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("failed to start redis container: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	endpoint, err := container.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("failed to get redis endpoint: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: endpoint})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRedisStatusMirror_RoundTrip(t *testing.T) {
	client := setupRedis(t)
	ctx := context.Background()
	mirror := NewRedisStatusMirror(client, "fc:", time.Hour, slog.Default())

	now := time.Now().UTC()
	job := models.ConversionJob{
		ID:               "job-1",
		Status:           models.StatusFailed,
		Error:            "conversion timed out after 5m0s",
		OriginalFilename: "clip.mov",
		TargetFormat:     "mp4",
		Category:         models.CategoryVideo,
		Size:             4096,
		CreatedAt:        now.Add(-time.Minute),
		StartedAt:        now.Add(-50 * time.Second),
		CompletedAt:      now,
	}
	if err := mirror.RecordJob(ctx, job, nil); err != nil {
		t.Fatalf("RecordJob: %v", err)
	}

	got, ok, err := mirror.LookupJob(ctx, "job-1")
	if err != nil || !ok {
		t.Fatalf("LookupJob: ok=%v err=%v", ok, err)
	}
	if got.Status != job.Status || got.Error != job.Error || got.Size != job.Size {
		t.Fatalf("mismatch: %+v", got)
	}
	if !got.CompletedAt.Equal(job.CompletedAt) {
		t.Fatalf("completed_at: want %v, got %v", job.CompletedAt, got.CompletedAt)
	}

	ttl := client.TTL(ctx, "fc:conversion:status:job-1").Val()
	if ttl <= 0 || ttl > time.Hour {
		t.Fatalf("unexpected ttl %v", ttl)
	}

	if _, ok, err := mirror.LookupJob(ctx, "unknown"); err != nil || ok {
		t.Fatalf("unknown job: ok=%v err=%v", ok, err)
	}
}
