package services

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/BigKAA/topologymetrics/sdk-go/dephealth"
	"github.com/prometheus/client_golang/prometheus"
)

func TestNewDephealthService_NoDependencies(t *testing.T) {
	t.Parallel()

	_, err := newDephealthService(DephealthConfig{ServiceID: "fileconverter", Group: "test", Interval: time.Second},
		slog.Default(), dephealth.WithRegisterer(prometheus.NewRegistry()))
	if !errors.Is(err, ErrNoDependencies) {
		t.Fatalf("expected ErrNoDependencies, got %v", err)
	}
}

func TestDephealthService_GotenbergCheck(t *testing.T) {
	mockServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"up"}`))
	}))
	defer mockServer.Close()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	ds, err := newDephealthService(DephealthConfig{
		ServiceID:    "fileconverter",
		Group:        "test",
		Interval:     time.Second,
		GotenbergURL: mockServer.URL,
	}, logger, dephealth.WithRegisterer(prometheus.NewRegistry()))
	if err != nil {
		t.Fatalf("newDephealthService: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := ds.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer ds.Stop()

	deadline := time.Now().Add(5 * time.Second)
	for !ds.Healthy("gotenberg") {
		if time.Now().After(deadline) {
			t.Fatalf("gotenberg never reported healthy: %v", ds.Health())
		}
		time.Sleep(100 * time.Millisecond)
	}
	if ds.Healthy("postgresql") {
		t.Fatal("unconfigured dependency reported healthy")
	}
}
