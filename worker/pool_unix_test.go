//go:build unix

package worker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"fileconverter/models"
	"fileconverter/services"
)

// TestPool_TimeoutKillsEncoderTree runs a stub encoder that forks a child
// and hangs. After the timeout neither process may survive.
func TestPool_TimeoutKillsEncoderTree(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	childPID := filepath.Join(dir, "child.pid")
	stub := filepath.Join(dir, "ffmpeg")
	script := fmt.Sprintf("#!/bin/sh\nsleep 60 &\necho $! > %q\nwait\n", childPID)
	if err := os.WriteFile(stub, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	p, sc := newTestPool(t, Options{
		Workers: 1,
		Timeout: 300 * time.Millisecond,
		Encoder: services.NewFFmpegService(stub, logger),
	})
	p.Start()

	id, err := p.Submit(context.Background(), strings.NewReader("data"), "clip.mov", "mp4")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	job := waitTerminal(t, p, id)
	if job.Status != models.StatusFailed || !strings.Contains(job.Error, "timed out") {
		t.Fatalf("got %s %q", job.Status, job.Error)
	}

	data, err := os.ReadFile(childPID)
	if err != nil {
		t.Fatalf("child pid not written: %v", err)
	}
	pid, _ := strconv.Atoi(strings.TrimSpace(string(data)))

	deadline := time.Now().Add(2 * time.Second)
	for alive(pid) {
		if time.Now().After(deadline) {
			t.Fatalf("encoder child %d survived the timeout", pid)
		}
		time.Sleep(20 * time.Millisecond)
	}
	if left := uploads(t, sc); len(left) != 0 {
		t.Fatalf("uploads left behind: %v", left)
	}
}

func alive(pid int) bool {
	if pid <= 0 || syscall.Kill(pid, 0) != nil {
		return false
	}
	stat, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return true
	}
	fields := strings.Fields(string(stat))
	return len(fields) < 3 || fields[2] != "Z"
}
