//go:build unix

package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"fileconverter/models"
)

// writeStub creates an executable shell script standing in for the encoder.
// The output path is always the last argument.
func writeStub(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ffmpeg")
	script := "#!/bin/sh\nfor last; do :; done\n" + body + "\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("failed to write stub encoder: %v", err)
	}
	return path
}

// processAlive treats zombies as dead since nothing may reap them in a
// container without an init process.
func processAlive(pid int) bool {
	if err := syscall.Kill(pid, 0); err != nil {
		return false
	}
	stat, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return true
	}
	fields := strings.Fields(string(stat))
	return len(fields) < 3 || fields[2] != "Z"
}

func readPID(t *testing.T, path string) int {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		data, err := os.ReadFile(path)
		if err == nil {
			if pid, err := strconv.Atoi(strings.TrimSpace(string(data))); err == nil {
				return pid
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("pid file %s never written", path)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestFFmpegService_EncodeSuccess(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	argsFile := filepath.Join(dir, "args")
	stub := writeStub(t, fmt.Sprintf(`echo "$@" > %q; printf 'encoded' > "$last"`, argsFile))
	svc := NewFFmpegService(stub, slog.Default())

	input := filepath.Join(dir, "in.wav")
	output := filepath.Join(dir, "out.mp3")
	_ = os.WriteFile(input, []byte("RIFF"), 0o644)

	profile := models.Profile{Format: "mp3", Args: []string{"-acodec", "libmp3lame", "-ab", "192k"}}
	if err := svc.Encode(context.Background(), input, output, profile); err != nil {
		t.Fatalf("Encode: %v", err)
	}

	args, _ := os.ReadFile(argsFile)
	want := fmt.Sprintf("-y -i %s -acodec libmp3lame -ab 192k %s", input, output)
	if strings.TrimSpace(string(args)) != want {
		t.Fatalf("encoder args:\n got %q\nwant %q", strings.TrimSpace(string(args)), want)
	}
	if data, _ := os.ReadFile(output); string(data) != "encoded" {
		t.Fatalf("unexpected output %q", data)
	}
}

func TestFFmpegService_EncodeFailureCarriesStderr(t *testing.T) {
	t.Parallel()

	stub := writeStub(t, `echo "Invalid data found when processing input" >&2; exit 1`)
	svc := NewFFmpegService(stub, slog.Default())

	dir := t.TempDir()
	err := svc.Encode(context.Background(), filepath.Join(dir, "in.wav"), filepath.Join(dir, "out.mp3"), models.Profile{})
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "Invalid data found") {
		t.Fatalf("stderr missing from error: %v", err)
	}
}

func TestFFmpegService_EncodeEmptyOutput(t *testing.T) {
	t.Parallel()

	stub := writeStub(t, `: > "$last"`)
	svc := NewFFmpegService(stub, slog.Default())

	dir := t.TempDir()
	output := filepath.Join(dir, "out.mp3")
	err := svc.Encode(context.Background(), filepath.Join(dir, "in.wav"), output, models.Profile{})
	if !errors.Is(err, ErrEmptyOutput) {
		t.Fatalf("expected ErrEmptyOutput, got %v", err)
	}
	if _, err := os.Stat(output); !errors.Is(err, os.ErrNotExist) {
		t.Fatal("empty output should be removed")
	}
}

func TestFFmpegService_TimeoutKillsProcessGroup(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	parentFile := filepath.Join(dir, "parent.pid")
	childFile := filepath.Join(dir, "child.pid")
	stub := writeStub(t, fmt.Sprintf(`echo $$ > %q; sleep 30 & echo $! > %q; wait`, parentFile, childFile))
	svc := NewFFmpegService(stub, slog.Default())

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := svc.Encode(ctx, filepath.Join(dir, "in.wav"), filepath.Join(dir, "out.mp3"), models.Profile{})
	if !errors.Is(err, ErrEncodeTimeout) {
		t.Fatalf("expected ErrEncodeTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Fatalf("Encode returned after %v, kill did not take effect", elapsed)
	}

	for _, f := range []string{parentFile, childFile} {
		pid := readPID(t, f)
		deadline := time.Now().Add(2 * time.Second)
		for processAlive(pid) {
			if time.Now().After(deadline) {
				t.Fatalf("process %d from %s survived the timeout", pid, filepath.Base(f))
			}
			time.Sleep(20 * time.Millisecond)
		}
	}
}

func TestFFmpegService_Verify(t *testing.T) {
	t.Parallel()

	stub := writeStub(t, `echo "ffmpeg version 6.1.1 Copyright (c) 2000-2023"; echo "built with gcc"`)
	version, err := NewFFmpegService(stub, slog.Default()).Verify(context.Background())
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !strings.HasPrefix(version, "ffmpeg version 6.1.1") {
		t.Fatalf("unexpected version line %q", version)
	}

	if _, err := NewFFmpegService(filepath.Join(t.TempDir(), "missing"), slog.Default()).Verify(context.Background()); err == nil {
		t.Fatal("missing encoder should fail verification")
	}
}
