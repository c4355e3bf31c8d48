package services

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"fileconverter/models"
)

var (
	ErrEncodeTimeout  = errors.New("conversion timed out")
	ErrEncodeCanceled = errors.New("conversion canceled")
	ErrEmptyOutput    = errors.New("encoder produced no output")
)

// stderrLimit caps how much encoder stderr is kept for the job error.
const stderrLimit = 4096

// killGrace is how long Wait keeps draining pipes after the group was killed.
const killGrace = 5 * time.Second

type FFmpegService struct {
	path   string
	logger *slog.Logger
}

func NewFFmpegService(path string, logger *slog.Logger) *FFmpegService {
	return &FFmpegService{
		path:   path,
		logger: logger.With(slog.String("component", "ffmpeg")),
	}
}

func (f *FFmpegService) Path() string { return f.path }

// Verify runs "<encoder> -version" and returns the first line of output.
func (f *FFmpegService) Verify(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, f.path, "-version").Output()
	if err != nil {
		return "", fmt.Errorf("encoder %s not usable: %w", f.path, err)
	}
	line, _, _ := bufio.NewReader(bytes.NewReader(out)).ReadLine()
	return string(line), nil
}

// Encode runs "<encoder> -y -i input <args> output" in its own process group.
// When ctx ends the whole group is killed so no child outlives the call.
func (f *FFmpegService) Encode(ctx context.Context, input, output string, profile models.Profile) error {
	args := make([]string, 0, len(profile.Args)+4)
	args = append(args, "-y", "-i", input)
	args = append(args, profile.Args...)
	args = append(args, output)

	cmd := exec.CommandContext(ctx, f.path, args...)
	setProcessGroup(cmd)
	cmd.Cancel = func() error { return killProcessGroup(cmd) }
	cmd.WaitDelay = killGrace

	stderr := &tailBuffer{limit: stderrLimit}
	cmd.Stderr = stderr

	f.logger.Debug("Starting encoder",
		slog.String("input", input),
		slog.String("output", output),
		slog.String("args", strings.Join(profile.Args, " ")),
	)

	err := cmd.Run()
	if ctxErr := ctx.Err(); ctxErr != nil {
		os.Remove(output)
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return ErrEncodeTimeout
		}
		return ErrEncodeCanceled
	}
	if err != nil {
		os.Remove(output)
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			return fmt.Errorf("encoder failed: %w", err)
		}
		return fmt.Errorf("encoder failed: %w: %s", err, msg)
	}

	return checkOutput(output)
}

func checkOutput(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrEmptyOutput
		}
		return fmt.Errorf("failed to stat output: %w", err)
	}
	if info.Size() == 0 {
		os.Remove(path)
		return ErrEmptyOutput
	}
	return nil
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	buf   []byte
	limit int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.limit; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string { return string(t.buf) }
