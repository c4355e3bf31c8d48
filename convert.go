package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"fileconverter/models"
)

func newConvertCmd() *cobra.Command {
	var output string
	var quiet bool
	cmd := &cobra.Command{
		Use:   "convert <input> <format>",
		Short: "Convert one local file through the same pipeline the service uses",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			// The command needs its own worker but nothing else queued.
			cfg.MaxConcurrent = 1
			cfg.QueueCapacity = 1

			a, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			return convertFile(cmd.Context(), a, args[0], args[1], output, !quiet, cmd.ErrOrStderr())
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "Destination path (default: input name with the new extension)")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Hide progress output")
	return cmd
}

func convertFile(ctx context.Context, a *app, input, format, output string, progress bool, progressOut io.Writer) error {
	if !progress {
		progressOut = io.Discard
	}

	f, err := os.Open(input)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}

	a.pool.Start()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
		defer cancel()
		_ = a.pool.Shutdown(shutdownCtx)
	}()

	upload := progressbar.NewOptions64(info.Size(),
		progressbar.OptionSetWriter(progressOut),
		progressbar.OptionSetDescription("staging"),
		progressbar.OptionShowBytes(true),
		progressbar.OptionShowCount(),
		progressbar.OptionThrottle(65*time.Millisecond),
		progressbar.OptionClearOnFinish(),
	)
	id, err := a.pool.Submit(ctx, io.TeeReader(f, upload), filepath.Base(input), format)
	if err != nil {
		return err
	}
	_ = upload.Finish()

	spinner := progressbar.NewOptions(-1,
		progressbar.OptionSetWriter(progressOut),
		progressbar.OptionSetDescription(fmt.Sprintf("converting to %s", format)),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionShowElapsedTimeOnFinish(),
	)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	var job models.ConversionJob
	for {
		job, _ = a.pool.Job(id)
		if job.Status.IsTerminal() {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			_ = spinner.Add(1)
		}
	}
	_ = spinner.Finish()
	fmt.Fprintln(progressOut)

	if job.Status == models.StatusFailed {
		return fmt.Errorf("conversion failed: %s", job.Error)
	}

	artifact, err := a.pool.Open(id)
	if err != nil {
		return err
	}
	defer artifact.Close()

	if output == "" {
		base := strings.TrimSuffix(filepath.Base(input), filepath.Ext(input))
		output = base + "." + models.OutputExtension(strings.ToLower(format))
	}
	if abs, _ := filepath.Abs(output); abs == mustAbs(input) {
		return errors.New("output would overwrite the input file")
	}

	dst, err := os.Create(output)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, artifact); err != nil {
		dst.Close()
		return err
	}
	if err := dst.Close(); err != nil {
		return err
	}

	_ = a.scratch.Remove(a.scratch.OutputPath(job.OutputName()))
	fmt.Fprintf(progressOut, "wrote %s\n", output)
	return nil
}

func mustAbs(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	return abs
}
