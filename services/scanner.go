package services

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	clamd "github.com/dutchcoders/go-clamd"
)

// ScannerService checks uploads against a clamd daemon.
type ScannerService struct {
	client  *clamd.Clamd
	version string
	logger  *slog.Logger
}

// NewScannerService connects to clamd at address ("host:port",
// "tcp://host:port" or a unix socket path) and verifies it answers.
func NewScannerService(address string, logger *slog.Logger) (*ScannerService, error) {
	client := clamd.NewClamd(clamdAddress(address))

	if err := client.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to ClamAV at %s: %w", address, err)
	}

	var version string
	if results, err := client.Version(); err == nil {
		for r := range results {
			version = r.Raw
		}
	}

	logger = logger.With(slog.String("component", "scanner"))
	logger.Info("ClamAV connected", slog.String("address", address), slog.String("version", version))

	return &ScannerService{client: client, version: version, logger: logger}, nil
}

func (s *ScannerService) Version() string { return s.version }

// ScanFile streams path to clamd and returns the names of any threats found.
func (s *ScannerService) ScanFile(ctx context.Context, path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file for scanning: %w", err)
	}
	defer file.Close()

	abort := make(chan bool)
	stop := context.AfterFunc(ctx, func() { close(abort) })
	defer func() {
		if stop() {
			close(abort)
		}
	}()

	results, err := s.client.ScanStream(file, abort)
	if err != nil {
		return nil, fmt.Errorf("scan failed: %w", err)
	}

	var threats []string
	var scanErr error
	for r := range results {
		switch r.Status {
		case clamd.RES_FOUND:
			threats = append(threats, r.Description)
		case clamd.RES_ERROR, clamd.RES_PARSE_ERROR:
			scanErr = fmt.Errorf("scan error: %s", strings.TrimSpace(r.Raw))
		}
	}
	if len(threats) > 0 {
		s.logger.Warn("Threat detected in upload",
			slog.String("path", path),
			slog.String("threats", strings.Join(threats, ",")),
		)
		return threats, nil
	}
	if scanErr != nil {
		return nil, scanErr
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("scan aborted: %w", err)
	}
	return nil, nil
}

func clamdAddress(address string) string {
	if strings.Contains(address, "://") || strings.HasPrefix(address, "/") {
		return address
	}
	return "tcp://" + address
}
