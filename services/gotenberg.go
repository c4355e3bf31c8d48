package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"

	"fileconverter/models"
)

// GotenbergService converts office documents to PDF through a Gotenberg
// instance.
type GotenbergService struct {
	baseURL string
	pdfa    string
	client  *http.Client
	logger  *slog.Logger
}

// NewGotenbergService creates the client. pdfa selects a PDF/A conformance
// level such as "PDF/A-2b"; empty produces a regular PDF.
func NewGotenbergService(baseURL, pdfa string, logger *slog.Logger) *GotenbergService {
	return &GotenbergService{
		baseURL: baseURL,
		pdfa:    pdfa,
		client: &http.Client{
			Timeout: 0, // Use context timeout instead
		},
		logger: logger.With(slog.String("component", "gotenberg")),
	}
}

// Encode satisfies the worker encoder contract for the document category.
func (g *GotenbergService) Encode(ctx context.Context, input, output string, _ models.Profile) error {
	err := g.ConvertToPDF(ctx, input, output)
	if ctxErr := ctx.Err(); ctxErr != nil {
		os.Remove(output)
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return ErrEncodeTimeout
		}
		return ErrEncodeCanceled
	}
	if err != nil {
		os.Remove(output)
		return err
	}
	return checkOutput(output)
}

// ConvertToPDF posts inputPath to the LibreOffice route and writes the
// resulting PDF to outputPath. The upload is streamed.
func (g *GotenbergService) ConvertToPDF(ctx context.Context, inputPath, outputPath string) error {
	file, err := os.Open(inputPath)
	if err != nil {
		return fmt.Errorf("failed to open input file: %w", err)
	}
	defer file.Close()

	pr, pw := io.Pipe()
	writer := multipart.NewWriter(pw)

	go func() {
		part, err := writer.CreateFormFile("files", filepath.Base(inputPath))
		if err != nil {
			pw.CloseWithError(fmt.Errorf("failed to create form file: %w", err))
			return
		}
		if _, err := io.Copy(part, file); err != nil {
			pw.CloseWithError(fmt.Errorf("failed to copy file: %w", err))
			return
		}
		if g.pdfa != "" {
			if err := writer.WriteField("pdfa", g.pdfa); err != nil {
				pw.CloseWithError(err)
				return
			}
		}
		pw.CloseWithError(writer.Close())
	}()

	url := fmt.Sprintf("%s/forms/libreoffice/convert", g.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, pr)
	if err != nil {
		pr.Close()
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := g.client.Do(req)
	if err != nil {
		pr.Close()
		return fmt.Errorf("gotenberg request failed: %w", err)
	}
	defer resp.Body.Close()
	pr.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, stderrLimit))
		return fmt.Errorf("gotenberg returned status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	outFile, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	if _, err := io.Copy(outFile, resp.Body); err != nil {
		outFile.Close()
		return fmt.Errorf("failed to save converted file: %w", err)
	}
	if err := outFile.Close(); err != nil {
		return fmt.Errorf("failed to close converted file: %w", err)
	}

	g.logger.Debug("Document converted", slog.String("output", outputPath))
	return nil
}
