package services

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"fileconverter/models"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

// readMultipart returns the form fields and the uploaded file names.
func readMultipart(t *testing.T, r *http.Request, expectedPath string) (map[string]string, []string) {
	t.Helper()

	if r.URL.Path != expectedPath {
		t.Errorf("unexpected path: %s", r.URL.Path)
	}

	mediaType, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "multipart/form-data" {
		t.Errorf("expected multipart/form-data, got %q (err=%v)", mediaType, err)
		return nil, nil
	}

	reader := multipart.NewReader(r.Body, params["boundary"])
	defer func() { _ = r.Body.Close() }()

	fields := make(map[string]string)
	var files []string
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Errorf("failed to read multipart part: %v", err)
			break
		}

		if part.FileName() != "" {
			files = append(files, part.FileName())
			_, _ = io.Copy(io.Discard, part)
		} else {
			b, _ := io.ReadAll(part)
			fields[part.FormName()] = string(b)
		}
		_ = part.Close()
	}
	return fields, files
}

func pdfResponse(body string) *http.Response {
	return &http.Response{
		StatusCode: http.StatusOK,
		Body:       io.NopCloser(strings.NewReader(body)),
		Header:     make(http.Header),
	}
}

func writeInput(t *testing.T, name string) (string, string) {
	t.Helper()
	tmpDir := t.TempDir()
	inputPath := filepath.Join(tmpDir, name)
	if err := os.WriteFile(inputPath, []byte("dummy"), 0644); err != nil {
		t.Fatalf("failed to write temp input: %v", err)
	}
	return inputPath, filepath.Join(tmpDir, "out.pdf")
}

func TestGotenbergService_ConvertToPDF_WritesOutput(t *testing.T) {
	t.Parallel()

	svc := NewGotenbergService("http://example.invalid", "", slog.Default())
	svc.client.Transport = roundTripFunc(func(r *http.Request) (*http.Response, error) {
		fields, files := readMultipart(t, r, "/forms/libreoffice/convert")
		if _, ok := fields["pdfa"]; ok {
			t.Error("pdfa field sent although not configured")
		}
		if len(files) != 1 || files[0] != "job_original.docx" {
			t.Errorf("unexpected uploaded files %v", files)
		}
		return pdfResponse("%PDF-1.4\n%EOF\n"), nil
	})

	inputPath, outputPath := writeInput(t, "job_original.docx")
	if err := svc.Encode(context.Background(), inputPath, outputPath, models.Profile{Format: "pdf"}); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	data, err := os.ReadFile(outputPath)
	if err != nil {
		t.Fatalf("failed to read output: %v", err)
	}
	if !bytes.HasPrefix(data, []byte("%PDF")) {
		t.Fatalf("unexpected output %q", data)
	}
}

func TestGotenbergService_ConvertToPDF_SendsPDFALevel(t *testing.T) {
	t.Parallel()

	svc := NewGotenbergService("http://example.invalid", "PDF/A-2b", slog.Default())
	svc.client.Transport = roundTripFunc(func(r *http.Request) (*http.Response, error) {
		fields, _ := readMultipart(t, r, "/forms/libreoffice/convert")
		if fields["pdfa"] != "PDF/A-2b" {
			t.Errorf("expected pdfa=%q, got %q", "PDF/A-2b", fields["pdfa"])
		}
		return pdfResponse("%PDF-1.7\n"), nil
	})

	inputPath, outputPath := writeInput(t, "report.odt")
	if err := svc.ConvertToPDF(context.Background(), inputPath, outputPath); err != nil {
		t.Fatalf("ConvertToPDF failed: %v", err)
	}
}

func TestGotenbergService_Encode_ErrorStatus(t *testing.T) {
	t.Parallel()

	svc := NewGotenbergService("http://example.invalid", "", slog.Default())
	svc.client.Transport = roundTripFunc(func(r *http.Request) (*http.Response, error) {
		_, _ = io.Copy(io.Discard, r.Body)
		return &http.Response{
			StatusCode: http.StatusBadRequest,
			Body:       io.NopCloser(strings.NewReader("unsupported file")),
			Header:     make(http.Header),
		}, nil
	})

	inputPath, outputPath := writeInput(t, "broken.docx")
	err := svc.Encode(context.Background(), inputPath, outputPath, models.Profile{})
	if err == nil || !strings.Contains(err.Error(), "400") {
		t.Fatalf("expected status error, got %v", err)
	}
	if _, statErr := os.Stat(outputPath); !errors.Is(statErr, os.ErrNotExist) {
		t.Fatal("failed conversion left an output file")
	}
}

func TestGotenbergService_Encode_EmptyBody(t *testing.T) {
	t.Parallel()

	svc := NewGotenbergService("http://example.invalid", "", slog.Default())
	svc.client.Transport = roundTripFunc(func(r *http.Request) (*http.Response, error) {
		_, _ = io.Copy(io.Discard, r.Body)
		return pdfResponse(""), nil
	})

	inputPath, outputPath := writeInput(t, "empty.docx")
	if err := svc.Encode(context.Background(), inputPath, outputPath, models.Profile{}); !errors.Is(err, ErrEmptyOutput) {
		t.Fatalf("expected ErrEmptyOutput, got %v", err)
	}
}

func TestGotenbergService_Encode_Timeout(t *testing.T) {
	t.Parallel()

	svc := NewGotenbergService("http://example.invalid", "", slog.Default())
	svc.client.Transport = roundTripFunc(func(r *http.Request) (*http.Response, error) {
		<-r.Context().Done()
		return nil, r.Context().Err()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	inputPath, outputPath := writeInput(t, "slow.docx")
	if err := svc.Encode(ctx, inputPath, outputPath, models.Profile{}); !errors.Is(err, ErrEncodeTimeout) {
		t.Fatalf("expected ErrEncodeTimeout, got %v", err)
	}
}
