package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/go-chi/chi/v5"

	"fileconverter/models"
)

// maxFieldSize caps non-file form fields.
const maxFieldSize = 256

// defaultOutputFormat applies when no output_format precedes the file.
const defaultOutputFormat = "mp3"

// JobService is the part of the conversion pool the handlers drive.
type JobService interface {
	Submit(ctx context.Context, r io.Reader, originalFilename, targetFormat string) (string, error)
	Status(ctx context.Context, id string) (models.StatusView, error)
	Open(name string) (*os.File, error)
}

type Handler struct {
	jobs           JobService
	formats        *models.FormatTable
	downloadPrefix string
	logger         *slog.Logger
}

func NewHandler(jobs JobService, formats *models.FormatTable, downloadPrefix string, logger *slog.Logger) *Handler {
	if downloadPrefix == "" {
		downloadPrefix = "/download/"
	}
	return &Handler{
		jobs:           jobs,
		formats:        formats,
		downloadPrefix: downloadPrefix,
		logger:         logger.With(slog.String("component", "api")),
	}
}

type convertResponse struct {
	TaskID      string           `json:"task_id"`
	JobID       string           `json:"job_id"`
	Status      models.JobStatus `json:"status"`
	DownloadURL string           `json:"download_url"`
}

// Convert handles POST /api/convert. The multipart body is read part by
// part and the file part is streamed straight into scratch storage, so
// output_format only counts when it arrives before the file, either as an
// earlier form field or as a query parameter. Without one the target is
// defaultOutputFormat; a format field after the file is ignored.
func (h *Handler) Convert(w http.ResponseWriter, r *http.Request) {
	mr, err := r.MultipartReader()
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeValidationError, "expected multipart/form-data body")
		return
	}

	target := strings.TrimSpace(r.URL.Query().Get("output_format"))
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			writeError(w, http.StatusBadRequest, CodeValidationError, "malformed multipart body")
			return
		}

		switch part.FormName() {
		case "output_format":
			value, err := io.ReadAll(io.LimitReader(part, maxFieldSize))
			part.Close()
			if err != nil {
				writeError(w, http.StatusBadRequest, CodeValidationError, "malformed output_format field")
				return
			}
			target = strings.TrimSpace(string(value))

		case "file":
			if target == "" {
				target = defaultOutputFormat
			}
			id, err := h.jobs.Submit(r.Context(), part, part.FileName(), target)
			part.Close()
			if err != nil {
				h.logger.Warn("Conversion rejected",
					slog.String("filename", part.FileName()),
					slog.String("target_format", target),
					slog.String("error", err.Error()),
				)
				writeServiceError(w, err)
				return
			}
			writeJSON(w, http.StatusAccepted, convertResponse{
				TaskID:      id,
				JobID:       id,
				Status:      models.StatusQueued,
				DownloadURL: h.downloadPrefix + id + "." + models.OutputExtension(strings.ToLower(target)),
			})
			return

		default:
			_, _ = io.Copy(io.Discard, part)
			part.Close()
		}
	}

	writeError(w, http.StatusBadRequest, CodeValidationError, "no file provided")
}

// Status handles GET /api/conversion-status/{id}.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	view, err := h.jobs.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// Download handles GET /download/{filename}.
func (h *Handler) Download(w http.ResponseWriter, r *http.Request) {
	name, err := url.PathUnescape(chi.URLParam(r, "filename"))
	if err != nil {
		writeError(w, http.StatusNotFound, CodeNotFound, "resource not found")
		return
	}

	f, err := h.jobs.Open(name)
	if err != nil {
		h.logger.Debug("Download refused", slog.String("name", name), slog.String("error", err.Error()))
		writeServiceError(w, err)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		writeError(w, http.StatusInternalServerError, CodeInternalError, "internal error")
		return
	}

	filename := info.Name()
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": filename}))
	http.ServeContent(w, r, filename, info.ModTime(), f)
}

// Formats handles GET /api/formats.
func (h *Handler) Formats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"formats": h.formats.Formats(),
	})
}

func (h *Handler) NotFound(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusNotFound, CodeNotFound, fmt.Sprintf("no route for %s %s", r.Method, r.URL.Path))
}
