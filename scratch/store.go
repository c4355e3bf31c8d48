package scratch

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// ChunkSize is the copy buffer used when streaming uploads to disk.
const ChunkSize = 1 << 20

var (
	ErrTooLarge = errors.New("file exceeds size limit")
	ErrNotFound = errors.New("file not found")
)

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9_.-]`)

// SanitizeFilename strips every character outside [A-Za-z0-9_.-].
func SanitizeFilename(name string) string {
	return unsafeChars.ReplaceAllString(name, "")
}

// Store owns the uploads/ and converted/ scratch directories.
type Store struct {
	uploadDir string
	outputDir string
	maxSize   int64
}

// New creates both directories under baseDir. maxSize <= 0 disables the
// upload cap.
func New(baseDir string, maxSize int64) (*Store, error) {
	s := &Store{
		uploadDir: filepath.Join(baseDir, "uploads"),
		outputDir: filepath.Join(baseDir, "converted"),
		maxSize:   maxSize,
	}
	for _, dir := range []string{s.uploadDir, s.outputDir} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create scratch directory %s: %w", dir, err)
		}
	}
	return s, nil
}

func (s *Store) UploadDir() string { return s.uploadDir }
func (s *Store) OutputDir() string { return s.outputDir }

// Save streams r into uploads/<jobID>_original.<ext> and returns the path
// and the number of bytes written. The data goes to a temp file first and
// is renamed into place only when complete.
func (s *Store) Save(r io.Reader, jobID, ext string) (string, int64, error) {
	name := jobID + "_original"
	if ext != "" {
		name += "." + strings.ToLower(ext)
	}
	fullPath := filepath.Join(s.uploadDir, name)
	tmpPath := fullPath + ".tmp"

	f, err := os.Create(tmpPath)
	if err != nil {
		return "", 0, fmt.Errorf("failed to create upload file: %w", err)
	}

	src := r
	if s.maxSize > 0 {
		src = io.LimitReader(r, s.maxSize+1)
	}
	size, err := io.CopyBuffer(f, src, make([]byte, ChunkSize))
	if err != nil {
		f.Close()
		os.Remove(tmpPath)
		return "", 0, fmt.Errorf("failed to write upload: %w", err)
	}
	if s.maxSize > 0 && size > s.maxSize {
		f.Close()
		os.Remove(tmpPath)
		return "", 0, fmt.Errorf("%w: more than %d bytes", ErrTooLarge, s.maxSize)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return "", 0, fmt.Errorf("failed to close upload file: %w", err)
	}
	if err := os.Rename(tmpPath, fullPath); err != nil {
		os.Remove(tmpPath)
		return "", 0, fmt.Errorf("failed to move upload into place: %w", err)
	}
	return fullPath, size, nil
}

// OutputPath is where the artifact named name is written.
func (s *Store) OutputPath(name string) string {
	return filepath.Join(s.outputDir, name)
}

// Open opens a converted artifact by bare file name. Anything that could
// escape the output directory is reported as not found.
func (s *Store) Open(name string) (*os.File, error) {
	if !ValidName(name) {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	f, err := os.Open(filepath.Join(s.outputDir, name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, fmt.Errorf("failed to open %s: %w", name, err)
	}
	info, err := f.Stat()
	if err != nil || !info.Mode().IsRegular() {
		f.Close()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return f, nil
}

// ValidName reports whether name is a single path element.
func ValidName(name string) bool {
	if name == "" || name == "." || strings.Contains(name, "..") {
		return false
	}
	if strings.ContainsAny(name, `/\`) {
		return false
	}
	return filepath.Base(name) == name
}

// Remove deletes path. A missing file is not an error.
func (s *Store) Remove(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove %s: %w", path, err)
	}
	return nil
}
