package models

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
)

const (
	CategoryAudio    = "audio"
	CategoryVideo    = "video"
	CategoryImage    = "image"
	CategoryDocument = "document"
	CategorySpecial  = "special"
)

var (
	ErrUnsupportedInput  = errors.New("unsupported input format")
	ErrUnsupportedOutput = errors.New("unsupported output format")
	ErrIncompatible      = errors.New("incompatible format pair")
)

// Profile is how one output format is produced.
type Profile struct {
	Format    string
	Category  string
	Extension string
	Args      []string
}

var defaultAudio = map[string][]string{
	"mp3":  {"-acodec", "libmp3lame", "-ab", "192k"},
	"wav":  {"-acodec", "pcm_s16le"},
	"ogg":  {"-acodec", "libvorbis"},
	"flac": {"-acodec", "flac"},
	"aac":  {"-acodec", "aac"},
	"m4a":  {"-acodec", "aac", "-strict", "-2"},
	"wma":  {"-acodec", "wmav2"},
}

var defaultVideo = map[string][]string{
	"mp4":  {"-vcodec", "libx264", "-acodec", "aac"},
	"mov":  {"-vcodec", "libx264", "-acodec", "aac"},
	"avi":  {"-vcodec", "mpeg4", "-acodec", "mp3"},
	"mkv":  {"-vcodec", "libx264", "-acodec", "aac"},
	"webm": {"-vcodec", "libvpx", "-acodec", "libvorbis"},
	"mpeg": {"-vcodec", "mpeg1video", "-acodec", "mp2"},
	"3gp":  {"-vcodec", "h263", "-acodec", "aac"},
	"ts":   {"-vcodec", "mpeg2video", "-acodec", "mp2"},
}

var defaultImage = map[string][]string{
	"jpg":  {"-c:v", "mjpeg"},
	"jpeg": {"-c:v", "mjpeg"},
	"png":  {"-c:v", "png"},
	"gif":  {"-c:v", "gif"},
	"bmp":  {"-c:v", "bmp"},
	"webp": {"-c:v", "libwebp"},
	"tiff": {"-c:v", "tiff"},
	"tif":  {"-c:v", "tiff"},
}

// Document inputs are converted by Gotenberg, never by the encoder binary,
// so they carry no args. pdf is the only document output.
var documentInputs = []string{"doc", "docx", "odt", "rtf", "xls", "xlsx", "ods", "ppt", "pptx", "odp"}

// specialProfiles are named outputs that map onto a regular extension.
var specialProfiles = map[string]Profile{
	"voicemail_wav": {
		Format:    "voicemail_wav",
		Category:  CategorySpecial,
		Extension: "wav",
		Args:      []string{"-acodec", "pcm_mulaw", "-ar", "8000", "-ac", "1", "-vn"},
	},
}

// OutputExtension returns the file extension written for a target format.
func OutputExtension(format string) string {
	if p, ok := specialProfiles[format]; ok {
		return p.Extension
	}
	return format
}

// FormatTable is the static category -> format -> encoder args mapping.
type FormatTable struct {
	categories map[string]map[string][]string
	documents  bool
}

// NewFormatTable builds the table. allowed narrows the audio and video
// categories the way ALLOWED_FORMATS does; a nil map keeps every default.
// Formats named in allowed that have no default codec args are ignored.
func NewFormatTable(allowed map[string][]string, documents bool) *FormatTable {
	t := &FormatTable{
		categories: map[string]map[string][]string{
			CategoryAudio: defaultAudio,
			CategoryVideo: defaultVideo,
			CategoryImage: defaultImage,
		},
		documents: documents,
	}
	if allowed == nil {
		return t
	}
	for _, cat := range []string{CategoryAudio, CategoryVideo} {
		defaults := t.categories[cat]
		narrowed := make(map[string][]string)
		for _, f := range allowed[cat] {
			f = strings.ToLower(strings.TrimSpace(f))
			if args, ok := defaults[f]; ok {
				narrowed[f] = args
			}
		}
		t.categories[cat] = narrowed
	}
	return t
}

// CategoryOf returns the input category for an extension (without dot).
func (t *FormatTable) CategoryOf(ext string) (string, bool) {
	ext = strings.ToLower(ext)
	for _, cat := range []string{CategoryAudio, CategoryVideo, CategoryImage} {
		if _, ok := t.categories[cat][ext]; ok {
			return cat, true
		}
	}
	if t.documents {
		for _, d := range documentInputs {
			if d == ext {
				return CategoryDocument, true
			}
		}
	}
	return "", false
}

// Lookup returns the profile for a target format.
func (t *FormatTable) Lookup(format string) (Profile, bool) {
	format = strings.ToLower(format)
	if p, ok := specialProfiles[format]; ok {
		return p, true
	}
	if format == "pdf" && t.documents {
		return Profile{Format: "pdf", Category: CategoryDocument, Extension: "pdf"}, true
	}
	for _, cat := range []string{CategoryAudio, CategoryVideo, CategoryImage} {
		if args, ok := t.categories[cat][format]; ok {
			return Profile{Format: format, Category: cat, Extension: format, Args: args}, true
		}
	}
	return Profile{}, false
}

// Resolve validates that filename can be converted to target and returns the
// input category plus the output profile.
func (t *FormatTable) Resolve(filename, target string) (string, Profile, error) {
	ext := strings.TrimPrefix(filepath.Ext(filename), ".")
	inCat, ok := t.CategoryOf(ext)
	if !ok {
		return "", Profile{}, fmt.Errorf("%w: %q", ErrUnsupportedInput, ext)
	}
	profile, ok := t.Lookup(target)
	if !ok {
		return "", Profile{}, fmt.Errorf("%w: %q", ErrUnsupportedOutput, target)
	}
	if !compatible(inCat, profile.Category) {
		return "", Profile{}, fmt.Errorf("%w: %s (%s) -> %s (%s)",
			ErrIncompatible, ext, inCat, profile.Format, profile.Category)
	}
	return inCat, profile, nil
}

// Formats lists supported output formats per category, sorted.
func (t *FormatTable) Formats() map[string][]string {
	out := make(map[string][]string)
	for cat, formats := range t.categories {
		names := make([]string, 0, len(formats))
		for f := range formats {
			names = append(names, f)
		}
		sort.Strings(names)
		out[cat] = names
	}
	for name := range specialProfiles {
		out[CategorySpecial] = append(out[CategorySpecial], name)
	}
	if t.documents {
		out[CategoryDocument] = []string{"pdf"}
	}
	return out
}

func compatible(in, out string) bool {
	switch {
	case in == out:
		return true
	case in == CategoryVideo && out == CategoryAudio:
		return true
	case out == CategorySpecial:
		return in == CategoryAudio || in == CategoryVideo
	}
	return false
}
