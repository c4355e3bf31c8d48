package models

import (
	"errors"
	"testing"
	"time"
)

func TestFormatTable_Resolve(t *testing.T) {
	t.Parallel()

	table := NewFormatTable(nil, false)

	tests := []struct {
		name     string
		filename string
		target   string
		wantCat  string
		wantExt  string
		wantErr  error
	}{
		{"wav to mp3", "song.wav", "mp3", CategoryAudio, "mp3", nil},
		{"upper case extension", "SONG.WAV", "MP3", CategoryAudio, "mp3", nil},
		{"video to video", "clip.mov", "mp4", CategoryVideo, "mp4", nil},
		{"video to audio", "clip.mp4", "mp3", CategoryVideo, "mp3", nil},
		{"voicemail profile", "memo.flac", "voicemail_wav", CategoryAudio, "wav", nil},
		{"image to image", "photo.png", "webp", CategoryImage, "webp", nil},
		{"audio to video", "song.mp3", "mp4", "", "", ErrIncompatible},
		{"image to audio", "photo.png", "mp3", "", "", ErrIncompatible},
		{"unknown input", "notes.txt", "mp3", "", "", ErrUnsupportedInput},
		{"no extension", "README", "mp3", "", "", ErrUnsupportedInput},
		{"unknown output", "song.wav", "xyz", "", "", ErrUnsupportedOutput},
		{"documents disabled", "report.docx", "pdf", "", "", ErrUnsupportedInput},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cat, profile, err := table.Resolve(tt.filename, tt.target)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if cat != tt.wantCat {
				t.Fatalf("category: want %q, got %q", tt.wantCat, cat)
			}
			if profile.Extension != tt.wantExt {
				t.Fatalf("extension: want %q, got %q", tt.wantExt, profile.Extension)
			}
		})
	}
}

func TestFormatTable_Documents(t *testing.T) {
	t.Parallel()

	table := NewFormatTable(nil, true)
	cat, profile, err := table.Resolve("report.docx", "pdf")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cat != CategoryDocument || profile.Category != CategoryDocument {
		t.Fatalf("expected document category, got %q/%q", cat, profile.Category)
	}
	if len(profile.Args) != 0 {
		t.Fatalf("document profile should carry no encoder args, got %v", profile.Args)
	}
	if _, _, err := table.Resolve("song.wav", "pdf"); !errors.Is(err, ErrIncompatible) {
		t.Fatalf("expected ErrIncompatible for wav -> pdf, got %v", err)
	}
}

func TestFormatTable_AllowedNarrowsAudioVideo(t *testing.T) {
	t.Parallel()

	table := NewFormatTable(map[string][]string{
		"audio": {"mp3", "WAV", "bogus"},
		"video": {"mp4"},
	}, false)

	if _, ok := table.Lookup("flac"); ok {
		t.Fatal("flac should be excluded by the allow list")
	}
	if _, ok := table.Lookup("wav"); !ok {
		t.Fatal("wav should be kept (case-insensitive)")
	}
	if _, ok := table.Lookup("bogus"); ok {
		t.Fatal("formats without default args must be ignored")
	}
	if _, ok := table.Lookup("png"); !ok {
		t.Fatal("image formats are not narrowed")
	}

	// The defaults must be untouched for other tables.
	if _, ok := NewFormatTable(nil, false).Lookup("flac"); !ok {
		t.Fatal("narrowing leaked into the default table")
	}
}

func TestConversionJob_Transition(t *testing.T) {
	t.Parallel()

	now := time.Now()
	job := &ConversionJob{ID: "j1", Status: StatusQueued, TargetFormat: "mp3"}

	if err := job.Transition(StatusCompleted, "", now); err == nil {
		t.Fatal("queued -> completed must be rejected")
	}
	if err := job.Transition(StatusFailed, "boom", now); err == nil {
		t.Fatal("queued -> failed must be rejected")
	}
	if err := job.Transition(StatusProcessing, "", now); err != nil {
		t.Fatalf("queued -> processing: %v", err)
	}
	if job.StartedAt != now {
		t.Fatal("StartedAt not stamped")
	}
	if err := job.Transition(StatusFailed, "encoder exited with status 1", now); err != nil {
		t.Fatalf("processing -> failed: %v", err)
	}
	if job.Error == "" || job.CompletedAt != now {
		t.Fatal("failed job must carry error and completion time")
	}
	for _, to := range []JobStatus{StatusQueued, StatusProcessing, StatusCompleted, StatusFailed} {
		if err := job.Transition(to, "", now); err == nil {
			t.Fatalf("terminal job accepted transition to %s", to)
		}
	}
	if job.Status != StatusFailed {
		t.Fatalf("terminal status mutated to %s", job.Status)
	}
}

func TestConversionJob_OutputName(t *testing.T) {
	t.Parallel()

	job := &ConversionJob{ID: "abc", TargetFormat: "voicemail_wav"}
	if got := job.OutputName(); got != "abc.wav" {
		t.Fatalf("expected abc.wav, got %s", got)
	}
	job.TargetFormat = "mp3"
	if got := job.OutputName(); got != "abc.mp3" {
		t.Fatalf("expected abc.mp3, got %s", got)
	}
}
