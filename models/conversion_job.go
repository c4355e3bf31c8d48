package models

import (
	"fmt"
	"time"
)

type JobStatus string

const (
	StatusQueued     JobStatus = "queued"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
)

// transitions lists every allowed status change. Terminal states have no
// outgoing edges and queued can only move to processing.
var transitions = map[JobStatus]map[JobStatus]bool{
	StatusQueued:     {StatusProcessing: true},
	StatusProcessing: {StatusCompleted: true, StatusFailed: true},
	StatusCompleted:  {},
	StatusFailed:     {},
}

// IsTerminal reports whether no further transition can happen.
func (s JobStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition reports whether from -> to is a legal status change.
func CanTransition(from, to JobStatus) bool {
	return transitions[from][to]
}

type ConversionJob struct {
	ID               string    `json:"id"`
	Status           JobStatus `json:"status"`
	SourcePath       string    `json:"sourcePath"`
	TargetPath       string    `json:"targetPath"`
	OriginalFilename string    `json:"originalFilename"`
	TargetFormat     string    `json:"targetFormat"`
	Category         string    `json:"category"`
	Size             int64     `json:"size"`
	Error            string    `json:"error,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
	StartedAt        time.Time `json:"startedAt,omitzero"`
	CompletedAt      time.Time `json:"completedAt,omitzero"`
}

// Transition moves the job to the next status, stamping the matching
// timestamp. It refuses any change that would leave a terminal state or skip
// processing.
func (j *ConversionJob) Transition(to JobStatus, errMsg string, now time.Time) error {
	if !CanTransition(j.Status, to) {
		return fmt.Errorf("invalid transition %s -> %s for job %s", j.Status, to, j.ID)
	}
	j.Status = to
	switch to {
	case StatusProcessing:
		j.StartedAt = now
	case StatusCompleted:
		j.CompletedAt = now
		j.Error = ""
	case StatusFailed:
		j.CompletedAt = now
		j.Error = errMsg
	}
	return nil
}

// OutputName is the file name of the converted artifact inside the output
// directory.
func (j *ConversionJob) OutputName() string {
	return fmt.Sprintf("%s.%s", j.ID, OutputExtension(j.TargetFormat))
}

// StatusView is what a polling client sees.
type StatusView struct {
	JobID       string    `json:"job_id"`
	Status      JobStatus `json:"status"`
	Error       string    `json:"error,omitempty"`
	DownloadURL string    `json:"download_url,omitempty"`
	CreatedAt   time.Time `json:"created_at,omitzero"`
	CompletedAt time.Time `json:"completed_at,omitzero"`
}
