package job

import (
	"errors"
	"time"

	"github.com/zombor/ballot-extract/internal/dispatch"
	"github.com/zombor/ballot-extract/internal/extraction"
)

var (
	// ErrJobNotFound is returned for unknown job ids
	ErrJobNotFound = errors.New("job not found")
	// ErrNoCredentials is returned when a job is submitted with no key configured
	ErrNoCredentials = errors.New("no credentials configured")
	// ErrJobFinished is returned when cancelling a job that already ended
	ErrJobFinished = errors.New("job already finished")
)

// State is the lifecycle position of a job
type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateCancelled State = "cancelled"
	StateFailed    State = "failed"
)

// Finished reports whether the job will not change any more
func (s State) Finished() bool {
	return s == StateCompleted || s == StateCancelled || s == StateFailed
}

// File is an uploaded document kept on disk for the job
type File struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type"`
	Path        string `json:"path"`
	Size        int    `json:"size"`
}

// Job is one submitted set of documents and everything known about its run
type Job struct {
	ID       string                `json:"id"`
	State    State                 `json:"state"`
	Files    []File                `json:"files"`
	Items    []extraction.WorkItem `json:"items"`
	Progress *dispatch.Progress    `json:"progress,omitempty"`
	Results  []extraction.Result   `json:"results"`
	Error    string                `json:"error,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}
