package dispatch

import (
	"maps"
	"slices"
	"time"

	"github.com/zombor/ballot-extract/internal/extraction"
	"github.com/zombor/ballot-extract/internal/ratelimit"
)

// State is the lifecycle position of one work item
type State string

const (
	StatePending    State = "pending"
	StateProcessing State = "processing"
	StateDone       State = "done"
	StateError      State = "error"
)

// Status is the tagged variant for one work item. Result is set only when
// State is done, Message only when State is error.
type Status struct {
	State   State              `json:"state"`
	Result  *extraction.Result `json:"result,omitempty"`
	Message string             `json:"message,omitempty"`
}

// PendingStatus is the status of an item no request has touched yet
func PendingStatus() Status { return Status{State: StatePending} }

// ProcessingStatus is the status of an item with a request in flight
func ProcessingStatus() Status { return Status{State: StateProcessing} }

// DoneStatus carries the extracted result
func DoneStatus(r extraction.Result) Status { return Status{State: StateDone, Result: &r} }

// FailedStatus carries a human-readable reason
func FailedStatus(msg string) Status { return Status{State: StateError, Message: msg} }

// Terminal reports whether the item is done or failed
func (s Status) Terminal() bool {
	return s.State == StateDone || s.State == StateError
}

func (s Status) clone() Status {
	if s.Result == nil {
		return s
	}
	r := cloneResult(*s.Result)
	s.Result = &r
	return s
}

func cloneResult(r extraction.Result) extraction.Result {
	r.Fields = maps.Clone(r.Fields)
	r.Votes = slices.Clone(r.Votes)
	r.Metadata.Notes = slices.Clone(r.Metadata.Notes)
	return r
}

// Progress is a point-in-time view of a run. Every map and slice is a copy
// owned by the receiver.
type Progress struct {
	Total         int                   `json:"total"`
	Completed     int                   `json:"completed"`
	Failed        int                   `json:"failed"`
	CurrentBatch  int                   `json:"current_batch"`
	TotalBatches  int                   `json:"total_batches"`
	Items         map[string]Status     `json:"items"`
	Keys          []ratelimit.KeyStatus `json:"keys"`
	WaitingForKey bool                  `json:"waiting_for_key"`
	WaitMs        int64                 `json:"wait_ms"`
	UpdatedAt     time.Time             `json:"updated_at"`
}

// Clone returns a deep copy
func (p Progress) Clone() Progress {
	items := make(map[string]Status, len(p.Items))
	for id, s := range p.Items {
		items[id] = s.clone()
	}
	p.Items = items
	p.Keys = slices.Clone(p.Keys)
	return p
}

// ProgressFunc receives snapshots. It is called synchronously from the run.
type ProgressFunc func(Progress)

// RunReport is the outcome of a run
type RunReport struct {
	Results   []extraction.Result `json:"results"`
	Items     map[string]Status   `json:"items"`
	Total     int                 `json:"total"`
	Completed int                 `json:"completed"`
	Failed    int                 `json:"failed"`
}
