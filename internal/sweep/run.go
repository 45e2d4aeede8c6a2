package sweep

import (
	"context"
	"time"

	"github.com/roman-kulish/polarimetry/internal/waveform"
)

const (
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusAborted    Status = "aborted"
)

type Status string

func (s Status) Valid() bool {
	return s == StatusInProgress || s == StatusCompleted || s == StatusAborted
}

// Result is the outcome of one visited coordinate; either Fault is nil and
// Baseline/Integral are valid, or Fault says why not.
type Result struct {
	Index      int                `json:"index"`
	Coordinate Coordinate         `json:"coordinate"`
	Baseline   float64            `json:"baseline"`
	Integral   float64            `json:"integral"`
	Fault      *Fault             `json:"fault,omitempty"`
	Attempts   int                `json:"attempts"`
	Waveform   *waveform.Waveform `json:"-"`
	MeasuredAt time.Time          `json:"measuredAt"`
}

func (r *Result) OK() bool {
	return r.Fault == nil
}

// Run aggregates a plan and the results of the coordinates visited so far
type Run struct {
	ID          string     `json:"id"`
	Plan        *Plan      `json:"plan"`
	Fingerprint string     `json:"fingerprint"`
	Status      Status     `json:"status"`
	Results     []*Result  `json:"results"`
	CreatedAt   time.Time  `json:"createdAt"`
	FinishedAt  *time.Time `json:"finishedAt,omitempty"`
}

// Faults returns the number of faulted results
func (r *Run) Faults() int {
	var n int
	for _, res := range r.Results {
		if !res.OK() {
			n++
		}
	}
	return n
}

// Store persists runs incrementally. AppendResult must be durable before it
// returns and accepts only the next index of an in-progress run.
type Store interface {
	CreateRun(ctx context.Context, run *Run) error
	AppendResult(ctx context.Context, runID string, result *Result) error
	FinalizeRun(ctx context.Context, runID string, status Status) error
	LoadRun(ctx context.Context, runID string) (*Run, error)

	// ReopenRun moves an aborted run back to in progress so it can be resumed
	ReopenRun(ctx context.Context, runID string) error
}
