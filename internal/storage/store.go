package storage

import (
	"context"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/roman-kulish/polarimetry/internal/sweep"
)

// Store persists sweep runs and their per-coordinate results. Every write is a
// single transaction, so a result that was acknowledged survives a crash of the
// process that wrote it.
type Store interface {
	sweep.Store

	// Migrate brings the database schema to the latest version. It is called
	// implicitly by the first write, calling it up front makes the database
	// readable before any run exists.
	//
	// Returns:
	//   - error: If the database cannot be opened or a migration fails
	Migrate(ctx context.Context) error

	// Run returns the summary of a single run.
	//
	// Parameters:
	//   - ctx: Context for cancellation and timeouts
	//   - runID: Unique run identifier
	//
	// Returns:
	//   - summary: Run summary, never nil on success
	//   - error: sweep.ErrRunNotFound if the run does not exist
	Run(ctx context.Context, runID string) (summary *RunSummary, err error)

	// Runs returns the summaries of all stored runs, newest first.
	//
	// Parameters:
	//   - ctx: Context for cancellation and timeouts
	//
	// Returns:
	//   - summaries: Slice of run summaries
	//   - error: If retrieval fails or context is cancelled
	Runs(ctx context.Context) (summaries []*RunSummary, err error)

	// ReadResults returns an iterator over the stored results of a run in
	// index order.
	//
	// Parameters:
	//   - ctx: Context for cancellation and timeouts
	//   - runID: Unique run identifier
	//   - opts: Reader options, see WithFaultsOnly, WithWaveforms and WithFromIndex
	//
	// Returns:
	//   - reader: Result iterator, must be closed by the caller
	//   - error: If the query cannot be started
	ReadResults(ctx context.Context, runID string, opts ...ReaderOption) (reader ResultReader, err error)

	// Close releases all database connections. It is safe to call more than once.
	Close() error
}

// ResultReader iterates over stored results
type ResultReader interface {
	// Next advances to the next result, returning false when there are no
	// more results or an error occurred
	Next(ctx context.Context) bool

	// Current returns the result Next advanced to
	Current() *sweep.Result

	// Error returns the error that stopped the iteration, if any
	Error() error

	Close() error
}

// RunSummary is the stored state of a run without its results
type RunSummary struct {
	ID          string       `json:"id"`
	Status      sweep.Status `json:"status"`
	Fingerprint string       `json:"fingerprint"`
	Total       int          `json:"total"`
	Completed   int          `json:"completed"`
	Faults      int          `json:"faults"`
	CreatedAt   time.Time    `json:"createdAt"`
	FinishedAt  *time.Time   `json:"finishedAt,omitempty"`
}

// Remaining returns the number of coordinates not yet visited
func (s *RunSummary) Remaining() int {
	return s.Total - s.Completed
}
