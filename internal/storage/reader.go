package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/roman-kulish/polarimetry/internal/sweep"
)

var _ ResultReader = (*SqliteResultReader)(nil)

// ReaderOption configures a SqliteResultReader
type ReaderOption func(*SqliteResultReader)

// WithFaultsOnly restricts the reader to faulted results
func WithFaultsOnly() ReaderOption {
	return func(r *SqliteResultReader) {
		r.faultsOnly = true
	}
}

// WithWaveforms loads stored waveforms along with the results. Without it
// Result.Waveform is always nil.
func WithWaveforms() ReaderOption {
	return func(r *SqliteResultReader) {
		r.waveforms = true
	}
}

// WithFromIndex skips results with an index below from
func WithFromIndex(from int) ReaderOption {
	return func(r *SqliteResultReader) {
		r.from = max(from, 0)
	}
}

// SqliteResultReader iterates over the results of one run in index order.
// A reader must be used from a single goroutine.
type SqliteResultReader struct {
	runID      string
	faultsOnly bool
	waveforms  bool
	from       int

	rows    *sql.Rows
	current *sweep.Result
	err     error
}

func (s *SqliteStore) ReadResults(ctx context.Context, runID string, opts ...ReaderOption) (ResultReader, error) {
	r := &SqliteResultReader{runID: runID}
	for _, opt := range opts {
		opt(r)
	}

	db, err := s.getReadDB()
	if err != nil {
		return nil, fmt.Errorf("getting read connection: %w", err)
	}

	column, filter := "NULL", ""
	if r.waveforms {
		column = "waveform"
	}
	if r.faultsOnly {
		filter = "AND fault_reason IS NOT NULL"
	}

	rows, err := db.QueryContext(ctx, fmt.Sprintf(selectResultsSQL, column, filter), runID, r.from)
	if err != nil {
		return nil, fmt.Errorf("querying results of run %s: %w", runID, err)
	}
	r.rows = rows

	return r, nil
}

func (r *SqliteResultReader) Next(ctx context.Context) bool {
	if r.err != nil {
		return false
	}
	if err := ctx.Err(); err != nil {
		r.err = err
		return false
	}

	if !r.rows.Next() {
		if err := r.rows.Err(); err != nil {
			r.err = fmt.Errorf("iterating results of run %s: %w", r.runID, err)
		}
		r.current = nil
		return false
	}

	var row resultRow
	if err := r.rows.Scan(
		&row.Index,
		&row.Coordinate,
		&row.Baseline,
		&row.Integral,
		&row.FaultReason,
		&row.FaultMessage,
		&row.Attempts,
		&row.MeasuredAt,
		&row.Waveform,
	); err != nil {
		r.err = fmt.Errorf("scanning result: %w", err)
		return false
	}

	result, err := fromResultRow(&row)
	if err != nil {
		r.err = err
		return false
	}

	r.current = result
	return true
}

func (r *SqliteResultReader) Current() *sweep.Result {
	return r.current
}

func (r *SqliteResultReader) Error() error {
	return r.err
}

func (r *SqliteResultReader) Close() error {
	return r.rows.Close()
}
