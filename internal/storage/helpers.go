package storage

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/roman-kulish/polarimetry/internal/sweep"
	"github.com/roman-kulish/polarimetry/internal/waveform"
)

func closeWithError(cl interface{ Close() error }, err *error) {
	if cErr := cl.Close(); cErr != nil && *err == nil {
		*err = cErr
	}
}

// rollbackWithError rolls back tx unless it was already committed
func rollbackWithError(rb interface{ Rollback() error }, err *error) {
	if cErr := rb.Rollback(); cErr != nil && !errors.Is(cErr, sql.ErrTxDone) && *err == nil {
		*err = cErr
	}
}

func toResultRow(r *sweep.Result) (*resultRow, error) {
	coord, err := json.Marshal(r.Coordinate)
	if err != nil {
		return nil, fmt.Errorf("marshaling coordinate: %w", err)
	}

	row := &resultRow{
		Index:      r.Index,
		Coordinate: string(coord),
		Attempts:   r.Attempts,
		MeasuredAt: r.MeasuredAt.UTC(),
	}

	if r.Fault != nil {
		row.FaultReason = sql.NullString{String: string(r.Fault.Reason), Valid: true}
		row.FaultMessage = sql.NullString{String: r.Fault.Message, Valid: true}
	} else {
		row.Baseline = sql.NullFloat64{Float64: r.Baseline, Valid: true}
		row.Integral = sql.NullFloat64{Float64: r.Integral, Valid: true}
	}

	if r.Waveform != nil {
		var buf bytes.Buffer
		if err = waveform.WriteCSV(&buf, r.Waveform); err != nil {
			return nil, fmt.Errorf("encoding waveform: %w", err)
		}
		row.Waveform = sql.NullString{String: buf.String(), Valid: true}
	}

	return row, nil
}

func fromResultRow(row *resultRow) (*sweep.Result, error) {
	r := &sweep.Result{
		Index:      row.Index,
		Attempts:   row.Attempts,
		MeasuredAt: row.MeasuredAt,
		Baseline:   row.Baseline.Float64,
		Integral:   row.Integral.Float64,
	}

	if err := json.Unmarshal([]byte(row.Coordinate), &r.Coordinate); err != nil {
		return nil, fmt.Errorf("unmarshaling coordinate of result %d: %w", row.Index, err)
	}

	if row.FaultReason.Valid {
		r.Fault = &sweep.Fault{
			Reason:  sweep.FaultReason(row.FaultReason.String),
			Message: row.FaultMessage.String,
		}
	}

	if row.Waveform.Valid {
		w, err := waveform.ReadCSV(strings.NewReader(row.Waveform.String))
		if err != nil {
			return nil, fmt.Errorf("decoding waveform of result %d: %w", row.Index, err)
		}
		r.Waveform = w
	}

	return r, nil
}

func fromSummaryRow(row *summaryRow) *RunSummary {
	s := &RunSummary{
		ID:          row.ID,
		Status:      sweep.Status(row.Status),
		Fingerprint: row.Fingerprint,
		Total:       row.Total,
		Completed:   row.Completed,
		Faults:      row.Faults,
		CreatedAt:   row.CreatedAt,
	}
	if row.FinishedAt.Valid {
		t := row.FinishedAt.Time
		s.FinishedAt = &t
	}
	return s
}
