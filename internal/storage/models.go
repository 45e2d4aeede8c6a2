package storage

import (
	"database/sql"
	"time"
)

type runRow struct {
	ID          string
	CreatedAt   time.Time
	FinishedAt  sql.NullTime
	Status      string
	Fingerprint string
	Manifest    string
}

type resultRow struct {
	Index        int
	Coordinate   string
	Baseline     sql.NullFloat64
	Integral     sql.NullFloat64
	FaultReason  sql.NullString
	FaultMessage sql.NullString
	Attempts     int
	MeasuredAt   time.Time
	Waveform     sql.NullString
}

type summaryRow struct {
	ID          string
	CreatedAt   time.Time
	FinishedAt  sql.NullTime
	Status      string
	Fingerprint string
	Total       int
	Completed   int
	Faults      int
}
