package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/roman-kulish/polarimetry/internal/sweep"
	"github.com/roman-kulish/polarimetry/internal/waveform"
)

var _ Store = (*SqliteStore)(nil)

// SqliteStoreOption configures a SqliteStore
type SqliteStoreOption func(*SqliteStore)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) SqliteStoreOption {
	return func(s *SqliteStore) {
		s.logger = logger
	}
}

// WithWaveformDir additionally writes every stored waveform to
// <dir>/<runID>/<index>_<coordinate>.csv
func WithWaveformDir(dir string) SqliteStoreOption {
	return func(s *SqliteStore) {
		s.waveformDir = dir
	}
}

// WithClock sets the function used to timestamp finalized runs
func WithClock(now func() time.Time) SqliteStoreOption {
	return func(s *SqliteStore) {
		s.now = now
	}
}

// SqliteStore handles database operations
type SqliteStore struct {
	dbPath      string
	waveformDir string
	logger      *slog.Logger
	now         func() time.Time

	writeDB     *sql.DB
	writeDBOnce sync.Once
	writeDBErr  error

	readDB     *sql.DB
	readDBOnce sync.Once
	readDBErr  error

	closeOnce sync.Once
	closeErr  error
}

// NewSqliteStore creates a store backed by the Sqlite database at dbPath.
// Connections are opened lazily, the schema is migrated on the first write.
func NewSqliteStore(dbPath string, opts ...SqliteStoreOption) *SqliteStore {
	s := &SqliteStore{
		dbPath: dbPath,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *SqliteStore) getWriteDB() (*sql.DB, error) {
	s.writeDBOnce.Do(func() {
		dsn := fmt.Sprintf("file:%s?%s", s.dbPath, "_journal_mode=WAL&_synchronous=FULL&_busy_timeout=5000&_foreign_keys=on")
		db, err := sql.Open("sqlite3", dsn)
		if err != nil {
			s.writeDBErr = fmt.Errorf("opening write connection: %w", err)
			return
		}
		// Sqlite has a single writer, serialising here avoids SQLITE_BUSY.
		db.SetMaxOpenConns(1)

		if err = migrateUp(db, s.logger); err != nil {
			_ = db.Close()
			s.writeDBErr = fmt.Errorf("initializing schema: %w", err)
			return
		}

		s.writeDB = db
	})

	return s.writeDB, s.writeDBErr
}

func (s *SqliteStore) getReadDB() (*sql.DB, error) {
	s.readDBOnce.Do(func() {
		db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?%s", s.dbPath, "mode=ro&_busy_timeout=5000"))
		if err != nil {
			s.readDBErr = fmt.Errorf("opening read connection: %w", err)
			return
		}
		s.readDB = db
	})

	return s.readDB, s.readDBErr
}

func (s *SqliteStore) Migrate(_ context.Context) error {
	_, err := s.getWriteDB()
	return err
}

func (s *SqliteStore) CreateRun(ctx context.Context, run *sweep.Run) (err error) {
	if run.Plan == nil {
		return errors.New("creating run: plan is required")
	}

	manifest, err := json.Marshal(run.Plan)
	if err != nil {
		return fmt.Errorf("marshaling manifest: %w", err)
	}

	db, err := s.getWriteDB()
	if err != nil {
		return fmt.Errorf("getting write connection: %w", err)
	}

	stmt, err := db.PrepareContext(ctx, insertRunSQL)
	if err != nil {
		return fmt.Errorf("preparing statement: %w", err)
	}
	defer closeWithError(stmt, &err)

	status := run.Status
	if status == "" {
		status = sweep.StatusInProgress
	}

	if _, err = stmt.ExecContext(ctx, run.ID, run.CreatedAt.UTC(), string(status), run.Fingerprint, string(manifest), len(run.Plan.Coordinates)); err != nil {
		return fmt.Errorf("inserting run %s: %w", run.ID, err)
	}

	s.logger.Debug("run created", slog.String("runID", run.ID), slog.Int("coordinates", len(run.Plan.Coordinates)))
	return nil
}

// AppendResult stores the next result of an in-progress run in a single
// transaction. The index must equal the number of results already stored.
func (s *SqliteStore) AppendResult(ctx context.Context, runID string, result *sweep.Result) (err error) {
	row, err := toResultRow(result)
	if err != nil {
		return err
	}

	db, err := s.getWriteDB()
	if err != nil {
		return fmt.Errorf("getting write connection: %w", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollbackWithError(tx, &err)

	var (
		status string
		stored int
	)
	if err = tx.QueryRowContext(ctx, selectRunForWriteSQL, runID).Scan(&status, &stored); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return sweep.ErrRunNotFound
		}
		return fmt.Errorf("reading run %s: %w", runID, err)
	}

	switch {
	case sweep.Status(status) != sweep.StatusInProgress:
		return sweep.ErrRunFinalized
	case result.Index != stored:
		return fmt.Errorf("%w: got index %d, expected %d", sweep.ErrOutOfOrder, result.Index, stored)
	}

	if _, err = tx.ExecContext(ctx, insertResultSQL,
		runID,
		row.Index,
		row.Coordinate,
		row.Baseline,
		row.Integral,
		row.FaultReason,
		row.FaultMessage,
		row.Attempts,
		row.MeasuredAt,
		row.Waveform,
	); err != nil {
		return fmt.Errorf("inserting result %d: %w", result.Index, err)
	}

	if result.Waveform != nil && s.waveformDir != "" {
		if err = s.exportWaveform(runID, result); err != nil {
			return err
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	return nil
}

// exportWaveform writes the waveform to a temporary file and renames it into
// place, so a reader never observes a partial file
func (s *SqliteStore) exportWaveform(runID string, result *sweep.Result) (err error) {
	dir := filepath.Join(s.waveformDir, runID)
	if err = os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating waveform directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".waveform-*.csv")
	if err != nil {
		return fmt.Errorf("creating waveform file: %w", err)
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmp.Name())
		}
	}()

	if err = waveform.WriteCSV(tmp, result.Waveform); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("writing waveform: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("syncing waveform: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("closing waveform: %w", err)
	}

	if err = os.Rename(tmp.Name(), WaveformPath(s.waveformDir, runID, result)); err != nil {
		return fmt.Errorf("renaming waveform: %w", err)
	}
	return nil
}

// WaveformPath returns the location of an exported waveform
func WaveformPath(dir, runID string, result *sweep.Result) string {
	return filepath.Join(dir, runID, fmt.Sprintf("%04d_%s.csv", result.Index, result.Coordinate.Slug()))
}

func (s *SqliteStore) FinalizeRun(ctx context.Context, runID string, status sweep.Status) error {
	if status != sweep.StatusCompleted && status != sweep.StatusAborted {
		return fmt.Errorf("finalizing run %s: invalid status %q", runID, status)
	}
	return s.transition(ctx, runID, finalizeRunSQL, string(status), s.now().UTC(), runID)
}

func (s *SqliteStore) ReopenRun(ctx context.Context, runID string) error {
	return s.transition(ctx, runID, reopenRunSQL, runID)
}

// transition executes a guarded status update and tells a missing run apart
// from a run in the wrong state
func (s *SqliteStore) transition(ctx context.Context, runID, query string, args ...any) (err error) {
	db, err := s.getWriteDB()
	if err != nil {
		return fmt.Errorf("getting write connection: %w", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollbackWithError(tx, &err)

	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating run %s: %w", runID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("updating run %s: %w", runID, err)
	}

	if n == 0 {
		var status string
		if err = tx.QueryRowContext(ctx, selectRunForWriteSQL, runID).Scan(&status, new(int)); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return sweep.ErrRunNotFound
			}
			return fmt.Errorf("reading run %s: %w", runID, err)
		}
		return fmt.Errorf("%w: run %s is %s", sweep.ErrRunFinalized, runID, status)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func (s *SqliteStore) LoadRun(ctx context.Context, runID string) (run *sweep.Run, err error) {
	db, err := s.getReadDB()
	if err != nil {
		return nil, fmt.Errorf("getting read connection: %w", err)
	}

	var row runRow
	if err = db.QueryRowContext(ctx, selectRunSQL, runID).Scan(
		&row.ID,
		&row.CreatedAt,
		&row.FinishedAt,
		&row.Status,
		&row.Fingerprint,
		&row.Manifest,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sweep.ErrRunNotFound
		}
		return nil, fmt.Errorf("reading run %s: %w", runID, err)
	}

	var plan sweep.Plan
	if err = json.Unmarshal([]byte(row.Manifest), &plan); err != nil {
		return nil, fmt.Errorf("unmarshaling manifest of run %s: %w", runID, err)
	}

	run = &sweep.Run{
		ID:          row.ID,
		Plan:        &plan,
		Fingerprint: row.Fingerprint,
		Status:      sweep.Status(row.Status),
		CreatedAt:   row.CreatedAt,
	}
	if row.FinishedAt.Valid {
		t := row.FinishedAt.Time
		run.FinishedAt = &t
	}

	reader, err := s.ReadResults(ctx, runID, WithWaveforms())
	if err != nil {
		return nil, err
	}
	defer closeWithError(reader, &err)

	for reader.Next(ctx) {
		run.Results = append(run.Results, reader.Current())
	}
	if err = reader.Error(); err != nil {
		return nil, err
	}

	return run, nil
}

func (s *SqliteStore) Run(ctx context.Context, runID string) (*RunSummary, error) {
	db, err := s.getReadDB()
	if err != nil {
		return nil, fmt.Errorf("getting read connection: %w", err)
	}

	row, err := scanSummary(db.QueryRowContext(ctx, selectRunSummarySQL, runID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sweep.ErrRunNotFound
		}
		return nil, fmt.Errorf("reading run %s: %w", runID, err)
	}
	return fromSummaryRow(row), nil
}

func (s *SqliteStore) Runs(ctx context.Context) (summaries []*RunSummary, err error) {
	db, err := s.getReadDB()
	if err != nil {
		return nil, fmt.Errorf("getting read connection: %w", err)
	}

	rows, err := db.QueryContext(ctx, selectRunSummariesSQL)
	if err != nil {
		return nil, fmt.Errorf("querying runs: %w", err)
	}
	defer closeWithError(rows, &err)

	for rows.Next() {
		var row *summaryRow
		if row, err = scanSummary(rows); err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		summaries = append(summaries, fromSummaryRow(row))
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating runs: %w", err)
	}
	return summaries, nil
}

// Snapshot writes a consistent copy of the database to path, which must not exist
func (s *SqliteStore) Snapshot(ctx context.Context, path string) error {
	db, err := s.getWriteDB()
	if err != nil {
		return fmt.Errorf("getting write connection: %w", err)
	}
	if _, err = db.ExecContext(ctx, vacuumIntoSQL, path); err != nil {
		return fmt.Errorf("writing snapshot to %s: %w", path, err)
	}
	return nil
}

func scanSummary(sc interface{ Scan(...any) error }) (*summaryRow, error) {
	var row summaryRow
	err := sc.Scan(
		&row.ID,
		&row.CreatedAt,
		&row.FinishedAt,
		&row.Status,
		&row.Fingerprint,
		&row.Total,
		&row.Completed,
		&row.Faults,
	)
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (s *SqliteStore) Close() error {
	s.closeOnce.Do(func() {
		var errs []error

		if s.writeDB != nil {
			errs = append(errs, s.writeDB.Close())
			s.writeDB = nil
		}

		if s.readDB != nil {
			errs = append(errs, s.readDB.Close())
			s.readDB = nil
		}

		s.closeErr = errors.Join(errs...)
	})

	return s.closeErr
}
