package app

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/roman-kulish/polarimetry/internal/storage"
	"github.com/roman-kulish/polarimetry/internal/sweep"
	"github.com/roman-kulish/polarimetry/internal/waveform"
)

func Run(ctx context.Context, config *Config, logger *slog.Logger) error {
	if _, err := os.Stat(config.DBPath); err != nil && os.IsNotExist(err) {
		return fmt.Errorf("database file '%s' does not exist: %w", config.DBPath, err)
	}

	store := storage.NewSqliteStore(config.DBPath)
	defer store.Close()

	if config.RunID == "" {
		return listRuns(ctx, store, config.Stdout)
	}
	return exportResults(ctx, store, config, logger)
}

func listRuns(ctx context.Context, store storage.Store, out io.Writer) error {
	runs, err := store.Runs(ctx)
	if err != nil {
		return fmt.Errorf("listing runs: %w", err)
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tCREATED\tCOORDINATES\tFAULTS")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s/%s\t%s\n",
			r.ID,
			r.Status,
			humanize.Time(r.CreatedAt),
			humanize.Comma(int64(r.Completed)),
			humanize.Comma(int64(r.Total)),
			humanize.Comma(int64(r.Faults)))
	}
	return tw.Flush()
}

func exportResults(ctx context.Context, store storage.Store, config *Config, logger *slog.Logger) (err error) {
	summary, err := store.Run(ctx, config.RunID)
	if err != nil {
		return fmt.Errorf("reading run %s: %w", config.RunID, err)
	}

	opts := []storage.ReaderOption{storage.WithFromIndex(config.FromIndex)}
	if config.FaultsOnly {
		opts = append(opts, storage.WithFaultsOnly())
	}
	if config.WaveformDir != "" {
		opts = append(opts, storage.WithWaveforms())
	}

	iter, err := store.ReadResults(ctx, summary.ID, opts...)
	if err != nil {
		return err
	}
	defer iter.Close()

	out := config.Stdout
	if config.OutputFile != "" {
		var f *os.File
		if f, err = os.Create(config.OutputFile); err != nil {
			return fmt.Errorf("creating output file '%s': %w", config.OutputFile, err)
		}
		defer func() {
			if cErr := f.Close(); cErr != nil && err == nil {
				err = cErr
			}
		}()
		out = f
	}

	logger.Info("exporting results",
		slog.String("run", summary.ID),
		slog.String("status", string(summary.Status)),
		slog.String("completed", fmt.Sprintf("%s of %s", humanize.Comma(int64(summary.Completed)), humanize.Comma(int64(summary.Total)))))

	w := newResultWriter(out)
	var count, waveforms int
	for iter.Next(ctx) {
		r := iter.Current()
		if err = w.Write(r); err != nil {
			return fmt.Errorf("writing result %d: %w", r.Index, err)
		}
		count++

		if config.WaveformDir != "" && r.Waveform != nil {
			if err = writeWaveform(config.WaveformDir, summary.ID, r); err != nil {
				return err
			}
			waveforms++
		}
	}
	if err = iter.Error(); err != nil {
		return fmt.Errorf("reading results: %w", err)
	}
	if err = w.Flush(); err != nil {
		return err
	}

	logger.Info("results exported", slog.Int("results", count), slog.Int("waveforms", waveforms))
	return nil
}

func writeWaveform(dir, runID string, r *sweep.Result) (err error) {
	path := storage.WaveformPath(dir, runID, r)
	if err = os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating waveform directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating waveform file: %w", err)
	}
	defer func() {
		if cErr := f.Close(); cErr != nil && err == nil {
			err = cErr
		}
	}()

	if err = waveform.WriteCSV(f, r.Waveform); err != nil {
		return fmt.Errorf("writing waveform %d: %w", r.Index, err)
	}
	return nil
}

// resultWriter writes one CSV row per result. The axis columns are taken from
// the first result written.
type resultWriter struct {
	w    *csv.Writer
	axes []string
}

func newResultWriter(out io.Writer) *resultWriter {
	return &resultWriter{w: csv.NewWriter(out)}
}

func (rw *resultWriter) Write(r *sweep.Result) error {
	if rw.axes == nil {
		rw.axes = make([]string, 0, r.Coordinate.Len())
		for _, v := range r.Coordinate.Values() {
			rw.axes = append(rw.axes, v.Axis)
		}

		header := append([]string{"index"}, rw.axes...)
		header = append(header, "baseline", "integral", "attempts", "fault_reason", "fault_message", "measured_at")
		if err := rw.w.Write(header); err != nil {
			return err
		}
	}

	row := make([]string, 0, len(rw.axes)+7)
	row = append(row, strconv.Itoa(r.Index))
	for _, axis := range rw.axes {
		if v, ok := r.Coordinate.Value(axis); ok {
			row = append(row, formatFloat(v))
		} else {
			row = append(row, "")
		}
	}

	var reason, message string
	if r.Fault != nil {
		reason, message = string(r.Fault.Reason), r.Fault.Message
	}
	row = append(row,
		formatFloat(r.Baseline),
		formatFloat(r.Integral),
		strconv.Itoa(r.Attempts),
		reason,
		message,
		r.MeasuredAt.UTC().Format(time.RFC3339Nano))

	return rw.w.Write(row)
}

func (rw *resultWriter) Flush() error {
	rw.w.Flush()
	return rw.w.Error()
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
