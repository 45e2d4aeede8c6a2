package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/roman-kulish/polarimetry/internal/archive"
	"github.com/roman-kulish/polarimetry/internal/digitizer"
	"github.com/roman-kulish/polarimetry/internal/digitizer/scpi"
	digitizersim "github.com/roman-kulish/polarimetry/internal/digitizer/simulated"
	"github.com/roman-kulish/polarimetry/internal/stage"
	"github.com/roman-kulish/polarimetry/internal/stage/elliptec"
	stagesim "github.com/roman-kulish/polarimetry/internal/stage/simulated"
	"github.com/roman-kulish/polarimetry/internal/storage"
	"github.com/roman-kulish/polarimetry/internal/sweep"
)

// ErrRunAborted is returned by Run when the sweep was stopped or aborted on
// a fault. The persisted prefix can be continued with WithResume.
var ErrRunAborted = errors.New("run aborted")

type options struct {
	resume string
}

type Option func(*options)

// WithResume continues the stored run instead of starting a new one
func WithResume(runID string) Option {
	return func(o *options) {
		o.resume = runID
	}
}

// Run opens the store and both instrument sessions, runs the sweep and
// archives the finished run when configured. Sessions are closed on every
// path.
func Run(ctx context.Context, config *Config, logger *slog.Logger, opts ...Option) error {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	plan, err := config.Plan()
	if err != nil {
		return fmt.Errorf("building plan: %w", err)
	}

	store, err := createStorage(ctx, &config.Storage, logger)
	if err != nil {
		return fmt.Errorf("failed to create storage: %w", err)
	}
	defer closeLogged(store, "storage", logger)

	st, stageCloser, err := createStage(&config.Stage, plan, logger)
	if err != nil {
		return fmt.Errorf("failed to create stage: %w", err)
	}
	defer closeLogged(stageCloser, "stage", logger)

	dig, digitizerCloser, err := createDigitizer(ctx, &config.Digitizer, logger)
	if err != nil {
		return fmt.Errorf("failed to create digitizer: %w", err)
	}
	defer closeLogged(digitizerCloser, "digitizer", logger)

	run, err := runSweep(ctx, config, plan, o.resume, st, dig, store, logger)
	if err != nil {
		return err
	}

	if config.Archive != nil {
		if err = archiveRun(context.WithoutCancel(ctx), config, run.ID, store, logger); err != nil {
			return fmt.Errorf("archiving run %s: %w", run.ID, err)
		}
	}

	if run.Status == sweep.StatusAborted {
		return fmt.Errorf("%w: %s after %d of %d coordinates", ErrRunAborted, run.ID, len(run.Results), len(plan.Coordinates))
	}
	return nil
}

func createStorage(ctx context.Context, config *StorageConfig, logger *slog.Logger) (*storage.SqliteStore, error) {
	dir := filepath.Dir(config.Database)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating storage directory '%s': %w", dir, err)
	}

	opts := []storage.SqliteStoreOption{storage.WithLogger(logger)}
	if config.WaveformDir != "" {
		if err := os.MkdirAll(config.WaveformDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating waveform directory '%s': %w", config.WaveformDir, err)
		}
		opts = append(opts, storage.WithWaveformDir(config.WaveformDir))
	}

	store := storage.NewSqliteStore(config.Database, opts...)
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("migrating '%s': %w", config.Database, err)
	}
	return store, nil
}

func createStage(config *StageConfig, plan *sweep.Plan, logger *slog.Logger) (stage.Port, io.Closer, error) {
	switch config.Driver {
	case DriverElliptec:
		var opts []elliptec.Option
		opts = append(opts, elliptec.WithLogger(logger))
		if config.AddressFrom != "" || config.AddressTo != "" {
			lo, hi := config.AddressFrom, config.AddressTo
			if lo == "" {
				lo = "0"
			}
			if hi == "" {
				hi = "F"
			}
			opts = append(opts, elliptec.WithAddressRange(lo, hi))
		}
		if config.ReplyTimeout > 0 {
			opts = append(opts, elliptec.WithReplyTimeout(time.Duration(config.ReplyTimeout)))
		}
		if config.MotionTimeout > 0 {
			opts = append(opts, elliptec.WithMotionTimeout(time.Duration(config.MotionTimeout)))
		}

		bus, err := elliptec.Open(config.Port, config.Serial, opts...)
		if err != nil {
			return nil, nil, fmt.Errorf("opening Elliptec bus: %w", err)
		}
		return bus, bus, nil

	case DriverSimulated:
		addresses := make([]string, 0, len(plan.Axes))
		for _, a := range plan.Axes {
			addresses = append(addresses, a.Address)
		}
		st := stagesim.New(addresses,
			stagesim.WithLogger(logger),
			stagesim.WithMoveDelay(time.Duration(config.MoveDelay)))
		return st, nopCloser, nil

	default:
		return nil, nil, fmt.Errorf("creating stage: unknown driver '%s'", config.Driver)
	}
}

func createDigitizer(ctx context.Context, config *DigitizerConfig, logger *slog.Logger) (digitizer.Port, io.Closer, error) {
	switch config.Driver {
	case DriverSCPI:
		opts := []scpi.Option{scpi.WithLogger(logger)}
		if config.Format != "" {
			opts = append(opts, scpi.WithFormat(config.Format))
		}
		if config.CommandTimeout > 0 {
			opts = append(opts, scpi.WithCommandTimeout(time.Duration(config.CommandTimeout)))
		}
		if config.Reset {
			opts = append(opts, scpi.WithReset())
		}

		client, err := scpi.Dial(ctx, config.Address, opts...)
		if err != nil {
			return nil, nil, fmt.Errorf("connecting to digitizer: %w", err)
		}
		return client, client, nil

	case DriverSimulated:
		height := config.PulseHeight
		if height == 0 {
			height = 1
		}
		d := digitizersim.New(
			digitizersim.WithLogger(logger),
			digitizersim.WithSignal(func() float64 { return height }))
		return d, nopCloser, nil

	default:
		return nil, nil, fmt.Errorf("creating digitizer: unknown driver '%s'", config.Driver)
	}
}

func archiveRun(ctx context.Context, config *Config, runID string, store *storage.SqliteStore, logger *slog.Logger) error {
	client, err := archive.NewS3Client(ctx, *config.Archive)
	if err != nil {
		return err
	}

	keys, err := archive.New(client, *config.Archive, archive.WithLogger(logger)).
		ArchiveRun(ctx, runID, store, config.Storage.WaveformDir)
	if err != nil {
		return err
	}

	logger.Info("run uploaded", slog.String("run", runID), slog.Int("objects", len(keys)))
	return nil
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

var nopCloser = closerFunc(func() error { return nil })

func closeLogged(c io.Closer, name string, logger *slog.Logger) {
	if err := c.Close(); err != nil {
		logger.Warn("failed to close "+name, slog.String("error", err.Error()))
	}
}
