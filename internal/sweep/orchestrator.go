package sweep

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/roman-kulish/polarimetry/internal/digitizer"
	"github.com/roman-kulish/polarimetry/internal/stage"
	"github.com/roman-kulish/polarimetry/internal/waveform"
)

const (
	defaultHomeTimeout      = 60 * time.Second
	defaultMoveTimeout      = 30 * time.Second
	defaultConfigureTimeout = 10 * time.Second
)

// WithLogger sets the logger for the orchestrator
func WithLogger(logger *slog.Logger) func(*Orchestrator) {
	return func(o *Orchestrator) {
		o.logger = logger.With(slog.String("component", "sweep"))
	}
}

// WithHomeTimeout bounds each home command and the address scan
func WithHomeTimeout(d time.Duration) func(*Orchestrator) {
	return func(o *Orchestrator) {
		o.homeTimeout = d
	}
}

// WithMoveTimeout bounds each move-absolute command
func WithMoveTimeout(d time.Duration) func(*Orchestrator) {
	return func(o *Orchestrator) {
		o.moveTimeout = d
	}
}

// WithIDGenerator replaces the run ID generator
func WithIDGenerator(fn func() string) func(*Orchestrator) {
	return func(o *Orchestrator) {
		o.newID = fn
	}
}

// WithClock replaces the clock used for timestamps
func WithClock(fn func() time.Time) func(*Orchestrator) {
	return func(o *Orchestrator) {
		o.now = fn
	}
}

// Orchestrator runs a plan against a stage and a digitizer, persisting one
// result per coordinate. It owns both ports for the duration of a run.
type Orchestrator struct {
	stage     stage.Port
	digitizer digitizer.Port
	store     Store

	homeTimeout time.Duration
	moveTimeout time.Duration

	newID func() string
	now   func() time.Time

	running  atomic.Bool
	stopping atomic.Bool

	mu       sync.Mutex
	progress Progress

	logger *slog.Logger
}

// NewOrchestrator creates a new Orchestrator with a discard logger
func NewOrchestrator(st stage.Port, dig digitizer.Port, store Store, options ...func(*Orchestrator)) *Orchestrator {
	o := Orchestrator{
		stage:       st,
		digitizer:   dig,
		store:       store,
		homeTimeout: defaultHomeTimeout,
		moveTimeout: defaultMoveTimeout,
		newID:       uuid.NewString,
		now:         time.Now,
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	for _, option := range options {
		option(&o)
	}

	return &o
}

// Stop requests the run to end at the next coordinate boundary. The
// coordinate in flight is finished and persisted first. A stop requested
// before a run starts ends that run before its first coordinate.
func (o *Orchestrator) Stop() {
	o.stopping.Store(true)
}

// finish releases the orchestrator once a run returns. The stop request is
// consumed before another run can start.
func (o *Orchestrator) finish() {
	o.stopping.Store(false)
	o.running.Store(false)
}

// State returns the step currently executing
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.progress.State
}

// Progress returns a snapshot of the current run
func (o *Orchestrator) Progress() Progress {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.progress
}

// Execute runs the plan as a new run. Invalid plans, homing failures and
// digitizer setup failures are returned before any result is stored. The
// returned run ends Completed, or Aborted on stop or abort-on-fault.
func (o *Orchestrator) Execute(ctx context.Context, plan *Plan) (*Run, error) {
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	fingerprint, err := plan.Fingerprint()
	if err != nil {
		return nil, err
	}

	if !o.running.CompareAndSwap(false, true) {
		return nil, ErrAlreadyRunning
	}
	defer o.finish()

	o.reset("", len(plan.Coordinates))

	if err = o.prepare(ctx, plan); err != nil {
		o.setState(StateIdle)
		return nil, err
	}

	run := Run{
		ID:          o.newID(),
		Plan:        plan,
		Fingerprint: fingerprint,
		Status:      StatusInProgress,
		CreatedAt:   o.now().UTC(),
	}
	if err = o.store.CreateRun(context.WithoutCancel(ctx), &run); err != nil {
		o.setState(StateIdle)
		return nil, fmt.Errorf("creating run: %w", err)
	}

	o.mu.Lock()
	o.progress.RunID = run.ID
	o.mu.Unlock()

	o.logger.Info("sweep started",
		slog.String("run", run.ID),
		slog.String("coordinates", humanize.Comma(int64(len(plan.Coordinates)))))

	return o.sweep(ctx, &run)
}

// Resume continues a stored run with the same plan. Persisted results are
// checked against the plan and never revisited; the stage is homed again
// before the remaining coordinates are measured.
func (o *Orchestrator) Resume(ctx context.Context, runID string, plan *Plan) (*Run, error) {
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	fingerprint, err := plan.Fingerprint()
	if err != nil {
		return nil, err
	}

	if !o.running.CompareAndSwap(false, true) {
		return nil, ErrAlreadyRunning
	}
	defer o.finish()

	run, err := o.store.LoadRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("loading run %s: %w", runID, err)
	}
	if err = checkPrefix(run, plan, fingerprint); err != nil {
		return nil, err
	}
	if run.Status == StatusCompleted {
		return run, nil
	}
	run.Plan = plan

	o.reset(run.ID, len(plan.Coordinates))

	o.mu.Lock()
	o.progress.Index = len(run.Results)
	o.progress.Faults = run.Faults()
	o.mu.Unlock()

	if len(run.Results) < len(plan.Coordinates) {
		if err = o.prepare(ctx, plan); err != nil {
			o.setState(StateIdle)
			return nil, err
		}
	}

	if run.Status == StatusAborted {
		if err = o.store.ReopenRun(context.WithoutCancel(ctx), run.ID); err != nil {
			return nil, fmt.Errorf("reopening run %s: %w", run.ID, err)
		}
		run.Status = StatusInProgress
	}

	o.logger.Info("sweep resumed",
		slog.String("run", run.ID),
		slog.Int("done", len(run.Results)),
		slog.Int("remaining", len(plan.Coordinates)-len(run.Results)))

	return o.sweep(ctx, run)
}

func checkPrefix(run *Run, plan *Plan, fingerprint string) error {
	if run.Fingerprint != fingerprint {
		return configErrorf("plan", "does not match the plan of run %s", run.ID)
	}
	if len(run.Results) > len(plan.Coordinates) {
		return configErrorf("plan", "run %s has %d results for %d coordinates", run.ID, len(run.Results), len(plan.Coordinates))
	}
	for i, r := range run.Results {
		if r.Index != i || !r.Coordinate.Equal(plan.Coordinates[i]) {
			return configErrorf("plan", "stored result %d (%s) does not match coordinate %s", r.Index, r.Coordinate, plan.Coordinates[i])
		}
	}
	return nil
}

func (o *Orchestrator) sweep(ctx context.Context, run *Run) (*Run, error) {
	plan := run.Plan
	storeCtx := context.WithoutCancel(ctx)
	started := o.now()
	first := len(run.Results)

	for i := first; i < len(plan.Coordinates); i++ {
		if o.stopping.Load() || ctx.Err() != nil {
			o.logger.Info("stop requested", slog.String("run", run.ID), slog.Int("index", i))
			return o.finalize(storeCtx, run, StatusAborted)
		}

		result := o.measure(ctx, plan, i)
		if result.Fault != nil {
			o.setState(StateFaulted)
			o.logger.Warn("coordinate faulted",
				slog.String("coordinate", result.Coordinate.String()),
				slog.String("reason", string(result.Fault.Reason)),
				slog.String("error", result.Fault.Message))
		}

		o.setState(StatePersisting)
		if err := o.store.AppendResult(storeCtx, run.ID, result); err != nil {
			if fErr := o.store.FinalizeRun(storeCtx, run.ID, StatusAborted); fErr == nil {
				run.Status = StatusAborted
			}
			o.setState(StateAborted)
			return run, fmt.Errorf("persisting result %d: %w", i, err)
		}
		run.Results = append(run.Results, result)
		o.advance(result)

		o.logProgress(run, result, started, first)

		if result.Fault != nil && plan.AbortOnFault {
			o.logger.Warn("aborting on fault", slog.String("run", run.ID), slog.Int("index", i))
			return o.finalize(storeCtx, run, StatusAborted)
		}
	}

	return o.finalize(storeCtx, run, StatusCompleted)
}

func (o *Orchestrator) finalize(ctx context.Context, run *Run, status Status) (*Run, error) {
	if err := o.store.FinalizeRun(ctx, run.ID, status); err != nil {
		o.setState(StateAborted)
		return run, fmt.Errorf("finalizing run %s: %w", run.ID, err)
	}

	finished := o.now().UTC()
	run.Status = status
	run.FinishedAt = &finished

	if status == StatusCompleted {
		o.setState(StateCompleted)
	} else {
		o.setState(StateAborted)
	}

	o.logger.Info("sweep finished",
		slog.String("run", run.ID),
		slog.String("status", string(status)),
		slog.Int("results", len(run.Results)),
		slog.Int("faults", run.Faults()))

	return run, nil
}

// prepare homes the stage and configures the digitizer
func (o *Orchestrator) prepare(ctx context.Context, plan *Plan) error {
	hw := context.WithoutCancel(ctx)

	if err := o.home(hw, plan); err != nil {
		return err
	}
	return o.configure(hw, plan)
}

func (o *Orchestrator) home(ctx context.Context, plan *Plan) error {
	o.setState(StateHoming)

	listCtx, cancel := context.WithTimeout(ctx, o.homeTimeout)
	addresses, err := o.stage.ListAddresses(listCtx)
	cancel()
	if err != nil {
		return &HomingError{Err: fmt.Errorf("listing addresses: %w", err)}
	}
	if len(addresses) == 0 {
		return &HomingError{Err: ErrNoAxes}
	}
	for _, a := range plan.Axes {
		if !slices.Contains(addresses, a.Address) {
			return &HomingError{Axis: a.Name, Err: fmt.Errorf("address %s: %w", a.Address, stage.ErrUnknownAxis)}
		}
	}

	errs := make([]error, len(plan.Axes))
	var wg sync.WaitGroup
	for i, a := range plan.Axes {
		wg.Add(1)
		go func() {
			defer wg.Done()

			homeCtx, cancel := context.WithTimeout(ctx, o.homeTimeout)
			defer cancel()

			if err := o.stage.Home(homeCtx, a.Address); err != nil {
				errs[i] = &HomingError{Axis: a.Name, Err: err}
			}
		}()
	}
	wg.Wait()

	if err = errors.Join(errs...); err != nil {
		return err
	}

	o.logger.Info("stage homed", slog.Int("axes", len(plan.Axes)))
	return nil
}

func (o *Orchestrator) configure(ctx context.Context, plan *Plan) error {
	ctx, cancel := context.WithTimeout(ctx, defaultConfigureTimeout)
	defer cancel()

	a := plan.Acquisition
	for _, ch := range a.Channels {
		if err := o.digitizer.ConfigureChannel(ctx, ch); err != nil {
			return &TransportError{Op: "configure", Err: fmt.Errorf("channel %d: %w", ch.Channel, err)}
		}
	}
	if err := o.digitizer.SetTrigger(ctx, a.TriggerChannel, a.TriggerLevel); err != nil {
		return &TransportError{Op: "configure", Err: fmt.Errorf("trigger: %w", err)}
	}
	if err := o.digitizer.SetAveraging(ctx, a.AveragingCount()); err != nil {
		return &TransportError{Op: "configure", Err: fmt.Errorf("averaging: %w", err)}
	}

	return nil
}

// measure produces the result of one coordinate. It never returns an error:
// failures become the result's fault.
func (o *Orchestrator) measure(ctx context.Context, plan *Plan, index int) *Result {
	coord := plan.Coordinates[index]
	hw := context.WithoutCancel(ctx)

	o.mu.Lock()
	o.progress.Coordinate = coord
	o.mu.Unlock()

	result := Result{Index: index, Coordinate: coord}

	var raw *digitizer.RawAcquisition
	attempt := func() error {
		result.Attempts++

		var err error
		raw, err = o.acquire(hw, plan, coord)
		return err
	}
	notify := func(err error, next time.Duration) {
		o.logger.Warn("attempt failed, retrying",
			slog.String("coordinate", coord.String()),
			slog.Int("attempt", result.Attempts),
			slog.Duration("backoff", next),
			slog.String("error", err.Error()))
	}

	err := backoff.RetryNotify(attempt, newBackOff(plan.Retry), notify)
	result.MeasuredAt = o.now().UTC()
	if err != nil {
		result.Fault = faultFromError(err)
		return &result
	}

	o.setState(StateProcessing)

	w, err := waveform.Decode(raw)
	if err != nil {
		result.Fault = faultFromError(err)
		return &result
	}
	if plan.KeepWaveforms {
		result.Waveform = w
	}

	result.Baseline, result.Integral, err = waveform.CorrectAndIntegrate(w, plan.Integration)
	if err != nil {
		result.Fault = faultFromError(err)
	}

	return &result
}

// acquire runs one attempt: position, settle, then arm and acquire
func (o *Orchestrator) acquire(ctx context.Context, plan *Plan, coord Coordinate) (*digitizer.RawAcquisition, error) {
	o.setState(StatePositioning)
	if err := o.position(ctx, plan, coord); err != nil {
		return nil, err
	}

	o.setState(StateSettling)
	if plan.SettleDelay > 0 {
		time.Sleep(plan.SettleDelay)
	}

	o.setState(StateTriggering)
	a := plan.Acquisition
	req := digitizer.AcquireRequest{
		Mode:    a.Mode,
		Channel: a.SignalChannel,
		Timeout: a.Timeout,
	}

	acqCtx, cancel := context.WithTimeout(ctx, a.Timeout)
	defer cancel()

	o.setState(StateAcquiring)
	raw, err := o.digitizer.ArmAndAcquire(acqCtx, req)
	if err != nil {
		if errors.Is(err, digitizer.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
			return nil, &TimeoutError{Op: "acquire", Timeout: a.Timeout, Err: err}
		}
		return nil, &TransportError{Op: "acquire", Err: err}
	}

	return raw, nil
}

// position moves every axis of the coordinate concurrently and waits for all
// of them, joining every failure.
func (o *Orchestrator) position(ctx context.Context, plan *Plan, coord Coordinate) error {
	values := coord.Values()
	errs := make([]error, len(values))

	var wg sync.WaitGroup
	for i, v := range values {
		address, _ := plan.Address(v.Axis)

		wg.Add(1)
		go func() {
			defer wg.Done()

			moveCtx, cancel := context.WithTimeout(ctx, o.moveTimeout)
			defer cancel()

			err := o.stage.MoveAbsolute(moveCtx, address, v.Value)
			switch {
			case err == nil:
			case errors.Is(err, context.DeadlineExceeded):
				errs[i] = &TimeoutError{Op: "move", Axis: v.Axis, Timeout: o.moveTimeout, Err: err}
			default:
				errs[i] = &TransportError{Op: "move", Axis: v.Axis, Err: err}
			}
		}()
	}
	wg.Wait()

	return errors.Join(errs...)
}

func newBackOff(p RetryPolicy) backoff.BackOff {
	maxInterval := p.MaxBackoff
	if maxInterval < p.InitialBackoff {
		maxInterval = p.InitialBackoff
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialBackoff
	b.MaxInterval = maxInterval
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	return backoff.WithMaxRetries(b, uint64(p.MaxAttempts-1))
}

func (o *Orchestrator) reset(runID string, total int) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.progress = Progress{RunID: runID, State: StateIdle, Total: total}
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.progress.State = s
}

func (o *Orchestrator) advance(r *Result) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.progress.Index = r.Index + 1
	if !r.OK() {
		o.progress.Faults++
	}
}

func (o *Orchestrator) logProgress(run *Run, r *Result, started time.Time, first int) {
	done := len(run.Results) - first
	total := len(run.Plan.Coordinates)
	remaining := total - len(run.Results)

	attrs := []any{
		slog.String("coordinate", r.Coordinate.String()),
		slog.String("progress", fmt.Sprintf("%d/%d", len(run.Results), total)),
		slog.Int("attempts", r.Attempts),
	}
	if r.OK() {
		attrs = append(attrs, slog.Float64("baseline", r.Baseline), slog.Float64("integral", r.Integral))
	}
	if done > 0 && remaining > 0 {
		perCoordinate := o.now().Sub(started) / time.Duration(done)
		attrs = append(attrs, slog.String("eta", humanize.Time(o.now().Add(perCoordinate*time.Duration(remaining)))))
	}

	o.logger.Info("coordinate measured", attrs...)
}
