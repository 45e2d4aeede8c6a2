package sweep

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roman-kulish/polarimetry/internal/digitizer"
	digitizersim "github.com/roman-kulish/polarimetry/internal/digitizer/simulated"
	"github.com/roman-kulish/polarimetry/internal/stage"
	stagesim "github.com/roman-kulish/polarimetry/internal/stage/simulated"
)

var errBus = errors.New("bus error")

func unitScaling() digitizer.ScalingDescriptor {
	return digitizer.ScalingDescriptor{
		SampleWidth: 2,
		Signed:      true,
		ByteOrder:   digitizer.BigEndian,
		YIncrement:  1,
		XIncrement:  1,
	}
}

// positionSource returns a pulse whose height depends on the stage position
// and times out whenever timeoutAt reports true for it.
func positionSource(st *stagesim.Stage, timeoutAt func(a, b float64) bool) digitizersim.Source {
	return func(_ int, _ digitizer.AcquireRequest) (*digitizer.RawAcquisition, error) {
		a, _ := st.Position("1")
		b, _ := st.Position("2")
		if timeoutAt != nil && timeoutAt(a, b) {
			return nil, fmt.Errorf("waiting for trigger: %w", digitizer.ErrTimeout)
		}

		peak := int32(20 + a/10 + b/10)
		return &digitizer.RawAcquisition{
			Scaling: unitScaling(),
			Codes:   []int32{10, 10, 10, peak, peak, 10},
		}, nil
	}
}

func grid(t *testing.T, a, b []float64) *Plan {
	t.Helper()

	coords, err := Cartesian(AxisValues{Axis: "A", Values: a}, AxisValues{Axis: "B", Values: b})
	require.NoError(t, err)

	p := validPlan()
	p.Coordinates = coords
	return p
}

func sequentialIDs() func() string {
	var n atomic.Int64
	return func() string {
		return fmt.Sprintf("run-%d", n.Add(1))
	}
}

func TestOrchestrator_Scenario(t *testing.T) {
	st := stagesim.New([]string{"1", "2"})
	dig := digitizersim.New(digitizersim.WithSource(func(int, digitizer.AcquireRequest) (*digitizer.RawAcquisition, error) {
		return &digitizer.RawAcquisition{
			Scaling: unitScaling(),
			Codes:   []int32{10, 10, 10, 20, 20, 10},
		}, nil
	}))
	store := newMemStore()

	plan := validPlan()
	o := NewOrchestrator(st, dig, store, WithIDGenerator(sequentialIDs()))

	run, err := o.Execute(context.Background(), plan)
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, run.Status)
	assert.NotNil(t, run.FinishedAt)
	require.Len(t, run.Results, 2)
	for i, r := range run.Results {
		assert.Equal(t, i, r.Index)
		assert.True(t, r.Coordinate.Equal(plan.Coordinates[i]))
		assert.Nil(t, r.Fault)
		assert.Equal(t, 10.0, r.Baseline)
		assert.Equal(t, 5.0, r.Integral)
		assert.Equal(t, 1, r.Attempts)
		assert.Nil(t, r.Waveform)
	}
	assert.Equal(t, StateCompleted, o.State())

	stored, err := store.LoadRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, stored.Status)
	assert.Len(t, stored.Results, 2)

	// digitizer configured once from the plan
	ch, ok := dig.Channel(2)
	require.True(t, ok)
	assert.Equal(t, digitizer.Impedance1M, ch.Impedance)
	channel, level := dig.Trigger()
	assert.Equal(t, 2, channel)
	assert.Equal(t, 0.1, level)
	assert.Equal(t, 1, dig.Averages())

	// both axes homed before the first move
	calls := st.Calls()
	require.GreaterOrEqual(t, len(calls), 3)
	assert.Equal(t, "list", calls[0].Op)
	assert.ElementsMatch(t, []string{"home", "home"}, []string{calls[1].Op, calls[2].Op})

	b, _ := st.Position("2")
	assert.Equal(t, 90.0, b)
}

func TestOrchestrator_FaultIsolation(t *testing.T) {
	st := stagesim.New([]string{"1", "2"})
	dig := digitizersim.New(digitizersim.WithSource(positionSource(st, func(a, b float64) bool {
		return a == 45 && b == 90
	})))
	store := newMemStore()

	plan := grid(t, []float64{0, 45, 90}, []float64{0, 90})
	o := NewOrchestrator(st, dig, store)

	run, err := o.Execute(context.Background(), plan)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, run.Status)
	require.Len(t, run.Results, len(plan.Coordinates))

	var faulted []int
	for i, r := range run.Results {
		assert.Equal(t, i, r.Index, "results must keep plan order")
		assert.True(t, r.Coordinate.Equal(plan.Coordinates[i]))
		if r.Fault != nil {
			faulted = append(faulted, i)
			continue
		}
		assert.Equal(t, 10.0, r.Baseline)
		assert.Equal(t, 1, r.Attempts)
	}
	require.Equal(t, []int{3}, faulted)

	fault := run.Results[3].Fault
	assert.Equal(t, FaultTimeout, fault.Reason)
	assert.Equal(t, plan.Retry.MaxAttempts, run.Results[3].Attempts)
	assert.Equal(t, 1, run.Faults())

	// 5 clean coordinates plus every attempt of the faulted one
	assert.Equal(t, 5+plan.Retry.MaxAttempts, dig.Acquisitions())
}

func TestOrchestrator_AbortOnFault(t *testing.T) {
	st := stagesim.New([]string{"1", "2"})
	dig := digitizersim.New(digitizersim.WithSource(positionSource(st, func(a, b float64) bool {
		return a == 0 && b == 90
	})))
	store := newMemStore()

	plan := grid(t, []float64{0, 45}, []float64{0, 90})
	plan.AbortOnFault = true

	run, err := NewOrchestrator(st, dig, store).Execute(context.Background(), plan)
	require.NoError(t, err)

	assert.Equal(t, StatusAborted, run.Status)
	require.Len(t, run.Results, 2, "faulted coordinate is persisted, none after it")
	assert.Nil(t, run.Results[0].Fault)
	require.NotNil(t, run.Results[1].Fault)
	assert.Equal(t, FaultTimeout, run.Results[1].Fault.Reason)

	stored, err := store.LoadRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusAborted, stored.Status)
	assert.Len(t, stored.Results, 2)
}

func TestOrchestrator_RetryMove(t *testing.T) {
	st := stagesim.New([]string{"1", "2"})
	st.FailNextMoves("2", errBus)

	dig := digitizersim.New(digitizersim.WithSource(positionSource(st, nil)))
	plan := validPlan()

	run, err := NewOrchestrator(st, dig, newMemStore()).Execute(context.Background(), plan)
	require.NoError(t, err)

	assert.Nil(t, run.Results[0].Fault)
	assert.Equal(t, 2, run.Results[0].Attempts)
	assert.Equal(t, 1, run.Results[1].Attempts)
}

func TestOrchestrator_MoveExhaustsRetries(t *testing.T) {
	st := stagesim.New([]string{"1", "2"})
	plan := validPlan()
	errs := make([]error, plan.Retry.MaxAttempts)
	for i := range errs {
		errs[i] = errBus
	}
	st.FailNextMoves("1", errs...)

	dig := digitizersim.New(digitizersim.WithSource(positionSource(st, nil)))

	run, err := NewOrchestrator(st, dig, newMemStore()).Execute(context.Background(), plan)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, run.Status)

	fault := run.Results[0].Fault
	require.NotNil(t, fault)
	assert.Equal(t, FaultTransport, fault.Reason)
	assert.Contains(t, fault.Message, "move axis A")
	assert.Nil(t, run.Results[1].Fault)

	// the digitizer is not armed while positioning fails
	assert.Equal(t, 1, dig.Acquisitions())
}

func TestOrchestrator_ProcessingFaultsAreNotRetried(t *testing.T) {
	testCases := []struct {
		name   string
		codes  []int32
		modify func(p *Plan)
		reason FaultReason
	}{
		{
			name:   "empty acquisition",
			codes:  []int32{},
			reason: FaultDecode,
		},
		{
			name:   "window without samples",
			codes:  []int32{10, 10, 10, 20, 20, 10},
			modify: func(p *Plan) { p.Integration.Start, p.Integration.End = 10, 20 },
			reason: FaultEmptyIntegrationWindow,
		},
		{
			name:   "cutoff before first sample",
			codes:  []int32{10, 10, 10, 20, 20, 10},
			modify: func(p *Plan) { p.Integration.BaselineCutoff = -1 },
			reason: FaultEmptyBaselineRegion,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			dig := digitizersim.New(digitizersim.WithSource(func(int, digitizer.AcquireRequest) (*digitizer.RawAcquisition, error) {
				return &digitizer.RawAcquisition{Scaling: unitScaling(), Codes: tc.codes}, nil
			}))
			plan := validPlan()
			if tc.modify != nil {
				tc.modify(plan)
			}

			run, err := NewOrchestrator(stagesim.New([]string{"1", "2"}), dig, newMemStore()).Execute(context.Background(), plan)
			require.NoError(t, err)
			assert.Equal(t, StatusCompleted, run.Status)

			for _, r := range run.Results {
				require.NotNil(t, r.Fault)
				assert.Equal(t, tc.reason, r.Fault.Reason)
				assert.Equal(t, 1, r.Attempts)
			}
			assert.Equal(t, len(plan.Coordinates), dig.Acquisitions())
		})
	}
}

func TestOrchestrator_KeepWaveforms(t *testing.T) {
	st := stagesim.New([]string{"1", "2"})
	dig := digitizersim.New(digitizersim.WithSource(positionSource(st, nil)))

	plan := validPlan()
	plan.KeepWaveforms = true

	run, err := NewOrchestrator(st, dig, newMemStore()).Execute(context.Background(), plan)
	require.NoError(t, err)

	w := run.Results[1].Waveform
	require.NotNil(t, w)
	assert.Equal(t, []float64{0, 1, 2, 3, 4, 5}, w.Time)
	assert.Equal(t, []float64{10, 10, 10, 29, 29, 10}, w.Amplitude)
}

func TestOrchestrator_FatalErrors(t *testing.T) {
	testCases := []struct {
		name    string
		stage   *stagesim.Stage
		plan    func() *Plan
		wantErr any
	}{
		{
			name:    "invalid plan",
			stage:   stagesim.New([]string{"1", "2"}),
			plan:    func() *Plan { p := validPlan(); p.Coordinates = nil; return p },
			wantErr: new(*ConfigError),
		},
		{
			name:    "no axes on bus",
			stage:   stagesim.New(nil),
			plan:    validPlan,
			wantErr: new(*HomingError),
		},
		{
			name:    "plan axis missing from bus",
			stage:   stagesim.New([]string{"1"}),
			plan:    validPlan,
			wantErr: new(*HomingError),
		},
		{
			name:    "home rejected",
			stage:   stagesim.New([]string{"1", "2"}, stagesim.WithHomeError("2", stage.ErrNoResponse)),
			plan:    validPlan,
			wantErr: new(*HomingError),
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			dig := digitizersim.New()
			store := newMemStore()

			run, err := NewOrchestrator(tc.stage, dig, store).Execute(context.Background(), tc.plan())
			require.Error(t, err)
			assert.Nil(t, run)
			assert.ErrorAs(t, err, tc.wantErr)

			assert.Empty(t, store.runs, "no run is created on fatal errors")
			assert.Zero(t, dig.Acquisitions())
		})
	}
}

func TestOrchestrator_InvalidPlanTouchesNoHardware(t *testing.T) {
	st := stagesim.New([]string{"1", "2"})
	plan := validPlan()
	plan.Acquisition.Timeout = 0

	_, err := NewOrchestrator(st, digitizersim.New(), newMemStore()).Execute(context.Background(), plan)

	var configErr *ConfigError
	require.ErrorAs(t, err, &configErr)
	assert.Empty(t, st.Calls())
}

type failingDigitizer struct {
	*digitizersim.Digitizer
}

func (failingDigitizer) SetTrigger(context.Context, int, float64) error {
	return errBus
}

func TestOrchestrator_ConfigureFailure(t *testing.T) {
	dig := failingDigitizer{digitizersim.New()}
	store := newMemStore()

	_, err := NewOrchestrator(stagesim.New([]string{"1", "2"}), dig, store).Execute(context.Background(), validPlan())

	var transportErr *TransportError
	require.ErrorAs(t, err, &transportErr)
	assert.Equal(t, "configure", transportErr.Op)
	assert.ErrorIs(t, err, errBus)
	assert.Empty(t, store.runs)
}

func TestOrchestrator_StopAtCoordinateBoundary(t *testing.T) {
	st := stagesim.New([]string{"1", "2"})
	var o *Orchestrator
	source := positionSource(st, nil)
	dig := digitizersim.New(digitizersim.WithSource(func(n int, req digitizer.AcquireRequest) (*digitizer.RawAcquisition, error) {
		if n == 1 {
			o.Stop()
		}
		return source(n, req)
	}))
	store := newMemStore()
	plan := grid(t, []float64{0, 45, 90}, []float64{0, 90})

	o = NewOrchestrator(st, dig, store)
	run, err := o.Execute(context.Background(), plan)
	require.NoError(t, err)

	assert.Equal(t, StatusAborted, run.Status)
	require.Len(t, run.Results, 2, "the coordinate in flight completes before stopping")
	assert.Nil(t, run.Results[1].Fault)
	assert.Equal(t, StateAborted, o.State())
}

func TestOrchestrator_StopBeforeExecute(t *testing.T) {
	st := stagesim.New([]string{"1", "2"})
	dig := digitizersim.New(digitizersim.WithSource(positionSource(st, nil)))
	store := newMemStore()
	plan := grid(t, []float64{0, 45}, []float64{0, 90})

	o := NewOrchestrator(st, dig, store)
	o.Stop()

	run, err := o.Execute(context.Background(), plan)
	require.NoError(t, err)
	assert.Equal(t, StatusAborted, run.Status)
	assert.Empty(t, run.Results)

	// the stop applied to one run only
	run, err = o.Execute(context.Background(), plan)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, run.Status)
	assert.Len(t, run.Results, 4)
}

func TestOrchestrator_ContextCancelStopsAtBoundary(t *testing.T) {
	st := stagesim.New([]string{"1", "2"})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	source := positionSource(st, nil)
	dig := digitizersim.New(digitizersim.WithSource(func(n int, req digitizer.AcquireRequest) (*digitizer.RawAcquisition, error) {
		cancel()
		return source(n, req)
	}))

	run, err := NewOrchestrator(st, dig, newMemStore()).Execute(ctx, grid(t, []float64{0, 45}, []float64{0, 90}))
	require.NoError(t, err)
	assert.Equal(t, StatusAborted, run.Status)
	require.Len(t, run.Results, 1)
	assert.Nil(t, run.Results[0].Fault, "acquisition in flight is not interrupted")
}

func TestOrchestrator_StoreFailure(t *testing.T) {
	st := stagesim.New([]string{"1", "2"})
	dig := digitizersim.New(digitizersim.WithSource(positionSource(st, nil)))
	store := newMemStore()
	store.failIndex = 1
	store.appendErr = errors.New("disk full")

	run, err := NewOrchestrator(st, dig, store).Execute(context.Background(), grid(t, []float64{0}, []float64{0, 45, 90}))
	require.Error(t, err)
	assert.ErrorIs(t, err, store.appendErr)

	require.NotNil(t, run)
	assert.Len(t, run.Results, 1)

	stored, err := store.LoadRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusAborted, stored.Status)
	assert.Len(t, stored.Results, 1)
}

var coordinateComparer = cmp.Comparer(func(a, b Coordinate) bool { return a.Equal(b) })

var resultComparer = []cmp.Option{
	coordinateComparer,
	cmpopts.IgnoreFields(Result{}, "MeasuredAt"),
}

func TestOrchestrator_ResumeMatchesFromScratch(t *testing.T) {
	a, b := []float64{0, 45, 90}, []float64{0, 90}

	// from-scratch reference run
	refStage := stagesim.New([]string{"1", "2"})
	refDig := digitizersim.New(digitizersim.WithSource(positionSource(refStage, func(a, b float64) bool {
		return a == 90 && b == 0
	})))
	ref, err := NewOrchestrator(refStage, refDig, newMemStore()).Execute(context.Background(), grid(t, a, b))
	require.NoError(t, err)
	require.Len(t, ref.Results, 6)

	// interrupted run, stopped after the third coordinate
	st := stagesim.New([]string{"1", "2"})
	var o *Orchestrator
	source := positionSource(st, func(a, b float64) bool { return a == 90 && b == 0 })
	dig := digitizersim.New(digitizersim.WithSource(func(n int, req digitizer.AcquireRequest) (*digitizer.RawAcquisition, error) {
		if n == 2 {
			o.Stop()
		}
		return source(n, req)
	}))
	store := newMemStore()
	o = NewOrchestrator(st, dig, store)

	partial, err := o.Execute(context.Background(), grid(t, a, b))
	require.NoError(t, err)
	require.Equal(t, StatusAborted, partial.Status)
	require.Len(t, partial.Results, 3)

	prefix, err := store.LoadRun(context.Background(), partial.ID)
	require.NoError(t, err)

	resumed, err := o.Resume(context.Background(), partial.ID, grid(t, a, b))
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, resumed.Status)
	assert.Equal(t, partial.ID, resumed.ID)

	stored, err := store.LoadRun(context.Background(), partial.ID)
	require.NoError(t, err)
	require.Len(t, stored.Results, 6)

	if diff := cmp.Diff(prefix.Results, stored.Results[:3], coordinateComparer); diff != "" {
		t.Errorf("persisted prefix changed (-before +after):\n%s", diff)
	}
	if diff := cmp.Diff(ref.Results[3:], stored.Results[3:], resultComparer...); diff != "" {
		t.Errorf("resumed suffix differs from a from-scratch run (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(ref.Results, resumed.Results, resultComparer...); diff != "" {
		t.Errorf("resumed run differs from a from-scratch run (-want +got):\n%s", diff)
	}

	// the stage was homed again before resuming
	var homes int
	for _, c := range st.Calls() {
		if c.Op == "home" {
			homes++
		}
	}
	assert.Equal(t, 4, homes)
}

func TestOrchestrator_ResumeCompletedRun(t *testing.T) {
	st := stagesim.New([]string{"1", "2"})
	dig := digitizersim.New(digitizersim.WithSource(positionSource(st, nil)))
	store := newMemStore()
	o := NewOrchestrator(st, dig, store)

	run, err := o.Execute(context.Background(), validPlan())
	require.NoError(t, err)
	calls := len(st.Calls())

	again, err := o.Resume(context.Background(), run.ID, validPlan())
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, again.Status)
	assert.Len(t, again.Results, 2)
	assert.Len(t, st.Calls(), calls, "nothing to do for a completed run")
}

func TestOrchestrator_ResumeRejectsDifferentPlan(t *testing.T) {
	st := stagesim.New([]string{"1", "2"})
	dig := digitizersim.New(digitizersim.WithSource(positionSource(st, nil)))
	store := newMemStore()
	o := NewOrchestrator(st, dig, store)

	run, err := o.Execute(context.Background(), validPlan())
	require.NoError(t, err)

	other := validPlan()
	other.Integration.End = 5

	_, err = o.Resume(context.Background(), run.ID, other)
	var configErr *ConfigError
	assert.ErrorAs(t, err, &configErr)

	_, err = o.Resume(context.Background(), "missing", validPlan())
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestOrchestrator_Progress(t *testing.T) {
	st := stagesim.New([]string{"1", "2"})
	var o *Orchestrator
	var seen Progress
	source := positionSource(st, nil)
	dig := digitizersim.New(digitizersim.WithSource(func(n int, req digitizer.AcquireRequest) (*digitizer.RawAcquisition, error) {
		if n == 1 {
			seen = o.Progress()
		}
		return source(n, req)
	}))

	o = NewOrchestrator(st, dig, newMemStore(), WithIDGenerator(func() string { return "fixed" }))
	_, err := o.Execute(context.Background(), validPlan())
	require.NoError(t, err)

	assert.Equal(t, "fixed", seen.RunID)
	assert.Equal(t, StateAcquiring, seen.State)
	assert.Equal(t, 1, seen.Index)
	assert.Equal(t, 2, seen.Total)
	assert.Equal(t, "A=0,B=90", seen.Coordinate.String())

	final := o.Progress()
	assert.Equal(t, StateCompleted, final.State)
	assert.Equal(t, 2, final.Index)
}
