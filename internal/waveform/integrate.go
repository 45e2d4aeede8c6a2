package waveform

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/integrate"
	"gonum.org/v1/gonum/stat"
)

const (
	EmptyBaselineRegion    IntegrationReason = "empty_baseline_region"
	EmptyIntegrationWindow IntegrationReason = "empty_integration_window"
)

type IntegrationReason string

// IntegrationError is returned when the waveform has no samples in a region
// required for baseline estimation or integration
type IntegrationError struct {
	Reason IntegrationReason
}

func (e *IntegrationError) Error() string {
	switch e.Reason {
	case EmptyBaselineRegion:
		return "integration: no samples before the baseline cutoff"
	case EmptyIntegrationWindow:
		return "integration: no samples inside the integration window"
	default:
		return fmt.Sprintf("integration: %s", e.Reason)
	}
}

// Window selects the baseline region and the integration interval, in seconds
type Window struct {
	BaselineCutoff float64 `yaml:"baselineCutoff" json:"baselineCutoff"`
	Start          float64 `yaml:"windowStart" json:"windowStart"`
	End            float64 `yaml:"windowEnd" json:"windowEnd"`
	Squared        bool    `yaml:"squared" json:"squared"`
}

func (w Window) Validate() error {
	for _, v := range []float64{w.BaselineCutoff, w.Start, w.End} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("waveform.Window: bounds must be finite")
		}
	}
	if w.Start >= w.End {
		return fmt.Errorf("waveform.Window: window start must be before end: %v >= %v", w.Start, w.End)
	}
	return nil
}

// Baseline returns the mean amplitude of samples strictly before cutoff
func Baseline(w *Waveform, cutoff float64) (float64, error) {
	var region []float64
	for i, t := range w.Time {
		if t < cutoff {
			region = append(region, w.Amplitude[i])
		}
	}
	if len(region) == 0 {
		return 0, &IntegrationError{Reason: EmptyBaselineRegion}
	}
	return stat.Mean(region, nil), nil
}

// Correct returns a copy of w with baseline subtracted from every sample
func Correct(w *Waveform, baseline float64) *Waveform {
	amplitude := make([]float64, len(w.Amplitude))
	copy(amplitude, w.Amplitude)
	floats.AddConst(-baseline, amplitude)

	t := make([]float64, len(w.Time))
	copy(t, w.Time)

	return &Waveform{Time: t, Amplitude: amplitude}
}

// CorrectAndIntegrate removes the DC baseline and integrates the corrected
// signal (or its square) over the samples strictly inside the window using
// the trapezoidal rule. A window holding a single sample integrates to zero.
func CorrectAndIntegrate(w *Waveform, win Window) (baseline, integral float64, err error) {
	if err = w.Validate(); err != nil {
		return 0, 0, err
	}

	if baseline, err = Baseline(w, win.BaselineCutoff); err != nil {
		return 0, 0, err
	}

	corrected := Correct(w, baseline)

	var x, f []float64
	for i, t := range corrected.Time {
		if t <= win.Start || t >= win.End {
			continue
		}
		v := corrected.Amplitude[i]
		if win.Squared {
			v *= v
		}
		x = append(x, t)
		f = append(f, v)
	}

	switch len(x) {
	case 0:
		return baseline, 0, &IntegrationError{Reason: EmptyIntegrationWindow}
	case 1:
		return baseline, 0, nil
	}

	return baseline, integrate.Trapezoidal(x, f), nil
}
