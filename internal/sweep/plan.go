package sweep

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/roman-kulish/polarimetry/internal/digitizer"
	"github.com/roman-kulish/polarimetry/internal/waveform"
)

// Axis binds a logical axis name used in coordinates to a stage bus address
type Axis struct {
	Name    string `json:"name"`
	Address string `json:"address"`
}

// Acquisition holds the digitizer parameters shared by every coordinate
type Acquisition struct {
	Mode           digitizer.AcquisitionMode   `json:"mode"`
	Averages       int                         `json:"averages"`
	SignalChannel  int                         `json:"signalChannel"`
	TriggerChannel int                         `json:"triggerChannel"`
	TriggerLevel   float64                     `json:"triggerLevel"`
	Timeout        time.Duration               `json:"timeout"`
	Channels       []digitizer.ChannelSettings `json:"channels"`
}

// AveragingCount is the count programmed into the digitizer
func (a Acquisition) AveragingCount() int {
	if a.Mode == digitizer.ModeSingle || a.Averages < 1 {
		return 1
	}
	return a.Averages
}

// RetryPolicy bounds retries of transport and timeout faults for one coordinate
type RetryPolicy struct {
	MaxAttempts    int           `json:"maxAttempts"`
	InitialBackoff time.Duration `json:"initialBackoff"`
	MaxBackoff     time.Duration `json:"maxBackoff"`
	Multiplier     float64       `json:"multiplier"`
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
		Multiplier:     2,
	}
}

// Plan is the immutable description of a sweep
type Plan struct {
	Axes          []Axis          `json:"axes"`
	Coordinates   []Coordinate    `json:"coordinates"`
	SettleDelay   time.Duration   `json:"settleDelay"`
	Acquisition   Acquisition     `json:"acquisition"`
	Integration   waveform.Window `json:"integration"`
	Retry         RetryPolicy     `json:"retry"`
	AbortOnFault  bool            `json:"abortOnFault"`
	KeepWaveforms bool            `json:"keepWaveforms"`
}

// Address returns the bus address of the named axis
func (p *Plan) Address(axis string) (string, bool) {
	for _, a := range p.Axes {
		if a.Name == axis {
			return a.Address, true
		}
	}
	return "", false
}

// Fingerprint identifies the plan; a run can only be resumed with a plan of
// the same fingerprint.
func (p *Plan) Fingerprint() (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("marshaling plan: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Validate reports the first problem found as a *ConfigError
func (p *Plan) Validate() error {
	if err := p.validateAxes(); err != nil {
		return err
	}
	if err := p.validateCoordinates(); err != nil {
		return err
	}
	if p.SettleDelay < 0 {
		return configErrorf("settleDelay", "must not be negative: %s", p.SettleDelay)
	}
	if err := p.validateAcquisition(); err != nil {
		return err
	}
	if err := p.Integration.Validate(); err != nil {
		return configErrorf("integration", "%s", err)
	}

	r := p.Retry
	if r.MaxAttempts < 1 {
		return configErrorf("retry.maxAttempts", "must be at least 1: %d", r.MaxAttempts)
	}
	if r.InitialBackoff < 0 || r.MaxBackoff < 0 {
		return configErrorf("retry", "backoff must not be negative")
	}
	if r.MaxBackoff > 0 && r.MaxBackoff < r.InitialBackoff {
		return configErrorf("retry.maxBackoff", "must not be less than initial backoff: %s < %s", r.MaxBackoff, r.InitialBackoff)
	}
	if r.Multiplier < 1 || math.IsInf(r.Multiplier, 0) {
		return configErrorf("retry.multiplier", "must be at least 1: %v", r.Multiplier)
	}

	return nil
}

func (p *Plan) validateAxes() error {
	if len(p.Axes) == 0 {
		return configErrorf("axes", "no axes defined")
	}

	names := make(map[string]struct{}, len(p.Axes))
	addresses := make(map[string]struct{}, len(p.Axes))
	for _, a := range p.Axes {
		if a.Name == "" || a.Address == "" {
			return configErrorf("axes", "axis name and address are required: %+v", a)
		}
		if _, ok := names[a.Name]; ok {
			return configErrorf("axes", "duplicate axis %s", a.Name)
		}
		if _, ok := addresses[a.Address]; ok {
			return configErrorf("axes", "duplicate address %s", a.Address)
		}
		names[a.Name] = struct{}{}
		addresses[a.Address] = struct{}{}
	}
	return nil
}

func (p *Plan) validateCoordinates() error {
	if len(p.Coordinates) == 0 {
		return configErrorf("coordinates", "plan is empty")
	}

	for i, c := range p.Coordinates {
		if c.Len() == 0 {
			return configErrorf("coordinates", "coordinate %d names no axes", i)
		}

		seen := make(map[string]struct{}, c.Len())
		for _, v := range c.values {
			if _, ok := p.Address(v.Axis); !ok {
				return configErrorf("coordinates", "coordinate %d (%s) names unknown axis %s", i, c, v.Axis)
			}
			if _, ok := seen[v.Axis]; ok {
				return configErrorf("coordinates", "coordinate %d (%s) repeats axis %s", i, c, v.Axis)
			}
			if math.IsNaN(v.Value) || math.IsInf(v.Value, 0) {
				return configErrorf("coordinates", "coordinate %d has a non-finite value for axis %s", i, v.Axis)
			}
			seen[v.Axis] = struct{}{}
		}
	}

	sorted := slices.Clone(p.Coordinates)
	slices.SortFunc(sorted, Coordinate.Compare)
	for i := 1; i < len(sorted); i++ {
		if sorted[i].Equal(sorted[i-1]) {
			return configErrorf("coordinates", "duplicate coordinate %s", sorted[i])
		}
	}

	return nil
}

func (p *Plan) validateAcquisition() error {
	a := p.Acquisition

	if !a.Mode.Valid() {
		return configErrorf("acquisition.mode", "invalid mode '%s'", a.Mode)
	}
	if a.Mode == digitizer.ModeAveraged && a.Averages < 1 {
		return configErrorf("acquisition.averages", "must be positive: %d", a.Averages)
	}
	if a.Mode == digitizer.ModeSingle && a.Averages > 1 {
		return configErrorf("acquisition.averages", "single mode does not average: %d given", a.Averages)
	}
	if a.Averages < 0 {
		return configErrorf("acquisition.averages", "must not be negative: %d", a.Averages)
	}
	if a.SignalChannel < 1 {
		return configErrorf("acquisition.signalChannel", "must be positive: %d", a.SignalChannel)
	}
	if a.TriggerChannel < 1 {
		return configErrorf("acquisition.triggerChannel", "must be positive: %d", a.TriggerChannel)
	}
	if math.IsNaN(a.TriggerLevel) || math.IsInf(a.TriggerLevel, 0) {
		return configErrorf("acquisition.triggerLevel", "must be finite")
	}
	if a.Timeout <= 0 {
		return configErrorf("acquisition.timeout", "must be positive: %s", a.Timeout)
	}

	channels := make(map[int]struct{}, len(a.Channels))
	for _, c := range a.Channels {
		if err := c.Validate(); err != nil {
			return configErrorf("acquisition.channels", "%s", err)
		}
		if _, ok := channels[c.Channel]; ok {
			return configErrorf("acquisition.channels", "channel %d configured twice", c.Channel)
		}
		channels[c.Channel] = struct{}{}
	}

	return nil
}
