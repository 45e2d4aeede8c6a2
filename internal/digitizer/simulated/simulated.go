// Package simulated provides an in-memory digitizer used for dry runs and tests.
package simulated

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"slices"
	"sync"

	"github.com/roman-kulish/polarimetry/internal/digitizer"
)

const (
	defaultPoints     = 1000
	defaultXIncrement = 1e-9
	defaultYIncrement = 1e-4
)

// Source produces the acquisition returned for a request. The count is the
// number of acquisitions issued before this one.
type Source func(count int, req digitizer.AcquireRequest) (*digitizer.RawAcquisition, error)

// WithLogger sets the logger for the digitizer
func WithLogger(logger *slog.Logger) func(*Digitizer) {
	return func(d *Digitizer) {
		d.logger = logger.With(slog.String("digitizer", "simulated"))
	}
}

// WithSource replaces the default pulse generator
func WithSource(source Source) func(*Digitizer) {
	return func(d *Digitizer) {
		d.source = source
	}
}

// WithSignal sets the function that scales the pulse height of the default generator
func WithSignal(signal func() float64) func(*Digitizer) {
	return func(d *Digitizer) {
		d.source = PulseSource(signal)
	}
}

// Digitizer records its configuration and serves acquisitions from a Source
type Digitizer struct {
	mu       sync.Mutex
	channels map[int]digitizer.ChannelSettings
	trigger  struct {
		channel int
		level   float64
	}
	averages     int
	acquisitions int

	source Source
	logger *slog.Logger
}

// New creates a digitizer, by default generating a unit pulse on every acquisition
func New(options ...func(*Digitizer)) *Digitizer {
	d := Digitizer{
		channels: make(map[int]digitizer.ChannelSettings),
		averages: 1,
		source:   PulseSource(nil),
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	for _, option := range options {
		option(&d)
	}

	return &d
}

func (d *Digitizer) ConfigureChannel(_ context.Context, settings digitizer.ChannelSettings) error {
	if err := settings.Validate(); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.channels[settings.Channel] = settings
	return nil
}

func (d *Digitizer) SetTrigger(_ context.Context, channel int, level float64) error {
	if channel < 1 {
		return fmt.Errorf("setting trigger: invalid channel %d", channel)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.trigger.channel = channel
	d.trigger.level = level
	return nil
}

func (d *Digitizer) SetAveraging(_ context.Context, count int) error {
	if count < 1 {
		return fmt.Errorf("setting averaging: count must be positive: %d", count)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.averages = count
	return nil
}

func (d *Digitizer) ArmAndAcquire(ctx context.Context, req digitizer.AcquireRequest) (*digitizer.RawAcquisition, error) {
	d.mu.Lock()
	count := d.acquisitions
	d.acquisitions++
	source := d.source
	d.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.logger.Debug("acquiring", slog.Int("channel", req.Channel), slog.String("mode", string(req.Mode)))
	return source(count, req)
}

// Averages returns the configured averaging count
func (d *Digitizer) Averages() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.averages
}

// Channel returns the configuration of the channel, if it was configured
func (d *Digitizer) Channel(channel int) (digitizer.ChannelSettings, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	s, ok := d.channels[channel]
	return s, ok
}

// Trigger returns the configured trigger channel and level
func (d *Digitizer) Trigger() (int, float64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.trigger.channel, d.trigger.level
}

// Acquisitions returns the number of acquisitions served
func (d *Digitizer) Acquisitions() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.acquisitions
}

// PulseSource generates a flat baseline followed by a gaussian pulse centred
// at 500 ns. The pulse height in volts is taken from signal, 1 if nil.
func PulseSource(signal func() float64) Source {
	return func(_ int, _ digitizer.AcquireRequest) (*digitizer.RawAcquisition, error) {
		height := 1.0
		if signal != nil {
			height = signal()
		}

		codes := make([]int32, defaultPoints)
		for i := range codes {
			t := float64(i) * defaultXIncrement
			v := height * math.Exp(-math.Pow((t-500e-9)/50e-9, 2))
			codes[i] = int32(math.Round(v / defaultYIncrement))
		}

		return &digitizer.RawAcquisition{
			Scaling: digitizer.ScalingDescriptor{
				SampleWidth: 2,
				Signed:      true,
				ByteOrder:   digitizer.BigEndian,
				YIncrement:  defaultYIncrement,
				XIncrement:  defaultXIncrement,
			},
			Codes: codes,
		}, nil
	}
}

// Scripted serves the given responses in order and fails once they run out
func Scripted(responses ...Response) Source {
	responses = slices.Clone(responses)
	return func(count int, _ digitizer.AcquireRequest) (*digitizer.RawAcquisition, error) {
		if count >= len(responses) {
			return nil, fmt.Errorf("no scripted response for acquisition %d", count)
		}
		return responses[count].Raw, responses[count].Err
	}
}

// Response is one scripted acquisition outcome
type Response struct {
	Raw *digitizer.RawAcquisition
	Err error
}
