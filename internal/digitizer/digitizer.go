package digitizer

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

const (
	Impedance50 Impedance = "50"
	Impedance1M Impedance = "1M"

	// ModeSingle captures one triggered waveform
	ModeSingle AcquisitionMode = "single"

	// ModeAveraged captures N triggered waveforms and returns their average
	ModeAveraged AcquisitionMode = "averaged"

	BigEndian    ByteOrder = "big"
	LittleEndian ByteOrder = "little"
)

var (
	// ErrTimeout is returned by a Port when the acquisition did not complete
	// before the request timeout elapsed
	ErrTimeout = errors.New("acquisition timed out")

	// ErrClosed is returned when a command is issued on a closed session
	ErrClosed = errors.New("digitizer session closed")
)

type Impedance string

func (i Impedance) Valid() bool {
	return i == Impedance50 || i == Impedance1M
}

type AcquisitionMode string

func (m AcquisitionMode) Valid() bool {
	return m == ModeSingle || m == ModeAveraged
}

type ByteOrder string

// Port is the capability set the sweep needs from a waveform digitizer.
// Implementations own exclusive access to the instrument session.
type Port interface {
	ConfigureChannel(ctx context.Context, settings ChannelSettings) error
	SetTrigger(ctx context.Context, channel int, level float64) error
	SetAveraging(ctx context.Context, count int) error

	// ArmAndAcquire arms the trigger and blocks until the acquisition
	// completes or req.Timeout elapses, in which case the error wraps ErrTimeout.
	ArmAndAcquire(ctx context.Context, req AcquireRequest) (*RawAcquisition, error)
}

// ChannelSettings is the front-end configuration of a single input channel
type ChannelSettings struct {
	Channel   int       `yaml:"channel" json:"channel"`
	Impedance Impedance `yaml:"impedance" json:"impedance"`
	Invert    bool      `yaml:"invert" json:"invert"`
}

func (c ChannelSettings) Validate() error {
	if c.Channel < 1 {
		return fmt.Errorf("digitizer.ChannelSettings: channel must be positive: %d", c.Channel)
	}
	if !c.Impedance.Valid() {
		return fmt.Errorf("digitizer.ChannelSettings: invalid impedance '%s'", c.Impedance)
	}
	return nil
}

// AcquireRequest describes one arm-and-acquire cycle
type AcquireRequest struct {
	Mode    AcquisitionMode
	Channel int
	Timeout time.Duration
}

// ScalingDescriptor carries everything needed to interpret raw sample codes
// of one acquisition.
type ScalingDescriptor struct {
	SampleWidth int       `json:"sampleWidth"` // bytes per sample, 1 or 2
	Signed      bool      `json:"signed"`
	ByteOrder   ByteOrder `json:"byteOrder"`

	YIncrement float64 `json:"yIncrement"`
	YOrigin    float64 `json:"yOrigin"`
	YReference float64 `json:"yReference"`
	XIncrement float64 `json:"xIncrement"`
	XOrigin    float64 `json:"xOrigin"`
}

// Validate checks the sample format fields. Scaling values are checked by the decoder.
func (s ScalingDescriptor) Validate() error {
	if s.SampleWidth != 1 && s.SampleWidth != 2 {
		return fmt.Errorf("digitizer.ScalingDescriptor: sample width must be 1 or 2 bytes: %d given", s.SampleWidth)
	}
	if s.SampleWidth == 2 && s.ByteOrder != BigEndian && s.ByteOrder != LittleEndian {
		return fmt.Errorf("digitizer.ScalingDescriptor: invalid byte order '%s'", s.ByteOrder)
	}
	for name, v := range map[string]float64{
		"y-increment": s.YIncrement,
		"y-origin":    s.YOrigin,
		"y-reference": s.YReference,
		"x-origin":    s.XOrigin,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("digitizer.ScalingDescriptor: %s is not finite", name)
		}
	}
	return nil
}

// RawAcquisition is the undecoded result of one acquisition
type RawAcquisition struct {
	Scaling ScalingDescriptor
	Codes   []int32
}
