package app

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roman-kulish/polarimetry/internal/archive"
	"github.com/roman-kulish/polarimetry/internal/digitizer"
	"github.com/roman-kulish/polarimetry/internal/digitizer/scpi"
	"github.com/roman-kulish/polarimetry/internal/stage/elliptec"
	"github.com/roman-kulish/polarimetry/internal/sweep"
	"github.com/roman-kulish/polarimetry/internal/waveform"
)

const (
	DriverSimulated = "simulated"
	DriverElliptec  = "elliptec"
	DriverSCPI      = "scpi"

	ModeCartesian = "cartesian"
	ModePaired    = "paired"

	defaultAcquisitionTimeout = 10 * time.Second
)

type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	duration, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("app.Duration: failed to parse: %s", err)
	}

	*d = Duration(duration)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

func (d *Duration) UnmarshalJSON(bytes []byte) error {
	var v string
	if err := json.Unmarshal(bytes, &v); err != nil {
		return err
	}

	duration, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("app.Duration: failed to parse: %s", err)
	}

	*d = Duration(duration)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

// Values is a list of axis positions in degrees. In YAML it is either a
// sequence of numbers or a string holding a "min:max:step" range or a comma
// separated list.
type Values []float64

func (v *Values) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.SequenceNode:
		var values []float64
		if err := value.Decode(&values); err != nil {
			return fmt.Errorf("app.Values: %w", err)
		}
		*v = values
		return nil

	case yaml.ScalarNode:
		values, err := sweep.ParseValues(value.Value)
		if err != nil {
			return fmt.Errorf("app.Values: %w", err)
		}
		*v = values
		return nil

	default:
		return fmt.Errorf("app.Values: expected a sequence or a string at line %d", value.Line)
	}
}

// Config represents the main application configuration
type Config struct {
	Settings  Settings        `yaml:"settings"`
	Stage     StageConfig     `yaml:"stage"`
	Digitizer DigitizerConfig `yaml:"digitizer"`
	Sweep     SweepConfig     `yaml:"sweep"`
	Storage   StorageConfig   `yaml:"storage"`
	Monitor   MonitorConfig   `yaml:"monitor"`
	Archive   *archive.Config `yaml:"archive"`
}

// Settings represents global application settings
type Settings struct {
	LogLevel slog.Level `yaml:"logLevel"`
}

// StageConfig selects and configures the rotation stage bus
type StageConfig struct {
	Driver string `yaml:"driver"`

	// elliptec
	Port          string               `yaml:"port"`
	Serial        elliptec.PortOptions `yaml:"serial"`
	AddressFrom   string               `yaml:"addressFrom"`
	AddressTo     string               `yaml:"addressTo"`
	ReplyTimeout  Duration             `yaml:"replyTimeout"`
	MotionTimeout Duration             `yaml:"motionTimeout"`

	// simulated
	MoveDelay Duration `yaml:"moveDelay"`

	HomeTimeout Duration `yaml:"homeTimeout"`
	MoveTimeout Duration `yaml:"moveTimeout"`
}

func (c *StageConfig) Validate() error {
	switch c.Driver {
	case DriverSimulated:
	case DriverElliptec:
		if c.Port == "" {
			return errors.New("app.StageConfig: serial port is required")
		}
		if _, err := c.Serial.Normalize(); err != nil {
			return fmt.Errorf("app.StageConfig: %w", err)
		}
	default:
		return fmt.Errorf("app.StageConfig: unknown driver '%s'", c.Driver)
	}

	for name, d := range map[string]Duration{
		"reply timeout":  c.ReplyTimeout,
		"motion timeout": c.MotionTimeout,
		"move delay":     c.MoveDelay,
		"home timeout":   c.HomeTimeout,
		"move timeout":   c.MoveTimeout,
	} {
		if d < 0 {
			return fmt.Errorf("app.StageConfig: %s must not be negative: %s", name, d)
		}
	}
	return nil
}

// DigitizerConfig selects and configures the digitizer session
type DigitizerConfig struct {
	Driver string `yaml:"driver"`

	// scpi
	Address        string      `yaml:"address"`
	Format         scpi.Format `yaml:"format"`
	CommandTimeout Duration    `yaml:"commandTimeout"`
	Reset          bool        `yaml:"reset"`

	// simulated pulse height in volts
	PulseHeight float64 `yaml:"pulseHeight"`
}

func (c *DigitizerConfig) Validate() error {
	switch c.Driver {
	case DriverSimulated:
	case DriverSCPI:
		if c.Address == "" {
			return errors.New("app.DigitizerConfig: address is required")
		}
		if c.Format != "" && c.Format != scpi.FormatByte && c.Format != scpi.FormatWord {
			return fmt.Errorf("app.DigitizerConfig: invalid format '%s'", c.Format)
		}
		if c.CommandTimeout < 0 {
			return fmt.Errorf("app.DigitizerConfig: command timeout must not be negative: %s", c.CommandTimeout)
		}
	default:
		return fmt.Errorf("app.DigitizerConfig: unknown driver '%s'", c.Driver)
	}
	return nil
}

// AxisConfig binds an axis name to its bus address and positions
type AxisConfig struct {
	Name    string `yaml:"name"`
	Address string `yaml:"address"`
	Values  Values `yaml:"values"`
}

type AcquisitionConfig struct {
	Mode           digitizer.AcquisitionMode   `yaml:"mode"`
	Averages       int                         `yaml:"averages"`
	SignalChannel  int                         `yaml:"signalChannel"`
	TriggerChannel int                         `yaml:"triggerChannel"`
	TriggerLevel   float64                     `yaml:"triggerLevel"`
	Timeout        Duration                    `yaml:"timeout"`
	Channels       []digitizer.ChannelSettings `yaml:"channels"`
}

type RetryConfig struct {
	MaxAttempts    int      `yaml:"maxAttempts"`
	InitialBackoff Duration `yaml:"initialBackoff"`
	MaxBackoff     Duration `yaml:"maxBackoff"`
	Multiplier     float64  `yaml:"multiplier"`
}

// SweepConfig describes the plan. Cartesian mode visits every combination
// of axis values with the last axis varying fastest, paired mode zips them.
type SweepConfig struct {
	Mode          string            `yaml:"mode"`
	Axes          []AxisConfig      `yaml:"axes"`
	SettleDelay   Duration          `yaml:"settleDelay"`
	Acquisition   AcquisitionConfig `yaml:"acquisition"`
	Integration   waveform.Window   `yaml:"integration"`
	Retry         *RetryConfig      `yaml:"retry"`
	AbortOnFault  bool              `yaml:"abortOnFault"`
	KeepWaveforms bool              `yaml:"keepWaveforms"`
}

// StorageConfig represents storage settings
type StorageConfig struct {
	Database    string `yaml:"database"`
	WaveformDir string `yaml:"waveformDir"`
}

func (c *StorageConfig) Validate() error {
	if c.Database == "" {
		return errors.New("app.StorageConfig: database path is required")
	}
	return nil
}

// MonitorConfig enables the read-only HTTP monitor when Addr is set
type MonitorConfig struct {
	Addr string `yaml:"addr"`
}

// LoadConfig reads and validates the YAML configuration at path
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var config Config
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err = dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}

	if err = config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) Validate() error {
	if err := c.Stage.Validate(); err != nil {
		return err
	}
	if err := c.Digitizer.Validate(); err != nil {
		return err
	}
	if err := c.Storage.Validate(); err != nil {
		return err
	}
	if c.Archive != nil {
		if err := c.Archive.Validate(); err != nil {
			return err
		}
	}
	if _, err := c.Plan(); err != nil {
		return err
	}
	return nil
}

// Plan builds and validates the sweep plan
func (c *Config) Plan() (*sweep.Plan, error) {
	s := &c.Sweep

	axes := make([]sweep.Axis, 0, len(s.Axes))
	values := make([]sweep.AxisValues, 0, len(s.Axes))
	for _, a := range s.Axes {
		axes = append(axes, sweep.Axis{Name: a.Name, Address: a.Address})
		values = append(values, sweep.AxisValues{Axis: a.Name, Values: a.Values})
	}

	var coordinates []sweep.Coordinate
	var err error
	switch s.Mode {
	case ModeCartesian, "":
		coordinates, err = sweep.Cartesian(values...)
	case ModePaired:
		coordinates, err = sweep.Paired(values...)
	default:
		return nil, fmt.Errorf("app.SweepConfig: unknown mode '%s'", s.Mode)
	}
	if err != nil {
		return nil, &sweep.ConfigError{Field: "sweep.axes", Message: err.Error()}
	}

	acq := s.Acquisition
	if acq.Timeout == 0 {
		acq.Timeout = Duration(defaultAcquisitionTimeout)
	}

	retry := sweep.DefaultRetryPolicy()
	if r := s.Retry; r != nil {
		retry = sweep.RetryPolicy{
			MaxAttempts:    r.MaxAttempts,
			InitialBackoff: time.Duration(r.InitialBackoff),
			MaxBackoff:     time.Duration(r.MaxBackoff),
			Multiplier:     r.Multiplier,
		}
	}

	plan := &sweep.Plan{
		Axes:        axes,
		Coordinates: coordinates,
		SettleDelay: time.Duration(s.SettleDelay),
		Acquisition: sweep.Acquisition{
			Mode:           acq.Mode,
			Averages:       acq.Averages,
			SignalChannel:  acq.SignalChannel,
			TriggerChannel: acq.TriggerChannel,
			TriggerLevel:   acq.TriggerLevel,
			Timeout:        time.Duration(acq.Timeout),
			Channels:       acq.Channels,
		},
		Integration:   s.Integration,
		Retry:         retry,
		AbortOnFault:  s.AbortOnFault,
		KeepWaveforms: s.KeepWaveforms,
	}

	if err = plan.Validate(); err != nil {
		return nil, err
	}
	return plan, nil
}
