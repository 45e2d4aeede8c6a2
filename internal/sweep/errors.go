package sweep

import (
	"errors"
	"fmt"
	"time"

	"github.com/roman-kulish/polarimetry/internal/waveform"
)

const (
	FaultTransport              FaultReason = "transport"
	FaultTimeout                FaultReason = "timeout"
	FaultDecode                 FaultReason = "decode"
	FaultEmptyBaselineRegion    FaultReason = FaultReason(waveform.EmptyBaselineRegion)
	FaultEmptyIntegrationWindow FaultReason = FaultReason(waveform.EmptyIntegrationWindow)
)

var (
	ErrRunNotFound    = errors.New("run not found")
	ErrRunFinalized   = errors.New("run is finalized")
	ErrOutOfOrder     = errors.New("result out of order")
	ErrAlreadyRunning = errors.New("orchestrator is already running")
	ErrNoAxes         = errors.New("no axes found on the stage bus")
)

// ConfigError is returned for an invalid plan, before any hardware is touched
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return "invalid plan: " + e.Message
	}
	return fmt.Sprintf("invalid plan: %s: %s", e.Field, e.Message)
}

func configErrorf(field, format string, args ...any) *ConfigError {
	return &ConfigError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// HomingError is fatal to a run: the stage reference frame could not be established
type HomingError struct {
	Axis string
	Err  error
}

func (e *HomingError) Error() string {
	if e.Axis == "" {
		return fmt.Sprintf("homing: %s", e.Err)
	}
	return fmt.Sprintf("homing axis %s: %s", e.Axis, e.Err)
}

func (e *HomingError) Unwrap() error {
	return e.Err
}

// TransportError is a communication failure with the stage or the digitizer
type TransportError struct {
	Op   string
	Axis string
	Err  error
}

func (e *TransportError) Error() string {
	if e.Axis == "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Err)
	}
	return fmt.Sprintf("%s axis %s: %s", e.Op, e.Axis, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// TimeoutError is returned when a move or an acquisition exceeds its deadline
type TimeoutError struct {
	Op      string
	Axis    string
	Timeout time.Duration
	Err     error
}

func (e *TimeoutError) Error() string {
	if e.Axis == "" {
		return fmt.Sprintf("%s timed out after %s", e.Op, e.Timeout)
	}
	return fmt.Sprintf("%s axis %s timed out after %s", e.Op, e.Axis, e.Timeout)
}

func (e *TimeoutError) Unwrap() error {
	return e.Err
}

type FaultReason string

// Fault records why a coordinate has no valid measurement
type Fault struct {
	Reason  FaultReason `json:"reason"`
	Message string      `json:"message"`
}

func (f *Fault) Error() string {
	return fmt.Sprintf("%s: %s", f.Reason, f.Message)
}

// faultFromError classifies a per-coordinate error. Timeouts take precedence
// when a joined move error holds both kinds.
func faultFromError(err error) *Fault {
	var (
		timeoutErr     *TimeoutError
		decodeErr      *waveform.DecodeError
		integrationErr *waveform.IntegrationError
	)

	reason := FaultTransport
	switch {
	case errors.As(err, &timeoutErr):
		reason = FaultTimeout
	case errors.As(err, &decodeErr):
		reason = FaultDecode
	case errors.As(err, &integrationErr):
		reason = FaultReason(integrationErr.Reason)
	}

	return &Fault{Reason: reason, Message: err.Error()}
}
