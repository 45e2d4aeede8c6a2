package stage

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNoResponse is returned when an addressed axis does not answer a command
	ErrNoResponse = errors.New("no response from axis")

	// ErrUnknownAxis is returned for commands addressed to an axis that is not on the bus
	ErrUnknownAxis = errors.New("unknown axis")
)

// Port is the capability set the sweep needs from a motorized stage. Axis
// identifiers are bus addresses.
type Port interface {
	Home(ctx context.Context, axis string) error
	MoveAbsolute(ctx context.Context, axis string, degrees float64) error
	ListAddresses(ctx context.Context) ([]string, error)
}

// StatusError is returned when an axis reports a non-zero status code
type StatusError struct {
	Axis string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("axis %s reported status %d (%s)", e.Axis, e.Code, StatusText(e.Code))
}

var statusText = map[int]string{
	0:  "ok",
	1:  "communication timeout",
	2:  "mechanical timeout",
	3:  "command not supported",
	4:  "value out of range",
	5:  "module isolated",
	6:  "module out of isolation",
	7:  "initializing error",
	8:  "thermal error",
	9:  "busy",
	10: "sensor error",
	11: "motor error",
	12: "out of range",
	13: "over current error",
}

// StatusText returns a description of a bus status code
func StatusText(code int) string {
	if s, ok := statusText[code]; ok {
		return s
	}
	return "reserved"
}
