// Package simulated provides an in-memory stage used for dry runs and tests.
package simulated

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/roman-kulish/polarimetry/internal/stage"
)

// Call records one command received by the stage
type Call struct {
	Op      string
	Axis    string
	Degrees float64
}

// WithLogger sets the logger for the stage
func WithLogger(logger *slog.Logger) func(*Stage) {
	return func(s *Stage) {
		s.logger = logger.With(slog.String("stage", "simulated"))
	}
}

// WithMoveDelay sets how long each move takes to acknowledge
func WithMoveDelay(d time.Duration) func(*Stage) {
	return func(s *Stage) {
		s.moveDelay = d
	}
}

// WithHomeError makes homing of the axis fail with err
func WithHomeError(axis string, err error) func(*Stage) {
	return func(s *Stage) {
		s.homeErr[axis] = err
	}
}

// Stage is a stage with a fixed set of axes which acknowledges every command
type Stage struct {
	mu        sync.Mutex
	addresses []string
	positions map[string]float64
	homeErr   map[string]error
	moveErr   map[string][]error
	calls     []Call

	moveDelay time.Duration
	logger    *slog.Logger
}

// New creates a stage answering on the given addresses
func New(addresses []string, options ...func(*Stage)) *Stage {
	s := Stage{
		addresses: slices.Clone(addresses),
		positions: make(map[string]float64),
		homeErr:   make(map[string]error),
		moveErr:   make(map[string][]error),
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	for _, option := range options {
		option(&s)
	}

	return &s
}

// FailNextMoves queues errors returned by the next moves of the axis, in order
func (s *Stage) FailNextMoves(axis string, errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.moveErr[axis] = append(s.moveErr[axis], errs...)
}

func (s *Stage) Home(ctx context.Context, axis string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls = append(s.calls, Call{Op: "home", Axis: axis})

	if !slices.Contains(s.addresses, axis) {
		return fmt.Errorf("homing axis %s: %w", axis, stage.ErrUnknownAxis)
	}
	if err := s.homeErr[axis]; err != nil {
		return err
	}

	s.positions[axis] = 0
	s.logger.Debug("axis homed", slog.String("axis", axis))
	return nil
}

func (s *Stage) MoveAbsolute(ctx context.Context, axis string, degrees float64) error {
	if s.moveDelay > 0 {
		select {
		case <-time.After(s.moveDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls = append(s.calls, Call{Op: "move", Axis: axis, Degrees: degrees})

	if !slices.Contains(s.addresses, axis) {
		return fmt.Errorf("moving axis %s: %w", axis, stage.ErrUnknownAxis)
	}
	if queued := s.moveErr[axis]; len(queued) > 0 {
		s.moveErr[axis] = queued[1:]
		return queued[0]
	}

	s.positions[axis] = degrees
	s.logger.Debug("axis moved", slog.String("axis", axis), slog.Float64("degrees", degrees))
	return nil
}

func (s *Stage) ListAddresses(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls = append(s.calls, Call{Op: "list"})
	return slices.Clone(s.addresses), nil
}

// Position returns the last commanded position of the axis
func (s *Stage) Position(axis string) (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.positions[axis]
	return p, ok
}

// Calls returns all commands received so far
func (s *Stage) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()

	return slices.Clone(s.calls)
}
