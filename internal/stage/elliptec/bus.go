// Package elliptec drives Thorlabs Elliptec rotation mounts sharing one
// serial bus. Every axis is addressed by a single hexadecimal digit.
package elliptec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/roman-kulish/polarimetry/internal/stage"
)

const (
	defaultReplyTimeout  = 500 * time.Millisecond
	defaultMotionTimeout = 60 * time.Second
	pollInterval         = 20 * time.Millisecond
)

var _ stage.Port = (*Bus)(nil)

// Option configures a Bus
type Option func(*Bus)

// WithLogger sets the logger for the bus
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) {
		b.logger = logger.With(slog.String("stage", "elliptec"))
	}
}

// WithAddressRange limits address discovery to [min, max]
func WithAddressRange(lo, hi string) Option {
	return func(b *Bus) {
		b.minAddr, b.maxAddr = strings.ToUpper(lo), strings.ToUpper(hi)
	}
}

// WithReplyTimeout sets how long to wait for the reply to a query
func WithReplyTimeout(d time.Duration) Option {
	return func(b *Bus) {
		b.replyTimeout = d
	}
}

// WithMotionTimeout sets how long to wait for a home or move to complete once
// it holds the bus. A shorter context deadline lowers it.
func WithMotionTimeout(d time.Duration) Option {
	return func(b *Bus) {
		b.motionTimeout = d
	}
}

// Bus is a serial bus with up to 16 Elliptec devices. The bus is half duplex,
// so commands are serialized and a move holds the bus until it completes.
type Bus struct {
	// held while a command owns the port
	busy chan struct{}

	mu      sync.Mutex
	port    SerialPorter
	pending []byte
	devices map[string]*DeviceInfo

	minAddr       string
	maxAddr       string
	replyTimeout  time.Duration
	motionTimeout time.Duration
	logger        *slog.Logger

	closeOnce sync.Once
	closeErr  error
}

// Open opens the serial port at path and returns a bus on it
func Open(path string, opts PortOptions, options ...Option) (*Bus, error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, fmt.Errorf("elliptec: %w", err)
	}

	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("elliptec: opening %s: %w", path, err)
	}

	return New(port, options...)
}

// New returns a bus on an already open port. Ports implementing
// TimeoutSerialPorter get a short read timeout so waits can observe deadlines.
func New(port SerialPorter, options ...Option) (*Bus, error) {
	b := Bus{
		busy:          make(chan struct{}, 1),
		port:          port,
		devices:       make(map[string]*DeviceInfo),
		minAddr:       "0",
		maxAddr:       "F",
		replyTimeout:  defaultReplyTimeout,
		motionTimeout: defaultMotionTimeout,
		logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, option := range options {
		option(&b)
	}

	lo, err := parseAddress(b.minAddr)
	if err != nil {
		return nil, fmt.Errorf("elliptec: min address: %w", err)
	}
	hi, err := parseAddress(b.maxAddr)
	if err != nil {
		return nil, fmt.Errorf("elliptec: max address: %w", err)
	}
	if lo > hi {
		return nil, fmt.Errorf("elliptec: address range %s..%s is empty", b.minAddr, b.maxAddr)
	}

	if tp, ok := port.(TimeoutSerialPorter); ok {
		if err = tp.SetReadTimeout(pollInterval); err != nil {
			return nil, fmt.Errorf("elliptec: setting read timeout: %w", err)
		}
	}

	return &b, nil
}

// ListAddresses identifies every device in the address range. Addresses that
// do not answer are skipped.
func (b *Bus) ListAddresses(ctx context.Context) ([]string, error) {
	lo, _ := parseAddress(b.minAddr)
	hi, _ := parseAddress(b.maxAddr)

	var addresses []string
	for a := lo; a <= hi; a++ {
		addr := strings.ToUpper(strconv.FormatUint(a, 16))

		info, err := b.identify(ctx, addr)
		if errors.Is(err, stage.ErrNoResponse) {
			continue
		}
		if err != nil {
			return nil, err
		}

		b.logger.Debug("device found",
			slog.String("address", addr),
			slog.String("serial", info.Serial),
			slog.Int("pulsesPerRevolution", info.PulsesPerRevolution))
		addresses = append(addresses, addr)
	}

	return addresses, nil
}

// Device returns the identity of the axis, identifying it if necessary
func (b *Bus) Device(ctx context.Context, axis string) (*DeviceInfo, error) {
	addr := strings.ToUpper(axis)
	if _, err := parseAddress(addr); err != nil {
		return nil, fmt.Errorf("axis %q: %w", axis, stage.ErrUnknownAxis)
	}

	b.mu.Lock()
	info, ok := b.devices[addr]
	b.mu.Unlock()
	if ok {
		return info, nil
	}

	info, err := b.identify(ctx, addr)
	if errors.Is(err, stage.ErrNoResponse) {
		return nil, fmt.Errorf("axis %s: %w", addr, stage.ErrUnknownAxis)
	}
	return info, err
}

func (b *Bus) identify(ctx context.Context, addr string) (*DeviceInfo, error) {
	r, err := b.command(ctx, addr, identifyCommand(addr), b.replyTimeout)
	if err != nil {
		return nil, err
	}
	if r.kind != replyInfo {
		return nil, fmt.Errorf("axis %s: unexpected %s reply to identify", addr, r.kind)
	}

	info, err := r.info()
	if err != nil {
		return nil, fmt.Errorf("axis %s: %w", addr, err)
	}

	b.mu.Lock()
	b.devices[addr] = info
	b.mu.Unlock()
	return info, nil
}

// Home homes the axis anticlockwise and waits for it to stop
func (b *Bus) Home(ctx context.Context, axis string) error {
	info, err := b.Device(ctx, axis)
	if err != nil {
		return err
	}

	r, err := b.command(ctx, info.Address, homeCommand(info.Address), b.motionTimeout)
	if err != nil {
		return err
	}
	return b.motionDone(info, r)
}

// MoveAbsolute moves the axis to an angle within one revolution and waits
// for it to stop
func (b *Bus) MoveAbsolute(ctx context.Context, axis string, degrees float64) error {
	info, err := b.Device(ctx, axis)
	if err != nil {
		return err
	}

	pulses := degreesToPulses(degrees, info.PulsesPerRevolution)
	r, err := b.command(ctx, info.Address, moveAbsoluteCommand(info.Address, pulses), b.motionTimeout)
	if err != nil {
		return err
	}
	return b.motionDone(info, r)
}

func (b *Bus) motionDone(info *DeviceInfo, r reply) error {
	switch r.kind {
	case replyPosition:
		pos, err := r.position()
		if err != nil {
			return fmt.Errorf("axis %s: %w", info.Address, err)
		}
		b.logger.Debug("axis stopped",
			slog.String("address", info.Address),
			slog.Float64("degrees", pulsesToDegrees(pos, info.PulsesPerRevolution)))
		return nil

	case replyStatus:
		code, err := r.status()
		if err != nil {
			return fmt.Errorf("axis %s: %w", info.Address, err)
		}
		if code != statusOK {
			return &stage.StatusError{Axis: info.Address, Code: code}
		}
		return nil

	default:
		return fmt.Errorf("axis %s: unexpected %s reply to motion command", info.Address, r.kind)
	}
}

// command sends cmd and waits for the first reply from addr which is not a
// busy status. Bytes left from earlier commands are discarded.
//
// A context deadline bounds the wait for the bus. The reply wait starts once
// the bus is held and lasts timeout, or the context's remaining budget when
// that was shorter on entry.
func (b *Bus) command(ctx context.Context, addr, cmd string, timeout time.Duration) (reply, error) {
	ctxBound := false
	if d, ok := ctx.Deadline(); ok {
		if budget := time.Until(d); budget < timeout {
			timeout, ctxBound = budget, true
		}
	}

	if err := b.acquire(ctx); err != nil {
		return reply{}, fmt.Errorf("axis %s: waiting for bus: %w", addr, err)
	}
	defer b.release()

	deadline := time.Now().Add(timeout)

	b.pending = b.pending[:0]
	if r, ok := b.port.(inputResetter); ok {
		if err := r.ResetInputBuffer(); err != nil {
			return reply{}, fmt.Errorf("axis %s: resetting input: %w", addr, err)
		}
	}
	if _, err := io.WriteString(b.port, cmd); err != nil {
		return reply{}, fmt.Errorf("axis %s: writing %q: %w", addr, cmd, err)
	}

	for {
		line, err := b.readLine(ctx, deadline)
		if err != nil {
			if !errors.Is(err, stage.ErrNoResponse) {
				return reply{}, err
			}
			if ctxBound {
				return reply{}, fmt.Errorf("axis %s: %q: %w", addr, cmd, context.DeadlineExceeded)
			}
			return reply{}, fmt.Errorf("axis %s: %q: %w", addr, cmd, err)
		}

		r, err := parseReply(line)
		if err != nil {
			b.logger.Warn("discarding reply", slog.String("reply", line), slog.String("error", err.Error()))
			continue
		}
		if r.address != addr {
			b.logger.Debug("discarding reply for other axis", slog.String("reply", line))
			continue
		}
		if r.kind == replyStatus {
			if code, err := r.status(); err == nil && code == statusBusy {
				continue
			}
		}
		return r, nil
	}
}

// acquire takes the bus. It gives up when ctx is done first, including when
// both happen at once, so nothing is written on behalf of an expired caller.
func (b *Bus) acquire(ctx context.Context) error {
	select {
	case b.busy <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := ctx.Err(); err != nil {
		b.release()
		return err
	}
	return nil
}

func (b *Bus) release() {
	<-b.busy
}

// readLine returns the next CRLF terminated line, with the terminator removed.
// Only cancellation of ctx ends the wait early; its deadline is already folded
// into deadline.
func (b *Bus) readLine(ctx context.Context, deadline time.Time) (string, error) {
	buf := make([]byte, 64)
	for {
		if i := bytes.IndexByte(b.pending, '\n'); i >= 0 {
			line := strings.TrimRight(string(b.pending[:i]), "\r")
			b.pending = append(b.pending[:0], b.pending[i+1:]...)
			if line == "" {
				continue
			}
			return line, nil
		}

		if err := ctx.Err(); errors.Is(err, context.Canceled) {
			return "", err
		}
		if !time.Now().Before(deadline) {
			return "", stage.ErrNoResponse
		}

		n, err := b.port.Read(buf)
		if err != nil {
			return "", fmt.Errorf("reading serial port: %w", err)
		}
		b.pending = append(b.pending, buf[:n]...)
	}
}

func (b *Bus) Close() error {
	b.closeOnce.Do(func() {
		b.closeErr = b.port.Close()
	})
	return b.closeErr
}

func parseAddress(addr string) (uint64, error) {
	if len(addr) != 1 {
		return 0, fmt.Errorf("invalid address %q: expected one hex digit", addr)
	}
	v, err := strconv.ParseUint(addr, 16, 8)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q: expected one hex digit", addr)
	}
	return v, nil
}
