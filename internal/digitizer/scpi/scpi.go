// Package scpi drives a Keysight Infiniium style oscilloscope over a raw SCPI
// socket (port 5025).
package scpi

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/roman-kulish/polarimetry/internal/digitizer"
)

const (
	DefaultPort = "5025"

	// FormatByte transfers one signed byte per sample
	FormatByte Format = "BYTE"

	// FormatWord transfers one signed 16-bit big endian word per sample
	FormatWord Format = "WORD"

	defaultCommandTimeout = 5 * time.Second
	drainWindow           = 100 * time.Millisecond
)

type Format string

func (f Format) sampleWidth() int {
	if f == FormatByte {
		return 1
	}
	return 2
}

var _ digitizer.Port = (*Client)(nil)

// Option configures a Client
type Option func(*Client)

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger.With(slog.String("digitizer", "scpi"))
	}
}

// WithCommandTimeout bounds every exchange except the blocking acquisition
func WithCommandTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.commandTimeout = d
	}
}

// WithFormat sets the waveform transfer format
func WithFormat(f Format) Option {
	return func(c *Client) {
		c.format = f
	}
}

// WithReset resets the instrument to factory defaults when the session opens
func WithReset() Option {
	return func(c *Client) {
		c.reset = true
	}
}

// Client is an exclusive SCPI session with one instrument
type Client struct {
	mu   sync.Mutex
	conn net.Conn
	r    *bufio.Reader

	commandTimeout time.Duration
	format         Format
	reset          bool
	logger         *slog.Logger

	// stale is set when an acquisition timed out and its reply may still arrive
	stale  bool
	closed bool
}

// Dial connects to the instrument at addr and initializes the session.
// The SCPI socket port is used when addr has none.
func Dial(ctx context.Context, addr string, options ...Option) (*Client, error) {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, DefaultPort)
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("scpi: dialing %s: %w", addr, err)
	}

	c := New(conn, options...)
	if err = c.Init(ctx); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

// New returns a client on an established connection. Init must be called
// before the client is used.
func New(conn net.Conn, options ...Option) *Client {
	c := Client{
		conn:           conn,
		r:              bufio.NewReader(conn),
		commandTimeout: defaultCommandTimeout,
		format:         FormatWord,
		logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, option := range options {
		option(&c)
	}
	return &c
}

// Init clears the status registers, optionally resets the instrument, and
// waits for pending operations to complete
func (c *Client) Init(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	cmds := []string{"*CLS"}
	if c.reset {
		cmds = append(cmds, "*RST")
	}
	if err := c.send(ctx, c.commandTimeout, cmds...); err != nil {
		return err
	}
	if err := c.opc(ctx, c.commandTimeout); err != nil {
		return err
	}

	idn, err := c.query(ctx, c.commandTimeout, "*IDN?")
	if err != nil {
		return err
	}
	c.logger.Info("instrument connected", slog.String("idn", idn))
	return nil
}

func (c *Client) ConfigureChannel(ctx context.Context, settings digitizer.ChannelSettings) error {
	if err := settings.Validate(); err != nil {
		return err
	}

	input := "DC50"
	if settings.Impedance == digitizer.Impedance1M {
		input = "DC1M"
	}
	invert := "OFF"
	if settings.Invert {
		invert = "ON"
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	ch := settings.Channel
	if err := c.send(ctx, c.commandTimeout,
		fmt.Sprintf(":CHANnel%d:DISPlay ON", ch),
		fmt.Sprintf(":CHANnel%d:INPut %s", ch, input),
		fmt.Sprintf(":CHANnel%d:INVert %s", ch, invert),
	); err != nil {
		return err
	}
	return c.opc(ctx, c.commandTimeout)
}

func (c *Client) SetTrigger(ctx context.Context, channel int, level float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.send(ctx, c.commandTimeout,
		":TRIGger:MODE EDGE",
		fmt.Sprintf(":TRIGger:EDGE:SOURce CHANnel%d", channel),
		fmt.Sprintf(":TRIGger:LEVel CHANnel%d,%s", channel, formatFloat(level)),
	); err != nil {
		return err
	}
	return c.opc(ctx, c.commandTimeout)
}

func (c *Client) SetAveraging(ctx context.Context, count int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	// averaging left on by an earlier session would survive a normal type
	cmds := []string{":ACQuire:TYPE NORMal", ":ACQuire:AVERage OFF"}
	if count > 1 {
		cmds = []string{":ACQuire:TYPE AVERage", fmt.Sprintf(":ACQuire:COUNt %d", count), ":ACQuire:AVERage ON"}
	}
	if err := c.send(ctx, c.commandTimeout, cmds...); err != nil {
		return err
	}
	return c.opc(ctx, c.commandTimeout)
}

// ArmAndAcquire runs a single acquisition, blocking on *OPC? until it
// completes, and transfers the waveform of req.Channel
func (c *Client) ArmAndAcquire(ctx context.Context, req digitizer.AcquireRequest) (*digitizer.RawAcquisition, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.send(ctx, c.commandTimeout, ":SINGle;*OPC?"); err != nil {
		return nil, err
	}

	reply, err := c.readLine(ctx, req.Timeout)
	if err != nil {
		if isTimeout(err) {
			c.abort()
			return nil, fmt.Errorf("scpi: acquisition on channel %d: %w after %s", req.Channel, digitizer.ErrTimeout, req.Timeout)
		}
		return nil, c.wrap(ctx, ":SINGle", err)
	}
	if reply != "1" {
		return nil, fmt.Errorf("scpi: unexpected reply %q to *OPC?", reply)
	}

	scaling := digitizer.ScalingDescriptor{
		SampleWidth: c.format.sampleWidth(),
		Signed:      true,
		ByteOrder:   digitizer.BigEndian,
	}

	if err = c.send(ctx, c.commandTimeout,
		fmt.Sprintf(":WAVeform:SOURce CHANnel%d", req.Channel),
		":WAVeform:FORMat "+string(c.format),
		":WAVeform:BYTeorder MSBFirst",
		":WAVeform:UNSigned OFF",
		":WAVeform:POINts:MODE RAW",
	); err != nil {
		return nil, err
	}

	for _, q := range []struct {
		cmd string
		dst *float64
	}{
		{":WAVeform:YINCrement?", &scaling.YIncrement},
		{":WAVeform:YORigin?", &scaling.YOrigin},
		{":WAVeform:YREFerence?", &scaling.YReference},
		{":WAVeform:XINCrement?", &scaling.XIncrement},
		{":WAVeform:XORigin?", &scaling.XOrigin},
	} {
		if *q.dst, err = c.queryFloat(ctx, c.commandTimeout, q.cmd); err != nil {
			return nil, err
		}
	}

	if err = c.send(ctx, c.commandTimeout, ":WAVeform:DATA?"); err != nil {
		return nil, err
	}
	block, err := c.readBlock(ctx, c.commandTimeout)
	if err != nil {
		return nil, err
	}

	codes, err := digitizer.AssembleCodes(block, scaling)
	if err != nil {
		return nil, fmt.Errorf("scpi: %w", err)
	}

	c.logger.Debug("waveform transferred",
		slog.Int("channel", req.Channel),
		slog.Int("points", len(codes)))

	return &digitizer.RawAcquisition{Scaling: scaling, Codes: codes}, nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Close()
}

// abort stops a timed out acquisition and discards whatever the instrument
// replies within the drain window, so the next exchange starts in sync
func (c *Client) abort() {
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.commandTimeout))
	if _, err := io.WriteString(c.conn, ":STOP\n"); err != nil {
		c.logger.Warn("stopping acquisition failed", slog.String("error", err.Error()))
		c.stale = true
		return
	}

	_ = c.conn.SetReadDeadline(time.Now().Add(drainWindow))
	n, _ := io.Copy(io.Discard, c.r)
	c.stale = false
	if n > 0 {
		c.logger.Debug("discarded late reply", slog.Int64("bytes", n))
	}
}

// send writes each command terminated by a newline
func (c *Client) send(ctx context.Context, timeout time.Duration, cmds ...string) error {
	if c.closed {
		return digitizer.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.stale {
		c.abort()
	}

	stop := c.deadline(ctx, timeout, c.conn.SetWriteDeadline)
	defer stop()

	for _, cmd := range cmds {
		if _, err := io.WriteString(c.conn, cmd+"\n"); err != nil {
			return c.wrap(ctx, cmd, err)
		}
	}
	return nil
}

func (c *Client) query(ctx context.Context, timeout time.Duration, cmd string) (string, error) {
	if err := c.send(ctx, timeout, cmd); err != nil {
		return "", err
	}
	line, err := c.readLine(ctx, timeout)
	if err != nil {
		return "", c.wrap(ctx, cmd, err)
	}
	return line, nil
}

func (c *Client) queryFloat(ctx context.Context, timeout time.Duration, cmd string) (float64, error) {
	s, err := c.query(ctx, timeout, cmd)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("scpi: %s: malformed number %q", cmd, s)
	}
	return v, nil
}

func (c *Client) opc(ctx context.Context, timeout time.Duration) error {
	s, err := c.query(ctx, timeout, "*OPC?")
	if err != nil {
		return err
	}
	if s != "1" {
		return fmt.Errorf("scpi: unexpected reply %q to *OPC?", s)
	}
	return nil
}

func (c *Client) readLine(ctx context.Context, timeout time.Duration) (string, error) {
	stop := c.deadline(ctx, timeout, c.conn.SetReadDeadline)
	defer stop()

	line, err := c.r.ReadString('\n')
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// readBlock reads an IEEE 488.2 definite length block: '#', one digit n, n
// digits of length, the data, and an optional newline
func (c *Client) readBlock(ctx context.Context, timeout time.Duration) ([]byte, error) {
	stop := c.deadline(ctx, timeout, c.conn.SetReadDeadline)
	defer stop()

	header := make([]byte, 2)
	if _, err := io.ReadFull(c.r, header); err != nil {
		return nil, c.wrap(ctx, "block header", err)
	}
	if header[0] != '#' || header[1] < '1' || header[1] > '9' {
		return nil, fmt.Errorf("scpi: malformed block header %q", header)
	}

	digits := make([]byte, header[1]-'0')
	if _, err := io.ReadFull(c.r, digits); err != nil {
		return nil, c.wrap(ctx, "block length", err)
	}
	n, err := strconv.Atoi(string(digits))
	if err != nil {
		return nil, fmt.Errorf("scpi: malformed block length %q", digits)
	}

	data := make([]byte, n)
	if _, err = io.ReadFull(c.r, data); err != nil {
		return nil, c.wrap(ctx, "block data", err)
	}

	if b, err := c.r.ReadByte(); err == nil && b != '\n' {
		_ = c.r.UnreadByte()
	}
	return data, nil
}

// deadline applies the earlier of now+timeout and the context deadline, and
// interrupts the pending I/O when ctx is canceled. stop must be called once
// the I/O is done.
func (c *Client) deadline(ctx context.Context, timeout time.Duration, set func(time.Time) error) (stop func()) {
	d := time.Now().Add(timeout)
	if cd, ok := ctx.Deadline(); ok && cd.Before(d) {
		d = cd
	}
	_ = set(d)

	unregister := context.AfterFunc(ctx, func() {
		_ = set(time.Now())
	})
	return func() { unregister() }
}

func (c *Client) wrap(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return fmt.Errorf("scpi: %s: %w", op, err)
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
