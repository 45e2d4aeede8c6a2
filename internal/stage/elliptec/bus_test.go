package elliptec

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial"

	"github.com/roman-kulish/polarimetry/internal/stage"
)

// rotation mount, 360 degrees travel, 262144 pulses per revolution
const infoData = "0E" + "11400517" + "2023" + "17" + "01" + "0168" + "00040000"

// fakePort answers every written command with whatever respond returns,
// after delay when it is set. Reads on an empty buffer behave like a serial
// read timeout.
type fakePort struct {
	mu       sync.Mutex
	respond  func(cmd string) string
	delay    func(cmd string) time.Duration
	commands []string
	out      bytes.Buffer
	closed   bool
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	cmd := string(b)
	p.commands = append(p.commands, cmd)
	if p.respond == nil {
		return len(b), nil
	}

	answer := p.respond(cmd)
	if p.delay == nil {
		p.out.WriteString(answer)
		return len(b), nil
	}
	time.AfterFunc(p.delay(cmd), func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		p.out.WriteString(answer)
	})
	return len(b), nil
}

func (p *fakePort) Read(b []byte) (int, error) {
	p.mu.Lock()
	n, _ := p.out.Read(b)
	p.mu.Unlock()

	if n == 0 {
		time.Sleep(time.Millisecond)
	}
	return n, nil
}

func (p *fakePort) ResetInputBuffer() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.out.Reset()
	return nil
}

func (p *fakePort) Close() error {
	p.closed = true
	return nil
}

func (p *fakePort) Commands() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.commands...)
}

// devices answers identify for the given addresses and acknowledges every
// motion with a position reply
func devices(addrs ...string) func(string) string {
	return func(cmd string) string {
		addr := cmd[:1]
		if !strings.Contains(strings.Join(addrs, ""), addr) {
			return ""
		}
		switch {
		case strings.HasPrefix(cmd[1:], "in"):
			return addr + "IN" + infoData + "\r\n"
		case strings.HasPrefix(cmd[1:], "ma"):
			return addr + "PO" + cmd[3:] + "\r\n"
		case strings.HasPrefix(cmd[1:], "ho"):
			return addr + "PO00000000\r\n"
		}
		return addr + "GS03\r\n"
	}
}

func newTestBus(t *testing.T, port *fakePort, options ...Option) *Bus {
	t.Helper()

	options = append([]Option{WithReplyTimeout(10 * time.Millisecond), WithMotionTimeout(50 * time.Millisecond)}, options...)
	b, err := New(port, options...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestPortOptions(t *testing.T) {
	opts, err := PortOptions{}.Normalize()
	require.NoError(t, err)
	assert.Equal(t, PortOptions{BaudRate: 9600, DataBits: 8, StopBits: 1, Parity: "N"}, opts)

	mode, err := PortOptions{StopBits: 2, Parity: "even"}.SerialMode()
	require.NoError(t, err)
	assert.Equal(t, &serial.Mode{BaudRate: 9600, DataBits: 8, StopBits: serial.TwoStopBits, Parity: serial.EvenParity}, mode)

	_, err = PortOptions{DataBits: 9}.Normalize()
	assert.Error(t, err)
	_, err = PortOptions{StopBits: 3}.Normalize()
	assert.Error(t, err)
	_, err = PortOptions{Parity: "mark"}.Normalize()
	assert.Error(t, err)
}

func TestDegreesToPulses(t *testing.T) {
	testCases := []struct {
		degrees float64
		want    int32
	}{
		{0, 0},
		{90, 65536},
		{180, 131072},
		{359.9999999, 0},
		{360, 0},
		{450, 65536},
		{-90, 196608},
	}

	for _, tc := range testCases {
		assert.Equal(t, tc.want, degreesToPulses(tc.degrees, DefaultPulsesPerRevolution), "degrees %v", tc.degrees)
	}

	assert.Equal(t, "1ma00010000", moveAbsoluteCommand("1", 65536))
	assert.Equal(t, 90.0, pulsesToDegrees(65536, DefaultPulsesPerRevolution))
}

func TestParseInfo(t *testing.T) {
	r, err := parseReply("2IN" + infoData + "\r\n")
	require.NoError(t, err)

	info, err := r.info()
	require.NoError(t, err)
	assert.Equal(t, &DeviceInfo{
		Address:             "2",
		MotorType:           0x0E,
		Serial:              "11400517",
		Year:                "2023",
		Firmware:            "17",
		Travel:              360,
		PulsesPerRevolution: 262144,
	}, info)

	r, err = parseReply("2IN0E114")
	require.NoError(t, err)
	_, err = r.info()
	assert.Error(t, err)

	_, err = parseReply("2I")
	assert.Error(t, err)
}

func TestBus_ListAddresses(t *testing.T) {
	port := &fakePort{respond: devices("1", "2")}
	b := newTestBus(t, port, WithAddressRange("0", "3"))

	addrs, err := b.ListAddresses(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2"}, addrs)
	assert.Equal(t, []string{"0in", "1in", "2in", "3in"}, port.Commands())
}

func TestBus_MoveAbsolute(t *testing.T) {
	port := &fakePort{respond: devices("1")}
	b := newTestBus(t, port)

	require.NoError(t, b.MoveAbsolute(context.Background(), "1", 90))
	require.NoError(t, b.MoveAbsolute(context.Background(), "1", 45))

	// identify once, then move
	assert.Equal(t, []string{"1in", "1ma00010000", "1ma00008000"}, port.Commands())
}

func TestBus_HomeWaitsWhileBusy(t *testing.T) {
	port := &fakePort{respond: func(cmd string) string {
		switch cmd {
		case "1in":
			return "1IN" + infoData + "\r\n"
		case "1ho1":
			return "1GS09\r\n2PO00000000\r\n1PO00000000\r\n"
		}
		return ""
	}}
	b := newTestBus(t, port)

	require.NoError(t, b.Home(context.Background(), "1"))
	assert.Equal(t, []string{"1in", "1ho1"}, port.Commands())
}

// slowMoves answers like devices but takes d to complete a move
func slowMoves(d time.Duration) func(string) time.Duration {
	return func(cmd string) time.Duration {
		if strings.HasPrefix(cmd[1:], "ma") {
			return d
		}
		return 0
	}
}

func TestBus_ConcurrentMovesWaitForTheBus(t *testing.T) {
	port := &fakePort{respond: devices("1", "2"), delay: slowMoves(300 * time.Millisecond)}
	b := newTestBus(t, port, WithMotionTimeout(time.Second))

	for _, axis := range []string{"1", "2"} {
		_, err := b.Device(context.Background(), axis)
		require.NoError(t, err)
	}

	// each move fits its budget, both together do not
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i, axis := range []string{"1", "2"} {
		wg.Add(1)
		go func() {
			defer wg.Done()

			ctx, cancel := context.WithTimeout(context.Background(), 450*time.Millisecond)
			defer cancel()
			errs[i] = b.MoveAbsolute(ctx, axis, 90)
		}()
	}
	wg.Wait()

	assert.Equal(t, []error{nil, nil}, errs)
	assert.ElementsMatch(t, []string{"1ma00010000", "2ma00010000"}, port.Commands()[2:])
}

func TestBus_ExpiredWhileWaitingForTheBus(t *testing.T) {
	port := &fakePort{respond: devices("1", "2"), delay: slowMoves(200 * time.Millisecond)}
	b := newTestBus(t, port, WithMotionTimeout(time.Second))

	for _, axis := range []string{"1", "2"} {
		_, err := b.Device(context.Background(), axis)
		require.NoError(t, err)
	}

	done := make(chan error, 1)
	go func() { done <- b.MoveAbsolute(context.Background(), "1", 90) }()
	require.Eventually(t, func() bool {
		return len(port.Commands()) == 3
	}, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := b.MoveAbsolute(ctx, "2", 90)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, <-done)
	assert.Equal(t, []string{"1in", "2in", "1ma00010000"}, port.Commands(), "nothing is written for an expired caller")
}

func TestBus_CanceledDuringMotion(t *testing.T) {
	port := &fakePort{respond: devices("1"), delay: slowMoves(time.Second)}
	b := newTestBus(t, port, WithMotionTimeout(2*time.Second))

	_, err := b.Device(context.Background(), "1")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	err = b.MoveAbsolute(ctx, "1", 90)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBus_StatusError(t *testing.T) {
	port := &fakePort{respond: func(cmd string) string {
		if cmd == "1in" {
			return "1IN" + infoData + "\r\n"
		}
		return "1GS02\r\n"
	}}
	b := newTestBus(t, port)

	err := b.MoveAbsolute(context.Background(), "1", 10)

	var statusErr *stage.StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, "1", statusErr.Axis)
	assert.Equal(t, 2, statusErr.Code)
	assert.Contains(t, err.Error(), "mechanical timeout")
}

func TestBus_UnknownAxis(t *testing.T) {
	b := newTestBus(t, &fakePort{respond: devices("1")})

	assert.ErrorIs(t, b.Home(context.Background(), "5"), stage.ErrUnknownAxis)
	assert.ErrorIs(t, b.MoveAbsolute(context.Background(), "12", 0), stage.ErrUnknownAxis)
}

func TestBus_NoResponse(t *testing.T) {
	port := &fakePort{respond: func(cmd string) string {
		if cmd == "1in" {
			return "1IN" + infoData + "\r\n"
		}
		return ""
	}}
	b := newTestBus(t, port)

	err := b.MoveAbsolute(context.Background(), "1", 10)
	assert.ErrorIs(t, err, stage.ErrNoResponse)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err = b.MoveAbsolute(ctx, "1", 10)
	assert.ErrorIs(t, err, context.DeadlineExceeded, "a deadline from the context is not a missing reply")
}

func TestBus_DiscardsStaleBytes(t *testing.T) {
	port := &fakePort{respond: devices("1")}
	b := newTestBus(t, port)

	port.out.WriteString("1PO000")
	require.NoError(t, b.MoveAbsolute(context.Background(), "1", 180))
}

func TestNew_InvalidRange(t *testing.T) {
	_, err := New(&fakePort{}, WithAddressRange("5", "2"))
	assert.Error(t, err)

	_, err = New(&fakePort{}, WithAddressRange("G", "2"))
	assert.Error(t, err)
}
