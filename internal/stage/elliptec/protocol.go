package elliptec

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// DefaultPulsesPerRevolution is used when a device does not report its
// encoder resolution
const DefaultPulsesPerRevolution = 262144

const (
	replyInfo     = "IN"
	replyPosition = "PO"
	replyStatus   = "GS"

	statusOK   = 0
	statusBusy = 9

	// info reply: type(2) serial(8) year(4) firmware(2) hardware(2) travel(4) pulses(8)
	infoLength = 30
)

// DeviceInfo is the identity an axis reports in its IN reply
type DeviceInfo struct {
	Address             string
	MotorType           int
	Serial              string
	Year                string
	Firmware            string
	Travel              int
	PulsesPerRevolution int
}

type reply struct {
	address string
	kind    string
	data    string
}

func identifyCommand(addr string) string {
	return addr + "in"
}

// homeCommand homes anticlockwise
func homeCommand(addr string) string {
	return addr + "ho1"
}

func moveAbsoluteCommand(addr string, pulses int32) string {
	return fmt.Sprintf("%sma%08X", addr, uint32(pulses))
}

// degreesToPulses maps an angle onto one revolution of the encoder
func degreesToPulses(degrees float64, pulsesPerRev int) int32 {
	turn := math.Mod(degrees, 360)
	if turn < 0 {
		turn += 360
	}
	p := int64(math.Round(turn * float64(pulsesPerRev) / 360))
	if p >= int64(pulsesPerRev) {
		p -= int64(pulsesPerRev)
	}
	return int32(p)
}

func pulsesToDegrees(pulses int32, pulsesPerRev int) float64 {
	return float64(pulses) * 360 / float64(pulsesPerRev)
}

func parseReply(line string) (reply, error) {
	line = strings.TrimRight(line, "\r\n")
	if len(line) < 3 {
		return reply{}, fmt.Errorf("malformed reply %q", line)
	}
	return reply{
		address: strings.ToUpper(line[:1]),
		kind:    strings.ToUpper(line[1:3]),
		data:    line[3:],
	}, nil
}

func (r reply) status() (int, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(r.data), 16, 8)
	if err != nil {
		return 0, fmt.Errorf("malformed status %q: %w", r.data, err)
	}
	return int(v), nil
}

func (r reply) position() (int32, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(r.data), 16, 32)
	if err != nil {
		return 0, fmt.Errorf("malformed position %q: %w", r.data, err)
	}
	return int32(uint32(v)), nil
}

func (r reply) info() (*DeviceInfo, error) {
	if len(r.data) < infoLength {
		return nil, fmt.Errorf("malformed info %q: expected %d characters", r.data, infoLength)
	}
	d := r.data

	motor, err := strconv.ParseUint(d[0:2], 16, 8)
	if err != nil {
		return nil, fmt.Errorf("malformed motor type %q: %w", d[0:2], err)
	}
	travel, err := strconv.ParseUint(d[18:22], 16, 16)
	if err != nil {
		return nil, fmt.Errorf("malformed travel %q: %w", d[18:22], err)
	}
	pulses, err := strconv.ParseUint(d[22:30], 16, 32)
	if err != nil {
		return nil, fmt.Errorf("malformed pulses %q: %w", d[22:30], err)
	}
	if pulses == 0 {
		pulses = DefaultPulsesPerRevolution
	}

	return &DeviceInfo{
		Address:             r.address,
		MotorType:           int(motor),
		Serial:              d[2:10],
		Year:                d[10:14],
		Firmware:            d[14:16],
		Travel:              int(travel),
		PulsesPerRevolution: int(pulses),
	}, nil
}
