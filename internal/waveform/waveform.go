package waveform

import (
	"fmt"
	"math"

	"github.com/roman-kulish/polarimetry/internal/digitizer"
)

// DecodeError is returned when a raw acquisition cannot be converted into a waveform
type DecodeError struct {
	msg string
}

func NewDecodeError(msg string) *DecodeError {
	return &DecodeError{msg}
}

func (e *DecodeError) Error() string {
	return "decode: " + e.msg
}

// Waveform is a uniformly sampled signal in physical units
type Waveform struct {
	Time      []float64 `json:"time"`
	Amplitude []float64 `json:"amplitude"`
}

func (w *Waveform) Len() int {
	return len(w.Time)
}

func (w *Waveform) Validate() error {
	if len(w.Time) != len(w.Amplitude) {
		return fmt.Errorf("waveform.Waveform: time length %d does not match amplitude length %d", len(w.Time), len(w.Amplitude))
	}
	return nil
}

// Decode converts raw codes into time and amplitude values:
//
//	amplitude[i] = (code[i] - YReference) * YIncrement + YOrigin
//	time[i]      = XOrigin + i * XIncrement
func Decode(raw *digitizer.RawAcquisition) (*Waveform, error) {
	if raw == nil || len(raw.Codes) == 0 {
		return nil, NewDecodeError("empty sample sequence")
	}

	s := raw.Scaling
	if !(s.XIncrement > 0) || math.IsInf(s.XIncrement, 0) {
		return nil, NewDecodeError(fmt.Sprintf("x-increment must be positive: %v", s.XIncrement))
	}
	for _, v := range []float64{s.YIncrement, s.YOrigin, s.YReference, s.XOrigin} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, NewDecodeError("scaling descriptor has non-finite values")
		}
	}

	w := Waveform{
		Time:      make([]float64, len(raw.Codes)),
		Amplitude: make([]float64, len(raw.Codes)),
	}
	for i, c := range raw.Codes {
		w.Time[i] = s.XOrigin + float64(i)*s.XIncrement
		w.Amplitude[i] = (float64(c)-s.YReference)*s.YIncrement + s.YOrigin
	}

	return &w, nil
}
