package waveform

import (
	"bytes"
	"errors"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roman-kulish/polarimetry/internal/digitizer"
)

func unitScaling() digitizer.ScalingDescriptor {
	return digitizer.ScalingDescriptor{
		SampleWidth: 2,
		Signed:      true,
		ByteOrder:   digitizer.BigEndian,
		YIncrement:  1,
		XIncrement:  1,
	}
}

func TestDecode(t *testing.T) {
	raw := &digitizer.RawAcquisition{
		Scaling: digitizer.ScalingDescriptor{
			SampleWidth: 1,
			YIncrement:  0.5,
			YOrigin:     -1,
			YReference:  128,
			XIncrement:  1e-9,
			XOrigin:     -2e-9,
		},
		Codes: []int32{128, 130, 126},
	}

	w, err := Decode(raw)
	require.NoError(t, err)

	assert.InDeltaSlice(t, []float64{-2e-9, -1e-9, 0}, w.Time, 1e-18)
	assert.Equal(t, []float64{-1, 0, -2}, w.Amplitude)
}

func TestDecode_Errors(t *testing.T) {
	testCases := []struct {
		name string
		raw  *digitizer.RawAcquisition
	}{
		{"nil acquisition", nil},
		{"empty codes", &digitizer.RawAcquisition{Scaling: unitScaling()}},
		{"zero x-increment", &digitizer.RawAcquisition{
			Scaling: digitizer.ScalingDescriptor{YIncrement: 1},
			Codes:   []int32{1},
		}},
		{"negative x-increment", &digitizer.RawAcquisition{
			Scaling: digitizer.ScalingDescriptor{YIncrement: 1, XIncrement: -1},
			Codes:   []int32{1},
		}},
		{"NaN x-increment", &digitizer.RawAcquisition{
			Scaling: digitizer.ScalingDescriptor{YIncrement: 1, XIncrement: math.NaN()},
			Codes:   []int32{1},
		}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode(tc.raw)
			var decodeErr *DecodeError
			assert.True(t, errors.As(err, &decodeErr), "expected DecodeError, got %v", err)
		})
	}
}

// Length matches the code count and time is strictly increasing for any
// positive x-increment.
func TestDecode_LengthAndMonotonicTime(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))

	for i := 0; i < 200; i++ {
		n := 1 + rng.IntN(500)
		codes := make([]int32, n)
		for j := range codes {
			codes[j] = int32(rng.IntN(65536) - 32768)
		}

		raw := &digitizer.RawAcquisition{
			Scaling: digitizer.ScalingDescriptor{
				SampleWidth: 2,
				Signed:      true,
				ByteOrder:   digitizer.BigEndian,
				YIncrement:  rng.Float64() * 1e-3,
				YOrigin:     rng.NormFloat64(),
				YReference:  float64(rng.IntN(256)),
				XIncrement:  1e-12 + rng.Float64()*1e-6,
				XOrigin:     rng.NormFloat64() * 1e-6,
			},
			Codes: codes,
		}

		w, err := Decode(raw)
		require.NoError(t, err)
		require.Equal(t, n, w.Len())
		require.Len(t, w.Amplitude, n)

		for j := 1; j < n; j++ {
			require.Greater(t, w.Time[j], w.Time[j-1], "time not increasing at %d", j)
		}
	}
}

func TestCorrectAndIntegrate_Scenario(t *testing.T) {
	raw := &digitizer.RawAcquisition{
		Scaling: unitScaling(),
		Codes:   []int32{10, 10, 10, 20, 20, 10},
	}

	w, err := Decode(raw)
	require.NoError(t, err)

	baseline, integral, err := CorrectAndIntegrate(w, Window{BaselineCutoff: 0.5, Start: 1, End: 4})
	require.NoError(t, err)
	assert.Equal(t, 10.0, baseline)
	assert.Equal(t, 5.0, integral)
	assert.Equal(t, []float64{10, 10, 10, 20, 20, 10}, w.Amplitude, "integration must not modify the input")

	corrected := Correct(w, baseline)
	assert.Equal(t, []float64{0, 0, 0, 10, 10, 0}, corrected.Amplitude)
	assert.Equal(t, w.Time, corrected.Time)
	assert.Equal(t, []float64{10, 10, 10, 20, 20, 10}, w.Amplitude, "input must not be modified")
}

func TestCorrectAndIntegrate_Squared(t *testing.T) {
	w := &Waveform{
		Time:      []float64{0, 1, 2, 3, 4},
		Amplitude: []float64{1, 1, 3, 3, 1},
	}

	_, integral, err := CorrectAndIntegrate(w, Window{BaselineCutoff: 0.5, Start: 0.5, End: 3.5, Squared: true})
	require.NoError(t, err)
	// corrected [0, 0, 2, 2, 0] squared over t=1..3: (0+4)/2 + (4+4)/2
	assert.Equal(t, 6.0, integral)
}

func TestCorrectAndIntegrate_ShiftInvariance(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 11))

	codes := make([]int32, 400)
	for i := range codes {
		codes[i] = int32(100 + rng.IntN(50))
		if i > 150 && i < 250 {
			codes[i] += 1000
		}
	}
	win := Window{BaselineCutoff: 100e-9, Start: 120e-9, End: 300e-9}
	scaling := digitizer.ScalingDescriptor{
		SampleWidth: 2,
		Signed:      true,
		ByteOrder:   digitizer.BigEndian,
		YIncrement:  2e-4,
		YOrigin:     0.01,
		YReference:  0,
		XIncrement:  1e-9,
	}

	w, err := Decode(&digitizer.RawAcquisition{Scaling: scaling, Codes: codes})
	require.NoError(t, err)
	baseline, integral, err := CorrectAndIntegrate(w, win)
	require.NoError(t, err)

	for _, k := range []int32{-100, 1, 37, 5000} {
		shifted := make([]int32, len(codes))
		for i, c := range codes {
			shifted[i] = c + k
		}

		ws, err := Decode(&digitizer.RawAcquisition{Scaling: scaling, Codes: shifted})
		require.NoError(t, err)
		b, in, err := CorrectAndIntegrate(ws, win)
		require.NoError(t, err)

		assert.InDelta(t, baseline+float64(k)*scaling.YIncrement, b, 1e-9, "shift %d", k)
		assert.InDelta(t, integral, in, 1e-12, "shift %d", k)
	}
}

func TestCorrectAndIntegrate_Errors(t *testing.T) {
	w := &Waveform{
		Time:      []float64{0, 1, 2, 3},
		Amplitude: []float64{0, 1, 2, 3},
	}

	testCases := []struct {
		name   string
		window Window
		reason IntegrationReason
	}{
		{"cutoff before first sample", Window{BaselineCutoff: 0, Start: 0.5, End: 2.5}, EmptyBaselineRegion},
		{"window between samples", Window{BaselineCutoff: 1, Start: 1.2, End: 1.8}, EmptyIntegrationWindow},
		{"window after last sample", Window{BaselineCutoff: 1, Start: 3, End: 10}, EmptyIntegrationWindow},
		{"bounds exclusive", Window{BaselineCutoff: 1, Start: 1, End: 2}, EmptyIntegrationWindow},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, integral, err := CorrectAndIntegrate(w, tc.window)
			var integrationErr *IntegrationError
			require.True(t, errors.As(err, &integrationErr), "expected IntegrationError, got %v", err)
			assert.Equal(t, tc.reason, integrationErr.Reason)
			assert.Zero(t, integral)
		})
	}
}

func TestCorrectAndIntegrate_SingleSample(t *testing.T) {
	w := &Waveform{Time: []float64{0, 1, 2}, Amplitude: []float64{1, 5, 1}}

	baseline, integral, err := CorrectAndIntegrate(w, Window{BaselineCutoff: 0.5, Start: 0.5, End: 1.5})
	require.NoError(t, err)
	assert.Equal(t, 1.0, baseline)
	assert.Zero(t, integral)
}

func TestWindow_Validate(t *testing.T) {
	assert.NoError(t, Window{BaselineCutoff: 0, Start: 0, End: 1}.Validate())
	assert.Error(t, Window{Start: 1, End: 1}.Validate())
	assert.Error(t, Window{Start: 2, End: 1}.Validate())
	assert.Error(t, Window{Start: math.Inf(-1), End: 1}.Validate())
}

func TestCSV(t *testing.T) {
	w := &Waveform{
		Time:      []float64{-1e-9, 0, 1.5e-9},
		Amplitude: []float64{0.001, -0.25, 3},
	}

	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, w))
	assert.Equal(t, "Time (s),Voltage (V)\n-1e-09,0.001\n0,-0.25\n1.5e-09,3\n", buf.String())

	got, err := ReadCSV(&buf)
	require.NoError(t, err)
	assert.Equal(t, w, got)
}

func TestReadCSV_BadHeader(t *testing.T) {
	_, err := ReadCSV(bytes.NewBufferString("t,v\n0,1\n"))
	assert.Error(t, err)
}
