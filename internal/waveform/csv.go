package waveform

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
)

var csvHeader = []string{"Time (s)", "Voltage (V)"}

// WriteCSV writes the waveform as a two-column table with a header row
func WriteCSV(out io.Writer, w *Waveform) error {
	if err := w.Validate(); err != nil {
		return err
	}

	cw := csv.NewWriter(out)
	if err := cw.Write(csvHeader); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}

	record := make([]string, 2)
	for i := range w.Time {
		record[0] = strconv.FormatFloat(w.Time[i], 'g', -1, 64)
		record[1] = strconv.FormatFloat(w.Amplitude[i], 'g', -1, 64)
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("writing sample %d: %w", i, err)
		}
	}

	cw.Flush()
	return cw.Error()
}

// ReadCSV parses a table produced by WriteCSV
func ReadCSV(in io.Reader) (*Waveform, error) {
	cr := csv.NewReader(in)
	cr.FieldsPerRecord = 2
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}
	if header[0] != csvHeader[0] || header[1] != csvHeader[1] {
		return nil, fmt.Errorf("unexpected header: %q", header)
	}

	var w Waveform
	for line := 2; ; line++ {
		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading line %d: %w", line, err)
		}

		t, err := strconv.ParseFloat(record[0], 64)
		if err != nil {
			return nil, fmt.Errorf("parsing time on line %d: %w", line, err)
		}
		v, err := strconv.ParseFloat(record[1], 64)
		if err != nil {
			return nil, fmt.Errorf("parsing voltage on line %d: %w", line, err)
		}

		w.Time = append(w.Time, t)
		w.Amplitude = append(w.Amplitude, v)
	}

	return &w, nil
}
