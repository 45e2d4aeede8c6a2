package sweep

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// maxRangeValues bounds the number of values a single range may expand to
const maxRangeValues = 10_000

// maxCoordinates bounds the number of coordinates a grid may expand to
const maxCoordinates = 1_000_000

// AxisValues is the list of positions one axis takes during a sweep
type AxisValues struct {
	Axis   string
	Values []float64
}

// Cartesian builds the cartesian product of the axis value lists. The last
// axis varies fastest, so Cartesian(B, A) visits every A position for each B.
func Cartesian(axes ...AxisValues) ([]Coordinate, error) {
	if len(axes) == 0 {
		return nil, fmt.Errorf("cartesian: no axes given")
	}

	total := 1
	for _, a := range axes {
		if len(a.Values) == 0 {
			return nil, fmt.Errorf("cartesian: axis %s has no values", a.Axis)
		}
		if total > maxCoordinates/len(a.Values) {
			return nil, fmt.Errorf("cartesian: grid expands to more than %d coordinates", maxCoordinates)
		}
		total *= len(a.Values)
	}

	coords := make([]Coordinate, 0, total)
	idx := make([]int, len(axes))
	for range total {
		values := make([]AxisValue, len(axes))
		for i, a := range axes {
			values[i] = AxisValue{Axis: a.Axis, Value: a.Values[idx[i]]}
		}
		coords = append(coords, Coordinate{values: values})

		for i := len(axes) - 1; i >= 0; i-- {
			idx[i]++
			if idx[i] < len(axes[i].Values) {
				break
			}
			idx[i] = 0
		}
	}

	return coords, nil
}

// Paired zips equal-length axis value lists into one coordinate per index
func Paired(axes ...AxisValues) ([]Coordinate, error) {
	if len(axes) == 0 {
		return nil, fmt.Errorf("paired: no axes given")
	}

	n := len(axes[0].Values)
	for _, a := range axes {
		if len(a.Values) != n {
			return nil, fmt.Errorf("paired: axis %s has %d values, expected %d", a.Axis, len(a.Values), n)
		}
	}
	if n == 0 {
		return nil, fmt.Errorf("paired: no values given")
	}

	coords := make([]Coordinate, n)
	for i := range n {
		values := make([]AxisValue, len(axes))
		for j, a := range axes {
			values[j] = AxisValue{Axis: a.Axis, Value: a.Values[i]}
		}
		coords[i] = Coordinate{values: values}
	}

	return coords, nil
}

// RangeSpec is an inclusive "min:max:step" range
type RangeSpec struct {
	Min  float64
	Max  float64
	Step float64
}

// ParseRangeSpec parses a "min:max:step" string into a RangeSpec
func ParseRangeSpec(s string) (RangeSpec, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return RangeSpec{}, fmt.Errorf("invalid range format %q: expected min:max:step", s)
	}

	var values [3]float64
	for i, name := range []string{"min", "max", "step"} {
		v, err := strconv.ParseFloat(strings.TrimSpace(parts[i]), 64)
		if err != nil {
			return RangeSpec{}, fmt.Errorf("invalid %s value %q: %w", name, parts[i], err)
		}
		values[i] = v
	}

	r := RangeSpec{Min: values[0], Max: values[1], Step: values[2]}
	if r.Step <= 0 {
		return RangeSpec{}, fmt.Errorf("step must be positive, got %v", r.Step)
	}
	if r.Min > r.Max {
		return RangeSpec{}, fmt.Errorf("min %v is greater than max %v", r.Min, r.Max)
	}
	if (r.Max-r.Min)/r.Step+1 > maxRangeValues {
		return RangeSpec{}, fmt.Errorf("range %q expands to more than %d values", s, maxRangeValues)
	}

	return r, nil
}

// Values expands the range. Values are computed by index and rounded to
// 1e-6 degrees so that float steps do not accumulate error.
func (r RangeSpec) Values() []float64 {
	n := int(math.Floor((r.Max-r.Min)/r.Step+1e-9)) + 1
	values := make([]float64, 0, n)
	for i := range n {
		v := math.Round((r.Min+float64(i)*r.Step)*1e6) / 1e6
		if v > r.Max {
			break
		}
		values = append(values, v)
	}
	return values
}

// ParseValues parses either a "min:max:step" range or a comma separated list
func ParseValues(s string) ([]float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("empty value list")
	}

	if strings.Contains(s, ":") {
		r, err := ParseRangeSpec(s)
		if err != nil {
			return nil, err
		}
		return r.Values(), nil
	}

	var values []float64
	for _, part := range strings.Split(s, ",") {
		v, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid value %q: %w", part, err)
		}
		values = append(values, v)
	}
	return values, nil
}
