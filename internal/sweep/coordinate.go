package sweep

import (
	"cmp"
	"encoding/json"
	"slices"
	"strconv"
	"strings"
)

// AxisValue is the position of one named axis, in degrees
type AxisValue struct {
	Axis  string  `json:"axis"`
	Value float64 `json:"value"`
}

// Coordinate is an immutable ordered tuple of axis values
type Coordinate struct {
	values []AxisValue
}

func NewCoordinate(values ...AxisValue) Coordinate {
	return Coordinate{values: slices.Clone(values)}
}

func (c Coordinate) Len() int {
	return len(c.values)
}

// Values returns a copy of the axis values in order
func (c Coordinate) Values() []AxisValue {
	return slices.Clone(c.values)
}

// Value returns the value of the named axis
func (c Coordinate) Value(axis string) (float64, bool) {
	for _, v := range c.values {
		if v.Axis == axis {
			return v.Value, true
		}
	}
	return 0, false
}

func (c Coordinate) Equal(other Coordinate) bool {
	return slices.Equal(c.values, other.values)
}

// Compare orders coordinates lexicographically by value, then by axis name.
func (c Coordinate) Compare(other Coordinate) int {
	return slices.CompareFunc(c.values, other.values, func(a, b AxisValue) int {
		if r := cmp.Compare(a.Value, b.Value); r != 0 {
			return r
		}
		return strings.Compare(a.Axis, b.Axis)
	})
}

// String formats the coordinate as "A=0,B=90"
func (c Coordinate) String() string {
	var sb strings.Builder
	for i, v := range c.values {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(v.Axis)
		sb.WriteByte('=')
		sb.WriteString(strconv.FormatFloat(v.Value, 'f', -1, 64))
	}
	return sb.String()
}

// Slug formats the coordinate for use in file names, as "A_0_B_90"
func (c Coordinate) Slug() string {
	parts := make([]string, 0, len(c.values)*2)
	for _, v := range c.values {
		parts = append(parts, v.Axis, strings.ReplaceAll(strconv.FormatFloat(v.Value, 'f', -1, 64), "-", "m"))
	}
	return strings.Join(parts, "_")
}

func (c Coordinate) MarshalJSON() ([]byte, error) {
	if c.values == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(c.values)
}

func (c *Coordinate) UnmarshalJSON(data []byte) error {
	var values []AxisValue
	if err := json.Unmarshal(data, &values); err != nil {
		return err
	}
	c.values = values
	return nil
}
