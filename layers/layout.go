package layers

import (
	"fmt"
	"strings"
)

// DataLayout selects which tensor axis holds channels.
type DataLayout int

const (
	ChannelsFirst DataLayout = iota // [batch, channels, height, width]
	ChannelsLast                    // [batch, height, width, channels]
)

func (d DataLayout) String() string {
	switch d {
	case ChannelsFirst:
		return "channels_first"
	case ChannelsLast:
		return "channels_last"
	default:
		return "unknown"
	}
}

// ParseDataLayout accepts "channels_first"/"channels_last" and the
// shorthands "nchw"/"nhwc".
func ParseDataLayout(s string) (DataLayout, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "channels_first", "nchw":
		return ChannelsFirst, nil
	case "channels_last", "nhwc":
		return ChannelsLast, nil
	}
	return 0, fmt.Errorf("unknown data layout %q", s)
}

func (d DataLayout) MarshalText() ([]byte, error) {
	if d != ChannelsFirst && d != ChannelsLast {
		return nil, fmt.Errorf("unknown data layout %d", int(d))
	}
	return []byte(d.String()), nil
}

func (d *DataLayout) UnmarshalText(b []byte) error {
	v, err := ParseDataLayout(string(b))
	if err != nil {
		return err
	}
	*d = v
	return nil
}

// ChannelAxis is the channel axis of a 4D tensor.
func (d DataLayout) ChannelAxis() int {
	if d == ChannelsFirst {
		return 1
	}
	return 3
}

// SpatialAxes are the height and width axes of a 4D tensor.
func (d DataLayout) SpatialAxes() [2]int {
	if d == ChannelsFirst {
		return [2]int{2, 3}
	}
	return [2]int{1, 2}
}

// Shape assembles a 4D shape in this layout.
func (d DataLayout) Shape(batch, channels, height, width int) []int {
	if d == ChannelsFirst {
		return []int{batch, channels, height, width}
	}
	return []int{batch, height, width, channels}
}

// Dims splits a 4D shape in this layout into its parts.
func (d DataLayout) Dims(shape []int) (batch, channels, height, width int) {
	if d == ChannelsFirst {
		return shape[0], shape[1], shape[2], shape[3]
	}
	return shape[0], shape[3], shape[1], shape[2]
}
