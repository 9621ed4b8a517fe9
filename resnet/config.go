package resnet

import (
	"errors"
	"fmt"
	"math"
)

// Configuration errors.
var (
	ErrInvalidConfig      = errors.New("invalid resnet config")
	ErrUnsupportedVersion = errors.New("unsupported resnet version")
)

// Version selects the ordering of normalization and activation.
type Version int

const (
	V1 Version = 1 // post-activation
	V2 Version = 2 // pre-activation
)

func (v Version) String() string {
	switch v {
	case V1:
		return "v1"
	case V2:
		return "v2"
	default:
		return fmt.Sprintf("v%d", int(v))
	}
}

// ConvParam describes the stem convolution.
type ConvParam struct {
	KernelSize int `json:"kernel_size" yaml:"kernel_size" mapstructure:"kernel_size"`
	Strides    int `json:"strides" yaml:"strides" mapstructure:"strides"`
}

// PoolParam describes the stem pooling.
type PoolParam struct {
	PoolSize int `json:"pool_size" yaml:"pool_size" mapstructure:"pool_size"`
	Strides  int `json:"strides" yaml:"strides" mapstructure:"strides"`
}

// BlockParam describes one stage: Blocks residual blocks, the first of
// which applies Strides.
type BlockParam struct {
	Blocks  int `json:"blocks" yaml:"blocks" mapstructure:"blocks"`
	Strides int `json:"strides" yaml:"strides" mapstructure:"strides"`
}

// DenseParam describes the logits projection.
type DenseParam struct {
	Units int `json:"units" yaml:"units" mapstructure:"units"`
}

// Config fully determines a ResNet topology.
type Config struct {
	// Name prefixes every layer name. Defaults to "resnet".
	Name        string       `json:"name,omitempty" yaml:"name,omitempty" mapstructure:"name"`
	BaseFilters int          `json:"base_filters" yaml:"base_filters" mapstructure:"base_filters"`
	Stem        ConvParam    `json:"stem" yaml:"stem" mapstructure:"stem"`
	Pool        PoolParam    `json:"pool" yaml:"pool" mapstructure:"pool"`
	Stages      []BlockParam `json:"stages" yaml:"stages" mapstructure:"stages"`
	Bottleneck  bool         `json:"bottleneck" yaml:"bottleneck" mapstructure:"bottleneck"`
	Version     Version      `json:"version" yaml:"version" mapstructure:"version"`
	Head        DenseParam   `json:"head" yaml:"head" mapstructure:"head"`
}

// DefaultName is the layer name prefix used when Config.Name is empty.
const DefaultName = "resnet"

// Validate checks every invariant of the configuration.
func (c Config) Validate() error {
	if c.BaseFilters <= 0 {
		return fmt.Errorf("%w: base_filters must be positive, got %d", ErrInvalidConfig, c.BaseFilters)
	}
	if c.Stem.KernelSize <= 0 || c.Stem.Strides <= 0 {
		return fmt.Errorf("%w: stem kernel_size and strides must be positive, got %+v", ErrInvalidConfig, c.Stem)
	}
	if c.Pool.PoolSize <= 0 || c.Pool.Strides <= 0 {
		return fmt.Errorf("%w: pool pool_size and strides must be positive, got %+v", ErrInvalidConfig, c.Pool)
	}
	if len(c.Stages) == 0 {
		return fmt.Errorf("%w: at least one stage is required", ErrInvalidConfig)
	}
	for i, s := range c.Stages {
		if s.Blocks <= 0 || s.Strides <= 0 {
			return fmt.Errorf("%w: stage %d blocks and strides must be positive, got %+v", ErrInvalidConfig, i, s)
		}
	}
	// The widest stage must fit in 32 bits.
	top := len(c.Stages) - 1
	if c.Bottleneck {
		top += 2
	}
	if top >= 31 || c.BaseFilters > math.MaxInt32>>top {
		return fmt.Errorf("%w: %d stages of base width %d overflow", ErrInvalidConfig, len(c.Stages), c.BaseFilters)
	}
	if c.Version != V1 && c.Version != V2 {
		return fmt.Errorf("%w: %d", ErrUnsupportedVersion, int(c.Version))
	}
	if c.Head.Units <= 0 {
		return fmt.Errorf("%w: head units must be positive, got %d", ErrInvalidConfig, c.Head.Units)
	}
	return nil
}

// StageFilters is the nominal width of stage i.
func (c Config) StageFilters(i int) int {
	return c.BaseFilters << i
}

// StageOutputChannels is the channel count leaving stage i.
func (c Config) StageOutputChannels(i int) int {
	if c.Bottleneck {
		return c.StageFilters(i) << 2
	}
	return c.StageFilters(i)
}

// Depth is the number of weighted layers on the main path: the stem, every
// block convolution and the head.
func (c Config) Depth() int {
	per := 2
	if c.Bottleneck {
		per = 3
	}
	d := 2
	for _, s := range c.Stages {
		d += per * s.Blocks
	}
	return d
}
