// Package resnet builds the forward graph of residual networks (v1 and v2,
// with building or bottleneck blocks) on top of any Backend.
//
//	[1] Deep Residual Learning for Image Recognition, He et al. 2015.
//	[2] Identity Mappings in Deep Residual Networks, He et al. 2016.
package resnet

import (
	"fmt"

	"github.com/tsawler/go-resnet/layers"
)

// Model is a validated, immutable ResNet configuration with its block
// variant resolved.
type Model struct {
	cfg     Config
	variant Variant
}

// NewModel validates cfg and returns a Model holding a private copy of it.
func NewModel(cfg Config) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	v, err := VariantFor(cfg.Version, cfg.Bottleneck)
	if err != nil {
		return nil, err
	}
	cfg.Stages = append([]BlockParam(nil), cfg.Stages...)
	if cfg.Name == "" {
		cfg.Name = DefaultName
	}
	return &Model{cfg: cfg, variant: v}, nil
}

// Config returns a copy of the model configuration.
func (m *Model) Config() Config {
	c := m.cfg
	c.Stages = append([]BlockParam(nil), m.cfg.Stages...)
	return c
}

// Variant returns the block variant used by every stage.
func (m *Model) Variant() Variant { return m.variant }

// Build threads input through stem, stages and head and returns the logits.
// Each call creates fresh backend nodes.
func Build[T any](m *Model, b Backend[T], input T, layout layers.DataLayout, training bool) (T, error) {
	var zero T
	cfg := m.cfg
	n := ops[T]{b: b, layout: layout, training: training}

	if shape := b.Shape(input); len(shape) != 4 {
		return zero, fmt.Errorf("%w: input must be 4D, got %v", layers.ErrShapeMismatch, shape)
	}

	x, err := n.conv(input, cfg.Name+"/stem/conv", cfg.BaseFilters, cfg.Stem.KernelSize, cfg.Stem.Strides)
	if err != nil {
		return zero, fmt.Errorf("stem: %w", err)
	}
	if m.variant.Order == PostActivation {
		if x, err = n.normRelu(x, cfg.Name+"/stem", ""); err != nil {
			return zero, fmt.Errorf("stem: %w", err)
		}
	}
	x, err = b.MaxPool2D(x, layers.PoolOpts{
		Name:     cfg.Name + "/stem/pool",
		PoolSize: cfg.Pool.PoolSize,
		Strides:  cfg.Pool.Strides,
		Padding:  layers.PaddingSame,
		Layout:   layout,
	})
	if err != nil {
		return zero, fmt.Errorf("stem: %w", err)
	}

	for i, stage := range cfg.Stages {
		filters := cfg.StageFilters(i)
		in := b.Shape(x)[layout.ChannelAxis()]
		x, err = BlockLayer(b, x, BlockOpts{
			Variant:    m.variant,
			Blocks:     stage.Blocks,
			Filters:    filters,
			Strides:    stage.Strides,
			Layout:     layout,
			Training:   training,
			Projection: NeedsProjection(in, m.variant.OutputChannels(filters), stage.Strides),
			Scope:      fmt.Sprintf("%s/stage%d", cfg.Name, i+1),
		})
		if err != nil {
			return zero, fmt.Errorf("stage %d: %w", i+1, err)
		}
	}

	if m.variant.Order == PreActivation {
		if x, err = n.normRelu(x, cfg.Name+"/head", ""); err != nil {
			return zero, fmt.Errorf("head: %w", err)
		}
	}
	axes := layout.SpatialAxes()
	if x, err = b.ReduceMean(x, axes[:], cfg.Name+"/head/pool"); err != nil {
		return zero, fmt.Errorf("head: %w", err)
	}
	if x, err = b.Dense(x, cfg.Head.Units, cfg.Name+"/head/dense"); err != nil {
		return zero, fmt.Errorf("head: %w", err)
	}
	return x, nil
}

// Record builds the model on a layers.Recorder and returns the compiled
// layer graph for an input of the given shape.
func Record(m *Model, inputShape []int, layout layers.DataLayout, training bool) (*layers.ModelSpec, error) {
	rec, in, err := layers.NewRecorder(inputShape, layout)
	if err != nil {
		return nil, err
	}
	out, err := Build[layers.Ref](m, rec, in, layout, training)
	if err != nil {
		return nil, err
	}
	return rec.Finish(out)
}
