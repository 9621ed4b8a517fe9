package layers

import (
	"fmt"
)

// Ref is a symbolic tensor handle produced by a Recorder: the name of the
// layer that produced it and its inferred shape.
type Ref struct {
	Name  string
	Shape []int
}

// Recorder records primitive operations into a layer graph instead of
// executing them. Every call infers the output shape immediately, so a
// malformed topology fails at the offending layer.
type Recorder struct {
	mb     *ModelBuilder
	shapes map[string][]int
}

// NewRecorder starts a graph whose input has the given shape.
func NewRecorder(inputShape []int, layout DataLayout) (*Recorder, Ref, error) {
	if len(inputShape) != 4 {
		return nil, Ref{}, fmt.Errorf("%w: input must be 4D, got %v", ErrShapeMismatch, inputShape)
	}
	if err := positive(inputShape); err != nil {
		return nil, Ref{}, err
	}
	r := &Recorder{
		mb:     NewModelBuilder(inputShape, layout),
		shapes: map[string][]int{InputName: cloneShape(inputShape)},
	}
	return r, Ref{Name: InputName, Shape: cloneShape(inputShape)}, nil
}

// Builder exposes the underlying model builder.
func (r *Recorder) Builder() *ModelBuilder { return r.mb }

func (r *Recorder) record(layer LayerSpec) (Ref, error) {
	if layer.Name == "" {
		return Ref{}, fmt.Errorf("%w: %s layer without a name", ErrInvalidLayer, layer.Type)
	}
	if _, dup := r.shapes[layer.Name]; dup {
		return Ref{}, fmt.Errorf("%w: duplicate layer name %q", ErrInvalidLayer, layer.Name)
	}
	inputs := make([][]int, len(layer.Inputs))
	for i, in := range layer.Inputs {
		s, ok := r.shapes[in]
		if !ok {
			return Ref{}, fmt.Errorf("%s: %w %q", layer.Name, ErrUnknownInput, in)
		}
		inputs[i] = s
	}
	probe := layer.clone()
	out, _, _, err := computeLayerInfo(&probe, inputs, r.mb.inputShape, r.mb.layout)
	if err != nil {
		return Ref{}, fmt.Errorf("%s: %w", layer.Name, err)
	}
	r.mb.AddLayer(layer)
	r.shapes[layer.Name] = out
	return Ref{Name: layer.Name, Shape: cloneShape(out)}, nil
}

func (r *Recorder) checkLayout(name string, layout DataLayout) error {
	if layout != r.mb.layout {
		return fmt.Errorf("%s: %w: layout %s in a %s graph", name, ErrInvalidLayer, layout, r.mb.layout)
	}
	return nil
}

// Shape returns the inferred shape of x.
func (r *Recorder) Shape(x Ref) []int { return cloneShape(x.Shape) }

func (r *Recorder) Conv2D(x Ref, o ConvOpts) (Ref, error) {
	if err := r.checkLayout(o.Name, o.Layout); err != nil {
		return Ref{}, err
	}
	return r.record(LayerSpec{
		Type:   Conv2D,
		Name:   o.Name,
		Inputs: []string{x.Name},
		Parameters: map[string]interface{}{
			"output_channels": o.Filters,
			"kernel_size":     o.KernelSize,
			"stride":          o.Strides,
			"padding":         o.Padding,
			"use_bias":        o.UseBias,
			"initializer":     o.Initializer.String(),
		},
	})
}

func (r *Recorder) BatchNorm(x Ref, o BatchNormOpts) (Ref, error) {
	return r.record(LayerSpec{
		Type:   BatchNorm,
		Name:   o.Name,
		Inputs: []string{x.Name},
		Parameters: map[string]interface{}{
			"axis":     o.Axis,
			"training": o.Training,
			"fused":    o.Fused,
			"eps":      float32(DefaultBatchNormEpsilon),
			"momentum": float32(DefaultBatchNormMomentum),
		},
	})
}

func (r *Recorder) ReLU(x Ref, name string) (Ref, error) {
	return r.record(LayerSpec{Type: ReLU, Name: name, Inputs: []string{x.Name}})
}

func (r *Recorder) MaxPool2D(x Ref, o PoolOpts) (Ref, error) {
	if err := r.checkLayout(o.Name, o.Layout); err != nil {
		return Ref{}, err
	}
	return r.record(LayerSpec{
		Type:   MaxPool2D,
		Name:   o.Name,
		Inputs: []string{x.Name},
		Parameters: map[string]interface{}{
			"pool_size": o.PoolSize,
			"stride":    o.Strides,
			"padding":   o.Padding,
		},
	})
}

func (r *Recorder) ReduceMean(x Ref, axes []int, name string) (Ref, error) {
	return r.record(LayerSpec{
		Type:       GlobalAvgPool,
		Name:       name,
		Inputs:     []string{x.Name},
		Parameters: map[string]interface{}{"axes": append([]int(nil), axes...)},
	})
}

func (r *Recorder) Dense(x Ref, units int, name string) (Ref, error) {
	return r.record(LayerSpec{
		Type:   Dense,
		Name:   name,
		Inputs: []string{x.Name},
		Parameters: map[string]interface{}{
			"output_size": units,
			"use_bias":    true,
			"initializer": GlorotUniformInit.String(),
		},
	})
}

func (r *Recorder) Add(a, b Ref, name string) (Ref, error) {
	return r.record(LayerSpec{Type: Add, Name: name, Inputs: []string{a.Name, b.Name}})
}

// Finish compiles the recorded graph with out as its output.
func (r *Recorder) Finish(out Ref) (*ModelSpec, error) {
	return r.mb.CompileTo(out.Name)
}
