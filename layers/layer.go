package layers

import (
	"errors"
	"fmt"
	"strings"
)

// Errors reported while compiling a layer graph.
var (
	ErrShapeMismatch = errors.New("shape mismatch")
	ErrUnknownInput  = errors.New("unknown input")
	ErrInvalidLayer  = errors.New("invalid layer")
)

// LayerType represents the type of neural network layer
type LayerType int

const (
	Input LayerType = iota
	Conv2D
	BatchNorm
	ReLU
	MaxPool2D
	GlobalAvgPool
	Dense
	Add
)

func (lt LayerType) String() string {
	switch lt {
	case Input:
		return "Input"
	case Conv2D:
		return "Conv2D"
	case BatchNorm:
		return "BatchNorm"
	case ReLU:
		return "ReLU"
	case MaxPool2D:
		return "MaxPool2D"
	case GlobalAvgPool:
		return "GlobalAvgPool"
	case Dense:
		return "Dense"
	case Add:
		return "Add"
	default:
		return "Unknown"
	}
}

// ParseLayerType is the inverse of LayerType.String.
func ParseLayerType(s string) (LayerType, error) {
	for lt := Input; lt <= Add; lt++ {
		if strings.EqualFold(lt.String(), s) {
			return lt, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown layer type %q", ErrInvalidLayer, s)
}

// MarshalText lets LayerType appear by name in JSON summaries.
func (lt LayerType) MarshalText() ([]byte, error) {
	return []byte(lt.String()), nil
}

func (lt *LayerType) UnmarshalText(b []byte) error {
	v, err := ParseLayerType(string(b))
	if err != nil {
		return err
	}
	*lt = v
	return nil
}

// Padding modes understood by Conv2D and MaxPool2D.
const (
	PaddingSame  = "same"
	PaddingValid = "valid"
)

// LayerSpec defines one node of the layer graph.
// This is pure configuration - no execution logic
type LayerSpec struct {
	Type       LayerType              `json:"type"`
	Name       string                 `json:"name"`
	Inputs     []string               `json:"inputs,omitempty"`
	Parameters map[string]interface{} `json:"parameters"`

	// Shape information (computed during model compilation)
	InputShape  []int `json:"input_shape,omitempty"`
	OutputShape []int `json:"output_shape,omitempty"`

	// Parameter metadata (computed during model compilation)
	ParameterShapes [][]int `json:"parameter_shapes,omitempty"`
	ParameterCount  int64   `json:"parameter_count,omitempty"`
}

// ModelSpec defines a complete network as a layer graph.
type ModelSpec struct {
	Layers []LayerSpec `json:"layers"`
	Layout DataLayout  `json:"layout"`
	Output string      `json:"output"`

	// Compiled model information
	TotalParameters int64   `json:"total_parameters"`
	ParameterShapes [][]int `json:"parameter_shapes"`
	InputShape      []int   `json:"input_shape"`
	OutputShape     []int   `json:"output_shape"`
	Compiled        bool    `json:"compiled"`
}

// ModelBuilder helps construct layer graphs.
//
// Add* methods without an explicit input chain from the most recently
// added layer. The first layer is always the implicit "input" layer.
type ModelBuilder struct {
	layers     []LayerSpec
	inputShape []int
	layout     DataLayout
}

// InputName is the name of the implicit graph input.
const InputName = "input"

// NewModelBuilder creates a new model builder
func NewModelBuilder(inputShape []int, layout DataLayout) *ModelBuilder {
	mb := &ModelBuilder{
		inputShape: cloneShape(inputShape),
		layout:     layout,
	}
	mb.layers = append(mb.layers, LayerSpec{
		Type:       Input,
		Name:       InputName,
		Parameters: map[string]interface{}{},
	})
	return mb
}

// Layout returns the data layout the builder was created with.
func (mb *ModelBuilder) Layout() DataLayout { return mb.layout }

func (mb *ModelBuilder) last() string {
	return mb.layers[len(mb.layers)-1].Name
}

// AddLayer adds a layer to the model. A layer without inputs consumes the
// previous layer's output.
func (mb *ModelBuilder) AddLayer(layer LayerSpec) *ModelBuilder {
	if len(layer.Inputs) == 0 && layer.Type != Input {
		layer.Inputs = []string{mb.last()}
	}
	if layer.Parameters == nil {
		layer.Parameters = map[string]interface{}{}
	}
	mb.layers = append(mb.layers, layer)
	return mb
}

// AddConv2D adds a Conv2D layer to the model
func (mb *ModelBuilder) AddConv2D(outputChannels, kernelSize, stride int, padding string, useBias bool, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: Conv2D,
		Name: name,
		Parameters: map[string]interface{}{
			"output_channels": outputChannels,
			"kernel_size":     kernelSize,
			"stride":          stride,
			"padding":         padding,
			"use_bias":        useBias,
		},
	})
}

// AddBatchNorm adds a Batch Normalization layer over the layout's channel axis.
// eps: small value added for numerical stability
// momentum: momentum for running statistics update
func (mb *ModelBuilder) AddBatchNorm(eps, momentum float32, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: BatchNorm,
		Name: name,
		Parameters: map[string]interface{}{
			"eps":      eps,
			"momentum": momentum,
			"axis":     mb.layout.ChannelAxis(),
		},
	})
}

// AddReLU adds a ReLU activation to the model
func (mb *ModelBuilder) AddReLU(name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{Type: ReLU, Name: name})
}

// AddMaxPool2D adds a max-pooling layer to the model
func (mb *ModelBuilder) AddMaxPool2D(poolSize, stride int, padding string, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: MaxPool2D,
		Name: name,
		Parameters: map[string]interface{}{
			"pool_size": poolSize,
			"stride":    stride,
			"padding":   padding,
		},
	})
}

// AddGlobalAvgPool averages over the layout's spatial axes.
func (mb *ModelBuilder) AddGlobalAvgPool(name string) *ModelBuilder {
	axes := mb.layout.SpatialAxes()
	return mb.AddLayer(LayerSpec{
		Type: GlobalAvgPool,
		Name: name,
		Parameters: map[string]interface{}{
			"axes": []int{axes[0], axes[1]},
		},
	})
}

// AddDense adds a dense layer to the model
func (mb *ModelBuilder) AddDense(outputSize int, useBias bool, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: Dense,
		Name: name,
		Parameters: map[string]interface{}{
			"output_size": outputSize,
			"use_bias":    useBias,
		},
	})
}

// AddAdd adds an elementwise sum of two existing layers.
func (mb *ModelBuilder) AddAdd(a, b, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{Type: Add, Name: name, Inputs: []string{a, b}})
}

// Compile compiles the model and computes shapes and parameter counts.
// The output of the model is the last layer added.
func (mb *ModelBuilder) Compile() (*ModelSpec, error) {
	return mb.CompileTo(mb.last())
}

// CompileTo compiles the model with the named layer as its output.
func (mb *ModelBuilder) CompileTo(output string) (*ModelSpec, error) {
	if len(mb.layers) < 2 {
		return nil, fmt.Errorf("cannot compile empty model")
	}

	model := &ModelSpec{
		Layers:     make([]LayerSpec, len(mb.layers)),
		Layout:     mb.layout,
		InputShape: cloneShape(mb.inputShape),
		Output:     output,
	}
	for i, l := range mb.layers {
		model.Layers[i] = l.clone()
	}

	shapes := make(map[string][]int, len(model.Layers))
	var allParameterShapes [][]int
	totalParams := int64(0)

	for i := range model.Layers {
		layer := &model.Layers[i]
		if _, dup := shapes[layer.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate layer name %q", ErrInvalidLayer, layer.Name)
		}

		inputs := make([][]int, len(layer.Inputs))
		for j, in := range layer.Inputs {
			s, ok := shapes[in]
			if !ok {
				return nil, fmt.Errorf("layer %d (%s): %w %q", i, layer.Name, ErrUnknownInput, in)
			}
			inputs[j] = s
		}

		outputShape, paramShapes, paramCount, err := computeLayerInfo(layer, inputs, mb.inputShape, mb.layout)
		if err != nil {
			return nil, fmt.Errorf("failed to compute layer %d (%s) info: %w", i, layer.Name, err)
		}
		if len(inputs) > 0 {
			layer.InputShape = cloneShape(inputs[0])
		}
		layer.OutputShape = outputShape
		layer.ParameterShapes = paramShapes
		layer.ParameterCount = paramCount

		allParameterShapes = append(allParameterShapes, paramShapes...)
		totalParams += paramCount
		shapes[layer.Name] = outputShape
	}

	out, ok := shapes[output]
	if !ok {
		return nil, fmt.Errorf("output: %w %q", ErrUnknownInput, output)
	}
	model.OutputShape = cloneShape(out)
	model.ParameterShapes = allParameterShapes
	model.TotalParameters = totalParams
	model.Compiled = true

	return model, nil
}

// Layer returns the named layer, or nil.
func (ms *ModelSpec) Layer(name string) *LayerSpec {
	for i := range ms.Layers {
		if ms.Layers[i].Name == name {
			return &ms.Layers[i]
		}
	}
	return nil
}

// CountLayers returns how many layers have the given type.
func (ms *ModelSpec) CountLayers(t LayerType) int {
	n := 0
	for _, l := range ms.Layers {
		if l.Type == t {
			n++
		}
	}
	return n
}

// ParametersOf sums the parameters of layers with any of the given types.
func (ms *ModelSpec) ParametersOf(types ...LayerType) int64 {
	var n int64
	for _, l := range ms.Layers {
		for _, t := range types {
			if l.Type == t {
				n += l.ParameterCount
				break
			}
		}
	}
	return n
}

// Consumers returns the names of layers reading the named layer's output.
func (ms *ModelSpec) Consumers(name string) []string {
	var out []string
	for _, l := range ms.Layers {
		for _, in := range l.Inputs {
			if in == name {
				out = append(out, l.Name)
				break
			}
		}
	}
	return out
}

// Summary returns a human-readable model summary
func (ms *ModelSpec) Summary() string {
	if !ms.Compiled {
		return "Model not compiled"
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Model Summary:\n")
	fmt.Fprintf(&sb, "Layout: %s\n", ms.Layout)
	fmt.Fprintf(&sb, "Input Shape: %v\n", ms.InputShape)
	fmt.Fprintf(&sb, "Output Shape: %v\n", ms.OutputShape)
	fmt.Fprintf(&sb, "Total Parameters: %d\n", ms.TotalParameters)
	fmt.Fprintf(&sb, "Batch-norm Parameters: %d\n", ms.ParametersOf(BatchNorm))
	fmt.Fprintf(&sb, "Layers: %d\n\n", len(ms.Layers))

	for i, layer := range ms.Layers {
		fmt.Fprintf(&sb, "Layer %d: %s (%s)\n", i+1, layer.Name, layer.Type)
		if len(layer.Inputs) > 0 {
			fmt.Fprintf(&sb, "  From:   %s\n", strings.Join(layer.Inputs, ", "))
		}
		fmt.Fprintf(&sb, "  Output: %v\n", layer.OutputShape)
		if layer.ParameterCount > 0 {
			fmt.Fprintf(&sb, "  Params: %d\n", layer.ParameterCount)
		}
	}

	return sb.String()
}

func (l LayerSpec) clone() LayerSpec {
	c := l
	c.Inputs = append([]string(nil), l.Inputs...)
	c.Parameters = make(map[string]interface{}, len(l.Parameters))
	for k, v := range l.Parameters {
		c.Parameters[k] = v
	}
	return c
}

func cloneShape(s []int) []int {
	if s == nil {
		return nil
	}
	return append([]int(nil), s...)
}
