// Package onnx converts compiled layer graphs to and from the ONNX model
// format.
package onnx

import (
	"fmt"
	"math/rand"
	"os"

	"github.com/tsawler/go-resnet/layers"
)

// Versions written into exported models.
const (
	IRVersion       = 7
	OpsetVersion    = 13
	ProducerName    = "go-resnet"
	ProducerVersion = "1.0.0"
)

// Exporter handles conversion of layer graphs to ONNX format
type Exporter struct {
	seed    int64
	weights bool
	doc     string
}

// ExportOption configures an Exporter.
type ExportOption func(*Exporter)

// WithSeed seeds the initial weights written as initializers.
func WithSeed(seed int64) ExportOption {
	return func(e *Exporter) { e.seed = seed }
}

// WithoutWeights declares parameters as graph inputs instead of writing
// initial values.
func WithoutWeights() ExportOption {
	return func(e *Exporter) { e.weights = false }
}

// WithDocString sets the model's doc string.
func WithDocString(doc string) ExportOption {
	return func(e *Exporter) { e.doc = doc }
}

// NewExporter creates a new ONNX exporter
func NewExporter(opts ...ExportOption) *Exporter {
	e := &Exporter{weights: true}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Export encodes a compiled ModelSpec as an ONNX model.
func (e *Exporter) Export(spec *layers.ModelSpec) ([]byte, error) {
	if spec == nil || !spec.Compiled {
		return nil, fmt.Errorf("model not compiled")
	}
	graph, err := e.buildGraph(spec)
	if err != nil {
		return nil, fmt.Errorf("failed to build ONNX graph: %w", err)
	}
	model := &modelProto{
		IrVersion:       IRVersion,
		ProducerName:    ProducerName,
		ProducerVersion: ProducerVersion,
		ModelVersion:    1,
		DocString:       e.doc,
		Graph:           graph,
		Opsets:          []opsetID{{Domain: "", Version: OpsetVersion}},
	}
	return model.marshal(), nil
}

// ExportToFile writes the ONNX encoding of spec to path.
func (e *Exporter) ExportToFile(spec *layers.ModelSpec, path string) error {
	data, err := e.Export(spec)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write ONNX file: %w", err)
	}
	return nil
}

// nchwAxis maps an axis of a channels-last tensor to its NCHW position.
var nchwAxis = [4]int{0, 2, 3, 1}

type graphWriter struct {
	graph   *graphProto
	rng     *rand.Rand
	weights bool
	layout  layers.DataLayout
	// ONNX tensor holding each layer's output
	tensors map[string]string
}

func (e *Exporter) buildGraph(spec *layers.ModelSpec) (*graphProto, error) {
	w := &graphWriter{
		graph:   &graphProto{Name: ProducerName},
		rng:     rand.New(rand.NewSource(e.seed)),
		weights: e.weights,
		layout:  spec.Layout,
		tensors: make(map[string]string, len(spec.Layers)),
	}

	for _, l := range spec.Layers {
		in := make([]string, len(l.Inputs))
		for i, name := range l.Inputs {
			t, ok := w.tensors[name]
			if !ok {
				return nil, fmt.Errorf("%s: %w %q", l.Name, layers.ErrUnknownInput, name)
			}
			in[i] = t
		}
		var err error
		switch l.Type {
		case layers.Input:
			err = w.input(l, spec.InputShape)
		case layers.Conv2D:
			err = w.conv(l, in[0])
		case layers.BatchNorm:
			err = w.batchNorm(l, in[0])
		case layers.ReLU:
			w.node(l.Name, "Relu", in)
		case layers.MaxPool2D:
			w.maxPool(l, in[0])
		case layers.GlobalAvgPool:
			w.reduceMean(l, in[0])
		case layers.Dense:
			err = w.dense(l, in[0])
		case layers.Add:
			w.node(l.Name, "Add", in)
		default:
			err = fmt.Errorf("unsupported layer type for ONNX export: %s", l.Type)
		}
		if err != nil {
			return nil, fmt.Errorf("layer %s: %w", l.Name, err)
		}
	}

	out, ok := w.tensors[spec.Output]
	if !ok {
		return nil, fmt.Errorf("output: %w %q", layers.ErrUnknownInput, spec.Output)
	}
	if len(spec.OutputShape) == 4 && w.layout == layers.ChannelsLast {
		back := out + "/nhwc"
		w.graph.Nodes = append(w.graph.Nodes, &nodeProto{
			Name:       back,
			OpType:     "Transpose",
			Inputs:     []string{out},
			Outputs:    []string{back},
			Attributes: []*attribute{intsAttr("perm", 0, 2, 3, 1)},
		})
		out = back
	}
	w.graph.Outputs = append(w.graph.Outputs, tensorInfo(out, spec.OutputShape))
	return w.graph, nil
}

func tensorInfo(name string, shape []int) *valueInfo {
	vi := &valueInfo{Name: name, ElemType: tensorFloat}
	for _, d := range shape {
		vi.Shape = append(vi.Shape, int64(d))
	}
	return vi
}

// node appends a single-output node named after its layer.
func (w *graphWriter) node(name, op string, inputs []string, attrs ...*attribute) {
	w.graph.Nodes = append(w.graph.Nodes, &nodeProto{
		Name:       name,
		OpType:     op,
		Inputs:     inputs,
		Outputs:    []string{name},
		Attributes: attrs,
	})
	w.tensors[name] = name
}

// parameter declares a weight tensor, as an initializer or a graph input.
func (w *graphWriter) parameter(name string, init layers.Initializer, shape ...int) string {
	if !w.weights {
		w.graph.Inputs = append(w.graph.Inputs, tensorInfo(name, shape))
		return name
	}
	t := &tensorProto{Name: name, DataType: tensorFloat, FloatData: init.Float32Values(w.rng, shape)}
	for _, d := range shape {
		t.Dims = append(t.Dims, int64(d))
	}
	w.graph.Initializers = append(w.graph.Initializers, t)
	return name
}

func (w *graphWriter) input(l layers.LayerSpec, shape []int) error {
	if len(shape) != 4 {
		return fmt.Errorf("%w: input must be 4D, got %v", layers.ErrShapeMismatch, shape)
	}
	w.graph.Inputs = append(w.graph.Inputs, tensorInfo(l.Name, shape))
	w.tensors[l.Name] = l.Name
	if w.layout == layers.ChannelsLast {
		nchw := l.Name + "/nchw"
		w.graph.Nodes = append(w.graph.Nodes, &nodeProto{
			Name:       nchw,
			OpType:     "Transpose",
			Inputs:     []string{l.Name},
			Outputs:    []string{nchw},
			Attributes: []*attribute{intsAttr("perm", 0, 3, 1, 2)},
		})
		w.tensors[l.Name] = nchw
	}
	return nil
}

func autoPad(padding string) string {
	if padding == layers.PaddingValid {
		return "VALID"
	}
	return "SAME_UPPER"
}

func (w *graphWriter) conv(l layers.LayerSpec, in string) error {
	filters := l.IntParam("output_channels", 0)
	channels := l.IntParam("input_channels", 0)
	k := l.IntParam("kernel_size", 0)
	s := l.IntParam("stride", 1)
	if filters <= 0 || channels <= 0 || k <= 0 {
		return fmt.Errorf("%w: conv %+v", layers.ErrInvalidLayer, l.Parameters)
	}
	inputs := []string{in, w.parameter(l.Name+".weight", layers.VarianceScalingInit, filters, channels, k, k)}
	if l.BoolParam("use_bias", false) {
		inputs = append(inputs, w.parameter(l.Name+".bias", layers.ZerosInit, filters))
	}
	w.node(l.Name, "Conv", inputs,
		intsAttr("kernel_shape", k, k),
		intsAttr("strides", s, s),
		stringAttr("auto_pad", autoPad(l.StringParam("padding", layers.PaddingSame))),
	)
	return nil
}

func (w *graphWriter) batchNorm(l layers.LayerSpec, in string) error {
	c := l.IntParam("num_features", 0)
	if c <= 0 {
		return fmt.Errorf("%w: batch norm without features", layers.ErrInvalidLayer)
	}
	w.node(l.Name, "BatchNormalization", []string{
		in,
		w.parameter(l.Name+".scale", layers.OnesInit, c),
		w.parameter(l.Name+".bias", layers.ZerosInit, c),
		w.parameter(l.Name+".mean", layers.ZerosInit, c),
		w.parameter(l.Name+".var", layers.OnesInit, c),
	},
		floatAttr("epsilon", l.FloatParam("eps", layers.DefaultBatchNormEpsilon)),
		floatAttr("momentum", l.FloatParam("momentum", layers.DefaultBatchNormMomentum)),
	)
	return nil
}

func (w *graphWriter) maxPool(l layers.LayerSpec, in string) {
	k := l.IntParam("pool_size", 0)
	s := l.IntParam("stride", k)
	w.node(l.Name, "MaxPool", []string{in},
		intsAttr("kernel_shape", k, k),
		intsAttr("strides", s, s),
		stringAttr("auto_pad", autoPad(l.StringParam("padding", layers.PaddingSame))),
	)
}

func (w *graphWriter) reduceMean(l layers.LayerSpec, in string) {
	axes := l.IntsParam("axes")
	if w.layout == layers.ChannelsLast && len(l.InputShape) == 4 {
		for i, a := range axes {
			axes[i] = nchwAxis[a]
		}
	}
	w.node(l.Name, "ReduceMean", []string{in}, intsAttr("axes", axes...), intAttr("keepdims", 0))
}

func (w *graphWriter) dense(l layers.LayerSpec, in string) error {
	inputSize := l.IntParam("input_size", 0)
	units := l.IntParam("output_size", 0)
	if inputSize <= 0 || units <= 0 {
		return fmt.Errorf("%w: dense %+v", layers.ErrInvalidLayer, l.Parameters)
	}
	if len(l.InputShape) != 2 {
		return fmt.Errorf("%w: dense input must be 2D for export, got %v", layers.ErrShapeMismatch, l.InputShape)
	}
	inputs := []string{in, w.parameter(l.Name+".weight", layers.GlorotUniformInit, inputSize, units)}
	if l.BoolParam("use_bias", true) {
		inputs = append(inputs, w.parameter(l.Name+".bias", layers.ZerosInit, units))
	}
	w.node(l.Name, "Gemm", inputs)
	return nil
}
