package onnx

import (
	"errors"
	"fmt"
	"os"

	"github.com/tsawler/go-resnet/layers"
)

// ErrUnsupportedOp is returned when an ONNX node has no layer equivalent.
var ErrUnsupportedOp = errors.New("unsupported ONNX operator")

// Importer reads ONNX models back into layer graphs.
type Importer struct{}

// NewImporter creates a new ONNX importer
func NewImporter() *Importer {
	return &Importer{}
}

// ImportFromFile reads and decodes the ONNX model at path.
func (imp *Importer) ImportFromFile(path string) (*layers.ModelSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read ONNX file: %w", err)
	}
	return imp.Import(data)
}

// Import decodes an ONNX model and compiles it as a ModelSpec. Weight values
// are not retained; only topology and shapes are recovered.
func (imp *Importer) Import(data []byte) (*layers.ModelSpec, error) {
	model, err := unmarshalModel(data)
	if err != nil {
		return nil, err
	}
	g := model.Graph
	if g == nil || len(g.Inputs) == 0 || len(g.Outputs) == 0 {
		return nil, fmt.Errorf("%w: model has no graph inputs or outputs", ErrMalformed)
	}

	r := &graphReader{
		shapes: make(map[string][]int64, len(g.Initializers)+len(g.Inputs)),
		alias:  map[string]string{g.Inputs[0].Name: layers.InputName},
	}
	for _, t := range g.Initializers {
		r.shapes[t.Name] = t.Dims
	}
	for _, in := range g.Inputs[1:] {
		r.shapes[in.Name] = in.Shape
	}

	inputShape := toInts(g.Inputs[0].Shape)
	nodes := g.Nodes
	r.layout = layers.ChannelsFirst
	if len(nodes) > 0 && isTranspose(nodes[0], 0, 3, 1, 2) && len(nodes[0].Inputs) == 1 && nodes[0].Inputs[0] == g.Inputs[0].Name {
		r.layout = layers.ChannelsLast
		r.alias[nodes[0].Outputs[0]] = layers.InputName
		nodes = nodes[1:]
	}

	r.mb = layers.NewModelBuilder(inputShape, r.layout)
	for _, n := range nodes {
		if err := r.node(n); err != nil {
			return nil, fmt.Errorf("node %s: %w", n.Name, err)
		}
	}
	return r.mb.CompileTo(r.resolve(g.Outputs[0].Name))
}

type graphReader struct {
	mb     *layers.ModelBuilder
	layout layers.DataLayout
	shapes map[string][]int64
	// tensor name to the layer producing it
	alias map[string]string
}

func (r *graphReader) resolve(tensor string) string {
	if name, ok := r.alias[tensor]; ok {
		return name
	}
	return tensor
}

func (r *graphReader) resolveAll(tensors []string) []string {
	out := make([]string, len(tensors))
	for i, t := range tensors {
		out[i] = r.resolve(t)
	}
	return out
}

func (r *graphReader) weightDim(n *nodeProto, axis int) (int, error) {
	if len(n.Inputs) < 2 {
		return 0, fmt.Errorf("%w: %s without weights", ErrMalformed, n.OpType)
	}
	dims, ok := r.shapes[n.Inputs[1]]
	if !ok || axis >= len(dims) {
		return 0, fmt.Errorf("%w: unknown weight %q", ErrMalformed, n.Inputs[1])
	}
	return int(dims[axis]), nil
}

func (r *graphReader) node(n *nodeProto) error {
	if len(n.Outputs) != 1 || len(n.Inputs) == 0 {
		return fmt.Errorf("%w: %d inputs, %d outputs", ErrMalformed, len(n.Inputs), len(n.Outputs))
	}
	name := n.Name
	if name == "" {
		name = n.Outputs[0]
	}
	r.alias[n.Outputs[0]] = name
	layer := layers.LayerSpec{
		Name:       name,
		Inputs:     []string{r.resolve(n.Inputs[0])},
		Parameters: map[string]interface{}{},
	}

	switch n.OpType {
	case "Conv":
		filters, err := r.weightDim(n, 0)
		if err != nil {
			return err
		}
		layer.Type = layers.Conv2D
		layer.Parameters["output_channels"] = filters
		layer.Parameters["kernel_size"] = firstInt(n.attr("kernel_shape"), 0)
		layer.Parameters["stride"] = firstInt(n.attr("strides"), 1)
		layer.Parameters["padding"] = padding(n.attr("auto_pad"))
		layer.Parameters["use_bias"] = len(n.Inputs) > 2
	case "BatchNormalization":
		layer.Type = layers.BatchNorm
		layer.Parameters["eps"] = floatOr(n.attr("epsilon"), 1e-5)
		layer.Parameters["momentum"] = floatOr(n.attr("momentum"), 0.9)
		layer.Parameters["axis"] = r.layout.ChannelAxis()
	case "Relu":
		layer.Type = layers.ReLU
	case "MaxPool":
		layer.Type = layers.MaxPool2D
		k := firstInt(n.attr("kernel_shape"), 0)
		layer.Parameters["pool_size"] = k
		layer.Parameters["stride"] = firstInt(n.attr("strides"), 1)
		layer.Parameters["padding"] = padding(n.attr("auto_pad"))
	case "ReduceMean":
		a := n.attr("axes")
		if a == nil {
			return fmt.Errorf("%w: ReduceMean without axes", ErrMalformed)
		}
		axes := toInts(a.Ints)
		if r.layout == layers.ChannelsLast {
			for i, ax := range axes {
				if ax < 0 || ax >= len(nchwAxis) {
					return fmt.Errorf("%w: axis %d", ErrMalformed, ax)
				}
				axes[i] = nhwcAxis[ax]
			}
		}
		layer.Type = layers.GlobalAvgPool
		layer.Parameters["axes"] = axes
	case "Gemm":
		units, err := r.weightDim(n, 1)
		if err != nil {
			return err
		}
		layer.Type = layers.Dense
		layer.Parameters["output_size"] = units
		layer.Parameters["use_bias"] = len(n.Inputs) > 2
	case "Add":
		if len(n.Inputs) != 2 {
			return fmt.Errorf("%w: Add takes 2 inputs, got %d", ErrMalformed, len(n.Inputs))
		}
		layer.Type = layers.Add
		layer.Inputs = r.resolveAll(n.Inputs)
	case "Transpose":
		if !isTranspose(n, 0, 2, 3, 1) || r.layout != layers.ChannelsLast {
			return fmt.Errorf("%w: Transpose %v", ErrUnsupportedOp, n.attr("perm"))
		}
		// layer outputs are already channels-last
		r.alias[n.Outputs[0]] = r.resolve(n.Inputs[0])
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedOp, n.OpType)
	}
	r.mb.AddLayer(layer)
	return nil
}

// nhwcAxis is the inverse of nchwAxis.
var nhwcAxis = [4]int{0, 3, 1, 2}

func isTranspose(n *nodeProto, perm ...int64) bool {
	if n.OpType != "Transpose" || len(n.Outputs) != 1 {
		return false
	}
	a := n.attr("perm")
	if a == nil || len(a.Ints) != len(perm) {
		return false
	}
	for i := range perm {
		if a.Ints[i] != perm[i] {
			return false
		}
	}
	return true
}

func padding(a *attribute) string {
	if a != nil && string(a.S) == "VALID" {
		return layers.PaddingValid
	}
	return layers.PaddingSame
}

func firstInt(a *attribute, def int) int {
	if a == nil || len(a.Ints) == 0 {
		return def
	}
	return int(a.Ints[0])
}

func floatOr(a *attribute, def float32) float32 {
	if a == nil {
		return def
	}
	return a.F
}

func toInts(v []int64) []int {
	out := make([]int, len(v))
	for i, x := range v {
		out[i] = int(x)
	}
	return out
}
