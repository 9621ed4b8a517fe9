package engine

import (
	"fmt"

	"github.com/tsawler/go-resnet/layers"
	"github.com/tsawler/go-resnet/resnet"
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

var _ resnet.Backend[*gorgonia.Node] = (*Engine)(nil)

// Forward builds m on a fresh graph, runs it once on input and returns the
// logits.
func Forward(m *resnet.Model, input *tensor.Dense, layout layers.DataLayout, training bool, opts ...Option) (*tensor.Dense, error) {
	return run(input, training, opts, func(e *Engine, x *gorgonia.Node) (*gorgonia.Node, error) {
		return resnet.Build[*gorgonia.Node](m, e, x, layout, training)
	})
}

// ForwardSpec runs a compiled layer graph, such as one read back from ONNX.
func ForwardSpec(spec *layers.ModelSpec, input *tensor.Dense, training bool, opts ...Option) (*tensor.Dense, error) {
	return run(input, training, opts, func(e *Engine, x *gorgonia.Node) (*gorgonia.Node, error) {
		return e.Realize(spec, x, training)
	})
}

func run(input *tensor.Dense, training bool, opts []Option, build func(*Engine, *gorgonia.Node) (*gorgonia.Node, error)) (*tensor.Dense, error) {
	g := gorgonia.NewGraph()
	e := New(g, append([]Option{WithDtype(input.Dtype())}, opts...)...)
	x := gorgonia.NewTensor(g, input.Dtype(), input.Dims(), gorgonia.WithShape(input.Shape()...), gorgonia.WithName(layers.InputName), gorgonia.WithValue(input))

	out, err := build(e, x)
	if err != nil {
		return nil, err
	}
	return e.Run(out, training)
}

// Run executes the engine's graph once on a tape machine and returns the
// value of out. Unless training, batch norm uses and keeps its running
// statistics.
func (e *Engine) Run(out *gorgonia.Node, training bool) (*tensor.Dense, error) {
	var vmOpts []gorgonia.VMOpt
	if !training {
		// the tape machine resets every batch-norm op to !evalMode
		vmOpts = append(vmOpts, gorgonia.EvalMode())
	}
	vm := gorgonia.NewTapeMachine(e.g, vmOpts...)
	defer vm.Close()
	if err := vm.RunAll(); err != nil {
		return nil, fmt.Errorf("forward pass: %w", err)
	}

	logits, ok := out.Value().(*tensor.Dense)
	if !ok {
		return nil, fmt.Errorf("forward pass: unexpected output %T", out.Value())
	}
	return logits, nil
}

// Realize adds the layers of a compiled ModelSpec to the engine's graph,
// feeding input to its input layer, and returns the output node.
func (e *Engine) Realize(spec *layers.ModelSpec, input *gorgonia.Node, training bool) (*gorgonia.Node, error) {
	if !spec.Compiled {
		return nil, fmt.Errorf("model not compiled")
	}
	if !layers.SameShape(input.Shape(), spec.InputShape) {
		return nil, fmt.Errorf("%w: input %v, model expects %v", layers.ErrShapeMismatch, input.Shape(), spec.InputShape)
	}

	nodes := make(map[string]*gorgonia.Node, len(spec.Layers))
	for _, l := range spec.Layers {
		in := make([]*gorgonia.Node, len(l.Inputs))
		for i, name := range l.Inputs {
			n, ok := nodes[name]
			if !ok {
				return nil, fmt.Errorf("%s: %w %q", l.Name, layers.ErrUnknownInput, name)
			}
			in[i] = n
		}

		var (
			out *gorgonia.Node
			err error
		)
		switch l.Type {
		case layers.Input:
			out = input
		case layers.Conv2D:
			out, err = e.Conv2D(in[0], layers.ConvOpts{
				Name:        l.Name,
				Filters:     l.IntParam("output_channels", 0),
				KernelSize:  l.IntParam("kernel_size", 0),
				Strides:     l.IntParam("stride", 1),
				Padding:     l.StringParam("padding", layers.PaddingSame),
				Layout:      spec.Layout,
				UseBias:     l.BoolParam("use_bias", false),
				Initializer: layers.VarianceScalingInit,
			})
		case layers.BatchNorm:
			out, err = e.BatchNorm(in[0], layers.BatchNormOpts{
				Name:     l.Name,
				Axis:     l.IntParam("axis", spec.Layout.ChannelAxis()),
				Training: training,
				Fused:    true,
			})
		case layers.ReLU:
			out, err = e.ReLU(in[0], l.Name)
		case layers.MaxPool2D:
			out, err = e.MaxPool2D(in[0], layers.PoolOpts{
				Name:     l.Name,
				PoolSize: l.IntParam("pool_size", 0),
				Strides:  l.IntParam("stride", 1),
				Padding:  l.StringParam("padding", layers.PaddingSame),
				Layout:   spec.Layout,
			})
		case layers.GlobalAvgPool:
			out, err = e.ReduceMean(in[0], l.IntsParam("axes"), l.Name)
		case layers.Dense:
			out, err = e.Dense(in[0], l.IntParam("output_size", 0), l.Name)
		case layers.Add:
			out, err = e.Add(in[0], in[1], l.Name)
		default:
			err = fmt.Errorf("%s: unsupported layer type %s", l.Name, l.Type)
		}
		if err != nil {
			return nil, err
		}
		nodes[l.Name] = out
	}

	out, ok := nodes[spec.Output]
	if !ok {
		return nil, fmt.Errorf("output: %w %q", layers.ErrUnknownInput, spec.Output)
	}
	return out, nil
}
