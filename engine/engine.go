// Package engine realizes network graphs on gorgonia, so a topology built
// by package resnet can actually be run.
package engine

import (
	"errors"
	"fmt"
	"math/rand"

	"github.com/tsawler/go-resnet/layers"
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// ErrEvenKernel is returned for "same" padding with an even window, which
// gorgonia's symmetric padding cannot express.
var ErrEvenKernel = errors.New("same padding needs an odd window")

// Engine builds gorgonia nodes for each primitive operation. It is not safe
// for concurrent use.
//
// "same" padding is symmetric, (k-1)/2 on every side. Output sizes match
// the recorded graph, but a strided window over an even-sized input starts
// one pixel earlier than under SAME_UPPER (TF "same", the ONNX export), so
// values can differ from an exported model at those layers.
type Engine struct {
	g        *gorgonia.ExprGraph
	dt       tensor.Dtype
	rng      *rand.Rand
	momentum float64
	epsilon  float64

	learnables gorgonia.Nodes
	bnOps      []*gorgonia.BatchNormOp
}

// Option configures an Engine.
type Option func(*Engine)

// WithDtype sets the element type of created parameters. Default Float32.
func WithDtype(dt tensor.Dtype) Option {
	return func(e *Engine) { e.dt = dt }
}

// WithSeed seeds weight initialization.
func WithSeed(seed int64) Option {
	return func(e *Engine) { e.rng = rand.New(rand.NewSource(seed)) }
}

// WithBatchNorm overrides the batch-norm momentum and epsilon.
func WithBatchNorm(momentum, epsilon float64) Option {
	return func(e *Engine) {
		e.momentum = momentum
		e.epsilon = epsilon
	}
}

// New creates an Engine adding nodes to g.
func New(g *gorgonia.ExprGraph, opts ...Option) *Engine {
	e := &Engine{
		g:        g,
		dt:       tensor.Float32,
		momentum: layers.DefaultBatchNormMomentum,
		epsilon:  layers.DefaultBatchNormEpsilon,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.rng == nil {
		e.rng = rand.New(rand.NewSource(rand.Int63()))
	}
	return e
}

// Graph returns the expression graph the engine writes to.
func (e *Engine) Graph() *gorgonia.ExprGraph { return e.g }

// Learnables returns every parameter node created so far.
func (e *Engine) Learnables() gorgonia.Nodes { return e.learnables }

// BatchNormOps returns the batch-norm ops created so far, in order.
func (e *Engine) BatchNormOps() []*gorgonia.BatchNormOp { return e.bnOps }

// initFn adapts a layers.Initializer to gorgonia.
func (e *Engine) initFn(init layers.Initializer) gorgonia.InitWFn {
	return func(dt tensor.Dtype, s ...int) interface{} {
		switch dt {
		case tensor.Float64:
			return init.Values(e.rng, s)
		case tensor.Float32:
			return init.Float32Values(e.rng, s)
		}
		panic(fmt.Sprintf("engine: unsupported dtype %v", dt))
	}
}

func (e *Engine) param(name string, init layers.Initializer, shape ...int) *gorgonia.Node {
	n := gorgonia.NewTensor(e.g, e.dt, len(shape), gorgonia.WithShape(shape...), gorgonia.WithName(name), gorgonia.WithInit(e.initFn(init)))
	e.learnables = append(e.learnables, n)
	return n
}

// toNCHW transposes channels-last tensors into gorgonia's native layout.
func toNCHW(x *gorgonia.Node, layout layers.DataLayout) (*gorgonia.Node, error) {
	if layout == layers.ChannelsFirst {
		return x, nil
	}
	return gorgonia.Transpose(x, 0, 3, 1, 2)
}

func fromNCHW(x *gorgonia.Node, layout layers.DataLayout) (*gorgonia.Node, error) {
	if layout == layers.ChannelsFirst {
		return x, nil
	}
	return gorgonia.Transpose(x, 0, 2, 3, 1)
}

// symmetricPad returns the padding that realizes the given mode.
func symmetricPad(window int, padding string) (int, error) {
	switch padding {
	case layers.PaddingValid:
		return 0, nil
	case layers.PaddingSame, "":
		if window%2 == 0 {
			return 0, fmt.Errorf("%w: %d", ErrEvenKernel, window)
		}
		return (window - 1) / 2, nil
	}
	return 0, fmt.Errorf("unknown padding %q", padding)
}

// Shape returns the static shape of x.
func (e *Engine) Shape(x *gorgonia.Node) []int {
	return []int(x.Shape().Clone())
}

func (e *Engine) Conv2D(x *gorgonia.Node, o layers.ConvOpts) (*gorgonia.Node, error) {
	pad, err := symmetricPad(o.KernelSize, o.Padding)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", o.Name, err)
	}
	if x, err = toNCHW(x, o.Layout); err != nil {
		return nil, fmt.Errorf("%s: %w", o.Name, err)
	}
	inChannels := x.Shape()[1]
	w := e.param(o.Name+"/kernel", o.Initializer, o.Filters, inChannels, o.KernelSize, o.KernelSize)

	y, err := gorgonia.Conv2d(x, w, tensor.Shape{o.KernelSize, o.KernelSize}, []int{pad, pad}, []int{o.Strides, o.Strides}, []int{1, 1})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", o.Name, err)
	}
	if o.UseBias {
		b := e.param(o.Name+"/bias", layers.ZerosInit, 1, o.Filters, 1, 1)
		if y, err = gorgonia.BroadcastAdd(y, b, nil, []byte{0, 2, 3}); err != nil {
			return nil, fmt.Errorf("%s: %w", o.Name, err)
		}
	}
	return fromNCHW(y, o.Layout)
}

func (e *Engine) BatchNorm(x *gorgonia.Node, o layers.BatchNormOpts) (*gorgonia.Node, error) {
	layout := layers.ChannelsFirst
	switch {
	case x.Dims() == 4 && o.Axis == 3:
		layout = layers.ChannelsLast
	case x.Dims() == 4 && o.Axis == 1:
	default:
		return nil, fmt.Errorf("%s: batch norm over axis %d of a %dD tensor", o.Name, o.Axis, x.Dims())
	}
	x, err := toNCHW(x, layout)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", o.Name, err)
	}

	// one gamma and beta per channel, broadcast over batch and space
	c := x.Shape()[1]
	scale := e.param(o.Name+"/gamma", layers.OnesInit, 1, c, 1, 1)
	bias := e.param(o.Name+"/beta", layers.ZerosInit, 1, c, 1, 1)

	y, _, _, op, err := gorgonia.BatchNorm(x, scale, bias, e.momentum, e.epsilon)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", o.Name, err)
	}
	if err := op.SetTraining(o.Training); err != nil {
		return nil, fmt.Errorf("%s: %w", o.Name, err)
	}
	e.bnOps = append(e.bnOps, op)
	return fromNCHW(y, layout)
}

func (e *Engine) ReLU(x *gorgonia.Node, name string) (*gorgonia.Node, error) {
	y, err := gorgonia.Rectify(x)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return y, nil
}

func (e *Engine) MaxPool2D(x *gorgonia.Node, o layers.PoolOpts) (*gorgonia.Node, error) {
	pad, err := symmetricPad(o.PoolSize, o.Padding)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", o.Name, err)
	}
	if x, err = toNCHW(x, o.Layout); err != nil {
		return nil, fmt.Errorf("%s: %w", o.Name, err)
	}
	y, err := gorgonia.MaxPool2D(x, tensor.Shape{o.PoolSize, o.PoolSize}, []int{pad, pad}, []int{o.Strides, o.Strides})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", o.Name, err)
	}
	return fromNCHW(y, o.Layout)
}

func (e *Engine) ReduceMean(x *gorgonia.Node, axes []int, name string) (*gorgonia.Node, error) {
	y, err := gorgonia.Mean(x, axes...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return y, nil
}

func (e *Engine) Dense(x *gorgonia.Node, units int, name string) (*gorgonia.Node, error) {
	if x.Dims() != 2 {
		return nil, fmt.Errorf("%s: dense input must be 2D, got %v", name, x.Shape())
	}
	w := e.param(name+"/kernel", layers.GlorotUniformInit, x.Shape()[1], units)
	b := e.param(name+"/bias", layers.ZerosInit, 1, units)

	xw, err := gorgonia.Mul(x, w)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	y, err := gorgonia.BroadcastAdd(xw, b, nil, []byte{0})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return y, nil
}

func (e *Engine) Add(a, b *gorgonia.Node, name string) (*gorgonia.Node, error) {
	if !layers.SameShape(a.Shape(), b.Shape()) {
		return nil, fmt.Errorf("%s: %w: cannot add %v and %v", name, layers.ErrShapeMismatch, a.Shape(), b.Shape())
	}
	y, err := gorgonia.Add(a, b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return y, nil
}
