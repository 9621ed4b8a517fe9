package resnet

import (
	"fmt"

	"github.com/tsawler/go-resnet/layers"
)

// BlockDepth selects the convolution sequence of a residual block.
type BlockDepth int

const (
	Building   BlockDepth = iota // 3x3, 3x3
	Bottleneck                   // 1x1, 3x3, 1x1 expanding x4
)

func (d BlockDepth) String() string {
	if d == Bottleneck {
		return "bottleneck"
	}
	return "building"
}

// ActivationOrder selects where normalization and activation sit.
type ActivationOrder int

const (
	PostActivation ActivationOrder = iota // v1: conv, norm, relu; relu after the merge
	PreActivation                         // v2: norm, relu, conv; identity merge
)

func (o ActivationOrder) String() string {
	if o == PreActivation {
		return "pre-activation"
	}
	return "post-activation"
}

// Variant is one of the four residual block kinds.
type Variant struct {
	Depth BlockDepth
	Order ActivationOrder
}

func (v Variant) String() string {
	return v.Depth.String() + "/" + v.Order.String()
}

// convStep is one convolution of a block's main path.
type convStep struct {
	kernel  int
	strided bool // takes the block stride
	expand  int  // output width as a multiple of the block's filters
}

var blockSteps = map[BlockDepth][]convStep{
	Building: {
		{kernel: 3, strided: true, expand: 1},
		{kernel: 3, expand: 1},
	},
	Bottleneck: {
		{kernel: 1, expand: 1},
		{kernel: 3, strided: true, expand: 1},
		{kernel: 1, expand: 4},
	},
}

var versionOrder = map[Version]ActivationOrder{
	V1: PostActivation,
	V2: PreActivation,
}

// VariantFor resolves the block variant for a version and bottleneck flag.
func VariantFor(version Version, bottleneck bool) (Variant, error) {
	order, ok := versionOrder[version]
	if !ok {
		return Variant{}, fmt.Errorf("%w: %d", ErrUnsupportedVersion, int(version))
	}
	depth := Building
	if bottleneck {
		depth = Bottleneck
	}
	return Variant{Depth: depth, Order: order}, nil
}

// OutputChannels is the channel count a block of this variant produces.
func (v Variant) OutputChannels(filters int) int {
	steps := blockSteps[v.Depth]
	return filters * steps[len(steps)-1].expand
}

// NeedsProjection reports whether a block's shortcut must be projected.
func NeedsProjection(inChannels, outChannels, strides int) bool {
	return inChannels != outChannels || strides != 1
}

// ops binds a backend to the per-call layout and training mode.
type ops[T any] struct {
	b        Backend[T]
	layout   layers.DataLayout
	training bool
}

func (n ops[T]) conv(x T, name string, filters, kernel, strides int) (T, error) {
	return n.b.Conv2D(x, layers.ConvOpts{
		Name:        name,
		Filters:     filters,
		KernelSize:  kernel,
		Strides:     strides,
		Padding:     layers.PaddingSame,
		Layout:      n.layout,
		UseBias:     false,
		Initializer: layers.VarianceScalingInit,
	})
}

func (n ops[T]) norm(x T, name string) (T, error) {
	return n.b.BatchNorm(x, layers.BatchNormOpts{
		Name:     name,
		Axis:     n.layout.ChannelAxis(),
		Training: n.training,
		Fused:    true,
	})
}

// normRelu applies batch norm then ReLU, naming them scope/bnN and scope/reluN.
func (n ops[T]) normRelu(x T, scope, suffix string) (T, error) {
	x, err := n.norm(x, scope+"/bn"+suffix)
	if err != nil {
		return x, err
	}
	return n.b.ReLU(x, scope+"/relu"+suffix)
}

// Project is the shortcut projector: a 1x1 convolution to filters channels
// with the given stride.
func Project[T any](b Backend[T], x T, filters, strides int, layout layers.DataLayout, name string) (T, error) {
	return ops[T]{b: b, layout: layout}.conv(x, name, filters, 1, strides)
}

func applyBlock[T any](n ops[T], x T, v Variant, filters, strides int, projection bool, scope string) (T, error) {
	switch v.Order {
	case PostActivation:
		return postActivationBlock(n, x, v, filters, strides, projection, scope)
	case PreActivation:
		return preActivationBlock(n, x, v, filters, strides, projection, scope)
	}
	var zero T
	return zero, fmt.Errorf("%w: unknown activation order %d", ErrInvalidConfig, int(v.Order))
}

// postActivationBlock: relu(main(x) + shortcut(x)), where every conv on the
// main path is followed by norm and all but the last by relu.
func postActivationBlock[T any](n ops[T], x T, v Variant, filters, strides int, projection bool, scope string) (T, error) {
	var err error
	shortcut := x
	if projection {
		shortcut, err = Project(n.b, x, v.OutputChannels(filters), strides, n.layout, scope+"/shortcut/conv")
		if err != nil {
			return shortcut, err
		}
		shortcut, err = n.norm(shortcut, scope+"/shortcut/bn")
		if err != nil {
			return shortcut, err
		}
	}

	steps := blockSteps[v.Depth]
	h := x
	for i, st := range steps {
		suffix := fmt.Sprint(i + 1)
		s := 1
		if st.strided {
			s = strides
		}
		if h, err = n.conv(h, scope+"/conv"+suffix, filters*st.expand, st.kernel, s); err != nil {
			return h, err
		}
		if i == len(steps)-1 {
			if h, err = n.norm(h, scope+"/bn"+suffix); err != nil {
				return h, err
			}
			break
		}
		if h, err = n.normRelu(h, scope, suffix); err != nil {
			return h, err
		}
	}

	if h, err = n.b.Add(h, shortcut, scope+"/add"); err != nil {
		return h, err
	}
	return n.b.ReLU(h, scope+"/relu")
}

// preActivationBlock: main(pre) + shortcut, where pre = relu(norm(x)) feeds
// both the main path and the projector. No activation follows the merge.
func preActivationBlock[T any](n ops[T], x T, v Variant, filters, strides int, projection bool, scope string) (T, error) {
	pre, err := n.normRelu(x, scope+"/preact", "")
	if err != nil {
		return pre, err
	}

	shortcut := x
	if projection {
		shortcut, err = Project(n.b, pre, v.OutputChannels(filters), strides, n.layout, scope+"/shortcut/conv")
		if err != nil {
			return shortcut, err
		}
	}

	h := pre
	for i, st := range blockSteps[v.Depth] {
		suffix := fmt.Sprint(i + 1)
		if i > 0 {
			if h, err = n.normRelu(h, scope, fmt.Sprint(i)); err != nil {
				return h, err
			}
		}
		s := 1
		if st.strided {
			s = strides
		}
		if h, err = n.conv(h, scope+"/conv"+suffix, filters*st.expand, st.kernel, s); err != nil {
			return h, err
		}
	}

	return n.b.Add(h, shortcut, scope+"/add")
}

// BlockOpts configures BlockLayer.
type BlockOpts struct {
	Variant  Variant
	Blocks   int
	Filters  int
	Strides  int
	Layout   layers.DataLayout
	Training bool
	// Projection lets the first block project its shortcut.
	Projection bool
	// Scope prefixes layer names; blocks are named Scope/block1, Scope/block2...
	Scope string
}

// BlockLayer applies Blocks residual blocks. Only the first one strides and
// may project; the rest keep channel count and spatial size unchanged.
func BlockLayer[T any](b Backend[T], x T, o BlockOpts) (T, error) {
	if o.Blocks <= 0 || o.Filters <= 0 || o.Strides <= 0 {
		var zero T
		return zero, fmt.Errorf("%w: block layer %q needs positive blocks, filters and strides", ErrInvalidConfig, o.Scope)
	}
	n := ops[T]{b: b, layout: o.Layout, training: o.Training}

	x, err := applyBlock(n, x, o.Variant, o.Filters, o.Strides, o.Projection, o.Scope+"/block1")
	if err != nil {
		return x, err
	}
	for i := 1; i < o.Blocks; i++ {
		x, err = applyBlock(n, x, o.Variant, o.Filters, 1, false, fmt.Sprintf("%s/block%d", o.Scope, i+1))
		if err != nil {
			return x, err
		}
	}
	return x, nil
}
