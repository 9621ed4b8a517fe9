package resnet

import (
	"github.com/tsawler/go-resnet/layers"
)

// Backend is the set of primitive operations the topology builder needs
// from a tensor runtime. T is the runtime's tensor handle; the builder never
// looks inside it except through Shape.
//
// layers.Recorder (T = layers.Ref) records a layer graph, and engine.Engine
// (T = *gorgonia.Node) builds an executable gorgonia graph.
type Backend[T any] interface {
	Shape(x T) []int
	Conv2D(x T, o layers.ConvOpts) (T, error)
	BatchNorm(x T, o layers.BatchNormOpts) (T, error)
	ReLU(x T, name string) (T, error)
	MaxPool2D(x T, o layers.PoolOpts) (T, error)
	ReduceMean(x T, axes []int, name string) (T, error)
	Dense(x T, units int, name string) (T, error)
	Add(a, b T, name string) (T, error)
}

// Ensure the recorder satisfies the interface.
var _ Backend[layers.Ref] = (*layers.Recorder)(nil)
