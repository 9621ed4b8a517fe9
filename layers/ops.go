package layers

// Initializer names a weight initialization scheme.
type Initializer int

const (
	// VarianceScalingInit draws from a truncated normal scaled by fan-in.
	VarianceScalingInit Initializer = iota
	GlorotUniformInit
	ZerosInit
	OnesInit
)

func (i Initializer) String() string {
	switch i {
	case VarianceScalingInit:
		return "variance_scaling"
	case GlorotUniformInit:
		return "glorot_uniform"
	case ZerosInit:
		return "zeros"
	case OnesInit:
		return "ones"
	default:
		return "unknown"
	}
}

// ConvOpts describes a 2D convolution.
type ConvOpts struct {
	Name        string
	Filters     int
	KernelSize  int
	Strides     int
	Padding     string
	Layout      DataLayout
	UseBias     bool
	Initializer Initializer
}

// BatchNormOpts describes a batch normalization over one axis.
type BatchNormOpts struct {
	Name     string
	Axis     int
	Training bool
	Fused    bool
}

// PoolOpts describes a 2D max pooling.
type PoolOpts struct {
	Name     string
	PoolSize int
	Strides  int
	Padding  string
	Layout   DataLayout
}

// Batch-norm defaults, matching the usual TensorFlow values.
const (
	DefaultBatchNormMomentum = 0.99
	DefaultBatchNormEpsilon  = 1e-3
)
