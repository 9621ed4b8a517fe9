package layers

import (
	"math"
	"math/rand"
)

// truncatedNormalStddev corrects the standard deviation of a normal
// truncated at two sigmas back to one.
const truncatedNormalStddev = 0.87962566103423978

// Fans returns the fan-in and fan-out of a weight shape. Dense weights are
// [in, out]; convolution kernels are [out, in, kh, kw].
func Fans(shape []int) (fanIn, fanOut int) {
	switch len(shape) {
	case 0:
		return 1, 1
	case 1:
		return shape[0], shape[0]
	case 2:
		return shape[0], shape[1]
	}
	receptive := 1
	for _, d := range shape[2:] {
		receptive *= d
	}
	return shape[1] * receptive, shape[0] * receptive
}

// Values draws initial values for a parameter of the given shape.
func (i Initializer) Values(rng *rand.Rand, shape []int) []float64 {
	n := 1
	for _, d := range shape {
		n *= d
	}
	out := make([]float64, n)
	fanIn, fanOut := Fans(shape)

	switch i {
	case VarianceScalingInit:
		stddev := math.Sqrt(1/float64(max(fanIn, 1))) / truncatedNormalStddev
		for j := range out {
			out[j] = truncatedNormal(rng) * stddev
		}
	case GlorotUniformInit:
		limit := math.Sqrt(6 / float64(max(fanIn+fanOut, 1)))
		for j := range out {
			out[j] = (rng.Float64()*2 - 1) * limit
		}
	case OnesInit:
		for j := range out {
			out[j] = 1
		}
	}
	return out
}

// Float32Values is Values converted to float32.
func (i Initializer) Float32Values(rng *rand.Rand, shape []int) []float32 {
	v := i.Values(rng, shape)
	out := make([]float32, len(v))
	for j, x := range v {
		out[j] = float32(x)
	}
	return out
}

func truncatedNormal(rng *rand.Rand) float64 {
	for {
		x := rng.NormFloat64()
		if x >= -2 && x <= 2 {
			return x
		}
	}
}
