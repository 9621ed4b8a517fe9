package layers

import (
	"fmt"
)

// computeLayerInfo computes output shape and parameter information for a layer
func computeLayerInfo(layer *LayerSpec, inputs [][]int, modelInput []int, layout DataLayout) ([]int, [][]int, int64, error) {
	want := 1
	switch layer.Type {
	case Input:
		want = 0
	case Add:
		want = 2
	}
	if len(inputs) != want {
		return nil, nil, 0, fmt.Errorf("%w: %s expects %d inputs, got %d", ErrInvalidLayer, layer.Type, want, len(inputs))
	}

	switch layer.Type {
	case Input:
		if len(modelInput) == 0 {
			return nil, nil, 0, fmt.Errorf("%w: model must specify input shape", ErrInvalidLayer)
		}
		if err := positive(modelInput); err != nil {
			return nil, nil, 0, err
		}
		return cloneShape(modelInput), nil, 0, nil
	case Conv2D:
		return computeConv2DInfo(layer, inputs[0], layout)
	case BatchNorm:
		return computeBatchNormInfo(layer, inputs[0], layout)
	case MaxPool2D:
		return computePoolInfo(layer, inputs[0], layout)
	case GlobalAvgPool:
		return computeReduceMeanInfo(layer, inputs[0])
	case Dense:
		return computeDenseInfo(layer, inputs[0])
	case Add:
		return computeAddInfo(inputs[0], inputs[1])
	case ReLU:
		return cloneShape(inputs[0]), nil, 0, nil
	default:
		return nil, nil, 0, fmt.Errorf("unsupported layer type: %s", layer.Type)
	}
}

// SpatialOutput is the output extent of a windowed op along one axis.
func SpatialOutput(in, window, stride int, padding string) (int, error) {
	if window <= 0 || stride <= 0 {
		return 0, fmt.Errorf("%w: window %d, stride %d", ErrInvalidLayer, window, stride)
	}
	switch padding {
	case PaddingSame, "":
		return (in + stride - 1) / stride, nil
	case PaddingValid:
		if in < window {
			return 0, fmt.Errorf("%w: window %d larger than input %d", ErrShapeMismatch, window, in)
		}
		return (in-window)/stride + 1, nil
	}
	return 0, fmt.Errorf("%w: unknown padding %q", ErrInvalidLayer, padding)
}

func computeConv2DInfo(layer *LayerSpec, inputShape []int, layout DataLayout) ([]int, [][]int, int64, error) {
	if len(inputShape) != 4 {
		return nil, nil, 0, fmt.Errorf("%w: Conv2D requires 4D input, got %v", ErrShapeMismatch, inputShape)
	}

	outputChannels := getIntParam(layer.Parameters, "output_channels", 0)
	kernelSize := getIntParam(layer.Parameters, "kernel_size", 0)
	stride := getIntParam(layer.Parameters, "stride", 1)
	padding := getStringParam(layer.Parameters, "padding", PaddingSame)
	useBias := getBoolParam(layer.Parameters, "use_bias", false)
	if outputChannels <= 0 || kernelSize <= 0 {
		return nil, nil, 0, fmt.Errorf("%w: output_channels %d, kernel_size %d", ErrInvalidLayer, outputChannels, kernelSize)
	}

	batch, inputChannels, h, w := layout.Dims(inputShape)
	layer.Parameters["input_channels"] = inputChannels

	oh, err := SpatialOutput(h, kernelSize, stride, padding)
	if err != nil {
		return nil, nil, 0, err
	}
	ow, err := SpatialOutput(w, kernelSize, stride, padding)
	if err != nil {
		return nil, nil, 0, err
	}

	// Weight tensor: [outputChannels, inputChannels, kernelSize, kernelSize]
	paramShapes := [][]int{{outputChannels, inputChannels, kernelSize, kernelSize}}
	paramCount := int64(outputChannels) * int64(inputChannels) * int64(kernelSize*kernelSize)
	if useBias {
		paramShapes = append(paramShapes, []int{outputChannels})
		paramCount += int64(outputChannels)
	}

	return layout.Shape(batch, outputChannels, oh, ow), paramShapes, paramCount, nil
}

func computeBatchNormInfo(layer *LayerSpec, inputShape []int, layout DataLayout) ([]int, [][]int, int64, error) {
	if len(inputShape) < 2 {
		return nil, nil, 0, fmt.Errorf("%w: batch norm requires at least 2D input", ErrShapeMismatch)
	}
	axis := getIntParam(layer.Parameters, "axis", layout.ChannelAxis())
	if len(inputShape) == 2 {
		axis = 1
	}
	if axis < 0 || axis >= len(inputShape) {
		return nil, nil, 0, fmt.Errorf("%w: axis %d out of range for %v", ErrInvalidLayer, axis, inputShape)
	}
	numFeatures := inputShape[axis]
	layer.Parameters["num_features"] = numFeatures

	// Learnable scale (gamma) and shift (beta). Running mean and variance
	// are buffers, not parameters.
	paramShapes := [][]int{{numFeatures}, {numFeatures}}
	return cloneShape(inputShape), paramShapes, int64(2 * numFeatures), nil
}

func computePoolInfo(layer *LayerSpec, inputShape []int, layout DataLayout) ([]int, [][]int, int64, error) {
	if len(inputShape) != 4 {
		return nil, nil, 0, fmt.Errorf("%w: MaxPool2D requires 4D input, got %v", ErrShapeMismatch, inputShape)
	}
	poolSize := getIntParam(layer.Parameters, "pool_size", 0)
	stride := getIntParam(layer.Parameters, "stride", poolSize)
	padding := getStringParam(layer.Parameters, "padding", PaddingSame)

	batch, c, h, w := layout.Dims(inputShape)
	oh, err := SpatialOutput(h, poolSize, stride, padding)
	if err != nil {
		return nil, nil, 0, err
	}
	ow, err := SpatialOutput(w, poolSize, stride, padding)
	if err != nil {
		return nil, nil, 0, err
	}
	return layout.Shape(batch, c, oh, ow), nil, 0, nil
}

func computeReduceMeanInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	axes := getIntsParam(layer.Parameters, "axes")
	if len(axes) == 0 {
		return nil, nil, 0, fmt.Errorf("%w: reduce mean needs axes", ErrInvalidLayer)
	}
	drop := make(map[int]bool, len(axes))
	for _, a := range axes {
		if a <= 0 || a >= len(inputShape) {
			return nil, nil, 0, fmt.Errorf("%w: axis %d out of range for %v", ErrInvalidLayer, a, inputShape)
		}
		drop[a] = true
	}
	var out []int
	for i, d := range inputShape {
		if !drop[i] {
			out = append(out, d)
		}
	}
	return out, nil, 0, nil
}

func computeDenseInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	if len(inputShape) < 2 {
		return nil, nil, 0, fmt.Errorf("%w: dense layer requires at least 2D input", ErrShapeMismatch)
	}
	outputSize := getIntParam(layer.Parameters, "output_size", 0)
	if outputSize <= 0 {
		return nil, nil, 0, fmt.Errorf("%w: output_size %d", ErrInvalidLayer, outputSize)
	}
	useBias := getBoolParam(layer.Parameters, "use_bias", true)

	// Flatten all dimensions except batch
	inputSize := 1
	for i := 1; i < len(inputShape); i++ {
		inputSize *= inputShape[i]
	}
	layer.Parameters["input_size"] = inputSize

	paramShapes := [][]int{{inputSize, outputSize}}
	paramCount := int64(inputSize) * int64(outputSize)
	if useBias {
		paramShapes = append(paramShapes, []int{outputSize})
		paramCount += int64(outputSize)
	}
	return []int{inputShape[0], outputSize}, paramShapes, paramCount, nil
}

func computeAddInfo(a, b []int) ([]int, [][]int, int64, error) {
	if !SameShape(a, b) {
		return nil, nil, 0, fmt.Errorf("%w: cannot add %v and %v", ErrShapeMismatch, a, b)
	}
	return cloneShape(a), nil, 0, nil
}

// SameShape reports whether two shapes are identical.
func SameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func positive(shape []int) error {
	for _, d := range shape {
		if d <= 0 {
			return fmt.Errorf("%w: non-positive dimension in %v", ErrInvalidLayer, shape)
		}
	}
	return nil
}

// Helper functions for parameter extraction. Values decoded from JSON
// arrive as float64 and []interface{}.
func getIntParam(params map[string]interface{}, key string, defaultValue int) int {
	switch v := params[key].(type) {
	case int:
		return v
	case int32:
		return int(v)
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return defaultValue
}

func getBoolParam(params map[string]interface{}, key string, defaultValue bool) bool {
	if v, ok := params[key].(bool); ok {
		return v
	}
	return defaultValue
}

func getStringParam(params map[string]interface{}, key string, defaultValue string) string {
	if v, ok := params[key].(string); ok {
		return v
	}
	return defaultValue
}

func getFloatParam(params map[string]interface{}, key string, defaultValue float32) float32 {
	switch v := params[key].(type) {
	case float32:
		return v
	case float64:
		return float32(v)
	}
	return defaultValue
}

func getIntsParam(params map[string]interface{}, key string) []int {
	switch v := params[key].(type) {
	case []int:
		return append([]int(nil), v...)
	case []int64:
		out := make([]int, len(v))
		for i, x := range v {
			out[i] = int(x)
		}
		return out
	case []interface{}:
		out := make([]int, 0, len(v))
		for _, x := range v {
			if f, ok := x.(float64); ok {
				out = append(out, int(f))
			} else if n, ok := x.(int); ok {
				out = append(out, n)
			}
		}
		return out
	}
	return nil
}

// IntParam reads an integer parameter of a layer.
func (l *LayerSpec) IntParam(key string, defaultValue int) int {
	return getIntParam(l.Parameters, key, defaultValue)
}

// BoolParam reads a boolean parameter of a layer.
func (l *LayerSpec) BoolParam(key string, defaultValue bool) bool {
	return getBoolParam(l.Parameters, key, defaultValue)
}

// StringParam reads a string parameter of a layer.
func (l *LayerSpec) StringParam(key, defaultValue string) string {
	return getStringParam(l.Parameters, key, defaultValue)
}

// FloatParam reads a float parameter of a layer.
func (l *LayerSpec) FloatParam(key string, defaultValue float32) float32 {
	return getFloatParam(l.Parameters, key, defaultValue)
}

// IntsParam reads an integer list parameter of a layer.
func (l *LayerSpec) IntsParam(key string) []int {
	return getIntsParam(l.Parameters, key)
}
