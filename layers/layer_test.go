package layers_test

import (
	"encoding/json"
	"errors"
	"math"
	"math/rand"
	"strings"
	"testing"

	"github.com/tsawler/go-resnet/layers"
)

// TestModelBuilder builds a small conv net with the fluent builder
func TestModelBuilder(t *testing.T) {
	inputShape := []int{32, 3, 32, 32} // Batch of 32 RGB 32x32 images

	model, err := layers.NewModelBuilder(inputShape, layers.ChannelsFirst).
		AddConv2D(8, 3, 1, layers.PaddingSame, false, "conv1").
		AddBatchNorm(1e-5, 0.9, "bn1").
		AddReLU("relu1").
		AddMaxPool2D(2, 2, layers.PaddingValid, "pool1").
		AddGlobalAvgPool("gap").
		AddDense(2, true, "fc1").
		Compile()
	if err != nil {
		t.Fatalf("Failed to compile model: %v", err)
	}

	if !layers.SameShape(model.OutputShape, []int{32, 2}) {
		t.Errorf("output shape %v", model.OutputShape)
	}
	// conv 8*3*3*3, bn 2*8, dense 8*2+2
	if want := int64(216 + 16 + 18); model.TotalParameters != want {
		t.Errorf("total parameters %d, want %d", model.TotalParameters, want)
	}
	if got := model.Layer("pool1").OutputShape; !layers.SameShape(got, []int{32, 8, 16, 16}) {
		t.Errorf("pool output %v", got)
	}
	if model.Layer("conv1").IntParam("input_channels", 0) != 3 {
		t.Errorf("conv input channels not recorded: %v", model.Layer("conv1").Parameters)
	}
	if model.Output != "fc1" {
		t.Errorf("output %q", model.Output)
	}

	summary := model.Summary()
	for _, want := range []string{"Total Parameters: 250", "Layer 2: conv1 (Conv2D)", "Layout: channels_first"} {
		if !strings.Contains(summary, want) {
			t.Errorf("summary missing %q:\n%s", want, summary)
		}
	}
}

func TestChannelsLast(t *testing.T) {
	model, err := layers.NewModelBuilder([]int{4, 15, 15, 3}, layers.ChannelsLast).
		AddConv2D(16, 3, 2, layers.PaddingSame, false, "conv").
		AddBatchNorm(1e-3, 0.99, "bn").
		AddGlobalAvgPool("gap").
		Compile()
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if got := model.Layer("conv").OutputShape; !layers.SameShape(got, []int{4, 8, 8, 16}) {
		t.Errorf("conv output %v", got)
	}
	if got := model.Layer("bn").ParameterCount; got != 32 {
		t.Errorf("bn parameters %d, want 32", got)
	}
	if !layers.SameShape(model.OutputShape, []int{4, 16}) {
		t.Errorf("output %v", model.OutputShape)
	}
}

func TestResidualAdd(t *testing.T) {
	mb := layers.NewModelBuilder([]int{1, 4, 8, 8}, layers.ChannelsFirst)
	mb.AddConv2D(4, 3, 1, layers.PaddingSame, false, "conv").AddAdd("conv", layers.InputName, "sum")
	model, err := mb.Compile()
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if got := model.Consumers(layers.InputName); len(got) != 2 {
		t.Errorf("input consumers %v", got)
	}

	mb = layers.NewModelBuilder([]int{1, 4, 8, 8}, layers.ChannelsFirst)
	mb.AddConv2D(8, 3, 1, layers.PaddingSame, false, "conv").AddAdd("conv", layers.InputName, "sum")
	if _, err := mb.Compile(); !errors.Is(err, layers.ErrShapeMismatch) {
		t.Errorf("mismatched add: %v", err)
	}
}

func TestCompileErrors(t *testing.T) {
	tests := []struct {
		name  string
		build func() *layers.ModelBuilder
		want  error
	}{
		{"unknown input", func() *layers.ModelBuilder {
			return layers.NewModelBuilder([]int{1, 4, 8, 8}, layers.ChannelsFirst).AddAdd("a", "b", "sum")
		}, layers.ErrUnknownInput},
		{"duplicate name", func() *layers.ModelBuilder {
			return layers.NewModelBuilder([]int{1, 4, 8, 8}, layers.ChannelsFirst).AddReLU("r").AddReLU("r")
		}, layers.ErrInvalidLayer},
		{"conv on 2D", func() *layers.ModelBuilder {
			return layers.NewModelBuilder([]int{1, 4}, layers.ChannelsFirst).AddConv2D(2, 1, 1, layers.PaddingSame, false, "c")
		}, layers.ErrShapeMismatch},
		{"zero kernel", func() *layers.ModelBuilder {
			return layers.NewModelBuilder([]int{1, 4, 8, 8}, layers.ChannelsFirst).AddConv2D(2, 0, 1, layers.PaddingSame, false, "c")
		}, layers.ErrInvalidLayer},
		{"valid window too large", func() *layers.ModelBuilder {
			return layers.NewModelBuilder([]int{1, 4, 2, 2}, layers.ChannelsFirst).AddMaxPool2D(3, 1, layers.PaddingValid, "p")
		}, layers.ErrShapeMismatch},
		{"zero units", func() *layers.ModelBuilder {
			return layers.NewModelBuilder([]int{1, 4}, layers.ChannelsFirst).AddDense(0, true, "d")
		}, layers.ErrInvalidLayer},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.build().Compile(); !errors.Is(err, tt.want) {
				t.Errorf("got %v, want %v", err, tt.want)
			}
		})
	}

	if _, err := layers.NewModelBuilder([]int{1, 4}, layers.ChannelsFirst).Compile(); err == nil {
		t.Error("empty model compiled")
	}
}

func TestSpatialOutput(t *testing.T) {
	tests := []struct {
		in, window, stride int
		padding            string
		want               int
	}{
		{224, 7, 2, layers.PaddingSame, 112},
		{112, 3, 2, layers.PaddingSame, 56},
		{7, 3, 2, layers.PaddingSame, 4},
		{5, 1, 1, layers.PaddingSame, 5},
		{8, 2, 2, layers.PaddingValid, 4},
		{9, 3, 2, layers.PaddingValid, 4},
	}
	for _, tt := range tests {
		got, err := layers.SpatialOutput(tt.in, tt.window, tt.stride, tt.padding)
		if err != nil {
			t.Fatalf("SpatialOutput(%d, %d, %d, %s): %v", tt.in, tt.window, tt.stride, tt.padding, err)
		}
		if got != tt.want {
			t.Errorf("SpatialOutput(%d, %d, %d, %s) = %d, want %d", tt.in, tt.window, tt.stride, tt.padding, got, tt.want)
		}
	}
	if _, err := layers.SpatialOutput(8, 3, 1, "reflect"); !errors.Is(err, layers.ErrInvalidLayer) {
		t.Errorf("unknown padding: %v", err)
	}
}

func TestModelSpecJSON(t *testing.T) {
	model, err := layers.NewModelBuilder([]int{2, 8, 8, 3}, layers.ChannelsLast).
		AddConv2D(4, 3, 1, layers.PaddingSame, false, "conv").
		AddGlobalAvgPool("gap").
		AddDense(5, true, "fc").
		Compile()
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	data, err := json.Marshal(model)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if !strings.Contains(string(data), `"type":"Conv2D"`) || !strings.Contains(string(data), `"layout":"channels_last"`) {
		t.Errorf("types and layout should be encoded by name: %s", data)
	}

	var decoded layers.ModelSpec
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	// Decoded parameters are float64/[]interface{}; the builder must still read them.
	mb := layers.NewModelBuilder(decoded.InputShape, decoded.Layout)
	for _, l := range decoded.Layers[1:] {
		mb.AddLayer(l)
	}
	again, err := mb.Compile()
	if err != nil {
		t.Fatalf("recompile: %v", err)
	}
	if again.TotalParameters != model.TotalParameters || !layers.SameShape(again.OutputShape, model.OutputShape) {
		t.Errorf("recompiled %d/%v, want %d/%v", again.TotalParameters, again.OutputShape, model.TotalParameters, model.OutputShape)
	}
}

func TestParseNames(t *testing.T) {
	for _, s := range []string{"channels_first", "NCHW"} {
		if l, err := layers.ParseDataLayout(s); err != nil || l != layers.ChannelsFirst {
			t.Errorf("ParseDataLayout(%q) = %v, %v", s, l, err)
		}
	}
	if _, err := layers.ParseDataLayout("chw"); err == nil {
		t.Error("bad layout accepted")
	}
	for lt := layers.Input; lt <= layers.Add; lt++ {
		got, err := layers.ParseLayerType(lt.String())
		if err != nil || got != lt {
			t.Errorf("ParseLayerType(%q) = %v, %v", lt, got, err)
		}
	}
}

func TestInitializers(t *testing.T) {
	rng := rand.New(rand.NewSource(1))

	shape := []int{64, 32, 3, 3}
	fanIn, fanOut := layers.Fans(shape)
	if fanIn != 288 || fanOut != 576 {
		t.Fatalf("Fans(%v) = %d, %d", shape, fanIn, fanOut)
	}

	v := layers.VarianceScalingInit.Values(rng, shape)
	if len(v) != 64*32*9 {
		t.Fatalf("%d values", len(v))
	}
	var sum, sq float64
	limit := 2 * math.Sqrt(1.0/288) / 0.87962566103423978
	for _, x := range v {
		if math.Abs(x) > limit+1e-12 {
			t.Fatalf("value %g beyond truncation %g", x, limit)
		}
		sum += x
		sq += x * x
	}
	variance := sq/float64(len(v)) - (sum/float64(len(v)))*(sum/float64(len(v)))
	if want := 1.0 / 288; math.Abs(variance-want)/want > 0.1 {
		t.Errorf("variance %g, want about %g", variance, want)
	}

	g := layers.GlorotUniformInit.Float32Values(rng, []int{10, 6})
	bound := float32(math.Sqrt(6.0 / 16))
	for _, x := range g {
		if x < -bound || x > bound {
			t.Fatalf("glorot value %g outside ±%g", x, bound)
		}
	}

	for _, x := range layers.OnesInit.Values(rng, []int{3}) {
		if x != 1 {
			t.Errorf("ones gave %g", x)
		}
	}
	for _, x := range layers.ZerosInit.Values(rng, []int{3}) {
		if x != 0 {
			t.Errorf("zeros gave %g", x)
		}
	}
}
