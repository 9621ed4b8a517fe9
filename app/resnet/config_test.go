package main

import (
	"bytes"
	"encoding/json"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tsawler/go-resnet/layers"
	"github.com/tsawler/go-resnet/onnx"
	"github.com/tsawler/go-resnet/resnet"
)

func TestLoadSettingsDefaults(t *testing.T) {
	s, err := loadSettings(newViper())
	if err != nil {
		t.Fatalf("loadSettings: %v", err)
	}
	if s.Model.Depth() != 50 || !s.Model.Bottleneck || s.Model.Version != resnet.V1 || s.Model.Head.Units != 1000 {
		t.Errorf("default model %+v", s.Model)
	}
	if s.Layout != layers.ChannelsFirst || !layers.SameShape(s.Input, []int{1, 3, 224, 224}) || s.Training {
		t.Errorf("defaults: layout %s, input %v, training %v", s.Layout, s.Input, s.Training)
	}
}

func TestLoadSettingsEnv(t *testing.T) {
	t.Setenv("RESNET_PRESET", "resnet18")
	t.Setenv("RESNET_VERSION", "2")
	t.Setenv("RESNET_LAYOUT", "channels_last")
	t.Setenv("RESNET_INPUT", "2,32,32,3")

	s, err := loadSettings(newViper())
	if err != nil {
		t.Fatalf("loadSettings: %v", err)
	}
	if s.Model.Depth() != 18 || s.Model.Bottleneck || s.Model.Version != resnet.V2 {
		t.Errorf("env model %+v", s.Model)
	}
	if s.Layout != layers.ChannelsLast || !layers.SameShape(s.Input, []int{2, 32, 32, 3}) {
		t.Errorf("env layout %s, input %v", s.Layout, s.Input)
	}
}

func TestLoadSettingsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tiny.yaml")
	cfg := `
layout: channels_last
input: "1,16,16,3"
classes: 7
model:
  name: tiny
  base_filters: 8
  stem:
    kernel_size: 3
    strides: 1
  pool:
    pool_size: 3
    strides: 2
  stages:
    - blocks: 1
      strides: 1
    - blocks: 1
      strides: 2
  bottleneck: true
  version: 2
`
	if err := os.WriteFile(path, []byte(cfg), 0644); err != nil {
		t.Fatal(err)
	}

	v := newViper()
	v.Set("config", path)
	s, err := loadSettings(v)
	if err != nil {
		t.Fatalf("loadSettings: %v", err)
	}
	m := s.Model
	if m.Name != "tiny" || m.BaseFilters != 8 || len(m.Stages) != 2 || m.Stages[1].Strides != 2 || m.Version != resnet.V2 || m.Head.Units != 7 {
		t.Errorf("file model %+v", m)
	}
	if s.Layout != layers.ChannelsLast || !layers.SameShape(s.Input, []int{1, 16, 16, 3}) {
		t.Errorf("file layout %s, input %v", s.Layout, s.Input)
	}
}

func TestLoadSettingsErrors(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  interface{}
	}{
		{"unknown preset", "preset", "resnet42"},
		{"bad preset", "preset", "vgg16"},
		{"bad version", "version", 3},
		{"bad layout", "layout", "chw"},
		{"short input", "input", "1,3,224"},
		{"zero input", "input", "1,0,224,224"},
		{"missing config", "config", "/nonexistent/resnet.yaml"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := newViper()
			v.Set(tt.key, tt.val)
			if _, err := loadSettings(v); err == nil {
				t.Errorf("%s=%v accepted", tt.key, tt.val)
			}
		})
	}
}

func TestParsePreset(t *testing.T) {
	for in, want := range map[string]int{"resnet50": 50, "ResNet-101": 101, "18": 18} {
		got, err := parsePreset(in)
		if err != nil || got != want {
			t.Errorf("parsePreset(%q) = %d, %v; want %d", in, got, err, want)
		}
	}
}

func execute(t *testing.T, args ...string) string {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs(args)
	if err := cmd.Execute(); err != nil {
		t.Fatalf("resnet %s: %v", strings.Join(args, " "), err)
	}
	return out.String()
}

func TestSummaryCommand(t *testing.T) {
	out := execute(t, "summary", "--preset", "resnet18")
	if !strings.Contains(out, "Total Parameters: 11689512") {
		t.Errorf("summary missing ResNet-18 parameter count:\n%.400s", out)
	}

	var spec layers.ModelSpec
	if err := json.Unmarshal([]byte(execute(t, "summary", "--json", "--classes", "10", "--input", "1,3,32,32")), &spec); err != nil {
		t.Fatalf("summary --json: %v", err)
	}
	if !layers.SameShape(spec.OutputShape, []int{1, 10}) {
		t.Errorf("json output shape %v", spec.OutputShape)
	}
}

func TestExportCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "r18.onnx")
	execute(t, "export", "--preset", "resnet18", "--input", "1,3,64,64", "--no-weights", "--out", path)

	spec, err := onnx.NewImporter().ImportFromFile(path)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if spec.TotalParameters != 11689512 {
		t.Errorf("exported %d parameters", spec.TotalParameters)
	}
}

func TestRunCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tiny.json")
	cfg := `{"model": {"base_filters": 4, "stem": {"kernel_size": 3, "strides": 1},
		"pool": {"pool_size": 3, "strides": 2}, "stages": [{"blocks": 1, "strides": 1}],
		"head": {"units": 3}}}`
	if err := os.WriteFile(path, []byte(cfg), 0644); err != nil {
		t.Fatal(err)
	}
	out := execute(t, "run", "--config", path, "--input", "2,3,8,8", "--seed", "4")
	if !strings.Contains(out, "logits (2, 3)") {
		t.Errorf("run output %q", out)
	}

	img := filepath.Join(t.TempDir(), "dot.png")
	f, err := os.Create(img)
	if err != nil {
		t.Fatal(err)
	}
	if err := png.Encode(f, image.NewRGBA(image.Rect(0, 0, 20, 10))); err != nil {
		t.Fatal(err)
	}
	f.Close()
	out = execute(t, "run", "--config", path, "--layout", "channels_last", "--input", "1,8,8,3", "--image", img)
	if !strings.Contains(out, "logits (1, 3)") {
		t.Errorf("run --image output %q", out)
	}
}
