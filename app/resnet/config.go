package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/viper"
	"github.com/tsawler/go-resnet/layers"
	"github.com/tsawler/go-resnet/resnet"
)

// settings is everything a subcommand needs to build a network.
type settings struct {
	Model    resnet.Config
	Layout   layers.DataLayout
	Input    []int
	Training bool
}

// Defaults shared by the flags and the viper instance.
const (
	defaultPreset  = "resnet50"
	defaultVersion = 1
	defaultClasses = 1000
	defaultLayout  = "channels_first"
)

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("RESNET")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	v.SetDefault("preset", defaultPreset)
	v.SetDefault("version", defaultVersion)
	v.SetDefault("classes", defaultClasses)
	v.SetDefault("layout", defaultLayout)
	v.SetDefault("training", false)
	return v
}

// parsePreset accepts "resnet50", "ResNet-50" or just "50".
func parsePreset(s string) (int, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	name = strings.TrimPrefix(name, "resnet")
	name = strings.TrimPrefix(name, "-")
	depth, err := strconv.Atoi(name)
	if err != nil {
		return 0, fmt.Errorf("unknown preset %q (have %v)", s, resnet.PresetDepths())
	}
	return depth, nil
}

// parseShape reads a comma separated list of positive dimensions.
func parseShape(s string) ([]int, error) {
	parts := strings.Split(s, ",")
	shape := make([]int, 0, len(parts))
	for _, p := range parts {
		d, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("invalid input shape %q", s)
		}
		shape = append(shape, d)
	}
	if len(shape) != 4 {
		return nil, fmt.Errorf("input shape %q must have 4 dimensions", s)
	}
	return shape, nil
}

// loadSettings resolves flags, RESNET_* environment variables and the
// optional config file. A "model" section in the file replaces the preset.
func loadSettings(v *viper.Viper) (*settings, error) {
	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	layout, err := layers.ParseDataLayout(v.GetString("layout"))
	if err != nil {
		return nil, err
	}
	s := &settings{
		Layout:   layout,
		Training: v.GetBool("training"),
	}

	version := resnet.Version(v.GetInt("version"))
	classes := v.GetInt("classes")
	if v.IsSet("model") {
		if err := v.UnmarshalKey("model", &s.Model); err != nil {
			return nil, fmt.Errorf("failed to decode model config: %w", err)
		}
		if s.Model.Version == 0 {
			s.Model.Version = version
		}
		if s.Model.Head.Units == 0 {
			s.Model.Head.Units = classes
		}
	} else {
		depth, err := parsePreset(v.GetString("preset"))
		if err != nil {
			return nil, err
		}
		if s.Model, err = resnet.Preset(depth, version, classes); err != nil {
			return nil, err
		}
	}
	if err := s.Model.Validate(); err != nil {
		return nil, err
	}

	if in := v.GetString("input"); in != "" {
		if s.Input, err = parseShape(in); err != nil {
			return nil, err
		}
	} else {
		s.Input = layout.Shape(1, 3, 224, 224)
	}
	return s, nil
}
