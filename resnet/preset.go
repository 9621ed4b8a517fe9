package resnet

import (
	"fmt"
	"sort"
)

var presetStages = map[int][]BlockParam{
	18:  {{2, 1}, {2, 2}, {2, 2}, {2, 2}},
	34:  {{3, 1}, {4, 2}, {6, 2}, {3, 2}},
	50:  {{3, 1}, {4, 2}, {6, 2}, {3, 2}},
	101: {{3, 1}, {4, 2}, {23, 2}, {3, 2}},
	152: {{3, 1}, {8, 2}, {36, 2}, {3, 2}},
}

// PresetDepths lists the depths Preset knows about.
func PresetDepths() []int {
	depths := make([]int, 0, len(presetStages))
	for d := range presetStages {
		depths = append(depths, d)
	}
	sort.Ints(depths)
	return depths
}

// Preset returns the published ImageNet configuration for the given depth.
// Depths 18 and 34 use building blocks, deeper networks use bottlenecks.
func Preset(depth int, version Version, classes int) (Config, error) {
	stages, ok := presetStages[depth]
	if !ok {
		return Config{}, fmt.Errorf("%w: no preset for depth %d (have %v)", ErrInvalidConfig, depth, PresetDepths())
	}
	cfg := Config{
		Name:        DefaultName,
		BaseFilters: 64,
		Stem:        ConvParam{KernelSize: 7, Strides: 2},
		Pool:        PoolParam{PoolSize: 3, Strides: 2},
		Stages:      append([]BlockParam(nil), stages...),
		Bottleneck:  depth >= 50,
		Version:     version,
		Head:        DenseParam{Units: classes},
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
