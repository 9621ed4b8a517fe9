package main

import (
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"runtime"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tsawler/go-resnet/engine"
	"github.com/tsawler/go-resnet/layers"
	"github.com/tsawler/go-resnet/onnx"
	"github.com/tsawler/go-resnet/resnet"
	"github.com/tsawler/go-resnet/vision/preprocessing"
	"gorgonia.org/tensor"
)

func newRootCmd() *cobra.Command {
	v := newViper()
	root := &cobra.Command{
		Use:           "resnet",
		Short:         "Build, inspect and export ResNet models",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.String("config", "", "YAML or JSON config file")
	pf.String("preset", defaultPreset, "published configuration (resnet18, resnet34, resnet50, resnet101, resnet152)")
	pf.Int("version", defaultVersion, "1 for post-activation, 2 for pre-activation blocks")
	pf.Int("classes", defaultClasses, "number of output logits")
	pf.String("layout", defaultLayout, "channels_first or channels_last")
	pf.String("input", "", "input shape in layout order, e.g. 1,3,224,224")
	pf.Bool("training", false, "build batch norm in training mode")
	if err := v.BindPFlags(pf); err != nil {
		log.Fatalf("Failed to bind flags: %v", err)
	}

	root.AddCommand(newSummaryCmd(v), newExportCmd(v), newRunCmd(v))
	return root
}

// record builds the configured network into a layer graph.
func record(v *viper.Viper) (*settings, *layers.ModelSpec, error) {
	s, err := loadSettings(v)
	if err != nil {
		return nil, nil, err
	}
	m, err := resnet.NewModel(s.Model)
	if err != nil {
		return nil, nil, err
	}
	spec, err := resnet.Record(m, s.Input, s.Layout, s.Training)
	if err != nil {
		return nil, nil, err
	}
	return s, spec, nil
}

func newSummaryCmd(v *viper.Viper) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "summary",
		Short: "Print the layer graph and parameter counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, spec, err := record(v)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(spec)
			}
			_, err = fmt.Fprint(cmd.OutOrStdout(), spec.Summary())
			return err
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the compiled graph as JSON")
	return cmd
}

func newExportCmd(v *viper.Viper) *cobra.Command {
	var (
		out       string
		seed      int64
		noWeights bool
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the network as an ONNX model",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, spec, err := record(v)
			if err != nil {
				return err
			}
			opts := []onnx.ExportOption{
				onnx.WithSeed(seed),
				onnx.WithDocString(fmt.Sprintf("ResNet-%d %s", s.Model.Depth(), s.Model.Version)),
			}
			if noWeights {
				opts = append(opts, onnx.WithoutWeights())
			}
			if err := onnx.NewExporter(opts...).ExportToFile(spec, out); err != nil {
				return err
			}
			log.Printf("Exported %s: %d layers, %d parameters", out, len(spec.Layers), spec.TotalParameters)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "resnet.onnx", "output file")
	cmd.Flags().Int64Var(&seed, "seed", 0, "seed for initial weights")
	cmd.Flags().BoolVar(&noWeights, "no-weights", false, "declare weights as graph inputs")
	return cmd
}

func newRunCmd(v *viper.Viper) *cobra.Command {
	var (
		seed   int64
		images []string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one forward pass on random input",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadSettings(v)
			if err != nil {
				return err
			}
			m, err := resnet.NewModel(s.Model)
			if err != nil {
				return err
			}

			input, err := runInput(s, images, seed)
			if err != nil {
				return err
			}

			logits, err := engine.Forward(m, input, s.Layout, s.Training, engine.WithSeed(seed))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s logits %v\n", m.Variant(), logits.Shape())
			return nil
		},
	}
	cmd.Flags().Int64Var(&seed, "seed", 0, "seed for input and weights")
	cmd.Flags().StringSliceVar(&images, "image", nil, "JPEG or PNG files to classify instead of random input")
	return cmd
}

// runInput loads the given images resized to the configured height and
// width, or fills the configured input shape with uniform noise.
func runInput(s *settings, images []string, seed int64) (*tensor.Dense, error) {
	if len(images) > 0 {
		_, _, h, w := s.Layout.Dims(s.Input)
		data, shape, err := preprocessing.PreprocessBatch(images, h, w, s.Layout, runtime.NumCPU())
		if err != nil {
			return nil, err
		}
		return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(data)), nil
	}

	rng := rand.New(rand.NewSource(seed))
	n := 1
	for _, d := range s.Input {
		n *= d
	}
	data := make([]float32, n)
	for i := range data {
		data[i] = rng.Float32()
	}
	return tensor.New(tensor.WithShape(s.Input...), tensor.WithBacking(data)), nil
}
