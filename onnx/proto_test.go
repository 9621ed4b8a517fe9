package onnx

import (
	"errors"
	"testing"
)

func tinyGraph(op string) *modelProto {
	return &modelProto{
		IrVersion: IRVersion,
		Graph: &graphProto{
			Name:    "g",
			Inputs:  []*valueInfo{{Name: "x", ElemType: tensorFloat, Shape: []int64{1, 2, 4, 4}}},
			Outputs: []*valueInfo{{Name: "y", ElemType: tensorFloat, Shape: []int64{1, 2, 4, 4}}},
			Nodes: []*nodeProto{{
				Name:    "y",
				OpType:  op,
				Inputs:  []string{"x"},
				Outputs: []string{"y"},
			}},
		},
		Opsets: []opsetID{{Version: OpsetVersion}},
	}
}

func TestDecodeModel(t *testing.T) {
	m := tinyGraph("Relu")
	m.ProducerName = ProducerName
	m.Graph.Nodes[0].Attributes = []*attribute{
		intsAttr("perm", 0, 3, 1, 2),
		intAttr("keepdims", 0),
		floatAttr("epsilon", 0.25),
		stringAttr("auto_pad", "VALID"),
	}
	m.Graph.Initializers = []*tensorProto{{Name: "w", Dims: []int64{2, 1}, DataType: tensorFloat, FloatData: []float32{1.5, -2}}}

	got, err := unmarshalModel(m.marshal())
	if err != nil {
		t.Fatalf("unmarshalModel: %v", err)
	}
	if got.IrVersion != IRVersion || got.ProducerName != ProducerName || len(got.Opsets) != 1 || got.Opsets[0].Version != OpsetVersion {
		t.Errorf("header %+v", got)
	}
	n := got.Graph.Nodes[0]
	if a := n.attr("perm"); a == nil || len(a.Ints) != 4 || a.Ints[1] != 3 {
		t.Errorf("perm %+v", a)
	}
	if a := n.attr("keepdims"); a == nil || a.Type != attrInt || a.I != 0 {
		t.Errorf("keepdims %+v", a)
	}
	if a := n.attr("epsilon"); a == nil || a.F != 0.25 {
		t.Errorf("epsilon %+v", a)
	}
	if a := n.attr("auto_pad"); a == nil || string(a.S) != "VALID" {
		t.Errorf("auto_pad %+v", a)
	}
	if n.attr("missing") != nil {
		t.Error("found missing attribute")
	}
	w := got.Graph.Initializers[0]
	if w.Name != "w" || len(w.Dims) != 2 || len(w.FloatData) != 2 || w.FloatData[1] != -2 {
		t.Errorf("initializer %+v", w)
	}
	in := got.Graph.Inputs[0]
	if in.Name != "x" || in.ElemType != tensorFloat || len(in.Shape) != 4 || in.Shape[3] != 4 {
		t.Errorf("input %+v", in)
	}
}

func TestImportUnsupportedOp(t *testing.T) {
	if _, err := NewImporter().Import(tinyGraph("Softmax").marshal()); !errors.Is(err, ErrUnsupportedOp) {
		t.Errorf("Softmax: got %v, want ErrUnsupportedOp", err)
	}
	spec, err := NewImporter().Import(tinyGraph("Relu").marshal())
	if err != nil {
		t.Fatalf("Relu: %v", err)
	}
	if spec.Output != "y" || len(spec.Layers) != 2 {
		t.Errorf("imported %d layers, output %q", len(spec.Layers), spec.Output)
	}
}
