package onnx

import (
	"errors"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// ErrMalformed is returned when ONNX bytes cannot be decoded.
var ErrMalformed = errors.New("malformed onnx model")

// The subset of onnx.proto this package reads and writes. Field numbers
// follow onnx.proto (IR version 7).

const (
	tensorFloat = 1 // TensorProto.DataType FLOAT

	attrFloat  = 1
	attrInt    = 2
	attrString = 3
	attrInts   = 7
)

type modelProto struct {
	IrVersion       int64
	ProducerName    string
	ProducerVersion string
	ModelVersion    int64
	DocString       string
	Graph           *graphProto
	Opsets          []opsetID
}

type opsetID struct {
	Domain  string
	Version int64
}

type graphProto struct {
	Name         string
	Nodes        []*nodeProto
	Initializers []*tensorProto
	Inputs       []*valueInfo
	Outputs      []*valueInfo
}

type nodeProto struct {
	Inputs     []string
	Outputs    []string
	Name       string
	OpType     string
	Attributes []*attribute
}

type attribute struct {
	Name string
	Type int32
	F    float32
	I    int64
	S    []byte
	Ints []int64
}

type tensorProto struct {
	Name      string
	Dims      []int64
	DataType  int32
	FloatData []float32
}

type valueInfo struct {
	Name     string
	ElemType int32
	Shape    []int64
}

func (n *nodeProto) attr(name string) *attribute {
	for _, a := range n.Attributes {
		if a.Name == name {
			return a
		}
	}
	return nil
}

func intsAttr(name string, v ...int) *attribute {
	a := &attribute{Name: name, Type: attrInts}
	for _, x := range v {
		a.Ints = append(a.Ints, int64(x))
	}
	return a
}

func intAttr(name string, v int64) *attribute {
	return &attribute{Name: name, Type: attrInt, I: v}
}

func floatAttr(name string, v float32) *attribute {
	return &attribute{Name: name, Type: attrFloat, F: v}
}

func stringAttr(name, v string) *attribute {
	return &attribute{Name: name, Type: attrString, S: []byte(v)}
}

// Encoding.

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

func (m *modelProto) marshal() []byte {
	var b []byte
	b = appendVarint(b, 1, uint64(m.IrVersion))
	b = appendString(b, 2, m.ProducerName)
	b = appendString(b, 3, m.ProducerVersion)
	b = appendVarint(b, 5, uint64(m.ModelVersion))
	b = appendString(b, 6, m.DocString)
	if m.Graph != nil {
		b = appendMessage(b, 7, m.Graph.marshal())
	}
	for _, o := range m.Opsets {
		var ob []byte
		ob = appendString(ob, 1, o.Domain)
		ob = appendVarint(ob, 2, uint64(o.Version))
		b = appendMessage(b, 8, ob)
	}
	return b
}

func (g *graphProto) marshal() []byte {
	var b []byte
	for _, n := range g.Nodes {
		b = appendMessage(b, 1, n.marshal())
	}
	b = appendString(b, 2, g.Name)
	for _, t := range g.Initializers {
		b = appendMessage(b, 5, t.marshal())
	}
	for _, v := range g.Inputs {
		b = appendMessage(b, 11, v.marshal())
	}
	for _, v := range g.Outputs {
		b = appendMessage(b, 12, v.marshal())
	}
	return b
}

func (n *nodeProto) marshal() []byte {
	var b []byte
	for _, s := range n.Inputs {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendString(b, s)
	}
	for _, s := range n.Outputs {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendString(b, s)
	}
	b = appendString(b, 3, n.Name)
	b = appendString(b, 4, n.OpType)
	for _, a := range n.Attributes {
		b = appendMessage(b, 5, a.marshal())
	}
	return b
}

func (a *attribute) marshal() []byte {
	var b []byte
	b = appendString(b, 1, a.Name)
	switch a.Type {
	case attrFloat:
		b = protowire.AppendTag(b, 2, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, math.Float32bits(a.F))
	case attrInt:
		b = appendVarint(b, 3, uint64(a.I))
	case attrString:
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendBytes(b, a.S)
	case attrInts:
		for _, v := range a.Ints {
			b = appendVarint(b, 8, uint64(v))
		}
	}
	b = appendVarint(b, 20, uint64(a.Type))
	return b
}

func (t *tensorProto) marshal() []byte {
	var b []byte
	for _, d := range t.Dims {
		b = appendVarint(b, 1, uint64(d))
	}
	b = appendVarint(b, 2, uint64(t.DataType))
	if len(t.FloatData) > 0 {
		packed := make([]byte, 0, 4*len(t.FloatData))
		for _, f := range t.FloatData {
			packed = protowire.AppendFixed32(packed, math.Float32bits(f))
		}
		b = appendMessage(b, 4, packed)
	}
	b = appendString(b, 8, t.Name)
	return b
}

func (v *valueInfo) marshal() []byte {
	var shape []byte
	for _, d := range v.Shape {
		var dim []byte
		dim = appendVarint(dim, 1, uint64(d))
		shape = appendMessage(shape, 1, dim)
	}
	var tensor []byte
	tensor = appendVarint(tensor, 1, uint64(v.ElemType))
	tensor = appendMessage(tensor, 2, shape)
	var typ []byte
	typ = appendMessage(typ, 1, tensor)

	var b []byte
	b = appendString(b, 1, v.Name)
	b = appendMessage(b, 2, typ)
	return b
}

// Decoding.

// fieldFunc handles one field; it returns the number of bytes consumed,
// or -1 to have the field skipped.
type fieldFunc func(num protowire.Number, typ protowire.Type, b []byte) (int, error)

func walk(b []byte, fn fieldFunc) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]
		used, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if used < 0 {
			used = protowire.ConsumeFieldValue(num, typ, b)
			if used < 0 {
				return fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(used))
			}
		}
		b = b[used:]
	}
	return nil
}

func consumeBytes(typ protowire.Type, b []byte) ([]byte, int, error) {
	if typ != protowire.BytesType {
		return nil, 0, fmt.Errorf("%w: expected length-delimited field", ErrMalformed)
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, 0, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
	}
	return v, n, nil
}

func consumeVarint(typ protowire.Type, b []byte) (uint64, int, error) {
	if typ != protowire.VarintType {
		return 0, 0, fmt.Errorf("%w: expected varint field", ErrMalformed)
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, 0, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
	}
	return v, n, nil
}

// consumeInt64s reads a repeated int64 field in packed or unpacked form.
func consumeInt64s(typ protowire.Type, b []byte, dst *[]int64) (int, error) {
	if typ == protowire.VarintType {
		v, n, err := consumeVarint(typ, b)
		if err != nil {
			return 0, err
		}
		*dst = append(*dst, int64(v))
		return n, nil
	}
	packed, n, err := consumeBytes(typ, b)
	if err != nil {
		return 0, err
	}
	for len(packed) > 0 {
		v, m := protowire.ConsumeVarint(packed)
		if m < 0 {
			return 0, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(m))
		}
		*dst = append(*dst, int64(v))
		packed = packed[m:]
	}
	return n, nil
}

func unmarshalModel(b []byte) (*modelProto, error) {
	m := &modelProto{}
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeVarint(typ, b)
			m.IrVersion = int64(v)
			return n, err
		case 2, 3, 6:
			v, n, err := consumeBytes(typ, b)
			switch num {
			case 2:
				m.ProducerName = string(v)
			case 3:
				m.ProducerVersion = string(v)
			case 6:
				m.DocString = string(v)
			}
			return n, err
		case 5:
			v, n, err := consumeVarint(typ, b)
			m.ModelVersion = int64(v)
			return n, err
		case 7:
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			m.Graph, err = unmarshalGraph(v)
			return n, err
		case 8:
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			var o opsetID
			err = walk(v, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
				switch num {
				case 1:
					s, n, err := consumeBytes(typ, b)
					o.Domain = string(s)
					return n, err
				case 2:
					x, n, err := consumeVarint(typ, b)
					o.Version = int64(x)
					return n, err
				}
				return -1, nil
			})
			m.Opsets = append(m.Opsets, o)
			return n, err
		}
		return -1, nil
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

func unmarshalGraph(b []byte) (*graphProto, error) {
	g := &graphProto{}
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1, 5, 11, 12:
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			switch num {
			case 1:
				node, err := unmarshalNode(v)
				g.Nodes = append(g.Nodes, node)
				return n, err
			case 5:
				t, err := unmarshalTensor(v)
				g.Initializers = append(g.Initializers, t)
				return n, err
			case 11:
				vi, err := unmarshalValueInfo(v)
				g.Inputs = append(g.Inputs, vi)
				return n, err
			default:
				vi, err := unmarshalValueInfo(v)
				g.Outputs = append(g.Outputs, vi)
				return n, err
			}
		case 2:
			v, n, err := consumeBytes(typ, b)
			g.Name = string(v)
			return n, err
		}
		return -1, nil
	})
	if err != nil {
		return nil, err
	}
	return g, nil
}

func unmarshalNode(b []byte) (*nodeProto, error) {
	node := &nodeProto{}
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1, 2, 3, 4:
			v, n, err := consumeBytes(typ, b)
			switch num {
			case 1:
				node.Inputs = append(node.Inputs, string(v))
			case 2:
				node.Outputs = append(node.Outputs, string(v))
			case 3:
				node.Name = string(v)
			case 4:
				node.OpType = string(v)
			}
			return n, err
		case 5:
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			a, err := unmarshalAttribute(v)
			node.Attributes = append(node.Attributes, a)
			return n, err
		}
		return -1, nil
	})
	if err != nil {
		return nil, err
	}
	return node, nil
}

func unmarshalAttribute(b []byte) (*attribute, error) {
	a := &attribute{}
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeBytes(typ, b)
			a.Name = string(v)
			return n, err
		case 2:
			if typ != protowire.Fixed32Type {
				return 0, fmt.Errorf("%w: attribute float", ErrMalformed)
			}
			v, n := protowire.ConsumeFixed32(b)
			if n < 0 {
				return 0, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
			}
			a.F = math.Float32frombits(v)
			return n, nil
		case 3:
			v, n, err := consumeVarint(typ, b)
			a.I = int64(v)
			return n, err
		case 4:
			v, n, err := consumeBytes(typ, b)
			a.S = append([]byte(nil), v...)
			return n, err
		case 8:
			return consumeInt64s(typ, b, &a.Ints)
		case 20:
			v, n, err := consumeVarint(typ, b)
			a.Type = int32(v)
			return n, err
		}
		return -1, nil
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

func unmarshalTensor(b []byte) (*tensorProto, error) {
	t := &tensorProto{}
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeInt64s(typ, b, &t.Dims)
		case 2:
			v, n, err := consumeVarint(typ, b)
			t.DataType = int32(v)
			return n, err
		case 4:
			if typ == protowire.Fixed32Type {
				v, n := protowire.ConsumeFixed32(b)
				if n < 0 {
					return 0, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
				}
				t.FloatData = append(t.FloatData, math.Float32frombits(v))
				return n, nil
			}
			packed, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			if len(packed)%4 != 0 {
				return 0, fmt.Errorf("%w: float_data length %d", ErrMalformed, len(packed))
			}
			for len(packed) > 0 {
				v, _ := protowire.ConsumeFixed32(packed)
				t.FloatData = append(t.FloatData, math.Float32frombits(v))
				packed = packed[4:]
			}
			return n, nil
		case 8:
			v, n, err := consumeBytes(typ, b)
			t.Name = string(v)
			return n, err
		}
		return -1, nil
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

func unmarshalValueInfo(b []byte) (*valueInfo, error) {
	vi := &valueInfo{}
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeBytes(typ, b)
			vi.Name = string(v)
			return n, err
		case 2:
			typeProto, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			return n, walk(typeProto, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
				if num != 1 {
					return -1, nil
				}
				tensor, n, err := consumeBytes(typ, b)
				if err != nil {
					return 0, err
				}
				return n, vi.unmarshalTensorType(tensor)
			})
		}
		return -1, nil
	})
	if err != nil {
		return nil, err
	}
	return vi, nil
}

func (vi *valueInfo) unmarshalTensorType(b []byte) error {
	return walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeVarint(typ, b)
			vi.ElemType = int32(v)
			return n, err
		case 2:
			shape, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			return n, walk(shape, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
				if num != 1 {
					return -1, nil
				}
				dim, n, err := consumeBytes(typ, b)
				if err != nil {
					return 0, err
				}
				value := int64(-1)
				err = walk(dim, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
					if num != 1 {
						return -1, nil
					}
					v, n, err := consumeVarint(typ, b)
					value = int64(v)
					return n, err
				})
				vi.Shape = append(vi.Shape, value)
				return n, err
			})
		}
		return -1, nil
	})
}
