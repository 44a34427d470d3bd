// Package arrowrpc carries model-service calls over Apache Arrow Flight.
//
// Each call is one DoExchange: the client sends a single record whose flight
// descriptor command names the method, and the server answers with a single
// record. Tensors travel as FixedSizeList<float32> columns with one row per
// batch element; the per-row shape is stored in schema metadata under
// "<column>.shape".
package arrowrpc

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-stipple/internal/tensor"
)

// Method names carried in the flight descriptor.
const (
	MethodPredictNoise = "predict_noise"
	MethodEncodeText   = "encode_text"
	MethodDecodeLatent = "decode_latent"
	MethodCheckSafety  = "check_safety"
	MethodEchoToken    = "echo_token"
)

// Column names.
const (
	ColX         = "x"
	ColT         = "t"
	ColCond      = "cond"
	ColEps       = "eps"
	ColPrompt    = "prompt"
	ColEmbedding = "embedding"
	ColLatent    = "latent"
	ColPixels    = "pixels"
	ColFlagged   = "flagged"
	ColToken     = "token"
)

const shapeSuffix = ".shape"

var ErrBadMessage = errors.New("malformed arrowrpc message")

// Message is the decoded form of one record. All columns share a row count.
type Message struct {
	Tensors map[string]*tensor.Tensor
	Floats  map[string][]float64
	Strings map[string][]string
	Bools   map[string][]bool
	Ints    map[string][]int64
}

func NewMessage() *Message {
	return &Message{
		Tensors: make(map[string]*tensor.Tensor),
		Floats:  make(map[string][]float64),
		Strings: make(map[string][]string),
		Bools:   make(map[string][]bool),
		Ints:    make(map[string][]int64),
	}
}

// Rows checks that every column has the same length and returns it.
func (m *Message) Rows() (int, error) {
	rows := -1
	check := func(name string, n int) error {
		if rows == -1 {
			rows = n
		} else if n != rows {
			return fmt.Errorf("%w: column %s has %d rows, expected %d", ErrBadMessage, name, n, rows)
		}
		return nil
	}
	for k, t := range m.Tensors {
		if err := check(k, t.Batch()); err != nil {
			return 0, err
		}
	}
	for k, v := range m.Floats {
		if err := check(k, len(v)); err != nil {
			return 0, err
		}
	}
	for k, v := range m.Strings {
		if err := check(k, len(v)); err != nil {
			return 0, err
		}
	}
	for k, v := range m.Bools {
		if err := check(k, len(v)); err != nil {
			return 0, err
		}
	}
	for k, v := range m.Ints {
		if err := check(k, len(v)); err != nil {
			return 0, err
		}
	}
	if rows <= 0 {
		return 0, fmt.Errorf("%w: no rows", ErrBadMessage)
	}
	return rows, nil
}

// Tensor returns a named tensor column or an error naming the method.
func (m *Message) Tensor(name string) (*tensor.Tensor, error) {
	t, ok := m.Tensors[name]
	if !ok {
		return nil, fmt.Errorf("%w: missing tensor column %q", ErrBadMessage, name)
	}
	return t, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Encode builds a record from m. The caller releases it.
func Encode(mem memory.Allocator, m *Message) (arrow.Record, error) {
	rows, err := m.Rows()
	if err != nil {
		return nil, err
	}

	var (
		fields   []arrow.Field
		mdKeys   []string
		mdValues []string
	)
	for _, k := range sortedKeys(m.Tensors) {
		t := m.Tensors[k]
		if len(t.Shape) < 2 {
			return nil, fmt.Errorf("%w: tensor %s needs a batch and a row dimension, got %v", ErrBadMessage, k, t.Shape)
		}
		fields = append(fields, arrow.Field{Name: k, Type: arrow.FixedSizeListOf(int32(t.RowLen()), arrow.PrimitiveTypes.Float32)})
		mdKeys = append(mdKeys, k+shapeSuffix)
		mdValues = append(mdValues, formatShape(t.Shape[1:]))
	}
	for _, k := range sortedKeys(m.Floats) {
		fields = append(fields, arrow.Field{Name: k, Type: arrow.PrimitiveTypes.Float64})
	}
	for _, k := range sortedKeys(m.Strings) {
		fields = append(fields, arrow.Field{Name: k, Type: arrow.BinaryTypes.String})
	}
	for _, k := range sortedKeys(m.Bools) {
		fields = append(fields, arrow.Field{Name: k, Type: arrow.FixedWidthTypes.Boolean})
	}
	for _, k := range sortedKeys(m.Ints) {
		fields = append(fields, arrow.Field{Name: k, Type: arrow.PrimitiveTypes.Int64})
	}

	md := arrow.NewMetadata(mdKeys, mdValues)
	schema := arrow.NewSchema(fields, &md)
	b := array.NewRecordBuilder(mem, schema)
	defer b.Release()

	for i, f := range fields {
		switch fb := b.Field(i).(type) {
		case *array.FixedSizeListBuilder:
			t := m.Tensors[f.Name]
			vb := fb.ValueBuilder().(*array.Float32Builder)
			vb.Reserve(t.Len())
			for r := 0; r < rows; r++ {
				fb.Append(true)
				for _, v := range t.Row(r) {
					vb.Append(float32(v))
				}
			}
		case *array.Float64Builder:
			fb.AppendValues(m.Floats[f.Name], nil)
		case *array.StringBuilder:
			fb.AppendValues(m.Strings[f.Name], nil)
		case *array.BooleanBuilder:
			fb.AppendValues(m.Bools[f.Name], nil)
		case *array.Int64Builder:
			fb.AppendValues(m.Ints[f.Name], nil)
		default:
			return nil, fmt.Errorf("%w: no builder for column %s", ErrBadMessage, f.Name)
		}
	}
	return b.NewRecord(), nil
}

// Decode copies a record into a Message. rec is not retained.
func Decode(rec arrow.Record) (*Message, error) {
	m := NewMessage()
	schema := rec.Schema()
	md := schema.Metadata()
	rows := int(rec.NumRows())

	for i, f := range schema.Fields() {
		col := rec.Column(i)
		switch c := col.(type) {
		case *array.FixedSizeList:
			idx := md.FindKey(f.Name + shapeSuffix)
			if idx < 0 {
				return nil, fmt.Errorf("%w: column %s has no shape metadata", ErrBadMessage, f.Name)
			}
			rowShape, err := parseShape(md.Values()[idx])
			if err != nil {
				return nil, fmt.Errorf("%w: column %s: %v", ErrBadMessage, f.Name, err)
			}
			width := int(c.DataType().(*arrow.FixedSizeListType).Len())
			if numel(rowShape) != width {
				return nil, fmt.Errorf("%w: column %s shape %v does not match list width %d", ErrBadMessage, f.Name, rowShape, width)
			}
			values, ok := c.ListValues().(*array.Float32)
			if !ok {
				return nil, fmt.Errorf("%w: column %s is not float32", ErrBadMessage, f.Name)
			}
			raw := values.Float32Values()
			base := c.Data().Offset() * width
			if len(raw) < base+rows*width {
				return nil, fmt.Errorf("%w: column %s is truncated", ErrBadMessage, f.Name)
			}
			t := tensor.New(append([]int{rows}, rowShape...)...)
			for j := range t.Data {
				t.Data[j] = float64(raw[base+j])
			}
			m.Tensors[f.Name] = t
		case *array.Float64:
			m.Floats[f.Name] = append([]float64(nil), c.Float64Values()...)
		case *array.String:
			s := make([]string, c.Len())
			for j := range s {
				s[j] = c.Value(j)
			}
			m.Strings[f.Name] = s
		case *array.Boolean:
			b := make([]bool, c.Len())
			for j := range b {
				b[j] = c.Value(j)
			}
			m.Bools[f.Name] = b
		case *array.Int64:
			m.Ints[f.Name] = append([]int64(nil), c.Int64Values()...)
		default:
			return nil, fmt.Errorf("%w: column %s has unsupported type %s", ErrBadMessage, f.Name, col.DataType())
		}
	}
	return m, nil
}

func formatShape(shape []int) string {
	parts := make([]string, len(shape))
	for i, d := range shape {
		parts[i] = strconv.Itoa(d)
	}
	return strings.Join(parts, ",")
}

func parseShape(s string) ([]int, error) {
	if s == "" {
		return nil, errors.New("empty shape")
	}
	parts := strings.Split(s, ",")
	shape := make([]int, len(parts))
	for i, p := range parts {
		d, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || d < 1 {
			return nil, fmt.Errorf("bad dimension %q", p)
		}
		shape[i] = d
	}
	return shape, nil
}

func numel(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}
