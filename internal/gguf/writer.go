package gguf

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/x448/float16"
)

// Writer assembles a GGUF v3 file in memory. Keys and tensors are written in
// insertion order.
type Writer struct {
	kv      []kvEntry
	tensors []tensorEntry
}

type kvEntry struct {
	key   string
	value interface{}
}

type tensorEntry struct {
	name string
	dims []uint64
	typ  GGMLType
	data []byte
}

func NewWriter() *Writer {
	return &Writer{}
}

// Set adds a metadata value. Supported types are string, bool, uint8,
// uint32, uint64, int32, int64, float32, float64, []string and []float32.
func (w *Writer) Set(key string, value interface{}) error {
	switch value.(type) {
	case string, bool, uint8, uint32, uint64, int32, int64, float32, float64, []string, []float32:
	default:
		return fmt.Errorf("gguf writer: unsupported value type %T for %q", value, key)
	}
	w.kv = append(w.kv, kvEntry{key: key, value: value})
	return nil
}

// AddF32 adds a float32 tensor. dims lists ne from the fastest dimension.
func (w *Writer) AddF32(name string, dims []uint64, values []float32) error {
	if err := checkCount(name, dims, len(values)); err != nil {
		return err
	}
	buf := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	w.tensors = append(w.tensors, tensorEntry{name: name, dims: dims, typ: GGMLTypeF32, data: buf})
	return nil
}

// AddF16 adds a tensor stored as IEEE half floats.
func (w *Writer) AddF16(name string, dims []uint64, values []float32) error {
	if err := checkCount(name, dims, len(values)); err != nil {
		return err
	}
	buf := make([]byte, 2*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint16(buf[i*2:], float16.Fromfloat32(v).Bits())
	}
	w.tensors = append(w.tensors, tensorEntry{name: name, dims: dims, typ: GGMLTypeF16, data: buf})
	return nil
}

func checkCount(name string, dims []uint64, n int) error {
	want := uint64(1)
	for _, d := range dims {
		want *= d
	}
	if want != uint64(n) {
		return fmt.Errorf("gguf writer: tensor %s has %d values for dims %v", name, n, dims)
	}
	return nil
}

// WriteTo encodes the file.
func (w *Writer) WriteTo(out io.Writer) (int64, error) {
	var b bytes.Buffer
	le := binary.LittleEndian

	_ = binary.Write(&b, le, uint32(GGUFMagic))
	_ = binary.Write(&b, le, uint32(GGUFVersion))
	_ = binary.Write(&b, le, uint64(len(w.tensors)))
	_ = binary.Write(&b, le, uint64(len(w.kv)))

	for _, e := range w.kv {
		writeString(&b, e.key)
		writeValue(&b, e.value)
	}

	var offset uint64
	for _, t := range w.tensors {
		writeString(&b, t.name)
		_ = binary.Write(&b, le, uint32(len(t.dims)))
		for _, d := range t.dims {
			_ = binary.Write(&b, le, d)
		}
		_ = binary.Write(&b, le, uint32(t.typ))
		_ = binary.Write(&b, le, offset)
		offset += align(uint64(len(t.data)))
	}

	b.Write(make([]byte, align(uint64(b.Len()))-uint64(b.Len())))
	for _, t := range w.tensors {
		b.Write(t.data)
		b.Write(make([]byte, align(uint64(len(t.data)))-uint64(len(t.data))))
	}

	return b.WriteTo(out)
}

// WriteFile encodes the file to path.
func (w *Writer) WriteFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := w.WriteTo(f); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func align(n uint64) uint64 {
	if r := n % DefaultAlignment; r != 0 {
		return n + DefaultAlignment - r
	}
	return n
}

func writeString(b *bytes.Buffer, s string) {
	_ = binary.Write(b, binary.LittleEndian, uint64(len(s)))
	b.WriteString(s)
}

func writeValue(b *bytes.Buffer, v interface{}) {
	le := binary.LittleEndian
	switch x := v.(type) {
	case string:
		_ = binary.Write(b, le, uint32(GGUFMetadataValueTypeString))
		writeString(b, x)
	case bool:
		_ = binary.Write(b, le, uint32(GGUFMetadataValueTypeBool))
		_ = binary.Write(b, le, x)
	case uint8:
		_ = binary.Write(b, le, uint32(GGUFMetadataValueTypeUint8))
		b.WriteByte(x)
	case uint32:
		_ = binary.Write(b, le, uint32(GGUFMetadataValueTypeUint32))
		_ = binary.Write(b, le, x)
	case uint64:
		_ = binary.Write(b, le, uint32(GGUFMetadataValueTypeUint64))
		_ = binary.Write(b, le, x)
	case int32:
		_ = binary.Write(b, le, uint32(GGUFMetadataValueTypeInt32))
		_ = binary.Write(b, le, x)
	case int64:
		_ = binary.Write(b, le, uint32(GGUFMetadataValueTypeInt64))
		_ = binary.Write(b, le, x)
	case float32:
		_ = binary.Write(b, le, uint32(GGUFMetadataValueTypeFloat32))
		_ = binary.Write(b, le, x)
	case float64:
		_ = binary.Write(b, le, uint32(GGUFMetadataValueTypeFloat64))
		_ = binary.Write(b, le, x)
	case []string:
		_ = binary.Write(b, le, uint32(GGUFMetadataValueTypeArray))
		_ = binary.Write(b, le, uint32(GGUFMetadataValueTypeString))
		_ = binary.Write(b, le, uint64(len(x)))
		for _, s := range x {
			writeString(b, s)
		}
	case []float32:
		_ = binary.Write(b, le, uint32(GGUFMetadataValueTypeArray))
		_ = binary.Write(b, le, uint32(GGUFMetadataValueTypeFloat32))
		_ = binary.Write(b, le, uint64(len(x)))
		_ = binary.Write(b, le, x)
	}
}
