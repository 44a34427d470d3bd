package gguf

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"syscall"

	"github.com/23skdu/longbow-stipple/internal/logger"
)

// LoadFile maps a GGUF file into memory and parses headers/metadata.
func LoadFile(path string) (*GGUFFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = f.Close() // the mapping outlives the descriptor
	}()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := info.Size()
	if size < 24 {
		return nil, io.ErrUnexpectedEOF
	}

	data, err := syscall.Mmap(int(f.Fd()), 0, int(size), syscall.PROT_READ, syscall.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap failed: %w", err)
	}

	file, err := Parse(data)
	if err != nil {
		_ = syscall.Munmap(data)
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	file.mapped = true
	logger.Log.Debug("gguf loaded", "path", path, "version", file.Header.Version,
		"tensors", file.Header.TensorCount, "kv", file.Header.KVCount)
	return file, nil
}

// Parse decodes a GGUF image held in memory. Tensor data slices alias data.
func Parse(data []byte) (*GGUFFile, error) {
	r := &cursor{data: data}
	file := &GGUFFile{
		Data: data,
		KV:   make(map[string]interface{}),
	}

	var err error
	if file.Header.Magic, err = r.u32(); err != nil {
		return nil, err
	}
	if file.Header.Magic != GGUFMagic {
		return nil, ErrInvalidMagic{Magic: file.Header.Magic}
	}
	if file.Header.Version, err = r.u32(); err != nil {
		return nil, err
	}
	if file.Header.Version < 2 || file.Header.Version > 3 {
		return nil, ErrUnsupportedVersion{Version: file.Header.Version}
	}
	if file.Header.TensorCount, err = r.u64(); err != nil {
		return nil, err
	}
	if file.Header.KVCount, err = r.u64(); err != nil {
		return nil, err
	}

	for i := uint64(0); i < file.Header.KVCount; i++ {
		k, err := r.str()
		if err != nil {
			return nil, fmt.Errorf("kv %d key: %w", i, err)
		}
		typ, err := r.u32()
		if err != nil {
			return nil, err
		}
		val, err := r.value(GGUFMetadataValueType(typ))
		if err != nil {
			return nil, fmt.Errorf("kv %q: %w", k, err)
		}
		file.KV[k] = val
	}

	for i := uint64(0); i < file.Header.TensorCount; i++ {
		name, err := r.str()
		if err != nil {
			return nil, fmt.Errorf("tensor %d name: %w", i, err)
		}
		dims, err := r.u32()
		if err != nil {
			return nil, err
		}
		if dims > 8 {
			return nil, fmt.Errorf("tensor %s: implausible rank %d", name, dims)
		}
		dimArr := make([]uint64, dims)
		for j := range dimArr {
			if dimArr[j], err = r.u64(); err != nil {
				return nil, err
			}
		}
		typ, err := r.u32()
		if err != nil {
			return nil, err
		}
		off, err := r.u64()
		if err != nil {
			return nil, err
		}
		file.Tensors = append(file.Tensors, &TensorInfo{
			Name:       name,
			Dimensions: dimArr,
			Type:       GGMLType(typ),
			Offset:     off,
		})
	}

	alignment := uint64(DefaultAlignment)
	if a, ok := file.KV["general.alignment"]; ok {
		if v, ok := toUint64(a); ok && v > 0 {
			alignment = v
		}
	}
	offset := r.off
	if pad := offset % alignment; pad != 0 {
		offset += alignment - pad
	}
	file.DataOffset = offset

	for _, t := range file.Tensors {
		start := offset + t.Offset
		end := start + t.SizeBytes()
		if start > uint64(len(data)) || end > uint64(len(data)) {
			return nil, fmt.Errorf("tensor %s: data [%d, %d) out of bounds (file is %d bytes)", t.Name, start, end, len(data))
		}
		if t.SizeBytes() == 0 {
			t.Data = data[start:]
		} else {
			t.Data = data[start:end]
		}
	}

	return file, nil
}

// cursor reads little-endian values with bounds checks.
type cursor struct {
	data []byte
	off  uint64
}

func (c *cursor) need(n uint64) error {
	if c.off+n > uint64(len(c.data)) || c.off+n < c.off {
		return io.ErrUnexpectedEOF
	}
	return nil
}

func (c *cursor) u8() (uint8, error) {
	if err := c.need(1); err != nil {
		return 0, err
	}
	v := c.data[c.off]
	c.off++
	return v, nil
}

func (c *cursor) u16() (uint16, error) {
	if err := c.need(2); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint16(c.data[c.off:])
	c.off += 2
	return v, nil
}

func (c *cursor) u32() (uint32, error) {
	if err := c.need(4); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint32(c.data[c.off:])
	c.off += 4
	return v, nil
}

func (c *cursor) u64() (uint64, error) {
	if err := c.need(8); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint64(c.data[c.off:])
	c.off += 8
	return v, nil
}

func (c *cursor) str() (string, error) {
	n, err := c.u64()
	if err != nil {
		return "", err
	}
	if err := c.need(n); err != nil {
		return "", err
	}
	s := string(c.data[c.off : c.off+n])
	c.off += n
	return s, nil
}

func (c *cursor) value(typ GGUFMetadataValueType) (interface{}, error) {
	switch typ {
	case GGUFMetadataValueTypeUint8:
		return c.u8()
	case GGUFMetadataValueTypeInt8:
		v, err := c.u8()
		return int8(v), err
	case GGUFMetadataValueTypeUint16:
		return c.u16()
	case GGUFMetadataValueTypeInt16:
		v, err := c.u16()
		return int16(v), err
	case GGUFMetadataValueTypeUint32:
		return c.u32()
	case GGUFMetadataValueTypeInt32:
		v, err := c.u32()
		return int32(v), err
	case GGUFMetadataValueTypeFloat32:
		v, err := c.u32()
		return math.Float32frombits(v), err
	case GGUFMetadataValueTypeBool:
		v, err := c.u8()
		return v != 0, err
	case GGUFMetadataValueTypeString:
		return c.str()
	case GGUFMetadataValueTypeArray:
		elemType, err := c.u32()
		if err != nil {
			return nil, err
		}
		n, err := c.u64()
		if err != nil {
			return nil, err
		}
		if n > uint64(len(c.data)) {
			return nil, fmt.Errorf("array length %d exceeds file size", n)
		}
		arr := make([]interface{}, 0, n)
		for i := uint64(0); i < n; i++ {
			v, err := c.value(GGUFMetadataValueType(elemType))
			if err != nil {
				return nil, err
			}
			arr = append(arr, v)
		}
		return arr, nil
	case GGUFMetadataValueTypeUint64:
		return c.u64()
	case GGUFMetadataValueTypeInt64:
		v, err := c.u64()
		return int64(v), err
	case GGUFMetadataValueTypeFloat64:
		v, err := c.u64()
		return math.Float64frombits(v), err
	default:
		return nil, fmt.Errorf("unsupported metadata type: %d", typ)
	}
}

func (f *GGUFFile) Close() error {
	if !f.mapped {
		return nil
	}
	f.mapped = false
	return syscall.Munmap(f.Data)
}

// Tensor looks a tensor up by name.
func (f *GGUFFile) Tensor(name string) (*TensorInfo, bool) {
	for _, t := range f.Tensors {
		if t.Name == name {
			return t, true
		}
	}
	return nil, false
}
