package gguf

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/x448/float16"
)

// Block sizes
const (
	BlockSizeQ8_0 = 32
	BlockSizeQ4K  = 256
)

// Float32s decodes the tensor into float32 values.
func (t *TensorInfo) Float32s() ([]float32, error) {
	n := int(t.NumElements())
	if size := t.SizeBytes(); size == 0 {
		return nil, fmt.Errorf("tensor %s: cannot decode type %s", t.Name, t.Type)
	} else if uint64(len(t.Data)) < size {
		return nil, fmt.Errorf("tensor %s: have %d bytes, need %d", t.Name, len(t.Data), size)
	}

	switch t.Type {
	case GGMLTypeF32:
		out := make([]float32, n)
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(t.Data[i*4:]))
		}
		return out, nil
	case GGMLTypeF16:
		out := make([]float32, n)
		for i := range out {
			out[i] = float16.Frombits(binary.LittleEndian.Uint16(t.Data[i*2:])).Float32()
		}
		return out, nil
	case GGMLTypeQ8_0:
		if n%BlockSizeQ8_0 != 0 {
			return nil, fmt.Errorf("tensor %s: %d elements is not a multiple of %d", t.Name, n, BlockSizeQ8_0)
		}
		return DequantizeQ8_0(t.Data, n), nil
	case GGMLTypeQ4_K:
		if n%BlockSizeQ4K != 0 {
			return nil, fmt.Errorf("tensor %s: %d elements is not a multiple of %d", t.Name, n, BlockSizeQ4K)
		}
		return DequantizeQ4K(t.Data, n), nil
	}
	return nil, fmt.Errorf("tensor %s: no decoder for type %s", t.Name, t.Type)
}

// Float64s decodes the tensor and widens it.
func (t *TensorInfo) Float64s() ([]float64, error) {
	f32, err := t.Float32s()
	if err != nil {
		return nil, err
	}
	out := make([]float64, len(f32))
	for i, v := range f32 {
		out[i] = float64(v)
	}
	return out, nil
}

// DequantizeQ8_0 converts Q8_0 blocks to float32.
// Layout (34 bytes per 32 weights):
// - d (f16): block scale
// - qs (32 x int8)
func DequantizeQ8_0(data []byte, numElements int) []float32 {
	const blockSizeBytes = 34
	out := make([]float32, numElements)
	for i := 0; i < numElements/BlockSizeQ8_0; i++ {
		block := data[i*blockSizeBytes : (i+1)*blockSizeBytes]
		d := float16.Frombits(binary.LittleEndian.Uint16(block[0:2])).Float32()
		for j := 0; j < BlockSizeQ8_0; j++ {
			out[i*BlockSizeQ8_0+j] = d * float32(int8(block[2+j]))
		}
	}
	return out
}

// DequantizeQ4K converts a Q4_K quantized tensor data to Float32.
// Layout:
// - d (f16): super-block scale
// - dmin (f16): super-block min
// - scales (12 bytes): 6-bit scales and mins for 8 sub-blocks
// - qs (128 bytes): 4-bit quants
func DequantizeQ4K(data []byte, numElements int) []float32 {
	const blockSizeBytes = 144
	numBlocks := numElements / BlockSizeQ4K
	out := make([]float32, numElements)

	for i := 0; i < numBlocks; i++ {
		blockOffset := i * blockSizeBytes
		if blockOffset+blockSizeBytes > len(data) {
			break
		}
		block := data[blockOffset : blockOffset+blockSizeBytes]

		d := float16.Frombits(binary.LittleEndian.Uint16(block[0:2])).Float32()
		dmin := float16.Frombits(binary.LittleEndian.Uint16(block[2:4])).Float32()
		scales := block[4:16]
		qs := block[16:144]

		for j := 0; j < 8; j++ {
			var sc, m uint8
			if j < 4 {
				sc = scales[j] & 63
				m = scales[j+4] & 63
			} else {
				sc = (scales[j+4] & 0xF) | ((scales[j-4] >> 6) << 4)
				m = (scales[j+4] >> 4) | ((scales[j] >> 6) << 4)
			}
			scale := d * float32(sc)
			bias := dmin * float32(m)

			// byte k holds the low nibble of weight k and the high nibble of weight k+16
			for k := 0; k < 16; k++ {
				b := qs[j*16+k]
				idx := i*BlockSizeQ4K + j*32 + k
				out[idx] = scale*float32(b&0xF) - bias
				out[idx+16] = scale*float32(b>>4) - bias
			}
		}
	}
	return out
}
