package main

// ===========================================================================
// WHAT'S GOING ON HERE: Reduced precision storage
// ===========================================================================
//
// Training math runs in float64. Weights leave the process in one of three
// storage formats, chosen by RWKV_FLOAT_MODE at the CLI edge:
//
//   fp16  IEEE 754 half:  1 sign, 5 exponent, 10 mantissa bits
//         range ±65,504, ~3 decimal digits
//   bf16  bfloat16:       1 sign, 8 exponent, 7 mantissa bits
//         float32 range, ~2 decimal digits
//   fp32  IEEE 754 single (tf32 is a matmul mode, stored as fp32)
//
// bf16 keeps float32's exponent, so an init value like 1e-20 survives the
// cast while fp16 flushes it to zero. The conversions themselves come from
// x448/float16 and d4l3k/go-bfloat16.
//
// The same float32 packing backs the offload paths (checkpointed block
// inputs and OffloadAdam moments).
//
// ===========================================================================

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"

	bfloat16 "github.com/d4l3k/go-bfloat16"
	orderedmap "github.com/wk8/go-ordered-map/v2"
	"github.com/x448/float16"
)

// ErrPrecision reports an unknown or missing float mode.
var ErrPrecision = errors.New("precision: unknown float mode")

// Precision is the storage format of persisted weights.
type Precision int

const (
	// PrecisionUnset is the zero value; Config.Validate rejects it.
	PrecisionUnset Precision = iota
	PrecisionFP32
	PrecisionFP16
	PrecisionBF16
)

// ParsePrecision accepts the RWKV_FLOAT_MODE spellings.
func ParsePrecision(s string) (Precision, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "fp32", "tf32", "f32", "32":
		return PrecisionFP32, nil
	case "fp16", "f16", "16":
		return PrecisionFP16, nil
	case "bf16", "bfloat16":
		return PrecisionBF16, nil
	default:
		return PrecisionUnset, fmt.Errorf("%w: %q", ErrPrecision, s)
	}
}

// Valid reports whether p names a storage format.
func (p Precision) Valid() bool {
	return p >= PrecisionFP32 && p <= PrecisionBF16
}

func (p Precision) String() string {
	switch p {
	case PrecisionUnset:
		return "unset"
	case PrecisionFP32:
		return "fp32"
	case PrecisionFP16:
		return "fp16"
	case PrecisionBF16:
		return "bf16"
	default:
		return fmt.Sprintf("Precision(%d)", int(p))
	}
}

// DType is the safetensors dtype tag.
func (p Precision) DType() string {
	switch p {
	case PrecisionFP16:
		return "F16"
	case PrecisionBF16:
		return "BF16"
	default:
		return "F32"
	}
}

// ElemSize is the number of bytes per element.
func (p Precision) ElemSize() int {
	if p == PrecisionFP32 {
		return 4
	}
	return 2
}

func precisionFromDType(dtype string) (Precision, error) {
	switch dtype {
	case "F32":
		return PrecisionFP32, nil
	case "F16":
		return PrecisionFP16, nil
	case "BF16":
		return PrecisionBF16, nil
	default:
		return PrecisionUnset, fmt.Errorf("%w: dtype %q", ErrPrecision, dtype)
	}
}

// StoredTensor is a tensor encoded little-endian in a reduced precision.
type StoredTensor struct {
	Precision Precision
	Shape     []int
	Data      []byte
}

// CastTensor rounds t to the given precision.
func CastTensor(t *Tensor, p Precision) *StoredTensor {
	return NewStoredTensor(packFloat32(t.data), t.Shape(), p)
}

// NewStoredTensor encodes float32 values in the given precision.
func NewStoredTensor(f32s []float32, shape []int, p Precision) *StoredTensor {
	var data []byte
	switch p {
	case PrecisionFP16:
		data = make([]byte, 2*len(f32s))
		for i, v := range f32s {
			binary.LittleEndian.PutUint16(data[2*i:], float16.Fromfloat32(v).Bits())
		}
	case PrecisionBF16:
		data = bfloat16.EncodeFloat32(roundBF16(f32s))
	default:
		data = make([]byte, 4*len(f32s))
		for i, v := range f32s {
			binary.LittleEndian.PutUint32(data[4*i:], math.Float32bits(v))
		}
	}

	return &StoredTensor{Precision: p, Shape: append([]int(nil), shape...), Data: data}
}

// Float32s decodes the stored values.
func (st *StoredTensor) Float32s() []float32 {
	switch st.Precision {
	case PrecisionFP16:
		out := make([]float32, len(st.Data)/2)
		for i := range out {
			out[i] = float16.Frombits(binary.LittleEndian.Uint16(st.Data[2*i:])).Float32()
		}
		return out
	case PrecisionBF16:
		return bfloat16.DecodeFloat32(st.Data)
	default:
		out := make([]float32, len(st.Data)/4)
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(st.Data[4*i:]))
		}
		return out
	}
}

// Tensor widens the stored values back to a float64 tensor.
func (st *StoredTensor) Tensor() *Tensor {
	return NewTensorFrom(unpackFloat32(st.Float32s()), st.Shape...)
}

// StateDict is an ordered name → stored tensor mapping.
type StateDict struct {
	*orderedmap.OrderedMap[string, *StoredTensor]
}

// NewStateDict returns an empty mapping.
func NewStateDict() *StateDict {
	return &StateDict{orderedmap.New[string, *StoredTensor]()}
}

// Names returns the keys in insertion order.
func (sd *StateDict) Names() []string {
	names := make([]string, 0, sd.Len())
	for pair := sd.Oldest(); pair != nil; pair = pair.Next() {
		names = append(names, pair.Key)
	}
	return names
}

// Bytes is the total encoded size.
func (sd *StateDict) Bytes() int {
	n := 0
	for pair := sd.Oldest(); pair != nil; pair = pair.Next() {
		n += len(pair.Value.Data)
	}
	return n
}

// roundBF16 rounds each value to nearest-even at bf16 precision, so the
// truncating encoder keeps the correct upper half. NaNs pass through.
func roundBF16(f32s []float32) []float32 {
	out := make([]float32, len(f32s))
	for i, v := range f32s {
		if math.IsNaN(float64(v)) {
			out[i] = v
			continue
		}
		u := math.Float32bits(v)
		u += 0x7FFF + (u>>16)&1
		out[i] = math.Float32frombits(u)
	}
	return out
}

func packFloat32(src []float64) []float32 {
	out := make([]float32, len(src))
	for i, v := range src {
		out[i] = float32(v)
	}
	return out
}

func unpackFloat32(src []float32) []float64 {
	out := make([]float64, len(src))
	for i, v := range src {
		out[i] = float64(v)
	}
	return out
}
