package device

import (
	"encoding/binary"
	"fmt"
	"math"

	bfloat16 "github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

// ReadFloat32 decodes the tensor into dst, which must hold Elements() values.
func (t Tensor) ReadFloat32(dst []float32) error {
	n := t.Elements()
	if len(dst) < n {
		return Preconditionf("read %s: destination holds %d of %d elements", t.Type, len(dst), n)
	}
	raw := t.Raw()
	switch t.Type {
	case TypeFP32:
		for i := 0; i < n; i++ {
			dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
		}
	case TypeFP16:
		for i := 0; i < n; i++ {
			dst[i] = float16.Frombits(binary.LittleEndian.Uint16(raw[2*i:])).Float32()
		}
	case TypeBF16:
		copy(dst, bfloat16.DecodeFloat32(raw))
	case TypeINT8:
		for i := 0; i < n; i++ {
			dst[i] = float32(int8(raw[i]))
		}
	default:
		return fmt.Errorf("read float32: unsupported data type %s", t.Type)
	}
	return nil
}

// WriteFloat32 encodes src into the tensor's storage.
func (t Tensor) WriteFloat32(src []float32) error {
	n := t.Elements()
	if len(src) < n {
		return Preconditionf("write %s: source holds %d of %d elements", t.Type, len(src), n)
	}
	raw := t.Raw()
	switch t.Type {
	case TypeFP32:
		for i := 0; i < n; i++ {
			binary.LittleEndian.PutUint32(raw[4*i:], math.Float32bits(src[i]))
		}
	case TypeFP16:
		for i := 0; i < n; i++ {
			binary.LittleEndian.PutUint16(raw[2*i:], float16.Fromfloat32(src[i]).Bits())
		}
	case TypeBF16:
		copy(raw, bfloat16.EncodeFloat32(src[:n]))
	default:
		return fmt.Errorf("write float32: unsupported data type %s", t.Type)
	}
	return nil
}

// Float32s copies the tensor to a fresh host slice.
func (t Tensor) Float32s() ([]float32, error) {
	out := make([]float32, t.Elements())
	if err := t.ReadFloat32(out); err != nil {
		return nil, err
	}
	return out, nil
}

// FromFloat32 builds a host tensor of type dt holding data.
func FromFloat32(dt DataType, data []float32, shape ...int) (Tensor, error) {
	t := NewTensor(dt, shape...)
	if t.Elements() != len(data) {
		return Tensor{}, &ShapeError{Op: "from float32", Want: shape, Got: []int{len(data)}}
	}
	if err := t.WriteFloat32(data); err != nil {
		return Tensor{}, err
	}
	return t, nil
}

// FromInt32 builds a host INT32 tensor.
func FromInt32(data []int32, shape ...int) Tensor {
	t := NewTensor(TypeINT32, shape...)
	for i, v := range data {
		t.SetInt32(i, v)
	}
	return t
}

// FromBool builds a host BOOL tensor.
func FromBool(data []bool, shape ...int) Tensor {
	t := NewTensor(TypeBool, shape...)
	for i, v := range data {
		t.SetBool(i, v)
	}
	return t
}

// Scalar builds a one-element INT32 tensor, the host-side form of step,
// ite and the max-length arguments.
func Scalar(v int) Tensor {
	return FromInt32([]int32{int32(v)}, 1)
}

// Float32At decodes element i of a floating point tensor.
func (t Tensor) Float32At(i int) float32 {
	raw := t.Raw()
	switch t.Type {
	case TypeFP32:
		return math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
	case TypeFP16:
		return float16.Frombits(binary.LittleEndian.Uint16(raw[2*i:])).Float32()
	case TypeBF16:
		return bfloat16.DecodeFloat32(raw[2*i : 2*i+2])[0]
	case TypeINT8:
		return float32(int8(raw[i]))
	}
	return 0
}

// SetFloat32 encodes v into element i of a floating point tensor.
func (t Tensor) SetFloat32(i int, v float32) {
	raw := t.Raw()
	switch t.Type {
	case TypeFP32:
		binary.LittleEndian.PutUint32(raw[4*i:], math.Float32bits(v))
	case TypeFP16:
		binary.LittleEndian.PutUint16(raw[2*i:], float16.Fromfloat32(v).Bits())
	case TypeBF16:
		copy(raw[2*i:2*i+2], bfloat16.EncodeFloat32([]float32{v}))
	}
}
