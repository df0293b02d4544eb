package device

import (
	"encoding/binary"
	"sync/atomic"
)

var bufferIDs atomic.Uint64

// Buffer is a raw device allocation. On the host backend it is a byte slice;
// the handle identity is what allocators reuse across calls.
type Buffer struct {
	id   uint64
	data []byte
}

// NewBuffer returns an unpooled buffer of n bytes. Allocator implementations
// use it; callers that own long-lived tensors (inputs, caches) may too.
func NewBuffer(n int) *Buffer {
	return &Buffer{id: bufferIDs.Add(1), data: make([]byte, n)}
}

func (b *Buffer) ID() uint64 {
	if b == nil {
		return 0
	}
	return b.id
}

func (b *Buffer) Len() int {
	if b == nil {
		return 0
	}
	return len(b.data)
}

// Bytes exposes the backing storage.
func (b *Buffer) Bytes() []byte {
	if b == nil {
		return nil
	}
	return b.data
}

// Tensor is a typed, shaped view into a Buffer starting at a byte offset.
// Views share storage: writing through one is visible through all others
// over the same region.
type Tensor struct {
	Type  DataType
	Shape []int

	buf  *Buffer
	off  int
	refs []Tensor
}

// NewTensor allocates fresh zeroed host storage for a tensor.
func NewTensor(dt DataType, shape ...int) Tensor {
	n := numElements(shape) * dt.Size()
	return Tensor{Type: dt, Shape: append([]int(nil), shape...), buf: NewBuffer(n)}
}

// FromBuffer views buf as a tensor starting at element offset off.
func FromBuffer(buf *Buffer, dt DataType, off int, shape ...int) (Tensor, error) {
	t := Tensor{Type: dt, Shape: append([]int(nil), shape...), buf: buf, off: off * dt.Size()}
	if t.off+t.Bytes() > buf.Len() {
		return Tensor{}, Preconditionf("view of %d elements at offset %d exceeds buffer of %d bytes",
			t.Elements(), off, buf.Len())
	}
	return t, nil
}

// Null is a declared tensor with no storage. Optional contract entries are
// passed as Null rather than omitted so tensor counts stay exact.
func Null(dt DataType, shape ...int) Tensor {
	return Tensor{Type: dt, Shape: append([]int(nil), shape...)}
}

// PointerArray wraps per-row tensors, e.g. per-sequence prefix prompts.
func PointerArray(refs []Tensor) Tensor {
	return Tensor{Type: TypePointer, Shape: []int{len(refs)}, refs: refs}
}

func numElements(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

func (t Tensor) Elements() int {
	return numElements(t.Shape)
}

func (t Tensor) Bytes() int {
	return t.Elements() * t.Type.Size()
}

// IsNil reports whether the tensor has neither storage nor references.
func (t Tensor) IsNil() bool {
	return t.buf == nil && t.refs == nil
}

func (t Tensor) Buffer() *Buffer {
	return t.buf
}

// Raw returns the bytes covered by the view.
func (t Tensor) Raw() []byte {
	if t.buf == nil {
		return nil
	}
	return t.buf.data[t.off : t.off+t.Bytes()]
}

// View returns a sub-tensor starting off elements into t with the given
// shape. The view must lie inside t.
func (t Tensor) View(off int, shape ...int) (Tensor, error) {
	v := Tensor{Type: t.Type, Shape: append([]int(nil), shape...), buf: t.buf, off: t.off + off*t.Type.Size()}
	if t.buf == nil {
		return v, nil
	}
	if off < 0 || off+v.Elements() > t.Elements() {
		return Tensor{}, Preconditionf("view [%d, %d) outside tensor of %d elements",
			off, off+v.Elements(), t.Elements())
	}
	return v, nil
}

// Reshape reinterprets t with a new shape of the same element count.
func (t Tensor) Reshape(shape ...int) (Tensor, error) {
	if numElements(shape) != t.Elements() {
		return Tensor{}, &ShapeError{Op: "reshape", Want: shape, Got: t.Shape}
	}
	v := t
	v.Shape = append([]int(nil), shape...)
	return v, nil
}

// Ref returns the i-th referenced tensor of a pointer array. A nil pointer
// array yields Null tensors.
func (t Tensor) Ref(i int) Tensor {
	if i < 0 || i >= len(t.refs) {
		return Tensor{}
	}
	return t.refs[i]
}

// Refs returns the referenced tensors in [start, start+n).
func (t Tensor) Refs(start, n int) Tensor {
	if t.refs == nil {
		return Null(TypePointer, n)
	}
	return PointerArray(t.refs[start : start+n])
}

func (t Tensor) Int32At(i int) int32 {
	return int32(binary.LittleEndian.Uint32(t.Raw()[4*i:]))
}

func (t Tensor) SetInt32(i int, v int32) {
	binary.LittleEndian.PutUint32(t.Raw()[4*i:], uint32(v))
}

func (t Tensor) Int8At(i int) int8 {
	return int8(t.Raw()[i])
}

func (t Tensor) BoolAt(i int) bool {
	return t.Raw()[i] != 0
}

func (t Tensor) SetBool(i int, v bool) {
	var b byte
	if v {
		b = 1
	}
	t.Raw()[i] = b
}

// Int32s copies an INT32 tensor to the host.
func (t Tensor) Int32s() []int32 {
	out := make([]int32, t.Elements())
	for i := range out {
		out[i] = t.Int32At(i)
	}
	return out
}

// Clone duplicates storage. Pointer arrays are cloned element-wise.
func (t Tensor) Clone() Tensor {
	if t.refs != nil {
		refs := make([]Tensor, len(t.refs))
		for i, r := range t.refs {
			refs[i] = r.Clone()
		}
		return PointerArray(refs)
	}
	if t.buf == nil {
		return Null(t.Type, t.Shape...)
	}
	c := NewTensor(t.Type, t.Shape...)
	copy(c.Raw(), t.Raw())
	return c
}

// TensorMap is the named-tensor contract used by every forward call and
// every sub-layer.
type TensorMap map[string]Tensor

// Get returns the named tensor, failing when it is absent.
func (m TensorMap) Get(name string) (Tensor, error) {
	t, ok := m[name]
	if !ok {
		return Tensor{}, Preconditionf("missing tensor %q", name)
	}
	return t, nil
}

// Expect checks that m holds exactly the given names.
func (m TensorMap) Expect(op string, names ...string) error {
	if len(m) != len(names) {
		return Preconditionf("%s: expected %d tensors, got %d", op, len(names), len(m))
	}
	for _, n := range names {
		if _, ok := m[n]; !ok {
			return Preconditionf("%s: missing tensor %q", op, n)
		}
	}
	return nil
}
