package device

import (
	"errors"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func TestDataType(t *testing.T) {
	tests := []struct {
		dt    DataType
		size  int
		float bool
	}{
		{TypeFP32, 4, true},
		{TypeFP16, 2, true},
		{TypeBF16, 2, true},
		{TypeINT8, 1, false},
		{TypeINT32, 4, false},
		{TypeBool, 1, false},
		{TypePointer, 0, false},
	}
	for _, tt := range tests {
		if tt.dt.Size() != tt.size {
			t.Errorf("%s: expected size %d, got %d", tt.dt, tt.size, tt.dt.Size())
		}
		if tt.dt.IsFloat() != tt.float {
			t.Errorf("%s: expected IsFloat %v", tt.dt, tt.float)
		}
		parsed, err := ParseDataType(tt.dt.String())
		if err != nil || parsed != tt.dt {
			t.Errorf("ParseDataType(%q) = %v, %v", tt.dt.String(), parsed, err)
		}
	}
	if _, err := ParseDataType("fp8"); err == nil {
		t.Error("expected error for unknown type")
	}
}

func TestFloatConversions(t *testing.T) {
	in := []float32{0, 1, -2.5, 0.125, 1024}
	for _, dt := range []DataType{TypeFP32, TypeFP16, TypeBF16} {
		t.Run(dt.String(), func(t *testing.T) {
			x, err := FromFloat32(dt, in, len(in))
			if err != nil {
				t.Fatalf("FromFloat32 failed: %v", err)
			}
			if x.Bytes() != len(in)*dt.Size() {
				t.Errorf("expected %d bytes, got %d", len(in)*dt.Size(), x.Bytes())
			}
			got, err := x.Float32s()
			if err != nil {
				t.Fatalf("Float32s failed: %v", err)
			}
			if diff := cmp.Diff(in, got); diff != "" {
				t.Errorf("round trip mismatch (-want +got):\n%s", diff)
			}

			x.SetFloat32(2, 3.5)
			if v := x.Float32At(2); v != 3.5 {
				t.Errorf("Float32At(2) = %v, want 3.5", v)
			}
		})
	}
}

func TestFP16Rounding(t *testing.T) {
	x, _ := FromFloat32(TypeFP16, []float32{0.1}, 1)
	v := x.Float32At(0)
	if diff := cmp.Diff(float32(0.1), v, cmpopts.EquateApprox(0, 1e-4)); diff != "" {
		t.Errorf("fp16 0.1 decoded too far off: %v", v)
	}
}

func TestViewSharesStorage(t *testing.T) {
	x, _ := FromFloat32(TypeFP32, []float32{0, 1, 2, 3, 4, 5}, 2, 3)
	row, err := x.View(3, 3)
	if err != nil {
		t.Fatalf("View failed: %v", err)
	}
	row.SetFloat32(0, 30)
	if x.Float32At(3) != 30 {
		t.Error("write through view not visible in parent")
	}
	if _, err := x.View(4, 3); !errors.Is(err, ErrPrecondition) {
		t.Errorf("expected precondition error for out of bounds view, got %v", err)
	}
	if _, err := x.Reshape(4, 2); err == nil {
		t.Error("expected reshape error for mismatched element count")
	}
	r, err := x.Reshape(3, 2)
	if err != nil || r.Float32At(3) != 30 {
		t.Errorf("Reshape failed: %v", err)
	}
}

func TestFromBuffer(t *testing.T) {
	buf := NewBuffer(16)
	if _, err := FromBuffer(buf, TypeFP32, 2, 2); err != nil {
		t.Errorf("FromBuffer within range failed: %v", err)
	}
	if _, err := FromBuffer(buf, TypeFP32, 3, 2); !errors.Is(err, ErrPrecondition) {
		t.Errorf("expected precondition error, got %v", err)
	}
}

func TestNullAndPointerArray(t *testing.T) {
	n := Null(TypeINT32, 4)
	if !n.IsNil() {
		t.Error("Null tensor should be nil")
	}
	if n.Raw() != nil {
		t.Error("Null tensor should have no bytes")
	}
	a, _ := FromFloat32(TypeFP32, []float32{1}, 1)
	b, _ := FromFloat32(TypeFP32, []float32{2}, 1)
	p := PointerArray([]Tensor{a, b})
	if p.IsNil() || p.Ref(1).Float32At(0) != 2 {
		t.Error("pointer array lost its references")
	}
	if p.Refs(1, 1).Ref(0).Float32At(0) != 2 {
		t.Error("Refs(1, 1) should start at the second reference")
	}
	if !Null(TypePointer, 2).Refs(0, 1).IsNil() {
		t.Error("slicing a null pointer array should stay null")
	}
	if !p.Ref(5).IsNil() {
		t.Error("out of range ref should be nil")
	}
}

func TestTensorMapExpect(t *testing.T) {
	m := TensorMap{"a": Scalar(1), "b": Scalar(2)}
	if err := m.Expect("op", "a", "b"); err != nil {
		t.Errorf("Expect failed: %v", err)
	}
	if err := m.Expect("op", "a"); !errors.Is(err, ErrPrecondition) {
		t.Errorf("expected count mismatch error, got %v", err)
	}
	if err := m.Expect("op", "a", "c"); !errors.Is(err, ErrPrecondition) {
		t.Errorf("expected missing name error, got %v", err)
	}
	if _, err := m.Get("z"); !errors.Is(err, ErrPrecondition) {
		t.Errorf("expected missing tensor error, got %v", err)
	}
	if v, _ := m.Get("b"); v.Int32At(0) != 2 {
		t.Errorf("unexpected scalar %d", v.Int32At(0))
	}
}

func TestCheckShape(t *testing.T) {
	x := NewTensor(TypeFP32, 2, 3)
	if err := CheckShape("op", "x", x, 2, 3); err != nil {
		t.Errorf("CheckShape failed: %v", err)
	}
	err := CheckShape("op", "x", x, 3, 2)
	var se *ShapeError
	if !errors.As(err, &se) || !errors.Is(err, ErrPrecondition) {
		t.Fatalf("expected ShapeError wrapping ErrPrecondition, got %v", err)
	}
	if diff := cmp.Diff([]int{3, 2}, se.Want); diff != "" {
		t.Errorf("want shape mismatch:\n%s", diff)
	}
}

func TestCloneIsDeep(t *testing.T) {
	x, _ := FromFloat32(TypeFP32, []float32{1, 2}, 2)
	c := x.Clone()
	c.SetFloat32(0, 9)
	if x.Float32At(0) != 1 {
		t.Error("clone shares storage with original")
	}
	if !Null(TypeFP32, 2).Clone().IsNil() {
		t.Error("clone of null should be null")
	}
}

func TestHostAllocatorReuse(t *testing.T) {
	a := NewHostAllocator(1 << 20)
	b1, err := a.Resize(nil, 128)
	if err != nil {
		t.Fatalf("Resize failed: %v", err)
	}
	b2, err := a.Resize(b1, 64)
	if err != nil {
		t.Fatalf("Resize failed: %v", err)
	}
	if b2 != b1 || b2.Len() != 64 {
		t.Errorf("expected shrink to reuse the buffer, got new=%v len=%d", b2 != b1, b2.Len())
	}
	b3, err := a.Resize(b2, 256)
	if err != nil {
		t.Fatalf("Resize failed: %v", err)
	}
	if b3 == b2 || b3.Len() != 256 {
		t.Error("expected growth to reallocate")
	}
	if a.Used() != 256 {
		t.Errorf("expected 256 bytes in use, got %d", a.Used())
	}
	a.Free(b3)
	a.Free(b3)
	a.Free(nil)
	if a.Used() != 0 {
		t.Errorf("expected 0 bytes after free, got %d", a.Used())
	}
}

func TestHostAllocatorLimit(t *testing.T) {
	a := NewHostAllocator(100)
	b, err := a.Resize(nil, 60)
	if err != nil {
		t.Fatalf("Resize failed: %v", err)
	}
	if _, err := a.Resize(nil, 60); !errors.Is(err, ErrPrecondition) {
		t.Errorf("expected precondition error over the limit, got %v", err)
	}
	a.Free(b)
	if _, err := a.Resize(nil, 60); err != nil {
		t.Errorf("expected allocation to succeed after free: %v", err)
	}
}

func TestStreamOrdering(t *testing.T) {
	s := NewStream("test", 4)
	defer s.Close()

	var order []int
	for i := 0; i < 20; i++ {
		s.Enqueue(fmt.Sprintf("op%d", i), func() error {
			order = append(order, i)
			return nil
		})
	}
	if err := s.Synchronize(); err != nil {
		t.Fatalf("Synchronize failed: %v", err)
	}
	for i, v := range order {
		if v != i {
			t.Fatalf("op %d ran at position %d", v, i)
		}
	}
	if len(order) != 20 {
		t.Errorf("expected 20 ops, ran %d", len(order))
	}
}

func TestStreamStickyError(t *testing.T) {
	s := NewStream("test", 0)
	defer s.Close()

	boom := errors.New("boom")
	var after atomic.Int32
	s.Enqueue("ok", func() error { return nil })
	s.Enqueue("bad", func() error { return boom })
	s.Enqueue("skipped", func() error { after.Add(1); return nil })

	err := s.Synchronize()
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if after.Load() != 0 {
		t.Error("ops after a failure must be skipped")
	}
	s.Enqueue("later", func() error { after.Add(1); return nil })
	if err := s.Synchronize(); !errors.Is(err, boom) {
		t.Errorf("expected sticky boom, got %v", err)
	}
	if after.Load() != 0 {
		t.Error("poisoned stream ran new work")
	}
}

func TestStreamClosed(t *testing.T) {
	s := NewStream("test", 1)
	s.Close()
	s.Close()
	if err := s.Synchronize(); !errors.Is(err, ErrStreamClosed) {
		t.Errorf("expected ErrStreamClosed, got %v", err)
	}
}
