package parallel

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/23skdu/longbow-quiver/internal/device"
)

func owned(p Partition) []int {
	var ls []int
	for l := 0; l < p.NumLayers; l++ {
		if p.Owns(l) {
			ls = append(ls, l)
		}
	}
	return ls
}

func TestPartitionCoversLayers(t *testing.T) {
	for layers := 1; layers <= 13; layers++ {
		for world := 1; world <= 6; world++ {
			seen := make([]int, layers)
			for rank := 0; rank < world; rank++ {
				p, err := NewPartition(layers, rank, world)
				if err != nil {
					t.Fatalf("NewPartition(%d, %d, %d) failed: %v", layers, rank, world, err)
				}
				ls := owned(p)
				for i, l := range ls {
					seen[l]++
					if i > 0 && ls[i-1]+1 != l {
						t.Errorf("layers=%d world=%d rank=%d: owned set %v not contiguous", layers, world, rank, ls)
					}
				}

				start, end := p.Layers()
				if len(ls) > 0 {
					if p.FirstLayer() != ls[0] {
						t.Errorf("layers=%d world=%d rank=%d: FirstLayer %d, min owned %d", layers, world, rank, p.FirstLayer(), ls[0])
					}
					if !p.IsFirst(ls[0]) {
						t.Errorf("layers=%d world=%d rank=%d: IsFirst(%d) false", layers, world, rank, ls[0])
					}
					if start != ls[0] || end != ls[len(ls)-1]+1 {
						t.Errorf("layers=%d world=%d rank=%d: Layers() = [%d, %d), owned %v", layers, world, rank, start, end, ls)
					}
				} else {
					if p.FirstLayer() < layers {
						t.Errorf("layers=%d world=%d rank=%d: owns nothing but FirstLayer %d in range", layers, world, rank, p.FirstLayer())
					}
					if start != end {
						t.Errorf("layers=%d world=%d rank=%d: expected empty range, got [%d, %d)", layers, world, rank, start, end)
					}
				}
				for _, l := range ls {
					if p.OwnerOf(l) != rank {
						t.Errorf("OwnerOf(%d) = %d, want %d", l, p.OwnerOf(l), rank)
					}
				}
			}
			for l, n := range seen {
				if n != 1 {
					t.Errorf("layers=%d world=%d: layer %d owned %d times", layers, world, l, n)
				}
			}
		}
	}
}

func TestPartitionSingleRank(t *testing.T) {
	p, err := NewPartition(4, 0, 1)
	if err != nil {
		t.Fatalf("NewPartition failed: %v", err)
	}
	if diff := cmp.Diff([]int{0, 1, 2, 3}, owned(p)); diff != "" {
		t.Errorf("owned layers mismatch (-want +got):\n%s", diff)
	}
	if !p.IsFirst(0) || !p.IsLast(3) {
		t.Errorf("expected IsFirst(0) and IsLast(3), got %v %v", p.IsFirst(0), p.IsLast(3))
	}
}

func TestPartitionTwoStages(t *testing.T) {
	p0, _ := NewPartition(4, 0, 2)
	p1, _ := NewPartition(4, 1, 2)

	if diff := cmp.Diff([]int{0, 1}, owned(p0)); diff != "" {
		t.Errorf("rank 0 layers mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{2, 3}, owned(p1)); diff != "" {
		t.Errorf("rank 1 layers mismatch (-want +got):\n%s", diff)
	}
	if !p0.IsLast(1) || p0.IsLast(3) {
		t.Error("rank 0 should end its segment at layer 1")
	}
	if !p1.IsFirst(2) || p1.IsFirst(0) {
		t.Error("rank 1 should start its segment at layer 2")
	}
	if !p1.IsFinalStage() || p0.IsFinalStage() {
		t.Error("only rank 1 is the final stage")
	}
}

func TestPartitionUnevenTail(t *testing.T) {
	// 5 layers over 2 ranks: local=3, rank 1 holds [3, 5) and its nominal
	// last layer 5 is out of range.
	p, _ := NewPartition(5, 1, 2)
	if diff := cmp.Diff([]int{3, 4}, owned(p)); diff != "" {
		t.Errorf("owned layers mismatch (-want +got):\n%s", diff)
	}
	for l := 0; l < 6; l++ {
		if p.IsLast(l) {
			t.Errorf("IsLast(%d) should be false on the clipped tail rank", l)
		}
	}
	if p.Owns(5) || p.Owns(-1) {
		t.Error("out of range layers must not be owned")
	}
}

func TestNewPartitionRejectsBadRank(t *testing.T) {
	for _, tc := range []struct{ layers, rank, world int }{
		{0, 0, 1},
		{4, 2, 2},
		{4, -1, 2},
		{4, 0, 0},
	} {
		if _, err := NewPartition(tc.layers, tc.rank, tc.world); !errors.Is(err, device.ErrPrecondition) {
			t.Errorf("NewPartition(%d, %d, %d): expected precondition error, got %v", tc.layers, tc.rank, tc.world, err)
		}
	}
}

func TestCacheOffset(t *testing.T) {
	shape := []int{2, 4, 3, 5}
	tests := []struct {
		name              string
		l, first, lb, ite int
		want              int
	}{
		{"first layer first chunk", 2, 2, 2, 0, 0},
		{"first layer second chunk", 2, 2, 2, 1, 2 * 15},
		{"second layer", 3, 2, 2, 0, 4 * 15},
		{"second layer second chunk", 3, 2, 2, 1, 4*15 + 2*15},
		{"whole batch", 3, 2, 4, 0, 60},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CacheOffset(shape, tt.l, tt.first, tt.lb, tt.ite)
			if err != nil {
				t.Fatalf("CacheOffset failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("expected offset %d, got %d", tt.want, got)
			}
		})
	}
}

func TestCacheOffsetRejectsOutOfRange(t *testing.T) {
	shape := []int{2, 4, 3}
	for _, tc := range []struct{ l, first, lb, ite int }{
		{1, 2, 2, 0}, // below first
		{4, 2, 2, 0}, // past local layers
		{2, 2, 2, 2}, // past batch
		{2, 2, 0, 0}, // empty chunk
	} {
		if _, err := CacheOffset(shape, tc.l, tc.first, tc.lb, tc.ite); !errors.Is(err, device.ErrPrecondition) {
			t.Errorf("CacheOffset(%v): expected precondition error, got %v", tc, err)
		}
	}
	if _, err := CacheOffset([]int{3}, 0, 0, 1, 0); err == nil {
		t.Error("expected error for rank-1 cache shape")
	}
}

func TestCacheOffsetInjective(t *testing.T) {
	// Key and value layouts for 2 local layers, batch 8, 2 heads.
	shapes := [][]int{
		{2, 8, 2, 2, 16, 4},
		{2, 8, 2, 16, 8},
	}
	for _, shape := range shapes {
		for _, lb := range []int{1, 2, 4, 8} {
			total := product(shape)
			owner := make([]int, total)
			for i := range owner {
				owner[i] = -1
			}
			id := 0
			for l := 4; l < 6; l++ {
				for ite := 0; ite < 8/lb; ite++ {
					off, err := CacheOffset(shape, l, 4, lb, ite)
					if err != nil {
						t.Fatalf("CacheOffset failed: %v", err)
					}
					n := product(CacheSliceShape(shape, lb))
					for i := off; i < off+n; i++ {
						if owner[i] != -1 {
							t.Fatalf("shape %v lb=%d: element %d claimed twice", shape, lb, i)
						}
						owner[i] = id
					}
					id++
				}
			}
			for i, o := range owner {
				if o == -1 {
					t.Fatalf("shape %v lb=%d: element %d never addressed", shape, lb, i)
				}
			}
		}
	}
}

func TestCacheSlice(t *testing.T) {
	cache := device.NewTensor(device.TypeFP32, 2, 4, 3)
	s, err := CacheSlice(cache, 1, 0, 2, 1)
	if err != nil {
		t.Fatalf("CacheSlice failed: %v", err)
	}
	if diff := cmp.Diff([]int{2, 3}, s.Shape); diff != "" {
		t.Errorf("slice shape mismatch (-want +got):\n%s", diff)
	}
	if err := s.WriteFloat32([]float32{1, 2, 3, 4, 5, 6}); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	all, _ := cache.Float32s()
	// layer 1 starts at 12, chunk 1 at +6.
	if all[18] != 1 || all[23] != 6 || all[17] != 0 {
		t.Errorf("slice landed at the wrong offset: %v", all)
	}
}

func TestDefaultLocalBatch(t *testing.T) {
	tests := []struct {
		batch, seq, pp int
		want           int
	}{
		{8, 128, 1, 8},
		{8, 4096, 1, 8},
		{8, 16, 2, 4},
		{6, 16, 4, 6},
		{8, 512, 2, 2},
		{8, 2048, 2, 1},
		{6, 2048, 2, 3},
	}
	for _, tt := range tests {
		if got := DefaultLocalBatch(tt.batch, tt.seq, tt.pp); got != tt.want {
			t.Errorf("DefaultLocalBatch(%d, %d, %d) = %d, want %d", tt.batch, tt.seq, tt.pp, got, tt.want)
		}
	}
}

func TestIterations(t *testing.T) {
	n, err := Iterations(4, 2)
	if err != nil {
		t.Fatalf("Iterations failed: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 iterations, got %d", n)
	}

	if _, err := Iterations(4, 3); !errors.Is(err, device.ErrPrecondition) {
		t.Errorf("expected precondition error for non-divisor, got %v", err)
	}
	if _, err := Iterations(4, 0); !errors.Is(err, device.ErrPrecondition) {
		t.Errorf("expected precondition error for zero local batch, got %v", err)
	}
}
