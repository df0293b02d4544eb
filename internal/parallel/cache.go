package parallel

import (
	"github.com/23skdu/longbow-quiver/internal/device"
)

func product(dims []int) int {
	n := 1
	for _, d := range dims {
		n *= d
	}
	return n
}

// CacheOffset is the flat element offset of the [localBatch, shape[2:]...]
// slice that layer l, iteration ite reads and writes in a cache tensor of
// the given shape:
//
//	(l - first) * prod(shape[1:]) + (ite * localBatch) * prod(shape[2:])
//
// It depends only on the shape, so key and value caches share it even when
// their inner layouts differ.
func CacheOffset(shape []int, l, first, localBatch, ite int) (int, error) {
	if len(shape) < 2 {
		return 0, device.Preconditionf("cache tensor must be at least rank 2, got shape %v", shape)
	}
	if l < first || l-first >= shape[0] {
		return 0, device.Preconditionf("layer %d outside cache layers [%d, %d)", l, first, first+shape[0])
	}
	if localBatch <= 0 || ite < 0 || (ite+1)*localBatch > shape[1] {
		return 0, device.Preconditionf("batch rows [%d, %d) outside cache batch %d",
			ite*localBatch, (ite+1)*localBatch, shape[1])
	}
	row := product(shape[2:])
	return (l-first)*shape[1]*row + ite*localBatch*row, nil
}

// CacheSliceShape is the shape of the slice addressed by CacheOffset.
func CacheSliceShape(shape []int, localBatch int) []int {
	out := make([]int, 0, len(shape)-1)
	out = append(out, localBatch)
	return append(out, shape[2:]...)
}

// CacheSlice views the per-layer, per-iteration region of cache.
func CacheSlice(cache device.Tensor, l, first, localBatch, ite int) (device.Tensor, error) {
	off, err := CacheOffset(cache.Shape, l, first, localBatch, ite)
	if err != nil {
		return device.Tensor{}, err
	}
	return cache.View(off, CacheSliceShape(cache.Shape, localBatch)...)
}
