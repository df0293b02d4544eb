package engine

import (
	"sync"

	"github.com/23skdu/longbow-quiver/internal/device"
	"github.com/23skdu/longbow-quiver/internal/metrics"
)

// scratchViews are the per-layer working tensors, each [rows, hidden].
type scratchViews struct {
	normed device.Tensor
	attn   device.Tensor
	ffn    device.Tensor
	layer  device.Tensor
}

// scratch owns the four transient buffers of one decoder. Buffers grow on
// demand and survive between calls unless freed.
type scratch struct {
	alloc device.Allocator
	dt    device.DataType

	mu   sync.Mutex
	bufs [4]*device.Buffer
	held int64
}

func newScratch(alloc device.Allocator, dt device.DataType) *scratch {
	return &scratch{alloc: alloc, dt: dt}
}

// acquire sizes every buffer for a [rows, cols] activation. The release
// func must run on every exit path: it frees the buffers when the call
// failed or keep is false.
func (s *scratch) acquire(rows, cols int, keep bool) (scratchViews, func(error), error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := rows * cols * s.dt.Size()
	var views [4]device.Tensor
	for i := range s.bufs {
		buf, err := s.alloc.Resize(s.bufs[i], n)
		if err != nil {
			s.freeLocked()
			return scratchViews{}, nil, err
		}
		s.bufs[i] = buf
		if views[i], err = device.FromBuffer(buf, s.dt, 0, rows, cols); err != nil {
			s.freeLocked()
			return scratchViews{}, nil, err
		}
	}
	s.account()

	release := func(err error) {
		if err != nil || !keep {
			s.free()
		}
	}
	return scratchViews{normed: views[0], attn: views[1], ffn: views[2], layer: views[3]}, release, nil
}

// account publishes the bytes currently held.
func (s *scratch) account() {
	var held int64
	for _, b := range s.bufs {
		if b != nil {
			held += int64(b.Len())
		}
	}
	metrics.RecordScratch(held - s.held)
	s.held = held
}

func (s *scratch) free() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.freeLocked()
}

func (s *scratch) freeLocked() {
	for i, b := range s.bufs {
		s.alloc.Free(b)
		s.bufs[i] = nil
	}
	s.account()
}

// bytes reports the storage held between calls.
func (s *scratch) bytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.held
}
