package device

import (
	"sync"
	"sync/atomic"

	"github.com/23skdu/longbow-quiver/internal/metrics"
)

var allocatedBytes int64

func traceAlloc(delta int64) {
	newVal := atomic.AddInt64(&allocatedBytes, delta)
	metrics.RecordHostMemory(newVal)
}

// AllocatedBytes reports the live bytes handed out by every HostAllocator.
func AllocatedBytes() int64 {
	return atomic.LoadInt64(&allocatedBytes)
}

// Allocator hands out raw buffers with resize-to-at-least semantics.
type Allocator interface {
	// Resize returns buf when it already holds n bytes, otherwise a new
	// buffer of n bytes. Contents are not preserved across a reallocation.
	Resize(buf *Buffer, n int) (*Buffer, error)
	// Free releases buf. Freeing nil is a no-op.
	Free(buf *Buffer)
}

// DefaultMaxMemory caps a HostAllocator created with a zero limit.
var DefaultMaxMemory int64 = 32 * 1024 * 1024 * 1024

// HostAllocator backs buffers with Go memory and enforces a ceiling.
type HostAllocator struct {
	mu    sync.Mutex
	limit int64
	used  int64
	live  map[uint64]int64
}

func NewHostAllocator(limit int64) *HostAllocator {
	if limit <= 0 {
		limit = DefaultMaxMemory
	}
	return &HostAllocator{limit: limit, live: make(map[uint64]int64)}
}

func (a *HostAllocator) Resize(buf *Buffer, n int) (*Buffer, error) {
	if n < 0 {
		return nil, Preconditionf("allocation of %d bytes", n)
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if buf != nil {
		if size, ok := a.live[buf.id]; ok && size >= int64(n) {
			buf.data = buf.data[:cap(buf.data)][:n]
			return buf, nil
		}
		a.freeLocked(buf)
	}

	if a.used+int64(n) > a.limit {
		return nil, Preconditionf("allocation of %d bytes exceeds limit (%d of %d in use)", n, a.used, a.limit)
	}
	nb := NewBuffer(n)
	a.live[nb.id] = int64(n)
	a.used += int64(n)
	traceAlloc(int64(n))
	return nb, nil
}

func (a *HostAllocator) Free(buf *Buffer) {
	if buf == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.freeLocked(buf)
}

func (a *HostAllocator) freeLocked(buf *Buffer) {
	size, ok := a.live[buf.id]
	if !ok {
		return
	}
	delete(a.live, buf.id)
	a.used -= size
	traceAlloc(-size)
	buf.data = nil
}

// Used reports the bytes currently held by this allocator.
func (a *HostAllocator) Used() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.used
}
