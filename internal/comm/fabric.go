package comm

import (
	"context"
	"fmt"
	"sync"

	"github.com/23skdu/longbow-quiver/internal/device"
)

// DefaultDepth is how many transfers a link buffers before Send blocks.
const DefaultDepth = 64

type link struct {
	kind     Kind
	src, dst int
}

// Fabric connects ranks living in one process. Each ordered (group kind,
// src, dst) link is a FIFO, which gives the same pairing guarantees as
// point-to-point transfers between devices. A link holds at most
// DefaultDepth unmatched sends; the next Send blocks until the peer
// receives or ctx ends.
type Fabric struct {
	mu    sync.Mutex
	links map[link]chan []byte
	depth int
}

func NewFabric() *Fabric {
	return &Fabric{links: make(map[link]chan []byte), depth: DefaultDepth}
}

func (f *Fabric) link(k Kind, src, dst int) chan []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	l := link{k, src, dst}
	ch, ok := f.links[l]
	if !ok {
		ch = make(chan []byte, f.depth)
		f.links[l] = ch
	}
	return ch
}

func (f *Fabric) put(ctx context.Context, g Group, data []byte, dst int) error {
	msg := append([]byte(nil), data...)
	select {
	case f.link(g.Kind, g.Self(), g.Global(dst)) <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *Fabric) take(ctx context.Context, g Group, into []byte, src int) error {
	select {
	case msg := <-f.link(g.Kind, g.Global(src), g.Self()):
		if len(msg) != len(into) {
			return device.Preconditionf("received %d bytes from rank %d, expected %d", len(msg), g.Global(src), len(into))
		}
		copy(into, msg)
		return nil
	case <-ctx.Done():
		return fmt.Errorf("recv from rank %d: %w", g.Global(src), ctx.Err())
	}
}

func (f *Fabric) Send(ctx context.Context, t device.Tensor, dst int, g Group) error {
	if err := checkPeer(g, dst); err != nil {
		return err
	}
	return f.put(ctx, g, t.Raw(), dst)
}

func (f *Fabric) Recv(ctx context.Context, t device.Tensor, src int, g Group) error {
	if err := checkPeer(g, src); err != nil {
		return err
	}
	return f.take(ctx, g, t.Raw(), src)
}

func (f *Fabric) AllGather(ctx context.Context, t device.Tensor, g Group) error {
	return gather(ctx, t, g,
		func(ctx context.Context, data []byte, dst int) error { return f.put(ctx, g, data, dst) },
		func(ctx context.Context, into []byte, src int) error { return f.take(ctx, g, into, src) },
	)
}
