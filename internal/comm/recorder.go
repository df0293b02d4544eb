package comm

import (
	"context"
	"sync"

	"github.com/23skdu/longbow-quiver/internal/device"
)

// Call is one communicator invocation seen by a Recorder.
type Call struct {
	Op       string // send, recv or allgather
	Peer     int    // group member index; -1 for allgather
	Kind     Kind
	Elements int
}

// Recorder logs every call and forwards it to Next. With a nil Next, sends
// and all-gathers succeed without moving data and receives leave the
// tensor as it is.
type Recorder struct {
	Next Communicator

	mu    sync.Mutex
	calls []Call
}

func NewRecorder(next Communicator) *Recorder {
	return &Recorder{Next: next}
}

func (r *Recorder) record(c Call) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, c)
}

func (r *Recorder) Send(ctx context.Context, t device.Tensor, dst int, g Group) error {
	r.record(Call{Op: "send", Peer: dst, Kind: g.Kind, Elements: t.Elements()})
	if r.Next == nil {
		return nil
	}
	return r.Next.Send(ctx, t, dst, g)
}

func (r *Recorder) Recv(ctx context.Context, t device.Tensor, src int, g Group) error {
	r.record(Call{Op: "recv", Peer: src, Kind: g.Kind, Elements: t.Elements()})
	if r.Next == nil {
		return nil
	}
	return r.Next.Recv(ctx, t, src, g)
}

func (r *Recorder) AllGather(ctx context.Context, t device.Tensor, g Group) error {
	r.record(Call{Op: "allgather", Peer: -1, Kind: g.Kind, Elements: t.Elements()})
	if r.Next == nil {
		return nil
	}
	return r.Next.AllGather(ctx, t, g)
}

// Calls returns a copy of the recorded calls.
func (r *Recorder) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Call(nil), r.calls...)
}

// Reset clears the log.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = nil
}
