// Package comm carries activations between ranks: point-to-point transfers
// across pipeline stages and all-gather within a tensor-parallel group.
package comm

import (
	"context"
	"fmt"

	"github.com/23skdu/longbow-quiver/internal/config"
	"github.com/23skdu/longbow-quiver/internal/device"
)

type Kind int

const (
	KindTensor Kind = iota
	KindPipeline
)

func (k Kind) String() string {
	switch k {
	case KindTensor:
		return "tensor"
	case KindPipeline:
		return "pipeline"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Group is one rank's view of a communicator group. Rank is this rank's
// index inside the group and Members maps group indices to global ranks.
type Group struct {
	Kind    Kind
	Rank    int
	Size    int
	Members []int
}

// Global returns the global rank of group member i.
func (g Group) Global(i int) int {
	return g.Members[i]
}

func (g Group) Self() int {
	return g.Members[g.Rank]
}

func (g Group) String() string {
	return fmt.Sprintf("%s group rank %d/%d", g.Kind, g.Rank, g.Size)
}

// NewGroups derives the tensor and pipeline groups of the rank at p.
func NewGroups(p config.Parallel) (tensor, pipeline Group) {
	tensor = Group{Kind: KindTensor, Rank: p.TensorRank, Size: p.TensorSize}
	for i := 0; i < p.TensorSize; i++ {
		tensor.Members = append(tensor.Members, p.PipelineRank*p.TensorSize+i)
	}
	pipeline = Group{Kind: KindPipeline, Rank: p.PipelineRank, Size: p.PipelineSize}
	for j := 0; j < p.PipelineSize; j++ {
		pipeline.Members = append(pipeline.Members, j*p.TensorSize+p.TensorRank)
	}
	return tensor, pipeline
}

// Communicator is the collective surface the decoder consumes. Calls block
// until the transfer completes or ctx is done; a missing peer call is a
// hang, so callers should bound ctx when diagnosing.
type Communicator interface {
	// Send copies t to group member dst.
	Send(ctx context.Context, t device.Tensor, dst int, g Group) error
	// Recv fills t with the next transfer from group member src.
	Recv(ctx context.Context, t device.Tensor, src int, g Group) error
	// AllGather treats t as g.Size equal partitions, with this member's at
	// index g.Rank, and fills every other partition from its owner.
	AllGather(ctx context.Context, t device.Tensor, g Group) error
}

// partition returns member i's slice of an all-gather buffer.
func partition(t device.Tensor, g Group, i int) ([]byte, error) {
	elems := t.Elements()
	if g.Size <= 0 || elems%g.Size != 0 {
		return nil, device.Preconditionf("all-gather of %d elements not divisible across %d ranks", elems, g.Size)
	}
	raw := t.Raw()
	n := elems / g.Size * t.Type.Size()
	if len(raw) < g.Size*n {
		return nil, device.Preconditionf("all-gather buffer holds %d bytes, need %d", len(raw), g.Size*n)
	}
	return raw[i*n : (i+1)*n], nil
}

func checkPeer(g Group, peer int) error {
	if peer < 0 || peer >= g.Size || peer >= len(g.Members) {
		return device.Preconditionf("peer %d outside %s", peer, g)
	}
	if peer == g.Rank {
		return device.Preconditionf("peer %d is self in %s", peer, g)
	}
	return nil
}

// gather runs the all-gather exchange on top of point-to-point transfers:
// post this member's partition to every peer, then collect theirs. send
// must not wait for the matching receive.
func gather(ctx context.Context, t device.Tensor, g Group,
	send func(ctx context.Context, data []byte, dst int) error,
	recv func(ctx context.Context, into []byte, src int) error,
) error {
	if g.Size == 1 {
		return nil
	}
	own, err := partition(t, g, g.Rank)
	if err != nil {
		return err
	}
	for i := 0; i < g.Size; i++ {
		if i == g.Rank {
			continue
		}
		if err := send(ctx, own, i); err != nil {
			return fmt.Errorf("all-gather send to %d: %w", i, err)
		}
	}
	for i := 0; i < g.Size; i++ {
		if i == g.Rank {
			continue
		}
		dst, _ := partition(t, g, i)
		if err := recv(ctx, dst, i); err != nil {
			return fmt.Errorf("all-gather recv from %d: %w", i, err)
		}
	}
	return nil
}
