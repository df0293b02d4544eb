package engine

import (
	"context"
	"fmt"

	"github.com/23skdu/longbow-quiver/internal/device"
	"github.com/23skdu/longbow-quiver/internal/metrics"
)

// boundary moves activations between pipeline stages. Every transfer is
// enqueued on the decoder stream so it orders against the kernels around
// it without blocking the host.
type boundary struct {
	d   *decoder
	ctx context.Context
}

// partitionSize is the element count each tensor rank ships across a stage
// boundary for a [rows, hidden] activation.
func partitionSize(rows, hidden, tensorSize int) (int, error) {
	n := rows * hidden
	if n%tensorSize != 0 {
		return 0, device.Preconditionf("activation of %d elements not divisible across %d tensor ranks", n, tensorSize)
	}
	return n / tensorSize, nil
}

// own returns this tensor rank's partition of a [rows, hidden] buffer.
func (b boundary) own(buf device.Tensor) (device.Tensor, error) {
	n, err := partitionSize(buf.Shape[0], buf.Shape[1], b.d.tensor.Size)
	if err != nil {
		return device.Tensor{}, err
	}
	return buf.View(n*b.d.tensor.Rank, n)
}

// receive fills buf from the previous stage, then all-gathers the tensor
// partitions when the tensor group is wider than one rank.
func (b boundary) receive(l int, buf device.Tensor) {
	d := b.d
	src := d.pipeline.Rank - 1
	d.stream.Enqueue(fmt.Sprintf("layer %d: boundary recv", l), func() error {
		part, err := b.own(buf)
		if err != nil {
			return err
		}
		if err := d.comm.Recv(b.ctx, part, src, d.pipeline); err != nil {
			return err
		}
		metrics.RecordBoundary("recv", part.Bytes())
		d.log.Debug("Boundary recv", "layer", l, "from", d.pipeline.Global(src), "elements", part.Elements())
		return nil
	})
	if d.tensor.Size > 1 {
		d.stream.Enqueue(fmt.Sprintf("layer %d: boundary all-gather", l), func() error {
			if err := d.comm.AllGather(b.ctx, buf, d.tensor); err != nil {
				return err
			}
			metrics.RecordBoundary("allgather", buf.Bytes())
			return nil
		})
	}
}

// send ships this tensor rank's partition of buf to the next stage.
func (b boundary) send(l int, buf device.Tensor) {
	d := b.d
	dst := d.pipeline.Rank + 1
	d.stream.Enqueue(fmt.Sprintf("layer %d: boundary send", l), func() error {
		part, err := b.own(buf)
		if err != nil {
			return err
		}
		if err := d.comm.Send(b.ctx, part, dst, d.pipeline); err != nil {
			return err
		}
		metrics.RecordBoundary("send", part.Bytes())
		d.log.Debug("Boundary send", "layer", l, "to", d.pipeline.Global(dst), "elements", part.Elements())
		return nil
	})
}
