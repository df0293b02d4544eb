package cpu

import (
	"context"

	"github.com/23skdu/longbow-quiver/internal/device"
	"github.com/23skdu/longbow-quiver/internal/weights"
)

// FeedForward computes gelu(x W1 + b1) W2 and reduces it across the tensor
// group. The W2 bias belongs to the residual merge and is not added here.
//
// Inputs: ffn_input [rows, hidden]. Outputs: ffn_output [rows, hidden].
func (b *Backend) FeedForward(ctx context.Context, out, in device.TensorMap, w *weights.FFN) error {
	const op = "feed forward"
	if err := in.Expect(op, "ffn_input"); err != nil {
		return err
	}
	if err := out.Expect(op, "ffn_output"); err != nil {
		return err
	}
	x, y := in["ffn_input"], out["ffn_output"]
	if len(x.Shape) != 2 {
		return device.Preconditionf("%s: input must be rank 2, got %v", op, x.Shape)
	}
	rows := x.Shape[0]
	hidden, inter := b.cfg.HiddenUnits(), b.cfg.LocalInterSize()
	if err := device.CheckShape(op, "ffn_input", x, rows, hidden); err != nil {
		return err
	}
	if err := device.CheckShape(op, "ffn_output", y, rows, hidden); err != nil {
		return err
	}
	if err := device.CheckShape(op, "intermediate kernel", w.Intermediate.Kernel, hidden, inter); err != nil {
		return err
	}
	if err := device.CheckShape(op, "intermediate bias", w.Intermediate.Bias, inter); err != nil {
		return err
	}
	if err := device.CheckShape(op, "output kernel", w.Output.Kernel, inter, hidden); err != nil {
		return err
	}

	xs, err := x.Float32s()
	if err != nil {
		return err
	}
	w1, err := w.Intermediate.Kernel.Float32s()
	if err != nil {
		return err
	}
	b1, err := w.Intermediate.Bias.Float32s()
	if err != nil {
		return err
	}
	w2, err := w.Output.Kernel.Float32s()
	if err != nil {
		return err
	}

	h := matmul(xs, rows, hidden, w1, inter)
	for i := range h {
		h[i] = gelu(h[i] + b1[i%inter])
	}
	partial := matmul(h, rows, inter, w2, hidden)
	reduced, err := b.reduce(ctx, partial)
	if err != nil {
		return err
	}
	return y.WriteFloat32(reduced)
}
