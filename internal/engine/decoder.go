package engine

import (
	"context"
	"fmt"

	"github.com/23skdu/longbow-quiver/internal/comm"
	"github.com/23skdu/longbow-quiver/internal/config"
	"github.com/23skdu/longbow-quiver/internal/device"
	"github.com/23skdu/longbow-quiver/internal/parallel"
	"github.com/23skdu/longbow-quiver/internal/weights"
)

var (
	stepInputs = []string{"decoder_input", "finished", "sequence_lengths", "total_padding_tokens",
		"d_prefix_prompt_lengths", "max_prefix_prompt_length", "max_input_length", "step", "ite",
		"cache_indirection", "masked_tokens"}
	stepOutputs = []string{"decoder_output", "key_cache", "value_cache"}
)

// Decoder runs one generation step: a single new token per sequence for
// one local batch. Callers that chunk the batch call Forward once per
// chunk with the matching ite.
type Decoder struct {
	*decoder
}

// NewDecoder validates cfg and the owned layers of model.
func NewDecoder(cfg config.Config, model *weights.Model, k Kernels, c comm.Communicator, opts ...Option) (*Decoder, error) {
	d, err := newDecoder(ModeStep, cfg, model, k, c, opts)
	if err != nil {
		return nil, err
	}
	return &Decoder{decoder: d}, nil
}

// Forward runs every owned layer for the local batch
// decoder_input [local_batch, hidden]. The cache slice is picked by the
// host-side ite scalar. The remaining inputs pass through to step attention.
// Outputs: decoder_output [local_batch, hidden], key_cache, value_cache.
func (d *Decoder) Forward(ctx context.Context, out, in device.TensorMap) (err error) {
	const op = "step decoder"
	log, finish, err := d.begin()
	if err != nil {
		return err
	}
	layers := 0
	defer func() { finish(layers, err) }()

	if err := in.Expect(op+" input", stepInputs...); err != nil {
		return err
	}
	if err := out.Expect(op+" output", stepOutputs...); err != nil {
		return err
	}
	hidden := d.cfg.HiddenUnits()
	input, output := in["decoder_input"], out["decoder_output"]
	if len(input.Shape) != 2 {
		return device.Preconditionf("%s: decoder_input must be [local_batch, hidden], got %v", op, input.Shape)
	}
	lb := input.Shape[0]
	if err := device.CheckShape(op, "decoder_input", input, lb, hidden); err != nil {
		return err
	}
	if err := device.CheckShape(op, "decoder_output", output, lb, hidden); err != nil {
		return err
	}
	itet := in["ite"]
	if itet.Elements() != 1 || itet.IsNil() {
		return device.Preconditionf("%s: ite must be a host scalar, got %v", op, itet.Shape)
	}
	ite := int(itet.Int32At(0))
	keys, values := out["key_cache"], out["value_cache"]
	if len(values.Shape) != 5 || len(keys.Shape) != 6 {
		return device.Preconditionf("%s: caches must be rank 6 and 5, got %v and %v", op, keys.Shape, values.Shape)
	}
	if _, err := d.checkCaches(op, keys, values, values.Shape[1]); err != nil {
		return err
	}
	if _, err := partitionSize(lb, hidden, d.cfg.Parallel.TensorSize); err != nil {
		return err
	}
	log.Debug("Step forward", "local_batch", lb, "ite", ite)

	bufs, release, err := d.scratch.acquire(lb, hidden, !d.cfg.FreeBufferAfterForward)
	if err != nil {
		return err
	}
	defer func() {
		if serr := d.stream.Synchronize(); err == nil {
			err = serr
		}
		release(err)
	}()

	attnIn := device.TensorMap{"input_query": bufs.normed}
	for _, name := range stepInputs {
		if name != "decoder_input" && name != "ite" {
			attnIn[name] = in[name]
		}
	}

	first := d.part.FirstLayer()
	start, end := d.part.Layers()
	for l := start; l < end; l++ {
		src, dst := bufs.layer, bufs.layer
		if l == 0 {
			src = input
		}
		if l == d.cfg.NumLayers-1 {
			dst = output
		}
		kc, err := parallel.CacheSlice(keys, l, first, lb, ite)
		if err != nil {
			return fmt.Errorf("layer %d key cache: %w", l, err)
		}
		vc, err := parallel.CacheSlice(values, l, first, lb, ite)
		if err != nil {
			return fmt.Errorf("layer %d value cache: %w", l, err)
		}
		attnOut := device.TensorMap{"attention_output": bufs.attn, "key_cache": kc, "value_cache": vc}
		if err := d.layer(ctx, l, ite, src, dst, bufs, func(w *weights.Layer) error {
			return d.kernels.Step.StepAttention(ctx, attnOut, attnIn, &w.Attention)
		}); err != nil {
			return err
		}
		layers++
	}
	if err := d.stream.Synchronize(); err != nil {
		return fmt.Errorf("sync after step forward: %w", err)
	}
	return nil
}
