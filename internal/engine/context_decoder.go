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
	contextInputs  = []string{"decoder_input", "attention_mask", "input_lengths", "d_prefix_prompt_batch", "d_prefix_prompt_lengths"}
	contextOutputs = []string{"decoder_output", "key_cache", "value_cache", "last_token_hidden_units"}
)

// ContextDecoder runs the prompt (prefill) pass: whole padded sequences,
// chunked into local batches, writing every prompt position into the
// caches.
type ContextDecoder struct {
	*decoder
}

// NewContextDecoder validates cfg and the owned layers of model.
func NewContextDecoder(cfg config.Config, model *weights.Model, k Kernels, c comm.Communicator, opts ...Option) (*ContextDecoder, error) {
	d, err := newDecoder(ModeContext, cfg, model, k, c, opts)
	if err != nil {
		return nil, err
	}
	return &ContextDecoder{decoder: d}, nil
}

// contextCall is one validated context forward.
type contextCall struct {
	input, mask, lengths, prefixes, prefixLengths device.Tensor
	output, keys, values, last                    device.Tensor
	batch, seq, width                             int
}

func (d *ContextDecoder) validate(out, in device.TensorMap) (contextCall, error) {
	const op = "context decoder"
	var c contextCall
	if err := in.Expect(op+" input", contextInputs...); err != nil {
		return c, err
	}
	if err := out.Expect(op+" output", contextOutputs...); err != nil {
		return c, err
	}
	c.input, c.mask, c.lengths = in["decoder_input"], in["attention_mask"], in["input_lengths"]
	c.prefixes, c.prefixLengths = in["d_prefix_prompt_batch"], in["d_prefix_prompt_lengths"]
	c.output, c.keys, c.values, c.last = out["decoder_output"], out["key_cache"], out["value_cache"], out["last_token_hidden_units"]

	hidden := d.cfg.HiddenUnits()
	if len(c.input.Shape) != 3 {
		return c, device.Preconditionf("%s: decoder_input must be [batch, seq, hidden], got %v", op, c.input.Shape)
	}
	c.batch, c.seq = c.input.Shape[0], c.input.Shape[1]
	if err := device.CheckShape(op, "decoder_input", c.input, c.batch, c.seq, hidden); err != nil {
		return c, err
	}
	if len(c.mask.Shape) != 4 {
		return c, device.Preconditionf("%s: attention_mask must be [batch, 1, seq, seq+prefix], got %v", op, c.mask.Shape)
	}
	c.width = c.mask.Shape[3]
	if err := device.CheckShape(op, "attention_mask", c.mask, c.batch, 1, c.seq, c.width); err != nil {
		return c, err
	}
	if c.width < c.seq {
		return c, device.Preconditionf("%s: mask width %d narrower than sequence %d", op, c.width, c.seq)
	}
	if err := device.CheckShape(op, "input_lengths", c.lengths, c.batch); err != nil {
		return c, err
	}
	if !c.prefixes.IsNil() {
		if err := device.CheckShape(op, "d_prefix_prompt_batch", c.prefixes, c.batch); err != nil {
			return c, err
		}
	}
	if !c.prefixLengths.IsNil() {
		if err := device.CheckShape(op, "d_prefix_prompt_lengths", c.prefixLengths, c.batch); err != nil {
			return c, err
		}
	}
	if err := device.CheckShape(op, "decoder_output", c.output, c.batch, c.seq, hidden); err != nil {
		return c, err
	}
	if err := device.CheckShape(op, "last_token_hidden_units", c.last, c.batch, hidden); err != nil {
		return c, err
	}
	maxSeq, err := d.checkCaches(op, c.keys, c.values, c.batch)
	if err != nil {
		return c, err
	}
	if c.width > maxSeq {
		return c, device.Preconditionf("%s: %d cache positions needed, cache holds %d", op, c.width, maxSeq)
	}
	return c, nil
}

// Forward runs every owned layer over every local batch, then extracts
// each sequence's last real token into last_token_hidden_units.
//
// Inputs: decoder_input [batch, seq, hidden], attention_mask [batch, 1,
// seq, seq+max_prefix], input_lengths [batch], d_prefix_prompt_batch and
// d_prefix_prompt_lengths [batch] (both may be Null).
// Outputs: decoder_output [batch, seq, hidden], key_cache, value_cache,
// last_token_hidden_units [batch, hidden].
func (d *ContextDecoder) Forward(ctx context.Context, out, in device.TensorMap) (err error) {
	log, finish, err := d.begin()
	if err != nil {
		return err
	}
	layers := 0
	defer func() { finish(layers, err) }()

	c, err := d.validate(out, in)
	if err != nil {
		return err
	}
	lb := d.opts.localBatch(c.batch, c.seq, d.cfg.Parallel.PipelineSize)
	iterations, err := parallel.Iterations(c.batch, lb)
	if err != nil {
		return err
	}
	hidden := d.cfg.HiddenUnits()
	rows := lb * c.seq
	if _, err := partitionSize(rows, hidden, d.cfg.Parallel.TensorSize); err != nil {
		return err
	}
	log.Debug("Context forward", "batch", c.batch, "seq", c.seq, "local_batch", lb, "iterations", iterations)

	bufs, release, err := d.scratch.acquire(rows, hidden, !d.cfg.FreeBufferAfterForward)
	if err != nil {
		return err
	}
	defer func() {
		// Drain before the buffers can go back to the allocator.
		if serr := d.stream.Synchronize(); err == nil {
			err = serr
		}
		release(err)
	}()

	first := d.part.FirstLayer()
	start, end := d.part.Layers()
	for ite := 0; ite < iterations; ite++ {
		kv, err := d.iteration(c, ite, lb)
		if err != nil {
			return err
		}
		for l := start; l < end; l++ {
			src, dst := bufs.layer, bufs.layer
			if l == 0 {
				src = kv.input
			}
			if l == d.cfg.NumLayers-1 {
				dst = kv.output
			}
			kc, err := parallel.CacheSlice(c.keys, l, first, lb, ite)
			if err != nil {
				return fmt.Errorf("layer %d key cache: %w", l, err)
			}
			vc, err := parallel.CacheSlice(c.values, l, first, lb, ite)
			if err != nil {
				return fmt.Errorf("layer %d value cache: %w", l, err)
			}
			attnIn := device.TensorMap{
				"input_query":             bufs.normed,
				"attention_mask":          kv.mask,
				"d_prefix_prompt_batch":   kv.prefixes,
				"d_prefix_prompt_lengths": kv.prefixLengths,
				"layer_id":                device.Scalar(l),
			}
			attnOut := device.TensorMap{"attention_output": bufs.attn, "key_cache": kc, "value_cache": vc}
			if err := d.layer(ctx, l, ite, src, dst, bufs, func(w *weights.Layer) error {
				return d.kernels.Context.ContextAttention(ctx, attnOut, attnIn, &w.Attention)
			}); err != nil {
				return err
			}
			layers++
		}
	}

	last := c.last
	d.stream.Enqueue("last token lookup", func() error {
		return d.kernels.LastToken.LastToken(last, c.output, c.lengths)
	})
	if err := d.stream.Synchronize(); err != nil {
		return fmt.Errorf("sync after last token lookup: %w", err)
	}
	return nil
}

// iterationViews are one local batch's slices of the call tensors.
type iterationViews struct {
	input, output, mask, prefixes, prefixLengths device.Tensor
}

func (d *ContextDecoder) iteration(c contextCall, ite, lb int) (iterationViews, error) {
	var v iterationViews
	hidden := d.cfg.HiddenUnits()
	rows := lb * c.seq
	var err error
	if v.input, err = c.input.View(ite*rows*hidden, rows, hidden); err != nil {
		return v, err
	}
	if v.output, err = c.output.View(ite*rows*hidden, rows, hidden); err != nil {
		return v, err
	}
	if v.mask, err = c.mask.View(ite*lb*c.seq*c.width, lb, 1, c.seq, c.width); err != nil {
		return v, err
	}
	v.prefixes = c.prefixes.Refs(ite*lb, lb)
	if v.prefixLengths, err = c.prefixLengths.View(ite*lb, lb); err != nil {
		return v, err
	}
	return v, nil
}
