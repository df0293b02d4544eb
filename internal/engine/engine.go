// Package engine orchestrates one rank's share of a GPT-J decoder stack:
// it walks the layers this pipeline stage owns per batch iteration, drives
// the stage boundary exchange, addresses the key/value caches and manages
// the transient layer buffers. Numerics come from a Kernels set.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/23skdu/longbow-quiver/internal/comm"
	"github.com/23skdu/longbow-quiver/internal/config"
	"github.com/23skdu/longbow-quiver/internal/cpu"
	"github.com/23skdu/longbow-quiver/internal/device"
	"github.com/23skdu/longbow-quiver/internal/logger"
	"github.com/23skdu/longbow-quiver/internal/metrics"
	"github.com/23skdu/longbow-quiver/internal/parallel"
	"github.com/23skdu/longbow-quiver/internal/weights"
)

// ErrPrecondition marks caller or configuration bugs: wrong tensor counts,
// missing names, shape mismatches, non-divisible chunking, allocator
// failures. Test with errors.Is.
var ErrPrecondition = device.ErrPrecondition

const (
	ModeContext = "context"
	ModeStep    = "step"
)

// Normalizer applies the pre-attention layer norm.
type Normalizer interface {
	LayerNorm(out, in, gamma, beta device.Tensor, eps float32) error
}

// ContextAttention attends over whole prompts and fills the caches.
type ContextAttention interface {
	ContextAttention(ctx context.Context, out, in device.TensorMap, w *weights.Attention) error
}

// StepAttention attends one new token per row against the caches.
type StepAttention interface {
	StepAttention(ctx context.Context, out, in device.TensorMap, w *weights.Attention) error
}

// FeedForward runs the GeLU MLP on the normed input.
type FeedForward interface {
	FeedForward(ctx context.Context, out, in device.TensorMap, w *weights.FFN) error
}

// ResidualMerge computes out = ffn + attn + input + bias.
type ResidualMerge interface {
	Residual(out, attn, ffn, input, bias device.Tensor) error
}

// LastTokenLookup copies each row's final prompt position out of the hidden states.
type LastTokenLookup interface {
	LastToken(out, hidden, lengths device.Tensor) error
}

// Kernels is the numeric collaborator set. Attention and FFN results must
// already be reduced across the tensor group on return.
type Kernels struct {
	Norm      Normalizer
	Context   ContextAttention
	Step      StepAttention
	FFN       FeedForward
	Residual  ResidualMerge
	LastToken LastTokenLookup
}

// CPUKernels binds every kernel to the host reference backend.
func CPUKernels(b *cpu.Backend) Kernels {
	return Kernels{Norm: b, Context: b, Step: b, FFN: b, Residual: b, LastToken: b}
}

func (k Kernels) check(mode string) error {
	if k.Norm == nil || k.FFN == nil || k.Residual == nil {
		return device.Preconditionf("kernels: norm, ffn and residual are required")
	}
	switch mode {
	case ModeContext:
		if k.Context == nil || k.LastToken == nil {
			return device.Preconditionf("kernels: context decoder needs context attention and last token lookup")
		}
	case ModeStep:
		if k.Step == nil {
			return device.Preconditionf("kernels: step decoder needs step attention")
		}
	}
	return nil
}

// Observer is told about every finished forward call.
type Observer interface {
	ObserveForward(mode string, layers int, duration time.Duration, err error)
}

type options struct {
	alloc       device.Allocator
	localBatch  parallel.LocalBatchFunc
	observer    Observer
	tracer      *Tracer
	log         *logger.Logger
	streamDepth int
}

type Option func(*options)

// WithAllocator sets the scratch allocator. The default is a HostAllocator
// with the package default ceiling.
func WithAllocator(a device.Allocator) Option {
	return func(o *options) { o.alloc = a }
}

// WithLocalBatch replaces the batch chunking heuristic of the context decoder.
func WithLocalBatch(fn parallel.LocalBatchFunc) Option {
	return func(o *options) { o.localBatch = fn }
}

func WithObserver(obs Observer) Option {
	return func(o *options) { o.observer = obs }
}

// WithTracer records per-layer activation statistics after every residual merge.
func WithTracer(t *Tracer) Option {
	return func(o *options) { o.tracer = t }
}

func WithLogger(l *logger.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithStreamDepth bounds the number of pending stream operations.
func WithStreamDepth(n int) Option {
	return func(o *options) { o.streamDepth = n }
}

// decoder is the state shared by both orchestrators.
type decoder struct {
	mode     string
	cfg      config.Config
	part     parallel.Partition
	model    *weights.Model
	kernels  Kernels
	comm     comm.Communicator
	tensor   comm.Group
	pipeline comm.Group
	stream   *device.Stream
	scratch  *scratch
	opts     options
	log      *logger.Logger

	// busy rejects a second Forward while one is running.
	busy sync.Mutex
}

func newDecoder(mode string, cfg config.Config, model *weights.Model, k Kernels, c comm.Communicator, opts []Option) (*decoder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPrecondition, err)
	}
	if err := k.check(mode); err != nil {
		return nil, err
	}
	if c == nil && cfg.Parallel.WorldSize() > 1 {
		return nil, device.Preconditionf("%d ranks need a communicator", cfg.Parallel.WorldSize())
	}
	part, err := parallel.NewPartition(cfg.NumLayers, cfg.Parallel.PipelineRank, cfg.Parallel.PipelineSize)
	if err != nil {
		return nil, err
	}
	if model == nil {
		return nil, device.Preconditionf("no weights")
	}
	start, end := part.Layers()
	for l := start; l < end; l++ {
		w, err := model.Layer(l)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrPrecondition, err)
		}
		if err := w.Check(&cfg); err != nil {
			return nil, fmt.Errorf("layer %d: %w", l, err)
		}
	}

	o := options{localBatch: parallel.DefaultLocalBatch}
	for _, opt := range opts {
		opt(&o)
	}
	if o.alloc == nil {
		o.alloc = device.NewHostAllocator(0)
	}
	if o.log == nil {
		o.log = logger.Log
	}
	tensor, pipeline := comm.NewGroups(cfg.Parallel)
	d := &decoder{
		mode:     mode,
		cfg:      cfg,
		part:     part,
		model:    model,
		kernels:  k,
		comm:     c,
		tensor:   tensor,
		pipeline: pipeline,
		stream:   device.NewStream(fmt.Sprintf("%s-%d", mode, cfg.Parallel.GlobalRank()), o.streamDepth),
		scratch:  newScratch(o.alloc, cfg.DataType),
		opts:     o,
		log: o.log.With("tp_rank", cfg.Parallel.TensorRank, "pp_rank", cfg.Parallel.PipelineRank,
			"mode", mode),
	}
	d.log.Debug("Decoder ready", "layers", part.String(), "data_type", cfg.DataType.String())
	return d, nil
}

// Partition reports which layers this decoder runs.
func (d *decoder) Partition() parallel.Partition {
	return d.part
}

// Close stops the stream and returns the scratch buffers.
func (d *decoder) Close() {
	d.stream.Close()
	d.scratch.free()
}

// begin claims the instance for one forward call. The returned func
// records the outcome and releases the claim.
func (d *decoder) begin() (*logger.Logger, func(layers int, err error), error) {
	if !d.busy.TryLock() {
		return nil, nil, device.Preconditionf("%s forward already running on this instance", d.mode)
	}
	if err := d.stream.Err(); err != nil {
		d.busy.Unlock()
		return nil, nil, fmt.Errorf("stream poisoned by earlier failure, rebuild the decoder: %w", err)
	}
	log := d.log.With("call_id", uuid.NewString())
	start := time.Now()
	log.Debug("Forward start")
	return log, func(layers int, err error) {
		elapsed := time.Since(start)
		metrics.RecordForward(d.mode, elapsed, err)
		if err != nil {
			log.Error("Forward failed", "error", err, "duration", elapsed)
		} else {
			log.Debug("Forward done", "layers", layers, "duration", elapsed)
		}
		if d.opts.observer != nil {
			d.opts.observer.ObserveForward(d.mode, layers, elapsed, err)
		}
		d.busy.Unlock()
	}, nil
}

// sync waits for the stream and tags a failure with where it surfaced.
func (d *decoder) sync(l int, stage string) error {
	if err := d.stream.Synchronize(); err != nil {
		return fmt.Errorf("sync after layer %d %s: %w", l, stage, err)
	}
	return nil
}

// checkCaches validates the full key/value cache tensors for batch rows.
func (d *decoder) checkCaches(op string, kc, vc device.Tensor, batch int) (maxSeq int, err error) {
	if len(vc.Shape) != 5 {
		return 0, device.Preconditionf("%s: value cache must be rank 5, got %v", op, vc.Shape)
	}
	maxSeq = vc.Shape[3]
	if err := device.CheckShape(op, "value_cache", vc, d.cfg.ValueCacheShape(batch, maxSeq)...); err != nil {
		return 0, err
	}
	if err := device.CheckShape(op, "key_cache", kc, d.cfg.KeyCacheShape(batch, maxSeq)...); err != nil {
		return 0, err
	}
	return maxSeq, nil
}

// layer runs the per-layer body shared by both modes: boundary receive,
// norm, attention, FFN, residual merge, boundary send. attend enqueues the
// mode's attention kernel reading normed and writing bufs.attn.
func (d *decoder) layer(ctx context.Context, l, ite int, in, out device.Tensor, bufs scratchViews, attend func(w *weights.Layer) error) error {
	w := d.model.Layers[l]
	b := boundary{d: d, ctx: ctx}
	start := time.Now()

	if d.part.IsFirst(l) && d.pipeline.Rank > 0 {
		b.receive(l, in)
	}
	d.stream.Enqueue(fmt.Sprintf("layer %d: layer norm", l), func() error {
		return d.kernels.Norm.LayerNorm(bufs.normed, in, w.PreLayerNorm.Gamma, w.PreLayerNorm.Beta, d.cfg.LayerNormEps)
	})
	if err := d.sync(l, "layer norm"); err != nil {
		return err
	}
	d.stream.Enqueue(fmt.Sprintf("layer %d: %s attention", l, d.mode), func() error {
		return attend(w)
	})
	d.stream.Enqueue(fmt.Sprintf("layer %d: feed forward", l), func() error {
		return d.kernels.FFN.FeedForward(ctx,
			device.TensorMap{"ffn_output": bufs.ffn},
			device.TensorMap{"ffn_input": bufs.normed}, &w.FFN)
	})
	d.stream.Enqueue(fmt.Sprintf("layer %d: residual merge", l), func() error {
		return d.kernels.Residual.Residual(out, bufs.attn, bufs.ffn, in, w.FFN.Output.Bias)
	})
	if t := d.opts.tracer; t.Enabled() {
		d.stream.Enqueue(fmt.Sprintf("layer %d: trace", l), func() error {
			v, err := out.Float32s()
			if err != nil {
				return err
			}
			t.Record(d.mode, ite, l, v)
			return nil
		})
	}
	if err := d.sync(l, "residual merge"); err != nil {
		return err
	}
	if d.log.DebugEnabled() {
		d.log.Debug("Layer done", "layer", l, "ite", ite, "duration", time.Since(start))
	}
	if d.part.IsLast(l) && d.pipeline.Rank < d.pipeline.Size-1 {
		b.send(l, out)
	}
	metrics.RecordLayer(d.mode)
	return nil
}
