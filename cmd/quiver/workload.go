package main

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/23skdu/longbow-quiver/internal/comm"
	"github.com/23skdu/longbow-quiver/internal/config"
	"github.com/23skdu/longbow-quiver/internal/cpu"
	"github.com/23skdu/longbow-quiver/internal/device"
	"github.com/23skdu/longbow-quiver/internal/engine"
	"github.com/23skdu/longbow-quiver/internal/parallel"
	"github.com/23skdu/longbow-quiver/internal/weights"
)

const previewWidth = 8

// workload is one context forward over Batch prompts of Seq tokens followed
// by Steps generation steps. Embeddings are drawn from Seed so every rank
// builds the same inputs.
type workload struct {
	Batch      int
	Seq        int
	Steps      int
	LocalBatch int
	Seed       uint64
}

func (w workload) maxSeq() int {
	return w.Seq + w.Steps
}

func (w workload) validate(cfg *config.Config) error {
	if w.Batch <= 0 || w.Seq <= 0 || w.Steps < 0 {
		return device.Preconditionf("invalid workload: batch %d, seq %d, steps %d", w.Batch, w.Seq, w.Steps)
	}
	if w.Batch > cfg.MaxBatchSize {
		return device.Preconditionf("batch %d exceeds max_batch_size %d", w.Batch, cfg.MaxBatchSize)
	}
	if w.maxSeq() > cfg.MaxSeqLen {
		return device.Preconditionf("seq %d + steps %d exceeds max_seq_len %d", w.Seq, w.Steps, cfg.MaxSeqLen)
	}
	if w.LocalBatch > 0 {
		if _, err := parallel.Iterations(w.Batch, w.LocalBatch); err != nil {
			return err
		}
	}
	return nil
}

func (w workload) localBatch(cfg *config.Config) int {
	if w.LocalBatch > 0 {
		return w.LocalBatch
	}
	return parallel.DefaultLocalBatch(w.Batch, 1, cfg.Parallel.PipelineSize)
}

// embed stands in for the token embedding lookup. salt separates the prompt
// from each generated step and batch row, so chunking does not change the
// inputs.
func (w workload) embed(n int, salt uint64) []float32 {
	rng := rand.New(rand.NewPCG(w.Seed, salt))
	out := make([]float32, n)
	for i := range out {
		out[i] = rng.Float32()*2 - 1
	}
	return out
}

func causalMask(dt device.DataType, batch, seq int) (device.Tensor, error) {
	m := make([]float32, batch*seq*seq)
	for b := 0; b < batch; b++ {
		for i := 0; i < seq; i++ {
			for j := 0; j <= i; j++ {
				m[(b*seq+i)*seq+j] = 1
			}
		}
	}
	return device.FromFloat32(dt, m, batch, 1, seq, seq)
}

// rankReport is what one rank measured.
type rankReport struct {
	Parallel config.Parallel
	Layers   parallel.Partition
	Context  time.Duration
	Steps    []time.Duration
	// Preview holds the first values of the last step output, or of the
	// last token hidden state when no steps ran. Only the final stage
	// computes them.
	Preview []float32
}

func (r *rankReport) StepTotal() time.Duration {
	var total time.Duration
	for _, d := range r.Steps {
		total += d
	}
	return total
}

// runWorkload drives a context decoder and a step decoder for one rank.
func runWorkload(ctx context.Context, cfg config.Config, model *weights.Model, c comm.Communicator, w workload, opts ...engine.Option) (*rankReport, error) {
	if err := w.validate(&cfg); err != nil {
		return nil, err
	}
	lb := w.localBatch(&cfg)
	opts = append(opts, engine.WithLocalBatch(func(int, int, int) int { return lb }))

	k := engine.CPUKernels(cpu.New(cfg, c))
	cd, err := engine.NewContextDecoder(cfg, model, k, c, opts...)
	if err != nil {
		return nil, err
	}
	defer cd.Close()
	sd, err := engine.NewDecoder(cfg, model, k, c, opts...)
	if err != nil {
		return nil, err
	}
	defer sd.Close()

	report := &rankReport{Parallel: cfg.Parallel, Layers: cd.Partition()}
	out, in, err := contextTensors(&cfg, w)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	if err := cd.Forward(ctx, out, in); err != nil {
		return nil, fmt.Errorf("context forward: %w", err)
	}
	report.Context = time.Since(start)
	last := out["last_token_hidden_units"]

	iterations, err := parallel.Iterations(w.Batch, lb)
	if err != nil {
		return nil, err
	}
	for s := 0; s < w.Steps; s++ {
		step := w.Seq + s + 1
		start := time.Now()
		for ite := 0; ite < iterations; ite++ {
			sout, sin, err := stepTensors(&cfg, w, lb, step, ite, out)
			if err != nil {
				return nil, err
			}
			if err := sd.Forward(ctx, sout, sin); err != nil {
				return nil, fmt.Errorf("step %d ite %d: %w", step, ite, err)
			}
			if ite == 0 {
				last = sout["decoder_output"]
			}
		}
		report.Steps = append(report.Steps, time.Since(start))
	}

	if report.Layers.IsFinalStage() {
		values, err := last.Float32s()
		if err != nil {
			return nil, err
		}
		report.Preview = values[:min(previewWidth, len(values))]
	}
	return report, nil
}

func contextTensors(cfg *config.Config, w workload) (out, in device.TensorMap, err error) {
	h := cfg.HiddenUnits()
	input, err := device.FromFloat32(cfg.DataType, w.embed(w.Batch*w.Seq*h, 0), w.Batch, w.Seq, h)
	if err != nil {
		return nil, nil, err
	}
	mask, err := causalMask(cfg.DataType, w.Batch, w.Seq)
	if err != nil {
		return nil, nil, err
	}
	lengths := make([]int32, w.Batch)
	for i := range lengths {
		lengths[i] = int32(w.Seq)
	}
	in = device.TensorMap{
		"decoder_input":           input,
		"attention_mask":          mask,
		"input_lengths":           device.FromInt32(lengths, w.Batch),
		"d_prefix_prompt_batch":   device.Null(device.TypePointer, w.Batch),
		"d_prefix_prompt_lengths": device.Null(device.TypeINT32, w.Batch),
	}
	out = device.TensorMap{
		"decoder_output":          device.NewTensor(cfg.DataType, w.Batch, w.Seq, h),
		"key_cache":               device.NewTensor(cfg.DataType, cfg.KeyCacheShape(w.Batch, w.maxSeq())...),
		"value_cache":             device.NewTensor(cfg.DataType, cfg.ValueCacheShape(w.Batch, w.maxSeq())...),
		"last_token_hidden_units": device.NewTensor(cfg.DataType, w.Batch, h),
	}
	return out, in, nil
}

func stepTensors(cfg *config.Config, w workload, lb, step, ite int, caches device.TensorMap) (out, in device.TensorMap, err error) {
	h := cfg.HiddenUnits()
	x := make([]float32, 0, lb*h)
	for i := 0; i < lb; i++ {
		x = append(x, w.embed(h, uint64(step)<<32|uint64(ite*lb+i))...)
	}
	input, err := device.FromFloat32(cfg.DataType, x, lb, h)
	if err != nil {
		return nil, nil, err
	}
	seqLens := make([]int32, lb)
	for i := range seqLens {
		seqLens[i] = int32(step - 1)
	}
	in = device.TensorMap{
		"decoder_input":            input,
		"finished":                 device.FromBool(make([]bool, lb), lb),
		"sequence_lengths":         device.FromInt32(seqLens, lb),
		"total_padding_tokens":     device.FromInt32(make([]int32, lb), lb),
		"d_prefix_prompt_lengths":  device.Null(device.TypeINT32, lb),
		"max_prefix_prompt_length": device.Scalar(0),
		"max_input_length":         device.Scalar(w.Seq),
		"step":                     device.Scalar(step),
		"ite":                      device.Scalar(ite),
		"cache_indirection":        device.Null(device.TypeINT32, lb, 1, step),
		"masked_tokens":            device.Null(device.TypeBool, lb, step),
	}
	out = device.TensorMap{
		"decoder_output": device.NewTensor(cfg.DataType, lb, h),
		"key_cache":      caches["key_cache"],
		"value_cache":    caches["value_cache"],
	}
	return out, in, nil
}
