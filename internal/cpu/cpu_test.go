package cpu

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/23skdu/longbow-quiver/internal/comm"
	"github.com/23skdu/longbow-quiver/internal/config"
	"github.com/23skdu/longbow-quiver/internal/device"
	"github.com/23skdu/longbow-quiver/internal/weights"
)

var approx = cmpopts.EquateApprox(0, 1e-4)

func testConfig() config.Config {
	return config.Config{
		HeadNum:            2,
		SizePerHead:        8,
		InterSize:          32,
		NumLayers:          1,
		RotaryEmbeddingDim: 4,
		LayerNormEps:       1e-5,
		MaxBatchSize:       4,
		MaxSeqLen:          8,
		DataType:           device.TypeFP32,
		Parallel:           config.Parallel{TensorSize: 1, PipelineSize: 1},
	}
}

func mustTensor(t *testing.T, data []float32, shape ...int) device.Tensor {
	t.Helper()
	x, err := device.FromFloat32(device.TypeFP32, data, shape...)
	if err != nil {
		t.Fatalf("FromFloat32 failed: %v", err)
	}
	return x
}

func floats(t *testing.T, x device.Tensor) []float32 {
	t.Helper()
	v, err := x.Float32s()
	if err != nil {
		t.Fatalf("Float32s failed: %v", err)
	}
	return v
}

func ramp(n int, scale float32) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = scale * float32(math.Sin(float64(i)*0.7+0.3))
	}
	return out
}

func caches(cfg config.Config, batch, maxSeq int) (device.Tensor, device.Tensor) {
	x := cfg.CacheX()
	k := device.NewTensor(cfg.DataType, batch, cfg.LocalHeadNum(), cfg.SizePerHead/x, maxSeq, x)
	v := device.NewTensor(cfg.DataType, batch, cfg.LocalHeadNum(), maxSeq, cfg.SizePerHead)
	return k, v
}

func causalMask(t *testing.T, batch, seq int, lens []int) device.Tensor {
	m := make([]float32, batch*seq*seq)
	for b := 0; b < batch; b++ {
		for i := 0; i < seq; i++ {
			for j := 0; j <= i && j < lens[b]; j++ {
				m[(b*seq+i)*seq+j] = 1
			}
		}
	}
	return mustTensor(t, m, batch, 1, seq, seq)
}

func contextInputs(t *testing.T, x device.Tensor, batch, seq int, lens []int) device.TensorMap {
	return device.TensorMap{
		"input_query":             x,
		"attention_mask":          causalMask(t, batch, seq, lens),
		"d_prefix_prompt_batch":   device.Null(device.TypePointer, batch),
		"d_prefix_prompt_lengths": device.Null(device.TypeINT32, batch),
		"layer_id":                device.Scalar(0),
	}
}

func stepInputs(x device.Tensor, batch, step int, finished []bool) device.TensorMap {
	return device.TensorMap{
		"input_query":              x,
		"finished":                 device.FromBool(finished, batch),
		"sequence_lengths":         device.FromInt32(make([]int32, batch), batch),
		"total_padding_tokens":     device.FromInt32(make([]int32, batch), batch),
		"d_prefix_prompt_lengths":  device.Null(device.TypeINT32, batch),
		"max_prefix_prompt_length": device.Scalar(0),
		"max_input_length":         device.Scalar(step - 1),
		"step":                     device.Scalar(step),
		"cache_indirection":        device.Null(device.TypeINT32, batch, 1, step),
		"masked_tokens":            device.Null(device.TypeBool, batch, step),
	}
}

func TestSoftmaxStability(t *testing.T) {
	x := make([]float32, 10)
	for i := range x {
		x[i] = float32(1000 + i)
	}
	softmax(x)
	var sum float32
	for _, v := range x {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			t.Fatalf("softmax produced %v", v)
		}
		sum += v
	}
	if math.Abs(float64(sum-1)) > 1e-5 {
		t.Errorf("softmax sums to %v", sum)
	}
}

func TestGelu(t *testing.T) {
	if gelu(0) != 0 {
		t.Errorf("gelu(0) = %v", gelu(0))
	}
	if math.Abs(float64(gelu(3)-2.9964)) > 1e-3 {
		t.Errorf("gelu(3) = %v, want ~2.9964", gelu(3))
	}
	if gelu(-6) > 0 || gelu(-6) < -1e-3 {
		t.Errorf("gelu(-6) = %v, want ~0", gelu(-6))
	}
}

func TestRotate(t *testing.T) {
	v := []float32{1, 2, 3, 4, 5}
	rotate(v, 4, 0)
	if diff := cmp.Diff([]float32{1, 2, 3, 4, 5}, v); diff != "" {
		t.Errorf("position 0 should be identity:\n%s", diff)
	}
	rotate(v, 4, 7)
	if math.Abs(float64(v[0]*v[0]+v[1]*v[1]-5)) > 1e-4 {
		t.Errorf("rotation changed pair norm: %v", v[:2])
	}
	if v[4] != 5 {
		t.Error("dimensions past rotary_dim must be untouched")
	}
}

func TestLayerNorm(t *testing.T) {
	b := New(testConfig(), nil)
	in := mustTensor(t, []float32{1, 2, 3, 4, 2, 2, 2, 2}, 2, 4)
	gamma := mustTensor(t, []float32{1, 1, 2, 1}, 4)
	beta := mustTensor(t, []float32{0, 0, 0, 1}, 4)
	out := device.NewTensor(device.TypeFP32, 2, 4)

	if err := b.LayerNorm(out, in, gamma, beta, 1e-5); err != nil {
		t.Fatalf("LayerNorm failed: %v", err)
	}
	s := float32(1 / math.Sqrt(1.25+1e-5))
	want := []float32{-1.5 * s, -0.5 * s, 2 * 0.5 * s, 1.5*s + 1, 0, 0, 0, 1}
	if diff := cmp.Diff(want, floats(t, out), approx); diff != "" {
		t.Errorf("LayerNorm mismatch (-want +got):\n%s", diff)
	}

	if err := b.LayerNorm(out, in, mustTensor(t, []float32{1, 1}, 2), beta, 1e-5); !errors.Is(err, device.ErrPrecondition) {
		t.Errorf("expected precondition error for short gamma, got %v", err)
	}
}

func TestResidualContract(t *testing.T) {
	b := New(testConfig(), nil)
	input := mustTensor(t, []float32{1, 2, 3, 4, 5, 6}, 2, 3)
	attn := mustTensor(t, []float32{0.5, 0.5, 0.5, -1, -1, -1}, 2, 3)
	ffn := mustTensor(t, []float32{10, 20, 30, 40, 50, 60}, 2, 3)
	bias := mustTensor(t, []float32{100, 200, 300}, 3)

	// In place, the way the decoder reuses its layer buffer.
	if err := b.Residual(input, attn, ffn, input, bias); err != nil {
		t.Fatalf("Residual failed: %v", err)
	}
	want := []float32{111.5, 222.5, 333.5, 143, 254, 365}
	if diff := cmp.Diff(want, floats(t, input)); diff != "" {
		t.Errorf("Residual mismatch (-want +got):\n%s", diff)
	}
	if err := b.Residual(device.NewTensor(device.TypeFP32, 3, 2), attn, ffn, input, bias); !errors.Is(err, device.ErrPrecondition) {
		t.Errorf("expected precondition error for mismatched output, got %v", err)
	}
}

func TestLastToken(t *testing.T) {
	b := New(testConfig(), nil)
	hidden := mustTensor(t, []float32{
		1, 1, 2, 2, 3, 3,
		4, 4, 5, 5, 6, 6,
	}, 2, 3, 2)
	out := device.NewTensor(device.TypeFP32, 2, 2)

	if err := b.LastToken(out, hidden, device.FromInt32([]int32{2, 3}, 2)); err != nil {
		t.Fatalf("LastToken failed: %v", err)
	}
	if diff := cmp.Diff([]float32{2, 2, 6, 6}, floats(t, out)); diff != "" {
		t.Errorf("LastToken mismatch (-want +got):\n%s", diff)
	}
	if err := b.LastToken(out, hidden, device.FromInt32([]int32{0, 3}, 2)); !errors.Is(err, device.ErrPrecondition) {
		t.Errorf("expected precondition error for zero length, got %v", err)
	}
}

func randomLayer(t *testing.T, cfg config.Config) *weights.Layer {
	t.Helper()
	m, err := weights.Random(&cfg, 21)
	if err != nil {
		t.Fatalf("Random failed: %v", err)
	}
	return m.Layers[0]
}

func TestContextAttentionSingleToken(t *testing.T) {
	cfg := testConfig()
	b := New(cfg, nil)
	w := randomLayer(t, cfg)
	h := cfg.HiddenUnits()

	xs := ramp(h, 1)
	x := mustTensor(t, xs, 1, h)
	kc, vc := caches(cfg, 1, 4)
	out := device.NewTensor(device.TypeFP32, 1, h)
	err := b.ContextAttention(context.Background(),
		device.TensorMap{"attention_output": out, "key_cache": kc, "value_cache": vc},
		contextInputs(t, x, 1, 1, []int{1}), &w.Attention)
	if err != nil {
		t.Fatalf("ContextAttention failed: %v", err)
	}

	// One visible position: the context vector is that token's value.
	qkv := matmul(xs, 1, h, floats(t, w.Attention.QKV.Kernel), 3*h)
	want := matmul(qkv[2*h:], 1, h, floats(t, w.Attention.Output.Kernel), h)
	if diff := cmp.Diff(want, floats(t, out), approx); diff != "" {
		t.Errorf("attention output mismatch (-want +got):\n%s", diff)
	}

	vals := floats(t, vc)
	// value cache [1, heads, 4, dim]: head 1 position 0.
	if diff := cmp.Diff(qkv[2*h+8:2*h+16], vals[32:40], approx); diff != "" {
		t.Errorf("value cache mismatch (-want +got):\n%s", diff)
	}
}

func TestStepMatchesContext(t *testing.T) {
	cfg := testConfig()
	b := New(cfg, nil)
	w := randomLayer(t, cfg)
	h := cfg.HiddenUnits()
	ctx := context.Background()
	xs := ramp(3*h, 0.8)

	// Full context over three tokens.
	kcA, vcA := caches(cfg, 1, 8)
	outA := device.NewTensor(device.TypeFP32, 3, h)
	if err := b.ContextAttention(ctx,
		device.TensorMap{"attention_output": outA, "key_cache": kcA, "value_cache": vcA},
		contextInputs(t, mustTensor(t, xs, 3, h), 1, 3, []int{3}), &w.Attention); err != nil {
		t.Fatalf("ContextAttention failed: %v", err)
	}

	// Two tokens of context, then one decode step.
	kcB, vcB := caches(cfg, 1, 8)
	outB := device.NewTensor(device.TypeFP32, 2, h)
	if err := b.ContextAttention(ctx,
		device.TensorMap{"attention_output": outB, "key_cache": kcB, "value_cache": vcB},
		contextInputs(t, mustTensor(t, xs[:2*h], 2, h), 1, 2, []int{2}), &w.Attention); err != nil {
		t.Fatalf("ContextAttention failed: %v", err)
	}
	step := device.NewTensor(device.TypeFP32, 1, h)
	if err := b.StepAttention(ctx,
		device.TensorMap{"attention_output": step, "key_cache": kcB, "value_cache": vcB},
		stepInputs(mustTensor(t, xs[2*h:], 1, h), 1, 3, []bool{false}), &w.Attention); err != nil {
		t.Fatalf("StepAttention failed: %v", err)
	}

	if diff := cmp.Diff(floats(t, outA)[2*h:], floats(t, step), approx); diff != "" {
		t.Errorf("step output differs from context row (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(floats(t, kcA), floats(t, kcB), approx); diff != "" {
		t.Errorf("key caches differ (-want +got):\n%s", diff)
	}
}

func TestStepFinishedRows(t *testing.T) {
	cfg := testConfig()
	b := New(cfg, nil)
	w := randomLayer(t, cfg)
	h := cfg.HiddenUnits()

	kc, vc := caches(cfg, 2, 4)
	out := device.NewTensor(device.TypeFP32, 2, h)
	err := b.StepAttention(context.Background(),
		device.TensorMap{"attention_output": out, "key_cache": kc, "value_cache": vc},
		stepInputs(mustTensor(t, ramp(2*h, 1), 2, h), 2, 1, []bool{false, true}), &w.Attention)
	if err != nil {
		t.Fatalf("StepAttention failed: %v", err)
	}
	got := floats(t, out)
	for i, v := range got[h:] {
		if v != 0 {
			t.Fatalf("finished row output[%d] = %v, want 0", i, v)
		}
	}
	vals := floats(t, vc)
	half := len(vals) / 2
	for i, v := range vals[half:] {
		if v != 0 {
			t.Fatalf("finished row wrote value cache element %d", i)
		}
	}
	nonzero := false
	for _, v := range vals[:half] {
		if v != 0 {
			nonzero = true
		}
	}
	if !nonzero {
		t.Error("active row did not write its value cache")
	}
}

func TestStepCacheIndirection(t *testing.T) {
	cfg := testConfig()
	b := New(cfg, nil)
	w := randomLayer(t, cfg)
	h := cfg.HiddenUnits()
	ctx := context.Background()

	// Two beams with different histories.
	kc, vc := caches(cfg, 2, 8)
	hist := device.NewTensor(device.TypeFP32, 4, h)
	_ = hist.WriteFloat32(append(ramp(2*h, 1), ramp(2*h, -0.5)...))
	if err := b.ContextAttention(ctx,
		device.TensorMap{"attention_output": device.NewTensor(device.TypeFP32, 4, h), "key_cache": kc, "value_cache": vc},
		contextInputs(t, hist, 2, 2, []int{2, 2}), &w.Attention); err != nil {
		t.Fatalf("ContextAttention failed: %v", err)
	}

	// Both beams decode the same token; beam 1 reads beam 0's history.
	tok := ramp(h, 0.3)
	in := stepInputs(mustTensor(t, append(append([]float32(nil), tok...), tok...), 2, h), 2, 3, []bool{false, false})
	in["cache_indirection"] = device.FromInt32([]int32{0, 0, 0, 0, 0, 0}, 1, 2, 3)
	out := device.NewTensor(device.TypeFP32, 2, h)
	if err := b.StepAttention(ctx,
		device.TensorMap{"attention_output": out, "key_cache": kc, "value_cache": vc}, in, &w.Attention); err != nil {
		t.Fatalf("StepAttention failed: %v", err)
	}
	got := floats(t, out)
	if diff := cmp.Diff(got[:h], got[h:], approx); diff != "" {
		t.Errorf("beam 1 should match beam 0 through indirection (-want +got):\n%s", diff)
	}

	in["cache_indirection"] = device.FromInt32([]int32{0, 0, 0, 5, 0, 0}, 1, 2, 3)
	if err := b.StepAttention(ctx,
		device.TensorMap{"attention_output": out, "key_cache": kc, "value_cache": vc}, in, &w.Attention); !errors.Is(err, device.ErrPrecondition) {
		t.Errorf("expected precondition error for out of beam indirection, got %v", err)
	}
}

func TestStepMaskedTokensAndPrefixGap(t *testing.T) {
	cfg := testConfig()
	b := New(cfg, nil)
	w := randomLayer(t, cfg)
	h := cfg.HiddenUnits()
	ctx := context.Background()

	kc, vc := caches(cfg, 1, 8)
	// Garbage in the skipped slots must not leak in.
	_ = vc.WriteFloat32(ramp(vc.Elements(), 50))
	_ = kc.WriteFloat32(ramp(kc.Elements(), 50))
	in := stepInputs(mustTensor(t, ramp(h, 1), 1, h), 1, 3, []bool{false})
	in["masked_tokens"] = device.FromBool([]bool{true, true, false}, 1, 3)
	a := device.NewTensor(device.TypeFP32, 1, h)
	if err := b.StepAttention(ctx, device.TensorMap{"attention_output": a, "key_cache": kc, "value_cache": vc}, in, &w.Attention); err != nil {
		t.Fatalf("StepAttention failed: %v", err)
	}

	in = stepInputs(mustTensor(t, ramp(h, 1), 1, h), 1, 3, []bool{false})
	in["max_prefix_prompt_length"] = device.Scalar(2)
	in["d_prefix_prompt_lengths"] = device.FromInt32([]int32{0}, 1)
	in["total_padding_tokens"] = device.FromInt32([]int32{0}, 1)
	c := device.NewTensor(device.TypeFP32, 1, h)
	if err := b.StepAttention(ctx, device.TensorMap{"attention_output": c, "key_cache": kc, "value_cache": vc}, in, &w.Attention); err != nil {
		t.Fatalf("StepAttention failed: %v", err)
	}

	// Only the new token is visible in both cases.
	qkv := matmul(ramp(h, 1), 1, h, floats(t, w.Attention.QKV.Kernel), 3*h)
	want := matmul(qkv[2*h:], 1, h, floats(t, w.Attention.Output.Kernel), h)
	if diff := cmp.Diff(want, floats(t, a), approx); diff != "" {
		t.Errorf("masked tokens leaked (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(want, floats(t, c), approx); diff != "" {
		t.Errorf("prefix gap leaked (-want +got):\n%s", diff)
	}
}

func TestContextAttentionPrefixPrompt(t *testing.T) {
	cfg := testConfig()
	b := New(cfg, nil)
	w := randomLayer(t, cfg)
	h, heads, dim := cfg.HiddenUnits(), cfg.LocalHeadNum(), cfg.SizePerHead

	prefix := mustTensor(t, ramp(2*heads*1*dim, 0.4), 2, heads, 1, dim)
	mask := mustTensor(t, []float32{1, 0, 1}, 1, 1, 1, 3) // one prefix, one unused slot, one token
	in := device.TensorMap{
		"input_query":             mustTensor(t, ramp(h, 1), 1, h),
		"attention_mask":          mask,
		"d_prefix_prompt_batch":   device.PointerArray([]device.Tensor{prefix}),
		"d_prefix_prompt_lengths": device.FromInt32([]int32{1}, 1),
		"layer_id":                device.Scalar(0),
	}
	kc, vc := caches(cfg, 1, 4)
	out := device.NewTensor(device.TypeFP32, 1, h)
	if err := b.ContextAttention(context.Background(),
		device.TensorMap{"attention_output": out, "key_cache": kc, "value_cache": vc}, in, &w.Attention); err != nil {
		t.Fatalf("ContextAttention failed: %v", err)
	}
	vals := floats(t, vc)
	pv := floats(t, prefix)
	// Head 0 position 0 holds the prefix value block.
	if diff := cmp.Diff(pv[heads*dim:heads*dim+dim], vals[:dim]); diff != "" {
		t.Errorf("prefix value not seeded (-want +got):\n%s", diff)
	}

	in["d_prefix_prompt_lengths"] = device.FromInt32([]int32{3}, 1)
	if err := b.ContextAttention(context.Background(),
		device.TensorMap{"attention_output": out, "key_cache": kc, "value_cache": vc}, in, &w.Attention); !errors.Is(err, device.ErrPrecondition) {
		t.Errorf("expected precondition error for prefix longer than its slots, got %v", err)
	}
}

func TestContextAttentionRejectsBadContract(t *testing.T) {
	cfg := testConfig()
	b := New(cfg, nil)
	w := randomLayer(t, cfg)
	h := cfg.HiddenUnits()
	kc, vc := caches(cfg, 1, 4)
	out := device.TensorMap{"attention_output": device.NewTensor(device.TypeFP32, 2, h), "key_cache": kc, "value_cache": vc}

	in := contextInputs(t, mustTensor(t, ramp(2*h, 1), 2, h), 1, 2, []int{2})
	delete(in, "layer_id")
	if err := b.ContextAttention(context.Background(), out, in, &w.Attention); !errors.Is(err, device.ErrPrecondition) {
		t.Errorf("expected precondition error for missing input, got %v", err)
	}

	in = contextInputs(t, mustTensor(t, ramp(2*h, 1), 2, h), 1, 2, []int{2})
	out["value_cache"] = device.NewTensor(device.TypeFP32, 1, 2, 4, 4)
	if err := b.ContextAttention(context.Background(), out, in, &w.Attention); !errors.Is(err, device.ErrPrecondition) {
		t.Errorf("expected precondition error for bad cache shape, got %v", err)
	}
}

func TestInt8AttentionCloseToFloat(t *testing.T) {
	cfg := testConfig()
	w := randomLayer(t, cfg)
	q, s, err := weights.QuantizeColumns(w.Attention.QKV.Kernel)
	if err != nil {
		t.Fatalf("QuantizeColumns failed: %v", err)
	}
	w.Attention.QKV.Int8Kernel, w.Attention.QKV.Scale = q, s
	h := cfg.HiddenUnits()

	run := func(int8Mode bool) []float32 {
		c := cfg
		c.Int8Mode = int8Mode
		kc, vc := caches(c, 1, 4)
		out := device.NewTensor(device.TypeFP32, 2, h)
		if err := New(c, nil).ContextAttention(context.Background(),
			device.TensorMap{"attention_output": out, "key_cache": kc, "value_cache": vc},
			contextInputs(t, mustTensor(t, ramp(2*h, 1), 2, h), 1, 2, []int{2}), &w.Attention); err != nil {
			t.Fatalf("ContextAttention failed: %v", err)
		}
		return floats(t, out)
	}
	if diff := cmp.Diff(run(false), run(true), cmpopts.EquateApprox(0, 0.05)); diff != "" {
		t.Errorf("int8 result too far from float (-float +int8):\n%s", diff)
	}
}

// runTensorParallel runs fn on every rank of a tp-way group concurrently.
func runTensorParallel(t *testing.T, tp int, fn func(rank int, b *Backend, w *weights.Layer) []float32) [][]float32 {
	t.Helper()
	fabric := comm.NewFabric()
	results := make([][]float32, tp)
	var wg sync.WaitGroup
	for r := 0; r < tp; r++ {
		cfg := testConfig()
		cfg.Parallel.TensorSize, cfg.Parallel.TensorRank = tp, r
		w := randomLayer(t, cfg)
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			results[r] = fn(r, New(cfg, fabric), w)
		}(r)
	}
	wg.Wait()
	return results
}

func TestFeedForwardTensorParallel(t *testing.T) {
	cfg := testConfig()
	h := cfg.HiddenUnits()
	x := mustTensor(t, ramp(3*h, 1), 3, h)

	ffn := func(b *Backend, w *weights.Layer) []float32 {
		out := device.NewTensor(device.TypeFP32, 3, h)
		err := b.FeedForward(context.Background(),
			device.TensorMap{"ffn_output": out},
			device.TensorMap{"ffn_input": x}, &w.FFN)
		if err != nil {
			t.Errorf("FeedForward failed: %v", err)
			return nil
		}
		v, _ := out.Float32s()
		return v
	}

	single := runTensorParallel(t, 1, func(_ int, b *Backend, w *weights.Layer) []float32 { return ffn(b, w) })
	split := runTensorParallel(t, 2, func(_ int, b *Backend, w *weights.Layer) []float32 { return ffn(b, w) })
	for r, got := range split {
		if diff := cmp.Diff(single[0], got, approx); diff != "" {
			t.Errorf("rank %d differs from single rank (-want +got):\n%s", r, diff)
		}
	}
	if diff := cmp.Diff(split[0], split[1]); diff != "" {
		t.Errorf("tensor ranks disagree bitwise:\n%s", diff)
	}
}

func TestContextAttentionTensorParallel(t *testing.T) {
	cfg := testConfig()
	h := cfg.HiddenUnits()
	in := contextInputs(t, mustTensor(t, ramp(2*h, 1), 2, h), 1, 2, []int{2})

	attn := func(b *Backend, w *weights.Layer) []float32 {
		kc, vc := caches(b.cfg, 1, 4)
		out := device.NewTensor(device.TypeFP32, 2, h)
		err := b.ContextAttention(context.Background(),
			device.TensorMap{"attention_output": out, "key_cache": kc, "value_cache": vc}, in, &w.Attention)
		if err != nil {
			t.Errorf("ContextAttention failed: %v", err)
			return nil
		}
		v, _ := out.Float32s()
		return v
	}
	single := runTensorParallel(t, 1, func(_ int, b *Backend, w *weights.Layer) []float32 { return attn(b, w) })
	split := runTensorParallel(t, 2, func(_ int, b *Backend, w *weights.Layer) []float32 { return attn(b, w) })
	for r, got := range split {
		if diff := cmp.Diff(single[0], got, approx); diff != "" {
			t.Errorf("rank %d differs from single rank (-want +got):\n%s", r, diff)
		}
	}
}

func TestReduceNeedsCommunicator(t *testing.T) {
	cfg := testConfig()
	cfg.Parallel.TensorSize = 2
	b := New(cfg, nil)
	if _, err := b.reduce(context.Background(), []float32{1}); !errors.Is(err, device.ErrPrecondition) {
		t.Errorf("expected precondition error, got %v", err)
	}
}
