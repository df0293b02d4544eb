package cpu

import (
	"context"
	"math"

	"github.com/23skdu/longbow-quiver/internal/device"
	"github.com/23skdu/longbow-quiver/internal/weights"
)

// cacheLayout addresses one layer/iteration slice of the caches:
// key [batch, heads, size_per_head/x, max_seq, x] and value
// [batch, heads, max_seq, size_per_head].
type cacheLayout struct {
	heads, dim, x, maxSeq int
}

func (c cacheLayout) key(b, h, d, s int) int {
	return (((b*c.heads+h)*(c.dim/c.x)+d/c.x)*c.maxSeq+s)*c.x + d%c.x
}

func (c cacheLayout) value(b, h, d, s int) int {
	return ((b*c.heads+h)*c.maxSeq+s)*c.dim + d
}

func (b *Backend) checkCaches(op string, kc, vc device.Tensor, batch int) (cacheLayout, error) {
	if len(vc.Shape) != 4 {
		return cacheLayout{}, device.Preconditionf("%s: value cache must be rank 4, got %v", op, vc.Shape)
	}
	l := cacheLayout{heads: b.cfg.LocalHeadNum(), dim: b.cfg.SizePerHead, x: b.cfg.CacheX(), maxSeq: vc.Shape[2]}
	if err := device.CheckShape(op, "value_cache", vc, batch, l.heads, l.maxSeq, l.dim); err != nil {
		return cacheLayout{}, err
	}
	if err := device.CheckShape(op, "key_cache", kc, batch, l.heads, l.dim/l.x, l.maxSeq, l.x); err != nil {
		return cacheLayout{}, err
	}
	return l, nil
}

// project runs the fused QKV projection for rows of x.
func (b *Backend) project(x []float32, rows int, w *weights.Attention) ([]float32, error) {
	hidden, lh := b.cfg.HiddenUnits(), b.cfg.LocalHiddenUnits()
	if err := device.CheckShape("attention", "qkv kernel", w.QKV.Kernel, hidden, 3*lh); err != nil {
		return nil, err
	}
	wq, err := b.kernel(w.QKV.Kernel, w.QKV.Int8Kernel, w.QKV.Scale)
	if err != nil {
		return nil, err
	}
	qkv := matmul(x, rows, hidden, wq, 3*lh)
	if !w.QKV.Bias.IsNil() {
		bias, err := w.QKV.Bias.Float32s()
		if err != nil {
			return nil, err
		}
		for i := range qkv {
			qkv[i] += bias[i%(3*lh)]
		}
	}
	return qkv, nil
}

// outputProjection maps per-head context vectors back to hidden and
// reduces across the tensor group.
func (b *Backend) outputProjection(ctx context.Context, ctxv []float32, rows int, w *weights.Attention) ([]float32, error) {
	hidden, lh := b.cfg.HiddenUnits(), b.cfg.LocalHiddenUnits()
	if err := device.CheckShape("attention", "output kernel", w.Output.Kernel, lh, hidden); err != nil {
		return nil, err
	}
	wo, err := w.Output.Kernel.Float32s()
	if err != nil {
		return nil, err
	}
	return b.reduce(ctx, matmul(ctxv, rows, lh, wo, hidden))
}

func lengths(t device.Tensor, n int, op, name string) ([]int, error) {
	out := make([]int, n)
	if t.IsNil() {
		return out, nil
	}
	if err := device.CheckShape(op, name, t, n); err != nil {
		return nil, err
	}
	for i := range out {
		out[i] = int(t.Int32At(i))
	}
	return out, nil
}

// ContextAttention attends over a whole padded prompt per sequence. Cache
// positions [0, max_prefix) hold prefix prompt slots and token i lands at
// max_prefix + i with rotary position prefix_len + i.
//
// Inputs: input_query [lb*seq, hidden], attention_mask [lb, 1, seq,
// max_prefix+seq], d_prefix_prompt_batch [lb] (pointer array of
// [2, local_heads, prefix_len, size_per_head], may be null),
// d_prefix_prompt_lengths [lb] (may be null), layer_id [1].
// Outputs: attention_output [lb*seq, hidden], key_cache, value_cache.
func (b *Backend) ContextAttention(ctx context.Context, out, in device.TensorMap, w *weights.Attention) error {
	const op = "context attention"
	if err := in.Expect(op, "input_query", "attention_mask", "d_prefix_prompt_batch", "d_prefix_prompt_lengths", "layer_id"); err != nil {
		return err
	}
	if err := out.Expect(op, "attention_output", "key_cache", "value_cache"); err != nil {
		return err
	}
	mask := in["attention_mask"]
	if len(mask.Shape) != 4 || mask.Shape[1] != 1 {
		return device.Preconditionf("%s: attention mask must be [batch, 1, seq, seq+prefix], got %v", op, mask.Shape)
	}
	lb, seq, width := mask.Shape[0], mask.Shape[2], mask.Shape[3]
	maxPrefix := width - seq
	if maxPrefix < 0 {
		return device.Preconditionf("%s: mask width %d narrower than sequence %d", op, width, seq)
	}
	hidden, heads, dim, lh := b.cfg.HiddenUnits(), b.cfg.LocalHeadNum(), b.cfg.SizePerHead, b.cfg.LocalHiddenUnits()
	rows := lb * seq
	query, result := in["input_query"], out["attention_output"]
	if err := device.CheckShape(op, "input_query", query, rows, hidden); err != nil {
		return err
	}
	if err := device.CheckShape(op, "attention_output", result, rows, hidden); err != nil {
		return err
	}
	kc, vc := out["key_cache"], out["value_cache"]
	cl, err := b.checkCaches(op, kc, vc, lb)
	if err != nil {
		return err
	}
	if width > cl.maxSeq {
		return device.Preconditionf("%s: %d prefix slots plus %d tokens exceed cache length %d", op, maxPrefix, seq, cl.maxSeq)
	}

	prefixes := in["d_prefix_prompt_batch"]
	plens := make([]int, lb)
	if !prefixes.IsNil() {
		if plens, err = lengths(in["d_prefix_prompt_lengths"], lb, op, "d_prefix_prompt_lengths"); err != nil {
			return err
		}
	}
	for i, n := range plens {
		if n < 0 || n > maxPrefix {
			return device.Preconditionf("%s: prefix length %d of sequence %d outside [0, %d]", op, n, i, maxPrefix)
		}
	}

	x, err := query.Float32s()
	if err != nil {
		return err
	}
	m, err := mask.Float32s()
	if err != nil {
		return err
	}
	qkv, err := b.project(x, rows, w)
	if err != nil {
		return err
	}
	keys, err := kc.Float32s()
	if err != nil {
		return err
	}
	values, err := vc.Float32s()
	if err != nil {
		return err
	}

	rot := b.cfg.RotaryEmbeddingDim
	q := make([]float32, rows*lh)
	for bi := 0; bi < lb; bi++ {
		if n := plens[bi]; n > 0 {
			p := prefixes.Ref(bi)
			if err := device.CheckShape(op, "prefix prompt", p, 2, heads, n, dim); err != nil {
				return err
			}
			pv, err := p.Float32s()
			if err != nil {
				return err
			}
			for h := 0; h < heads; h++ {
				for s := 0; s < n; s++ {
					for d := 0; d < dim; d++ {
						keys[cl.key(bi, h, d, s)] = pv[(h*n+s)*dim+d]
						values[cl.value(bi, h, d, s)] = pv[((heads+h)*n+s)*dim+d]
					}
				}
			}
		}
		for i := 0; i < seq; i++ {
			row := bi*seq + i
			base := qkv[row*3*lh : (row+1)*3*lh]
			for h := 0; h < heads; h++ {
				qh := q[row*lh+h*dim : row*lh+(h+1)*dim]
				copy(qh, base[h*dim:(h+1)*dim])
				kh := append([]float32(nil), base[lh+h*dim:lh+(h+1)*dim]...)
				vh := base[2*lh+h*dim : 2*lh+(h+1)*dim]
				rotate(qh, rot, plens[bi]+i)
				rotate(kh, rot, plens[bi]+i)
				for d := 0; d < dim; d++ {
					keys[cl.key(bi, h, d, maxPrefix+i)] = kh[d]
					values[cl.value(bi, h, d, maxPrefix+i)] = vh[d]
				}
			}
		}
	}

	scale := float32(1 / math.Sqrt(float64(dim)))
	ctxv := make([]float32, rows*lh)
	parallelRows(rows, func(rowStart, rowEnd int) {
		scores := make([]float32, width)
		for row := rowStart; row < rowEnd; row++ {
			bi, i := row/seq, row%seq
			mrow := m[(bi*seq+i)*width : (bi*seq+i+1)*width]
			for h := 0; h < heads; h++ {
				qh := q[row*lh+h*dim : row*lh+(h+1)*dim]
				for s := 0; s < width; s++ {
					var dot float32
					for d := 0; d < dim; d++ {
						dot += qh[d] * keys[cl.key(bi, h, d, s)]
					}
					scores[s] = dot*scale + (1-mrow[s])*maskedScore
				}
				softmax(scores)
				acc := ctxv[row*lh+h*dim : row*lh+(h+1)*dim]
				for s := 0; s < width; s++ {
					if scores[s] == 0 {
						continue
					}
					for d := 0; d < dim; d++ {
						acc[d] += scores[s] * values[cl.value(bi, h, d, s)]
					}
				}
			}
		}
	})

	if err := kc.WriteFloat32(keys); err != nil {
		return err
	}
	if err := vc.WriteFloat32(values); err != nil {
		return err
	}
	attn, err := b.outputProjection(ctx, ctxv, rows, w)
	if err != nil {
		return err
	}
	return result.WriteFloat32(attn)
}

// StepAttention attends for one new token per sequence, written at cache
// position step-1. History positions come through cache_indirection for
// beam search; masked_tokens and the unused prefix slots
// [prefix_len, max_prefix) are skipped. Finished sequences produce zeros
// and leave the cache untouched.
func (b *Backend) StepAttention(ctx context.Context, out, in device.TensorMap, w *weights.Attention) error {
	const op = "step attention"
	if err := in.Expect(op, "input_query", "finished", "sequence_lengths", "total_padding_tokens",
		"d_prefix_prompt_lengths", "max_prefix_prompt_length", "max_input_length", "step",
		"cache_indirection", "masked_tokens"); err != nil {
		return err
	}
	if err := out.Expect(op, "attention_output", "key_cache", "value_cache"); err != nil {
		return err
	}
	query, result := in["input_query"], out["attention_output"]
	if len(query.Shape) != 2 {
		return device.Preconditionf("%s: input must be [batch, hidden], got %v", op, query.Shape)
	}
	lb := query.Shape[0]
	hidden, heads, dim, lh := b.cfg.HiddenUnits(), b.cfg.LocalHeadNum(), b.cfg.SizePerHead, b.cfg.LocalHiddenUnits()
	if err := device.CheckShape(op, "input_query", query, lb, hidden); err != nil {
		return err
	}
	if err := device.CheckShape(op, "attention_output", result, lb, hidden); err != nil {
		return err
	}
	kc, vc := out["key_cache"], out["value_cache"]
	cl, err := b.checkCaches(op, kc, vc, lb)
	if err != nil {
		return err
	}

	step := int(in["step"].Int32At(0))
	t := step - 1
	if t < 0 || t >= cl.maxSeq {
		return device.Preconditionf("%s: step %d outside cache length %d", op, step, cl.maxSeq)
	}
	maxPrefix := int(in["max_prefix_prompt_length"].Int32At(0))
	if maxInput := int(in["max_input_length"].Int32At(0)); maxInput < 0 || maxInput > cl.maxSeq {
		return device.Preconditionf("%s: max input length %d outside cache length %d", op, maxInput, cl.maxSeq)
	}
	finished := in["finished"]
	if err := device.CheckShape(op, "finished", finished, lb); err != nil {
		return err
	}
	seqLens, err := lengths(in["sequence_lengths"], lb, op, "sequence_lengths")
	if err != nil {
		return err
	}
	for i, n := range seqLens {
		if n < 0 || n > cl.maxSeq {
			return device.Preconditionf("%s: sequence length %d of row %d outside cache length %d", op, n, i, cl.maxSeq)
		}
	}
	padding, err := lengths(in["total_padding_tokens"], lb, op, "total_padding_tokens")
	if err != nil {
		return err
	}
	plens, err := lengths(in["d_prefix_prompt_lengths"], lb, op, "d_prefix_prompt_lengths")
	if err != nil {
		return err
	}

	beam := 1
	indir := in["cache_indirection"]
	if !indir.IsNil() {
		if len(indir.Shape) != 3 || indir.Shape[1] <= 0 || lb%indir.Shape[1] != 0 {
			return device.Preconditionf("%s: cache indirection must be [batch/beam, beam, memory], got %v", op, indir.Shape)
		}
		beam = indir.Shape[1]
		if err := device.CheckShape(op, "cache_indirection", indir, lb/beam, beam, indir.Shape[2]); err != nil {
			return err
		}
		if indir.Shape[2] < step {
			return device.Preconditionf("%s: cache indirection covers %d positions, step is %d", op, indir.Shape[2], step)
		}
	}
	masked := in["masked_tokens"]
	if !masked.IsNil() {
		if len(masked.Shape) != 2 || masked.Shape[0] != lb || masked.Shape[1] < step {
			return device.Preconditionf("%s: masked tokens must be [batch, >=%d], got %v", op, step, masked.Shape)
		}
	}

	x, err := query.Float32s()
	if err != nil {
		return err
	}
	qkv, err := b.project(x, lb, w)
	if err != nil {
		return err
	}
	keys, err := kc.Float32s()
	if err != nil {
		return err
	}
	values, err := vc.Float32s()
	if err != nil {
		return err
	}

	rot := b.cfg.RotaryEmbeddingDim
	q := make([]float32, lb*lh)
	for bi := 0; bi < lb; bi++ {
		if finished.BoolAt(bi) {
			continue
		}
		pos := t - padding[bi]
		if pos < 0 {
			return device.Preconditionf("%s: padding %d of row %d exceeds position %d", op, padding[bi], bi, t)
		}
		base := qkv[bi*3*lh : (bi+1)*3*lh]
		for h := 0; h < heads; h++ {
			qh := q[bi*lh+h*dim : bi*lh+(h+1)*dim]
			copy(qh, base[h*dim:(h+1)*dim])
			kh := append([]float32(nil), base[lh+h*dim:lh+(h+1)*dim]...)
			vh := base[2*lh+h*dim : 2*lh+(h+1)*dim]
			rotate(qh, rot, pos)
			rotate(kh, rot, pos)
			for d := 0; d < dim; d++ {
				keys[cl.key(bi, h, d, t)] = kh[d]
				values[cl.value(bi, h, d, t)] = vh[d]
			}
		}
	}

	scale := float32(1 / math.Sqrt(float64(dim)))
	memory := step
	if !indir.IsNil() {
		memory = indir.Shape[2]
	}
	ctxv := make([]float32, lb*lh)
	scores := make([]float32, 0, step)
	sources := make([]int, 0, step)
	positions := make([]int, 0, step)
	for bi := 0; bi < lb; bi++ {
		if finished.BoolAt(bi) {
			continue
		}
		scores, sources, positions = scores[:0], sources[:0], positions[:0]
		for s := 0; s <= t; s++ {
			if !masked.IsNil() && masked.BoolAt(bi*masked.Shape[1]+s) {
				continue
			}
			if s >= plens[bi] && s < maxPrefix {
				continue
			}
			src := bi
			if s < t && !indir.IsNil() {
				g, k := bi/beam, bi%beam
				src = g*beam + int(indir.Int32At((g*beam+k)*memory+s))
				if src < g*beam || src >= (g+1)*beam {
					return device.Preconditionf("%s: cache indirection of row %d at %d points outside its beam", op, bi, s)
				}
			}
			sources = append(sources, src)
			positions = append(positions, s)
			scores = append(scores, 0)
		}
		for h := 0; h < heads; h++ {
			qh := q[bi*lh+h*dim : bi*lh+(h+1)*dim]
			for j, s := range positions {
				var dot float32
				for d := 0; d < dim; d++ {
					dot += qh[d] * keys[cl.key(sources[j], h, d, s)]
				}
				scores[j] = dot * scale
			}
			softmax(scores)
			acc := ctxv[bi*lh+h*dim : bi*lh+(h+1)*dim]
			for j, s := range positions {
				for d := 0; d < dim; d++ {
					acc[d] += scores[j] * values[cl.value(sources[j], h, d, s)]
				}
			}
		}
	}

	if err := kc.WriteFloat32(keys); err != nil {
		return err
	}
	if err := vc.WriteFloat32(values); err != nil {
		return err
	}
	attn, err := b.outputProjection(ctx, ctxv, lb, w)
	if err != nil {
		return err
	}
	return result.WriteFloat32(attn)
}
