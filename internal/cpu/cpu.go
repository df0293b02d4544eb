// Package cpu is the host reference backend for the GPT-J decoder layer:
// layer norm, attention with rotary embedding, GELU feed-forward, residual
// merge and last-token lookup. Values are computed in float32 and converted
// from and to each tensor's storage type at the edges.
package cpu

import (
	"context"
	"math"
	"runtime"
	"sync"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/23skdu/longbow-quiver/internal/comm"
	"github.com/23skdu/longbow-quiver/internal/config"
	"github.com/23skdu/longbow-quiver/internal/device"
)

// maskedScore is added to attention scores at masked positions.
const maskedScore = -10000

// rotaryBase is GPT-J's rotary embedding base.
const rotaryBase = 10000

// Backend runs the reference kernels for one rank. Tensor-parallel partial
// results are reduced over comm within the rank's tensor group; comm may
// be nil when the tensor group has a single member.
type Backend struct {
	cfg    config.Config
	comm   comm.Communicator
	tensor comm.Group
}

func New(cfg config.Config, c comm.Communicator) *Backend {
	tensor, _ := comm.NewGroups(cfg.Parallel)
	return &Backend{cfg: cfg, comm: c, tensor: tensor}
}

// parallelRows splits [0, rows) across CPUs.
func parallelRows(rows int, fn func(start, end int)) {
	parallelism := runtime.NumCPU()
	chunkSize := (rows + parallelism - 1) / parallelism
	if chunkSize == 0 {
		return
	}
	var wg sync.WaitGroup
	for i := 0; i < rows; i += chunkSize {
		end := min(i+chunkSize, rows)
		wg.Add(1)
		go func(rowStart, rowEnd int) {
			defer wg.Done()
			fn(rowStart, rowEnd)
		}(i, end)
	}
	wg.Wait()
}

// matmul returns a[m,k] x b[k,n].
func matmul(a []float32, m, k int, b []float32, n int) []float32 {
	c := make([]float32, m*n)
	if m == 0 || n == 0 || k == 0 {
		return c
	}
	blas32.Gemm(blas.NoTrans, blas.NoTrans, 1,
		blas32.General{Rows: m, Cols: k, Stride: k, Data: a},
		blas32.General{Rows: k, Cols: n, Stride: n, Data: b},
		0,
		blas32.General{Rows: m, Cols: n, Stride: n, Data: c},
	)
	return c
}

func softmax(x []float32) {
	if len(x) == 0 {
		return
	}
	max := x[0]
	for _, v := range x {
		if v > max {
			max = v
		}
	}
	sum := float32(0.0)
	for i := range x {
		x[i] = float32(math.Exp(float64(x[i] - max)))
		sum += x[i]
	}
	if sum > 0 {
		invSum := float32(1.0) / sum
		for i := range x {
			x[i] *= invSum
		}
	}
}

// gelu is the tanh approximation GPT-J uses.
func gelu(x float32) float32 {
	inner := x * float32(0.7978845608) * (float32(1.0) + float32(0.044715)*x*x)
	return float32(0.5) * x * (float32(1.0) + float32(math.Tanh(float64(inner))))
}

// rotate applies GPT-J interleaved rotary embedding to the first dim values
// of one head vector at position pos.
func rotate(v []float32, dim, pos int) {
	for i := 0; i+1 < dim; i += 2 {
		invFreq := 1 / math.Pow(rotaryBase, float64(i)/float64(dim))
		angle := float64(pos) * invFreq
		c, s := float32(math.Cos(angle)), float32(math.Sin(angle))
		x0, x1 := v[i], v[i+1]
		v[i] = x0*c - x1*s
		v[i+1] = x1*c + x0*s
	}
}

// kernel decodes a linear projection's matrix, dequantizing the packed form
// when int8 mode is on.
func (b *Backend) kernel(k, packed, scale device.Tensor) ([]float32, error) {
	if !b.cfg.Int8Mode || packed.IsNil() {
		return k.Float32s()
	}
	q, err := packed.Float32s()
	if err != nil {
		return nil, err
	}
	s, err := scale.Float32s()
	if err != nil {
		return nil, err
	}
	cols := len(s)
	for i := range q {
		q[i] *= s[i%cols]
	}
	return q, nil
}

// reduce sums a [rows, cols] partial result across the tensor group.
func (b *Backend) reduce(ctx context.Context, partial []float32) ([]float32, error) {
	tp := b.tensor.Size
	if tp <= 1 {
		return partial, nil
	}
	if b.comm == nil {
		return nil, device.Preconditionf("tensor group of %d ranks needs a communicator", tp)
	}
	n := len(partial)
	buf := device.NewTensor(device.TypeFP32, tp*n)
	own, err := buf.View(b.tensor.Rank*n, n)
	if err != nil {
		return nil, err
	}
	if err := own.WriteFloat32(partial); err != nil {
		return nil, err
	}
	if err := b.comm.AllGather(ctx, buf, b.tensor); err != nil {
		return nil, err
	}
	all, err := buf.Float32s()
	if err != nil {
		return nil, err
	}
	// Sum in rank order so every member produces identical bits.
	out := make([]float32, n)
	for r := 0; r < tp; r++ {
		for i := range out {
			out[i] += all[r*n+i]
		}
	}
	return out, nil
}

// LayerNorm normalizes each row of in: (x - mean) / sqrt(var + eps) *
// gamma + beta. out may alias in.
func (b *Backend) LayerNorm(out, in, gamma, beta device.Tensor, eps float32) error {
	if len(in.Shape) != 2 {
		return device.Preconditionf("layer norm: input must be rank 2, got %v", in.Shape)
	}
	rows, cols := in.Shape[0], in.Shape[1]
	if err := device.CheckShape("layer norm", "output", out, rows, cols); err != nil {
		return err
	}
	if err := device.CheckShape("layer norm", "gamma", gamma, cols); err != nil {
		return err
	}
	if err := device.CheckShape("layer norm", "beta", beta, cols); err != nil {
		return err
	}
	x, err := in.Float32s()
	if err != nil {
		return err
	}
	g, err := gamma.Float32s()
	if err != nil {
		return err
	}
	bt, err := beta.Float32s()
	if err != nil {
		return err
	}

	parallelRows(rows, func(rowStart, rowEnd int) {
		for row := rowStart; row < rowEnd; row++ {
			v := x[row*cols : (row+1)*cols]
			var mean float32
			for _, e := range v {
				mean += e
			}
			mean /= float32(cols)
			var variance float32
			for _, e := range v {
				d := e - mean
				variance += d * d
			}
			variance /= float32(cols)
			inv := float32(1.0) / float32(math.Sqrt(float64(variance)+float64(eps)))
			for j := range v {
				v[j] = (v[j]-mean)*inv*g[j] + bt[j]
			}
		}
	})
	return out.WriteFloat32(x)
}

// Residual writes out = ffn + attn + input + bias, with bias broadcast per
// column. out may alias input.
func (b *Backend) Residual(out, attn, ffn, input, bias device.Tensor) error {
	if len(input.Shape) != 2 {
		return device.Preconditionf("residual: input must be rank 2, got %v", input.Shape)
	}
	rows, cols := input.Shape[0], input.Shape[1]
	for _, c := range []struct {
		name string
		t    device.Tensor
	}{{"output", out}, {"attention", attn}, {"ffn", ffn}} {
		if err := device.CheckShape("residual", c.name, c.t, rows, cols); err != nil {
			return err
		}
	}
	if err := device.CheckShape("residual", "bias", bias, cols); err != nil {
		return err
	}
	x, err := input.Float32s()
	if err != nil {
		return err
	}
	a, err := attn.Float32s()
	if err != nil {
		return err
	}
	f, err := ffn.Float32s()
	if err != nil {
		return err
	}
	bs, err := bias.Float32s()
	if err != nil {
		return err
	}
	for i := range x {
		x[i] = f[i] + a[i] + x[i] + bs[i%cols]
	}
	return out.WriteFloat32(x)
}

// LastToken copies hidden[b, lengths[b]-1, :] into out[b, :].
func (b *Backend) LastToken(out, hidden, lengths device.Tensor) error {
	if len(hidden.Shape) != 3 {
		return device.Preconditionf("last token: hidden must be rank 3, got %v", hidden.Shape)
	}
	batch, seq, h := hidden.Shape[0], hidden.Shape[1], hidden.Shape[2]
	if err := device.CheckShape("last token", "output", out, batch, h); err != nil {
		return err
	}
	if err := device.CheckShape("last token", "lengths", lengths, batch); err != nil {
		return err
	}
	for i := 0; i < batch; i++ {
		n := int(lengths.Int32At(i))
		if n < 1 || n > seq {
			return device.Preconditionf("last token: input length %d of sequence %d outside [1, %d]", n, i, seq)
		}
		src, err := hidden.View((i*seq+n-1)*h, h)
		if err != nil {
			return err
		}
		dst, err := out.View(i*h, h)
		if err != nil {
			return err
		}
		if src.Type == dst.Type {
			copy(dst.Raw(), src.Raw())
			continue
		}
		v, err := src.Float32s()
		if err != nil {
			return err
		}
		if err := dst.WriteFloat32(v); err != nil {
			return err
		}
	}
	return nil
}
