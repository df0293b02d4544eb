package weights

import (
	"math"
	"math/rand/v2"

	"github.com/23skdu/longbow-quiver/internal/config"
	"github.com/23skdu/longbow-quiver/internal/device"
	"github.com/23skdu/longbow-quiver/internal/parallel"
)

// Random builds a deterministic model for the layers this rank owns. The
// full unsharded matrices are drawn from a generator seeded by (seed,
// layer) and then cut for cfg's tensor rank, so every grid shape drawn
// from the same seed computes the same function.
func Random(cfg *config.Config, seed uint64) (*Model, error) {
	part, err := parallel.NewPartition(cfg.NumLayers, cfg.Parallel.PipelineRank, cfg.Parallel.PipelineSize)
	if err != nil {
		return nil, err
	}
	start, end := part.Layers()
	m := &Model{Layers: make([]*Layer, cfg.NumLayers)}
	for l := start; l < end; l++ {
		layer, err := randomLayer(cfg, rand.New(rand.NewPCG(seed, uint64(l))))
		if err != nil {
			return nil, err
		}
		m.Layers[l] = layer
	}
	return m, nil
}

func fill(rng *rand.Rand, n int, center, spread float32) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = center + spread*(2*rng.Float32()-1)
	}
	return out
}

// columns keeps cols [lo, hi) of a row-major [rows, width] matrix.
func columns(full []float32, rows, width, lo, hi int) []float32 {
	out := make([]float32, 0, rows*(hi-lo))
	for r := 0; r < rows; r++ {
		out = append(out, full[r*width+lo:r*width+hi]...)
	}
	return out
}

func randomLayer(cfg *config.Config, rng *rand.Rand) (*Layer, error) {
	h := cfg.HiddenUnits()
	inter := cfg.InterSize
	tp, rank := cfg.Parallel.TensorSize, cfg.Parallel.TensorRank
	lh, li := h/tp, inter/tp
	dt := cfg.DataType

	gamma := fill(rng, h, 1, 0.1)
	beta := fill(rng, h, 0, 0.1)
	qkv := fill(rng, h*3*h, 0, float32(1/math.Sqrt(float64(h))))
	wo := fill(rng, h*h, 0, float32(1/math.Sqrt(float64(h))))
	w1 := fill(rng, h*inter, 0, float32(1/math.Sqrt(float64(h))))
	b1 := fill(rng, inter, 0, 0.05)
	w2 := fill(rng, inter*h, 0, float32(1/math.Sqrt(float64(inter))))
	b2 := fill(rng, h, 0, 0.05)

	// The full QKV has columns [3][h]; each block is split by head range.
	var qkvShard []float32
	for r := 0; r < h; r++ {
		row := qkv[r*3*h : (r+1)*3*h]
		for blk := 0; blk < 3; blk++ {
			qkvShard = append(qkvShard, row[blk*h+rank*lh:blk*h+(rank+1)*lh]...)
		}
	}

	layer := &Layer{}
	var err error
	if layer.PreLayerNorm.Gamma, err = device.FromFloat32(dt, gamma, h); err != nil {
		return nil, err
	}
	if layer.PreLayerNorm.Beta, err = device.FromFloat32(dt, beta, h); err != nil {
		return nil, err
	}
	if layer.Attention.QKV.Kernel, err = device.FromFloat32(dt, qkvShard, h, 3*lh); err != nil {
		return nil, err
	}
	if layer.Attention.Output.Kernel, err = device.FromFloat32(dt, wo[rank*lh*h:(rank+1)*lh*h], lh, h); err != nil {
		return nil, err
	}
	if layer.FFN.Intermediate.Kernel, err = device.FromFloat32(dt, columns(w1, h, inter, rank*li, (rank+1)*li), h, li); err != nil {
		return nil, err
	}
	if layer.FFN.Intermediate.Bias, err = device.FromFloat32(dt, b1[rank*li:(rank+1)*li], li); err != nil {
		return nil, err
	}
	if layer.FFN.Output.Kernel, err = device.FromFloat32(dt, w2[rank*li*h:(rank+1)*li*h], li, h); err != nil {
		return nil, err
	}
	if layer.FFN.Output.Bias, err = device.FromFloat32(dt, b2, h); err != nil {
		return nil, err
	}
	if cfg.Int8Mode {
		if err := layer.pack(); err != nil {
			return nil, err
		}
	}
	return layer, nil
}
