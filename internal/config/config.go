package config

import (
	"fmt"

	"github.com/23skdu/longbow-quiver/internal/device"
)

// Parallel holds this process's coordinates on the tensor x pipeline grid.
// It is fixed for the life of a model instance and passed by value to every
// component that needs it.
type Parallel struct {
	TensorRank   int
	TensorSize   int
	PipelineRank int
	PipelineSize int
}

// GlobalRank orders ranks pipeline-major: all tensor ranks of stage 0, then
// stage 1, and so on.
func (p Parallel) GlobalRank() int {
	return p.PipelineRank*p.TensorSize + p.TensorRank
}

func (p Parallel) WorldSize() int {
	return p.TensorSize * p.PipelineSize
}

// AtGlobalRank returns the coordinates of global rank r on the same grid.
func (p Parallel) AtGlobalRank(r int) Parallel {
	return Parallel{
		TensorRank:   r % p.TensorSize,
		TensorSize:   p.TensorSize,
		PipelineRank: r / p.TensorSize,
		PipelineSize: p.PipelineSize,
	}
}

func (p Parallel) Validate() error {
	if p.TensorSize <= 0 {
		return fmt.Errorf("invalid tensor_para_size: %d (must be positive)", p.TensorSize)
	}
	if p.PipelineSize <= 0 {
		return fmt.Errorf("invalid pipeline_para_size: %d (must be positive)", p.PipelineSize)
	}
	if p.TensorRank < 0 || p.TensorRank >= p.TensorSize {
		return fmt.Errorf("invalid tensor_para_rank: %d (must be in [0, %d))", p.TensorRank, p.TensorSize)
	}
	if p.PipelineRank < 0 || p.PipelineRank >= p.PipelineSize {
		return fmt.Errorf("invalid pipeline_para_rank: %d (must be in [0, %d))", p.PipelineRank, p.PipelineSize)
	}
	return nil
}

func (p Parallel) String() string {
	return fmt.Sprintf("tp %d/%d pp %d/%d", p.TensorRank, p.TensorSize, p.PipelineRank, p.PipelineSize)
}

type Config struct {
	HeadNum            int
	SizePerHead        int
	InterSize          int
	NumLayers          int
	RotaryEmbeddingDim int
	LayerNormEps       float32

	MaxBatchSize int
	MaxSeqLen    int

	DataType device.DataType
	Int8Mode bool

	// FreeBufferAfterForward releases scratch buffers at the end of every
	// forward call instead of keeping them for reuse.
	FreeBufferAfterForward bool

	Parallel Parallel
}

func (c *Config) Validate() error {
	if c.HeadNum <= 0 {
		return fmt.Errorf("invalid head_num: %d (must be positive)", c.HeadNum)
	}
	if c.SizePerHead <= 0 {
		return fmt.Errorf("invalid size_per_head: %d (must be positive)", c.SizePerHead)
	}
	if c.InterSize <= 0 {
		return fmt.Errorf("invalid inter_size: %d (must be positive)", c.InterSize)
	}
	if c.NumLayers <= 0 {
		return fmt.Errorf("invalid num_layer: %d (must be positive)", c.NumLayers)
	}
	if c.RotaryEmbeddingDim < 0 || c.RotaryEmbeddingDim > c.SizePerHead {
		return fmt.Errorf("invalid rotary_embedding_dim: %d (must be in [0, %d])", c.RotaryEmbeddingDim, c.SizePerHead)
	}
	if c.RotaryEmbeddingDim%2 != 0 {
		return fmt.Errorf("invalid rotary_embedding_dim: %d (must be even)", c.RotaryEmbeddingDim)
	}
	if c.LayerNormEps <= 0 {
		return fmt.Errorf("invalid layernorm_eps: %f (must be positive)", c.LayerNormEps)
	}
	if c.MaxBatchSize <= 0 {
		return fmt.Errorf("invalid max_batch_size: %d (must be positive)", c.MaxBatchSize)
	}
	if c.MaxSeqLen <= 0 {
		return fmt.Errorf("invalid max_seq_len: %d (must be positive)", c.MaxSeqLen)
	}
	if !c.DataType.IsFloat() {
		return fmt.Errorf("invalid data_type: %s (must be fp32, fp16 or bf16)", c.DataType)
	}
	if c.SizePerHead%c.CacheX() != 0 {
		return fmt.Errorf("size_per_head (%d) not divisible by key cache packing %d", c.SizePerHead, c.CacheX())
	}
	if err := c.Parallel.Validate(); err != nil {
		return err
	}
	if pp := c.Parallel.PipelineSize; c.LocalLayers()*(pp-1) >= c.NumLayers {
		return fmt.Errorf("num_layer (%d) leaves pipeline stage %d of %d without layers", c.NumLayers, pp-1, pp)
	}
	if c.HeadNum%c.Parallel.TensorSize != 0 {
		return fmt.Errorf("head_num (%d) not divisible by tensor_para_size (%d)", c.HeadNum, c.Parallel.TensorSize)
	}
	if c.InterSize%c.Parallel.TensorSize != 0 {
		return fmt.Errorf("inter_size (%d) not divisible by tensor_para_size (%d)", c.InterSize, c.Parallel.TensorSize)
	}
	return nil
}

func (c *Config) HiddenUnits() int {
	return c.HeadNum * c.SizePerHead
}

func (c *Config) LocalHeadNum() int {
	return c.HeadNum / c.Parallel.TensorSize
}

func (c *Config) LocalHiddenUnits() int {
	return c.LocalHeadNum() * c.SizePerHead
}

func (c *Config) LocalInterSize() int {
	return c.InterSize / c.Parallel.TensorSize
}

// CacheX is the innermost packing factor of the key cache: 16 bytes worth
// of elements.
func (c *Config) CacheX() int {
	size := c.DataType.Size()
	if size == 0 {
		return 1
	}
	return 16 / size
}

// LocalLayers is how many layers each pipeline stage holds.
func (c *Config) LocalLayers() int {
	return (c.NumLayers + c.Parallel.PipelineSize - 1) / c.Parallel.PipelineSize
}

// KeyCacheShape is [layers, batch, local_heads, size_per_head/x, max_seq_len, x].
func (c *Config) KeyCacheShape(batch, maxSeqLen int) []int {
	x := c.CacheX()
	return []int{c.LocalLayers(), batch, c.LocalHeadNum(), c.SizePerHead / x, maxSeqLen, x}
}

// ValueCacheShape is [layers, batch, local_heads, max_seq_len, size_per_head].
func (c *Config) ValueCacheShape(batch, maxSeqLen int) []int {
	return []int{c.LocalLayers(), batch, c.LocalHeadNum(), maxSeqLen, c.SizePerHead}
}

// Default returns the GPT-J 6B geometry on a single rank.
func Default() Config {
	return Config{
		HeadNum:            16,
		SizePerHead:        256,
		InterSize:          16384,
		NumLayers:          28,
		RotaryEmbeddingDim: 64,
		LayerNormEps:       1e-5,
		MaxBatchSize:       8,
		MaxSeqLen:          2048,
		DataType:           device.TypeFP16,
		Parallel: Parallel{
			TensorSize:   1,
			PipelineSize: 1,
		},
	}
}
