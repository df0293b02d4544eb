package weights

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/23skdu/longbow-quiver/internal/config"
	"github.com/23skdu/longbow-quiver/internal/device"
	"github.com/23skdu/longbow-quiver/internal/logger"
	"github.com/23skdu/longbow-quiver/internal/metrics"
	"github.com/23skdu/longbow-quiver/internal/parallel"
)

// field is one on-disk tensor of a layer.
type field struct {
	suffix  string
	sharded bool
	shape   func(c *config.Config) []int
	target  func(l *Layer) *device.Tensor
}

var fields = []field{
	{"input_layernorm.bias", false,
		func(c *config.Config) []int { return []int{c.HiddenUnits()} },
		func(l *Layer) *device.Tensor { return &l.PreLayerNorm.Beta }},
	{"input_layernorm.weight", false,
		func(c *config.Config) []int { return []int{c.HiddenUnits()} },
		func(l *Layer) *device.Tensor { return &l.PreLayerNorm.Gamma }},
	{"attention.query_key_value.weight", true,
		func(c *config.Config) []int { return []int{c.HiddenUnits(), 3 * c.LocalHiddenUnits()} },
		func(l *Layer) *device.Tensor { return &l.Attention.QKV.Kernel }},
	{"attention.dense.weight", true,
		func(c *config.Config) []int { return []int{c.LocalHiddenUnits(), c.HiddenUnits()} },
		func(l *Layer) *device.Tensor { return &l.Attention.Output.Kernel }},
	{"mlp.dense_h_to_4h.weight", true,
		func(c *config.Config) []int { return []int{c.HiddenUnits(), c.LocalInterSize()} },
		func(l *Layer) *device.Tensor { return &l.FFN.Intermediate.Kernel }},
	{"mlp.dense_h_to_4h.bias", true,
		func(c *config.Config) []int { return []int{c.LocalInterSize()} },
		func(l *Layer) *device.Tensor { return &l.FFN.Intermediate.Bias }},
	{"mlp.dense_4h_to_h.weight", true,
		func(c *config.Config) []int { return []int{c.LocalInterSize(), c.HiddenUnits()} },
		func(l *Layer) *device.Tensor { return &l.FFN.Output.Kernel }},
	{"mlp.dense_4h_to_h.bias", false,
		func(c *config.Config) []int { return []int{c.HiddenUnits()} },
		func(l *Layer) *device.Tensor { return &l.FFN.Output.Bias }},
}

// FileName is the path of one layer tensor: model.layers.<l>.<suffix>, with
// the tensor rank appended for sharded tensors.
func FileName(dir string, layer int, suffix string, sharded bool, tensorRank int) string {
	name := fmt.Sprintf("model.layers.%d.%s", layer, suffix)
	if sharded {
		name = fmt.Sprintf("%s.%d", name, tensorRank)
	}
	return filepath.Join(dir, name+".bin")
}

// Load reads the layers this rank owns from dir. Files hold raw
// little-endian values of fileType and are converted to cfg.DataType.
func Load(ctx context.Context, dir string, cfg *config.Config, fileType device.DataType) (*Model, error) {
	if !fileType.IsFloat() {
		return nil, fmt.Errorf("invalid weight file type: %s (must be fp32, fp16 or bf16)", fileType)
	}
	part, err := parallel.NewPartition(cfg.NumLayers, cfg.Parallel.PipelineRank, cfg.Parallel.PipelineSize)
	if err != nil {
		return nil, err
	}
	start, end := part.Layers()
	m := &Model{Layers: make([]*Layer, cfg.NumLayers)}

	t0 := time.Now()
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for l := start; l < end; l++ {
		g.Go(func() error {
			layer, err := loadLayer(ctx, dir, cfg, fileType, l)
			if err != nil {
				return fmt.Errorf("layer %d: %w", l, err)
			}
			m.Layers[l] = layer
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	logger.Log.Info("Loaded weights", "dir", dir, "layers", end-start, "bytes", m.Bytes(), "elapsed", time.Since(t0))
	return m, nil
}

func loadLayer(ctx context.Context, dir string, cfg *config.Config, fileType device.DataType, l int) (*Layer, error) {
	layer := &Layer{}
	for _, f := range fields {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		path := FileName(dir, l, f.suffix, f.sharded, cfg.Parallel.TensorRank)
		t, err := readTensor(path, fileType, cfg.DataType, f.shape(cfg))
		if err != nil {
			return nil, err
		}
		*f.target(layer) = t
	}
	if cfg.Int8Mode {
		if err := layer.pack(); err != nil {
			return nil, err
		}
	}
	return layer, nil
}

func readTensor(path string, fileType, dt device.DataType, shape []int) (device.Tensor, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return device.Tensor{}, fmt.Errorf("failed to read weight file: %w", err)
	}
	file := device.NewTensor(fileType, shape...)
	if len(raw) != file.Bytes() {
		return device.Tensor{}, fmt.Errorf("%s: expected %d bytes for shape %v, got %d", path, file.Bytes(), shape, len(raw))
	}
	copy(file.Raw(), raw)
	metrics.RecordWeightsLoaded(int64(len(raw)))

	if fileType == dt {
		return file, nil
	}
	vals, err := file.Float32s()
	if err != nil {
		return device.Tensor{}, err
	}
	return device.FromFloat32(dt, vals, shape...)
}

func (l *Layer) pack() error {
	q, s, err := QuantizeColumns(l.Attention.QKV.Kernel)
	if err != nil {
		return err
	}
	l.Attention.QKV.Int8Kernel, l.Attention.QKV.Scale = q, s
	return nil
}

// Save writes the layers m holds for tensor rank tensorRank in the layout
// Load reads. Replicated tensors are written by every rank; the contents
// are identical.
func Save(dir string, m *Model, tensorRank int, fileType device.DataType) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	for l, layer := range m.Layers {
		if layer == nil {
			continue
		}
		for _, f := range fields {
			t := *f.target(layer)
			vals, err := t.Float32s()
			if err != nil {
				return fmt.Errorf("layer %d %s: %w", l, f.suffix, err)
			}
			out, err := device.FromFloat32(fileType, vals, t.Shape...)
			if err != nil {
				return err
			}
			if err := os.WriteFile(FileName(dir, l, f.suffix, f.sharded, tensorRank), out.Raw(), 0o644); err != nil {
				return err
			}
		}
	}
	return nil
}
