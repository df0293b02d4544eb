// Package weights holds the per-layer parameter record of a GPT-J decoder
// and the loaders that populate it.
package weights

import (
	"fmt"
	"math"

	"github.com/23skdu/longbow-quiver/internal/config"
	"github.com/23skdu/longbow-quiver/internal/device"
)

// Linear is one projection. Kernel is [in, out] in the model's data type.
// When the model runs in int8 mode Int8Kernel holds the same matrix packed
// per output column with Scale as its [out] float32 dequantization factor.
// Bias may be Null.
type Linear struct {
	Kernel     device.Tensor
	Bias       device.Tensor
	Int8Kernel device.Tensor
	Scale      device.Tensor
}

func (l Linear) clone() Linear {
	return Linear{
		Kernel:     l.Kernel.Clone(),
		Bias:       l.Bias.Clone(),
		Int8Kernel: l.Int8Kernel.Clone(),
		Scale:      l.Scale.Clone(),
	}
}

// Quantized reports whether the packed form is present.
func (l Linear) Quantized() bool {
	return !l.Int8Kernel.IsNil()
}

type LayerNorm struct {
	Gamma device.Tensor
	Beta  device.Tensor
}

type Attention struct {
	// QKV is [hidden, 3 * local_hidden]; columns are the query, key and
	// value blocks in that order, each laid out [local_heads, size_per_head].
	QKV Linear
	// Output is [local_hidden, hidden].
	Output Linear
}

type FFN struct {
	// Intermediate is [hidden, local_inter] with a [local_inter] bias.
	Intermediate Linear
	// Output is [local_inter, hidden]. Its [hidden] bias is applied once,
	// after the tensor-parallel reduction, by the residual merge.
	Output Linear
}

// Layer is the parameter record of one decoder layer on one tensor rank.
type Layer struct {
	PreLayerNorm LayerNorm
	Attention    Attention
	FFN          FFN
}

// Clone duplicates every tensor's storage.
func (l *Layer) Clone() *Layer {
	return &Layer{
		PreLayerNorm: LayerNorm{Gamma: l.PreLayerNorm.Gamma.Clone(), Beta: l.PreLayerNorm.Beta.Clone()},
		Attention:    Attention{QKV: l.Attention.QKV.clone(), Output: l.Attention.Output.clone()},
		FFN:          FFN{Intermediate: l.FFN.Intermediate.clone(), Output: l.FFN.Output.clone()},
	}
}

// Bytes is the storage held by the record.
func (l *Layer) Bytes() int {
	n := 0
	for _, t := range l.tensors() {
		n += t.Bytes()
	}
	return n
}

func (l *Layer) tensors() []device.Tensor {
	return []device.Tensor{
		l.PreLayerNorm.Gamma, l.PreLayerNorm.Beta,
		l.Attention.QKV.Kernel, l.Attention.QKV.Int8Kernel, l.Attention.QKV.Scale,
		l.Attention.Output.Kernel,
		l.FFN.Intermediate.Kernel, l.FFN.Intermediate.Bias,
		l.FFN.Output.Kernel, l.FFN.Output.Bias,
	}
}

// Check verifies every field against the shapes cfg implies for this rank.
func (l *Layer) Check(cfg *config.Config) error {
	h, lh, li := cfg.HiddenUnits(), cfg.LocalHiddenUnits(), cfg.LocalInterSize()
	checks := []struct {
		name  string
		t     device.Tensor
		shape []int
	}{
		{"input_layernorm.weight", l.PreLayerNorm.Gamma, []int{h}},
		{"input_layernorm.bias", l.PreLayerNorm.Beta, []int{h}},
		{"attention.query_key_value.weight", l.Attention.QKV.Kernel, []int{h, 3 * lh}},
		{"attention.dense.weight", l.Attention.Output.Kernel, []int{lh, h}},
		{"mlp.dense_h_to_4h.weight", l.FFN.Intermediate.Kernel, []int{h, li}},
		{"mlp.dense_h_to_4h.bias", l.FFN.Intermediate.Bias, []int{li}},
		{"mlp.dense_4h_to_h.weight", l.FFN.Output.Kernel, []int{li, h}},
		{"mlp.dense_4h_to_h.bias", l.FFN.Output.Bias, []int{h}},
	}
	for _, c := range checks {
		if err := device.CheckShape("layer weights", c.name, c.t, c.shape...); err != nil {
			return err
		}
	}
	if l.Attention.QKV.Quantized() {
		if err := device.CheckShape("layer weights", "attention.query_key_value.int8", l.Attention.QKV.Int8Kernel, h, 3*lh); err != nil {
			return err
		}
		if err := device.CheckShape("layer weights", "attention.query_key_value.scale", l.Attention.QKV.Scale, 3*lh); err != nil {
			return err
		}
	}
	return nil
}

// Model is the set of layer records this rank owns. Layers is indexed by
// global layer id; entries for layers held by other pipeline stages are nil.
type Model struct {
	Layers []*Layer
}

// Layer returns the record of global layer l.
func (m *Model) Layer(l int) (*Layer, error) {
	if l < 0 || l >= len(m.Layers) || m.Layers[l] == nil {
		return nil, fmt.Errorf("layer %d not loaded on this rank", l)
	}
	return m.Layers[l], nil
}

// Bytes is the total storage of the loaded layers.
func (m *Model) Bytes() int {
	n := 0
	for _, l := range m.Layers {
		if l != nil {
			n += l.Bytes()
		}
	}
	return n
}

// QuantizeColumns packs a [rows, cols] kernel into int8 with one symmetric
// scale per column: q = round(w / scale), scale = max|w| / 127.
func QuantizeColumns(kernel device.Tensor) (packed, scale device.Tensor, err error) {
	if len(kernel.Shape) != 2 {
		return device.Tensor{}, device.Tensor{}, device.Preconditionf("quantize: kernel must be rank 2, got %v", kernel.Shape)
	}
	rows, cols := kernel.Shape[0], kernel.Shape[1]
	w, err := kernel.Float32s()
	if err != nil {
		return device.Tensor{}, device.Tensor{}, err
	}

	scales := make([]float32, cols)
	for c := 0; c < cols; c++ {
		var m float32
		for r := 0; r < rows; r++ {
			if a := float32(math.Abs(float64(w[r*cols+c]))); a > m {
				m = a
			}
		}
		if m == 0 {
			m = 1
		}
		scales[c] = m / 127
	}

	packed = device.NewTensor(device.TypeINT8, rows, cols)
	raw := packed.Raw()
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			q := math.Round(float64(w[r*cols+c] / scales[c]))
			q = math.Max(-127, math.Min(127, q))
			raw[r*cols+c] = byte(int8(q))
		}
	}
	scale, err = device.FromFloat32(device.TypeFP32, scales, cols)
	if err != nil {
		return device.Tensor{}, device.Tensor{}, err
	}
	return packed, scale, nil
}
