package engine

import (
	"encoding/json"
	"math"
	"os"
	"sync"
)

const (
	CollapseThreshold   = 0.00001
	SaturationThreshold = 10000.0

	traceSample = 8
)

// LayerTrace summarizes one layer output for one iteration.
type LayerTrace struct {
	Mode      string    `json:"mode"`
	Iteration int       `json:"iteration"`
	Layer     int       `json:"layer"`
	Max       float32   `json:"max"`
	Min       float32   `json:"min"`
	Mean      float32   `json:"mean"`
	RMS       float32   `json:"rms"`
	Zeros     int       `json:"zeros"`
	NaNs      int       `json:"nans"`
	Infs      int       `json:"infs"`
	Sample    []float32 `json:"sample"`
}

// Tracer collects LayerTrace records from decoders. A nil Tracer is
// disabled.
type Tracer struct {
	mu        sync.Mutex
	NumLayers int
	Traces    []LayerTrace
	enabled   bool
}

func NewTracer(numLayers int) *Tracer {
	return &Tracer{NumLayers: numLayers, enabled: true}
}

func (t *Tracer) Enabled() bool {
	if t == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *Tracer) Enable() {
	t.mu.Lock()
	t.enabled = true
	t.mu.Unlock()
}

func (t *Tracer) Disable() {
	t.mu.Lock()
	t.enabled = false
	t.mu.Unlock()
}

// Record summarizes values as the output of layer l.
func (t *Tracer) Record(mode string, ite, l int, values []float32) {
	tr := LayerTrace{Mode: mode, Iteration: ite, Layer: l}
	var sum, sumSq float64
	finite := 0
	tr.Min, tr.Max = math.MaxFloat32, -math.MaxFloat32
	for _, v := range values {
		switch {
		case math.IsNaN(float64(v)):
			tr.NaNs++
			continue
		case math.IsInf(float64(v), 0):
			tr.Infs++
			continue
		case v == 0:
			tr.Zeros++
		}
		tr.Min = min(tr.Min, v)
		tr.Max = max(tr.Max, v)
		sum += float64(v)
		sumSq += float64(v) * float64(v)
		finite++
	}
	if finite > 0 {
		tr.Mean = float32(sum / float64(finite))
		tr.RMS = float32(math.Sqrt(sumSq / float64(finite)))
	} else {
		tr.Min, tr.Max = 0, 0
	}
	tr.Sample = append([]float32(nil), values[:min(traceSample, len(values))]...)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.enabled {
		t.Traces = append(t.Traces, tr)
	}
}

// Collapsed lists layers whose output has vanished in any recorded trace.
func (t *Tracer) Collapsed() []int {
	return t.layersWhere(func(tr LayerTrace) bool {
		return tr.RMS < CollapseThreshold || (tr.Max < CollapseThreshold && tr.Min > -CollapseThreshold)
	})
}

// Saturated lists layers whose output blew up in any recorded trace.
func (t *Tracer) Saturated() []int {
	return t.layersWhere(func(tr LayerTrace) bool {
		return tr.RMS > SaturationThreshold || tr.Max > SaturationThreshold || tr.Infs > 0 || tr.NaNs > 0
	})
}

func (t *Tracer) layersWhere(pred func(LayerTrace) bool) []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []int
	seen := make(map[int]bool)
	for _, tr := range t.Traces {
		if !seen[tr.Layer] && pred(tr) {
			out = append(out, tr.Layer)
			seen[tr.Layer] = true
		}
	}
	return out
}

func (t *Tracer) ExportJSON() ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return json.MarshalIndent(struct {
		NumLayers int          `json:"num_layers"`
		Traces    []LayerTrace `json:"traces"`
	}{t.NumLayers, t.Traces}, "", "  ")
}

func (t *Tracer) SaveToFile(filename string) error {
	data, err := t.ExportJSON()
	if err != nil {
		return err
	}
	return os.WriteFile(filename, data, 0644)
}
