// Package parallel maps layers and batch rows onto the pipeline grid. Every
// function here is pure; all ranks must evaluate them from the same
// (num_layers, pipeline_size) pair or the stage boundary send/recv pairing
// deadlocks.
package parallel

import (
	"fmt"

	"github.com/23skdu/longbow-quiver/internal/device"
)

// Partition answers layer-ownership questions for one pipeline rank.
type Partition struct {
	NumLayers int
	Rank      int
	WorldSize int
}

func NewPartition(numLayers, rank, worldSize int) (Partition, error) {
	if numLayers <= 0 {
		return Partition{}, device.Preconditionf("invalid num_layers: %d (must be positive)", numLayers)
	}
	if worldSize <= 0 || rank < 0 || rank >= worldSize {
		return Partition{}, device.Preconditionf("invalid pipeline rank %d of %d", rank, worldSize)
	}
	return Partition{NumLayers: numLayers, Rank: rank, WorldSize: worldSize}, nil
}

// LocalLayers is ceil(num_layers / world_size).
func (p Partition) LocalLayers() int {
	return (p.NumLayers + p.WorldSize - 1) / p.WorldSize
}

// FirstLayer is the nominal first layer id of this rank. It can be
// num_layers or beyond when the rank owns nothing.
func (p Partition) FirstLayer() int {
	return p.LocalLayers() * p.Rank
}

func (p Partition) Owns(l int) bool {
	local := p.LocalLayers()
	return l >= 0 && l < p.NumLayers && l >= local*p.Rank && l < local*(p.Rank+1)
}

func (p Partition) IsFirst(l int) bool {
	return l >= 0 && l < p.NumLayers && l == p.LocalLayers()*p.Rank
}

func (p Partition) IsLast(l int) bool {
	return l >= 0 && l < p.NumLayers && l == p.LocalLayers()*(p.Rank+1)-1
}

// Layers returns the owned half-open range [start, end), clipped to
// num_layers. start == end means the rank owns nothing.
func (p Partition) Layers() (start, end int) {
	start = p.FirstLayer()
	end = start + p.LocalLayers()
	if end > p.NumLayers {
		end = p.NumLayers
	}
	if start > end {
		start = end
	}
	return start, end
}

// OwnerOf returns the pipeline rank that holds layer l.
func (p Partition) OwnerOf(l int) int {
	return l / p.LocalLayers()
}

// IsFinalStage reports whether this rank is the last pipeline stage.
func (p Partition) IsFinalStage() bool {
	return p.Rank == p.WorldSize-1
}

func (p Partition) String() string {
	start, end := p.Layers()
	return fmt.Sprintf("pp rank %d/%d layers [%d, %d)", p.Rank, p.WorldSize, start, end)
}
