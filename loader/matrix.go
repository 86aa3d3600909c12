package loader

import (
	"gonum.org/v1/gonum/mat"

	"github.com/virtuocityvr/three-loader/octree"
)

// PositionMatrix exposes a node's decoded positions as an n×3 dense matrix for
// downstream numeric analysis (plane fitting, registration, statistics). Returns nil
// for an empty buffer.
func PositionMatrix(buffers *octree.AttributeBuffers) *mat.Dense {
	if buffers == nil || len(buffers.Positions) == 0 {
		return nil
	}
	data := make([]float64, len(buffers.Positions))
	for i, v := range buffers.Positions {
		data[i] = float64(v)
	}
	return mat.NewDense(len(buffers.Positions)/3, 3, data)
}
