package rcnn

import (
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// Anchors tiles the base anchors over a featHeight x featWidth feature grid,
// shifting each by its cell's image-space offset (col*stride, row*stride).
// Since base anchors are centered at (stride/2, stride/2), the anchors of cell
// (row, col) end up centered at ((col+0.5)*stride, (row+0.5)*stride).
//
// The result has shape (Hf*Wf*A, 4) and fixes the flattening order every
// external score/coefficient tensor must follow: grid rows, then columns,
// then anchor-type index. The set is deterministic for a given configuration
// and is generated once, then shared read-only.
func Anchors(featHeight, featWidth, stride int, baseAnchors *tensor.Dense) (*tensor.Dense, error) {
	if featHeight <= 0 || featWidth <= 0 {
		return nil, errors.Errorf("feature grid dimensions must be positive, got %dx%d", featHeight, featWidth)
	}
	if stride <= 0 {
		return nil, errors.Errorf("stride must be positive, got %d", stride)
	}
	baseShape := baseAnchors.Shape()
	if len(baseShape) != 2 || baseShape[1] != 4 {
		return nil, errors.Errorf("base anchors must have shape (a, 4), got %v", baseShape)
	}

	a := baseShape[0]
	base := baseAnchors.Float32s()
	backing := make([]float32, 0, featHeight*featWidth*a*4)

	for ih := range featHeight {
		sh := float32(ih * stride)
		for iw := range featWidth {
			sw := float32(iw * stride)
			for k := range a {
				backing = append(backing,
					base[k*4+0]+sw,
					base[k*4+1]+sh,
					base[k*4+2]+sw,
					base[k*4+3]+sh,
				)
			}
		}
	}

	allAnchors := tensor.New(
		tensor.Of(tensor.Float32),
		tensor.WithShape(featHeight*featWidth*a, 4),
		tensor.WithBacking(backing),
	)

	return allAnchors, nil
}
