package processing

import (
	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// BaseAnchors enumerates the anchor shapes of a single feature-grid cell: one
// box per (ratio, scale) pair, ratio-major, every box centered on the cell
// center (stride/2, stride/2). A ratio r produces a box with h/w == r and the
// same area as the square anchor of side stride*scale. Boxes use the corner
// form (x1,y1,x2,y2) with width = x2-x1.
func BaseAnchors(stride int, scales, ratios []float32) (*tensor.Dense, error) {
	if stride <= 0 {
		return nil, errors.Errorf("stride must be positive, got %d", stride)
	}
	if len(scales) == 0 || len(ratios) == 0 {
		return nil, errors.Errorf("at least one scale and one ratio are required, got %d and %d", len(scales), len(ratios))
	}

	center := float32(stride) / 2
	backing := make([]float32, 0, len(ratios)*len(scales)*4)
	for _, r := range ratios {
		if r <= 0 {
			return nil, errors.Errorf("anchor ratios must be positive, got %v", r)
		}
		for _, s := range scales {
			if s <= 0 {
				return nil, errors.Errorf("anchor scales must be positive, got %v", s)
			}
			size := float32(stride) * s
			w := size / math32.Sqrt(r)
			h := size * math32.Sqrt(r)
			backing = append(backing,
				center-w/2,
				center-h/2,
				center+w/2,
				center+h/2,
			)
		}
	}

	anchors := tensor.New(
		tensor.Of(tensor.Float32),
		tensor.WithShape(len(ratios)*len(scales), 4),
		tensor.WithBacking(backing),
	)

	return anchors, nil
}
