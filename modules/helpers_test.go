package modules

import (
	"github.com/okieraised/go-faster-rcnn/config"
	"github.com/okieraised/go-faster-rcnn/processing"
	"github.com/okieraised/go-faster-rcnn/rcnn"
	"gorgonia.org/tensor"
)

func boxTensor(boxes ...[4]float32) *tensor.Dense {
	backing := make([]float32, 0, len(boxes)*4)
	for _, b := range boxes {
		backing = append(backing, b[0], b[1], b[2], b[3])
	}
	return tensor.New(
		tensor.Of(tensor.Float32),
		tensor.WithShape(len(boxes), 4),
		tensor.WithBacking(backing),
	)
}

// gridAnchors tiles a single square anchor type over a 16x16 feature grid at
// stride 16: 256 disjoint 16x16 boxes covering a 256x256 image.
func gridAnchors() (*tensor.Dense, error) {
	base, err := processing.BaseAnchors(16, []float32{1}, []float32{1})
	if err != nil {
		return nil, err
	}
	return rcnn.Anchors(16, 16, 16, base)
}

func testImageSize() [2]int {
	return [2]int{256, 256}
}

func testProposalParams() *config.ProposalParams {
	return config.NewProposalParams(300, 300, 0.7, 8)
}

func testAnchorRefineParams() *config.AnchorRefineParams {
	return config.NewAnchorRefineParams(0.7, 0.3, 128, 256, 0)
}

func testProposalRefineParams() *config.ProposalRefineParams {
	return config.NewProposalRefineParams(0.5, 0.5, 8, 16, 3)
}
