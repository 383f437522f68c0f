package modules

import (
	"github.com/okieraised/go-faster-rcnn/config"
	"github.com/okieraised/go-faster-rcnn/processing"
	"github.com/okieraised/go-faster-rcnn/utils"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// Score tensors produced by the external prediction head keep the foreground
// probability in column 0 and the background probability in column 1. Labels
// use the opposite convention (1 = foreground, 0 = background);
// TrueScoreColumn in losses.go maps between the two.
const (
	ScoreColForeground = 0
	ScoreColBackground = 1
)

// ProposalClient decodes raw per-anchor scores and regression coefficients
// into a ranked, clipped, non-overlapping set of RoIs for one image at a time.
// The anchor set is shared read-only with the orchestrator and never mutated.
type ProposalClient struct {
	params    *config.ProposalParams
	anchors   *tensor.Dense
	imageSize [2]int
}

func NewProposalClient(anchors *tensor.Dense, cfg *config.ProposalParams, imageSize [2]int) (*ProposalClient, error) {
	if anchors == nil {
		return nil, errors.New("anchor set is required")
	}
	anchorShape := anchors.Shape()
	if len(anchorShape) != 2 || anchorShape[1] != 4 {
		return nil, errors.Errorf("anchor set must have shape (a, 4), got %v", anchorShape)
	}
	if cfg == nil {
		return nil, errors.New("proposal params are required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if imageSize[0] <= 0 || imageSize[1] <= 0 {
		return nil, errors.Errorf("image size must be positive, got %v", imageSize)
	}

	return &ProposalClient{
		params:    cfg,
		anchors:   anchors,
		imageSize: imageSize,
	}, nil
}

// Infer decodes one image's scores (A x 2) and coefficients (A x 4) into RoIs:
// decode every anchor, clip to the image, drop boxes below the minimum size,
// rank the rest by foreground score keeping the pre-NMS top-N, then greedy NMS
// down to at most the post-NMS top-N. Returns the kept boxes (R x 4) and their
// foreground scores (R); zero survivors yield empty tensors, not an error.
func (c *ProposalClient) Infer(bboxScores, bboxCoeffs *tensor.Dense) (*tensor.Dense, *tensor.Dense, error) {
	numAnchors := c.anchors.Shape()[0]

	scoreShape := bboxScores.Shape()
	if len(scoreShape) != 2 || scoreShape[0] != numAnchors || scoreShape[1] != 2 {
		return nil, nil, errors.Errorf("scores must have shape (%d, 2), got %v", numAnchors, scoreShape)
	}
	coeffShape := bboxCoeffs.Shape()
	if len(coeffShape) != 2 || coeffShape[0] != numAnchors || coeffShape[1] != 4 {
		return nil, nil, errors.Errorf("coefficients must have shape (%d, 4), got %v", numAnchors, coeffShape)
	}

	proposals, err := processing.DecodeBoxes(c.anchors, bboxCoeffs)
	if err != nil {
		return nil, nil, err
	}

	err = processing.ClipBoxes(proposals, c.imageSize)
	if err != nil {
		return nil, nil, err
	}

	keep, err := processing.FilterSmallBoxes(proposals, c.params.MinBoxSize)
	if err != nil {
		return nil, nil, err
	}
	if len(keep) == 0 {
		return emptyBoxes(), emptyScores(), nil
	}

	scoreData := bboxScores.Float32s()
	fgScores := make([]float32, len(keep))
	for i, idx := range keep {
		fgScores[i] = scoreData[idx*2+ScoreColForeground]
	}
	fgScoreTensor := tensor.New(
		tensor.Of(tensor.Float32),
		tensor.WithShape(len(keep)),
		tensor.WithBacking(fgScores),
	)

	order, err := utils.ArgSortDescending(fgScoreTensor)
	if err != nil {
		return nil, nil, err
	}
	if len(order) > c.params.PreNMSTopN {
		order = order[:c.params.PreNMSTopN]
	}

	topIdx := make([]int, len(order))
	for i, o := range order {
		topIdx[i] = keep[o]
	}

	candBoxes, err := utils.SelectRows2D(proposals, topIdx)
	if err != nil {
		return nil, nil, err
	}
	candScoreData := make([]float32, len(order))
	for i, o := range order {
		candScoreData[i] = fgScores[o]
	}
	candScores := tensor.New(
		tensor.Of(tensor.Float32),
		tensor.WithShape(len(order)),
		tensor.WithBacking(candScoreData),
	)

	nmsKeep, err := processing.NMS(candBoxes, candScores, c.params.NMSThreshold, c.params.PostNMSTopN)
	if err != nil {
		return nil, nil, err
	}

	rois, err := utils.SelectRows2D(candBoxes, nmsKeep)
	if err != nil {
		return nil, nil, err
	}
	roiScores, err := utils.TensorByIndices(candScores, nmsKeep)
	if err != nil {
		return nil, nil, err
	}

	return rois, roiScores, nil
}

func emptyBoxes() *tensor.Dense {
	return tensor.New(tensor.Of(tensor.Float32), tensor.WithShape(0, 4))
}

func emptyScores() *tensor.Dense {
	return tensor.New(tensor.Of(tensor.Float32), tensor.WithShape(0))
}
