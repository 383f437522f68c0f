package go_faster_rcnn

import (
	"github.com/elliotchance/orderedmap/v2"
	"github.com/okieraised/go-faster-rcnn/config"
	"github.com/okieraised/go-faster-rcnn/modules"
	"github.com/okieraised/go-faster-rcnn/processing"
	"github.com/okieraised/go-faster-rcnn/rcnn"
	"github.com/okieraised/go-faster-rcnn/utils"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat"
	"gorgonia.org/tensor"
)

// ProposalResult holds the decoded proposals of one forward pass. The batch is
// ragged: image n keeps its own RoI count, so RoIs[n] is (Rn x 4) and
// Scores[n] is (Rn). An image where nothing survives filtering has empty
// tensors here.
type ProposalResult struct {
	RoIs   []*tensor.Dense `json:"rois"`
	Scores []*tensor.Dense `json:"scores"`
}

// TrainResult extends a training forward pass with the RPN's own losses and
// the assignment targets for the downstream classification head. RoIs here
// are the refined per-image selections (budgeted, not the raw proposals);
// RoITargets rows use the per-class-width layout of ProposalRefineClient.
type TrainResult struct {
	RoIs       []*tensor.Dense `json:"rois"`
	RoILabels  [][]int         `json:"roi_labels"`
	RoITargets []*tensor.Dense `json:"roi_targets"`
	ClassLoss  float64         `json:"class_loss"`
	BBoxLoss   float64         `json:"bbox_loss"`
	TotalLoss  float64         `json:"total_loss"`
}

// LossTerms lists the named loss terms in a fixed reporting order.
func (r *TrainResult) LossTerms() *orderedmap.OrderedMap[string, float64] {
	terms := orderedmap.NewOrderedMap[string, float64]()
	terms.Set("rpn_class_loss", r.ClassLoss)
	terms.Set("rpn_bbox_loss", r.BBoxLoss)
	terms.Set("rpn_total_loss", r.TotalLoss)
	return terms
}

// RPN wires anchor generation, proposal decoding and the training-time
// refinement stages together. The anchor set is generated once at
// construction and shared read-only with every stage.
type RPN struct {
	params         *config.RPNParams
	anchors        *tensor.Dense
	proposal       *modules.ProposalClient
	anchorRefine   *modules.AnchorRefineClient
	proposalRefine *modules.ProposalRefineClient
}

// NewRPN validates the whole configuration up front and builds the cached
// anchor set; no error can be raised later by a degenerate-but-valid input.
func NewRPN(cfg *config.RPNParams) (*RPN, error) {
	if cfg == nil {
		return nil, errors.New("RPN params are required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	baseAnchors, err := processing.BaseAnchors(cfg.Anchor.FeatStride, cfg.Anchor.Scales, cfg.Anchor.Ratios)
	if err != nil {
		return nil, err
	}

	featSize := cfg.Anchor.FeatSize()
	anchors, err := rcnn.Anchors(featSize[0], featSize[1], cfg.Anchor.FeatStride, baseAnchors)
	if err != nil {
		return nil, err
	}

	proposal, err := modules.NewProposalClient(anchors, cfg.Proposal, cfg.Anchor.ImageSize)
	if err != nil {
		return nil, err
	}
	anchorRefine, err := modules.NewAnchorRefineClient(anchors, cfg.AnchorRefine, cfg.Anchor.ImageSize, cfg.Seed)
	if err != nil {
		return nil, err
	}
	proposalRefine, err := modules.NewProposalRefineClient(cfg.ProposalRefine, cfg.Seed)
	if err != nil {
		return nil, err
	}

	return &RPN{
		params:         cfg,
		anchors:        anchors,
		proposal:       proposal,
		anchorRefine:   anchorRefine,
		proposalRefine: proposalRefine,
	}, nil
}

// Anchors exposes the cached anchor set, shape (A, 4). Callers must treat it
// as read-only.
func (r *RPN) Anchors() *tensor.Dense {
	return r.anchors
}

// NumAnchors is the size A of the anchor set; external score and coefficient
// tensors must carry one row per anchor.
func (r *RPN) NumAnchors() int {
	return r.anchors.Shape()[0]
}

func (r *RPN) checkBatch(bboxScores, bboxCoeffs []*tensor.Dense) error {
	if len(bboxScores) == 0 {
		return errors.New("batch must contain at least one image")
	}
	if len(bboxScores) != len(bboxCoeffs) {
		return errors.Errorf("score and coefficient batch sizes differ: %d vs %d", len(bboxScores), len(bboxCoeffs))
	}

	numAnchors := r.NumAnchors()
	for n := range bboxScores {
		scoreShape := bboxScores[n].Shape()
		if len(scoreShape) != 2 || scoreShape[0] != numAnchors || scoreShape[1] != 2 {
			return errors.Errorf("image %d: scores must have shape (%d, 2), got %v", n, numAnchors, scoreShape)
		}
		coeffShape := bboxCoeffs[n].Shape()
		if len(coeffShape) != 2 || coeffShape[0] != numAnchors || coeffShape[1] != 4 {
			return errors.Errorf("image %d: coefficients must have shape (%d, 4), got %v", n, numAnchors, coeffShape)
		}
	}

	return nil
}

// Forward runs the inference path: proposal decoding only, no ground truth
// involved. bboxScores[n] is image n's (A x 2) score tensor and bboxCoeffs[n]
// its (A x 4) coefficient tensor, both in the anchor set's flattening order.
func (r *RPN) Forward(bboxScores, bboxCoeffs []*tensor.Dense) (*ProposalResult, error) {
	if err := r.checkBatch(bboxScores, bboxCoeffs); err != nil {
		return nil, err
	}

	result := &ProposalResult{
		RoIs:   make([]*tensor.Dense, len(bboxScores)),
		Scores: make([]*tensor.Dense, len(bboxScores)),
	}
	for n := range bboxScores {
		rois, roiScores, err := r.proposal.Infer(bboxScores[n], bboxCoeffs[n])
		if err != nil {
			return nil, err
		}
		result.RoIs[n] = rois
		result.Scores[n] = roiScores
	}

	return result, nil
}

// ForwardTrain runs the training path: proposal decoding, anchor refinement
// with the RPN classification and regression losses, and proposal refinement
// producing the downstream head's targets. gtBoxes[n] is image n's (Gn x 4)
// ground-truth tensor (nil or empty for an image without objects) and
// gtClasses[n] its class per box, values in 1..NumClasses.
//
// Per-image losses are evaluated over the sampled anchors only, on score and
// coefficient rows compacted to the inside-image anchors, then averaged
// across the batch.
func (r *RPN) ForwardTrain(bboxScores, bboxCoeffs, gtBoxes []*tensor.Dense, gtClasses [][]int) (*TrainResult, error) {
	if err := r.checkBatch(bboxScores, bboxCoeffs); err != nil {
		return nil, err
	}
	if len(gtBoxes) != len(bboxScores) {
		return nil, errors.Errorf("got %d ground-truth box sets for %d images", len(gtBoxes), len(bboxScores))
	}
	if len(gtClasses) != len(bboxScores) {
		return nil, errors.Errorf("got %d ground-truth class sets for %d images", len(gtClasses), len(bboxScores))
	}

	batchSize := len(bboxScores)
	keptIdx := r.anchorRefine.KeptIndex()

	result := &TrainResult{
		RoIs:       make([]*tensor.Dense, batchSize),
		RoILabels:  make([][]int, batchSize),
		RoITargets: make([]*tensor.Dense, batchSize),
	}
	classLosses := make([]float64, batchSize)
	bboxLosses := make([]float64, batchSize)

	for n := range bboxScores {
		rois, _, err := r.proposal.Infer(bboxScores[n], bboxCoeffs[n])
		if err != nil {
			return nil, err
		}

		labels, targetCoeffs, err := r.anchorRefine.Infer(gtBoxes[n], n)
		if err != nil {
			return nil, err
		}

		keptScores, err := utils.SelectRows2D(bboxScores[n], keptIdx)
		if err != nil {
			return nil, err
		}
		keptCoeffs, err := utils.SelectRows2D(bboxCoeffs[n], keptIdx)
		if err != nil {
			return nil, err
		}

		classLosses[n], err = modules.SoftmaxCrossEntropy(keptScores, labels)
		if err != nil {
			return nil, err
		}

		var fgRows []int
		for i, label := range labels {
			if label == modules.LabelForeground {
				fgRows = append(fgRows, i)
			}
		}
		bboxLosses[n], err = modules.SmoothL1(keptCoeffs, targetCoeffs, fgRows)
		if err != nil {
			return nil, err
		}

		refinedRoIs, roiLabels, roiTargets, err := r.proposalRefine.Infer(rois, gtBoxes[n], gtClasses[n], n)
		if err != nil {
			return nil, err
		}
		result.RoIs[n] = refinedRoIs
		result.RoILabels[n] = roiLabels
		result.RoITargets[n] = roiTargets
	}

	result.ClassLoss = stat.Mean(classLosses, nil)
	result.BBoxLoss = stat.Mean(bboxLosses, nil)
	result.TotalLoss = result.ClassLoss + result.BBoxLoss

	return result, nil
}
