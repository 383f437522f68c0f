package modules

import (
	"math/rand"

	"github.com/okieraised/go-faster-rcnn/config"
	"github.com/okieraised/go-faster-rcnn/processing"
	"github.com/okieraised/go-faster-rcnn/utils"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// ProposalRefineClient labels decoded RoIs for the downstream classification
// head at training time: a class per RoI (0 = background, 1..K = object
// class), balanced sampling to a fixed per-image budget, and per-class
// regression targets.
type ProposalRefineClient struct {
	params *config.ProposalRefineParams
	seed   int64
}

func NewProposalRefineClient(cfg *config.ProposalRefineParams, seed int64) (*ProposalRefineClient, error) {
	if cfg == nil {
		return nil, errors.New("proposal refine params are required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &ProposalRefineClient{
		params: cfg,
		seed:   seed,
	}, nil
}

// TargetWidth is the column count of the per-class regression target layout:
// 4 coefficients per class including background.
func (c *ProposalRefineClient) TargetWidth() int {
	return (c.params.NumClasses + 1) * 4
}

// Infer selects exactly TotalRoIs training RoIs for one image and labels each
// with a class and a class-sliced regression target.
//
// Ground-truth boxes are appended to the RoI pool first, so foreground
// candidates exist whenever the image has ground truth. A RoI is foreground
// when its best IoU reaches the foreground threshold and takes the class of
// the best-matching box; it is background below the background threshold; the
// dead zone in between is ignored. Foreground is capped at MaxForegroundRoIs
// and the remainder filled with background; an under-populated image pads by
// sampling with replacement from whichever pool is non-empty instead of
// failing the batch.
//
// The targets tensor has one (NumClasses+1)*4 row per selected RoI with only
// the assigned class's 4-wide slice populated, so a single masked regression
// loss over the full tensor scores only the correct class.
//
// An image with neither RoIs nor ground truth yields empty outputs.
func (c *ProposalRefineClient) Infer(rois, gtBoxes *tensor.Dense, gtClasses []int, imageIndex int) (*tensor.Dense, []int, *tensor.Dense, error) {
	if rois == nil {
		rois = emptyBoxes()
	}
	roiShape := rois.Shape()
	if len(roiShape) != 2 || roiShape[1] != 4 {
		return nil, nil, nil, errors.Errorf("RoIs must have shape (r, 4), got %v", roiShape)
	}

	numGT := 0
	if gtBoxes != nil {
		gtShape := gtBoxes.Shape()
		if len(gtShape) != 2 || gtShape[1] != 4 {
			return nil, nil, nil, errors.Errorf("ground-truth boxes must have shape (g, 4), got %v", gtShape)
		}
		numGT = gtShape[0]
	}
	if len(gtClasses) != numGT {
		return nil, nil, nil, errors.Errorf("got %d ground-truth classes for %d boxes", len(gtClasses), numGT)
	}
	for _, cls := range gtClasses {
		if cls < 1 || cls > c.params.NumClasses {
			return nil, nil, nil, errors.Errorf("ground-truth class %d outside 1..%d", cls, c.params.NumClasses)
		}
	}

	pool := rois
	if numGT > 0 {
		var err error
		pool, err = utils.VStack([]*tensor.Dense{rois, gtBoxes})
		if err != nil {
			return nil, nil, nil, err
		}
	}
	poolSize := pool.Shape()[0]
	if poolSize == 0 {
		targets := tensor.New(tensor.Of(tensor.Float32), tensor.WithShape(0, c.TargetWidth()))
		return emptyBoxes(), []int{}, targets, nil
	}

	rng := rand.New(rand.NewSource(c.seed + int64(imageIndex)))

	maxIoU := make([]float32, poolSize)
	argmaxGT := make([]int, poolSize)
	if numGT > 0 {
		overlaps, err := processing.Overlaps(pool, gtBoxes)
		if err != nil {
			return nil, nil, nil, err
		}
		overlapData := overlaps.Float32s()
		for i := 0; i < poolSize; i++ {
			for j := 0; j < numGT; j++ {
				if v := overlapData[i*numGT+j]; v > maxIoU[i] {
					maxIoU[i] = v
					argmaxGT[i] = j
				}
			}
		}
	}

	var fgIdx, bgIdx []int
	for i := 0; i < poolSize; i++ {
		switch {
		case numGT > 0 && maxIoU[i] >= c.params.ForegroundThreshold:
			fgIdx = append(fgIdx, i)
		case maxIoU[i] < c.params.BackgroundThreshold:
			bgIdx = append(bgIdx, i)
		}
	}

	fgKeep := subsample(fgIdx, c.params.MaxForegroundRoIs, rng)
	bgKeep := subsample(bgIdx, c.params.TotalRoIs-len(fgKeep), rng)

	selected := make([]int, 0, c.params.TotalRoIs)
	labels := make([]int, 0, c.params.TotalRoIs)
	for _, i := range fgKeep {
		selected = append(selected, i)
		labels = append(labels, gtClasses[argmaxGT[i]])
	}
	for _, i := range bgKeep {
		selected = append(selected, i)
		labels = append(labels, LabelBackground)
	}

	// Pad with replacement up to the budget. Background is preferred; a pool
	// with no background falls back to foreground, and a pool where every RoI
	// sits in the dead zone is treated as background.
	for len(selected) < c.params.TotalRoIs {
		switch {
		case len(bgIdx) > 0:
			i := bgIdx[rng.Intn(len(bgIdx))]
			selected = append(selected, i)
			labels = append(labels, LabelBackground)
		case len(fgIdx) > 0:
			i := fgIdx[rng.Intn(len(fgIdx))]
			selected = append(selected, i)
			labels = append(labels, gtClasses[argmaxGT[i]])
		default:
			i := rng.Intn(poolSize)
			selected = append(selected, i)
			labels = append(labels, LabelBackground)
		}
	}

	outRois, err := utils.SelectRows2D(pool, selected)
	if err != nil {
		return nil, nil, nil, err
	}

	targetWidth := c.TargetWidth()
	targetData := make([]float32, len(selected)*targetWidth)
	if numGT > 0 {
		for row, i := range selected {
			cls := labels[row]
			if cls == LabelBackground {
				continue
			}
			srcBox, err := utils.SelectRows2D(pool, []int{i})
			if err != nil {
				return nil, nil, nil, err
			}
			tgtBox, err := utils.SelectRows2D(gtBoxes, []int{argmaxGT[i]})
			if err != nil {
				return nil, nil, nil, err
			}
			coeffs, err := processing.EncodeBoxes(srcBox, tgtBox)
			if err != nil {
				return nil, nil, nil, err
			}
			copy(targetData[row*targetWidth+cls*4:row*targetWidth+cls*4+4], coeffs.Float32s())
		}
	}
	targets := tensor.New(
		tensor.Of(tensor.Float32),
		tensor.WithShape(len(selected), targetWidth),
		tensor.WithBacking(targetData),
	)

	return outRois, labels, targets, nil
}
