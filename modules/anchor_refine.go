package modules

import (
	"math/rand"
	"sort"

	"github.com/okieraised/go-faster-rcnn/config"
	"github.com/okieraised/go-faster-rcnn/processing"
	"github.com/okieraised/go-faster-rcnn/utils"
	"github.com/pkg/errors"
	"github.com/xtgo/set"
	"gorgonia.org/tensor"
)

// Label values shared by anchor and proposal refinement.
const (
	LabelIgnore     = -1
	LabelBackground = 0
	LabelForeground = 1
)

// AnchorRefineClient labels anchors against one image's ground-truth boxes at
// training time: foreground/background/ignore assignment, balanced sampling,
// and regression targets for the foreground anchors.
//
// Anchors crossing the image border (beyond the allowed margin) are dropped at
// construction: the anchor set and image size are both fixed per
// configuration, so the surviving index list is computed once and exposed via
// KeptIndex for compacting the external score/coefficient tensors.
type AnchorRefineClient struct {
	params      *config.AnchorRefineParams
	keptIdx     []int
	keptAnchors *tensor.Dense
	seed        int64
}

func NewAnchorRefineClient(anchors *tensor.Dense, cfg *config.AnchorRefineParams, imageSize [2]int, seed int64) (*AnchorRefineClient, error) {
	if anchors == nil {
		return nil, errors.New("anchor set is required")
	}
	anchorShape := anchors.Shape()
	if len(anchorShape) != 2 || anchorShape[1] != 4 {
		return nil, errors.Errorf("anchor set must have shape (a, 4), got %v", anchorShape)
	}
	if cfg == nil {
		return nil, errors.New("anchor refine params are required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if imageSize[0] <= 0 || imageSize[1] <= 0 {
		return nil, errors.Errorf("image size must be positive, got %v", imageSize)
	}

	height := float32(imageSize[0])
	width := float32(imageSize[1])
	border := cfg.AllowedBorder

	data := anchors.Float32s()
	keptIdx := make([]int, 0, anchorShape[0])
	for i := 0; i < anchorShape[0]; i++ {
		x1, y1, x2, y2 := data[i*4], data[i*4+1], data[i*4+2], data[i*4+3]
		if x1 >= -border && y1 >= -border && x2 <= width+border && y2 <= height+border {
			keptIdx = append(keptIdx, i)
		}
	}

	keptAnchors, err := utils.SelectRows2D(anchors, keptIdx)
	if err != nil {
		return nil, err
	}

	return &AnchorRefineClient{
		params:      cfg,
		keptIdx:     keptIdx,
		keptAnchors: keptAnchors,
		seed:        seed,
	}, nil
}

// KeptIndex lists the inside-image anchor indices, in the anchor set's
// canonical order. Callers use it to index-select the matching rows of the
// full score/coefficient tensors.
func (c *AnchorRefineClient) KeptIndex() []int {
	return c.keptIdx
}

// NumKept is the number of inside-image anchors.
func (c *AnchorRefineClient) NumKept() int {
	return len(c.keptIdx)
}

// Infer assigns a label and a regression target to every kept anchor for one
// image.
//
// An anchor is foreground when its best IoU over ground truth reaches the
// positive threshold, or when it is the best anchor of some ground-truth box
// (every box gets at least one foreground anchor). It is background when its
// best IoU stays below the negative threshold; everything in between is
// ignored. Balanced sampling then caps foreground at MaxForeground and fills
// with background up to TotalPerImage, relabeling the excess as ignore.
// Ties pick the lowest index on both axes of the overlap matrix.
//
// gtBoxes may be nil or empty: every kept anchor becomes background (subject
// to the budget) and no regression targets are produced. imageIndex seeds the
// sampling generator together with the configured base seed, keeping batch
// processing reproducible regardless of processing order.
//
// Returned labels align with KeptIndex; targets have one row per kept anchor
// and stay zero outside the foreground rows.
func (c *AnchorRefineClient) Infer(gtBoxes *tensor.Dense, imageIndex int) ([]int, *tensor.Dense, error) {
	numKept := len(c.keptIdx)

	numGT := 0
	if gtBoxes != nil {
		gtShape := gtBoxes.Shape()
		if len(gtShape) != 2 || gtShape[1] != 4 {
			return nil, nil, errors.Errorf("ground-truth boxes must have shape (g, 4), got %v", gtShape)
		}
		numGT = gtShape[0]
	}

	labels := make([]int, numKept)
	for i := range labels {
		labels[i] = LabelIgnore
	}
	targets := tensor.New(
		tensor.Of(tensor.Float32),
		tensor.WithShape(numKept, 4),
		tensor.WithBacking(make([]float32, numKept*4)),
	)
	if numKept == 0 {
		return labels, targets, nil
	}

	rng := rand.New(rand.NewSource(c.seed + int64(imageIndex)))

	var fgIdx, bgIdx []int
	var argmaxGT []int

	if numGT == 0 {
		bgIdx = make([]int, numKept)
		for i := range bgIdx {
			bgIdx[i] = i
		}
	} else {
		overlaps, err := processing.Overlaps(c.keptAnchors, gtBoxes)
		if err != nil {
			return nil, nil, err
		}
		overlapData := overlaps.Float32s()

		maxIoU := make([]float32, numKept)
		argmaxGT = make([]int, numKept)
		for i := 0; i < numKept; i++ {
			for j := 0; j < numGT; j++ {
				if v := overlapData[i*numGT+j]; v > maxIoU[i] {
					maxIoU[i] = v
					argmaxGT[i] = j
				}
			}
		}

		// Best anchor per ground-truth box, lowest anchor index on ties.
		gtBest := make([]int, numGT)
		for j := 0; j < numGT; j++ {
			var best float32
			for i := 0; i < numKept; i++ {
				if v := overlapData[i*numGT+j]; v > best {
					best = v
					gtBest[j] = i
				}
			}
		}

		fgCand := make([]int, 0, numKept)
		for i := 0; i < numKept; i++ {
			if maxIoU[i] >= c.params.PositiveThreshold {
				fgCand = append(fgCand, i)
			}
		}
		fgCand = append(fgCand, gtBest...)
		sort.Ints(fgCand)
		fgIdx = fgCand[:set.Uniq(sort.IntSlice(fgCand))]

		isFg := make([]bool, numKept)
		for _, i := range fgIdx {
			isFg[i] = true
		}
		for i := 0; i < numKept; i++ {
			if !isFg[i] && maxIoU[i] < c.params.NegativeThreshold {
				bgIdx = append(bgIdx, i)
			}
		}
	}

	fgKeep := subsample(fgIdx, c.params.MaxForeground, rng)
	bgBudget := c.params.TotalPerImage - len(fgKeep)
	bgKeep := subsample(bgIdx, bgBudget, rng)

	for _, i := range bgKeep {
		labels[i] = LabelBackground
	}
	for _, i := range fgKeep {
		labels[i] = LabelForeground
	}

	if numGT > 0 && len(fgKeep) > 0 {
		srcBoxes, err := utils.SelectRows2D(c.keptAnchors, fgKeep)
		if err != nil {
			return nil, nil, err
		}
		gtIdx := make([]int, len(fgKeep))
		for i, a := range fgKeep {
			gtIdx[i] = argmaxGT[a]
		}
		tgtBoxes, err := utils.SelectRows2D(gtBoxes, gtIdx)
		if err != nil {
			return nil, nil, err
		}
		coeffs, err := processing.EncodeBoxes(srcBoxes, tgtBoxes)
		if err != nil {
			return nil, nil, err
		}

		coeffData := coeffs.Float32s()
		targetData := targets.Float32s()
		for i, a := range fgKeep {
			copy(targetData[a*4:a*4+4], coeffData[i*4:i*4+4])
		}
	}

	return labels, targets, nil
}

// subsample keeps at most limit elements of idx, chosen uniformly without
// replacement; the kept subset is returned sorted for deterministic output.
func subsample(idx []int, limit int, rng *rand.Rand) []int {
	if limit < 0 {
		limit = 0
	}
	if len(idx) <= limit {
		return idx
	}
	perm := rng.Perm(len(idx))
	out := make([]int, limit)
	for i := 0; i < limit; i++ {
		out[i] = idx[perm[i]]
	}
	sort.Ints(out)
	return out
}
