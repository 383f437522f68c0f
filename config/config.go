package config

import (
	"github.com/pkg/errors"
)

// AnchorParams configures anchor generation over the backbone feature grid.
// ImageSize is {height, width} in input-image pixels and must be a multiple of
// FeatStride so the feature grid tiles the image exactly.
type AnchorParams struct {
	ImageSize  [2]int    `json:"image_size"`
	FeatStride int       `json:"feat_stride"`
	Scales     []float32 `json:"scales"`
	Ratios     []float32 `json:"ratios"`
}

var DefaultAnchorParams = &AnchorParams{
	ImageSize:  [2]int{640, 640},
	FeatStride: 16,
	Scales:     []float32{8, 16, 32},
	Ratios:     []float32{0.5, 1, 2},
}

func NewAnchorParams(imgSize [2]int, featStride int, scales, ratios []float32) *AnchorParams {
	return &AnchorParams{
		ImageSize:  imgSize,
		FeatStride: featStride,
		Scales:     scales,
		Ratios:     ratios,
	}
}

func (p *AnchorParams) Validate() error {
	if p.FeatStride <= 0 {
		return errors.Errorf("feat stride must be positive, got %d", p.FeatStride)
	}
	for i, s := range p.ImageSize {
		if s <= 0 {
			return errors.Errorf("image size must be positive, got %d", s)
		}
		if s%p.FeatStride != 0 {
			return errors.Errorf("image size %d (dim %d) must be a multiple of feat stride %d", s, i, p.FeatStride)
		}
	}
	if len(p.Scales) == 0 {
		return errors.New("at least one anchor scale is required")
	}
	for _, s := range p.Scales {
		if s <= 0 {
			return errors.Errorf("anchor scales must be positive, got %v", s)
		}
	}
	if len(p.Ratios) == 0 {
		return errors.New("at least one anchor ratio is required")
	}
	for _, r := range p.Ratios {
		if r <= 0 {
			return errors.Errorf("anchor ratios must be positive, got %v", r)
		}
	}
	return nil
}

// NumAnchorTypes is the number of anchors per feature-grid cell.
func (p *AnchorParams) NumAnchorTypes() int {
	return len(p.Scales) * len(p.Ratios)
}

// FeatSize is the {height, width} of the feature grid.
func (p *AnchorParams) FeatSize() [2]int {
	return [2]int{p.ImageSize[0] / p.FeatStride, p.ImageSize[1] / p.FeatStride}
}

// ProposalParams configures proposal decoding: score ranking before NMS,
// greedy NMS, and the minimum decoded box size kept.
type ProposalParams struct {
	PreNMSTopN   int     `json:"pre_nms_top_n"`
	PostNMSTopN  int     `json:"post_nms_top_n"`
	NMSThreshold float32 `json:"nms_threshold"`
	MinBoxSize   float32 `json:"min_box_size"`
}

var DefaultProposalParams = &ProposalParams{
	PreNMSTopN:   12000,
	PostNMSTopN:  2000,
	NMSThreshold: 0.7,
	MinBoxSize:   16,
}

func NewProposalParams(preNMSTopN, postNMSTopN int, nmsThreshold, minBoxSize float32) *ProposalParams {
	return &ProposalParams{
		PreNMSTopN:   preNMSTopN,
		PostNMSTopN:  postNMSTopN,
		NMSThreshold: nmsThreshold,
		MinBoxSize:   minBoxSize,
	}
}

func (p *ProposalParams) Validate() error {
	if p.PreNMSTopN <= 0 {
		return errors.Errorf("pre-NMS top-N must be positive, got %d", p.PreNMSTopN)
	}
	if p.PostNMSTopN <= 0 {
		return errors.Errorf("post-NMS top-N must be positive, got %d", p.PostNMSTopN)
	}
	if p.NMSThreshold <= 0 || p.NMSThreshold > 1 {
		return errors.Errorf("NMS threshold must be in (0, 1], got %v", p.NMSThreshold)
	}
	if p.MinBoxSize < 0 {
		return errors.Errorf("minimum box size must be non-negative, got %v", p.MinBoxSize)
	}
	return nil
}

// AnchorRefineParams configures training-time anchor assignment against ground
// truth: the foreground/background IoU thresholds, the out-of-image border
// tolerance, and the balanced sampling budget.
type AnchorRefineParams struct {
	PositiveThreshold float32 `json:"positive_threshold"`
	NegativeThreshold float32 `json:"negative_threshold"`
	MaxForeground     int     `json:"max_foreground"`
	TotalPerImage     int     `json:"total_per_image"`
	AllowedBorder     float32 `json:"allowed_border"`
}

var DefaultAnchorRefineParams = &AnchorRefineParams{
	PositiveThreshold: 0.7,
	NegativeThreshold: 0.3,
	MaxForeground:     128,
	TotalPerImage:     256,
	AllowedBorder:     0,
}

func NewAnchorRefineParams(positiveThreshold, negativeThreshold float32, maxForeground, totalPerImage int, allowedBorder float32) *AnchorRefineParams {
	return &AnchorRefineParams{
		PositiveThreshold: positiveThreshold,
		NegativeThreshold: negativeThreshold,
		MaxForeground:     maxForeground,
		TotalPerImage:     totalPerImage,
		AllowedBorder:     allowedBorder,
	}
}

func (p *AnchorRefineParams) Validate() error {
	if p.PositiveThreshold <= 0 || p.PositiveThreshold > 1 {
		return errors.Errorf("positive threshold must be in (0, 1], got %v", p.PositiveThreshold)
	}
	if p.NegativeThreshold <= 0 || p.NegativeThreshold > 1 {
		return errors.Errorf("negative threshold must be in (0, 1], got %v", p.NegativeThreshold)
	}
	if p.NegativeThreshold >= p.PositiveThreshold {
		return errors.Errorf("negative threshold %v must be below positive threshold %v", p.NegativeThreshold, p.PositiveThreshold)
	}
	if p.TotalPerImage <= 0 {
		return errors.Errorf("total anchors per image must be positive, got %d", p.TotalPerImage)
	}
	if p.MaxForeground <= 0 || p.MaxForeground > p.TotalPerImage {
		return errors.Errorf("max foreground anchors must be in (0, %d], got %d", p.TotalPerImage, p.MaxForeground)
	}
	if p.AllowedBorder < 0 {
		return errors.Errorf("allowed border must be non-negative, got %v", p.AllowedBorder)
	}
	return nil
}

// ProposalRefineParams configures training-time RoI assignment for the
// downstream classification head. NumClasses counts foreground classes only;
// label 0 is the implicit background class.
type ProposalRefineParams struct {
	ForegroundThreshold float32 `json:"foreground_threshold"`
	BackgroundThreshold float32 `json:"background_threshold"`
	MaxForegroundRoIs   int     `json:"max_foreground_rois"`
	TotalRoIs           int     `json:"total_rois"`
	NumClasses          int     `json:"num_classes"`
}

var DefaultProposalRefineParams = &ProposalRefineParams{
	ForegroundThreshold: 0.5,
	BackgroundThreshold: 0.5,
	MaxForegroundRoIs:   32,
	TotalRoIs:           128,
	NumClasses:          20,
}

func NewProposalRefineParams(foregroundThreshold, backgroundThreshold float32, maxForegroundRoIs, totalRoIs, numClasses int) *ProposalRefineParams {
	return &ProposalRefineParams{
		ForegroundThreshold: foregroundThreshold,
		BackgroundThreshold: backgroundThreshold,
		MaxForegroundRoIs:   maxForegroundRoIs,
		TotalRoIs:           totalRoIs,
		NumClasses:          numClasses,
	}
}

func (p *ProposalRefineParams) Validate() error {
	if p.ForegroundThreshold <= 0 || p.ForegroundThreshold > 1 {
		return errors.Errorf("RoI foreground threshold must be in (0, 1], got %v", p.ForegroundThreshold)
	}
	if p.BackgroundThreshold <= 0 || p.BackgroundThreshold > 1 {
		return errors.Errorf("RoI background threshold must be in (0, 1], got %v", p.BackgroundThreshold)
	}
	if p.BackgroundThreshold > p.ForegroundThreshold {
		return errors.Errorf("RoI background threshold %v must not exceed foreground threshold %v", p.BackgroundThreshold, p.ForegroundThreshold)
	}
	if p.TotalRoIs <= 0 {
		return errors.Errorf("total RoIs per image must be positive, got %d", p.TotalRoIs)
	}
	if p.MaxForegroundRoIs <= 0 || p.MaxForegroundRoIs > p.TotalRoIs {
		return errors.Errorf("max foreground RoIs must be in (0, %d], got %d", p.TotalRoIs, p.MaxForegroundRoIs)
	}
	if p.NumClasses < 1 {
		return errors.Errorf("number of object classes must be at least 1, got %d", p.NumClasses)
	}
	return nil
}

// RPNParams aggregates the configuration of the whole region proposal
// subsystem. Seed drives the per-image sampling generators; a fixed seed makes
// training-time assignment reproducible across runs and across batch-parallel
// execution.
type RPNParams struct {
	Anchor         *AnchorParams         `json:"anchor"`
	Proposal       *ProposalParams       `json:"proposal"`
	AnchorRefine   *AnchorRefineParams   `json:"anchor_refine"`
	ProposalRefine *ProposalRefineParams `json:"proposal_refine"`
	Seed           int64                 `json:"seed"`
}

var DefaultRPNParams = &RPNParams{
	Anchor:         DefaultAnchorParams,
	Proposal:       DefaultProposalParams,
	AnchorRefine:   DefaultAnchorRefineParams,
	ProposalRefine: DefaultProposalRefineParams,
	Seed:           42,
}

func NewRPNParams(anchor *AnchorParams, proposal *ProposalParams, anchorRefine *AnchorRefineParams, proposalRefine *ProposalRefineParams, seed int64) *RPNParams {
	return &RPNParams{
		Anchor:         anchor,
		Proposal:       proposal,
		AnchorRefine:   anchorRefine,
		ProposalRefine: proposalRefine,
		Seed:           seed,
	}
}

func (p *RPNParams) Validate() error {
	if p.Anchor == nil {
		return errors.New("anchor params are required")
	}
	if err := p.Anchor.Validate(); err != nil {
		return errors.Wrap(err, "anchor params")
	}
	if p.Proposal == nil {
		return errors.New("proposal params are required")
	}
	if err := p.Proposal.Validate(); err != nil {
		return errors.Wrap(err, "proposal params")
	}
	if p.AnchorRefine == nil {
		return errors.New("anchor refine params are required")
	}
	if err := p.AnchorRefine.Validate(); err != nil {
		return errors.Wrap(err, "anchor refine params")
	}
	if p.ProposalRefine == nil {
		return errors.New("proposal refine params are required")
	}
	if err := p.ProposalRefine.Validate(); err != nil {
		return errors.Wrap(err, "proposal refine params")
	}
	return nil
}
