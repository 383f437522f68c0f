package go_faster_rcnn

import (
	"testing"

	"github.com/okieraised/go-faster-rcnn/config"
	"github.com/okieraised/go-faster-rcnn/modules"
	"github.com/stretchr/testify/assert"
	"gorgonia.org/tensor"
)

// testRPNParams builds a small single-type anchor configuration: a 16x16
// feature grid at stride 16 over a 256x256 image, one square anchor per cell.
func testRPNParams() *config.RPNParams {
	return config.NewRPNParams(
		config.NewAnchorParams([2]int{256, 256}, 16, []float32{1}, []float32{1}),
		config.NewProposalParams(300, 300, 0.7, 8),
		config.NewAnchorRefineParams(0.7, 0.3, 128, 256, 0),
		config.NewProposalRefineParams(0.5, 0.5, 8, 16, 3),
		7,
	)
}

func confidentScores(numAnchors int, fgAnchors ...int) *tensor.Dense {
	backing := make([]float32, numAnchors*2)
	for i := 0; i < numAnchors; i++ {
		backing[i*2+modules.ScoreColForeground] = -5
		backing[i*2+modules.ScoreColBackground] = 5
	}
	for _, i := range fgAnchors {
		backing[i*2+modules.ScoreColForeground] = 5
		backing[i*2+modules.ScoreColBackground] = -5
	}
	return tensor.New(tensor.Of(tensor.Float32), tensor.WithShape(numAnchors, 2), tensor.WithBacking(backing))
}

func zeroCoeffs(numAnchors int) *tensor.Dense {
	return tensor.New(tensor.Of(tensor.Float32), tensor.WithShape(numAnchors, 4), tensor.WithBacking(make([]float32, numAnchors*4)))
}

func gtTensor(boxes ...[4]float32) *tensor.Dense {
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

func TestNewRPN(t *testing.T) {
	rpn, err := NewRPN(testRPNParams())
	assert.NoError(t, err)
	assert.Equal(t, 256, rpn.NumAnchors())
	assert.Equal(t, []int{256, 4}, []int(rpn.Anchors().Shape()))

	// The first anchor is the stride-sized square at the image origin.
	anchorData := rpn.Anchors().Float32s()
	assert.Equal(t, []float32{0, 0, 16, 16}, anchorData[:4])
}

func TestNewRPN_InvalidConfig(t *testing.T) {
	_, err := NewRPN(nil)
	assert.Error(t, err)

	params := testRPNParams()
	params.Anchor = nil
	_, err = NewRPN(params)
	assert.Error(t, err)

	params = testRPNParams()
	params.Anchor.FeatStride = 7
	_, err = NewRPN(params)
	assert.Error(t, err)

	params = testRPNParams()
	params.Proposal.NMSThreshold = 2
	_, err = NewRPN(params)
	assert.Error(t, err)
}

func TestRPN_Forward(t *testing.T) {
	rpn, err := NewRPN(testRPNParams())
	assert.NoError(t, err)
	numAnchors := rpn.NumAnchors()

	result, err := rpn.Forward(
		[]*tensor.Dense{confidentScores(numAnchors, 0), confidentScores(numAnchors, 5)},
		[]*tensor.Dense{zeroCoeffs(numAnchors), zeroCoeffs(numAnchors)},
	)
	assert.NoError(t, err)
	assert.Len(t, result.RoIs, 2)
	assert.Len(t, result.Scores, 2)

	// Zero coefficients decode every disjoint anchor, so NMS keeps all 256,
	// ranked by score: the confident anchor leads.
	for n := range result.RoIs {
		assert.Equal(t, []int{numAnchors, 4}, []int(result.RoIs[n].Shape()))
		assert.Equal(t, float32(5), result.Scores[n].Float32s()[0])
	}
	anchorData := rpn.Anchors().Float32s()
	assert.Equal(t, anchorData[5*4:5*4+4], result.RoIs[1].Float32s()[:4])
}

func TestRPN_ForwardBatchValidation(t *testing.T) {
	rpn, err := NewRPN(testRPNParams())
	assert.NoError(t, err)
	numAnchors := rpn.NumAnchors()

	_, err = rpn.Forward(nil, nil)
	assert.Error(t, err)

	_, err = rpn.Forward(
		[]*tensor.Dense{confidentScores(numAnchors)},
		[]*tensor.Dense{zeroCoeffs(numAnchors), zeroCoeffs(numAnchors)},
	)
	assert.Error(t, err)

	_, err = rpn.Forward(
		[]*tensor.Dense{confidentScores(numAnchors - 1)},
		[]*tensor.Dense{zeroCoeffs(numAnchors)},
	)
	assert.Error(t, err)
}

func TestRPN_ForwardTrain(t *testing.T) {
	rpn, err := NewRPN(testRPNParams())
	assert.NoError(t, err)
	numAnchors := rpn.NumAnchors()

	// Ground truth equals anchor 0 and the head already predicts it perfectly:
	// anchor 0 confidently foreground, everything else background, zero
	// regression coefficients.
	result, err := rpn.ForwardTrain(
		[]*tensor.Dense{confidentScores(numAnchors, 0)},
		[]*tensor.Dense{zeroCoeffs(numAnchors)},
		[]*tensor.Dense{gtTensor([4]float32{0, 0, 16, 16})},
		[][]int{{2}},
	)
	assert.NoError(t, err)

	assert.Less(t, result.ClassLoss, 1e-3)
	assert.Less(t, result.BBoxLoss, 1e-6)
	assert.InDelta(t, result.ClassLoss+result.BBoxLoss, result.TotalLoss, 1e-12)

	// The refined RoI set fills the per-image budget; the input RoI matching
	// the box and the appended box itself carry its class, the rest are
	// background.
	assert.Len(t, result.RoIs, 1)
	assert.Equal(t, []int{16, 4}, []int(result.RoIs[0].Shape()))
	assert.Len(t, result.RoILabels[0], 16)
	classCount := 0
	for _, l := range result.RoILabels[0] {
		if l == 2 {
			classCount++
		} else {
			assert.Equal(t, modules.LabelBackground, l)
		}
	}
	assert.Equal(t, 2, classCount)
	assert.Equal(t, []int{16, 16}, []int(result.RoITargets[0].Shape()))
}

func TestRPN_ForwardTrainWrongPredictionRaisesLoss(t *testing.T) {
	rpn, err := NewRPN(testRPNParams())
	assert.NoError(t, err)
	numAnchors := rpn.NumAnchors()

	gt := []*tensor.Dense{gtTensor([4]float32{0, 0, 16, 16})}
	classes := [][]int{{2}}
	coeffs := []*tensor.Dense{zeroCoeffs(numAnchors)}

	good, err := rpn.ForwardTrain([]*tensor.Dense{confidentScores(numAnchors, 0)}, coeffs, gt, classes)
	assert.NoError(t, err)

	// Same scene, but the head calls the matching anchor background.
	bad, err := rpn.ForwardTrain([]*tensor.Dense{confidentScores(numAnchors)}, coeffs, gt, classes)
	assert.NoError(t, err)

	assert.Greater(t, bad.ClassLoss, good.ClassLoss)
	assert.Greater(t, bad.ClassLoss, 0.03)
}

func TestRPN_ForwardTrainEmptyGroundTruth(t *testing.T) {
	rpn, err := NewRPN(testRPNParams())
	assert.NoError(t, err)
	numAnchors := rpn.NumAnchors()

	result, err := rpn.ForwardTrain(
		[]*tensor.Dense{confidentScores(numAnchors)},
		[]*tensor.Dense{zeroCoeffs(numAnchors)},
		[]*tensor.Dense{nil},
		[][]int{nil},
	)
	assert.NoError(t, err)

	// Every anchor is background and the head agrees; no foreground means no
	// regression loss.
	assert.Less(t, result.ClassLoss, 1e-3)
	assert.Equal(t, 0.0, result.BBoxLoss)
	for _, l := range result.RoILabels[0] {
		assert.Equal(t, modules.LabelBackground, l)
	}
}

func TestRPN_ForwardTrainBatchValidation(t *testing.T) {
	rpn, err := NewRPN(testRPNParams())
	assert.NoError(t, err)
	numAnchors := rpn.NumAnchors()

	scores := []*tensor.Dense{confidentScores(numAnchors)}
	coeffs := []*tensor.Dense{zeroCoeffs(numAnchors)}

	_, err = rpn.ForwardTrain(scores, coeffs, nil, [][]int{nil})
	assert.Error(t, err)

	_, err = rpn.ForwardTrain(scores, coeffs, []*tensor.Dense{nil}, nil)
	assert.Error(t, err)

	// Class count must match the ground-truth box count per image.
	_, err = rpn.ForwardTrain(scores, coeffs, []*tensor.Dense{gtTensor([4]float32{0, 0, 16, 16})}, [][]int{nil})
	assert.Error(t, err)
}

func TestTrainResult_LossTerms(t *testing.T) {
	result := &TrainResult{ClassLoss: 0.25, BBoxLoss: 0.5, TotalLoss: 0.75}
	terms := result.LossTerms()

	assert.Equal(t, []string{"rpn_class_loss", "rpn_bbox_loss", "rpn_total_loss"}, terms.Keys())
	v, ok := terms.Get("rpn_total_loss")
	assert.True(t, ok)
	assert.Equal(t, 0.75, v)
}
