package modules

import (
	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// TrueScoreColumn maps a foreground/background label to the score column
// carrying its logit. Labels say 1 = foreground while score tensors keep
// foreground in column 0, so the mapping flips the value; keeping it in one
// named place avoids silent label-flip bugs at the predictor boundary.
func TrueScoreColumn(label int) int {
	if label == LabelForeground {
		return ScoreColForeground
	}
	return ScoreColBackground
}

// SoftmaxCrossEntropy averages the negative log softmax probability of the
// true column over every row whose label is not ignore. Rows labeled -1
// contribute nothing; an empty selection yields zero loss.
func SoftmaxCrossEntropy(scores *tensor.Dense, labels []int) (float64, error) {
	shape := scores.Shape()
	if len(shape) != 2 || shape[1] != 2 {
		return 0, errors.Errorf("scores must have shape (n, 2), got %v", shape)
	}
	if shape[0] != len(labels) {
		return 0, errors.Errorf("got %d labels for %d score rows", len(labels), shape[0])
	}

	data := scores.Float32s()
	var sum float64
	count := 0

	for i, label := range labels {
		if label < 0 {
			continue
		}
		fg := data[i*2+ScoreColForeground]
		bg := data[i*2+ScoreColBackground]

		// Stable log-sum-exp over the two logits.
		m := math32.Max(fg, bg)
		lse := m + math32.Log(math32.Exp(fg-m)+math32.Exp(bg-m))

		sum += float64(lse - data[i*2+TrueScoreColumn(label)])
		count++
	}

	if count == 0 {
		return 0, nil
	}
	return sum / float64(count), nil
}

// SmoothL1 computes the smooth-L1 deviation between predicted and target
// coefficients over the selected rows, averaged over every scored element:
// 0.5*d*d for |d| < 1, |d| - 0.5 otherwise. No selected rows yields zero loss.
func SmoothL1(pred, target *tensor.Dense, rows []int) (float64, error) {
	predShape := pred.Shape()
	targetShape := target.Shape()
	if len(predShape) != 2 || len(targetShape) != 2 || !predShape.Eq(targetShape) {
		return 0, errors.Errorf("prediction and target shapes differ: %v vs %v", predShape, targetShape)
	}
	if len(rows) == 0 {
		return 0, nil
	}

	numCols := predShape[1]
	predData := pred.Float32s()
	targetData := target.Float32s()

	var sum float64
	for _, r := range rows {
		if r < 0 || r >= predShape[0] {
			return 0, errors.Errorf("row %d is out of bounds", r)
		}
		for col := 0; col < numCols; col++ {
			d := math32.Abs(predData[r*numCols+col] - targetData[r*numCols+col])
			if d < 1 {
				sum += float64(0.5 * d * d)
			} else {
				sum += float64(d - 0.5)
			}
		}
	}

	return sum / float64(len(rows)*numCols), nil
}
