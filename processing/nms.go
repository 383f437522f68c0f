package processing

import (
	"github.com/okieraised/go-faster-rcnn/utils"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// NMS greedily selects boxes by descending score, suppressing every remaining
// box whose IoU with an already selected box reaches the threshold. Selection
// stops once maxKeep boxes are kept; maxKeep <= 0 keeps every survivor. Tied
// scores keep the lower index first, so the result is deterministic.
func NMS(boxes, scores *tensor.Dense, threshold float32, maxKeep int) ([]int, error) {
	numBoxes, err := checkBoxTensor(boxes, "boxes")
	if err != nil {
		return nil, err
	}
	scoreShape := scores.Shape()
	if len(scoreShape) != 1 || scoreShape[0] != numBoxes {
		return nil, errors.Errorf("scores must have shape (%d), got %v", numBoxes, scoreShape)
	}
	if numBoxes == 0 {
		return []int{}, nil
	}

	order, err := utils.ArgSortDescending(scores)
	if err != nil {
		return nil, err
	}

	data := boxes.Float32s()
	suppressed := make([]bool, numBoxes)
	keep := make([]int, 0, numBoxes)

	for _, i := range order {
		if suppressed[i] {
			continue
		}
		keep = append(keep, i)
		if maxKeep > 0 && len(keep) >= maxKeep {
			break
		}

		boxI := data[i*4 : i*4+4]
		for _, j := range order {
			if suppressed[j] || j == i {
				continue
			}
			if IoU(boxI, data[j*4:j*4+4]) >= threshold {
				suppressed[j] = true
			}
		}
	}

	return keep, nil
}
