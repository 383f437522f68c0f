package processing

import (
	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// Boxes everywhere in this package are rows of (x1,y1,x2,y2) in image-pixel
// space, width = x2-x1, center = (x1+x2)/2.

// minBoxSide guards the log-space transform against degenerate boxes.
const minBoxSide = 1e-6

func checkBoxTensor(t *tensor.Dense, name string) (int, error) {
	shape := t.Shape()
	if len(shape) != 2 || shape[1] != 4 {
		return 0, errors.Errorf("%s must have shape (n, 4), got %v", name, shape)
	}
	return shape[0], nil
}

// EncodeBoxes computes the regression coefficients (dx,dy,dw,dh) that deform
// each source box into the target box of the same row: relative center offset
// for x/y, log-space scaling for w/h.
func EncodeBoxes(src, tgt *tensor.Dense) (*tensor.Dense, error) {
	numSrc, err := checkBoxTensor(src, "source boxes")
	if err != nil {
		return nil, err
	}
	numTgt, err := checkBoxTensor(tgt, "target boxes")
	if err != nil {
		return nil, err
	}
	if numSrc != numTgt {
		return nil, errors.Errorf("source and target box counts differ: %d vs %d", numSrc, numTgt)
	}

	srcData := src.Float32s()
	tgtData := tgt.Float32s()
	out := make([]float32, numSrc*4)

	for i := 0; i < numSrc; i++ {
		s := srcData[i*4 : i*4+4]
		t := tgtData[i*4 : i*4+4]

		sw := math32.Max(s[2]-s[0], minBoxSide)
		sh := math32.Max(s[3]-s[1], minBoxSide)
		scx := (s[0] + s[2]) / 2
		scy := (s[1] + s[3]) / 2

		tw := math32.Max(t[2]-t[0], minBoxSide)
		th := math32.Max(t[3]-t[1], minBoxSide)
		tcx := (t[0] + t[2]) / 2
		tcy := (t[1] + t[3]) / 2

		out[i*4+0] = (tcx - scx) / sw
		out[i*4+1] = (tcy - scy) / sh
		out[i*4+2] = math32.Log(tw / sw)
		out[i*4+3] = math32.Log(th / sh)
	}

	coeffs := tensor.New(
		tensor.Of(tensor.Float32),
		tensor.WithShape(numSrc, 4),
		tensor.WithBacking(out),
	)

	return coeffs, nil
}

// DecodeBoxes applies regression coefficients to source boxes, inverting
// EncodeBoxes: decode(src, encode(src, tgt)) reproduces tgt up to
// floating-point tolerance.
func DecodeBoxes(src, deltas *tensor.Dense) (*tensor.Dense, error) {
	numSrc, err := checkBoxTensor(src, "source boxes")
	if err != nil {
		return nil, err
	}
	numDeltas, err := checkBoxTensor(deltas, "coefficients")
	if err != nil {
		return nil, err
	}
	if numSrc != numDeltas {
		return nil, errors.Errorf("source box and coefficient counts differ: %d vs %d", numSrc, numDeltas)
	}

	srcData := src.Float32s()
	deltaData := deltas.Float32s()
	out := make([]float32, numSrc*4)

	for i := 0; i < numSrc; i++ {
		s := srcData[i*4 : i*4+4]
		d := deltaData[i*4 : i*4+4]

		sw := math32.Max(s[2]-s[0], minBoxSide)
		sh := math32.Max(s[3]-s[1], minBoxSide)
		scx := (s[0] + s[2]) / 2
		scy := (s[1] + s[3]) / 2

		cx := scx + d[0]*sw
		cy := scy + d[1]*sh
		w := sw * math32.Exp(d[2])
		h := sh * math32.Exp(d[3])

		out[i*4+0] = cx - w/2
		out[i*4+1] = cy - h/2
		out[i*4+2] = cx + w/2
		out[i*4+3] = cy + h/2
	}

	boxes := tensor.New(
		tensor.Of(tensor.Float32),
		tensor.WithShape(numSrc, 4),
		tensor.WithBacking(out),
	)

	return boxes, nil
}

// ClipBoxes clamps box coordinates in place to the image rectangle
// [0, width] x [0, height]. imgSize is {height, width}.
func ClipBoxes(boxes *tensor.Dense, imgSize [2]int) error {
	numBoxes, err := checkBoxTensor(boxes, "boxes")
	if err != nil {
		return err
	}

	height := float32(imgSize[0])
	width := float32(imgSize[1])
	data := boxes.Float32s()

	for i := 0; i < numBoxes; i++ {
		data[i*4+0] = math32.Min(math32.Max(data[i*4+0], 0), width)
		data[i*4+1] = math32.Min(math32.Max(data[i*4+1], 0), height)
		data[i*4+2] = math32.Min(math32.Max(data[i*4+2], 0), width)
		data[i*4+3] = math32.Min(math32.Max(data[i*4+3], 0), height)
	}

	return nil
}

// FilterSmallBoxes returns the indices of boxes whose width and height both
// reach minSize.
func FilterSmallBoxes(boxes *tensor.Dense, minSize float32) ([]int, error) {
	numBoxes, err := checkBoxTensor(boxes, "boxes")
	if err != nil {
		return nil, err
	}

	data := boxes.Float32s()
	keep := make([]int, 0, numBoxes)
	for i := 0; i < numBoxes; i++ {
		w := data[i*4+2] - data[i*4+0]
		h := data[i*4+3] - data[i*4+1]
		if w >= minSize && h >= minSize {
			keep = append(keep, i)
		}
	}

	return keep, nil
}
