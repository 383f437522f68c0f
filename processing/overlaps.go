package processing

import (
	"github.com/chewxy/math32"
	"gorgonia.org/tensor"
)

// IoU returns the intersection-over-union of two corner-form boxes, in [0, 1].
// Disjoint or degenerate boxes yield 0.
func IoU(a, b []float32) float32 {
	ix1 := math32.Max(a[0], b[0])
	iy1 := math32.Max(a[1], b[1])
	ix2 := math32.Min(a[2], b[2])
	iy2 := math32.Min(a[3], b[3])

	iw := ix2 - ix1
	ih := iy2 - iy1
	if iw <= 0 || ih <= 0 {
		return 0
	}

	inter := iw * ih
	areaA := (a[2] - a[0]) * (a[3] - a[1])
	areaB := (b[2] - b[0]) * (b[3] - b[1])
	union := areaA + areaB - inter
	if union <= 0 {
		return 0
	}

	return inter / union
}

// Overlaps computes the dense IoU matrix between two box sets: entry (i, j) is
// the IoU of row i of a against row j of b. Either set may be empty; the
// result keeps the (possibly zero) dimensions.
func Overlaps(a, b *tensor.Dense) (*tensor.Dense, error) {
	numA, err := checkBoxTensor(a, "first box set")
	if err != nil {
		return nil, err
	}
	numB, err := checkBoxTensor(b, "second box set")
	if err != nil {
		return nil, err
	}

	if numA == 0 || numB == 0 {
		return tensor.New(tensor.Of(tensor.Float32), tensor.WithShape(numA, numB)), nil
	}

	aData := a.Float32s()
	bData := b.Float32s()
	out := make([]float32, numA*numB)

	for i := 0; i < numA; i++ {
		boxA := aData[i*4 : i*4+4]
		for j := 0; j < numB; j++ {
			out[i*numB+j] = IoU(boxA, bData[j*4:j*4+4])
		}
	}

	result := tensor.New(
		tensor.Of(tensor.Float32),
		tensor.WithShape(numA, numB),
		tensor.WithBacking(out),
	)

	return result, nil
}
