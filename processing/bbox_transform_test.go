package processing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"gorgonia.org/tensor"
)

func boxTensor(boxes ...[4]float32) *tensor.Dense {
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

func TestEncodeDecodeRoundTrip(t *testing.T) {
	src := boxTensor(
		[4]float32{0, 0, 16, 16},
		[4]float32{10, 20, 50, 90},
		[4]float32{100.5, 3.25, 140.75, 77},
	)
	tgt := boxTensor(
		[4]float32{2, 3, 20, 18},
		[4]float32{5, 25, 60, 80},
		[4]float32{90, 10, 200, 66},
	)

	coeffs, err := EncodeBoxes(src, tgt)
	assert.NoError(t, err)

	decoded, err := DecodeBoxes(src, coeffs)
	assert.NoError(t, err)

	tgtData := tgt.Float32s()
	decData := decoded.Float32s()
	for i := range tgtData {
		assert.InDelta(t, float64(tgtData[i]), float64(decData[i]), 1e-3)
	}
}

func TestEncodeBoxes_IdenticalBoxesYieldZero(t *testing.T) {
	src := boxTensor([4]float32{0, 0, 16, 16})
	coeffs, err := EncodeBoxes(src, src.Clone().(*tensor.Dense))
	assert.NoError(t, err)
	for _, v := range coeffs.Float32s() {
		assert.InDelta(t, 0, float64(v), 1e-5)
	}
}

func TestEncodeBoxes_ShapeMismatch(t *testing.T) {
	src := boxTensor([4]float32{0, 0, 16, 16})
	tgt := boxTensor([4]float32{0, 0, 16, 16}, [4]float32{0, 0, 8, 8})
	_, err := EncodeBoxes(src, tgt)
	assert.Error(t, err)

	bad := tensor.New(tensor.Of(tensor.Float32), tensor.WithShape(2, 3), tensor.WithBacking(make([]float32, 6)))
	_, err = EncodeBoxes(bad, tgt)
	assert.Error(t, err)
}

func TestDecodeBoxes_ZeroCoeffsReproduceSource(t *testing.T) {
	src := boxTensor([4]float32{10, 20, 42, 60})
	zero := tensor.New(tensor.Of(tensor.Float32), tensor.WithShape(1, 4), tensor.WithBacking(make([]float32, 4)))

	decoded, err := DecodeBoxes(src, zero)
	assert.NoError(t, err)

	srcData := src.Float32s()
	decData := decoded.Float32s()
	for i := range srcData {
		assert.InDelta(t, float64(srcData[i]), float64(decData[i]), 1e-4)
	}
}

func TestClipBoxes(t *testing.T) {
	boxes := boxTensor(
		[4]float32{-10, -5, 30, 40},
		[4]float32{50, 90, 200, 150},
	)

	err := ClipBoxes(boxes, [2]int{100, 120})
	assert.NoError(t, err)

	data := boxes.Float32s()
	assert.Equal(t, float32(0), data[0])
	assert.Equal(t, float32(0), data[1])
	assert.Equal(t, float32(30), data[2])
	assert.Equal(t, float32(40), data[3])
	assert.Equal(t, float32(120), data[6])
	assert.Equal(t, float32(100), data[7])
}

func TestFilterSmallBoxes(t *testing.T) {
	boxes := boxTensor(
		[4]float32{0, 0, 20, 20},
		[4]float32{0, 0, 5, 30},
		[4]float32{0, 0, 30, 5},
		[4]float32{0, 0, 16, 16},
	)

	keep, err := FilterSmallBoxes(boxes, 16)
	assert.NoError(t, err)
	assert.Equal(t, []int{0, 3}, keep)
}

func TestFilterSmallBoxes_AllDropped(t *testing.T) {
	boxes := boxTensor([4]float32{0, 0, 2, 2})
	keep, err := FilterSmallBoxes(boxes, 16)
	assert.NoError(t, err)
	assert.Empty(t, keep)
}
