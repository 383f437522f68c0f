package rcnn

import (
	"testing"

	"github.com/okieraised/go-faster-rcnn/processing"
	"github.com/stretchr/testify/assert"
)

func TestAnchors_CountInvariant(t *testing.T) {
	base, err := processing.BaseAnchors(16, []float32{8, 16, 32}, []float32{0.5, 1, 2})
	assert.NoError(t, err)

	anchors, err := Anchors(40, 40, 16, base)
	assert.NoError(t, err)
	assert.Equal(t, []int{40 * 40 * 9, 4}, []int(anchors.Shape()))
}

func TestAnchors_Deterministic(t *testing.T) {
	base, err := processing.BaseAnchors(16, []float32{8}, []float32{0.5, 2})
	assert.NoError(t, err)

	first, err := Anchors(8, 12, 16, base)
	assert.NoError(t, err)
	second, err := Anchors(8, 12, 16, base)
	assert.NoError(t, err)
	assert.Equal(t, first.Float32s(), second.Float32s())
}

// A 16x16 grid at stride 16 with one scale and one ratio tiles 256 anchors,
// each centered at (8+16k, 8+16j) for grid cell (j, k).
func TestAnchors_GridCenters(t *testing.T) {
	base, err := processing.BaseAnchors(16, []float32{1}, []float32{1})
	assert.NoError(t, err)

	anchors, err := Anchors(16, 16, 16, base)
	assert.NoError(t, err)
	assert.Equal(t, []int{256, 4}, []int(anchors.Shape()))

	data := anchors.Float32s()
	for j := 0; j < 16; j++ {
		for k := 0; k < 16; k++ {
			i := j*16 + k
			cx := (data[i*4+0] + data[i*4+2]) / 2
			cy := (data[i*4+1] + data[i*4+3]) / 2
			assert.InDelta(t, float64(8+16*k), float64(cx), 1e-4)
			assert.InDelta(t, float64(8+16*j), float64(cy), 1e-4)
		}
	}
}

// The flattening order is rows, then columns, then anchor type.
func TestAnchors_FlatteningOrder(t *testing.T) {
	base, err := processing.BaseAnchors(16, []float32{1, 2}, []float32{1})
	assert.NoError(t, err)

	anchors, err := Anchors(2, 3, 16, base)
	assert.NoError(t, err)
	assert.Equal(t, []int{2 * 3 * 2, 4}, []int(anchors.Shape()))

	data := anchors.Float32s()

	// Rows 0 and 1 are the two anchor types of cell (0, 0) and share a center.
	cx0 := (data[0] + data[2]) / 2
	cx1 := (data[4] + data[6]) / 2
	assert.InDelta(t, float64(cx0), float64(cx1), 1e-5)

	// Row 2 moves one cell to the right.
	cx2 := (data[8] + data[10]) / 2
	assert.InDelta(t, float64(cx0+16), float64(cx2), 1e-5)

	// Row 6 (= 3 cells * 2 types) starts the second grid row.
	cy6 := (data[6*4+1] + data[6*4+3]) / 2
	cy0 := (data[1] + data[3]) / 2
	assert.InDelta(t, float64(cy0+16), float64(cy6), 1e-5)
}

func TestAnchors_InvalidInput(t *testing.T) {
	base, err := processing.BaseAnchors(16, []float32{1}, []float32{1})
	assert.NoError(t, err)

	_, err = Anchors(0, 16, 16, base)
	assert.Error(t, err)

	_, err = Anchors(16, 16, 0, base)
	assert.Error(t, err)
}
