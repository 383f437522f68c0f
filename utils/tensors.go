package utils

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"

	"gorgonia.org/tensor"
)

// VStack concatenates 2D tensors along axis 0. Empty tensors are skipped; if
// every input is empty, the result keeps the column count of the first input.
func VStack(tensors []*tensor.Dense) (*tensor.Dense, error) {
	var nonEmptyTensors []*tensor.Dense
	for _, t := range tensors {
		shape := t.Shape()
		if shape[0] > 0 {
			nonEmptyTensors = append(nonEmptyTensors, t)
		}
	}

	if len(nonEmptyTensors) == 0 {
		numCols := 1
		if len(tensors) > 0 && len(tensors[0].Shape()) == 2 {
			numCols = tensors[0].Shape()[1]
		}
		return tensor.New(tensor.Of(tensor.Float32), tensor.WithShape(0, numCols)), nil
	}

	if len(nonEmptyTensors) == 1 {
		return nonEmptyTensors[0].Clone().(*tensor.Dense), nil
	}

	result, err := nonEmptyTensors[0].Concat(0, nonEmptyTensors[1:]...)
	if err != nil {
		return nil, fmt.Errorf("error concatenating tensors: %v", err)
	}

	return result, nil
}

// ArgSortDescending returns the indices that sort a 1D tensor by descending
// value. Equal values keep their original order, so the lowest index wins ties.
func ArgSortDescending(t *tensor.Dense) ([]int, error) {
	shape := t.Shape()
	if len(shape) != 1 {
		return nil, fmt.Errorf("expected a 1D tensor, got shape %v", shape)
	}

	data := t.Float32s()

	indices := make([]int, len(data))
	for i := range indices {
		indices[i] = i
	}

	sort.SliceStable(indices, func(i, j int) bool {
		return data[indices[i]] > data[indices[j]]
	})

	return indices, nil
}

func SelectRows2D(t *tensor.Dense, indices []int) (*tensor.Dense, error) {
	shape := t.Shape()
	if len(shape) != 2 {
		return nil, fmt.Errorf("expected a 2D tensor, got shape %v", shape)
	}
	numRows, numCols := shape[0], shape[1]

	if len(indices) == 0 {
		return tensor.New(tensor.Of(tensor.Float32), tensor.WithShape(0, numCols)), nil
	}

	data := t.Float32s()
	selectedData := make([]float32, 0, len(indices)*numCols)

	for _, idx := range indices {
		if idx < 0 || idx >= numRows {
			return nil, fmt.Errorf("index %d is out of bounds", idx)
		}
		selectedData = append(selectedData, data[idx*numCols:(idx+1)*numCols]...)
	}

	selectedTensor := tensor.New(
		tensor.Of(tensor.Float32),
		tensor.WithShape(len(indices), numCols),
		tensor.WithBacking(selectedData),
	)

	return selectedTensor, nil
}

func TensorByIndices(t *tensor.Dense, indices []int) (*tensor.Dense, error) {
	shape := t.Shape()

	if len(shape) != 1 {
		return nil, fmt.Errorf("input tensor should be 1D, got shape %v", shape)
	}

	if len(indices) == 0 {
		return tensor.New(tensor.Of(tensor.Float32), tensor.WithShape(0)), nil
	}

	data := t.Float32s()
	resultData := make([]float32, len(indices))

	for i, idx := range indices {
		if idx < 0 || idx >= len(data) {
			return nil, fmt.Errorf("index %d is out of bounds", idx)
		}
		resultData[i] = data[idx]
	}
	result := tensor.New(tensor.Of(tensor.Float32), tensor.WithShape(len(indices)), tensor.WithBacking(resultData))

	return result, nil
}

// BytesToT32 reinterprets a little-endian byte buffer as 32-bit values, e.g.
// the raw output contents of a Triton inference response.
func BytesToT32[T ~float32](raw []byte) []T {
	out := make([]T, len(raw)/4)
	for i := range out {
		bits := binary.LittleEndian.Uint32(raw[i*4 : i*4+4])
		out[i] = T(math.Float32frombits(bits))
	}
	return out
}
