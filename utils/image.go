package utils

import (
	"errors"
	"fmt"

	"gocv.io/x/gocv"
	"gorgonia.org/tensor"
)

// ImageToOpenCV converts the raw image into OpenCV Matrix
func ImageToOpenCV(bImage []byte) (*gocv.Mat, error) {
	dstMat := gocv.Mat{}
	srcMat, err := gocv.IMDecode(bImage, gocv.IMReadUnchanged)
	if err != nil {
		return &gocv.Mat{}, err
	}

	// Add the rows, columns, and number of channel to the dimension
	dimension := []int{}
	dimension = append(dimension, srcMat.Size()...)
	dimension = append(dimension, srcMat.Channels())

	if len(dimension) < 3 {
		return &dstMat, errors.New(fmt.Sprintf("invalid number of dimension: %d", len(dimension)))
	}

	if dimension[2] == 4 { // RGBA
		gocv.CvtColor(srcMat, &dstMat, gocv.ColorBGRAToBGR)
	} else if dimension[2] == 1 { // Grayscale
		gocv.CvtColor(srcMat, &dstMat, gocv.ColorGrayToBGR)
	} else {
		dstMat = srcMat
	}
	return &dstMat, nil
}

// ImageToTensor converts a BGR OpenCV matrix into a normalized 1x3xHxW RGB
// float32 tensor, the input layout the backbone feature extractor expects.
func ImageToTensor(img gocv.Mat, pixelMeans, pixelStds []float32, pixelScale float32) (*tensor.Dense, error) {
	if len(pixelMeans) != 3 || len(pixelStds) != 3 {
		return nil, errors.New(fmt.Sprintf("expected 3 pixel means and stds, got %d and %d", len(pixelMeans), len(pixelStds)))
	}
	if pixelScale == 0 {
		return nil, errors.New("pixel scale must be non-zero")
	}

	imgShape := img.Size()
	imgTensors := tensor.New(
		tensor.Of(tensor.Float32),
		tensor.WithShape(1, 3, imgShape[0], imgShape[1]),
	)

	for z := range 3 {
		for y := range imgShape[0] {
			for x := range imgShape[1] {
				err := imgTensors.SetAt((float32(img.GetVecbAt(y, x)[2-z])/pixelScale-pixelMeans[2-z])/pixelStds[2-z], 0, z, y, x)
				if err != nil {
					return nil, err
				}
			}
		}
	}

	return imgTensors, nil
}
