package modules

import (
	"time"

	"github.com/okieraised/go-faster-rcnn/utils"
	gotritonclient "github.com/okieraised/go-triton-client"
	"github.com/okieraised/go-triton-client/triton_proto"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// RPNHead produces the per-anchor objectness scores (A x 2) and regression
// coefficients (A x 4) for one image's feature grid, rows ordered by the
// anchor set's canonical flattening. The convolutional head itself lives
// outside this library; implementations only move its outputs across the
// boundary.
type RPNHead interface {
	Predict(features *tensor.Dense) (*tensor.Dense, *tensor.Dense, error)
}

// TritonRPNHead serves RPNHead from a Triton inference server hosting the
// score/coefficient convolutions. The model is expected to take the backbone
// feature grid (1 x C x Hf x Wf) and return two outputs, scores first:
// (1 x 2A' x Hf x Wf) and (1 x 4A' x Hf x Wf) with A' anchor types per cell,
// channels grouped per anchor type.
type TritonRPNHead struct {
	tritonClient *gotritonclient.TritonGRPCClient
	ModelParams  *triton_proto.ModelConfigResponse
	modelName    string
	timeout      time.Duration
}

func NewTritonRPNHead(tritonClient *gotritonclient.TritonGRPCClient, modelName string, timeout time.Duration) (*TritonRPNHead, error) {
	if tritonClient == nil {
		return nil, errors.New("triton client is required")
	}
	if modelName == "" {
		return nil, errors.New("model name is required")
	}
	if timeout <= 0 {
		return nil, errors.Errorf("timeout must be positive, got %v", timeout)
	}

	inferenceConfig, err := tritonClient.GetModelConfiguration(timeout, modelName, "")
	if err != nil {
		return nil, err
	}

	return &TritonRPNHead{
		tritonClient: tritonClient,
		ModelParams:  inferenceConfig,
		modelName:    modelName,
		timeout:      timeout,
	}, nil
}

func (c *TritonRPNHead) Predict(features *tensor.Dense) (*tensor.Dense, *tensor.Dense, error) {
	featShape := features.Shape()
	if len(featShape) != 4 || featShape[0] != 1 {
		return nil, nil, errors.Errorf("features must have shape (1, c, h, w), got %v", featShape)
	}

	modelRequest := &triton_proto.ModelInferRequest{
		ModelName: c.modelName,
	}

	modelInputs := make([]*triton_proto.ModelInferRequest_InferInputTensor, 0)
	for _, inputCfg := range c.ModelParams.Config.Input {
		modelInput := &triton_proto.ModelInferRequest_InferInputTensor{
			Name:     inputCfg.Name,
			Datatype: inputCfg.DataType.String()[5:],
			Shape:    inputCfg.Dims,
			Contents: &triton_proto.InferTensorContents{
				Fp32Contents: features.Float32s(),
			},
		}
		modelInputs = append(modelInputs, modelInput)
	}
	modelRequest.Inputs = modelInputs

	inferResp, err := c.tritonClient.ModelGRPCInfer(c.timeout, modelRequest)
	if err != nil {
		return nil, nil, err
	}
	if len(inferResp.Outputs) != 2 {
		return nil, nil, errors.Errorf("expected score and coefficient outputs, got %d outputs", len(inferResp.Outputs))
	}

	netOut := make([]*tensor.Dense, len(inferResp.Outputs))
	for idx, out := range inferResp.Outputs {
		outShape := make([]int, 0)
		for _, shape := range out.Shape {
			outShape = append(outShape, int(shape))
		}
		netOut[idx] = tensor.New(
			tensor.Of(tensor.Float32),
			tensor.WithShape(outShape...),
			tensor.WithBacking(utils.BytesToT32[float32](inferResp.RawOutputContents[idx])),
		)
	}

	bboxScores, err := flattenHeadOutput(netOut[0], 2)
	if err != nil {
		return nil, nil, errors.Wrap(err, "score output")
	}
	bboxCoeffs, err := flattenHeadOutput(netOut[1], 4)
	if err != nil {
		return nil, nil, errors.Wrap(err, "coefficient output")
	}

	return bboxScores, bboxCoeffs, nil
}

// flattenHeadOutput converts a head output (1 x A'*lastDim x H x W) into the
// per-anchor layout (H*W*A', lastDim) matching the anchor set's flattening
// order: rows, columns, anchor type.
func flattenHeadOutput(out *tensor.Dense, lastDim int) (*tensor.Dense, error) {
	shape := out.Shape()
	if len(shape) != 4 || shape[0] != 1 {
		return nil, errors.Errorf("expected shape (1, c, h, w), got %v", shape)
	}
	if shape[1]%lastDim != 0 {
		return nil, errors.Errorf("channel count %d is not divisible by %d", shape[1], lastDim)
	}

	err := out.T(0, 2, 3, 1)
	if err != nil {
		return nil, err
	}
	flat := out.Materialize().(*tensor.Dense)
	err = flat.Reshape(shape[2]*shape[3]*shape[1]/lastDim, lastDim)
	if err != nil {
		return nil, err
	}

	return flat, nil
}
