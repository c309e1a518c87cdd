package postprocess

import (
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// FromTensors converts dense model output tensors into RawDetections.
//
// The expected layout is the TensorFlow object detection API one, with an
// optional leading batch dimension of 1:
//   - boxes:   [1, N, 4] (ymin, xmin, ymax, xmax)
//   - classes: [1, N]
//   - scores:  [1, N]
//
// Class values are converted to int after subtracting classBase, so a model
// that emits one-based ids passes classBase=1 to produce zero-based ids.
//
// Arguments:
//   - boxes: The box tensor.
//   - classes: The class tensor (float or integer typed).
//   - scores: The score tensor.
//   - count: The number of valid entries reported by the model.
//   - classBase: The id of the first class in the model's numbering.
//
// Returns:
//   - RawDetections: The typed, validated detections.
//   - error: ErrContractViolation on any shape, type or count mismatch.
func FromTensors(boxes, classes, scores tensor.Tensor, count, classBase int) (RawDetections, error) {
	boxShape, err := squeezeBatch(boxes.Shape(), 2)
	if err != nil {
		return RawDetections{}, errors.Wrap(err, "boxes")
	}
	if boxShape[1] != 4 {
		return RawDetections{}, errors.Wrapf(ErrContractViolation, "boxes shape %v, want [1 N 4]", boxes.Shape())
	}
	n := boxShape[0]

	for name, t := range map[string]tensor.Tensor{"classes": classes, "scores": scores} {
		shape, err := squeezeBatch(t.Shape(), 1)
		if err != nil {
			return RawDetections{}, errors.Wrap(err, name)
		}
		if len(shape) != 1 || shape[0] != n {
			return RawDetections{}, errors.Wrapf(ErrContractViolation, "%s shape %v, want [1 %d]", name, t.Shape(), n)
		}
	}

	boxData, err := float32s(boxes)
	if err != nil {
		return RawDetections{}, errors.Wrap(err, "boxes")
	}
	classData, err := float32s(classes)
	if err != nil {
		return RawDetections{}, errors.Wrap(err, "classes")
	}
	scoreData, err := float32s(scores)
	if err != nil {
		return RawDetections{}, errors.Wrap(err, "scores")
	}

	raw := RawDetections{
		Boxes:   make([][4]float32, n),
		Classes: make([]int, n),
		Scores:  make([]float32, n),
		Count:   count,
	}
	for i := 0; i < n; i++ {
		copy(raw.Boxes[i][:], boxData[i*4:i*4+4])
		raw.Classes[i] = int(classData[i]) - classBase
		raw.Scores[i] = scoreData[i]
	}

	if err := raw.Validate(); err != nil {
		return RawDetections{}, err
	}
	return raw, nil
}

// squeezeBatch drops a leading batch dimension of size 1 from a tensor
// expected to have the given rank once squeezed.
func squeezeBatch(shape tensor.Shape, rank int) (tensor.Shape, error) {
	switch {
	case len(shape) == rank:
		return shape, nil
	case len(shape) == rank+1 && shape[0] == 1:
		return shape[1:], nil
	case len(shape) == rank+1:
		return nil, errors.Wrapf(ErrContractViolation, "batch size %d, want 1", shape[0])
	default:
		return nil, errors.Wrapf(ErrContractViolation, "rank %d, want %d", len(shape), rank)
	}
}

// float32s returns the tensor backing data as float32.
func float32s(t tensor.Tensor) ([]float32, error) {
	switch data := t.Data().(type) {
	case []float32:
		return data, nil
	case []float64:
		out := make([]float32, len(data))
		for i, v := range data {
			out[i] = float32(v)
		}
		return out, nil
	case []int64:
		out := make([]float32, len(data))
		for i, v := range data {
			out[i] = float32(v)
		}
		return out, nil
	case []int32:
		out := make([]float32, len(data))
		for i, v := range data {
			out[i] = float32(v)
		}
		return out, nil
	// single element tensors report a scalar
	case float32:
		return []float32{data}, nil
	case float64:
		return []float32{float32(data)}, nil
	case int64:
		return []float32{float32(data)}, nil
	case int32:
		return []float32{float32(data)}, nil
	default:
		return nil, errors.Wrapf(ErrContractViolation, "unsupported tensor dtype %v", t.Dtype())
	}
}
