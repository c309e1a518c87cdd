package detector

import (
	"context"
	"image"
	"strings"
	"sync"

	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/batch-detect/inference"
	"github.com/nvr-ai/batch-detect/models/postprocess"
)

// TensorFlow object detection API output names.
const (
	OutputBoxes   = "detection_boxes"
	OutputClasses = "detection_classes"
	OutputScores  = "detection_scores"
	OutputCount   = "num_detections"
)

// ONNXDetector runs a TensorFlow object detection export through ONNX Runtime.
type ONNXDetector struct {
	mu          sync.Mutex
	session     *inference.Session
	input       inference.TensorInfo
	inputSize   image.Point
	classIDBase int
	outputIdx   map[string]int
}

// NewONNX loads model.onnx from opts.ModelDir.
func NewONNX(_ context.Context, opts Options) (Detector, error) {
	model, err := modelFile(opts.ModelDir, ONNXModelFile)
	if err != nil {
		return nil, err
	}

	if err := inference.AcquireEnvironment(inference.GetSharedLibPath(opts.Session.SharedLibPath)); err != nil {
		return nil, err
	}

	session, err := inference.NewSession(model, opts.Session)
	if err != nil {
		_ = inference.ReleaseEnvironment()
		return nil, err
	}

	d, err := newONNXDetector(session, opts)
	if err != nil {
		_ = session.Close()
		_ = inference.ReleaseEnvironment()
		return nil, err
	}
	return d, nil
}

func newONNXDetector(session *inference.Session, opts Options) (*ONNXDetector, error) {
	inputs := session.Inputs()
	if len(inputs) != 1 {
		return nil, errors.Errorf("expected a single image input, model has %d", len(inputs))
	}
	input := inputs[0]

	size, err := nhwcInputSize(input.Shape, opts.InputSize)
	if err != nil {
		return nil, errors.Wrapf(err, "input %s", input.Name)
	}

	idx, err := outputIndex(session.Outputs())
	if err != nil {
		return nil, err
	}

	return &ONNXDetector{
		session:     session,
		input:       input,
		inputSize:   size,
		classIDBase: opts.ClassIDBase,
		outputIdx:   idx,
	}, nil
}

// nhwcInputSize reads H and W from a [1, H, W, 3] shape, using fallback for
// dynamic dimensions.
func nhwcInputSize(shape []int64, fallback image.Point) (image.Point, error) {
	if len(shape) != 4 || shape[3] != 3 {
		return image.Point{}, errors.Errorf("expected an NHWC RGB input, got shape %v", shape)
	}
	size := image.Pt(int(shape[2]), int(shape[1]))
	if size.X <= 0 {
		size.X = fallback.X
	}
	if size.Y <= 0 {
		size.Y = fallback.Y
	}
	if size.X <= 0 || size.Y <= 0 {
		return image.Point{}, errors.Errorf("dynamic input shape %v needs an explicit input size", shape)
	}
	return size, nil
}

// outputIndex maps the detection output names to their session positions.
// Exporters may append a ":0" suffix.
func outputIndex(outputs []inference.TensorInfo) (map[string]int, error) {
	idx := make(map[string]int, 4)
	for i, o := range outputs {
		idx[strings.TrimSuffix(o.Name, ":0")] = i
	}
	for _, name := range []string{OutputBoxes, OutputClasses, OutputScores, OutputCount} {
		if _, ok := idx[name]; !ok {
			return nil, errors.Errorf("model has no %s output", name)
		}
	}
	return idx, nil
}

// Infer implements Detector.
func (d *ONNXDetector) Infer(ctx context.Context, img image.Image) (postprocess.RawDetections, error) {
	if err := ctx.Err(); err != nil {
		return postprocess.RawDetections{}, err
	}

	pixels, err := inference.PrepareInput(img, d.inputSize.X, d.inputSize.Y)
	if err != nil {
		return postprocess.RawDetections{}, err
	}
	shape := ort.NewShape(1, int64(d.inputSize.Y), int64(d.inputSize.X), 3)

	var input ort.Value
	switch d.input.DataType {
	case ort.TensorElementDataTypeFloat:
		input, err = ort.NewTensor(shape, inference.ToFloat32(pixels))
	default:
		input, err = ort.NewTensor(shape, pixels)
	}
	if err != nil {
		return postprocess.RawDetections{}, errors.Wrap(err, "error creating input tensor")
	}
	defer input.Destroy()

	d.mu.Lock()
	defer d.mu.Unlock()

	outputs, err := d.session.Run(input)
	if err != nil {
		return postprocess.RawDetections{}, err
	}
	defer inference.DestroyValues(outputs)

	named := make(map[string]tensor.Tensor, len(d.outputIdx))
	for name, i := range d.outputIdx {
		t, err := toDense(outputs[i])
		if err != nil {
			return postprocess.RawDetections{}, errors.Wrapf(err, "output %s", name)
		}
		named[name] = t
	}
	return rawFromOutputs(named, d.classIDBase)
}

// Close implements Detector.
func (d *ONNXDetector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	err := d.session.Close()
	if releaseErr := inference.ReleaseEnvironment(); err == nil {
		err = releaseErr
	}
	return err
}

// toDense copies an ORT output into a gorgonia tensor.
func toDense(v ort.Value) (tensor.Tensor, error) {
	shape := make([]int, len(v.GetShape()))
	for i, dim := range v.GetShape() {
		shape[i] = int(dim)
	}

	switch t := v.(type) {
	case *ort.Tensor[float32]:
		return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(append([]float32(nil), t.GetData()...))), nil
	case *ort.Tensor[int64]:
		return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(append([]int64(nil), t.GetData()...))), nil
	case *ort.Tensor[int32]:
		return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(append([]int32(nil), t.GetData()...))), nil
	default:
		return nil, errors.Wrapf(postprocess.ErrContractViolation, "unsupported output type %T", v)
	}
}

// rawFromOutputs builds RawDetections from the named detection tensors.
func rawFromOutputs(named map[string]tensor.Tensor, classIDBase int) (postprocess.RawDetections, error) {
	countT, ok := named[OutputCount]
	if !ok {
		return postprocess.RawDetections{}, errors.Wrapf(postprocess.ErrContractViolation, "missing %s", OutputCount)
	}
	count, err := firstInt(countT.Data())
	if err != nil {
		return postprocess.RawDetections{}, errors.Wrapf(postprocess.ErrContractViolation, "%s: %v", OutputCount, err)
	}

	for _, name := range []string{OutputBoxes, OutputClasses, OutputScores} {
		if _, ok := named[name]; !ok {
			return postprocess.RawDetections{}, errors.Wrapf(postprocess.ErrContractViolation, "missing %s", name)
		}
	}
	return postprocess.FromTensors(named[OutputBoxes], named[OutputClasses], named[OutputScores], count, classIDBase)
}

// firstInt reads the first element of tensor data as an int.
func firstInt(data interface{}) (int, error) {
	switch v := data.(type) {
	case []float32:
		if len(v) > 0 {
			return int(v[0]), nil
		}
	case []int64:
		if len(v) > 0 {
			return int(v[0]), nil
		}
	case []int32:
		if len(v) > 0 {
			return int(v[0]), nil
		}
	case float32:
		return int(v), nil
	case int64:
		return int(v), nil
	case int32:
		return int(v), nil
	default:
		return 0, errors.Errorf("unsupported type %T", data)
	}
	return 0, errors.New("empty tensor")
}
