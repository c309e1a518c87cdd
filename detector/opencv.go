package detector

import (
	"context"
	"image"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"

	"github.com/nvr-ai/batch-detect/models/postprocess"
)

// detectionRowSize is the width of an SSD DetectionOutput row:
// [batch, class, score, xmin, ymin, xmax, ymax].
const detectionRowSize = 7

// OpenCVDetector runs a TensorFlow frozen graph through gocv's DNN module.
type OpenCVDetector struct {
	mu          sync.Mutex
	net         gocv.Net
	inputSize   image.Point
	classIDBase int
}

// NewOpenCV loads frozen_inference_graph.pb and graph.pbtxt from opts.ModelDir.
func NewOpenCV(_ context.Context, opts Options) (Detector, error) {
	model, err := modelFile(opts.ModelDir, FrozenGraphFile)
	if err != nil {
		return nil, err
	}
	config, err := modelFile(opts.ModelDir, GraphConfigFile)
	if err != nil {
		return nil, err
	}

	var net gocv.Net
	var loadErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				loadErr = errors.Errorf("panic during model loading: %v", r)
			}
		}()
		net = gocv.ReadNet(model, config)
	}()
	if loadErr != nil {
		return nil, loadErr
	}
	if net.Empty() {
		return nil, errors.Errorf("failed to load %s (graph may be incompatible with OpenCV DNN)", model)
	}

	net.SetPreferableBackend(gocv.NetBackendOpenCV)
	net.SetPreferableTarget(gocv.NetTargetCPU)

	size := opts.InputSize
	if size.X <= 0 || size.Y <= 0 {
		size = DefaultOptions().InputSize
	}
	return &OpenCVDetector{net: net, inputSize: size, classIDBase: opts.ClassIDBase}, nil
}

// Infer implements Detector.
func (d *OpenCVDetector) Infer(ctx context.Context, img image.Image) (postprocess.RawDetections, error) {
	if err := ctx.Err(); err != nil {
		return postprocess.RawDetections{}, err
	}

	mat, err := gocv.ImageToMatRGB(img)
	if err != nil {
		return postprocess.RawDetections{}, errors.Wrap(err, "failed to convert image to mat")
	}
	defer mat.Close()

	blob := gocv.BlobFromImage(mat, 1.0, d.inputSize, gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()

	d.mu.Lock()
	defer d.mu.Unlock()

	d.net.SetInput(blob, "")
	out := d.net.Forward("")
	defer out.Close()
	if out.Empty() {
		return postprocess.RawDetections{}, errors.New("inference returned empty output")
	}

	data, err := out.DataPtrFloat32()
	if err != nil {
		return postprocess.RawDetections{}, errors.Wrap(err, "failed to read detection output")
	}
	return parseDetectionRows(data, d.classIDBase)
}

// Close implements Detector.
func (d *OpenCVDetector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.net.Close()
}

// parseDetectionRows converts flattened DetectionOutput rows into
// RawDetections sorted by descending score. Rows with a negative batch id
// are padding and dropped.
func parseDetectionRows(data []float32, classIDBase int) (postprocess.RawDetections, error) {
	if len(data)%detectionRowSize != 0 {
		return postprocess.RawDetections{}, errors.Wrapf(postprocess.ErrContractViolation,
			"detection output holds %d values, not a multiple of %d", len(data), detectionRowSize)
	}

	rows := make([][]float32, 0, len(data)/detectionRowSize)
	for i := 0; i < len(data); i += detectionRowSize {
		row := data[i : i+detectionRowSize]
		if row[0] < 0 {
			continue
		}
		rows = append(rows, row)
	}
	sort.SliceStable(rows, func(a, b int) bool { return rows[a][2] > rows[b][2] })

	raw := postprocess.RawDetections{
		Boxes:   make([][4]float32, len(rows)),
		Classes: make([]int, len(rows)),
		Scores:  make([]float32, len(rows)),
		Count:   len(rows),
	}
	for i, row := range rows {
		raw.Classes[i] = int(row[1]) - classIDBase
		raw.Scores[i] = row[2]
		raw.Boxes[i] = [4]float32{row[4], row[3], row[6], row[5]}
	}
	return raw, nil
}
