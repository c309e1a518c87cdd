package detector

import (
	"context"
	"image"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/batch-detect/inference"
	"github.com/nvr-ai/batch-detect/models/postprocess"
)

type stubDetector struct{ closed bool }

func (s *stubDetector) Infer(context.Context, image.Image) (postprocess.RawDetections, error) {
	return postprocess.RawDetections{}, nil
}

func (s *stubDetector) Close() error {
	s.closed = true
	return nil
}

func TestParseDetectionRows(t *testing.T) {
	data := []float32{
		0, 1, 0.4, 0.1, 0.2, 0.3, 0.4,
		0, 3, 0.9, 0.5, 0.6, 0.7, 0.8,
		-1, 0, 0, 0, 0, 0, 0,
		0, 2, 0.4, 0.0, 0.0, 1.0, 1.0,
	}

	raw, err := parseDetectionRows(data, 1)
	require.NoError(t, err)
	require.NoError(t, raw.Validate())
	assert.Equal(t, 3, raw.Count)
	assert.Equal(t, []float32{0.9, 0.4, 0.4}, raw.Scores)
	assert.Equal(t, []int{2, 0, 1}, raw.Classes)
	// x/y order is swapped into (ymin, xmin, ymax, xmax)
	assert.Equal(t, [4]float32{0.6, 0.5, 0.8, 0.7}, raw.Boxes[0])
}

func TestParseDetectionRowsMalformed(t *testing.T) {
	_, err := parseDetectionRows(make([]float32, 10), 1)
	assert.True(t, errors.Is(err, postprocess.ErrContractViolation))

	raw, err := parseDetectionRows(nil, 1)
	require.NoError(t, err)
	assert.Zero(t, raw.Count)
}

func TestNHWCInputSize(t *testing.T) {
	size, err := nhwcInputSize([]int64{1, 320, 480, 3}, image.Pt(640, 640))
	require.NoError(t, err)
	assert.Equal(t, image.Pt(480, 320), size)

	size, err = nhwcInputSize([]int64{1, -1, -1, 3}, image.Pt(640, 512))
	require.NoError(t, err)
	assert.Equal(t, image.Pt(640, 512), size)

	_, err = nhwcInputSize([]int64{1, -1, -1, 3}, image.Point{})
	assert.Error(t, err)

	_, err = nhwcInputSize([]int64{1, 3, 640, 640}, image.Pt(640, 640))
	assert.Error(t, err)
}

func TestOutputIndex(t *testing.T) {
	idx, err := outputIndex([]inference.TensorInfo{
		{Name: "detection_anchor_indices"},
		{Name: "detection_boxes:0"},
		{Name: "detection_classes"},
		{Name: "detection_scores"},
		{Name: "num_detections"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, idx[OutputBoxes])
	assert.Equal(t, 4, idx[OutputCount])

	_, err = outputIndex([]inference.TensorInfo{{Name: "output0"}})
	assert.Error(t, err)
}

func TestRawFromOutputs(t *testing.T) {
	named := map[string]tensor.Tensor{
		OutputBoxes: tensor.New(tensor.WithShape(1, 3, 4), tensor.WithBacking([]float32{
			0.1, 0.1, 0.5, 0.5,
			0.2, 0.2, 0.6, 0.6,
			0, 0, 0, 0,
		})),
		OutputClasses: tensor.New(tensor.WithShape(1, 3), tensor.WithBacking([]float32{1, 2, 1})),
		OutputScores:  tensor.New(tensor.WithShape(1, 3), tensor.WithBacking([]float32{0.9, 0.5, 0})),
		OutputCount:   tensor.New(tensor.WithShape(1), tensor.WithBacking([]float32{2})),
	}

	raw, err := rawFromOutputs(named, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, raw.Count)
	assert.Equal(t, []int{0, 1, 0}, raw.Classes)

	delete(named, OutputScores)
	_, err = rawFromOutputs(named, 1)
	assert.True(t, errors.Is(err, postprocess.ErrContractViolation))
}

func TestFirstInt(t *testing.T) {
	n, err := firstInt([]float32{7})
	require.NoError(t, err)
	assert.Equal(t, 7, n)

	n, err = firstInt(int64(3))
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	_, err = firstInt([]float32{})
	assert.Error(t, err)

	_, err = firstInt("x")
	assert.Error(t, err)
}

func TestNewMissingModel(t *testing.T) {
	dir := t.TempDir()

	for _, backend := range []Backend{BackendOpenCV, BackendONNX} {
		t.Run(string(backend), func(t *testing.T) {
			_, err := New(context.Background(), Options{Backend: backend, ModelDir: dir})
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrModelNotFound))
		})
	}
}

func TestModelFileEmpty(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ONNXModelFile), nil, 0o644))

	_, err := modelFile(dir, ONNXModelFile)
	assert.True(t, errors.Is(err, ErrModelNotFound))
}

func TestRegistry(t *testing.T) {
	_, err := New(context.Background(), Options{Backend: "tflite"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported detector backend")

	stub := &stubDetector{}
	Register("stub", func(context.Context, Options) (Detector, error) { return stub, nil })
	assert.Contains(t, Backends(), Backend("stub"))

	d, err := New(context.Background(), Options{Backend: "stub"})
	require.NoError(t, err)
	require.NoError(t, d.Close())
	assert.True(t, stub.closed)
}

func TestDefaultOptions(t *testing.T) {
	opts := DefaultOptions()
	assert.Equal(t, BackendONNX, opts.Backend)
	assert.Equal(t, 1, opts.ClassIDBase)
	assert.Equal(t, image.Pt(640, 640), opts.InputSize)
}
