// Package detector runs object detection models and returns their raw output.
package detector

import (
	"context"
	"image"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/nvr-ai/batch-detect/inference"
	"github.com/nvr-ai/batch-detect/models/postprocess"
)

// ErrModelNotFound is returned when the model directory lacks a file the
// selected backend needs.
var ErrModelNotFound = errors.New("model not found")

// Detector runs a detection model over one image.
//
// Implementations return entries ordered by descending confidence with
// zero-based class ids, padded or not, satisfying RawDetections.Validate.
// Infer may be called from several goroutines; implementations serialize
// access to their native resources.
type Detector interface {
	// Infer runs the model over img.
	Infer(ctx context.Context, img image.Image) (postprocess.RawDetections, error)
	// Close releases native resources.
	Close() error
}

// Backend names a Detector implementation.
type Backend string

const (
	// BackendOpenCV runs a TensorFlow frozen graph through the OpenCV DNN module.
	BackendOpenCV Backend = "opencv"
	// BackendONNX runs an ONNX export through ONNX Runtime.
	BackendONNX Backend = "onnx"
)

// Model file names expected inside Options.ModelDir.
const (
	FrozenGraphFile = "frozen_inference_graph.pb"
	GraphConfigFile = "graph.pbtxt"
	ONNXModelFile   = "model.onnx"
)

// Options selects and configures a backend.
type Options struct {
	// Backend selects the implementation.
	Backend Backend `json:"backend" yaml:"backend"`
	// ModelDir holds the exported model files.
	ModelDir string `json:"model_dir" yaml:"model_dir"`
	// InputSize is the network input size used when the model does not fix it.
	InputSize image.Point `json:"input_size" yaml:"input_size"`
	// ClassIDBase is the id of the first class in the model's numbering.
	// TensorFlow exports count from 1.
	ClassIDBase int `json:"class_id_base" yaml:"class_id_base"`
	// Session tunes ONNX Runtime.
	Session inference.SessionConfig `json:"session" yaml:"session"`
}

// DefaultOptions returns options for an ONNX export of a TF2 SSD model.
func DefaultOptions() Options {
	return Options{
		Backend:     BackendONNX,
		InputSize:   image.Pt(640, 640),
		ClassIDBase: 1,
		Session:     inference.DefaultSessionConfig(),
	}
}

// modelFile returns the path of name inside dir, or ErrModelNotFound.
func modelFile(dir, name string) (string, error) {
	path := filepath.Join(dir, name)
	info, err := os.Stat(path)
	if err != nil {
		return "", errors.Wrapf(ErrModelNotFound, "%s: %v", path, err)
	}
	if info.IsDir() || info.Size() == 0 {
		return "", errors.Wrapf(ErrModelNotFound, "%s is empty or not a file", path)
	}
	return path, nil
}
