// Package inference - ONNX Runtime sessions and input preparation.
package inference

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
)

// TensorInfo describes one model input or output.
type TensorInfo struct {
	Name     string
	Shape    []int64
	DataType ort.TensorElementDataType
}

// Session wraps a dynamic ONNX Runtime session with call statistics.
//
// Run is serialized: ORT sessions are safe for concurrent Run calls, but the
// detectors built on top reuse input buffers between calls.
type Session struct {
	session *ort.DynamicAdvancedSession
	inputs  []TensorInfo
	outputs []TensorInfo

	mu             sync.Mutex
	inferenceCount int64
	totalTime      time.Duration
}

// NewSession loads the model at modelPath. The ORT environment must already
// be acquired.
//
// Arguments:
//   - modelPath: Path to the ONNX model file.
//   - config: Session tuning.
//
// Returns:
//   - *Session: The session.
//   - error: If the model cannot be inspected or loaded.
func NewSession(modelPath string, config SessionConfig) (*Session, error) {
	inputInfo, outputInfo, err := ort.GetInputOutputInfo(modelPath)
	if err != nil {
		return nil, errors.Wrapf(err, "error reading model info from %s", modelPath)
	}

	options, err := NewSessionOptions(config)
	if err != nil {
		return nil, err
	}
	defer options.Destroy()

	inputs := toTensorInfo(inputInfo)
	outputs := toTensorInfo(outputInfo)

	session, err := ort.NewDynamicAdvancedSession(modelPath, names(inputs), names(outputs), options)
	if err != nil {
		return nil, errors.Wrapf(err, "error creating ORT session for %s", modelPath)
	}

	return &Session{session: session, inputs: inputs, outputs: outputs}, nil
}

func toTensorInfo(info []ort.InputOutputInfo) []TensorInfo {
	out := make([]TensorInfo, 0, len(info))
	for _, i := range info {
		out = append(out, TensorInfo{
			Name:     i.Name,
			Shape:    []int64(i.Dimensions),
			DataType: i.DataType,
		})
	}
	return out
}

func names(info []TensorInfo) []string {
	out := make([]string, len(info))
	for i, t := range info {
		out[i] = t.Name
	}
	return out
}

// Inputs describes the model inputs in session order.
func (s *Session) Inputs() []TensorInfo { return s.inputs }

// Outputs describes the model outputs in session order.
func (s *Session) Outputs() []TensorInfo { return s.outputs }

// Run executes the model. Outputs are allocated by ONNX Runtime and must be
// destroyed by the caller.
//
// Arguments:
//   - inputs: One value per model input, in Inputs() order.
//
// Returns:
//   - []ort.Value: One value per model output, in Outputs() order.
//   - error: Execution error if any.
func (s *Session) Run(inputs ...ort.Value) ([]ort.Value, error) {
	if len(inputs) != len(s.inputs) {
		return nil, errors.Errorf("model takes %d inputs, got %d", len(s.inputs), len(inputs))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	outputs := make([]ort.Value, len(s.outputs))
	start := time.Now()
	err := s.session.Run(inputs, outputs)
	s.inferenceCount++
	s.totalTime += time.Since(start)
	if err != nil {
		DestroyValues(outputs)
		return nil, errors.Wrap(err, "error running ORT session")
	}
	return outputs, nil
}

// Stats returns the number of Run calls and their mean duration.
func (s *Session) Stats() (count int64, avg time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inferenceCount == 0 {
		return 0, 0
	}
	return s.inferenceCount, s.totalTime / time.Duration(s.inferenceCount)
}

// Close releases the native session.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return nil
	}
	err := s.session.Destroy()
	s.session = nil
	return errors.Wrap(err, "error destroying ORT session")
}

// DestroyValues releases every non-nil value.
func DestroyValues(values []ort.Value) {
	for _, v := range values {
		if v != nil {
			_ = v.Destroy()
		}
	}
}
