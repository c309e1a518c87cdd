package inference

import (
	"runtime"
	"strconv"

	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
)

// ExecutionProvider names an ONNX Runtime execution provider.
type ExecutionProvider string

const (
	// CPUExecutionProvider is always available.
	CPUExecutionProvider ExecutionProvider = "cpu"
	// CUDAExecutionProvider runs on an NVIDIA GPU.
	CUDAExecutionProvider ExecutionProvider = "cuda"
	// CoreMLExecutionProvider runs on Apple silicon.
	CoreMLExecutionProvider ExecutionProvider = "coreml"
	// OpenVINOExecutionProvider runs on Intel hardware.
	OpenVINOExecutionProvider ExecutionProvider = "openvino"
)

// SessionConfig tunes the ONNX Runtime session.
type SessionConfig struct {
	// Provider selects the execution provider. Empty means CPU.
	Provider ExecutionProvider `json:"provider" yaml:"provider"`
	// DeviceID selects the accelerator for CUDA.
	DeviceID int `json:"device_id" yaml:"device_id"`
	// IntraOpThreads parallelizes execution within graph nodes. 0 uses half the CPUs.
	IntraOpThreads int `json:"intra_op_threads" yaml:"intra_op_threads"`
	// InterOpThreads parallelizes execution across graph nodes. 0 uses the runtime default.
	InterOpThreads int `json:"inter_op_threads" yaml:"inter_op_threads"`
	// SharedLibPath overrides GetSharedLibPath.
	SharedLibPath string `json:"shared_lib_path" yaml:"shared_lib_path"`
}

// DefaultSessionConfig returns a CPU configuration using half the cores.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		Provider:       CPUExecutionProvider,
		IntraOpThreads: max(1, runtime.NumCPU()/2),
	}
}

// Validate checks the provider name and thread counts.
func (c SessionConfig) Validate() error {
	switch c.Provider {
	case "", CPUExecutionProvider, CUDAExecutionProvider, CoreMLExecutionProvider, OpenVINOExecutionProvider:
	default:
		return errors.Errorf("unsupported execution provider %q", c.Provider)
	}
	if c.IntraOpThreads < 0 || c.InterOpThreads < 0 {
		return errors.New("thread counts must not be negative")
	}
	return nil
}

// NewSessionOptions builds native session options for config. The caller
// must Destroy the returned options once the session is created.
//
// Arguments:
//   - config: The session configuration.
//
// Returns:
//   - *ort.SessionOptions: Configured session options.
//   - error: If the options cannot be created or the provider is unavailable.
func NewSessionOptions(config SessionConfig) (*ort.SessionOptions, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, errors.Wrap(err, "error creating ORT session options")
	}

	if err := applySessionConfig(options, config); err != nil {
		_ = options.Destroy()
		return nil, err
	}
	return options, nil
}

func applySessionConfig(options *ort.SessionOptions, config SessionConfig) error {
	intra := config.IntraOpThreads
	if intra == 0 {
		intra = max(1, runtime.NumCPU()/2)
	}
	if err := options.SetIntraOpNumThreads(intra); err != nil {
		return errors.Wrap(err, "error setting intra-op threads")
	}
	if err := options.SetInterOpNumThreads(config.InterOpThreads); err != nil {
		return errors.Wrap(err, "error setting inter-op threads")
	}
	if err := options.SetGraphOptimizationLevel(ort.GraphOptimizationLevelEnableExtended); err != nil {
		return errors.Wrap(err, "error setting graph optimization level")
	}

	switch config.Provider {
	case CUDAExecutionProvider:
		cuda, err := ort.NewCUDAProviderOptions()
		if err != nil {
			return errors.Wrap(err, "error creating CUDA provider options")
		}
		defer cuda.Destroy()
		if err := cuda.Update(map[string]string{"device_id": strconv.Itoa(config.DeviceID)}); err != nil {
			return errors.Wrap(err, "error updating CUDA provider options")
		}
		if err := options.AppendExecutionProviderCUDA(cuda); err != nil {
			return errors.Wrap(err, "error enabling CUDA")
		}
	case CoreMLExecutionProvider:
		if err := options.AppendExecutionProviderCoreML(0); err != nil {
			return errors.Wrap(err, "error enabling CoreML")
		}
	case OpenVINOExecutionProvider:
		if err := options.AppendExecutionProviderOpenVINO(map[string]string{
			"device_type": "CPU",
			"precision":   "FP32",
		}); err != nil {
			return errors.Wrap(err, "error enabling OpenVINO")
		}
	}
	return nil
}
