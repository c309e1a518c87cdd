package inference

import (
	"os"
	"runtime"
	"sync"

	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
)

// SharedLibEnv overrides the ONNX Runtime shared library location.
const SharedLibEnv = "ONNXRUNTIME_SHARED_LIBRARY_PATH"

var (
	envMu   sync.Mutex
	envRefs int
)

// GetSharedLibPath returns the path to the shared library for the current platform.
//
// Arguments:
//   - override: Explicit path; wins over SharedLibEnv and the platform default.
//
// Returns:
//   - string: The path to the shared library.
func GetSharedLibPath(override string) string {
	if override != "" {
		return override
	}
	if p := os.Getenv(SharedLibEnv); p != "" {
		return p
	}
	switch runtime.GOOS {
	case "windows":
		return "./third_party/onnxruntime.dll"
	case "darwin":
		return "./third_party/libonnxruntime.dylib"
	default:
		if runtime.GOARCH == "arm64" {
			return "./third_party/onnxruntime_arm64.so"
		}
		return "./third_party/onnxruntime.so"
	}
}

// AcquireEnvironment initializes the process-wide ONNX Runtime environment on
// first use. Every successful call must be paired with ReleaseEnvironment.
//
// Arguments:
//   - libPath: Path to the ONNX Runtime shared library.
//
// Returns:
//   - error: If the library is missing or fails to load.
func AcquireEnvironment(libPath string) error {
	envMu.Lock()
	defer envMu.Unlock()

	if envRefs == 0 {
		if _, err := os.Stat(libPath); err != nil {
			return errors.Wrapf(err, "onnx runtime library not found at %s", libPath)
		}
		ort.SetSharedLibraryPath(libPath)
		if err := ort.InitializeEnvironment(); err != nil {
			return errors.Wrap(err, "error initializing ORT environment")
		}
	}
	envRefs++
	return nil
}

// ReleaseEnvironment drops one reference and tears the environment down
// when the last holder releases it.
func ReleaseEnvironment() error {
	envMu.Lock()
	defer envMu.Unlock()

	if envRefs == 0 {
		return nil
	}
	envRefs--
	if envRefs == 0 && ort.IsInitialized() {
		return errors.Wrap(ort.DestroyEnvironment(), "error destroying ORT environment")
	}
	return nil
}
