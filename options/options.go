package options

import (
	"fmt"
	"runtime"

	"go.uber.org/zap"

	"github.com/knights-analytics/gliner/util"
)

// Options holds the load-time configuration for a session. The execution
// provider selected here affects speed only: model outputs are numerically
// equivalent across providers within floating point tolerance.
type Options struct {
	RuntimeOptions any
	ORTOptions     *OrtOptions
	Logger         *zap.Logger
	Destroy        func() error
}

func Defaults() *Options {
	_, libraryDirDefault, libraryPathDefault := getDefaultLibraryPaths()
	return &Options{
		ORTOptions: &OrtOptions{
			LibraryDir:  &libraryDirDefault,
			LibraryPath: &libraryPathDefault,
		},
		Logger: zap.NewNop(),
		Destroy: func() error {
			return nil
		},
	}
}

func getDefaultLibraryPaths() (string, string, string) {
	switch runtime.GOOS {
	case "windows":
		return `onnxruntime.dll`, `.\`, `.\onnxruntime.dll`
	case "darwin":
		return "libonnxruntime.dylib", "/usr/local/lib", "/usr/local/lib/libonnxruntime.dylib"
	default:
		return "libonnxruntime.so", "/usr/lib", "/usr/lib/libonnxruntime.so"
	}
}

// OrtOptions are the onnxruntime environment and session options.
type OrtOptions struct {
	LibraryPath       *string
	LibraryDir        *string
	Telemetry         *bool
	IntraOpNumThreads *int
	InterOpNumThreads *int
	CPUMemArena       *bool
	MemPattern        *bool
	CudaOptions       map[string]string
	CoreMLFlags       *uint32
	DirectMLOptions   *int
	OpenVINOOptions   map[string]string
	TensorRTOptions   map[string]string
}

// WithOption is the interface for all option functions.
type WithOption func(o *Options) error

// WithOnnxLibraryPath sets the path to the directory holding "libonnxruntime.so",
// "libonnxruntime.dylib" or "onnxruntime.dll".
func WithOnnxLibraryPath(ortLibraryDir string) WithOption {
	return func(o *Options) error {
		exists, err := util.FileExists(ortLibraryDir)
		if err != nil {
			return fmt.Errorf("failed to access onnxruntime library path %q: %w", ortLibraryDir, err)
		}
		if !exists {
			return fmt.Errorf("onnxruntime library path %q does not exist", ortLibraryDir)
		}
		libraryName, _, _ := getDefaultLibraryPaths()
		fullPath := util.PathJoinSafe(ortLibraryDir, libraryName)
		o.ORTOptions.LibraryPath = &fullPath
		o.ORTOptions.LibraryDir = &ortLibraryDir
		return nil
	}
}

// WithLogger sets the logger used for session and pipeline events.
// The default is a no-op logger.
func WithLogger(logger *zap.Logger) WithOption {
	return func(o *Options) error {
		if logger == nil {
			return fmt.Errorf("logger cannot be nil")
		}
		o.Logger = logger
		return nil
	}
}

// WithTelemetry enables telemetry events for the onnxruntime environment. Default is off.
func WithTelemetry() WithOption {
	return func(o *Options) error {
		enabled := true
		o.ORTOptions.Telemetry = &enabled
		return nil
	}
}

// WithIntraOpNumThreads sets the number of threads used to parallelize execution
// within onnxruntime graph nodes. If unspecified, onnxruntime uses the number of
// physical CPU cores.
func WithIntraOpNumThreads(numThreads int) WithOption {
	return func(o *Options) error {
		o.ORTOptions.IntraOpNumThreads = &numThreads
		return nil
	}
}

// WithInterOpNumThreads sets the number of threads used to parallelize execution
// across separate onnxruntime graph nodes.
func WithInterOpNumThreads(numThreads int) WithOption {
	return func(o *Options) error {
		o.ORTOptions.InterOpNumThreads = &numThreads
		return nil
	}
}

// WithCPUMemArena enables or disables the memory arena on CPU.
// Arena may pre-allocate memory for future usage. Default is true.
func WithCPUMemArena(enable bool) WithOption {
	return func(o *Options) error {
		o.ORTOptions.CPUMemArena = &enable
		return nil
	}
}

// WithMemPattern enables or disables the memory pattern optimization.
// If this is enabled memory is preallocated if all shapes are known. Default is true.
func WithMemPattern(enable bool) WithOption {
	return func(o *Options) error {
		o.ORTOptions.MemPattern = &enable
		return nil
	}
}

// WithCuda sets the options for the CUDA execution provider.
func WithCuda(options map[string]string) WithOption {
	return func(o *Options) error {
		if o.ORTOptions.CudaOptions == nil {
			o.ORTOptions.CudaOptions = map[string]string{}
		}
		for k, v := range options {
			o.ORTOptions.CudaOptions[k] = v
		}
		return nil
	}
}

// WithCoreML sets the CoreML provider flags for the onnxruntime session.
func WithCoreML(flags uint32) WithOption {
	return func(o *Options) error {
		o.ORTOptions.CoreMLFlags = &flags
		return nil
	}
}

// WithDirectML sets the DirectML device ID. By default this option is not set.
func WithDirectML(deviceID int) WithOption {
	return func(o *Options) error {
		o.ORTOptions.DirectMLOptions = &deviceID
		return nil
	}
}

// WithOpenVINO sets the options for the OpenVINO execution provider.
// Example usage: WithOpenVINO(map[string]string{"device_type": "CPU", "num_threads": "4"}).
func WithOpenVINO(options map[string]string) WithOption {
	return func(o *Options) error {
		o.ORTOptions.OpenVINOOptions = options
		return nil
	}
}

// WithTensorRT sets the options for the TensorRT execution provider.
// Note: for the TensorRT provider to work, the onnxruntime library must be
// built with TensorRT support.
func WithTensorRT(options map[string]string) WithOption {
	return func(o *Options) error {
		o.ORTOptions.TensorRTOptions = options
		return nil
	}
}
