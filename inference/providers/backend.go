// Package providers - ONNX Runtime execution providers, runtime configuration and environment.
package providers

import (
	"fmt"
	"runtime"
	"strings"
)

// Backend represents an ONNX Runtime execution provider.
type Backend string

const (
	// CPUBackend uses the default CPU execution provider.
	CPUBackend Backend = "cpu"

	// CUDABackend uses NVIDIA CUDA for GPU acceleration.
	CUDABackend Backend = "cuda"

	// CoreMLBackend uses Apple CoreML for macOS/iOS acceleration.
	CoreMLBackend Backend = "coreml"

	// OpenVINOBackend uses Intel OpenVINO for inference optimization.
	OpenVINOBackend Backend = "openvino"
)

// Backends lists every supported backend.
var Backends = []Backend{CPUBackend, CUDABackend, CoreMLBackend, OpenVINOBackend}

// ParseBackend resolves a backend name case-insensitively. An empty name is the CPU backend.
//
// Arguments:
//   - name: The backend name.
//
// Returns:
//   - Backend: The matching backend.
//   - error: If the name is not a supported backend.
func ParseBackend(name string) (Backend, error) {
	n := Backend(strings.ToLower(strings.TrimSpace(name)))
	if n == "" {
		return CPUBackend, nil
	}
	for _, b := range Backends {
		if b == n {
			return b, nil
		}
	}
	return "", fmt.Errorf("no matching provider backend registered: %s", name)
}

// DefaultProviderOptions returns the provider-specific options used when none
// are configured.
//
// Arguments:
//   - backend: The execution provider.
//
// Returns:
//   - map[string]string: A fresh options map; empty for backends without options.
func DefaultProviderOptions(backend Backend) map[string]string {
	switch backend {
	case CUDABackend:
		// See:
		// https://onnxruntime.ai/docs/execution-providers/CUDA-ExecutionProvider.html#configuration-options
		return map[string]string{
			"device_id":                 "0",
			"gpu_mem_limit":             "2147483648", // 2GB
			"arena_extend_strategy":     "kSameAsRequested",
			"cudnn_conv_algo_search":    "HEURISTIC",
			"do_copy_in_default_stream": "1",
		}
	case OpenVINOBackend:
		// See:
		// https://onnxruntime.ai/docs/execution-providers/OpenVINO-ExecutionProvider.html#summary-of-options
		return map[string]string{
			"device_type": "CPU",
		}
	default:
		return map[string]string{}
	}
}

// DefaultSharedLibPath returns the conventional location of the ONNX Runtime
// shared library for the current platform.
//
// Returns:
//   - string: The path to the shared library, or "" when the platform has no default.
func DefaultSharedLibPath() string {
	switch runtime.GOOS {
	case "windows":
		return "./third_party/onnxruntime.dll"
	case "darwin":
		return "./third_party/libonnxruntime.dylib"
	case "linux":
		if runtime.GOARCH == "arm64" {
			return "./third_party/onnxruntime_arm64.so"
		}
		return "./third_party/onnxruntime.so"
	default:
		return ""
	}
}
