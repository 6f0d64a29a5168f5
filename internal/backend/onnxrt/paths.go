package onnxrt

import (
	"os"
	"path/filepath"
	"runtime"
)

// Name is the backend identifier reported by Session.Name.
const Name = "onnxruntime"

// cudaProviderLibrary is the CUDA execution-provider plugin shipped with GPU
// builds of ONNX Runtime. Its presence is what makes the GPU path viable.
const cudaProviderLibrary = "libonnxruntime_providers_cuda.so"

func libraryName() string {
	switch runtime.GOOS {
	case "darwin":
		return "libonnxruntime.dylib"
	case "windows":
		return "onnxruntime.dll"
	default:
		return "libonnxruntime.so"
	}
}

// LibraryPath resolves the ONNX Runtime shared library. An explicit file in
// ONNXRUNTIME_SHARED_LIBRARY_PATH wins, then hintDir, then LD_LIBRARY_PATH.
// It returns "" when nothing is found and the loader default should apply.
func LibraryPath(hintDir string) string {
	if p := os.Getenv("ONNXRUNTIME_SHARED_LIBRARY_PATH"); p != "" {
		if st, err := os.Stat(p); err == nil && !st.IsDir() {
			return p
		}
	}
	dirs := []string{hintDir}
	if root := os.Getenv("ONNXRUNTIME_ROOT"); root != "" {
		dirs = append(dirs, filepath.Join(root, "lib"))
	}
	dirs = append(dirs, filepath.SplitList(os.Getenv("LD_LIBRARY_PATH"))...)
	name := libraryName()
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		p := filepath.Join(dir, name)
		if st, err := os.Stat(p); err == nil && !st.IsDir() {
			return p
		}
	}
	return ""
}

// resolveDims replaces symbolic dimensions with concrete sizes: a dynamic
// leading (batch) dimension becomes 1, any other becomes fallback.
func resolveDims(dims []int64, fallback int64) []int64 {
	out := make([]int64, len(dims))
	for i, d := range dims {
		switch {
		case d > 0:
			out[i] = d
		case i == 0:
			out[i] = 1
		default:
			out[i] = fallback
		}
	}
	return out
}

func elements(dims []int64) int64 {
	n := int64(1)
	for _, d := range dims {
		n *= d
	}
	return n
}
