//go:build !onnx

package onnxrt

import (
	"errors"
	"testing"

	"github.com/samcharles93/ocrkit/internal/backend"
)

func TestStubFallsBackThenFails(t *testing.T) {
	t.Parallel()
	s := New()
	if Compiled() {
		t.Fatal("stub build must report Compiled() == false")
	}
	if _, err := s.NewEnvironment(backend.KindGPU, backend.EnvironmentOptions{}); !errors.Is(err, backend.ErrAcceleratorUnavailable) || !errors.Is(err, ErrNotCompiled) {
		t.Fatalf("GPU environment error = %v", err)
	}
	if _, err := s.NewEnvironment(backend.KindCPU, backend.EnvironmentOptions{}); !errors.Is(err, ErrNotCompiled) || errors.Is(err, backend.ErrAcceleratorUnavailable) {
		t.Fatalf("CPU environment error = %v", err)
	}
	if _, err := s.Compile(nil, []byte("model"), backend.CompileOptions{}); !errors.Is(err, ErrNotCompiled) {
		t.Fatalf("Compile() error = %v", err)
	}
}
