//go:build !onnx

package onnxrt

import (
	"errors"
	"fmt"

	"github.com/samcharles93/ocrkit/internal/backend"
)

// ErrNotCompiled is returned by every operation when the binary was built
// without the onnx build tag.
var ErrNotCompiled = errors.New("onnxruntime: backend not compiled in (build with -tags onnx)")

// Session is a placeholder that fails every environment and compile.
type Session struct {
	SequenceLength int64
}

// New returns the placeholder session.
func New() *Session { return &Session{SequenceLength: 300} }

// Compiled reports whether this binary carries the ONNX Runtime backend.
func Compiled() bool { return false }

func (s *Session) Name() string { return Name }

func (s *Session) AcceleratorLibraries() []string { return []string{cudaProviderLibrary} }

// NewEnvironment reports the GPU as unavailable so callers take the CPU
// path, which then fails with ErrNotCompiled.
func (s *Session) NewEnvironment(kind backend.Kind, _ backend.EnvironmentOptions) (backend.Environment, error) {
	if kind == backend.KindGPU {
		return nil, fmt.Errorf("%w: %w", backend.ErrAcceleratorUnavailable, ErrNotCompiled)
	}
	return nil, ErrNotCompiled
}

func (s *Session) Compile(backend.Environment, []byte, backend.CompileOptions) (backend.Model, error) {
	return nil, ErrNotCompiled
}
