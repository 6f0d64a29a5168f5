// Package backend defines the execution-backend surface used by the
// inference engine: environments, compiled models and tensor buffers.
//
// A Session is one concrete runtime (ONNX Runtime, or the in-memory test
// backend). Each compiled Model is tagged with the Kind it was built for so
// the engine never mixes a GPU encoder with a CPU decoder.
package backend

import (
	"errors"
	"fmt"
	"strings"
)

// Accelerator policies accepted by Normalize.
const (
	CPU  = "cpu"
	GPU  = "gpu"
	Auto = "auto"
)

// ElementSize is the byte width of the float32 elements every buffer holds.
const ElementSize = 4

// ErrAcceleratorUnavailable reports that no hardware acceleration runtime was
// found. It selects the CPU path and is never fatal on its own.
var ErrAcceleratorUnavailable = errors.New("backend: hardware accelerator unavailable")

// Kind is the execution target of an environment or compiled model.
type Kind int

const (
	KindCPU Kind = iota
	KindGPU
)

func (k Kind) String() string {
	switch k {
	case KindGPU:
		return "GPU"
	case KindCPU:
		return "CPU"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// EnvironmentOptions carries host hints used when creating an environment.
type EnvironmentOptions struct {
	// LibraryDir is where native runtime libraries live (may be empty).
	LibraryDir string
	// CacheDir is a writable directory the runtime may use for compiled
	// artifacts (may be empty).
	CacheDir string
}

// Environment is an opaque handle to a hardware context.
type Environment interface {
	Kind() Kind
	Close() error
}

// CompileOptions tunes a single model compilation.
type CompileOptions struct {
	// Threads is the CPU thread count; ignored by GPU compiles.
	Threads int
	// Precision is a GPU precision hint ("fp16" or "fp32").
	Precision string
}

// TensorBuffer is a float32 region bound to one model input or output slot.
// Buffers are allocated once and reused across runs.
type TensorBuffer interface {
	// Size reports the buffer size in bytes; always a multiple of ElementSize.
	Size() (int, error)
	// Write copies src into the buffer. src may be shorter than the buffer,
	// in which case the tail is zeroed; a longer src is an error.
	Write(src []float32) error
	// Read copies the buffer into dst. dst may not be longer than the buffer.
	Read(dst []float32) error
	Close() error
}

// Model is the executable form of one model after compilation.
type Model interface {
	Kind() Kind
	// FullyAccelerated reports whether every operator runs on the model's
	// Kind with no CPU substitution.
	FullyAccelerated() (bool, error)
	// OwnsWeights reports whether the model copied its weights out of the
	// byte buffer it was compiled from, so the buffer may be released.
	OwnsWeights() bool
	CreateInputBuffers() ([]TensorBuffer, error)
	CreateOutputBuffers() ([]TensorBuffer, error)
	Run(inputs, outputs []TensorBuffer) error
	Close() error
}

// Session is a concrete runtime able to create environments and compile
// models from raw bytes.
type Session interface {
	Name() string
	// AcceleratorLibraries lists the shared-library name patterns whose
	// presence indicates the GPU path can work.
	AcceleratorLibraries() []string
	NewEnvironment(kind Kind, opts EnvironmentOptions) (Environment, error)
	Compile(env Environment, model []byte, opts CompileOptions) (Model, error)
}

// Normalize validates an accelerator policy name.
func Normalize(name string) (string, error) {
	policy := strings.ToLower(strings.TrimSpace(name))
	if policy == "" {
		return Auto, nil
	}
	switch policy {
	case CPU, GPU, Auto:
		return policy, nil
	default:
		return "", fmt.Errorf("unknown accelerator %q (expected auto, cpu, or gpu)", name)
	}
}

// CloseBuffers closes every buffer and clears the slice entries.
func CloseBuffers(bufs []TensorBuffer) error {
	var errs []error
	for i, b := range bufs {
		if b == nil {
			continue
		}
		if err := b.Close(); err != nil {
			errs = append(errs, err)
		}
		bufs[i] = nil
	}
	return errors.Join(errs...)
}
