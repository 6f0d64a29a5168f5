package inference

import (
	"errors"
	"fmt"
)

var (
	ErrNotInitialized     = errors.New("inference: engine not initialized")
	ErrAlreadyInitialized = errors.New("inference: engine already initialized")
	ErrEnvironment        = errors.New("inference: environment creation failed")
	ErrCompile            = errors.New("inference: model compilation failed")
	ErrBuffer             = errors.New("inference: tensor buffer failure")
	ErrWarmup             = errors.New("inference: warmup failed")
	ErrInvalidInput       = errors.New("inference: invalid input")
	ErrRuntime            = errors.New("inference: runtime failure")

	// ErrPartialAcceleration is a compile failure: a GPU model left some
	// operators on the CPU.
	ErrPartialAcceleration = fmt.Errorf("%w: partial hardware acceleration", ErrCompile)
)

// recoverPanic converts a panic in the surrounding function into an
// ErrRuntime-wrapped error. It must be deferred directly.
func recoverPanic(err *error, op string) {
	if rec := recover(); rec != nil {
		*err = fmt.Errorf("%w: panic in %s: %v", ErrRuntime, op, rec)
	}
}
