package backend

import (
	"errors"
	"sync"
)

// Registry holds one shared Environment for the life of the process.
//
// The first Acquire creates the environment under the registry lock; later
// calls hand back the same handle. Release only drops the reference count:
// the environment is never closed by its users, so re-initialising an engine
// does not pay the hardware-context setup cost again.
type Registry struct {
	mu      sync.Mutex
	env     Environment
	refs    int
	creates int
}

var sharedGPU Registry

// SharedGPU returns the process-wide registry for the GPU-capable environment.
func SharedGPU() *Registry {
	return &sharedGPU
}

// Acquire returns the shared environment, calling create if none exists yet.
// A failed create leaves the registry empty; the error is returned as-is.
func (r *Registry) Acquire(create func() (Environment, error)) (Environment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.env == nil {
		if create == nil {
			return nil, errors.New("backend: no environment constructor")
		}
		env, err := create()
		if err != nil {
			return nil, err
		}
		if env == nil {
			return nil, errors.New("backend: environment constructor returned nil")
		}
		r.env = env
		r.creates++
	}
	r.refs++
	return r.env, nil
}

// Release drops one reference to env. It never closes the environment.
func (r *Registry) Release(env Environment) {
	if env == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if env == r.env && r.refs > 0 {
		r.refs--
	}
}

// Creates reports how many times the environment has been constructed.
func (r *Registry) Creates() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.creates
}

// Refs reports the number of outstanding references.
func (r *Registry) Refs() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.refs
}

// Ready reports whether the shared environment exists.
func (r *Registry) Ready() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.env != nil
}
