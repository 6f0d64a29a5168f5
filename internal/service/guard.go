package service

import "sync"

// Guard counts the logical callers sharing one resource. The caller whose
// Release drops the count to zero is the one that tears the resource down.
type Guard struct {
	mu sync.Mutex
	n  int
}

// Acquire registers a caller and returns the new count.
func (g *Guard) Acquire() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return g.n
}

// Release drops a caller. last is true when no callers remain and the
// resource should be torn down; it is also true when the count was already
// zero, so a stray Release still shuts down.
func (g *Guard) Release() (remaining int, last bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.n > 1 {
		g.n--
		return g.n, false
	}
	g.n = 0
	return 0, true
}

// Reset forgets every caller.
func (g *Guard) Reset() {
	g.mu.Lock()
	g.n = 0
	g.mu.Unlock()
}

// Count reports the current number of callers.
func (g *Guard) Count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.n
}
