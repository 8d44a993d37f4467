package dwmmc

import (
	"sort"
	"sync"
)

// Handle identifies a controller in a Registry.
type Handle uint32

// Registry tracks the controllers of a system by stable handles.
type Registry struct {
	mu    sync.Mutex
	next  Handle
	ctrls map[Handle]*Controller
}

// Add registers c and returns its handle. Handles are never reused.
func (r *Registry) Add(c *Controller) Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ctrls == nil {
		r.ctrls = make(map[Handle]*Controller)
	}
	r.next++
	r.ctrls[r.next] = c
	return r.next
}

func (r *Registry) Get(h Handle) (*Controller, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.ctrls[h]
	return c, ok
}

// Remove unregisters and returns the controller of h.
func (r *Registry) Remove(h Handle) *Controller {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.ctrls[h]
	delete(r.ctrls, h)
	return c
}

// Handles returns the registered handles in ascending order.
func (r *Registry) Handles() []Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	hs := make([]Handle, 0, len(r.ctrls))
	for h := range r.ctrls {
		hs = append(hs, h)
	}
	sort.Slice(hs, func(i, j int) bool { return hs[i] < hs[j] })
	return hs
}

// Close closes and removes every controller.
func (r *Registry) Close() error {
	var first error
	for _, h := range r.Handles() {
		if c := r.Remove(h); c != nil {
			if err := c.Close(); err != nil && first == nil {
				first = err
			}
		}
	}
	return first
}
