package session

import "sync"

// handleAllocator hands out monitored item client handles. Released handles
// are reused first and 0 is never returned.
type handleAllocator struct {
	mu       sync.Mutex
	current  uint32
	released map[uint32]struct{}
}

func newHandleAllocator() *handleAllocator {
	return &handleAllocator{
		current:  1,
		released: make(map[uint32]struct{}),
	}
}

func (a *handleAllocator) Next() uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()

	for h := range a.released {
		delete(a.released, h)
		return h
	}

	h := a.current
	a.current++
	if a.current == 0 {
		a.current = 1
	}
	return h
}

func (a *handleAllocator) Release(h uint32) {
	if h == 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.released[h] = struct{}{}
}
