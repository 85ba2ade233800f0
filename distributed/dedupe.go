package distributed

import "sync"

// seenWindow remembers the most recent message ids in a fixed-size ring so that a
// message received through both a channel and a pattern subscription is delivered
// once.
type seenWindow struct {
	mu    sync.Mutex
	ring  []string
	next  int
	index map[string]struct{}
}

func newSeenWindow(size int) *seenWindow {
	if size <= 0 {
		size = 256
	}
	return &seenWindow{
		ring:  make([]string, size),
		index: make(map[string]struct{}, size),
	}
}

// seen records id and reports whether it was already in the window.
func (w *seenWindow) seen(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.index[id]; ok {
		return true
	}
	if evicted := w.ring[w.next]; evicted != "" {
		delete(w.index, evicted)
	}
	w.ring[w.next] = id
	w.index[id] = struct{}{}
	w.next = (w.next + 1) % len(w.ring)

	return false
}
