package process

import "sync"

// hookQueue runs callbacks one at a time, in push order, on a goroutine
// that exists only while callbacks are pending. Hooks therefore never run
// under Supervisor.mu and may call back into the Supervisor.
type hookQueue struct {
	mu      sync.Mutex
	pending []func()
	running bool
}

func (h *hookQueue) push(fn func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pending = append(h.pending, fn)
	if !h.running {
		h.running = true
		go h.drain()
	}
}

func (h *hookQueue) drain() {
	for {
		h.mu.Lock()
		if len(h.pending) == 0 {
			h.running = false
			h.mu.Unlock()
			return
		}
		fn := h.pending[0]
		h.pending[0] = nil
		h.pending = h.pending[1:]
		h.mu.Unlock()

		fn()
	}
}

// flush blocks until every hook pushed before the call has run.
func (h *hookQueue) flush() {
	done := make(chan struct{})
	h.push(func() { close(done) })
	<-done
}
