package ble

import "sync"

// Registry tracks the caller waiting on each command. Responses carry only the
// echoed opcode, so at most one call per opcode may be outstanding.
//
// The mutex covers map operations only; nothing blocks while holding it.
type Registry struct {
	mu      sync.Mutex
	pending map[CommandID]chan Frame
	closed  bool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{pending: make(map[CommandID]chan Frame)}
}

// Register reserves cmd and returns the channel its response will arrive on.
// The channel is closed without a value if the call is cancelled or the
// registry shuts down.
func (r *Registry) Register(cmd CommandID) (<-chan Frame, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrConnectionClosed
	}
	if _, ok := r.pending[cmd]; ok {
		return nil, ErrAlreadyPending
	}
	ch := make(chan Frame, 1)
	r.pending[cmd] = ch
	return ch, nil
}

// Deliver hands f to the caller waiting on f.Command. It returns false when
// nobody is waiting.
func (r *Registry) Deliver(f Frame) bool {
	r.mu.Lock()
	ch, ok := r.pending[f.Command]
	if ok {
		delete(r.pending, f.Command)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	// The entry is gone from the map, so no one else can close ch, and the
	// buffer of one guarantees this send never blocks.
	ch <- f
	return true
}

// Cancel drops the entry for cmd without delivering. Only the entry whose
// channel is ch is removed.
func (r *Registry) Cancel(cmd CommandID, ch <-chan Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.pending[cmd]
	if !ok || (<-chan Frame)(cur) != ch {
		return
	}
	delete(r.pending, cmd)
	close(cur)
}

// Pending reports whether a call for cmd is outstanding.
func (r *Registry) Pending(cmd CommandID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.pending[cmd]
	return ok
}

// Len returns the number of outstanding calls.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Close closes every pending channel and rejects further registrations.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	for cmd, ch := range r.pending {
		close(ch)
		delete(r.pending, cmd)
	}
}
