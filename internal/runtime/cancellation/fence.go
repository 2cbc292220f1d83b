package cancellation

import "sync"

// Fence latches the first termination reason of a call. Once accepted, the
// reason never changes and every later Err call returns it.
type Fence struct {
	mu     sync.Mutex
	reason error
	done   chan struct{}
}

// NewFence returns an open fence.
func NewFence() *Fence {
	return &Fence{done: make(chan struct{})}
}

// Accept stores reason if the fence is still open and reports whether it did.
// A nil reason is recorded as an interruption.
func (f *Fence) Accept(reason error) bool {
	if reason == nil {
		reason = Interruption()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reason != nil {
		return false
	}
	f.reason = reason
	close(f.done)
	return true
}

// IsFenced reports whether a reason was accepted.
func (f *Fence) IsFenced() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reason != nil
}

// Err returns the accepted reason, or nil while the fence is open.
func (f *Fence) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reason
}

// Done is closed once a reason is accepted.
func (f *Fence) Done() <-chan struct{} {
	return f.done
}
