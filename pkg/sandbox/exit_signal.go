package sandbox

import (
	"context"
	"sync"
)

// ExitSignal is a one-shot broadcast fired when a sandbox stops. Every
// current and future waiter observes it once fired.
type ExitSignal struct {
	once sync.Once
	done chan struct{}
}

// NewExitSignal creates an unfired signal
func NewExitSignal() *ExitSignal {
	return &ExitSignal{done: make(chan struct{})}
}

// Signal fires the signal. Calls after the first are no-ops.
func (s *ExitSignal) Signal() {
	s.once.Do(func() {
		close(s.done)
	})
}

// Done returns a channel closed when the signal fires
func (s *ExitSignal) Done() <-chan struct{} {
	return s.done
}

// Fired reports whether the signal has fired
func (s *ExitSignal) Fired() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the signal fires or ctx ends
func (s *ExitSignal) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
