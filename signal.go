package jobq

import "sync"

// wakeSignal is a broadcast primitive built on a close-and-replace
// channel: every waiter selecting on the current channel is released by
// one broadcast, and each waiter re-evaluates eligibility itself. Unlike
// sync.Cond it composes with timed selects.
type wakeSignal struct {
	mu sync.Mutex
	ch chan struct{}
}

func newWakeSignal() *wakeSignal {
	return &wakeSignal{ch: make(chan struct{})}
}

// wait returns the channel the next broadcast will close. Grab it before
// re-checking state so a broadcast between check and select is not lost.
func (s *wakeSignal) wait() <-chan struct{} {
	s.mu.Lock()
	ch := s.ch
	s.mu.Unlock()
	return ch
}

func (s *wakeSignal) broadcast() {
	s.mu.Lock()
	close(s.ch)
	s.ch = make(chan struct{})
	s.mu.Unlock()
}
