package broadcast

import "sync"

// StopToken is a one-shot cooperative cancellation signal.
//
// Unlike context cancellation it never aborts an in-flight browser operation;
// holders poll Stopped() (or select on Done()) at their own safe points.
type StopToken struct {
	once sync.Once
	ch   chan struct{}
}

func NewStopToken() *StopToken {
	return &StopToken{ch: make(chan struct{})}
}

// Stop signals the token. It reports whether this call was the one that stopped it.
func (t *StopToken) Stop() bool {
	if t == nil {
		return false
	}
	stopped := false
	t.once.Do(func() {
		close(t.ch)
		stopped = true
	})
	return stopped
}

// Stopped reports whether Stop has been called. A nil token is never stopped.
func (t *StopToken) Stopped() bool {
	if t == nil {
		return false
	}
	select {
	case <-t.ch:
		return true
	default:
		return false
	}
}

// Done returns a channel closed on Stop. A nil token returns a nil channel (blocks forever).
func (t *StopToken) Done() <-chan struct{} {
	if t == nil {
		return nil
	}
	return t.ch
}
