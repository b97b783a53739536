package session

import (
	"context"
	"sync"

	"sender/internal/broadcast"
)

// LockPolicy decides what a second job for a busy account does.
type LockPolicy string

const (
	PolicyWait   LockPolicy = "wait"
	PolicyReject LockPolicy = "reject"
)

// accountLock is a one-token channel semaphore. A channel instead of a
// sync.Mutex lets waiters give up on ctx or a stop token.
type accountLock struct {
	ch chan struct{}
}

func newAccountLock() *accountLock {
	l := &accountLock{ch: make(chan struct{}, 1)}
	l.ch <- struct{}{}
	return l
}

func (l *accountLock) tryAcquire() bool {
	select {
	case <-l.ch:
		return true
	default:
		return false
	}
}

func (l *accountLock) acquire(ctx context.Context, stop *broadcast.StopToken) error {
	select {
	case <-l.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-stop.Done():
		return broadcast.ErrStopped
	}
}

func (l *accountLock) busy() bool { return len(l.ch) == 0 }

// unlocker returns an idempotent release func.
func (l *accountLock) unlocker() func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			select {
			case l.ch <- struct{}{}:
			default:
			}
		})
	}
}
