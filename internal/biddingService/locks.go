package bidding

import (
	"container/list"
	"context"
	"sync"
)

// lockArena hands out one FIFO mutex per auction id. Entries are created on
// first use and dropped once nobody holds or waits for them, so finished
// auctions do not pin memory.
type lockArena struct {
	mu    sync.Mutex
	locks map[string]*auctionLock
}

type auctionLock struct {
	refs    int // holders plus waiters
	held    bool
	waiters list.List // of chan struct{}
}

func newLockArena() *lockArena {
	return &lockArena{locks: make(map[string]*auctionLock)}
}

// Acquire blocks until the lock for id is held or ctx is done. On success the
// returned func releases the lock and must be called exactly once.
func (a *lockArena) Acquire(ctx context.Context, id string) (func(), error) {
	a.mu.Lock()
	l, ok := a.locks[id]
	if !ok {
		l = &auctionLock{}
		a.locks[id] = l
	}
	l.refs++

	if !l.held {
		l.held = true
		a.mu.Unlock()
		return a.releaser(id, l), nil
	}

	ready := make(chan struct{})
	elem := l.waiters.PushBack(ready)
	a.mu.Unlock()

	select {
	case <-ready:
		return a.releaser(id, l), nil
	case <-ctx.Done():
		a.mu.Lock()
		select {
		case <-ready:
			// ownership was handed over while we were giving up
			a.mu.Unlock()
			a.release(id, l)
			return nil, ctx.Err()
		default:
		}
		l.waiters.Remove(elem)
		a.drop(id, l)
		a.mu.Unlock()
		return nil, ctx.Err()
	}
}

func (a *lockArena) releaser(id string, l *auctionLock) func() {
	var once sync.Once
	return func() {
		once.Do(func() { a.release(id, l) })
	}
}

// release passes ownership straight to the oldest waiter, if any
func (a *lockArena) release(id string, l *auctionLock) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if front := l.waiters.Front(); front != nil {
		l.waiters.Remove(front)
		close(front.Value.(chan struct{}))
	} else {
		l.held = false
	}
	a.drop(id, l)
}

// drop must be called with a.mu held
func (a *lockArena) drop(id string, l *auctionLock) {
	l.refs--
	if l.refs == 0 {
		delete(a.locks, id)
	}
}

// size reports how many auctions currently have a live lock entry
func (a *lockArena) size() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.locks)
}
