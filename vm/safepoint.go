package vm

import (
	"sync"
	"sync/atomic"
)

// threadList holds the attached threads and coordinates safepoints and
// handshakes. One mutex and condition variable guard every thread's state.
type threadList struct {
	mu      sync.Mutex
	cond    *sync.Cond
	threads []*Thread
	nextID  int

	requested   bool        // guarded by mu
	pollArmed   atomic.Bool // mirrors requested for the poll fast path
	atSafepoint atomic.Bool

	safepoints atomic.Uint64
	handshakes atomic.Uint64
}

func newThreadList() *threadList {
	l := &threadList{}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// synchronize brings every attached thread to a safe state and keeps them
// there until release. Only the pump calls it.
func (l *threadList) synchronize() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.requested = true
	l.pollArmed.Store(true)
	for l.anyUnsafe() {
		l.cond.Wait()
	}
	l.atSafepoint.Store(true)
	l.safepoints.Add(1)
}

func (l *threadList) release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.requested = false
	l.pollArmed.Store(false)
	l.atSafepoint.Store(false)
	l.cond.Broadcast()
}

func (l *threadList) anyUnsafe() bool {
	for _, t := range l.threads {
		if t.state == ThreadInJava || t.busy {
			return true
		}
	}
	return false
}

// handshake runs fn once for every attached thread. A thread in managed code
// runs fn itself at its next poll; for a thread that is already safe, the
// requester runs fn on its behalf while holding the thread out of managed
// code. handshake returns when fn has run for every thread.
//
// The requester waits outside managed code, so handshakes never deadlock
// against each other or against a safepoint.
func (l *threadList) handshake(requester *Thread, fn func(*Thread)) {
	var wg sync.WaitGroup
	for _, t := range l.snapshot() {
		if t == requester {
			fn(t)
			continue
		}

		l.mu.Lock()
		for t.busy {
			l.cond.Wait()
		}
		if t.detached {
			l.mu.Unlock()
			continue
		}
		if t.state == ThreadInJava {
			wg.Add(1)
			t.pending = append(t.pending, func(self *Thread) {
				defer wg.Done()
				fn(self)
			})
			t.hasPending.Store(true)
			l.mu.Unlock()
			continue
		}
		t.busy = true
		l.mu.Unlock()

		fn(t)

		l.mu.Lock()
		t.busy = false
		l.cond.Broadcast()
		l.mu.Unlock()
	}
	requester.Blocked(wg.Wait)
	l.handshakes.Add(1)
}

// AtSafepoint reports whether a safepoint operation is being evaluated.
func (rt *Runtime) AtSafepoint() bool { return rt.threads.atSafepoint.Load() }

// SafepointCount returns the number of safepoints reached.
func (rt *Runtime) SafepointCount() uint64 { return rt.threads.safepoints.Load() }
