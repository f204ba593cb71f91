package vm

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/chazu/codecache/vm/codeheap"
)

// ThreadState is a mutator thread's safepoint state.
type ThreadState uint8

const (
	ThreadBlocked          ThreadState = iota // Outside managed code; safe
	ThreadInJava                              // Running managed code; must poll
	ThreadSafepointBlocked                    // Parked at a safepoint poll
)

func (s ThreadState) String() string {
	switch s {
	case ThreadBlocked:
		return "blocked"
	case ThreadInJava:
		return "in java"
	case ThreadSafepointBlocked:
		return "safepoint blocked"
	default:
		return fmt.Sprintf("ThreadState(%d)", uint8(s))
	}
}

// Thread is a mutator attached to the runtime. Only the goroutine that owns
// a Thread calls its Enter, Leave, Poll and Blocked methods.
//
// A thread starts Blocked. Enter waits out any safepoint in progress before
// the thread may run managed code; Poll parks it while a safepoint is
// requested and runs handshake operations queued for it.
type Thread struct {
	id   int
	name string
	list *threadList

	// Guarded by list.mu.
	state    ThreadState
	pending  []func(*Thread)
	busy     bool // a handshake operation is running on this thread's behalf
	detached bool

	hasPending atomic.Bool

	frameMu sync.Mutex
	frames  []codeheap.Address
}

func (t *Thread) String() string { return fmt.Sprintf("thread#%d %s", t.id, t.name) }

// ID returns the thread's id.
func (t *Thread) ID() int { return t.id }

// Name returns the name the thread was attached with.
func (t *Thread) Name() string { return t.name }

// State returns the thread's safepoint state.
func (t *Thread) State() ThreadState {
	t.list.mu.Lock()
	defer t.list.mu.Unlock()
	return t.state
}

// IsRunning reports whether the thread is in managed code.
func (t *Thread) IsRunning() bool { return t.State() != ThreadBlocked }

// Enter transitions the thread into managed code, waiting for any safepoint
// or handshake in progress to finish.
func (t *Thread) Enter() {
	l := t.list
	l.mu.Lock()
	for l.requested || t.busy {
		l.cond.Wait()
	}
	t.state = ThreadInJava
	l.mu.Unlock()
}

// Leave transitions the thread out of managed code. Handshake operations
// queued for the thread run first.
func (t *Thread) Leave() {
	l := t.list
	for {
		t.runPending()
		l.mu.Lock()
		if len(t.pending) == 0 {
			t.state = ThreadBlocked
			l.cond.Broadcast()
			l.mu.Unlock()
			return
		}
		l.mu.Unlock()
	}
}

// Poll is the safepoint poll. It runs queued handshake operations and parks
// the thread while a safepoint is requested.
func (t *Thread) Poll() {
	l := t.list
	if !t.hasPending.Load() && !l.pollArmed.Load() {
		return
	}
	t.runPending()

	l.mu.Lock()
	if l.requested && t.state == ThreadInJava {
		t.state = ThreadSafepointBlocked
		l.cond.Broadcast()
		for l.requested || t.busy {
			l.cond.Wait()
		}
		t.state = ThreadInJava
	}
	l.mu.Unlock()
}

// Blocked runs fn with the thread outside managed code, so that safepoints
// and handshakes can proceed while fn waits.
func (t *Thread) Blocked(fn func()) {
	if t == nil || t.State() != ThreadInJava {
		fn()
		return
	}
	t.Leave()
	defer t.Enter()
	fn()
}

func (t *Thread) runPending() {
	l := t.list
	l.mu.Lock()
	ops := t.pending
	t.pending = nil
	t.hasPending.Store(false)
	l.mu.Unlock()

	for _, op := range ops {
		op(t)
	}
}

// PushFrame records an activation returning to pc.
func (t *Thread) PushFrame(pc codeheap.Address) {
	t.frameMu.Lock()
	t.frames = append(t.frames, pc)
	t.frameMu.Unlock()
}

// PopFrame removes the newest activation.
func (t *Thread) PopFrame() {
	t.frameMu.Lock()
	if n := len(t.frames); n > 0 {
		t.frames = t.frames[:n-1]
	}
	t.frameMu.Unlock()
}

// Frames returns the return addresses of the thread's activations, oldest
// first.
func (t *Thread) Frames() []codeheap.Address {
	t.frameMu.Lock()
	defer t.frameMu.Unlock()
	out := make([]codeheap.Address, len(t.frames))
	copy(out, t.frames)
	return out
}

// ---------------------------------------------------------------------------
// Attach and detach
// ---------------------------------------------------------------------------

// AttachThread registers a new mutator thread. It starts outside managed
// code.
func (rt *Runtime) AttachThread(name string) *Thread {
	return rt.threads.attach(name)
}

// DetachThread unregisters t. The thread must not be in managed code.
func (rt *Runtime) DetachThread(t *Thread) error {
	return rt.threads.detach(t)
}

// Threads returns the attached threads.
func (rt *Runtime) Threads() []*Thread {
	return rt.threads.snapshot()
}

func (l *threadList) attach(name string) *Thread {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextID++
	t := &Thread{id: l.nextID, name: name, list: l, state: ThreadBlocked}
	l.threads = append(l.threads, t)
	return t
}

func (l *threadList) detach(t *Thread) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if t.detached {
		return nil
	}
	if t.state != ThreadBlocked {
		return fmt.Errorf("detach %s: thread is %s", t, t.state)
	}
	for t.busy {
		l.cond.Wait()
	}
	t.detached = true
	for i, other := range l.threads {
		if other == t {
			l.threads = append(l.threads[:i], l.threads[i+1:]...)
			break
		}
	}
	l.cond.Broadcast()
	return nil
}

func (l *threadList) snapshot() []*Thread {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*Thread, len(l.threads))
	copy(out, l.threads)
	return out
}
