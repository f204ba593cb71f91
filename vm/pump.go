package vm

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// VMOperation is a unit of work run by the pump's thread.
type VMOperation interface {
	Name() string
	// EvaluateAtSafepoint reports whether every attached thread must be
	// stopped while the operation runs.
	EvaluateAtSafepoint() bool
	// AllowNested reports whether the operation may itself execute
	// operations.
	AllowNested() bool
	Evaluate(rt *Runtime, t *Thread) error
}

// opRequest is one operation waiting for or being run by the pump.
type opRequest struct {
	op     VMOperation
	caller *Thread
	done   bool
	err    error
}

// Pump serializes VM operations through a single goroutine. There is at
// most one running and one queued operation; further producers wait for
// the slot. When idle for GuaranteedSafepointInterval the pump does
// housekeeping: retiring transition stubs and waking the sweeper.
type Pump struct {
	rt     *Runtime
	thread *Thread

	mu         sync.Mutex
	cond       *sync.Cond
	next       *opRequest
	cur        *opRequest
	running    bool
	stopping   bool
	terminated bool
	stopped    chan struct{}

	executed    atomic.Uint64
	housekeeps  atomic.Uint64
	safepointNs atomic.Int64
}

func newPump(rt *Runtime) *Pump {
	p := &Pump{
		rt:     rt,
		thread: rt.threads.attach("vm operations"),
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Start runs the pump goroutine. It fails once the pump has terminated.
func (p *Pump) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case p.terminated:
		return ErrPumpTerminated
	case p.running:
		return ErrAlreadyStarted
	}
	p.running = true
	p.stopped = make(chan struct{})
	go p.loop(p.stopped)
	return nil
}

// Stop finishes the running and queued operations, then terminates the
// pump. Producers waiting for the slot get ErrPumpTerminated.
func (p *Pump) Stop() {
	p.mu.Lock()
	if !p.running {
		p.terminated = true
		p.cond.Broadcast()
		p.mu.Unlock()
		return
	}
	p.stopping = true
	stopped := p.stopped
	p.cond.Broadcast()
	p.mu.Unlock()
	<-stopped
}

// Executed returns the number of operations run.
func (p *Pump) Executed() uint64 { return p.executed.Load() }

// Running reports whether the pump goroutine is accepting operations.
func (p *Pump) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running && !p.stopping
}

// Execute runs op on the pump's thread and waits for it to finish. The
// caller is held outside managed code while it waits. An operation that
// executes another operation must allow nesting; anything else is fatal.
func (p *Pump) Execute(caller *Thread, op VMOperation) error {
	if caller != nil && caller == p.thread {
		p.mu.Lock()
		cur := p.cur
		p.mu.Unlock()
		if cur == nil || !cur.op.AllowNested() {
			outer := "<none>"
			if cur != nil {
				outer = cur.op.Name()
			}
			return p.rt.fatalf("pump", ErrNestedOperation, "%s inside %s", op.Name(), outer)
		}
		return p.runNested(op)
	}

	req := &opRequest{op: op, caller: caller}
	var err error
	caller.Blocked(func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		for p.next != nil && !p.terminated {
			p.cond.Wait()
		}
		switch {
		case p.terminated:
			err = ErrPumpTerminated
			return
		case !p.running || p.stopping:
			err = ErrPumpNotRunning
			return
		}
		p.next = req
		p.cond.Broadcast()
		for !req.done {
			p.cond.Wait()
		}
		err = req.err
	})
	return err
}

func (p *Pump) loop(stopped chan struct{}) {
	defer close(stopped)
	interval := p.rt.opts.GuaranteedSafepointInterval
	deadline := time.Now().Add(interval)

	for {
		p.mu.Lock()
		for p.next == nil && !p.stopping {
			remaining := time.Until(deadline)
			if remaining <= 0 || !p.waitTimeout(remaining) {
				p.mu.Unlock()
				p.housekeeping()
				p.mu.Lock()
				deadline = time.Now().Add(interval)
			}
		}
		if p.next == nil {
			p.running = false
			p.terminated = true
			p.cond.Broadcast()
			p.mu.Unlock()
			return
		}
		req := p.next
		p.next = nil
		p.cur = req
		p.cond.Broadcast()
		p.mu.Unlock()

		err := p.run(req.op)

		p.mu.Lock()
		req.err = err
		req.done = true
		p.cur = nil
		p.cond.Broadcast()
		p.mu.Unlock()
	}
}

// waitTimeout waits on the pump monitor for at most d. It reports false if
// the wait timed out. p.mu is held on entry and on return. Callers pass the
// time left until the housekeeping deadline, so wakeups do not postpone it.
func (p *Pump) waitTimeout(d time.Duration) bool {
	expired := false
	timer := time.AfterFunc(d, func() {
		p.mu.Lock()
		expired = true
		p.cond.Broadcast()
		p.mu.Unlock()
	})
	p.cond.Wait()
	timer.Stop()
	return !expired
}

func (p *Pump) housekeeping() {
	p.housekeeps.Add(1)
	if p.rt.icStubs.InUse() > 0 {
		op := &CleanupOp{}
		p.mu.Lock()
		p.cur = &opRequest{op: op}
		p.mu.Unlock()
		if err := p.run(op); err != nil {
			pumpLog.Errorf("%s: %s", op.Name(), err)
		}
		p.mu.Lock()
		p.cur = nil
		p.mu.Unlock()
	}
	if p.rt.sweeper.ShouldSweep() {
		p.rt.sweeper.Wake()
	}
}

// runNested runs op from inside the current operation. The current slot
// points at op while it runs so deeper nesting checks op's AllowNested.
func (p *Pump) runNested(op VMOperation) error {
	p.mu.Lock()
	outer := p.cur
	p.cur = &opRequest{op: op, caller: p.thread}
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.cur = outer
		p.mu.Unlock()
	}()
	return p.run(op)
}

// run evaluates op, bracketing it with a safepoint if it asks for one and
// none is already held. Panics become errors, except fatal errors, which
// are re-raised.
func (p *Pump) run(op VMOperation) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if fe, ok := r.(*FatalError); ok {
				panic(fe)
			}
			err = fmt.Errorf("vm operation %s panicked: %v", op.Name(), r)
		}
	}()

	p.executed.Add(1)
	p.rt.metrics.operations.WithLabelValues(op.Name()).Inc()

	if !op.EvaluateAtSafepoint() || p.rt.threads.atSafepoint.Load() {
		return p.evaluate(op)
	}

	start := time.Now()
	p.rt.watchdog.Arm(op.Name())
	p.rt.threads.synchronize()
	defer func() {
		p.rt.threads.release()
		p.rt.watchdog.Disarm()
		elapsed := time.Since(start)
		p.safepointNs.Add(int64(elapsed))
		p.rt.metrics.safepointSeconds.Observe(elapsed.Seconds())
		safepointLog.Debugf("%s at safepoint took %s", op.Name(), elapsed)
	}()
	return p.evaluate(op)
}

func (p *Pump) evaluate(op VMOperation) error {
	pumpLog.Debugf("evaluating %s", op.Name())
	return op.Evaluate(p.rt, p.thread)
}
