package vm

import (
	"sync"
	"time"
)

// Watchdog aborts safepoint operations that run longer than the configured
// timeout. It checks on a ticker rather than arming a timer per operation.
type Watchdog struct {
	rt      *Runtime
	timeout time.Duration
	period  time.Duration
	abort   bool

	mu      sync.Mutex // protects start/stop lifecycle
	stop    chan struct{}
	stopped chan struct{}

	armMu   sync.Mutex
	op      string
	armedAt time.Time
	fired   bool
}

func newWatchdog(rt *Runtime) *Watchdog {
	period := rt.opts.SafepointTimeout / 4
	if period < time.Millisecond {
		period = time.Millisecond
	}
	return &Watchdog{
		rt:      rt,
		timeout: rt.opts.SafepointTimeout,
		period:  period,
		abort:   rt.opts.AbortOnSafepointTimeout,
	}
}

// Start begins periodic checking.
func (w *Watchdog) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stop != nil {
		return
	}
	w.stop = make(chan struct{})
	w.stopped = make(chan struct{})
	go w.loop(w.stop, w.stopped)
}

// Stop halts periodic checking and waits for the goroutine to exit.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	stopCh := w.stop
	stoppedCh := w.stopped
	w.stop = nil
	w.stopped = nil
	w.mu.Unlock()

	if stopCh != nil {
		close(stopCh)
		<-stoppedCh
	}
}

// Arm starts timing the named operation.
func (w *Watchdog) Arm(op string) {
	w.armMu.Lock()
	defer w.armMu.Unlock()
	w.op = op
	w.armedAt = time.Now()
	w.fired = false
}

// Disarm stops timing.
func (w *Watchdog) Disarm() {
	w.armMu.Lock()
	defer w.armMu.Unlock()
	w.op = ""
}

func (w *Watchdog) loop(stopCh <-chan struct{}, stoppedCh chan struct{}) {
	defer close(stoppedCh)

	ticker := time.NewTicker(w.period)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			w.check(time.Now())
		}
	}
}

// check reports an armed operation that has exceeded the timeout. Each
// arming is reported at most once.
func (w *Watchdog) check(now time.Time) {
	w.armMu.Lock()
	op := w.op
	elapsed := now.Sub(w.armedAt)
	overdue := op != "" && !w.fired && elapsed > w.timeout
	if overdue {
		w.fired = true
	}
	w.armMu.Unlock()

	if !overdue {
		return
	}
	w.rt.metrics.safepointTimeouts.Inc()
	if w.abort {
		w.rt.fatalf("safepoint", ErrSafepointTimeout, "%s running for %s", op, elapsed)
		return
	}
	safepointLog.Warningf("%s has been running for %s, longer than %s", op, elapsed, w.timeout)
}
