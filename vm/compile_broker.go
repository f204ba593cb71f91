package vm

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// Compiler turns a method into machine code. It is called from the compile
// broker's goroutine.
type Compiler interface {
	Compile(m *Method) (CompiledCode, error)
}

// DefaultCompileQueueSize bounds the number of methods waiting for
// compilation. Requests beyond it are dropped and retried on a later
// invocation.
const DefaultCompileQueueSize = 100

// CompileBroker counts interpreted invocations and compiles methods that
// cross the invocation threshold on a background goroutine.
type CompileBroker struct {
	rt        *Runtime
	threshold uint64

	queue   chan *Method
	mu      sync.Mutex // protects start/stop lifecycle
	stop    chan struct{}
	stopped chan struct{}

	// Statistics
	queued          atomic.Uint64
	compiled        atomic.Uint64
	failed          atomic.Uint64
	dropped         atomic.Uint64
	compilationTime atomic.Int64 // nanoseconds
}

// BrokerStats holds compile broker statistics.
type BrokerStats struct {
	Queued          uint64
	Compiled        uint64
	Failed          uint64
	Dropped         uint64
	Pending         int
	CompilationTime time.Duration
}

func newCompileBroker(rt *Runtime) *CompileBroker {
	return &CompileBroker{
		rt:        rt,
		threshold: rt.opts.CompileThreshold,
		queue:     make(chan *Method, DefaultCompileQueueSize),
	}
}

// RecordInvocation is called for every interpreted call of m. It queues m
// for compilation once its invocation count reaches the threshold and
// reports whether it did.
func (b *CompileBroker) RecordInvocation(m *Method) bool {
	if b.rt.compiler == nil || m.Invocations() < b.threshold {
		return false
	}
	if m.Code() != nil || m.IsAbstract() || b.rt.stale.IsStale(m) || !b.rt.cache.CompilationEnabled() {
		return false
	}
	if !m.queued.CompareAndSwap(false, true) {
		return false
	}
	select {
	case b.queue <- m:
		b.queued.Add(1)
		return true
	default:
		// Queue full; a later invocation will try again.
		m.queued.Store(false)
		b.dropped.Add(1)
		return false
	}
}

// CompileNow compiles and installs m synchronously.
func (b *CompileBroker) CompileNow(m *Method) (*CompiledMethod, error) {
	if b.rt.compiler == nil {
		return nil, errors.New("no compiler installed")
	}
	return b.compile(m)
}

// Start begins the compilation goroutine.
func (b *CompileBroker) Start() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stop != nil {
		return
	}
	b.stop = make(chan struct{})
	b.stopped = make(chan struct{})
	go b.loop(b.stop, b.stopped)
}

// Stop halts the compilation goroutine. Queued methods stay queued.
func (b *CompileBroker) Stop() {
	b.mu.Lock()
	stopCh := b.stop
	stoppedCh := b.stopped
	b.stop = nil
	b.stopped = nil
	b.mu.Unlock()

	if stopCh != nil {
		close(stopCh)
		<-stoppedCh
	}
}

// Stats returns a snapshot of the broker's counters.
func (b *CompileBroker) Stats() BrokerStats {
	return BrokerStats{
		Queued:          b.queued.Load(),
		Compiled:        b.compiled.Load(),
		Failed:          b.failed.Load(),
		Dropped:         b.dropped.Load(),
		Pending:         len(b.queue),
		CompilationTime: time.Duration(b.compilationTime.Load()),
	}
}

func (b *CompileBroker) loop(stopCh <-chan struct{}, stoppedCh chan struct{}) {
	defer close(stoppedCh)
	for {
		select {
		case m := <-b.queue:
			b.compileOne(m)
		case <-stopCh:
			return
		}
	}
}

func (b *CompileBroker) compileOne(m *Method) {
	defer m.queued.Store(false)
	if m.Code() != nil || b.rt.stale.IsStale(m) {
		return
	}
	if _, err := b.compile(m); err != nil {
		if errors.Is(err, ErrCompilationDisabled) {
			compilerLog.Debugf("%s not compiled: %s", m, err)
			return
		}
		compilerLog.Warningf("compiling %s: %s", m, err)
	}
}

func (b *CompileBroker) compile(m *Method) (*CompiledMethod, error) {
	start := time.Now()
	code, err := b.rt.compiler.Compile(m)
	if err != nil {
		b.failed.Add(1)
		b.rt.metrics.compilations.WithLabelValues("failed").Inc()
		return nil, err
	}
	cm, err := b.rt.OnCompilationFinished(m, code)
	if err != nil {
		b.failed.Add(1)
		b.rt.metrics.compilations.WithLabelValues("rejected").Inc()
		return nil, err
	}
	b.compiled.Add(1)
	b.compilationTime.Add(int64(time.Since(start)))
	b.rt.metrics.compilations.WithLabelValues("installed").Inc()
	compilerLog.Debugf("compiled %s as %s", m, cm)
	return cm, nil
}

// ---------------------------------------------------------------------------
// SyntheticCompiler
// ---------------------------------------------------------------------------

// Layout of code produced by SyntheticCompiler.
const (
	SyntheticEntryOffset         = 0
	SyntheticVerifiedEntryOffset = 16
	SyntheticFirstCallOffset     = 32
	SyntheticCallStride          = 16
)

// SyntheticCompiler produces placeholder machine code with call sites at
// fixed offsets. Calls lists the calls a method makes; their offsets are
// assigned by the compiler.
type SyntheticCompiler struct {
	CodeSize int
	Calls    func(m *Method) []CallSiteInfo
}

func (c SyntheticCompiler) Compile(m *Method) (CompiledCode, error) {
	var calls []CallSiteInfo
	if c.Calls != nil {
		calls = c.Calls(m)
	}
	size := SyntheticFirstCallOffset + len(calls)*SyntheticCallStride
	if c.CodeSize > size {
		size = c.CodeSize
	}

	code := make([]byte, size)
	for i := range code {
		code[i] = 0x90
	}
	code[SyntheticEntryOffset] = 0x55
	code[SyntheticVerifiedEntryOffset] = 0x56

	sites := make([]CallSiteInfo, len(calls))
	for i, call := range calls {
		call.Offset = SyntheticFirstCallOffset + i*SyntheticCallStride
		sites[i] = call
	}
	return CompiledCode{
		Code:                code,
		EntryOffset:         SyntheticEntryOffset,
		VerifiedEntryOffset: SyntheticVerifiedEntryOffset,
		CallSites:           sites,
	}, nil
}
