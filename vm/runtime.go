package vm

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/chazu/codecache/vm/adapters"
	"github.com/chazu/codecache/vm/codeheap"
)

// AdapterCreated describes a newly generated adapter set.
type AdapterCreated = adapters.Created

// Runtime owns the code heap and every subsystem that manages compiled
// code: adapters, inline caches, the sweeper, the VM operation pump and the
// compile broker.
type Runtime struct {
	opts  Options
	hooks Hooks

	linker   Linker
	walker   StackWalker
	stale    StaleChecker
	compiler Compiler
	onFatal  FatalHandler

	registerer prometheus.Registerer
	gatherer   prometheus.Gatherer

	heap     *codeheap.Heap
	stubs    *Stubs
	adapters *adapters.Library
	cache    *CodeCache
	icStubs  *ICStubPool
	patcher  *CodePatcher
	threads  *threadList
	sweeper  *Sweeper
	pump     *Pump
	watchdog *Watchdog
	broker   *CompileBroker
	metrics  *metrics

	startMu sync.Mutex
	started bool
	closed  atomic.Bool
	fatals  atomic.Uint64
}

// New creates a runtime with a freshly mapped code heap. Background
// goroutines are not running until Start.
func New(opts Options, options ...Option) (*Runtime, error) {
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("codecache: %w", err)
	}
	rt := &Runtime{
		opts:    opts,
		linker:  HierarchyLinker{},
		walker:  frameWalker{},
		stale:   flagStaleChecker{},
		onFatal: panicOnFatal,
	}
	for _, o := range options {
		o(rt)
	}

	if rt.registerer == nil {
		reg := prometheus.NewRegistry()
		rt.registerer = reg
		rt.gatherer = reg
	} else if g, ok := rt.registerer.(prometheus.Gatherer); ok {
		rt.gatherer = g
	}

	size := (opts.CodeCacheSize + codeheap.SegmentSize - 1) &^ (codeheap.SegmentSize - 1)
	heap, err := codeheap.New(size)
	if err != nil {
		return nil, err
	}
	rt.heap = heap
	rt.threads = newThreadList()
	rt.metrics = newMetrics(rt, rt.registerer)

	if rt.stubs, err = generateStubs(heap); err != nil {
		heap.Close()
		return nil, err
	}
	rt.adapters, err = adapters.NewLibrary(heap, adapters.Options{
		BufferSize:               opts.AdapterBufferSize,
		AbstractMethodEntry:      rt.stubs.AbstractMethodError,
		WrongMethodAbstractEntry: rt.stubs.WrongMethodAbstract,
		OnCreated:                rt.adapterCreated,
	})
	if err != nil {
		heap.Close()
		return nil, err
	}
	if rt.icStubs, err = newICStubPool(heap, opts.ICStubPoolSize); err != nil {
		heap.Close()
		return nil, err
	}

	rt.cache = newCodeCache(heap)
	rt.patcher = &CodePatcher{rt: rt}
	rt.sweeper = newSweeper(rt)
	rt.pump = newPump(rt)
	rt.watchdog = newWatchdog(rt)
	rt.broker = newCompileBroker(rt)

	rootLog.Infof("runtime created: %s code heap, %d transition stubs",
		humanize.IBytes(uint64(size)), opts.ICStubPoolSize)
	return rt, nil
}

// Start runs the pump, watchdog, sweeper and compile broker goroutines.
func (rt *Runtime) Start() error {
	rt.startMu.Lock()
	defer rt.startMu.Unlock()
	if rt.closed.Load() {
		return ErrRuntimeClosed
	}
	if rt.started {
		return ErrAlreadyStarted
	}
	if err := rt.pump.Start(); err != nil {
		return err
	}
	rt.watchdog.Start()
	rt.sweeper.Start()
	rt.broker.Start()
	rt.started = true
	return nil
}

// Shutdown stops every background goroutine and unmaps the code heap. It
// is safe to call more than once.
func (rt *Runtime) Shutdown() error {
	if !rt.closed.CompareAndSwap(false, true) {
		return nil
	}
	rt.broker.Stop()
	rt.sweeper.Stop()
	rt.pump.Stop()
	rt.watchdog.Stop()
	rootLog.Infof("runtime shut down: %d compiled, %s flushed",
		rt.broker.compiled.Load(), humanize.IBytes(rt.cache.FlushedBytes()))
	return rt.heap.Close()
}

// Options returns the tunables the runtime was created with.
func (rt *Runtime) Options() Options { return rt.opts }

func (rt *Runtime) Heap() *codeheap.Heap          { return rt.heap }
func (rt *Runtime) Stubs() *Stubs                 { return rt.stubs }
func (rt *Runtime) Adapters() *adapters.Library   { return rt.adapters }
func (rt *Runtime) CodeCache() *CodeCache         { return rt.cache }
func (rt *Runtime) ICStubs() *ICStubPool          { return rt.icStubs }
func (rt *Runtime) Sweeper() *Sweeper             { return rt.sweeper }
func (rt *Runtime) Pump() *Pump                   { return rt.pump }
func (rt *Runtime) Watchdog() *Watchdog           { return rt.watchdog }
func (rt *Runtime) Broker() *CompileBroker        { return rt.broker }
func (rt *Runtime) Gatherer() prometheus.Gatherer { return rt.gatherer }

// FatalCount returns the number of fatal errors raised.
func (rt *Runtime) FatalCount() uint64 { return rt.fatals.Load() }

func (rt *Runtime) adapterCreated(c AdapterCreated) {
	rt.metrics.adaptersCreated.Inc()
	if h := rt.hooks.OnAdapterCreated; h != nil {
		h(c)
	}
}

// ---------------------------------------------------------------------------
// Compiler hand-off
// ---------------------------------------------------------------------------

// OnCompilationFinished installs freshly compiled code for m. The new
// record starts InUse with clean call sites and replaces m's previous code,
// which is made not entrant. When the code heap is full compilation is
// disabled until a sweep frees enough space.
func (rt *Runtime) OnCompilationFinished(m *Method, cc CompiledCode) (*CompiledMethod, error) {
	if rt.closed.Load() {
		return nil, ErrRuntimeClosed
	}
	if !rt.cache.CompilationEnabled() {
		return nil, ErrCompilationDisabled
	}
	if err := validateCompiledCode(cc); err != nil {
		return nil, fmt.Errorf("install %s: %w", m, err)
	}

	blob, err := rt.heap.Allocate(len(cc.Code), codeheap.KindMethod, m.String())
	if err != nil {
		if errors.Is(err, codeheap.ErrFull) {
			if rt.cache.compilationEnabled.CompareAndSwap(true, false) {
				compilerLog.Warningf("code cache full (%s used), compilation disabled",
					humanize.IBytes(uint64(rt.heap.Used())))
			}
			rt.sweeper.ForceSweep()
		}
		return nil, fmt.Errorf("install %s: %w", m, err)
	}

	epoch := rt.sweeper.Epoch()
	cm := &CompiledMethod{
		method:        m,
		id:            rt.cache.allocateID(),
		blob:          blob,
		entry:         blob.Start.Add(cc.EntryOffset),
		verifiedEntry: blob.Start.Add(cc.VerifiedEntryOffset),
	}
	cm.hotness.Store(rt.hotnessResetValue())
	cm.markSeen(epoch)

	code := make([]byte, len(cc.Code))
	copy(code, cc.Code)
	for _, info := range cc.CallSites {
		site := rt.newCallSite(cm, info)
		binary.LittleEndian.PutUint64(code[info.Offset:], uint64(site.Destination()))
		cm.sites = append(cm.sites, site)
	}
	if err := rt.heap.Write(blob, code); err != nil {
		if ferr := rt.heap.Free(blob); ferr != nil {
			compilerLog.Warningf("releasing %s after failed install: %s", blob, ferr)
		}
		return nil, fmt.Errorf("install %s: %w", m, err)
	}

	rt.cache.add(cm)
	if prev := m.code.Swap(cm); prev != nil && prev.IsInUse() {
		rt.MakeNotEntrant(prev)
	}

	if rt.heap.Fullness() >= rt.opts.AggressiveSweepStartFullnessPercent {
		rt.sweeper.Wake()
	}
	return cm, nil
}

func validateCompiledCode(cc CompiledCode) error {
	n := len(cc.Code)
	if n == 0 {
		return codeheap.ErrInvalidSize
	}
	if cc.EntryOffset < 0 || cc.EntryOffset >= n || cc.VerifiedEntryOffset < 0 || cc.VerifiedEntryOffset >= n {
		return fmt.Errorf("entry offsets %d/%d outside %d bytes: %w",
			cc.EntryOffset, cc.VerifiedEntryOffset, n, ErrInvalidCallSite)
	}
	seen := make(map[int]bool, len(cc.CallSites))
	for _, s := range cc.CallSites {
		if s.Offset < 0 || s.Offset+8 > n || seen[s.Offset] {
			return fmt.Errorf("call site at %d: %w", s.Offset, ErrInvalidCallSite)
		}
		seen[s.Offset] = true
	}
	return nil
}
