package vm

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/chazu/codecache/vm/codeheap"
)

// ---------------------------------------------------------------------------
// Sweeper: code cache lifecycle
// ---------------------------------------------------------------------------

// SweepStats holds statistics from a single sweep cycle.
type SweepStats struct {
	Epoch                int64
	Forced               bool
	Visited              int
	Skipped              int // Pinned or changed concurrently; reconsidered next cycle
	MadeNotEntrant       int
	MadeZombie           int
	Flushed              int
	BytesFlushed         int64
	ICsCleaned           int
	FullnessBefore       float64
	FullnessAfter        float64
	CompilationReenabled bool
	AdaptersReenabled    bool
	SweepDuration        time.Duration
	Timestamp            time.Time
}

// Sweeper retires compiled code that is no longer needed. Each cycle bumps
// the sweep epoch, scans every thread's stack with a handshake, then walks
// the code cache one record at a time:
//
//	Zombie, unpinned, not seen this epoch  -> Flushed
//	NotEntrant, unseen for two epochs      -> Zombie
//	InUse, holder unloaded                 -> Zombie
//	InUse, cold by the hotness policy      -> NotEntrant
//
// It runs on its own attached thread, periodically and whenever woken by
// code cache pressure.
type Sweeper struct {
	rt       *Runtime
	thread   *Thread
	interval time.Duration
	enabled  atomic.Bool
	wake     chan struct{}
	stop     chan struct{}
	stopped  chan struct{}
	mu       sync.Mutex // protects start/stop lifecycle

	cycleMu sync.Mutex // serializes cycles
	epoch   atomic.Int64
	forced  atomic.Bool

	// Statistics
	sweepCount atomic.Uint64
	lastStats  atomic.Value // *SweepStats
}

func newSweeper(rt *Runtime) *Sweeper {
	s := &Sweeper{
		rt:       rt,
		thread:   rt.threads.attach("sweeper"),
		interval: rt.opts.SweepInterval,
		wake:     make(chan struct{}, 1),
	}
	s.enabled.Store(rt.opts.EnableCodeCacheFlushing)
	return s
}

// Start begins the sweep goroutine. Only one loop runs however many times
// Start is called.
func (s *Sweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stop != nil {
		return
	}
	s.stop = make(chan struct{})
	s.stopped = make(chan struct{})
	go s.loop(s.stop, s.stopped)
}

// Stop halts the sweep goroutine and waits for it to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	stopCh := s.stop
	stoppedCh := s.stopped
	s.stop = nil
	s.stopped = nil
	s.mu.Unlock()

	if stopCh != nil {
		close(stopCh)
		<-stoppedCh
	}
}

// SetEnabled enables or disables periodic sweeping. Forced sweeps and
// SweepNow still run.
func (s *Sweeper) SetEnabled(enabled bool) { s.enabled.Store(enabled) }

// IsEnabled returns whether periodic sweeping is enabled.
func (s *Sweeper) IsEnabled() bool { return s.enabled.Load() }

// Epoch returns the current sweep epoch.
func (s *Sweeper) Epoch() int64 { return s.epoch.Load() }

// SweepCount returns the total number of sweep cycles.
func (s *Sweeper) SweepCount() uint64 { return s.sweepCount.Load() }

// LastStats returns statistics from the most recent cycle, or nil.
func (s *Sweeper) LastStats() *SweepStats {
	v := s.lastStats.Load()
	if v == nil {
		return nil
	}
	return v.(*SweepStats)
}

// Wake asks the sweeper goroutine to check whether a sweep is due.
func (s *Sweeper) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// ForceSweep requests a sweep regardless of code cache pressure.
func (s *Sweeper) ForceSweep() {
	s.forced.Store(true)
	s.Wake()
}

// ShouldSweep reports whether code cache pressure calls for a sweep: a
// forced request, a heap above the aggressive fullness threshold, or enough
// state changes since the last sweep.
func (s *Sweeper) ShouldSweep() bool {
	if s.forced.Load() {
		return true
	}
	opts := s.rt.opts
	heap := s.rt.heap
	if heap.Fullness() >= opts.AggressiveSweepStartFullnessPercent {
		return true
	}
	threshold := opts.SweeperThresholdPercent / 100 * float64(heap.Capacity())
	return float64(s.rt.cache.BytesChanged()) > threshold
}

// SweepNow runs one cycle immediately.
func (s *Sweeper) SweepNow() *SweepStats {
	stats := s.sweep()
	s.rt.metrics.observeSweep(stats)
	if h := s.rt.hooks.OnSweepCycleComplete; h != nil {
		h(stats)
	}
	return stats
}

func (s *Sweeper) loop(stopCh <-chan struct{}, stoppedCh chan struct{}) {
	defer close(stoppedCh)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			if s.enabled.Load() {
				s.SweepNow()
			}
		case <-s.wake:
			if s.ShouldSweep() {
				s.SweepNow()
			}
		}
	}
}

func (s *Sweeper) sweep() *SweepStats {
	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()

	rt := s.rt
	t := s.thread
	t.Enter()
	defer t.Leave()

	start := time.Now()
	epoch := s.epoch.Add(1)
	stats := &SweepStats{
		Epoch:          epoch,
		Forced:         s.forced.Swap(false),
		FullnessBefore: rt.heap.Fullness(),
		Timestamp:      start,
	}

	s.markActive(t, epoch)

	for _, cm := range rt.cache.Snapshot() {
		t.Poll()
		stats.Visited++
		s.process(cm, epoch, stats)
	}

	rt.cache.bytesChanged.Store(0)
	stats.FullnessAfter = rt.heap.Fullness()
	if stats.FullnessAfter < rt.opts.AggressiveSweepStartFullnessPercent {
		if !rt.cache.CompilationEnabled() {
			rt.cache.compilationEnabled.Store(true)
			stats.CompilationReenabled = true
			sweeperLog.Noticef("code cache at %.1f%%, compilation re-enabled", stats.FullnessAfter)
		}
		if rt.adapters.Enable() {
			stats.AdaptersReenabled = true
			sweeperLog.Noticef("code cache at %.1f%%, adapter generation re-enabled", stats.FullnessAfter)
		}
	}
	stats.SweepDuration = time.Since(start)

	if stats.Flushed > 0 || stats.MadeZombie > 0 || stats.MadeNotEntrant > 0 {
		sweeperLog.Infof("sweep %d: %d not entrant, %d zombie, %d flushed (%s), %d ICs cleaned in %s",
			epoch, stats.MadeNotEntrant, stats.MadeZombie, stats.Flushed,
			humanize.IBytes(uint64(stats.BytesFlushed)), stats.ICsCleaned, stats.SweepDuration)
	} else {
		sweeperLog.Debugf("sweep %d: %d records, nothing to do", epoch, stats.Visited)
	}

	s.sweepCount.Add(1)
	s.lastStats.Store(stats)
	return stats
}

// markActive records every compiled method with an activation on some
// thread's stack as seen in epoch.
func (s *Sweeper) markActive(t *Thread, epoch int64) {
	rt := s.rt
	reset := rt.hotnessResetValue()
	rt.threads.handshake(t, func(th *Thread) {
		rt.walker.ForEachActivation(th, func(pc codeheap.Address) {
			cm := rt.cache.FindByAddress(pc)
			if cm == nil {
				return
			}
			cm.markSeen(epoch)
			if cm.IsInUse() {
				cm.hotness.Store(reset)
			}
		})
	})
}

func (s *Sweeper) process(cm *CompiledMethod, epoch int64, stats *SweepStats) {
	rt := s.rt
	if cm.IsPinned() {
		stats.Skipped++
		return
	}

	switch cm.State() {
	case Zombie:
		size := cm.Size()
		if rt.flush(cm, epoch) {
			stats.Flushed++
			stats.BytesFlushed += int64(size)
		} else {
			stats.Skipped++
		}

	case NotEntrant:
		if cm.canConvertToZombie(epoch) {
			if rt.makeZombie(cm) {
				stats.MadeZombie++
			}
			return
		}
		stats.ICsCleaned += rt.cleanupInlineCaches(cm)

	case InUse:
		if cm.IsUnloaded() {
			if cm.LastSeenEpoch() < epoch && rt.makeZombie(cm) {
				stats.MadeZombie++
			} else {
				stats.Skipped++
			}
			return
		}
		if rt.possiblyFlush(cm) && rt.MakeNotEntrant(cm) {
			stats.MadeNotEntrant++
		}
		stats.ICsCleaned += rt.cleanupInlineCaches(cm)
	}
}
