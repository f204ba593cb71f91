package vm

import (
	"github.com/dustin/go-humanize"
)

// StateChange reports one lifecycle transition of a compiled method.
type StateChange struct {
	Method *CompiledMethod
	From   MethodState
	To     MethodState
}

// MakeNotEntrant stops new calls from entering cm. Activations already
// running in it continue. It returns false if cm already left InUse.
func (rt *Runtime) MakeNotEntrant(cm *CompiledMethod) bool {
	// Count as seen in the current epoch so the record cannot turn zombie
	// before the next two stack scans.
	cm.markSeen(rt.sweeper.Epoch())
	if !cm.tryTransition(NotEntrant) {
		return false
	}
	cm.method.clearCode(cm)
	cm.method.deopts.Add(1)
	rt.stateChanged(cm, InUse, NotEntrant)
	return true
}

// makeZombie marks cm as unreachable from any stack.
func (rt *Runtime) makeZombie(cm *CompiledMethod) bool {
	from := cm.State()
	if !cm.tryTransition(Zombie) {
		return false
	}
	cm.method.clearCode(cm)
	rt.stateChanged(cm, from, Zombie)
	return true
}

// flush reclaims a zombie's code. A pinned zombie, or one seen on a stack
// during the current epoch, is left for a later sweep.
func (rt *Runtime) flush(cm *CompiledMethod, epoch int64) bool {
	if cm.State() != Zombie || cm.IsPinned() || cm.LastSeenEpoch() >= epoch {
		return false
	}
	if !cm.tryTransition(Flushed) {
		return false
	}
	rt.cache.remove(cm)
	size := cm.Size()
	if err := rt.heap.Free(cm.blob); err != nil {
		rt.fatalf("sweeper", err, "free %s", cm)
		return false
	}
	rt.cache.flushedCount.Add(1)
	rt.cache.flushedBytes.Add(uint64(size))
	sweeperLog.Debugf("flushed %s, %s reclaimed", cm, humanize.IBytes(uint64(size)))
	rt.stateChanged(cm, Zombie, Flushed)
	return true
}

func (rt *Runtime) stateChanged(cm *CompiledMethod, from, to MethodState) {
	rt.cache.noteStateChange(cm.Size())
	rt.metrics.stateChanges.WithLabelValues(to.String()).Inc()
	if h := rt.hooks.OnStateChange; h != nil {
		h(StateChange{Method: cm, From: from, To: to})
	}
	if to == NotEntrant && rt.sweeper.ShouldSweep() {
		rt.sweeper.Wake()
	}
}

// cleanupInlineCaches resets call sites in cm whose targets are no longer
// valid. It returns the number of sites cleaned.
func (rt *Runtime) cleanupInlineCaches(cm *CompiledMethod) int {
	cleaned := 0
	cm.withICLock(func() {
		if cm.State() == Flushed {
			return
		}
		for _, site := range cm.sites {
			img := site.image.Load().effective()
			if img.state == ICClean || img.state == ICMegamorphic {
				continue
			}
			if !rt.targetValid(img) {
				rt.setToClean(site)
				cleaned++
			}
		}
	})
	return cleaned
}
