package vm

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/chazu/codecache/vm/codeheap"
)

// MethodState is the lifecycle state of compiled code. States only move
// forward: InUse < NotEntrant < Zombie < Flushed.
type MethodState int32

const (
	InUse      MethodState = iota // Entered by new calls
	NotEntrant                    // No new entries; existing activations may still run
	Zombie                        // Confirmed unreachable from any stack
	Flushed                       // Memory reclaimed
)

func (s MethodState) String() string {
	switch s {
	case InUse:
		return "in use"
	case NotEntrant:
		return "not entrant"
	case Zombie:
		return "zombie"
	case Flushed:
		return "flushed"
	default:
		return fmt.Sprintf("MethodState(%d)", int32(s))
	}
}

// CompiledCode is what a compiler hands over when a compilation finishes.
type CompiledCode struct {
	Code                []byte
	EntryOffset         int // Unverified entry: checks the receiver klass
	VerifiedEntryOffset int
	CallSites           []CallSiteInfo
}

// CallSiteInfo describes one call instruction in compiled code.
type CallSiteInfo struct {
	Offset int
	Kind   CallKind
	Ref    MethodRef
}

// CompiledMethod is the runtime's record for one piece of compiled code.
type CompiledMethod struct {
	method *Method
	id     int
	blob   *codeheap.Blob

	entry         codeheap.Address
	verifiedEntry codeheap.Address

	state         atomic.Int32
	hotness       atomic.Int32 // decremented every sweep, reset when seen on a stack
	lastSeenEpoch atomic.Int64 // sweep epoch of the latest stack sighting
	pins          atomic.Int32

	icMu  sync.Mutex
	sites []*CallSite // immutable after creation
}

func (cm *CompiledMethod) String() string {
	return fmt.Sprintf("nmethod#%d %s [%s]", cm.id, cm.method, cm.State())
}

// Method returns the method this code was compiled for.
func (cm *CompiledMethod) Method() *Method { return cm.method }

// ID returns the unique compile id.
func (cm *CompiledMethod) ID() int { return cm.id }

// Range returns the code extent.
func (cm *CompiledMethod) Range() codeheap.Range { return cm.blob.Range }

// Size returns the code size in bytes.
func (cm *CompiledMethod) Size() int { return cm.blob.Size }

// EntryPoint returns the unverified entry.
func (cm *CompiledMethod) EntryPoint() codeheap.Address { return cm.entry }

// VerifiedEntryPoint returns the entry that skips the receiver check.
func (cm *CompiledMethod) VerifiedEntryPoint() codeheap.Address { return cm.verifiedEntry }

// State returns the current lifecycle state.
func (cm *CompiledMethod) State() MethodState { return MethodState(cm.state.Load()) }

func (cm *CompiledMethod) IsInUse() bool { return cm.State() == InUse }

// Hotness returns the current hotness counter.
func (cm *CompiledMethod) Hotness() int32 { return cm.hotness.Load() }

// LastSeenEpoch returns the epoch of the latest stack sighting.
func (cm *CompiledMethod) LastSeenEpoch() int64 { return cm.lastSeenEpoch.Load() }

// CallSites returns the call sites embedded in this code.
func (cm *CompiledMethod) CallSites() []*CallSite { return cm.sites }

// CallSiteAt returns the call site at offset, or nil.
func (cm *CompiledMethod) CallSiteAt(offset int) *CallSite {
	for _, s := range cm.sites {
		if s.offset == offset {
			return s
		}
	}
	return nil
}

// IsUnloaded reports whether the holder's class loader has been unloaded.
func (cm *CompiledMethod) IsUnloaded() bool {
	return !cm.method.holder.IsAlive()
}

// tryTransition moves to a later state. It fails if the record already
// reached newState or beyond.
func (cm *CompiledMethod) tryTransition(newState MethodState) bool {
	for {
		old := cm.state.Load()
		if old >= int32(newState) {
			return false
		}
		if cm.state.CompareAndSwap(old, int32(newState)) {
			return true
		}
	}
}

func (cm *CompiledMethod) markSeen(epoch int64) {
	for {
		old := cm.lastSeenEpoch.Load()
		if old >= epoch || cm.lastSeenEpoch.CompareAndSwap(old, epoch) {
			return
		}
	}
}

// canConvertToZombie reports whether a not-entrant record has gone a full
// epoch without a stack sighting and is not pinned.
func (cm *CompiledMethod) canConvertToZombie(epoch int64) bool {
	return cm.lastSeenEpoch.Load()+1 < epoch && !cm.IsPinned()
}

// withICLock runs fn holding the lock that serializes mutation of this
// method's inline caches.
func (cm *CompiledMethod) withICLock(fn func()) {
	cm.icMu.Lock()
	defer cm.icMu.Unlock()
	fn()
}

// ---------------------------------------------------------------------------
// Pinning
// ---------------------------------------------------------------------------

// PinGuard keeps a compiled method from being converted to zombie or
// flushed until Release is called.
type PinGuard struct {
	cm       *CompiledMethod
	released atomic.Bool
}

// Pin takes a reference on cm. A nil cm yields a no-op guard.
func Pin(cm *CompiledMethod) *PinGuard {
	if cm != nil {
		cm.pins.Add(1)
	}
	return &PinGuard{cm: cm}
}

// Release drops the reference. It is safe to call more than once.
func (g *PinGuard) Release() {
	if g.cm != nil && g.released.CompareAndSwap(false, true) {
		g.cm.pins.Add(-1)
	}
}

// IsPinned reports whether any guard holds cm.
func (cm *CompiledMethod) IsPinned() bool { return cm.pins.Load() > 0 }

// WithPin runs fn while cm is pinned.
func WithPin(cm *CompiledMethod, fn func()) {
	g := Pin(cm)
	defer g.Release()
	fn()
}
