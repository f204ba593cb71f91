package vm

// Inline caching for compiled call sites
//
// A call site starts Clean and jumps to a resolve stub. Resolution binds it
// Monomorphic: either to compiled code guarded by the expected receiver
// klass, or to the interpreter through an ICHolder. A guard failure makes it
// Megamorphic, after which it dispatches through the vtable or itable stub
// until it is cleaned. StaleHolder is not stored; it is what a Monomorphic
// site looks like once its cached klass has been unloaded.
//
// Every transition runs under the owner's IC lock and ends in exactly one
// CodePatcher.Apply, so readers see the old image or the new one.

import (
	"fmt"

	"github.com/chazu/codecache/vm/codeheap"
)

// ICState is the state of an inline cache.
type ICState uint8

const (
	ICClean       ICState = iota // Unbound; the next call resolves
	ICMonomorphic                // Bound to one target
	ICMegamorphic                // Generic dispatch
	ICStaleHolder                // Bound through a klass whose loader died
)

func (s ICState) String() string {
	switch s {
	case ICClean:
		return "clean"
	case ICMonomorphic:
		return "monomorphic"
	case ICMegamorphic:
		return "megamorphic"
	case ICStaleHolder:
		return "stale holder"
	default:
		return fmt.Sprintf("ICState(%d)", uint8(s))
	}
}

// ICHolder carries the callee and expected klass of a monomorphic call into
// the interpreter.
type ICHolder struct {
	Method *Method
	Klass  *Klass
}

// IsLoaderAlive reports whether both the callee's holder and the expected
// klass are still loaded.
func (h *ICHolder) IsLoaderAlive() bool {
	return h.Method.holder.IsAlive() && h.Klass.IsAlive()
}

// icImage is one immutable inline cache state. A site in transition
// publishes an image whose target is a transition stub; the stub carries
// the image the site will hold once the stub is retired.
type icImage struct {
	state  ICState
	kind   CallKind
	target codeheap.Address
	callee *Method
	code   *CompiledMethod // nil when the target is the interpreter
	klass  *Klass          // receiver guard for compiled, non-optimized targets
	holder *ICHolder       // receiver guard for interpreted, non-optimized targets
	stub   *icStub
}

// effective returns the image calls actually dispatch with.
func (img *icImage) effective() *icImage {
	if img.stub != nil {
		return img.stub.final
	}
	return img
}

func (img *icImage) derivedState() ICState {
	if img.state == ICMonomorphic && img.isStaleHolder() {
		return ICStaleHolder
	}
	return img.state
}

func (img *icImage) isStaleHolder() bool {
	switch {
	case img.holder != nil:
		return !img.holder.IsLoaderAlive()
	case img.klass != nil:
		return !img.klass.IsAlive()
	}
	return false
}

// guardKlass returns the receiver klass a monomorphic image expects, or
// nil for statically bound images.
func (img *icImage) guardKlass() *Klass {
	if img.klass != nil {
		return img.klass
	}
	if img.holder != nil {
		return img.holder.Klass
	}
	return nil
}

func (img *icImage) isStaticallyBound() bool {
	return img.klass == nil && img.holder == nil
}

func (rt *Runtime) cleanImage(site *CallSite) *icImage {
	return &icImage{
		state:  ICClean,
		kind:   site.kind,
		target: rt.stubs.resolveStubFor(site.kind),
	}
}

// ---------------------------------------------------------------------------
// Transitions. Callers hold site.owner's IC lock.
// ---------------------------------------------------------------------------

// monoInfo is a computed monomorphic or static binding.
type monoInfo struct {
	kind     CallKind
	callee   *Method
	code     *CompiledMethod
	entry    codeheap.Address
	klass    *Klass
	holder   *ICHolder
	fallback bool // no adapter; the call can only go through the interpreter stub
}

func (rt *Runtime) setToClean(site *CallSite) Outcome {
	rt.patcher.Apply(site, rt.cleanImage(site))
	rt.metrics.icTransitions.WithLabelValues(ICClean.String()).Inc()
	return Success
}

func (rt *Runtime) setToMonomorphic(site *CallSite, info monoInfo) Outcome {
	img := &icImage{
		state:  ICMonomorphic,
		kind:   info.kind,
		target: info.entry,
		callee: info.callee,
		code:   info.code,
		klass:  info.klass,
		holder: info.holder,
	}

	cur := site.image.Load()
	var direct bool
	if info.code == nil {
		// Into the interpreter: an ICHolder must be installed along with
		// the destination, which takes a transition stub.
		direct = info.holder == nil
	} else {
		direct = rt.threads.atSafepoint.Load() ||
			(cur.stub == nil && (img.isStaticallyBound() || cur.state == ICClean))
	}
	out := rt.publish(site, img, direct)
	if out == Success {
		rt.metrics.icTransitions.WithLabelValues(ICMonomorphic.String()).Inc()
	}
	return out
}

func (rt *Runtime) setToMegamorphic(site *CallSite) Outcome {
	target := rt.stubs.VtableDispatch
	if site.kind == CallInterface {
		target = rt.stubs.ItableDispatch
	}
	img := &icImage{
		state:  ICMegamorphic,
		kind:   site.kind,
		target: target,
	}
	out := rt.publish(site, img, false)
	if out == Success {
		rt.metrics.icTransitions.WithLabelValues(ICMegamorphic.String()).Inc()
	}
	return out
}

// publish installs img directly or through a transition stub. It reports
// NeedsResourceRefill when the stub pool is exhausted; nothing is changed
// in that case.
func (rt *Runtime) publish(site *CallSite, img *icImage, direct bool) Outcome {
	if direct {
		rt.patcher.Apply(site, img)
		return Success
	}
	stub := rt.icStubs.create(site, img)
	if stub == nil {
		return NeedsResourceRefill
	}
	transition := *img
	transition.target = stub.addr
	transition.stub = stub
	rt.patcher.Apply(site, &transition)
	return Success
}

// ---------------------------------------------------------------------------
// Statistics
// ---------------------------------------------------------------------------

// ICStats aggregates inline cache state across all compiled methods.
type ICStats struct {
	TotalSites       int
	CleanSites       int
	MonomorphicSites int
	MegamorphicSites int
	StaleHolderSites int
	InTransition     int
	TotalHits        uint64
	TotalMisses      uint64
	TotalPatches     uint64
}

// HitRate returns the overall hit rate as a percentage (0-100).
func (s ICStats) HitRate() float64 {
	total := s.TotalHits + s.TotalMisses
	if total == 0 {
		return 0
	}
	return float64(s.TotalHits) * 100 / float64(total)
}

func (s ICStats) String() string {
	return fmt.Sprintf("sites=%d clean=%d mono=%d mega=%d stale=%d transition=%d hit=%.1f%% patches=%d",
		s.TotalSites, s.CleanSites, s.MonomorphicSites, s.MegamorphicSites,
		s.StaleHolderSites, s.InTransition, s.HitRate(), s.TotalPatches)
}

// ICStats collects statistics for every call site in the code cache.
func (rt *Runtime) ICStats() ICStats {
	var stats ICStats
	for _, cm := range rt.cache.Snapshot() {
		for _, site := range cm.sites {
			stats.TotalSites++
			switch site.State() {
			case ICClean:
				stats.CleanSites++
			case ICMonomorphic:
				stats.MonomorphicSites++
			case ICMegamorphic:
				stats.MegamorphicSites++
			case ICStaleHolder:
				stats.StaleHolderSites++
			}
			if site.InTransition() {
				stats.InTransition++
			}
			stats.TotalHits += site.hits.Load()
			stats.TotalMisses += site.misses.Load()
			stats.TotalPatches += site.patches.Load()
		}
	}
	return stats
}
