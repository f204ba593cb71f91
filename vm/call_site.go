package vm

import (
	"fmt"
	"sync/atomic"

	"github.com/chazu/codecache/vm/codeheap"
)

// CallKind is how a call instruction was emitted.
type CallKind uint8

const (
	CallStatic CallKind = iota
	CallVirtual
	CallOptimizedVirtual // virtual call known to need no receiver check
	CallInterface
)

func (k CallKind) String() string {
	switch k {
	case CallStatic:
		return "static"
	case CallVirtual:
		return "virtual"
	case CallOptimizedVirtual:
		return "optimized virtual"
	case CallInterface:
		return "interface"
	default:
		return fmt.Sprintf("CallKind(%d)", uint8(k))
	}
}

// isOptimized reports whether the kind binds without a receiver guard.
func (k CallKind) isOptimized() bool {
	return k == CallStatic || k == CallOptimizedVirtual
}

// CallSite is one call instruction inside compiled code, identified by its
// owner and pc offset. Its inline cache is an immutable image swapped in by
// the CodePatcher.
type CallSite struct {
	owner  *CompiledMethod
	offset int
	kind   CallKind
	ref    MethodRef

	image atomic.Pointer[icImage]

	patches atomic.Uint64
	hits    atomic.Uint64
	misses  atomic.Uint64
}

func (s *CallSite) String() string {
	return fmt.Sprintf("%s call to %s at %s+%d", s.kind, s.ref, s.owner, s.offset)
}

// Owner returns the compiled method containing the call.
func (s *CallSite) Owner() *CompiledMethod { return s.owner }

// Offset returns the pc offset of the call within its owner.
func (s *CallSite) Offset() int { return s.offset }

// Kind returns the kind the call was emitted as.
func (s *CallSite) Kind() CallKind { return s.kind }

// Ref returns the symbolic callee.
func (s *CallSite) Ref() MethodRef { return s.ref }

// Address returns the address of the call instruction.
func (s *CallSite) Address() codeheap.Address { return s.owner.blob.Start.Add(s.offset) }

// Patches returns how many times the site has been rewritten.
func (s *CallSite) Patches() uint64 { return s.patches.Load() }

// State returns the effective inline cache state.
func (s *CallSite) State() ICState { return s.image.Load().effective().derivedState() }

// Destination returns the address the call instruction currently jumps
// to. A site in transition jumps to its transition stub.
func (s *CallSite) Destination() codeheap.Address { return s.image.Load().target }

// InTransition reports whether the site goes through a transition stub.
func (s *CallSite) InTransition() bool { return s.image.Load().stub != nil }

// ICView is a consistent snapshot of a site's inline cache.
type ICView struct {
	State         ICState
	Kind          CallKind // kind the site is bound as
	Target        codeheap.Address
	Callee        *Method
	Code          *CompiledMethod
	ExpectedKlass *Klass
	InTransition  bool
}

// View returns the site's inline cache as one consistent snapshot.
func (s *CallSite) View() ICView {
	img := s.image.Load()
	eff := img.effective()
	v := ICView{
		State:        eff.derivedState(),
		Kind:         eff.kind,
		Target:       eff.target,
		Callee:       eff.callee,
		Code:         eff.code,
		InTransition: img.stub != nil,
	}
	switch {
	case eff.klass != nil:
		v.ExpectedKlass = eff.klass
	case eff.holder != nil:
		v.ExpectedKlass = eff.holder.Klass
	}
	return v
}

func (rt *Runtime) newCallSite(owner *CompiledMethod, info CallSiteInfo) *CallSite {
	s := &CallSite{
		owner:  owner,
		offset: info.Offset,
		kind:   info.Kind,
		ref:    info.Ref,
	}
	s.image.Store(rt.cleanImage(s))
	return s
}
