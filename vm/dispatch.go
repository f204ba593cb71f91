package vm

import (
	"fmt"

	"github.com/chazu/codecache/vm/codeheap"
)

// CallPath records how a call found its destination.
type CallPath uint8

const (
	PathInlineCacheHit CallPath = iota // Monomorphic guard passed
	PathResolved                       // Clean site resolved
	PathICMiss                         // Guard failed; site rebound
	PathMegamorphic                    // Generic dispatch
	PathWrongMethod                    // Bound target was invalid; site re-resolved
)

func (p CallPath) String() string {
	switch p {
	case PathInlineCacheHit:
		return "hit"
	case PathResolved:
		return "resolved"
	case PathICMiss:
		return "miss"
	case PathMegamorphic:
		return "megamorphic"
	case PathWrongMethod:
		return "wrong method"
	default:
		return fmt.Sprintf("CallPath(%d)", uint8(p))
	}
}

// CallResult is where a call went.
type CallResult struct {
	Method *Method
	Entry  codeheap.Address
	Code   *CompiledMethod // nil when the call runs in the interpreter
	Path   CallPath
}

func (r *CallResult) String() string {
	where := "interpreter"
	if r.Code != nil {
		where = fmt.Sprintf("nmethod#%d", r.Code.id)
	}
	return fmt.Sprintf("%s -> %s via %s (%s)", r.Method, r.Entry, where, r.Path)
}

// Call performs one call through site with receiver recv. Static calls
// pass a nil receiver. The thread is entered for the duration of the call
// if it was not running already.
func (rt *Runtime) Call(t *Thread, site *CallSite, recv *Object) (*CallResult, error) {
	if t == nil {
		return nil, ErrThreadNotAttached
	}
	if rt.closed.Load() {
		return nil, ErrRuntimeClosed
	}
	if !t.IsRunning() {
		t.Enter()
		defer t.Leave()
	}
	t.Poll()

	guard := Pin(site.owner)
	defer guard.Release()
	if site.owner.State() == Flushed {
		return nil, rt.fatalf("dispatch", ErrDispatchIntoFlushed, "caller of %s", site)
	}

	res, err := rt.dispatch(t, site, recv)
	if err != nil {
		return nil, err
	}
	if res.Code != nil && res.Code.State() == Flushed {
		return nil, rt.fatalf("dispatch", ErrDispatchIntoFlushed, "%s", res)
	}
	rt.account(res)
	return res, nil
}

func (rt *Runtime) dispatch(t *Thread, site *CallSite, recv *Object) (*CallResult, error) {
	img := site.image.Load().effective()

	switch img.derivedState() {
	case ICClean:
		return rt.Resolve(t, site, recv)
	case ICStaleHolder:
		return rt.HandleICMiss(t, site, recv)
	case ICMegamorphic:
		return rt.megamorphicCall(site, recv)
	}

	if img.isStaticallyBound() {
		if (img.code != nil && !img.code.IsInUse()) || rt.stale.IsStale(img.callee) {
			return rt.Reresolve(t, site, recv)
		}
		if img.code == nil {
			if c := img.callee.Code(); c != nil && c.IsInUse() {
				if res, ok := rt.fixupCallSite(t, site); ok {
					return res, nil
				}
			}
		}
		return rt.hit(site, img), nil
	}

	if recv == nil || recv.Klass == nil {
		return nil, &ResolutionError{Kind: site.kind, Ref: site.ref, Err: ErrNullReceiver}
	}
	if recv.Klass != img.guardKlass() {
		return rt.HandleICMiss(t, site, recv)
	}
	if (img.code != nil && !img.code.IsInUse()) || rt.stale.IsStale(img.callee) {
		return rt.Reresolve(t, site, recv)
	}
	if img.holder != nil {
		if c := img.callee.Code(); c != nil && c.IsInUse() {
			return rt.HandleICMiss(t, site, recv)
		}
	}
	return rt.hit(site, img), nil
}

func (rt *Runtime) hit(site *CallSite, img *icImage) *CallResult {
	site.hits.Add(1)
	rt.metrics.icHits.Inc()
	return &CallResult{
		Method: img.callee,
		Entry:  img.target,
		Code:   img.code,
		Path:   PathInlineCacheHit,
	}
}

// megamorphicCall selects the callee for recv the way the dispatch stubs
// do, without touching the site.
func (rt *Runtime) megamorphicCall(site *CallSite, recv *Object) (*CallResult, error) {
	info, err := rt.linker.Resolve(site.kind, site.ref, recv)
	if err != nil {
		return nil, &ResolutionError{Kind: site.kind, Ref: site.ref, Err: err}
	}
	callee := info.Selected
	entry, code := rt.entryForCall(callee)
	return &CallResult{Method: callee, Entry: entry, Code: code, Path: PathMegamorphic}, nil
}

// entryForCall returns the verified entry of callee's compiled code, or
// its interpreter entry.
func (rt *Runtime) entryForCall(callee *Method) (codeheap.Address, *CompiledMethod) {
	if code := callee.Code(); code != nil && code.IsInUse() {
		return code.verifiedEntry, code
	}
	if a := rt.adapterFor(callee); a != nil {
		return a.C2I, nil
	}
	return rt.stubs.Interpreter, nil
}

func (rt *Runtime) account(res *CallResult) {
	m := res.Method
	m.invocations.Add(1)
	rt.metrics.calls.WithLabelValues(res.Path.String()).Inc()
	if res.Code != nil {
		m.tickAge()
		return
	}
	rt.broker.RecordInvocation(m)
}
