package vm

import (
	"errors"

	"github.com/chazu/codecache/vm/adapters"
)

// ---------------------------------------------------------------------------
// Call site resolution
// ---------------------------------------------------------------------------

// Resolve links a call site for recv and binds its inline cache. Any number
// of threads may resolve the same site concurrently; the first to patch
// wins and later resolutions find it already bound.
func (rt *Runtime) Resolve(t *Thread, site *CallSite, recv *Object) (*CallResult, error) {
	for retries := 0; ; retries++ {
		res, err := rt.resolveSub(t, site, recv)
		if err != nil {
			return nil, err
		}
		if !rt.stale.IsStale(res.Method) {
			return res, nil
		}
		if retries >= rt.opts.MaxRedefinitionRetries {
			return nil, rt.fatalf("resolver", ErrRedefinitionRetries, "%s after %d retries", site, retries)
		}
		resolverLog.Debugf("%s resolved to redefined %s, retrying", site, res.Method)
	}
}

func (rt *Runtime) resolveSub(t *Thread, site *CallSite, recv *Object) (*CallResult, error) {
	info, err := rt.linker.Resolve(site.kind, site.ref, recv)
	if err != nil {
		return nil, &ResolutionError{Kind: site.kind, Ref: site.ref, Err: err}
	}

	kind := site.kind
	if (kind == CallVirtual || kind == CallInterface) && info.Resolved.CanBeStaticallyBound() {
		kind = CallOptimizedVirtual
	}
	callee := info.Selected

	code := callee.Code()
	guard := Pin(code)
	defer guard.Release()
	if code != nil && !code.IsInUse() {
		code = nil
	}

	var recvKlass *Klass
	if recv != nil {
		recvKlass = recv.Klass
	}
	mono := rt.computeEntry(kind, callee, code, recvKlass)

	if !mono.fallback {
		rt.patchWithRetry(t, site, func() Outcome {
			if site.image.Load().state != ICClean {
				return Success
			}
			if rt.stale.IsStale(callee) {
				return Success
			}
			if code != nil && (!code.IsInUse() || callee.Code() != code) {
				return Success
			}
			return rt.setToMonomorphic(site, mono)
		})
	}

	return &CallResult{
		Method: callee,
		Entry:  mono.entry,
		Code:   mono.code,
		Path:   PathResolved,
	}, nil
}

// computeEntry picks the destination for a call to callee. code is the
// callee's in-use compiled code, or nil to go through the interpreter.
func (rt *Runtime) computeEntry(kind CallKind, callee *Method, code *CompiledMethod, recvKlass *Klass) monoInfo {
	info := monoInfo{kind: kind, callee: callee, code: code}
	optimized := kind.isOptimized()

	if code != nil {
		if optimized {
			info.entry = code.verifiedEntry
		} else {
			info.entry = code.entry
			info.klass = recvKlass
		}
		return info
	}

	adapter := rt.adapterFor(callee)
	switch {
	case adapter == nil:
		info.entry = rt.stubs.Interpreter
		info.fallback = true
	case optimized:
		info.entry = adapter.C2I
	default:
		info.entry = adapter.C2IUnverified
		info.holder = &ICHolder{Method: callee, Klass: recvKlass}
	}
	return info
}

// adapterFor returns m's adapter set, linking it on first use. It returns
// nil once adapter generation has been disabled.
func (rt *Runtime) adapterFor(m *Method) *adapters.Entry {
	if e := m.adapter.Load(); e != nil {
		return e
	}
	e, err := rt.adapters.GetAdapter(m.AdapterSignature())
	if err != nil {
		resolverLog.Warningf("no adapter for %s: %s", m, err)
		return nil
	}
	if !m.adapter.CompareAndSwap(nil, e) {
		return m.adapter.Load()
	}
	return e
}

// patchWithRetry runs a transition under the owner's IC lock, refilling
// the transition stub pool between attempts. Giving up leaves the site as
// it was; the call still completes on the slow path.
func (rt *Runtime) patchWithRetry(t *Thread, site *CallSite, transition func() Outcome) Outcome {
	out, err := retryWithRefill(rt.opts.MaxPatchAttempts,
		func() Outcome {
			var out Outcome
			site.owner.withICLock(func() { out = transition() })
			return out
		},
		func() error { return rt.refillICStubs(t) },
	)
	if err != nil {
		if errors.Is(err, ErrPatchRetriesExhausted) {
			rt.metrics.patchRetriesExhausted.Inc()
		}
		resolverLog.Warningf("could not patch %s: %s", site, err)
	}
	return out
}

// ---------------------------------------------------------------------------
// Inline cache misses
// ---------------------------------------------------------------------------

// HandleICMiss handles a receiver that failed the site's klass guard. The
// site moves to monomorphic for recv's klass when it can stay monomorphic,
// and to megamorphic otherwise.
func (rt *Runtime) HandleICMiss(t *Thread, site *CallSite, recv *Object) (*CallResult, error) {
	if recv == nil {
		return nil, &ResolutionError{Kind: site.kind, Ref: site.ref, Err: ErrNullReceiver}
	}
	site.misses.Add(1)
	rt.metrics.icMisses.Inc()

	info, err := rt.linker.Resolve(site.kind, site.ref, recv)
	if err != nil {
		return nil, &ResolutionError{Kind: site.kind, Ref: site.ref, Err: err}
	}
	if info.Resolved.CanBeStaticallyBound() {
		// The callee was made final after the site was bound.
		return rt.reresolve(t, site, recv, true)
	}
	callee := info.Selected

	code := callee.Code()
	guard := Pin(code)
	defer guard.Release()
	if code != nil && !code.IsInUse() {
		code = nil
	}
	mono := rt.computeEntry(site.kind, callee, code, recv.Klass)

	path := PathICMiss
	rt.patchWithRetry(t, site, func() Outcome {
		img := site.image.Load().effective()
		shouldBeMono := false
		switch {
		case img.kind == CallOptimizedVirtual:
			shouldBeMono = true
		case img.holder != nil && !img.holder.IsLoaderAlive():
			return rt.setToClean(site)
		case img.holder != nil && recv.Klass == img.holder.Klass:
			// False miss: the holder went stale or the callee has been
			// compiled since the site was bound.
			shouldBeMono = true
		case img.state == ICMonomorphic && img.klass != nil && !img.klass.IsAlive():
			return rt.setToClean(site)
		}
		if shouldBeMono || img.state == ICClean {
			if mono.fallback || rt.stale.IsStale(callee) {
				return Success
			}
			if code != nil && callee.Code() != code {
				return Success
			}
			return rt.setToMonomorphic(site, mono)
		}
		if img.state != ICMegamorphic {
			path = PathMegamorphic
			return rt.setToMegamorphic(site)
		}
		return Success
	})

	return &CallResult{
		Method: callee,
		Entry:  mono.entry,
		Code:   mono.code,
		Path:   path,
	}, nil
}

// ---------------------------------------------------------------------------
// Re-resolution
// ---------------------------------------------------------------------------

// Reresolve cleans a site whose target is no longer valid and resolves it
// again. A site with a valid target is left alone and simply resolved
// through.
func (rt *Runtime) Reresolve(t *Thread, site *CallSite, recv *Object) (*CallResult, error) {
	return rt.reresolve(t, site, recv, false)
}

func (rt *Runtime) reresolve(t *Thread, site *CallSite, recv *Object, force bool) (*CallResult, error) {
	guard := Pin(site.owner)
	defer guard.Release()

	site.owner.withICLock(func() {
		img := site.image.Load()
		if img.state == ICClean && img.stub == nil {
			return
		}
		if force || !rt.targetValid(img.effective()) {
			rt.setToClean(site)
		}
	})
	res, err := rt.Resolve(t, site, recv)
	if err != nil {
		return nil, err
	}
	res.Path = PathWrongMethod
	return res, nil
}

// targetValid reports whether a bound image may keep being dispatched
// through.
func (rt *Runtime) targetValid(img *icImage) bool {
	switch img.state {
	case ICClean:
		return false
	case ICMegamorphic:
		return true
	}
	if img.isStaleHolder() || rt.stale.IsStale(img.callee) {
		return false
	}
	if img.code == nil {
		return true
	}
	return img.code.IsInUse() && img.callee.Code() == img.code
}

// fixupCallSite repoints a statically bound site from the interpreter to
// its callee's compiled code once that code exists.
func (rt *Runtime) fixupCallSite(t *Thread, site *CallSite) (*CallResult, bool) {
	img := site.image.Load().effective()
	callee := img.callee
	code := callee.Code()
	guard := Pin(code)
	defer guard.Release()
	if code == nil || !code.IsInUse() || rt.stale.IsStale(callee) {
		return nil, false
	}

	mono := rt.computeEntry(img.kind, callee, code, nil)
	out := rt.patchWithRetry(t, site, func() Outcome {
		cur := site.image.Load().effective()
		if cur.state != ICMonomorphic || cur.callee != callee || cur.code != nil || !cur.isStaticallyBound() {
			return Success
		}
		if callee.Code() != code {
			return Success
		}
		return rt.setToMonomorphic(site, mono)
	})
	if out != Success {
		return nil, false
	}
	return &CallResult{Method: callee, Entry: mono.entry, Code: code, Path: PathWrongMethod}, true
}
