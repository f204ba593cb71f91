package vm

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/chazu/codecache/vm/codeheap"
)

func TestResolveStaticCallSite(t *testing.T) {
	rt, fatals := newTestRuntime(t, nil)
	w := newWorld()
	site := w.callerWith(t, rt, staticCall(w.util, "helper"))[0]
	th := rt.AttachThread("main")

	if site.State() != ICClean {
		t.Fatalf("Expected clean site, got %v", site.State())
	}
	if site.Destination() != rt.Stubs().ResolveStatic {
		t.Errorf("Expected clean site to call the resolve stub, got %s", rt.Stubs().Name(site.Destination()))
	}

	res, err := rt.Call(th, site, nil)
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if res.Path != PathResolved {
		t.Errorf("Expected resolved path, got %v", res.Path)
	}
	if res.Method != w.helper {
		t.Errorf("Expected %s, got %s", w.helper, res.Method)
	}
	adapter := w.helper.Adapter()
	if adapter == nil {
		t.Fatal("Expected helper to be linked to an adapter")
	}
	if res.Entry != adapter.C2I || res.Code != nil {
		t.Errorf("Expected interpreted entry %s, got %s (code %v)", adapter.C2I, res.Entry, res.Code)
	}
	if site.State() != ICMonomorphic || site.InTransition() {
		t.Errorf("Expected monomorphic site without a transition stub, got %v (transition %v)",
			site.State(), site.InTransition())
	}

	raw := rt.Heap().ReadAt(site.Address(), 8)
	if got := codeheap.Address(binary.LittleEndian.Uint64(raw)); got != adapter.C2I {
		t.Errorf("Expected call instruction to target %s, got %s", adapter.C2I, got)
	}

	res, err = rt.Call(th, site, nil)
	if err != nil {
		t.Fatalf("second Call failed: %v", err)
	}
	if res.Path != PathInlineCacheHit {
		t.Errorf("Expected inline cache hit, got %v", res.Path)
	}
	if site.Patches() != 1 {
		t.Errorf("Expected 1 patch, got %d", site.Patches())
	}
	if w.helper.Invocations() != 2 {
		t.Errorf("Expected 2 invocations, got %d", w.helper.Invocations())
	}
	if fatals.count() != 0 {
		t.Errorf("Expected no fatal errors, got %v", fatals.last())
	}
}

func TestConcurrentStaticResolutionSingleWinner(t *testing.T) {
	rt, fatals := newTestRuntime(t, nil)
	w := newWorld()
	helperCode := install(t, rt, w.helper)
	site := w.callerWith(t, rt, staticCall(w.util, "helper"))[0]

	const n = 8
	threads := make([]*Thread, n)
	for i := range threads {
		threads[i] = rt.AttachThread(fmt.Sprintf("mutator-%d", i))
	}

	results := make([]*CallResult, n)
	errs := make([]error, n)
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			results[i], errs[i] = rt.Call(threads[i], site, nil)
		}(i)
	}
	close(start)
	wg.Wait()

	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("thread %d: Call failed: %v", i, errs[i])
		}
		if results[i].Entry != helperCode.VerifiedEntryPoint() {
			t.Errorf("thread %d: Expected target %s, got %s", i, helperCode.VerifiedEntryPoint(), results[i].Entry)
		}
		if results[i].Code != helperCode {
			t.Errorf("thread %d: Expected compiled helper, got %v", i, results[i].Code)
		}
	}
	if site.Patches() != 1 {
		t.Errorf("Expected exactly 1 patch, got %d", site.Patches())
	}
	if site.Destination() != helperCode.VerifiedEntryPoint() {
		t.Errorf("Expected site to target %s, got %s", helperCode.VerifiedEntryPoint(), site.Destination())
	}
	if fatals.count() != 0 {
		t.Errorf("Expected no fatal errors, got %v", fatals.last())
	}
}

func TestMonomorphicToMegamorphic(t *testing.T) {
	rt, fatals := newTestRuntime(t, nil)
	w := newWorld()
	site := w.callerWith(t, rt, virtualCall(w.animal, "speak"))[0]
	th := rt.AttachThread("main")
	dog, cat := NewObject(w.dog), NewObject(w.cat)

	res, err := rt.Call(th, site, dog)
	if err != nil {
		t.Fatalf("Call(dog) failed: %v", err)
	}
	if res.Method != w.dogSpeak {
		t.Errorf("Expected %s, got %s", w.dogSpeak, res.Method)
	}
	v := site.View()
	if v.State != ICMonomorphic || v.ExpectedKlass != w.dog {
		t.Fatalf("Expected monomorphic for Dog, got %v for %s", v.State, v.ExpectedKlass)
	}

	res, err = rt.Call(th, site, cat)
	if err != nil {
		t.Fatalf("Call(cat) failed: %v", err)
	}
	if res.Path != PathMegamorphic {
		t.Errorf("Expected megamorphic path, got %v", res.Path)
	}
	if res.Method != w.catSpeak {
		t.Errorf("Expected %s, got %s", w.catSpeak, res.Method)
	}
	if site.State() != ICMegamorphic {
		t.Errorf("Expected megamorphic site, got %v", site.State())
	}

	res, err = rt.Call(th, site, dog)
	if err != nil {
		t.Fatalf("third Call failed: %v", err)
	}
	if res.Path != PathMegamorphic || res.Method != w.dogSpeak {
		t.Errorf("Expected megamorphic dispatch to %s, got %s", w.dogSpeak, res)
	}
	if fatals.count() != 0 {
		t.Errorf("Expected no fatal errors, got %v", fatals.last())
	}
}

func TestMegamorphicInterfaceCallRetiresToItableStub(t *testing.T) {
	rt, _ := newTestRuntime(t, nil)
	startPump(t, rt)
	w := newWorld()
	site := w.callerWith(t, rt, interfaceCall(w.greeter, "greet"))[0]
	th := rt.AttachThread("main")

	for _, recv := range []*Object{NewObject(w.dog), NewObject(w.cat)} {
		if _, err := rt.Call(th, site, recv); err != nil {
			t.Fatalf("Call(%s) failed: %v", recv.Klass, err)
		}
	}
	if !site.InTransition() {
		t.Fatal("Expected megamorphic transition to go through a stub")
	}

	if err := rt.Pump().Execute(th, &CleanupOp{}); err != nil {
		t.Fatalf("Cleanup failed: %v", err)
	}
	if site.InTransition() {
		t.Error("Expected transition stub to be retired")
	}
	if site.Destination() != rt.Stubs().ItableDispatch {
		t.Errorf("Expected itable dispatch stub, got %s", rt.Stubs().Name(site.Destination()))
	}
	if rt.ICStubs().InUse() != 0 {
		t.Errorf("Expected empty stub pool, got %d in use", rt.ICStubs().InUse())
	}
}

func TestResolutionErrors(t *testing.T) {
	rt, _ := newTestRuntime(t, nil)
	w := newWorld()
	sites := w.callerWith(t, rt,
		virtualCall(w.animal, "speak"),
		virtualCall(w.animal, "fly"),
		staticCall(w.animal, "speak"),
		interfaceCall(w.greeter, "greet"),
	)
	th := rt.AttachThread("main")

	tests := []struct {
		name string
		site *CallSite
		recv *Object
		want error
	}{
		{"null receiver", sites[0], nil, ErrNullReceiver},
		{"no such method", sites[1], NewObject(w.dog), ErrNoSuchMethod},
		{"static call to instance method", sites[2], nil, ErrIncompatibleClassChange},
		{"receiver does not implement interface", sites[3], NewObject(w.animal), ErrIncompatibleClassChange},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := rt.Call(th, tt.site, tt.recv)
			if !errors.Is(err, tt.want) {
				t.Fatalf("Expected %v, got %v", tt.want, err)
			}
			var re *ResolutionError
			if !errors.As(err, &re) {
				t.Fatalf("Expected *ResolutionError, got %T", err)
			}
			if re.Kind != tt.site.Kind() {
				t.Errorf("Expected kind %v, got %v", tt.site.Kind(), re.Kind)
			}
			if tt.site.State() != ICClean {
				t.Errorf("Expected site to stay clean, got %v", tt.site.State())
			}
		})
	}
}

// lenientLinker resolves calls on a nil receiver as if the receiver were
// an instance of stand-in.
type lenientLinker struct {
	standIn *Klass
}

func (l lenientLinker) Resolve(kind CallKind, ref MethodRef, recv *Object) (CallInfo, error) {
	if recv == nil {
		recv = NewObject(l.standIn)
	}
	return HierarchyLinker{}.Resolve(kind, ref, recv)
}

func TestICMissRejectsNullReceiver(t *testing.T) {
	w := newWorld()
	rt, fatals := newTestRuntime(t, nil, WithLinker(lenientLinker{standIn: w.dog}))
	site := w.callerWith(t, rt, virtualCall(w.animal, "speak"))[0]
	th := rt.AttachThread("main")

	_, err := rt.HandleICMiss(th, site, nil)
	if !errors.Is(err, ErrNullReceiver) {
		t.Fatalf("Expected ErrNullReceiver, got %v", err)
	}
	var re *ResolutionError
	if !errors.As(err, &re) || re.Kind != CallVirtual {
		t.Errorf("Expected a virtual *ResolutionError, got %v", err)
	}
	if site.State() != ICClean {
		t.Errorf("Expected site to stay clean, got %v", site.State())
	}
	if fatals.count() != 0 {
		t.Errorf("Expected no fatal errors, got %v", fatals.last())
	}
}

func TestOptimizedVirtualResolutionIsIdempotent(t *testing.T) {
	rt, _ := newTestRuntime(t, nil)
	w := newWorld()
	site := w.callerWith(t, rt, virtualCall(w.animal, "id"))[0]
	th := rt.AttachThread("main")
	dog, cat := NewObject(w.dog), NewObject(w.cat)

	res, err := rt.Call(th, site, dog)
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if res.Method != w.id {
		t.Errorf("Expected %s, got %s", w.id, res.Method)
	}
	v := site.View()
	if v.Kind != CallOptimizedVirtual || v.ExpectedKlass != nil {
		t.Fatalf("Expected optimized virtual binding without a guard, got %v guarded by %v", v.Kind, v.ExpectedKlass)
	}

	img := site.image.Load()
	patches := site.Patches()

	again, err := rt.Resolve(th, site, dog)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if again.Method != res.Method || again.Entry != res.Entry {
		t.Errorf("Expected same resolution, got %s vs %s", again, res)
	}
	if _, err := rt.Reresolve(th, site, cat); err != nil {
		t.Fatalf("Reresolve failed: %v", err)
	}
	if site.image.Load() != img {
		t.Error("Expected re-resolution to leave the inline cache untouched")
	}
	if site.Patches() != patches {
		t.Errorf("Expected %d patches, got %d", patches, site.Patches())
	}

	res, err = rt.Call(th, site, cat)
	if err != nil {
		t.Fatalf("Call(cat) failed: %v", err)
	}
	if res.Path != PathInlineCacheHit {
		t.Errorf("Expected unguarded hit for any receiver, got %v", res.Path)
	}
}

func TestFalseMissBindsCompiledCode(t *testing.T) {
	rt, _ := newTestRuntime(t, nil)
	w := newWorld()
	site := w.callerWith(t, rt, virtualCall(w.animal, "speak"))[0]
	th := rt.AttachThread("main")
	dog := NewObject(w.dog)

	if _, err := rt.Call(th, site, dog); err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if site.View().Code != nil {
		t.Fatal("Expected interpreted binding first")
	}

	dogCode := install(t, rt, w.dogSpeak)
	res, err := rt.Call(th, site, dog)
	if err != nil {
		t.Fatalf("Call after compile failed: %v", err)
	}
	if res.Path != PathICMiss {
		t.Errorf("Expected miss path, got %v", res.Path)
	}
	if res.Code != dogCode || res.Entry != dogCode.EntryPoint() {
		t.Errorf("Expected unverified entry of %s, got %s", dogCode, res)
	}
	v := site.View()
	if v.State != ICMonomorphic || v.Code != dogCode || v.ExpectedKlass != w.dog {
		t.Errorf("Expected monomorphic compiled binding for Dog, got %+v", v)
	}

	res, err = rt.Call(th, site, dog)
	if err != nil {
		t.Fatalf("third Call failed: %v", err)
	}
	if res.Path != PathInlineCacheHit || res.Code != dogCode {
		t.Errorf("Expected hit into %s, got %s", dogCode, res)
	}
}

func TestNotEntrantTargetIsReresolved(t *testing.T) {
	rt, _ := newTestRuntime(t, nil)
	w := newWorld()
	helperCode := install(t, rt, w.helper)
	site := w.callerWith(t, rt, staticCall(w.util, "helper"))[0]
	th := rt.AttachThread("main")

	res, err := rt.Call(th, site, nil)
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if res.Code != helperCode {
		t.Fatalf("Expected compiled helper, got %s", res)
	}

	if !rt.MakeNotEntrant(helperCode) {
		t.Fatal("Expected MakeNotEntrant to succeed")
	}
	if rt.MakeNotEntrant(helperCode) {
		t.Error("Expected second MakeNotEntrant to fail")
	}

	res, err = rt.Call(th, site, nil)
	if err != nil {
		t.Fatalf("Call after deopt failed: %v", err)
	}
	if res.Path != PathWrongMethod {
		t.Errorf("Expected wrong-method path, got %v", res.Path)
	}
	if res.Code != nil || res.Entry != w.helper.Adapter().C2I {
		t.Errorf("Expected interpreted entry, got %s", res)
	}
	if site.View().Code != nil {
		t.Error("Expected site to no longer reference not-entrant code")
	}
}

func TestStaleHolderIsCleaned(t *testing.T) {
	rt, _ := newTestRuntime(t, nil)
	w := newWorld()
	plugin := NewClassLoader("plugin")
	pluginDog := NewKlass("PluginDog", w.animal, plugin)
	pluginDog.AddMethod("speak", 0)

	site := w.callerWith(t, rt, virtualCall(w.animal, "speak"))[0]
	th := rt.AttachThread("main")

	if _, err := rt.Call(th, site, NewObject(pluginDog)); err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	plugin.Unload()
	if site.State() != ICStaleHolder {
		t.Fatalf("Expected stale holder, got %v", site.State())
	}

	cat := NewObject(w.cat)
	res, err := rt.Call(th, site, cat)
	if err != nil {
		t.Fatalf("Call(cat) failed: %v", err)
	}
	if res.Path != PathICMiss || res.Method != w.catSpeak {
		t.Errorf("Expected miss dispatching to %s, got %s", w.catSpeak, res)
	}
	if site.State() != ICClean {
		t.Errorf("Expected stale site to be cleaned, got %v", site.State())
	}

	if _, err := rt.Call(th, site, cat); err != nil {
		t.Fatalf("Call after clean failed: %v", err)
	}
	if v := site.View(); v.State != ICMonomorphic || v.ExpectedKlass != w.cat {
		t.Errorf("Expected monomorphic for Cat, got %v for %s", v.State, v.ExpectedKlass)
	}
}

func TestStubPoolExhaustionRefillsAtSafepoint(t *testing.T) {
	rt, fatals := newTestRuntime(t, func(o *Options) { o.ICStubPoolSize = 1 })
	startPump(t, rt)
	w := newWorld()
	sites := w.callerWith(t, rt, virtualCall(w.animal, "speak"), interfaceCall(w.greeter, "greet"))
	th := rt.AttachThread("main")
	dog := NewObject(w.dog)

	if _, err := rt.Call(th, sites[0], dog); err != nil {
		t.Fatalf("first Call failed: %v", err)
	}
	if rt.ICStubs().InUse() != 1 {
		t.Fatalf("Expected the only stub in use, got %d", rt.ICStubs().InUse())
	}

	if _, err := rt.Call(th, sites[1], dog); err != nil {
		t.Fatalf("second Call failed: %v", err)
	}
	if rt.Pump().Executed() == 0 {
		t.Error("Expected a refill operation to run")
	}
	if sites[0].InTransition() || sites[0].State() != ICMonomorphic {
		t.Errorf("Expected first site finalized as monomorphic, got %v (transition %v)",
			sites[0].State(), sites[0].InTransition())
	}
	if sites[1].State() != ICMonomorphic {
		t.Errorf("Expected second site monomorphic after refill, got %v", sites[1].State())
	}
	if fatals.count() != 0 {
		t.Errorf("Expected no fatal errors, got %v", fatals.last())
	}
}

func TestPatchGivesUpWithoutPump(t *testing.T) {
	rt, fatals := newTestRuntime(t, func(o *Options) { o.ICStubPoolSize = 1 })
	w := newWorld()
	sites := w.callerWith(t, rt, virtualCall(w.animal, "speak"), interfaceCall(w.greeter, "greet"))
	th := rt.AttachThread("main")
	dog := NewObject(w.dog)

	if _, err := rt.Call(th, sites[0], dog); err != nil {
		t.Fatalf("first Call failed: %v", err)
	}
	res, err := rt.Call(th, sites[1], dog)
	if err != nil {
		t.Fatalf("Expected call to complete on the slow path, got %v", err)
	}
	if res.Method != w.dogGreet {
		t.Errorf("Expected %s, got %s", w.dogGreet, res.Method)
	}
	if sites[1].State() != ICClean {
		t.Errorf("Expected unpatched site to stay clean, got %v", sites[1].State())
	}
	if fatals.count() != 0 {
		t.Errorf("Expected no fatal errors, got %v", fatals.last())
	}
}

func TestRedefinitionRetryLimitIsFatal(t *testing.T) {
	rt, fatals := newTestRuntime(t, func(o *Options) { o.MaxRedefinitionRetries = 3 },
		WithStaleChecker(alwaysStale{}))
	w := newWorld()
	site := w.callerWith(t, rt, staticCall(w.util, "helper"))[0]
	th := rt.AttachThread("main")

	_, err := rt.Call(th, site, nil)
	if !IsFatal(err) {
		t.Fatalf("Expected fatal error, got %v", err)
	}
	if !errors.Is(err, ErrRedefinitionRetries) {
		t.Errorf("Expected ErrRedefinitionRetries, got %v", err)
	}
	if fatals.count() != 1 {
		t.Errorf("Expected 1 fatal error, got %d", fatals.count())
	}
	if site.State() != ICClean {
		t.Errorf("Expected site never bound to a stale method, got %v", site.State())
	}
}

func TestRedefineRebindsCallSites(t *testing.T) {
	rt, _ := newTestRuntime(t, nil)
	startPump(t, rt)
	w := newWorld()
	helperCode := install(t, rt, w.helper)
	site := w.callerWith(t, rt, staticCall(w.util, "helper"))[0]
	th := rt.AttachThread("main")

	if _, err := rt.Call(th, site, nil); err != nil {
		t.Fatalf("Call failed: %v", err)
	}

	replacement, err := rt.Redefine(th, w.util, "helper")
	if err != nil {
		t.Fatalf("Redefine failed: %v", err)
	}
	if !w.helper.IsStale() {
		t.Error("Expected old version to be stale")
	}
	if helperCode.State() != NotEntrant {
		t.Errorf("Expected old code not entrant, got %v", helperCode.State())
	}

	res, err := rt.Call(th, site, nil)
	if err != nil {
		t.Fatalf("Call after redefine failed: %v", err)
	}
	if res.Method != replacement {
		t.Errorf("Expected %s, got %s", replacement, res.Method)
	}
	if res.Path != PathWrongMethod {
		t.Errorf("Expected wrong-method path, got %v", res.Path)
	}
}

func TestDispatchFromFlushedCodeIsFatal(t *testing.T) {
	rt, fatals := newTestRuntime(t, nil)
	w := newWorld()
	site := w.callerWith(t, rt, staticCall(w.util, "helper"))[0]
	owner := site.Owner()

	rt.MakeNotEntrant(owner)
	for i := 0; i < 3; i++ {
		rt.Sweeper().SweepNow()
	}
	if owner.State() != Flushed {
		t.Fatalf("Expected owner flushed, got %v", owner.State())
	}

	th := rt.AttachThread("main")
	_, err := rt.Call(th, site, nil)
	if !errors.Is(err, ErrDispatchIntoFlushed) || !IsFatal(err) {
		t.Errorf("Expected fatal ErrDispatchIntoFlushed, got %v", err)
	}

	owner.withICLock(func() { rt.setToClean(site) })
	if fe := fatals.last(); fe == nil || !errors.Is(fe, ErrPatchFlushedOwner) {
		t.Errorf("Expected ErrPatchFlushedOwner, got %v", fe)
	}
}

func TestICStats(t *testing.T) {
	rt, _ := newTestRuntime(t, nil)
	w := newWorld()
	sites := w.callerWith(t, rt,
		staticCall(w.util, "helper"),
		virtualCall(w.animal, "speak"),
		virtualCall(w.animal, "id"),
	)
	th := rt.AttachThread("main")
	dog, cat := NewObject(w.dog), NewObject(w.cat)

	calls := []struct {
		site *CallSite
		recv *Object
	}{
		{sites[0], nil}, {sites[0], nil}, {sites[0], nil},
		{sites[1], dog}, {sites[1], cat},
	}
	for _, c := range calls {
		if _, err := rt.Call(th, c.site, c.recv); err != nil {
			t.Fatalf("Call failed: %v", err)
		}
	}

	stats := rt.ICStats()
	if stats.TotalSites != 3 {
		t.Errorf("Expected 3 sites, got %d", stats.TotalSites)
	}
	if stats.CleanSites != 1 || stats.MonomorphicSites != 1 || stats.MegamorphicSites != 1 {
		t.Errorf("Expected 1 clean, 1 mono, 1 mega, got %s", stats)
	}
	if stats.TotalHits != 2 || stats.TotalMisses != 1 {
		t.Errorf("Expected 2 hits and 1 miss, got %d and %d", stats.TotalHits, stats.TotalMisses)
	}
	if rate := stats.HitRate(); rate < 66 || rate > 67 {
		t.Errorf("Expected hit rate about 66.7%%, got %.1f", rate)
	}
	if got := counterValue(rt.metrics.icHits); got != 2 {
		t.Errorf("Expected hit counter 2, got %v", got)
	}
}
