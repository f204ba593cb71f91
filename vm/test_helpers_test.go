package vm

import (
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/chazu/codecache/vm/adapters"
)

// fatalRecorder collects fatal errors instead of panicking.
type fatalRecorder struct {
	mu   sync.Mutex
	errs []*FatalError
}

func (r *fatalRecorder) handle(fe *FatalError) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, fe)
}

func (r *fatalRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.errs)
}

func (r *fatalRecorder) last() *FatalError {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.errs) == 0 {
		return nil
	}
	return r.errs[len(r.errs)-1]
}

// newTestRuntime creates a runtime with a small heap, no background
// goroutines and a recording fatal handler.
func newTestRuntime(t *testing.T, configure func(*Options), options ...Option) (*Runtime, *fatalRecorder) {
	t.Helper()
	opts := DefaultOptions()
	opts.CodeCacheSize = 4 << 20
	opts.SweepInterval = time.Hour
	opts.GuaranteedSafepointInterval = time.Hour
	if configure != nil {
		configure(&opts)
	}
	fatals := &fatalRecorder{}
	options = append([]Option{WithFatalHandler(fatals.handle)}, options...)
	rt, err := New(opts, options...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { rt.Shutdown() })
	return rt, fatals
}

// startPump runs the operation pump for the rest of the test.
func startPump(t *testing.T, rt *Runtime) {
	t.Helper()
	if err := rt.Pump().Start(); err != nil {
		t.Fatalf("pump start failed: %v", err)
	}
}

// install compiles m with SyntheticCompiler and installs it.
func install(t *testing.T, rt *Runtime, m *Method, calls ...CallSiteInfo) *CompiledMethod {
	t.Helper()
	cc, err := SyntheticCompiler{
		Calls: func(*Method) []CallSiteInfo { return calls },
	}.Compile(m)
	if err != nil {
		t.Fatalf("compile %s failed: %v", m, err)
	}
	cm, err := rt.OnCompilationFinished(m, cc)
	if err != nil {
		t.Fatalf("install %s failed: %v", m, err)
	}
	return cm
}

// world is a small class hierarchy used across tests:
//
//	Util            static helper(), static twice(int)
//	Animal          speak(), final id()
//	  Dog, Cat      speak()
//	Greeter (iface) greet(); Dog and Cat implement it
//	Caller          run(), compiled with whatever calls a test needs
type world struct {
	loader *ClassLoader

	util   *Klass
	helper *Method
	twice  *Method

	animal *Klass
	speak  *Method
	id     *Method

	dog      *Klass
	dogSpeak *Method
	dogGreet *Method
	cat      *Klass
	catSpeak *Method
	catGreet *Method

	greeter *Klass

	caller *Klass
	run    *Method
}

func newWorld() *world {
	w := &world{loader: NewClassLoader("app")}

	w.util = NewKlass("Util", nil, w.loader)
	w.helper = w.util.AddMethod("helper", FlagStatic)
	w.twice = w.util.AddMethod("twice", FlagStatic, adapters.Int)

	w.greeter = NewInterface("Greeter", w.loader)
	w.greeter.AddMethod("greet", FlagAbstract)

	w.animal = NewKlass("Animal", nil, w.loader)
	w.speak = w.animal.AddMethod("speak", 0)
	w.id = w.animal.AddMethod("id", FlagFinal)

	w.dog = NewKlass("Dog", w.animal, w.loader).Implements(w.greeter)
	w.dogSpeak = w.dog.AddMethod("speak", 0)
	w.dogGreet = w.dog.AddMethod("greet", 0)

	w.cat = NewKlass("Cat", w.animal, w.loader).Implements(w.greeter)
	w.catSpeak = w.cat.AddMethod("speak", 0)
	w.catGreet = w.cat.AddMethod("greet", 0)

	w.caller = NewKlass("Caller", nil, w.loader)
	w.run = w.caller.AddMethod("run", FlagStatic)
	return w
}

func staticCall(k *Klass, name string) CallSiteInfo {
	return CallSiteInfo{Kind: CallStatic, Ref: MethodRef{Klass: k, Name: name}}
}

func virtualCall(k *Klass, name string) CallSiteInfo {
	return CallSiteInfo{Kind: CallVirtual, Ref: MethodRef{Klass: k, Name: name}}
}

func interfaceCall(k *Klass, name string) CallSiteInfo {
	return CallSiteInfo{Kind: CallInterface, Ref: MethodRef{Klass: k, Name: name}}
}

// callerWith compiles w.run with the given calls and returns its sites.
func (w *world) callerWith(t *testing.T, rt *Runtime, calls ...CallSiteInfo) []*CallSite {
	t.Helper()
	return install(t, rt, w.run, calls...).CallSites()
}

func counterValue(c prometheus.Counter) float64 {
	m := &dto.Metric{}
	if err := c.Write(m); err != nil {
		return 0
	}
	return m.Counter.GetValue()
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

type alwaysStale struct{}

func (alwaysStale) IsStale(*Method) bool { return true }
