package heapstate

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/chazu/codecache/vm"
)

func newRuntime(t *testing.T) *vm.Runtime {
	t.Helper()
	opts := vm.DefaultOptions()
	opts.CodeCacheSize = 2 << 20
	opts.SweepInterval = time.Hour
	opts.GuaranteedSafepointInterval = time.Hour
	rt, err := vm.New(opts)
	if err != nil {
		t.Fatalf("vm.New: %v", err)
	}
	t.Cleanup(func() { rt.Shutdown() })
	return rt
}

// populate installs a caller with one static call site, calls it once and
// retires an unrelated method.
func populate(t *testing.T, rt *vm.Runtime) (*vm.CompiledMethod, *vm.CompiledMethod) {
	t.Helper()
	loader := vm.NewClassLoader("app")
	util := vm.NewKlass("Util", nil, loader)
	util.AddMethod("helper", vm.FlagStatic)
	old := util.AddMethod("old", vm.FlagStatic)
	run := util.AddMethod("run", vm.FlagStatic)

	compile := func(m *vm.Method, calls ...vm.CallSiteInfo) *vm.CompiledMethod {
		cc, err := vm.SyntheticCompiler{Calls: func(*vm.Method) []vm.CallSiteInfo { return calls }}.Compile(m)
		if err != nil {
			t.Fatalf("Compile: %v", err)
		}
		cm, err := rt.OnCompilationFinished(m, cc)
		if err != nil {
			t.Fatalf("OnCompilationFinished: %v", err)
		}
		return cm
	}

	caller := compile(run, vm.CallSiteInfo{Kind: vm.CallStatic, Ref: vm.MethodRef{Klass: util, Name: "helper"}})
	retired := compile(old)
	rt.MakeNotEntrant(retired)

	th := rt.AttachThread("main")
	if _, err := rt.Call(th, caller.CallSites()[0], nil); err != nil {
		t.Fatalf("Call: %v", err)
	}
	return caller, retired
}

func TestCapture(t *testing.T) {
	rt := newRuntime(t)
	caller, retired := populate(t, rt)

	s := Capture(rt)
	if s.Heap.Capacity != rt.Heap().Capacity() {
		t.Errorf("Expected capacity %d, got %d", rt.Heap().Capacity(), s.Heap.Capacity)
	}
	if s.Heap.Used != rt.Heap().Used() {
		t.Errorf("Expected used %d, got %d", rt.Heap().Used(), s.Heap.Used)
	}
	if len(s.Methods) != 2 {
		t.Fatalf("Expected 2 methods, got %d", len(s.Methods))
	}

	counts := s.CountByState()
	if counts[vm.InUse.String()] != 1 || counts[vm.NotEntrant.String()] != 1 {
		t.Errorf("Expected one in use and one not entrant, got %v", counts)
	}

	var callerInfo *MethodInfo
	for i := range s.Methods {
		if s.Methods[i].ID == caller.ID() {
			callerInfo = &s.Methods[i]
		}
		if s.Methods[i].ID == retired.ID() && s.Methods[i].State != vm.NotEntrant.String() {
			t.Errorf("Expected retired method not entrant, got %s", s.Methods[i].State)
		}
	}
	if callerInfo == nil {
		t.Fatal("Expected caller in the snapshot")
	}
	if len(callerInfo.Sites) != 1 {
		t.Fatalf("Expected 1 call site, got %d", len(callerInfo.Sites))
	}
	site := callerInfo.Sites[0]
	if site.State != vm.ICMonomorphic.String() || site.Callee != "Util.helper" {
		t.Errorf("Expected monomorphic site calling Util.helper, got %+v", site)
	}

	if len(s.Adapters) == 0 {
		t.Error("Expected pre-generated adapters")
	}
	if len(s.Stubs) == 0 {
		t.Error("Expected runtime stubs")
	}
	if len(s.FreeBlocks) == 0 || s.LargestFreeBlock() <= 0 {
		t.Error("Expected free space")
	}
	if s.ICs.Sites != 1 || s.ICs.Monomorphic != 1 || s.ICs.Patches != 1 {
		t.Errorf("Expected one patched monomorphic site, got %+v", s.ICs)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	rt := newRuntime(t)
	populate(t, rt)
	s := Capture(rt)

	data, err := Marshal(s)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	got, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	if got.Epoch != s.Epoch || got.Heap != s.Heap || got.ICs != s.ICs {
		t.Error("Header mismatch after round trip")
	}
	if len(got.Methods) != len(s.Methods) || len(got.Methods[0].Sites) != len(s.Methods[0].Sites) {
		t.Fatal("Methods mismatch after round trip")
	}
	if got.Methods[0].Code != s.Methods[0].Code {
		t.Errorf("Code extent: got %+v, want %+v", got.Methods[0].Code, s.Methods[0].Code)
	}

	again, err := Marshal(got)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if !bytes.Equal(data, again) {
		t.Error("Expected canonical encoding to be stable")
	}
}

func TestUnmarshalRejectsGarbage(t *testing.T) {
	if _, err := Unmarshal([]byte{0xff, 0x00}); err == nil {
		t.Error("Expected an error for invalid CBOR")
	}
}

func TestDigest(t *testing.T) {
	rt := newRuntime(t)
	populate(t, rt)

	a, err := Digest(Capture(rt))
	if err != nil {
		t.Fatalf("Digest: %v", err)
	}
	b, err := Digest(Capture(rt))
	if err != nil {
		t.Fatalf("Digest: %v", err)
	}
	if a != b {
		t.Error("Expected equal digests for an unchanged heap")
	}

	rt.Sweeper().SweepNow()
	c, _ := Digest(Capture(rt))
	if c == a {
		t.Error("Expected digest to change after a sweep")
	}
}

func TestPrint(t *testing.T) {
	rt := newRuntime(t)
	populate(t, rt)

	var buf bytes.Buffer
	Capture(rt).Print(&buf)
	out := buf.String()
	for _, want := range []string{"Code heap at epoch 0", "compiled methods: 2", "not entrant", "call sites: 1"} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected report to contain %q, got:\n%s", want, out)
		}
	}
}
