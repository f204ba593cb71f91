package main

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/chazu/codecache/vm"
	"github.com/chazu/codecache/vm/adapters"
)

// workload is a small shape hierarchy called from one compiled driver:
//
//	Util            static helper(), static scale(int)
//	Shape           area(), final id()
//	  Circle, Square, Triangle  area(), name()
//	Named (iface)   name()
//	Driver          static run() calling all of the above
type workload struct {
	rt     *vm.Runtime
	square *vm.Klass

	receivers []*vm.Object
	calls     []call
	total     atomic.Int64
}

type call struct {
	site     *vm.CallSite
	receiver bool
}

func newWorkload(rt *vm.Runtime) (*workload, error) {
	loader := vm.NewClassLoader("workload")

	util := vm.NewKlass("Util", nil, loader)
	util.AddMethod("helper", vm.FlagStatic)
	util.AddMethod("scale", vm.FlagStatic, adapters.Int)

	named := vm.NewInterface("Named", loader)
	named.AddMethod("name", vm.FlagAbstract)

	shape := vm.NewKlass("Shape", nil, loader)
	shape.AddMethod("area", 0)
	shape.AddMethod("id", vm.FlagFinal)

	w := &workload{rt: rt}
	for _, name := range []string{"Circle", "Square", "Triangle"} {
		k := vm.NewKlass(name, shape, loader).Implements(named)
		k.AddMethod("area", 0)
		k.AddMethod("name", 0)
		if name == "Square" {
			w.square = k
		}
		w.receivers = append(w.receivers, vm.NewObject(k))
	}

	driver := vm.NewKlass("Driver", nil, loader)
	run := driver.AddMethod("run", vm.FlagStatic)
	infos := []vm.CallSiteInfo{
		{Kind: vm.CallStatic, Ref: vm.MethodRef{Klass: util, Name: "helper"}},
		{Kind: vm.CallStatic, Ref: vm.MethodRef{Klass: util, Name: "scale"}},
		{Kind: vm.CallVirtual, Ref: vm.MethodRef{Klass: shape, Name: "area"}},
		{Kind: vm.CallOptimizedVirtual, Ref: vm.MethodRef{Klass: shape, Name: "id"}},
		{Kind: vm.CallInterface, Ref: vm.MethodRef{Klass: named, Name: "name"}},
	}
	cc, err := vm.SyntheticCompiler{Calls: func(*vm.Method) []vm.CallSiteInfo { return infos }}.Compile(run)
	if err != nil {
		return nil, err
	}
	cm, err := rt.OnCompilationFinished(run, cc)
	if err != nil {
		return nil, err
	}
	for i, site := range cm.CallSites() {
		w.calls = append(w.calls, call{site: site, receiver: infos[i].Kind != vm.CallStatic})
	}
	return w, nil
}

// mutate runs n calls on its own thread. Each thread starts at a different
// receiver so call sites see several classes. With redefineEvery > 0 the
// thread periodically redefines Square.area.
func (w *workload) mutate(ctx context.Context, id, n, redefineEvery int) error {
	th := w.rt.AttachThread(fmt.Sprintf("mutator-%d", id))
	defer w.rt.DetachThread(th)

	for i := 0; i < n; i++ {
		if i%256 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		if redefineEvery > 0 && i > 0 && i%redefineEvery == 0 {
			if _, err := w.rt.Redefine(th, w.square, "area"); err != nil {
				return err
			}
		}

		c := w.calls[i%len(w.calls)]
		var recv *vm.Object
		if c.receiver {
			recv = w.receivers[(id+i/len(w.calls))%len(w.receivers)]
		}
		if _, err := w.rt.Call(th, c.site, recv); err != nil {
			return fmt.Errorf("%s: %w", th, err)
		}
		w.total.Add(1)
	}
	return nil
}
