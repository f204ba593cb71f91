package vm

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func gatherValues(t *testing.T, g prometheus.Gatherer) map[string]float64 {
	t.Helper()
	families, err := g.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	out := make(map[string]float64)
	for _, f := range families {
		for _, m := range f.GetMetric() {
			switch {
			case m.GetCounter() != nil:
				out[f.GetName()] += m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				out[f.GetName()] += m.GetGauge().GetValue()
			case m.GetHistogram() != nil:
				out[f.GetName()] += float64(m.GetHistogram().GetSampleCount())
			}
		}
	}
	return out
}

func TestMetricsReflectRuntimeState(t *testing.T) {
	rt, _ := newTestRuntime(t, nil)
	w := newWorld()
	site := w.callerWith(t, rt, staticCall(w.util, "helper"))[0]
	th := rt.AttachThread("main")

	for i := 0; i < 3; i++ {
		if _, err := rt.Call(th, site, nil); err != nil {
			t.Fatalf("Call failed: %v", err)
		}
	}
	rt.Sweeper().SweepNow()

	values := gatherValues(t, rt.Gatherer())
	tests := []struct {
		name string
		want float64
	}{
		{"codecache_calls_total", 3},
		{"codecache_inline_cache_hits_total", 2},
		{"codecache_inline_cache_patches_total", 1},
		{"codecache_adapters_created_total", 5},
		{"codecache_sweeper_cycles_total", 1},
		{"codecache_sweeper_cycle_duration_seconds", 1},
		{"codecache_sweeper_epoch", 1},
		{"codecache_compiled_methods", 1},
		{"codecache_heap_capacity_bytes", float64(rt.Heap().Capacity())},
	}
	for _, tt := range tests {
		if got, ok := values[tt.name]; !ok || got != tt.want {
			t.Errorf("%s = %v (present %v), want %v", tt.name, got, ok, tt.want)
		}
	}
	if values["codecache_heap_used_bytes"] <= 0 {
		t.Error("Expected heap usage to be reported")
	}
}

func TestSharedRegisterer(t *testing.T) {
	reg := prometheus.NewRegistry()
	opts := DefaultOptions()
	opts.CodeCacheSize = 1 << 20
	rt, err := New(opts, WithRegisterer(reg))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer rt.Shutdown()

	if rt.Gatherer() != prometheus.Gatherer(reg) {
		t.Error("Expected the registry to double as the gatherer")
	}
	values := gatherValues(t, reg)
	if _, ok := values["codecache_heap_capacity_bytes"]; !ok {
		t.Error("Expected runtime metrics registered with the shared registry")
	}
}
