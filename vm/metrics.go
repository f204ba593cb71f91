package vm

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "codecache"

type metrics struct {
	calls                 *prometheus.CounterVec
	icHits                prometheus.Counter
	icMisses              prometheus.Counter
	icTransitions         *prometheus.CounterVec
	patches               prometheus.Counter
	patchRetriesExhausted prometheus.Counter

	stateChanges *prometheus.CounterVec
	sweeps       prometheus.Counter
	sweepSeconds prometheus.Histogram
	flushedBytes prometheus.Counter

	operations        *prometheus.CounterVec
	safepointSeconds  prometheus.Histogram
	safepointTimeouts prometheus.Counter

	adaptersCreated prometheus.Counter
	compilations    *prometheus.CounterVec
}

func newMetrics(rt *Runtime, reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	m := &metrics{
		calls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "calls_total",
			Help:      "Calls dispatched through compiled call sites, by dispatch path.",
		}, []string{"path"}),
		icHits: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "inline_cache",
			Name:      "hits_total",
			Help:      "Monomorphic inline cache hits.",
		}),
		icMisses: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "inline_cache",
			Name:      "misses_total",
			Help:      "Inline cache receiver guard failures.",
		}),
		icTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "inline_cache",
			Name:      "transitions_total",
			Help:      "Inline cache transitions, by new state.",
		}, []string{"state"}),
		patches: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "inline_cache",
			Name:      "patches_total",
			Help:      "Call site destination rewrites.",
		}),
		patchRetriesExhausted: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "inline_cache",
			Name:      "patch_retries_exhausted_total",
			Help:      "Call site patches abandoned after refilling the stub pool did not help.",
		}),
		stateChanges: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "sweeper",
			Name:      "state_changes_total",
			Help:      "Compiled method lifecycle transitions, by new state.",
		}, []string{"state"}),
		sweeps: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "sweeper",
			Name:      "cycles_total",
			Help:      "Completed sweep cycles.",
		}),
		sweepSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "sweeper",
			Name:      "cycle_duration_seconds",
			Help:      "Duration of sweep cycles.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
		}),
		flushedBytes: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "sweeper",
			Name:      "flushed_bytes_total",
			Help:      "Code heap bytes reclaimed from flushed methods.",
		}),
		operations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "pump",
			Name:      "operations_total",
			Help:      "VM operations evaluated, by operation.",
		}, []string{"operation"}),
		safepointSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "pump",
			Name:      "safepoint_duration_seconds",
			Help:      "Time from safepoint request to release.",
			Buckets:   prometheus.ExponentialBuckets(0.00001, 4, 10),
		}),
		safepointTimeouts: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "pump",
			Name:      "safepoint_timeouts_total",
			Help:      "Safepoint operations that exceeded the watchdog timeout.",
		}),
		adaptersCreated: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "adapters",
			Name:      "created_total",
			Help:      "Adapter sets generated.",
		}),
		compilations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "compiler",
			Name:      "compilations_total",
			Help:      "Compilations, by result.",
		}, []string{"result"}),
	}

	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Subsystem: "heap",
		Name:      "used_bytes",
		Help:      "Allocated code heap bytes.",
	}, func() float64 { return float64(rt.heap.Used()) })
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Subsystem: "heap",
		Name:      "capacity_bytes",
		Help:      "Code heap capacity.",
	}, func() float64 { return float64(rt.heap.Capacity()) })
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Subsystem: "sweeper",
		Name:      "epoch",
		Help:      "Current sweep epoch.",
	}, func() float64 { return float64(rt.sweeper.Epoch()) })
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Subsystem: "inline_cache",
		Name:      "pending_stubs",
		Help:      "Transition stubs awaiting the next safepoint.",
	}, func() float64 { return float64(rt.icStubs.InUse()) })
	f.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "compiled_methods",
		Help:      "Compiled method records in the code cache.",
	}, func() float64 { return float64(rt.cache.Len()) })

	return m
}

func (m *metrics) observeSweep(s *SweepStats) {
	m.sweeps.Inc()
	m.sweepSeconds.Observe(s.SweepDuration.Seconds())
	m.flushedBytes.Add(float64(s.BytesFlushed))
}
