package vm

// Hotness policy
//
// Every compiled method carries a hotness counter. It is reset whenever the
// method is seen on a stack and decremented once per sweep otherwise. A
// method whose counter falls below a threshold that rises with code heap
// pressure becomes a candidate for being made not entrant. The method's
// invocation age then decides whether the candidate is really idle.

// hotnessResetValue is what a method's hotness is set to when it is seen.
// Larger code heaps give methods more sweeps before they can go cold.
func (rt *Runtime) hotnessResetValue() int32 {
	const mb = 1 << 20
	capacity := rt.heap.Capacity()
	if capacity < mb {
		return 1
	}
	return int32(capacity/mb) * 2
}

// hotnessThreshold is the counter value below which a method counts as
// cold. It is negative in an empty heap and rises as the heap fills.
func (rt *Runtime) hotnessThreshold() float64 {
	return float64(-rt.hotnessResetValue()) + rt.heap.ReverseFreeRatio()*rt.opts.SweepSensitivity
}

// possiblyFlush ages an in-use method by one sweep and reports whether it
// should be made not entrant.
func (rt *Runtime) possiblyFlush(cm *CompiledMethod) bool {
	if !rt.opts.EnableCodeCacheFlushing {
		return false
	}
	reset := rt.hotnessResetValue()
	h := cm.hotness.Add(-1)
	timeSinceReset := reset - h

	if rt.opts.SweepSensitivity <= 0 ||
		float64(h) >= rt.hotnessThreshold() ||
		timeSinceReset <= int32(rt.opts.MinPassesBeforeFlush) {
		return false
	}
	return rt.checkAge(cm, reset, timeSinceReset)
}

// checkAge confirms a cold candidate against its method's invocation age.
func (rt *Runtime) checkAge(cm *CompiledMethod, reset, timeSinceReset int32) bool {
	m := cm.method
	limit := rt.opts.CodeAgeLimit
	age := m.age.Load()

	switch {
	case age == ageUnset:
		// Start counting invocations; the next compilation of this method
		// will be judged by them.
		m.resetAge(limit)
		return true
	case age <= 0:
		// Hot enough to have run down its age. Give it time proportional
		// to how often it has been deoptimized.
		if timeSinceReset > int32(rt.opts.MinPassesBeforeFlush)*(m.deopts.Load()+1) {
			m.resetAge(limit)
			return true
		}
		return false
	case age < limit:
		// Used since the last check.
		m.resetAge(limit)
		cm.hotness.Store(reset)
		return false
	default:
		// Idle since the age was reset.
		return true
	}
}
