package vm

import "fmt"

// CleanupOp retires pending inline cache transition stubs. The pump runs it
// when idle.
type CleanupOp struct{}

func (*CleanupOp) Name() string              { return "Cleanup" }
func (*CleanupOp) EvaluateAtSafepoint() bool { return true }
func (*CleanupOp) AllowNested() bool         { return false }

func (*CleanupOp) Evaluate(rt *Runtime, t *Thread) error {
	if n := rt.icStubs.finalize(rt.patcher); n > 0 {
		pumpLog.Debugf("retired %d transition stubs", n)
	}
	return nil
}

// RefillICStubsOp is requested by a thread that found the transition stub
// pool empty.
type RefillICStubsOp struct{}

func (*RefillICStubsOp) Name() string              { return "ICBufferFull" }
func (*RefillICStubsOp) EvaluateAtSafepoint() bool { return true }
func (*RefillICStubsOp) AllowNested() bool         { return false }

func (*RefillICStubsOp) Evaluate(rt *Runtime, t *Thread) error {
	rt.icStubs.finalize(rt.patcher)
	return nil
}

// ForceSafepointOp does nothing at a safepoint.
type ForceSafepointOp struct{}

func (*ForceSafepointOp) Name() string                          { return "ForceSafepoint" }
func (*ForceSafepointOp) EvaluateAtSafepoint() bool             { return true }
func (*ForceSafepointOp) AllowNested() bool                     { return false }
func (*ForceSafepointOp) Evaluate(rt *Runtime, t *Thread) error { return nil }

// DeoptimizeOp makes the compiled code of the given methods not entrant.
type DeoptimizeOp struct {
	Methods []*Method

	Deoptimized int
}

func (*DeoptimizeOp) Name() string              { return "Deoptimize" }
func (*DeoptimizeOp) EvaluateAtSafepoint() bool { return true }
func (*DeoptimizeOp) AllowNested() bool         { return false }

func (op *DeoptimizeOp) Evaluate(rt *Runtime, t *Thread) error {
	for _, m := range op.Methods {
		if cm := m.Code(); cm != nil && rt.MakeNotEntrant(cm) {
			op.Deoptimized++
		}
	}
	return nil
}

// FuncOp runs an arbitrary function as a VM operation.
type FuncOp struct {
	OpName    string
	Safepoint bool
	Nested    bool
	Fn        func(rt *Runtime, t *Thread) error
}

func (op *FuncOp) Name() string {
	if op.OpName == "" {
		return "Func"
	}
	return op.OpName
}

func (op *FuncOp) EvaluateAtSafepoint() bool { return op.Safepoint }
func (op *FuncOp) AllowNested() bool         { return op.Nested }

func (op *FuncOp) Evaluate(rt *Runtime, t *Thread) error {
	if op.Fn == nil {
		return fmt.Errorf("%s: no function", op.Name())
	}
	return op.Fn(rt, t)
}

// Redefine replaces method name of k with a new version and deoptimizes
// the old version's compiled code. Call sites bound to the old version
// re-resolve on their next call.
func (rt *Runtime) Redefine(t *Thread, k *Klass, name string) (*Method, error) {
	old, replacement, err := k.Redefine(name)
	if err != nil {
		return nil, err
	}
	if err := rt.pump.Execute(t, &DeoptimizeOp{Methods: []*Method{old}}); err != nil {
		return replacement, fmt.Errorf("redefine %s: %w", old, err)
	}
	return replacement, nil
}
