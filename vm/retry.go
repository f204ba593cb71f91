package vm

// Outcome is the result of one attempt at an inline cache transition.
type Outcome uint8

const (
	Success             Outcome = iota
	NeedsResourceRefill         // The transition stub pool was empty
	PermanentFailure            // The transition can never succeed; take the slow path
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case NeedsResourceRefill:
		return "needs refill"
	case PermanentFailure:
		return "permanent failure"
	default:
		return "unknown"
	}
}

// retryWithRefill runs attempt until it stops asking for resources,
// calling refill between attempts. Refill errors end the loop; so does
// running out of attempts, which reports ErrPatchRetriesExhausted.
func retryWithRefill(limit int, attempt func() Outcome, refill func() error) (Outcome, error) {
	for i := 0; i < limit; i++ {
		out := attempt()
		if out != NeedsResourceRefill {
			return out, nil
		}
		if i == limit-1 {
			break
		}
		if err := refill(); err != nil {
			return NeedsResourceRefill, err
		}
	}
	return NeedsResourceRefill, ErrPatchRetriesExhausted
}

// refillICStubs retires pending transition stubs at a safepoint.
func (rt *Runtime) refillICStubs(t *Thread) error {
	return rt.pump.Execute(t, &RefillICStubsOp{})
}
