package vm

import (
	"errors"
	"fmt"
)

// FatalError is raised for broken runtime invariants. The default fatal
// handler panics with it; the pump re-raises it instead of turning it into
// an operation error.
type FatalError struct {
	Subsystem string
	Err       error
	Detail    string
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal error in %s: %v: %s", e.Subsystem, e.Err, e.Detail)
}

func (e *FatalError) Unwrap() error { return e.Err }

// FatalHandler is called with every fatal error. It normally does not
// return.
type FatalHandler func(*FatalError)

func panicOnFatal(err *FatalError) { panic(err) }

// fatalf logs at critical level and hands the error to the fatal handler.
// If the handler returns, the error is returned so the caller can unwind.
func (rt *Runtime) fatalf(subsystem string, err error, format string, args ...any) error {
	fe := &FatalError{
		Subsystem: subsystem,
		Err:       err,
		Detail:    fmt.Sprintf(format, args...),
	}
	rootLog.Criticalf("%s", fe)
	rt.fatals.Add(1)
	rt.onFatal(fe)
	return fe
}

// IsFatal reports whether err carries a *FatalError.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}
