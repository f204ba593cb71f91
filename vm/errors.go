package vm

import (
	"errors"
	"fmt"
)

// Linkage errors. They reach the caller wrapped in a *ResolutionError.
var (
	ErrNoSuchMethod            = errors.New("no such method")
	ErrAbstractMethod          = errors.New("abstract method")
	ErrNullReceiver            = errors.New("null receiver")
	ErrIncompatibleClassChange = errors.New("incompatible class change")
)

// Runtime errors.
var (
	ErrPumpNotRunning        = errors.New("operation pump not running")
	ErrPumpTerminated        = errors.New("operation pump terminated")
	ErrNestedOperation       = errors.New("nested operation not allowed")
	ErrPatchRetriesExhausted = errors.New("call site patch retries exhausted")
	ErrRedefinitionRetries   = errors.New("could not resolve to latest version of redefined method")
	ErrCompilationDisabled   = errors.New("compilation disabled")
	ErrInvalidCallSite       = errors.New("invalid call site")
	ErrRuntimeClosed         = errors.New("runtime closed")
	ErrDispatchIntoFlushed   = errors.New("dispatch into flushed method")
	ErrPatchFlushedOwner     = errors.New("patching call site of flushed method")
	ErrThreadNotAttached     = errors.New("thread not attached")
	ErrSafepointTimeout      = errors.New("safepoint operation timed out")
	ErrAlreadyStarted        = errors.New("runtime already started")
)

// ResolutionError reports a call that could not be linked. It is not
// retried.
type ResolutionError struct {
	Kind CallKind
	Ref  MethodRef
	Err  error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolve %s call to %s: %v", e.Kind, e.Ref, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }
