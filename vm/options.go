package vm

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Options holds the runtime's tunables. The zero value is not usable; start
// from DefaultOptions.
type Options struct {
	// Code heap
	CodeCacheSize int

	// Sweeper
	EnableCodeCacheFlushing             bool
	SweepSensitivity                    float64 // Scales the hotness threshold with code cache pressure
	MinPassesBeforeFlush                int     // Sweeps a method survives before the hotness policy may retire it
	AggressiveSweepStartFullnessPercent float64 // Fullness at which every allocation wakes the sweeper
	SweeperThresholdPercent             float64 // Bytes changed (as % of capacity) that wake the sweeper
	SweepInterval                       time.Duration
	CodeAgeLimit                        int32 // Compiled invocations counted before a method counts as idle

	// Adapters
	AdapterBufferSize int

	// Inline caches
	ICStubPoolSize         int
	MaxRedefinitionRetries int
	MaxPatchAttempts       int

	// Pump
	GuaranteedSafepointInterval time.Duration
	SafepointTimeout            time.Duration
	AbortOnSafepointTimeout     bool

	// Compiler
	CompileThreshold uint64
}

// DefaultOptions returns the stock tunables.
func DefaultOptions() Options {
	return Options{
		CodeCacheSize:                       32 << 20,
		EnableCodeCacheFlushing:             true,
		SweepSensitivity:                    10,
		MinPassesBeforeFlush:                10,
		AggressiveSweepStartFullnessPercent: 90,
		SweeperThresholdPercent:             0.5,
		SweepInterval:                       5 * time.Second,
		CodeAgeLimit:                        10,
		AdapterBufferSize:                   16 * 1024,
		ICStubPoolSize:                      32,
		MaxRedefinitionRetries:              100,
		MaxPatchAttempts:                    4,
		GuaranteedSafepointInterval:         time.Second,
		SafepointTimeout:                    10 * time.Second,
		AbortOnSafepointTimeout:             true,
		CompileThreshold:                    100,
	}
}

// Validate reports the first out-of-range option.
func (o Options) Validate() error {
	switch {
	case o.CodeCacheSize <= 0:
		return fmt.Errorf("code cache size must be positive, got %d", o.CodeCacheSize)
	case o.SweepSensitivity < 0:
		return fmt.Errorf("sweep sensitivity must not be negative, got %v", o.SweepSensitivity)
	case o.MinPassesBeforeFlush < 0:
		return fmt.Errorf("min passes before flush must not be negative, got %d", o.MinPassesBeforeFlush)
	case o.AggressiveSweepStartFullnessPercent <= 0 || o.AggressiveSweepStartFullnessPercent > 100:
		return fmt.Errorf("aggressive sweep fullness must be in (0, 100], got %v", o.AggressiveSweepStartFullnessPercent)
	case o.SweeperThresholdPercent <= 0 || o.SweeperThresholdPercent > 100:
		return fmt.Errorf("sweeper threshold must be in (0, 100], got %v", o.SweeperThresholdPercent)
	case o.SweepInterval <= 0:
		return fmt.Errorf("sweep interval must be positive, got %s", o.SweepInterval)
	case o.CodeAgeLimit <= 0:
		return fmt.Errorf("code age limit must be positive, got %d", o.CodeAgeLimit)
	case o.AdapterBufferSize <= 0:
		return fmt.Errorf("adapter buffer size must be positive, got %d", o.AdapterBufferSize)
	case o.ICStubPoolSize <= 0:
		return fmt.Errorf("IC stub pool size must be positive, got %d", o.ICStubPoolSize)
	case o.MaxRedefinitionRetries <= 0:
		return fmt.Errorf("max redefinition retries must be positive, got %d", o.MaxRedefinitionRetries)
	case o.MaxPatchAttempts <= 1:
		return fmt.Errorf("max patch attempts must allow at least one retry, got %d", o.MaxPatchAttempts)
	case o.GuaranteedSafepointInterval <= 0:
		return fmt.Errorf("guaranteed safepoint interval must be positive, got %s", o.GuaranteedSafepointInterval)
	case o.SafepointTimeout <= 0:
		return fmt.Errorf("safepoint timeout must be positive, got %s", o.SafepointTimeout)
	case o.CompileThreshold == 0:
		return fmt.Errorf("compile threshold must be positive")
	}
	return nil
}

// Hooks receive observability events. They run outside runtime locks.
type Hooks struct {
	OnAdapterCreated     func(AdapterCreated)
	OnSweepCycleComplete func(*SweepStats)
	OnStateChange        func(StateChange)
}

// Option customizes a Runtime beyond its tunables.
type Option func(*Runtime)

// WithHooks installs observability callbacks.
func WithHooks(h Hooks) Option {
	return func(rt *Runtime) { rt.hooks = h }
}

// WithLinker replaces the default class-hierarchy linker.
func WithLinker(l Linker) Option {
	return func(rt *Runtime) { rt.linker = l }
}

// WithStackWalker replaces the default frame walker.
func WithStackWalker(w StackWalker) Option {
	return func(rt *Runtime) { rt.walker = w }
}

// WithStaleChecker replaces the default redefinition check.
func WithStaleChecker(c StaleChecker) Option {
	return func(rt *Runtime) { rt.stale = c }
}

// WithCompiler installs the compiler used by the compile broker.
func WithCompiler(c Compiler) Option {
	return func(rt *Runtime) { rt.compiler = c }
}

// WithFatalHandler replaces the default panicking fatal handler.
func WithFatalHandler(h FatalHandler) Option {
	return func(rt *Runtime) { rt.onFatal = h }
}

// WithRegisterer registers runtime metrics with reg instead of a private
// registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(rt *Runtime) { rt.registerer = reg }
}
