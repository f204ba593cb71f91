// Package config handles codecache.toml runtime configuration.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/BurntSushi/toml"
	"github.com/dustin/go-humanize"

	"github.com/chazu/codecache/vm"
)

// FileName is the configuration file looked up by Load and FindAndLoad.
const FileName = "codecache.toml"

// ErrInvalid is wrapped by errors for documents that fail the schema.
var ErrInvalid = errors.New("invalid configuration")

//go:embed schema.cue
var schemaSource string

// Config represents a codecache.toml file. Unset keys keep the runtime
// defaults.
type Config struct {
	CodeCache   CodeCache   `toml:"code-cache"`
	Adapters    Adapters    `toml:"adapters"`
	InlineCache InlineCache `toml:"inline-cache"`
	Pump        Pump        `toml:"pump"`
	Compiler    Compiler    `toml:"compiler"`
	Log         Log         `toml:"log"`
	Diagnostics Diagnostics `toml:"diagnostics"`

	// Path is the file the configuration was read from (set at load time).
	Path string `toml:"-"`
}

// CodeCache configures the code heap and the sweeper.
type CodeCache struct {
	Size                           ByteSize `toml:"size"`
	Flushing                       *bool    `toml:"flushing"`
	SweeperThresholdPercent        *float64 `toml:"sweeper-threshold-percent"`
	AggressiveSweepFullnessPercent *float64 `toml:"aggressive-sweep-fullness-percent"`
	SweepInterval                  Duration `toml:"sweep-interval"`
	SweepSensitivity               *float64 `toml:"sweep-sensitivity"`
	MinPassesBeforeFlush           *int     `toml:"min-passes-before-flush"`
	CodeAgeLimit                   *int32   `toml:"code-age-limit"`
}

// Adapters configures the adapter library.
type Adapters struct {
	BufferSize ByteSize `toml:"buffer-size"`
}

// InlineCache configures call site patching.
type InlineCache struct {
	StubPoolSize           *int `toml:"stub-pool-size"`
	MaxRedefinitionRetries *int `toml:"max-redefinition-retries"`
	MaxPatchAttempts       *int `toml:"max-patch-attempts"`
}

// Pump configures the safepoint operation pump.
type Pump struct {
	GuaranteedSafepointInterval Duration `toml:"guaranteed-safepoint-interval"`
	SafepointTimeout            Duration `toml:"safepoint-timeout"`
	AbortOnSafepointTimeout     *bool    `toml:"abort-on-safepoint-timeout"`
}

// Compiler configures the compile broker.
type Compiler struct {
	Enabled             bool    `toml:"enabled"`
	InvocationThreshold *uint64 `toml:"invocation-threshold"`
}

// Log configures commonlog.
type Log struct {
	Verbosity *int   `toml:"verbosity"`
	Path      string `toml:"path"`
}

// Diagnostics configures the optional outer surfaces.
type Diagnostics struct {
	HTTPAddress string `toml:"http-address"`
	GRPCAddress string `toml:"grpc-address"`
	Journal     string `toml:"journal"`
}

// Duration is a time.Duration written as a Go duration string ("250ms").
// Zero leaves the default in place.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// ByteSize is a size written either as an integer or as a humanized string
// ("32MiB"). Zero leaves the default in place.
type ByteSize int64

func (b *ByteSize) UnmarshalTOML(v any) error {
	switch v := v.(type) {
	case int64:
		*b = ByteSize(v)
	case string:
		n, err := humanize.ParseBytes(v)
		if err != nil {
			return err
		}
		*b = ByteSize(n)
	default:
		return fmt.Errorf("invalid size %v", v)
	}
	return nil
}

// Load parses codecache.toml from the given directory.
func Load(dir string) (*Config, error) {
	return LoadFile(filepath.Join(dir, FileName))
}

// LoadFile parses and validates the configuration at path.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	var raw map[string]any
	if err := toml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}
	if err := validate(raw); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalid, path, err)
	}

	var c Config
	if err := toml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}
	c.Path, err = filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", path, err)
	}
	return &c, nil
}

// FindAndLoad walks up from startDir to find a codecache.toml file,
// then loads and returns it. Returns nil if no file is found.
func FindAndLoad(startDir string) (*Config, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return LoadFile(path)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return nil, nil
		}
		dir = parent
	}
}

// validate checks a decoded document against the embedded schema. Each call
// compiles the schema in a fresh context; cue values are not shared across
// goroutines.
func validate(raw map[string]any) error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("schema: %w", err)
	}
	def := schema.LookupPath(cue.ParsePath("#Config"))
	doc := ctx.Encode(raw)
	if err := doc.Err(); err != nil {
		return err
	}
	return def.Unify(doc).Validate(cue.Concrete(true))
}

// Options overlays the configuration on vm.DefaultOptions. A nil Config
// yields the defaults.
func (c *Config) Options() (vm.Options, error) {
	opts := vm.DefaultOptions()
	if c == nil {
		return opts, nil
	}

	cc := c.CodeCache
	if cc.Size > 0 {
		opts.CodeCacheSize = int(cc.Size)
	}
	setBool(&opts.EnableCodeCacheFlushing, cc.Flushing)
	setFloat(&opts.SweeperThresholdPercent, cc.SweeperThresholdPercent)
	setFloat(&opts.AggressiveSweepStartFullnessPercent, cc.AggressiveSweepFullnessPercent)
	setDuration(&opts.SweepInterval, cc.SweepInterval)
	setFloat(&opts.SweepSensitivity, cc.SweepSensitivity)
	if cc.MinPassesBeforeFlush != nil {
		opts.MinPassesBeforeFlush = *cc.MinPassesBeforeFlush
	}
	if cc.CodeAgeLimit != nil {
		opts.CodeAgeLimit = *cc.CodeAgeLimit
	}

	if c.Adapters.BufferSize > 0 {
		opts.AdapterBufferSize = int(c.Adapters.BufferSize)
	}

	ic := c.InlineCache
	setInt(&opts.ICStubPoolSize, ic.StubPoolSize)
	setInt(&opts.MaxRedefinitionRetries, ic.MaxRedefinitionRetries)
	setInt(&opts.MaxPatchAttempts, ic.MaxPatchAttempts)

	setDuration(&opts.GuaranteedSafepointInterval, c.Pump.GuaranteedSafepointInterval)
	setDuration(&opts.SafepointTimeout, c.Pump.SafepointTimeout)
	setBool(&opts.AbortOnSafepointTimeout, c.Pump.AbortOnSafepointTimeout)

	if c.Compiler.InvocationThreshold != nil {
		opts.CompileThreshold = *c.Compiler.InvocationThreshold
	}

	if err := opts.Validate(); err != nil {
		return opts, fmt.Errorf("%w: %s: %w", ErrInvalid, c.Path, err)
	}
	return opts, nil
}

// LogVerbosity returns the configured verbosity, or def when unset.
func (c *Config) LogVerbosity(def int) int {
	if c == nil || c.Log.Verbosity == nil {
		return def
	}
	return *c.Log.Verbosity
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

func setFloat(dst *float64, v *float64) {
	if v != nil {
		*dst = *v
	}
}

func setDuration(dst *time.Duration, d Duration) {
	if d.Duration > 0 {
		*dst = d.Duration
	}
}
