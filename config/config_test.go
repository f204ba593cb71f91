package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/chazu/codecache/vm"
)

func writeConfig(t *testing.T, dir, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `
[code-cache]
size = "64MiB"
flushing = false
sweeper-threshold-percent = 2
sweep-interval = "250ms"

[adapters]
buffer-size = 32768

[inline-cache]
stub-pool-size = 8
max-redefinition-retries = 5

[pump]
safepoint-timeout = "3s"
abort-on-safepoint-timeout = false

[compiler]
enabled = true
invocation-threshold = 50

[log]
verbosity = 2

[diagnostics]
http-address = ":9090"
journal = "sweeps.db"
`)

	c, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if c.Path != filepath.Join(dir, FileName) {
		t.Errorf("Expected path %s, got %s", filepath.Join(dir, FileName), c.Path)
	}
	if !c.Compiler.Enabled {
		t.Error("Expected compiler enabled")
	}
	if c.Diagnostics.HTTPAddress != ":9090" || c.Diagnostics.Journal != "sweeps.db" {
		t.Errorf("Unexpected diagnostics: %+v", c.Diagnostics)
	}
	if got := c.LogVerbosity(0); got != 2 {
		t.Errorf("Expected verbosity 2, got %d", got)
	}

	opts, err := c.Options()
	if err != nil {
		t.Fatalf("Options failed: %v", err)
	}
	def := vm.DefaultOptions()
	tests := []struct {
		name      string
		got, want any
	}{
		{"code cache size", opts.CodeCacheSize, 64 << 20},
		{"flushing", opts.EnableCodeCacheFlushing, false},
		{"sweeper threshold", opts.SweeperThresholdPercent, 2.0},
		{"sweep interval", opts.SweepInterval, 250 * time.Millisecond},
		{"adapter buffer", opts.AdapterBufferSize, 32768},
		{"stub pool", opts.ICStubPoolSize, 8},
		{"redefinition retries", opts.MaxRedefinitionRetries, 5},
		{"safepoint timeout", opts.SafepointTimeout, 3 * time.Second},
		{"abort on timeout", opts.AbortOnSafepointTimeout, false},
		{"compile threshold", opts.CompileThreshold, uint64(50)},
		{"unset sensitivity", opts.SweepSensitivity, def.SweepSensitivity},
		{"unset safepoint interval", opts.GuaranteedSafepointInterval, def.GuaranteedSafepointInterval},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s: Expected %v, got %v", tt.name, tt.want, tt.got)
		}
	}
}

func TestLoadRejectsInvalidDocuments(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"unknown table", "[jit]\nenabled = true\n"},
		{"unknown key", "[code-cache]\nsize = 1024\ncolour = \"red\"\n"},
		{"percent out of range", "[code-cache]\nsweeper-threshold-percent = 150\n"},
		{"zero stub pool", "[inline-cache]\nstub-pool-size = 0\n"},
		{"bad duration", "[pump]\nsafepoint-timeout = \"soon\"\n"},
		{"bad size", "[code-cache]\nsize = \"lots\"\n"},
		{"wrong type", "[compiler]\nenabled = \"yes\"\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			writeConfig(t, dir, tt.content)
			_, err := Load(dir)
			if !errors.Is(err, ErrInvalid) {
				t.Errorf("Expected ErrInvalid, got %v", err)
			}
		})
	}
}

func TestLoadParseError(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "[code-cache\n")
	if _, err := Load(dir); err == nil || errors.Is(err, ErrInvalid) {
		t.Errorf("Expected a parse error, got %v", err)
	}
}

func TestFindAndLoad(t *testing.T) {
	root := t.TempDir()
	writeConfig(t, root, "[inline-cache]\nstub-pool-size = 4\n")
	nested := filepath.Join(root, "a", "b")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatal(err)
	}

	c, err := FindAndLoad(nested)
	if err != nil {
		t.Fatalf("FindAndLoad failed: %v", err)
	}
	if c == nil {
		t.Fatal("Expected config found in an ancestor directory")
	}
	if c.InlineCache.StubPoolSize == nil || *c.InlineCache.StubPoolSize != 4 {
		t.Errorf("Expected stub pool size 4, got %v", c.InlineCache.StubPoolSize)
	}
}

func TestNilConfigUsesDefaults(t *testing.T) {
	var c *Config
	opts, err := c.Options()
	if err != nil {
		t.Fatalf("Options failed: %v", err)
	}
	if opts != vm.DefaultOptions() {
		t.Error("Expected default options")
	}
	if got := c.LogVerbosity(1); got != 1 {
		t.Errorf("Expected fallback verbosity 1, got %d", got)
	}
}

func TestOptionsValidatesCombinedResult(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "[inline-cache]\nmax-patch-attempts = 2\n")
	c, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if _, err := c.Options(); err != nil {
		t.Errorf("Expected valid options, got %v", err)
	}

	one := 1
	c.InlineCache.MaxPatchAttempts = &one
	if _, err := c.Options(); !errors.Is(err, ErrInvalid) {
		t.Errorf("Expected ErrInvalid, got %v", err)
	}
}
