// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

// Package config loads the process-wide runtime tunables (JIT threshold,
// trace cap, rate-limiter defaults, debug attach port, ...) from a TOML
// file, using the same format and reader (github.com/naoina/toml) as this
// codebase's node configuration loaders.
package config

import (
	"fmt"
	"os"
	"reflect"

	"github.com/naoina/toml"
)

// tomlSettings mirrors cmd/gprobe/config.go's tomlSettings: TOML keys use
// the same names as the Go struct fields, and an unrecognized field is a
// hard error rather than being silently ignored.
var tomlSettings = toml.Config{
	NormFieldName: func(rt reflect.Type, key string) string { return key },
	FieldToKey:    func(rt reflect.Type, field string) string { return field },
	MissingField: func(rt reflect.Type, field string) error {
		return fmt.Errorf("field '%s' is not defined in %s", field, rt.String())
	},
}

// JIT holds the tracing JIT's tunables (spec.md §4.F/§4.G).
type JIT struct {
	// HotLoopThreshold is the back-edge hit count that promotes a trace
	// head into recording mode.
	HotLoopThreshold int
	// MaxTraceLength caps the number of steps a single trace may record
	// before recording aborts.
	MaxTraceLength int
	// BackoffAfterAbort is how many additional hits an aborted trace head
	// must accumulate before recording is retried.
	BackoffAfterAbort int
	// TraceCacheSize bounds the number of compiled traces kept per Vm.
	TraceCacheSize int
	// DisableNative forces the interpreter-only fallback even when native
	// emission would otherwise succeed; used by tests that want
	// JIT-equivalence checks without depending on host CPU architecture.
	DisableNative bool
}

// RateLimit holds the host ABI rate limiter's defaults (spec.md §4.E).
type RateLimit struct {
	// CacheSize is the configured number of distinct rate-limit keys to
	// track at once. hostabi.NewRateLimiter does not read it; its key
	// cache is always bounded at its own fixed size of 4096.
	CacheSize int
}

// Debug holds the debug stepper / remote-attach defaults (spec.md §4.H).
type Debug struct {
	// AttachPort is the TCP port the (out-of-scope) remote-debug wire
	// protocol would listen on; carried here only as a configured value,
	// since the wire protocol itself is an external collaborator.
	AttachPort int
}

// Config is the top-level TOML document, loaded once at process start and
// passed down to the components that need it.
type Config struct {
	JIT       JIT
	RateLimit RateLimit
	Debug     Debug
}

// Default returns the tunables the runtime uses when no config file is
// supplied. Its hot-loop threshold of 50 is a more conservative
// production value than the threshold of 10 that the loop-trace tests
// set explicitly.
func Default() Config {
	return Config{
		JIT: JIT{
			HotLoopThreshold:  50,
			MaxTraceLength:    4096,
			BackoffAfterAbort: 200,
			TraceCacheSize:    256,
		},
		RateLimit: RateLimit{
			CacheSize: 4096,
		},
		Debug: Debug{
			AttachPort: 9229,
		},
	}
}

// Load reads and decodes a TOML config file at path, starting from
// Default() so a partial file only overrides the fields it mentions.
func Load(path string) (Config, error) {
	cfg := Default()
	f, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()
	if err := tomlSettings.NewDecoder(f).Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("config: decode %s: %w", path, err)
	}
	return cfg, nil
}
