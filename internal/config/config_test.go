// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultValues(t *testing.T) {
	cfg := Default()
	if cfg.JIT.HotLoopThreshold <= 0 {
		t.Errorf("Default JIT.HotLoopThreshold must be positive, got %d", cfg.JIT.HotLoopThreshold)
	}
	if cfg.RateLimit.CacheSize <= 0 {
		t.Errorf("Default RateLimit.CacheSize must be positive, got %d", cfg.RateLimit.CacheSize)
	}
	if cfg.Debug.AttachPort <= 0 {
		t.Errorf("Default Debug.AttachPort must be positive, got %d", cfg.Debug.AttachPort)
	}
}

func TestLoadOverridesOnlyMentionedFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "edgevm.toml")
	toml := "[JIT]\nHotLoopThreshold = 10\n"
	if err := os.WriteFile(path, []byte(toml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.JIT.HotLoopThreshold != 10 {
		t.Errorf("HotLoopThreshold = %d, want 10", cfg.JIT.HotLoopThreshold)
	}
	if cfg.JIT.MaxTraceLength != Default().JIT.MaxTraceLength {
		t.Errorf("MaxTraceLength should keep its default when the file doesn't mention it, got %d", cfg.JIT.MaxTraceLength)
	}
	if cfg.RateLimit.CacheSize != Default().RateLimit.CacheSize {
		t.Errorf("RateLimit.CacheSize should keep its default, got %d", cfg.RateLimit.CacheSize)
	}
}

func TestLoadRejectsUnknownField(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "edgevm.toml")
	toml := "[JIT]\nNotARealField = 1\n"
	if err := os.WriteFile(path, []byte(toml), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(path); err == nil {
		t.Fatalf("Load should reject an unrecognized TOML field")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Fatalf("Load should fail for a missing file")
	}
}
