package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/BurntSushi/toml"
)

// minimalValidTOML is a complete prodigy.toml fixture that passes Validate
// with no errors.
const minimalValidTOML = `
[execution]
default_concurrency = 8
max_attempts = 3
max_consecutive_failures = 5

[worktree]
base_dir = ".prodigy/worktrees"

[dlq]
retention_days = 14
max_items = 500

[agents.claude]
command = "claude"
model = "claude-opus-4-6"
effort = "high"
`

// writeBenchConfig writes minimalValidTOML to a temp file and returns the path.
// The file is created once per benchmark; b.TempDir() cleans up automatically.
func writeBenchConfig(b *testing.B) string {
	b.Helper()
	dir := b.TempDir()
	path := filepath.Join(dir, ConfigFileName)
	if err := os.WriteFile(path, []byte(minimalValidTOML), 0o644); err != nil {
		b.Fatalf("writing bench config: %v", err)
	}
	return path
}

// BenchmarkLoadFromFile measures the cost of parsing a TOML config file from
// disk, including file I/O and TOML decoding.
func BenchmarkLoadFromFile(b *testing.B) {
	path := writeBenchConfig(b)
	b.ReportAllocs()
	b.ResetTimer()

	for b.Loop() {
		cfg, _, err := LoadFromFile(path)
		if err != nil {
			b.Fatalf("LoadFromFile: %v", err)
		}
		_ = cfg
	}
}

// BenchmarkValidate measures the cost of validating a fully-populated Config
// against TOML metadata. Setup is excluded from the measured region.
func BenchmarkValidate(b *testing.B) {
	path := writeBenchConfig(b)
	cfg, md, err := LoadFromFile(path)
	if err != nil {
		b.Fatalf("LoadFromFile: %v", err)
	}
	b.ReportAllocs()
	b.ResetTimer()

	for b.Loop() {
		result := Validate(cfg, &md)
		_ = result
	}
}

// BenchmarkValidate_NilMeta measures Validate when no TOML metadata is
// available (the unknown-key detection path is skipped).
func BenchmarkValidate_NilMeta(b *testing.B) {
	cfg := &Config{
		Execution: ExecutionConfig{DefaultConcurrency: 5, MaxAttempts: 2},
		Worktree:  WorktreeConfig{BaseDir: ".prodigy/worktrees"},
		DLQ:       DLQConfig{RetentionDays: 7, MaxItems: 1000},
		Agents: map[string]AgentConfig{
			"claude": {Command: "claude", Model: "claude-opus-4-6", Effort: "high"},
		},
	}
	b.ReportAllocs()
	b.ResetTimer()

	for b.Loop() {
		result := Validate(cfg, nil)
		_ = result
	}
}

// BenchmarkNewDefaults measures the cost of constructing a default Config.
func BenchmarkNewDefaults(b *testing.B) {
	b.ReportAllocs()
	b.ResetTimer()

	for b.Loop() {
		cfg := NewDefaults()
		_ = cfg
	}
}

// BenchmarkLoadAndValidate measures the end-to-end hot path: loading a config
// file from disk and immediately validating it.
func BenchmarkLoadAndValidate(b *testing.B) {
	path := writeBenchConfig(b)
	b.ReportAllocs()
	b.ResetTimer()

	for b.Loop() {
		cfg, md, err := LoadFromFile(path)
		if err != nil {
			b.Fatalf("LoadFromFile: %v", err)
		}
		result := Validate(cfg, &md)
		_ = result
	}
}

// BenchmarkValidate_ManyAgents measures Validate when the config contains a
// large number of agent entries, stressing the per-agent validation loop.
func BenchmarkValidate_ManyAgents(b *testing.B) {
	cfg := &Config{
		Execution: ExecutionConfig{DefaultConcurrency: 5},
		Agents:    make(map[string]AgentConfig, 20),
	}
	for i := 0; i < 20; i++ {
		name := string(rune('a'+i)) + "-agent"
		cfg.Agents[name] = AgentConfig{
			Command: "claude",
			Model:   "claude-opus-4-6",
			Effort:  "high",
		}
	}
	b.ReportAllocs()
	b.ResetTimer()

	for b.Loop() {
		result := Validate(cfg, nil)
		_ = result
	}
}

// BenchmarkResolve measures the cost of the four-layer config resolution.
func BenchmarkResolve(b *testing.B) {
	defaults := NewDefaults()
	fileConfig := &Config{
		Execution: ExecutionConfig{DefaultConcurrency: 8},
		Agents: map[string]AgentConfig{
			"claude": {Command: "claude", Model: "claude-opus-4-6", Effort: "high"},
		},
	}
	envFn := func(key string) (string, bool) {
		if key == "PRODIGY_CONCURRENCY" {
			return "10", true
		}
		return "", false
	}
	model := "claude-sonnet-4-6"
	overrides := &CLIOverrides{AgentModel: &model}

	b.ReportAllocs()
	b.ResetTimer()

	for b.Loop() {
		rc := Resolve(defaults, fileConfig, envFn, overrides)
		_ = rc
	}
}

// BenchmarkDecodeAndValidate measures the cost of decoding raw TOML bytes in
// memory and validating the result, isolating the TOML parse and validation
// costs from disk I/O.
func BenchmarkDecodeAndValidate(b *testing.B) {
	raw := []byte(minimalValidTOML)
	b.ReportAllocs()
	b.ResetTimer()

	for b.Loop() {
		var cfg Config
		md, err := toml.Decode(string(raw), &cfg)
		if err != nil {
			b.Fatalf("toml.Decode: %v", err)
		}
		result := Validate(&cfg, &md)
		_ = result
	}
}
