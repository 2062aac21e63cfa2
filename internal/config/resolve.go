package config

import "fmt"

// ConfigSource identifies where a configuration value came from.
type ConfigSource string

const (
	// SourceDefault indicates the value came from built-in defaults.
	SourceDefault ConfigSource = "default"
	// SourceFile indicates the value came from the prodigy.toml config file.
	SourceFile ConfigSource = "file"
	// SourceEnv indicates the value came from an environment variable.
	SourceEnv ConfigSource = "env"
	// SourceCLI indicates the value came from a CLI flag.
	SourceCLI ConfigSource = "cli"
)

// ResolvedConfig holds the fully-resolved configuration with source tracking.
// The Config field contains the merged values; Sources tracks where each came from.
type ResolvedConfig struct {
	Config  *Config
	Sources map[string]ConfigSource // key is dotted path, e.g., "execution.default_concurrency"
	Path    string                  // path to the config file used (empty if none)
}

// CLIOverrides captures flag values that can override configuration.
// Nil/zero values mean "not set" (do not override). A *string that is nil
// means "not overridden"; a *string pointing to "" means "override to empty string."
type CLIOverrides struct {
	WorktreeBaseDir    *string
	DefaultConcurrency *int
	AgentModel         *string
	AgentEffort        *string
}

// EnvFunc is a function that looks up environment variables.
// Default implementation is os.LookupEnv. Injected for testability.
type EnvFunc func(key string) (string, bool)

// Resolve merges configuration from all sources in priority order:
// CLI flags > environment variables > config file > defaults.
//
// Parameters:
//   - defaults: built-in default config (from NewDefaults())
//   - fileConfig: parsed config from prodigy.toml (nil if no file found)
//   - envFn: function to look up environment variables
//   - overrides: CLI flag values (nil fields mean "not set")
//
// Returns the fully-resolved config with source annotations.
func Resolve(defaults *Config, fileConfig *Config, envFn EnvFunc, overrides *CLIOverrides) *ResolvedConfig {
	rc := &ResolvedConfig{
		Config:  &Config{},
		Sources: make(map[string]ConfigSource),
	}

	if defaults == nil {
		defaults = &Config{}
	}
	if envFn == nil {
		envFn = func(string) (string, bool) { return "", false }
	}
	if overrides == nil {
		overrides = &CLIOverrides{}
	}

	// Layer 1: Start with defaults as the base.
	resolveExecutionFromDefaults(rc, defaults)
	resolveWorktreeFromDefaults(rc, defaults)
	resolveDLQFromDefaults(rc, defaults)
	resolveAgentsFromDefaults(rc, defaults)

	// Layer 2: Merge file config on top (non-zero values override; maps merge keys).
	if fileConfig != nil {
		resolveExecutionFromFile(rc, fileConfig)
		resolveWorktreeFromFile(rc, fileConfig)
		resolveDLQFromFile(rc, fileConfig)
		resolveAgentsFromFile(rc, fileConfig)
	}

	// Layer 3: Merge environment variables on top.
	resolveFromEnv(rc, envFn)

	// Layer 4: Merge CLI overrides on top.
	resolveFromCLI(rc, overrides)

	return rc
}

// --- Layer 1: Defaults ---

func resolveExecutionFromDefaults(rc *ResolvedConfig, defaults *Config) {
	e := &rc.Config.Execution
	d := &defaults.Execution

	setInt(&e.DefaultConcurrency, d.DefaultConcurrency, "execution.default_concurrency", SourceDefault, rc.Sources)
	setInt(&e.MaxAttempts, d.MaxAttempts, "execution.max_attempts", SourceDefault, rc.Sources)
	setInt(&e.MaxConsecutiveFailures, d.MaxConsecutiveFailures, "execution.max_consecutive_failures", SourceDefault, rc.Sources)
	setInt(&e.CheckpointIntervalSecs, d.CheckpointIntervalSecs, "execution.checkpoint_interval_secs", SourceDefault, rc.Sources)
}

func resolveWorktreeFromDefaults(rc *ResolvedConfig, defaults *Config) {
	setString(&rc.Config.Worktree.BaseDir, defaults.Worktree.BaseDir, "worktree.base_dir", SourceDefault, rc.Sources)
}

func resolveDLQFromDefaults(rc *ResolvedConfig, defaults *Config) {
	d := &rc.Config.DLQ
	src := &defaults.DLQ
	setInt(&d.RetentionDays, src.RetentionDays, "dlq.retention_days", SourceDefault, rc.Sources)
	setInt(&d.MaxItems, src.MaxItems, "dlq.max_items", SourceDefault, rc.Sources)
}

func resolveAgentsFromDefaults(rc *ResolvedConfig, defaults *Config) {
	rc.Config.Agents = make(map[string]AgentConfig)
	for name, agent := range defaults.Agents {
		rc.Config.Agents[name] = agent
		setAgentSources(rc.Sources, name, SourceDefault)
	}
}

// --- Layer 2: File ---

func resolveExecutionFromFile(rc *ResolvedConfig, file *Config) {
	e := &rc.Config.Execution
	f := &file.Execution

	mergeInt(&e.DefaultConcurrency, f.DefaultConcurrency, "execution.default_concurrency", SourceFile, rc.Sources)
	mergeInt(&e.MaxAttempts, f.MaxAttempts, "execution.max_attempts", SourceFile, rc.Sources)
	mergeInt(&e.MaxConsecutiveFailures, f.MaxConsecutiveFailures, "execution.max_consecutive_failures", SourceFile, rc.Sources)
	mergeInt(&e.CheckpointIntervalSecs, f.CheckpointIntervalSecs, "execution.checkpoint_interval_secs", SourceFile, rc.Sources)
}

func resolveWorktreeFromFile(rc *ResolvedConfig, file *Config) {
	mergeString(&rc.Config.Worktree.BaseDir, file.Worktree.BaseDir, "worktree.base_dir", SourceFile, rc.Sources)
}

func resolveDLQFromFile(rc *ResolvedConfig, file *Config) {
	d := &rc.Config.DLQ
	f := &file.DLQ
	mergeInt(&d.RetentionDays, f.RetentionDays, "dlq.retention_days", SourceFile, rc.Sources)
	mergeInt(&d.MaxItems, f.MaxItems, "dlq.max_items", SourceFile, rc.Sources)
}

func resolveAgentsFromFile(rc *ResolvedConfig, file *Config) {
	for name, agent := range file.Agents {
		rc.Config.Agents[name] = agent
		setAgentSources(rc.Sources, name, SourceFile)
	}
}

// --- Layer 3: Environment ---

// Environment variable mapping:
//
//	PRODIGY_WORKTREE_DIR     -> worktree.base_dir
//	PRODIGY_CONCURRENCY      -> execution.default_concurrency
//	PRODIGY_AGENT_MODEL      -> agents.*.model (applies to all agents)
//	PRODIGY_AGENT_EFFORT     -> agents.*.effort (applies to all agents)
func resolveFromEnv(rc *ResolvedConfig, envFn EnvFunc) {
	if val, ok := envFn("PRODIGY_WORKTREE_DIR"); ok {
		rc.Config.Worktree.BaseDir = val
		rc.Sources["worktree.base_dir"] = SourceEnv
	}
	if val, ok := envFn("PRODIGY_CONCURRENCY"); ok {
		if n, err := parsePositiveInt(val); err == nil {
			rc.Config.Execution.DefaultConcurrency = n
			rc.Sources["execution.default_concurrency"] = SourceEnv
		}
	}

	modelVal, modelSet := envFn("PRODIGY_AGENT_MODEL")
	effortVal, effortSet := envFn("PRODIGY_AGENT_EFFORT")

	if modelSet || effortSet {
		for name, agent := range rc.Config.Agents {
			if modelSet {
				agent.Model = modelVal
				rc.Sources["agents."+name+".model"] = SourceEnv
			}
			if effortSet {
				agent.Effort = effortVal
				rc.Sources["agents."+name+".effort"] = SourceEnv
			}
			rc.Config.Agents[name] = agent
		}
	}
}

// --- Layer 4: CLI overrides ---

func resolveFromCLI(rc *ResolvedConfig, overrides *CLIOverrides) {
	if overrides.WorktreeBaseDir != nil {
		rc.Config.Worktree.BaseDir = *overrides.WorktreeBaseDir
		rc.Sources["worktree.base_dir"] = SourceCLI
	}
	if overrides.DefaultConcurrency != nil {
		rc.Config.Execution.DefaultConcurrency = *overrides.DefaultConcurrency
		rc.Sources["execution.default_concurrency"] = SourceCLI
	}

	if overrides.AgentModel != nil || overrides.AgentEffort != nil {
		for name, agent := range rc.Config.Agents {
			if overrides.AgentModel != nil {
				agent.Model = *overrides.AgentModel
				rc.Sources["agents."+name+".model"] = SourceCLI
			}
			if overrides.AgentEffort != nil {
				agent.Effort = *overrides.AgentEffort
				rc.Sources["agents."+name+".effort"] = SourceCLI
			}
			rc.Config.Agents[name] = agent
		}
	}
}

// --- Helpers ---

// setString unconditionally sets the target to the given value and records the source.
func setString(target *string, value string, path string, source ConfigSource, sources map[string]ConfigSource) {
	*target = value
	sources[path] = source
}

// mergeString overwrites the target only if value is non-empty (non-zero string).
func mergeString(target *string, value string, path string, source ConfigSource, sources map[string]ConfigSource) {
	if value != "" {
		*target = value
		sources[path] = source
	}
}

// setInt unconditionally sets the target to the given value and records the source.
func setInt(target *int, value int, path string, source ConfigSource, sources map[string]ConfigSource) {
	*target = value
	sources[path] = source
}

// mergeInt overwrites the target only if value is non-zero.
func mergeInt(target *int, value int, path string, source ConfigSource, sources map[string]ConfigSource) {
	if value != 0 {
		*target = value
		sources[path] = source
	}
}

// setAgentSources records the source for all fields of a named agent.
func setAgentSources(sources map[string]ConfigSource, name string, source ConfigSource) {
	prefix := "agents." + name
	sources[prefix+".command"] = source
	sources[prefix+".model"] = source
	sources[prefix+".effort"] = source
}

func parsePositiveInt(s string) (int, error) {
	n := 0
	if s == "" {
		return 0, fmt.Errorf("empty value")
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("invalid digit %q", c)
		}
		n = n*10 + int(c-'0')
	}
	return n, nil
}
