package config

import (
	"strings"
	"testing"

	"github.com/BurntSushi/toml"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// validConfig returns a Config that passes all validation checks.
func validConfig() *Config {
	return &Config{
		Agents: map[string]AgentConfig{
			"claude": {
				Command: "claude",
				Model:   "claude-opus-4-6",
				Effort:  "high",
			},
		},
		Execution: ExecutionConfig{
			DefaultConcurrency:     5,
			MaxAttempts:            2,
			MaxConsecutiveFailures: 0,
		},
		Worktree: WorktreeConfig{BaseDir: ".prodigy/worktrees"},
		DLQ:      DLQConfig{RetentionDays: 7, MaxItems: 1000},
	}
}

// decodeMetadata parses TOML content and returns the metadata, useful for
// testing unknown key detection.
func decodeMetadata(t *testing.T, content string) toml.MetaData {
	t.Helper()
	var cfg Config
	md, err := toml.Decode(content, &cfg)
	require.NoError(t, err)
	return md
}

// --- ValidationResult method tests ---

func TestValidationResult_HasErrors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		issues []ValidationIssue
		want   bool
	}{
		{name: "no issues", issues: nil, want: false},
		{
			name: "only warnings",
			issues: []ValidationIssue{
				{Severity: SeverityWarning, Field: "a", Message: "warn"},
			},
			want: false,
		},
		{
			name: "has error",
			issues: []ValidationIssue{
				{Severity: SeverityWarning, Field: "a", Message: "warn"},
				{Severity: SeverityError, Field: "b", Message: "err"},
			},
			want: true,
		},
		{
			name: "only errors",
			issues: []ValidationIssue{
				{Severity: SeverityError, Field: "x", Message: "err"},
			},
			want: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			vr := &ValidationResult{Issues: tt.issues}
			assert.Equal(t, tt.want, vr.HasErrors())
		})
	}
}

func TestValidationResult_HasWarnings(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		issues []ValidationIssue
		want   bool
	}{
		{name: "no issues", issues: nil, want: false},
		{
			name: "only errors",
			issues: []ValidationIssue{
				{Severity: SeverityError, Field: "a", Message: "err"},
			},
			want: false,
		},
		{
			name: "has warning",
			issues: []ValidationIssue{
				{Severity: SeverityWarning, Field: "a", Message: "warn"},
			},
			want: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			vr := &ValidationResult{Issues: tt.issues}
			assert.Equal(t, tt.want, vr.HasWarnings())
		})
	}
}

func TestValidationResult_Errors(t *testing.T) {
	t.Parallel()
	vr := &ValidationResult{
		Issues: []ValidationIssue{
			{Severity: SeverityWarning, Field: "a", Message: "warn1"},
			{Severity: SeverityError, Field: "b", Message: "err1"},
			{Severity: SeverityWarning, Field: "c", Message: "warn2"},
			{Severity: SeverityError, Field: "d", Message: "err2"},
		},
	}
	errs := vr.Errors()
	require.Len(t, errs, 2)
	assert.Equal(t, "b", errs[0].Field)
	assert.Equal(t, "d", errs[1].Field)
}

func TestValidationResult_Warnings(t *testing.T) {
	t.Parallel()
	vr := &ValidationResult{
		Issues: []ValidationIssue{
			{Severity: SeverityWarning, Field: "a", Message: "warn1"},
			{Severity: SeverityError, Field: "b", Message: "err1"},
			{Severity: SeverityWarning, Field: "c", Message: "warn2"},
		},
	}
	warns := vr.Warnings()
	require.Len(t, warns, 2)
	assert.Equal(t, "a", warns[0].Field)
	assert.Equal(t, "c", warns[1].Field)
}

func TestValidationResult_EmptyResult(t *testing.T) {
	t.Parallel()
	vr := &ValidationResult{}
	assert.False(t, vr.HasErrors())
	assert.False(t, vr.HasWarnings())
	assert.Nil(t, vr.Errors())
	assert.Nil(t, vr.Warnings())
}

// --- Validate: nil config ---

func TestValidate_NilConfig(t *testing.T) {
	t.Parallel()
	vr := Validate(nil, nil)
	require.True(t, vr.HasErrors())
	require.Len(t, vr.Errors(), 1)
	assert.Contains(t, vr.Errors()[0].Message, "configuration is nil")
}

// --- Validate: valid config ---

func TestValidate_ValidConfig_NoErrors(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	vr := Validate(cfg, nil)
	assert.False(t, vr.HasErrors(), "expected no errors for valid config, got: %v", vr.Errors())
}

func TestValidate_ValidConfig_NilMeta(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	vr := Validate(cfg, nil)
	assert.False(t, vr.HasErrors())
}

func TestValidate_DefaultsOnly_NoErrors(t *testing.T) {
	t.Parallel()
	cfg := NewDefaults()
	vr := Validate(cfg, nil)
	assert.False(t, vr.HasErrors(), "expected defaults to have no errors, got: %v", vr.Errors())
}

func TestValidate_ValidConfig_NoWarnings(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	vr := Validate(cfg, nil)
	assert.False(t, vr.HasErrors())
	assert.False(t, vr.HasWarnings())
}

// --- Validate: execution section errors ---

func TestValidate_NegativeExecutionFields(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		field string
		mut   func(*Config)
	}{
		{name: "default_concurrency", field: "execution.default_concurrency", mut: func(c *Config) { c.Execution.DefaultConcurrency = -1 }},
		{name: "max_attempts", field: "execution.max_attempts", mut: func(c *Config) { c.Execution.MaxAttempts = -1 }},
		{name: "max_consecutive_failures", field: "execution.max_consecutive_failures", mut: func(c *Config) { c.Execution.MaxConsecutiveFailures = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := validConfig()
			tt.mut(cfg)
			vr := Validate(cfg, nil)
			found := false
			for _, e := range vr.Errors() {
				if e.Field == tt.field {
					found = true
					assert.Contains(t, e.Message, "must not be negative")
				}
			}
			assert.True(t, found, "expected error on %s", tt.field)
		})
	}
}

func TestValidate_ZeroMaxConsecutiveFailures_Valid(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.Execution.MaxConsecutiveFailures = 0
	vr := Validate(cfg, nil)
	for _, e := range vr.Errors() {
		if e.Field == "execution.max_consecutive_failures" {
			t.Errorf("zero max_consecutive_failures should be valid (disables breaker): %v", e)
		}
	}
}

// --- Validate: dlq section errors ---

func TestValidate_NegativeDLQFields(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		field string
		mut   func(*Config)
	}{
		{name: "retention_days", field: "dlq.retention_days", mut: func(c *Config) { c.DLQ.RetentionDays = -1 }},
		{name: "max_items", field: "dlq.max_items", mut: func(c *Config) { c.DLQ.MaxItems = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := validConfig()
			tt.mut(cfg)
			vr := Validate(cfg, nil)
			found := false
			for _, e := range vr.Errors() {
				if e.Field == tt.field {
					found = true
					assert.Contains(t, e.Message, "must not be negative")
				}
			}
			assert.True(t, found, "expected error on %s", tt.field)
		})
	}
}

// --- Validate: agent section errors ---

func TestValidate_EmptyAgentCommand(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.Agents["badagent"] = AgentConfig{Command: "", Model: "some-model"}
	vr := Validate(cfg, nil)
	require.True(t, vr.HasErrors())
	found := false
	for _, e := range vr.Errors() {
		if e.Field == "agents.badagent.command" {
			found = true
			assert.Contains(t, e.Message, "must not be empty")
		}
	}
	assert.True(t, found, "expected error on agents.badagent.command")
}

func TestValidate_InvalidAgentEffort(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		effort  string
		wantErr bool
	}{
		{name: "empty is valid", effort: "", wantErr: false},
		{name: "low", effort: "low", wantErr: false},
		{name: "medium", effort: "medium", wantErr: false},
		{name: "high", effort: "high", wantErr: false},
		{name: "invalid extreme", effort: "extreme", wantErr: true},
		{name: "invalid Low uppercase", effort: "Low", wantErr: true},
		{name: "invalid HIGH all caps", effort: "HIGH", wantErr: true},
		{name: "invalid High uppercase", effort: "High", wantErr: true},
		{name: "invalid max", effort: "max", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := validConfig()
			cfg.Agents["claude"] = AgentConfig{Command: "claude", Effort: tt.effort}
			vr := Validate(cfg, nil)
			hasEffortErr := false
			for _, e := range vr.Errors() {
				if e.Field == "agents.claude.effort" {
					hasEffortErr = true
				}
			}
			assert.Equal(t, tt.wantErr, hasEffortErr,
				"effort=%q: expected error=%v", tt.effort, tt.wantErr)
		})
	}
}

func TestValidate_NoAgentsDefined(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.Agents = nil
	vr := Validate(cfg, nil)
	hasAgentErr := false
	for _, e := range vr.Errors() {
		if strings.HasPrefix(e.Field, "agents.") {
			hasAgentErr = true
		}
	}
	assert.False(t, hasAgentErr, "no agents should not produce an error")
}

func TestValidate_AgentSpecialCharacterName(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.Agents["claude-3.5"] = AgentConfig{Command: "claude", Effort: "high"}
	vr := Validate(cfg, nil)
	for _, e := range vr.Errors() {
		if strings.Contains(e.Field, "claude-3.5") {
			t.Errorf("unexpected error for agent with special chars: %v", e)
		}
	}
}

func TestValidate_MultipleAgentsMixed(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.Agents["good"] = AgentConfig{Command: "good-cmd", Effort: "low"}
	cfg.Agents["bad"] = AgentConfig{Command: "", Effort: "cosmic"}
	vr := Validate(cfg, nil)
	require.True(t, vr.HasErrors())

	cmdFound := false
	effortFound := false
	for _, e := range vr.Errors() {
		if e.Field == "agents.bad.command" {
			cmdFound = true
		}
		if e.Field == "agents.bad.effort" {
			effortFound = true
		}
	}
	assert.True(t, cmdFound, "expected error on agents.bad.command")
	assert.True(t, effortFound, "expected error on agents.bad.effort")

	for _, e := range vr.Errors() {
		if strings.HasPrefix(e.Field, "agents.good") {
			t.Errorf("good agent should have no errors, got: %v", e)
		}
	}
}

func TestValidate_NilAgentsMap(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.Agents = nil
	vr := Validate(cfg, nil)
	require.NotNil(t, vr)
	for _, e := range vr.Errors() {
		if strings.HasPrefix(e.Field, "agents.") {
			t.Errorf("nil agents map should not produce agent errors: %v", e)
		}
	}
}

func TestValidate_EmptyAgentsMap(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.Agents = map[string]AgentConfig{}
	vr := Validate(cfg, nil)
	require.NotNil(t, vr)
	for _, e := range vr.Errors() {
		if strings.HasPrefix(e.Field, "agents.") {
			t.Errorf("empty agents map should not produce agent errors: %v", e)
		}
	}
}

func TestValidate_AgentNameWithHyphensAndDots(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.Agents["my-agent.v2"] = AgentConfig{Command: "myagent", Model: "model-v2", Effort: "high"}
	vr := Validate(cfg, nil)
	require.NotNil(t, vr)

	for _, e := range vr.Errors() {
		if strings.Contains(e.Field, "my-agent.v2") {
			t.Errorf("valid agent with special chars should not produce errors: %v", e)
		}
	}
}

// --- Validate: unknown keys ---

func TestValidate_UnknownKeysDetected(t *testing.T) {
	t.Parallel()
	content := `
[execution]
default_concurrency = 3
unknown_key = "oops"

[unknown_section]
foo = "bar"
`
	md := decodeMetadata(t, content)
	cfg := &Config{Execution: ExecutionConfig{DefaultConcurrency: 3}}
	vr := Validate(cfg, &md)

	require.True(t, vr.HasWarnings())
	warns := vr.Warnings()

	fields := make([]string, 0, len(warns))
	for _, w := range warns {
		if w.Message == "unknown configuration key" {
			fields = append(fields, w.Field)
		}
	}
	assert.Contains(t, fields, "execution.unknown_key")
	assert.Contains(t, fields, "unknown_section.foo")
}

func TestValidate_NoUnknownKeys(t *testing.T) {
	t.Parallel()
	content := `
[execution]
default_concurrency = 3
`
	md := decodeMetadata(t, content)
	cfg := &Config{Execution: ExecutionConfig{DefaultConcurrency: 3}}
	vr := Validate(cfg, &md)

	for _, w := range vr.Warnings() {
		if w.Message == "unknown configuration key" {
			t.Errorf("unexpected unknown key warning: %s", w.Field)
		}
	}
}

func TestValidate_NilMetadata_NoUnknownKeyCheck(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	vr := Validate(cfg, nil)
	for _, w := range vr.Warnings() {
		if w.Message == "unknown configuration key" {
			t.Errorf("unexpected unknown key warning with nil metadata: %s", w.Field)
		}
	}
}

// --- Validate: multiple errors collected ---

func TestValidate_MultipleErrorsCollected(t *testing.T) {
	t.Parallel()
	cfg := &Config{
		Execution: ExecutionConfig{
			DefaultConcurrency:     -1,
			MaxAttempts:            -1,
			MaxConsecutiveFailures: -1,
		},
		DLQ: DLQConfig{
			RetentionDays: -1,
			MaxItems:      -1,
		},
		Agents: map[string]AgentConfig{
			"bad": {Command: "", Effort: "extreme"},
		},
	}
	vr := Validate(cfg, nil)
	require.True(t, vr.HasErrors())

	errs := vr.Errors()
	assert.GreaterOrEqual(t, len(errs), 7,
		"expected at least 7 errors, got %d: %v", len(errs), errs)
}

// --- Validate: zero-value config ---

func TestValidate_ZeroValueConfig_NoPanic(t *testing.T) {
	t.Parallel()
	cfg := &Config{}
	vr := Validate(cfg, nil)
	require.NotNil(t, vr)
	assert.False(t, vr.HasErrors(), "zero-value config should be valid (all fields are valid zero values)")
}

// --- Validate: issue message quality ---

func TestValidate_IssueMessagesIncludeFieldPath(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.Execution.DefaultConcurrency = -1
	cfg.Agents["bad"] = AgentConfig{Command: "", Effort: "nonsense"}
	vr := Validate(cfg, nil)
	require.True(t, vr.HasErrors())

	for _, e := range vr.Errors() {
		assert.NotEmpty(t, e.Field, "every issue should have a field path")
		assert.NotEmpty(t, e.Message, "every issue should have a message")
	}
}

// --- Additional tests: combined ValidationResult method assertions ---

func TestValidationResult_MethodsMixed(t *testing.T) {
	t.Parallel()

	vr := &ValidationResult{
		Issues: []ValidationIssue{
			{Severity: SeverityError, Field: "execution.default_concurrency", Message: "must not be negative"},
			{Severity: SeverityWarning, Field: "unknown_section.foo", Message: "unknown configuration key"},
			{Severity: SeverityError, Field: "agents.claude.command", Message: "must not be empty"},
			{Severity: SeverityWarning, Field: "execution.unknown_key", Message: "unknown configuration key"},
		},
	}

	assert.True(t, vr.HasErrors())
	assert.True(t, vr.HasWarnings())

	errors := vr.Errors()
	require.Len(t, errors, 2)
	assert.Equal(t, "execution.default_concurrency", errors[0].Field)
	assert.Equal(t, "agents.claude.command", errors[1].Field)
	for _, e := range errors {
		assert.Equal(t, SeverityError, e.Severity)
	}

	warnings := vr.Warnings()
	require.Len(t, warnings, 2)
	for _, w := range warnings {
		assert.Equal(t, SeverityWarning, w.Severity)
	}
}

// --- Additional tests: every error and warning has field and message ---

func TestValidate_AllIssuesHaveFieldAndMessage(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.Execution.MaxAttempts = -1
	cfg.DLQ.MaxItems = -1
	cfg.Agents["bad"] = AgentConfig{Command: "", Effort: "bogus"}

	vr := Validate(cfg, nil)
	require.NotEmpty(t, vr.Issues)

	for _, iss := range vr.Issues {
		assert.NotEmpty(t, iss.Field, "every issue should have a non-empty Field, got issue: %v", iss)
		assert.NotEmpty(t, iss.Message, "every issue should have a non-empty Message, got issue: %v", iss)
		assert.True(t, iss.Severity == SeverityError || iss.Severity == SeverityWarning,
			"every issue should have a valid severity, got: %q", iss.Severity)
	}
}

// --- Integration: validate via LoadFromFile ---

func TestValidate_LoadedConfig_NoErrors(t *testing.T) {
	t.Parallel()
	path := writeTOML(t, `
[execution]
default_concurrency = 8
max_attempts = 3

[worktree]
base_dir = ".prodigy/worktrees"

[dlq]
retention_days = 14
max_items = 500

[agents.claude]
command = "claude"
model = "claude-opus-4-6"
effort = "high"
`)
	cfg, md, err := LoadFromFile(path)
	require.NoError(t, err)

	vr := Validate(cfg, &md)
	assert.False(t, vr.HasErrors(), "loaded config should have no validation errors, got: %v", vr.Errors())
	for _, w := range vr.Warnings() {
		if w.Message == "unknown configuration key" {
			t.Errorf("unexpected unknown key warning: %s", w.Field)
		}
	}
}

func TestValidate_LoadedConfig_UnknownKeys(t *testing.T) {
	t.Parallel()
	path := writeTOML(t, `
[execution]
default_concurrency = 3
weird_field = "oops"

[extra_section]
foo = "bar"
`)
	cfg, md, err := LoadFromFile(path)
	require.NoError(t, err)

	vr := Validate(cfg, &md)
	require.True(t, vr.HasWarnings())

	fields := make([]string, 0)
	for _, w := range vr.Warnings() {
		if w.Message == "unknown configuration key" {
			fields = append(fields, w.Field)
		}
	}
	assert.Contains(t, fields, "execution.weird_field")
	assert.Contains(t, fields, "extra_section.foo")
}
