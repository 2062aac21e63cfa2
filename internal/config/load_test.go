package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeTOML writes content to a temp file and returns its path.
func writeTOML(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), ConfigFileName)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// --- LoadFromFile tests ---

func TestLoadFromFile_ValidFull(t *testing.T) {
	t.Parallel()
	path := writeTOML(t, `
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

[agents.codex]
command = "codex"
model = "gpt-5.3-codex"
`)

	cfg, md, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Execution.DefaultConcurrency)
	assert.Equal(t, 3, cfg.Execution.MaxAttempts)
	assert.Equal(t, 5, cfg.Execution.MaxConsecutiveFailures)
	assert.Equal(t, ".prodigy/worktrees", cfg.Worktree.BaseDir)
	assert.Equal(t, 14, cfg.DLQ.RetentionDays)
	assert.Equal(t, 500, cfg.DLQ.MaxItems)

	require.Len(t, cfg.Agents, 2)
	claude, ok := cfg.Agents["claude"]
	require.True(t, ok, "expected agents.claude to exist")
	assert.Equal(t, "claude", claude.Command)
	assert.Equal(t, "claude-opus-4-6", claude.Model)
	assert.Equal(t, "high", claude.Effort)

	codex, ok := cfg.Agents["codex"]
	require.True(t, ok, "expected agents.codex to exist")
	assert.Equal(t, "codex", codex.Command)
	assert.Equal(t, "gpt-5.3-codex", codex.Model)

	assert.Empty(t, md.Undecoded(), "expected no undecoded keys for a fully valid config")
}

func TestLoadFromFile_PartialConfig(t *testing.T) {
	t.Parallel()
	path := writeTOML(t, `
[execution]
default_concurrency = 3
`)
	cfg, _, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Execution.DefaultConcurrency)
	assert.Empty(t, cfg.Worktree.BaseDir)
	assert.Nil(t, cfg.Agents)
}

func TestLoadFromFile_MultipleAgents(t *testing.T) {
	t.Parallel()
	path := writeTOML(t, `
[agents.claude]
command = "claude"

[agents.codex]
command = "codex"
`)
	cfg, _, err := LoadFromFile(path)
	require.NoError(t, err)
	require.Len(t, cfg.Agents, 2)

	_, hasClaude := cfg.Agents["claude"]
	_, hasCodex := cfg.Agents["codex"]
	assert.True(t, hasClaude, "expected agents map to contain claude")
	assert.True(t, hasCodex, "expected agents map to contain codex")
}

func TestLoadFromFile_MalformedTOML(t *testing.T) {
	t.Parallel()
	path := writeTOML(t, `this is not = valid [[[ toml`)
	_, _, err := LoadFromFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "loading config")
}

func TestLoadFromFile_NonExistentFile(t *testing.T) {
	t.Parallel()
	_, _, err := LoadFromFile("/nonexistent/path/prodigy.toml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "loading config")
}

func TestLoadFromFile_ReturnsMetadata(t *testing.T) {
	t.Parallel()
	path := writeTOML(t, `
unknown_top_level = "x"

[execution]
unknown_key = "y"
`)
	_, md, err := LoadFromFile(path)
	require.NoError(t, err)

	undecoded := md.Undecoded()
	require.NotEmpty(t, undecoded, "expected undecoded keys for config with unknown keys")

	keys := make([]string, 0, len(undecoded))
	for _, k := range undecoded {
		keys = append(keys, k.String())
	}
	assert.Contains(t, keys, "unknown_top_level")
	assert.Contains(t, keys, "execution.unknown_key")
}

func TestLoadFromFile_EmptyFile(t *testing.T) {
	t.Parallel()
	path := writeTOML(t, "")
	cfg, _, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Empty(t, cfg.Worktree.BaseDir)
	assert.Nil(t, cfg.Agents)
}

func TestLoadFromFile_CommentsOnly(t *testing.T) {
	t.Parallel()
	path := writeTOML(t, "# just a comment\n")
	cfg, _, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Empty(t, cfg.Worktree.BaseDir)
	assert.Nil(t, cfg.Agents)
}

func TestLoadFromFile_SpecialAgentNames(t *testing.T) {
	t.Parallel()
	path := writeTOML(t, `
[agents."claude-3"]
command = "claude"
model = "claude-3-opus"

[agents."gpt.4"]
command = "gpt"
model = "gpt-4"
`)
	cfg, _, err := LoadFromFile(path)
	require.NoError(t, err)
	require.Len(t, cfg.Agents, 2)

	claude3, ok := cfg.Agents["claude-3"]
	require.True(t, ok, "expected agents with hyphen in name")
	assert.Equal(t, "claude", claude3.Command)
	assert.Equal(t, "claude-3-opus", claude3.Model)

	gpt4, ok := cfg.Agents["gpt.4"]
	require.True(t, ok, "expected agents with dot in name")
	assert.Equal(t, "gpt", gpt4.Command)
	assert.Equal(t, "gpt-4", gpt4.Model)
}

// --- FindConfigFile tests ---

func TestFindConfigFile_InCurrentDir(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	configPath := filepath.Join(dir, ConfigFileName)
	require.NoError(t, os.WriteFile(configPath, []byte("# test\n"), 0o644))

	found, err := FindConfigFile(dir)
	require.NoError(t, err)
	assert.Equal(t, configPath, found)
}

func TestFindConfigFile_InParentDir(t *testing.T) {
	t.Parallel()
	parent := t.TempDir()
	child := filepath.Join(parent, "sub", "deep")
	require.NoError(t, os.MkdirAll(child, 0o755))

	configPath := filepath.Join(parent, ConfigFileName)
	require.NoError(t, os.WriteFile(configPath, []byte("# test\n"), 0o644))

	found, err := FindConfigFile(child)
	require.NoError(t, err)
	assert.Equal(t, configPath, found)
}

func TestFindConfigFile_NotFound(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	found, err := FindConfigFile(dir)
	require.NoError(t, err)
	assert.Empty(t, found, "expected empty string when config not found")
}

func TestFindConfigFile_AtRoot(t *testing.T) {
	t.Parallel()
	// Start from filesystem root -- should not infinite loop, returns empty.
	found, err := FindConfigFile("/")
	require.NoError(t, err)
	// Unless someone has /prodigy.toml on their machine, this should be empty.
	_ = found
}

func TestFindConfigFile_DeeplyNested(t *testing.T) {
	t.Parallel()
	root := t.TempDir()

	deepPath := root
	for i := 0; i < 25; i++ {
		deepPath = filepath.Join(deepPath, "level")
	}
	require.NoError(t, os.MkdirAll(deepPath, 0o755))

	configPath := filepath.Join(root, ConfigFileName)
	require.NoError(t, os.WriteFile(configPath, []byte("# deep test\n"), 0o644))

	found, err := FindConfigFile(deepPath)
	require.NoError(t, err)
	assert.Equal(t, configPath, found)
}

func TestFindConfigFile_ReturnsAbsolutePath(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	configPath := filepath.Join(dir, ConfigFileName)
	require.NoError(t, os.WriteFile(configPath, []byte("# test\n"), 0o644))

	found, err := FindConfigFile(dir)
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(found), "expected absolute path, got %s", found)
}
