package internal_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// projectRoot returns the absolute path to the project root directory.
// It walks up from the current file's directory until it finds go.mod.
func projectRoot(t *testing.T) string {
	t.Helper()

	dir, err := os.Getwd()
	require.NoError(t, err, "failed to get working directory")

	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			t.Fatal("could not find project root (no go.mod found in any parent directory)")
		}
		dir = parent
	}
}

// readFileContent reads a file and returns its content as a string.
func readFileContent(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err, "failed to read file: %s", path)
	return string(data)
}

// internalPackages is the complete expected set of internal subpackages.
var internalPackages = []string{
	"agent", "agentstate", "buildinfo", "checkpoint", "cli", "config",
	"dlq", "expr", "git", "jobstate", "jsonutil", "logging", "loop",
	"mapreduce", "phase", "progress", "store", "tui", "variables",
	"workflow", "workitem", "worktree",
}

func TestInternalSubpackages_Exist(t *testing.T) {
	t.Parallel()

	root := projectRoot(t)

	for _, pkg := range internalPackages {
		t.Run(pkg, func(t *testing.T) {
			t.Parallel()

			pkgDir := filepath.Join(root, "internal", pkg)

			info, err := os.Stat(pkgDir)
			require.NoError(t, err, "internal/%s directory does not exist", pkg)
			assert.True(t, info.IsDir(), "internal/%s is not a directory", pkg)

			// At least one non-test source file declares the package.
			entries, err := os.ReadDir(pkgDir)
			require.NoError(t, err)
			found := false
			for _, entry := range entries {
				name := entry.Name()
				if entry.IsDir() || !strings.HasSuffix(name, ".go") || strings.HasSuffix(name, "_test.go") {
					continue
				}
				content := readFileContent(t, filepath.Join(pkgDir, name))
				if strings.Contains(content, "package "+pkg) {
					found = true
					break
				}
			}
			assert.True(t, found, "internal/%s has no source file declaring package %s", pkg, pkg)
		})
	}
}

func TestInternalSubpackages_Count(t *testing.T) {
	t.Parallel()

	root := projectRoot(t)
	internalDir := filepath.Join(root, "internal")

	entries, err := os.ReadDir(internalDir)
	require.NoError(t, err, "failed to read internal/ directory")

	var dirs []string
	for _, entry := range entries {
		if entry.IsDir() {
			dirs = append(dirs, entry.Name())
		}
	}

	assert.Len(t, dirs, len(internalPackages),
		"expected exactly %d internal subpackages, got: %v", len(internalPackages), dirs)
}

func TestGoMod_Exists(t *testing.T) {
	t.Parallel()

	root := projectRoot(t)
	goModPath := filepath.Join(root, "go.mod")

	_, err := os.Stat(goModPath)
	require.NoError(t, err, "go.mod does not exist at project root")
}

func TestGoMod_ModulePath(t *testing.T) {
	t.Parallel()

	root := projectRoot(t)
	content := readFileContent(t, filepath.Join(root, "go.mod"))

	assert.Contains(t, content, "module github.com/prodigy-cli/prodigy",
		"go.mod must declare module path as github.com/prodigy-cli/prodigy")
}

func TestGoMod_GoDirective(t *testing.T) {
	t.Parallel()

	root := projectRoot(t)
	content := readFileContent(t, filepath.Join(root, "go.mod"))

	assert.Contains(t, content, "go 1.24",
		"go.mod must have a Go 1.24+ directive")
}

func TestGoMod_DirectDependencies(t *testing.T) {
	t.Parallel()

	root := projectRoot(t)
	content := readFileContent(t, filepath.Join(root, "go.mod"))

	expectedDeps := []struct {
		name       string
		modulePath string
	}{
		{name: "cobra", modulePath: "github.com/spf13/cobra"},
		{name: "bubbletea", modulePath: "github.com/charmbracelet/bubbletea"},
		{name: "lipgloss", modulePath: "github.com/charmbracelet/lipgloss"},
		{name: "bubbles", modulePath: "github.com/charmbracelet/bubbles"},
		{name: "huh", modulePath: "github.com/charmbracelet/huh"},
		{name: "log", modulePath: "github.com/charmbracelet/log"},
		{name: "toml", modulePath: "github.com/BurntSushi/toml"},
		{name: "sync", modulePath: "golang.org/x/sync"},
		{name: "doublestar", modulePath: "github.com/bmatcuk/doublestar"},
		{name: "testify", modulePath: "github.com/stretchr/testify"},
		{name: "xxhash", modulePath: "github.com/cespare/xxhash"},
		{name: "gojq", modulePath: "github.com/itchyny/gojq"},
		{name: "uuid", modulePath: "github.com/google/uuid"},
		{name: "yaml", modulePath: "go.yaml.in/yaml/v3"},
	}

	for _, dep := range expectedDeps {
		t.Run(dep.name, func(t *testing.T) {
			t.Parallel()
			assert.Contains(t, content, dep.modulePath,
				"go.mod must declare direct dependency on %s (%s)", dep.name, dep.modulePath)
		})
	}
}

func TestGoMod_NoReplaceDirectives(t *testing.T) {
	t.Parallel()

	root := projectRoot(t)
	content := readFileContent(t, filepath.Join(root, "go.mod"))

	assert.NotContains(t, content, "replace ",
		"go.mod must not contain replace directives")
}

func TestGitignore_RequiredEntries(t *testing.T) {
	t.Parallel()

	root := projectRoot(t)
	content := readFileContent(t, filepath.Join(root, ".gitignore"))

	requiredEntries := []struct {
		name    string
		pattern string
	}{
		{name: "compiled binaries (exe)", pattern: "*.exe"},
		{name: "prodigy state directory", pattern: ".prodigy/"},
		{name: "dist directory", pattern: "dist/"},
		{name: "vendor directory", pattern: "vendor/"},
		{name: "IDE files (idea)", pattern: ".idea/"},
		{name: "IDE files (vscode)", pattern: ".vscode/"},
	}

	for _, entry := range requiredEntries {
		t.Run(entry.name, func(t *testing.T) {
			t.Parallel()
			assert.Contains(t, content, entry.pattern,
				".gitignore must include pattern %q for %s", entry.pattern, entry.name)
		})
	}
}

func TestMainGo_Exists(t *testing.T) {
	t.Parallel()

	root := projectRoot(t)
	mainPath := filepath.Join(root, "cmd", "prodigy", "main.go")

	_, err := os.Stat(mainPath)
	require.NoError(t, err, "cmd/prodigy/main.go does not exist")
}

func TestMainGo_PackageMain(t *testing.T) {
	t.Parallel()

	root := projectRoot(t)
	content := readFileContent(t, filepath.Join(root, "cmd", "prodigy", "main.go"))

	assert.Contains(t, content, "package main",
		"cmd/prodigy/main.go must declare package main")
	assert.Contains(t, content, "func main()",
		"cmd/prodigy/main.go must define a main function")
}

func TestToolsGo_HasBuildTag(t *testing.T) {
	t.Parallel()

	root := projectRoot(t)
	content := readFileContent(t, filepath.Join(root, "tools.go"))

	assert.Contains(t, content, "//go:build tools",
		"tools.go must have //go:build tools build tag")
}

func TestProjectStructure_CmdProdigyDir(t *testing.T) {
	t.Parallel()

	root := projectRoot(t)
	cmdDir := filepath.Join(root, "cmd", "prodigy")

	info, err := os.Stat(cmdDir)
	require.NoError(t, err, "cmd/prodigy/ directory does not exist")
	assert.True(t, info.IsDir(), "cmd/prodigy/ is not a directory")
}
