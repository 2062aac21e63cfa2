package e2e_test

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"
)

// testProject is an isolated temp directory with a built prodigy binary,
// where workflows run and .prodigy/ state accumulates.
type testProject struct {
	Dir        string
	BinaryPath string
	t          *testing.T
}

// newTestProject builds the prodigy binary into a fresh temp directory and
// returns a testProject ready for use. Must be called from a test
// function; uses t.Helper() to mark itself accordingly.
func newTestProject(t *testing.T) *testProject {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("E2E tests drive sh-based workflows and are not supported on Windows")
	}

	dir := t.TempDir()

	binary := filepath.Join(dir, "prodigy")
	build := exec.Command("go", "build", "-o", binary, "./cmd/prodigy")
	build.Dir = projectRoot()
	out, err := build.CombinedOutput()
	require.NoError(t, err, "building prodigy: %s", string(out))

	return &testProject{Dir: dir, BinaryPath: binary, t: t}
}

// projectRoot returns the absolute path to the root of the repository.
// It uses runtime.Caller(0) to find this source file's location and
// navigates two directories up (tests/e2e/ -> tests/ -> repo root).
func projectRoot() string {
	_, thisFile, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(thisFile), "..", "..")
}

// writeWorkflow writes a workflow YAML document into the project directory
// and returns its absolute path.
func (tp *testProject) writeWorkflow(name, content string) string {
	tp.t.Helper()
	path := filepath.Join(tp.Dir, name)
	require.NoError(tp.t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// writeFile writes an arbitrary file (e.g. a MapReduce input document)
// into the project directory and returns its absolute path.
func (tp *testProject) writeFile(name, content string) string {
	tp.t.Helper()
	path := filepath.Join(tp.Dir, name)
	require.NoError(tp.t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// readFile reads a file relative to the project directory.
func (tp *testProject) readFile(name string) string {
	tp.t.Helper()
	data, err := os.ReadFile(filepath.Join(tp.Dir, name))
	require.NoError(tp.t, err)
	return string(data)
}

// checkpointExists reports whether a checkpoint file is present for jobID.
func (tp *testProject) checkpointExists(jobID string) bool {
	_, err := os.Stat(filepath.Join(tp.Dir, ".prodigy", "checkpoints", jobID+".json"))
	return err == nil
}

// run creates an exec.Cmd for prodigy in the project directory.
func (tp *testProject) run(args ...string) *exec.Cmd {
	cmd := exec.Command(tp.BinaryPath, args...)
	cmd.Dir = tp.Dir
	cmd.Env = append(os.Environ(),
		"NO_COLOR=1",              // disable ANSI color in output
		"PRODIGY_LOG_FORMAT=json", // structured logs for easier parsing
	)
	return cmd
}

// runExpectSuccess runs prodigy and asserts exit code 0.
// Returns combined stdout+stderr output.
func (tp *testProject) runExpectSuccess(args ...string) string {
	tp.t.Helper()
	cmd := tp.run(args...)
	out, err := cmd.CombinedOutput()
	require.NoError(tp.t, err, "prodigy %v failed:\n%s", args, string(out))
	return string(out)
}

// runExpectFailure runs prodigy and asserts a non-zero exit code.
// Returns combined output and the exit code.
func (tp *testProject) runExpectFailure(args ...string) (string, int) {
	tp.t.Helper()
	cmd := tp.run(args...)
	out, err := cmd.CombinedOutput()
	require.Error(tp.t, err, "prodigy %v expected to fail but succeeded:\n%s", args, string(out))
	var exitErr *exec.ExitError
	require.True(tp.t, errors.As(err, &exitErr), "expected *exec.ExitError, got %T: %v", err, err)
	return string(out), exitErr.ExitCode()
}
