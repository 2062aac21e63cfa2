package e2e_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestRetry_ExhaustsAttemptsThenRecoversViaOnFailure exercises the full
// failure ladder: three failing attempts, then the on_failure handler
// runs and the step is treated as recovered.
func TestRetry_ExhaustsAttemptsThenRecoversViaOnFailure(t *testing.T) {
	tp := newTestProject(t)

	wf := tp.writeWorkflow("retry.yaml", `name: retry
steps:
  - shell: "echo attempt >> attempts.txt; exit 1"
    retry:
      attempts: 3
      backoff: fixed
      initial_delay: 1ms
    on_failure:
      - shell: "echo fixed > fixed.txt"
  - shell: "echo after > after.txt"
`)

	tp.runExpectSuccess("run", wf)

	attempts := strings.Count(tp.readFile("attempts.txt"), "attempt")
	assert.Equal(t, 3, attempts, "retry budget is attempts total, including the first")
	assert.Equal(t, "fixed\n", tp.readFile("fixed.txt"))
	assert.Equal(t, "after\n", tp.readFile("after.txt"))
}

// TestRetry_FailWorkflowPinsOriginalFailure keeps the step failed even
// after a successful handler when fail_workflow is set.
func TestRetry_FailWorkflowPinsOriginalFailure(t *testing.T) {
	tp := newTestProject(t)

	wf := tp.writeWorkflow("pin.yaml", `name: pin
steps:
  - shell: "exit 3"
    on_failure:
      steps:
        - shell: "echo handled > handled.txt"
      fail_workflow: true
`)

	out, code := tp.runExpectFailure("run", wf)
	require.Equal(t, 1, code, "output:\n%s", out)
	assert.Equal(t, "handled\n", tp.readFile("handled.txt"))
}

// TestRetry_OnFailureRerunsOriginal reruns the original step after the
// handler when max_retries allows, letting the handler fix the
// precondition the original needs.
func TestRetry_OnFailureRerunsOriginal(t *testing.T) {
	tp := newTestProject(t)

	wf := tp.writeWorkflow("rerun.yaml", `name: rerun
steps:
  - shell: "test -f ready.txt"
    on_failure:
      steps:
        - shell: "touch ready.txt"
      max_retries: 1
  - shell: "echo done > done.txt"
`)

	tp.runExpectSuccess("run", wf)
	assert.Equal(t, "done\n", tp.readFile("done.txt"))
}

// TestRetry_OnExitCodeHandlerRecovers dispatches a recovery sequence keyed
// on the exact exit code.
func TestRetry_OnExitCodeHandlerRecovers(t *testing.T) {
	tp := newTestProject(t)

	wf := tp.writeWorkflow("exitcode.yaml", `name: exitcode
steps:
  - shell: "exit 42"
    on_exit_code:
      42:
        - shell: "echo knew-it > code.txt"
`)

	tp.runExpectSuccess("run", wf)
	assert.Equal(t, "knew-it\n", tp.readFile("code.txt"))
}

// TestTimeout_StepDeadlineFails aborts a step that sleeps past its
// timeout and reports the failure.
func TestTimeout_StepDeadlineFails(t *testing.T) {
	tp := newTestProject(t)

	wf := tp.writeWorkflow("timeout.yaml", `name: timeout
steps:
  - shell: "sleep 5"
    timeout: 1
`)

	out, code := tp.runExpectFailure("run", wf)
	require.Equal(t, 1, code, "output:\n%s", out)
	assert.Contains(t, out, "timeout")
}
