package e2e_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// dlqFixture runs a map phase where one item always fails, exhausting its
// retry budget into the dead-letter queue.
func dlqFixture(t *testing.T) *testProject {
	tp := newTestProject(t)

	tp.writeFile("items.json", `[{"name":"good"},{"name":"bad"}]`)

	wf := tp.writeWorkflow("dlq.yaml", `name: dlq
map:
  input: items.json
  id_path: name
  agent:
    - shell: "test ${item.name} != bad"
reduce:
  - shell: "true"
`)

	// The job itself succeeds: one item made it through.
	tp.runExpectSuccess("run", wf, "--job", "dlq-job")
	return tp
}

func TestDLQ_ListShowsExhaustedItem(t *testing.T) {
	tp := dlqFixture(t)

	out := tp.runExpectSuccess("dlq", "list", "--job", "dlq-job")
	assert.Contains(t, out, "bad")
	assert.NotContains(t, out, "good")
}

func TestDLQ_ShowIncludesFailureHistory(t *testing.T) {
	tp := dlqFixture(t)

	out := tp.runExpectSuccess("dlq", "show", "dlq-job", "bad")
	assert.Contains(t, out, `"failure_count": 2`, "default retry budget is one retry after the first failure")
	assert.Contains(t, out, `"error_signature"`)
	assert.Contains(t, out, "CommandFailed::")
}

func TestDLQ_AnalyzeGroupsBySignature(t *testing.T) {
	tp := dlqFixture(t)

	out := tp.runExpectSuccess("dlq", "analyze", "dlq-job")
	assert.Contains(t, out, "CommandFailed::")
	assert.Contains(t, out, "bad")
}

func TestDLQ_RetryRequeuesItem(t *testing.T) {
	tp := dlqFixture(t)

	out := tp.runExpectSuccess("dlq", "retry", "dlq-job")
	require.Contains(t, out, "Requeued 1 item(s)")

	// The queue is empty afterwards.
	out = tp.runExpectSuccess("dlq", "list", "--job", "dlq-job")
	assert.Contains(t, out, "No dead-lettered items")
}

func TestDLQ_PurgeRemovesItem(t *testing.T) {
	tp := dlqFixture(t)

	tp.runExpectSuccess("dlq", "purge", "bad", "--job", "dlq-job")

	out := tp.runExpectSuccess("dlq", "list", "--job", "dlq-job")
	assert.Contains(t, out, "No dead-lettered items")
}
