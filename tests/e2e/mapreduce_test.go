package e2e_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestMapReduce_HappyPath fans three items out across two workers and
// reduces the aggregates into a file.
func TestMapReduce_HappyPath(t *testing.T) {
	tp := newTestProject(t)

	tp.writeFile("items.json", `{"items":[{"id":"a"},{"id":"b"},{"id":"c"}]}`)

	wf := tp.writeWorkflow("mr.yaml", `name: mr
map:
  input: items.json
  json_path: ".items"
  id_path: id
  max_parallel: "2"
  agent:
    - shell: "echo ${item.id} >> seen.txt"
reduce:
  - write_file:
      path: out.txt
      content: "${map.total}:${map.successful}"
`)

	out := tp.runExpectSuccess("run", wf)
	assert.Contains(t, out, "3 successful")

	require.Equal(t, "3:3", tp.readFile("out.txt"))

	// Every item ran exactly once; completion order is not guaranteed.
	seen := tp.readFile("seen.txt")
	for _, id := range []string{"a", "b", "c"} {
		assert.Contains(t, seen, id)
	}
}

// TestMapReduce_FilterAndMaxItems applies the item filter before the cap.
func TestMapReduce_FilterAndMaxItems(t *testing.T) {
	tp := newTestProject(t)

	tp.writeFile("items.json", `[
  {"name":"keep-1","score":5},
  {"name":"drop","score":0},
  {"name":"keep-2","score":9},
  {"name":"keep-3","score":7}
]`)

	wf := tp.writeWorkflow("filter.yaml", `name: filter
map:
  input: items.json
  filter: "${item.score} > 0"
  max_items: 2
  agent:
    - shell: "echo ${item.name} >> kept.txt"
reduce:
  - write_file:
      path: count.txt
      content: "${map.total}"
`)

	tp.runExpectSuccess("run", wf)
	assert.Equal(t, "2", tp.readFile("count.txt"))

	kept := tp.readFile("kept.txt")
	assert.NotContains(t, kept, "drop")
}

// TestMapReduce_PartialFailureStillReduces keeps the phase alive when some
// items fail but at least one succeeds.
func TestMapReduce_PartialFailureStillReduces(t *testing.T) {
	tp := newTestProject(t)

	tp.writeFile("items.json", `[{"cmd":"true"},{"cmd":"false"},{"cmd":"true"}]`)

	wf := tp.writeWorkflow("partial.yaml", `name: partial
map:
  input: items.json
  agent:
    - shell: "${item.cmd}"
reduce:
  - write_file:
      path: tally.txt
      content: "${map.successful}/${map.failed}"
`)

	tp.runExpectSuccess("run", wf)
	assert.Equal(t, "2/1", tp.readFile("tally.txt"))
}

// TestMapReduce_TotalWipeoutFails fails the job when every item fails.
func TestMapReduce_TotalWipeoutFails(t *testing.T) {
	tp := newTestProject(t)

	tp.writeFile("items.json", `[{"id":1},{"id":2}]`)

	wf := tp.writeWorkflow("wipeout.yaml", `name: wipeout
map:
  input: items.json
  agent:
    - shell: "exit 1"
`)

	out, code := tp.runExpectFailure("run", wf)
	assert.Equal(t, 1, code, "output:\n%s", out)
}
