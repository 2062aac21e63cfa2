// Package jobstate implements the durable state/recovery record of a job:
// an append-only history of phase transitions plus per-work-item progress,
// used both to report status and to compute a resume plan after a crash or
// interrupt.
package jobstate

import (
	"fmt"
	"time"

	"github.com/prodigy-cli/prodigy/internal/store"
	"github.com/prodigy-cli/prodigy/internal/workflow"
	"github.com/prodigy-cli/prodigy/internal/workitem"
)

// TransitionEvent records one phase-level transition for the append-only
// history.
type TransitionEvent struct {
	Phase     workflow.Phase `json:"phase"`
	Message   string         `json:"message"`
	Timestamp time.Time      `json:"timestamp"`
}

// ItemState tracks one map-phase work item's lifecycle status, separate
// from the checkpoint's step history because items progress concurrently
// and independently of each other.
type ItemState struct {
	ItemID    string          `json:"item_id"`
	Status    workitem.Status `json:"status"`
	Attempts  int             `json:"attempts"`
	UpdatedAt time.Time       `json:"updated_at"`

	// Output is the agent's recorded result for a completed item, kept so
	// a resumed job can skip the item without losing its contribution to
	// the reduce phase.
	Output any `json:"output,omitempty"`
}

// JobState is the durable record of one job's progress.
type JobState struct {
	JobID        string                `json:"job_id"`
	WorkflowName string                `json:"workflow_name"`
	WorkflowPath string                `json:"workflow_path"`
	Phase        workflow.Phase        `json:"phase"`
	History      []TransitionEvent     `json:"history"`
	Items        map[string]*ItemState `json:"items"`
	CreatedAt    time.Time             `json:"created_at"`
	UpdatedAt    time.Time             `json:"updated_at"`
}

// validPhaseTransitions enumerates the legal (from, to) phase pairs. A job
// always moves forward: setup -> map -> reduce -> merge, with phases a
// workflow doesn't define skipped over.
var validPhaseTransitions = map[workflow.Phase]map[workflow.Phase]bool{
	"":                   {workflow.PhaseSetup: true},
	workflow.PhaseSetup:  {workflow.PhaseMap: true, workflow.PhaseReduce: true, workflow.PhaseMerge: true},
	workflow.PhaseMap:    {workflow.PhaseReduce: true, workflow.PhaseMerge: true},
	workflow.PhaseReduce: {workflow.PhaseMerge: true},
	workflow.PhaseMerge:  {},
}

// ErrInvalidPhaseTransition is returned by AdvancePhase for an illegal
// (current, target) pair.
type ErrInvalidPhaseTransition struct {
	From, To workflow.Phase
}

func (e *ErrInvalidPhaseTransition) Error() string {
	return fmt.Sprintf("jobstate: cannot advance from phase %q to %q", e.From, e.To)
}

// New creates a fresh JobState at the setup phase. workflowPath is the
// filesystem path the workflow YAML was loaded from, persisted so that a
// job-id-only `prodigy resume` can reload the same document without the
// caller re-specifying it.
func New(jobID, workflowName, workflowPath string) *JobState {
	now := time.Now().UTC()
	return &JobState{
		JobID:        jobID,
		WorkflowName: workflowName,
		WorkflowPath: workflowPath,
		Phase:        workflow.PhaseSetup,
		Items:        make(map[string]*ItemState),
		CreatedAt:    now,
		UpdatedAt:    now,
		History: []TransitionEvent{{
			Phase:     workflow.PhaseSetup,
			Message:   "job created",
			Timestamp: now,
		}},
	}
}

// AdvancePhase validates and records a transition to target, appending a
// TransitionEvent to the history.
func (j *JobState) AdvancePhase(target workflow.Phase, message string) error {
	allowed, ok := validPhaseTransitions[j.Phase]
	if !ok || !allowed[target] {
		return &ErrInvalidPhaseTransition{From: j.Phase, To: target}
	}
	j.Phase = target
	j.UpdatedAt = time.Now().UTC()
	j.History = append(j.History, TransitionEvent{Phase: target, Message: message, Timestamp: j.UpdatedAt})
	return nil
}

// UpdateItem records the current status of a work item, creating an entry
// if one doesn't yet exist.
func (j *JobState) UpdateItem(itemID string, status workitem.Status) {
	now := time.Now().UTC()
	it, ok := j.Items[itemID]
	if !ok {
		it = &ItemState{ItemID: itemID}
		j.Items[itemID] = it
	}
	if status == workitem.InProgress && it.Status != workitem.InProgress {
		it.Attempts++
	}
	it.Status = status
	it.UpdatedAt = now
	j.UpdatedAt = now
}

// ResumePlan is the set of decisions a resumed job needs: which phase to
// re-enter and which items still need (re-)dispatch.
type ResumePlan struct {
	Phase           workflow.Phase
	PendingItemIDs  []string
	InFlightItemIDs []string
}

// Plan derives a ResumePlan from the current state: any item not in a
// terminal status is eligible for re-dispatch, since a crash mid-flight
// leaves no durable signal that the work actually completed.
func (j *JobState) Plan() ResumePlan {
	plan := ResumePlan{Phase: j.Phase}
	for id, it := range j.Items {
		if workitem.IsTerminal(it.Status) {
			continue
		}
		if it.Status == workitem.InProgress {
			plan.InFlightItemIDs = append(plan.InFlightItemIDs, id)
		} else {
			plan.PendingItemIDs = append(plan.PendingItemIDs, id)
		}
	}
	return plan
}

// SetItemOutput records a completed item's agent result.
func (j *JobState) SetItemOutput(itemID string, output any) {
	if it, ok := j.Items[itemID]; ok {
		it.Output = output
	}
}

// RewindToMap moves a job that already progressed past its map phase back
// to it, so requeued dead-lettered items get re-dispatched on the next
// resume. The forward-only transition table deliberately excludes this;
// it is an explicit operator action, not part of normal phase flow.
func (j *JobState) RewindToMap(message string) {
	if j.Phase != workflow.PhaseReduce && j.Phase != workflow.PhaseMerge {
		return
	}
	j.Phase = workflow.PhaseMap
	j.UpdatedAt = time.Now().UTC()
	j.History = append(j.History, TransitionEvent{Phase: workflow.PhaseMap, Message: message, Timestamp: j.UpdatedAt})
}

// InterruptAll resets every in-progress item back to pending, returning
// the IDs it reset. Called when a job is cancelled so a resume
// re-dispatches the cut-off work.
func (j *JobState) InterruptAll() []string {
	now := time.Now().UTC()
	var reset []string
	for id, it := range j.Items {
		if it.Status == workitem.InProgress {
			it.Status = workitem.Pending
			it.UpdatedAt = now
			reset = append(reset, id)
		}
	}
	if len(reset) > 0 {
		j.UpdatedAt = now
	}
	return reset
}

// Counts tallies items by status for exit metrics and status output.
func (j *JobState) Counts() map[workitem.Status]int {
	counts := make(map[workitem.Status]int)
	for _, it := range j.Items {
		counts[it.Status]++
	}
	return counts
}

// Manager persists JobStates, reusing the atomic-write Store that also
// backs checkpoint.Manager and dlq.Queue.
type Manager struct {
	store *store.Store
}

// New creates a Manager backed by a Store rooted at dir.
func NewManager(dir string) *Manager {
	return &Manager{store: store.New(dir)}
}

func jobKey(jobID string) string {
	return fmt.Sprintf("jobs/%s.json", jobID)
}

// Save atomically persists state.
func (m *Manager) Save(state *JobState) error {
	if err := m.store.WriteJSON(jobKey(state.JobID), state); err != nil {
		return fmt.Errorf("jobstate: saving job %q: %w", state.JobID, err)
	}
	return nil
}

// Load reads back the JobState for jobID.
func (m *Manager) Load(jobID string) (*JobState, error) {
	var state JobState
	if err := m.store.ReadJSON(jobKey(jobID), &state); err != nil {
		return nil, fmt.Errorf("jobstate: loading job %q: %w", jobID, err)
	}
	return &state, nil
}

// List returns every persisted job ID.
func (m *Manager) List() ([]string, error) {
	keys, err := m.store.List("jobs")
	if err != nil {
		return nil, fmt.Errorf("jobstate: listing jobs: %w", err)
	}
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		var id string
		if _, err := fmt.Sscanf(k, "jobs/%s", &id); err == nil {
			ids = append(ids, trimJSONSuffix(id))
		}
	}
	return ids, nil
}

// Delete removes the persisted JobState for jobID, if any.
func (m *Manager) Delete(jobID string) error {
	if err := m.store.Delete(jobKey(jobID)); err != nil {
		return fmt.Errorf("jobstate: deleting job %q: %w", jobID, err)
	}
	return nil
}

func trimJSONSuffix(s string) string {
	const suffix = ".json"
	if len(s) > len(suffix) && s[len(s)-len(suffix):] == suffix {
		return s[:len(s)-len(suffix)]
	}
	return s
}
