// Package checkpoint implements atomic persistence and reload of a
// workflow.WorkflowCheckpoint so a job can resume exactly where it left
// off after a crash or interruption. Writes go through internal/store's
// write-temp-then-rename path; a checksum over the canonical encoding
// detects truncation or corruption on reload.
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/prodigy-cli/prodigy/internal/store"
	"github.com/prodigy-cli/prodigy/internal/workflow"
)

// Format is the current on-disk schema version. Load rejects checkpoints
// written by a newer format.
const Format = 1

// ErrCorrupt is returned by Load when a checkpoint's checksum does not
// match its contents.
var ErrCorrupt = errors.New("checkpoint: checksum mismatch")

// ErrNotFound is returned by Load when no checkpoint exists for a job ID.
var ErrNotFound = store.ErrNotFound

// ErrFormatTooNew is returned by Load when the checkpoint was written by a
// newer release than this one.
var ErrFormatTooNew = errors.New("checkpoint: format version not supported")

// Manager persists and reloads WorkflowCheckpoints.
type Manager struct {
	store *store.Store
}

// New creates a Manager backed by a Store rooted at dir.
func New(dir string) *Manager {
	return &Manager{store: store.New(dir)}
}

func key(jobID string) string {
	return fmt.Sprintf("checkpoints/%s.json", jobID)
}

// Save atomically persists cp, bumping its monotonic version and stamping
// its checksum over the canonicalized JSON encoding (computed with the
// Checksum field zeroed so re-verification on Load is deterministic).
func (m *Manager) Save(cp *workflow.WorkflowCheckpoint) error {
	cp.Format = Format
	cp.Version++
	cp.UpdatedAt = time.Now().UTC()

	cp.Checksum = ""
	raw, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("checkpoint: marshaling job %q: %w", cp.JobID, err)
	}
	cp.Checksum = store.Checksum(raw)

	if err := m.store.WriteJSON(key(cp.JobID), cp); err != nil {
		return fmt.Errorf("checkpoint: saving job %q: %w", cp.JobID, err)
	}
	return nil
}

// Load reads back the checkpoint for jobID, rejecting unsupported formats
// and verifying the checksum.
func (m *Manager) Load(jobID string) (*workflow.WorkflowCheckpoint, error) {
	var cp workflow.WorkflowCheckpoint
	if err := m.store.ReadJSON(key(jobID), &cp); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("checkpoint: job %q: %w", jobID, ErrNotFound)
		}
		return nil, fmt.Errorf("checkpoint: loading job %q: %w", jobID, err)
	}

	if cp.Format > Format {
		return nil, fmt.Errorf("checkpoint: job %q written by format %d (max supported %d): %w",
			jobID, cp.Format, Format, ErrFormatTooNew)
	}

	want := cp.Checksum
	cp.Checksum = ""
	raw, err := json.Marshal(&cp)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: re-marshaling job %q: %w", jobID, err)
	}
	got := store.Checksum(raw)
	cp.Checksum = want
	if want != "" && want != got {
		return nil, fmt.Errorf("checkpoint: job %q: %w", jobID, ErrCorrupt)
	}
	return &cp, nil
}

// Delete removes the checkpoint for jobID, if any.
func (m *Manager) Delete(jobID string) error {
	if err := m.store.Delete(key(jobID)); err != nil {
		return fmt.Errorf("checkpoint: deleting job %q: %w", jobID, err)
	}
	return nil
}

// Exists reports whether a checkpoint exists for jobID.
func (m *Manager) Exists(jobID string) bool {
	return m.store.Exists(key(jobID))
}

// List returns the job IDs of every persisted checkpoint, sorted.
func (m *Manager) List() ([]string, error) {
	keys, err := m.store.List("checkpoints")
	if err != nil {
		return nil, fmt.Errorf("checkpoint: listing: %w", err)
	}
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		name := strings.TrimPrefix(k, "checkpoints/")
		if id, ok := strings.CutSuffix(name, ".json"); ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// ShouldCheckpoint is the time-based gate deciding whether another
// checkpoint write is due. An interval of zero means checkpoint on every
// opportunity.
func ShouldCheckpoint(last time.Time, interval time.Duration) bool {
	if interval <= 0 {
		return true
	}
	return time.Since(last) >= interval
}

// Validate checks cp's internal consistency: step index within bounds and
// every completed map item backed by an agent result. currentHash, when
// non-empty, is compared against the recorded workflow hash; a mismatch is
// reported through the returned warning rather than an error, since an
// edited workflow may still be safely resumable.
func Validate(cp *workflow.WorkflowCheckpoint, currentHash string) (warning string, err error) {
	if cp.TotalSteps > 0 && cp.NextStepIndex > cp.TotalSteps {
		return "", fmt.Errorf("checkpoint: step index %d exceeds total steps %d", cp.NextStepIndex, cp.TotalSteps)
	}

	if cp.MapReduce != nil {
		for _, itemID := range cp.MapReduce.CompletedItems {
			if _, ok := cp.MapReduce.AgentResults[itemID]; !ok {
				return "", fmt.Errorf("checkpoint: processed item %q has no result", itemID)
			}
		}
	}

	if currentHash != "" && cp.WorkflowHash != "" && currentHash != cp.WorkflowHash {
		warning = fmt.Sprintf("workflow changed since checkpoint was written (hash %s, now %s)", cp.WorkflowHash, currentHash)
	}
	return warning, nil
}

// HashWorkflow fingerprints a workflow document for the checkpoint's
// compatibility check.
func HashWorkflow(wf *workflow.Workflow) string {
	raw, err := json.Marshal(wf)
	if err != nil {
		return ""
	}
	return store.Checksum(raw)
}
