// Package dlq implements the dead-letter queue: a bounded store of work
// items that exhausted their retry budget, with error-signature pattern
// analysis so an operator can see what's actually breaking instead of
// reading N near-identical failures one at a time.
package dlq

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"time"

	"github.com/prodigy-cli/prodigy/internal/store"
)

// ErrFull is returned by Add when the queue is already at MaxItems and the
// oldest item cannot be evicted (eviction always succeeds in practice; this
// exists for callers that configure MaxItems <= 0, which disables eviction).
var ErrFull = errors.New("dlq: queue is full")

// FailureDetail records one failed attempt against an item.
type FailureDetail struct {
	Attempt    int       `json:"attempt"`
	Error      string    `json:"error"`
	ErrorType  string    `json:"error_type,omitempty"`
	AgentID    string    `json:"agent_id,omitempty"`
	StepFailed string    `json:"step_failed,omitempty"`
	DurationMs int64     `json:"duration_ms,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// DeadLetteredItem is a work item that exhausted its retry budget.
type DeadLetteredItem struct {
	JobID  string `json:"job_id"`
	ItemID string `json:"item_id"`
	Item   any    `json:"item"`

	Failures     []FailureDetail `json:"failures"`
	FailureCount int             `json:"failure_count"`
	FirstAttempt time.Time       `json:"first_attempt,omitzero"`
	LastAttempt  time.Time       `json:"last_attempt,omitzero"`

	// ErrorSignature is the normalized form of the final failure, used to
	// group recurring breakage.
	ErrorSignature string `json:"error_signature,omitempty"`

	// ReprocessEligible marks items whose failure looks transient enough
	// for `prodigy dlq retry` to pick up by default.
	ReprocessEligible bool `json:"reprocess_eligible"`

	// ManualReviewRequired marks items an operator should look at before
	// any reprocess.
	ManualReviewRequired bool `json:"manual_review_required,omitempty"`

	AddedAt time.Time `json:"added_at"`
}

// Filter narrows List results.
type Filter struct {
	JobID string
	Since time.Time

	// ReprocessEligible, when set, keeps only items matching its value.
	ReprocessEligible *bool

	// ErrorSignature, when non-empty, keeps only items whose signature
	// matches exactly.
	ErrorSignature string
}

// Stats summarises the current queue contents.
type Stats struct {
	TotalItems int
	ByJob      map[string]int
}

// PatternGroup is one normalized-error-signature bucket from Analyze.
type PatternGroup struct {
	Signature string
	Count     int
	ItemIDs   []string
}

// Queue is a bounded, disk-backed dead-letter queue.
type Queue struct {
	store    *store.Store
	maxItems int
	ttl      time.Duration
}

// Options configures a Queue.
type Options struct {
	MaxItems int           // 0 means unlimited
	TTL      time.Duration // 0 means items never expire
}

// New creates a Queue backed by a Store rooted at dir.
func New(dir string, opts Options) *Queue {
	return &Queue{store: store.New(dir), maxItems: opts.MaxItems, ttl: opts.TTL}
}

func itemKey(jobID, itemID string) string {
	return fmt.Sprintf("dlq/%s/%s.json", jobID, itemID)
}

// Add persists item, deriving the summary fields from its failure history
// when unset and evicting the oldest entry for the same job first if
// MaxItems would otherwise be exceeded.
func (q *Queue) Add(item DeadLetteredItem) error {
	if item.AddedAt.IsZero() {
		item.AddedAt = time.Now().UTC()
	}
	if n := len(item.Failures); n > 0 {
		item.FailureCount = n
		if item.FirstAttempt.IsZero() {
			item.FirstAttempt = item.Failures[0].Timestamp
		}
		if item.LastAttempt.IsZero() {
			item.LastAttempt = item.Failures[n-1].Timestamp
		}
		if item.ErrorSignature == "" {
			last := item.Failures[n-1]
			item.ErrorSignature = Signature(last.ErrorType, last.Error)
		}
	}

	if q.maxItems > 0 {
		existing, err := q.listJob(item.JobID)
		if err != nil {
			return err
		}
		if len(existing) >= q.maxItems {
			sort.Slice(existing, func(i, j int) bool { return existing[i].AddedAt.Before(existing[j].AddedAt) })
			oldest := existing[0]
			if oldest.ItemID != item.ItemID {
				if err := q.store.Delete(itemKey(oldest.JobID, oldest.ItemID)); err != nil {
					return fmt.Errorf("dlq: evicting oldest item %q: %w", oldest.ItemID, err)
				}
			}
		}
	}

	if err := q.store.WriteJSON(itemKey(item.JobID, item.ItemID), item); err != nil {
		return fmt.Errorf("dlq: adding item %q: %w", item.ItemID, err)
	}
	return nil
}

// Get returns the dead-lettered entry for (jobID, itemID).
func (q *Queue) Get(jobID, itemID string) (*DeadLetteredItem, error) {
	var item DeadLetteredItem
	if err := q.store.ReadJSON(itemKey(jobID, itemID), &item); err != nil {
		return nil, fmt.Errorf("dlq: getting item %q: %w", itemID, err)
	}
	return &item, nil
}

// Remove deletes (jobID, itemID) from the queue, e.g. after a successful
// reprocess.
func (q *Queue) Remove(jobID, itemID string) error {
	if err := q.store.Delete(itemKey(jobID, itemID)); err != nil {
		return fmt.Errorf("dlq: removing item %q: %w", itemID, err)
	}
	return nil
}

// List returns every item matching filter, newest first, excluding items
// past the configured TTL.
func (q *Queue) List(filter Filter) ([]DeadLetteredItem, error) {
	all, err := q.listJob(filter.JobID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	var out []DeadLetteredItem
	for _, it := range all {
		if q.ttl > 0 && now.Sub(it.AddedAt) > q.ttl {
			continue
		}
		if !filter.Since.IsZero() && it.AddedAt.Before(filter.Since) {
			continue
		}
		if filter.ReprocessEligible != nil && it.ReprocessEligible != *filter.ReprocessEligible {
			continue
		}
		if filter.ErrorSignature != "" && it.ErrorSignature != filter.ErrorSignature {
			continue
		}
		out = append(out, it)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AddedAt.After(out[j].AddedAt) })
	return out, nil
}

// Reprocess removes the named items from the queue and returns them so the
// caller can re-enqueue their work. Empty ids means every item for the
// job. Items that disappeared between list and removal are skipped, not
// errors.
func (q *Queue) Reprocess(jobID string, ids []string) ([]DeadLetteredItem, error) {
	if len(ids) == 0 {
		all, err := q.listJob(jobID)
		if err != nil {
			return nil, err
		}
		for _, it := range all {
			ids = append(ids, it.ItemID)
		}
		sort.Strings(ids)
	}

	var out []DeadLetteredItem
	for _, id := range ids {
		item, err := q.Get(jobID, id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return out, err
		}
		if err := q.Remove(jobID, id); err != nil {
			return out, err
		}
		out = append(out, *item)
	}
	return out, nil
}

// PurgeOld deletes every item for jobID added before cutoff, returning how
// many were removed.
func (q *Queue) PurgeOld(jobID string, cutoff time.Time) (int, error) {
	all, err := q.listJob(jobID)
	if err != nil {
		return 0, err
	}
	purged := 0
	for _, it := range all {
		if it.AddedAt.Before(cutoff) {
			if err := q.Remove(it.JobID, it.ItemID); err != nil {
				return purged, err
			}
			purged++
		}
	}
	return purged, nil
}

// listJob lists raw entries for jobID ("" means all jobs), without TTL
// filtering.
func (q *Queue) listJob(jobID string) ([]DeadLetteredItem, error) {
	prefix := "dlq"
	if jobID != "" {
		prefix = fmt.Sprintf("dlq/%s", jobID)
	}
	keys, err := q.store.List(prefix)
	if err != nil {
		return nil, fmt.Errorf("dlq: listing: %w", err)
	}

	items := make([]DeadLetteredItem, 0, len(keys))
	for _, k := range keys {
		var it DeadLetteredItem
		if err := q.store.ReadJSON(k, &it); err != nil {
			continue // skip unreadable/partial entries rather than fail the whole listing
		}
		items = append(items, it)
	}
	return items, nil
}

// GetStats summarises the queue's current contents.
func (q *Queue) GetStats() (Stats, error) {
	items, err := q.listJob("")
	if err != nil {
		return Stats{}, err
	}
	stats := Stats{ByJob: make(map[string]int)}
	for _, it := range items {
		stats.TotalItems++
		stats.ByJob[it.JobID]++
	}
	return stats, nil
}

// Signature normalization strips numeric substrings, quoted literals, and
// filesystem paths from an error message before grouping: "timeout after
// 30s" and "timeout after 45s" must collapse into one group, as must two
// failures naming different files.
var (
	quotedRe = regexp.MustCompile(`"[^"]*"|'[^']*'`)
	pathRe   = regexp.MustCompile(`(/[\w.-]+)+\.[a-z]+`)
	numberRe = regexp.MustCompile(`\d+`)
)

func normalizeMessage(msg string) string {
	s := quotedRe.ReplaceAllString(msg, "<q>")
	s = pathRe.ReplaceAllString(s, "<path>")
	s = numberRe.ReplaceAllString(s, "<n>")
	return s
}

// Signature builds the grouping key for a failure: the error type joined
// with the normalized message.
func Signature(errorType, msg string) string {
	if errorType == "" {
		errorType = "Error"
	}
	return errorType + "::" + normalizeMessage(msg)
}

// Analyze groups every item's most recent failure by normalized error
// signature, sorted by descending group size.
func (q *Queue) Analyze(jobID string) ([]PatternGroup, error) {
	items, err := q.listJob(jobID)
	if err != nil {
		return nil, err
	}

	groups := make(map[string]*PatternGroup)
	for _, it := range items {
		if len(it.Failures) == 0 {
			continue
		}
		sig := it.ErrorSignature
		if sig == "" {
			last := it.Failures[len(it.Failures)-1]
			sig = Signature(last.ErrorType, last.Error)
		}
		g, ok := groups[sig]
		if !ok {
			g = &PatternGroup{Signature: sig}
			groups[sig] = g
		}
		g.Count++
		g.ItemIDs = append(g.ItemIDs, it.ItemID)
	}

	out := make([]PatternGroup, 0, len(groups))
	for _, g := range groups {
		out = append(out, *g)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Signature < out[j].Signature
	})
	return out, nil
}
