// Package worktree manages one isolated git worktree per in-flight
// map-phase item, so concurrent agents never step on each other's
// working-directory state.
package worktree

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/charmbracelet/log"

	"github.com/prodigy-cli/prodigy/internal/git"
)

// Session describes one acquired worktree, including the detail an
// operator-facing listing needs, not just an acquire/release handle.
type Session struct {
	Path       string
	Branch     string
	BaseRef    string
	HeadSHA    string
	Dirty      bool
	JobID      string
	ItemID     string
	AcquiredAt time.Time
}

// Manager creates and tears down per-item worktrees rooted under BaseDir.
type Manager struct {
	mu      sync.Mutex
	repo    *git.Client
	baseDir string
	logger  *log.Logger
	active  map[string]*Session // keyed by Path
}

// New creates a Manager. repo is the primary checkout worktrees branch from;
// baseDir is the directory new worktrees are created under (e.g.
// ".prodigy/worktrees").
func New(repo *git.Client, baseDir string, logger *log.Logger) *Manager {
	return &Manager{
		repo:    repo,
		baseDir: baseDir,
		logger:  logger,
		active:  make(map[string]*Session),
	}
}

// Acquire creates a fresh worktree on a new branch for (jobID, itemID),
// branching from base (typically the primary worktree's current branch).
//
// The primary checkout is stashed-clean first (internal/git's EnsureClean)
// so a new worktree branches from base's committed HEAD rather than missing
// whatever uncommitted edits are still sitting in the primary tree.
func (m *Manager) Acquire(ctx context.Context, jobID, itemID, base string) (*Session, error) {
	if err := os.MkdirAll(m.baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("worktree: creating base directory %q: %w", m.baseDir, err)
	}

	if base == "" {
		current, err := m.repo.CurrentBranch(ctx)
		if err != nil {
			return nil, fmt.Errorf("worktree: resolving base branch for item %q: %w", itemID, err)
		}
		base = current
	}

	restore, err := m.repo.EnsureClean(ctx)
	if err != nil {
		return nil, fmt.Errorf("worktree: cleaning primary checkout before acquiring item %q: %w", itemID, err)
	}

	path := filepath.Join(m.baseDir, fmt.Sprintf("%s-%s", jobID, itemID))
	branch := fmt.Sprintf("prodigy/%s/%s", jobID, itemID)

	addErr := m.repo.WorktreeAdd(ctx, path, branch, base)
	if restoreErr := restore(); restoreErr != nil {
		m.log("restoring stashed primary checkout failed", "job", jobID, "item", itemID, "error", restoreErr)
	}
	if addErr != nil {
		return nil, fmt.Errorf("worktree: acquiring session for item %q: %w", itemID, addErr)
	}

	session := &Session{
		Path:       path,
		Branch:     branch,
		BaseRef:    base,
		JobID:      jobID,
		ItemID:     itemID,
		AcquiredAt: time.Now().UTC(),
	}

	m.mu.Lock()
	m.active[path] = session
	m.mu.Unlock()

	m.log("worktree acquired", "job", jobID, "item", itemID, "path", path)
	return session, nil
}

// Release removes the worktree backing session. force discards any
// uncommitted changes it still holds.
func (m *Manager) Release(ctx context.Context, session *Session, force bool) error {
	if err := m.repo.WorktreeRemove(ctx, session.Path, force); err != nil {
		return fmt.Errorf("worktree: releasing session for item %q: %w", session.ItemID, err)
	}

	m.mu.Lock()
	delete(m.active, session.Path)
	m.mu.Unlock()

	m.log("worktree released", "job", session.JobID, "item", session.ItemID)
	return nil
}

// ListSessions returns the detailed listing view for every worktree
// currently reported by git, cross-referenced against locally tracked
// acquisitions for JobID/ItemID/AcquiredAt.
func (m *Manager) ListSessions(ctx context.Context) ([]Session, error) {
	entries, err := m.repo.WorktreeList(ctx)
	if err != nil {
		return nil, fmt.Errorf("worktree: listing sessions: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Session, 0, len(entries))
	for _, e := range entries {
		s := Session{Path: e.Path, Branch: e.Branch, HeadSHA: e.HeadSHA}
		if tracked, ok := m.active[e.Path]; ok {
			s.JobID = tracked.JobID
			s.ItemID = tracked.ItemID
			s.AcquiredAt = tracked.AcquiredAt
		}
		out = append(out, s)
	}
	return out, nil
}

// Changes is everything an agent's worktree produced: the files it
// touched, the commits it made, and the aggregate line counts.
type Changes struct {
	FilesModified []string
	Commits       []string
	Insertions    int
	Deletions     int
}

// ExtractChanges commits whatever the agent left uncommitted in session's
// worktree under message, then diffs the worktree branch against the ref
// it was created from. Paths matching one of the glob patterns in ignore
// (doublestar syntax, e.g. "**/*.log") are excluded from the file list but
// still counted in the commits.
func (m *Manager) ExtractChanges(ctx context.Context, session *Session, message string, ignore []string) (*Changes, error) {
	itemRepo := m.repo.At(session.Path)

	if _, err := itemRepo.CommitAll(ctx, message); err != nil {
		return nil, fmt.Errorf("worktree: committing changes for item %q: %w", session.ItemID, err)
	}

	base := session.BaseRef
	if base == "" {
		base = "HEAD"
	}

	files, err := itemRepo.ChangedFiles(ctx, base)
	if err != nil {
		return nil, fmt.Errorf("worktree: extracting changes for item %q: %w", session.ItemID, err)
	}

	commits, err := itemRepo.CommitsSince(ctx, base)
	if err != nil {
		return nil, fmt.Errorf("worktree: listing commits for item %q: %w", session.ItemID, err)
	}

	changes := &Changes{Commits: commits}
	for _, fc := range files {
		changes.Insertions += fc.Insertions
		changes.Deletions += fc.Deletions
		if matchesAny(ignore, fc.Path) {
			continue
		}
		changes.FilesModified = append(changes.FilesModified, fc.Path)
	}
	return changes, nil
}

func matchesAny(patterns []string, path string) bool {
	for _, p := range patterns {
		if ok, _ := doublestar.Match(p, path); ok {
			return true
		}
	}
	return false
}

func (m *Manager) log(msg string, kvs ...any) {
	if m.logger == nil {
		return
	}
	m.logger.Info(msg, kvs...)
}
