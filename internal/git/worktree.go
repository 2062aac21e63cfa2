package git

import (
	"context"
	"fmt"
	"strings"
)

// WorktreeAdd creates a new git worktree at path on a new branch named
// branch, based on base.
func (c *Client) WorktreeAdd(ctx context.Context, path, branch, base string) error {
	if _, err := c.run(ctx, "worktree", "add", "-b", branch, path, base); err != nil {
		return fmt.Errorf("git: worktree add %q: %w", path, err)
	}
	return nil
}

// WorktreeRemove deletes the worktree at path. force passes --force, which
// is needed when the worktree has uncommitted changes the caller has
// already decided to discard.
func (c *Client) WorktreeRemove(ctx context.Context, path string, force bool) error {
	args := []string{"worktree", "remove"}
	if force {
		args = append(args, "--force")
	}
	args = append(args, path)
	if _, err := c.run(ctx, args...); err != nil {
		return fmt.Errorf("git: worktree remove %q: %w", path, err)
	}
	return nil
}

// WorktreeEntry is one row of `git worktree list --porcelain`.
type WorktreeEntry struct {
	Path     string
	HeadSHA  string
	Branch   string
	Detached bool
}

// WorktreeList parses `git worktree list --porcelain` into structured
// entries.
func (c *Client) WorktreeList(ctx context.Context) ([]WorktreeEntry, error) {
	out, err := c.run(ctx, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, fmt.Errorf("git: worktree list: %w", err)
	}

	var entries []WorktreeEntry
	var cur *WorktreeEntry
	for _, line := range strings.Split(out, "\n") {
		switch {
		case strings.HasPrefix(line, "worktree "):
			if cur != nil {
				entries = append(entries, *cur)
			}
			cur = &WorktreeEntry{Path: strings.TrimPrefix(line, "worktree ")}
		case strings.HasPrefix(line, "HEAD "):
			if cur != nil {
				cur.HeadSHA = strings.TrimPrefix(line, "HEAD ")
			}
		case strings.HasPrefix(line, "branch "):
			if cur != nil {
				cur.Branch = strings.TrimPrefix(strings.TrimPrefix(line, "branch "), "refs/heads/")
			}
		case line == "detached":
			if cur != nil {
				cur.Detached = true
			}
		}
	}
	if cur != nil {
		entries = append(entries, *cur)
	}
	return entries, nil
}
