package git

import (
	"context"
	"fmt"
)

// EnsureClean stashes any uncommitted changes and returns a restore
// function that pops the stash. A clean tree returns a no-op restore. The
// caller must always invoke restore, typically via defer, so edits sitting
// in the primary checkout survive whatever operation needed it clean.
func (c *Client) EnsureClean(ctx context.Context) (restore func() error, err error) {
	stashed, err := c.Stash(ctx, "prodigy: auto-stash before operation")
	if err != nil {
		return nil, fmt.Errorf("git: ensure clean: %w", err)
	}
	if !stashed {
		return func() error { return nil }, nil
	}
	return func() error {
		if popErr := c.StashPop(ctx); popErr != nil {
			return fmt.Errorf("git: ensure clean: restoring stash: %w", popErr)
		}
		return nil
	}, nil
}
