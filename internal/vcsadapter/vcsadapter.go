// Package vcsadapter wraps the narrow set of git commands the orchestrator
// is allowed to issue: rev-parse HEAD, ls-files (tracked and untracked),
// diff --cached --name-only, and restore --worktree --, plus the
// rev-parse --is-inside-work-tree probe behind IsRepo. No other git
// surface is touched.
package vcsadapter

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Adapter runs git commands rooted at a single repository.
type Adapter struct {
	Root string
}

// New returns an Adapter rooted at root.
func New(root string) *Adapter {
	return &Adapter{Root: root}
}

func (a *Adapter) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = a.Root
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, stderr.String())
	}
	return stdout.String(), nil
}

// IsRepo reports whether Root is inside a git working tree.
func (a *Adapter) IsRepo(ctx context.Context) bool {
	cmd := exec.CommandContext(ctx, "git", "rev-parse", "--is-inside-work-tree")
	cmd.Dir = a.Root
	return cmd.Run() == nil
}

// HeadRev returns the current HEAD commit hash.
func (a *Adapter) HeadRev(ctx context.Context) (string, error) {
	out, err := a.run(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// TrackedFiles lists all paths git considers tracked.
func (a *Adapter) TrackedFiles(ctx context.Context) ([]string, error) {
	out, err := a.run(ctx, "ls-files")
	if err != nil {
		return nil, err
	}
	return splitNonEmpty(out), nil
}

// UntrackedFiles lists untracked, non-ignored paths.
func (a *Adapter) UntrackedFiles(ctx context.Context) ([]string, error) {
	out, err := a.run(ctx, "ls-files", "--others", "--exclude-standard")
	if err != nil {
		return nil, err
	}
	return splitNonEmpty(out), nil
}

// StagedFiles lists paths currently staged for commit.
func (a *Adapter) StagedFiles(ctx context.Context) ([]string, error) {
	out, err := a.run(ctx, "diff", "--cached", "--name-only")
	if err != nil {
		return nil, err
	}
	return splitNonEmpty(out), nil
}

// RestoreWorktree restores the given paths to their HEAD content in the
// worktree. Paths must already be relative to Root.
func (a *Adapter) RestoreWorktree(ctx context.Context, paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	args := append([]string{"restore", "--worktree", "--"}, paths...)
	_, err := a.run(ctx, args...)
	return err
}

func splitNonEmpty(s string) []string {
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		if l != "" {
			out = append(out, l)
		}
	}
	return out
}
