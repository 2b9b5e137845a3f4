// Package gating implements the gating engine: classifies a step's
// filesystem changes against invariants, the allowlist, and change caps,
// and performs a deterministic revert when any check fails.
package gating

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BayesianSociety/orchestrator/internal/pathpolicy"
	"github.com/BayesianSociety/orchestrator/internal/snapshot"
	"github.com/BayesianSociety/orchestrator/internal/stepspec"
	"github.com/BayesianSociety/orchestrator/internal/vcsadapter"
)

// Result is the outcome of gating one step attempt.
type Result struct {
	Changed  []string
	Deleted  []string
	New      []string
	BytesChanged int64

	InvariantErrors []string
	AllowlistErrors []string
	CapErrors       []string
	LockErrors      []string

	Reverted       bool
	RestoredPaths  []string
	RemovedPaths   []string
}

// Violated reports whether any error list is non-empty.
func (r Result) Violated() bool {
	return len(r.InvariantErrors) > 0 || len(r.AllowlistErrors) > 0 || len(r.CapErrors) > 0 || len(r.LockErrors) > 0
}

// Errors flattens every error list into one slice, in a fixed order.
func (r Result) Errors() []string {
	var all []string
	all = append(all, r.InvariantErrors...)
	all = append(all, r.AllowlistErrors...)
	all = append(all, r.CapErrors...)
	all = append(all, r.LockErrors...)
	return all
}

// LockChecker reports protected-path lock violations that depend on
// external state (brief/agents-doc presence) the gating engine alone
// cannot know about; callers supply it so gating stays a pure function of
// its snapshot+step inputs plus this one collaborator.
type LockChecker func(step stepspec.StepSpec, changed []string) []string

// Evaluate computes the diff between pre and post, classifies it, and --
// if any check fails -- performs a deterministic revert. The HEAD, staged-set
// and index-hash invariants are read from the two snapshots themselves.
func Evaluate(ctx context.Context, root string, pre snapshot.Snapshot, step stepspec.StepSpec, post snapshot.Snapshot, lockCheck LockChecker) (Result, error) {
	diff := snapshot.Diff(pre, post)
	changed := diff.Changed()

	var invariantErrors []string
	invariantErrors = append(invariantErrors, pathpolicy.CheckForbidden(changed)...)

	if pre.Head != post.Head {
		invariantErrors = append(invariantErrors, "Git HEAD changed during agent run")
	}
	if len(post.Staged) > 0 {
		invariantErrors = append(invariantErrors, "git diff --cached not empty after agent run")
	}
	if pre.IndexHash != "" && post.IndexHash != "" && pre.IndexHash != post.IndexHash {
		invariantErrors = append(invariantErrors, ".git/index changed during agent run")
	}

	allowlistErrors := pathpolicy.CheckAllowlist(root, step, changed)

	var capErrors []string
	if n := len(changed); n > step.MaxChangedFiles {
		capErrors = append(capErrors, fmt.Sprintf("Changed files cap exceeded: %d>%d", n, step.MaxChangedFiles))
	}
	bytesChanged := snapshot.BytesChanged(changed, pre, post)
	if bytesChanged > step.MaxTotalBytesChanged {
		capErrors = append(capErrors, fmt.Sprintf("Byte cap exceeded: %d>%d", bytesChanged, step.MaxTotalBytesChanged))
	}
	if n := len(diff.Deleted); n > step.MaxDeletedFiles {
		capErrors = append(capErrors, fmt.Sprintf("Deleted files cap exceeded: %d>%d", n, step.MaxDeletedFiles))
	}

	var lockErrors []string
	if lockCheck != nil {
		lockErrors = lockCheck(step, changed)
	}

	res := Result{
		Changed:         changed,
		Deleted:         diff.Deleted,
		New:             diff.Created,
		BytesChanged:    bytesChanged,
		InvariantErrors: invariantErrors,
		AllowlistErrors: allowlistErrors,
		CapErrors:       capErrors,
		LockErrors:      lockErrors,
	}

	if res.Violated() {
		restored, removed, err := Revert(ctx, root, changed, diff.Created)
		if err != nil {
			return res, fmt.Errorf("gating: revert failed, run is fatal: %w", err)
		}
		res.Reverted = true
		res.RestoredPaths = restored
		res.RemovedPaths = removed
	}

	return res, nil
}

// Revert restores every path in changed-minus-new via VCS, deletes every
// path in new (recursively for directories that became created trees), and
// prunes any parent directories left empty, stopping short of root.
func Revert(ctx context.Context, root string, changed, created []string) (restored, removed []string, err error) {
	newSet := make(map[string]bool, len(created))
	for _, p := range created {
		newSet[p] = true
	}

	var toRestore []string
	for _, p := range changed {
		if !newSet[p] {
			toRestore = append(toRestore, p)
		}
	}
	sort.Strings(toRestore)

	if len(toRestore) > 0 {
		vcs := vcsadapter.New(root)
		if verr := vcs.RestoreWorktree(ctx, toRestore); verr != nil {
			return nil, nil, fmt.Errorf("revert: restore worktree: %w", verr)
		}
	}

	sortedNew := make([]string, 0, len(created))
	sortedNew = append(sortedNew, created...)
	sort.Strings(sortedNew)

	for _, p := range sortedNew {
		abs := filepath.Join(root, p)
		if err := os.RemoveAll(abs); err != nil && !os.IsNotExist(err) {
			return toRestore, removed, fmt.Errorf("revert: remove %s: %w", p, err)
		}
		removed = append(removed, p)
		pruneEmptyParents(root, filepath.Dir(abs))
	}

	return toRestore, removed, nil
}

// pruneEmptyParents removes dir and its ancestors while they are empty,
// stopping at (not including) root.
func pruneEmptyParents(root, dir string) {
	absRoot, _ := filepath.Abs(root)
	for {
		absDir, _ := filepath.Abs(dir)
		if absDir == absRoot || !strings.HasPrefix(absDir, absRoot) {
			return
		}
		entries, err := os.ReadDir(dir)
		if err != nil || len(entries) > 0 {
			return
		}
		if err := os.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}
