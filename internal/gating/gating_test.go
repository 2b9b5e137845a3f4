package gating

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/BayesianSociety/orchestrator/internal/snapshot"
	"github.com/BayesianSociety/orchestrator/internal/stepspec"
)

func runGit(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
		"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com",
	)
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("git %v: %v\n%s", args, err, out)
	}
}

func newRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	runGit(t, dir, "init", "-q")
	if err := os.MkdirAll(filepath.Join(dir, "design"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "design", "api.md"), []byte("v1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	runGit(t, dir, "add", ".")
	runGit(t, dir, "commit", "-q", "-m", "init")
	return dir
}

func TestEvaluateRevertsOnAllowlistViolation(t *testing.T) {
	dir := newRepo(t)
	ctx := context.Background()

	pre, err := snapshot.Take(ctx, dir)
	if err != nil {
		t.Fatal(err)
	}

	// Agent writes outside its allowlist.
	if err := os.MkdirAll(filepath.Join(dir, "backend"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "backend", "server.js"), []byte("oops\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	post, err := snapshot.Take(ctx, dir)
	if err != nil {
		t.Fatal(err)
	}

	step := stepspec.StepSpec{
		Name:                 "designer",
		AllowGlobs:           []string{"design/**"},
		MaxChangedFiles:      60,
		MaxTotalBytesChanged: 500_000,
		MaxDeletedFiles:      0,
	}

	res, err := Evaluate(ctx, dir, pre, step, post, nil)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if len(res.AllowlistErrors) == 0 {
		t.Fatal("expected an allowlist error")
	}
	if !res.Reverted {
		t.Fatal("expected the violating change to be reverted")
	}
	if _, err := os.Stat(filepath.Join(dir, "backend", "server.js")); !os.IsNotExist(err) {
		t.Errorf("expected backend/server.js to be removed after revert, stat err=%v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "backend")); !os.IsNotExist(err) {
		t.Errorf("expected the now-empty backend/ directory to be pruned after revert")
	}

	after, err := snapshot.Take(ctx, dir)
	if err != nil {
		t.Fatal(err)
	}
	changedUnion := snapshot.Diff(pre, post).Changed()
	finalDiff := snapshot.Diff(pre, after)
	if len(finalDiff.Changed()) != 0 {
		t.Errorf("workspace should be bit-identical to pre-snapshot for %v after revert, still diffs as %v", changedUnion, finalDiff.Changed())
	}
}

func TestEvaluateRetainsCleanPass(t *testing.T) {
	dir := newRepo(t)
	ctx := context.Background()

	pre, err := snapshot.Take(ctx, dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "design", "api.md"), []byte("v2\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	post, err := snapshot.Take(ctx, dir)
	if err != nil {
		t.Fatal(err)
	}

	step := stepspec.StepSpec{
		Name:                 "designer",
		AllowGlobs:           []string{"design/**"},
		MaxChangedFiles:      60,
		MaxTotalBytesChanged: 500_000,
		MaxDeletedFiles:      0,
	}

	res, err := Evaluate(ctx, dir, pre, step, post, nil)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if res.Violated() {
		t.Fatalf("expected a clean pass, got errors: %v", res.Errors())
	}
	if res.Reverted {
		t.Fatal("a clean pass must not be reverted")
	}
	data, err := os.ReadFile(filepath.Join(dir, "design", "api.md"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "v2\n" {
		t.Errorf("expected the clean-pass change to be retained, got %q", data)
	}
}

func TestEvaluateCapsExceeded(t *testing.T) {
	dir := newRepo(t)
	ctx := context.Background()

	pre, err := snapshot.Take(ctx, dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "design", "api.md"), []byte("v2\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	post, err := snapshot.Take(ctx, dir)
	if err != nil {
		t.Fatal(err)
	}

	step := stepspec.StepSpec{
		Name:                 "designer",
		AllowGlobs:           []string{"design/**"},
		MaxChangedFiles:      0,
		MaxTotalBytesChanged: 500_000,
		MaxDeletedFiles:      0,
	}

	res, err := Evaluate(ctx, dir, pre, step, post, nil)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if len(res.CapErrors) == 0 {
		t.Fatal("expected a changed-file cap error")
	}
	if !res.Reverted {
		t.Fatal("expected a cap violation to be reverted")
	}
}

func TestLockChecker(t *testing.T) {
	dir := newRepo(t)
	ctx := context.Background()

	pre, err := snapshot.Take(ctx, dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "design", "api.md"), []byte("v2\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	post, err := snapshot.Take(ctx, dir)
	if err != nil {
		t.Fatal(err)
	}

	step := stepspec.StepSpec{
		Name:                 "designer",
		AllowGlobs:           []string{"design/**"},
		MaxChangedFiles:      60,
		MaxTotalBytesChanged: 500_000,
		MaxDeletedFiles:      0,
	}

	lockCheck := func(step stepspec.StepSpec, changed []string) []string {
		return []string{"DESIGN_LOCKED"}
	}

	res, err := Evaluate(ctx, dir, pre, step, post, lockCheck)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if len(res.LockErrors) != 1 {
		t.Fatalf("expected one lock error, got %v", res.LockErrors)
	}
	if !res.Reverted {
		t.Fatal("a lock violation must be reverted")
	}
}
