package scheduler

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/BayesianSociety/orchestrator/internal/agentinvoker"
	"github.com/BayesianSociety/orchestrator/internal/briefcfg"
	"github.com/BayesianSociety/orchestrator/internal/orchconst"
	"github.com/BayesianSociety/orchestrator/internal/policystore"
	"github.com/BayesianSociety/orchestrator/internal/stepspec"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

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
	if err := os.WriteFile(filepath.Join(dir, ".gitkeep"), []byte(""), 0o644); err != nil {
		t.Fatal(err)
	}
	runGit(t, dir, "add", ".gitkeep")
	runGit(t, dir, "commit", "-q", "-m", "init")
	return dir
}

// writeAgent installs a fake agent script. The body runs only for the real
// "exec -" invocation; the "exec --help" probe always exits 0 with no flags
// advertised.
func writeAgent(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "fake-agent.sh")
	script := "#!/bin/sh\n" +
		"if [ \"$2\" = \"--help\" ]; then exit 0; fi\n" +
		"cat >/dev/null 2>&1\n" +
		body
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestTightenLimitsOnFailureFloorsAndRatchets(t *testing.T) {
	policy := policystore.Default()
	step := stepspec.StepSpec{
		Name:                 "designer",
		MaxChangedFiles:      60,
		MaxTotalBytesChanged: 500_000,
		MaxDeletedFiles:      3,
	}

	tightenLimitsOnFailure(&policy, step)
	ov := policy.StepLimitsOverrides["designer"]
	if ov["max_changed_files"] != 48 {
		t.Errorf("max_changed_files = %d, want 48", ov["max_changed_files"])
	}
	if ov["max_total_bytes_changed"] != 400_000 {
		t.Errorf("max_total_bytes_changed = %d, want 400000", ov["max_total_bytes_changed"])
	}
	if ov["max_deleted_files"] != 0 {
		t.Errorf("max_deleted_files = %d, want 0", ov["max_deleted_files"])
	}

	// Repeated failures keep ratcheting down, but never below the floors.
	small := step.WithLimits(5, 20_000, 0)
	for i := 0; i < 5; i++ {
		tightenLimitsOnFailure(&policy, small)
	}
	ov = policy.StepLimitsOverrides["designer"]
	if ov["max_changed_files"] != 5 {
		t.Errorf("floored max_changed_files = %d, want 5", ov["max_changed_files"])
	}
	if ov["max_total_bytes_changed"] != 20_000 {
		t.Errorf("floored max_total_bytes_changed = %d, want 20000", ov["max_total_bytes_changed"])
	}
}

func TestApplyStepLimitsOverridesNeverLoosens(t *testing.T) {
	policy := policystore.Default()
	policy.StepLimitsOverrides["designer"] = map[string]int{
		"max_changed_files":       10,
		"max_total_bytes_changed": 900_000, // larger than the default; must be ignored
	}
	step := stepspec.StepSpec{
		Name:                 "designer",
		MaxChangedFiles:      60,
		MaxTotalBytesChanged: 500_000,
	}
	got := applyStepLimitsOverrides(&policy, step)
	if got.MaxChangedFiles != 10 {
		t.Errorf("MaxChangedFiles = %d, want 10", got.MaxChangedFiles)
	}
	if got.MaxTotalBytesChanged != 500_000 {
		t.Errorf("MaxTotalBytesChanged = %d, want 500000 (overrides never loosen)", got.MaxTotalBytesChanged)
	}
}

func TestConstraintPatchBoundedToEightLines(t *testing.T) {
	policy := policystore.Default()
	var codes []string
	for _, c := range []string{"A", "B", "C", "D", "E", "F", "G", "H", "I", "J"} {
		codes = append(codes, "CODE_"+c)
	}
	maybeUpdateConstraintPatch(&policy, "qa", codes)
	patch := getConstraintPatch(&policy, "qa")
	if n := len(strings.Split(patch, "\n")); n > 8 {
		t.Errorf("constraint patch has %d lines, want at most 8", n)
	}
	if !strings.Contains(patch, "CODE_A") {
		t.Errorf("patch should name the failure codes, got %q", patch)
	}
}

func TestConstraintPatchEmptyForUnknownStep(t *testing.T) {
	policy := policystore.Default()
	if got := getConstraintPatch(&policy, "nope"); got != "" {
		t.Errorf("patch for unknown step = %q, want empty", got)
	}
}

func TestLockViolationsProtectedFiles(t *testing.T) {
	root := t.TempDir()
	for _, f := range []string{orchconst.ProjectBriefMD, orchconst.ProjectBriefYAML, orchconst.AgentsMD} {
		if err := os.WriteFile(filepath.Join(root, f), []byte("x\n"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	step := stepspec.StepSpec{Name: "designer"}
	changed := []string{
		orchconst.ProjectBriefMD,
		orchconst.ProjectBriefYAML,
		orchconst.AgentsMD,
		"prompts/designer/v1.txt",
		".codex/skills/designer/SKILL.md",
	}
	errs := lockViolations(root, step, changed, true)

	want := []string{"PROJECT_BRIEF_LOCKED", "PROJECT_BRIEF_YAML_LOCKED", "AGENTS_LOCKED", "PROMPTS_RESTRICTED", "SKILLS_RESTRICTED"}
	for _, w := range want {
		found := false
		for _, e := range errs {
			if e == w {
				found = true
			}
		}
		if !found {
			t.Errorf("expected lock error %s in %v", w, errs)
		}
	}

	// An authorized step produces none of them.
	open := stepspec.StepSpec{
		Name:               "release_engineer",
		CanModifyBrief:     true,
		CanModifyBriefYAML: true,
		CanModifyAgentsDoc: true,
		CanModifyPrompts:   true,
	}
	if errs := lockViolations(root, open, changed, true); len(errs) != 0 {
		t.Errorf("authorized step should have no lock violations, got %v", errs)
	}
}

func TestBuildStepPromptContainsAllSections(t *testing.T) {
	step := stepspec.StepSpec{
		Name:       "designer",
		Role:       "UX / Designer",
		AllowGlobs: []string{"design/**", "REQUIREMENTS.md"},
	}
	cfg := briefcfg.Config{Exists: true, Parsed: briefcfg.Structured{ProjectType: "web_app"}}
	prompt := buildStepPrompt(step, "variant body", "the brief", cfg, 2, "- avoid X")

	for _, want := range []string{
		"variant body",
		"Role: UX / Designer",
		"Step: designer",
		"Retry attempt index: 2",
		"- design/**",
		"Do not modify /.orchestrator/**",
		"project_type from PROJECT_BRIEF.yaml: web_app",
		"- avoid X",
		"the brief",
	} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
}

func TestBuildStepPromptOmitsEmptyPatch(t *testing.T) {
	step := stepspec.StepSpec{Name: "qa", Role: "QA Tester"}
	prompt := buildStepPrompt(step, "v", "brief", briefcfg.Config{}, 0, "  ")
	if strings.Contains(prompt, "Additional deterministic constraints") {
		t.Error("empty patch must not emit its section header")
	}
}

func TestUniqueSorted(t *testing.T) {
	got := uniqueSorted([]string{"b", "a", "b", "c", "a"})
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("uniqueSorted = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("uniqueSorted = %v, want %v", got, want)
		}
	}
}

func TestRunFixerSkipsUnsupportedCodes(t *testing.T) {
	s := &Scheduler{Root: t.TempDir(), RunID: "20260101-000000"}
	ran, err := s.RunFixerIfPossible(context.Background(), stepspec.StepSpec{Name: "designer"},
		[]string{"ALLOWLIST_OR_INVARIANT_FAIL", "CODEX_EXIT_NONZERO"}, "brief")
	if err != nil {
		t.Fatal(err)
	}
	if ran {
		t.Error("fixer must not run for codes outside the supported subset")
	}
}

func TestExecuteCleanRunWithNoopAgent(t *testing.T) {
	root := newRepo(t)
	agent := writeAgent(t, t.TempDir(), "exit 0\n")

	s := &Scheduler{
		Root:    root,
		RunID:   "20260101-000000",
		Invoker: agentinvoker.New(agent, 30*time.Second),
	}
	policy := policystore.Default()
	steps := []stepspec.StepSpec{
		{
			Name:                 "qa",
			Role:                 "QA Tester",
			PromptAgent:          "qa",
			AllowGlobs:           []string{"tests/**", "TEST.md"},
			MaxChangedFiles:      10,
			MaxTotalBytesChanged: 100_000,
		},
	}

	summary := s.Execute(context.Background(), steps, &policy, "brief", briefcfg.Config{})

	if len(summary.Steps) != 1 || !summary.Steps[0].OK {
		t.Fatalf("expected one clean step, got %+v", summary.Steps)
	}
	if summary.RetriesBeyondFirst != 0 || summary.FixerRuns != 0 || summary.HardInvalid {
		t.Errorf("clean run should have no retries/fixers/hard-invalid, got %+v", summary)
	}

	// A no-op agent changes nothing, so a clean pass was recorded for the
	// chosen variant in this epoch's bucket.
	foundClean := false
	for _, b := range policy.Stats {
		for _, n := range b.CleanPasses {
			if n > 0 {
				foundClean = true
			}
		}
	}
	if !foundClean {
		t.Error("expected a clean pass recorded in the stats bucket")
	}
}

func TestExecuteFailingAgentMarksHardInvalid(t *testing.T) {
	root := newRepo(t)
	agent := writeAgent(t, t.TempDir(), "exit 3\n")

	s := &Scheduler{
		Root:    root,
		RunID:   "20260101-000001",
		Invoker: agentinvoker.New(agent, 30*time.Second),
	}
	policy := policystore.Default()
	steps := []stepspec.StepSpec{
		{
			Name:                 "qa",
			Role:                 "QA Tester",
			PromptAgent:          "qa",
			AllowGlobs:           []string{"tests/**", "TEST.md"},
			MaxChangedFiles:      10,
			MaxTotalBytesChanged: 100_000,
		},
	}

	summary := s.Execute(context.Background(), steps, &policy, "brief", briefcfg.Config{})

	if !summary.HardInvalid {
		t.Error("a step failing all attempts without a fixer should mark the run hard-invalid")
	}
	if len(summary.Steps) != 1 || summary.Steps[0].OK {
		t.Fatalf("step should be recorded as failed, got %+v", summary.Steps)
	}
	if summary.RetriesBeyondFirst != 2 {
		t.Errorf("RetriesBeyondFirst = %d, want 2 (attempts 1 and 2 of 3)", summary.RetriesBeyondFirst)
	}
	if got := getConstraintPatch(&policy, "qa"); !strings.Contains(got, "CODEX_EXIT_NONZERO") {
		t.Errorf("constraint patch should name CODEX_EXIT_NONZERO, got %q", got)
	}
}
