// Package scheduler implements ordered execution of specialist steps with
// per-step retries, a narrow fixer, and lock rules.
package scheduler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/BayesianSociety/orchestrator/internal/agentinvoker"
	"github.com/BayesianSociety/orchestrator/internal/briefcfg"
	"github.com/BayesianSociety/orchestrator/internal/gating"
	"github.com/BayesianSociety/orchestrator/internal/orchconst"
	"github.com/BayesianSociety/orchestrator/internal/policystore"
	"github.com/BayesianSociety/orchestrator/internal/promptvariants"
	"github.com/BayesianSociety/orchestrator/internal/runartifacts"
	"github.com/BayesianSociety/orchestrator/internal/selector"
	"github.com/BayesianSociety/orchestrator/internal/snapshot"
	"github.com/BayesianSociety/orchestrator/internal/stepspec"
	"github.com/BayesianSociety/orchestrator/internal/validators"
)

const attemptsLimit = 3

// StepOutcome records one step's final result for the run summary.
type StepOutcome struct {
	Step   string   `json:"step"`
	OK     bool     `json:"ok"`
	Errors []string `json:"errors"`
}

// Summary aggregates one execute_specialist_steps-equivalent run.
type Summary struct {
	Steps               []StepOutcome `json:"steps"`
	RetriesBeyondFirst  int           `json:"retries_beyond_first_total"`
	FixerRuns           int           `json:"fixer_runs_total"`
	ChangedFilesTotal   int           `json:"changed_files_total"`
	HardInvalid         bool          `json:"hard_invalid"`
}

// Scheduler drives step attempts against one workspace.
type Scheduler struct {
	Root    string
	RunID   string
	Invoker *agentinvoker.Invoker
	DesignB bool
}

func applyStepLimitsOverrides(policy *policystore.Policy, step stepspec.StepSpec) stepspec.StepSpec {
	ov, ok := policy.StepLimitsOverrides[step.Name]
	if !ok {
		return step
	}
	maxChanged := step.MaxChangedFiles
	if v, ok := ov["max_changed_files"]; ok {
		maxChanged = v
	}
	maxBytes := step.MaxTotalBytesChanged
	if v, ok := ov["max_total_bytes_changed"]; ok {
		maxBytes = int64(v)
	}
	maxDeleted := step.MaxDeletedFiles
	if v, ok := ov["max_deleted_files"]; ok {
		maxDeleted = v
	}
	return step.WithLimits(maxChanged, maxBytes, maxDeleted)
}

func tightenLimitsOnFailure(policy *policystore.Policy, step stepspec.StepSpec) {
	curr := policy.StepLimitsOverrides[step.Name]
	if curr == nil {
		curr = map[string]int{}
	}
	newMaxChanged := int(float64(step.MaxChangedFiles) * 0.8)
	if newMaxChanged < 5 {
		newMaxChanged = 5
	}
	if newMaxChanged > step.MaxChangedFiles {
		newMaxChanged = step.MaxChangedFiles
	}
	newMaxBytes := int64(float64(step.MaxTotalBytesChanged) * 0.8)
	if newMaxBytes < 20_000 {
		newMaxBytes = 20_000
	}
	if newMaxBytes > step.MaxTotalBytesChanged {
		newMaxBytes = step.MaxTotalBytesChanged
	}
	curr["max_changed_files"] = newMaxChanged
	curr["max_total_bytes_changed"] = int(newMaxBytes)
	curr["max_deleted_files"] = 0
	policy.StepLimitsOverrides[step.Name] = curr
}

func getConstraintPatch(policy *policystore.Policy, stepName string) string {
	patch, ok := policy.ConstraintPatches[stepName]
	if !ok {
		return ""
	}
	lines := strings.Split(patch, "\n")
	if len(lines) > 8 {
		lines = lines[:8]
	}
	return strings.Join(lines, "\n")
}

func maybeUpdateConstraintPatch(policy *policystore.Policy, stepName string, errorCodes []string) {
	uniq := map[string]bool{}
	var codes []string
	for _, c := range errorCodes {
		if !uniq[c] {
			uniq[c] = true
			codes = append(codes, c)
		}
	}
	sort.Strings(codes)
	if len(codes) > 8 {
		codes = codes[:8]
	}
	if len(codes) == 0 {
		return
	}
	var lines []string
	for _, c := range codes {
		lines = append(lines, fmt.Sprintf("- Previous deterministic failure code: %s. Avoid triggering it.", c))
	}
	policy.ConstraintPatches[stepName] = strings.Join(lines, "\n")
}

// lockViolations checks step capability flags against protected paths that
// depend on workspace state the gating engine alone can't resolve.
func lockViolations(root string, step stepspec.StepSpec, changed []string, designB bool) []string {
	var errs []string
	changedSet := map[string]bool{}
	for _, p := range changed {
		changedSet[p] = true
	}
	briefExists := fileExists(filepath.Join(root, orchconst.ProjectBriefMD))
	if briefExists && !step.CanModifyBrief && changedSet[orchconst.ProjectBriefMD] {
		errs = append(errs, "PROJECT_BRIEF_LOCKED")
	}
	if fileExists(filepath.Join(root, orchconst.ProjectBriefYAML)) && !step.CanModifyBriefYAML && changedSet[orchconst.ProjectBriefYAML] {
		errs = append(errs, "PROJECT_BRIEF_YAML_LOCKED")
	}
	if designB && fileExists(filepath.Join(root, orchconst.AgentsMD)) && !step.CanModifyAgentsDoc && changedSet[orchconst.AgentsMD] {
		errs = append(errs, "AGENTS_LOCKED")
	}
	if !step.CanModifyPrompts {
		for _, p := range changed {
			if p == orchconst.PromptsDir || strings.HasPrefix(p, orchconst.PromptsDir+"/") {
				errs = append(errs, "PROMPTS_RESTRICTED")
				break
			}
		}
		for _, p := range changed {
			if p == orchconst.SkillsDir || strings.HasPrefix(p, orchconst.SkillsDir+"/") {
				errs = append(errs, "SKILLS_RESTRICTED")
				break
			}
		}
	}
	return errs
}

func fileExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

// StepAttemptResult bundles one attempt's gating outcome with the agent's
// raw exit code, so callers can distinguish a gating violation from a
// clean-gating-but-nonzero-exit failure; the two feed different
// constraint-patch codes.
type StepAttemptResult struct {
	Gating   gating.Result
	ExitCode int
}

// RunStepOnce executes a single step attempt: pick a variant, build the
// prompt, invoke the agent, gate the result, log, and update selector
// stats.
func (s *Scheduler) RunStepOnce(ctx context.Context, step stepspec.StepSpec, attempt int, policy *policystore.Policy, briefText string, cfg briefcfg.Config) (StepAttemptResult, error) {
	step = applyStepLimitsOverrides(policy, step)

	variants := promptvariants.ForAgent(s.Root, step.PromptAgent, s.DesignB)
	epoch := promptvariants.EpochHash(s.Root, variants, s.DesignB)

	ids := make([]string, 0, len(variants))
	byID := map[string]string{}
	for _, v := range variants {
		ids = append(ids, v.ID)
		byID[v.ID] = v.Text
	}
	sort.Strings(ids)

	chosenID := selector.Select(policy, step.PromptAgent, epoch, ids)
	variantText := byID[chosenID]

	patch := getConstraintPatch(policy, step.Name)
	prompt := buildStepPrompt(step, variantText, briefText, cfg, attempt, patch)

	pre, err := snapshot.Take(ctx, s.Root)
	if err != nil {
		return StepAttemptResult{}, fmt.Errorf("scheduler: pre-snapshot: %w", err)
	}
	if len(pre.Staged) > 0 {
		return StepAttemptResult{}, fmt.Errorf("scheduler: PRE_STAGED_NOT_EMPTY: git diff --cached must be empty at run start")
	}

	invokeResult, err := s.Invoker.RunStep(ctx, prompt)
	if err != nil {
		return StepAttemptResult{}, fmt.Errorf("scheduler: agent invocation: %w", err)
	}

	post, err := snapshot.Take(ctx, s.Root)
	if err != nil {
		return StepAttemptResult{}, fmt.Errorf("scheduler: post-snapshot: %w", err)
	}

	lockCheck := func(step stepspec.StepSpec, changed []string) []string {
		return lockViolations(s.Root, step, changed, s.DesignB)
	}
	result, err := gating.Evaluate(ctx, s.Root, pre, step, post, lockCheck)
	if err != nil {
		return StepAttemptResult{Gating: result, ExitCode: invokeResult.ExitCode}, err
	}

	passed := !result.Violated() && invokeResult.ExitCode == 0
	clean := passed && attempt == 0
	selector.Update(policy, step.PromptAgent, epoch, chosenID, passed, clean)

	artifacts := runartifacts.Dir(s.Root, s.RunID)
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_ = runartifacts.AppendJSONL(artifacts, "selection_log.jsonl", map[string]interface{}{
		"timestamp":  now,
		"step":       step.Name,
		"attempt":    attempt + 1,
		"agent":      step.PromptAgent,
		"prompt_epoch_id": epoch,
		"variant_id": chosenID,
		"strategy":   policy.SelectionStrategy,
		"bootstrap_min_trials_per_variant": policy.BootstrapMinTrialsPerVariant,
	})
	_ = runartifacts.AppendJSONL(artifacts, "step_attempts.jsonl", map[string]interface{}{
		"timestamp":        now,
		"invocation_id":    invokeResult.InvocationID,
		"step":             step.Name,
		"attempt":          attempt + 1,
		"exit_code":        invokeResult.ExitCode,
		"changed_paths":    result.Changed,
		"deleted_paths":    result.Deleted,
		"new_paths":        result.New,
		"invariant_errors": result.InvariantErrors,
		"allowlist_errors": result.AllowlistErrors,
		"cap_errors":       result.CapErrors,
	})
	if invokeResult.Stdout != "" {
		_ = runartifacts.WriteLog(artifacts, fmt.Sprintf("%s.attempt%d.stdout.log", step.Name, attempt+1), invokeResult.Stdout)
	}
	if invokeResult.Stderr != "" {
		_ = runartifacts.WriteLog(artifacts, fmt.Sprintf("%s.attempt%d.stderr.log", step.Name, attempt+1), invokeResult.Stderr)
	}

	return StepAttemptResult{Gating: result, ExitCode: invokeResult.ExitCode}, nil
}

// RunFixerIfPossible attempts one narrow fixer invocation restricted to
// artifact files, for the validator-fixable failure code subset only.
func (s *Scheduler) RunFixerIfPossible(ctx context.Context, step stepspec.StepSpec, failureCodes []string, briefText string) (bool, error) {
	supported := false
	for _, c := range failureCodes {
		if orchconst.FixerSupportedCodes[c] {
			supported = true
			break
		}
	}
	if !supported {
		return false, nil
	}

	fixerStep := step
	fixerStep.Name = step.Name + "_fixer"
	fixerStep.AllowGlobs = []string{"REQUIREMENTS.md", "TEST.md", "AGENT_TASKS.md", "design/**", "frontend/**", "backend/**", "tests/**"}

	prompt := fmt.Sprintf(
		"You are a deterministic fixer.\n"+
			"Fix ONLY the specific deterministic validator failures listed below.\n"+
			"Do not modify /.orchestrator/** or .git/**.\n"+
			"Do not edit unrelated files.\n"+
			"Failures: %s\n"+
			"Project brief (must not be contradicted):\n%s\n",
		strings.Join(uniqueSorted(failureCodes), ", "), briefText)

	pre, err := snapshot.Take(ctx, s.Root)
	if err != nil {
		return false, fmt.Errorf("scheduler: fixer pre-snapshot: %w", err)
	}
	invokeResult, err := s.Invoker.RunStep(ctx, prompt)
	if err != nil {
		return false, fmt.Errorf("scheduler: fixer invocation: %w", err)
	}
	post, err := snapshot.Take(ctx, s.Root)
	if err != nil {
		return false, fmt.Errorf("scheduler: fixer post-snapshot: %w", err)
	}

	result, err := gating.Evaluate(ctx, s.Root, pre, fixerStep, post, nil)
	if err != nil {
		return false, err
	}

	artifacts := runartifacts.Dir(s.Root, s.RunID)
	_ = runartifacts.AppendJSONL(artifacts, "fixers.jsonl", map[string]interface{}{
		"timestamp":        time.Now().UTC().Format(time.RFC3339Nano),
		"step":             step.Name,
		"exit_code":        invokeResult.ExitCode,
		"failure_codes":    uniqueSorted(failureCodes),
		"changed_paths":    result.Changed,
		"invariant_errors": result.InvariantErrors,
		"allowlist_errors": result.AllowlistErrors,
	})

	if invokeResult.ExitCode != 0 || len(result.InvariantErrors) > 0 || len(result.AllowlistErrors) > 0 {
		if !result.Reverted {
			_, _, _ = gating.Revert(ctx, s.Root, result.Changed, result.New)
		}
		return false, nil
	}
	return true, nil
}

func uniqueSorted(ss []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, s := range ss {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

// Execute runs every step to completion or failure, then returns the
// accumulated summary. Validators and tests are run by the pipeline driver
// afterward, not here.
func (s *Scheduler) Execute(ctx context.Context, steps []stepspec.StepSpec, policy *policystore.Policy, briefText string, cfg briefcfg.Config) Summary {
	var summary Summary

	for _, step := range steps {
		stepOK := false
		var stepErrors []string
		var failureCodes []string
		gatingOnly := true

		for attempt := 0; attempt < attemptsLimit; attempt++ {
			attemptResult, err := s.RunStepOnce(ctx, step, attempt, policy, briefText, cfg)
			if err != nil {
				stepErrors = append(stepErrors, err.Error())
				gatingOnly = false
				continue
			}
			result := attemptResult.Gating

			if result.Violated() {
				errs := result.Errors()
				stepErrors = append(stepErrors, errs...)
				failureCodes = append(failureCodes, "ALLOWLIST_OR_INVARIANT_FAIL")
				maybeUpdateConstraintPatch(policy, step.Name, []string{"ALLOWLIST_OR_INVARIANT_FAIL"})
				tightenLimitsOnFailure(policy, step)
				if attempt > 0 {
					summary.RetriesBeyondFirst++
				}
				continue
			}

			if attemptResult.ExitCode != 0 {
				stepErrors = append(stepErrors, fmt.Sprintf("agent exit nonzero for %s: %d", step.Name, attemptResult.ExitCode))
				failureCodes = append(failureCodes, "CODEX_EXIT_NONZERO")
				gatingOnly = false
				maybeUpdateConstraintPatch(policy, step.Name, []string{"CODEX_EXIT_NONZERO"})
				if attempt > 0 {
					summary.RetriesBeyondFirst++
				}
				continue
			}

			stepOK = true
			summary.ChangedFilesTotal += len(result.Changed)
			if attempt > 0 {
				summary.RetriesBeyondFirst += attempt
			}
			break
		}

		if !stepOK {
			// The fixer only understands the deterministic validator codes,
			// so re-validate the workspace and let any fixable codes found
			// there join the step's own failure codes before gating the
			// fixer on the supported subset. A step whose every attempt was
			// a gating violation skips this, so it never reaches the fixer.
			if !gatingOnly {
				failureCodes = append(failureCodes, validators.ValidateAll(s.Root, s.DesignB, nil).ErrorCodes...)
			}
			fixerOK, _ := s.RunFixerIfPossible(ctx, step, failureCodes, briefText)
			if fixerOK {
				summary.FixerRuns++
				stepOK = true
			} else {
				summary.HardInvalid = true
			}
		}

		summary.Steps = append(summary.Steps, StepOutcome{Step: step.Name, OK: stepOK, Errors: stepErrors})

		if !stepOK {
			break
		}
	}

	return summary
}
