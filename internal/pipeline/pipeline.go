// Package pipeline implements the pipeline driver: pre-flight checks,
// prompt-library bootstrap, the baseline specialist run, the optional
// prompt-tuner + regression comparison, scoring, and run artifact
// persistence.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BayesianSociety/orchestrator/internal/agentinvoker"
	"github.com/BayesianSociety/orchestrator/internal/briefcfg"
	"github.com/BayesianSociety/orchestrator/internal/gating"
	"github.com/BayesianSociety/orchestrator/internal/historyindex"
	"github.com/BayesianSociety/orchestrator/internal/orchconst"
	"github.com/BayesianSociety/orchestrator/internal/orchlog"
	"github.com/BayesianSociety/orchestrator/internal/policystore"
	"github.com/BayesianSociety/orchestrator/internal/runartifacts"
	"github.com/BayesianSociety/orchestrator/internal/scheduler"
	"github.com/BayesianSociety/orchestrator/internal/score"
	"github.com/BayesianSociety/orchestrator/internal/snapshot"
	"github.com/BayesianSociety/orchestrator/internal/stepspec"
	"github.com/BayesianSociety/orchestrator/internal/testharness"
	"github.com/BayesianSociety/orchestrator/internal/validators"
	"github.com/BayesianSociety/orchestrator/internal/vcsadapter"
)

// Driver owns one pipeline run against a workspace root.
type Driver struct {
	Root        string
	DesignB     bool
	AgentBinary string
	Timeout     time.Duration
	BriefTokens []string
}

// NewDriver builds a Driver, loading the orchestrator's own optional
// config.yaml for agent binary name, timeout, and brief token overrides.
func NewDriver(root string, designB bool) (*Driver, error) {
	cfg, err := briefcfg.LoadOrchestratorConfig(root)
	if err != nil {
		return nil, err
	}
	timeout := time.Duration(orchconst.DefaultAgentTimeoutSeconds) * time.Second
	if cfg.AgentTimeoutSeconds > 0 {
		timeout = time.Duration(cfg.AgentTimeoutSeconds) * time.Second
	}
	if env := os.Getenv("ORCHESTRATOR_AGENT_TIMEOUT_SECONDS"); env != "" {
		secs, perr := strconv.Atoi(env)
		if perr != nil || secs <= 0 {
			return nil, fmt.Errorf("pipeline: ORCHESTRATOR_AGENT_TIMEOUT_SECONDS must be a positive integer, got %q", env)
		}
		timeout = time.Duration(secs) * time.Second
	}
	binary := cfg.AgentBinary
	if binary == "" {
		binary = "codex"
	}
	tokens := cfg.BriefTokens
	if len(tokens) == 0 {
		tokens = orchconst.DefaultBriefTokens
	}
	return &Driver{Root: root, DesignB: designB, AgentBinary: binary, Timeout: timeout, BriefTokens: tokens}, nil
}

// Preflight checks the presence of git and the agent binary.
func (d *Driver) Preflight(ctx context.Context) error {
	vcs := vcsadapter.New(d.Root)
	if !vcs.IsRepo(ctx) {
		return fmt.Errorf("pipeline: precondition: %s is not a git working tree", d.Root)
	}
	if _, err := exec.LookPath(d.AgentBinary); err != nil {
		return fmt.Errorf("pipeline: precondition: agent binary %q not found: %w", d.AgentBinary, err)
	}
	return nil
}

func newRunID() string {
	return time.Now().UTC().Format("20060102-150405")
}

// executeSpecialistSteps runs the scheduler across steps, then the
// validator suite and test harness once, then computes the score.
func (d *Driver) executeSpecialistSteps(ctx context.Context, runID string, steps []stepspec.StepSpec, policy *policystore.Policy, briefText string, cfg briefcfg.Config) RunResult {
	sch := &scheduler.Scheduler{
		Root:    d.Root,
		RunID:   runID,
		Invoker: agentinvoker.New(d.AgentBinary, d.Timeout),
		DesignB: d.DesignB,
	}
	summary := sch.Execute(ctx, steps, policy, briefText, cfg)

	v := validators.ValidateAll(d.Root, d.DesignB, d.BriefTokens)
	testsOK, testResults, testsError, _ := testharness.RunFromContract(ctx, d.Root, cfg)
	requiredOK := validators.ValidateBaseFilesAndStructure(d.Root, d.DesignB).OK

	s := score.Compute(score.Inputs{
		DesignB:            d.DesignB,
		HardInvalid:        summary.HardInvalid,
		ValidatorsOK:       v.OK,
		TestsOK:            testsOK,
		RetriesBeyondFirst: summary.RetriesBeyondFirst,
		FixerRuns:          summary.FixerRuns,
		ChangedFilesTotal:  summary.ChangedFilesTotal,
		RequiredOK:         requiredOK,
	})

	return RunResult{
		Steps:               summary.Steps,
		ValidatorErrorCodes: v.ErrorCodes,
		ValidatorMessages:   v.Messages,
		TestsOK:             testsOK,
		TestsError:          testsError,
		TestResults:         testResults,
		HardInvalid:         summary.HardInvalid,
		RetriesBeyondFirst:  summary.RetriesBeyondFirst,
		FixerRuns:           summary.FixerRuns,
		ChangedFilesTotal:   summary.ChangedFilesTotal,
		ValidatorsOK:        v.OK,
		RequiredOK:          requiredOK,
		Score:               s,
	}
}

// maybePromptLibraryBootstrap runs the single bootstrap pseudo-step when
// the design-b feature is active and either the prompts or skills
// directory is empty or absent.
func (d *Driver) maybePromptLibraryBootstrap(ctx context.Context, runID string, briefText string) (ran bool, failed bool) {
	if !d.DesignB {
		return false, false
	}
	promptsMissing := dirEmpty(filepath.Join(d.Root, orchconst.PromptsDir))
	skillsMissing := dirEmpty(filepath.Join(d.Root, orchconst.SkillsDir))
	if !promptsMissing && !skillsMissing {
		return false, false
	}

	step := stepspec.StepSpec{
		Name:             "prompt_library_bootstrap",
		Role:             "Prompt Library Bootstrap",
		PromptAgent:      "prompt_library_bootstrap",
		AllowGlobs:       []string{"prompts/**", ".codex/skills/**"},
		CanModifyPrompts: true,
	}

	prompt := fmt.Sprintf(
		"Create prompt library and skill files for all agents.\n"+
			"Allowed paths ONLY: /prompts/** and /.codex/skills/**\n"+
			"For each agent, create 2-5 prompt variants as .txt and a SKILL.md with YAML front matter including name and description.\n"+
			"Do not modify any other paths.\n"+
			"Project brief (must not be contradicted):\n%s\n", briefText)

	pre, err := snapshot.Take(ctx, d.Root)
	if err != nil {
		return true, true
	}
	inv := agentinvoker.New(d.AgentBinary, d.Timeout)
	invokeResult, err := inv.RunStep(ctx, prompt)
	if err != nil {
		return true, true
	}
	post, err := snapshot.Take(ctx, d.Root)
	if err != nil {
		return true, true
	}

	result, err := gating.Evaluate(ctx, d.Root, pre, step, post, nil)
	if err != nil {
		return true, true
	}

	if invokeResult.ExitCode != 0 || len(result.InvariantErrors) > 0 || len(result.AllowlistErrors) > 0 {
		if !result.Reverted {
			_, _, _ = gating.Revert(ctx, d.Root, result.Changed, result.New)
		}
		return true, true
	}

	guard := validators.ValidateDesignBPromptSkillGuardrails(d.Root)
	if !guard.OK {
		_, _, _ = gating.Revert(ctx, d.Root, result.Changed, result.New)
		return true, true
	}

	return true, false
}

func dirEmpty(dir string) bool {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return true
	}
	return len(entries) == 0
}

// runPromptTunerOnce runs the prompt-tuner pseudo-step restricted to the
// prompt/skill library.
func (d *Driver) runPromptTunerOnce(ctx context.Context, runID string, policy *policystore.Policy, briefText string, cfg briefcfg.Config) (ok bool, changed, created []string) {
	step := stepspec.StepSpec{
		Name:             "prompt_tuner",
		Role:             "Prompt Tuner",
		PromptAgent:      "prompt_tuner",
		AllowGlobs:       []string{"prompts/**", ".codex/skills/**"},
		CanModifyPrompts: true,
	}
	sch := &scheduler.Scheduler{
		Root:    d.Root,
		RunID:   runID,
		Invoker: agentinvoker.New(d.AgentBinary, d.Timeout),
		DesignB: true,
	}
	attempt, err := sch.RunStepOnce(ctx, step, 0, policy, briefText, cfg)
	if err != nil {
		return false, nil, nil
	}
	result := attempt.Gating

	guard := validators.ValidateDesignBPromptSkillGuardrails(d.Root)
	if !guard.OK {
		if !result.Reverted {
			_, _, _ = gating.Revert(ctx, d.Root, result.Changed, result.New)
		}
		return false, result.Changed, result.New
	}
	ok = attempt.ExitCode == 0 && !result.Violated()
	return ok, result.Changed, result.New
}

// RunSummary is the top-level run_summary.json document.
type RunSummary struct {
	RunID              string                 `json:"run_id"`
	DesignB            bool                   `json:"design_b"`
	AgentFeatures      agentinvoker.Features  `json:"agent_features"`
	BootstrapPromptLib bool                   `json:"bootstrap_prompt_library"`
	Baseline           RunResult              `json:"baseline"`
	Tuner              map[string]interface{} `json:"tuner,omitempty"`
	Final              RunResult              `json:"final"`
}

// RunPipeline executes the full pipeline (bootstrap, baseline, optional
// tuner+regression) and returns the documented exit code.
func (d *Driver) RunPipeline(ctx context.Context) (int, error) {
	if err := d.Preflight(ctx); err != nil {
		return orchconst.ExitPrecondition, err
	}

	log := orchlog.For("pipeline")

	if err := os.MkdirAll(filepath.Join(d.Root, orchconst.RunsDir), 0o755); err != nil {
		return orchconst.ExitInternalError, err
	}
	if d.DesignB {
		if err := os.MkdirAll(filepath.Join(d.Root, orchconst.EvalsDir), 0o755); err != nil {
			return orchconst.ExitInternalError, err
		}
	}

	policyPath := filepath.Join(d.Root, orchconst.PolicyFile)
	policy, err := policystore.Load(policyPath)
	if err != nil {
		return orchconst.ExitInternalError, err
	}

	runID := newRunID()

	briefText, briefExists := briefcfg.BriefText(d.Root)
	if !briefExists {
		return orchconst.ExitPrecondition, fmt.Errorf("pipeline: PROJECT_BRIEF.md must exist before running pipeline")
	}
	cfg, err := briefcfg.Load(d.Root)
	if err != nil {
		return orchconst.ExitPrecondition, err
	}

	backendRequired := stepspec.ShouldBackendBeRequired(briefText, cfg.Exists && cfg.Parsed.BackendRequired)
	steps := stepspec.DefaultSteps(d.DesignB, backendRequired)

	log.Infow("run starting", "run_id", runID, "design_b", d.DesignB, "steps", len(steps))

	bootstrapRan, bootstrapFailed := d.maybePromptLibraryBootstrap(ctx, runID, briefText)
	if bootstrapFailed {
		_ = policystore.Save(policyPath, policy)
		return orchconst.ExitValidationFailure, nil
	}

	baseline := d.executeSpecialistSteps(ctx, runID, steps, &policy, briefText, cfg)

	summary := RunSummary{
		RunID:              runID,
		DesignB:            d.DesignB,
		AgentFeatures:      agentinvoker.New(d.AgentBinary, d.Timeout).DetectFeatures(ctx),
		BootstrapPromptLib: bootstrapRan,
		Baseline:           baseline,
		Final:              baseline,
	}

	if d.DesignB {
		tunerOK, tunerChanged, tunerNew := d.runPromptTunerOnce(ctx, runID, &policy, briefText, cfg)
		tunerRecord := map[string]interface{}{
			"ran":           true,
			"ok":            tunerOK,
			"changed_paths": tunerChanged,
		}

		if tunerOK {
			regression := d.executeSpecialistSteps(ctx, runID, steps, &policy, briefText, cfg)
			accept := regression.Score > baseline.Score && regression.ValidatorsOK && regression.TestsOK && !regression.HardInvalid
			tunerRecord["accepted"] = accept
			tunerRecord["baseline_score"] = baseline.Score
			tunerRecord["tuned_score"] = regression.Score
			if accept {
				summary.Final = regression
			} else {
				_, _, _ = gating.Revert(ctx, d.Root, tunerChanged, tunerNew)
				summary.Final = baseline
			}
		} else {
			summary.Final = baseline
		}
		summary.Tuner = tunerRecord
	}

	artifacts := runartifacts.Dir(d.Root, runID)
	_ = runartifacts.WriteJSON(artifacts, "test_results.json", map[string]interface{}{
		"ok":      summary.Final.TestsOK,
		"error":   summary.Final.TestsError,
		"results": summary.Final.TestResults,
	})
	_ = runartifacts.WriteJSON(artifacts, "run_summary.json", summary)

	if d.DesignB {
		evalsDir := filepath.Join(d.Root, orchconst.EvalsDir)
		_ = runartifacts.WriteJSON(evalsDir, runID+".json", map[string]interface{}{
			"run_id":              runID,
			"score":               summary.Final.Score,
			"hard_invalid":        summary.Final.HardInvalid,
			"validators_ok":       summary.Final.ValidatorsOK,
			"tests_ok":            summary.Final.TestsOK,
			"retries_beyond_first": summary.Final.RetriesBeyondFirst,
			"fixer_runs":          summary.Final.FixerRuns,
			"changed_files_total": summary.Final.ChangedFilesTotal,
		})
	}

	if err := policystore.Save(policyPath, policy); err != nil {
		return orchconst.ExitInternalError, err
	}

	if idx, err := historyindex.Open(d.Root); err != nil {
		log.Infow("history index unavailable, continuing without it", "error", err)
	} else {
		if err := idx.InsertRun(ctx, runID, d.DesignB, summary.Final.Score, summary.Final.HardInvalid, summary.Final.ValidatorsOK, summary.Final.TestsOK); err != nil {
			log.Infow("history index insert failed, continuing without it", "error", err)
		}
		_ = idx.Close()
	}

	log.Infow("run complete", "run_id", runID, "score", summary.Final.Score, "hard_invalid", summary.Final.HardInvalid)

	switch {
	case summary.Final.HardInvalid:
		return orchconst.ExitInvariantViolation, nil
	case !summary.Final.ValidatorsOK:
		return orchconst.ExitValidationFailure, nil
	case !summary.Final.TestsOK:
		return orchconst.ExitTestFailure, nil
	default:
		return orchconst.ExitSuccess, nil
	}
}

// RunDryValidate runs only the validator suite and test harness, with no
// agent invocation; the agent binary is deliberately not a precondition
// here.
func (d *Driver) RunDryValidate(ctx context.Context) (int, error) {
	if !vcsadapter.New(d.Root).IsRepo(ctx) {
		return orchconst.ExitPrecondition, fmt.Errorf("pipeline: precondition: %s is not a git working tree", d.Root)
	}
	if err := os.MkdirAll(filepath.Join(d.Root, orchconst.RunsDir), 0o755); err != nil {
		return orchconst.ExitInternalError, err
	}

	cfg, err := briefcfg.Load(d.Root)
	if err != nil {
		return orchconst.ExitPrecondition, err
	}

	v := validators.ValidateAll(d.Root, d.DesignB, d.BriefTokens)
	testsOK, testResults, testsError, _ := testharness.RunFromContract(ctx, d.Root, cfg)

	runID := newRunID()
	artifacts := runartifacts.Dir(d.Root, runID)
	_ = runartifacts.WriteJSON(artifacts, "dry_validate.json", map[string]interface{}{
		"validators_ok":        v.OK,
		"validator_error_codes": v.ErrorCodes,
		"validator_messages":    v.Messages,
		"tests_ok":              testsOK,
		"tests_error":           testsError,
		"tests":                 testResults,
	})

	if !v.OK {
		return orchconst.ExitValidationFailure, nil
	}
	if !testsOK {
		return orchconst.ExitTestFailure, nil
	}
	return orchconst.ExitSuccess, nil
}
