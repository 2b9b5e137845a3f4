package scheduler

import (
	"fmt"
	"strings"

	"github.com/BayesianSociety/orchestrator/internal/briefcfg"
	"github.com/BayesianSociety/orchestrator/internal/stepspec"
)

// buildStepPrompt composes the full prompt sent to the agent for one step
// attempt: variant text + step header + optional constraint patch + brief.
func buildStepPrompt(step stepspec.StepSpec, variantText, briefText string, cfg briefcfg.Config, retryIndex int, constraintsPatch string) string {
	var b strings.Builder

	fmt.Fprintln(&b, strings.TrimSpace(variantText))
	fmt.Fprintln(&b)
	fmt.Fprintf(&b, "Role: %s\n", step.Role)
	fmt.Fprintf(&b, "Step: %s\n", step.Name)
	fmt.Fprintf(&b, "Retry attempt index: %d\n", retryIndex)
	fmt.Fprintln(&b, "Allowed paths for this step:")
	for _, p := range step.AllowGlobs {
		fmt.Fprintf(&b, "- %s\n", p)
	}
	fmt.Fprintln(&b, "Hard rules:")
	fmt.Fprintln(&b, "- Do not modify /.orchestrator/**")
	fmt.Fprintln(&b, "- Do not modify .git/**")
	fmt.Fprintln(&b, "- Do not modify files outside the allowlist")
	if cfg.Exists && cfg.Parsed.ProjectType != "" {
		fmt.Fprintf(&b, "- project_type from PROJECT_BRIEF.yaml: %s\n", cfg.Parsed.ProjectType)
	}
	fmt.Fprintln(&b, "- Do not contradict PROJECT_BRIEF.md")

	if strings.TrimSpace(constraintsPatch) != "" {
		fmt.Fprintln(&b)
		fmt.Fprintln(&b, "Additional deterministic constraints from prior failures:")
		fmt.Fprintln(&b, strings.TrimSpace(constraintsPatch))
	}

	fmt.Fprintln(&b)
	fmt.Fprintln(&b, "Project brief (Layer 0-2 reference, do not contradict):")
	fmt.Fprintln(&b, strings.TrimSpace(briefText))

	return strings.TrimSpace(b.String()) + "\n"
}
