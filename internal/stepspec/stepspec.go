// Package stepspec defines the immutable step specification shared by the
// scheduler, gating engine, and path policy.
package stepspec

import "strings"

// StepSpec is constructed once at pipeline start from static defaults plus
// policy overrides, and never mutated mid-run; the scheduler's
// applyStepLimitsOverrides returns a copy with tightened caps instead.
type StepSpec struct {
	Name       string
	Role       string
	PromptAgent string
	AllowGlobs []string

	MaxChangedFiles      int
	MaxTotalBytesChanged int64
	MaxDeletedFiles      int

	CanModifyBrief      bool
	CanModifyBriefYAML  bool
	CanModifyAgentsDoc  bool
	CanModifyPrompts    bool
}

// Allowlist implements pathpolicy.Allowlister.
func (s StepSpec) Allowlist() []string {
	return s.AllowGlobs
}

// WithLimits returns a copy of s with caps tightened to at most the given
// values (never loosened).
func (s StepSpec) WithLimits(maxChangedFiles int, maxBytes int64, maxDeleted int) StepSpec {
	out := s
	if maxChangedFiles < out.MaxChangedFiles {
		out.MaxChangedFiles = maxChangedFiles
	}
	if maxBytes < out.MaxTotalBytesChanged {
		out.MaxTotalBytesChanged = maxBytes
	}
	if maxDeleted < out.MaxDeletedFiles {
		out.MaxDeletedFiles = maxDeleted
	}
	return out
}

const (
	DefaultMaxChangedFiles      = 60
	DefaultMaxTotalBytesChanged = 500_000
	DefaultMaxDeletedFiles      = 0
)

// DefaultSteps returns the fixed step catalog in its documented order,
// including the backend step only when required and the design-b-only
// release_engineer/AGENTS.md allowance.
func DefaultSteps(designB, backendRequired bool) []StepSpec {
	releaseAllow := []string{
		"REQUIREMENTS.md", "TEST.md", "AGENT_TASKS.md",
		"docker-compose.yml", ".env.example", ".gitignore",
		"design/**", "frontend/**", "backend/**", "tests/**",
		"PROJECT_BRIEF.md", "PROJECT_BRIEF.yaml",
	}
	if designB {
		releaseAllow = append(releaseAllow, "AGENTS.md")
	}

	base := func(name string) StepSpec {
		return StepSpec{
			Name:                 name,
			MaxChangedFiles:      DefaultMaxChangedFiles,
			MaxTotalBytesChanged: DefaultMaxTotalBytesChanged,
			MaxDeletedFiles:      DefaultMaxDeletedFiles,
		}
	}

	steps := []StepSpec{}

	re := base("release_engineer")
	re.Role = "Release Engineer"
	re.PromptAgent = "release_engineer"
	re.AllowGlobs = releaseAllow
	re.CanModifyAgentsDoc = designB
	re.CanModifyBrief = true
	re.CanModifyBriefYAML = true
	steps = append(steps, re)

	req := base("requirements")
	req.Role = "Requirements Analyst"
	req.PromptAgent = "requirements"
	req.AllowGlobs = []string{"REQUIREMENTS.md", "AGENT_TASKS.md"}
	steps = append(steps, req)

	des := base("designer")
	des.Role = "UX / Designer"
	des.PromptAgent = "designer"
	des.AllowGlobs = []string{"design/**", "REQUIREMENTS.md"}
	steps = append(steps, des)

	fe := base("frontend")
	fe.Role = "Frontend Dev"
	fe.PromptAgent = "frontend"
	fe.AllowGlobs = []string{"frontend/**", "tests/**", "TEST.md"}
	steps = append(steps, fe)

	if backendRequired {
		be := base("backend")
		be.Role = "Backend Dev"
		be.PromptAgent = "backend"
		be.AllowGlobs = []string{"backend/**", "tests/**", "TEST.md", ".env.example", "docker-compose.yml"}
		steps = append(steps, be)
	}

	qa := base("qa")
	qa.Role = "QA Tester"
	qa.PromptAgent = "qa"
	qa.AllowGlobs = []string{"tests/**", "TEST.md"}
	steps = append(steps, qa)

	docs := base("docs")
	docs.Role = "Docs Writer"
	docs.PromptAgent = "docs"
	docs.AllowGlobs = []string{"REQUIREMENTS.md", "TEST.md", "AGENT_TASKS.md"}
	steps = append(steps, docs)

	return steps
}

// ShouldBackendBeRequired inspects the brief text and structured brief for
// an explicit backend requirement.
func ShouldBackendBeRequired(briefText string, structuredBackendRequired bool) bool {
	if strings.Contains(briefText, "Backend REQUIRED") {
		return true
	}
	return structuredBackendRequired
}
