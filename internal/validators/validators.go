// Package validators implements the deterministic validator suite:
// file/heading/structural checks over the produced artifacts, each
// contributing a distinct error code.
package validators

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/BayesianSociety/orchestrator/internal/briefcfg"
	"github.com/BayesianSociety/orchestrator/internal/orchconst"
)

// Result is the outcome of one validator check.
type Result struct {
	OK         bool
	ErrorCodes []string
	Messages   []string
}

// Merge aggregates several validator results into one, preserving order.
func Merge(results ...Result) Result {
	out := Result{OK: true}
	for _, r := range results {
		if !r.OK {
			out.OK = false
		}
		out.ErrorCodes = append(out.ErrorCodes, r.ErrorCodes...)
		out.Messages = append(out.Messages, r.Messages...)
	}
	return out
}

func fail(code, msg string) Result {
	return Result{OK: false, ErrorCodes: []string{code}, Messages: []string{msg}}
}

func ok() Result {
	return Result{OK: true}
}

func exists(root, rel string) bool {
	_, err := os.Stat(filepath.Join(root, rel))
	return err == nil
}

func isDir(root, rel string) bool {
	info, err := os.Stat(filepath.Join(root, rel))
	return err == nil && info.IsDir()
}

func readFile(root, rel string) (string, bool) {
	data, err := os.ReadFile(filepath.Join(root, rel))
	if err != nil {
		return "", false
	}
	return string(data), true
}

// ValidateBaseFilesAndStructure checks presence of the base required files
// and directories, plus (when designB) the library-feature additions.
func ValidateBaseFilesAndStructure(root string, designB bool) Result {
	var results []Result
	for _, f := range orchconst.RequiredFilesA {
		if !exists(root, f) {
			results = append(results, fail("REQUIRED_FILE_MISSING", fmt.Sprintf("missing required file: %s", f)))
		}
	}
	for _, d := range orchconst.RequiredDirsA {
		if !isDir(root, d) {
			results = append(results, fail("REQUIRED_DIR_MISSING", fmt.Sprintf("missing required directory: %s", d)))
		}
	}
	if designB {
		for _, f := range orchconst.RequiredFilesB {
			if !exists(root, f) {
				results = append(results, fail("REQUIRED_FILE_MISSING", fmt.Sprintf("missing required file: %s", f)))
			}
		}
		for _, d := range orchconst.RequiredDirsB {
			if !isDir(root, d) {
				results = append(results, fail("REQUIRED_DIR_MISSING", fmt.Sprintf("missing required directory: %s", d)))
			}
		}
	}
	if len(results) == 0 {
		return ok()
	}
	return Merge(results...)
}

var requirementsHeadings = []string{"# Overview", "# Scope", "# Non-Goals", "# Acceptance Criteria", "# Risks"}

// ValidateRequirementsMD checks the five mandated headings.
func ValidateRequirementsMD(root string) Result {
	text, found := readFile(root, orchconst.RequirementsMD)
	if !found {
		return ok() // reported separately by ValidateBaseFilesAndStructure
	}
	var results []Result
	for _, h := range requirementsHeadings {
		if !strings.Contains(text, h) {
			results = append(results, fail("REQ_HEADING_MISSING", fmt.Sprintf("REQUIREMENTS.md missing heading: %s", h)))
		}
	}
	if len(results) == 0 {
		return ok()
	}
	return Merge(results...)
}

var fencedBlockRE = regexp.MustCompile("(?s)```.*?```")

// ValidateTestMD checks the test-contract headings and fenced code block.
func ValidateTestMD(root string) Result {
	text, found := readFile(root, orchconst.TestMD)
	if !found {
		return ok()
	}
	var results []Result
	for _, h := range []string{"# How to run tests", "# Environments"} {
		if !strings.Contains(text, h) {
			results = append(results, fail("TEST_HEADING_MISSING", fmt.Sprintf("TEST.md missing heading: %s", h)))
		}
	}
	if !fencedBlockRE.MatchString(text) {
		results = append(results, fail("TEST_CODEBLOCK_MISSING", "TEST.md has no fenced code block"))
	}
	if len(results) == 0 {
		return ok()
	}
	return Merge(results...)
}

var agentTaskSections = []string{"Requirements", "Designer", "Frontend", "Backend", "QA"}

// sectionSlice extracts the text belonging to one "## Name" heading, up to
// (but not including) the next "## " heading or end of document.
func sectionSlice(text, heading string) (string, bool) {
	marker := "## " + heading
	idx := strings.Index(text, marker)
	if idx < 0 {
		return "", false
	}
	rest := text[idx+len(marker):]
	if next := strings.Index(rest, "\n## "); next >= 0 {
		rest = rest[:next]
	}
	return rest, true
}

func countBullets(section string) int {
	n := 0
	for _, line := range strings.Split(section, "\n") {
		if strings.HasPrefix(strings.TrimLeft(line, " \t"), "- ") {
			n++
		}
	}
	return n
}

// ValidateAgentTasksMD checks the top-level heading, per-role sections with
// at least two bullets each, and the "Project Brief" reference token.
func ValidateAgentTasksMD(root string) Result {
	text, found := readFile(root, orchconst.AgentTasksMD)
	if !found {
		return ok()
	}
	var results []Result
	if !strings.Contains(text, "# Agent Tasks") {
		results = append(results, fail("AGENT_TASKS_HEADING_MISSING", "AGENT_TASKS.md missing heading: # Agent Tasks"))
	}
	for _, role := range agentTaskSections {
		section, present := sectionSlice(text, role)
		if !present {
			results = append(results, fail("AGENT_TASKS_SECTION_MISSING", fmt.Sprintf("AGENT_TASKS.md missing section: ## %s", role)))
			continue
		}
		if countBullets(section) < 2 {
			results = append(results, fail("AGENT_TASKS_SECTION_MISSING", fmt.Sprintf("AGENT_TASKS.md section ## %s needs at least 2 bullets", role)))
		}
	}
	if !strings.Contains(text, "Project Brief") {
		results = append(results, fail("AGENT_TASKS_SECTION_MISSING", "AGENT_TASKS.md must reference \"Project Brief\""))
	}
	if len(results) == 0 {
		return ok()
	}
	return Merge(results...)
}

// ValidateProjectBrief checks PROJECT_BRIEF.md presence, the three Layer
// headings, and the configured token set.
func ValidateProjectBrief(root string, tokens []string) Result {
	text, found := readFile(root, orchconst.ProjectBriefMD)
	if !found {
		return fail("REQUIRED_FILE_MISSING", "PROJECT_BRIEF.md missing")
	}
	var results []Result
	for _, h := range orchconst.RequiredBriefHeadings {
		if !strings.Contains(text, h) {
			results = append(results, fail("BRIEF_HEADING_MISSING", fmt.Sprintf("PROJECT_BRIEF.md missing heading: %s", h)))
		}
	}
	if len(tokens) == 0 {
		tokens = orchconst.DefaultBriefTokens
	}
	for _, tok := range tokens {
		if !strings.Contains(text, tok) {
			results = append(results, fail("BRIEF_TOKEN_MISSING", fmt.Sprintf("PROJECT_BRIEF.md missing expected token: %s", tok)))
		}
	}
	if len(results) == 0 {
		return ok()
	}
	return Merge(results...)
}

// ValidateProjectBriefYAML validates the structured brief when present.
func ValidateProjectBriefYAML(root string) Result {
	cfg, err := briefcfg.Load(root)
	if err != nil {
		return fail("BRIEF_YAML_INVALID", err.Error())
	}
	_ = cfg
	return ok()
}

// ValidateAgentsMD checks the design-b-only agents document.
func ValidateAgentsMD(root string, designB bool) Result {
	if !designB {
		return ok()
	}
	text, found := readFile(root, orchconst.AgentsMD)
	if !found {
		return ok()
	}
	var results []Result
	for _, h := range []string{"# Global Rules", "# File Boundaries", "# How to Run Tests"} {
		if !strings.Contains(text, h) {
			results = append(results, fail("AGENTS_HEADING_MISSING", fmt.Sprintf("AGENTS.md missing heading: %s", h)))
		}
	}
	if !strings.Contains(text, "Do not modify /.orchestrator/**") {
		results = append(results, fail("AGENTS_LOCK_RULE_MISSING", "AGENTS.md must state: Do not modify /.orchestrator/**"))
	}
	if len(results) == 0 {
		return ok()
	}
	return Merge(results...)
}

// ValidateInfraFilesIfRequired checks the Docker Compose collaborator set
// when the brief mentions Docker Compose or the structured brief requires
// it explicitly.
func ValidateInfraFilesIfRequired(root, briefText string, cfg briefcfg.Config) Result {
	required := strings.Contains(briefText, "Docker Compose") || (cfg.Exists && cfg.Parsed.Validators.RequireDockerCompose)
	if !required {
		return ok()
	}
	var results []Result
	if !exists(root, "docker-compose.yml") {
		results = append(results, fail("REQUIRED_FILE_MISSING", "docker-compose.yml required but missing"))
	}
	if !exists(root, ".env.example") {
		results = append(results, fail("REQUIRED_FILE_MISSING", ".env.example required but missing"))
	}
	gitignore, found := readFile(root, ".gitignore")
	if !found || !strings.Contains(gitignore, ".env") {
		results = append(results, fail("GITIGNORE_ENV_MISSING", ".gitignore must reference .env"))
	}
	if len(results) == 0 {
		return ok()
	}
	return Merge(results...)
}

var skillFrontMatterRE = regexp.MustCompile(`(?s)^---\n(.*?)\n---`)

const maxPromptSkillBytes = 64 * 1024

// ValidateDesignBPromptSkillGuardrails enforces size limits, the
// forbidden-substring scan, and skill front-matter on the prompt/skill
// library (design-b feature only).
func ValidateDesignBPromptSkillGuardrails(root string) Result {
	var results []Result

	var walk func(dir string, isSkill bool)
	walk = func(dir string, isSkill bool) {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return
		}
		for _, e := range entries {
			full := filepath.Join(dir, e.Name())
			if e.IsDir() {
				walk(full, isSkill)
				continue
			}
			data, err := os.ReadFile(full)
			if err != nil {
				continue
			}
			if len(data) > maxPromptSkillBytes {
				results = append(results, fail("PROMPT_FILE_TOO_LARGE", fmt.Sprintf("%s exceeds 64KiB", full)))
			}
			lower := strings.ToLower(string(data))
			for _, bad := range orchconst.ForbiddenSubstrings {
				if strings.Contains(lower, bad) {
					results = append(results, fail("FORBIDDEN_SUBSTRING", fmt.Sprintf("%s contains forbidden text: %q", full, bad)))
				}
			}
			if isSkill && strings.EqualFold(e.Name(), "SKILL.md") {
				m := skillFrontMatterRE.FindStringSubmatch(string(data))
				if m == nil || !strings.Contains(m[1], "name:") || !strings.Contains(m[1], "description:") {
					results = append(results, fail("SKILL_FRONTMATTER_INVALID", fmt.Sprintf("%s missing name/description front matter", full)))
				}
			}
		}
	}

	walk(filepath.Join(root, orchconst.PromptsDir), false)
	walk(filepath.Join(root, orchconst.SkillsDir), true)

	if len(results) == 0 {
		return ok()
	}
	return Merge(results...)
}

// ValidateAll runs every check unconditionally (never short-circuits), so
// a single pass reports every failure at once.
func ValidateAll(root string, designB bool, briefTokens []string) Result {
	briefText, _ := briefcfg.BriefText(root)
	cfg, _ := briefcfg.Load(root)

	results := []Result{
		ValidateBaseFilesAndStructure(root, designB),
		ValidateProjectBrief(root, briefTokens),
		ValidateProjectBriefYAML(root),
		ValidateRequirementsMD(root),
		ValidateTestMD(root),
		ValidateAgentTasksMD(root),
		ValidateAgentsMD(root, designB),
		ValidateInfraFilesIfRequired(root, briefText, cfg),
	}
	if designB {
		results = append(results, ValidateDesignBPromptSkillGuardrails(root))
	}
	merged := Merge(results...)
	sort.Strings(merged.ErrorCodes)
	return merged
}
