// Package orchconst holds the fixed, documented filesystem layout and exit
// codes that make up the orchestrator's external contract. Keeping them in
// one package avoids string literals drifting apart between the scheduler,
// the driver, and the CLI.
package orchconst

// Exit codes, returned by cmd/orchestrator and asserted by integration tests.
const (
	ExitSuccess            = 0
	ExitInvalidArgs         = 2
	ExitPrecondition        = 3
	ExitInvariantViolation  = 4
	ExitAllowlistViolation  = 5
	ExitValidationFailure   = 6
	ExitTestFailure         = 7
	ExitInternalError       = 8
)

// Orchestrator state tree, relative to the repository root.
const (
	StateDir    = ".orchestrator"
	PolicyFile  = ".orchestrator/policy.json"
	RunsDir     = ".orchestrator/runs"
	EvalsDir    = ".orchestrator/evals"
	ConfigFile  = ".orchestrator/config.yaml"
	HistoryDB   = ".orchestrator/history.db"
)

// Collaborator documents that live at the repository root.
const (
	RequirementsMD   = "REQUIREMENTS.md"
	TestMD           = "TEST.md"
	AgentTasksMD     = "AGENT_TASKS.md"
	AgentsMD         = "AGENTS.md"
	ProjectBriefMD   = "PROJECT_BRIEF.md"
	ProjectBriefYAML = "PROJECT_BRIEF.yaml"
)

// Required directories for the base (non-library) artifact set.
var RequiredDirsA = []string{"design", "frontend", "backend", "tests"}

// Required files for the base artifact set.
var RequiredFilesA = []string{RequirementsMD, TestMD, AgentTasksMD}

// Prompt-library feature (design-b) additions.
const (
	PromptsDir = "prompts"
	SkillsDir  = ".codex/skills"
)

var RequiredFilesB = []string{AgentsMD}
var RequiredDirsB = []string{PromptsDir, SkillsDir}

// DefaultAgentTimeoutSeconds is the agent subprocess wall-clock budget,
// overridable via ORCHESTRATOR_AGENT_TIMEOUT_SECONDS.
const DefaultAgentTimeoutSeconds = 1800

// FixerSupportedCodes is the subset of validator error codes that the narrow
// fixer pseudo-step is allowed to attempt to repair.
var FixerSupportedCodes = map[string]bool{
	"REQUIRED_FILE_MISSING":        true,
	"REQUIRED_DIR_MISSING":         true,
	"REQ_HEADING_MISSING":          true,
	"TEST_HEADING_MISSING":         true,
	"TEST_CODEBLOCK_MISSING":       true,
	"AGENT_TASKS_HEADING_MISSING":  true,
	"AGENT_TASKS_SECTION_MISSING":  true,
}

// ForbiddenSubstrings are banned (case-insensitive) from prompt and skill
// library content under the design-b feature.
var ForbiddenSubstrings = []string{
	"ignore validators",
	"bypass allowlists",
	"write outside allowed paths",
	"mark step as done even if tests fail",
	"modify .orchestrator",
	"disable gating",
	"proceed on failure",
}

// DefaultBriefTokens is the fixed small token set PROJECT_BRIEF.md must
// contain. Overridable via config.yaml.
var DefaultBriefTokens = []string{"Web", "7", "12", "Safety", "MVP", "Acceptance criteria"}

// RequiredBriefHeadings are the Layer headings PROJECT_BRIEF.md must carry.
var RequiredBriefHeadings = []string{"# Layer 0", "# Layer 1", "# Layer 2"}
