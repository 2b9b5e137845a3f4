package pipeline

import (
	"github.com/BayesianSociety/orchestrator/internal/scheduler"
	"github.com/BayesianSociety/orchestrator/internal/testharness"
)

// RunResult is the baseline/regression/final shape recorded in
// run_summary.json.
type RunResult struct {
	Steps               []scheduler.StepOutcome      `json:"steps"`
	ValidatorErrorCodes []string                      `json:"validator_error_codes"`
	ValidatorMessages   []string                      `json:"validator_errors"`
	TestsOK             bool                          `json:"tests_ok"`
	TestsError          string                        `json:"tests_error"`
	TestResults         []testharness.CommandResult  `json:"test_results"`
	HardInvalid         bool                          `json:"hard_invalid"`
	RetriesBeyondFirst  int                           `json:"retries_beyond_first_total"`
	FixerRuns           int                           `json:"fixer_runs_total"`
	ChangedFilesTotal   int                           `json:"changed_files_total"`
	ValidatorsOK        bool                          `json:"validators_ok"`
	RequiredOK          bool                          `json:"required_ok"`
	Score               int                           `json:"score"`
}
