package testharness

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/BayesianSociety/orchestrator/internal/briefcfg"
)

const sampleTestMD = `# How to run tests

Some prose.

` + "```bash" + `
# a comment, ignored
go test ./...
go vet ./...
` + "```" + `

# Environments
Local only.
`

func TestParseContractCommands(t *testing.T) {
	got := ParseContractCommands(sampleTestMD)
	want := []string{"go test ./...", "go vet ./..."}
	if len(got) != len(want) {
		t.Fatalf("ParseContractCommands = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("command[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestResolveCommandsDefaultsToContract(t *testing.T) {
	got, err := ResolveCommands(sampleTestMD, briefcfg.Config{})
	if err != nil {
		t.Fatalf("ResolveCommands: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 contract commands, got %v", got)
	}
}

func TestResolveCommandsProfileMustAppearInContract(t *testing.T) {
	cfg := briefcfg.Config{Exists: true}
	cfg.Parsed.Tests.CommandSource = "profile"
	cfg.Parsed.Tests.Commands = []string{"go test ./..."}

	got, err := ResolveCommands(sampleTestMD, cfg)
	if err != nil {
		t.Fatalf("ResolveCommands: %v", err)
	}
	if len(got) != 1 || got[0] != "go test ./..." {
		t.Errorf("expected profile commands to govern execution, got %v", got)
	}

	cfg.Parsed.Tests.Commands = []string{"go test ./... -run NotInContract"}
	if _, err := ResolveCommands(sampleTestMD, cfg); err == nil {
		t.Error("expected an error when a profile command is absent from the contract file")
	}
}

func TestRunStopsAtFirstNonZeroExit(t *testing.T) {
	ok, results, testsErr := Run(context.Background(), t.TempDir(), []string{"true", "false", "true"})
	if ok {
		t.Error("expected ok=false when a command fails")
	}
	if testsErr != "TEST_EXIT_NONZERO" {
		t.Errorf("testsErr = %q, want TEST_EXIT_NONZERO", testsErr)
	}
	if len(results) != 2 {
		t.Fatalf("expected execution to stop after the failing command, got %d results", len(results))
	}
	if results[1].ExitCode == 0 {
		t.Error("expected the second command's exit code to be non-zero")
	}
}

func TestRunFromContractMissingFile(t *testing.T) {
	root := t.TempDir()
	ok, _, testsErr, err := RunFromContract(context.Background(), root, briefcfg.Config{})
	if err != nil {
		t.Fatalf("RunFromContract: %v", err)
	}
	if ok {
		t.Error("expected ok=false when TEST.md is missing")
	}
	if testsErr != "TEST_MD_MISSING" {
		t.Errorf("testsErr = %q, want TEST_MD_MISSING", testsErr)
	}
}

func TestRunFromContractExecutesParsedCommands(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "TEST.md"), []byte(sampleTestMDTrue), 0o644); err != nil {
		t.Fatal(err)
	}
	ok, results, testsErr, err := RunFromContract(context.Background(), root, briefcfg.Config{})
	if err != nil {
		t.Fatalf("RunFromContract: %v", err)
	}
	if !ok {
		t.Errorf("expected ok=true, testsErr=%q, results=%v", testsErr, results)
	}
}

const sampleTestMDTrue = "# How to run tests\n\n```bash\ntrue\n```\n\n# Environments\nLocal.\n"
