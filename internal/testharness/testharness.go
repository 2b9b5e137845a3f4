// Package testharness parses the documented test contract (TEST.md) and
// executes its commands: the runnable lines are the non-empty, non-comment
// lines of the first fenced code block under "# How to run tests".
package testharness

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/BayesianSociety/orchestrator/internal/briefcfg"
)

// CommandResult is one executed test command's outcome.
type CommandResult struct {
	Command  string
	ExitCode int
	Stdout   string
	Stderr   string
}

var howToRunRE = regexp.MustCompile(`# How to run tests\s*\n`)
var fencedRE = regexp.MustCompile("(?s)```[a-zA-Z0-9]*\\n(.*?)```")

// ParseContractCommands extracts the non-empty, non-comment lines of the
// first fenced code block under "# How to run tests" in TEST.md.
func ParseContractCommands(testMDText string) []string {
	loc := howToRunRE.FindStringIndex(testMDText)
	if loc == nil {
		return nil
	}
	section := testMDText[loc[1]:]
	block := fencedRE.FindStringSubmatchIndex(section)
	if block == nil {
		return nil
	}
	// The block must open before the next top-level heading; "# " lines
	// inside the block itself are comments, not headings.
	if next := strings.Index(section, "\n# "); next >= 0 && next < block[0] {
		return nil
	}
	var commands []string
	for _, line := range strings.Split(section[block[2]:block[3]], "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		commands = append(commands, trimmed)
	}
	return commands
}

// ResolveCommands applies the profile-vs-contract precedence: when the
// structured brief selects command_source=profile, its commands govern
// execution order, but each must still appear verbatim in the contract
// file's fenced block, else that is a caller-visible validation error.
func ResolveCommands(testMDText string, cfg briefcfg.Config) ([]string, error) {
	contractCommands := ParseContractCommands(testMDText)
	if !cfg.Exists || cfg.Parsed.Tests.CommandSource != "profile" {
		return contractCommands, nil
	}

	present := make(map[string]bool, len(contractCommands))
	for _, c := range contractCommands {
		present[c] = true
	}
	for _, c := range cfg.Parsed.Tests.Commands {
		if !present[c] {
			return nil, fmt.Errorf("testharness: profile command not present in TEST.md contract: %q", c)
		}
	}
	if len(cfg.Parsed.Tests.Commands) == 0 {
		return nil, fmt.Errorf("testharness: command_source=profile requires a non-empty commands list")
	}
	return cfg.Parsed.Tests.Commands, nil
}

// Run executes each command as a shell line rooted at root, top to bottom,
// stopping at the first non-zero exit.
func Run(ctx context.Context, root string, commands []string) (ok bool, results []CommandResult, testsError string) {
	ok = true
	for _, c := range commands {
		cmd := exec.CommandContext(ctx, "sh", "-c", c)
		cmd.Dir = root
		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr
		runErr := cmd.Run()

		exitCode := 0
		if runErr != nil {
			if exitErr, isExit := runErr.(*exec.ExitError); isExit {
				exitCode = exitErr.ExitCode()
			} else {
				exitCode = -1
			}
		}

		results = append(results, CommandResult{
			Command:  c,
			ExitCode: exitCode,
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
		})

		if exitCode != 0 {
			ok = false
			testsError = "TEST_EXIT_NONZERO"
			break
		}
	}
	return ok, results, testsError
}

// RunFromContract loads TEST.md from root, resolves its commands per the
// structured brief, and runs them.
func RunFromContract(ctx context.Context, root string, cfg briefcfg.Config) (bool, []CommandResult, string, error) {
	data, err := os.ReadFile(filepath.Join(root, "TEST.md"))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil, "TEST_MD_MISSING", nil
		}
		return false, nil, "", fmt.Errorf("testharness: read TEST.md: %w", err)
	}
	commands, err := ResolveCommands(string(data), cfg)
	if err != nil {
		return false, nil, "", err
	}
	if len(commands) == 0 {
		return false, nil, "NO_TEST_COMMANDS", nil
	}
	ok, results, testsErr := Run(ctx, root, commands)
	return ok, results, testsErr, nil
}
