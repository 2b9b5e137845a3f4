// Package agentinvoker runs the external code-generation agent as a
// subprocess, feeding it a prompt on stdin and draining stdout/stderr
// fully before waiting, to avoid pipe deadlock.
package agentinvoker

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/BayesianSociety/orchestrator/internal/orchlog"
)

// Features records which optional flags the agent binary supports, probed
// once per Invoker.
type Features struct {
	ExperimentalJSON  bool `json:"experimental_json"`
	OutputLastMessage bool `json:"output_last_message"`
}

// Invoker spawns the agent binary for each step attempt.
type Invoker struct {
	Binary  string
	Timeout time.Duration

	probeOnce sync.Once
	features  Features
}

// New returns an Invoker for the given agent binary name (e.g. "codex"),
// with the given hard wall-clock timeout per invocation.
func New(binary string, timeout time.Duration) *Invoker {
	if binary == "" {
		binary = "codex"
	}
	if timeout <= 0 {
		timeout = 1800 * time.Second
	}
	return &Invoker{Binary: binary, Timeout: timeout}
}

// DetectFeatures probes the agent's help output once and caches the
// result. Safe to call repeatedly; only the first call executes the probe.
func (inv *Invoker) DetectFeatures(ctx context.Context) Features {
	inv.probeOnce.Do(func() {
		out, err := exec.CommandContext(ctx, inv.Binary, "exec", "--help").CombinedOutput()
		if err != nil {
			return
		}
		text := string(out)
		inv.features = Features{
			ExperimentalJSON:  strings.Contains(text, "--experimental-json"),
			OutputLastMessage: strings.Contains(text, "--output-last-message"),
		}
	})
	return inv.features
}

// Result is what one "agent exec" invocation produced.
type Result struct {
	InvocationID string
	ExitCode     int
	Stdout       string
	Stderr       string
	TimedOut     bool
}

// RunStep invokes the agent with prompt on stdin, "agent exec -" as the
// subcommand, bounded by the invoker's timeout. Each invocation is tagged
// with a fresh correlation id so its stdout/stderr logs can be matched back
// to the selection_log.jsonl entry for the same attempt.
func (inv *Invoker) RunStep(ctx context.Context, prompt string) (Result, error) {
	invocationID := uuid.NewString()
	log := orchlog.For("agentinvoker")

	features := inv.DetectFeatures(ctx)

	runCtx, cancel := context.WithTimeout(ctx, inv.Timeout)
	defer cancel()

	args := []string{"exec", "-"}
	if features.ExperimentalJSON {
		args = append(args, "--experimental-json")
	}
	if features.OutputLastMessage {
		args = append(args, "--output-last-message", "/dev/null")
	}

	cmd := exec.CommandContext(runCtx, inv.Binary, args...)
	cmd.Stdin = strings.NewReader(prompt)

	var stdout, stderr bytes.Buffer
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return Result{}, fmt.Errorf("agentinvoker: stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return Result{}, fmt.Errorf("agentinvoker: stderr pipe: %w", err)
	}

	log.Infow("agent invocation starting", "invocation_id", invocationID, "binary", inv.Binary)

	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("agentinvoker: start: %w", err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		stdout.ReadFrom(stdoutPipe)
	}()
	go func() {
		defer wg.Done()
		stderr.ReadFrom(stderrPipe)
	}()
	wg.Wait()

	waitErr := cmd.Wait()
	timedOut := runCtx.Err() == context.DeadlineExceeded

	exitCode := 0
	if waitErr != nil {
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else if timedOut {
			exitCode = -1
		} else {
			return Result{}, fmt.Errorf("agentinvoker: wait: %w", waitErr)
		}
	}

	log.Infow("agent invocation finished", "invocation_id", invocationID, "exit_code", exitCode, "timed_out", timedOut)

	return Result{
		InvocationID: invocationID,
		ExitCode:     exitCode,
		Stdout:       stdout.String(),
		Stderr:       stderr.String(),
		TimedOut:     timedOut,
	}, nil
}
