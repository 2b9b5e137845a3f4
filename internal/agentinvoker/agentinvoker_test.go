package agentinvoker

import (
	"context"
	"os"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestNewDefaultsBinaryAndTimeout(t *testing.T) {
	inv := New("", 0)
	if inv.Binary != "codex" {
		t.Errorf("Binary = %q, want codex", inv.Binary)
	}
	if inv.Timeout != 1800*time.Second {
		t.Errorf("Timeout = %v, want 1800s", inv.Timeout)
	}
}

func TestDetectFeaturesOnMissingBinaryReturnsZeroValue(t *testing.T) {
	inv := New("definitely-not-a-real-binary-xyz", time.Second)
	got := inv.DetectFeatures(context.Background())
	if got != (Features{}) {
		t.Errorf("expected zero-value Features for a missing binary, got %+v", got)
	}
}

func TestDetectFeaturesProbesOnlyOnce(t *testing.T) {
	inv := New("echo", time.Second)
	first := inv.DetectFeatures(context.Background())
	inv.Binary = "definitely-not-a-real-binary-xyz"
	second := inv.DetectFeatures(context.Background())
	if first != second {
		t.Error("expected DetectFeatures to cache the result of its first probe")
	}
}

func TestRunStepReturnsInvocationIDAndOutput(t *testing.T) {
	if _, err := os.Stat("/bin/cat"); err != nil {
		t.Skip("/bin/cat not available")
	}
	// RunStep always passes "exec -" (plus any probed feature flags), which
	// plain cat would read as a file named "exec"; this stand-in agent
	// ignores its arguments and echoes stdin.
	script := t.TempDir() + "/echo-agent.sh"
	if err := os.WriteFile(script, []byte("#!/bin/sh\nexec cat\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	inv := New(script, 5*time.Second)
	res, err := inv.RunStep(context.Background(), "hello from stdin")
	if err != nil {
		t.Fatalf("RunStep: %v", err)
	}
	if res.InvocationID == "" {
		t.Error("expected a non-empty InvocationID")
	}
	if res.Stdout != "hello from stdin" {
		t.Errorf("Stdout = %q, want echoed stdin", res.Stdout)
	}
	if res.ExitCode != 0 || res.TimedOut {
		t.Errorf("expected a clean exit, got ExitCode=%d TimedOut=%v", res.ExitCode, res.TimedOut)
	}
}

func TestRunStepTimesOut(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}
	// A script that ignores whatever args RunStep passes it (it always
	// appends "exec -" plus feature flags) and just sleeps well past the
	// invoker's timeout, so the deadline is what ends the subprocess.
	script := t.TempDir() + "/slow-agent.sh"
	// Answer the feature-detection "exec --help" probe instantly; for any
	// other invocation (the actual RunStep call), sleep well past the
	// invoker's configured timeout.
	body := "#!/bin/sh\nif [ \"$1\" = exec ] && [ \"$2\" = --help ]; then exit 0; fi\nsleep 5\n"
	if err := os.WriteFile(script, []byte(body), 0o755); err != nil {
		t.Fatal(err)
	}
	inv := New(script, 50*time.Millisecond)
	res, err := inv.RunStep(context.Background(), "")
	if err != nil {
		t.Fatalf("RunStep: %v", err)
	}
	if !res.TimedOut {
		t.Error("expected TimedOut=true once the invoker's timeout elapses")
	}
}
