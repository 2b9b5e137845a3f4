package main

import (
	"errors"
	"strings"
	"testing"
)

func TestExitCodeForSetupErrorIsInternalError(t *testing.T) {
	code := exitCodeForSetupError(errors.New("boom"))
	if code != 8 {
		t.Errorf("exitCodeForSetupError = %d, want 8", code)
	}
}

func TestFlagsAreRegistered(t *testing.T) {
	for _, name := range []string{"verbose", "workspace"} {
		if rootCmd.PersistentFlags().Lookup(name) == nil {
			t.Errorf("expected persistent flag %q to be registered", name)
		}
	}
	for _, name := range []string{"design-b", "dry-validate"} {
		if rootCmd.Flags().Lookup(name) == nil {
			t.Errorf("expected flag %q to be registered", name)
		}
	}
}

func TestRootCommandUsage(t *testing.T) {
	if !strings.HasPrefix(rootCmd.Use, "orchestrator") {
		t.Errorf("Use = %q, want it to start with orchestrator", rootCmd.Use)
	}
}
