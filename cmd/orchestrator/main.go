// Package main implements the orchestrator CLI entry point.
//
// It exposes a root command with two flags (--design-b, --dry-validate),
// the persistent --verbose and --workspace flags, and no positional
// arguments, plus an additive read-only "history" subcommand. A PersistentPreRunE installs the process logger, RunE does
// the work, PersistentPostRun flushes it.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"

	"github.com/BayesianSociety/orchestrator/internal/historyindex"
	"github.com/BayesianSociety/orchestrator/internal/orchconst"
	"github.com/BayesianSociety/orchestrator/internal/orchlog"
	"github.com/BayesianSociety/orchestrator/internal/pipeline"
)

var (
	verbose     bool
	designB     bool
	dryValidate bool
	workspace   string
)

var rootCmd = &cobra.Command{
	Use:   "orchestrator",
	Short: "Deterministic, gated multi-step orchestrator for an external code-generation agent",
	Long: `orchestrator drives an external code-generation agent through a fixed
pipeline of specialist steps (release engineer, requirements, designer,
frontend, backend, qa, docs), gating every step's filesystem changes
against an allowlist and deterministically reverting violations.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if _, err := orchlog.Init(verbose); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		orchlog.Sync()
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		root := workspace
		if root == "" {
			var err error
			root, err = os.Getwd()
			if err != nil {
				return err
			}
		}

		driver, err := pipeline.NewDriver(root, designB)
		if err != nil {
			os.Exit(exitCodeForSetupError(err))
			return nil
		}

		ctx := context.Background()
		var code int
		if dryValidate {
			code, err = driver.RunDryValidate(ctx)
		} else {
			code, err = driver.RunPipeline(ctx)
		}
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(code)
		return nil
	},
}

// exitCodeForSetupError maps a driver-construction failure (bad
// .orchestrator/config.yaml) to the internal-error exit code; construction
// failures never reach gating or validation, so no other code applies.
func exitCodeForSetupError(err error) int {
	fmt.Fprintln(os.Stderr, err)
	return 8
}

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent run scores from the history index",
	RunE: func(cmd *cobra.Command, args []string) error {
		root := workspace
		if root == "" {
			var err error
			root, err = os.Getwd()
			if err != nil {
				return err
			}
		}
		if _, err := os.Stat(filepath.Join(root, orchconst.HistoryDB)); err != nil {
			return printHistoryFromRunDirs(root, historyLimit)
		}
		idx, err := historyindex.Open(root)
		if err != nil {
			return printHistoryFromRunDirs(root, historyLimit)
		}
		defer idx.Close()
		records, err := idx.Recent(context.Background(), historyLimit)
		if err != nil {
			return printHistoryFromRunDirs(root, historyLimit)
		}
		for _, r := range records {
			fmt.Printf("%s\tscore=%d\tdesign_b=%t\thard_invalid=%t\tvalidators_ok=%t\ttests_ok=%t\n",
				r.RunID, r.Score, r.DesignB, r.HardInvalid, r.ValidatorsOK, r.TestsOK)
		}
		return nil
	},
}

// printHistoryFromRunDirs is the index-less fallback: walk
// .orchestrator/runs/ and read each run_summary.json directly.
func printHistoryFromRunDirs(root string, limit int) error {
	runsDir := filepath.Join(root, orchconst.RunsDir)
	entries, err := os.ReadDir(runsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var runIDs []string
	for _, e := range entries {
		if e.IsDir() {
			runIDs = append(runIDs, e.Name())
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(runIDs)))
	if len(runIDs) > limit {
		runIDs = runIDs[:limit]
	}
	for _, id := range runIDs {
		data, rerr := os.ReadFile(filepath.Join(runsDir, id, "run_summary.json"))
		if rerr != nil {
			continue
		}
		var summary struct {
			DesignB bool `json:"design_b"`
			Final   struct {
				Score        int  `json:"score"`
				HardInvalid  bool `json:"hard_invalid"`
				ValidatorsOK bool `json:"validators_ok"`
				TestsOK      bool `json:"tests_ok"`
			} `json:"final"`
		}
		if jerr := json.Unmarshal(data, &summary); jerr != nil {
			continue
		}
		fmt.Printf("%s\tscore=%d\tdesign_b=%t\thard_invalid=%t\tvalidators_ok=%t\ttests_ok=%t\n",
			id, summary.Final.Score, summary.DesignB, summary.Final.HardInvalid, summary.Final.ValidatorsOK, summary.Final.TestsOK)
	}
	return nil
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug-level logging")
	rootCmd.PersistentFlags().StringVar(&workspace, "workspace", "", "repository root to operate on (default: current directory)")
	rootCmd.Flags().BoolVar(&designB, "design-b", false, "enable the prompt-library bootstrap and prompt-tuner feature")
	rootCmd.Flags().BoolVar(&dryValidate, "dry-validate", false, "run only the validator suite and test harness, no agent invocation")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "maximum number of runs to show")
	rootCmd.AddCommand(historyCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
}
