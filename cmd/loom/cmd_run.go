package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/oklog/ulid/v2"
	"github.com/spf13/cobra"

	"github.com/danshapiro/loom/internal/config"
	"github.com/danshapiro/loom/internal/pipeline"
)

var runFlags struct {
	configPath string
	runID      string
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start (or continue) a pipeline run from a config file",
	RunE:  runRun,
}

func init() {
	f := runCmd.Flags()
	f.StringVarP(&runFlags.configPath, "config", "c", "", "Run config file (required)")
	f.StringVar(&runFlags.runID, "run-id", "", "Run ID (generated when empty)")
	_ = runCmd.MarkFlagRequired("config")
}

func runRun(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(runFlags.configPath)
	if err != nil {
		return err
	}
	runID := runFlags.runID
	if runID == "" {
		runID = cfg.Run.ID
	}
	if runID == "" {
		runID = ulid.Make().String()
	}
	return executeRun(cmd, cfg, runID)
}

// executeRun is shared by run and resume: load-or-create state, build the
// stage set, run to completion, print the report.
func executeRun(cmd *cobra.Command, cfg *config.File, runID string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store := pipeline.NewFileStore(cfg.Run.StateRoot)
	runDir, err := store.RunDir(runID)
	if err != nil {
		return err
	}

	orch := pipeline.NewOrchestrator(store, cfg.PipelineOptions(runDir))
	state, err := orch.Resume(runID, cfg.Hash())
	if err != nil {
		return err
	}

	deps := newRunDeps(cfg, state.RunID)
	stages, err := buildStages(cfg, deps)
	if err != nil {
		return err
	}

	rep, runErr := orch.Run(ctx, stages, state)
	if rep != nil {
		printReport(cmd, rep, runDir)
	}
	if runErr != nil {
		var open *pipeline.CircuitOpenError
		if errors.As(runErr, &open) {
			return fmt.Errorf("run halted: %w", open)
		}
		return runErr
	}
	return nil
}

func printReport(cmd *cobra.Command, rep *pipeline.Report, runDir string) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Run:       %s\n", rep.RunID)
	fmt.Fprintf(out, "State:     %s\n", filepath.Join(runDir, "state.json"))
	if rep.Success {
		fmt.Fprintf(out, "Status:    success\n")
	} else {
		fmt.Fprintf(out, "Status:    fail (%s)\n", rep.FailureReason)
	}
	fmt.Fprintf(out, "Completed: %d stages", len(rep.Completed))
	for _, s := range rep.Completed {
		fmt.Fprintf(out, "\n  - %s", s)
	}
	fmt.Fprintln(out)
	if rep.Budget.Calls > 0 {
		fmt.Fprintf(out, "Budget:    %d calls, %d corrective retries\n", rep.Budget.Calls, rep.Budget.CorrectiveRetries)
	}
	for _, flag := range rep.Flags {
		fmt.Fprintf(out, "Flag:      %s\n", flag)
	}
	for _, w := range rep.Warnings {
		fmt.Fprintf(out, "Warning:   %s\n", w)
	}
}
