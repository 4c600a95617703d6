package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/danshapiro/loom/internal/config"
	"github.com/danshapiro/loom/internal/pipeline"
)

var resumeFlags struct {
	configPath string
}

var resumeCmd = &cobra.Command{
	Use:   "resume <run-id>",
	Short: "Resume a persisted run from its first incomplete stage",
	Args:  cobra.ExactArgs(1),
	RunE:  runResume,
}

func init() {
	f := resumeCmd.Flags()
	f.StringVarP(&resumeFlags.configPath, "config", "c", "", "Run config file (required)")
	_ = resumeCmd.MarkFlagRequired("config")
}

func runResume(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(resumeFlags.configPath)
	if err != nil {
		return err
	}
	runID := args[0]

	// Resume requires state to exist; a typo in the run ID must not silently
	// start a fresh run.
	if _, err := pipeline.NewFileStore(cfg.Run.StateRoot).Load(runID); err != nil {
		if errors.Is(err, pipeline.ErrNotFound) {
			return fmt.Errorf("no persisted state for run %q under %s", runID, cfg.Run.StateRoot)
		}
		return err
	}
	return executeRun(cmd, cfg, runID)
}
