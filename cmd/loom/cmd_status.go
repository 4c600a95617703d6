package main

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/danshapiro/loom/internal/config"
	"github.com/danshapiro/loom/internal/pipeline"
)

var statusFlags struct {
	configPath string
	stateRoot  string
}

var statusCmd = &cobra.Command{
	Use:   "status <run-id>",
	Short: "Show the current state of a run",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

func init() {
	f := statusCmd.Flags()
	f.StringVarP(&statusFlags.configPath, "config", "c", "", "Run config file")
	f.StringVar(&statusFlags.stateRoot, "state-root", "", "State root (overrides config)")
}

func runStatus(cmd *cobra.Command, args []string) error {
	root := statusFlags.stateRoot
	if root == "" && statusFlags.configPath != "" {
		cfg, err := config.Load(statusFlags.configPath)
		if err != nil {
			return err
		}
		root = cfg.Run.StateRoot
	}
	if root == "" {
		return fmt.Errorf("either --config or --state-root is required")
	}

	s, err := pipeline.Status(filepath.Join(root, args[0]))
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Run:    %s\n", args[0])
	fmt.Fprintf(out, "State:  %s\n", s.State)
	if s.CurrentStage != "" {
		fmt.Fprintf(out, "Stage:  %s\n", s.CurrentStage)
	}
	if len(s.Completed) > 0 {
		fmt.Fprintf(out, "Done:   %s\n", strings.Join(s.Completed, ", "))
	}
	if !s.LastEventAt.IsZero() {
		fmt.Fprintf(out, "Seen:   %s (%s)\n", s.LastEventAt.Format(time.RFC3339), s.LastEvent)
	}
	if s.FailureReason != "" {
		fmt.Fprintf(out, "Reason: %s\n", s.FailureReason)
	}
	for _, flag := range s.Flags {
		fmt.Fprintf(out, "Flag:   %s\n", flag)
	}
	return nil
}
