package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"syscall"

	"github.com/restuhaqza/gnmilab/pkg/network"
	"github.com/restuhaqza/gnmilab/pkg/runtime"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var cleanupAll bool

// newCleanupCommand creates the cleanup command
func newCleanupCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cleanup [run-id...]",
		Short: "Remove what crashed runs left behind",
		Long: `Kill the target, delete the namespaces and remove the rewritten config
of recorded runs. Without arguments only dirty runs are cleaned; use --all
to include runs still marked running.

Example:
  sudo gnmilab cleanup
  sudo gnmilab cleanup run-1760000000000000000
  sudo gnmilab cleanup --all`,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			_, err := setupLogging(logLevel, "")
			return err
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			stateMgr, err := runtime.NewStateManager(stateDir)
			if err != nil {
				return fmt.Errorf("failed to create state manager: %w", err)
			}
			c := &cleaner{
				executor: network.RealCommandExecutor{},
				exists:   network.NamespaceExists,
				kill:     killProcess,
			}
			return runCleanup(cmd.Context(), cmd.OutOrStdout(), stateMgr, c, args, cleanupAll)
		},
	}

	cmd.Flags().BoolVar(&cleanupAll, "all", false, "Also clean runs still marked running")

	return cmd
}

// cleaner removes the host resources of one run.
type cleaner struct {
	executor network.CommandExecutor
	exists   func(name string) bool
	kill     func(pid int) error
}

// runCleanup cleans the selected runs and drops their records. A record is
// kept when any of its resources could not be removed.
func runCleanup(ctx context.Context, out io.Writer, stateMgr *runtime.StateManager, c *cleaner, ids []string, all bool) error {
	var runs []*runtime.RunState
	if len(ids) > 0 {
		for _, id := range ids {
			run, err := stateMgr.Get(id)
			if err != nil {
				return fmt.Errorf("run not found: %s", id)
			}
			runs = append(runs, run)
		}
	} else {
		for _, run := range stateMgr.List() {
			if all || run.Status == "dirty" {
				runs = append(runs, run)
			}
		}
	}

	if len(runs) == 0 {
		fmt.Fprintln(out, "Nothing to clean up.")
		return nil
	}

	var errs []error
	for _, run := range runs {
		if err := c.clean(ctx, run); err != nil {
			errs = append(errs, err)
			if uErr := stateMgr.Update(run.ID, func(s *runtime.RunState) {
				s.Status = "dirty"
				s.LastError = err.Error()
			}); uErr != nil {
				log.Warn().Err(uErr).Msg("Failed to update run record")
			}
			fmt.Fprintf(out, "Run %s: cleanup incomplete: %v\n", run.ID, err)
			continue
		}
		if err := stateMgr.Remove(run.ID); err != nil {
			log.Warn().Err(err).Msg("Failed to remove run record")
		}
		fmt.Fprintf(out, "Run %s cleaned up\n", run.ID)
	}
	return errors.Join(errs...)
}

// clean kills the target, then deletes the namespaces, then removes the
// config file, mirroring the teardown order of a run.
func (c *cleaner) clean(ctx context.Context, run *runtime.RunState) error {
	log.Info().
		Str("run_id", run.ID).
		Int("pid", run.TargetPID).
		Strs("namespaces", run.Namespaces).
		Msg("Cleaning up run")

	var errs []error
	if run.TargetPID > 0 {
		if err := c.kill(run.TargetPID); err != nil {
			errs = append(errs, err)
		}
	}

	for _, ns := range run.Namespaces {
		if !c.exists(ns) {
			log.Debug().Str("namespace", ns).Msg("Namespace already gone")
			continue
		}
		if err := network.DeleteNamespace(ctx, c.executor, ns); err != nil {
			errs = append(errs, err)
		}
	}

	if run.ConfigPath != "" {
		if err := os.Remove(run.ConfigPath); err != nil && !os.IsNotExist(err) {
			errs = append(errs, fmt.Errorf("failed to remove config: %w", err))
		}
	}
	return errors.Join(errs...)
}

// killProcess kills the target's process group. A target that is already
// gone is not an error.
func killProcess(pid int) error {
	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("process not found: %w", err)
	}

	if err := process.Signal(syscall.Signal(0)); err != nil {
		log.Info().Int("pid", pid).Msg("Process already terminated")
		return nil
	}

	log.Info().Int("pid", pid).Msg("Sending SIGKILL")
	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil {
		if err := process.Kill(); err != nil {
			return fmt.Errorf("failed to kill process: %w", err)
		}
	}
	return nil
}
