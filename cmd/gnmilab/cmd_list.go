package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/restuhaqza/gnmilab/pkg/runtime"
	"github.com/spf13/cobra"
)

var (
	listDirty  bool
	listFormat string
)

// newListCommand creates the list command
func newListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recorded runs",
		Long: `List the runs gnmilab has recorded on this host.

A run is recorded while it is active and kept afterwards only when its
teardown did not finish ("dirty"). Such runs can be removed with cleanup.

Example:
  gnmilab list
  gnmilab list --dirty
  gnmilab list --format json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			stateMgr, err := runtime.NewStateManager(stateDir)
			if err != nil {
				return fmt.Errorf("failed to create state manager: %w", err)
			}
			return runList(cmd.OutOrStdout(), stateMgr.List(), listDirty, listFormat)
		},
	}

	cmd.Flags().BoolVar(&listDirty, "dirty", false, "Only show runs whose teardown failed")
	cmd.Flags().StringVar(&listFormat, "format", "table", "Output format (table, json)")

	return cmd
}

func runList(out io.Writer, runs []*runtime.RunState, dirtyOnly bool, format string) error {
	var filtered []*runtime.RunState
	for _, run := range runs {
		if dirtyOnly && run.Status != "dirty" {
			continue
		}
		filtered = append(filtered, run)
	}

	switch strings.ToLower(format) {
	case "json":
		return outputJSON(out, filtered)
	default:
		return outputTable(out, filtered)
	}
}

// outputTable displays runs in table format
func outputTable(out io.Writer, runs []*runtime.RunState) error {
	if len(runs) == 0 {
		fmt.Fprintln(out, "No runs found.")
		return nil
	}

	fmt.Fprintf(out, "%-28s %-10s %-10s %-8s %-10s %s\n",
		"ID", "MODE", "STATUS", "PID", "STARTED", "NAMESPACES")
	fmt.Fprintln(out, strings.Repeat("-", 90))

	for _, run := range runs {
		pid := "-"
		if run.TargetPID > 0 {
			pid = fmt.Sprintf("%d", run.TargetPID)
		}
		namespaces := strings.Join(run.Namespaces, ",")
		if namespaces == "" {
			namespaces = "-"
		}

		fmt.Fprintf(out, "%-28s %-10s %-10s %-8s %-10s %s\n",
			run.ID,
			run.Mode,
			formatStatus(run.Status),
			pid,
			formatUptime(time.Since(run.StartTime)),
			namespaces,
		)
	}

	fmt.Fprintf(out, "\nTotal: %d run(s)\n", len(runs))
	return nil
}

// outputJSON displays runs in JSON format
func outputJSON(out io.Writer, runs []*runtime.RunState) error {
	if runs == nil {
		runs = []*runtime.RunState{}
	}
	data, err := json.MarshalIndent(runs, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}

	fmt.Fprintln(out, string(data))
	return nil
}

func formatStatus(status string) string {
	switch status {
	case "running":
		return "running ✓"
	case "dirty":
		return "dirty ✗"
	default:
		return status
	}
}

// formatUptime formats a duration into human-readable form
func formatUptime(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
	default:
		return fmt.Sprintf("%dd%dh", int(d.Hours())/24, int(d.Hours())%24)
	}
}
