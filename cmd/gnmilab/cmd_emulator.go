package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// newEmulatorCommand creates the emulator command
func newEmulatorCommand() *cobra.Command {
	o := &overrides{forceEmulator: true}
	cmd := &cobra.Command{
		Use:   "emulator",
		Short: "Start the topology and target, then open an operator shell",
		Long: `Build the topology and start the target agent like test does, then read
commands from stdin instead of running gnmi_set:

  <node> <command>   run a shell command inside a node
  nodes              list the nodes
  exit               tear everything down

Logs go to /tmp/link022_emulator.log unless logging.output is set.

Example:
  sudo gnmilab emulator --target_cmd "/usr/local/bin/link022-agent -v=1"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfigWithOverrides(cmd, cfgFile, o)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			return runIntegration(cmd.Context(), cfg, cmd.OutOrStdout())
		},
	}
	o.register(cmd)
	return cmd
}
