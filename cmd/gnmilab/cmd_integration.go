package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/restuhaqza/gnmilab/pkg/config"
	"github.com/restuhaqza/gnmilab/pkg/driver"
	"github.com/restuhaqza/gnmilab/pkg/lifecycle"
	"github.com/restuhaqza/gnmilab/pkg/network"
	"github.com/restuhaqza/gnmilab/pkg/runtime"
	"github.com/restuhaqza/gnmilab/pkg/shell"
	"github.com/restuhaqza/gnmilab/pkg/verify"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// newTestCommand creates the test command
func newTestCommand() *cobra.Command {
	o := &overrides{}
	cmd := &cobra.Command{
		Use:   "test",
		Short: "Run a gNMI integration test against a Link022 agent",
		Long: `Build the target/ctrlr/dummy topology, start the target agent, wait for
it to come up and push the access point config with gnmi_set. The exit code
is the exit code of gnmi_set.

Example:
  gnmilab test --target_cmd "/usr/local/bin/link022-agent -v=1" \
    --gnmi_set /usr/local/bin/gnmi_set --ca ca.crt --cert client.crt \
    --key client.key --target_name www.example.com \
    --target_addr 10.0.0.1:10162 --json_conf ap.json
  gnmilab test --ext_target --target_addr 192.168.1.10:10162 ...
  gnmilab test --raw "gnmi_set -replace=/:@/tmp/ap.json ..."`,
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

// runIntegration validates cfg, wires the real backends and runs the driver.
func runIntegration(ctx context.Context, cfg *config.Config, out io.Writer) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	closer, err := setupLogging(cfg.Logging.Level, cfg.Logging.Output)
	if err != nil {
		return err
	}
	defer closer.Close()

	deps, err := buildDeps(cfg)
	if err != nil {
		return err
	}

	d, err := driver.New(cfg, deps)
	if err != nil {
		return fmt.Errorf("failed to create driver: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	result, err := d.Run(ctx)
	if result != nil {
		printResult(out, result)
	}
	return err
}

func buildDeps(cfg *config.Config) (driver.Deps, error) {
	deps := driver.Deps{}

	if !cfg.Target.External {
		deps.Network = network.NewNamespaceNetwork(cfg.Topology.NamespacePrefix, nil)
		deps.Processes = lifecycle.NewProcessManager()

		waiter, err := driver.NewReadinessWaiter(cfg.Target, cfg.Verify)
		if err != nil {
			return driver.Deps{}, err
		}
		deps.Waiter = waiter
	}

	if cfg.Emulator {
		deps.Shell = shell.NewStdio()
	} else {
		deps.Verifier = verify.NewRunner()
	}

	// A run without a record still runs; cleanup just cannot find it later.
	stateMgr, err := runtime.NewStateManager(cfg.StateDir)
	if err != nil {
		log.Warn().Err(err).Msg("Run records disabled")
	} else {
		deps.State = stateMgr
	}

	return deps, nil
}

func printResult(out io.Writer, result *driver.Result) {
	fmt.Fprintf(out, "State:     %s\n", result.State)
	if result.ConfigPath != "" {
		fmt.Fprintf(out, "Config:    %s\n", result.ConfigPath)
	}
	fmt.Fprintf(out, "Exit code: %d\n", result.ExitCode)
}
