package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	goruntime "runtime"

	"github.com/restuhaqza/gnmilab/pkg/config"
	"github.com/restuhaqza/gnmilab/pkg/driver"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	// Version is set by build flags
	Version = "v0.1.0"
	// BuildTime is set by build flags
	BuildTime = "unknown"
	// GitCommit is set by build flags
	GitCommit = "unknown"
)

// Global flags
var (
	cfgFile  string
	logLevel string
	stateDir string
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCode(err))
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "gnmilab",
		Short: "gnmilab - gNMI integration test harness for Link022 agents",
		Long: `gnmilab builds a three host network namespace topology (target, ctrlr,
dummy), launches a Link022 agent inside the target namespace and pushes an
access point configuration to it with gnmi_set from the controller.

It can also:
  - Run against an already running target (--ext_target)
  - Drop into an operator shell instead of verifying (emulator)
  - Clean up after runs that crashed`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "Path to configuration file (default: /etc/gnmilab/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&stateDir, "state-dir", "", "Directory for run records (default: /var/run/gnmilab)")

	rootCmd.AddCommand(newTestCommand())
	rootCmd.AddCommand(newEmulatorCommand())
	rootCmd.AddCommand(newCleanupCommand())
	rootCmd.AddCommand(newListCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newVersionCommand())

	return rootCmd
}

// exitCode maps a run error to the process exit status. A failed
// verification exits with the code of the verification command.
func exitCode(err error) int {
	var vErr *driver.VerificationFailedError
	if errors.As(err, &vErr) && vErr.Code > 0 && vErr.Code < 256 {
		return vErr.Code
	}
	return 1
}

// newValidateCommand creates the validate command
func newValidateCommand() *cobra.Command {
	o := &overrides{}
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration file",
		Long: `Validate the gnmilab configuration file after applying flag overrides.

Example:
  gnmilab validate --config /etc/gnmilab/config.yaml
  gnmilab validate --target_cmd "link022-agent -v=2" --json_conf ap.json ...`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfigWithOverrides(cmd, cfgFile, o)
			if err != nil {
				return fmt.Errorf("configuration validation failed: %w", err)
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("validation failed: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "✓ Configuration is valid")
			fmt.Fprintf(out, "  Subnet:    %s\n", cfg.Topology.Subnet)
			fmt.Fprintf(out, "  Target:    %s\n", describeTarget(cfg))
			fmt.Fprintf(out, "  Readiness: %s (%s)\n", cfg.Target.Readiness, cfg.Target.ReadyTimeout)
			fmt.Fprintf(out, "  Emulator:  %v\n", cfg.Emulator)
			return nil
		},
	}
	o.register(cmd)
	return cmd
}

// newVersionCommand creates the version command
func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "gnmilab %s\n", Version)
			fmt.Fprintf(out, "  Build Time: %s\n", BuildTime)
			fmt.Fprintf(out, "  Git Commit: %s\n", GitCommit)
			fmt.Fprintf(out, "  Go Version: %s (%s/%s)\n", goruntime.Version(), goruntime.GOOS, goruntime.GOARCH)
		},
	}
}

func describeTarget(cfg *config.Config) string {
	if cfg.Target.External {
		return "external " + cfg.Verify.TargetAddr
	}
	return cfg.Target.Command
}

// loadConfigWithOverrides loads configuration, applies CLI overrides and
// fills defaults. A missing file is only an error when set explicitly.
func loadConfigWithOverrides(cmd *cobra.Command, path string, o *overrides) (*config.Config, error) {
	explicit := path != ""
	if !explicit {
		path = config.GetDefaultConfigPath()
	}

	cfg, err := config.LoadConfig(path)
	if err != nil {
		if !os.IsNotExist(err) || explicit {
			return nil, err
		}
		log.Debug().Str("path", path).Msg("Config file not found, using defaults")
		cfg = &config.Config{}
	}

	if o != nil {
		o.apply(cmd, cfg)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if stateDir != "" {
		cfg.StateDir = stateDir
	}

	cfg.SetDefaults()
	return cfg, nil
}

// setupLogging initializes the logging system. Output is "stderr" or a file
// path; the returned closer releases the file.
func setupLogging(level, output string) (io.Closer, error) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	if output == "" || output == config.DefaultLogOutput {
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: "15:04:05",
		})
		return io.NopCloser(nil), nil
	}

	f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{
		Out:        f,
		TimeFormat: "15:04:05",
		NoColor:    true,
	})
	return f, nil
}
