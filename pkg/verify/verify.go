// Package verify runs the gnmi_set replace call against the target.
package verify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"syscall"

	"github.com/restuhaqza/gnmilab/pkg/lifecycle"
	"github.com/restuhaqza/gnmilab/pkg/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Command is a gnmi_set invocation that replaces the whole tree.
type Command struct {
	Binary     string
	CA         string
	Cert       string
	Key        string
	TargetName string
	TargetAddr string
	ConfigPath string
}

// Args renders the argv of the command.
func (c Command) Args() []string {
	return []string{
		c.Binary,
		"-ca=" + c.CA,
		"-cert=" + c.Cert,
		"-key=" + c.Key,
		"-target_name=" + c.TargetName,
		"-target_addr=" + c.TargetAddr,
		"-replace=/:@" + c.ConfigPath,
	}
}

func (c Command) String() string {
	return strings.Join(c.Args(), " ")
}

// Runner executes verification commands inside a host.
type Runner struct {
	// Stdout and Stderr receive the command output. Nil logs it.
	Stdout io.Writer
	Stderr io.Writer
}

// NewRunner creates a runner that logs command output.
func NewRunner() *Runner {
	return &Runner{}
}

// Run executes cmd from host and blocks until it exits. The error is only
// set when the command could not be started.
func (r *Runner) Run(ctx context.Context, host types.Host, cmd Command) (int, error) {
	return r.run(ctx, host, cmd.Args())
}

// RunRaw executes a pre-built command line through /bin/sh.
func (r *Runner) RunRaw(ctx context.Context, host types.Host, commandLine string) (int, error) {
	return r.run(ctx, host, []string{"/bin/sh", "-c", commandLine})
}

func (r *Runner) run(ctx context.Context, host types.Host, argv []string) (int, error) {
	if len(argv) == 0 || argv[0] == "" {
		return -1, fmt.Errorf("failed to start verification: empty command")
	}

	logger := log.With().
		Str("component", "verify").
		Str("host", host.Name()).
		Logger()

	c := exec.CommandContext(ctx, argv[0], argv[1:]...)
	c.Stdout = r.Stdout
	if c.Stdout == nil {
		w := lifecycle.NewLogWriter(logger, zerolog.InfoLevel)
		defer w.Flush()
		c.Stdout = w
	}
	c.Stderr = r.Stderr
	if c.Stderr == nil {
		w := lifecycle.NewLogWriter(logger, zerolog.WarnLevel)
		defer w.Flush()
		c.Stderr = w
	}

	logger.Info().Strs("args", argv).Msg("Running verification")

	if err := host.Do(c.Start); err != nil {
		return -1, fmt.Errorf("failed to start %s: %w", argv[0], err)
	}

	code := 0
	if err := c.Wait(); err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return -1, fmt.Errorf("failed to wait for %s: %w", argv[0], err)
		}
		code = exitCode(exitErr)
	}

	logger.Info().Int("exit_code", code).Msg("Verification finished")
	return code, nil
}

// exitCode maps a signal death to 128+signal like a shell does.
func exitCode(err *exec.ExitError) int {
	if ws, ok := err.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	return err.ExitCode()
}
