// Package shell provides the operator command line used in emulator mode.
package shell

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"

	"github.com/restuhaqza/gnmilab/pkg/types"
	"github.com/rs/zerolog/log"
	"golang.org/x/term"
)

// DefaultPrompt is printed before each command on a terminal.
const DefaultPrompt = "gnmilab> "

const helpText = `Commands:
  nodes              list hosts
  help               show this help
  <host> <cmd...>    run cmd inside host
  exit, quit         leave the shell
`

// Shell is a line based command loop over the hosts of a topology.
type Shell struct {
	In     io.Reader
	Out    io.Writer
	Err    io.Writer
	Prompt string

	interactive bool
}

// New creates a shell. A prompt is only printed when in is a terminal.
func New(in io.Reader, out, errOut io.Writer) *Shell {
	s := &Shell{In: in, Out: out, Err: errOut, Prompt: DefaultPrompt}
	if f, ok := in.(*os.File); ok {
		s.interactive = term.IsTerminal(int(f.Fd()))
	}
	return s
}

// NewStdio creates a shell on the process stdio.
func NewStdio() *Shell {
	return New(os.Stdin, os.Stdout, os.Stderr)
}

// Run reads commands until exit, quit, end of input or ctx is done.
func (s *Shell) Run(ctx context.Context, hosts map[string]types.Host) error {
	log.Info().Int("hosts", len(hosts)).Msg("Starting shell")

	scanner := bufio.NewScanner(s.In)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if s.interactive {
			fmt.Fprint(s.Out, s.Prompt)
		}
		if !scanner.Scan() {
			if s.interactive {
				fmt.Fprintln(s.Out)
			}
			return scanner.Err()
		}

		line := strings.TrimSpace(scanner.Text())
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}

		switch fields[0] {
		case "exit", "quit":
			return nil
		case "help":
			fmt.Fprint(s.Out, helpText)
		case "nodes":
			fmt.Fprintf(s.Out, "available nodes are:\n%s\n", strings.Join(sortedNames(hosts), " "))
		default:
			host, ok := hosts[fields[0]]
			if !ok {
				fmt.Fprintf(s.Err, "*** Unknown command: %s\n", scanner.Text())
				continue
			}
			if len(fields) == 1 {
				fmt.Fprintf(s.Err, "*** Enter a command for node: %s <cmd>\n", fields[0])
				continue
			}
			s.exec(ctx, host, strings.TrimSpace(strings.TrimPrefix(line, fields[0])))
		}
	}
}

func (s *Shell) exec(ctx context.Context, host types.Host, commandLine string) {
	c := exec.CommandContext(ctx, "/bin/sh", "-c", commandLine)
	c.Stdin = s.stdin()
	c.Stdout = s.Out
	c.Stderr = s.Err

	err := host.Do(c.Run)
	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		fmt.Fprintf(s.Err, "exit status %d\n", exitErr.ExitCode())
	default:
		fmt.Fprintf(s.Err, "*** %s: %v\n", host.Name(), err)
	}
}

// stdin hands the shell's input to commands when it is a file, so that
// interactive programs work on a terminal. Other readers stay with the
// command loop.
func (s *Shell) stdin() io.Reader {
	if f, ok := s.In.(*os.File); ok {
		return f
	}
	return nil
}

func sortedNames(hosts map[string]types.Host) []string {
	names := make([]string, 0, len(hosts))
	for name := range hosts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
