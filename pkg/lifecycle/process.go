// Package lifecycle manages the target process running inside its host.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/restuhaqza/gnmilab/pkg/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	// ErrLaunchFailed is returned when the target process cannot be started.
	ErrLaunchFailed = errors.New("launch failed")
	// ErrAlreadyRunning is returned when a target is already live.
	ErrAlreadyRunning = errors.New("target already running")
	// ErrExited is returned when the target exits before it became ready.
	ErrExited = errors.New("target exited")
)

// reapTimeout bounds how long Stop waits for a killed process to be reaped.
const reapTimeout = 5 * time.Second

// Process is a handle to a running target.
type Process struct {
	Host      string
	Args      []string
	PID       int
	StartedAt time.Time

	cmd     *exec.Cmd
	done    chan struct{}
	waitErr error
}

// Exited reports whether the process has exited.
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Done is closed when the process exits.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Err returns the wait error once the process has exited.
func (p *Process) Err() error {
	if !p.Exited() {
		return nil
	}
	return p.waitErr
}

// ProcessManager owns at most one live target process.
type ProcessManager struct {
	proc *Process
	mu   sync.Mutex
}

// NewProcessManager creates a process manager.
func NewProcessManager() *ProcessManager {
	return &ProcessManager{}
}

// Current returns the live process, or nil.
func (m *ProcessManager) Current() *Process {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.proc
}

// Start launches commandLine inside host and returns without waiting for it.
// The command line is split on whitespace; no shell is involved.
func (m *ProcessManager) Start(ctx context.Context, host types.Host, commandLine string) (*Process, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.proc != nil {
		return nil, fmt.Errorf("%w: pid %d", ErrAlreadyRunning, m.proc.PID)
	}

	args := strings.Fields(commandLine)
	if len(args) == 0 {
		return nil, fmt.Errorf("%w: empty target command", ErrLaunchFailed)
	}

	binary, err := exec.LookPath(args[0])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLaunchFailed, err)
	}

	logger := log.With().
		Str("component", "target").
		Str("host", host.Name()).
		Logger()

	cmd := exec.Command(binary, args[1:]...)
	stdout := NewLogWriter(logger, zerolog.InfoLevel)
	stderr := NewLogWriter(logger, zerolog.WarnLevel)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	logger.Info().Str("command", commandLine).Msg("Starting target")

	if err := host.Do(cmd.Start); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLaunchFailed, err)
	}

	p := &Process{
		Host:      host.Name(),
		Args:      args,
		PID:       cmd.Process.Pid,
		StartedAt: time.Now(),
		cmd:       cmd,
		done:      make(chan struct{}),
	}
	go func() {
		p.waitErr = cmd.Wait()
		stdout.Flush()
		stderr.Flush()
		close(p.done)
		logger.Info().Int("pid", p.PID).Str("state", cmd.ProcessState.String()).Msg("Target exited")
	}()

	m.proc = p
	logger.Info().Int("pid", p.PID).Msg("Target started")
	return p, nil
}

// WaitReady blocks on waiter, probing from the given host. It fails early
// if the target exits in the meantime.
func (m *ProcessManager) WaitReady(ctx context.Context, waiter types.ReadinessWaiter, from types.Host) error {
	p := m.Current()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if p != nil {
		go func() {
			select {
			case <-p.done:
				cancel()
			case <-ctx.Done():
			}
		}()
	}

	err := waiter.Wait(ctx, from)
	if p != nil && p.Exited() {
		return fmt.Errorf("%w before becoming ready: %v", ErrExited, p.waitErr)
	}
	return err
}

// Stop force-kills the live process. Later calls are no-ops.
func (m *ProcessManager) Stop() error {
	m.mu.Lock()
	p := m.proc
	m.proc = nil
	m.mu.Unlock()

	if p == nil {
		return nil
	}

	if !p.Exited() {
		log.Info().Int("pid", p.PID).Msg("Killing target")
		// Negative pid signals the whole process group.
		if err := syscall.Kill(-p.PID, syscall.SIGKILL); err != nil {
			if err := p.cmd.Process.Kill(); err != nil {
				log.Debug().Err(err).Int("pid", p.PID).Msg("Kill failed")
			}
		}
	}

	select {
	case <-p.done:
	case <-time.After(reapTimeout):
		log.Warn().Int("pid", p.PID).Msg("Target not reaped after kill")
	}
	return nil
}
