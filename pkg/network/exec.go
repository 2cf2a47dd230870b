package network

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
)

// CommandExecutor runs host commands such as ip(8).
type CommandExecutor interface {
	// Run runs the command to completion and returns its combined output.
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// RealCommandExecutor implements CommandExecutor using os/exec.
type RealCommandExecutor struct{}

// Run runs the command with os/exec.
func (RealCommandExecutor) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return out, fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return out, nil
}

// MockCommandExecutor records commands and returns canned results.
type MockCommandExecutor struct {
	// Handlers maps "name arg0" (e.g. "ip netns") to a result function.
	Handlers map[string]func(args []string) MockCommandResult
	Calls    []CommandCall
	mu       sync.Mutex
}

// MockCommandResult is the result of a mocked command.
type MockCommandResult struct {
	Output []byte
	Err    error
}

// CommandCall records a command invocation.
type CommandCall struct {
	Name string
	Args []string
}

// String renders the call as a command line.
func (c CommandCall) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// NewMockCommandExecutor creates a mock that succeeds for every command.
func NewMockCommandExecutor() *MockCommandExecutor {
	return &MockCommandExecutor{
		Handlers: make(map[string]func(args []string) MockCommandResult),
	}
}

// Run records the call and dispatches it to a handler, if any.
func (m *MockCommandExecutor) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	m.mu.Lock()
	m.Calls = append(m.Calls, CommandCall{Name: name, Args: args})
	m.mu.Unlock()

	key := name
	if len(args) > 0 {
		key = name + " " + args[0]
	}
	for _, k := range []string{key, name} {
		if h, ok := m.Handlers[k]; ok {
			res := h(args)
			return res.Output, res.Err
		}
	}
	return nil, nil
}

// CommandLines returns every recorded call rendered as a command line.
func (m *MockCommandExecutor) CommandLines() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	lines := make([]string, 0, len(m.Calls))
	for _, c := range m.Calls {
		lines = append(lines, c.String())
	}
	return lines
}
