// Package testinfra holds helpers for tests that touch the real host.
package testinfra

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestHelper provides utility functions for privileged tests
type TestHelper struct {
	t            *testing.T
	cleanupFuncs []func() error
}

// NewTestHelper creates a helper whose cleanups run when the test ends.
func NewTestHelper(t *testing.T) *TestHelper {
	th := &TestHelper{t: t}
	t.Cleanup(th.Cleanup)
	return th
}

// AddCleanup adds a cleanup function to be called on test completion
func (th *TestHelper) AddCleanup(fn func() error) {
	th.cleanupFuncs = append(th.cleanupFuncs, fn)
}

// Cleanup runs registered cleanups in reverse order. It is safe to call
// more than once.
func (th *TestHelper) Cleanup() {
	for i := len(th.cleanupFuncs) - 1; i >= 0; i-- {
		if err := th.cleanupFuncs[i](); err != nil {
			th.t.Logf("Cleanup error: %v", err)
		}
	}
	th.cleanupFuncs = nil
}

// RunCommandTimeout runs a command with a timeout
func (th *TestHelper) RunCommandTimeout(timeout time.Duration, name string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	output, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	return string(output), err
}

// CommandExists checks if a command exists in PATH
func (th *TestHelper) CommandExists(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}

// RequireCommands skips the test unless every command is in PATH.
func (th *TestHelper) RequireCommands(names ...string) {
	for _, name := range names {
		if !th.CommandExists(name) {
			th.t.Skipf("%s not found in PATH", name)
		}
	}
}

// RequireRoot skips the test unless it runs as root.
func (th *TestHelper) RequireRoot() {
	if os.Geteuid() != 0 {
		th.t.Skip("requires root")
	}
}

// SkipIfShort skips the test if -short flag is set
func (th *TestHelper) SkipIfShort(reason string) {
	if testing.Short() {
		th.t.Skipf("Skipping in short mode: %s", reason)
	}
}

// WaitFor waits for a condition to be true
func (th *TestHelper) WaitFor(condition func() bool, timeout time.Duration, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			require.Fail(th.t, fmt.Sprintf("%s: timeout after %v", message, timeout))
			return
		case <-ticker.C:
			if condition() {
				return
			}
		}
	}
}
