package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/restuhaqza/gnmilab/pkg/config"
	"github.com/restuhaqza/gnmilab/pkg/driver"
	"github.com/restuhaqza/gnmilab/pkg/network"
	"github.com/restuhaqza/gnmilab/pkg/runtime"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validConfig = `
target:
  command: /usr/local/bin/link022-agent -v=1
verify:
  gnmi_set: /usr/local/bin/gnmi_set
  ca: /etc/link022/ca.crt
  cert: /etc/link022/client.crt
  key: /etc/link022/client.key
  target_name: www.example.com
  target_addr: 10.0.0.1:10162
  json_conf: /etc/link022/ap.json
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"verification", &driver.VerificationFailedError{Code: 42}, 42},
		{"wrapped verification", fmt.Errorf("run: %w", &driver.VerificationFailedError{Code: 3}), 3},
		{"out of range", &driver.VerificationFailedError{Code: 300}, 1},
		{"other", errors.New("boom"), 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, exitCode(tt.err))
		})
	}
}

func TestValidateCommand(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantErr bool
		want    string
	}{
		{
			name: "valid file",
			args: []string{"validate", "--config", writeConfig(t, validConfig)},
			want: "Configuration is valid",
		},
		{
			name:    "missing explicit file",
			args:    []string{"validate", "--config", "/nonexistent/config.yaml"},
			wantErr: true,
		},
		{
			name:    "override breaks subnet",
			args:    []string{"validate", "--config", writeConfig(t, validConfig), "--subnet", "10.0.0.0/16"},
			wantErr: true,
		},
		{
			name: "raw replaces verify fields",
			args: []string{"validate", "--config", writeConfig(t, "target:\n  command: agent\n"), "--raw", "true"},
			want: "Target:    agent",
		},
		{
			name:    "emulator with external target",
			args:    []string{"validate", "--config", writeConfig(t, validConfig), "--ext_target", "--emulator"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			root := newRootCommand()
			root.SetOut(&out)
			root.SetErr(&out)
			root.SetArgs(tt.args)

			err := root.Execute()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Contains(t, out.String(), tt.want)
		})
	}
}

func TestLoadConfigWithOverrides(t *testing.T) {
	t.Run("defaults when default file is missing", func(t *testing.T) {
		t.Setenv("GNMILAB_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))

		cfg, err := loadConfigWithOverrides(newValidateCommand(), "", nil)
		require.NoError(t, err)
		assert.Equal(t, config.DefaultSubnet, cfg.Topology.Subnet)
		assert.Equal(t, config.ReadinessProbe, cfg.Target.Readiness)
		assert.Equal(t, config.DefaultLogOutput, cfg.Logging.Output)
	})

	t.Run("only changed flags override", func(t *testing.T) {
		path := writeConfig(t, validConfig+"  raw: from-file\n")

		o := &overrides{}
		cmd := &cobra.Command{Use: "validate"}
		o.register(cmd)
		require.NoError(t, cmd.ParseFlags([]string{
			"--target_addr", "192.168.1.10:10162",
			"--ready-timeout", "5s",
		}))

		cfg, err := loadConfigWithOverrides(cmd, path, o)
		require.NoError(t, err)
		assert.Equal(t, "192.168.1.10:10162", cfg.Verify.TargetAddr)
		assert.Equal(t, 5*time.Second, cfg.Target.ReadyTimeout)
		assert.Equal(t, "/usr/local/bin/link022-agent -v=1", cfg.Target.Command)
		assert.Equal(t, "from-file", cfg.Verify.Raw)
	})

	t.Run("emulator logs to file", func(t *testing.T) {
		path := writeConfig(t, "target:\n  command: agent\n")

		o := &overrides{forceEmulator: true}
		cmd := &cobra.Command{Use: "emulator"}
		o.register(cmd)
		assert.Nil(t, cmd.Flags().Lookup("emulator"))

		cfg, err := loadConfigWithOverrides(cmd, path, o)
		require.NoError(t, err)
		assert.True(t, cfg.Emulator)
		assert.Equal(t, config.DefaultEmulatorLog, cfg.Logging.Output)
	})

	t.Run("invalid yaml", func(t *testing.T) {
		path := writeConfig(t, "target: [")
		_, err := loadConfigWithOverrides(newValidateCommand(), path, nil)
		assert.Error(t, err)
	})
}

func TestCommandFlags(t *testing.T) {
	tests := []struct {
		name         string
		cmd          *cobra.Command
		wantEmulator bool
	}{
		{"test", newTestCommand(), true},
		{"validate", newValidateCommand(), true},
		{"emulator", newEmulatorCommand(), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, name := range []string{"target_cmd", "ext_target", "gnmi_set", "json_conf", "raw", "ready-timeout", "subnet"} {
				assert.NotNil(t, tt.cmd.Flags().Lookup(name), name)
			}
			assert.Equal(t, tt.wantEmulator, tt.cmd.Flags().Lookup("emulator") != nil)
		})
	}
}

func TestRunList(t *testing.T) {
	now := time.Now()
	runs := []*runtime.RunState{
		{ID: "run-1", Mode: "test", Status: "running", StartTime: now, TargetPID: 100,
			Namespaces: []string{"lk022-target", "lk022-ctrlr"}},
		{ID: "run-2", Mode: "emulator", Status: "dirty", StartTime: now.Add(-2 * time.Hour)},
	}

	t.Run("table", func(t *testing.T) {
		var out bytes.Buffer
		require.NoError(t, runList(&out, runs, false, "table"))
		assert.Contains(t, out.String(), "run-1")
		assert.Contains(t, out.String(), "lk022-target,lk022-ctrlr")
		assert.Contains(t, out.String(), "Total: 2 run(s)")
	})

	t.Run("dirty only as json", func(t *testing.T) {
		var out bytes.Buffer
		require.NoError(t, runList(&out, runs, true, "JSON"))

		var got []*runtime.RunState
		require.NoError(t, json.Unmarshal(out.Bytes(), &got))
		require.Len(t, got, 1)
		assert.Equal(t, "run-2", got[0].ID)
	})

	t.Run("empty json is a list", func(t *testing.T) {
		var out bytes.Buffer
		require.NoError(t, runList(&out, nil, false, "json"))
		assert.Equal(t, "[]\n", out.String())
	})

	t.Run("empty table", func(t *testing.T) {
		var out bytes.Buffer
		require.NoError(t, runList(&out, nil, false, "table"))
		assert.Equal(t, "No runs found.\n", out.String())
	})
}

func TestFormatUptime(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{30 * time.Second, "30s"},
		{5 * time.Minute, "5m"},
		{2*time.Hour + 15*time.Minute, "2h15m"},
		{50 * time.Hour, "2d2h"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, formatUptime(tt.d))
	}
}

type cleanupFixture struct {
	stateMgr *runtime.StateManager
	executor *network.MockCommandExecutor
	killed   []int
	cleaner  *cleaner
}

func newCleanupFixture(t *testing.T) *cleanupFixture {
	t.Helper()
	stateMgr, err := runtime.NewStateManager(t.TempDir())
	require.NoError(t, err)

	f := &cleanupFixture{
		stateMgr: stateMgr,
		executor: network.NewMockCommandExecutor(),
	}
	f.cleaner = &cleaner{
		executor: f.executor,
		exists:   func(name string) bool { return name != "lk022-dummy" },
		kill: func(pid int) error {
			f.killed = append(f.killed, pid)
			return nil
		},
	}
	return f
}

func TestRunCleanup(t *testing.T) {
	t.Run("dirty runs only", func(t *testing.T) {
		f := newCleanupFixture(t)
		conf := filepath.Join(t.TempDir(), "link022-conf-1.json")
		require.NoError(t, os.WriteFile(conf, []byte("{}"), 0600))

		require.NoError(t, f.stateMgr.Add(&runtime.RunState{
			ID:         "run-dirty",
			Status:     "dirty",
			TargetPID:  4242,
			Namespaces: []string{"lk022-target", "lk022-ctrlr", "lk022-dummy"},
			ConfigPath: conf,
		}))
		require.NoError(t, f.stateMgr.Add(&runtime.RunState{ID: "run-live", Status: "running"}))

		var out bytes.Buffer
		err := runCleanup(context.Background(), &out, f.stateMgr, f.cleaner, nil, false)
		require.NoError(t, err)

		assert.Equal(t, []int{4242}, f.killed)
		assert.Equal(t, []string{
			"ip netns delete lk022-target",
			"ip netns delete lk022-ctrlr",
		}, f.executor.CommandLines())
		assert.NoFileExists(t, conf)

		_, err = f.stateMgr.Get("run-dirty")
		assert.Error(t, err)
		_, err = f.stateMgr.Get("run-live")
		assert.NoError(t, err)
		assert.Contains(t, out.String(), "Run run-dirty cleaned up")
	})

	t.Run("by id", func(t *testing.T) {
		f := newCleanupFixture(t)
		require.NoError(t, f.stateMgr.Add(&runtime.RunState{ID: "run-live", Status: "running", TargetPID: 7}))

		err := runCleanup(context.Background(), &bytes.Buffer{}, f.stateMgr, f.cleaner, []string{"run-live"}, false)
		require.NoError(t, err)
		assert.Equal(t, []int{7}, f.killed)
		assert.Empty(t, f.stateMgr.List())
	})

	t.Run("unknown id", func(t *testing.T) {
		f := newCleanupFixture(t)
		err := runCleanup(context.Background(), &bytes.Buffer{}, f.stateMgr, f.cleaner, []string{"run-x"}, false)
		assert.Error(t, err)
	})

	t.Run("failure keeps record", func(t *testing.T) {
		f := newCleanupFixture(t)
		f.executor.Handlers["ip netns"] = func(args []string) network.MockCommandResult {
			return network.MockCommandResult{Err: errors.New("device busy")}
		}
		require.NoError(t, f.stateMgr.Add(&runtime.RunState{
			ID:         "run-busy",
			Status:     "dirty",
			Namespaces: []string{"lk022-target"},
		}))

		var out bytes.Buffer
		err := runCleanup(context.Background(), &out, f.stateMgr, f.cleaner, nil, true)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "lk022-target")

		run, err := f.stateMgr.Get("run-busy")
		require.NoError(t, err)
		assert.Equal(t, "dirty", run.Status)
		assert.Contains(t, run.LastError, "device busy")
		assert.Contains(t, out.String(), "cleanup incomplete")
	})

	t.Run("nothing to do", func(t *testing.T) {
		f := newCleanupFixture(t)
		var out bytes.Buffer
		require.NoError(t, runCleanup(context.Background(), &out, f.stateMgr, f.cleaner, nil, false))
		assert.Equal(t, "Nothing to clean up.\n", out.String())
	})
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	root := newRootCommand()
	root.SetOut(&out)
	root.SetArgs([]string{"version"})

	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "gnmilab "+Version)
	assert.Contains(t, out.String(), "Go Version")
}
