package verify

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/restuhaqza/gnmilab/pkg/network"
	"github.com/restuhaqza/gnmilab/test/mocks"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gnmi_set")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0755))
	return path
}

func TestCommand_Args(t *testing.T) {
	cmd := Command{
		Binary:     "/usr/local/bin/gnmi_set",
		CA:         "/certs/ca.crt",
		Cert:       "/certs/client.crt",
		Key:        "/certs/client.key",
		TargetName: "target.link022",
		TargetAddr: "10.0.0.1:10161",
		ConfigPath: "/tmp/link022-conf-1.json",
	}

	assert.Equal(t, []string{
		"/usr/local/bin/gnmi_set",
		"-ca=/certs/ca.crt",
		"-cert=/certs/client.crt",
		"-key=/certs/client.key",
		"-target_name=target.link022",
		"-target_addr=10.0.0.1:10161",
		"-replace=/:@/tmp/link022-conf-1.json",
	}, cmd.Args())
	assert.Equal(t,
		"/usr/local/bin/gnmi_set -ca=/certs/ca.crt -cert=/certs/client.crt -key=/certs/client.key "+
			"-target_name=target.link022 -target_addr=10.0.0.1:10161 -replace=/:@/tmp/link022-conf-1.json",
		cmd.String())
}

func TestRunner_Run(t *testing.T) {
	tests := []struct {
		name string
		body string
		want int
	}{
		{name: "success", body: "exit 0", want: 0},
		{name: "failure", body: "exit 1", want: 1},
		{name: "other code", body: "exit 42", want: 42},
		{name: "killed", body: "kill -9 $$", want: 137},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			host := mocks.NewMockHost("ctrlr")
			code, err := NewRunner().Run(context.Background(), host, Command{Binary: writeScript(t, tt.body)})
			require.NoError(t, err)
			assert.Equal(t, tt.want, code)
			assert.Equal(t, 1, host.DoCalls)
		})
	}
}

func TestRunner_RunPassesArgs(t *testing.T) {
	var out bytes.Buffer
	r := &Runner{Stdout: &out}

	cmd := Command{
		Binary:     writeScript(t, `for a in "$@"; do echo "$a"; done`),
		CA:         "ca.pem",
		Cert:       "cert.pem",
		Key:        "key.pem",
		TargetName: "ap",
		TargetAddr: "10.0.0.1:10161",
		ConfigPath: "conf.json",
	}
	code, err := r.Run(context.Background(), network.NewLocalHost("ctrlr"), cmd)
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Equal(t, cmd.Args()[1:], strings.Split(strings.TrimSpace(out.String()), "\n"))
}

func TestRunner_RunStartFailure(t *testing.T) {
	tests := []struct {
		name string
		cmd  Command
	}{
		{name: "missing binary", cmd: Command{Binary: "/nonexistent/gnmi_set"}},
		{name: "empty binary", cmd: Command{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, err := NewRunner().Run(context.Background(), network.NewLocalHost("ctrlr"), tt.cmd)
			assert.Error(t, err)
			assert.Equal(t, -1, code)
		})
	}
}

func TestRunner_RunRaw(t *testing.T) {
	var out bytes.Buffer
	r := &Runner{Stdout: &out}
	host := network.NewLocalHost("lk022_def")

	code, err := r.RunRaw(context.Background(), host, "echo raw mode && exit 3")
	require.NoError(t, err)
	assert.Equal(t, 3, code)
	assert.Equal(t, "raw mode\n", out.String())
}

func TestRunner_LogsFinalLine(t *testing.T) {
	var buf bytes.Buffer
	orig := log.Logger
	log.Logger = zerolog.New(&buf)
	defer func() { log.Logger = orig }()

	code, err := NewRunner().RunRaw(context.Background(), network.NewLocalHost("lk022_def"), "printf 'set failed' >&2; exit 1")
	require.NoError(t, err)
	assert.Equal(t, 1, code)
	assert.Contains(t, buf.String(), `"message":"set failed"`)
	assert.Contains(t, buf.String(), `"level":"warn"`)
}
