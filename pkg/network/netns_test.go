package network

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"testing"

	"github.com/restuhaqza/gnmilab/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"
)

func TestNamespaceNetwork_AddHost(t *testing.T) {
	mock := NewMockCommandExecutor()
	n := NewNamespaceNetwork("", mock)

	host, err := n.AddHost(context.Background(), "target")
	require.NoError(t, err)
	assert.Equal(t, "target", host.Name())
	assert.Equal(t, "lk022-target", host.(*NamespaceHost).Namespace())
	assert.Equal(t, []string{"ip netns add lk022-target"}, mock.CommandLines())

	got, ok := n.Host("target")
	assert.True(t, ok)
	assert.Same(t, host, got)

	_, err = n.AddHost(context.Background(), "target")
	assert.Error(t, err)
}

func TestNamespaceNetwork_AddHostFails(t *testing.T) {
	mock := NewMockCommandExecutor()
	mock.Handlers["ip netns"] = func(args []string) MockCommandResult {
		return MockCommandResult{Err: errors.New("permission denied")}
	}
	n := NewNamespaceNetwork("test", mock)

	_, err := n.AddHost(context.Background(), "ctrlr")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "test-ctrlr")
	assert.Empty(t, n.Namespaces())
}

func TestNamespaceNetwork_AddLinkUnknownHost(t *testing.T) {
	n := NewNamespaceNetwork("test", NewMockCommandExecutor())
	_, err := n.AddHost(context.Background(), "target")
	require.NoError(t, err)

	_, err = n.AddLink(context.Background(), "target", "nowhere", types.LinkParams{}, types.LinkParams{})
	assert.Error(t, err)
	assert.Empty(t, n.Links())
}

func TestNamespaceNetwork_StopDeletesInReverse(t *testing.T) {
	mock := NewMockCommandExecutor()
	n := NewNamespaceNetwork("lk022", mock)
	ctx := context.Background()

	for _, name := range []string{"target", "ctrlr", "dummy"} {
		_, err := n.AddHost(ctx, name)
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"lk022-target", "lk022-ctrlr", "lk022-dummy"}, n.Namespaces())

	require.NoError(t, n.Stop(ctx))
	assert.Equal(t, []string{
		"ip netns add lk022-target",
		"ip netns add lk022-ctrlr",
		"ip netns add lk022-dummy",
		"ip netns delete lk022-dummy",
		"ip netns delete lk022-ctrlr",
		"ip netns delete lk022-target",
	}, mock.CommandLines())

	// Second stop has nothing left to delete.
	require.NoError(t, n.Stop(ctx))
	assert.Len(t, mock.Calls, 6)
	_, ok := n.Host("target")
	assert.False(t, ok)
}

func TestNamespaceNetwork_StopReportsButContinues(t *testing.T) {
	mock := NewMockCommandExecutor()
	n := NewNamespaceNetwork("lk022", mock)
	ctx := context.Background()
	_, _ = n.AddHost(ctx, "a")
	_, _ = n.AddHost(ctx, "b")

	mock.Handlers["ip netns"] = func(args []string) MockCommandResult {
		if args[1] == "delete" && args[2] == "lk022-b" {
			return MockCommandResult{Err: errors.New("busy")}
		}
		return MockCommandResult{}
	}

	err := n.Stop(ctx)
	assert.Error(t, err)
	assert.Contains(t, mock.CommandLines(), "ip netns delete lk022-a")
	assert.Empty(t, n.Namespaces())
}

func TestLocalHost_Do(t *testing.T) {
	h := NewLocalHost("lk022_def")
	assert.Equal(t, "lk022_def", h.Name())

	called := false
	err := h.Do(func() error {
		called = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, called)

	want := errors.New("boom")
	assert.Equal(t, want, h.Do(func() error { return want }))
}

func requirePrivileged(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping namespace test in short mode")
	}
	if os.Geteuid() != 0 {
		t.Skip("Namespace tests require root")
	}
	if _, err := exec.LookPath("ip"); err != nil {
		t.Skip("ip(8) not found")
	}
}

func TestNamespaceNetwork_Privileged(t *testing.T) {
	requirePrivileged(t)

	ctx := context.Background()
	n := NewNamespaceNetwork("gltest", nil)
	t.Cleanup(func() { _ = n.Stop(ctx) })

	target, err := n.AddHost(ctx, "target")
	require.NoError(t, err)
	_, err = n.AddHost(ctx, "ctrlr")
	require.NoError(t, err)

	link, err := n.AddLink(ctx, "target", "ctrlr",
		types.LinkParams{IP: "10.0.0.1/24"}, types.LinkParams{IP: "10.0.0.2/24"})
	require.NoError(t, err)
	assert.Equal(t, "target-eth0", link.IntfA)
	assert.Equal(t, "ctrlr-eth0", link.IntfB)

	require.NoError(t, n.Start(ctx))

	err = target.Do(func() error {
		l, err := netlink.LinkByName("target-eth0")
		if err != nil {
			return err
		}
		addrs, err := netlink.AddrList(l, netlink.FAMILY_V4)
		if err != nil {
			return err
		}
		require.Len(t, addrs, 1)
		assert.Equal(t, "10.0.0.1/24", addrs[0].IPNet.String())
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, n.Stop(ctx))
	_, err = netns.GetFromName("gltest-target")
	assert.Error(t, err)
}

func TestDeleteNamespace(t *testing.T) {
	mock := NewMockCommandExecutor()
	require.NoError(t, DeleteNamespace(context.Background(), mock, "lk022-ctrlr"))
	assert.Equal(t, []string{"ip netns delete lk022-ctrlr"}, mock.CommandLines())

	mock.Handlers["ip netns"] = func(args []string) MockCommandResult {
		return MockCommandResult{Err: errors.New("No such file or directory")}
	}
	err := DeleteNamespace(context.Background(), mock, "lk022-ctrlr")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lk022-ctrlr")
}

func TestNamespaceExists_Missing(t *testing.T) {
	assert.False(t, NamespaceExists("gnmilab-definitely-missing"))
}
