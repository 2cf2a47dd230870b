// Package checks validates that a host can run namespace topologies.
package checks

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/restuhaqza/gnmilab/pkg/network"
	"github.com/vishvananda/netlink"
)

// NetworkChecker validates network namespace support
type NetworkChecker struct {
	executor network.CommandExecutor
}

// NewNetworkChecker creates a checker. A nil executor runs real commands.
func NewNetworkChecker(executor network.CommandExecutor) *NetworkChecker {
	if executor == nil {
		executor = network.RealCommandExecutor{}
	}
	return &NetworkChecker{executor: executor}
}

// CheckIPCommand verifies ip command is available
func (nc *NetworkChecker) CheckIPCommand() error {
	if _, err := exec.LookPath("ip"); err != nil {
		return fmt.Errorf("ip command not found (install iproute2 package)")
	}
	return nil
}

// CheckRoot verifies the process may create namespaces.
func (nc *NetworkChecker) CheckRoot() error {
	if os.Geteuid() != 0 {
		return fmt.Errorf("network namespaces require root (try running with sudo)")
	}
	return nil
}

// CheckNamespaceSupport creates and deletes a throwaway namespace.
func (nc *NetworkChecker) CheckNamespaceSupport(ctx context.Context) error {
	name := fmt.Sprintf("gnmilab-check-%d", os.Getpid())
	if out, err := nc.executor.Run(ctx, "ip", "netns", "add", name); err != nil {
		return fmt.Errorf("failed to create namespace: %s: %w", strings.TrimSpace(string(out)), err)
	}
	return network.DeleteNamespace(ctx, nc.executor, name)
}

// CheckVethSupport creates and deletes a veth pair in the current namespace.
func (nc *NetworkChecker) CheckVethSupport() error {
	name := fmt.Sprintf("gl-chk%d", os.Getpid()%10000)
	veth := &netlink.Veth{
		LinkAttrs: netlink.LinkAttrs{Name: name + "a"},
		PeerName:  name + "b",
	}
	if err := netlink.LinkAdd(veth); err != nil {
		return fmt.Errorf("veth pairs not available: %w", err)
	}
	if err := netlink.LinkDel(veth); err != nil {
		return fmt.Errorf("failed to delete veth %s: %w", veth.Name, err)
	}
	return nil
}

// Validate performs all network checks
func (nc *NetworkChecker) Validate(ctx context.Context) []error {
	var errs []error

	if err := nc.CheckIPCommand(); err != nil {
		errs = append(errs, err)
	}
	if err := nc.CheckRoot(); err != nil {
		// Nothing below can pass without root.
		return append(errs, err)
	}
	if err := nc.CheckNamespaceSupport(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := nc.CheckVethSupport(); err != nil {
		errs = append(errs, err)
	}

	return errs
}
