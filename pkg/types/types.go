// Package types contains shared interfaces and data structures used across gnmilab.
package types

import (
	"context"
)

// Fixed host names of the test topology.
const (
	TargetHost     = "target"
	ControllerHost = "ctrlr"
	DummyHost      = "dummy"
)

// Host is an execution context, usually a network namespace.
type Host interface {
	// Name returns the symbolic host name.
	Name() string
	// Do runs fn with the calling thread inside the host's namespace.
	// Processes started from fn inherit that namespace.
	Do(fn func() error) error
}

// LinkParams carries optional per-endpoint settings of a link.
type LinkParams struct {
	// IP is an address with prefix length, e.g. "10.0.0.1/24".
	IP string
}

// Link is a point-to-point virtual link between two hosts.
type Link struct {
	HostA string
	HostB string
	IntfA string
	IntfB string
	A     LinkParams
	B     LinkParams
}

// Network is the virtual network emulation engine.
type Network interface {
	AddHost(ctx context.Context, name string) (Host, error)
	AddLink(ctx context.Context, a, b string, pa, pb LinkParams) (*Link, error)
	Host(name string) (Host, bool)
	Links() []*Link
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// ReadinessWaiter blocks until the target is ready to serve.
type ReadinessWaiter interface {
	Wait(ctx context.Context, from Host) error
}

// Shell hands control to an operator until they leave.
type Shell interface {
	Run(ctx context.Context, hosts map[string]Host) error
}
