// Package topology builds the fixed three-host test topology.
package topology

import (
	"context"
	"fmt"
	"net/netip"
	"sync"

	"github.com/restuhaqza/gnmilab/pkg/network"
	"github.com/restuhaqza/gnmilab/pkg/types"
	"github.com/rs/zerolog/log"
)

// DummyLinks is the number of unaddressed target-dummy links. They give the
// target two extra interfaces next to its control link.
const DummyLinks = 2

// Assignment is the address given to one link endpoint.
type Assignment struct {
	Host string
	Addr string
}

// Topology holds the hosts used downstream of the build.
type Topology struct {
	Target      types.Host
	Controller  types.Host
	Dummy       types.Host
	Assignments []Assignment
}

// Hosts returns all hosts keyed by name.
func (t *Topology) Hosts() map[string]types.Host {
	return map[string]types.Host{
		t.Target.Name():     t.Target,
		t.Controller.Name(): t.Controller,
		t.Dummy.Name():      t.Dummy,
	}
}

// Builder creates the topology on a network backend and tears it down.
type Builder struct {
	net     types.Network
	touched bool
	mu      sync.Mutex
}

// NewBuilder creates a builder over net.
func NewBuilder(net types.Network) *Builder {
	return &Builder{net: net}
}

// Build creates target, ctrlr and dummy, links target and ctrlr with the
// first two host addresses of subnet, adds two unaddressed target-dummy
// links and starts the network. On error the builder can still be stopped.
func (b *Builder) Build(ctx context.Context, subnet netip.Prefix) (*Topology, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	alloc := network.NewAddressAllocator(subnet)
	topo := &Topology{}

	log.Info().Str("subnet", subnet.String()).Msg("Building topology")

	b.touched = true
	hosts := make(map[string]types.Host, 3)
	for _, name := range []string{types.TargetHost, types.ControllerHost, types.DummyHost} {
		h, err := b.net.AddHost(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("failed to add host %s: %w", name, err)
		}
		hosts[name] = h
	}
	topo.Target = hosts[types.TargetHost]
	topo.Controller = hosts[types.ControllerHost]
	topo.Dummy = hosts[types.DummyHost]

	var params [2]types.LinkParams
	for i, name := range []string{types.TargetHost, types.ControllerHost} {
		addr, err := alloc.Next()
		if err != nil {
			return nil, err
		}
		cidr, err := network.FormatAddrInSubnet(addr, alloc.Prefix())
		if err != nil {
			return nil, err
		}
		params[i] = types.LinkParams{IP: cidr}
		topo.Assignments = append(topo.Assignments, Assignment{Host: name, Addr: cidr})
	}

	if _, err := b.net.AddLink(ctx, types.TargetHost, types.ControllerHost, params[0], params[1]); err != nil {
		return nil, fmt.Errorf("failed to link %s and %s: %w", types.TargetHost, types.ControllerHost, err)
	}
	for i := 0; i < DummyLinks; i++ {
		if _, err := b.net.AddLink(ctx, types.TargetHost, types.DummyHost, types.LinkParams{}, types.LinkParams{}); err != nil {
			return nil, fmt.Errorf("failed to link %s and %s: %w", types.TargetHost, types.DummyHost, err)
		}
	}

	if err := b.net.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start network: %w", err)
	}

	for _, a := range topo.Assignments {
		log.Info().Str("host", a.Host).Str("ip", a.Addr).Msg("Address assigned")
	}
	log.Info().Msg("Topology ready")

	return topo, nil
}

// Stop tears down whatever Build created. It is a no-op when nothing was
// built or the topology is already stopped.
func (b *Builder) Stop(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.touched {
		return nil
	}
	b.touched = false

	log.Info().Msg("Stopping topology")
	return b.net.Stop(ctx)
}
