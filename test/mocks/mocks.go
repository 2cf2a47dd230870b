// Package mocks provides mock implementations for testing.
package mocks

import (
	"context"
	"fmt"
	"sync"

	"github.com/restuhaqza/gnmilab/pkg/types"
)

// MockHost is a host that runs everything in the test process.
type MockHost struct {
	HostName string
	DoCalls  int
	mu       sync.Mutex
}

// NewMockHost creates a mock host.
func NewMockHost(name string) *MockHost {
	return &MockHost{HostName: name}
}

// Name returns the host name.
func (h *MockHost) Name() string {
	return h.HostName
}

// Do counts the call and runs fn.
func (h *MockHost) Do(fn func() error) error {
	h.mu.Lock()
	h.DoCalls++
	h.mu.Unlock()
	return fn()
}

// MockNetwork is an in-memory network backend.
type MockNetwork struct {
	StartCalled bool
	StopCalls   int
	// FailAddHost makes AddHost fail for the named host.
	FailAddHost string
	// FailLinkAt makes the n-th AddLink call (1-based) fail.
	FailLinkAt int
	FailStart  bool
	FailStop   bool

	HostOrder []string
	hosts     map[string]*MockHost
	links     []*types.Link
	mu        sync.Mutex
}

// NewMockNetwork creates an empty mock network.
func NewMockNetwork() *MockNetwork {
	return &MockNetwork{hosts: make(map[string]*MockHost)}
}

// AddHost adds a mock host.
func (m *MockNetwork) AddHost(ctx context.Context, name string) (types.Host, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if name == m.FailAddHost {
		return nil, fmt.Errorf("mock: add host %s failed", name)
	}
	h := NewMockHost(name)
	m.hosts[name] = h
	m.HostOrder = append(m.HostOrder, name)
	return h, nil
}

// AddLink records a link.
func (m *MockNetwork) AddLink(ctx context.Context, a, b string, pa, pb types.LinkParams) (*types.Link, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailLinkAt > 0 && len(m.links)+1 == m.FailLinkAt {
		return nil, fmt.Errorf("mock: add link failed")
	}
	if _, ok := m.hosts[a]; !ok {
		return nil, fmt.Errorf("mock: unknown host %s", a)
	}
	if _, ok := m.hosts[b]; !ok {
		return nil, fmt.Errorf("mock: unknown host %s", b)
	}
	l := &types.Link{HostA: a, HostB: b, A: pa, B: pb}
	m.links = append(m.links, l)
	return l, nil
}

// Host returns a mock host.
func (m *MockNetwork) Host(name string) (types.Host, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.hosts[name]
	if !ok {
		return nil, false
	}
	return h, true
}

// Links returns recorded links.
func (m *MockNetwork) Links() []*types.Link {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*types.Link(nil), m.links...)
}

// Start marks the network started.
func (m *MockNetwork) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailStart {
		return fmt.Errorf("mock: start failed")
	}
	m.StartCalled = true
	return nil
}

// Stop counts the call and removes all hosts.
func (m *MockNetwork) Stop(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.StopCalls++
	m.hosts = make(map[string]*MockHost)
	m.links = nil
	if m.FailStop {
		return fmt.Errorf("mock: stop failed")
	}
	return nil
}

// MockWaiter is a readiness waiter.
type MockWaiter struct {
	Called     bool
	ShouldFail bool
	From       types.Host
}

// Wait records the call.
func (m *MockWaiter) Wait(ctx context.Context, from types.Host) error {
	m.Called = true
	m.From = from
	if m.ShouldFail {
		return fmt.Errorf("mock: target not ready")
	}
	return nil
}

// MockShell is an operator shell that returns immediately.
type MockShell struct {
	Called     bool
	Hosts      map[string]types.Host
	ShouldFail bool
}

// Run records the hosts handed to the operator.
func (m *MockShell) Run(ctx context.Context, hosts map[string]types.Host) error {
	m.Called = true
	m.Hosts = hosts
	if m.ShouldFail {
		return fmt.Errorf("mock: shell failed")
	}
	return nil
}
