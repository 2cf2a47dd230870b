package network

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"

	"github.com/restuhaqza/gnmilab/pkg/types"
	"github.com/rs/zerolog/log"
	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"
)

// DefaultNamespacePrefix prefixes every namespace created by gnmilab.
const DefaultNamespacePrefix = "lk022"

// NamespaceHost is a host backed by a named network namespace.
type NamespaceHost struct {
	name      string
	namespace string
}

// Name returns the host name.
func (h *NamespaceHost) Name() string {
	return h.name
}

// Namespace returns the name of the backing namespace.
func (h *NamespaceHost) Namespace() string {
	return h.namespace
}

// Do runs fn on a locked OS thread switched into the host's namespace.
func (h *NamespaceHost) Do(fn func() error) error {
	runtime.LockOSThread()

	origin, err := netns.Get()
	if err != nil {
		runtime.UnlockOSThread()
		return fmt.Errorf("failed to get current namespace: %w", err)
	}
	defer origin.Close()

	target, err := netns.GetFromName(h.namespace)
	if err != nil {
		runtime.UnlockOSThread()
		return fmt.Errorf("failed to open namespace %s: %w", h.namespace, err)
	}
	defer target.Close()

	if err := netns.Set(target); err != nil {
		runtime.UnlockOSThread()
		return fmt.Errorf("failed to enter namespace %s: %w", h.namespace, err)
	}

	fnErr := fn()

	if err := netns.Set(origin); err != nil {
		// Thread stays locked; the runtime drops it when the goroutine exits.
		log.Error().Err(err).Str("namespace", h.namespace).Msg("Failed to restore namespace")
		return errors.Join(fnErr, fmt.Errorf("failed to restore namespace: %w", err))
	}
	runtime.UnlockOSThread()

	return fnErr
}

// LocalHost runs commands in the caller's own namespace.
type LocalHost struct {
	name string
}

// NewLocalHost creates a non-namespaced host.
func NewLocalHost(name string) *LocalHost {
	return &LocalHost{name: name}
}

// Name returns the host name.
func (h *LocalHost) Name() string {
	return h.name
}

// Do runs fn directly.
func (h *LocalHost) Do(fn func() error) error {
	return fn()
}

// NamespaceNetwork is a virtual network of named namespaces joined by veth pairs.
type NamespaceNetwork struct {
	prefix   string
	executor CommandExecutor
	hosts    map[string]*NamespaceHost
	order    []string
	links    []*types.Link
	intfs    map[string]int
	started  bool
	mu       sync.Mutex
}

// NewNamespaceNetwork creates an empty network. Namespaces are named
// "<prefix>-<host>".
func NewNamespaceNetwork(prefix string, executor CommandExecutor) *NamespaceNetwork {
	if prefix == "" {
		prefix = DefaultNamespacePrefix
	}
	if executor == nil {
		executor = RealCommandExecutor{}
	}
	return &NamespaceNetwork{
		prefix:   prefix,
		executor: executor,
		hosts:    make(map[string]*NamespaceHost),
		intfs:    make(map[string]int),
	}
}

// NamespaceName returns the namespace used for host name.
func (n *NamespaceNetwork) NamespaceName(name string) string {
	return n.prefix + "-" + name
}

// Namespaces returns the namespaces created so far, in creation order.
func (n *NamespaceNetwork) Namespaces() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	names := make([]string, 0, len(n.order))
	for _, name := range n.order {
		names = append(names, n.hosts[name].namespace)
	}
	return names
}

// AddHost creates a namespace for a new host.
func (n *NamespaceNetwork) AddHost(ctx context.Context, name string) (types.Host, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, exists := n.hosts[name]; exists {
		return nil, fmt.Errorf("host %s already exists", name)
	}

	ns := n.NamespaceName(name)
	log.Debug().Str("host", name).Str("namespace", ns).Msg("Creating namespace")

	if _, err := n.executor.Run(ctx, "ip", "netns", "add", ns); err != nil {
		return nil, fmt.Errorf("failed to create namespace %s: %w", ns, err)
	}

	host := &NamespaceHost{name: name, namespace: ns}
	n.hosts[name] = host
	n.order = append(n.order, name)
	return host, nil
}

// Host returns a previously added host.
func (n *NamespaceNetwork) Host(name string) (types.Host, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	h, ok := n.hosts[name]
	if !ok {
		return nil, false
	}
	return h, true
}

// Links returns the links added so far.
func (n *NamespaceNetwork) Links() []*types.Link {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*types.Link(nil), n.links...)
}

// AddLink creates a veth pair with one end in each host's namespace and
// assigns the optional endpoint addresses.
func (n *NamespaceNetwork) AddLink(ctx context.Context, a, b string, pa, pb types.LinkParams) (*types.Link, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	hostA, ok := n.hosts[a]
	if !ok {
		return nil, fmt.Errorf("unknown host %s", a)
	}
	hostB, ok := n.hosts[b]
	if !ok {
		return nil, fmt.Errorf("unknown host %s", b)
	}

	link := &types.Link{
		HostA: a,
		HostB: b,
		IntfA: n.nextIntf(a),
		IntfB: n.nextIntf(b),
		A:     pa,
		B:     pb,
	}

	nsA, err := netns.GetFromName(hostA.namespace)
	if err != nil {
		return nil, fmt.Errorf("failed to open namespace %s: %w", hostA.namespace, err)
	}
	defer nsA.Close()

	nsB, err := netns.GetFromName(hostB.namespace)
	if err != nil {
		return nil, fmt.Errorf("failed to open namespace %s: %w", hostB.namespace, err)
	}
	defer nsB.Close()

	attrs := netlink.NewLinkAttrs()
	attrs.Name = link.IntfA
	attrs.Namespace = netlink.NsFd(int(nsA))
	veth := &netlink.Veth{
		LinkAttrs:     attrs,
		PeerName:      link.IntfB,
		PeerNamespace: netlink.NsFd(int(nsB)),
	}
	if err := netlink.LinkAdd(veth); err != nil {
		return nil, fmt.Errorf("failed to create veth %s<->%s: %w", link.IntfA, link.IntfB, err)
	}

	if err := assignAddr(nsA, link.IntfA, pa.IP); err != nil {
		return nil, err
	}
	if err := assignAddr(nsB, link.IntfB, pb.IP); err != nil {
		return nil, err
	}

	n.links = append(n.links, link)

	log.Debug().
		Str("link", link.IntfA+"<->"+link.IntfB).
		Str("ip_a", pa.IP).
		Str("ip_b", pb.IP).
		Msg("Link created")

	return link, nil
}

// Start brings up loopback and every link interface.
func (n *NamespaceNetwork) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	for _, name := range n.order {
		host := n.hosts[name]
		intfs := []string{"lo"}
		for _, l := range n.links {
			if l.HostA == name {
				intfs = append(intfs, l.IntfA)
			}
			if l.HostB == name {
				intfs = append(intfs, l.IntfB)
			}
		}
		if err := setUp(host.namespace, intfs); err != nil {
			return err
		}
	}

	n.started = true
	log.Info().Int("hosts", len(n.order)).Int("links", len(n.links)).Msg("Network started")
	return nil
}

// Stop deletes every namespace created by this network. Interfaces go with
// their namespaces. Calling Stop on an empty network does nothing.
func (n *NamespaceNetwork) Stop(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if len(n.order) == 0 {
		return nil
	}

	var errs []error
	for i := len(n.order) - 1; i >= 0; i-- {
		host := n.hosts[n.order[i]]
		if err := DeleteNamespace(ctx, n.executor, host.namespace); err != nil {
			log.Warn().Err(err).Str("namespace", host.namespace).Msg("Failed to delete namespace")
			errs = append(errs, err)
		}
	}

	n.hosts = make(map[string]*NamespaceHost)
	n.order = nil
	n.links = nil
	n.intfs = make(map[string]int)
	n.started = false

	log.Info().Msg("Network stopped")
	return errors.Join(errs...)
}

// NamespaceExists reports whether a named namespace is present.
func NamespaceExists(name string) bool {
	h, err := netns.GetFromName(name)
	if err != nil {
		return false
	}
	h.Close()
	return true
}

// DeleteNamespace removes a named namespace.
func DeleteNamespace(ctx context.Context, executor CommandExecutor, name string) error {
	if _, err := executor.Run(ctx, "ip", "netns", "delete", name); err != nil {
		return fmt.Errorf("failed to delete namespace %s: %w", name, err)
	}
	return nil
}

func (n *NamespaceNetwork) nextIntf(host string) string {
	idx := n.intfs[host]
	n.intfs[host] = idx + 1
	return fmt.Sprintf("%s-eth%d", host, idx)
}

func assignAddr(ns netns.NsHandle, intf, ip string) error {
	if ip == "" {
		return nil
	}

	addr, err := netlink.ParseAddr(ip)
	if err != nil {
		return fmt.Errorf("invalid address %s: %w", ip, err)
	}

	h, err := netlink.NewHandleAt(ns)
	if err != nil {
		return fmt.Errorf("failed to open netlink handle: %w", err)
	}
	defer h.Close()

	link, err := h.LinkByName(intf)
	if err != nil {
		return fmt.Errorf("failed to find %s: %w", intf, err)
	}
	if err := h.AddrAdd(link, addr); err != nil {
		return fmt.Errorf("failed to add %s to %s: %w", ip, intf, err)
	}
	return nil
}

func setUp(namespace string, intfs []string) error {
	ns, err := netns.GetFromName(namespace)
	if err != nil {
		return fmt.Errorf("failed to open namespace %s: %w", namespace, err)
	}
	defer ns.Close()

	h, err := netlink.NewHandleAt(ns)
	if err != nil {
		return fmt.Errorf("failed to open netlink handle: %w", err)
	}
	defer h.Close()

	for _, intf := range intfs {
		link, err := h.LinkByName(intf)
		if err != nil {
			return fmt.Errorf("failed to find %s in %s: %w", intf, namespace, err)
		}
		if err := h.LinkSetUp(link); err != nil {
			return fmt.Errorf("failed to bring %s up: %w", intf, err)
		}
	}
	return nil
}
