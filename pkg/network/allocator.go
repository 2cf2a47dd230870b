// Package network provides address allocation and the namespace-backed
// virtual network used by the test topology.
package network

import (
	"errors"
	"fmt"
	"net/netip"
	"sync"

	"go4.org/netipx"
)

var (
	// ErrAddressExhausted is returned when a subnet has no more host addresses.
	ErrAddressExhausted = errors.New("address exhausted")
	// ErrAddressNotInSubnet is returned when formatting an address against a
	// subnet that does not contain it.
	ErrAddressNotInSubnet = errors.New("address not in subnet")
)

// AddressAllocator hands out the usable host addresses of a subnet in order.
type AddressAllocator struct {
	prefix netip.Prefix
	first  netip.Addr
	last   netip.Addr
	next   netip.Addr
	done   bool
	mu     sync.Mutex
}

// NewAddressAllocator creates an allocator for prefix.
func NewAddressAllocator(prefix netip.Prefix) *AddressAllocator {
	prefix = prefix.Masked()
	r := netipx.RangeOfPrefix(prefix)
	first, last := r.From(), r.To()

	// Skip network address, and for IPv4 the broadcast address, on subnets
	// large enough to have them.
	if prefix.Addr().Is4() && prefix.Bits() <= 30 {
		first = first.Next()
		last = last.Prev()
	} else if prefix.Addr().Is6() && prefix.Bits() <= 126 {
		first = first.Next()
	}

	return &AddressAllocator{
		prefix: prefix,
		first:  first,
		last:   last,
		next:   first,
	}
}

// ParseAddressAllocator parses a CIDR string and creates an allocator for it.
func ParseAddressAllocator(cidr string) (*AddressAllocator, error) {
	prefix, err := netip.ParsePrefix(cidr)
	if err != nil {
		return nil, fmt.Errorf("invalid subnet %s: %w", cidr, err)
	}
	return NewAddressAllocator(prefix), nil
}

// Prefix returns the subnet this allocator draws from.
func (a *AddressAllocator) Prefix() netip.Prefix {
	return a.prefix
}

// Next returns the next unused host address.
func (a *AddressAllocator) Next() (netip.Addr, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.done || !a.next.IsValid() || a.last.Less(a.next) {
		return netip.Addr{}, fmt.Errorf("%w: subnet %s", ErrAddressExhausted, a.prefix)
	}

	addr := a.next
	if addr == a.last {
		a.done = true
	} else {
		a.next = addr.Next()
	}
	return addr, nil
}

// Reset restarts the sequence from the first usable address.
func (a *AddressAllocator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.next = a.first
	a.done = false
}

// FormatAddr returns addr with a full host prefix length.
func FormatAddr(addr netip.Addr) string {
	if addr.Is4() {
		return addr.String() + "/32"
	}
	return addr.String() + "/128"
}

// FormatAddrInSubnet returns addr with the prefix length of subnet.
func FormatAddrInSubnet(addr netip.Addr, subnet netip.Prefix) (string, error) {
	if !subnet.Contains(addr) {
		return "", fmt.Errorf("%w: ip %s is not in subnet %s", ErrAddressNotInSubnet, addr, subnet)
	}
	return fmt.Sprintf("%s/%d", addr, subnet.Bits()), nil
}
