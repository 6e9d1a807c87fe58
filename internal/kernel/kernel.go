// Package kernel defines the collaborator interface the core uses to
// synchronize routes and ARP/NBMA mappings into the operating system.
// Netlink or platform-specific syscalls implementing it live outside the
// core's scope; this package only names the contract and ships a no-op
// implementation for tests and dry-run operation.
package kernel

import "github.com/opennhrp/nhrpd/internal/peer"

// Router is the kernel collaborator: it installs and removes routes and
// NBMA-layer mappings learned by the peer cache. The Server calls Route
// after inserting a newly registered peer and RemoveRoute after removing
// a peer during registration or purge; it never calls back into the core.
type Router interface {
	// Route installs a route to dst via the given NBMA next hop on iface.
	Route(iface *peer.Interface, dst peer.Address, prefixLen uint8, nbmaNextHop peer.Address) error

	// RemoveRoute removes a previously installed route.
	RemoveRoute(iface *peer.Interface, dst peer.Address, prefixLen uint8) error

	// Send transmits raw bytes to destination via iface, used for replies
	// the Codec has serialized but the kernel network stack must carry.
	Send(iface *peer.Interface, destination peer.Address, payload []byte) error
}

// Noop is a Router that does nothing and never fails, suitable for tests
// and for running the daemon without kernel integration (the `serve`
// command uses it).
type Noop struct{}

func (Noop) Route(*peer.Interface, peer.Address, uint8, peer.Address) error { return nil }
func (Noop) RemoveRoute(*peer.Interface, peer.Address, uint8) error         { return nil }
func (Noop) Send(*peer.Interface, peer.Address, []byte) error              { return nil }
