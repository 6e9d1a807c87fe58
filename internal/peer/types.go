// Package peer implements the NHRP peer cache: the indexed population of
// protocol-address-to-NBMA-address mappings, their reference counting,
// liveness state machine, and selector-based matching.
package peer

import (
	"fmt"
	"time"
)

// Type is the peer lifecycle variant. Determines which indexes a peer
// participates in and whether it can be displaced by a new registration.
type Type uint8

const (
	Incomplete Type = iota // resolution request sent, reply pending
	Negative                // negative cache entry (TTL'd failure)
	Cached                  // received/relayed resolution reply
	CachedRoute             // received/relayed resolution reply, route entry
	Dynamic                 // NHC registration
	DynamicNhs              // dynamic NHS discovered via a static NHS
	Static                  // static mapping from config
	StaticDns               // static dns-map from config
	Local                   // learned from interface config
	typeMax
)

func (t Type) String() string {
	switch t {
	case Incomplete:
		return "incomplete"
	case Negative:
		return "negative"
	case Cached:
		return "cached"
	case CachedRoute:
		return "cached-route"
	case Dynamic:
		return "dynamic"
	case DynamicNhs:
		return "dynamic-nhs"
	case Static:
		return "static"
	case StaticDns:
		return "static-dns"
	case Local:
		return "local"
	default:
		return fmt.Sprintf("type(%d)", t)
	}
}

// TypeMask is a bitset over Type values.
type TypeMask uint16

func maskOf(types ...Type) TypeMask {
	var m TypeMask
	for _, t := range types {
		m |= 1 << t
	}
	return m
}

func (m TypeMask) Has(t Type) bool {
	return m&(1<<t) != 0
}

var (
	// TypeMaskAdjacent: peers that represent a live, directly usable mapping.
	TypeMaskAdjacent = maskOf(Cached, Dynamic, DynamicNhs, Static, Local)

	// TypeMaskRemovable: peers a new registration/resolution may evict.
	TypeMaskRemovable = maskOf(Incomplete, Negative, Cached, CachedRoute, Dynamic)

	// TypeMaskPurgeable: peers an NHRP Purge Request may remove.
	TypeMaskPurgeable = TypeMaskRemovable | maskOf(DynamicNhs, Static, StaticDns)

	// TypeMaskAll: every type.
	TypeMaskAll = TypeMaskPurgeable | maskOf(Local)

	// TypeMaskNonRemovable is the complement the Registration path checks
	// for conflicts against (Static, StaticDns, DynamicNhs, Local).
	TypeMaskNonRemovable = maskOf(Static, StaticDns, DynamicNhs, Local)
)

// Flag is a bit in Peer.Flags.
type Flag uint16

const (
	FlagUnique   Flag = 1 << iota // RFC2332 unique bit
	FlagRegister                  // for Static: send registration
	FlagCisco                     // for Static: peer is a Cisco device
	_reserved1
	FlagUsed     // installed in the kernel ARP table
	FlagLowerUp  // peer-up script executed successfully
	FlagUp       // can send all packets (registration ok)
	FlagReplaced // peer has been replaced by a newer entry
	FlagRemoved  // deleted, but not yet dropped from the cache (ref > 0)
	FlagMark     // scratch bit for enumerator bookkeeping
)

func (f Flag) Has(flags Flag) bool { return flags&f != 0 }

// Interface is the subset of interface state the peer cache and server
// read. Ownership of the interface record lives outside this package;
// Peer never owns one, only refers to it.
type Interface struct {
	Name               string
	ShortcutEnabled    bool
	HoldingTime        time.Duration
	ProtocolAddress    Address
	MTU                uint16
	MyNBMAAddress      Address
	MyNBMAMTU          uint16
	PeerUpScript       string
	PeerDownScript     string
	PeerRegisterScript string
}

// Address is a protocol- or NBMA-layer address. AFNum distinguishes address
// families the same way the wire format's afnum field does; Bytes holds the
// raw address octets (4 for IPv4, 16 for IPv6, etc).
type Address struct {
	AFNum uint16
	Bytes []byte
}

// Equal reports whether two addresses carry the same family and octets.
func (a Address) Equal(b Address) bool {
	if a.AFNum != b.AFNum || len(a.Bytes) != len(b.Bytes) {
		return false
	}
	for i := range a.Bytes {
		if a.Bytes[i] != b.Bytes[i] {
			return false
		}
	}
	return true
}

// IsZero reports whether the address carries no octets (the CIE
// zero-length-field case that triggers inheritance from packet fields).
func (a Address) IsZero() bool { return len(a.Bytes) == 0 }

// String renders the address for logs; full presentation formatting is the
// address-family layer's job (out of core scope), so this is a best-effort
// dotted/hex fallback used only for diagnostics.
func (a Address) String() string {
	if a.IsZero() {
		return "<none>"
	}
	if len(a.Bytes) == 4 {
		return fmt.Sprintf("%d.%d.%d.%d", a.Bytes[0], a.Bytes[1], a.Bytes[2], a.Bytes[3])
	}
	return fmt.Sprintf("%x", a.Bytes)
}

// FullPrefixLength is the CIE prefix-length sentinel meaning "host route":
// substitute addr_len*8.
const FullPrefixLength = 0xFF

// Extra is the tagged union overlaying the C source's queued_packet/request
// union: an Incomplete peer holds a queued packet awaiting resolution; a
// peer mid-registration holds the PendingRequest driving it.
type Extra interface {
	isExtra()
}

// QueuedPacket wraps a packet held by an Incomplete peer until resolution
// completes (successfully or negatively).
type QueuedPacket struct {
	Packet any // concrete type supplied by the packet-codec collaborator
}

func (QueuedPacket) isExtra() {}

// Registering wraps the pending-request record driving a peer through
// asynchronous registration. The concrete type lives in package pending;
// it's stored here as `any` to avoid an import cycle (pending references
// Peer, not the reverse).
type Registering struct {
	Request any
}

func (Registering) isExtra() {}

// EventHandle is the sum type over the two kinds of event-loop handles a
// peer may hold at once: a liveness/expiry timer, or a script child
// process. At most one is active at a time.
type EventHandle interface {
	// Stop cancels the handle. Safe to call on an already-stopped or nil
	// handle.
	Stop()
}

// Peer is the central cache entity: a cached or configured mapping between
// a protocol address/prefix and an NBMA address, plus lifecycle metadata.
type Peer struct {
	ref   int
	Type  Type
	Flags Flag

	Interface *Interface
	Parent    *Peer // weak: owning index keeps it alive, this is a lookup hint

	ProtocolAddress Address
	PrefixLength    uint8

	// NextHopAddress is the NBMA address to reach ProtocolAddress's subnet,
	// or (for CachedRoute peers) the protocol address of a next-hop router.
	NextHopAddress Address
	NextHopNatOA   Address

	MyNBMAAddress Address
	MyNBMAMTU     uint16

	MTU          uint16
	AFNum        uint16
	ProtocolType uint16

	HoldingTime time.Duration
	ExpireTime  time.Time
	LastUsed    time.Time

	NBMAHostname string

	// Timer and Child are mutually-exclusive-in-practice event handles;
	// at most one is active. Kept as separate fields (rather than the
	// single EventHandle sum type) because a peer's expiry timer and its
	// in-flight script child can legitimately overlap during
	// re-registration windows, matching the original's separate
	// ev_timer/ev_child struct members.
	Timer EventHandle
	Child EventHandle

	Extra Extra

	insertedAt time.Time
}

// NewPeer allocates a fresh, uninserted peer with a reference count of one,
// owned by iface. Returns nil if iface is nil — the caller is expected to
// have already rejected that case and to synthesize an InsufficientResources
// CIE code, mirroring the C allocator's calloc-failure contract.
func NewPeer(iface *Interface) *Peer {
	if iface == nil {
		return nil
	}
	return &Peer{
		ref:       1,
		Interface: iface,
		AFNum:     iface.ProtocolAddress.AFNum,
	}
}

// Get increments the reference count and returns the peer, mirroring
// nhrp_peer_get.
func (p *Peer) Get() *Peer {
	p.ref++
	return p
}

// RefCount reports the current reference count, for tests and diagnostics.
func (p *Peer) RefCount() int { return p.ref }

// stopHandles cancels any active timer/child handles.
func (p *Peer) stopHandles() {
	if p.Timer != nil {
		p.Timer.Stop()
		p.Timer = nil
	}
	if p.Child != nil {
		p.Child.Stop()
		p.Child = nil
	}
}

// subnetContains reports whether this peer's (ProtocolAddress, PrefixLength)
// subnet contains addr.
func (p *Peer) subnetContains(addr Address) bool {
	return addressInSubnet(addr, p.ProtocolAddress, p.PrefixLength)
}

func addressInSubnet(addr, subnet Address, prefixLen uint8) bool {
	if addr.AFNum != subnet.AFNum || len(addr.Bytes) != len(subnet.Bytes) {
		return false
	}
	full := int(prefixLen) / 8
	rem := uint(prefixLen) % 8
	if full > len(subnet.Bytes) {
		return false
	}
	for i := 0; i < full; i++ {
		if addr.Bytes[i] != subnet.Bytes[i] {
			return false
		}
	}
	if rem == 0 || full >= len(subnet.Bytes) {
		return true
	}
	mask := byte(0xFF << (8 - rem))
	return addr.Bytes[full]&mask == subnet.Bytes[full]&mask
}

// NormalizePrefixLength substitutes the FullPrefixLength sentinel (0xFF)
// with addr_len*8, per spec boundary behavior.
func NormalizePrefixLength(prefixLen uint8, addr Address) uint8 {
	if prefixLen == FullPrefixLength {
		return uint8(len(addr.Bytes) * 8)
	}
	return prefixLen
}
