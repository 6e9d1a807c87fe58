// Package packet defines the NHRP control-packet types the core consumes
// and emits, plus the Codec collaborator interface the raw wire-format
// parser/serializer implements. Byte-level RFC 2332 framing itself is out
// of scope here; this package only carries the parsed shape the server
// logic operates on, and a small in-memory Codec used by tests.
package packet

import "github.com/opennhrp/nhrpd/internal/peer"

// Type is the NHRP control packet type.
type Type uint8

const (
	TypeResolutionRequest  Type = 1
	TypeResolutionReply    Type = 2
	TypeRegistrationReq    Type = 3
	TypeRegistrationReply  Type = 4
	TypePurgeRequest       Type = 5
	TypePurgeReply         Type = 6
	TypeErrorIndication    Type = 7
	TypeTrafficIndication  Type = 8
)

// Flag is a bit in the NHRP fixed-header flags field.
type Flag uint16

const (
	FlagUnique            Flag = 1 << iota
	FlagNoReply
	FlagSourceStable
	FlagSourceIsRouter
	FlagNAT
	FlagDestinationStable
	FlagAuthoritative
	FlagShortcut
)

// ExtensionID names an NHRP extension TLV.
type ExtensionID uint16

const (
	ExtForwardTransitNHS ExtensionID = 3
	ExtReverseTransitNHS ExtensionID = 4
	ExtNATAddress        ExtensionID = 9
)

// CIE code values, bit-exact with RFC 2332 §5.2.3.
const (
	CodeSuccess                     uint8 = 0
	CodeAdministrativelyProhibited  uint8 = 4
	CodeInsufficientResources       uint8 = 6
	CodeProtocolAddressUnreachable  uint8 = 7
)

// CIE is one Client Information Entry: a single protocol/NBMA address
// mapping plus its prefix, holding time and result code.
type CIE struct {
	Code         uint8
	PrefixLength uint8
	MTU          uint16
	HoldingTime  uint16

	NBMAAddress     peer.Address
	ProtocolAddress peer.Address
}

// Extension is one extension TLV: a CIE list keyed by ExtensionID.
type Extension struct {
	ID   ExtensionID
	CIEs []CIE
}

// Packet is the parsed shape of one NHRP control packet.
type Packet struct {
	Type       Type
	Flags      Flag
	HopCount   uint8
	AFNum      uint16
	ProtoType  uint16

	SrcNBMA      peer.Address
	SrcProtocol  peer.Address
	DstProtocol  peer.Address

	// SrcLinkLayer is the NBMA-layer source address the packet actually
	// arrived from — distinct from SrcNBMA (the protocol-claimed NBMA
	// source) precisely so NAT detection can compare the two.
	SrcLinkLayer peer.Address

	Interface *peer.Interface

	CIEs       []CIE
	Extensions []Extension

	// EmbeddedDestination is the destination address extracted from a
	// Traffic Indication's embedded offending-packet payload. Populated
	// by the Codec when it parses a Traffic Indication; arbitrary
	// embedded-payload parsing otherwise stays behind that boundary.
	EmbeddedDestination peer.Address

	ref int
}

// NewPacket allocates a packet with a reference count of one.
func NewPacket() *Packet {
	return &Packet{ref: 1}
}

// Get increments the reference count.
func (p *Packet) Get() *Packet {
	p.ref++
	return p
}

// Put decrements the reference count.
func (p *Packet) Put() {
	p.ref--
}

// RefCount reports the current reference count, for tests.
func (p *Packet) RefCount() int { return p.ref }

// Extension returns the named extension's CIE list, or nil if absent.
func (p *Packet) Extension(id ExtensionID) *Extension {
	for i := range p.Extensions {
		if p.Extensions[i].ID == id {
			return &p.Extensions[i]
		}
	}
	return nil
}

// SetExtension replaces (or adds) the named extension's CIE list.
func (p *Packet) SetExtension(id ExtensionID, cies []CIE) {
	if ext := p.Extension(id); ext != nil {
		ext.CIEs = cies
		return
	}
	p.Extensions = append(p.Extensions, Extension{ID: id, CIEs: cies})
}

// Handler processes one inbound packet of the type it was registered for.
type Handler func(p *Packet)

// Codec is the wire-format collaborator: parsing/serialization,
// dispatch registration, and packet transmission. The core depends only
// on this interface; byte-level RFC 2332 framing lives behind it.
type Codec interface {
	// HookRequest registers fn to be invoked for every inbound packet of
	// type t.
	HookRequest(t Type, fn Handler)

	// Reroute resolves the packet's destination via replyPeer, flipping
	// source/destination as appropriate for a reply. Returns an error if
	// no route could be resolved.
	Reroute(p *Packet, replyPeer *peer.Peer) error

	// Send transmits p to its already-resolved destination.
	Send(p *Packet) error

	// SendError sends a protocol-level Error Indication with the given
	// code, referencing p at the given header offset.
	SendError(p *Packet, code uint8, offset uint16) error
}
