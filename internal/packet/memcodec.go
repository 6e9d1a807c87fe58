package packet

import (
	"fmt"

	"github.com/opennhrp/nhrpd/internal/peer"
)

// MemCodec is an in-memory reference Codec used by tests and wired into
// the `serve` command in place of a wire codec. It has no notion of real NBMA
// transport: Reroute simply swaps source/destination using the supplied
// reply peer, and Send/SendError append to an in-process log the test
// harness can inspect.
type MemCodec struct {
	handlers map[Type][]Handler

	Sent   []*Packet
	Errors []SentError
}

// SentError records one SendError call, for test assertions.
type SentError struct {
	Packet *Packet
	Code   uint8
	Offset uint16
}

// NewMemCodec constructs an empty MemCodec.
func NewMemCodec() *MemCodec {
	return &MemCodec{handlers: make(map[Type][]Handler)}
}

func (m *MemCodec) HookRequest(t Type, fn Handler) {
	m.handlers[t] = append(m.handlers[t], fn)
}

// Dispatch invokes every handler registered for p.Type, mirroring the
// Codec's delivery of an inbound packet into the Server. Exported for
// test harnesses driving the reference Codec directly; a real Codec
// would call into handlers as packets arrive off the wire.
func (m *MemCodec) Dispatch(p *Packet) {
	for _, fn := range m.handlers[p.Type] {
		fn(p)
	}
}

func (m *MemCodec) Reroute(p *Packet, replyPeer *peer.Peer) error {
	if replyPeer == nil {
		return fmt.Errorf("packet: reroute: nil reply peer")
	}
	p.SrcProtocol, p.DstProtocol = p.DstProtocol, p.SrcProtocol
	p.Interface = replyPeer.Interface
	return nil
}

func (m *MemCodec) Send(p *Packet) error {
	m.Sent = append(m.Sent, p)
	return nil
}

func (m *MemCodec) SendError(p *Packet, code uint8, offset uint16) error {
	m.Errors = append(m.Errors, SentError{Packet: p, Code: code, Offset: offset})
	return nil
}
