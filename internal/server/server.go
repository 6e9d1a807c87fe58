// Package server implements the NHRP protocol-layer state machines:
// Resolution, Registration, Purge, and Traffic Indication handling. It
// owns no transport of its own — packets arrive and leave through the
// Codec collaborator, and every handler here runs on the event loop
// goroutine, mutating the peer cache and pending-request table directly
// without locking.
package server

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/opennhrp/nhrpd/internal/events"
	"github.com/opennhrp/nhrpd/internal/kernel"
	"github.com/opennhrp/nhrpd/internal/loop"
	"github.com/opennhrp/nhrpd/internal/metrics"
	"github.com/opennhrp/nhrpd/internal/packet"
	"github.com/opennhrp/nhrpd/internal/peer"
	"github.com/opennhrp/nhrpd/internal/pending"
	"github.com/opennhrp/nhrpd/internal/script"
)

// ScriptPaths resolves which external hook script to run for a given
// interface and action, so Server doesn't need to know about interface
// configuration layout directly.
type ScriptPaths interface {
	PeerRegisterScript(iface *peer.Interface) string
}

// Server dispatches inbound NHRP control packets, transitions them
// through the protocol state machines described in the Registration,
// Resolution, Purge, and Traffic Indication handlers, and emits replies
// via Codec.
type Server struct {
	log *zap.Logger

	cache   *peer.Cache
	pending *pending.Table
	scripts *script.Runner
	codec   packet.Codec
	router  kernel.Router
	loop    *loop.Loop
	bus     *events.Bus
	paths   ScriptPaths

	instanceID string

	rateLimits map[string]time.Time
}

// New constructs a Server and registers its four packet-type handlers
// with codec.
func New(log *zap.Logger, cache *peer.Cache, tbl *pending.Table, scripts *script.Runner, codec packet.Codec, router kernel.Router, lp *loop.Loop, bus *events.Bus, paths ScriptPaths, instanceID string) *Server {
	s := &Server{
		log:        log,
		cache:      cache,
		pending:    tbl,
		scripts:    scripts,
		codec:      codec,
		router:     router,
		loop:       lp,
		bus:        bus,
		paths:      paths,
		instanceID: instanceID,
		rateLimits: make(map[string]time.Time),
	}
	codec.HookRequest(packet.TypeResolutionRequest, s.handleResolutionRequest)
	codec.HookRequest(packet.TypeRegistrationReq, s.handleRegistrationRequest)
	codec.HookRequest(packet.TypePurgeRequest, s.handlePurgeRequest)
	codec.HookRequest(packet.TypeTrafficIndication, s.handleTrafficIndication)
	return s
}

func (s *Server) publish(kind events.Kind, p *peer.Peer, cieCode uint8) {
	if s.bus == nil {
		return
	}
	ev := events.Event{
		Kind:       kind,
		InstanceID: s.instanceID,
		Timestamp:  time.Now(),
		CIECode:    cieCode,
	}
	if p != nil {
		ifname := ""
		if p.Interface != nil {
			ifname = p.Interface.Name
		}
		ev.Peer = peer.Snapshot{
			Type:            p.Type,
			Flags:           p.Flags,
			InterfaceName:   ifname,
			ProtocolAddress: p.ProtocolAddress,
			PrefixLength:    p.PrefixLength,
			NextHopAddress:  p.NextHopAddress,
			NBMAHostname:    p.NBMAHostname,
			HoldingTime:     p.HoldingTime,
		}
	}
	s.bus.Publish(ev)
}

func rateLimitKey(addr peer.Address, prefixLen uint8) string {
	return fmt.Sprintf("%d:%x/%d", addr.AFNum, addr.Bytes, prefixLen)
}

func (s *Server) clearRateLimit(addr peer.Address, prefixLen uint8) {
	delete(s.rateLimits, rateLimitKey(addr, prefixLen))
}

// handleResolutionRequest implements the synchronous Resolution Request
// path (spec §4.2.1).
func (s *Server) handleResolutionRequest(p *packet.Packet) {
	destPeer := s.cache.Match(peer.Selector{
		Flags:           peer.FindRoute,
		TypeMask:        peer.TypeMaskAdjacent,
		ProtocolAddress: p.DstProtocol,
	})
	if destPeer == nil {
		s.log.Debug("resolution request: no route to destination",
			zap.String("dst", p.DstProtocol.String()))
		metrics.PacketsHandledTotal.WithLabelValues("resolution_request", "no_route").Inc()
		return
	}

	p.Type = packet.TypeResolutionReply
	p.Flags &= packet.FlagSourceIsRouter | packet.FlagSourceStable | packet.FlagUnique | packet.FlagNAT
	p.Flags |= packet.FlagDestinationStable | packet.FlagAuthoritative
	p.HopCount = 0

	p.CIEs = []packet.CIE{{
		Code:         packet.CodeSuccess,
		PrefixLength: destPeer.PrefixLength,
		HoldingTime:  uint16(destPeer.HoldingTime / time.Second),
	}}

	if err := s.codec.Reroute(p, destPeer); err != nil {
		s.log.Debug("resolution request: reroute failed", zap.Error(err))
		metrics.PacketsHandledTotal.WithLabelValues("resolution_request", "reroute_failed").Inc()
		return
	}

	p.CIEs[0].MTU = destPeer.MTU
	p.CIEs[0].NBMAAddress = destPeer.NextHopAddress
	p.CIEs[0].ProtocolAddress = destPeer.ProtocolAddress

	if ext := p.Extension(packet.ExtNATAddress); ext != nil {
		ext.CIEs = nil
	}

	if err := s.codec.Send(p); err != nil {
		s.log.Warn("resolution request: send failed", zap.Error(err))
		metrics.PacketsHandledTotal.WithLabelValues("resolution_request", "send_failed").Inc()
		return
	}
	metrics.PacketsHandledTotal.WithLabelValues("resolution_request", "ok").Inc()
}

// handleRegistrationRequest implements the Registration Request admission,
// NAT detection, and CIE-iteration-loop entry point (spec §4.2.2).
func (s *Server) handleRegistrationRequest(p *packet.Packet) {
	if s.pending.IsPending(p.SrcNBMA, p.SrcProtocol, p.DstProtocol) {
		s.log.Debug("registration request: duplicate of in-flight request, ignoring")
		metrics.PacketsHandledTotal.WithLabelValues("registration_request", "duplicate").Inc()
		return
	}

	if len(p.CIEs) == 0 {
		s.log.Error("registration request: malformed, no CIEs present")
		metrics.PacketsHandledTotal.WithLabelValues("registration_request", "malformed").Inc()
		return
	}

	ciePtrs := make([]any, len(p.CIEs))
	for i := range p.CIEs {
		ciePtrs[i] = &p.CIEs[i]
	}

	req := &pending.Request{
		SrcNBMA:     p.SrcNBMA,
		SrcProtocol: p.SrcProtocol,
		DstProtocol: p.DstProtocol,
		Interface:   p.Interface,
		Packet:      p,
		CIEs:        ciePtrs,
	}

	if err := s.pending.Record(req); err != nil {
		s.log.Warn("registration request: admission control dropped request",
			zap.Error(err), zap.Int("pending", s.pending.Len()))
		metrics.PacketsHandledTotal.WithLabelValues("registration_request", "admission_dropped").Inc()
		return
	}

	if ext := p.Extension(packet.ExtForwardTransitNHS); ext != nil && len(ext.CIEs) == 0 {
		if !p.SrcLinkLayer.IsZero() && !p.SrcLinkLayer.Equal(p.SrcNBMA) {
			req.NAT = true
			p.SetExtension(packet.ExtNATAddress, []packet.CIE{{
				NBMAAddress:     p.SrcLinkLayer,
				ProtocolAddress: p.SrcProtocol,
			}})
		}
	}

	p.Type = packet.TypeRegistrationReply
	p.Flags &= packet.FlagUnique | packet.FlagNAT
	p.HopCount = 0

	s.processNextCIE(req)
}

// processNextCIE drives one step of the CIE iteration loop, or finishes
// the registration once every CIE has produced a reply code.
func (s *Server) processNextCIE(req *pending.Request) {
	if req.Done() {
		s.finishRegistration(req)
		return
	}

	p := req.Packet.(*packet.Packet)
	cie := req.CurrentCIE().(*packet.CIE)

	iface := req.Interface
	np := peer.NewPeer(iface)
	if np == nil {
		cie.Code = packet.CodeInsufficientResources
		req.Advance()
		s.processNextCIE(req)
		return
	}
	np.Type = peer.Dynamic

	protoAddr := cie.ProtocolAddress
	if protoAddr.IsZero() {
		protoAddr = p.SrcProtocol
	}
	nbmaAddr := cie.NBMAAddress
	if nbmaAddr.IsZero() {
		nbmaAddr = p.SrcNBMA
	}

	np.ProtocolAddress = protoAddr
	np.PrefixLength = peer.NormalizePrefixLength(cie.PrefixLength, protoAddr)
	np.NextHopAddress = nbmaAddr
	np.HoldingTime = time.Duration(cie.HoldingTime) * time.Second
	np.MTU = cie.MTU

	if req.NAT {
		np.NextHopNatOA = nbmaAddr
		np.NextHopAddress = p.SrcLinkLayer
	}

	conflict := s.cache.Match(peer.Selector{
		Flags:           peer.FindExact,
		TypeMask:        peer.TypeMaskNonRemovable,
		ProtocolAddress: np.ProtocolAddress,
		PrefixLength:    np.PrefixLength,
	})
	if conflict != nil {
		cie.Code = packet.CodeAdministrativelyProhibited
		s.cache.Put(np)
		req.Advance()
		s.processNextCIE(req)
		return
	}

	req.Peer = np

	scriptReq := script.Request{
		Action:       script.ActionPeerRegister,
		Interface:    interfaceName(iface),
		Type:         np.Type.String(),
		DestAddr:     np.ProtocolAddress.String(),
		DestPrefix:   fmt.Sprintf("%d", np.PrefixLength),
		NBMADestAddr: np.NextHopAddress.String(),
		NBMASrcAddr:  np.MyNBMAAddress.String(),
	}

	path := ""
	if s.paths != nil {
		path = s.paths.PeerRegisterScript(iface)
	}

	handle := s.scripts.Run(context.Background(), path, scriptReq, func(res script.Result) {
		s.loop.Post(func() { s.completeCIERegistration(req, np, cie, res) })
	})
	req.Child = handle
}

func interfaceName(iface *peer.Interface) string {
	if iface == nil {
		return ""
	}
	return iface.Name
}

// completeCIERegistration applies the outcome of the CIE's peer-register
// script and advances to the next CIE.
func (s *Server) completeCIERegistration(req *pending.Request, np *peer.Peer, cie *packet.CIE, res script.Result) {
	req.Child = nil

	if res.Success() {
		var inheritUp, inheritLowerUp bool
		sel := peer.Selector{
			Flags:           peer.FindExact,
			TypeMask:        peer.TypeMaskRemovable,
			ProtocolAddress: np.ProtocolAddress,
			PrefixLength:    np.PrefixLength,
		}
		s.cache.Foreach(sel, func(old *peer.Peer) {
			if old.ProtocolAddress.Equal(np.ProtocolAddress) && old.NextHopAddress.Equal(np.NextHopAddress) {
				if old.Flags.Has(peer.FlagUp) {
					inheritUp = true
				}
				if old.Flags.Has(peer.FlagLowerUp) {
					inheritLowerUp = true
				}
			}
			old.Flags |= peer.FlagReplaced
			s.cache.Remove(old)
			if err := s.router.RemoveRoute(old.Interface, old.ProtocolAddress, old.PrefixLength); err != nil {
				s.log.Warn("kernel route removal failed", zap.Error(err))
			}
		})

		if inheritUp {
			np.Flags |= peer.FlagUp
		}
		if inheritLowerUp {
			np.Flags |= peer.FlagLowerUp
		}

		s.cache.Insert(np)
		if err := s.router.Route(np.Interface, np.ProtocolAddress, np.PrefixLength, np.NextHopAddress); err != nil {
			s.log.Warn("kernel route installation failed", zap.Error(err))
		}
		cie.Code = packet.CodeSuccess
		req.RPeer = np
		s.publish(events.RegistrationResult, np, cie.Code)
	} else {
		np.Flags |= peer.FlagReplaced
		cie.Code = packet.CodeAdministrativelyProhibited
		s.cache.Put(np)
		s.publish(events.RegistrationResult, np, cie.Code)
	}

	req.Advance()
	s.processNextCIE(req)
}

// finishRegistration sends the completed reply (or a protocol-level
// error if no CIE produced a usable reply route) and releases req.
func (s *Server) finishRegistration(req *pending.Request) {
	p := req.Packet.(*packet.Packet)

	rpeer, _ := req.RPeer.(*peer.Peer)
	if rpeer != nil {
		if err := s.codec.Reroute(p, rpeer); err == nil {
			s.codec.Send(p)
			s.pending.Finish(req)
			metrics.PacketsHandledTotal.WithLabelValues("registration_request", "ok").Inc()
			return
		}
	}

	s.codec.SendError(p, packet.CodeProtocolAddressUnreachable, 0)
	s.pending.Finish(req)
	metrics.PacketsHandledTotal.WithLabelValues("registration_request", "unreachable").Inc()
}

// handlePurgeRequest implements the Purge Request path (spec §4.2.3).
func (s *Server) handlePurgeRequest(p *packet.Packet) {
	origFlags := p.Flags
	p.Type = packet.TypePurgeReply
	p.Flags = 0
	p.HopCount = 0

	if origFlags&packet.FlagNoReply == 0 {
		replyPeer := s.cache.Match(peer.Selector{
			Flags:           peer.FindRoute,
			TypeMask:        peer.TypeMaskAdjacent,
			ProtocolAddress: p.SrcProtocol,
		})
		if replyPeer != nil {
			if err := s.codec.Reroute(p, replyPeer); err == nil {
				s.codec.Send(p)
			}
		}
	}

	for _, cie := range p.CIEs {
		sel := peer.Selector{
			Flags:           peer.FindSubnet,
			TypeMask:        peer.TypeMaskRemovable,
			Interface:       p.Interface,
			ProtocolAddress: cie.ProtocolAddress,
			PrefixLength:    cie.PrefixLength,
		}
		n := 0
		s.cache.Foreach(sel, func(old *peer.Peer) {
			s.cache.Remove(old)
			if err := s.router.RemoveRoute(old.Interface, old.ProtocolAddress, old.PrefixLength); err != nil {
				s.log.Warn("kernel route removal failed", zap.Error(err))
			}
			n++
		})
		s.clearRateLimit(cie.ProtocolAddress, cie.PrefixLength)
		if n > 0 {
			s.publish(events.PurgeResult, nil, packet.CodeSuccess)
		}
	}
	metrics.PacketsHandledTotal.WithLabelValues("purge_request", "ok").Inc()
}

// handleTrafficIndication implements the Traffic Indication path (spec
// §4.2.4).
func (s *Server) handleTrafficIndication(p *packet.Packet) {
	dest := p.EmbeddedDestination
	if dest.IsZero() {
		s.log.Warn("traffic indication: malformed packet, no embedded destination")
		metrics.PacketsHandledTotal.WithLabelValues("traffic_indication", "malformed").Inc()
		return
	}
	if p.Interface == nil || !p.Interface.ShortcutEnabled {
		s.log.Debug("traffic indication: shortcut disabled, dropping",
			zap.String("dest", dest.String()))
		metrics.PacketsHandledTotal.WithLabelValues("traffic_indication", "shortcut_disabled").Inc()
		return
	}
	s.cache.TrafficIndication(p.Interface, dest)
	metrics.PacketsHandledTotal.WithLabelValues("traffic_indication", "ok").Inc()
}
