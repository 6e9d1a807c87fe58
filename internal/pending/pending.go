// Package pending implements the deduplication table for in-flight
// Registration Requests: at most one request per (source NBMA, source
// protocol, destination protocol) triple may be outstanding at a time, and
// the table enforces a hard cap on total concurrent requests.
package pending

import (
	"errors"

	"github.com/opennhrp/nhrpd/internal/metrics"
	"github.com/opennhrp/nhrpd/internal/peer"
)

// MaxPendingRequests bounds total concurrent registrations, guarding
// against a single misbehaving or malicious NHC exhausting daemon memory
// by opening unbounded async script chains.
const MaxPendingRequests = 16

// ErrTableFull is returned by Record when the table is already at
// MaxPendingRequests. The caller (Server) silently drops the request on
// this error, matching the original's admission-control behavior.
var ErrTableFull = errors.New("pending: table full")

// Request is one in-flight Registration Request awaiting completion of a
// chain of asynchronous peer-register script invocations, one per CIE.
type Request struct {
	SrcNBMA      peer.Address
	SrcProtocol  peer.Address
	DstProtocol  peer.Address

	Interface *peer.Interface

	// Packet is the request/reply packet under construction, opaque to
	// this package — owned and mutated by the Server.
	Packet any

	// CIEs is the full CIE list from the request, consumed one at a
	// time as cieIndex advances.
	CIEs []any

	// cieIndex is the cursor into CIEs: the index of the CIE currently
	// being registered. Advancing it and resuming from it across
	// asynchronous script completions is what lets a single goroutine
	// drive a multi-CIE registration without blocking the event loop.
	cieIndex int

	// NAT records whether Forward-Transit-NHS-Record-based NAT
	// detection fired for this request.
	NAT bool

	// Peer is a strong reference to the candidate peer currently being
	// registered for the CIE at cieIndex. Held as any; the Server stores
	// a *peer.Peer here.
	Peer any

	// RPeer is a strong reference to the peer used to route the
	// eventual reply back to the registering client, set once a CIE
	// registers successfully.
	RPeer any

	// Child is the in-flight script handle for the CIE currently being
	// registered, or nil between CIEs.
	Child any
}

// CIEIndex reports the cursor position into Request.CIEs.
func (r *Request) CIEIndex() int { return r.cieIndex }

// CurrentCIE returns the CIE currently being registered, or nil if the
// cursor has run past the end of the list.
func (r *Request) CurrentCIE() any {
	if r.cieIndex >= len(r.CIEs) {
		return nil
	}
	return r.CIEs[r.cieIndex]
}

// Advance moves the cursor to the next CIE. Reports whether a CIE remains.
func (r *Request) Advance() bool {
	r.cieIndex++
	return r.cieIndex < len(r.CIEs)
}

// Done reports whether every CIE in the request has been processed.
func (r *Request) Done() bool {
	return r.cieIndex >= len(r.CIEs)
}

// Table is the set of in-flight requests. Like peer.Cache, it carries no
// internal locking: every method must run on the event loop goroutine.
type Table struct {
	requests []*Request
}

// NewTable constructs an empty pending-request table.
func NewTable() *Table {
	return &Table{}
}

// Len reports the number of in-flight requests.
func (t *Table) Len() int { return len(t.requests) }

// matches reports whether the triple (srcNBMA, srcProtocol, dstProtocol)
// collides with an existing in-flight request, mirroring
// nhrp_server_request_pending's three-way comparison.
func matches(r *Request, srcNBMA, srcProtocol, dstProtocol peer.Address) bool {
	return r.SrcNBMA.Equal(srcNBMA) &&
		r.SrcProtocol.Equal(srcProtocol) &&
		r.DstProtocol.Equal(dstProtocol)
}

// IsPending reports whether a request matching the given triple is already
// in flight. The Server calls this before admitting a new Registration
// Request so a retransmitted request (the NHC times out and resends while
// the daemon is still running scripts for the first copy) is dropped
// rather than double-processed.
func (t *Table) IsPending(srcNBMA, srcProtocol, dstProtocol peer.Address) bool {
	for _, r := range t.requests {
		if matches(r, srcNBMA, srcProtocol, dstProtocol) {
			return true
		}
	}
	return false
}

// Record admits a new request, returning ErrTableFull if the table is
// already saturated. The caller should have already checked IsPending;
// Record itself does not re-check for a dedup collision.
func (t *Table) Record(r *Request) error {
	if len(t.requests) >= MaxPendingRequests {
		metrics.PendingRequestsDroppedTotal.WithLabelValues("registration").Inc()
		return ErrTableFull
	}
	t.requests = append(t.requests, r)
	metrics.PendingRequests.WithLabelValues(interfaceName(r.Interface)).Inc()
	return nil
}

func interfaceName(iface *peer.Interface) string {
	if iface == nil {
		return ""
	}
	return iface.Name
}

// Finish removes r from the table. Safe to call even if r is not present
// (e.g. double-finish from a defensive caller).
func (t *Table) Finish(r *Request) {
	for i, q := range t.requests {
		if q == r {
			t.requests = append(t.requests[:i], t.requests[i+1:]...)
			metrics.PendingRequests.WithLabelValues(interfaceName(r.Interface)).Dec()
			return
		}
	}
}

// All returns a snapshot of the currently in-flight requests, for
// diagnostics (e.g. a SIGUSR1 cache dump).
func (t *Table) All() []*Request {
	out := make([]*Request, len(t.requests))
	copy(out, t.requests)
	return out
}
