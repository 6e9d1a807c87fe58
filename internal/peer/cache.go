package peer

import (
	"fmt"
	"time"

	"github.com/opennhrp/nhrpd/internal/metrics"
	"go.uber.org/zap"
)

// LifecycleKind enumerates the cache transitions the Audit Sink and Event
// Publisher observe. Defined here (rather than in package events) to avoid
// a dependency of the cache on its downstream observers; package events
// re-exports these as its own Kind values.
type LifecycleKind int

const (
	KindPeerInserted LifecycleKind = iota
	KindPeerRemoved
	KindPeerUp
	KindPeerDown
)

// LifecycleEvent is an immutable snapshot describing one cache transition.
// Cache never blocks on delivery: subscribers receive it over a buffered
// channel and must keep up or miss events.
type LifecycleEvent struct {
	Kind      LifecycleKind
	Peer      Snapshot
	Timestamp time.Time
}

// Snapshot is a value-typed, race-free copy of the fields downstream
// observers need. Taken at emission time so the Cache's own goroutine
// never shares the live *Peer with another goroutine.
type Snapshot struct {
	Type            Type
	Flags           Flag
	InterfaceName   string
	ProtocolAddress Address
	PrefixLength    uint8
	NextHopAddress  Address
	NBMAHostname    string
	HoldingTime     time.Duration
}

func snapshotOf(p *Peer) Snapshot {
	ifname := ""
	if p.Interface != nil {
		ifname = p.Interface.Name
	}
	return Snapshot{
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

// Cache is the peer cache: the single indexed population of known peers.
// It is not safe for concurrent use — every method must run on the event
// loop goroutine, matching the single-threaded design of the rest of the
// daemon. There are no internal mutexes; safety comes from single-writer
// discipline, not locking.
type Cache struct {
	log *zap.Logger

	all map[*Peer]struct{}

	byInterface map[*Interface]map[*Peer]struct{}
	byNBMA      map[string][]*Peer
	multicast   map[*Interface][]*Peer

	events chan<- LifecycleEvent
}

// NewCache constructs an empty cache. events may be nil, in which case
// lifecycle notifications are simply dropped — the cache has no downstream
// observer requirement; Audit Sink and Event Publisher are optional.
func NewCache(log *zap.Logger, events chan<- LifecycleEvent) *Cache {
	return &Cache{
		log:         log,
		all:         make(map[*Peer]struct{}),
		byInterface: make(map[*Interface]map[*Peer]struct{}),
		byNBMA:      make(map[string][]*Peer),
		multicast:   make(map[*Interface][]*Peer),
		events:      events,
	}
}

func nbmaKey(a Address) string {
	return fmt.Sprintf("%d:%x", a.AFNum, a.Bytes)
}

func peerState(p *Peer) string {
	if p.Flags.Has(FlagUp) {
		return "up"
	}
	return "down"
}

func (c *Cache) emit(kind LifecycleKind, p *Peer) {
	if c.events == nil {
		return
	}
	ev := LifecycleEvent{Kind: kind, Peer: snapshotOf(p), Timestamp: time.Now()}
	select {
	case c.events <- ev:
	default:
		c.log.Warn("lifecycle event channel full, dropping", zap.Int("kind", int(kind)))
	}
}

// Insert adds p to every applicable index. Insert does not check for
// conflicting entries — callers (the Server, Foreach-driven enumerators)
// are responsible for removing anything it should displace first, mirroring
// nhrp_peer_insert's "just insert" contract.
func (c *Cache) Insert(p *Peer) {
	c.all[p] = struct{}{}

	if p.Interface != nil {
		set, ok := c.byInterface[p.Interface]
		if !ok {
			set = make(map[*Peer]struct{})
			c.byInterface[p.Interface] = set
		}
		set[p] = struct{}{}
	}

	if !p.NextHopAddress.IsZero() {
		key := nbmaKey(p.NextHopAddress)
		c.byNBMA[key] = append(c.byNBMA[key], p)
	}

	p.insertedAt = time.Now()
	metrics.PeersTotal.WithLabelValues(p.Type.String(), peerState(p)).Inc()
	c.emit(KindPeerInserted, p)
}

// Remove unlinks p from every index and stops its event handles. The peer
// itself is only freed once its reference count drops to zero; until then
// it is marked FlagRemoved and kept reachable by whoever still holds a
// reference (e.g. an in-flight script callback).
func (c *Cache) Remove(p *Peer) {
	if _, ok := c.all[p]; !ok {
		return
	}
	delete(c.all, p)

	if p.Interface != nil {
		if set, ok := c.byInterface[p.Interface]; ok {
			delete(set, p)
			if len(set) == 0 {
				delete(c.byInterface, p.Interface)
			}
		}
	}

	if !p.NextHopAddress.IsZero() {
		key := nbmaKey(p.NextHopAddress)
		c.byNBMA[key] = removePeer(c.byNBMA[key], p)
		if len(c.byNBMA[key]) == 0 {
			delete(c.byNBMA, key)
		}
	}

	metrics.PeersTotal.WithLabelValues(p.Type.String(), peerState(p)).Dec()
	p.Flags |= FlagRemoved
	p.stopHandles()
	c.emit(KindPeerRemoved, p)

	c.Put(p)
}

func removePeer(list []*Peer, p *Peer) []*Peer {
	for i, q := range list {
		if q == p {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

// Put decrements p's reference count. This is the only place a peer is
// actually dropped; callers must not touch p after Put brings the count
// to zero.
func (c *Cache) Put(p *Peer) {
	p.ref--
	if p.ref < 0 {
		panic("peer: refcount underflow")
	}
}

// Match returns a peer satisfying sel, or nil. With FindRoute it returns
// the matching peer with the longest prefix; otherwise the first match
// found. Iteration order over c.all's backing map is unspecified by Go,
// so callers needing determinism (tests) should prefer a narrow selector
// or Foreach with their own tie-breaking.
func (c *Cache) Match(sel Selector) *Peer {
	var best *Peer
	for p := range c.all {
		if !sel.Matches(p) {
			continue
		}
		if !sel.Flags.has(FindRoute) {
			return p
		}
		if best == nil || p.PrefixLength > best.PrefixLength {
			best = p
		}
	}
	return best
}

// Foreach invokes fn for every peer matching sel. fn may remove the
// current peer from the cache (via Remove) but must not insert new peers
// or remove peers other than the one it is currently visiting; Foreach
// snapshots the candidate list up front precisely so that mutation during
// iteration is safe, mirroring nhrp_peer_foreach's "copy out" discipline
// against its TAILQ.
func (c *Cache) Foreach(sel Selector, fn func(p *Peer)) {
	matched := make([]*Peer, 0, len(c.all))
	for p := range c.all {
		if sel.Matches(p) {
			matched = append(matched, p)
		}
	}
	for _, p := range matched {
		if p.Flags.Has(FlagRemoved) {
			continue
		}
		fn(p)
	}
}

// RemoveMatching removes every peer matching sel, returning the count
// removed. Purge Request handling does not use it: it iterates with
// Foreach so it can also remove each peer's kernel route.
func (c *Cache) RemoveMatching(sel Selector) int {
	n := 0
	c.Foreach(sel, func(p *Peer) {
		c.Remove(p)
		n++
	})
	return n
}

// SetUsedMatching sets FlagUsed and bumps LastUsed on every peer matching
// sel; used by the kernel ARP-cache sync collaborator (out of core scope,
// invoked by it through this entry point) to mark liveness.
func (c *Cache) SetUsedMatching(sel Selector, now time.Time) {
	c.Foreach(sel, func(p *Peer) {
		p.Flags |= FlagUsed
		p.LastUsed = now
	})
}

// Len reports the number of peers currently in the cache, for tests and
// diagnostics. Removed peers are not counted, even while references to
// them are still held.
func (c *Cache) Len() int { return len(c.all) }

// MulticastPeers returns the peers registered as multicast NBMA targets on
// iface, e.g. for flooding a Resolution Request across a fully-meshed NHS
// group.
func (c *Cache) MulticastPeers(iface *Interface) []*Peer {
	return c.multicast[iface]
}

// AddMulticast registers p as a multicast NBMA target on its interface.
func (c *Cache) AddMulticast(iface *Interface, p *Peer) {
	c.multicast[iface] = append(c.multicast[iface], p)
}

// MarkUp transitions p to FlagUp|FlagLowerUp (the peer-up script
// succeeded) and emits a KindPeerUp lifecycle event.
func (c *Cache) MarkUp(p *Peer) {
	metrics.PeersTotal.WithLabelValues(p.Type.String(), peerState(p)).Dec()
	p.Flags |= FlagUp | FlagLowerUp
	metrics.PeersTotal.WithLabelValues(p.Type.String(), peerState(p)).Inc()
	c.emit(KindPeerUp, p)
}

// MarkDown clears FlagUp|FlagLowerUp (the peer-down script ran, or the
// peer expired) and emits a KindPeerDown lifecycle event.
func (c *Cache) MarkDown(p *Peer) {
	metrics.PeersTotal.WithLabelValues(p.Type.String(), peerState(p)).Dec()
	p.Flags &^= FlagUp | FlagLowerUp
	metrics.PeersTotal.WithLabelValues(p.Type.String(), peerState(p)).Inc()
	c.emit(KindPeerDown, p)
}

// TrafficIndication handles an inbound Traffic Indication for dest on
// iface: if no route to dest already exists in the cache, it inserts a
// fresh Incomplete peer representing the in-flight query, mirroring the
// cache's own Resolving state transition (see the liveness state machine
// above) rather than requiring the caller to originate a new resolution
// packet through a side channel. Returns the peer driving the query,
// whether newly created or already in flight.
func (c *Cache) TrafficIndication(iface *Interface, dest Address) *Peer {
	if existing := c.Match(Selector{Flags: FindRoute, ProtocolAddress: dest}); existing != nil {
		return existing
	}
	np := NewPeer(iface)
	np.Type = Incomplete
	np.ProtocolAddress = dest
	np.PrefixLength = uint8(len(dest.Bytes) * 8)
	c.Insert(np)
	return np
}

// Expire turns p (if it is Incomplete, Cached, CachedRoute, Dynamic or
// DynamicNhs) into a Negative entry and marks it down. It does not remove
// p from the cache and schedules nothing; the cache holds no timers, and
// no timer in the daemon calls Expire.
func (c *Cache) Expire(p *Peer) {
	switch p.Type {
	case Incomplete, Cached, CachedRoute, Dynamic, DynamicNhs:
		if p.Type != Negative {
			metrics.PeersTotal.WithLabelValues(p.Type.String(), peerState(p)).Dec()
			p.Type = Negative
			metrics.PeersTotal.WithLabelValues(p.Type.String(), peerState(p)).Inc()
		}
		c.MarkDown(p)
	}
}
