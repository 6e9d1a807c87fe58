// Package events defines the LifecycleEvent type the Audit Sink and Event
// Publisher subscribe to, and the Bus that fans cache transitions out to
// them without ever blocking the event loop that produces them.
package events

import (
	"time"

	"github.com/opennhrp/nhrpd/internal/peer"
)

// Kind enumerates every lifecycle transition downstream observers may
// subscribe to. It extends peer.LifecycleKind with the two request-level
// outcomes (registration, purge) that don't correspond to a single cache
// mutation but matter to an audit trail.
type Kind int

const (
	PeerInserted Kind = iota
	PeerRemoved
	PeerUp
	PeerDown
	RegistrationResult
	PurgeResult
)

func (k Kind) String() string {
	switch k {
	case PeerInserted:
		return "peer_inserted"
	case PeerRemoved:
		return "peer_removed"
	case PeerUp:
		return "peer_up"
	case PeerDown:
		return "peer_down"
	case RegistrationResult:
		return "registration_result"
	case PurgeResult:
		return "purge_result"
	default:
		return "unknown"
	}
}

func fromCacheKind(k peer.LifecycleKind) Kind {
	switch k {
	case peer.KindPeerInserted:
		return PeerInserted
	case peer.KindPeerRemoved:
		return PeerRemoved
	case peer.KindPeerUp:
		return PeerUp
	case peer.KindPeerDown:
		return PeerDown
	default:
		return PeerInserted
	}
}

// Event is an immutable, race-free description of one lifecycle
// transition, suitable for handing to another goroutine.
type Event struct {
	Kind       Kind
	InstanceID string
	Timestamp  time.Time

	Peer peer.Snapshot

	// CIECode is populated for RegistrationResult events: the result
	// code written into the reply CIE for this peer.
	CIECode uint8
}

// FromCacheEvent adapts a peer.LifecycleEvent (emitted directly by the
// cache on insert/remove/up/down) into an Event carrying instanceID,
// the identity tag distinguishing this daemon instance's events in a
// shared audit/event stream.
func FromCacheEvent(instanceID string, ev peer.LifecycleEvent) Event {
	return Event{
		Kind:       fromCacheKind(ev.Kind),
		InstanceID: instanceID,
		Timestamp:  ev.Timestamp,
		Peer:       ev.Peer,
	}
}

// Bus fans Event values out to every registered subscriber channel.
// Publish never blocks: a subscriber whose channel is full is skipped and
// a drop is counted, consistent with the rule that the Audit Sink and
// Event Publisher must never be able to stall the core event loop.
type Bus struct {
	subs      []chan<- Event
	dropCount map[chan<- Event]uint64
	onDrop    func(reason string)
}

// NewBus constructs an empty Bus. onDrop, if non-nil, is invoked
// synchronously whenever a publish is dropped for a full subscriber
// channel — callers typically wire it to a Prometheus counter and a log
// line.
func NewBus(onDrop func(reason string)) *Bus {
	return &Bus{dropCount: make(map[chan<- Event]uint64), onDrop: onDrop}
}

// Subscribe registers ch to receive every future published Event. ch
// should be buffered; its capacity is this subscriber's entire slack
// before events start dropping for it.
func (b *Bus) Subscribe(ch chan<- Event) {
	b.subs = append(b.subs, ch)
}

// Publish fans ev out to every subscriber, dropping (and counting) for
// any whose channel is currently full.
func (b *Bus) Publish(ev Event) {
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.dropCount[ch]++
			if b.onDrop != nil {
				b.onDrop("subscriber channel full")
			}
		}
	}
}

// Drops reports the total number of events dropped across all subscribers,
// for diagnostics and tests.
func (b *Bus) Drops() uint64 {
	var total uint64
	for _, n := range b.dropCount {
		total += n
	}
	return total
}
