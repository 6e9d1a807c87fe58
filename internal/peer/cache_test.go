package peer

import (
	"testing"

	"go.uber.org/zap"
)

func testInterface(name string) *Interface {
	return &Interface{
		Name:            name,
		ProtocolAddress: Address{AFNum: 1, Bytes: []byte{10, 0, 0, 1}},
	}
}

func addr4(a, b, c, d byte) Address {
	return Address{AFNum: 1, Bytes: []byte{a, b, c, d}}
}

func TestCacheInsertAndMatch(t *testing.T) {
	iface := testInterface("gre0")
	c := NewCache(zap.NewNop(), nil)

	p := NewPeer(iface)
	p.Type = Dynamic
	p.ProtocolAddress = addr4(10, 0, 0, 5)
	p.PrefixLength = 32
	p.NextHopAddress = addr4(192, 0, 2, 5)
	c.Insert(p)

	got := c.Match(Selector{
		Flags:           FindExact,
		ProtocolAddress: addr4(10, 0, 0, 5),
		PrefixLength:    32,
	})
	if got != p {
		t.Fatalf("expected to match inserted peer, got %v", got)
	}

	if c.Len() != 1 {
		t.Fatalf("expected cache length 1, got %d", c.Len())
	}
}

func TestCacheMatchRoute(t *testing.T) {
	iface := testInterface("gre0")
	c := NewCache(zap.NewNop(), nil)

	p := NewPeer(iface)
	p.Type = Cached
	p.ProtocolAddress = addr4(10, 0, 0, 0)
	p.PrefixLength = 24
	c.Insert(p)

	got := c.Match(Selector{
		Flags:           FindRoute,
		ProtocolAddress: addr4(10, 0, 0, 42),
	})
	if got != p {
		t.Fatal("expected route match to find containing subnet")
	}

	miss := c.Match(Selector{
		Flags:           FindRoute,
		ProtocolAddress: addr4(10, 0, 1, 42),
	})
	if miss != nil {
		t.Fatal("expected no match outside subnet")
	}
}

func TestCacheRemoveUnlinksIndexes(t *testing.T) {
	iface := testInterface("gre0")
	c := NewCache(zap.NewNop(), nil)

	p := NewPeer(iface)
	p.Type = Dynamic
	p.ProtocolAddress = addr4(10, 0, 0, 5)
	p.PrefixLength = 32
	p.NextHopAddress = addr4(192, 0, 2, 5)
	c.Insert(p)

	c.Remove(p)

	if c.Len() != 0 {
		t.Fatalf("expected cache empty after remove, got %d", c.Len())
	}
	if !p.Flags.Has(FlagRemoved) {
		t.Fatal("expected FlagRemoved set after Remove")
	}
	if p.RefCount() != 0 {
		t.Fatalf("expected refcount 0 after Remove's implicit Put, got %d", p.RefCount())
	}
}

func TestCacheForeachSafeDuringMutation(t *testing.T) {
	iface := testInterface("gre0")
	c := NewCache(zap.NewNop(), nil)

	for i := 0; i < 3; i++ {
		p := NewPeer(iface)
		p.Type = Dynamic
		p.ProtocolAddress = addr4(10, 0, 0, byte(i+1))
		p.PrefixLength = 32
		c.Insert(p)
	}

	visited := 0
	c.Foreach(Selector{TypeMask: TypeMaskRemovable}, func(p *Peer) {
		visited++
		c.Remove(p)
	})

	if visited != 3 {
		t.Fatalf("expected to visit 3 peers, visited %d", visited)
	}
	if c.Len() != 0 {
		t.Fatalf("expected all peers removed, got %d remaining", c.Len())
	}
}

func TestCacheLifecycleEvents(t *testing.T) {
	iface := testInterface("gre0")
	events := make(chan LifecycleEvent, 4)
	c := NewCache(zap.NewNop(), events)

	p := NewPeer(iface)
	p.Type = Dynamic
	p.ProtocolAddress = addr4(10, 0, 0, 5)
	c.Insert(p)
	c.MarkUp(p)
	c.Remove(p)

	kinds := []LifecycleKind{}
	close(events)
	for ev := range events {
		kinds = append(kinds, ev.Kind)
	}

	want := []LifecycleKind{KindPeerInserted, KindPeerUp, KindPeerRemoved}
	if len(kinds) != len(want) {
		t.Fatalf("expected %d events, got %d: %v", len(want), len(kinds), kinds)
	}
	for i, k := range want {
		if kinds[i] != k {
			t.Fatalf("event %d: expected kind %d, got %d", i, k, kinds[i])
		}
	}
}

func TestSelectorTypeMask(t *testing.T) {
	iface := testInterface("gre0")
	c := NewCache(zap.NewNop(), nil)

	static := NewPeer(iface)
	static.Type = Static
	static.ProtocolAddress = addr4(10, 0, 0, 9)
	c.Insert(static)

	got := c.Match(Selector{TypeMask: TypeMaskRemovable})
	if got != nil {
		t.Fatal("expected static peer to be excluded from TypeMaskRemovable")
	}

	got = c.Match(Selector{TypeMask: TypeMaskNonRemovable})
	if got != static {
		t.Fatal("expected static peer to match TypeMaskNonRemovable")
	}
}
