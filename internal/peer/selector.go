package peer

// FindFlag controls how a Selector's address fields are matched.
type FindFlag uint8

const (
	// FindRoute matches a peer whose subnet contains the queried
	// address. Cache.Match picks the longest prefix among such peers in
	// a single pass (the cache holds no trie); ties of equal prefix
	// length are broken arbitrarily.
	FindRoute FindFlag = 1 << iota
	// FindExact requires the queried prefix length to equal the peer's.
	FindExact
	// FindSubnet matches if the peer's protocol address lies inside the
	// queried subnet (ProtocolAddress/PrefixLength), the other direction
	// from FindRoute.
	FindSubnet
	// FindUp requires FlagUp to be set on the candidate.
	FindUp
	// FindMark requires FlagMark to be set on the candidate (used by
	// enumerators that mark-and-sweep across two passes).
	FindMark
)

func (f FindFlag) has(bit FindFlag) bool { return f&bit != 0 }

// Selector is a query descriptor: the peer cache's Match/Foreach/Remove
// methods accept one and evaluate every field that is non-zero.
type Selector struct {
	Flags    FindFlag
	TypeMask TypeMask

	Interface *Interface
	Parent    *Peer

	Hostname string

	ProtocolAddress Address
	PrefixLength    uint8

	NBMAAddress Address
}

// Matches reports whether p satisfies every constraint s names. A zero
// Selector matches everything.
func (s Selector) Matches(p *Peer) bool {
	if s.TypeMask != 0 && !s.TypeMask.Has(p.Type) {
		return false
	}
	if s.Interface != nil && p.Interface != s.Interface {
		return false
	}
	if s.Parent != nil && p.Parent != s.Parent {
		return false
	}
	if s.Hostname != "" && p.NBMAHostname != s.Hostname {
		return false
	}
	if s.Flags.has(FindUp) && !p.Flags.Has(FlagUp) {
		return false
	}
	if s.Flags.has(FindMark) && !p.Flags.Has(FlagMark) {
		return false
	}
	if !s.NBMAAddress.IsZero() && !p.NextHopAddress.Equal(s.NBMAAddress) {
		return false
	}
	if !s.ProtocolAddress.IsZero() {
		switch {
		case s.Flags.has(FindExact):
			if s.PrefixLength != p.PrefixLength || !p.ProtocolAddress.Equal(s.ProtocolAddress) {
				return false
			}
		case s.Flags.has(FindRoute):
			if !p.subnetContains(s.ProtocolAddress) {
				return false
			}
		case s.Flags.has(FindSubnet):
			if !addressInSubnet(p.ProtocolAddress, s.ProtocolAddress, s.PrefixLength) {
				return false
			}
		default:
			if !p.ProtocolAddress.Equal(s.ProtocolAddress) {
				return false
			}
		}
	}
	return true
}
