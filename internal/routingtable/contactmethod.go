package routingtable

import (
	"net"

	"github.com/kyanha/overlaynode/internal/types"
)

// ContactMethod is the resolved strategy for one peer to deliver bytes to
// another within a routing domain.
type ContactMethod int

const (
	ContactUnreachable ContactMethod = iota
	ContactDirect
	ContactSignalReverse
	ContactSignalHolePunch
	ContactInboundRelay
	ContactOutboundRelay
)

func (c ContactMethod) String() string {
	switch c {
	case ContactDirect:
		return "Direct"
	case ContactSignalReverse:
		return "SignalReverse"
	case ContactSignalHolePunch:
		return "SignalHolePunch"
	case ContactInboundRelay:
		return "InboundRelay"
	case ContactOutboundRelay:
		return "OutboundRelay"
	default:
		return "Unreachable"
	}
}

// Sequencing expresses the caller's transport-ordering preference during
// contact resolution: indifferent, ordered if available, or ordered only.
type Sequencing int

const (
	SequencingNoPreference Sequencing = iota
	SequencingPreferOrdered
	SequencingEnsureOrdered
)

// DialInfoFilter accepts or rejects one dial-info detail during contact
// resolution. A nil filter accepts everything.
type DialInfoFilter func(types.DialInfoDetail) bool

// GetContactMethod resolves how peerA can reach peerB in domain, given
// both peers' signed node info. The returned detail is the dial info the
// method uses: peerB's own for Direct, the relevant relay's for the
// signalled and relayed methods. Targets on the punishment denylist
// short-circuit to Unreachable.
//
// Resolution order:
//  1. peerB's best dial info needs no signalling: Direct.
//  2. It needs signalling and peerB's relay is reachable: if peerA is
//     inbound-capable, SignalReverse when peerA has a plainly-dialable
//     reverse dial info on a different public IP than peerB's
//     (anti-hairpin), else SignalHolePunch when both sides carry UDP dial
//     info on distinct public IPs; otherwise InboundRelay.
//  3. peerB has no dial info but a reachable relay: InboundRelay.
//  4. peerA publishes its own relay: OutboundRelay.
//  5. Unreachable.
func (t *Table) GetContactMethod(domain types.RoutingDomain, peerA, peerB *types.PeerInfo, filter DialInfoFilter, seq Sequencing) (ContactMethod, types.DialInfoDetail) {
	if peerA == nil || peerB == nil {
		return ContactUnreachable, types.DialInfoDetail{}
	}
	if id, ok := peerB.NodeIDs.Get(t.kind); ok && t.IsDenylisted(id.Value) {
		return ContactUnreachable, types.DialInfoDetail{}
	}
	infoA := peerA.SignedNodeInfo.Info()
	infoB := peerB.SignedNodeInfo.Info()
	if infoB == nil {
		return ContactUnreachable, types.DialInfoDetail{}
	}

	if best, ok := bestDialInfoDetail(infoB, filter, seq); ok {
		if !best.Class.RequiresSignal() {
			return ContactDirect, best
		}
		if relayDetail, ok := reachableRelayDetail(peerB.SignedNodeInfo, filter, seq); ok {
			if infoA != nil && infoA.NetworkClass == types.NetworkClassInboundCapable {
				if reverse, ok := bestDialInfoDetail(infoA, filter, seq); ok &&
					!reverse.Class.RequiresSignal() && distinctPublicHosts(reverse.Dial, best.Dial) {
					return ContactSignalReverse, relayDetail
				}
				udpA, okA := udpDetail(infoA, filter)
				udpB, okB := udpDetail(infoB, filter)
				if okA && okB && distinctPublicHosts(udpA.Dial, udpB.Dial) {
					return ContactSignalHolePunch, relayDetail
				}
			}
			return ContactInboundRelay, relayDetail
		}
	} else if relayDetail, ok := reachableRelayDetail(peerB.SignedNodeInfo, filter, seq); ok {
		return ContactInboundRelay, relayDetail
	}

	if relayDetail, ok := reachableRelayDetail(peerA.SignedNodeInfo, filter, seq); ok {
		return ContactOutboundRelay, relayDetail
	}
	return ContactUnreachable, types.DialInfoDetail{}
}

// bestDialInfoDetail picks the easiest-to-reach dial info passing filter,
// honoring the sequencing preference: EnsureOrdered skips UDP outright,
// PreferOrdered falls back to UDP only when nothing ordered qualifies.
func bestDialInfoDetail(ni *types.NodeInfo, filter DialInfoFilter, seq Sequencing) (types.DialInfoDetail, bool) {
	if ni == nil {
		return types.DialInfoDetail{}, false
	}
	pick := func(orderedOnly bool) (types.DialInfoDetail, bool) {
		var best types.DialInfoDetail
		found := false
		for _, d := range ni.DialInfoList {
			if filter != nil && !filter(d) {
				continue
			}
			if orderedOnly && d.Dial.Protocol == types.ProtocolUDP {
				continue
			}
			if !found || d.Class < best.Class {
				best, found = d, true
			}
		}
		return best, found
	}
	switch seq {
	case SequencingEnsureOrdered:
		return pick(true)
	case SequencingPreferOrdered:
		if d, ok := pick(true); ok {
			return d, true
		}
		return pick(false)
	default:
		return pick(false)
	}
}

// udpDetail returns the first UDP dial info passing filter, any class. A
// NAT-classed UDP address still qualifies: hole punching exists exactly
// for those.
func udpDetail(ni *types.NodeInfo, filter DialInfoFilter) (types.DialInfoDetail, bool) {
	if ni == nil {
		return types.DialInfoDetail{}, false
	}
	for _, d := range ni.DialInfoList {
		if filter != nil && !filter(d) {
			continue
		}
		if d.Dial.Protocol == types.ProtocolUDP {
			return d, true
		}
	}
	return types.DialInfoDetail{}, false
}

// reachableRelayDetail returns the relay's best plainly-dialable dial info
// when info carries a relayed descriptor.
func reachableRelayDetail(info types.SignedNodeInfo, filter DialInfoFilter, seq Sequencing) (types.DialInfoDetail, bool) {
	if info.Relayed == nil {
		return types.DialInfoDetail{}, false
	}
	d, ok := bestDialInfoDetail(&info.Relayed.RelayInfo.Info, filter, seq)
	if !ok || d.Class.RequiresSignal() {
		return types.DialInfoDetail{}, false
	}
	return d, true
}

// publicHost extracts the host portion of a dial address for hairpin
// comparison, normalizing parsed IPs so textual variants of the same
// address compare equal.
func publicHost(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.String()
	}
	return host
}

func distinctPublicHosts(a, b types.DialInfo) bool {
	return publicHost(a.Address) != publicHost(b.Address)
}
