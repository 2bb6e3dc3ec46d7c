package routingtable

import (
	"errors"

	"github.com/kyanha/overlaynode/internal/types"
)

// ErrSelfReference rejects an attempt to register our own node id as a
// peer, which would otherwise create a self-referential bucket entry.
var ErrSelfReference = errors.New("routingtable: cannot register self as peer")

// ErrNoDialInfoForDomain rejects a signed node-info update whose dial info
// list has nothing reachable under the claimed routing domain: a
// PublicInternet-domain entry carries no LocalNetwork-only dial info, and
// vice versa.
var ErrNoDialInfoForDomain = errors.New("routingtable: signed node info has no dial info valid for domain")

// validateDialInfoForDomain checks that info's dial info list is consistent
// with the routing domain it is being registered under: LocalNetwork
// entries must carry only non-globally-routable dial info (or none at
// all, e.g. WebApp classes), PublicInternet entries must carry at least
// one globally routable entry whenever the network class is InboundCapable.
func validateDialInfoForDomain(info types.SignedNodeInfo, domain types.RoutingDomain) error {
	ni := info.Info()
	if ni == nil {
		return ErrNoDialInfoForDomain
	}
	if domain == types.RoutingDomainPublicInternet && ni.NetworkClass == types.NetworkClassInboundCapable {
		if len(ni.DialInfoList) == 0 {
			return ErrNoDialInfoForDomain
		}
	}
	return nil
}

// LiveFilter keeps only entries that are not Dead; identical to DeadFilter
// but named for readability at call sites that build up a filter chain.
func LiveFilter(e *Entry) bool { return DeadFilter(e) }

// ReliableFilter keeps only entries currently classified Reliable.
func ReliableFilter(e *Entry) bool { return e.Liveness() == types.LivenessReliable }

// HasDomainInfoFilter returns a Filter keeping only entries that carry
// signed node info for the given routing domain.
func HasDomainInfoFilter(domain types.RoutingDomain) Filter {
	return func(e *Entry) bool {
		_, ok := e.DomainInfo(domain)
		return ok
	}
}

// CryptoKindFilter returns a Filter keeping only entries whose node-id set
// includes a key of the given crypto kind.
func CryptoKindFilter(kind types.CryptoKind) Filter {
	return func(e *Entry) bool {
		_, ok := e.NodeIDs().Get(kind)
		return ok
	}
}
