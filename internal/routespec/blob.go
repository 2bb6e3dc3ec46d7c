package routespec

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/kyanha/overlaynode/internal/types"
)

// blobRoute is the published wire form of one private route: the ordered
// hop identities plus the owner's signature chain. Hop secrets never
// appear here; an importer generates its own per-hop keypairs at import
// time.
type blobRoute struct {
	Hops       []string `json:"hops"`
	Signatures [][]byte `json:"signatures,omitempty"`
}

// PrivateRoutesToBlob serializes a set of private routes for publication
// (e.g. inside a DHT record or an out-of-band invite). Entries are ordered
// by their first hop's public key so the encoding is deterministic and
// PrivateRoutesFromBlob's output is the pubkey-sorted input set.
func PrivateRoutesToBlob(routes []*Route) ([]byte, error) {
	entries := make([]blobRoute, 0, len(routes))
	for _, r := range routes {
		if len(r.Hops) == 0 {
			return nil, ErrNoCandidates
		}
		e := blobRoute{Hops: make([]string, 0, len(r.Hops)), Signatures: r.Signatures}
		for _, h := range r.Hops {
			e.Hops = append(e.Hops, h.Peer.String())
		}
		entries = append(entries, e)
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Hops[0] < entries[j].Hops[0]
	})
	return json.Marshal(entries)
}

// PrivateRoutesFromBlob reverses PrivateRoutesToBlob into hop-identity-only
// Route values (no keypairs yet; ImportRemoteRoute attaches those). The
// returned slice is in the blob's pubkey-sorted order.
func PrivateRoutesFromBlob(blob []byte) ([]*Route, error) {
	var entries []blobRoute
	if err := json.Unmarshal(blob, &entries); err != nil {
		return nil, fmt.Errorf("routespec: decode route blob: %w", err)
	}
	out := make([]*Route, 0, len(entries))
	for _, e := range entries {
		if len(e.Hops) == 0 {
			return nil, fmt.Errorf("routespec: route blob entry has no hops")
		}
		r := &Route{Remote: true, Signatures: e.Signatures}
		for _, hs := range e.Hops {
			peer, err := parseHopKey(hs)
			if err != nil {
				return nil, err
			}
			r.Hops = append(r.Hops, Hop{Peer: peer})
		}
		out = append(out, r)
	}
	return out, nil
}

// ImportRemoteRoute registers a published private-route blob so this node
// can address traffic through it. For each route whose hops all use our
// crypto kind, fresh per-hop keypairs are generated for onion sealing; the
// remote owner's hop secrets are never part of the blob and never stored.
// Returns the id of the first usable route in the set.
func (s *Store) ImportRemoteRoute(blob []byte) (RouteID, error) {
	routes, err := PrivateRoutesFromBlob(blob)
	if err != nil {
		return RouteID{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var first *Route
	for _, r := range routes {
		usable := true
		cacheInput := make([]byte, 0, 32*len(r.Hops))
		for i := range r.Hops {
			if r.Hops[i].Peer.Kind != s.sys.Kind() {
				usable = false
				break
			}
			pub, sec, err := s.sys.GenerateKeyPair()
			if err != nil {
				return RouteID{}, fmt.Errorf("routespec: generate import hop key: %w", err)
			}
			r.Hops[i].EphemeralPub = pub
			r.Hops[i].ephemeralSec = sec
			cacheInput = append(cacheInput, r.Hops[i].Peer.Value[:]...)
		}
		if !usable {
			continue
		}
		cacheKey := s.sys.KeyedHash([]byte("routespec-cache-key"), cacheInput)
		if existing, ok := s.byCacheKey[cacheKey]; ok {
			if first == nil {
				first = existing
			}
			continue
		}
		r.ID = newRouteID()
		r.CacheKey = cacheKey
		r.Spec = SafetySpec{HopCount: len(r.Hops)}
		r.failedHops = make(map[[32]byte]time.Time)
		r.BuiltAt = time.Now()
		s.byID[r.ID] = r
		s.byCacheKey[cacheKey] = r
		if first == nil {
			first = r
		}
	}
	if first == nil {
		return RouteID{}, fmt.Errorf("%w: no route in blob matches our crypto kind", ErrNoCandidates)
	}
	return first.ID, nil
}

func parseHopKey(s string) (key types.TypedKey, err error) {
	key, err = types.ParseTypedKey(s)
	if err != nil {
		return key, fmt.Errorf("routespec: bad hop key in blob: %w", err)
	}
	return key, nil
}
