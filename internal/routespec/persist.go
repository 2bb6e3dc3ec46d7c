package routespec

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kyanha/overlaynode/internal/storage"
	"github.com/kyanha/overlaynode/internal/types"
)

// ownedRoute is the persisted form of one published route. Unlike the
// publication blob, it carries the per-hop keypairs: without those the
// route's owner could not keep opening its own layers after a restart.
// This record never leaves the local table store.
type ownedRoute struct {
	ID         string   `json:"id"`
	Hops       []string `json:"hops"`
	EphPubs    [][]byte `json:"eph_pubs"`
	EphSecs    [][]byte `json:"eph_secs"`
	Signatures [][]byte `json:"signatures,omitempty"`
	Remote     bool     `json:"remote,omitempty"`
	BuiltAt    int64    `json:"built_at"`
	HopCount   int      `json:"hop_count"`
	Stability  int      `json:"stability"`
	Sequencing int      `json:"sequencing"`
	Directions []int    `json:"directions,omitempty"`
}

// SaveOwnedRoutes serializes every published route into db's single route
// content record. Unpublished routes are working state and are rebuilt on
// demand, so they are deliberately not persisted.
func (s *Store) SaveOwnedRoutes(ctx context.Context, db *storage.DB) error {
	s.mu.Lock()
	var out []ownedRoute
	for _, r := range s.byID {
		if !r.Published {
			continue
		}
		or := ownedRoute{
			ID:         r.ID.String(),
			Signatures: r.Signatures,
			Remote:     r.Remote,
			BuiltAt:    r.BuiltAt.UnixNano(),
			HopCount:   r.Spec.HopCount,
			Stability:  int(r.Spec.Stability),
			Sequencing: int(r.Spec.Sequencing),
		}
		for _, d := range r.Spec.Directions {
			or.Directions = append(or.Directions, int(d))
		}
		for _, h := range r.Hops {
			or.Hops = append(or.Hops, h.Peer.String())
			or.EphPubs = append(or.EphPubs, append([]byte(nil), h.EphemeralPub[:]...))
			or.EphSecs = append(or.EphSecs, append([]byte(nil), h.ephemeralSec[:]...))
		}
		out = append(out, or)
	}
	s.mu.Unlock()

	payload, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("routespec: marshal owned routes: %w", err)
	}
	return db.SaveRouteContent(ctx, payload, time.Now().UnixNano())
}

// LoadOwnedRoutes restores the published-route set SaveOwnedRoutes wrote,
// re-registering each under its original RouteID so identifiers handed to
// applications before the restart keep resolving.
func (s *Store) LoadOwnedRoutes(ctx context.Context, db *storage.DB) error {
	payload, err := db.LoadRouteContent(ctx)
	if err != nil {
		return fmt.Errorf("routespec: load route content: %w", err)
	}
	if payload == nil {
		return nil
	}
	var in []ownedRoute
	if err := json.Unmarshal(payload, &in); err != nil {
		return fmt.Errorf("routespec: decode route content: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, or := range in {
		id, err := uuid.Parse(or.ID)
		if err != nil {
			return fmt.Errorf("routespec: bad persisted route id %q: %w", or.ID, err)
		}
		if len(or.Hops) == 0 || len(or.Hops) != len(or.EphPubs) || len(or.Hops) != len(or.EphSecs) {
			return fmt.Errorf("routespec: persisted route %s has inconsistent hop data", or.ID)
		}
		r := &Route{
			ID:         RouteID(id),
			Signatures: or.Signatures,
			Remote:     or.Remote,
			Published:  true,
			BuiltAt:    time.Unix(0, or.BuiltAt),
			Spec: SafetySpec{
				HopCount:   or.HopCount,
				Stability:  Stability(or.Stability),
				Sequencing: Sequencing(or.Sequencing),
			},
			failedHops: make(map[[32]byte]time.Time),
		}
		for _, d := range or.Directions {
			r.Spec.Directions = append(r.Spec.Directions, Direction(d))
		}
		cacheInput := make([]byte, 0, 32*len(or.Hops))
		for i, hs := range or.Hops {
			peer, err := types.ParseTypedKey(hs)
			if err != nil {
				return fmt.Errorf("routespec: bad persisted hop key: %w", err)
			}
			var hop Hop
			hop.Peer = peer
			copy(hop.EphemeralPub[:], or.EphPubs[i])
			copy(hop.ephemeralSec[:], or.EphSecs[i])
			r.Hops = append(r.Hops, hop)
			cacheInput = append(cacheInput, peer.Value[:]...)
		}
		r.CacheKey = s.sys.KeyedHash([]byte("routespec-cache-key"), cacheInput)
		s.byID[r.ID] = r
		s.byCacheKey[r.CacheKey] = r
	}
	return nil
}
