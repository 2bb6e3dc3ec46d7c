// Package routespec implements route allocation, onion-layer
// compilation, and published-route persistence for safety routes and
// private routes: ephemeral per-hop keys seal AEAD-wrapped layered
// plaintext over hops selected through a filter/permute/reachability
// pipeline.
package routespec

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kyanha/overlaynode/internal/crypto"
	"github.com/kyanha/overlaynode/internal/routingtable"
	"github.com/kyanha/overlaynode/internal/types"
)

var (
	ErrNoCandidates  = errors.New("routespec: no eligible hop candidates")
	ErrTooFewHops    = errors.New("routespec: fewer hops available than requested")
	ErrTooManyHops   = errors.New("routespec: invalid_argument: hop count exceeds max_route_hop_count")
	ErrRouteNotFound = errors.New("routespec: unknown route id")
	ErrBadSignature  = errors.New("routespec: hop signature validation failed")
	ErrNoPermutation = errors.New("routespec: no permutation of candidates has a reachable path")
)

// MaxRouteHopCount is the upper bound on SafetySpec.HopCount.
const MaxRouteHopCount = 7

// Stability and Sequencing are SafetySpec's hop-selection preferences.
type Stability int

const (
	StabilityLowLatency Stability = iota
	StabilityReliable
)

type Sequencing int

const (
	SequencingNoPreference Sequencing = iota
	SequencingEnsureOrdered
)

// Direction selects which way traffic must be able to flow across a
// route's hops: away from us (Outbound), toward us (Inbound), or both.
type Direction int

const (
	DirectionOutbound Direction = iota
	DirectionInbound
)

// SafetySpec parameterizes route allocation's hop selection for an
// application-chosen safety route (as opposed to sending unsafely direct).
type SafetySpec struct {
	HopCount       int
	Stability      Stability
	Sequencing     Sequencing
	Directions     []Direction      // empty means Outbound only
	AvoidNodes     []types.TypedKey // candidates excluded from selection entirely
	PreferredRoute *RouteID         // reuse a previously allocated route if set
}

// RouteID is an opaque identifier for an allocated route, stable across
// the route's lifetime so callers can request reuse via SafetySpec.
type RouteID uuid.UUID

func newRouteID() RouteID { return RouteID(uuid.New()) }

func (r RouteID) String() string { return uuid.UUID(r).String() }

// Hop is one onion layer: the peer to forward through and the ephemeral
// key used to wrap that layer.
type Hop struct {
	Peer         types.TypedKey
	EphemeralPub [32]byte
	ephemeralSec [32]byte
}

// Route is a compiled, cacheable sequence of hops plus the spec and the
// time it was built, keyed by a content hash of its hop list so repeated
// AllocateRoute calls with identical candidates return the same route.
// Signatures is populated only for
// routes published as private routes (see SignRoute); safety routes the
// caller compiles for its own outbound sends never carry one.
type Route struct {
	ID         RouteID
	Hops       []Hop
	Spec       SafetySpec
	BuiltAt    time.Time
	CacheKey   [32]byte
	Signatures [][]byte
	// Remote marks a route imported from another node's published blob:
	// the hop identities came from the blob, the per-hop keypairs are our
	// own (the remote owner's hop secrets are never transmitted or stored).
	Remote bool
	// Published marks a route advertised externally; published routes are
	// persisted by SaveOwnedRoutes and survive a restart.
	Published  bool
	failedHops map[[32]byte]time.Time
}

// innerLayer is the AEAD-wrapped plaintext carried inside each onion hop.
type innerLayer struct {
	Next    string          `json:"next,omitempty"`
	Payload json.RawMessage `json:"payload"`
	Meta    layerMeta       `json:"meta"`
}

type layerMeta struct {
	Final bool   `json:"final"`
	MsgID string `json:"msgid"`
	TTL   int    `json:"ttl"`
}

// ProbeFunc performs the actual round trip TestRoute needs: wrap a status
// probe through route and wait for the response to arrive back. The node
// wires this in once its rpc.Processor exists, avoiding an import cycle
// between routespec and rpc (renderOperation, in rpc, already depends on
// routespec for safety-route wrapping).
type ProbeFunc func(route *Route) error

// Store owns allocated routes, a candidate source (the routing table), and
// the crypto system used for per-hop key agreement. One outer mutex guards
// the route maps; it is held across candidate enumeration (synchronous) but
// never across anything that blocks.
type Store struct {
	sys    crypto.System
	self   types.TypedKey
	table  *routingtable.Table
	domain types.RoutingDomain
	probe  ProbeFunc

	mu         sync.Mutex
	byCacheKey map[[32]byte]*Route
	byID       map[RouteID]*Route
}

func NewStore(sys crypto.System, self types.TypedKey, table *routingtable.Table) *Store {
	return &Store{
		sys:        sys,
		self:       self,
		table:      table,
		domain:     types.RoutingDomainPublicInternet,
		byCacheKey: make(map[[32]byte]*Route),
		byID:       make(map[RouteID]*Route),
	}
}

// SetProbeFunc installs the round-trip prober TestRoute uses once the node
// has wired up its rpc.Processor.
func (s *Store) SetProbeFunc(fn ProbeFunc) { s.probe = fn }

// eligible is the hop-candidate filter: PublicInternet
// domain info present, CAP_ROUTE advertised, not in avoid_nodes. Entries
// with zero NodeRefs are skipped by kickLocked independently; self is never
// present in the table at all (routingtable.ErrSelfReference).
func (s *Store) eligible(avoid []types.TypedKey) []routingtable.Filter {
	avoidSet := make(map[[32]byte]struct{}, len(avoid))
	for _, a := range avoid {
		avoidSet[a.Value] = struct{}{}
	}
	return []routingtable.Filter{
		routingtable.HasDomainInfoFilter(s.domain),
		func(e *routingtable.Entry) bool {
			info, ok := e.DomainInfo(s.domain)
			if !ok {
				return false
			}
			ni := info.Info()
			if ni == nil || !ni.HasCapability(types.CapRoute) {
				return false
			}
			key, ok := e.NodeIDs().Get(s.sys.Kind())
			if !ok {
				return false
			}
			_, avoided := avoidSet[key.Value]
			return !avoided
		},
	}
}

// hopReachable rejects a candidate we can't dial, signal, or relay to at
// all (netman would resolve it Unreachable), since nothing downstream of
// us could ever open that onion layer.
func hopReachable(e *routingtable.Entry, domain types.RoutingDomain) bool {
	info, ok := e.DomainInfo(domain)
	if !ok {
		return false
	}
	ni := info.Info()
	if ni == nil {
		return false
	}
	if _, ok := ni.BestDialInfoDetail(); ok {
		return true
	}
	return info.Relayed != nil
}

// AllocateRoute filters candidates, then searches permutations of the
// filtered set for one where every hop clears the reachability check,
// compiling a Route the caller can address through its RouteID.
func (s *Store) AllocateRoute(spec SafetySpec) (*Route, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if spec.PreferredRoute != nil {
		if r, ok := s.byID[*spec.PreferredRoute]; ok {
			return r, nil
		}
	}
	if spec.HopCount < 1 {
		return nil, ErrTooFewHops
	}
	if spec.HopCount > MaxRouteHopCount {
		return nil, fmt.Errorf("%w: %d > %d", ErrTooManyHops, spec.HopCount, MaxRouteHopCount)
	}

	var latencyFilters []routingtable.Filter
	if spec.Stability == StabilityReliable {
		latencyFilters = append(latencyFilters, routingtable.ReliableFilter)
	}
	filters := append(s.eligible(spec.AvoidNodes), latencyFilters...)

	candidates := s.table.FindPreferredFastestNodes(spec.HopCount*4, filters, nil)
	defer func() {
		for _, c := range candidates {
			c.Release()
		}
	}()
	if len(candidates) < spec.HopCount {
		return nil, fmt.Errorf("%w: have %d, need %d", ErrTooFewHops, len(candidates), spec.HopCount)
	}

	perm := s.choosePermutation(candidates, spec)
	if perm == nil {
		return nil, ErrNoPermutation
	}

	hops := make([]Hop, 0, spec.HopCount)
	cacheInput := make([]byte, 0, 32*spec.HopCount)
	for _, c := range perm {
		ids := c.NodeIDs()
		key, ok := ids.Get(s.sys.Kind())
		if !ok {
			return nil, ErrNoCandidates
		}
		pub, sec, err := s.sys.GenerateKeyPair()
		if err != nil {
			return nil, fmt.Errorf("routespec: generate hop key: %w", err)
		}
		hops = append(hops, Hop{Peer: key, EphemeralPub: pub, ephemeralSec: sec})
		cacheInput = append(cacheInput, key.Value[:]...)
	}

	cacheKey := s.sys.KeyedHash([]byte("routespec-cache-key"), cacheInput)
	if existing, ok := s.byCacheKey[cacheKey]; ok {
		return existing, nil
	}

	route := &Route{ID: newRouteID(), Hops: hops, Spec: spec, BuiltAt: time.Now(), CacheKey: cacheKey, failedHops: make(map[[32]byte]time.Time)}
	s.byID[route.ID] = route
	s.byCacheKey[cacheKey] = route
	return route, nil
}

// choosePermutation enumerates arrangements of spec.HopCount entries out
// of candidates (already latency-sorted, so the first valid permutation
// found is close to the caller's stated preference) and returns the first
// one where every hop passes hopReachable AND every adjacent hop pair can
// reach each other in every requested direction. Candidates are capped
// upstream (spec.HopCount*4), so this stays bounded.
func (s *Store) choosePermutation(candidates []*routingtable.NodeRef, spec SafetySpec) []*routingtable.NodeRef {
	seq := routingtable.SequencingNoPreference
	if spec.Sequencing == SequencingEnsureOrdered {
		seq = routingtable.SequencingEnsureOrdered
	}
	directions := spec.Directions
	if len(directions) == 0 {
		directions = []Direction{DirectionOutbound}
	}

	hopCount := spec.HopCount
	used := make([]bool, len(candidates))
	picked := make([]*routingtable.NodeRef, 0, hopCount)
	var search func() []*routingtable.NodeRef
	search = func() []*routingtable.NodeRef {
		if len(picked) == hopCount {
			out := make([]*routingtable.NodeRef, hopCount)
			copy(out, picked)
			return out
		}
		for i, c := range candidates {
			if used[i] {
				continue
			}
			if !hopReachable(c.Entry(), s.domain) {
				continue
			}
			if len(picked) > 0 && !s.adjacentReachable(picked[len(picked)-1], c, directions, seq) {
				continue
			}
			used[i] = true
			picked = append(picked, c)
			if result := search(); result != nil {
				return result
			}
			picked = picked[:len(picked)-1]
			used[i] = false
		}
		return nil
	}
	return search()
}

// adjacentReachable reports whether traffic can cross the prev->next hop
// link in every requested direction, resolved pairwise through the routing
// table's contact-method algorithm. A link any direction of which resolves
// Unreachable disqualifies the whole arrangement: no amount of onion
// layering can make hop i hand a payload to a hop it cannot contact.
func (s *Store) adjacentReachable(prev, next *routingtable.NodeRef, directions []Direction, seq routingtable.Sequencing) bool {
	prevInfo, ok := peerInfoOf(prev, s.domain)
	if !ok {
		return false
	}
	nextInfo, ok := peerInfoOf(next, s.domain)
	if !ok {
		return false
	}
	for _, dir := range directions {
		a, b := prevInfo, nextInfo
		if dir == DirectionInbound {
			a, b = nextInfo, prevInfo
		}
		if method, _ := s.table.GetContactMethod(s.domain, a, b, nil, seq); method == routingtable.ContactUnreachable {
			return false
		}
	}
	return true
}

// peerInfoOf assembles the pairwise-resolution view of one table entry.
func peerInfoOf(ref *routingtable.NodeRef, domain types.RoutingDomain) (*types.PeerInfo, bool) {
	info, ok := ref.DomainInfo(domain)
	if !ok {
		return nil, false
	}
	return &types.PeerInfo{NodeIDs: ref.NodeIDs(), SignedNodeInfo: *info}, true
}

// CompileSafetyRoute wraps payload in onion layers inside-out: the last
// hop's layer is built first (marked Final), then each preceding hop wraps
// the previous ciphertext as its Payload. Returns the bytes to send to the
// first hop. Unsafe sends skip this entirely and go straight through
// netman.
func (s *Store) CompileSafetyRoute(route *Route, msgID string, finalPayload json.RawMessage) ([]byte, error) {
	if len(route.Hops) == 0 {
		return nil, ErrNoCandidates
	}
	var wrapped json.RawMessage = finalPayload
	for i := len(route.Hops) - 1; i >= 0; i-- {
		hop := route.Hops[i]
		layer := innerLayer{
			Payload: wrapped,
			Meta:    layerMeta{Final: i == len(route.Hops)-1, MsgID: msgID, TTL: len(route.Hops) - i},
		}
		if i < len(route.Hops)-1 {
			layer.Next = route.Hops[i+1].Peer.String()
		}
		plain, err := json.Marshal(layer)
		if err != nil {
			return nil, fmt.Errorf("routespec: marshal layer %d: %w", i, err)
		}
		ct, err := s.sealLayer(hop, plain)
		if err != nil {
			return nil, err
		}
		wrapped = ct
	}
	return wrapped, nil
}

func (s *Store) sealLayer(hop Hop, plaintext []byte) ([]byte, error) {
	shared, err := s.sys.DH(hop.ephemeralSec, hop.Peer.Value)
	if err != nil {
		return nil, fmt.Errorf("routespec: dh with hop: %w", err)
	}
	key := crypto.DHToAEADKey(shared, "VLD0-onion-layer")
	nonce, err := s.sys.RandomNonce()
	if err != nil {
		return nil, err
	}
	ct := s.sys.AEADEncrypt(key, nonce, plaintext, hop.EphemeralPub[:])
	out := make([]byte, 0, 32+len(nonce)+len(ct))
	out = append(out, hop.EphemeralPub[:]...)
	out = append(out, nonce...)
	out = append(out, ct...)
	return out, nil
}

// OpenLayer reverses sealLayer for a single hop given our secret key,
// called by the relay handler at each onion hop.
func (s *Store) OpenLayer(ourSecret [32]byte, wire []byte) (*innerLayer, error) {
	if len(wire) < 32+int(crypto.NonceLength) {
		return nil, errors.New("routespec: layer too short")
	}
	var ephemeralPub [32]byte
	copy(ephemeralPub[:], wire[:32])
	nonce := wire[32 : 32+crypto.NonceLength]
	ct := wire[32+crypto.NonceLength:]

	shared, err := s.sys.DH(ourSecret, ephemeralPub)
	if err != nil {
		return nil, fmt.Errorf("routespec: dh: %w", err)
	}
	key := crypto.DHToAEADKey(shared, "VLD0-onion-layer")
	pt, err := s.sys.AEADDecrypt(key, nonce, ct, ephemeralPub[:])
	if err != nil {
		return nil, fmt.Errorf("routespec: decrypt layer: %w", err)
	}
	var layer innerLayer
	if err := json.Unmarshal(pt, &layer); err != nil {
		return nil, fmt.Errorf("routespec: unmarshal layer: %w", err)
	}
	return &layer, nil
}

// SignRoute produces the per-hop signature chain a published private
// route carries: one signature per hop transition
// (hops.len()-1 total), each covering the ordered peer-key list up to and
// including that hop, signed by the route owner's identity key so any
// recipient can confirm the route was published by who it claims and
// wasn't truncated or reordered in transit.
func (s *Store) SignRoute(route *Route, ownerSecret [32]byte) error {
	if len(route.Hops) < 1 {
		return ErrNoCandidates
	}
	sigs := make([][]byte, 0, len(route.Hops)-1)
	var msg []byte
	for i, h := range route.Hops {
		msg = append(msg, h.Peer.Value[:]...)
		if i == len(route.Hops)-1 {
			break
		}
		sig, err := s.sys.Sign(ownerSecret, s.self.Value, msg)
		if err != nil {
			return fmt.Errorf("routespec: sign hop %d: %w", i, err)
		}
		sigs = append(sigs, sig)
	}
	route.Signatures = sigs
	return nil
}

// VerifyRouteSignatures validates a received route's signature chain: the
// signature count must be exactly len(hops)-1, the last
// hop's identity must match owner, and every signature must verify against
// the ordered peer-key prefix it covers.
func VerifyRouteSignatures(sys crypto.System, route *Route, owner types.TypedKey) error {
	if len(route.Hops) == 0 {
		return ErrBadSignature
	}
	if len(route.Signatures) != len(route.Hops)-1 {
		return fmt.Errorf("%w: have %d signatures, want %d", ErrBadSignature, len(route.Signatures), len(route.Hops)-1)
	}
	if route.Hops[len(route.Hops)-1].Peer != owner {
		return fmt.Errorf("%w: last hop identity does not match route owner", ErrBadSignature)
	}
	var msg []byte
	for i, sig := range route.Signatures {
		msg = append(msg, route.Hops[i].Peer.Value[:]...)
		if err := sys.Verify(owner.Value, msg, sig); err != nil {
			return fmt.Errorf("%w: hop %d: %v", ErrBadSignature, i, err)
		}
	}
	return nil
}

// TestRoute probes route end-to-end via the node-installed ProbeFunc
// (which loops a StatusQuestion through the route and waits for the
// answer to arrive back over the same path), and marks every hop as a
// recent failure for future deprioritization if the probe doesn't
// complete.
func (s *Store) TestRoute(route *Route) (msgID string, err error) {
	var raw [16]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", err
	}
	msgID = fmt.Sprintf("%x", raw)

	if s.probe == nil {
		return "", errors.New("routespec: no route prober configured")
	}
	if err := s.probe(route); err != nil {
		s.markHopsFailed(route)
		return "", err
	}
	return msgID, nil
}

// markHopsFailed records a lost-answer strike against every hop in route
// so future AllocateRoute calls sort them behind healthier peers, and
// remembers the failure locally so a caller auditing this route can see
// which hop last failed.
func (s *Store) markHopsFailed(route *Route) {
	now := time.Now()
	if route.failedHops == nil {
		route.failedHops = make(map[[32]byte]time.Time)
	}
	for _, h := range route.Hops {
		route.failedHops[h.Peer.Value] = now
		if ref, ok := s.table.LookupAndFilterNodeRef(h.Peer.Value, nil); ok {
			ref.Entry().RecordLostAnswer()
			ref.Release()
		}
	}
}

// Release forgets a route, invalidating its RouteID and cache entry.
func (s *Store) Release(id RouteID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.byID[id]; ok {
		delete(s.byCacheKey, r.CacheKey)
		delete(s.byID, id)
	}
}

func (s *Store) Lookup(id RouteID) (*Route, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.byID[id]
	return r, ok
}

// MarkPublished flags a route as externally advertised so SaveOwnedRoutes
// persists it across restarts.
func (s *Store) MarkPublished(id RouteID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.byID[id]
	if !ok {
		return ErrRouteNotFound
	}
	r.Published = true
	return nil
}
