package routespec

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/kyanha/overlaynode/internal/crypto"
	"github.com/kyanha/overlaynode/internal/routingtable"
	"github.com/kyanha/overlaynode/internal/types"
)

// populatedTable registers n candidate peers in a fresh routing table and
// returns it alongside a map from each candidate's public key to its real
// secret key, needed to open onion layers addressed to it.
func populatedTable(t *testing.T, sys crypto.System, n int) (*routingtable.Table, types.TypedKey, map[[32]byte][32]byte) {
	t.Helper()
	selfPub, _, err := sys.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	self := types.TypedKey{Kind: sys.Kind(), Value: selfPub}
	table := routingtable.NewTable(zap.NewNop(), sys.Kind(), selfPub)
	secrets := make(map[[32]byte][32]byte, n)
	for i := 0; i < n; i++ {
		pub, sec, err := sys.GenerateKeyPair()
		if err != nil {
			t.Fatal(err)
		}
		secrets[pub] = sec
		ids := types.NewTypedKeyGroup()
		_ = ids.Add(types.TypedKey{Kind: sys.Kind(), Value: pub})
		ref, err := table.RegisterNodeWithExistingConnection(pub, ids, types.RoutingDomainPublicInternet, types.Flow{RemotePeerAddress: "1.2.3.4:1"}, time.Now())
		if err != nil {
			t.Fatal(err)
		}
		ref.Entry().SetDomainInfo(types.RoutingDomainPublicInternet, types.SignedNodeInfo{
			Direct: &types.SignedDirectNodeInfo{
				Info: types.NodeInfo{
					NetworkClass: types.NetworkClassInboundCapable,
					Capabilities: []types.Capability{types.CapRoute},
					DialInfoList: []types.DialInfoDetail{{
						Class: types.DialInfoClassDirect,
						Dial:  types.DialInfo{Protocol: types.ProtocolTCP, Address: "1.2.3.4:1"},
					}},
				},
			},
		})
		ref.Release()
	}
	return table, self, secrets
}

func TestAllocateRouteTooFewCandidates(t *testing.T) {
	sys := crypto.NewVLD0()
	table, self, _ := populatedTable(t, sys, 1)
	store := NewStore(sys, self, table)

	_, err := store.AllocateRoute(SafetySpec{HopCount: 3})
	if err == nil {
		t.Fatal("expected ErrTooFewHops with only one candidate")
	}
}

func TestAllocateRouteAndCacheDedup(t *testing.T) {
	sys := crypto.NewVLD0()
	table, self, _ := populatedTable(t, sys, 8)
	store := NewStore(sys, self, table)

	spec := SafetySpec{HopCount: 3, Stability: StabilityReliable}
	r1, err := store.AllocateRoute(spec)
	if err != nil {
		t.Fatalf("AllocateRoute: %v", err)
	}
	if len(r1.Hops) != 3 {
		t.Fatalf("len(Hops) = %d, want 3", len(r1.Hops))
	}

	r2, err := store.AllocateRoute(spec)
	if err != nil {
		t.Fatalf("AllocateRoute (2nd): %v", err)
	}
	if r1.ID != r2.ID {
		t.Fatal("identical candidate sets should reuse the same cached route")
	}
}

func TestAllocateRoutePreferredReuse(t *testing.T) {
	sys := crypto.NewVLD0()
	table, self, _ := populatedTable(t, sys, 8)
	store := NewStore(sys, self, table)

	r1, err := store.AllocateRoute(SafetySpec{HopCount: 2})
	if err != nil {
		t.Fatal(err)
	}
	id := r1.ID
	r2, err := store.AllocateRoute(SafetySpec{HopCount: 99, PreferredRoute: &id})
	if err != nil {
		t.Fatal(err)
	}
	if r2.ID != r1.ID {
		t.Fatal("PreferredRoute should short-circuit candidate selection")
	}
}

func TestCompileAndOpenLayerRoundTrip(t *testing.T) {
	sys := crypto.NewVLD0()
	table, self, secrets := populatedTable(t, sys, 8)
	store := NewStore(sys, self, table)

	route, err := store.AllocateRoute(SafetySpec{HopCount: 3})
	if err != nil {
		t.Fatal(err)
	}

	payload, _ := json.Marshal(map[string]string{"hello": "world"})
	wire, err := store.CompileSafetyRoute(route, "msg-1", payload)
	if err != nil {
		t.Fatalf("CompileSafetyRoute: %v", err)
	}

	// Walk the onion from the first hop inward, each hop opening with its
	// own secret key the way a relay handler would.
	cur := wire
	for i, hop := range route.Hops {
		hopSecret, ok := secrets[hop.Peer.Value]
		if !ok {
			t.Fatalf("hop %d: no secret registered for peer", i)
		}
		layer, err := store.OpenLayer(hopSecret, cur)
		if err != nil {
			t.Fatalf("OpenLayer hop %d: %v", i, err)
		}
		final := i == len(route.Hops)-1
		if layer.Meta.Final != final {
			t.Fatalf("hop %d: Final = %v, want %v", i, layer.Meta.Final, final)
		}
		if layer.Meta.MsgID != "msg-1" {
			t.Fatalf("hop %d: MsgID = %q", i, layer.Meta.MsgID)
		}
		cur = layer.Payload
	}
	if string(cur) != string(payload) {
		t.Fatalf("final payload = %s, want %s", cur, payload)
	}
}

func TestAllocateRouteRejectsExcessiveHopCount(t *testing.T) {
	sys := crypto.NewVLD0()
	table, self, _ := populatedTable(t, sys, 8)
	store := NewStore(sys, self, table)

	_, err := store.AllocateRoute(SafetySpec{HopCount: MaxRouteHopCount + 1})
	if !errors.Is(err, ErrTooManyHops) {
		t.Fatalf("err = %v, want ErrTooManyHops", err)
	}
}

func TestAllocateRouteSkipsAvoidedAndUncapableNodes(t *testing.T) {
	sys := crypto.NewVLD0()
	table, self, _ := populatedTable(t, sys, 3)
	store := NewStore(sys, self, table)

	// Strip CAP_ROUTE from one candidate: it should never appear in a route.
	candidates := table.FindPreferredFastestNodes(8, nil, nil)
	defer func() {
		for _, c := range candidates {
			c.Release()
		}
	}()
	stripped := candidates[0].NodeIDs()
	strippedKey, _ := stripped.Get(sys.Kind())
	candidates[0].Entry().SetDomainInfo(types.RoutingDomainPublicInternet, types.SignedNodeInfo{
		Direct: &types.SignedDirectNodeInfo{Info: types.NodeInfo{NetworkClass: types.NetworkClassInboundCapable}},
	})

	route, err := store.AllocateRoute(SafetySpec{HopCount: 2})
	if err != nil {
		t.Fatal(err)
	}
	for _, h := range route.Hops {
		if h.Peer.Value == strippedKey.Value {
			t.Fatal("route used a hop lacking CAP_ROUTE")
		}
	}
}

func TestSignRouteAndVerifyRoundTrip(t *testing.T) {
	sys := crypto.NewVLD0()
	table, self, secrets := populatedTable(t, sys, 8)
	store := NewStore(sys, self, table)

	route, err := store.AllocateRoute(SafetySpec{HopCount: 3})
	if err != nil {
		t.Fatal(err)
	}
	owner := route.Hops[len(route.Hops)-1].Peer
	ownerSecret, ok := secrets[owner.Value]
	if !ok {
		t.Fatal("no secret registered for the route owner")
	}

	if err := store.SignRoute(route, ownerSecret); err != nil {
		t.Fatalf("SignRoute: %v", err)
	}
	if len(route.Signatures) != len(route.Hops)-1 {
		t.Fatalf("len(Signatures) = %d, want %d", len(route.Signatures), len(route.Hops)-1)
	}
	if err := VerifyRouteSignatures(sys, route, owner); err != nil {
		t.Fatalf("VerifyRouteSignatures: %v", err)
	}

	route.Signatures[0][0] ^= 0xff
	if err := VerifyRouteSignatures(sys, route, owner); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("err = %v, want ErrBadSignature after tampering", err)
	}
}

func TestTestRouteDeprioritizesHopsOnProbeFailure(t *testing.T) {
	sys := crypto.NewVLD0()
	table, self, _ := populatedTable(t, sys, 8)
	store := NewStore(sys, self, table)

	route, err := store.AllocateRoute(SafetySpec{HopCount: 3})
	if err != nil {
		t.Fatal(err)
	}

	probeErr := errors.New("probe: no answer")
	store.SetProbeFunc(func(r *Route) error { return probeErr })

	if _, err := store.TestRoute(route); !errors.Is(err, probeErr) {
		t.Fatalf("TestRoute err = %v, want %v", err, probeErr)
	}
	if len(route.failedHops) != len(route.Hops) {
		t.Fatalf("failedHops recorded for %d hops, want %d", len(route.failedHops), len(route.Hops))
	}

	store.SetProbeFunc(func(r *Route) error { return nil })
	msgID, err := store.TestRoute(route)
	if err != nil {
		t.Fatalf("TestRoute (success): %v", err)
	}
	if msgID == "" {
		t.Fatal("expected a non-empty msgID on success")
	}
}

func TestReleaseForgetsRoute(t *testing.T) {
	sys := crypto.NewVLD0()
	table, self, _ := populatedTable(t, sys, 8)
	store := NewStore(sys, self, table)

	route, err := store.AllocateRoute(SafetySpec{HopCount: 2})
	if err != nil {
		t.Fatal(err)
	}
	store.Release(route.ID)
	if _, ok := store.Lookup(route.ID); ok {
		t.Fatal("Lookup should fail after Release")
	}
}

func TestAllocateRouteRejectsPairwiseUnreachableHop(t *testing.T) {
	sys := crypto.NewVLD0()
	selfPub, _, err := sys.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	self := types.TypedKey{Kind: sys.Kind(), Value: selfPub}
	table := routingtable.NewTable(zap.NewNop(), sys.Kind(), selfPub)

	register := func(info types.NodeInfo) types.TypedKey {
		pub, _, err := sys.GenerateKeyPair()
		if err != nil {
			t.Fatal(err)
		}
		ids := types.NewTypedKeyGroup()
		_ = ids.Add(types.TypedKey{Kind: sys.Kind(), Value: pub})
		ref, err := table.RegisterNodeWithExistingConnection(pub, ids, types.RoutingDomainPublicInternet, types.Flow{RemotePeerAddress: "1.2.3.4:1"}, time.Now())
		if err != nil {
			t.Fatal(err)
		}
		ref.Entry().SetDomainInfo(types.RoutingDomainPublicInternet, types.SignedNodeInfo{
			Direct: &types.SignedDirectNodeInfo{Info: info},
		})
		ref.Release()
		return types.TypedKey{Kind: sys.Kind(), Value: pub}
	}

	// Registered first so the permutation search considers it before the
	// healthy candidates: locally it looks usable (it has dial info), but
	// its only dial info needs signalling and it publishes no relay, so no
	// other hop can actually reach it.
	dead := register(types.NodeInfo{
		NetworkClass: types.NetworkClassInboundCapable,
		Capabilities: []types.Capability{types.CapRoute},
		DialInfoList: []types.DialInfoDetail{{
			Class: types.DialInfoClassPortRestrictedNAT,
			Dial:  types.DialInfo{Protocol: types.ProtocolTCP, Address: "9.9.9.9:1"},
		}},
	})
	for i := 0; i < 3; i++ {
		register(types.NodeInfo{
			NetworkClass: types.NetworkClassInboundCapable,
			Capabilities: []types.Capability{types.CapRoute},
			DialInfoList: []types.DialInfoDetail{{
				Class: types.DialInfoClassDirect,
				Dial:  types.DialInfo{Protocol: types.ProtocolTCP, Address: "1.2.3.4:1"},
			}},
		})
	}

	store := NewStore(sys, self, table)
	route, err := store.AllocateRoute(SafetySpec{
		HopCount:   3,
		Directions: []Direction{DirectionOutbound, DirectionInbound},
	})
	if err != nil {
		t.Fatalf("AllocateRoute: %v", err)
	}
	for _, h := range route.Hops {
		if h.Peer == dead {
			t.Fatal("route includes a hop its neighbours cannot reach")
		}
	}
	if len(route.Hops) != 3 {
		t.Fatalf("len(Hops) = %d, want 3", len(route.Hops))
	}
}
