package netman

import (
	"context"
	"testing"
	"time"

	"github.com/kyanha/overlaynode/internal/crypto"
	"github.com/kyanha/overlaynode/internal/types"
)

func TestBootstrapRequestReplyRegistersPeers(t *testing.T) {
	sys := crypto.NewVLD0()
	trA, trB := newPipePair()

	aPub, aSec, _ := sys.GenerateKeyPair()
	bPub, bSec, _ := sys.GenerateKeyPair()
	mgrA := newTestManager(t, "a", trA, sys, aPub, aSec)
	mgrB := newTestManager(t, "b", trB, sys, bPub, bSec)

	// B knows one peer with a globally-routable dial info and one with only
	// a private-range address; the reply must advertise the former only.
	routablePub, _, _ := sys.GenerateKeyPair()
	privatePub, _, _ := sys.GenerateKeyPair()
	register := func(pub [32]byte, addr string) {
		ids := types.NewTypedKeyGroup()
		_ = ids.Add(types.TypedKey{Kind: sys.Kind(), Value: pub})
		ref, err := mgrB.table.RegisterNodeWithExistingConnection(pub, ids, types.RoutingDomainPublicInternet, types.Flow{RemotePeerAddress: addr}, time.Now())
		if err != nil {
			t.Fatal(err)
		}
		ref.Entry().SetDomainInfo(types.RoutingDomainPublicInternet, types.SignedNodeInfo{
			Direct: &types.SignedDirectNodeInfo{
				Info: types.NodeInfo{
					NetworkClass: types.NetworkClassInboundCapable,
					CryptoKinds:  []types.CryptoKind{sys.Kind()},
					DialInfoList: []types.DialInfoDetail{{
						Class: types.DialInfoClassDirect,
						Dial:  types.DialInfo{Protocol: types.ProtocolTCP, Address: addr},
					}},
				},
			},
		})
		ref.Release()
	}
	register(routablePub, "203.0.113.7:5150")
	register(privatePub, "192.168.1.9:5150")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := mgrA.RequestBootstrap(ctx, types.DialInfo{Protocol: types.ProtocolTCP, Address: "b"}); err != nil {
		t.Fatalf("RequestBootstrap: %v", err)
	}

	// The pipe fake delivers synchronously: by now A has processed the reply.
	if ref, ok := mgrA.table.LookupNodeRef(routablePub); !ok {
		t.Fatal("globally-routable bootstrap peer was not registered")
	} else {
		info, ok := ref.DomainInfo(types.RoutingDomainPublicInternet)
		if !ok || info.Info() == nil || len(info.Info().DialInfoList) == 0 {
			t.Fatal("registered bootstrap peer carries no dial info")
		}
		ref.Release()
	}
	if _, ok := mgrA.table.LookupNodeRef(privatePub); ok {
		t.Fatal("private-range peer leaked into the bootstrap reply")
	}
}

func TestBootstrapReplyCodecRoundTrip(t *testing.T) {
	peers := []BootstrapPeer{
		{NodeID: "VLD0:00aa", DialInfo: []string{"tcp|203.0.113.1:5150"}},
		{NodeID: "VLD0:00bb", DialInfo: []string{"udp|203.0.113.2:5150", "wss|bootstrap.example.com:443|/ws"}},
	}
	blob, err := EncodeBootstrapReply(peers)
	if err != nil {
		t.Fatal(err)
	}
	out, err := DecodeBootstrapReply(blob)
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 2 || out[0].NodeID != peers[0].NodeID || out[1].DialInfo[1] != peers[1].DialInfo[1] {
		t.Fatalf("decoded = %+v", out)
	}

	if _, err := DecodeBootstrapReply([]byte("VLD0garbage")); err == nil {
		t.Fatal("non-BOOT frame must not decode as a bootstrap reply")
	}
}
