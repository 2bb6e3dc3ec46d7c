package netman

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/kyanha/overlaynode/internal/connmgr"
	"github.com/kyanha/overlaynode/internal/crypto"
	"github.com/kyanha/overlaynode/internal/receipt"
	"github.com/kyanha/overlaynode/internal/routingtable"
	"github.com/kyanha/overlaynode/internal/transport"
	"github.com/kyanha/overlaynode/internal/types"
)

// pipeFlow is a FlowHandle for pipeTransport's loopback flow.
type pipeFlow struct{ flow types.Flow }

func (f pipeFlow) Flow() types.Flow { return f.flow }

// pipeTransport is a fake transport.Transport that wires two instances
// directly to each other's recv handler, bypassing real sockets entirely.
type pipeTransport struct {
	name   string
	peer   *pipeTransport
	onRecv transport.RecvFunc
}

func newPipePair() (*pipeTransport, *pipeTransport) {
	a := &pipeTransport{name: "a"}
	b := &pipeTransport{name: "b"}
	a.peer, b.peer = b, a
	return a, b
}

func (p *pipeTransport) Dial(ctx context.Context, addr types.DialInfo) (transport.FlowHandle, error) {
	return pipeFlow{flow: types.Flow{RemotePeerAddress: p.peer.name}}, nil
}

func (p *pipeTransport) Send(ctx context.Context, fh transport.FlowHandle, data []byte) error {
	if p.peer.onRecv != nil {
		p.peer.onRecv(data, fh.Flow())
	}
	return nil
}

func (p *pipeTransport) SetRecvHandler(fn transport.RecvFunc) { p.onRecv = fn }
func (p *pipeTransport) LocalAddrs() []string                 { return []string{p.name} }
func (p *pipeTransport) Close() error                          { return nil }

// hub wires any number of named transports together by address, letting
// tests exercise multi-hop relay/signal paths the two-party pipe can't.
type hub struct {
	nodes map[string]*hubTransport
}

func newHub() *hub { return &hub{nodes: make(map[string]*hubTransport)} }

func (h *hub) newNode(name string) *hubTransport {
	t := &hubTransport{name: name, hub: h}
	h.nodes[name] = t
	return t
}

type hubTransport struct {
	name   string
	hub    *hub
	onRecv transport.RecvFunc
}

func (t *hubTransport) Dial(ctx context.Context, addr types.DialInfo) (transport.FlowHandle, error) {
	if _, ok := t.hub.nodes[addr.Address]; !ok {
		return nil, context.DeadlineExceeded
	}
	return pipeFlow{flow: types.Flow{RemotePeerAddress: addr.Address}}, nil
}

func (t *hubTransport) Send(ctx context.Context, fh transport.FlowHandle, data []byte) error {
	peer, ok := t.hub.nodes[fh.Flow().RemotePeerAddress]
	if !ok {
		return context.DeadlineExceeded
	}
	if peer.onRecv != nil {
		peer.onRecv(data, types.Flow{RemotePeerAddress: t.name})
	}
	return nil
}

func (t *hubTransport) SetRecvHandler(fn transport.RecvFunc) { t.onRecv = fn }
func (t *hubTransport) LocalAddrs() []string                 { return []string{t.name} }
func (t *hubTransport) Close() error                          { return nil }

func newTestManager(t *testing.T, name string, tr transport.Transport, sys crypto.System, pub, secret [32]byte) *Manager {
	t.Helper()
	self := types.TypedKey{Kind: sys.Kind(), Value: pub}
	table := routingtable.NewTable(zap.NewNop().Named(name), sys.Kind(), pub)
	conns, err := connmgr.NewManager(8, nil)
	if err != nil {
		t.Fatal(err)
	}
	return New(zap.NewNop().Named(name), self, secret, &types.NodeInfo{}, sys, tr, conns, table, receipt.New(zap.NewNop().Named(name)))
}

func TestGetNodeContactMethodUnreachableForUnknownPeer(t *testing.T) {
	sys := crypto.NewVLD0()
	trA, _ := newPipePair()
	aPub, aSec, _ := sys.GenerateKeyPair()
	mgrA := newTestManager(t, "a", trA, sys, aPub, aSec)

	otherPub, _, _ := sys.GenerateKeyPair()
	_, _, err := mgrA.GetNodeContactMethod(types.TypedKey{Kind: sys.Kind(), Value: otherPub}, types.RoutingDomainPublicInternet)
	if err != ErrUnreachable {
		t.Fatalf("err = %v, want ErrUnreachable", err)
	}
}

func TestSendEnvelopeRoundTripsThroughExistingFlow(t *testing.T) {
	sys := crypto.NewVLD0()
	trA, trB := newPipePair()

	aPub, aSec, _ := sys.GenerateKeyPair()
	bPub, bSec, _ := sys.GenerateKeyPair()

	mgrA := newTestManager(t, "a", trA, sys, aPub, aSec)
	mgrB := newTestManager(t, "b", trB, sys, bPub, bSec)

	received := make(chan []byte, 1)
	mgrB.SetMessageHandler(func(body []byte, from types.TypedKey) {
		if from.Value != aPub {
			t.Errorf("message attributed to %x, want %x", from.Value, aPub)
		}
		received <- body
	})

	// Bind a connmgr flow directly so GetNodeContactMethod resolves via
	// ContactMethodExistingFlow without needing a populated routing table.
	connsA, err := connmgr.NewManager(8, nil)
	if err != nil {
		t.Fatal(err)
	}
	mgrA.conns = connsA
	mgrA.conns.Bind(types.TypedKey{Kind: sys.Kind(), Value: bPub}, pipeFlow{flow: types.Flow{RemotePeerAddress: "b"}})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := mgrA.SendEnvelope(ctx, types.TypedKey{Kind: sys.Kind(), Value: bPub}, types.RoutingDomainPublicInternet, 0, []byte("hello")); err != nil {
		t.Fatalf("SendEnvelope: %v", err)
	}

	select {
	case body := <-received:
		if string(body) != "hello" {
			t.Fatalf("body = %q, want hello", body)
		}
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
	}
}

func TestSendEnvelopeViaRelayForwardsOneHop(t *testing.T) {
	sys := crypto.NewVLD0()
	h := newHub()
	trA, trR, trC := h.newNode("a"), h.newNode("r"), h.newNode("c")

	aPub, aSec, _ := sys.GenerateKeyPair()
	rPub, rSec, _ := sys.GenerateKeyPair()
	cPub, cSec, _ := sys.GenerateKeyPair()

	mgrA := newTestManager(t, "a", trA, sys, aPub, aSec)
	mgrR := newTestManager(t, "r", trR, sys, rPub, rSec)
	mgrC := newTestManager(t, "c", trC, sys, cPub, cSec)

	received := make(chan []byte, 1)
	mgrC.SetMessageHandler(func(body []byte, from types.TypedKey) { received <- body })

	// R already has an existing flow to C.
	mgrR.conns.Bind(types.TypedKey{Kind: sys.Kind(), Value: cPub}, pipeFlow{flow: types.Flow{RemotePeerAddress: "c"}})

	// A learns of C only via C's published relay, R.
	cIDs := types.NewTypedKeyGroup()
	_ = cIDs.Add(types.TypedKey{Kind: sys.Kind(), Value: cPub})
	ref, err := mgrA.table.RegisterNodeWithExistingConnection(cPub, cIDs, types.RoutingDomainPublicInternet, types.Flow{RemotePeerAddress: "unused"}, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	relayIDs := types.NewTypedKeyGroup()
	_ = relayIDs.Add(types.TypedKey{Kind: sys.Kind(), Value: rPub})
	ref.Entry().SetDomainInfo(types.RoutingDomainPublicInternet, types.SignedNodeInfo{
		Relayed: &types.SignedRelayedNodeInfo{
			Info:     types.NodeInfo{NetworkClass: types.NetworkClassOutboundOnly},
			RelayIDs: relayIDs,
			RelayInfo: types.SignedDirectNodeInfo{
				Info: types.NodeInfo{
					DialInfoList: []types.DialInfoDetail{{
						Class: types.DialInfoClassDirect,
						Dial:  types.DialInfo{Protocol: types.ProtocolTCP, Address: "r"},
					}},
				},
			},
		},
	})
	ref.Release()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := mgrA.SendEnvelope(ctx, types.TypedKey{Kind: sys.Kind(), Value: cPub}, types.RoutingDomainPublicInternet, 0, []byte("via-relay")); err != nil {
		t.Fatalf("SendEnvelope: %v", err)
	}

	select {
	case body := <-received:
		if string(body) != "via-relay" {
			t.Fatalf("body = %q, want via-relay", body)
		}
	case <-time.After(time.Second):
		t.Fatal("message never reached C through R")
	}
}

func TestSendEnvelopeSignalReverseConnectRoundTrip(t *testing.T) {
	sys := crypto.NewVLD0()
	h := newHub()
	trA, trR, trC := h.newNode("a"), h.newNode("r"), h.newNode("c")

	aPub, aSec, _ := sys.GenerateKeyPair()
	rPub, rSec, _ := sys.GenerateKeyPair()
	cPub, cSec, _ := sys.GenerateKeyPair()

	mgrA := newTestManager(t, "a", trA, sys, aPub, aSec)
	mgrR := newTestManager(t, "r", trR, sys, rPub, rSec)
	mgrC := newTestManager(t, "c", trC, sys, cPub, cSec)
	// Reverse-connect requires the requester itself to be inbound-capable
	// with a plainly-dialable dial info on a different host than C's.
	mgrA.selfInfo = &types.NodeInfo{
		NetworkClass: types.NetworkClassInboundCapable,
		DialInfoList: []types.DialInfoDetail{{Class: types.DialInfoClassDirect, Dial: types.DialInfo{Protocol: types.ProtocolTCP, Address: "a"}}},
	}

	// The signalled send still addresses the original envelope to C, not
	// back to A; only the confirmation round trip touches R and loops
	// through A's own handleInbound; the payload lands on C.
	received := make(chan []byte, 1)
	mgrC.SetMessageHandler(func(body []byte, from types.TypedKey) {
		if from.Value != aPub {
			t.Errorf("message attributed to %x, want %x", from.Value, aPub)
		}
		received <- body
	})

	// R has an existing flow to C so it can forward the signal frame.
	mgrR.conns.Bind(types.TypedKey{Kind: sys.Kind(), Value: cPub}, pipeFlow{flow: types.Flow{RemotePeerAddress: "c"}})

	// A believes C is InboundCapable but unreachable directly, routed
	// through relay R, forcing ContactMethodSignalReverse.
	cIDs := types.NewTypedKeyGroup()
	_ = cIDs.Add(types.TypedKey{Kind: sys.Kind(), Value: cPub})
	ref, err := mgrA.table.RegisterNodeWithExistingConnection(cPub, cIDs, types.RoutingDomainPublicInternet, types.Flow{RemotePeerAddress: "unused"}, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	relayIDs := types.NewTypedKeyGroup()
	_ = relayIDs.Add(types.TypedKey{Kind: sys.Kind(), Value: rPub})
	ref.Entry().SetDomainInfo(types.RoutingDomainPublicInternet, types.SignedNodeInfo{
		Relayed: &types.SignedRelayedNodeInfo{
			Info: types.NodeInfo{
				NetworkClass: types.NetworkClassInboundCapable,
				// A NAT-classed dial info (not Direct/Mapped/FullConeNAT)
				// forces GetNodeContactMethod past the plain-dial branch
				// and into ContactMethodSignalReverse.
				DialInfoList: []types.DialInfoDetail{{
					Class: types.DialInfoClassPortRestrictedNAT,
					Dial:  types.DialInfo{Protocol: types.ProtocolTCP, Address: "c-unreachable"},
				}},
			},
			RelayIDs: relayIDs,
			RelayInfo: types.SignedDirectNodeInfo{
				Info: types.NodeInfo{
					DialInfoList: []types.DialInfoDetail{{
						Class: types.DialInfoClassDirect,
						Dial:  types.DialInfo{Protocol: types.ProtocolTCP, Address: "r"},
					}},
				},
			},
		},
	})
	ref.Release()

	method, _, err := mgrA.GetNodeContactMethod(types.TypedKey{Kind: sys.Kind(), Value: cPub}, types.RoutingDomainPublicInternet)
	if err != nil {
		t.Fatal(err)
	}
	if method != ContactMethodSignalReverse {
		t.Fatalf("resolved method = %s, want SignalReverse", method)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := mgrA.SendEnvelope(ctx, types.TypedKey{Kind: sys.Kind(), Value: cPub}, types.RoutingDomainPublicInternet, 0, []byte("signalled")); err != nil {
		t.Fatalf("SendEnvelope: %v", err)
	}

	select {
	case body := <-received:
		if string(body) != "signalled" {
			t.Fatalf("body = %q, want signalled", body)
		}
	case <-time.After(time.Second):
		t.Fatal("signalled payload never arrived at C")
	}
}

func TestHandleInboundRejectsWrongRecipient(t *testing.T) {
	sys := crypto.NewVLD0()
	trA, trB := newPipePair()

	aPub, aSec, _ := sys.GenerateKeyPair()
	bPub, bSec, _ := sys.GenerateKeyPair()
	otherPub, _, _ := sys.GenerateKeyPair() // some third key, not B's identity

	mgrA := newTestManager(t, "a", trA, sys, aPub, aSec)
	mgrB := newTestManager(t, "b", trB, sys, bPub, bSec)

	delivered := false
	mgrB.SetMessageHandler(func(body []byte, from types.TypedKey) { delivered = true })

	connsA, _ := connmgr.NewManager(8, nil)
	mgrA.conns = connsA
	// Bind A's flow under otherPub's key so SendEnvelope addresses the
	// envelope to otherPub (wrong recipient) while still delivering the
	// bytes down the A<->B pipe.
	mgrA.conns.Bind(types.TypedKey{Kind: sys.Kind(), Value: otherPub}, pipeFlow{flow: types.Flow{RemotePeerAddress: "b"}})

	ctx := context.Background()
	if err := mgrA.SendEnvelope(ctx, types.TypedKey{Kind: sys.Kind(), Value: otherPub}, types.RoutingDomainPublicInternet, 0, []byte("x")); err != nil {
		t.Fatalf("SendEnvelope: %v", err)
	}
	if delivered {
		t.Fatal("B should not dispatch an envelope addressed to a different recipient")
	}
}

func TestGetNodeContactMethodPunishedPeerShortCircuits(t *testing.T) {
	sys := crypto.NewVLD0()
	trA, _ := newPipePair()
	aPub, aSec, _ := sys.GenerateKeyPair()
	mgrA := newTestManager(t, "a", trA, sys, aPub, aSec)

	// B is fully registered and directly reachable, but punished: the
	// denylist must win before any dial-info resolution.
	bPub, _, _ := sys.GenerateKeyPair()
	bIDs := types.NewTypedKeyGroup()
	_ = bIDs.Add(types.TypedKey{Kind: sys.Kind(), Value: bPub})
	ref, err := mgrA.table.RegisterNodeWithExistingConnection(bPub, bIDs, types.RoutingDomainPublicInternet, types.Flow{RemotePeerAddress: "b"}, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	ref.Entry().SetDomainInfo(types.RoutingDomainPublicInternet, types.SignedNodeInfo{
		Direct: &types.SignedDirectNodeInfo{Info: types.NodeInfo{
			NetworkClass: types.NetworkClassInboundCapable,
			DialInfoList: []types.DialInfoDetail{{Class: types.DialInfoClassDirect, Dial: types.DialInfo{Protocol: types.ProtocolTCP, Address: "b"}}},
		}},
	})
	ref.Release()
	mgrA.table.ExtendDenylistToPunishment(bPub, time.Hour)

	method, _, err := mgrA.GetNodeContactMethod(types.TypedKey{Kind: sys.Kind(), Value: bPub}, types.RoutingDomainPublicInternet)
	if err != ErrUnreachable {
		t.Fatalf("err = %v, want ErrUnreachable", err)
	}
	if method != ContactMethodUnreachable {
		t.Fatalf("method = %s, want Unreachable for a punished peer", method)
	}
}

func TestGetNodeContactMethodOutboundRelayFallback(t *testing.T) {
	sys := crypto.NewVLD0()
	trA, _ := newPipePair()
	aPub, aSec, _ := sys.GenerateKeyPair()
	mgrA := newTestManager(t, "a", trA, sys, aPub, aSec)

	// B advertises no dial info and no relay of its own.
	bPub, _, _ := sys.GenerateKeyPair()
	bIDs := types.NewTypedKeyGroup()
	_ = bIDs.Add(types.TypedKey{Kind: sys.Kind(), Value: bPub})
	ref, err := mgrA.table.RegisterNodeWithExistingConnection(bPub, bIDs, types.RoutingDomainPublicInternet, types.Flow{RemotePeerAddress: "unused"}, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	ref.Entry().SetDomainInfo(types.RoutingDomainPublicInternet, types.SignedNodeInfo{
		Direct: &types.SignedDirectNodeInfo{Info: types.NodeInfo{NetworkClass: types.NetworkClassOutboundOnly}},
	})
	ref.Release()

	// Without our own relay configured, B is simply unreachable.
	if _, _, err := mgrA.GetNodeContactMethod(types.TypedKey{Kind: sys.Kind(), Value: bPub}, types.RoutingDomainPublicInternet); err != ErrUnreachable {
		t.Fatalf("err = %v, want ErrUnreachable without an outbound relay", err)
	}

	rPub, _, _ := sys.GenerateKeyPair()
	mgrA.SetInboundRelay(types.TypedKey{Kind: sys.Kind(), Value: rPub}, types.DialInfoDetail{
		Class: types.DialInfoClassDirect,
		Dial:  types.DialInfo{Protocol: types.ProtocolTCP, Address: "r"},
	})

	method, detail, err := mgrA.GetNodeContactMethod(types.TypedKey{Kind: sys.Kind(), Value: bPub}, types.RoutingDomainPublicInternet)
	if err != nil {
		t.Fatalf("GetNodeContactMethod: %v", err)
	}
	if method != ContactMethodOutboundRelay {
		t.Fatalf("method = %s, want OutboundRelay", method)
	}
	if detail.Dial.Address != "r" {
		t.Fatalf("detail addresses %q, want our relay", detail.Dial.Address)
	}
}
