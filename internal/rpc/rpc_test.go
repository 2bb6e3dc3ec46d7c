package rpc

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/kyanha/overlaynode/internal/connmgr"
	"github.com/kyanha/overlaynode/internal/crypto"
	"github.com/kyanha/overlaynode/internal/netman"
	"github.com/kyanha/overlaynode/internal/receipt"
	"github.com/kyanha/overlaynode/internal/routingtable"
	"github.com/kyanha/overlaynode/internal/transport"
	"github.com/kyanha/overlaynode/internal/types"
)

type pipeFlow struct{ flow types.Flow }

func (f pipeFlow) Flow() types.Flow { return f.flow }

// pipeTransport wires two instances to each other's recv handler directly,
// the same loopback fake the netman tests use.
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

type testNode struct {
	pub    [32]byte
	secret [32]byte
	proc   *Processor
	bind   func(peer [32]byte, addr string)
}

// newTestPair builds two fully-wired processors whose netman managers
// already hold flows to each other, so Ask/Tell resolve via existing flows
// without a populated routing table.
func newTestPair(t *testing.T) (*testNode, *testNode) {
	t.Helper()
	sys := crypto.NewVLD0()
	trA, trB := newPipePair()

	build := func(name string, tr transport.Transport) *testNode {
		pub, sec, err := sys.GenerateKeyPair()
		if err != nil {
			t.Fatal(err)
		}
		self := types.TypedKey{Kind: sys.Kind(), Value: pub}
		table := routingtable.NewTable(zap.NewNop(), sys.Kind(), pub)
		conns, err := connmgr.NewManager(8, nil)
		if err != nil {
			t.Fatal(err)
		}
		mgr := netman.New(zap.NewNop(), self, sec, &types.NodeInfo{}, sys, tr, conns, table, receipt.New(zap.NewNop()))
		proc := New(zap.NewNop(), sys, mgr, nil, sec, 8)
		return &testNode{pub: pub, secret: sec, proc: proc, bind: func(peer [32]byte, addr string) {
			conns.Bind(types.TypedKey{Kind: sys.Kind(), Value: peer}, pipeFlow{flow: types.Flow{RemotePeerAddress: addr}})
		}}
	}

	a := build("a", trA)
	b := build("b", trB)
	a.bind(b.pub, "b")
	b.bind(a.pub, "a")
	return a, b
}

func TestAskResolvesAnswer(t *testing.T) {
	a, b := newTestPair(t)

	b.proc.RegisterHandler(MethodStatusQuestion, func(_ context.Context, from types.TypedKey, body json.RawMessage) (json.RawMessage, error) {
		if from.Value != a.pub {
			t.Errorf("question attributed to %x, want %x", from.Value, a.pub)
		}
		return json.RawMessage(`{"ok":true}`), nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	answer, err := a.proc.Ask(ctx, types.TypedKey{Kind: types.CryptoKindVLD0, Value: b.pub}, types.RoutingDomainPublicInternet, MethodStatusQuestion, []byte("nonce-1"), json.RawMessage("{}"))
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if string(answer) != `{"ok":true}` {
		t.Fatalf("answer = %s, want {\"ok\":true}", answer)
	}
}

func TestAskTimesOutWithoutHandler(t *testing.T) {
	a, b := newTestPair(t)

	// b registers nothing: the question is dropped, the waiter must hit
	// ctx's deadline rather than hanging or resolving.
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err := a.proc.Ask(ctx, types.TypedKey{Kind: types.CryptoKindVLD0, Value: b.pub}, types.RoutingDomainPublicInternet, MethodStatusQuestion, []byte("nonce-2"), json.RawMessage("{}"))
	if err != context.DeadlineExceeded {
		t.Fatalf("err = %v, want context.DeadlineExceeded", err)
	}
}

func TestTellDeliversStatement(t *testing.T) {
	a, b := newTestPair(t)

	got := make(chan json.RawMessage, 1)
	b.proc.RegisterHandler(MethodAppMessage, func(_ context.Context, _ types.TypedKey, body json.RawMessage) (json.RawMessage, error) {
		got <- body
		return nil, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := a.proc.Tell(ctx, types.TypedKey{Kind: types.CryptoKindVLD0, Value: b.pub}, types.RoutingDomainPublicInternet, MethodAppMessage, json.RawMessage(`{"m":"hi"}`)); err != nil {
		t.Fatalf("Tell: %v", err)
	}

	select {
	case body := <-got:
		if string(body) != `{"m":"hi"}` {
			t.Fatalf("body = %s", body)
		}
	case <-time.After(time.Second):
		t.Fatal("statement never delivered")
	}
}

func TestRenderPrivateRouteRequiresRoute(t *testing.T) {
	a, b := newTestPair(t)

	ctx := context.Background()
	_, err := a.proc.AskVia(ctx, Target{Mode: DestinationPrivateRoute, Peer: types.TypedKey{Kind: types.CryptoKindVLD0, Value: b.pub}}, types.RoutingDomainPublicInternet, MethodStatusQuestion, []byte("nonce-3"), json.RawMessage("{}"))
	if err == nil {
		t.Fatal("AskVia with a nil private route must fail")
	}
}

func TestNewOpIDIsDeterministicPerNonce(t *testing.T) {
	a, _ := newTestPair(t)
	id1 := a.proc.NewOpID([]byte("same"))
	id2 := a.proc.NewOpID([]byte("same"))
	id3 := a.proc.NewOpID([]byte("different"))
	if id1 != id2 {
		t.Fatal("same nonce must derive the same op id")
	}
	if id1 == id3 {
		t.Fatal("distinct nonces must derive distinct op ids")
	}
}
