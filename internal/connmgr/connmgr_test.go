package connmgr

import (
	"testing"
	"time"

	"github.com/kyanha/overlaynode/internal/transport"
	"github.com/kyanha/overlaynode/internal/types"
)

type fakeFlow struct{ addr string }

func (f fakeFlow) Flow() types.Flow { return types.Flow{RemotePeerAddress: f.addr} }

func key(b byte) types.TypedKey {
	var k types.TypedKey
	k.Kind = types.CryptoKindVLD0
	k.Value[0] = b
	return k
}

func TestBindLookupRoundTrip(t *testing.T) {
	m, err := NewManager(4, nil)
	if err != nil {
		t.Fatal(err)
	}
	m.Bind(key(1), fakeFlow{addr: "peer-1"})

	fh, ok := m.Lookup(key(1))
	if !ok {
		t.Fatal("Lookup missed a just-bound flow")
	}
	if fh.Flow().RemotePeerAddress != "peer-1" {
		t.Fatalf("flow addr = %q, want peer-1", fh.Flow().RemotePeerAddress)
	}
	if _, ok := m.Lookup(key(2)); ok {
		t.Fatal("Lookup found a flow that was never bound")
	}
}

func TestBindReplacesPriorFlow(t *testing.T) {
	m, _ := NewManager(4, nil)
	m.Bind(key(1), fakeFlow{addr: "old"})
	m.Bind(key(1), fakeFlow{addr: "new"})

	fh, ok := m.Lookup(key(1))
	if !ok || fh.Flow().RemotePeerAddress != "new" {
		t.Fatalf("Lookup = (%v, %v), want the replacement flow", fh, ok)
	}
	if m.Len() != 1 {
		t.Fatalf("Len = %d, want 1", m.Len())
	}
}

func TestCapacityEvictsLRUOldest(t *testing.T) {
	evicted := make([]types.TypedKey, 0, 2)
	m, _ := NewManager(2, func(k types.TypedKey, _ transport.FlowHandle) {
		evicted = append(evicted, k)
	})
	m.Bind(key(1), fakeFlow{addr: "a"})
	m.Bind(key(2), fakeFlow{addr: "b"})
	// Touch key(1) so key(2) becomes the LRU victim.
	if _, ok := m.Lookup(key(1)); !ok {
		t.Fatal("Lookup missed key 1")
	}
	m.Bind(key(3), fakeFlow{addr: "c"})

	if len(evicted) != 1 || evicted[0] != key(2) {
		t.Fatalf("evicted = %v, want exactly key 2", evicted)
	}
	if _, ok := m.Lookup(key(1)); !ok {
		t.Fatal("recently-used flow was evicted instead of the LRU one")
	}
}

func TestEvictIdleDropsStaleFlowsOnly(t *testing.T) {
	var evictCount int
	m, _ := NewManager(4, func(types.TypedKey, transport.FlowHandle) { evictCount++ })
	m.Bind(key(1), fakeFlow{addr: "stale"})
	m.Bind(key(2), fakeFlow{addr: "fresh"})

	// Backdate key(1)'s last-seen, then evict everything idle for >1m.
	if e, ok := m.byPeer.Peek(key(1)); ok {
		e.lastSeen = time.Now().Add(-time.Hour)
	}
	m.EvictIdle(time.Minute)

	if evictCount != 1 {
		t.Fatalf("evictCount = %d, want 1", evictCount)
	}
	if _, ok := m.Lookup(key(2)); !ok {
		t.Fatal("fresh flow should survive EvictIdle")
	}
	if _, ok := m.Lookup(key(1)); ok {
		t.Fatal("stale flow should be gone")
	}
}
