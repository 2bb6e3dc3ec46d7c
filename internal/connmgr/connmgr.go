// Package connmgr binds existing flows per peer, reuses and LRU-evicts
// them, and tracks last-seen per flow, sitting directly atop
// transport.Transport and owning the flow handles themselves.
package connmgr

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/kyanha/overlaynode/internal/transport"
	"github.com/kyanha/overlaynode/internal/types"
)

// entry is one bound flow with its bookkeeping.
type entry struct {
	handle   transport.FlowHandle
	lastSeen time.Time
}

// Manager owns the mapping from peer node-id to its live flow(s) and
// enforces a maximum connection count via LRU eviction.
type Manager struct {
	mu          sync.Mutex
	byPeer      *lru.Cache[types.TypedKey, *entry]
	maxFlows    int
	onEvict     func(types.TypedKey, transport.FlowHandle)
}

// NewManager builds a connection manager capped at maxFlows bound flows.
// Eviction closes the LRU-oldest flow when the cap is exceeded.
func NewManager(maxFlows int, onEvict func(types.TypedKey, transport.FlowHandle)) (*Manager, error) {
	m := &Manager{maxFlows: maxFlows, onEvict: onEvict}
	c, err := lru.NewWithEvict[types.TypedKey, *entry](maxFlows, func(key types.TypedKey, e *entry) {
		if m.onEvict != nil {
			m.onEvict(key, e.handle)
		}
	})
	if err != nil {
		return nil, err
	}
	m.byPeer = c
	return m, nil
}

// Bind records fh as the current flow for peer, replacing any prior flow.
func (m *Manager) Bind(peer types.TypedKey, fh transport.FlowHandle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byPeer.Add(peer, &entry{handle: fh, lastSeen: time.Now()})
}

// Lookup returns the most recently used flow for peer, if any, and marks
// it as freshly used (moving it to the MRU position).
func (m *Manager) Lookup(peer types.TypedKey) (transport.FlowHandle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.byPeer.Get(peer)
	if !ok {
		return nil, false
	}
	e.lastSeen = time.Now()
	return e.handle, true
}

// Touch refreshes the last-seen time for peer's bound flow without
// returning it, used when a flow is observed alive via some other path
// (e.g. an inbound envelope on the same flow).
func (m *Manager) Touch(peer types.TypedKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.byPeer.Peek(peer); ok {
		e.lastSeen = time.Now()
	}
}

// Remove drops the bound flow for peer (used when the caller has observed
// the flow failing, e.g. on a failed send). The eviction callback fires so
// the owner can close the underlying flow.
func (m *Manager) Remove(peer types.TypedKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byPeer.Remove(peer)
}

// Len reports the number of currently bound flows.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byPeer.Len()
}

// EvictIdle closes and removes any flow whose last-seen time is older than
// idleFor. Intended to be called from the routing table's periodic tick.
func (m *Manager) EvictIdle(idleFor time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().Add(-idleFor)
	for _, peer := range m.byPeer.Keys() {
		e, ok := m.byPeer.Peek(peer)
		if !ok {
			continue
		}
		if e.lastSeen.Before(cutoff) {
			m.byPeer.Remove(peer) // triggers onEvict
		}
	}
}
