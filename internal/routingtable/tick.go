package routingtable

import (
	"time"

	"github.com/kyanha/overlaynode/internal/types"
)

// TickConfig bundles the timing knobs the periodic tick needs:
// how long silence before an entry is declared Dead, how often an already
// Reliable peer still needs a ping, and how long a new entry must survive
// before it can be promoted to Reliable.
type TickConfig struct {
	DeadTimeout  time.Duration
	PingInterval time.Duration
	Warmup       time.Duration
}

// PingCandidate names an entry due for a ping in some domain.
type PingCandidate struct {
	Ref    *NodeRef
	Domain types.RoutingDomain
}

// Tick runs one round of routing-table maintenance: silence-based Dead
// transitions and ping-due discovery across both routing domains. It does
// not itself send pings or prune bucket slots; the caller (the node's
// background loop) acts on the returned candidates and then calls
// PruneDead to remove dead, zero-ref entries.
func (t *Table) Tick(cfg TickConfig) []PingCandidate {
	t.mu.RLock()
	entries := t.allEntriesLocked()
	t.mu.RUnlock()

	var due []PingCandidate
	ourTS := types.NowMicros()
	for _, e := range entries {
		e.CheckSilence(cfg.DeadTimeout)
		if e.Liveness() == types.LivenessDead {
			continue
		}
		for _, domain := range []types.RoutingDomain{types.RoutingDomainPublicInternet, types.RoutingDomainLocalNetwork} {
			if e.NeedsPing(domain, ourTS, cfg.PingInterval) {
				due = append(due, PingCandidate{Ref: newNodeRef(t, e), Domain: domain})
			}
		}
	}
	return due
}

// PruneDead removes every Dead, zero-ref entry from every bucket. Intended
// to run after Tick and after any ping round-trips have had a chance to
// resolve, so a peer that answers during the grace window isn't evicted
// out from under an in-flight question.
func (t *Table) PruneDead() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	removed := 0
	for _, b := range t.buckets {
		kept := b.entries[:0:0]
		for _, e := range b.entries {
			if e.Liveness() == types.LivenessDead && e.refs() == 0 {
				removed++
				continue
			}
			kept = append(kept, e)
		}
		b.entries = kept
	}
	return removed
}
