// Package routingtable is a per-crypto-kind bucketed index of peer
// entries with liveness tracking, filtering, and periodic maintenance
// (ping-due discovery, silence-based death, public-address change
// detection), laid out as a depth-tiered Kademlia bucket slice.
package routingtable

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kyanha/overlaynode/internal/types"
)

const maxBuckets = 256

// Filter excludes entries from a read traversal. Filters never mutate
// state.
type Filter func(*Entry) bool

// DeadFilter always removes entries whose liveness state is Dead.
func DeadFilter(e *Entry) bool { return e.Liveness() != types.LivenessDead }

// Table is the routing table for a single crypto kind. A node that
// supports multiple suites owns one Table per kind; an entry belongs to
// exactly one bucket per kind.
type Table struct {
	log     *zap.Logger
	kind    types.CryptoKind
	selfKey [32]byte

	mu      sync.RWMutex
	buckets []*bucket

	// denylist maps a reporter's node id to the time their cool-down or
	// punishment expires (public-address change detection).
	denylist map[[32]byte]time.Time

	pubAddrReports map[pubAddrReportKey][]pubAddrReport
}

type pubAddrReportKey struct {
	proto types.ProtocolType
	atype types.AddressType
}

type pubAddrReport struct {
	reporter [32]byte
	prefix   string
	addr     string
	at       time.Time
}

// PublicAddressChangeDetectionCount is the minimum number of disagreeing,
// distinct-prefix reports required before a network-class-invalid
// transition is triggered.
const PublicAddressChangeDetectionCount = 3

// NewTable creates an empty table for kind, owned by selfKey. All buckets
// are allocated up front so an entry's bucket index never shifts as the
// table fills (the index depends only on XOR distance, never on occupancy).
func NewTable(log *zap.Logger, kind types.CryptoKind, selfKey [32]byte) *Table {
	buckets := make([]*bucket, maxBuckets)
	for i := range buckets {
		buckets[i] = &bucket{}
	}
	return &Table{
		log:            log.Named("routingtable").With(zap.String("kind", kind.String())),
		kind:           kind,
		selfKey:        selfKey,
		buckets:        buckets,
		denylist:       make(map[[32]byte]time.Time),
		pubAddrReports: make(map[pubAddrReportKey][]pubAddrReport),
	}
}

// RegisterNodeWithSignedNodeInfo finds or creates the bucket entry for
// node id `who`, attaches the signed info for `domain`, and returns a
// NodeRef. allowInvalid bypasses dial-info-in-domain validation for
// callers that have already validated elsewhere (e.g. third-party referral).
func (t *Table) RegisterNodeWithSignedNodeInfo(who [32]byte, ids *types.TypedKeyGroup, domain types.RoutingDomain, info types.SignedNodeInfo, allowInvalid bool) (*NodeRef, error) {
	if who == t.selfKey {
		return nil, ErrSelfReference
	}
	if !allowInvalid {
		if err := validateDialInfoForDomain(info, domain); err != nil {
			return nil, err
		}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.findOrCreateLocked(who, ids)
	e.SetDomainInfo(domain, info)
	return newNodeRef(t, e), nil
}

// RegisterNodeWithExistingConnection creates or finds the entry for `who`
// purely from an inbound flow observation, with no signed info yet.
func (t *Table) RegisterNodeWithExistingConnection(who [32]byte, ids *types.TypedKeyGroup, domain types.RoutingDomain, flow types.Flow, ts time.Time) (*NodeRef, error) {
	if who == t.selfKey {
		return nil, ErrSelfReference
	}
	t.mu.Lock()
	e := t.findOrCreateLocked(who, ids)
	t.mu.Unlock()
	e.SetLastFlow(domain, flow)
	return newNodeRef(t, e), nil
}

func (t *Table) findOrCreateLocked(who [32]byte, ids *types.TypedKeyGroup) *Entry {
	idx := bucketIndex(t.selfKey, who, len(t.buckets))
	b := t.buckets[idx]
	for _, e := range b.entries {
		if k, ok := e.NodeIDs().Get(t.kind); ok && k.Value == who {
			return e
		}
	}
	e := newEntry(ids)
	b.entries = append(b.entries, e)
	t.kickLocked(idx)
	return e
}

// kickLocked drops least-recently-useful entries with zero NodeRefs from
// bucket idx until it fits within depth capacity. Must be called with
// t.mu held.
func (t *Table) kickLocked(idx int) {
	b := t.buckets[idx]
	limit := capacityForDepth(idx)
	if len(b.entries) <= limit {
		return
	}
	// Sort candidates for eviction: oldest-first by first-seen time,
	// among those with zero outstanding NodeRefs.
	kept := make([]*Entry, 0, len(b.entries))
	evictable := make([]*Entry, 0)
	for _, e := range b.entries {
		if e.refs() == 0 {
			evictable = append(evictable, e)
		} else {
			kept = append(kept, e)
		}
	}
	sort.SliceStable(evictable, func(i, j int) bool {
		return evictable[i].firstSeen.Before(evictable[j].firstSeen)
	})
	excess := len(b.entries) - limit
	for i, e := range evictable {
		if i >= excess {
			kept = append(kept, e)
			continue
		}
		_ = e // dropped: not appended to kept
	}
	b.entries = kept
}

// LookupNodeRef finds the entry for key and returns a strong NodeRef.
func (t *Table) LookupNodeRef(key [32]byte) (*NodeRef, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	idx := bucketIndex(t.selfKey, key, len(t.buckets))
	if idx >= len(t.buckets) {
		return nil, false
	}
	for _, e := range t.buckets[idx].entries {
		if k, ok := e.NodeIDs().Get(t.kind); ok && k.Value == key {
			return newNodeRef(t, e), true
		}
	}
	return nil, false
}

// LookupAndFilterNodeRef finds the entry for key and applies filters,
// returning (nil, false) if it doesn't pass every filter.
func (t *Table) LookupAndFilterNodeRef(key [32]byte, filters []Filter) (*NodeRef, bool) {
	ref, ok := t.LookupNodeRef(key)
	if !ok {
		return nil, false
	}
	for _, f := range filters {
		if !f(ref.entry) {
			ref.Release()
			return nil, false
		}
	}
	return ref, true
}

func (t *Table) allEntriesLocked() []*Entry {
	var out []*Entry
	for _, b := range t.buckets {
		out = append(out, b.entries...)
	}
	return out
}

func (t *Table) applyFilters(entries []*Entry, filters []Filter) []*Entry {
	filters = append([]Filter{DeadFilter}, filters...)
	out := entries[:0:0]
	for _, e := range entries {
		ok := true
		for _, f := range filters {
			if !f(e) {
				ok = false
				break
			}
		}
		if ok {
			out = append(out, e)
		}
	}
	return out
}

// FindPreferredFastestNodes sorts reliable entries before unreliable,
// then by ascending mean latency. The sort is stable so equal-latency
// ties preserve filter-cascade order.
func (t *Table) FindPreferredFastestNodes(n int, filters []Filter, transform func(*Entry) *Entry) []*NodeRef {
	t.mu.RLock()
	entries := t.applyFilters(t.allEntriesLocked(), filters)
	t.mu.RUnlock()

	if transform != nil {
		for i, e := range entries {
			entries[i] = transform(e)
		}
	}
	sort.SliceStable(entries, func(i, j int) bool {
		ri, rj := entries[i].Liveness() == types.LivenessReliable, entries[j].Liveness() == types.LivenessReliable
		if ri != rj {
			return ri
		}
		return entries[i].MeanLatency() < entries[j].MeanLatency()
	})
	return refsOf(t, entries, n)
}

// FindPreferredClosestNodes sorts reliable-first (pessimistic for self),
// then by XOR distance under the query's crypto kind.
func (t *Table) FindPreferredClosestNodes(n int, target [32]byte, filters []Filter, transform func(*Entry) *Entry) []*NodeRef {
	t.mu.RLock()
	entries := t.applyFilters(t.allEntriesLocked(), filters)
	t.mu.RUnlock()

	if transform != nil {
		for i, e := range entries {
			entries[i] = transform(e)
		}
	}
	kind := t.kind
	sort.SliceStable(entries, func(i, j int) bool {
		ri, rj := entries[i].Liveness() == types.LivenessReliable, entries[j].Liveness() == types.LivenessReliable
		if ri != rj {
			return ri
		}
		ki, _ := entries[i].NodeIDs().Get(kind)
		kj, _ := entries[j].NodeIDs().Get(kind)
		di := xorDistance(target, ki.Value)
		dj := xorDistance(target, kj.Value)
		return di.Cmp(dj) < 0
	})
	return refsOf(t, entries, n)
}

func refsOf(t *Table, entries []*Entry, n int) []*NodeRef {
	if n > len(entries) {
		n = len(entries)
	}
	out := make([]*NodeRef, 0, n)
	for _, e := range entries[:n] {
		out = append(out, newNodeRef(t, e))
	}
	return out
}

// ReportPublicAddress records a third party's claim about our external
// address and applies the change-detection rule: if at least
// PublicAddressChangeDetectionCount reports from distinct /prefix blocks
// disagree with ourCurrent and the reporters aren't denylisted, it returns
// true (network-class-invalid should be triggered) and denylists the
// reporters for coolDown.
func (t *Table) ReportPublicAddress(proto types.ProtocolType, atype types.AddressType, reporter [32]byte, prefix, reportedAddr, ourCurrent string, coolDown time.Duration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if until, ok := t.denylist[reporter]; ok && time.Now().Before(until) {
		return false
	}
	if reportedAddr == ourCurrent {
		return false
	}
	key := pubAddrReportKey{proto: proto, atype: atype}
	reports := append(t.pubAddrReports[key], pubAddrReport{reporter: reporter, prefix: prefix, addr: reportedAddr, at: time.Now()})
	t.pubAddrReports[key] = reports

	distinctPrefixes := make(map[string]struct{})
	var reporters [][32]byte
	for _, r := range reports {
		distinctPrefixes[r.prefix] = struct{}{}
		reporters = append(reporters, r.reporter)
	}
	if len(distinctPrefixes) < PublicAddressChangeDetectionCount {
		return false
	}
	for _, r := range reporters {
		t.denylist[r] = time.Now().Add(coolDown)
	}
	delete(t.pubAddrReports, key)
	return true
}

// ExtendDenylistToPunishment extends a reporter's denylist entry to a
// punishment duration after their report is confirmed to have been
// inconsistent. Entries expire lazily once the punishment window elapses
// (checked in IsDenylisted).
func (t *Table) ExtendDenylistToPunishment(reporter [32]byte, punishment time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.denylist[reporter] = time.Now().Add(punishment)
}

func (t *Table) IsDenylisted(who [32]byte) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	until, ok := t.denylist[who]
	return ok && time.Now().Before(until)
}

// Stats reports coarse occupancy for diagnostics/metrics.
func (t *Table) Stats() (buckets, entries int) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, b := range t.buckets {
		entries += len(b.entries)
	}
	return len(t.buckets), entries
}
