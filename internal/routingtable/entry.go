package routingtable

import (
	"sync"
	"time"

	"github.com/kyanha/overlaynode/internal/types"
)

// rollingWindow is a small fixed-capacity ring buffer used for latency
// and transfer accounting: a short sample history rather than a single
// latest value.
type rollingWindow struct {
	samples []float64
	cap     int
}

func newRollingWindow(cap int) *rollingWindow {
	return &rollingWindow{cap: cap}
}

func (w *rollingWindow) Add(v float64) {
	w.samples = append(w.samples, v)
	if len(w.samples) > w.cap {
		w.samples = w.samples[len(w.samples)-w.cap:]
	}
}

func (w *rollingWindow) Mean() float64 {
	if len(w.samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range w.samples {
		sum += s
	}
	return sum / float64(len(w.samples))
}

// rpcStats tracks per-peer RPC accounting.
type rpcStats struct {
	Sent              uint64
	Received          uint64
	InFlight          uint32
	FirstConsecutiveSeen time.Time
	LastQuestionTS    time.Time
	RecentLostAnswers uint32
	FailedToSend      uint32
}

// perDomainState is the routing-domain-scoped portion of a BucketEntry:
// independent dial info, node-info-seen timestamp, per-protocol flow info.
type perDomainState struct {
	SignedInfo     *types.SignedNodeInfo
	SeenOurInfoTS  int64
	LastFlow       types.Flow
	LastFlowTS     time.Time
}

// Entry is the mutable per-peer bucket state. It is addressable only via
// the routing table: callers hold it through a NodeRef, never a raw
// pointer stashed elsewhere.
type Entry struct {
	mu sync.Mutex

	nodeIDs *types.TypedKeyGroup
	domains map[types.RoutingDomain]*perDomainState

	stats   rpcStats
	latency *rollingWindow
	xferOut *rollingWindow
	xferIn  *rollingWindow

	liveness       types.LivenessState
	firstSeen      time.Time
	lastSuccess    time.Time
	refCount       int32
}

func newEntry(nodeIDs *types.TypedKeyGroup) *Entry {
	return &Entry{
		nodeIDs:   nodeIDs,
		domains:   make(map[types.RoutingDomain]*perDomainState),
		latency:   newRollingWindow(16),
		xferOut:   newRollingWindow(16),
		xferIn:    newRollingWindow(16),
		liveness:  types.LivenessUnreliable,
		firstSeen: time.Now(),
	}
}

// NodeIDs returns the entry's typed key group (read-only by convention;
// callers must not mutate the returned group).
func (e *Entry) NodeIDs() *types.TypedKeyGroup {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.nodeIDs
}

func (e *Entry) Liveness() types.LivenessState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.liveness
}

func (e *Entry) SetDomainInfo(domain types.RoutingDomain, info types.SignedNodeInfo) {
	e.mu.Lock()
	defer e.mu.Unlock()
	d, ok := e.domains[domain]
	if !ok {
		d = &perDomainState{}
		e.domains[domain] = d
	}
	d.SignedInfo = &info
}

func (e *Entry) DomainInfo(domain types.RoutingDomain) (*types.SignedNodeInfo, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	d, ok := e.domains[domain]
	if !ok || d.SignedInfo == nil {
		return nil, false
	}
	return d.SignedInfo, true
}

func (e *Entry) SetLastFlow(domain types.RoutingDomain, flow types.Flow) {
	e.mu.Lock()
	defer e.mu.Unlock()
	d, ok := e.domains[domain]
	if !ok {
		d = &perDomainState{}
		e.domains[domain] = d
	}
	d.LastFlow = flow
	d.LastFlowTS = time.Now()
}

func (e *Entry) LastFlow(domain types.RoutingDomain) (types.Flow, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	d, ok := e.domains[domain]
	if !ok || d.LastFlowTS.IsZero() {
		return types.Flow{}, false
	}
	return d.LastFlow, true
}

// RecordQuestionSent bumps sent/in-flight accounting for an outgoing question.
func (e *Entry) RecordQuestionSent() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stats.Sent++
	e.stats.InFlight++
	e.stats.LastQuestionTS = time.Now()
	if e.stats.FirstConsecutiveSeen.IsZero() {
		e.stats.FirstConsecutiveSeen = time.Now()
	}
}

// RecordAnswerReceived resolves an in-flight question successfully and
// applies the Unreliable/Dead -> Reliable transition after sustained success.
func (e *Entry) RecordAnswerReceived(rtt time.Duration, warmup time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stats.Received++
	if e.stats.InFlight > 0 {
		e.stats.InFlight--
	}
	e.latency.Add(float64(rtt.Microseconds()))
	e.lastSuccess = time.Now()
	if e.liveness != types.LivenessReliable &&
		time.Since(e.firstSeen) >= warmup {
		e.liveness = types.LivenessReliable
	}
}

// RecordLostAnswer applies the Reliable->Unreliable transition on a lost
// answer.
func (e *Entry) RecordLostAnswer() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stats.RecentLostAnswers++
	if e.stats.InFlight > 0 {
		e.stats.InFlight--
	}
	if e.liveness == types.LivenessReliable {
		e.liveness = types.LivenessUnreliable
	}
}

// RecordSendFailure applies the Reliable->Unreliable transition on a failed
// send and marks Dead if total silence has exceeded deadTimeout.
func (e *Entry) RecordSendFailure(deadTimeout time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stats.FailedToSend++
	if e.liveness == types.LivenessReliable {
		e.liveness = types.LivenessUnreliable
	}
	if !e.lastSuccess.IsZero() && time.Since(e.lastSuccess) > deadTimeout {
		e.liveness = types.LivenessDead
	} else if e.lastSuccess.IsZero() && time.Since(e.firstSeen) > deadTimeout {
		e.liveness = types.LivenessDead
	}
}

// CheckSilence marks the entry Dead if it has exceeded deadTimeout without
// a successful RPC; called from the routing table's periodic tick.
func (e *Entry) CheckSilence(deadTimeout time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	base := e.lastSuccess
	if base.IsZero() {
		base = e.firstSeen
	}
	if time.Since(base) > deadTimeout {
		e.liveness = types.LivenessDead
	}
}

func (e *Entry) MeanLatency() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return time.Duration(e.latency.Mean()) * time.Microsecond
}

// NeedsPing reports whether the entry is due a ping: true iff the
// entry has node-info in the domain AND (no recorded status for the domain,
// OR the peer hasn't confirmed our current node-info timestamp, OR the
// generic ping interval has elapsed).
func (e *Entry) NeedsPing(domain types.RoutingDomain, ourNodeInfoTS int64, pingInterval time.Duration) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	d, ok := e.domains[domain]
	if !ok || d.SignedInfo == nil {
		return false
	}
	if d.LastFlowTS.IsZero() {
		return true
	}
	if d.SeenOurInfoTS < ourNodeInfoTS {
		return true
	}
	return time.Since(d.LastFlowTS) > pingInterval
}

func (e *Entry) ConfirmOurNodeInfo(domain types.RoutingDomain, ts int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	d, ok := e.domains[domain]
	if !ok {
		d = &perDomainState{}
		e.domains[domain] = d
	}
	d.SeenOurInfoTS = ts
}

// addRef/release implement the NodeRef strong count: bucket kick cannot
// remove an entry with outstanding refs.
func (e *Entry) addRef() {
	e.mu.Lock()
	e.refCount++
	e.mu.Unlock()
}

func (e *Entry) release() {
	e.mu.Lock()
	if e.refCount > 0 {
		e.refCount--
	}
	e.mu.Unlock()
}

func (e *Entry) refs() int32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.refCount
}

// NodeRef is a strong reference to a bucket entry; holders never get the
// *Entry directly without going through one.
type NodeRef struct {
	table *Table
	entry *Entry
}

func newNodeRef(t *Table, e *Entry) *NodeRef {
	e.addRef()
	return &NodeRef{table: t, entry: e}
}

// Release drops this strong reference. Once the last NodeRef to an entry
// is released, bucket kick may reclaim its slot.
func (r *NodeRef) Release() {
	if r == nil || r.entry == nil {
		return
	}
	r.entry.release()
}

func (r *NodeRef) NodeIDs() *types.TypedKeyGroup { return r.entry.NodeIDs() }
func (r *NodeRef) Liveness() types.LivenessState { return r.entry.Liveness() }
func (r *NodeRef) MeanLatency() time.Duration    { return r.entry.MeanLatency() }
func (r *NodeRef) DomainInfo(d types.RoutingDomain) (*types.SignedNodeInfo, bool) {
	return r.entry.DomainInfo(d)
}
func (r *NodeRef) Entry() *Entry { return r.entry }
