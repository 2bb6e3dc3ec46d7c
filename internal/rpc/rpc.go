// Package rpc is the question/answer/statement operation processor
// sitting atop the envelope and netman layers. Operations are dispatched
// through a bounded worker pool with backpressure-reject semantics so a
// slow handler can't stall the transport's read loop; rendering
// generalizes direct sends into the Direct/Relay/PrivateRoute destination
// sum type, wrapping through routespec for relay and private-route
// addressing.
package rpc

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/kyanha/overlaynode/internal/crypto"
	"github.com/kyanha/overlaynode/internal/netman"
	"github.com/kyanha/overlaynode/internal/routespec"
	"github.com/kyanha/overlaynode/internal/types"
)

// OperationKind tags the operation sum type: Question expects an Answer;
// Statement expects nothing.
type OperationKind int

const (
	OpQuestion OperationKind = iota
	OpStatement
	OpAnswer
)

// MethodName identifies a concrete RPC method, e.g. "find_node", "app_call".
type MethodName string

const (
	MethodStatusQuestion   MethodName = "status"
	MethodFindNodeQuestion MethodName = "find_node"
	MethodGetValue         MethodName = "get_value"
	MethodSetValue         MethodName = "set_value"
	MethodWatchValue       MethodName = "watch_value"
	MethodAppCallQuestion  MethodName = "app_call"
	MethodAppMessage       MethodName = "app_message"   // statement
	MethodValueChanged     MethodName = "value_changed" // statement
)

// Destination selects how renderOperation addresses the wire message:
// straight to the peer, via a specific relay, or through a private route.
type Destination int

const (
	DestinationDirect Destination = iota
	DestinationRelay
	DestinationPrivateRoute
)

// RespondTo tells the answering side where to deliver its Answer: back to
// whoever sent the Question directly, or looped through a private route
// the asker named.
type RespondTo int

const (
	RespondToSender RespondTo = iota
	RespondToPrivateRoute
)

// Target fully describes the addressing for one outbound operation: Mode
// picks the base destination, Safety optionally layers a safety route on
// top of it.
type Target struct {
	Mode   Destination
	Peer   types.TypedKey    // Direct: final recipient. Relay: final recipient (Relay names the hop).
	Relay  types.TypedKey    // Relay mode: the relay node to address through.
	Route  *routespec.Route  // PrivateRoute mode: the compiled route addressing the recipient.
	Safety *routespec.Route  // optional: wrap the rendered body in one more onion layer.
}

var (
	ErrUnknownMethod = errors.New("rpc: unknown method")
	ErrQueueFull     = errors.New("rpc: worker pool saturated, operation rejected")
	ErrNoWaiter      = errors.New("rpc: no waiter for this op_id")
	ErrBadOperation  = errors.New("rpc: malformed operation envelope")
	ErrHopCountLimit = errors.New("rpc: total_hop_count exceeds max_route_hop_count")
)

// OpID uniquely identifies a question/answer pair, derived from a keyed
// hash over a random nonce so ids are unguessable and collision-resistant.
type OpID [16]byte

// Operation is the decoded, still-untyped RPC frame: Kind/Method select how
// Body should be interpreted by a registered Handler. RespondTo/ReplyRoute
// are only meaningful on a Question and tell the answering side how to
// address its Answer back.
type Operation struct {
	Kind        OperationKind
	Method      MethodName
	OpID        OpID
	Body        json.RawMessage
	RespondTo   RespondTo        `json:",omitempty"`
	ReplyRoute  routespec.RouteID `json:",omitempty"`
}

// Handler processes one decoded Question or Statement and, for questions,
// returns the Answer body to send back.
type Handler func(ctx context.Context, from types.TypedKey, body json.RawMessage) (answer json.RawMessage, err error)

// Processor owns method dispatch, the op_id waiter table for outstanding
// questions this node sent, and the bounded worker pool.
type Processor struct {
	log        *zap.Logger
	sys        crypto.System
	net        *netman.Manager
	routes     *routespec.Store
	selfSecret [32]byte

	handlers map[MethodName]Handler

	mu      sync.Mutex
	waiters map[OpID]chan answerResult

	sem *semaphore.Weighted
}

type answerResult struct {
	body json.RawMessage
	err  error
}

// New builds a Processor with a worker pool capped at maxInFlight
// concurrent handler invocations: beyond the cap, new operations are
// rejected rather than queued unbounded. routes provides safety/private-route wrapping for
// renderOperation and onion-layer forwarding for relayed traffic; it may
// be nil, in which case only DestinationDirect and DestinationRelay (no
// Safety) targets are usable and inbound onion frames are dropped rather
// than relayed.
// selfSecret lets this node open the onion layer addressed to it when
// acting as a relay hop or a route's terminus.
func New(log *zap.Logger, sys crypto.System, net *netman.Manager, routes *routespec.Store, selfSecret [32]byte, maxInFlight int64) *Processor {
	p := &Processor{
		log:        log.Named("rpc"),
		sys:        sys,
		net:        net,
		routes:     routes,
		selfSecret: selfSecret,
		handlers:   make(map[MethodName]Handler),
		waiters:    make(map[OpID]chan answerResult),
		sem:        semaphore.NewWeighted(maxInFlight),
	}
	net.SetMessageHandler(p.dispatchInbound)
	return p
}

// RegisterHandler binds method to fn for inbound Question/Statement
// dispatch.
func (p *Processor) RegisterHandler(method MethodName, fn Handler) {
	p.handlers[method] = fn
}

// NewOpID derives an unguessable 16-byte operation id from random nonce
// material via the crypto system's keyed hash, domain-separated from
// envelope/onion key derivation.
func (p *Processor) NewOpID(nonce []byte) OpID {
	full := p.sys.KeyedHash([]byte("VLD0-rpc-opid"), nonce)
	var id OpID
	copy(id[:], full[:16])
	return id
}

// renderOperation marshals op, applies PrivateRoute/Relay addressing,
// then optionally wraps the result in one more safety-route onion layer,
// returning the bytes to hand to
// netman, the peer to address the outer envelope to, and the total hop
// count crossed (fatal if it exceeds routespec.MaxRouteHopCount).
func (p *Processor) renderOperation(op Operation, dest Target) (body []byte, firstHop types.TypedKey, totalHops int, err error) {
	raw, err := json.Marshal(op)
	if err != nil {
		return nil, types.TypedKey{}, 0, fmt.Errorf("rpc: marshal operation: %w", err)
	}
	body = raw
	firstHop = dest.Peer

	switch dest.Mode {
	case DestinationDirect:
		// no extra addressing hop
	case DestinationRelay:
		totalHops++
		firstHop = dest.Relay
	case DestinationPrivateRoute:
		if dest.Route == nil {
			return nil, types.TypedKey{}, 0, errors.New("rpc: private-route destination requires a compiled route")
		}
		if p.routes == nil {
			return nil, types.TypedKey{}, 0, errors.New("rpc: no route store configured for private-route addressing")
		}
		wrapped, err := p.routes.CompileSafetyRoute(dest.Route, hex.EncodeToString(op.OpID[:]), body)
		if err != nil {
			return nil, types.TypedKey{}, 0, fmt.Errorf("rpc: compile private route: %w", err)
		}
		body = wrapped
		totalHops += len(dest.Route.Hops)
		firstHop = dest.Route.Hops[0].Peer
	}

	if dest.Safety != nil {
		if p.routes == nil {
			return nil, types.TypedKey{}, 0, errors.New("rpc: no route store configured for safety-route wrapping")
		}
		wrapped, err := p.routes.CompileSafetyRoute(dest.Safety, hex.EncodeToString(op.OpID[:]), body)
		if err != nil {
			return nil, types.TypedKey{}, 0, fmt.Errorf("rpc: compile safety route: %w", err)
		}
		body = wrapped
		totalHops += len(dest.Safety.Hops)
		firstHop = dest.Safety.Hops[0].Peer
	}

	if totalHops > routespec.MaxRouteHopCount {
		return nil, types.TypedKey{}, 0, fmt.Errorf("%w: %d > %d", ErrHopCountLimit, totalHops, routespec.MaxRouteHopCount)
	}
	return body, firstHop, totalHops, nil
}

// dispatchInbound is netman's message callback. A direct question/answer
// arrives as Operation JSON and is routed to a registered handler or
// resolves a waiting Ask call; anything that doesn't parse as an Operation
// is tried as a relayed onion-route frame addressed to us, either as an
// intermediate hop (forward to Next) or as the route's terminus (unwrap to
// the inner Operation and dispatch it as if received directly, from an
// anonymized sender since a private/safety route hides the true origin).
func (p *Processor) dispatchInbound(body []byte, from types.TypedKey) {
	var op Operation
	if err := json.Unmarshal(body, &op); err != nil {
		p.relayOnionFrame(body)
		return
	}

	if op.Kind == OpAnswer {
		p.resolveAnswer(op.OpID, op.Body, nil)
		return
	}

	if !p.sem.TryAcquire(1) {
		p.log.Warn("rpc worker pool saturated, rejecting operation", zap.String("method", string(op.Method)))
		return
	}
	go func() {
		defer p.sem.Release(1)
		p.handleOne(from, op)
	}()
}

func (p *Processor) relayOnionFrame(wire []byte) {
	if p.routes == nil {
		p.log.Debug("dropping unparseable rpc body: no route store for onion relay")
		return
	}
	layer, err := p.routes.OpenLayer(p.selfSecret, wire)
	if err != nil {
		p.log.Debug("dropping malformed rpc body", zap.Error(err))
		return
	}

	if !layer.Meta.Final {
		next, err := types.ParseTypedKey(layer.Next)
		if err != nil {
			p.log.Debug("onion frame missing valid next hop", zap.Error(err))
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := p.net.SendEnvelope(ctx, next, types.RoutingDomainPublicInternet, 0, layer.Payload); err != nil {
			p.log.Debug("relay forward failed", zap.Error(err))
		}
		return
	}

	var op Operation
	if err := json.Unmarshal(layer.Payload, &op); err != nil {
		p.log.Debug("final onion layer did not carry a valid operation", zap.Error(err))
		return
	}
	if op.Kind == OpAnswer {
		p.resolveAnswer(op.OpID, op.Body, nil)
		return
	}
	if !p.sem.TryAcquire(1) {
		p.log.Warn("rpc worker pool saturated, rejecting routed operation", zap.String("method", string(op.Method)))
		return
	}
	go func() {
		defer p.sem.Release(1)
		p.handleOne(types.TypedKey{}, op)
	}()
}

func (p *Processor) handleOne(from types.TypedKey, op Operation) {
	handler, ok := p.handlers[op.Method]
	if !ok {
		p.log.Debug("no handler registered", zap.String("method", string(op.Method)))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	answer, err := handler(ctx, from, op.Body)
	if op.Kind != OpQuestion {
		return
	}
	if err != nil {
		p.log.Debug("handler error answering question", zap.Error(err))
		return
	}
	p.sendAnswer(ctx, from, op, answer)
}

// sendAnswer addresses the Answer per the incoming Question's RespondTo:
// straight back to the sender, or looped through the private route it
// named, falling back to a direct reply if that route is no longer known.
func (p *Processor) sendAnswer(ctx context.Context, from types.TypedKey, in Operation, body json.RawMessage) {
	out := Operation{Kind: OpAnswer, OpID: in.OpID, Body: body}

	dest := Target{Mode: DestinationDirect, Peer: from}
	if in.RespondTo == RespondToPrivateRoute && p.routes != nil {
		if r, ok := p.routes.Lookup(in.ReplyRoute); ok {
			dest = Target{Mode: DestinationPrivateRoute, Route: r}
		}
	}

	raw, firstHop, _, err := p.renderOperation(out, dest)
	if err != nil {
		p.log.Debug("render answer", zap.Error(err))
		return
	}
	if err := p.net.SendEnvelope(ctx, firstHop, types.RoutingDomainPublicInternet, 0, raw); err != nil {
		p.log.Debug("send answer failed", zap.Error(err))
	}
}

// Ask sends a Question and blocks for its Answer or ctx's deadline. It
// addresses the
// question directly to `to`; use AskVia for relay/private-route sends.
func (p *Processor) Ask(ctx context.Context, to types.TypedKey, domain types.RoutingDomain, method MethodName, nonce []byte, body json.RawMessage) (json.RawMessage, error) {
	return p.AskVia(ctx, Target{Mode: DestinationDirect, Peer: to}, domain, method, nonce, body)
}

// AskVia is Ask generalized over renderOperation's full Target sum type:
// the question may be addressed direct, via a relay, through a private
// route, and/or wrapped in an additional safety route.
func (p *Processor) AskVia(ctx context.Context, dest Target, domain types.RoutingDomain, method MethodName, nonce []byte, body json.RawMessage) (json.RawMessage, error) {
	id := p.NewOpID(nonce)
	ch := make(chan answerResult, 1)
	p.mu.Lock()
	p.waiters[id] = ch
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.waiters, id)
		p.mu.Unlock()
	}()

	op := Operation{Kind: OpQuestion, Method: method, OpID: id, Body: body, RespondTo: RespondToSender}
	if dest.Mode == DestinationPrivateRoute && dest.Route != nil {
		op.RespondTo = RespondToPrivateRoute
		op.ReplyRoute = dest.Route.ID
	}
	raw, firstHop, _, err := p.renderOperation(op, dest)
	if err != nil {
		return nil, fmt.Errorf("rpc: render question: %w", err)
	}
	if err := p.net.SendEnvelope(ctx, firstHop, domain, 0, raw); err != nil {
		return nil, fmt.Errorf("rpc: send question: %w", err)
	}

	select {
	case res := <-ch:
		return res.body, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Tell sends a fire-and-forget Statement, expecting no reply.
func (p *Processor) Tell(ctx context.Context, to types.TypedKey, domain types.RoutingDomain, method MethodName, body json.RawMessage) error {
	return p.TellVia(ctx, Target{Mode: DestinationDirect, Peer: to}, domain, method, body)
}

// TellVia is Tell generalized over renderOperation's Target sum type.
func (p *Processor) TellVia(ctx context.Context, dest Target, domain types.RoutingDomain, method MethodName, body json.RawMessage) error {
	op := Operation{Kind: OpStatement, Method: method, Body: body}
	raw, firstHop, _, err := p.renderOperation(op, dest)
	if err != nil {
		return fmt.Errorf("rpc: render statement: %w", err)
	}
	return p.net.SendEnvelope(ctx, firstHop, domain, 0, raw)
}

// AskViaRoute sends a pre-rendered, route-wrapped question body straight to
// firstHop and waits for opID's Answer, without re-rendering it through
// renderOperation. This is how routespec.TestRoute's ProbeFunc performs its
// round trip: the probe already compiled the onion-wrapped status question
// itself and only needs the waiter/timeout plumbing Ask normally provides.
func (p *Processor) AskViaRoute(ctx context.Context, firstHop types.TypedKey, domain types.RoutingDomain, opID OpID, wireBody []byte) (json.RawMessage, error) {
	ch := make(chan answerResult, 1)
	p.mu.Lock()
	p.waiters[opID] = ch
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.waiters, opID)
		p.mu.Unlock()
	}()

	if err := p.net.SendEnvelope(ctx, firstHop, domain, 0, wireBody); err != nil {
		return nil, fmt.Errorf("rpc: send routed probe: %w", err)
	}
	select {
	case res := <-ch:
		return res.body, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Processor) resolveAnswer(id OpID, body json.RawMessage, err error) {
	p.mu.Lock()
	ch, ok := p.waiters[id]
	p.mu.Unlock()
	if !ok {
		p.log.Debug("answer for unknown op_id, dropping")
		return
	}
	select {
	case ch <- answerResult{body: body, err: err}:
	default:
	}
}
