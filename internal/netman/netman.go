// Package netman implements contact-method resolution and send dispatch,
// reverse-connect/hole-punch signalling, and the inbound envelope
// validation pipeline: the glue deciding which flow to reuse or open and
// how inbound frames are validated and dispatched, driven by each peer's
// signed node info.
package netman

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kyanha/overlaynode/internal/connmgr"
	"github.com/kyanha/overlaynode/internal/crypto"
	"github.com/kyanha/overlaynode/internal/envelope"
	"github.com/kyanha/overlaynode/internal/receipt"
	"github.com/kyanha/overlaynode/internal/routingtable"
	"github.com/kyanha/overlaynode/internal/transport"
	"github.com/kyanha/overlaynode/internal/types"
)

// ContactMethod is the outcome of GetNodeContactMethod.
type ContactMethod int

const (
	ContactMethodUnreachable ContactMethod = iota
	ContactMethodExistingFlow
	ContactMethodDirect
	ContactMethodSignalReverse
	ContactMethodSignalHolePunch
	ContactMethodInboundRelay
	ContactMethodOutboundRelay
)

func (c ContactMethod) String() string {
	switch c {
	case ContactMethodExistingFlow:
		return "ExistingFlow"
	case ContactMethodDirect:
		return "Direct"
	case ContactMethodSignalReverse:
		return "SignalReverse"
	case ContactMethodSignalHolePunch:
		return "SignalHolePunch"
	case ContactMethodInboundRelay:
		return "InboundRelay"
	case ContactMethodOutboundRelay:
		return "OutboundRelay"
	default:
		return "Unreachable"
	}
}

var (
	ErrUnreachable  = errors.New("netman: peer unreachable by any contact method")
	ErrNoRecipient  = errors.New("netman: envelope recipient unknown locally")
	ErrBadEnvelope  = errors.New("netman: envelope rejected")
	ErrSignalFailed = errors.New("netman: signal not confirmed")
)

// signalKind discriminates the two NAT-traversal requests handle_signal
// understands.
type signalKind string

const (
	signalReverseConnect signalKind = "reverse_connect"
	signalHolePunch      signalKind = "hole_punch"
)

// signalFrame is the plaintext body of a signal request, carried inside a
// normal encrypted envelope addressed to the target's relay. The relay
// forwards it (unmodified, re-tagged) to Target over its existing inbound
// flow; Target then dials/punches toward Receiver using Dial and returns a
// receipt keyed on Receipt once a flow exists.
type signalFrame struct {
	Kind     signalKind
	Target   [32]byte
	Receiver [32]byte
	Receipt  [32]byte
	Dial     types.DialInfoDetail
}

// signalRelayTag prefixes a signalFrame forwarded from a relay to its
// client: this hop reuses the relay's already-authenticated inbound flow
// to the client rather than wrapping a second envelope, so the frame is
// tagged instead of enveloped.
const signalRelayTag = "SIG1"

// Manager resolves contact methods and dispatches/receives envelopes on
// behalf of the core.
type Manager struct {
	log        *zap.Logger
	self       types.TypedKey
	selfSecret [32]byte
	selfInfo   *types.NodeInfo
	sys        crypto.System
	transport  transport.Transport
	conns      *connmgr.Manager
	table      *routingtable.Table
	receipts   *receipt.Manager

	ourRelay     *types.TypedKey
	ourRelayInfo types.DialInfoDetail

	signalMu sync.Mutex
	signals  map[receipt.Nonce]types.TypedKey // nonce -> peer we're signalling, so the receipt's flow binds to the right peer

	onReceipt func(body []byte, from types.TypedKey)
	onMessage func(body []byte, from types.TypedKey)
}

// genericFlow adapts a bare types.Flow (all handleInbound receives from
// transport.RecvFunc) into a transport.FlowHandle so conns.Bind can record
// a flow we didn't establish by dialing ourselves.
type genericFlow struct{ flow types.Flow }

func (f genericFlow) Flow() types.Flow { return f.flow }

// New constructs a Manager bound to the given collaborators. Outbound
// sends look up flows in conns first, dial via transport second. selfSecret
// is retained so inbound envelopes can be decrypted (OpenInner) without
// every caller threading it back in. receipts backs the nonce-keyed
// confirmation round trip sendViaSignal uses for reverse-connect and
// hole-punch requests.
func New(log *zap.Logger, self types.TypedKey, selfSecret [32]byte, selfInfo *types.NodeInfo, sys crypto.System, tr transport.Transport, conns *connmgr.Manager, table *routingtable.Table, receipts *receipt.Manager) *Manager {
	m := &Manager{
		log: log.Named("netman"), self: self, selfSecret: selfSecret, selfInfo: selfInfo,
		sys: sys, transport: tr, conns: conns, table: table, receipts: receipts,
		signals: make(map[receipt.Nonce]types.TypedKey),
	}
	tr.SetRecvHandler(m.handleInbound)
	return m
}

// SetMessageHandler installs the callback invoked with decrypted
// application-message bodies (handed further up to the RPC processor).
func (m *Manager) SetMessageHandler(fn func(body []byte, from types.TypedKey)) { m.onMessage = fn }

// SetReceiptHandler installs the callback invoked when an inbound frame
// sniffs as a receipt rather than an envelope.
func (m *Manager) SetReceiptHandler(fn func(body []byte, from types.TypedKey)) { m.onReceipt = fn }

// SetInboundRelay records our own relay, if we have one. sendViaSignal
// retries a failed direct dial to a peer's relay by routing the same
// signal request through this relay instead.
func (m *Manager) SetInboundRelay(relay types.TypedKey, detail types.DialInfoDetail) {
	m.ourRelay = &relay
	m.ourRelayInfo = detail
}

// GetNodeContactMethod resolves a contact method for peer: punished peers
// short-circuit to Unreachable, an existing usable flow wins outright, and
// everything else delegates to the routing table's pairwise resolver with
// ourselves as the reaching side (direct dial, reverse-connect or
// hole-punch signalling with the anti-hairpin IP checks, the peer's
// inbound relay, or our own outbound relay). Returns ErrUnreachable when
// none apply.
func (m *Manager) GetNodeContactMethod(peer types.TypedKey, domain types.RoutingDomain) (ContactMethod, types.DialInfoDetail, error) {
	if m.table.IsDenylisted(peer.Value) {
		return ContactMethodUnreachable, types.DialInfoDetail{}, ErrUnreachable
	}
	if _, ok := m.conns.Lookup(peer); ok {
		return ContactMethodExistingFlow, types.DialInfoDetail{}, nil
	}

	ref, ok := m.table.LookupNodeRef(peer.Value)
	if !ok {
		return ContactMethodUnreachable, types.DialInfoDetail{}, ErrUnreachable
	}
	defer ref.Release()

	info, ok := ref.DomainInfo(domain)
	if !ok {
		return ContactMethodUnreachable, types.DialInfoDetail{}, ErrUnreachable
	}
	peerB := &types.PeerInfo{NodeIDs: ref.NodeIDs(), SignedNodeInfo: *info}

	method, detail := m.table.GetContactMethod(domain, m.selfPeerInfo(), peerB, nil, routingtable.SequencingNoPreference)
	switch method {
	case routingtable.ContactDirect:
		return ContactMethodDirect, detail, nil
	case routingtable.ContactSignalReverse:
		return ContactMethodSignalReverse, detail, nil
	case routingtable.ContactSignalHolePunch:
		return ContactMethodSignalHolePunch, detail, nil
	case routingtable.ContactInboundRelay:
		return ContactMethodInboundRelay, detail, nil
	case routingtable.ContactOutboundRelay:
		return ContactMethodOutboundRelay, detail, nil
	default:
		return ContactMethodUnreachable, types.DialInfoDetail{}, ErrUnreachable
	}
}

// selfPeerInfo assembles our own side of the pairwise resolution: our
// signed descriptor is Direct unless an inbound relay has been configured,
// in which case it is Relayed so the resolver can fall back to
// OutboundRelay through it.
func (m *Manager) selfPeerInfo() *types.PeerInfo {
	ids := types.NewTypedKeyGroup()
	_ = ids.Add(m.self)
	var ni types.NodeInfo
	if m.selfInfo != nil {
		ni = *m.selfInfo
	}
	sni := types.SignedNodeInfo{Direct: &types.SignedDirectNodeInfo{Info: ni}}
	if m.ourRelay != nil {
		relayIDs := types.NewTypedKeyGroup()
		_ = relayIDs.Add(*m.ourRelay)
		sni = types.SignedNodeInfo{Relayed: &types.SignedRelayedNodeInfo{
			Info:     ni,
			RelayIDs: relayIDs,
			RelayInfo: types.SignedDirectNodeInfo{
				Info: types.NodeInfo{DialInfoList: []types.DialInfoDetail{m.ourRelayInfo}},
			},
		}}
	}
	return &types.PeerInfo{NodeIDs: ids, SignedNodeInfo: sni}
}

// SendEnvelope resolves a contact method, encrypts/signs the envelope and
// dispatches it, reusing an existing flow before falling back to a fresh
// dial.
func (m *Manager) SendEnvelope(ctx context.Context, peer types.TypedKey, domain types.RoutingDomain, version uint8, plaintext []byte) error {
	method, detail, err := m.GetNodeContactMethod(peer, domain)
	if err != nil {
		return err
	}

	enc, err := envelope.Encode(m.sys, version, m.sys.Kind(), types.NowMicros(), m.self.Value, m.selfSecret, peer.Value, plaintext)
	if err != nil {
		return fmt.Errorf("netman: encode envelope: %w", err)
	}

	switch method {
	case ContactMethodExistingFlow:
		fh, _ := m.conns.Lookup(peer)
		if err := m.transport.Send(ctx, fh, enc); err != nil {
			m.conns.Remove(peer)
			return m.dialAndSend(ctx, peer, detail, enc)
		}
		m.conns.Touch(peer)
		return nil
	case ContactMethodDirect:
		return m.dialAndSend(ctx, peer, detail, enc)
	case ContactMethodSignalReverse:
		return m.sendViaSignal(ctx, peer, domain, signalReverseConnect, enc)
	case ContactMethodSignalHolePunch:
		return m.sendViaSignal(ctx, peer, domain, signalHolePunch, enc)
	case ContactMethodInboundRelay:
		return m.sendViaRelay(ctx, peer, domain, enc)
	case ContactMethodOutboundRelay:
		if m.ourRelay == nil {
			return fmt.Errorf("%w: no outbound relay configured", ErrUnreachable)
		}
		return m.dialAndSend(ctx, *m.ourRelay, detail, enc)
	default:
		return fmt.Errorf("%w: unresolved contact method %s", ErrUnreachable, method)
	}
}

// sendViaRelay implements InboundRelay: dial the peer's published relay
// directly and hand it an envelope still addressed to peer. The relay's
// own handleInbound recognizes the recipient mismatch and forwards it one
// hop further via forwardAsRelay, never recursing past that single hop
// (two-level rejection).
func (m *Manager) sendViaRelay(ctx context.Context, peer types.TypedKey, domain types.RoutingDomain, enc []byte) error {
	relayKey, relayDetail, err := m.relayFor(peer, domain)
	if err != nil {
		return err
	}
	return m.dialAndSend(ctx, relayKey, relayDetail, enc)
}

// relayFor looks up peer's published relay identity and best dial info.
func (m *Manager) relayFor(peer types.TypedKey, domain types.RoutingDomain) (types.TypedKey, types.DialInfoDetail, error) {
	ref, ok := m.table.LookupNodeRef(peer.Value)
	if !ok {
		return types.TypedKey{}, types.DialInfoDetail{}, ErrUnreachable
	}
	defer ref.Release()
	info, ok := ref.DomainInfo(domain)
	if !ok || info.Relayed == nil {
		return types.TypedKey{}, types.DialInfoDetail{}, fmt.Errorf("%w: peer has no relay", ErrUnreachable)
	}
	relayKey, ok := info.Relayed.RelayIDs.Get(m.sys.Kind())
	if !ok {
		return types.TypedKey{}, types.DialInfoDetail{}, fmt.Errorf("%w: relay has no key of our crypto kind", ErrUnreachable)
	}
	relayDetail, ok := info.Relayed.RelayInfo.Info.BestDialInfoDetail()
	if !ok {
		return types.TypedKey{}, types.DialInfoDetail{}, fmt.Errorf("%w: relay has no reachable dial info", ErrUnreachable)
	}
	return relayKey, relayDetail, nil
}

// sendViaSignal implements reverse-connect and hole-punch: it asks peer's
// relay to forward a signal request asking peer to dial/punch back toward
// us, waits on the receipt the target returns once a flow exists, then
// sends payload over that new flow. On a failed dial to the relay it
// retries once through our own inbound relay.
func (m *Manager) sendViaSignal(ctx context.Context, peer types.TypedKey, domain types.RoutingDomain, kind signalKind, payload []byte) error {
	relayKey, relayDetail, err := m.relayFor(peer, domain)
	if err != nil {
		return err
	}

	var nonce [32]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return fmt.Errorf("netman: generate signal nonce: %w", err)
	}
	rn := receipt.Nonce(nonce)
	m.receipts.WatchSingleShot(rn)
	m.signalMu.Lock()
	m.signals[rn] = peer
	m.signalMu.Unlock()
	defer func() {
		m.receipts.Cancel(rn)
		m.signalMu.Lock()
		delete(m.signals, rn)
		m.signalMu.Unlock()
	}()

	var ourDial types.DialInfoDetail
	if m.selfInfo != nil {
		ourDial, _ = m.selfInfo.BestDialInfoDetail()
	}
	frame := signalFrame{Kind: kind, Target: peer.Value, Receiver: m.self.Value, Receipt: nonce, Dial: ourDial}
	raw, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("netman: encode signal frame: %w", err)
	}
	enc, err := envelope.Encode(m.sys, 0, m.sys.Kind(), types.NowMicros(), m.self.Value, m.selfSecret, relayKey.Value, raw)
	if err != nil {
		return fmt.Errorf("netman: encode signal envelope: %w", err)
	}

	if err := m.dialAndSend(ctx, relayKey, relayDetail, enc); err != nil {
		if m.ourRelay == nil {
			return fmt.Errorf("netman: dial peer's relay to signal: %w", err)
		}
		if err2 := m.dialAndSend(ctx, *m.ourRelay, m.ourRelayInfo, enc); err2 != nil {
			return fmt.Errorf("netman: signal retry via our inbound relay failed: %w", err2)
		}
	}

	if _, err := m.receipts.Wait(ctx, rn); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrSignalFailed, kind, err)
	}

	fh, ok := m.conns.Lookup(peer)
	if !ok {
		return fmt.Errorf("%w: signal confirmed but no flow was established", ErrUnreachable)
	}
	if err := m.transport.Send(ctx, fh, payload); err != nil {
		return fmt.Errorf("netman: send after signal: %w", err)
	}
	m.conns.Touch(peer)
	return nil
}

func (m *Manager) dialAndSend(ctx context.Context, peer types.TypedKey, detail types.DialInfoDetail, enc []byte) error {
	fh, err := m.transport.Dial(ctx, detail.Dial)
	if err != nil {
		return fmt.Errorf("netman: dial: %w", err)
	}
	if err := m.transport.Send(ctx, fh, enc); err != nil {
		return fmt.Errorf("netman: send: %w", err)
	}
	m.conns.Bind(peer, fh)
	return nil
}

// handleInbound is the transport.RecvFunc installed on construction. It
// runs the inbound validation pipeline: magic sniff, header decode plus
// signature verification, timestamp bounds, recipient-is-us check, and
// only then decrypt.
func (m *Manager) handleInbound(data []byte, from types.Flow) {
	if len(data) >= 4 && string(data[:4]) == signalRelayTag {
		m.handleRelayedSignal(data[4:], from)
		return
	}

	kind, ok := envelope.Sniff(data)
	if !ok {
		return // bare keep-alive
	}
	if kind == envelope.KindBootstrapReply {
		m.handleBootstrap(data, from)
		return
	}
	if kind == envelope.KindReceipt {
		nonce, extra, ok := envelope.DecodeReceipt(data)
		if ok {
			rn := receipt.Nonce(nonce)
			m.signalMu.Lock()
			peer, isSignal := m.signals[rn]
			m.signalMu.Unlock()
			if isSignal {
				m.conns.Bind(peer, genericFlow{flow: from})
			}
			m.receipts.ReturnReceipt(rn, extra)
		}
		if m.onReceipt != nil {
			m.onReceipt(data, types.TypedKey{})
		}
		return
	}
	env, err := envelope.Decode(m.sys, data)
	if err != nil {
		m.log.Debug("rejecting inbound envelope", zap.Error(err))
		return
	}
	if err := envelope.ValidateTimestamp(env.Timestamp, types.NowMicros(), (5 * time.Minute).Microseconds(), (5 * time.Minute).Microseconds()); err != nil {
		m.log.Debug("rejecting inbound envelope: bad timestamp", zap.Error(err))
		return
	}
	if env.Recipient != m.self.Value {
		m.forwardAsRelay(env, data)
		return
	}

	sender := types.TypedKey{Kind: m.sys.Kind(), Value: env.Sender}
	ids := types.NewTypedKeyGroup()
	_ = ids.Add(sender)
	if ref, err := m.table.RegisterNodeWithExistingConnection(env.Sender, ids, types.RoutingDomainPublicInternet, from, time.Now()); err == nil {
		ref.Release()
	}

	plaintext, err := m.OpenInner(env, m.selfSecret)
	if err != nil {
		m.log.Debug("rejecting inbound envelope: decrypt failed", zap.Error(err))
		return
	}

	var sig signalFrame
	if err := json.Unmarshal(plaintext, &sig); err == nil && (sig.Kind == signalReverseConnect || sig.Kind == signalHolePunch) {
		m.handleSignal(sig)
		return
	}

	if m.onMessage != nil {
		m.onMessage(plaintext, sender)
	}
}

// forwardAsRelay is reached when an inbound envelope names a recipient
// other than us: we are being asked to relay it. We forward at most one
// hop, and only when the named recipient is directly reachable from here
// (an existing flow or a plain dial), refusing to chain through a second
// relay or signal round trip (two-level rejection).
func (m *Manager) forwardAsRelay(env *envelope.Envelope, raw []byte) {
	target := types.TypedKey{Kind: m.sys.Kind(), Value: env.Recipient}
	method, detail, err := m.GetNodeContactMethod(target, types.RoutingDomainPublicInternet)
	if err != nil {
		m.log.Debug("refusing to relay: target unreachable", zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	switch method {
	case ContactMethodExistingFlow:
		if fh, ok := m.conns.Lookup(target); ok {
			if err := m.transport.Send(ctx, fh, raw); err != nil {
				m.log.Debug("relay forward over existing flow failed", zap.Error(err))
			}
		}
	case ContactMethodDirect:
		if err := m.dialAndSend(ctx, target, detail, raw); err != nil {
			m.log.Debug("relay forward dial failed", zap.Error(err))
		}
	default:
		m.log.Debug("refusing to relay: target not directly reachable from here", zap.String("method", method.String()))
	}
}

// handleSignal is reached once a signal request's envelope has been opened
// and addressed to us. If we are not the named target, we are the target's
// relay and forward the request over our existing flow to it, tagged with
// signalRelayTag so the client recognizes and unwraps it without a second
// envelope round trip. Otherwise we are the target: dial (or, for
// hole-punch, attempt the same direct dial as a simplification) toward
// Receiver's advertised dial info and, once a flow exists, return a
// receipt so the requester's sendViaSignal unblocks.
func (m *Manager) handleSignal(sig signalFrame) {
	if sig.Target != m.self.Value {
		fh, ok := m.conns.Lookup(types.TypedKey{Kind: m.sys.Kind(), Value: sig.Target})
		if !ok {
			m.log.Debug("dropping signal: no flow to named target")
			return
		}
		raw, err := json.Marshal(sig)
		if err != nil {
			return
		}
		tagged := append([]byte(signalRelayTag), raw...)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := m.transport.Send(ctx, fh, tagged); err != nil {
			m.log.Debug("forwarding signal to target failed", zap.Error(err))
		}
		return
	}
	m.handleRelayedSignal(mustMarshalSignal(sig), types.Flow{})
}

// handleRelayedSignal is invoked either when our relay hands us a
// signalRelayTag-prefixed frame over our inbound flow, or directly by
// handleSignal when we are our own relay's peer. It performs the actual
// dial/punch toward the requester and returns a receipt on success.
func (m *Manager) handleRelayedSignal(raw []byte, _ types.Flow) {
	var sig signalFrame
	if err := json.Unmarshal(raw, &sig); err != nil {
		m.log.Debug("dropping malformed signal frame", zap.Error(err))
		return
	}
	if sig.Dial.Dial.Address == "" {
		m.log.Debug("dropping signal: requester advertised no dial info")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	requester := types.TypedKey{Kind: m.sys.Kind(), Value: sig.Receiver}
	fh, err := m.transport.Dial(ctx, sig.Dial.Dial)
	if err != nil {
		m.log.Debug("signal dial-back failed", zap.Error(err), zap.String("kind", string(sig.Kind)))
		return
	}
	m.conns.Bind(requester, fh)

	receiptFrame := envelope.EncodeReceipt(sig.Receipt, nil)
	if err := m.transport.Send(ctx, fh, receiptFrame); err != nil {
		m.log.Debug("sending signal receipt failed", zap.Error(err))
	}
}

func mustMarshalSignal(sig signalFrame) []byte {
	raw, err := json.Marshal(sig)
	if err != nil {
		return nil
	}
	return raw
}

// OpenInner decrypts an already-validated envelope's body. Split from
// handleInbound so the RPC layer controls exactly when decryption happens
// relative to recipient/relay logic.
func (m *Manager) OpenInner(env *envelope.Envelope, ourSecret [32]byte) ([]byte, error) {
	return envelope.Open(m.sys, env, ourSecret)
}
