package node

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kyanha/overlaynode/internal/recordstore"
	"github.com/kyanha/overlaynode/internal/routespec"
	"github.com/kyanha/overlaynode/internal/routingtable"
	"github.com/kyanha/overlaynode/internal/rpc"
	"github.com/kyanha/overlaynode/internal/types"
)

var (
	ErrNotRecordOwner = errors.New("node: this node does not hold the record's owner key")
	ErrNoClosePeers   = errors.New("node: no peers close to key")
)

// defaultRouteHopCount is the hop count NewPrivateRoute allocates when the
// caller has no custom spec.
const defaultRouteHopCount = 2

// RoutingContext is the per-application handle for DHT and messaging
// operations: the boundary surface applications reach the overlay through.
// Zero-valued safety means direct (unsafe) sends; WithSafety returns a
// derived context whose operations are wrapped in a safety route.
type RoutingContext struct {
	n      *Node
	safety *routespec.SafetySpec
}

// RoutingContext returns an unsafe (direct-send) routing context.
func (n *Node) RoutingContext() *RoutingContext {
	return &RoutingContext{n: n}
}

// WithSafety derives a context whose sends are wrapped in a safety route
// allocated per spec.
func (rc *RoutingContext) WithSafety(spec routespec.SafetySpec) *RoutingContext {
	return &RoutingContext{n: rc.n, safety: &spec}
}

// target builds the rpc Target for peer, attaching a safety route when this
// context carries a safety selection.
func (rc *RoutingContext) target(peer types.TypedKey) (rpc.Target, error) {
	t := rpc.Target{Mode: rpc.DestinationDirect, Peer: peer}
	if rc.safety != nil {
		route, err := rc.n.routes.AllocateRoute(*rc.safety)
		if err != nil {
			return t, fmt.Errorf("node: allocate safety route: %w", err)
		}
		t.Safety = route
	}
	return t, nil
}

// Wire bodies for the DHT value operations.

type valueKeyBody struct {
	Key    string `json:"key"`
	Subkey int    `json:"subkey"`
}

type valueBody struct {
	Key       string `json:"key"`
	Subkey    int    `json:"subkey"`
	Seq       uint32 `json:"seq"`
	Data      []byte `json:"data"`
	Signature []byte `json:"signature"`
}

type watchBody struct {
	Key        string `json:"key"`
	Subkeys    []int  `json:"subkeys"`
	Expiration int64  `json:"expiration_us"`
	Count      uint32 `json:"count"`
}

type watchAnswer struct {
	Expiration int64 `json:"expiration_us"`
}

type appBody struct {
	Message []byte `json:"message"`
}

// valueSigningBytes is the canonical byte string a subkey value's writer
// signature covers: record key, subkey index, sequence number, then data.
func valueSigningBytes(key recordstore.RecordKey, subkey int, seq uint32, data []byte) []byte {
	out := make([]byte, 0, 4+32+4+4+len(data))
	out = append(out, key.Kind[:]...)
	out = append(out, key.Value[:]...)
	var idx [4]byte
	binary.LittleEndian.PutUint32(idx[:], uint32(subkey))
	out = append(out, idx[:]...)
	var sq [4]byte
	binary.LittleEndian.PutUint32(sq[:], seq)
	out = append(out, sq[:]...)
	return append(out, data...)
}

// CreateDHTRecord generates a fresh owner keypair, opens a local record
// under it, and retains the secret so SetDHTValue can sign writes.
func (rc *RoutingContext) CreateDHTRecord(schema recordstore.Schema) (recordstore.RecordKey, error) {
	pub, secret, err := rc.n.sys.GenerateKeyPair()
	if err != nil {
		return recordstore.RecordKey{}, fmt.Errorf("node: generate record owner key: %w", err)
	}
	key := types.TypedKey{Kind: rc.n.sys.Kind(), Value: pub}
	if err := rc.n.records.CreateLocalRecord(key, schema); err != nil {
		return recordstore.RecordKey{}, err
	}
	rc.n.recordMu.Lock()
	rc.n.recordSecrets[key] = secret
	rc.n.recordMu.Unlock()
	return key, nil
}

// OpenDHTRecord registers interest in a record this node does not own,
// creating a remote cache slot for its subkeys.
func (rc *RoutingContext) OpenDHTRecord(key recordstore.RecordKey, schema recordstore.Schema) {
	rc.n.records.OpenRemoteRecord(key, schema)
}

// CloseDHTRecord forgets the owner secret for key. The record itself keeps
// being hosted (or cached) until DeleteDHTRecord.
func (rc *RoutingContext) CloseDHTRecord(key recordstore.RecordKey) {
	rc.n.recordMu.Lock()
	delete(rc.n.recordSecrets, key)
	rc.n.recordMu.Unlock()
}

// DeleteDHTRecord drops the record and its subkeys locally.
func (rc *RoutingContext) DeleteDHTRecord(key recordstore.RecordKey) error {
	rc.CloseDHTRecord(key)
	return rc.n.records.DeleteRecord(key)
}

// GetDHTValue returns the current value for (key, subkey). A local hit is
// returned immediately unless forceRefresh; otherwise the nodes closest to
// key are queried in preference order and the first signature-valid answer
// is cached and returned.
func (rc *RoutingContext) GetDHTValue(ctx context.Context, key recordstore.RecordKey, subkey int, forceRefresh bool) (*recordstore.SubkeyValue, error) {
	if !forceRefresh {
		if v, err := rc.n.records.GetSubkey(key, subkey); err == nil {
			return v, nil
		}
	}

	body, err := json.Marshal(valueKeyBody{Key: key.String(), Subkey: subkey})
	if err != nil {
		return nil, err
	}
	for _, peer := range rc.n.closestPeers(key.Value, 4) {
		dest, err := rc.target(peer)
		if err != nil {
			return nil, err
		}
		nonce, err := rc.n.sys.RandomNonce()
		if err != nil {
			return nil, err
		}
		answer, err := rc.n.rpcProc.AskVia(ctx, dest, types.RoutingDomainPublicInternet, rpc.MethodGetValue, nonce, body)
		if err != nil {
			continue
		}
		var vb valueBody
		if err := json.Unmarshal(answer, &vb); err != nil || len(vb.Data) == 0 {
			continue
		}
		if err := rc.n.sys.Verify(key.Value, valueSigningBytes(key, vb.Subkey, vb.Seq, vb.Data), vb.Signature); err != nil {
			rc.n.log.Debug("discarding dht answer with bad writer signature", zap.String("key", key.String()))
			continue
		}
		value := recordstore.SubkeyValue{Seq: vb.Seq, Data: vb.Data, Signature: vb.Signature}
		rc.n.records.OpenRemoteRecord(key, remoteSchemaFor(subkey))
		if err := rc.n.records.SetSubkey(key, subkey, value); err != nil && !errors.Is(err, recordstore.ErrStaleSeq) {
			rc.n.log.Debug("caching fetched dht value failed", zap.Error(err))
		}
		return rc.n.records.GetSubkey(key, subkey)
	}
	return nil, recordstore.ErrNotFound
}

// SetDHTValue signs data under the record's owner key with the next
// sequence number, stores it locally, and pushes it to the closest peers.
// Only records created by this node (whose owner secret we hold) are
// writable.
func (rc *RoutingContext) SetDHTValue(ctx context.Context, key recordstore.RecordKey, subkey int, data []byte) (*recordstore.SubkeyValue, error) {
	rc.n.recordMu.Lock()
	secret, ok := rc.n.recordSecrets[key]
	rc.n.recordMu.Unlock()
	if !ok {
		return nil, ErrNotRecordOwner
	}

	var seq uint32
	if prev, err := rc.n.records.GetSubkey(key, subkey); err == nil {
		seq = prev.Seq + 1
	}
	sig, err := rc.n.sys.Sign(secret, key.Value, valueSigningBytes(key, subkey, seq, data))
	if err != nil {
		return nil, fmt.Errorf("node: sign subkey value: %w", err)
	}
	value := recordstore.SubkeyValue{Seq: seq, Data: data, Signature: sig}
	if err := rc.n.records.SetSubkey(key, subkey, value); err != nil {
		return nil, err
	}

	body, err := json.Marshal(valueBody{Key: key.String(), Subkey: subkey, Seq: seq, Data: data, Signature: sig})
	if err != nil {
		return nil, err
	}
	for _, peer := range rc.n.closestPeers(key.Value, 4) {
		dest, err := rc.target(peer)
		if err != nil {
			return nil, err
		}
		if err := rc.n.rpcProc.TellVia(ctx, dest, types.RoutingDomainPublicInternet, rpc.MethodSetValue, body); err != nil {
			rc.n.log.Debug("pushing dht value failed", zap.String("peer", peer.String()), zap.Error(err))
		}
	}
	return rc.n.records.GetSubkey(key, subkey)
}

// WatchDHTValues registers a watch on subkeys of key, locally when this
// node holds the record and remotely at the closest peer otherwise. A count
// of zero is a cancel. The returned time is the accepted
// (clamped) expiration.
func (rc *RoutingContext) WatchDHTValues(ctx context.Context, key recordstore.RecordKey, subkeys []int, expiration time.Time, count uint32) (time.Time, error) {
	if count == 0 {
		return time.Time{}, rc.CancelDHTWatch(ctx, key, subkeys)
	}

	var accepted time.Time
	localErr := error(nil)
	for _, sk := range subkeys {
		exp, err := rc.n.records.Watch(key, rc.n.self, rc.n.self, sk, expiration, count)
		if err != nil {
			localErr = err
			break
		}
		accepted = exp
	}
	if localErr == nil && !accepted.IsZero() {
		return accepted, nil
	}
	if !errors.Is(localErr, recordstore.ErrNotFound) && localErr != nil {
		return time.Time{}, localErr
	}

	body, err := json.Marshal(watchBody{Key: key.String(), Subkeys: subkeys, Expiration: expiration.UnixMicro(), Count: count})
	if err != nil {
		return time.Time{}, err
	}
	for _, peer := range rc.n.closestPeers(key.Value, 4) {
		dest, err := rc.target(peer)
		if err != nil {
			return time.Time{}, err
		}
		nonce, err := rc.n.sys.RandomNonce()
		if err != nil {
			return time.Time{}, err
		}
		answer, err := rc.n.rpcProc.AskVia(ctx, dest, types.RoutingDomainPublicInternet, rpc.MethodWatchValue, nonce, body)
		if err != nil {
			continue
		}
		var wa watchAnswer
		if err := json.Unmarshal(answer, &wa); err != nil {
			continue
		}
		return time.UnixMicro(wa.Expiration), nil
	}
	return time.Time{}, ErrNoClosePeers
}

// CancelDHTWatch removes this node's watches on subkeys of key, locally and
// at the closest peers (a remote watch request with count zero).
func (rc *RoutingContext) CancelDHTWatch(ctx context.Context, key recordstore.RecordKey, subkeys []int) error {
	for _, sk := range subkeys {
		rc.n.records.CancelWatch(key, rc.n.self, rc.n.self, sk)
	}
	body, err := json.Marshal(watchBody{Key: key.String(), Subkeys: subkeys, Count: 0})
	if err != nil {
		return err
	}
	for _, peer := range rc.n.closestPeers(key.Value, 4) {
		dest, err := rc.target(peer)
		if err != nil {
			return err
		}
		if err := rc.n.rpcProc.TellVia(ctx, dest, types.RoutingDomainPublicInternet, rpc.MethodWatchValue, body); err != nil {
			rc.n.log.Debug("cancelling remote watch failed", zap.String("peer", peer.String()), zap.Error(err))
		}
	}
	return nil
}

// AppCall sends an application-defined question to peer and blocks for the
// peer's reply.
func (rc *RoutingContext) AppCall(ctx context.Context, peer types.TypedKey, message []byte) ([]byte, error) {
	dest, err := rc.target(peer)
	if err != nil {
		return nil, err
	}
	nonce, err := rc.n.sys.RandomNonce()
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(appBody{Message: message})
	if err != nil {
		return nil, err
	}
	answer, err := rc.n.rpcProc.AskVia(ctx, dest, types.RoutingDomainPublicInternet, rpc.MethodAppCallQuestion, nonce, body)
	if err != nil {
		return nil, err
	}
	var reply appBody
	if err := json.Unmarshal(answer, &reply); err != nil {
		return answer, nil
	}
	return reply.Message, nil
}

// AppMessage sends a fire-and-forget application message to peer.
func (rc *RoutingContext) AppMessage(ctx context.Context, peer types.TypedKey, message []byte) error {
	dest, err := rc.target(peer)
	if err != nil {
		return err
	}
	body, err := json.Marshal(appBody{Message: message})
	if err != nil {
		return err
	}
	return rc.n.rpcProc.TellVia(ctx, dest, types.RoutingDomainPublicInternet, rpc.MethodAppMessage, body)
}

// NewPrivateRoute allocates a receiver-anonymizing route with the default
// hop count, signs and publishes it, and returns its id plus the blob other
// nodes import to address us through it.
func (rc *RoutingContext) NewPrivateRoute() (routespec.RouteID, []byte, error) {
	return rc.NewCustomPrivateRoute(routespec.SafetySpec{
		HopCount:  defaultRouteHopCount,
		Stability: routespec.StabilityReliable,
	})
}

// NewCustomPrivateRoute is NewPrivateRoute with a caller-chosen spec.
func (rc *RoutingContext) NewCustomPrivateRoute(spec routespec.SafetySpec) (routespec.RouteID, []byte, error) {
	route, err := rc.n.routes.AllocateRoute(spec)
	if err != nil {
		return routespec.RouteID{}, nil, err
	}
	if err := rc.n.routes.SignRoute(route, rc.n.selfSecret); err != nil {
		return routespec.RouteID{}, nil, err
	}
	if err := rc.n.routes.MarkPublished(route.ID); err != nil {
		return routespec.RouteID{}, nil, err
	}
	blob, err := routespec.PrivateRoutesToBlob([]*routespec.Route{route})
	if err != nil {
		return routespec.RouteID{}, nil, err
	}
	rc.n.emit(Update{Kind: UpdateRoute, Message: "private route published: " + route.ID.String()})
	return route.ID, blob, nil
}

// ImportRemotePrivateRoute registers another node's published route blob
// and returns the id this node addresses it by.
func (rc *RoutingContext) ImportRemotePrivateRoute(blob []byte) (routespec.RouteID, error) {
	return rc.n.routes.ImportRemoteRoute(blob)
}

// ReleasePrivateRoute forgets an allocated or imported route.
func (rc *RoutingContext) ReleasePrivateRoute(id routespec.RouteID) {
	rc.n.routes.Release(id)
	rc.n.emit(Update{Kind: UpdateRoute, Message: "private route released: " + id.String()})
}

// closestPeers returns up to n peer keys closest to target in the
// PublicInternet table.
func (n *Node) closestPeers(target [32]byte, max int) []types.TypedKey {
	refs := n.tables[types.RoutingDomainPublicInternet].FindPreferredClosestNodes(max, target, []routingtable.Filter{
		routingtable.CryptoKindFilter(n.sys.Kind()),
	}, nil)
	out := make([]types.TypedKey, 0, len(refs))
	for _, ref := range refs {
		if key, ok := ref.NodeIDs().Get(n.sys.Kind()); ok {
			out = append(out, key)
		}
		ref.Release()
	}
	return out
}

// SetAppCallHandler installs the application's synchronous app_call
// responder. Without one, inbound app calls surface on the update stream
// and answer empty.
func (n *Node) SetAppCallHandler(fn func(ctx context.Context, from types.TypedKey, message []byte) ([]byte, error)) {
	n.appCall = fn
}

// registerDHTHandlers binds the node-side halves of the DHT value and app
// messaging operations.
func (n *Node) registerDHTHandlers() {
	n.rpcProc.RegisterHandler(rpc.MethodGetValue, func(_ context.Context, _ types.TypedKey, body json.RawMessage) (json.RawMessage, error) {
		var req valueKeyBody
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, err
		}
		key, err := types.ParseTypedKey(req.Key)
		if err != nil {
			return nil, err
		}
		v, err := n.records.GetSubkey(key, req.Subkey)
		if err != nil {
			return nil, err
		}
		return json.Marshal(valueBody{Key: req.Key, Subkey: req.Subkey, Seq: v.Seq, Data: v.Data, Signature: v.Signature})
	})

	n.rpcProc.RegisterHandler(rpc.MethodSetValue, func(_ context.Context, _ types.TypedKey, body json.RawMessage) (json.RawMessage, error) {
		return nil, n.applyRemoteValue(body)
	})

	n.rpcProc.RegisterHandler(rpc.MethodValueChanged, func(_ context.Context, _ types.TypedKey, body json.RawMessage) (json.RawMessage, error) {
		return nil, n.applyRemoteValue(body)
	})

	n.rpcProc.RegisterHandler(rpc.MethodWatchValue, func(_ context.Context, from types.TypedKey, body json.RawMessage) (json.RawMessage, error) {
		var req watchBody
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, err
		}
		key, err := types.ParseTypedKey(req.Key)
		if err != nil {
			return nil, err
		}
		if req.Count == 0 {
			for _, sk := range req.Subkeys {
				n.records.CancelWatch(key, n.self, from, sk)
			}
			return json.Marshal(watchAnswer{})
		}
		var accepted time.Time
		for _, sk := range req.Subkeys {
			exp, err := n.records.Watch(key, n.self, from, sk, time.UnixMicro(req.Expiration), req.Count)
			if err != nil {
				return nil, err
			}
			accepted = exp
		}
		return json.Marshal(watchAnswer{Expiration: accepted.UnixMicro()})
	})

	n.rpcProc.RegisterHandler(rpc.MethodAppCallQuestion, func(ctx context.Context, from types.TypedKey, body json.RawMessage) (json.RawMessage, error) {
		var req appBody
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, err
		}
		if n.appCall != nil {
			out, err := n.appCall(ctx, from, req.Message)
			if err != nil {
				return nil, err
			}
			return json.Marshal(appBody{Message: out})
		}
		n.emit(Update{Kind: UpdateAppCall, From: from, Body: req.Message})
		return json.Marshal(appBody{})
	})

	n.rpcProc.RegisterHandler(rpc.MethodAppMessage, func(_ context.Context, from types.TypedKey, body json.RawMessage) (json.RawMessage, error) {
		var req appBody
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, err
		}
		n.emit(Update{Kind: UpdateAppMessage, From: from, Body: req.Message})
		return nil, nil
	})
}

// remoteSchemaFor sizes a remote record cache slot whose real schema we
// never saw: wide enough for the observed subkey, with a floor of 32 so
// neighbouring subkeys of the same record fit without reopening.
func remoteSchemaFor(subkey int) recordstore.Schema {
	count := subkey + 1
	if count < 32 {
		count = 32
	}
	return recordstore.Schema{Kind: recordstore.SchemaDFLT, SubkeyCount: count}
}

// applyRemoteValue validates and stores an unsolicited subkey value pushed
// by a peer (set_value or value_changed). The writer signature is checked
// against the record's owner key before anything mutates (only owner-signed
// writes are accepted from the network).
func (n *Node) applyRemoteValue(body json.RawMessage) error {
	var vb valueBody
	if err := json.Unmarshal(body, &vb); err != nil {
		return err
	}
	key, err := types.ParseTypedKey(vb.Key)
	if err != nil {
		return err
	}
	if err := n.sys.Verify(key.Value, valueSigningBytes(key, vb.Subkey, vb.Seq, vb.Data), vb.Signature); err != nil {
		return fmt.Errorf("node: remote value signature invalid: %w", err)
	}
	n.records.OpenRemoteRecord(key, remoteSchemaFor(vb.Subkey))
	err = n.records.SetSubkey(key, vb.Subkey, recordstore.SubkeyValue{Seq: vb.Seq, Data: vb.Data, Signature: vb.Signature})
	if errors.Is(err, recordstore.ErrStaleSeq) {
		return nil // idempotent replay, not an error worth answering with
	}
	return err
}
