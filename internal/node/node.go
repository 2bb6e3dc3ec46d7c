// Package node wires every component (crypto, transport, connmgr,
// routingtable, envelope, netman, receipt, routespec, rpc, recordstore,
// storage, discover) into a single running overlay node and exposes the
// update stream: the structured event-callback surface applications
// subscribe to.
package node

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/kyanha/overlaynode/internal/config"
	"github.com/kyanha/overlaynode/internal/connmgr"
	"github.com/kyanha/overlaynode/internal/crypto"
	"github.com/kyanha/overlaynode/internal/discover"
	"github.com/kyanha/overlaynode/internal/metrics"
	"github.com/kyanha/overlaynode/internal/netman"
	"github.com/kyanha/overlaynode/internal/receipt"
	"github.com/kyanha/overlaynode/internal/recordstore"
	"github.com/kyanha/overlaynode/internal/routespec"
	"github.com/kyanha/overlaynode/internal/routingtable"
	"github.com/kyanha/overlaynode/internal/rpc"
	"github.com/kyanha/overlaynode/internal/storage"
	"github.com/kyanha/overlaynode/internal/transport"
	"github.com/kyanha/overlaynode/internal/types"

	p2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
)

// UpdateKind discriminates the events a Node reports to its application
// over the update stream.
type UpdateKind int

const (
	UpdateLog UpdateKind = iota
	UpdateAppMessage
	UpdateAppCall
	UpdateAttachment
	UpdateNetwork
	UpdateConfig
	UpdateRoute
	UpdateShutdown
)

// Update is one event delivered on the update stream.
type Update struct {
	Kind    UpdateKind
	Message string
	From    types.TypedKey
	Body    []byte
}

// UpdateFunc is the application-supplied update-stream callback.
type UpdateFunc func(Update)

// Node owns every per-node component and the background maintenance loop.
type Node struct {
	log    *zap.Logger
	cfg    *config.Config
	update UpdateFunc

	self       types.TypedKey
	selfSecret [32]byte

	sys       crypto.System
	transport *transport.LibP2PTransport
	conns     *connmgr.Manager
	tables    map[types.RoutingDomain]*routingtable.Table
	net       *netman.Manager
	receipts  *receipt.Manager
	routes    *routespec.Store
	rpcProc   *rpc.Processor
	records   *recordstore.Store
	space     *recordstore.SpaceAccount
	db        *storage.DB
	metrics   *metrics.Registry

	mdnsCloser interface{ Close() error }

	// recordSecrets holds the owner secret for every DHT record this node
	// created, so SetDHTValue can sign writes (see routingcontext.go).
	recordMu      sync.Mutex
	recordSecrets map[types.TypedKey][32]byte

	appCall func(ctx context.Context, from types.TypedKey, message []byte) ([]byte, error)

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs and wires a Node from cfg, generating a fresh identity
// keypair. It does not yet start background loops or listeners; call Run
// for that.
func New(log *zap.Logger, cfg *config.Config, update UpdateFunc) (*Node, error) {
	sys := crypto.NewVLD0()
	pub, secret, err := sys.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("node: generate identity: %w", err)
	}
	self := types.TypedKey{Kind: sys.Kind(), Value: pub}

	db, err := storage.Open(cfg.DataDir + "/node.sqlite")
	if err != nil {
		return nil, fmt.Errorf("node: open storage: %w", err)
	}

	space := recordstore.NewSpaceAccount(cfg.MaxStorageBytes)
	records, err := recordstore.NewStore(db, space, 4096)
	if err != nil {
		return nil, fmt.Errorf("node: new record store: %w", err)
	}
	if err := records.Load(context.Background()); err != nil {
		return nil, fmt.Errorf("node: rehydrate record store: %w", err)
	}

	tables := map[types.RoutingDomain]*routingtable.Table{
		types.RoutingDomainPublicInternet: routingtable.NewTable(log, sys.Kind(), pub),
		types.RoutingDomainLocalNetwork:    routingtable.NewTable(log, sys.Kind(), pub),
	}

	n := &Node{
		log: log, cfg: cfg, update: update,
		self: self, selfSecret: secret,
		sys: sys, tables: tables, records: records, space: space, db: db,
		metrics:       metrics.New(),
		recordSecrets: make(map[types.TypedKey][32]byte),
	}

	p2pPriv, _, err := p2pcrypto.GenerateEd25519Key(nil)
	if err != nil {
		return nil, fmt.Errorf("node: generate libp2p identity: %w", err)
	}
	tr, err := transport.NewLibP2PTransport(log, p2pPriv, "/overlaynode/1.0.0", cfg.ListenAddrs)
	if err != nil {
		return nil, fmt.Errorf("node: new transport: %w", err)
	}
	n.transport = tr

	conns, err := connmgr.NewManager(cfg.MaxConnections, func(_ types.TypedKey, fh transport.FlowHandle) {
		n.emit(Update{Kind: UpdateNetwork, Message: "flow evicted: " + fh.Flow().RemotePeerAddress})
	})
	if err != nil {
		return nil, fmt.Errorf("node: new connmgr: %w", err)
	}
	n.conns = conns

	var selfInfo types.NodeInfo
	n.receipts = receipt.New(log)
	n.net = netman.New(log, self, secret, &selfInfo, sys, tr, conns, tables[types.RoutingDomainPublicInternet], n.receipts)
	n.routes = routespec.NewStore(sys, self, tables[types.RoutingDomainPublicInternet])
	n.rpcProc = rpc.New(log, sys, n.net, n.routes, secret, cfg.MaxInFlightRPC)
	n.routes.SetProbeFunc(n.probeRoute)
	if err := n.routes.LoadOwnedRoutes(context.Background(), db); err != nil {
		return nil, fmt.Errorf("node: rehydrate published routes: %w", err)
	}
	n.registerStatusHandler()
	n.registerDHTHandlers()

	return n, nil
}

// registerStatusHandler answers inbound StatusQ with an empty StatusA,
// the minimal handshake the ping validator needs to confirm a peer is
// still alive and has seen our current node-info timestamp.
func (n *Node) registerStatusHandler() {
	n.rpcProc.RegisterHandler(rpc.MethodStatusQuestion, func(_ context.Context, _ types.TypedKey, _ json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage("{}"), nil
	})
}

func (n *Node) emit(u Update) {
	if n.update != nil {
		n.update(u)
	}
}

// Self returns this node's public key.
func (n *Node) Self() types.TypedKey { return n.self }

// RPC returns the rpc.Processor so the embedding application can register
// method handlers before Run starts accepting traffic.
func (n *Node) RPC() *rpc.Processor { return n.rpcProc }

// Records returns the local DHT record store.
func (n *Node) Records() *recordstore.Store { return n.records }

// Run starts background maintenance (routing-table ticks, LAN discovery)
// and blocks until ctx is canceled.
func (n *Node) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	n.cancel = cancel
	defer cancel()

	if n.cfg.LocalNetwork.Enabled {
		svc, err := discover.StartMDNS(n.log, n.transport.Host(), n.tables[types.RoutingDomainLocalNetwork], n.sys)
		if err != nil {
			n.log.Warn("mdns start failed, continuing without LAN discovery", zap.Error(err))
		} else {
			n.mdnsCloser = svc
		}
		n.startBeacon(ctx)
	}

	n.wg.Add(1)
	go n.maintenanceLoop(ctx)

	if n.cfg.Metrics.Enabled {
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			if err := n.metrics.Serve(ctx, n.cfg.Metrics.Listen); err != nil {
				n.log.Warn("metrics server stopped", zap.Error(err))
			}
		}()
	}

	n.emit(Update{Kind: UpdateNetwork, Message: "node started", From: n.self})
	<-ctx.Done()
	n.emit(Update{Kind: UpdateShutdown, Message: "node shutting down"})
	n.wg.Wait()
	return n.shutdown()
}

func (n *Node) shutdown() error {
	if n.mdnsCloser != nil {
		_ = n.mdnsCloser.Close()
	}
	if err := n.routes.SaveOwnedRoutes(context.Background(), n.db); err != nil {
		n.log.Warn("persisting published routes", zap.Error(err))
	}
	if err := n.transport.Close(); err != nil {
		n.log.Warn("transport close", zap.Error(err))
	}
	return n.db.Close()
}

// startBeacon runs the encrypted UDP multicast broadcaster/listener pair
// alongside mDNS, so fresh nodes on the same segment can meet without any
// public bootstrap. Both directions are best-effort: a malformed beacon key or a
// multicast bind failure only disables LAN beacon discovery, never the
// node as a whole.
func (n *Node) startBeacon(ctx context.Context) {
	keyBytes, err := hex.DecodeString(n.cfg.LocalNetwork.BeaconKey)
	if err != nil || len(keyBytes) != 32 {
		n.log.Warn("invalid local_network.beacon_key, skipping UDP beacon discovery")
		return
	}
	var key [32]byte
	copy(key[:], keyBytes)

	cfg := discover.BeaconConfig{
		Group:         n.cfg.LocalNetwork.MulticastAddr,
		Port:          n.cfg.LocalNetwork.MulticastPort,
		BroadcastIntv: n.cfg.LocalNetwork.BroadcastIntv,
		Key:           key,
	}

	hostname, _ := os.Hostname()
	broadcaster := discover.NewBroadcaster(n.log, cfg, n.sys, n.self)
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := broadcaster.Run(ctx, 0, hostname); err != nil {
			n.log.Warn("beacon broadcaster stopped", zap.Error(err))
		}
	}()

	listener := discover.NewListener(n.log, cfg, n.sys, n.tables[types.RoutingDomainLocalNetwork])
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := listener.Run(ctx); err != nil {
			n.log.Warn("beacon listener stopped", zap.Error(err))
		}
	}()
}

// maintenanceLoop runs the periodic routing-table tick, dead-entry prune,
// and receipt-waiter sweep at a fixed cadence.
func (n *Node) maintenanceLoop(ctx context.Context) {
	defer n.wg.Done()
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	cfg := routingtable.TickConfig{
		DeadTimeout:  n.cfg.DeadTimeout,
		PingInterval: n.cfg.PingInterval,
		Warmup:       n.cfg.Warmup,
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, table := range n.tables {
				for _, cand := range table.Tick(cfg) {
					n.wg.Add(1)
					go n.sendPing(ctx, cand, cfg.Warmup)
				}
				table.PruneDead()
			}
			n.receipts.Sweep(5 * time.Minute)
			n.deliverValueChanges(ctx)
			n.log.Debug("storage usage", zap.String("used", humanize.Bytes(uint64(n.space.Used()))))
		}
	}
}

// deliverValueChanges drains pending watch notifications and pushes each
// to its remote watcher as a value_changed statement. Changes watched by
// this node itself stay queued for the application's own TakeValueChanges
// drain.
func (n *Node) deliverValueChanges(ctx context.Context) {
	for _, watcher := range n.records.PendingWatchers() {
		if watcher == n.self {
			continue
		}
		for _, ch := range n.records.TakeValueChanges(watcher) {
			if ch.Value == nil {
				continue
			}
			body, err := json.Marshal(valueBody{
				Key: ch.Key.String(), Subkey: ch.Subkey,
				Seq: ch.Value.Seq, Data: ch.Value.Data, Signature: ch.Value.Signature,
			})
			if err != nil {
				continue
			}
			sctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			if err := n.rpcProc.Tell(sctx, watcher, types.RoutingDomainPublicInternet, rpc.MethodValueChanged, body); err != nil {
				n.log.Debug("delivering value change failed", zap.String("watcher", watcher.String()), zap.Error(err))
			}
			cancel()
		}
	}
}

// sendPing issues a StatusQ to a ping-due candidate and applies the
// resulting liveness transition, always releasing the NodeRef Tick handed
// us regardless of outcome.
func (n *Node) sendPing(ctx context.Context, cand routingtable.PingCandidate, warmup time.Duration) {
	defer n.wg.Done()
	defer cand.Ref.Release()

	entry := cand.Ref.Entry()
	peer, ok := cand.Ref.NodeIDs().Get(n.sys.Kind())
	if !ok {
		return
	}
	nonce, err := n.sys.RandomNonce()
	if err != nil {
		return
	}

	pctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	start := time.Now()
	if _, err := n.rpcProc.Ask(pctx, peer, cand.Domain, rpc.MethodStatusQuestion, nonce, json.RawMessage("{}")); err != nil {
		entry.RecordLostAnswer()
		return
	}
	entry.RecordAnswerReceived(time.Since(start), warmup)
	entry.ConfirmOurNodeInfo(cand.Domain, types.NowMicros())
}

// probeRoute is routespec.ProbeFunc: it renders a StatusQ, onion-wraps it
// through route, and waits on the answer arriving back over the same
// route (the route doubles as its own reply path, per AskVia's
// RespondToPrivateRoute wiring), giving routespec.TestRoute a real round
// trip to judge instead of a stub.
func (n *Node) probeRoute(route *routespec.Route) error {
	nonce, err := n.sys.RandomNonce()
	if err != nil {
		return err
	}
	opID := n.rpcProc.NewOpID(nonce)
	op := rpc.Operation{Kind: rpc.OpQuestion, Method: rpc.MethodStatusQuestion, OpID: opID, Body: json.RawMessage("{}"), RespondTo: rpc.RespondToPrivateRoute, ReplyRoute: route.ID}
	raw, err := json.Marshal(op)
	if err != nil {
		return err
	}
	wrapped, err := n.routes.CompileSafetyRoute(route, hex.EncodeToString(opID[:]), raw)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err = n.rpcProc.AskViaRoute(ctx, route.Hops[0].Peer, types.RoutingDomainPublicInternet, opID, wrapped)
	return err
}

// Stop cancels the running maintenance loop and listeners; safe to call
// even if Run was never started.
func (n *Node) Stop() {
	if n.cancel != nil {
		n.cancel()
	}
}
