// Package discover implements LAN bootstrap for the LocalNetwork routing
// domain: libp2p mDNS advertisement/discovery plus an encrypted UDP
// multicast beacon for segments where mDNS is filtered, feeding
// discovered peers into the LocalNetwork routing table.
package discover

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	mdns "github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"go.uber.org/zap"

	"github.com/kyanha/overlaynode/internal/crypto"
	"github.com/kyanha/overlaynode/internal/routingtable"
	"github.com/kyanha/overlaynode/internal/types"
)

const mdnsServiceTag = "overlaynode-local"

// mdnsNotifee forwards libp2p mDNS peer discoveries into the routing
// table instead of attempting a direct connect.
type mdnsNotifee struct {
	log   *zap.Logger
	host  host.Host
	table *routingtable.Table
	sys   crypto.System
}

func (n *mdnsNotifee) HandlePeerFound(pi peer.AddrInfo) {
	if pi.ID == n.host.ID() {
		return
	}
	n.log.Debug("mdns peer found", zap.String("peer", pi.ID.String()))
	var key [32]byte
	copy(key[:], []byte(pi.ID))
	ids := types.NewTypedKeyGroup()
	_ = ids.Add(types.TypedKey{Kind: n.sys.Kind(), Value: key})
	flow := types.Flow{RemotePeerAddress: pi.ID.String()}
	if ref, err := n.table.RegisterNodeWithExistingConnection(key, ids, types.RoutingDomainLocalNetwork, flow, time.Now()); err == nil {
		ref.Release()
	}
}

// StartMDNS registers an mDNS advertiser/listener on h, feeding discoveries
// into table's LocalNetwork domain.
func StartMDNS(log *zap.Logger, h host.Host, table *routingtable.Table, sys crypto.System) (mdns.Service, error) {
	notifee := &mdnsNotifee{log: log.Named("discover.mdns"), host: h, table: table, sys: sys}
	svc := mdns.NewMdnsService(h, mdnsServiceTag, notifee)
	if err := svc.Start(); err != nil {
		return nil, fmt.Errorf("discover: mdns start: %w", err)
	}
	return svc, nil
}

// Beacon is the plaintext form of a LAN bootstrap announcement.
type Beacon struct {
	Type     string `json:"type"`
	NodeID   string `json:"node_id"`
	APIPort  int    `json:"api_port"`
	Hostname string `json:"hostname"`
	TS       int64  `json:"ts"`
	PubKey   string `json:"pub_key"`
}

// BeaconConfig parameterizes the multicast broadcaster/listener pair.
type BeaconConfig struct {
	Group         string
	Port          int
	Interface     *net.Interface
	LocalAddr     net.IP
	BroadcastIntv time.Duration
	Key           [32]byte // shared symmetric beacon key, out-of-band provisioned
}

// Broadcaster periodically emits an encrypted Beacon over UDP multicast.
type Broadcaster struct {
	log  *zap.Logger
	cfg  BeaconConfig
	sys  crypto.System
	self types.TypedKey
}

func NewBroadcaster(log *zap.Logger, cfg BeaconConfig, sys crypto.System, self types.TypedKey) *Broadcaster {
	return &Broadcaster{log: log.Named("discover.beacon"), cfg: cfg, sys: sys, self: self}
}

// Run sends beacons until ctx is canceled.
func (b *Broadcaster) Run(ctx context.Context, apiPort int, hostname string) error {
	addr := net.JoinHostPort(b.cfg.Group, strconv.Itoa(b.cfg.Port))
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("discover: resolve multicast addr: %w", err)
	}
	local := &net.UDPAddr{IP: b.cfg.LocalAddr, Port: 0}
	conn, err := net.DialUDP("udp", local, udpAddr)
	if err != nil {
		return fmt.Errorf("discover: dial multicast: %w", err)
	}
	defer conn.Close()

	ticker := time.NewTicker(b.cfg.BroadcastIntv)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			beacon := Beacon{
				Type:     "beacon",
				NodeID:   b.self.String(),
				APIPort:  apiPort,
				Hostname: hostname,
				TS:       time.Now().Unix(),
				PubKey:   base64.RawURLEncoding.EncodeToString(b.self.Value[:]),
			}
			pkt, err := b.encrypt(beacon)
			if err != nil {
				b.log.Warn("encrypt beacon failed, skipping", zap.Error(err))
				continue
			}
			if _, err := conn.Write(pkt); err != nil {
				b.log.Warn("beacon write failed", zap.Error(err))
			}
		}
	}
}

func (b *Broadcaster) encrypt(beacon Beacon) ([]byte, error) {
	plain, err := json.Marshal(beacon)
	if err != nil {
		return nil, err
	}
	nonce, err := b.sys.RandomNonce()
	if err != nil {
		return nil, err
	}
	ct := b.sys.AEADEncrypt(b.cfg.Key, nonce, plain, nil)
	return append(append([]byte(nil), nonce...), ct...), nil
}

func (b *Broadcaster) decrypt(pkt []byte) (Beacon, error) {
	var beacon Beacon
	if len(pkt) < crypto.NonceLength {
		return beacon, fmt.Errorf("discover: beacon packet too short")
	}
	nonce := pkt[:crypto.NonceLength]
	ct := pkt[crypto.NonceLength:]
	plain, err := b.sys.AEADDecrypt(b.cfg.Key, nonce, ct, nil)
	if err != nil {
		return beacon, fmt.Errorf("discover: beacon decrypt: %w", err)
	}
	if err := json.Unmarshal(plain, &beacon); err != nil {
		return beacon, fmt.Errorf("discover: beacon unmarshal: %w", err)
	}
	return beacon, nil
}

// Listener joins the multicast group and registers heard beacons into the
// LocalNetwork routing domain.
type Listener struct {
	log   *zap.Logger
	cfg   BeaconConfig
	sys   crypto.System
	table *routingtable.Table
	b     *Broadcaster // reused only for its decrypt helper
}

func NewListener(log *zap.Logger, cfg BeaconConfig, sys crypto.System, table *routingtable.Table) *Listener {
	return &Listener{log: log.Named("discover.listener"), cfg: cfg, sys: sys, table: table, b: &Broadcaster{sys: sys, cfg: cfg}}
}

// Run listens for beacons until ctx is canceled, using a 5s
// read-deadline poll so ctx.Done() is checked regularly even without
// inbound traffic.
func (l *Listener) Run(ctx context.Context) error {
	groupIP := net.ParseIP(l.cfg.Group)
	if groupIP == nil {
		return fmt.Errorf("discover: invalid multicast group %q", l.cfg.Group)
	}
	laddr := &net.UDPAddr{IP: groupIP, Port: l.cfg.Port}
	conn, err := net.ListenMulticastUDP("udp", l.cfg.Interface, laddr)
	if err != nil {
		return fmt.Errorf("discover: listen multicast: %w", err)
	}
	defer conn.Close()
	_ = conn.SetReadBuffer(1 << 20)

	buf := make([]byte, 65535)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		n, src, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			l.log.Warn("beacon read error", zap.Error(err))
			continue
		}
		beacon, err := l.b.decrypt(buf[:n])
		if err != nil || beacon.Type != "beacon" {
			continue
		}
		l.register(beacon, src)
	}
}

func (l *Listener) register(beacon Beacon, src *net.UDPAddr) {
	dec, err := base64.RawURLEncoding.DecodeString(beacon.PubKey)
	if err != nil || len(dec) != 32 {
		return
	}
	var key [32]byte
	copy(key[:], dec)
	ids := types.NewTypedKeyGroup()
	_ = ids.Add(types.TypedKey{Kind: l.sys.Kind(), Value: key})
	flow := types.Flow{RemotePeerAddress: net.JoinHostPort(src.IP.String(), strconv.Itoa(beacon.APIPort))}
	ref, err := l.table.RegisterNodeWithExistingConnection(key, ids, types.RoutingDomainLocalNetwork, flow, time.Now())
	if err != nil {
		return
	}
	ref.Release()
}
