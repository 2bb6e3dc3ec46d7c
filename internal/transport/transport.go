// Package transport opens and listens per-protocol flows, sends bytes on
// an existing flow, and dials by address. The core treats concrete socket
// I/O as a pluggable collaborator; this package defines that seam and a
// libp2p-backed implementation (default security, default muxers, default
// transports, explicit listen addresses).
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	libp2p "github.com/libp2p/go-libp2p"
	p2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
	"go.uber.org/zap"

	"github.com/kyanha/overlaynode/internal/types"
)

var (
	ErrNotSent    = errors.New("transport: data not sent, retry via another flow")
	ErrNoSuchFlow = errors.New("transport: no such flow")
	ErrDialFailed = errors.New("transport: dial failed")
)

// FlowHandle is an opaque handle a Transport hands back for an established
// path; it round-trips through Send/Close without the caller inspecting it.
type FlowHandle interface {
	Flow() types.Flow
}

// RecvFunc is invoked with inbound bytes and the flow they arrived on.
type RecvFunc func(data []byte, from types.Flow)

// Transport is the seam between the core and concrete socket I/O.
type Transport interface {
	// Dial opens a new flow to addr, returning a handle.
	Dial(ctx context.Context, addr types.DialInfo) (FlowHandle, error)
	// Send writes bytes on an existing flow.
	Send(ctx context.Context, fh FlowHandle, data []byte) error
	// SetRecvHandler installs the callback for inbound bytes.
	SetRecvHandler(fn RecvFunc)
	// LocalAddrs returns our currently bound listen addresses.
	LocalAddrs() []string
	// Close tears down all listeners and open flows.
	Close() error
}

// libp2pFlow wraps a libp2p network.Stream as a FlowHandle.
type libp2pFlow struct {
	s    network.Stream
	flow types.Flow
}

func (f *libp2pFlow) Flow() types.Flow { return f.flow }

// LibP2PTransport is the default Transport: a libp2p.Host with default
// security, default muxers, default transports (TCP/QUIC/WebRTC), and
// explicit listen addresses.
type LibP2PTransport struct {
	log  *zap.Logger
	host host.Host
	pid  protocol.ID

	mu     sync.Mutex
	onRecv RecvFunc
}

// NewLibP2PTransport builds a host from a libp2p identity and registers a
// single stream protocol carrying this overlay's envelopes.
func NewLibP2PTransport(log *zap.Logger, priv p2pcrypto.PrivKey, protocolID string, listenAddrs []string) (*LibP2PTransport, error) {
	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.DefaultSecurity,
		libp2p.DefaultMuxers,
		libp2p.DefaultTransports,
		libp2p.ListenAddrStrings(listenAddrs...),
	)
	if err != nil {
		return nil, fmt.Errorf("transport: libp2p.New: %w", err)
	}
	t := &LibP2PTransport{log: log, host: h, pid: protocol.ID(protocolID)}
	t.registerHandler()
	return t, nil
}

func (t *LibP2PTransport) registerHandler() {
	t.host.SetStreamHandler(t.pid, func(s network.Stream) {
		defer s.Close()
		buf := make([]byte, 64*1024)
		for {
			n, err := s.Read(buf)
			if n > 0 {
				t.mu.Lock()
				cb := t.onRecv
				t.mu.Unlock()
				if cb != nil {
					remote := s.Conn().RemoteMultiaddr().String()
					cb(append([]byte(nil), buf[:n]...), types.Flow{RemotePeerAddress: remote})
				}
			}
			if err != nil {
				return
			}
		}
	})
}

func (t *LibP2PTransport) SetRecvHandler(fn RecvFunc) {
	t.mu.Lock()
	t.onRecv = fn
	t.mu.Unlock()
}

func (t *LibP2PTransport) Dial(ctx context.Context, addr types.DialInfo) (FlowHandle, error) {
	info, err := peer.AddrInfoFromString(addr.Address)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDialFailed, err)
	}
	if err := t.host.Connect(ctx, *info); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDialFailed, err)
	}
	s, err := t.host.NewStream(ctx, info.ID, t.pid)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDialFailed, err)
	}
	return &libp2pFlow{s: s, flow: types.Flow{RemotePeerAddress: addr.Address}}, nil
}

func (t *LibP2PTransport) Send(ctx context.Context, fh FlowHandle, data []byte) error {
	lf, ok := fh.(*libp2pFlow)
	if !ok {
		return ErrNoSuchFlow
	}
	if _, err := lf.s.Write(data); err != nil {
		return fmt.Errorf("%w: %v", ErrNotSent, err)
	}
	return nil
}

func (t *LibP2PTransport) LocalAddrs() []string {
	out := make([]string, 0, len(t.host.Addrs()))
	for _, a := range t.host.Addrs() {
		out = append(out, fmt.Sprintf("%s/p2p/%s", a, t.host.ID()))
	}
	return out
}

func (t *LibP2PTransport) Close() error {
	return t.host.Close()
}

func (t *LibP2PTransport) Host() host.Host { return t.host }
