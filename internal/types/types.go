// Package types holds the data model shared across the overlay core:
// node identity, dial info, peer descriptors, and the flow/routing-domain
// primitives every other internal package builds on.
package types

import (
	"encoding/hex"
	"fmt"
	"time"
)

// CryptoKind is a four-byte FourCC tag identifying a crypto suite, e.g. "VLD0".
type CryptoKind [4]byte

func (k CryptoKind) String() string { return string(k[:]) }

// CryptoKindVLD0 is the sole suite implemented by this core: ed25519 sign,
// X25519 DH, chacha20poly1305-IETF AEAD.
var CryptoKindVLD0 = CryptoKind{'V', 'L', 'D', '0'}

// TypedKey is a public key tagged with the suite it belongs to.
type TypedKey struct {
	Kind  CryptoKind
	Value [32]byte
}

func (k TypedKey) String() string {
	return fmt.Sprintf("%s:%s", k.Kind, hex.EncodeToString(k.Value[:]))
}

// ParseTypedKey reverses TypedKey.String(), used to recover a hop's
// identity from the "next" field carried inside an onion layer.
func ParseTypedKey(s string) (TypedKey, error) {
	if len(s) < 5 || s[4] != ':' {
		return TypedKey{}, fmt.Errorf("types: malformed typed key %q", s)
	}
	var k TypedKey
	copy(k.Kind[:], s[:4])
	val, err := hex.DecodeString(s[5:])
	if err != nil || len(val) != 32 {
		return TypedKey{}, fmt.Errorf("types: malformed typed key value %q", s)
	}
	copy(k.Value[:], val)
	return k, nil
}

// TypedKeyGroup holds at most one key per CryptoKind.
type TypedKeyGroup struct {
	keys map[CryptoKind]TypedKey
}

func NewTypedKeyGroup() *TypedKeyGroup {
	return &TypedKeyGroup{keys: make(map[CryptoKind]TypedKey)}
}

func (g *TypedKeyGroup) Add(k TypedKey) error {
	if _, exists := g.keys[k.Kind]; exists {
		return fmt.Errorf("typed key group already has a key of kind %s", k.Kind)
	}
	g.keys[k.Kind] = k
	return nil
}

func (g *TypedKeyGroup) Get(kind CryptoKind) (TypedKey, bool) {
	k, ok := g.keys[kind]
	return k, ok
}

func (g *TypedKeyGroup) Kinds() []CryptoKind {
	out := make([]CryptoKind, 0, len(g.keys))
	for k := range g.keys {
		out = append(out, k)
	}
	return out
}

func (g *TypedKeyGroup) Len() int { return len(g.keys) }

// NetworkClass classifies our own reachability as observed by peers.
type NetworkClass int

const (
	NetworkClassInvalid NetworkClass = iota
	NetworkClassInboundCapable
	NetworkClassOutboundOnly
	NetworkClassWebApp
)

func (c NetworkClass) String() string {
	switch c {
	case NetworkClassInboundCapable:
		return "InboundCapable"
	case NetworkClassOutboundOnly:
		return "OutboundOnly"
	case NetworkClassWebApp:
		return "WebApp"
	default:
		return "Invalid"
	}
}

// DialInfoClass ranks inbound reachability; a lower value is easier to reach.
type DialInfoClass int

const (
	DialInfoClassDirect DialInfoClass = iota
	DialInfoClassMapped
	DialInfoClassFullConeNAT
	DialInfoClassBlocked
	DialInfoClassAddressRestrictedNAT
	DialInfoClassPortRestrictedNAT
)

// RequiresSignal reports whether this dial-info class needs a signalling
// round trip (reverse-connect or hole-punch) rather than a plain dial.
func (c DialInfoClass) RequiresSignal() bool {
	switch c {
	case DialInfoClassDirect, DialInfoClassMapped, DialInfoClassFullConeNAT:
		return false
	default:
		return true
	}
}

func (c DialInfoClass) String() string {
	switch c {
	case DialInfoClassDirect:
		return "Direct"
	case DialInfoClassMapped:
		return "Mapped"
	case DialInfoClassFullConeNAT:
		return "FullConeNAT"
	case DialInfoClassBlocked:
		return "Blocked"
	case DialInfoClassAddressRestrictedNAT:
		return "AddressRestrictedNAT"
	case DialInfoClassPortRestrictedNAT:
		return "PortRestrictedNAT"
	default:
		return "Unknown"
	}
}

// ProtocolType enumerates transport protocols a DialInfo may describe.
type ProtocolType int

const (
	ProtocolUDP ProtocolType = iota
	ProtocolTCP
	ProtocolWS
	ProtocolWSS
)

func (p ProtocolType) String() string {
	switch p {
	case ProtocolUDP:
		return "udp"
	case ProtocolTCP:
		return "tcp"
	case ProtocolWS:
		return "ws"
	case ProtocolWSS:
		return "wss"
	default:
		return "unknown"
	}
}

// AddressType distinguishes IPv4 from IPv6 dial info.
type AddressType int

const (
	AddressTypeIPV4 AddressType = iota
	AddressTypeIPV6
)

// DialInfo is a bindable transport endpoint of a peer.
type DialInfo struct {
	Protocol ProtocolType
	Address  string // host:port
	Path     string // url path, ws/wss only
}

// DialInfoDetail pairs a dial info with its reachability class.
type DialInfoDetail struct {
	Class DialInfoClass
	Dial  DialInfo
}

// RoutingDomain names one of the two disjoint network views a peer may
// be reachable through.
type RoutingDomain int

const (
	RoutingDomainPublicInternet RoutingDomain = iota
	RoutingDomainLocalNetwork
)

func (d RoutingDomain) String() string {
	if d == RoutingDomainLocalNetwork {
		return "LocalNetwork"
	}
	return "PublicInternet"
}

// Capability is a four-byte FourCC tag advertising one optional feature a
// node implements, e.g. CapRoute for route-relay participation.
type Capability [4]byte

func (c Capability) String() string { return string(c[:]) }

// CapRoute marks a node willing to relay onion-routed safety/private-route
// traffic for others; route allocation only picks hops that advertise it.
var CapRoute = Capability{'R', 'O', 'U', 'T'}

// NodeInfo is an immutable descriptor of a peer's reachability.
type NodeInfo struct {
	NetworkClass    NetworkClass
	OutboundProtos  []ProtocolType
	AddressTypes    []AddressType
	EnvelopeVersion [2]uint8 // [min, max]
	CryptoKinds     []CryptoKind
	DialInfoList    []DialInfoDetail
	Capabilities    []Capability
}

// HasCapability reports whether this descriptor advertises cap.
func (n *NodeInfo) HasCapability(cap Capability) bool {
	for _, c := range n.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// BestDialInfoDetail returns the first (easiest-to-reach) dial info,
// the list being maintained in ascending DialInfoClass order.
func (n *NodeInfo) BestDialInfoDetail() (DialInfoDetail, bool) {
	if len(n.DialInfoList) == 0 {
		return DialInfoDetail{}, false
	}
	best := n.DialInfoList[0]
	for _, d := range n.DialInfoList[1:] {
		if d.Class < best.Class {
			best = d
		}
	}
	return best, true
}

// SupportsCryptoKind reports whether kind is among this descriptor's suites.
func (n *NodeInfo) SupportsCryptoKind(kind CryptoKind) bool {
	for _, k := range n.CryptoKinds {
		if k == kind {
			return true
		}
	}
	return false
}

// SignedDirectNodeInfo is a NodeInfo plus co-signatures, no relay.
type SignedDirectNodeInfo struct {
	Info       NodeInfo
	Timestamp  int64 // microseconds since epoch
	Signatures map[CryptoKind][]byte
}

// SignedRelayedNodeInfo additionally carries the relay's identity and its
// own signed-direct descriptor.
type SignedRelayedNodeInfo struct {
	Info         NodeInfo
	RelayIDs     *TypedKeyGroup
	RelayInfo    SignedDirectNodeInfo
	Timestamp    int64
	Signatures   map[CryptoKind][]byte
}

// SignedNodeInfo is one of Direct or Relayed; exactly one is set.
type SignedNodeInfo struct {
	Direct  *SignedDirectNodeInfo
	Relayed *SignedRelayedNodeInfo
}

func (s SignedNodeInfo) Info() *NodeInfo {
	if s.Direct != nil {
		return &s.Direct.Info
	}
	if s.Relayed != nil {
		return &s.Relayed.Info
	}
	return nil
}

func (s SignedNodeInfo) Timestamp() int64 {
	if s.Direct != nil {
		return s.Direct.Timestamp
	}
	if s.Relayed != nil {
		return s.Relayed.Timestamp
	}
	return 0
}

// PeerInfo binds a peer's node-id set to its signed descriptor.
type PeerInfo struct {
	NodeIDs        *TypedKeyGroup
	SignedNodeInfo SignedNodeInfo
}

// Flow identifies an established transport path to a peer.
type Flow struct {
	RemotePeerAddress string
	LocalSocketAddr   string // optional, "" if none
}

// UniqueFlow adds a process-unique sequence id, surviving across reconnects
// sharing the same address tuple.
type UniqueFlow struct {
	Flow Flow
	Seq  uint64
}

// LivenessState is the bucket-entry liveness classification.
type LivenessState int

const (
	LivenessUnreliable LivenessState = iota
	LivenessReliable
	LivenessDead
)

func (s LivenessState) String() string {
	switch s {
	case LivenessReliable:
		return "Reliable"
	case LivenessDead:
		return "Dead"
	default:
		return "Unreliable"
	}
}

// NowMicros returns the current time in microseconds since the Unix epoch, the
// envelope/timestamp granularity used throughout the core.
func NowMicros() int64 {
	return time.Now().UnixMicro()
}
