// Package dialinfo implements DialInfo's textual and short wire forms,
// plus the node-dial-info form used by bootstrap.
package dialinfo

import (
	"encoding/base32"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/kyanha/overlaynode/internal/types"
)

var ErrBadForm = errors.New("dialinfo: malformed textual form")

// ToString renders DialInfo as udp|<socket>, tcp|<socket>, ws|<socket>|<path>,
// or wss|<socket>|<path>.
func ToString(d types.DialInfo) string {
	switch d.Protocol {
	case types.ProtocolWS, types.ProtocolWSS:
		return fmt.Sprintf("%s|%s|%s", d.Protocol, d.Address, d.Path)
	default:
		return fmt.Sprintf("%s|%s", d.Protocol, d.Address)
	}
}

// FromString parses the textual form back into a DialInfo. It is the
// round-trip inverse of ToString: FromString(ToString(d)) == d for every
// constructible d.
func FromString(s string) (types.DialInfo, error) {
	parts := strings.SplitN(s, "|", 3)
	if len(parts) < 2 {
		return types.DialInfo{}, ErrBadForm
	}
	proto, addr := parts[0], parts[1]
	var d types.DialInfo
	d.Address = addr
	switch proto {
	case "udp":
		d.Protocol = types.ProtocolUDP
	case "tcp":
		d.Protocol = types.ProtocolTCP
	case "ws":
		d.Protocol = types.ProtocolWS
		if len(parts) == 3 {
			d.Path = parts[2]
		}
	case "wss":
		d.Protocol = types.ProtocolWSS
		if len(parts) == 3 {
			d.Path = parts[2]
		}
		if host, _, err := net.SplitHostPort(addr); err == nil && net.ParseIP(host) != nil {
			return types.DialInfo{}, fmt.Errorf("dialinfo: wss forbids IP-literal hosts (%s): %w", host, ErrBadForm)
		}
	default:
		return types.DialInfo{}, fmt.Errorf("%w: unknown protocol %q", ErrBadForm, proto)
	}
	return d, nil
}

// NodeDialInfoString renders <node_id_b32>@<dial_info>.
func NodeDialInfoString(nodeID types.TypedKey, d types.DialInfo) string {
	id := strings.ToLower(base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(nodeID.Value[:]))
	return id + "@" + ToString(d)
}

// ParseNodeDialInfoString parses <node_id_b32>@<dial_info>.
func ParseNodeDialInfoString(kind types.CryptoKind, s string) (types.TypedKey, types.DialInfo, error) {
	at := strings.IndexByte(s, '@')
	if at < 0 {
		return types.TypedKey{}, types.DialInfo{}, ErrBadForm
	}
	idPart, diPart := s[:at], s[at+1:]
	raw, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(strings.ToUpper(idPart))
	if err != nil || len(raw) != 32 {
		return types.TypedKey{}, types.DialInfo{}, fmt.Errorf("%w: bad node id", ErrBadForm)
	}
	var key types.TypedKey
	key.Kind = kind
	copy(key.Value[:], raw)
	d, err := FromString(diPart)
	if err != nil {
		return types.TypedKey{}, types.DialInfo{}, err
	}
	return key, d, nil
}

// ShortForm renders the bootstrap DNS TXT record short form:
// U<port>, T<port>, W<port><path>, S<port><path>.
func ShortForm(d types.DialInfo) string {
	switch d.Protocol {
	case types.ProtocolUDP:
		return "U" + portOf(d.Address)
	case types.ProtocolTCP:
		return "T" + portOf(d.Address)
	case types.ProtocolWS:
		return "W" + portOf(d.Address) + d.Path
	case types.ProtocolWSS:
		return "S" + portOf(d.Address) + d.Path
	default:
		return ""
	}
}

func portOf(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return port
}

// ParseShortForm resolves a short form against hostname into a full DialInfo.
func ParseShortForm(short, hostname string) (types.DialInfo, error) {
	if short == "" {
		return types.DialInfo{}, ErrBadForm
	}
	tag := short[0]
	rest := short[1:]
	var proto types.ProtocolType
	switch tag {
	case 'U':
		proto = types.ProtocolUDP
	case 'T':
		proto = types.ProtocolTCP
	case 'W':
		proto = types.ProtocolWS
	case 'S':
		proto = types.ProtocolWSS
	default:
		return types.DialInfo{}, fmt.Errorf("%w: unknown short tag %q", ErrBadForm, tag)
	}
	var portStr, path string
	if proto == types.ProtocolWS || proto == types.ProtocolWSS {
		i := 0
		for i < len(rest) && rest[i] >= '0' && rest[i] <= '9' {
			i++
		}
		portStr, path = rest[:i], rest[i:]
	} else {
		portStr = rest
	}
	if _, err := strconv.Atoi(portStr); err != nil {
		return types.DialInfo{}, fmt.Errorf("%w: bad port in %q", ErrBadForm, short)
	}
	return types.DialInfo{
		Protocol: proto,
		Address:  net.JoinHostPort(hostname, portStr),
		Path:     path,
	}, nil
}

// IsGloballyRoutable reports whether the dial info's host is not a loopback,
// link-local, or private-range address: the filter bootstrap replies
// apply.
func IsGloballyRoutable(d types.DialInfo) bool {
	host, _, err := net.SplitHostPort(d.Address)
	if err != nil {
		host = d.Address
	}
	ip := net.ParseIP(host)
	if ip == nil {
		// hostnames (ws/wss) are considered routable; resolution happens at dial time.
		return true
	}
	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() ||
		ip.IsPrivate() || ip.IsUnspecified() {
		return false
	}
	return true
}
