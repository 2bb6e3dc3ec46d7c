package netman

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kyanha/overlaynode/internal/dialinfo"
	"github.com/kyanha/overlaynode/internal/envelope"
	"github.com/kyanha/overlaynode/internal/routingtable"
	"github.com/kyanha/overlaynode/internal/types"
)

// BootstrapPeer is one entry of a bootstrap reply: a peer's node id and its
// globally-routable dial info in textual form. The reply is deliberately
// unsigned and unencrypted: a joining node has no keys to verify against
// yet, and everything it learns here is re-validated through the normal
// signed-node-info exchange once it makes contact.
type BootstrapPeer struct {
	NodeID   string   `json:"node_id"`
	DialInfo []string `json:"dial_info_detail_list"`
}

// EncodeBootstrapReply renders a "BOOT"-tagged JSON array of peers.
func EncodeBootstrapReply(peers []BootstrapPeer) ([]byte, error) {
	body, err := json.Marshal(peers)
	if err != nil {
		return nil, fmt.Errorf("netman: encode bootstrap reply: %w", err)
	}
	return append([]byte(envelope.MagicBoot), body...), nil
}

// DecodeBootstrapReply reverses EncodeBootstrapReply.
func DecodeBootstrapReply(buf []byte) ([]BootstrapPeer, error) {
	if len(buf) < 4 || string(buf[:4]) != envelope.MagicBoot {
		return nil, fmt.Errorf("netman: not a bootstrap reply")
	}
	var peers []BootstrapPeer
	if err := json.Unmarshal(buf[4:], &peers); err != nil {
		return nil, fmt.Errorf("netman: decode bootstrap reply: %w", err)
	}
	return peers, nil
}

// BootstrapReply builds a reply advertising up to max of the
// fastest-reliable peers this node knows, each filtered down to its
// globally-routable dial info (a bootstrap reply never leaks
// private-range addresses).
func (m *Manager) BootstrapReply(max int) ([]byte, error) {
	refs := m.table.FindPreferredFastestNodes(max, []routingtable.Filter{
		routingtable.HasDomainInfoFilter(types.RoutingDomainPublicInternet),
	}, nil)
	defer func() {
		for _, r := range refs {
			r.Release()
		}
	}()

	peers := make([]BootstrapPeer, 0, len(refs))
	for _, ref := range refs {
		key, ok := ref.NodeIDs().Get(m.sys.Kind())
		if !ok {
			continue
		}
		info, ok := ref.DomainInfo(types.RoutingDomainPublicInternet)
		if !ok {
			continue
		}
		ni := info.Info()
		if ni == nil {
			continue
		}
		var dials []string
		for _, d := range ni.DialInfoList {
			if dialinfo.IsGloballyRoutable(d.Dial) {
				dials = append(dials, dialinfo.ToString(d.Dial))
			}
		}
		if len(dials) == 0 {
			continue
		}
		peers = append(peers, BootstrapPeer{NodeID: key.String(), DialInfo: dials})
	}
	return EncodeBootstrapReply(peers)
}

// RequestBootstrap dials a bootstrap server and sends a bare "BOOT" frame;
// the reply arrives asynchronously through handleInbound, which registers
// each advertised peer into the routing table.
func (m *Manager) RequestBootstrap(ctx context.Context, dial types.DialInfo) error {
	fh, err := m.transport.Dial(ctx, dial)
	if err != nil {
		return fmt.Errorf("netman: dial bootstrap server: %w", err)
	}
	if err := m.transport.Send(ctx, fh, []byte(envelope.MagicBoot)); err != nil {
		return fmt.Errorf("netman: send bootstrap request: %w", err)
	}
	return nil
}

// handleBootstrap services both directions of the BOOT path: a bare 4-byte
// frame is a request (answered over the inbound flow with our reply), and
// anything longer is a reply to a request we sent, whose peers are
// registered with unsigned placeholder node info (allow-invalid; the real
// signed exchange follows on first contact).
func (m *Manager) handleBootstrap(data []byte, from types.Flow) {
	if len(data) == 4 {
		reply, err := m.BootstrapReply(16)
		if err != nil {
			m.log.Debug("building bootstrap reply failed", zap.Error(err))
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := m.transport.Send(ctx, genericFlow{flow: from}, reply); err != nil {
			m.log.Debug("sending bootstrap reply failed", zap.Error(err))
		}
		return
	}

	peers, err := DecodeBootstrapReply(data)
	if err != nil {
		m.log.Debug("rejecting malformed bootstrap reply", zap.Error(err))
		return
	}
	for _, p := range peers {
		key, err := types.ParseTypedKey(p.NodeID)
		if err != nil || key.Kind != m.sys.Kind() {
			continue
		}
		var details []types.DialInfoDetail
		for _, ds := range p.DialInfo {
			d, err := dialinfo.FromString(ds)
			if err != nil || !dialinfo.IsGloballyRoutable(d) {
				continue
			}
			details = append(details, types.DialInfoDetail{Class: types.DialInfoClassDirect, Dial: d})
		}
		if len(details) == 0 {
			continue
		}
		ids := types.NewTypedKeyGroup()
		_ = ids.Add(key)
		info := types.SignedNodeInfo{Direct: &types.SignedDirectNodeInfo{
			Info: types.NodeInfo{
				NetworkClass: types.NetworkClassInboundCapable,
				CryptoKinds:  []types.CryptoKind{key.Kind},
				DialInfoList: details,
			},
			Timestamp: types.NowMicros(),
		}}
		ref, err := m.table.RegisterNodeWithSignedNodeInfo(key.Value, ids, types.RoutingDomainPublicInternet, info, true)
		if err != nil {
			continue
		}
		ref.Release()
	}
}
