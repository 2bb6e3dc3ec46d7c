// Package config loads this overlay node's configuration by layering
// koanf providers: hard-coded defaults, then an optional YAML file, then
// VLD_-prefixed environment variables, each layer overriding the last.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config is the fully-resolved node configuration.
type Config struct {
	NodeName        string        `koanf:"node_name"`
	ListenAddrs     []string      `koanf:"listen_addrs"`
	DataDir         string        `koanf:"data_dir"`
	BootstrapPeers  []string      `koanf:"bootstrap_peers"`
	MaxConnections  int           `koanf:"max_connections"`
	PingInterval    time.Duration `koanf:"ping_interval"`
	DeadTimeout     time.Duration `koanf:"dead_timeout"`
	Warmup          time.Duration `koanf:"warmup"`
	MaxSubkeyBytes  int64         `koanf:"max_subkey_bytes"`
	MaxStorageBytes int64         `koanf:"max_storage_bytes"`
	MaxInFlightRPC  int64         `koanf:"max_inflight_rpc"`

	LocalNetwork LocalNetworkConfig `koanf:"local_network"`
	Metrics      MetricsConfig      `koanf:"metrics"`
}

// LocalNetworkConfig parameterizes the mDNS + beacon LAN discovery path.
// BeaconKey is the shared symmetric key (32 bytes, hex-encoded) the UDP
// beacon uses to encrypt its announcements; it defaults to a well-known
// value so same-LAN discovery works out of the box, the same way the
// default mDNS service tag is public. Deployments wanting beacon
// announcements confined to nodes that share a provisioned secret should
// override it.
type LocalNetworkConfig struct {
	Enabled       bool          `koanf:"enabled"`
	MulticastAddr string        `koanf:"multicast_addr"`
	MulticastPort int           `koanf:"multicast_port"`
	BroadcastIntv time.Duration `koanf:"broadcast_interval"`
	BeaconKey     string        `koanf:"beacon_key"`
}

// MetricsConfig controls the Prometheus exposition endpoint.
type MetricsConfig struct {
	Enabled bool   `koanf:"enabled"`
	Listen  string `koanf:"listen"`
}

func defaults() *koanf.Koanf {
	k := koanf.New(".")
	_ = k.Load(confmapProvider(map[string]any{
		"node_name":            "overlaynode",
		"listen_addrs":         []string{"/ip4/0.0.0.0/tcp/0", "/ip4/0.0.0.0/udp/0/quic-v1"},
		"data_dir":             "./data",
		"bootstrap_peers":      []string{},
		"max_connections":      256,
		"ping_interval":        "30s",
		"dead_timeout":         "5m",
		"warmup":               "10s",
		"max_subkey_bytes":     1 << 20,
		"max_storage_bytes":    1 << 30,
		"max_inflight_rpc":     64,
		"local_network.enabled":            true,
		"local_network.multicast_addr":     "239.255.42.99",
		"local_network.multicast_port":     4242,
		"local_network.broadcast_interval": "15s",
		"local_network.beacon_key":         "6f7665726c61796e6f64652d7375623030302d64656661756c742d6c616e2d6b",
		"metrics.enabled": false,
		"metrics.listen":  "127.0.0.1:9090",
	}), nil)
	return k
}

// Load builds a Config by layering defaults, an optional YAML file at
// path (skipped silently if path is ""), then environment variables
// prefixed VLD_ (VLD_MAX_CONNECTIONS -> max_connections, VLD_LOCAL_NETWORK_ENABLED
// -> local_network.enabled).
func Load(path string) (*Config, error) {
	k := defaults()

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("VLD_", ".", func(s string) string {
		s = strings.ToLower(strings.TrimPrefix(s, "VLD_"))
		for _, section := range []string{"local_network_", "metrics_"} {
			if strings.HasPrefix(s, section) {
				return strings.TrimSuffix(section, "_") + "." + strings.TrimPrefix(s, section)
			}
		}
		return s
	}), nil); err != nil {
		return nil, fmt.Errorf("config: load env: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	return &cfg, nil
}

// confmapProvider adapts a plain map into koanf's provider interface
// without pulling in the separate confmap provider package, since this is
// the only place this core needs a pure in-memory provider. A dotted key
// ("section.field") is split at its first dot into one level of nesting.
type mapProvider struct{ m map[string]any }

func confmapProvider(m map[string]any) *mapProvider { return &mapProvider{m: m} }

func (p *mapProvider) ReadBytes() ([]byte, error) { return nil, fmt.Errorf("config: not supported") }

func (p *mapProvider) Read() (map[string]any, error) {
	out := make(map[string]any, len(p.m))
	for k, v := range p.m {
		section, field, nested := strings.Cut(k, ".")
		if !nested {
			out[k] = v
			continue
		}
		if _, ok := out[section].(map[string]any); !ok {
			out[section] = make(map[string]any)
		}
		out[section].(map[string]any)[field] = v
	}
	return out, nil
}
