package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"peermesh/internal/capability"
)

const (
	DefaultListenPort        = 52415
	DefaultDiscoveryMode     = "broadcast"
	DefaultDiscoveryPort     = 52416
	DefaultAnnounceSec       = 10
	DefaultRetractMisses     = 3
	DefaultHealthIntervalSec = 10
	DefaultHealthTimeoutSec  = 5
	DefaultTopologySec       = 30
	DefaultTopologyMaxDepth  = 4
	DefaultLogLevel          = "info"
)

// DefaultScanOffsets are the last-octet candidates probed on each local
// subnet in scan mode.
var DefaultScanOffsets = []int{1, 2, 10, 100, 187}

// Config holds all node settings.
type Config struct {
	Node      NodeConfig      `yaml:"node"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Health    HealthConfig    `yaml:"health"`
	Topology  TopologyConfig  `yaml:"topology"`
}

// NodeConfig identifies this node and its listeners.
type NodeConfig struct {
	ID            string                      `yaml:"id"`
	Listen        string                      `yaml:"listen"`
	Capability    capability.DeviceCapability `yaml:"capability"`
	LogLevel      string                      `yaml:"log_level"`
	MetricsListen string                      `yaml:"metrics_listen"`
	ProbeLogPath  string                      `yaml:"probe_log_path"`
	PeerCachePath string                      `yaml:"peer_cache_path"`
}

// PeerEntry is one statically configured peer for manual mode.
type PeerEntry struct {
	Addr       string                      `yaml:"addr"`
	Capability capability.DeviceCapability `yaml:"capability"`
}

// DiscoveryConfig selects and tunes the peer discovery mode.
type DiscoveryConfig struct {
	Mode string `yaml:"mode"`

	// Peers is the manual-mode peer list.
	Peers map[string]PeerEntry `yaml:"peers,omitempty"`
	// Peer is the single direct-mode peer address.
	Peer string `yaml:"peer,omitempty"`

	ListenPort        int      `yaml:"listen_port"`
	AnnounceSec       int      `yaml:"announce_interval_sec"`
	RetractAfterMiss  int      `yaml:"retract_after_misses"`
	ScanHosts         []int    `yaml:"scan_hosts,omitempty"`
	STUNServers       []string `yaml:"stun_servers,omitempty"`

	Etcd EtcdConfig `yaml:"etcd,omitempty"`
}

// EtcdConfig configures the etcd discovery mode.
type EtcdConfig struct {
	Endpoints []string `yaml:"endpoints,omitempty"`
	Prefix    string   `yaml:"prefix"`
	TTLSec    int64    `yaml:"ttl_sec"`
}

// HealthConfig tunes the registry's probe loop.
type HealthConfig struct {
	IntervalSec int `yaml:"interval_sec"`
	TimeoutSec  int `yaml:"timeout_sec"`
}

// TopologyConfig tunes the collection loop.
type TopologyConfig struct {
	IntervalSec int `yaml:"interval_sec"`
	MaxDepth    int `yaml:"max_depth"`
}

// Load reads and parses a YAML config file.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}

	ApplyDefaults(&cfg)
	return cfg, nil
}

// Save writes a YAML config file to disk.
func Save(path string, cfg Config) error {
	ApplyDefaults(&cfg)
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate performs minimal validation for required fields.
func Validate(cfg Config) error {
	if cfg.Node.ID == "" {
		return fmt.Errorf("node.id is required")
	}
	switch cfg.Discovery.Mode {
	case "manual":
		if len(cfg.Discovery.Peers) == 0 {
			return fmt.Errorf("discovery.peers is required in manual mode")
		}
		for id, p := range cfg.Discovery.Peers {
			if p.Addr == "" {
				return fmt.Errorf("discovery.peers.%s.addr is required", id)
			}
		}
	case "direct":
		if cfg.Discovery.Peer == "" {
			return fmt.Errorf("discovery.peer is required in direct mode")
		}
	case "broadcast", "scan":
	case "etcd":
		if len(cfg.Discovery.Etcd.Endpoints) == 0 {
			return fmt.Errorf("discovery.etcd.endpoints is required in etcd mode")
		}
	default:
		return fmt.Errorf("unknown discovery.mode %q", cfg.Discovery.Mode)
	}
	return nil
}

// ApplyDefaults fills in default values when empty.
func ApplyDefaults(cfg *Config) {
	if cfg.Node.Listen == "" {
		cfg.Node.Listen = fmt.Sprintf(":%d", DefaultListenPort)
	}
	if cfg.Node.LogLevel == "" {
		cfg.Node.LogLevel = DefaultLogLevel
	}

	if cfg.Discovery.Mode == "" {
		cfg.Discovery.Mode = DefaultDiscoveryMode
	}
	if cfg.Discovery.ListenPort == 0 {
		cfg.Discovery.ListenPort = DefaultDiscoveryPort
	}
	if cfg.Discovery.AnnounceSec == 0 {
		cfg.Discovery.AnnounceSec = DefaultAnnounceSec
	}
	if cfg.Discovery.RetractAfterMiss == 0 {
		cfg.Discovery.RetractAfterMiss = DefaultRetractMisses
	}
	if len(cfg.Discovery.ScanHosts) == 0 {
		cfg.Discovery.ScanHosts = append([]int(nil), DefaultScanOffsets...)
	}
	if cfg.Discovery.Etcd.Prefix == "" {
		cfg.Discovery.Etcd.Prefix = "/peermesh/nodes"
	}
	if cfg.Discovery.Etcd.TTLSec == 0 {
		cfg.Discovery.Etcd.TTLSec = 30
	}

	if cfg.Health.IntervalSec == 0 {
		cfg.Health.IntervalSec = DefaultHealthIntervalSec
	}
	if cfg.Health.TimeoutSec == 0 {
		cfg.Health.TimeoutSec = DefaultHealthTimeoutSec
	}

	if cfg.Topology.IntervalSec == 0 {
		cfg.Topology.IntervalSec = DefaultTopologySec
	}
	if cfg.Topology.MaxDepth == 0 {
		cfg.Topology.MaxDepth = DefaultTopologyMaxDepth
	}
}
