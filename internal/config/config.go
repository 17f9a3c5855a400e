// Package config centralizes runtime configuration for vqn. It loads a JSON
// configuration file and merges defaults into any field left empty. Tests
// and development builds use defaults when the file is not present.
// Production operators should place a JSON file at /etc/vqn/config.json or
// pass a different path with --config.
//
// The loaded *Config is handed to each constructor explicitly; there is no
// process-wide instance.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"
)

// ErrNoBootstrap is returned when no bootstrap group matches the node's
// network, layer and node type.
var ErrNoBootstrap = errors.New("no bootstrap group for node")

// Duration is a time.Duration that reads and writes as "20s" in JSON.
type Duration time.Duration

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

// MarshalJSON encodes the duration as a string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON accepts either a duration string or a number of nanoseconds.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(v)
		return nil
	}
	var n int64
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("invalid duration %s", string(b))
	}
	*d = Duration(n)
	return nil
}

// BootstrapKey identifies a bootstrap group.
type BootstrapKey struct {
	Network  string
	Layer    int
	NodeType string
}

// BootstrapGroup is one entry of the bootstrap list in the config file.
type BootstrapGroup struct {
	Network   string   `json:"network"`
	Layer     int      `json:"layer"`
	NodeType  string   `json:"node_type"`
	Addresses []string `json:"addresses"`
}

// Config holds configurable options for the vqn service.
type Config struct {
	NodeIP         string `json:"node_ip"`
	Port           int    `json:"port"`
	Network        string `json:"network"`
	Layer          int    `json:"layer"`
	NodeType       string `json:"node_type"`
	DataDir        string `json:"data_dir"`
	KeyFile        string `json:"key_file"`
	StorageBackend string `json:"storage_backend"`
	MaxBackups     int    `json:"max_backups"`

	Bootstrap   []BootstrapGroup `json:"bootstrap"`
	TimeServers []string         `json:"time_servers"`

	MinimumNodeCount   int      `json:"minimum_node_count"`
	GossipInterval     Duration `json:"gossip_interval"`
	ReclassifyInterval Duration `json:"reclassify_interval"`
	FailureBackoff     Duration `json:"failure_backoff"`
	SendTimeout        Duration `json:"send_timeout"`
	FanoutLimit        int      `json:"fanout_limit"`
	RoundCadence       Duration `json:"round_cadence"`
	StartCadence       Duration `json:"start_cadence"`
	RendezvousTimeout  Duration `json:"rendezvous_timeout"`
	QuorumPollInterval Duration `json:"quorum_poll_interval"`
	LoopInterval       Duration `json:"loop_interval"`
	ResyncInterval     Duration `json:"resync_interval"`
	RetryAfterFailure  Duration `json:"retry_after_failure"`
	CatchUpLimit       int      `json:"catch_up_limit"`

	MDNSEnabled     bool   `json:"mdns_enabled"`
	MDNSServiceName string `json:"mdns_service_name"`
	ScanSubnet      bool   `json:"scan_subnet"`

	LogLevel       string `json:"log_level"`
	LogFormat      string `json:"log_format"`
	LogFile        string `json:"log_file"`
	MetricsEnabled bool   `json:"metrics_enabled"`
	DocsDir        string `json:"docs_dir"`

	bootstrap map[BootstrapKey][]string
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		NodeIP:             "127.0.0.1",
		Port:               8080,
		Network:            "mainnet",
		Layer:              1,
		NodeType:           "validator",
		DataDir:            "data",
		KeyFile:            "vqn_key.pem",
		StorageBackend:     "sqlite",
		MaxBackups:         10,
		TimeServers:        []string{"pool.ntp.org", "time.google.com"},
		MinimumNodeCount:   2,
		GossipInterval:     Duration(20 * time.Second),
		ReclassifyInterval: Duration(5 * time.Second),
		FailureBackoff:     Duration(60 * time.Second),
		SendTimeout:        Duration(5 * time.Second),
		FanoutLimit:        8,
		RoundCadence:       Duration(2 * time.Second),
		StartCadence:       Duration(20 * time.Second),
		RendezvousTimeout:  Duration(40 * time.Second),
		QuorumPollInterval: Duration(time.Second),
		LoopInterval:       Duration(20 * time.Millisecond),
		ResyncInterval:     Duration(10 * time.Minute),
		RetryAfterFailure:  Duration(time.Minute),
		CatchUpLimit:       64,
		MDNSServiceName:    "_vqn._tcp",
		LogLevel:           "info",
		LogFormat:          "console",
		DocsDir:            "docs",
	}
}

// LoadConfig reads a JSON file at path. A missing file yields defaults and
// no error so the node can run in development with minimal friction. A file
// that exists but cannot be parsed is an error.
func LoadConfig(path string) (*Config, error) {
	def := Default()

	if path == "" {
		def.index()
		return def, nil
	}

	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			def.index()
			return def, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	// Absent keys keep their defaults; merge then repairs explicit zeros.
	c := *def
	c.TimeServers = nil
	if err := json.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	c.merge(def)
	c.index()
	return &c, nil
}

// merge fills zero-value fields from def.
func (c *Config) merge(def *Config) {
	if c.NodeIP == "" {
		c.NodeIP = def.NodeIP
	}
	if c.Port == 0 {
		c.Port = def.Port
	}
	if c.Network == "" {
		c.Network = def.Network
	}
	if c.Layer == 0 {
		c.Layer = def.Layer
	}
	if c.NodeType == "" {
		c.NodeType = def.NodeType
	}
	if c.DataDir == "" {
		c.DataDir = def.DataDir
	}
	if c.KeyFile == "" {
		c.KeyFile = def.KeyFile
	}
	if c.StorageBackend == "" {
		c.StorageBackend = def.StorageBackend
	}
	if c.MaxBackups == 0 {
		c.MaxBackups = def.MaxBackups
	}
	if c.TimeServers == nil {
		c.TimeServers = def.TimeServers
	}
	// 0 is a valid single-node setting.
	if c.MinimumNodeCount < 0 {
		c.MinimumNodeCount = def.MinimumNodeCount
	}
	mergeDuration(&c.GossipInterval, def.GossipInterval)
	mergeDuration(&c.ReclassifyInterval, def.ReclassifyInterval)
	mergeDuration(&c.FailureBackoff, def.FailureBackoff)
	mergeDuration(&c.SendTimeout, def.SendTimeout)
	mergeDuration(&c.RoundCadence, def.RoundCadence)
	mergeDuration(&c.StartCadence, def.StartCadence)
	mergeDuration(&c.QuorumPollInterval, def.QuorumPollInterval)
	mergeDuration(&c.LoopInterval, def.LoopInterval)
	mergeDuration(&c.ResyncInterval, def.ResyncInterval)
	mergeDuration(&c.RetryAfterFailure, def.RetryAfterFailure)
	if c.RendezvousTimeout == 0 {
		c.RendezvousTimeout = 2 * c.StartCadence
	}
	if c.FanoutLimit == 0 {
		c.FanoutLimit = def.FanoutLimit
	}
	if c.CatchUpLimit == 0 {
		c.CatchUpLimit = def.CatchUpLimit
	}
	if c.MDNSServiceName == "" {
		c.MDNSServiceName = def.MDNSServiceName
	}
	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
	}
	if c.LogFormat == "" {
		c.LogFormat = def.LogFormat
	}
	if c.DocsDir == "" {
		c.DocsDir = def.DocsDir
	}
}

func mergeDuration(d *Duration, def Duration) {
	if *d <= 0 {
		*d = def
	}
}

// index builds the bootstrap lookup table once.
func (c *Config) index() {
	c.bootstrap = make(map[BootstrapKey][]string, len(c.Bootstrap))
	for _, g := range c.Bootstrap {
		k := BootstrapKey{Network: g.Network, Layer: g.Layer, NodeType: g.NodeType}
		c.bootstrap[k] = append(c.bootstrap[k], g.Addresses...)
	}
}

// Reindex rebuilds the bootstrap lookup after Bootstrap was modified in code.
func (c *Config) Reindex() { c.index() }

// BootstrapFor returns the bootstrap addresses for key.
func (c *Config) BootstrapFor(key BootstrapKey) ([]string, error) {
	if c.bootstrap == nil {
		c.index()
	}
	addrs, ok := c.bootstrap[key]
	if !ok || len(addrs) == 0 {
		return nil, fmt.Errorf("%w: %s/%d/%s", ErrNoBootstrap, key.Network, key.Layer, key.NodeType)
	}
	return addrs, nil
}

// Key returns the node's own bootstrap key.
func (c *Config) Key() BootstrapKey {
	return BootstrapKey{Network: c.Network, Layer: c.Layer, NodeType: c.NodeType}
}

// ListenAddr returns the HTTP listen address.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// Validate checks values the node cannot run without.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	switch c.StorageBackend {
	case "sqlite", "badger", "memory":
	default:
		return fmt.Errorf("unknown storage backend %q", c.StorageBackend)
	}
	if c.FanoutLimit < 1 {
		return fmt.Errorf("fanout_limit must be positive, got %d", c.FanoutLimit)
	}
	return nil
}
