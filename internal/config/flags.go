package config

import (
	"fmt"

	"github.com/spf13/pflag"
)

const (
	ConfigFileKey     = "config"
	NodeIPKey         = "node-ip"
	PortKey           = "port"
	NetworkKey        = "network"
	LayerKey          = "layer"
	NodeTypeKey       = "node-type"
	DataDirKey        = "data-dir"
	KeyFileKey        = "key-file"
	StorageBackendKey = "storage"
	MinNodesKey       = "min-nodes"
	PeersKey          = "peer"
	TimeServersKey    = "time-server"
	LogLevelKey       = "log-level"
	LogFormatKey      = "log-format"
	MDNSKey           = "mdns"
	ScanKey           = "scan"
	MetricsKey        = "metrics"
)

// AddFlags registers the flags that override config file values.
func AddFlags(flags *pflag.FlagSet) {
	def := Default()
	flags.String(ConfigFileKey, "/etc/vqn/config.json", "Path to the JSON config file")
	flags.String(NodeIPKey, def.NodeIP, "IPv4 address advertised to peers")
	flags.Int(PortKey, def.Port, "HTTP port for the API and the queue endpoint")
	flags.String(NetworkKey, def.Network, "Network name used to select bootstrap peers")
	flags.Int(LayerKey, def.Layer, "Network layer used to select bootstrap peers")
	flags.String(NodeTypeKey, def.NodeType, "Node type used to select bootstrap peers")
	flags.String(DataDirKey, def.DataDir, "Directory for the store and backups")
	flags.String(KeyFileKey, def.KeyFile, "PEM file holding the node's ed25519 key")
	flags.String(StorageBackendKey, def.StorageBackend, "Storage backend: sqlite, badger or memory")
	flags.Int(MinNodesKey, def.MinimumNodeCount, "Quorum opens when more than this many nodes are active and ready")
	flags.StringSlice(PeersKey, nil, "Extra bootstrap peer ip:port (repeatable)")
	flags.StringSlice(TimeServersKey, nil, "NTP server (repeatable); none configured means local clock")
	flags.String(LogLevelKey, def.LogLevel, "Log level: debug, info, warn, error")
	flags.String(LogFormatKey, def.LogFormat, "Log format: console or json")
	flags.Bool(MDNSKey, false, "Advertise and browse peers over mDNS")
	flags.Bool(ScanKey, false, "Probe the local /24 for peers at startup")
	flags.Bool(MetricsKey, false, "Serve Prometheus metrics at /metrics")
}

// ParseFlags loads the config file named by --config and applies every flag
// the user set explicitly on top of it.
func ParseFlags(flags *pflag.FlagSet) (*Config, error) {
	path, err := flags.GetString(ConfigFileKey)
	if err != nil {
		return nil, err
	}
	c, err := LoadConfig(path)
	if err != nil {
		return nil, err
	}
	if err := c.ApplyFlags(flags); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return c, nil
}

// ApplyFlags copies explicitly set flags onto c.
func (c *Config) ApplyFlags(flags *pflag.FlagSet) error {
	var err error
	flags.Visit(func(f *pflag.Flag) {
		if err != nil {
			return
		}
		switch f.Name {
		case NodeIPKey:
			c.NodeIP, err = flags.GetString(NodeIPKey)
		case PortKey:
			c.Port, err = flags.GetInt(PortKey)
		case NetworkKey:
			c.Network, err = flags.GetString(NetworkKey)
		case LayerKey:
			c.Layer, err = flags.GetInt(LayerKey)
		case NodeTypeKey:
			c.NodeType, err = flags.GetString(NodeTypeKey)
		case DataDirKey:
			c.DataDir, err = flags.GetString(DataDirKey)
		case KeyFileKey:
			c.KeyFile, err = flags.GetString(KeyFileKey)
		case StorageBackendKey:
			c.StorageBackend, err = flags.GetString(StorageBackendKey)
		case MinNodesKey:
			c.MinimumNodeCount, err = flags.GetInt(MinNodesKey)
		case PeersKey:
			var peers []string
			peers, err = flags.GetStringSlice(PeersKey)
			c.Bootstrap = append(c.Bootstrap, BootstrapGroup{
				Network:   c.Network,
				Layer:     c.Layer,
				NodeType:  c.NodeType,
				Addresses: peers,
			})
		case TimeServersKey:
			c.TimeServers, err = flags.GetStringSlice(TimeServersKey)
		case LogLevelKey:
			c.LogLevel, err = flags.GetString(LogLevelKey)
		case LogFormatKey:
			c.LogFormat, err = flags.GetString(LogFormatKey)
		case MDNSKey:
			c.MDNSEnabled, err = flags.GetBool(MDNSKey)
		case ScanKey:
			c.ScanSubnet, err = flags.GetBool(ScanKey)
		case MetricsKey:
			c.MetricsEnabled, err = flags.GetBool(MetricsKey)
		}
	})
	if err != nil {
		return err
	}
	// Visit is lexical, so --peer is stamped after network, layer and
	// node-type were applied.
	c.index()
	return nil
}
