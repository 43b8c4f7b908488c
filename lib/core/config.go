// Package core wires the meshd components into a running node: it loads
// configuration, builds the discovery and accounting engines, and drives
// them on fixed intervals.
package core

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/meshpay/meshd/lib/accounting"
	"github.com/meshpay/meshd/lib/babel"
	"github.com/meshpay/meshd/lib/discovery"
	"github.com/meshpay/meshd/lib/identity"
	"github.com/meshpay/meshd/lib/validation"
)

// Default configuration values
const (
	DefaultHelloPort         = discovery.DefaultPort
	DefaultBabelPort         = 6872
	DefaultDiscoveryInterval = 5 * time.Second
	DefaultBillingInterval   = 10 * time.Second
	DefaultLocalFee          = 300
	DefaultMaxFee            = 200_000_000
	DefaultMetricFactor      = 1900
	DefaultExitListenPort    = 59999
	DefaultLedgerQueue       = 64
	DefaultMetricsListen     = "127.0.0.1:9477"
)

// Duration is a time.Duration written as a string such as "5s" in TOML.
type Duration time.Duration

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Config holds all configuration for a meshd node.
type Config struct {
	Node       NodeConfig             `toml:"node"`
	Network    NetworkConfig          `toml:"network"`
	Payment    PaymentConfig          `toml:"payment"`
	Exit       ExitConfig             `toml:"exit"`
	Accounting AccountingConfig       `toml:"accounting"`
	Metrics    MetricsConfig          `toml:"metrics"`
	Clients    []identity.ClientEntry `toml:"clients"`
}

// NodeConfig contains basic node identification settings.
type NodeConfig struct {
	// Name is a human-readable identifier for this node
	Name string `toml:"name"`
	// DataDir holds the WireGuard key
	DataDir string `toml:"data_dir"`
}

// NetworkConfig contains discovery and routing settings.
type NetworkConfig struct {
	// PeerInterfaces are the links on which neighbors are discovered
	PeerInterfaces []string `toml:"peer_interfaces"`
	// HelloPort is the UDP port of the discovery protocol
	HelloPort uint16 `toml:"hello_port"`
	// DiscoveryIP is the link-local multicast group
	DiscoveryIP string `toml:"discovery_ip"`
	// DiscoveryInterval is the time between discovery ticks
	DiscoveryInterval Duration `toml:"discovery_interval"`
	// MeshIP is this node's address inside the mesh
	MeshIP string `toml:"mesh_ip"`
	// BabelPort is babeld's local control port
	BabelPort uint16 `toml:"babel_port"`
	// MetricFactor weighs route quality against price in babeld
	MetricFactor uint32 `toml:"metric_factor"`
	// UserspaceTunnel runs wireguard-go instead of using a kernel device
	UserspaceTunnel bool `toml:"userspace_tunnel"`
}

// PaymentConfig contains pricing settings.
type PaymentConfig struct {
	// LocalFee is the per-byte price this node announces
	LocalFee uint32 `toml:"local_fee"`
	// MaxFee caps the destination price billed for any peer
	MaxFee uint32 `toml:"max_fee"`
	// EthAddress receives payments
	EthAddress string `toml:"eth_address,omitempty"`
}

// ExitConfig contains the billed tunnel settings.
type ExitConfig struct {
	// Tunnel is the WireGuard device carrying client traffic
	Tunnel string `toml:"tunnel"`
	// ListenPort is the WireGuard port of the tunnel
	ListenPort int `toml:"listen_port"`
	// Setup configures the tunnel's key and port on start
	Setup bool `toml:"setup"`
}

// AccountingConfig contains billing settings.
type AccountingConfig struct {
	// BillingInterval is the time between billing cycles
	BillingInterval Duration `toml:"billing_interval"`
	// MaxTrackedTunnels bounds the usage history
	MaxTrackedTunnels int `toml:"max_tracked_tunnels"`
	// LedgerQueue is the number of pending debt updates
	LedgerQueue int `toml:"ledger_queue"`
}

// MetricsConfig contains Prometheus endpoint settings.
type MetricsConfig struct {
	// Enabled controls whether the metrics endpoint is served
	Enabled bool `toml:"enabled"`
	// Listen is the address to bind the metrics server to
	Listen string `toml:"listen"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()

	return &Config{
		Node: NodeConfig{
			Name:    "meshd",
			DataDir: filepath.Join(homeDir, ".meshd"),
		},
		Network: NetworkConfig{
			HelloPort:         DefaultHelloPort,
			DiscoveryIP:       discovery.DefaultMulticastIP.String(),
			DiscoveryInterval: Duration(DefaultDiscoveryInterval),
			BabelPort:         DefaultBabelPort,
			MetricFactor:      DefaultMetricFactor,
		},
		Payment: PaymentConfig{
			LocalFee: DefaultLocalFee,
			MaxFee:   DefaultMaxFee,
		},
		Exit: ExitConfig{
			Tunnel:     accounting.DefaultTunnel,
			ListenPort: DefaultExitListenPort,
		},
		Accounting: AccountingConfig{
			BillingInterval:   Duration(DefaultBillingInterval),
			MaxTrackedTunnels: accounting.DefaultMaxTrackedTunnels,
			LedgerQueue:       DefaultLedgerQueue,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Listen:  DefaultMetricsListen,
		},
	}
}

// LoadConfig reads configuration from a TOML file and applies environment
// overrides. If the file doesn't exist, the defaults are used.
func LoadConfig(path string) (*Config, error) {
	cfg, err := readConfigFile(path)
	if err != nil {
		return nil, err
	}

	if err := cfg.ApplyEnvOverrides(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// readConfigFile returns the defaults overlaid with the file at path. A
// missing file yields the defaults.
func readConfigFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	case !os.IsNotExist(err):
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return cfg, nil
}

// UpdateConfigFile applies edit to the settings stored at path and saves
// them. Environment overrides are not applied, so they never reach the file.
func UpdateConfigFile(path string, edit func(*Config)) error {
	cfg, err := readConfigFile(path)
	if err != nil {
		return err
	}
	edit(cfg)
	return SaveConfig(cfg, path)
}

// SaveConfig writes the configuration to a TOML file atomically.
// It creates the parent directory if it doesn't exist.
func SaveConfig(cfg *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replacing config file: %w", err)
	}

	return nil
}

// ApplyEnvOverrides overrides settings from MESHD_* environment variables.
func (c *Config) ApplyEnvOverrides() error {
	str := map[string]*string{
		"MESHD_NODE_NAME":      &c.Node.Name,
		"MESHD_DATA_DIR":       &c.Node.DataDir,
		"MESHD_MESH_IP":        &c.Network.MeshIP,
		"MESHD_DISCOVERY_IP":   &c.Network.DiscoveryIP,
		"MESHD_EXIT_TUNNEL":    &c.Exit.Tunnel,
		"MESHD_METRICS_LISTEN": &c.Metrics.Listen,
		"MESHD_ETH_ADDRESS":    &c.Payment.EthAddress,
	}
	for name, dst := range str {
		if v, ok := os.LookupEnv(name); ok {
			*dst = v
		}
	}

	if v, ok := os.LookupEnv("MESHD_PEER_INTERFACES"); ok {
		c.Network.PeerInterfaces = splitList(v)
	}

	u32 := map[string]*uint32{
		"MESHD_LOCAL_FEE": &c.Payment.LocalFee,
		"MESHD_MAX_FEE":   &c.Payment.MaxFee,
	}
	for name, dst := range u32 {
		v, ok := os.LookupEnv(name)
		if !ok {
			continue
		}
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		*dst = uint32(n)
	}

	u16 := map[string]*uint16{
		"MESHD_HELLO_PORT": &c.Network.HelloPort,
		"MESHD_BABEL_PORT": &c.Network.BabelPort,
	}
	for name, dst := range u16 {
		v, ok := os.LookupEnv(name)
		if !ok {
			continue
		}
		n, err := strconv.ParseUint(v, 10, 16)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		*dst = uint16(n)
	}

	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs validation.Errors

	errs.Add(validation.NodeName("node.name", c.Node.Name))
	errs.Add(validation.Required("node.data_dir", c.Node.DataDir))

	for i, iface := range c.Network.PeerInterfaces {
		errs.Add(validation.InterfaceName(fmt.Sprintf("network.peer_interfaces[%d]", i), iface))
	}
	errs.Add(validation.Port("network.hello_port", int(c.Network.HelloPort)))
	errs.Add(validation.LinkLocalMulticast("network.discovery_ip", c.Network.DiscoveryIP))
	errs.Add(validation.Positive("network.discovery_interval", int64(c.Network.DiscoveryInterval)))
	if c.Network.MeshIP != "" {
		_, err := validation.IP("network.mesh_ip", c.Network.MeshIP)
		errs.Add(err)
	} else if c.Network.UserspaceTunnel {
		errs.Add(validation.NewResult("network.mesh_ip", "is required for a userspace tunnel", validation.ErrRequired))
	}
	errs.Add(validation.Port("network.babel_port", int(c.Network.BabelPort)))

	if c.Payment.LocalFee > babel.MaxFee {
		errs.Add(fmt.Errorf("payment.local_fee: %w", babel.ErrFeeTooHigh))
	}
	errs.Add(validation.Positive("payment.max_fee", int64(c.Payment.MaxFee)))
	errs.Add(validation.EthAddress("payment.eth_address", c.Payment.EthAddress))

	errs.Add(validation.InterfaceName("exit.tunnel", c.Exit.Tunnel))
	errs.Add(validation.IntRange("exit.listen_port", c.Exit.ListenPort, 0, 65535))

	errs.Add(validation.Positive("accounting.billing_interval", int64(c.Accounting.BillingInterval)))
	errs.Add(validation.Positive("accounting.max_tracked_tunnels", int64(c.Accounting.MaxTrackedTunnels)))

	if c.Metrics.Enabled {
		errs.Add(validation.HostPort("metrics.listen", c.Metrics.Listen))
	}

	for i, entry := range c.Clients {
		if _, err := entry.Parse(); err != nil {
			errs.Add(fmt.Errorf("clients[%d]: %w", i, err))
		}
	}
	return errs.Err()
}

// DataPath returns an absolute path within the data directory.
func (c *Config) DataPath(elem ...string) string {
	parts := append([]string{c.Node.DataDir}, elem...)
	return filepath.Join(parts...)
}

// EnsureDataDir creates the data directory if it doesn't exist.
func (c *Config) EnsureDataDir() error {
	return os.MkdirAll(c.Node.DataDir, 0700)
}
