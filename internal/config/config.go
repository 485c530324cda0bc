// Package config loads node configuration from defaults, an optional YAML
// file and TRADENET_* environment variables.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"tradenet/internal/proto"
)

const EnvPrefix = "TRADENET"

type Config struct {
	Network           string `mapstructure:"network"` // mainnet, testnet or regtest
	UseLocalTransport bool   `mapstructure:"use_local_transport"`
	ListenAddr        string `mapstructure:"listen_addr"`
	// AdvertiseAddr is the address peers dial. Empty means ListenAddr.
	AdvertiseAddr     string `mapstructure:"advertise_addr"`
	DataDir           string `mapstructure:"data_dir"`
	LogLevel          string `mapstructure:"log_level"`

	// Seeds overrides the built-in seed list when non-empty.
	Seeds []string `mapstructure:"seeds"`

	P2P     P2PConfig     `mapstructure:"p2p"`
	Storage StorageConfig `mapstructure:"storage"`
	Events  EventsConfig  `mapstructure:"events"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Trade   TradeConfig   `mapstructure:"trade"`
	Offer   OfferConfig   `mapstructure:"offer"`
	Wallet  WalletConfig  `mapstructure:"wallet"`
}

type P2PConfig struct {
	MinConnections   int           `mapstructure:"min_connections"`
	MaxConnections   int           `mapstructure:"max_connections"`
	PexInterval      time.Duration `mapstructure:"pex_interval"`
	MaxReportedPeers int           `mapstructure:"max_reported_peers"`
	DialTimeout      time.Duration `mapstructure:"dial_timeout"`
	MaxConnsPerHost  int           `mapstructure:"max_conns_per_host"`
	MaxStreamsPerIP  int           `mapstructure:"max_streams_per_host"`
}

type StorageConfig struct {
	// Backend is "sqlite" or "jsonl".
	Backend       string        `mapstructure:"backend"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	SQLitePath    string        `mapstructure:"sqlite_path"`
}

// EventsConfig holds event publisher configuration
type EventsConfig struct {
	Type       string `mapstructure:"type"` // "memory" or "redis"
	BufferSize int    `mapstructure:"buffer_size"`
	RedisURL   string `mapstructure:"redis_url"`
}

type MetricsConfig struct {
	SnapshotPath     string        `mapstructure:"snapshot_path"`
	SnapshotInterval time.Duration `mapstructure:"snapshot_interval"`
	TextfilePath     string        `mapstructure:"textfile_path"`
	// ListenAddr serves /metrics and pprof. Empty disables it.
	ListenAddr       string        `mapstructure:"listen_addr"`
	AllowPublic      bool          `mapstructure:"allow_public"`
}

type TradeConfig struct {
	PriceTolerance float64       `mapstructure:"price_tolerance"`
	SendTimeout    time.Duration `mapstructure:"send_timeout"`
	DepositTimeout time.Duration `mapstructure:"deposit_timeout"`
	LockBlocks     int64         `mapstructure:"lock_blocks"`
	// AutoDelayedPayout publishes the delayed payout once it unlocks.
	AutoDelayedPayout bool `mapstructure:"auto_delayed_payout"`
}

type OfferConfig struct {
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
}

type WalletConfig struct {
	// Balance funds the in-memory regtest wallet.
	Balance uint64 `mapstructure:"balance"`
	// BlockInterval mines a regtest block this often. Zero disables mining.
	BlockInterval time.Duration `mapstructure:"block_interval"`
}

// SetDefaults sets viper defaults for node configuration.
func (c *Config) SetDefaults(v *viper.Viper, prefix string) {
	p := ""
	if prefix != "" {
		p = prefix + "."
	}

	v.SetDefault(p+"network", "regtest")
	v.SetDefault(p+"use_local_transport", true)
	v.SetDefault(p+"listen_addr", "127.0.0.1:2002")
	v.SetDefault(p+"advertise_addr", "")
	v.SetDefault(p+"data_dir", "~/.tradenet")
	v.SetDefault(p+"log_level", "info")
	v.SetDefault(p+"seeds", []string{})

	v.SetDefault(p+"p2p.min_connections", 2)
	v.SetDefault(p+"p2p.max_connections", 12)
	v.SetDefault(p+"p2p.pex_interval", "1m")
	v.SetDefault(p+"p2p.max_reported_peers", 1000)
	v.SetDefault(p+"p2p.dial_timeout", "20s")
	v.SetDefault(p+"p2p.max_conns_per_host", 8)
	v.SetDefault(p+"p2p.max_streams_per_host", 64)

	v.SetDefault(p+"storage.backend", "sqlite")
	v.SetDefault(p+"storage.sweep_interval", "1m")
	v.SetDefault(p+"storage.sqlite_path", "")

	v.SetDefault(p+"events.type", "memory")
	v.SetDefault(p+"events.buffer_size", 1000)
	v.SetDefault(p+"events.redis_url", "")

	v.SetDefault(p+"metrics.snapshot_path", "")
	v.SetDefault(p+"metrics.snapshot_interval", "30s")
	v.SetDefault(p+"metrics.textfile_path", "")
	v.SetDefault(p+"metrics.listen_addr", "")
	v.SetDefault(p+"metrics.allow_public", false)

	v.SetDefault(p+"trade.price_tolerance", 0.01)
	v.SetDefault(p+"trade.send_timeout", "90s")
	v.SetDefault(p+"trade.deposit_timeout", "270s")
	v.SetDefault(p+"trade.lock_blocks", 10)
	v.SetDefault(p+"trade.auto_delayed_payout", true)

	v.SetDefault(p+"offer.refresh_interval", "4m")

	v.SetDefault(p+"wallet.balance", 10_000_000)
	v.SetDefault(p+"wallet.block_interval", "10s")
}

// Validate checks values that would otherwise fail later in confusing ways.
func (c *Config) Validate() error {
	switch c.Network {
	case "mainnet", "testnet", "regtest":
	default:
		return fmt.Errorf("unknown network %q", c.Network)
	}
	if c.P2P.MinConnections <= 0 || c.P2P.MaxConnections < c.P2P.MinConnections {
		return fmt.Errorf("invalid connection bounds %d..%d", c.P2P.MinConnections, c.P2P.MaxConnections)
	}
	if c.Trade.PriceTolerance < 0 || c.Trade.PriceTolerance >= 1 {
		return fmt.Errorf("price tolerance %v out of range", c.Trade.PriceTolerance)
	}
	switch c.Storage.Backend {
	case "sqlite", "jsonl":
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	switch c.Events.Type {
	case "memory":
	case "redis":
		if c.Events.RedisURL == "" {
			return errors.New("events.redis_url required for redis events")
		}
	default:
		return fmt.Errorf("unknown events type %q", c.Events.Type)
	}
	if c.Offer.RefreshInterval <= 0 {
		return errors.New("offer.refresh_interval must be positive")
	}
	return nil
}

// NodeAddress is the address this node advertises to peers.
func (c *Config) NodeAddress() (proto.NodeAddress, error) {
	addr := c.AdvertiseAddr
	if addr == "" {
		addr = c.ListenAddr
	}
	a, err := proto.ParseNodeAddress(addr)
	if err != nil {
		return proto.NodeAddress{}, fmt.Errorf("advertised address: %w", err)
	}
	return a, nil
}

// SQLitePath defaults to a database inside the data dir.
func (c *Config) SQLitePath() string {
	if c.Storage.SQLitePath != "" {
		return c.Storage.SQLitePath
	}
	return filepath.Join(c.DataDir, "tradenet.db")
}

// GetLogLevel returns the log level, defaulting to "info".
func (c *Config) GetLogLevel() string {
	if c.LogLevel != "" {
		return c.LogLevel
	}
	return "info"
}

// Load reads configuration from file and environment variables. An empty
// path searches the working directory and the default data dir.
func Load(path string) (*Config, error) {
	v := viper.New()
	cfg := &Config{}
	cfg.SetDefaults(v, "")

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("tradenet")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.tradenet")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var cfgErr viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &cfgErr) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	cfg.DataDir = expandHome(cfg.DataDir)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
