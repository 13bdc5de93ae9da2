// Package config loads the cluster configuration file.
package config

import (
	"fmt"
	"math/big"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied to node sections that leave a tunable unset.
const (
	DefaultRefreshRate  = 30
	DefaultBalancePoint = 0.5
	DefaultDeadzone     = 0.05
)

// Duration parses YAML duration strings ("10m", "24h").
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// ChannelSettings overrides node-level tunables for one channel.
type ChannelSettings struct {
	ID                 string   `yaml:"id"`
	BalancePoint       *float64 `yaml:"balancePoint"`
	Deadzone           *float64 `yaml:"deadzone"`
	MaxTransactionSize *int64   `yaml:"maxTransactionSize"`
}

// NodeSettings is the per-alias tuning section. The daemon selects the
// section whose alias matches the local wallet alias.
type NodeSettings struct {
	Alias                    string            `yaml:"alias"`
	RefreshRate              int               `yaml:"refreshRate"`
	BalancePoint             float64           `yaml:"balancePoint"`
	Deadzone                 float64           `yaml:"deadzone"`
	MaxTransactionSize       int64             `yaml:"maxTransactionSize"`
	MinTimeBetweenPayments   Duration          `yaml:"minTimeBetweenPayments"`
	LimitsPeriod             Duration          `yaml:"limitsPeriod"`
	UseRollingLimitsPeriod   bool              `yaml:"useRollingLimitsPeriod"`
	MaxTransactionsPerPeriod int               `yaml:"maxTransactionsPerPeriod"`
	MaxAmountPerPeriod       int64             `yaml:"maxAmountPerPeriod"`
	Channels                 []ChannelSettings `yaml:"channels"`
}

// LNDConfig locates the LND gRPC endpoint and its credentials.
type LNDConfig struct {
	Address      string `yaml:"address"`
	TLSCertPath  string `yaml:"tlsCertPath"`
	MacaroonPath string `yaml:"macaroonPath"`
}

// LedgerConfig selects the audit log backend.
type LedgerConfig struct {
	Backend string `yaml:"backend"` // memory, file or postgres
	Path    string `yaml:"path"`
	DSN     string `yaml:"dsn"`
}

type Config struct {
	Secret         string         `yaml:"secret"`
	ListenAddrs    []string       `yaml:"listenAddrs"`
	BootstrapAddrs []string       `yaml:"bootstrapAddrs"`
	SnapshotPath   string         `yaml:"snapshotPath"`
	SnapshotRate   Duration       `yaml:"snapshotRate"`
	LND            LNDConfig      `yaml:"lnd"`
	Ledger         LedgerConfig   `yaml:"ledger"`
	Nodes          []NodeSettings `yaml:"nodes"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Ledger.Backend == "" {
		c.Ledger.Backend = "memory"
	}
	if c.SnapshotRate == 0 {
		c.SnapshotRate = Duration(time.Second)
	}
	if len(c.ListenAddrs) == 0 {
		c.ListenAddrs = []string{"/ip4/0.0.0.0/tcp/0"}
	}
	for i := range c.Nodes {
		n := &c.Nodes[i]
		if n.RefreshRate <= 0 {
			n.RefreshRate = DefaultRefreshRate
		}
		if n.BalancePoint == 0 {
			n.BalancePoint = DefaultBalancePoint
		}
		if n.Deadzone == 0 {
			n.Deadzone = DefaultDeadzone
		}
		if n.MinTimeBetweenPayments == 0 {
			n.MinTimeBetweenPayments = Duration(10 * time.Minute)
		}
		if n.LimitsPeriod == 0 {
			n.LimitsPeriod = Duration(24 * time.Hour)
		}
	}
}

func (c *Config) Validate() error {
	if c.Secret == "" {
		return fmt.Errorf("missing cluster secret")
	}
	switch c.Ledger.Backend {
	case "memory":
	case "file":
		if c.Ledger.Path == "" {
			return fmt.Errorf("ledger backend file requires path")
		}
	case "postgres":
		if c.Ledger.DSN == "" {
			return fmt.Errorf("ledger backend postgres requires dsn")
		}
	default:
		return fmt.Errorf("unknown ledger backend %q", c.Ledger.Backend)
	}
	for _, n := range c.Nodes {
		if n.Alias == "" {
			return fmt.Errorf("node section missing alias")
		}
		if n.BalancePoint < 0 || n.BalancePoint > 1 {
			return fmt.Errorf("node %s: balancePoint out of range", n.Alias)
		}
		if n.Deadzone < 0 || n.Deadzone > 1 {
			return fmt.Errorf("node %s: deadzone out of range", n.Alias)
		}
		for _, ch := range n.Channels {
			if ch.ID == "" {
				return fmt.Errorf("node %s: channel override missing id", n.Alias)
			}
		}
	}
	return nil
}

// Node returns the settings section for alias.
func (c *Config) Node(alias string) (NodeSettings, bool) {
	for _, n := range c.Nodes {
		if n.Alias == alias {
			return n, true
		}
	}
	return NodeSettings{}, false
}

// Tuning resolves balancePoint, deadzone and maxTransactionSize for a
// channel, applying the per-channel override when present. A zero
// maxTransactionSize means uncapped and returns nil.
func (n NodeSettings) Tuning(channelID string) (balancePoint, deadzone float64, maxTx *big.Int) {
	balancePoint, deadzone = n.BalancePoint, n.Deadzone
	maxSize := n.MaxTransactionSize
	for _, ch := range n.Channels {
		if ch.ID != channelID {
			continue
		}
		if ch.BalancePoint != nil {
			balancePoint = *ch.BalancePoint
		}
		if ch.Deadzone != nil {
			deadzone = *ch.Deadzone
		}
		if ch.MaxTransactionSize != nil {
			maxSize = *ch.MaxTransactionSize
		}
		break
	}
	if maxSize > 0 {
		maxTx = big.NewInt(maxSize)
	}
	return balancePoint, deadzone, maxTx
}
