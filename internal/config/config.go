// Package config holds the daemon configuration: storage, logging, the RPC
// listener, scheduler tunables, ledger connections and the resource pairs
// to drive.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	"github.com/klingon-exchange/klingon-htlcd/internal/swap"
)

// LedgerType selects the ledger adapter for a chain.
type LedgerType string

const (
	LedgerEVM    LedgerType = "evm"
	LedgerMemory LedgerType = "memory"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// Config holds all configuration for the scheduler daemon.
type Config struct {
	// Storage
	Storage StorageConfig `yaml:"storage"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`

	// RPC server
	RPC RPCConfig `yaml:"rpc"`

	// Scheduler tunables
	Scheduler SchedulerConfig `yaml:"scheduler"`

	// Ledgers holds one connection per chain name referenced by pairs.
	Ledgers map[string]*LedgerConfig `yaml:"ledgers,omitempty"`

	// Pairs lists the resource pairs this instance drives.
	Pairs []swap.ResourcePair `yaml:"pairs,omitempty"`
}

// StorageConfig holds storage settings.
type StorageConfig struct {
	// DataDir is the directory for all data files.
	DataDir string `yaml:"data_dir"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the log level (debug, info, warn, error).
	Level string `yaml:"level"`

	// File is the log file path (empty for stderr).
	File string `yaml:"file"`
}

// RPCConfig holds JSON-RPC server settings.
type RPCConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// SchedulerConfig holds tick loop settings.
type SchedulerConfig struct {
	// Interval between driver sweeps over all pairs.
	Interval time.Duration `yaml:"interval"`

	// SecretTimeout bounds one secret wait inside a tick.
	SecretTimeout time.Duration `yaml:"secret_timeout"`

	// SecretPollInterval is the delay between secret reads.
	SecretPollInterval time.Duration `yaml:"secret_poll_interval"`

	// Concurrency caps ticks running at once.
	Concurrency int `yaml:"concurrency"`

	// DryRunTimelock is the simulated self timelock given to tasks when
	// the memory ledger is in use. The counterparty leg gets half of it.
	DryRunTimelock time.Duration `yaml:"dry_run_timelock,omitempty"`
}

// LedgerConfig describes one chain connection.
type LedgerConfig struct {
	Type LedgerType `yaml:"type"`

	// RPCURL is the node endpoint (evm only).
	RPCURL string `yaml:"rpc_url,omitempty"`

	// KeyFile is the encrypted signer key (evm only).
	KeyFile string `yaml:"key_file,omitempty"`

	// StartBlock is the first block scanned for swap events.
	StartBlock uint64 `yaml:"start_block,omitempty"`

	// ReceiptTimeout bounds waiting for a sent transaction to be mined.
	ReceiptTimeout time.Duration `yaml:"receipt_timeout,omitempty"`

	// MaxFailures trips the chain's circuit breaker after this many
	// consecutive failed calls.
	MaxFailures uint32 `yaml:"max_failures,omitempty"`

	// OpenTimeout is how long a tripped breaker rejects calls.
	OpenTimeout time.Duration `yaml:"open_timeout,omitempty"`
}

// Defaults for unset ledger fields.
const (
	DefaultReceiptTimeout = 2 * time.Minute
	DefaultMaxFailures    = 5
	DefaultOpenTimeout    = 30 * time.Second

	DefaultDryRunTimelock = 24 * time.Hour
)

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			DataDir: "~/.htlcd",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		RPC: RPCConfig{
			Enabled: true,
			Listen:  "127.0.0.1:18645",
		},
		Scheduler: SchedulerConfig{
			Interval:           15 * time.Second,
			SecretTimeout:      swap.DefaultSecretTimeout,
			SecretPollInterval: swap.DefaultSecretPollInterval,
			Concurrency:        8,
			DryRunTimelock:     DefaultDryRunTimelock,
		},
		Ledgers: map[string]*LedgerConfig{},
	}
}

// ApplyDefaults fills unset ledger fields.
func (c *Config) ApplyDefaults() {
	if c.Scheduler.DryRunTimelock == 0 {
		c.Scheduler.DryRunTimelock = DefaultDryRunTimelock
	}
	for _, l := range c.Ledgers {
		if l == nil {
			continue
		}
		if l.ReceiptTimeout == 0 {
			l.ReceiptTimeout = DefaultReceiptTimeout
		}
		if l.MaxFailures == 0 {
			l.MaxFailures = DefaultMaxFailures
		}
		if l.OpenTimeout == 0 {
			l.OpenTimeout = DefaultOpenTimeout
		}
	}
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("%w: scheduler.interval must be positive", ErrInvalidConfig)
	}
	if c.Scheduler.SecretTimeout <= 0 {
		return fmt.Errorf("%w: scheduler.secret_timeout must be positive", ErrInvalidConfig)
	}
	if c.Scheduler.SecretPollInterval <= 0 {
		return fmt.Errorf("%w: scheduler.secret_poll_interval must be positive", ErrInvalidConfig)
	}
	if c.Scheduler.Concurrency < 1 {
		return fmt.Errorf("%w: scheduler.concurrency must be at least 1", ErrInvalidConfig)
	}
	if c.Scheduler.DryRunTimelock < 0 {
		return fmt.Errorf("%w: scheduler.dry_run_timelock must not be negative", ErrInvalidConfig)
	}
	if c.RPC.Enabled && c.RPC.Listen == "" {
		return fmt.Errorf("%w: rpc.listen is required when rpc is enabled", ErrInvalidConfig)
	}

	var ledgerType LedgerType
	for name, l := range c.Ledgers {
		if l == nil {
			return fmt.Errorf("%w: ledger %s is empty", ErrInvalidConfig, name)
		}
		switch l.Type {
		case LedgerEVM:
			if l.RPCURL == "" {
				return fmt.Errorf("%w: ledger %s: rpc_url is required", ErrInvalidConfig, name)
			}
			if l.KeyFile == "" {
				return fmt.Errorf("%w: ledger %s: key_file is required", ErrInvalidConfig, name)
			}
		case LedgerMemory:
		default:
			return fmt.Errorf("%w: ledger %s: unknown type %q", ErrInvalidConfig, name, l.Type)
		}
		if ledgerType != "" && l.Type != ledgerType {
			return fmt.Errorf("%w: all ledgers must share one type", ErrInvalidConfig)
		}
		ledgerType = l.Type
	}

	names := make(map[string]bool)
	selfPaths := make(map[string]string)
	for i, p := range c.Pairs {
		if p.Name == "" {
			return fmt.Errorf("%w: pairs[%d]: name is required", ErrInvalidConfig, i)
		}
		if names[p.Name] {
			return fmt.Errorf("%w: duplicate pair %s", ErrInvalidConfig, p.Name)
		}
		names[p.Name] = true

		for role, r := range map[string]swap.Resource{"self": p.Self, "counterparty": p.Counterparty} {
			l, ok := c.Ledgers[r.Chain]
			if !ok {
				return fmt.Errorf("%w: pair %s: %s chain %q has no ledger", ErrInvalidConfig, p.Name, role, r.Chain)
			}
			if l.Type == LedgerEVM && r.Contract != "" && !common.IsHexAddress(r.Contract) {
				return fmt.Errorf("%w: pair %s: %s contract %q is not an address", ErrInvalidConfig, p.Name, role, r.Contract)
			}
			if r.Origin != "" {
				if _, ok := c.Ledgers[r.Origin]; !ok {
					return fmt.Errorf("%w: pair %s: %s origin %q has no ledger", ErrInvalidConfig, p.Name, role, r.Origin)
				}
			}
		}

		// Tasks are registered per self resource.
		self := p.Self.String()
		if other, ok := selfPaths[self]; ok {
			return fmt.Errorf("%w: pairs %s and %s share self resource %s", ErrInvalidConfig, other, p.Name, self)
		}
		selfPaths[self] = p.Name
	}

	return nil
}

// LedgerType returns the adapter type shared by all ledgers, or empty when
// none are configured.
func (c *Config) LedgerType() LedgerType {
	for _, l := range c.Ledgers {
		if l != nil {
			return l.Type
		}
	}
	return ""
}

// Pair returns the pair with the given name.
func (c *Config) Pair(name string) (swap.ResourcePair, bool) {
	for _, p := range c.Pairs {
		if p.Name == name {
			return p, true
		}
	}
	return swap.ResourcePair{}, false
}

// ConfigFileName is the default config file name.
const ConfigFileName = "config.yaml"

// LoadConfig loads configuration from the data directory.
// If the file doesn't exist, it creates one with default values.
func LoadConfig(dataDir string) (*Config, error) {
	configPath := ConfigPath(dataDir)

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.Storage.DataDir = dataDir

		if err := cfg.Save(configPath); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}

		cfg.ApplyDefaults()
		return cfg, nil
	}

	return LoadFile(configPath)
}

// LoadFile loads configuration from an explicit path.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.ApplyDefaults()
	return cfg, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte("# HTLC scheduler configuration\n# Generated automatically on first run\n\n")
	data = append(header, data...)

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// ConfigPath returns the full path to the config file for the given data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(ExpandPath(dataDir), ConfigFileName)
}

// ExpandPath expands ~ to home directory.
func ExpandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
