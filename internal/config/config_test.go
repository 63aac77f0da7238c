package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/klingon-exchange/klingon-htlcd/internal/swap"
)

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.Ledgers = map[string]*LedgerConfig{
		"eth": {Type: LedgerEVM, RPCURL: "http://localhost:8545", KeyFile: "eth.key"},
		"bsc": {Type: LedgerEVM, RPCURL: "http://localhost:8546", KeyFile: "bsc.key"},
	}
	cfg.Pairs = []swap.ResourcePair{{
		Name:         "eth-bsc",
		Self:         swap.Resource{Path: "eth.htlc", Chain: "eth", Contract: "0x628c677e7b8889e64564d3f381565a9e6656aade"},
		Counterparty: swap.Resource{Path: "bsc.htlc", Chain: "bsc", Contract: "0xC8515f07b08b586a2Fd6A389585D9a182D03adFB"},
	}}
	cfg.ApplyDefaults()
	return cfg
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Storage.DataDir != "~/.htlcd" {
		t.Errorf("expected ~/.htlcd, got %s", cfg.Storage.DataDir)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("expected log level info, got %s", cfg.Logging.Level)
	}
	if cfg.Scheduler.SecretTimeout != 4000*time.Millisecond {
		t.Errorf("expected secret timeout 4s, got %v", cfg.Scheduler.SecretTimeout)
	}
	if cfg.Scheduler.SecretPollInterval != time.Second {
		t.Errorf("expected poll interval 1s, got %v", cfg.Scheduler.SecretPollInterval)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestApplyDefaults(t *testing.T) {
	cfg := validConfig()
	l := cfg.Ledgers["eth"]
	if l.ReceiptTimeout != DefaultReceiptTimeout || l.MaxFailures != DefaultMaxFailures || l.OpenTimeout != DefaultOpenTimeout {
		t.Errorf("ledger defaults not applied: %+v", l)
	}

	cfg.Scheduler.DryRunTimelock = 0
	cfg.ApplyDefaults()
	if cfg.Scheduler.DryRunTimelock != DefaultDryRunTimelock {
		t.Errorf("DryRunTimelock = %v, want %v", cfg.Scheduler.DryRunTimelock, DefaultDryRunTimelock)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"zero interval", func(c *Config) { c.Scheduler.Interval = 0 }, "scheduler.interval"},
		{"zero concurrency", func(c *Config) { c.Scheduler.Concurrency = 0 }, "concurrency"},
		{"negative dry run timelock", func(c *Config) { c.Scheduler.DryRunTimelock = -time.Hour }, "dry_run_timelock"},
		{"missing rpc listen", func(c *Config) { c.RPC.Listen = "" }, "rpc.listen"},
		{"unknown ledger type", func(c *Config) { c.Ledgers["eth"].Type = "solana" }, "unknown type"},
		{"missing rpc url", func(c *Config) { c.Ledgers["eth"].RPCURL = "" }, "rpc_url"},
		{"mixed ledger types", func(c *Config) { c.Ledgers["bsc"] = &LedgerConfig{Type: LedgerMemory} }, "one type"},
		{"pair without name", func(c *Config) { c.Pairs[0].Name = "" }, "name is required"},
		{"unknown chain", func(c *Config) { c.Pairs[0].Counterparty.Chain = "btc" }, "has no ledger"},
		{"default contract", func(c *Config) { c.Pairs[0].Self.Contract = "" }, ""},
		{"bad contract", func(c *Config) { c.Pairs[0].Self.Contract = "0x01" }, "not an address"},
		{"unknown origin", func(c *Config) { c.Pairs[0].Self.Origin = "sol" }, "origin"},
		{"duplicate pair", func(c *Config) { c.Pairs = append(c.Pairs, c.Pairs[0]) }, "duplicate pair"},
		{"shared self", func(c *Config) {
			p := c.Pairs[0]
			p.Name = "other"
			c.Pairs = append(c.Pairs, p)
		}, "share self resource"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() error = nil, want %q", tt.wantErr)
			}
			if !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("Validate() error = %v, want ErrInvalidConfig", err)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadConfigCreatesDefault(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "htlcd-config-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	cfg, err := LoadConfig(tmpDir)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.Storage.DataDir != tmpDir {
		t.Errorf("DataDir = %s, want %s", cfg.Storage.DataDir, tmpDir)
	}

	data, err := os.ReadFile(filepath.Join(tmpDir, ConfigFileName))
	if err != nil {
		t.Fatalf("config file not written: %v", err)
	}
	if !strings.HasPrefix(string(data), "# HTLC scheduler configuration") {
		t.Error("config file missing header")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "htlcd-config-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	cfg := validConfig()
	cfg.Storage.DataDir = tmpDir
	cfg.Scheduler.Interval = 5 * time.Second
	cfg.Ledgers["eth"].StartBlock = 19_000_000

	if err := cfg.Save(ConfigPath(tmpDir)); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := LoadConfig(tmpDir)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if loaded.Scheduler.Interval != 5*time.Second {
		t.Errorf("Interval = %v, want 5s", loaded.Scheduler.Interval)
	}
	if loaded.Ledgers["eth"].StartBlock != 19_000_000 {
		t.Errorf("StartBlock = %d", loaded.Ledgers["eth"].StartBlock)
	}
	p, ok := loaded.Pair("eth-bsc")
	if !ok {
		t.Fatal("Pair(eth-bsc) not found")
	}
	if p.Self.Contract != "0x628c677e7b8889e64564d3f381565a9e6656aade" || p.Counterparty.Chain != "bsc" {
		t.Errorf("Pair() = %+v", p)
	}
	if loaded.LedgerType() != LedgerEVM {
		t.Errorf("LedgerType() = %s, want evm", loaded.LedgerType())
	}
	if err := loaded.Validate(); err != nil {
		t.Errorf("loaded config invalid: %v", err)
	}
}

func TestLoadFileDurations(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "htlcd-config-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	path := filepath.Join(tmpDir, "custom.yaml")
	yml := `
scheduler:
  interval: 30s
  secret_timeout: 2500ms
ledgers:
  local:
    type: memory
pairs:
  - name: demo
    self: {path: a.htlc, chain: local}
    counterparty: {path: b.htlc, chain: local}
`
	if err := os.WriteFile(path, []byte(yml), 0600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if cfg.Scheduler.Interval != 30*time.Second || cfg.Scheduler.SecretTimeout != 2500*time.Millisecond {
		t.Errorf("durations = %v / %v", cfg.Scheduler.Interval, cfg.Scheduler.SecretTimeout)
	}
	// Unset fields keep defaults.
	if cfg.Scheduler.SecretPollInterval != time.Second {
		t.Errorf("SecretPollInterval = %v, want default 1s", cfg.Scheduler.SecretPollInterval)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestExpandPath(t *testing.T) {
	home, _ := os.UserHomeDir()
	if got := ExpandPath("~/.htlcd"); got != filepath.Join(home, ".htlcd") {
		t.Errorf("ExpandPath(~/.htlcd) = %s", got)
	}
}

func TestResolveContract(t *testing.T) {
	sepolia := common.HexToAddress("0x628c677e7b8889e64564d3f381565a9e6656aade")
	custom := "0x00000000000000000000000000000000000000aa"

	tests := []struct {
		name     string
		contract string
		chainID  uint64
		want     common.Address
		wantOK   bool
	}{
		{"explicit", custom, 11155111, common.HexToAddress(custom), true},
		{"default", "", 11155111, sepolia, true},
		{"unknown chain", "", 31337, common.Address{}, false},
		{"malformed", "0x01", 11155111, common.Address{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ResolveContract(tt.contract, tt.chainID)
			if ok != tt.wantOK || got != tt.want {
				t.Errorf("ResolveContract() = %s, %v; want %s, %v", got.Hex(), ok, tt.want.Hex(), tt.wantOK)
			}
		})
	}

	chains := DeployedHTLCChains()
	if len(chains) != 2 || chains[0] != 97 || chains[1] != 11155111 {
		t.Errorf("DeployedHTLCChains() = %v", chains)
	}
}
