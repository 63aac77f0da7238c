// Package main provides the htlcd daemon - a cross-chain HTLC swap scheduler.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/klingon-exchange/klingon-htlcd/internal/config"
	"github.com/klingon-exchange/klingon-htlcd/internal/contracts/htlc"
	"github.com/klingon-exchange/klingon-htlcd/internal/driver"
	"github.com/klingon-exchange/klingon-htlcd/internal/keystore"
	"github.com/klingon-exchange/klingon-htlcd/internal/ledger/evm"
	"github.com/klingon-exchange/klingon-htlcd/internal/rpc"
	"github.com/klingon-exchange/klingon-htlcd/internal/storage"
	"github.com/klingon-exchange/klingon-htlcd/internal/swap"
	"github.com/klingon-exchange/klingon-htlcd/pkg/helpers"
	"github.com/klingon-exchange/klingon-htlcd/pkg/logging"
)

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

// passwordEnv names the environment variable holding the keystore password.
const passwordEnv = "HTLCD_KEY_PASSWORD"

func main() {
	// Parse flags
	var (
		dataDir     = flag.String("data-dir", "~/.htlcd", "Data directory")
		configFile  = flag.String("config", "", "Config file path (default: <data-dir>/config.yaml)")
		apiAddr     = flag.String("api", "", "JSON-RPC API address, overrides config")
		noAPI       = flag.Bool("no-api", false, "Disable the JSON-RPC server")
		interval    = flag.Duration("interval", 0, "Sweep interval, overrides config")
		concurrency = flag.Int("concurrency", 0, "Max ticks in flight, overrides config")
		logLevel    = flag.String("log-level", "", "Log level (debug, info, warn, error), overrides config")
		importKey   = flag.String("import-key", "", "Encrypt the hex private key in this file into -key-out and exit")
		keyOut      = flag.String("key-out", "", "Keystore file written by -import-key")
		newSecret   = flag.Bool("new-secret", false, "Print a fresh preimage and its task ID and exit")
		showVersion = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	// Set up logging (initial, may be overridden by config)
	log := logging.New(&logging.Config{
		Level:      valueOr(*logLevel, "info"),
		TimeFormat: time.TimeOnly,
	})

	if *showVersion {
		log.Infof("htlcd %s (commit: %s)", version, commit)
		os.Exit(0)
	}

	if *newSecret {
		secret, hash, err := htlc.GenerateSecret()
		if err != nil {
			log.Fatal("Failed to generate secret", "error", err)
		}
		fmt.Printf("secret:  %s\n", helpers.BytesToHex(secret[:]))
		fmt.Printf("task_id: %s\n", helpers.BytesToHex(hash[:]))
		return
	}

	if *importKey != "" {
		if err := runImportKey(*importKey, *keyOut); err != nil {
			log.Fatal("Failed to import key", "error", err)
		}
		log.Info("Key imported", "path", *keyOut)
		return
	}

	// Load or create config file
	var (
		cfg *config.Config
		err error
	)
	if *configFile != "" {
		cfg, err = config.LoadFile(*configFile)
	} else {
		cfg, err = config.LoadConfig(*dataDir)
	}
	if err != nil {
		log.Fatal("Failed to load config", "error", err)
	}

	// Apply CLI overrides (CLI flags take precedence over config file)
	if *configFile == "" {
		cfg.Storage.DataDir = *dataDir
	}
	if *apiAddr != "" {
		cfg.RPC.Listen = *apiAddr
	}
	if *noAPI {
		cfg.RPC.Enabled = false
	}
	if *interval > 0 {
		cfg.Scheduler.Interval = *interval
	}
	if *concurrency > 0 {
		cfg.Scheduler.Concurrency = *concurrency
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	if err := cfg.Validate(); err != nil {
		log.Fatal("Invalid config", "error", err)
	}

	// Update logging with config level and output
	logCfg := &logging.Config{
		Level:      cfg.Logging.Level,
		TimeFormat: time.TimeOnly,
	}
	if cfg.Logging.File != "" {
		f, err := openLogFile(config.ExpandPath(cfg.Logging.File))
		if err != nil {
			log.Fatal("Failed to open log file", "error", err)
		}
		defer f.Close()
		logCfg.Output = f
	}
	log = logging.New(logCfg)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize storage
	dataPath := config.ExpandPath(cfg.Storage.DataDir)
	store, err := storage.New(&storage.Config{DataDir: dataPath})
	if err != nil {
		log.Fatal("Failed to initialize storage", "error", err)
	}
	defer store.Close()
	log.Info("Storage initialized", "path", store.Path())

	// Initialize ledger
	ledgers, err := buildLedger(ctx, cfg, store, log)
	if err != nil {
		log.Fatal("Failed to initialize ledger", "error", err)
	}
	defer ledgers.close()

	// Scheduler and driver
	sched := swap.NewScheduler(&swap.SchedulerConfig{
		Ledger:             ledgers.ledger,
		Registry:           store,
		Logger:             log,
		SecretTimeout:      cfg.Scheduler.SecretTimeout,
		SecretPollInterval: cfg.Scheduler.SecretPollInterval,
	})
	drv := driver.New(sched, &driver.Config{
		Interval:    cfg.Scheduler.Interval,
		Concurrency: cfg.Scheduler.Concurrency,
		Pairs:       cfg.Pairs,
		Logger:      log,
	})

	// Start RPC server
	var rpcServer *rpc.Server
	if cfg.RPC.Enabled {
		rpcServer = rpc.NewServer(&rpc.Config{
			Storage:     store,
			Driver:      drv,
			Breakers:    ledgers.breakers,
			OnTaskAdded: ledgers.onTaskAdded,
			Logger:      log,
		})
		sched.OnEvent(rpcServer.OnTickEvent)
		if err := rpcServer.Start(cfg.RPC.Listen); err != nil {
			log.Fatal("Failed to start RPC server", "error", err)
		}
	}

	drv.Start(ctx)

	printBanner(log, cfg, rpcServer)

	// Wait for interrupt signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	<-sigCh
	log.Info("Shutting down...")

	// Graceful shutdown: stop accepting RPC ticks, then drain the driver.
	if rpcServer != nil {
		if err := rpcServer.Stop(); err != nil {
			log.Error("Error stopping RPC server", "error", err)
		}
	}
	drv.Stop()
	cancel()

	log.Info("Goodbye!")
}

// ledgerSet is the ledger adapter selected by the config plus the hooks
// the daemon wires around it.
type ledgerSet struct {
	ledger swap.Ledger
	// breakers reports breaker state. Nil for the memory ledger.
	breakers func() map[string]string
	// onTaskAdded is set in dry-run mode only.
	onTaskAdded rpc.TaskAddedFunc
	close       func()
}

// buildLedger creates the ledger adapter selected by the config.
func buildLedger(ctx context.Context, cfg *config.Config, store *storage.Storage, log *logging.Logger) (*ledgerSet, error) {
	switch cfg.LedgerType() {
	case config.LedgerEVM:
		password := os.Getenv(passwordEnv)
		if password == "" {
			return nil, fmt.Errorf("%s is not set", passwordEnv)
		}

		var chains []evm.ChainConfig
		closeAll := func() {
			for _, c := range chains {
				c.Close()
			}
		}
		for name, lc := range cfg.Ledgers {
			key, err := keystore.LoadKey(config.ExpandPath(lc.KeyFile), password)
			if err != nil {
				closeAll()
				return nil, fmt.Errorf("ledger %s: %w", name, err)
			}
			client, err := evm.Dial(ctx, lc.RPCURL)
			if err != nil {
				closeAll()
				return nil, fmt.Errorf("ledger %s: %w", name, err)
			}
			chains = append(chains, evm.ChainConfig{
				Name:           name,
				Backend:        client,
				Close:          client.Close,
				Key:            key,
				StartBlock:     lc.StartBlock,
				ReceiptTimeout: lc.ReceiptTimeout,
				MaxFailures:    lc.MaxFailures,
				OpenTimeout:    lc.OpenTimeout,
			})
		}

		l, err := evm.New(ctx, &evm.Config{
			Chains:  chains,
			Pairs:   cfg.Pairs,
			Storage: store,
			Logger:  log,
		})
		if err != nil {
			closeAll()
			return nil, err
		}
		return &ledgerSet{ledger: l, breakers: l.BreakerState, close: l.Close}, nil

	case config.LedgerMemory, "":
		log.Warn("Using in-memory ledger, no chain is touched")
		timelock := cfg.Scheduler.DryRunTimelock
		if timelock <= 0 {
			timelock = config.DefaultDryRunTimelock
		}
		d, err := newDryRun(ctx, store, cfg.Pairs, timelock, log)
		if err != nil {
			return nil, err
		}
		return &ledgerSet{ledger: d.ledger, onTaskAdded: d.onTaskAdded, close: func() {}}, nil

	default:
		return nil, fmt.Errorf("unsupported ledger type %q", cfg.LedgerType())
	}
}

// runImportKey encrypts a hex private key with the password from the
// environment and writes it to out.
func runImportKey(in, out string) error {
	if out == "" {
		return errors.New("-key-out is required")
	}
	password := os.Getenv(passwordEnv)
	if err := keystore.ValidatePassword(password); err != nil {
		return fmt.Errorf("%s: %w", passwordEnv, err)
	}

	data, err := os.ReadFile(in)
	if err != nil {
		return fmt.Errorf("failed to read key: %w", err)
	}
	key, err := htlc.ParsePrivateKey(strings.TrimSpace(string(data)))
	if err != nil {
		return fmt.Errorf("failed to parse key: %w", err)
	}

	encrypted, err := keystore.EncryptKey(key, password)
	if err != nil {
		return err
	}
	path, err := filepath.Abs(config.ExpandPath(out))
	if err != nil {
		return err
	}
	return keystore.Save(encrypted, path)
}

func openLogFile(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, err
	}
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
}

func valueOr(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func printBanner(log *logging.Logger, cfg *config.Config, rpcServer *rpc.Server) {
	ledgerType := cfg.LedgerType()
	if ledgerType == "" {
		ledgerType = config.LedgerMemory
	}

	log.Info("")
	log.Info("=================================================")
	log.Info("  Klingon HTLC Scheduler")
	log.Infof("  Version: %s", version)
	log.Info("=================================================")
	log.Info("")
	log.Infof("  Ledger: %s | Chains: %d | Pairs: %d", ledgerType, len(cfg.Ledgers), len(cfg.Pairs))
	for _, p := range cfg.Pairs {
		log.Infof("    %s: %s <-> %s", p.Name, p.Self, p.Counterparty)
	}
	log.Info("")
	log.Infof("  Sweep: every %s, %d ticks in flight", cfg.Scheduler.Interval, cfg.Scheduler.Concurrency)
	if rpcServer != nil {
		log.Infof("  API: http://%s", rpcServer.Addr())
		log.Infof("  WS:  ws://%s/ws", rpcServer.Addr())
	}
	log.Infof("  Data dir: %s", config.ExpandPath(cfg.Storage.DataDir))
	log.Info("")
	log.Info("=================================================")
	log.Info("")
}
