package config

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config describes the gigd service configuration.
type Config struct {
	ListenAddress string `toml:"ListenAddress"`
	MetricsPath   string `toml:"MetricsPath"`
	DataDir       string `toml:"DataDir"`
	AuditDBPath   string `toml:"AuditDBPath"`
	Environment   string `toml:"Environment"`
	LogLevel      string `toml:"LogLevel"`

	// CustodySink is the hex-encoded address of the platform collecting
	// account that holds all funded value pending release.
	CustodySink string `toml:"CustodySink"`
	// Arbiters are hex-encoded addresses granted the dispute-resolver role
	// at startup.
	Arbiters []string `toml:"Arbiters"`
	// GenesisAccounts seed ledger balances the first time the daemon runs
	// against an empty data directory. Without at least one funded
	// organization no engagement can ever be created.
	GenesisAccounts []GenesisAccount `toml:"GenesisAccounts"`

	JWTSecret   string  `toml:"JWTSecret"`
	JWTIssuer   string  `toml:"JWTIssuer"`
	RatePerSec  float64 `toml:"RatePerSec"`
	RateBurst   int     `toml:"RateBurst"`
	ShutdownSec int     `toml:"ShutdownSec"`
}

// GenesisAccount is one seeded ledger balance: a hex-encoded address and a
// decimal amount string.
type GenesisAccount struct {
	Address string `toml:"Address"`
	Balance string `toml:"Balance"`
}

// Load loads the configuration from the given path, creating a default file
// when none exists.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.ListenAddress) == "" {
		c.ListenAddress = ":8080"
	}
	if strings.TrimSpace(c.MetricsPath) == "" {
		c.MetricsPath = "/metrics"
	}
	if strings.TrimSpace(c.DataDir) == "" {
		c.DataDir = "./gigledger-data"
	}
	if strings.TrimSpace(c.AuditDBPath) == "" {
		c.AuditDBPath = filepath.Join(c.DataDir, "gateway.db")
	}
	if strings.TrimSpace(c.Environment) == "" {
		c.Environment = "local"
	}
	if strings.TrimSpace(c.LogLevel) == "" {
		c.LogLevel = "info"
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 25
	}
	if c.RateBurst <= 0 {
		c.RateBurst = 50
	}
	if c.ShutdownSec <= 0 {
		c.ShutdownSec = 10
	}
	if c.Arbiters == nil {
		c.Arbiters = []string{}
	}
	if c.GenesisAccounts == nil {
		c.GenesisAccounts = []GenesisAccount{}
	}
}

// Validate checks address encodings and required secrets.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.CustodySink) == "" {
		return fmt.Errorf("config: CustodySink is required")
	}
	if _, err := DecodeAddress(c.CustodySink); err != nil {
		return fmt.Errorf("config: invalid CustodySink: %w", err)
	}
	for _, arbiter := range c.Arbiters {
		if _, err := DecodeAddress(arbiter); err != nil {
			return fmt.Errorf("config: invalid arbiter address %q: %w", arbiter, err)
		}
	}
	for _, account := range c.GenesisAccounts {
		if _, err := DecodeAddress(account.Address); err != nil {
			return fmt.Errorf("config: invalid genesis address %q: %w", account.Address, err)
		}
		if _, err := account.Amount(); err != nil {
			return err
		}
	}
	return nil
}

// Amount parses the balance string as a positive integer amount.
func (g GenesisAccount) Amount() (*big.Int, error) {
	amount, ok := new(big.Int).SetString(strings.TrimSpace(g.Balance), 10)
	if !ok || amount.Sign() <= 0 {
		return nil, fmt.Errorf("config: genesis balance for %q must be a positive integer, got %q", g.Address, g.Balance)
	}
	return amount, nil
}

// ShutdownTimeout returns the graceful shutdown window.
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownSec) * time.Second
}

// DecodeAddress parses a hex-encoded 20-byte ledger address, accepting an
// optional 0x prefix.
func DecodeAddress(value string) ([20]byte, error) {
	var addr [20]byte
	trimmed := strings.TrimPrefix(strings.TrimSpace(value), "0x")
	raw, err := hex.DecodeString(trimmed)
	if err != nil {
		return addr, err
	}
	if len(raw) != len(addr) {
		return addr, fmt.Errorf("address must be %d bytes, got %d", len(addr), len(raw))
	}
	copy(addr[:], raw)
	return addr, nil
}

// createDefault creates and saves a default configuration file. The custody
// sink is intentionally left empty so operators must fill it in before the
// service starts.
func createDefault(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, fmt.Errorf("config: wrote default file to %s; set CustodySink and restart", path)
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}
