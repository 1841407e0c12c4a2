package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config is the btcbridged node configuration.
type Config struct {
	DataDir       string         `toml:"DataDir"`
	DBBackend     string         `toml:"DBBackend"`
	Network       string         `toml:"Network"`
	Environment   string         `toml:"Environment"`
	GatewayConfig string         `toml:"GatewayConfig"`
	RelayerConfig string         `toml:"RelayerConfig"`
	Log           LogConfig      `toml:"Log"`
	Genesis       GenesisConfig  `toml:"Genesis"`
	Trustees      TrusteesConfig `toml:"Trustees"`
	Headers       HeadersConfig  `toml:"Headers"`
	Bridge        BridgeConfig   `toml:"Bridge"`
	Vault         VaultConfig    `toml:"Vault"`
}

type LogConfig struct {
	File       string `toml:"File"`
	MaxSizeMB  int    `toml:"MaxSizeMB"`
	MaxBackups int    `toml:"MaxBackups"`
	MaxAgeDays int    `toml:"MaxAgeDays"`
	Compress   bool   `toml:"Compress"`
}

// GenesisConfig is the trusted starting header. It is only used when the
// store is empty.
type GenesisConfig struct {
	Header string `toml:"Header"`
	Height uint64 `toml:"Height"`
}

type TrusteesConfig struct {
	Hot       string   `toml:"Hot"`
	Cold      string   `toml:"Cold"`
	Members   []string `toml:"Members"`
	Threshold uint32   `toml:"Threshold"`
}

// HeadersConfig overrides the network defaults of the header tracker. Zero
// values keep the default.
type HeadersConfig struct {
	ConfirmationNumber uint32 `toml:"ConfirmationNumber"`
	ReservedBlock      uint32 `toml:"ReservedBlock"`
	BestChain          string `toml:"BestChain"`
}

type BridgeConfig struct {
	AccountPrefix      string `toml:"AccountPrefix"`
	MinDeposit         uint64 `toml:"MinDeposit"`
	WithdrawalFee      uint64 `toml:"WithdrawalFee"`
	MaxWithdrawalCount uint32 `toml:"MaxWithdrawalCount"`
}

type VaultConfig struct {
	MinimumCollateral    string   `toml:"MinimumCollateral"`
	SecureThreshold      uint64   `toml:"SecureThreshold"`
	LiquidationThreshold uint64   `toml:"LiquidationThreshold"`
	IssueGriefingFee     uint64   `toml:"IssueGriefingFee"`
	IssueExpiry          uint64   `toml:"IssueExpiry"`
	RedeemExpiry         uint64   `toml:"RedeemExpiry"`
	RedeemDustValue      uint64   `toml:"RedeemDustValue"`
	QuoteMaxAge          int64    `toml:"QuoteMaxAge"`
	Oracles              []string `toml:"Oracles"`
}

// Load loads the configuration from the given path, writing a default file
// when none exists.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	} else if err != nil {
		return nil, err
	}

	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a regtest configuration with an in-tree data directory.
func Default() *Config {
	return &Config{
		DataDir:     "./btcbridge-data",
		DBBackend:   "leveldb",
		Network:     "regtest",
		Environment: "dev",
		Log: LogConfig{
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 28,
		},
	}
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.DBBackend) == "" {
		cfg.DBBackend = "leveldb"
	}
	if strings.TrimSpace(cfg.Network) == "" {
		cfg.Network = "regtest"
	}
	if strings.TrimSpace(cfg.Environment) == "" {
		cfg.Environment = "dev"
	}
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := Default()
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
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
