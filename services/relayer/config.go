package relayer

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"btcbridge/bitcoin"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := value.Value
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures the runtime configuration of the header relayer.
type Config struct {
	Network  string         `yaml:"network"`
	Explorer ExplorerConfig `yaml:"explorer"`
	Interval Duration       `yaml:"interval"`
	Batch    int            `yaml:"batch"`
	// MaxRewind bounds how far below the tip the worker searches for a fork
	// point after an explorer reorg.
	MaxRewind uint64 `yaml:"max_rewind"`
	// RatePerSecond caps explorer requests across all endpoints.
	RatePerSecond float64 `yaml:"rate_per_second"`
	Submitter     string  `yaml:"submitter"`
}

// ExplorerConfig points the relayer at an Esplora-compatible HTTP API.
type ExplorerConfig struct {
	BaseURL    string   `yaml:"base_url"`
	Timeout    Duration `yaml:"timeout"`
	MaxRetries uint64   `yaml:"max_retries"`
}

// LoadConfig reads configuration from the supplied path.
func LoadConfig(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// DefaultConfig returns the configuration used when no file is supplied.
func DefaultConfig(network bitcoin.Network) Config {
	cfg := Config{Network: network.String()}
	applyDefaults(&cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.Network) == "" {
		cfg.Network = bitcoin.Mainnet.String()
	}
	if strings.TrimSpace(cfg.Explorer.BaseURL) == "" {
		cfg.Explorer.BaseURL = defaultExplorer(cfg.Network)
	}
	if cfg.Explorer.Timeout.Duration <= 0 {
		cfg.Explorer.Timeout.Duration = DefaultRequestTimeout
	}
	if cfg.Explorer.MaxRetries == 0 {
		cfg.Explorer.MaxRetries = MaxRetryNum
	}
	if cfg.Interval.Duration <= 0 {
		cfg.Interval.Duration = time.Minute
	}
	if cfg.Batch <= 0 {
		cfg.Batch = 20
	}
	if cfg.MaxRewind == 0 {
		cfg.MaxRewind = 144
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 5
	}
	if strings.TrimSpace(cfg.Submitter) == "" {
		cfg.Submitter = "relayer"
	}
}

func defaultExplorer(network string) string {
	if strings.EqualFold(strings.TrimSpace(network), bitcoin.Testnet.String()) {
		return "https://blockstream.info/testnet/api"
	}
	return "https://blockstream.info/api"
}

func validateConfig(cfg Config) error {
	if _, err := bitcoin.ParseNetwork(cfg.Network); err != nil {
		return err
	}
	parsed, err := url.Parse(cfg.Explorer.BaseURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("explorer base_url must be an absolute URL")
	}
	if cfg.Batch > 2016 {
		return fmt.Errorf("batch must not exceed 2016 headers")
	}
	return nil
}
