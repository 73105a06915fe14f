package config

import (
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	"tokensale/sale"
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

// Config captures runtime configuration for saled.
type Config struct {
	ListenAddress string      `yaml:"listen"`
	DatabasePath  string      `yaml:"database"`
	TLS           TLSConfig   `yaml:"tls"`
	Admin         AdminConfig `yaml:"admin"`
	Feed          FeedConfig  `yaml:"feed"`
	Sale          SaleParams  `yaml:"sale"`
}

// TLSConfig controls transport security of the HTTP listener. Setting
// ClientCAPath enables mTLS as an admin authentication method.
type TLSConfig struct {
	Disable      bool   `yaml:"disable"`
	CertPath     string `yaml:"cert"`
	KeyPath      string `yaml:"key"`
	ClientCAPath string `yaml:"client_ca"`
}

// AdminConfig controls the administrative surface.
type AdminConfig struct {
	// BearerToken authenticates admin HTTP requests.
	BearerToken string `yaml:"bearer_token"`
	// Operator is the identity admin requests act as; it must be on the
	// engine's authorization allow list.
	Operator string `yaml:"operator"`
}

// FeedConfig selects and tunes the price feed adapter.
type FeedConfig struct {
	// Kind is either "manual" or "http".
	Kind     string `yaml:"kind"`
	Endpoint string `yaml:"endpoint"`
	APIKey   string `yaml:"api_key"`
	Decimals uint8  `yaml:"decimals"`
}

// SaleParams seeds the engine configuration. Token quantities are whole
// tokens; the loader rescales them to wei.
type SaleParams struct {
	RateTokensPerUSD int64     `yaml:"rate_tokens_per_usd"`
	HardCapTokens    int64     `yaml:"hard_cap_tokens"`
	StartTime        time.Time `yaml:"start_time"`
	EndTime          time.Time `yaml:"end_time"`
	Active           bool      `yaml:"active"`
	PromoBonusBps    uint64    `yaml:"promo_bonus_bps"`
	MaxPriceAge      Duration  `yaml:"max_price_age"`
	Treasury         string    `yaml:"treasury"`
	SaleToken        string    `yaml:"sale_token"`
	Vault            string    `yaml:"vault"`
	// InventoryTokens seeds the vault's sale-token inventory on first
	// startup, in whole tokens. Zero leaves the balance book untouched.
	InventoryTokens int64 `yaml:"inventory_tokens"`
}

const (
	// FeedKindManual selects the in-memory feed with operator overrides.
	FeedKindManual = "manual"
	// FeedKindHTTP selects the JSON round endpoint adapter.
	FeedKindHTTP = "http"
)

// Load reads and validates configuration from the supplied path.
func Load(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.normalise(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalise() error {
	if strings.TrimSpace(c.ListenAddress) == "" {
		c.ListenAddress = ":8671"
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("config: database path required")
	}
	if !c.TLS.Disable {
		if strings.TrimSpace(c.TLS.CertPath) == "" || strings.TrimSpace(c.TLS.KeyPath) == "" {
			return fmt.Errorf("config: tls cert and key required unless tls is disabled")
		}
	}
	if strings.TrimSpace(c.Admin.BearerToken) == "" && strings.TrimSpace(c.TLS.ClientCAPath) == "" {
		return fmt.Errorf("config: admin bearer token or tls client_ca required")
	}
	if !common.IsHexAddress(c.Admin.Operator) {
		return fmt.Errorf("config: admin operator must be a hex address")
	}
	switch strings.ToLower(strings.TrimSpace(c.Feed.Kind)) {
	case "", FeedKindManual:
		c.Feed.Kind = FeedKindManual
	case FeedKindHTTP:
		c.Feed.Kind = FeedKindHTTP
		if strings.TrimSpace(c.Feed.Endpoint) == "" {
			return fmt.Errorf("config: http feed requires an endpoint")
		}
	default:
		return fmt.Errorf("config: unknown feed kind %q", c.Feed.Kind)
	}
	if c.Feed.Decimals == 0 {
		c.Feed.Decimals = 8
	}
	if c.Sale.RateTokensPerUSD <= 0 {
		return fmt.Errorf("config: rate_tokens_per_usd must be positive")
	}
	if c.Sale.HardCapTokens <= 0 {
		return fmt.Errorf("config: hard_cap_tokens must be positive")
	}
	if !c.Sale.StartTime.Before(c.Sale.EndTime) {
		return fmt.Errorf("config: start_time must precede end_time")
	}
	if c.Sale.InventoryTokens < 0 {
		return fmt.Errorf("config: inventory_tokens must not be negative")
	}
	if c.Sale.PromoBonusBps > sale.MaxPromoBonusBps {
		return fmt.Errorf("config: promo_bonus_bps above %d", sale.MaxPromoBonusBps)
	}
	if c.Sale.MaxPriceAge.Duration <= 0 {
		c.Sale.MaxPriceAge = Duration{Duration: time.Hour}
	}
	for name, addr := range map[string]string{
		"treasury":   c.Sale.Treasury,
		"sale_token": c.Sale.SaleToken,
		"vault":      c.Sale.Vault,
	} {
		if !common.IsHexAddress(addr) {
			return fmt.Errorf("config: %s must be a hex address", name)
		}
	}
	return nil
}

// EngineConfig converts the loaded parameters into the engine's native
// representation.
func (c Config) EngineConfig() sale.SaleConfig {
	tokenScale := new(big.Int).Exp(big.NewInt(10), big.NewInt(sale.TokenDecimals), nil)
	return sale.SaleConfig{
		RateWei:       new(big.Int).Mul(big.NewInt(c.Sale.RateTokensPerUSD), tokenScale),
		HardCapWei:    new(big.Int).Mul(big.NewInt(c.Sale.HardCapTokens), tokenScale),
		StartTime:     c.Sale.StartTime,
		EndTime:       c.Sale.EndTime,
		Active:        c.Sale.Active,
		PromoBonusBps: c.Sale.PromoBonusBps,
		MaxPriceAge:   c.Sale.MaxPriceAge.Duration,
		Treasury:      common.HexToAddress(c.Sale.Treasury),
		SaleToken:     common.HexToAddress(c.Sale.SaleToken),
		Vault:         common.HexToAddress(c.Sale.Vault),
	}
}

// OperatorAddress returns the parsed admin operator identity.
func (c Config) OperatorAddress() common.Address {
	return common.HexToAddress(c.Admin.Operator)
}
