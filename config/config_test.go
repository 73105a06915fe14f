package config

import (
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

const sampleConfig = `
listen: ":9400"
database: "sale.db"
tls:
  disable: true
admin:
  bearer_token: "secret"
  operator: "0x00000000000000000000000000000000000000a1"
feed:
  kind: http
  endpoint: "https://oracle.example/rounds/latest"
  api_key: "feed-key"
  decimals: 8
sale:
  rate_tokens_per_usd: 100
  hard_cap_tokens: 1000000
  start_time: 2026-01-01T00:00:00Z
  end_time: 2026-03-01T00:00:00Z
  active: true
  promo_bonus_bps: 500
  max_price_age: "30m"
  treasury: "0x00000000000000000000000000000000000000b2"
  sale_token: "0x00000000000000000000000000000000000000c3"
  vault: "0x00000000000000000000000000000000000000d4"
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadParsesFullConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.ListenAddress != ":9400" {
		t.Fatalf("unexpected listen address: %q", cfg.ListenAddress)
	}
	if cfg.Feed.Kind != FeedKindHTTP {
		t.Fatalf("unexpected feed kind: %q", cfg.Feed.Kind)
	}
	if cfg.Sale.MaxPriceAge.Duration != 30*time.Minute {
		t.Fatalf("unexpected max price age: %s", cfg.Sale.MaxPriceAge.Duration)
	}

	engineCfg := cfg.EngineConfig()
	wantRate := new(big.Int).Mul(big.NewInt(100), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
	if engineCfg.RateWei.Cmp(wantRate) != 0 {
		t.Fatalf("unexpected rate: %s", engineCfg.RateWei)
	}
	if engineCfg.PromoBonusBps != 500 {
		t.Fatalf("unexpected promo bonus: %d", engineCfg.PromoBonusBps)
	}
	if got := engineCfg.Treasury; got != common.HexToAddress("0x00000000000000000000000000000000000000b2") {
		t.Fatalf("unexpected treasury: %s", got)
	}
}

func TestLoadDefaultsFeedKindAndListen(t *testing.T) {
	body := `
database: "sale.db"
tls:
  disable: true
admin:
  bearer_token: "secret"
  operator: "0x00000000000000000000000000000000000000a1"
sale:
  rate_tokens_per_usd: 1
  hard_cap_tokens: 10
  start_time: 2026-01-01T00:00:00Z
  end_time: 2026-02-01T00:00:00Z
  treasury: "0x00000000000000000000000000000000000000b2"
  sale_token: "0x00000000000000000000000000000000000000c3"
  vault: "0x00000000000000000000000000000000000000d4"
`
	cfg, err := Load(writeConfig(t, body))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Feed.Kind != FeedKindManual {
		t.Fatalf("expected manual feed default, got %q", cfg.Feed.Kind)
	}
	if cfg.Feed.Decimals != 8 {
		t.Fatalf("expected default feed decimals, got %d", cfg.Feed.Decimals)
	}
	if cfg.ListenAddress != ":8671" {
		t.Fatalf("expected default listen address, got %q", cfg.ListenAddress)
	}
	if cfg.Sale.MaxPriceAge.Duration != time.Hour {
		t.Fatalf("expected default max price age, got %s", cfg.Sale.MaxPriceAge.Duration)
	}
}

func TestLoadRejectsInvalidConfigs(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(string) string
	}{
		{"missing bearer token", func(s string) string {
			return replaceLine(s, `  bearer_token: "secret"`, `  bearer_token: ""`)
		}},
		{"tls enabled without cert", func(s string) string {
			return replaceLine(s, `  disable: true`, `  disable: false`)
		}},
		{"bad operator", func(s string) string {
			return replaceLine(s, `  operator: "0x00000000000000000000000000000000000000a1"`, `  operator: "not-an-address"`)
		}},
		{"unknown feed kind", func(s string) string {
			return replaceLine(s, `  kind: http`, `  kind: carrier-pigeon`)
		}},
		{"http feed without endpoint", func(s string) string {
			return replaceLine(s, `  endpoint: "https://oracle.example/rounds/latest"`, `  endpoint: ""`)
		}},
		{"zero rate", func(s string) string {
			return replaceLine(s, `  rate_tokens_per_usd: 100`, `  rate_tokens_per_usd: 0`)
		}},
		{"window inverted", func(s string) string {
			return replaceLine(s, `  end_time: 2026-03-01T00:00:00Z`, `  end_time: 2025-01-01T00:00:00Z`)
		}},
		{"promo above bound", func(s string) string {
			return replaceLine(s, `  promo_bonus_bps: 500`, `  promo_bonus_bps: 6000`)
		}},
		{"bad treasury", func(s string) string {
			return replaceLine(s, `  treasury: "0x00000000000000000000000000000000000000b2"`, `  treasury: "0x1"`)
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tc.mutate(sampleConfig))); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	body := sampleConfig + "\nunexpected: true\n"
	if _, err := Load(writeConfig(t, body)); err == nil {
		t.Fatalf("expected unknown field to be rejected")
	}
}

func replaceLine(body, old, new string) string {
	return strings.Replace(body, old, new, 1)
}
