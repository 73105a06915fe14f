package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"flag"
	"log"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"tokensale/bank"
	"tokensale/config"
	"tokensale/observability/logging"
	"tokensale/observability/telemetry"
	"tokensale/sale"
	"tokensale/server"
	"tokensale/storage"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "config.yaml", "path to saled configuration file")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("TOKENSALE_ENV"))
	logger := logging.Setup("saled", env)

	otlpEndpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	otlpHeaders := telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"))
	insecure := true
	if value := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			insecure = parsed
		}
	}
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		Service:     "saled",
		Environment: env,
		Endpoint:    otlpEndpoint,
		Insecure:    insecure,
		Headers:     otlpHeaders,
		Traces:      true,
		Metrics:     true,
	})
	if err != nil {
		log.Fatalf("saled: init telemetry: %v", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("saled: load config: %v", err)
	}

	dsn, err := storage.FileDSN(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("saled: resolve storage DSN: %v", err)
	}
	store, err := storage.Open(dsn)
	if err != nil {
		log.Fatalf("saled: open storage: %v", err)
	}
	defer store.Close()

	ctx := context.Background()

	// A persisted snapshot carries any runtime setter changes applied
	// after the file was written, so it wins over the file's parameters.
	engineCfg := cfg.EngineConfig()
	if persisted, ok, err := store.LoadConfig(ctx); err != nil {
		log.Fatalf("saled: load config snapshot: %v", err)
	} else if ok {
		logger.Info("restoring persisted sale configuration")
		engineCfg = persisted
	}

	book, err := bank.New(store, engineCfg.Vault)
	if err != nil {
		log.Fatalf("saled: balance book: %v", err)
	}
	if cfg.Sale.InventoryTokens > 0 {
		balance, err := book.BalanceOf(engineCfg.SaleToken, engineCfg.Vault)
		if err != nil {
			log.Fatalf("saled: read vault inventory: %v", err)
		}
		if balance.Sign() == 0 {
			tokenScale := new(big.Int).Exp(big.NewInt(10), big.NewInt(sale.TokenDecimals), nil)
			seed := new(big.Int).Mul(big.NewInt(cfg.Sale.InventoryTokens), tokenScale)
			if err := book.Seed(ctx, engineCfg.SaleToken, seed); err != nil {
				log.Fatalf("saled: seed vault inventory: %v", err)
			}
			logger.Info("seeded vault inventory", "tokens", cfg.Sale.InventoryTokens)
		}
	}

	var (
		feed   sale.PriceFeed
		manual *sale.ManualFeed
	)
	switch cfg.Feed.Kind {
	case config.FeedKindHTTP:
		feed = sale.NewHTTPFeed(&http.Client{Timeout: 10 * time.Second}, cfg.Feed.Endpoint, cfg.Feed.APIKey, cfg.Feed.Decimals)
	default:
		manual = sale.NewManualFeed(cfg.Feed.Decimals)
		feed = manual
	}

	engine, err := sale.NewEngine(engineCfg, sale.Dependencies{
		Feed:    feed,
		Tokens:  book,
		Funds:   book,
		Auth:    sale.NewAllowList(cfg.OperatorAddress()),
		Emitter: logEmitter{logger: logger},
		Store:   store,
	})
	if err != nil {
		log.Fatalf("saled: engine: %v", err)
	}

	sold, ended, found, err := store.LoadState(ctx)
	if err != nil {
		log.Fatalf("saled: load sale state: %v", err)
	}
	if found {
		engine.Restore(sold, ended)
		logger.Info("restored sale state", "sold_base_wei", sold.String(), "ended", ended)
	}
	engine.SetPersist(func(snapshot sale.SaleConfig) error {
		return store.SaveConfig(ctx, snapshot)
	})
	if err := store.SaveConfig(ctx, engine.Config()); err != nil {
		logger.Warn("persist config snapshot", "error", err)
	}

	authenticator, err := server.NewAuthenticator(server.AuthConfig{
		BearerToken: cfg.Admin.BearerToken,
		Operator:    cfg.OperatorAddress(),
		AllowMTLS:   strings.TrimSpace(cfg.TLS.ClientCAPath) != "",
	})
	if err != nil {
		log.Fatalf("saled: configure admin auth: %v", err)
	}

	var tlsConfig *tls.Config
	if !cfg.TLS.Disable {
		tlsConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		if caPath := strings.TrimSpace(cfg.TLS.ClientCAPath); caPath != "" {
			caData, err := os.ReadFile(caPath)
			if err != nil {
				log.Fatalf("saled: load client CA: %v", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(caData) {
				log.Fatalf("saled: parse client CA: %s", caPath)
			}
			tlsConfig.ClientCAs = pool
			tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
		}
	}

	srv, err := server.New(server.Config{
		ListenAddress: cfg.ListenAddress,
		TLS: server.TLSConfig{
			Disabled: cfg.TLS.Disable,
			CertFile: cfg.TLS.CertPath,
			KeyFile:  cfg.TLS.KeyPath,
			Config:   tlsConfig,
		},
	}, engine, store, logger, authenticator)
	if err != nil {
		log.Fatalf("saled: server: %v", err)
	}
	if manual != nil {
		srv.SetManualFeed(manual)
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Run(rootCtx); err != nil {
		log.Fatalf("saled: server exited: %v", err)
	}
}

// logEmitter mirrors engine events onto the structured log.
type logEmitter struct {
	logger *slog.Logger
}

func (l logEmitter) Emit(event sale.Event) {
	switch e := event.(type) {
	case sale.PurchaseCommitted:
		l.logger.Info("purchase committed",
			"payer", e.Payer.Hex(),
			"kind", string(e.Kind),
			"payment_amount", e.PaymentAmount.String(),
			"base_tokens", e.BaseTokens.String(),
			"bonus_tokens", e.BonusTokens.String(),
		)
	case sale.ConfigUpdated:
		l.logger.Info("sale config updated", "field", e.Field, "value", e.Value)
	case sale.SaleEnded:
		l.logger.Info("sale ended", "swept_tokens", e.SweptTokens.String(), "treasury", e.Treasury.Hex())
	default:
		l.logger.Info("sale event", "type", event.EventType())
	}
}
