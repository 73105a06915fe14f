package server

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"tokensale/sale"
	"tokensale/storage"
)

// Config defines HTTP server parameters.
type Config struct {
	ListenAddress string
	TLS           TLSConfig
}

// TLSConfig describes TLS settings for the server.
type TLSConfig struct {
	Disabled bool
	CertFile string
	KeyFile  string
	Config   *tls.Config
}

// Server hosts the purchase, preview, and admin endpoints for saled.
type Server struct {
	cfg       Config
	engine    *sale.Engine
	storage   *storage.Storage
	logger    *slog.Logger
	adminAuth *Authenticator

	// manual is non-nil only while the manual price feed is installed; it
	// backs the price override endpoint and is swapped on feed rotation.
	manualMu sync.RWMutex
	manual   *sale.ManualFeed

	tls struct {
		disabled bool
		certFile string
		keyFile  string
		config   *tls.Config
	}
}

// New constructs a new HTTP server around the sale engine.
func New(cfg Config, engine *sale.Engine, store *storage.Storage, logger *slog.Logger, auth *Authenticator) (*Server, error) {
	if engine == nil {
		return nil, fmt.Errorf("engine required")
	}
	if auth == nil {
		return nil, fmt.Errorf("admin authenticator required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	srv := &Server{cfg: cfg, engine: engine, storage: store, logger: logger, adminAuth: auth}
	srv.tls.disabled = cfg.TLS.Disabled
	srv.tls.certFile = strings.TrimSpace(cfg.TLS.CertFile)
	srv.tls.keyFile = strings.TrimSpace(cfg.TLS.KeyFile)
	srv.tls.config = cfg.TLS.Config
	return srv, nil
}

// SetManualFeed exposes the manual feed through the price override endpoint.
// A nil feed disables overrides, matching a rotation to an external feed.
func (s *Server) SetManualFeed(feed *sale.ManualFeed) {
	s.manualMu.Lock()
	s.manual = feed
	s.manualMu.Unlock()
}

func (s *Server) manualFeed() *sale.ManualFeed {
	s.manualMu.RLock()
	defer s.manualMu.RUnlock()
	return s.manual
}

// Handler builds the routing table. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/healthz", otelhttp.NewHandler(http.HandlerFunc(s.handleHealth), "saled.health"))
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/v1/sale/status", otelhttp.NewHandler(http.HandlerFunc(s.handleStatus), "saled.status"))
	mux.Handle("/v1/sale/preview", otelhttp.NewHandler(http.HandlerFunc(s.handlePreview), "saled.preview"))
	mux.Handle("/v1/sale/purchase", otelhttp.NewHandler(http.HandlerFunc(s.handlePurchase), "saled.purchase"))
	mux.Handle("/v1/sale/purchases", otelhttp.NewHandler(s.requireAdmin(http.HandlerFunc(s.handlePurchases)), "saled.purchases"))
	mux.Handle("/admin/sale/", otelhttp.NewHandler(s.requireAdmin(s.adminMux()), "saled.admin"))
	return mux
}

// Run starts the HTTP server and blocks until context cancellation.
func (s *Server) Run(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("server not configured")
	}
	srv := &http.Server{Addr: s.cfg.ListenAddress, Handler: s.Handler(), TLSConfig: s.tls.config}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("http server listening", "address", s.cfg.ListenAddress)
	var err error
	if s.tls.disabled {
		err = srv.ListenAndServe()
	} else {
		err = srv.ListenAndServeTLS(s.tls.certFile, s.tls.keyFile)
	}
	if err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("listen and serve: %w", err)
	}
	return nil
}

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	if s.adminAuth == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "authentication unavailable", http.StatusInternalServerError)
		})
	}
	return s.adminAuth.Middleware(next)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	if status <= 0 {
		status = http.StatusInternalServerError
	}
	s.writeJSON(w, status, map[string]string{"error": message})
}
