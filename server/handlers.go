package server

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel/trace"

	"tokensale/sale"
)

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	cfg := s.engine.Config()
	now := s.engine.Now()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"state":           string(s.engine.State(now)),
		"sold_base_wei":   s.engine.Sold().String(),
		"hard_cap_wei":    cfg.HardCapWei.String(),
		"rate_wei":        cfg.RateWei.String(),
		"start_time":      cfg.StartTime.UTC().Format(time.RFC3339),
		"end_time":        cfg.EndTime.UTC().Format(time.RFC3339),
		"active":          cfg.Active,
		"promo_bonus_bps": cfg.PromoBonusBps,
		"max_price_age":   cfg.MaxPriceAge.String(),
		"treasury":        cfg.Treasury.Hex(),
	})
}

func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var payload struct {
		Kind   string `json:"kind"`
		Amount string `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	kind, ok := parseKind(payload.Kind)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "kind must be stable or native")
		return
	}
	amount, ok := parseAmount(payload.Amount)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "amount must be a positive integer string")
		return
	}
	quote := s.engine.Preview(r.Context(), kind, amount)
	response := map[string]any{
		"usd_amount":   quote.USDAmount.String(),
		"base_tokens":  quote.BaseTokens.String(),
		"bonus_tokens": quote.BonusTokens.String(),
		"total_tokens": quote.TotalTokens.String(),
	}
	if traceID := traceIDFromContext(r.Context()); traceID != "" {
		response["trace_id"] = traceID
	}
	s.writeJSON(w, http.StatusOK, response)
}

func (s *Server) handlePurchase(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var payload struct {
		Payer  string `json:"payer"`
		Kind   string `json:"kind"`
		Amount string `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if !common.IsHexAddress(payload.Payer) {
		s.writeError(w, http.StatusBadRequest, "payer must be a hex address")
		return
	}
	kind, ok := parseKind(payload.Kind)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "kind must be stable or native")
		return
	}
	amount, ok := parseAmount(payload.Amount)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "amount must be a positive integer string")
		return
	}
	payer := common.HexToAddress(payload.Payer)
	var (
		receipt sale.Receipt
		err     error
	)
	switch kind {
	case sale.PaymentKindStable:
		receipt, err = s.engine.PurchaseStable(r.Context(), payer, amount)
	default:
		receipt, err = s.engine.PurchaseNative(r.Context(), payer, amount)
	}
	if err != nil {
		status, message := saleErrorStatus(err)
		if status >= http.StatusInternalServerError {
			s.logger.Error("purchase failed", "error", err)
		}
		s.writeError(w, status, message)
		return
	}
	response := receiptPayload(receipt)
	if traceID := traceIDFromContext(r.Context()); traceID != "" {
		response["trace_id"] = traceID
	}
	s.writeJSON(w, http.StatusOK, response)
}

func (s *Server) handlePurchases(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.storage == nil {
		s.writeError(w, http.StatusServiceUnavailable, "purchase history unavailable")
		return
	}
	query := r.URL.Query()
	startTs := parseUnixParam(query.Get("start"), 0)
	endTs := parseUnixParam(query.Get("end"), s.engine.Now().Unix())
	limit := int(parseUnixParam(query.Get("limit"), 100))
	receipts, err := s.storage.ListPurchases(r.Context(), startTs, endTs, limit)
	if err != nil {
		s.logger.Error("list purchases failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "list purchases")
		return
	}
	payload := make([]map[string]any, 0, len(receipts))
	for _, receipt := range receipts {
		payload = append(payload, receiptPayload(receipt))
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"purchases": payload})
}

func (s *Server) adminMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/admin/sale/rate", s.handleSetRate)
	mux.HandleFunc("/admin/sale/window", s.handleSetWindow)
	mux.HandleFunc("/admin/sale/bonus", s.handleSetBonus)
	mux.HandleFunc("/admin/sale/cap", s.handleSetCap)
	mux.HandleFunc("/admin/sale/max-price-age", s.handleSetMaxPriceAge)
	mux.HandleFunc("/admin/sale/treasury", s.handleSetTreasury)
	mux.HandleFunc("/admin/sale/active", s.handleSetActive)
	mux.HandleFunc("/admin/sale/feed", s.handleSetFeed)
	mux.HandleFunc("/admin/sale/price", s.handleSetPrice)
	mux.HandleFunc("/admin/sale/end", s.handleEndSale)
	mux.HandleFunc("/admin/sale/rescue", s.handleRescue)
	return mux
}

func (s *Server) handleSetRate(w http.ResponseWriter, r *http.Request) {
	s.adminUpdate(w, r, func(operator common.Address, body json.RawMessage) error {
		var payload struct {
			RateWei string `json:"rate_wei"`
		}
		if err := json.Unmarshal(body, &payload); err != nil {
			return errBadPayload
		}
		rate, ok := parseAmount(payload.RateWei)
		if !ok {
			return errBadPayload
		}
		return s.engine.SetRate(operator, rate)
	})
}

func (s *Server) handleSetWindow(w http.ResponseWriter, r *http.Request) {
	s.adminUpdate(w, r, func(operator common.Address, body json.RawMessage) error {
		var payload struct {
			StartTime time.Time `json:"start_time"`
			EndTime   time.Time `json:"end_time"`
		}
		if err := json.Unmarshal(body, &payload); err != nil {
			return errBadPayload
		}
		return s.engine.SetTimeWindow(operator, payload.StartTime, payload.EndTime)
	})
}

func (s *Server) handleSetBonus(w http.ResponseWriter, r *http.Request) {
	s.adminUpdate(w, r, func(operator common.Address, body json.RawMessage) error {
		var payload struct {
			Bps uint64 `json:"bps"`
		}
		if err := json.Unmarshal(body, &payload); err != nil {
			return errBadPayload
		}
		return s.engine.SetPromoBonusBps(operator, payload.Bps)
	})
}

func (s *Server) handleSetCap(w http.ResponseWriter, r *http.Request) {
	s.adminUpdate(w, r, func(operator common.Address, body json.RawMessage) error {
		var payload struct {
			HardCapWei string `json:"hard_cap_wei"`
		}
		if err := json.Unmarshal(body, &payload); err != nil {
			return errBadPayload
		}
		hardCap, ok := parseAmount(payload.HardCapWei)
		if !ok {
			return errBadPayload
		}
		return s.engine.SetHardCap(operator, hardCap)
	})
}

func (s *Server) handleSetMaxPriceAge(w http.ResponseWriter, r *http.Request) {
	s.adminUpdate(w, r, func(operator common.Address, body json.RawMessage) error {
		var payload struct {
			MaxAge string `json:"max_age"`
		}
		if err := json.Unmarshal(body, &payload); err != nil {
			return errBadPayload
		}
		maxAge, err := time.ParseDuration(strings.TrimSpace(payload.MaxAge))
		if err != nil {
			return errBadPayload
		}
		return s.engine.SetMaxPriceAge(operator, maxAge)
	})
}

func (s *Server) handleSetTreasury(w http.ResponseWriter, r *http.Request) {
	s.adminUpdate(w, r, func(operator common.Address, body json.RawMessage) error {
		var payload struct {
			Treasury string `json:"treasury"`
		}
		if err := json.Unmarshal(body, &payload); err != nil {
			return errBadPayload
		}
		if !common.IsHexAddress(payload.Treasury) {
			return errBadPayload
		}
		return s.engine.SetTreasury(operator, common.HexToAddress(payload.Treasury))
	})
}

func (s *Server) handleSetActive(w http.ResponseWriter, r *http.Request) {
	s.adminUpdate(w, r, func(operator common.Address, body json.RawMessage) error {
		var payload struct {
			Active bool `json:"active"`
		}
		if err := json.Unmarshal(body, &payload); err != nil {
			return errBadPayload
		}
		return s.engine.SetActive(operator, payload.Active)
	})
}

// handleSetFeed rotates the oracle collaborator. Switching to manual installs
// a fresh feed behind the price override endpoint; switching to http detaches
// overrides and points the engine at the external round endpoint.
func (s *Server) handleSetFeed(w http.ResponseWriter, r *http.Request) {
	s.adminUpdate(w, r, func(operator common.Address, body json.RawMessage) error {
		var payload struct {
			Kind     string `json:"kind"`
			Endpoint string `json:"endpoint"`
			APIKey   string `json:"api_key"`
			Decimals uint8  `json:"decimals"`
		}
		if err := json.Unmarshal(body, &payload); err != nil {
			return errBadPayload
		}
		decimals := payload.Decimals
		if decimals == 0 {
			decimals = 8
		}
		switch strings.ToLower(strings.TrimSpace(payload.Kind)) {
		case "manual":
			feed := sale.NewManualFeed(decimals)
			if err := s.engine.SetPriceFeed(operator, feed); err != nil {
				return err
			}
			s.SetManualFeed(feed)
			return nil
		case "http":
			endpoint := strings.TrimSpace(payload.Endpoint)
			if endpoint == "" {
				return errBadPayload
			}
			feed := sale.NewHTTPFeed(&http.Client{Timeout: 10 * time.Second}, endpoint, payload.APIKey, decimals)
			if err := s.engine.SetPriceFeed(operator, feed); err != nil {
				return err
			}
			s.SetManualFeed(nil)
			return nil
		default:
			return errBadPayload
		}
	})
}

func (s *Server) handleSetPrice(w http.ResponseWriter, r *http.Request) {
	s.adminUpdate(w, r, func(operator common.Address, body json.RawMessage) error {
		manual := s.manualFeed()
		if manual == nil {
			return errNoManualFeed
		}
		var payload struct {
			Price string `json:"price"`
		}
		if err := json.Unmarshal(body, &payload); err != nil {
			return errBadPayload
		}
		price, ok := parseAmount(payload.Price)
		if !ok {
			return errBadPayload
		}
		manual.Set(price, s.engine.Now())
		return nil
	})
}

func (s *Server) handleEndSale(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	operator, ok := s.callerOperator(r)
	if !ok {
		s.writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	if err := s.engine.EndSale(r.Context(), operator); err != nil {
		status, message := saleErrorStatus(err)
		if status >= http.StatusInternalServerError {
			s.logger.Error("end sale failed", "error", err)
		}
		s.writeError(w, status, message)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ended"})
}

func (s *Server) handleRescue(w http.ResponseWriter, r *http.Request) {
	s.adminUpdate(w, r, func(operator common.Address, body json.RawMessage) error {
		var payload struct {
			Token  string `json:"token"`
			To     string `json:"to"`
			Amount string `json:"amount"`
		}
		if err := json.Unmarshal(body, &payload); err != nil {
			return errBadPayload
		}
		if !common.IsHexAddress(payload.To) {
			return errBadPayload
		}
		amount, ok := parseAmount(payload.Amount)
		if !ok {
			return errBadPayload
		}
		to := common.HexToAddress(payload.To)
		if strings.TrimSpace(payload.Token) == "" {
			return s.engine.RescueNative(operator, to, amount)
		}
		if !common.IsHexAddress(payload.Token) {
			return errBadPayload
		}
		return s.engine.RescueToken(operator, common.HexToAddress(payload.Token), to, amount)
	})
}

var (
	errBadPayload   = errors.New("invalid payload")
	errNoManualFeed = errors.New("price overrides unavailable")
)

// callerOperator resolves the engine identity the authenticated principal
// acts as.
func (s *Server) callerOperator(r *http.Request) (common.Address, bool) {
	principal, ok := PrincipalFromContext(r.Context())
	if !ok {
		return common.Address{}, false
	}
	return principal.Operator, true
}

func (s *Server) adminUpdate(w http.ResponseWriter, r *http.Request, apply func(common.Address, json.RawMessage) error) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	operator, ok := s.callerOperator(r)
	if !ok {
		s.writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	var body json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if err := apply(operator, body); err != nil {
		switch {
		case errors.Is(err, errBadPayload):
			s.writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, errNoManualFeed):
			s.writeError(w, http.StatusConflict, err.Error())
		default:
			status, message := saleErrorStatus(err)
			if status >= http.StatusInternalServerError {
				s.logger.Error("admin update failed", "error", err)
			}
			s.writeError(w, status, message)
		}
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func receiptPayload(receipt sale.Receipt) map[string]any {
	return map[string]any{
		"id":             receipt.ID,
		"payer":          receipt.Payer.Hex(),
		"kind":           string(receipt.Kind),
		"payment_amount": receipt.PaymentAmount.String(),
		"usd_amount":     receipt.USDAmount.String(),
		"base_tokens":    receipt.BaseTokens.String(),
		"bonus_tokens":   receipt.BonusTokens.String(),
		"total_tokens":   receipt.TotalTokens.String(),
		"created_at":     receipt.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func parseKind(raw string) (sale.PaymentKind, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(sale.PaymentKindStable):
		return sale.PaymentKindStable, true
	case string(sale.PaymentKindNative):
		return sale.PaymentKindNative, true
	default:
		return "", false
	}
}

func parseAmount(raw string) (*big.Int, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, false
	}
	amount, ok := new(big.Int).SetString(raw, 10)
	if !ok || amount.Sign() <= 0 {
		return nil, false
	}
	return amount, true
}

func parseUnixParam(raw string, fallback int64) int64 {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || parsed < 0 {
		return fallback
	}
	return parsed
}

func traceIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	spanCtx := trace.SpanContextFromContext(ctx)
	if !spanCtx.IsValid() {
		return ""
	}
	return spanCtx.TraceID().String()
}

func saleErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, sale.ErrZeroAmount),
		errors.Is(err, sale.ErrInvalidRate),
		errors.Is(err, sale.ErrInvalidWindow),
		errors.Is(err, sale.ErrInvalidBonus),
		errors.Is(err, sale.ErrInvalidMaxAge),
		errors.Is(err, sale.ErrInvalidAddress):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, sale.ErrUnauthorized):
		return http.StatusForbidden, err.Error()
	case errors.Is(err, sale.ErrSaleInactive),
		errors.Is(err, sale.ErrSaleEnded),
		errors.Is(err, sale.ErrCapExceeded),
		errors.Is(err, sale.ErrCapBelowSold),
		errors.Is(err, sale.ErrInsufficientInventory),
		errors.Is(err, sale.ErrRescueSaleToken):
		return http.StatusConflict, err.Error()
	case errors.Is(err, sale.ErrReentrantCall):
		return http.StatusServiceUnavailable, err.Error()
	case errors.Is(err, sale.ErrPriceInvalid),
		errors.Is(err, sale.ErrRoundIncomplete),
		errors.Is(err, sale.ErrPriceStale):
		return http.StatusServiceUnavailable, err.Error()
	case errors.Is(err, sale.ErrTransferFailed):
		return http.StatusBadGateway, err.Error()
	default:
		return http.StatusInternalServerError, err.Error()
	}
}
