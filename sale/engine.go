package sale

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"tokensale/observability"
)

// State reflects the engine's position in its lifecycle.
type State string

const (
	// StateInactive means the sale is switched off or outside its window.
	StateInactive State = "inactive"
	// StateActive means purchases are being accepted.
	StateActive State = "active"
	// StateEnded is terminal.
	StateEnded State = "ended"
)

// PurchaseStore persists committed purchases and the durable counters the
// engine restores at startup.
type PurchaseStore interface {
	SavePurchase(ctx context.Context, receipt Receipt) error
	SaveSold(ctx context.Context, sold *big.Int) error
	SaveEnded(ctx context.Context, endedAt time.Time) error
}

// Dependencies bundles the collaborators injected at engine construction.
type Dependencies struct {
	Feed    PriceFeed
	Tokens  TokenBackend
	Funds   FundForwarder
	Auth    AuthChecker
	Emitter Emitter
	Store   PurchaseStore
}

// Engine sequences pricing, bonus computation, cap accounting and the
// outward transfers for each purchase. It processes one commit at a time: a
// busy flag set for the duration of a commit rejects reentrant invocations
// triggered by the outward calls, and all ledger mutation happens strictly
// before those calls.
type Engine struct {
	cfg     *ConfigStore
	ledger  *CapLedger
	tokens  TokenBackend
	funds   FundForwarder
	auth    AuthChecker
	emitter Emitter
	store   PurchaseStore

	feedMu sync.RWMutex
	feed   PriceFeed

	busy  atomic.Bool
	ended atomic.Bool

	clock   func() time.Time
	metrics *observability.SaleMetrics
	tracer  trace.Tracer
}

// NewEngine validates the configuration and collaborators and returns an
// engine with a zeroed ledger.
func NewEngine(cfg SaleConfig, deps Dependencies) (*Engine, error) {
	if deps.Feed == nil {
		return nil, fmt.Errorf("sale: price feed required")
	}
	if deps.Tokens == nil {
		return nil, fmt.Errorf("sale: token backend required")
	}
	if deps.Funds == nil {
		return nil, fmt.Errorf("sale: fund forwarder required")
	}
	if deps.Auth == nil {
		return nil, fmt.Errorf("sale: auth checker required")
	}
	if cfg.SaleToken == (common.Address{}) || cfg.Vault == (common.Address{}) {
		return nil, ErrInvalidAddress
	}
	emitter := deps.Emitter
	if emitter == nil {
		emitter = NoopEmitter{}
	}
	ledger := NewCapLedger(cfg.HardCapWei)
	store, err := NewConfigStore(cfg, ledger, emitter)
	if err != nil {
		return nil, err
	}
	return &Engine{
		cfg:     store,
		ledger:  ledger,
		tokens:  deps.Tokens,
		funds:   deps.Funds,
		auth:    deps.Auth,
		emitter: emitter,
		store:   deps.Store,
		feed:    deps.Feed,
		clock:   time.Now,
		metrics: observability.Sale(),
		tracer:  otel.Tracer("tokensale/sale"),
	}, nil
}

// SetClock overrides the time source, primarily for deterministic testing.
func (e *Engine) SetClock(clock func() time.Time) {
	if e == nil || clock == nil {
		return
	}
	e.clock = clock
}

// Now reports the current time from the engine's clock so callers evaluating
// lifecycle state agree with purchase outcomes.
func (e *Engine) Now() time.Time {
	if e == nil {
		return time.Now()
	}
	return e.clock()
}

// SetPersist installs the configuration snapshot hook invoked after every
// applied setter.
func (e *Engine) SetPersist(persist func(SaleConfig) error) {
	if e == nil {
		return
	}
	e.cfg.SetPersist(persist)
}

// Restore initialises the sold counter and ended flag from persisted state.
// Must be called before the engine starts accepting requests.
func (e *Engine) Restore(sold *big.Int, ended bool) {
	if e == nil {
		return
	}
	e.ledger.Restore(sold)
	e.ended.Store(ended)
	e.metrics.RecordCap(e.ledger.Sold(), e.ledger.Cap())
}

// Config returns a deep copy of the current configuration.
func (e *Engine) Config() SaleConfig {
	if e == nil {
		return SaleConfig{}
	}
	return e.cfg.Snapshot()
}

// Sold reports the cumulative base tokens committed so far.
func (e *Engine) Sold() *big.Int {
	if e == nil {
		return big.NewInt(0)
	}
	return e.ledger.Sold()
}

// State evaluates the lifecycle state at now.
func (e *Engine) State(now time.Time) State {
	if e == nil {
		return StateInactive
	}
	if e.ended.Load() {
		return StateEnded
	}
	cfg := e.cfg.Snapshot()
	if !cfg.Active || now.Before(cfg.StartTime) || now.After(cfg.EndTime) {
		return StateInactive
	}
	return StateActive
}

func (e *Engine) currentFeed() PriceFeed {
	e.feedMu.RLock()
	defer e.feedMu.RUnlock()
	return e.feed
}

// enter claims the commit slot, rejecting reentrant invocations.
func (e *Engine) enter() error {
	if !e.busy.CompareAndSwap(false, true) {
		return ErrReentrantCall
	}
	return nil
}

func (e *Engine) exit() {
	e.busy.Store(false)
}

// PurchaseStable commits a purchase paid in the USD-pegged unit. usdAmount
// carries six fractional digits.
func (e *Engine) PurchaseStable(ctx context.Context, payer common.Address, usdAmount *big.Int) (Receipt, error) {
	return e.purchase(ctx, payer, PaymentKindStable, usdAmount)
}

// PurchaseNative commits a purchase paid in the native unit (wei), priced
// through the oracle feed.
func (e *Engine) PurchaseNative(ctx context.Context, payer common.Address, weiAmount *big.Int) (Receipt, error) {
	return e.purchase(ctx, payer, PaymentKindNative, weiAmount)
}

func (e *Engine) purchase(ctx context.Context, payer common.Address, kind PaymentKind, amount *big.Int) (Receipt, error) {
	if e == nil {
		return Receipt{}, fmt.Errorf("sale: engine not configured")
	}
	op := "purchase_" + string(kind)
	start := e.clock()
	ctx, span := e.tracer.Start(ctx, "sale."+op,
		trace.WithAttributes(attribute.String("payer", payer.Hex())))
	defer span.End()

	receipt, err := e.commit(ctx, payer, kind, amount)
	e.metrics.Observe(op, e.clock().Sub(start), errorReason(err))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Receipt{}, err
	}
	span.SetStatus(codes.Ok, "purchase committed")
	return receipt, nil
}

func (e *Engine) commit(ctx context.Context, payer common.Address, kind PaymentKind, amount *big.Int) (Receipt, error) {
	if err := e.enter(); err != nil {
		return Receipt{}, err
	}
	defer e.exit()

	now := e.clock()
	cfg := e.cfg.Snapshot()
	switch e.State(now) {
	case StateEnded:
		return Receipt{}, ErrSaleEnded
	case StateInactive:
		return Receipt{}, ErrSaleInactive
	}
	if amount == nil || amount.Sign() <= 0 {
		return Receipt{}, ErrZeroAmount
	}

	usd := new(big.Int).Set(amount)
	if kind == PaymentKindNative {
		feed := e.currentFeed()
		quote, err := feed.LatestRoundData()
		if err != nil {
			return Receipt{}, fmt.Errorf("%w: %v", ErrPriceInvalid, err)
		}
		decimals, err := feed.Decimals()
		if err != nil {
			return Receipt{}, fmt.Errorf("%w: %v", ErrPriceInvalid, err)
		}
		usd, err = ConvertNative(amount, quote, decimals, cfg.MaxPriceAge, now)
		if err != nil {
			return Receipt{}, err
		}
		e.metrics.RecordQuoteAge(now.Sub(quote.UpdatedAt))
	}

	base := BaseTokens(usd, cfg.RateWei)
	if base.Sign() <= 0 {
		return Receipt{}, ErrZeroAmount
	}
	bonus := ComputeBonus(base, now, cfg.StartTime, cfg.PromoBonusBps)
	total := new(big.Int).Add(base, bonus)

	if err := e.ledger.Reserve(base); err != nil {
		return Receipt{}, err
	}

	inventory, err := e.tokens.BalanceOf(cfg.SaleToken, cfg.Vault)
	if err != nil {
		e.ledger.Release(base)
		return Receipt{}, fmt.Errorf("%w: %v", ErrInsufficientInventory, err)
	}
	if inventory == nil || inventory.Cmp(total) < 0 {
		e.ledger.Release(base)
		return Receipt{}, ErrInsufficientInventory
	}

	// Interactions. The ledger has already been updated; a reentrant call
	// from either collaborator is rejected by the busy flag.
	if err := e.tokens.Transfer(cfg.SaleToken, payer, total); err != nil {
		e.ledger.Release(base)
		return Receipt{}, fmt.Errorf("%w: token transfer: %v", ErrTransferFailed, err)
	}
	if kind == PaymentKindNative {
		err = e.funds.ForwardNative(cfg.Treasury, amount)
	} else {
		err = e.funds.ForwardStable(cfg.Treasury, amount)
	}
	if err != nil {
		// Tokens already left the vault, so the reservation can only be
		// released once they are back. A failed claw-back keeps the delivered
		// base counted against the cap and is surfaced for reconciliation.
		if reclaimErr := e.tokens.Reclaim(cfg.SaleToken, payer, total); reclaimErr != nil {
			logError("reclaim after forward failure", reclaimErr,
				"payer", payer.Hex(), "tokens", total.String())
			if e.store != nil {
				if persistErr := e.store.SaveSold(ctx, e.ledger.Sold()); persistErr != nil {
					logError("persist sold counter", persistErr)
				}
			}
			e.metrics.RecordCap(e.ledger.Sold(), e.ledger.Cap())
			return Receipt{}, fmt.Errorf("%w: fund forwarding: %v", ErrTransferFailed, err)
		}
		e.ledger.Release(base)
		return Receipt{}, fmt.Errorf("%w: fund forwarding: %v", ErrTransferFailed, err)
	}

	receipt := Receipt{
		ID:            uuid.NewString(),
		Payer:         payer,
		Kind:          kind,
		PaymentAmount: new(big.Int).Set(amount),
		USDAmount:     usd,
		BaseTokens:    base,
		BonusTokens:   bonus,
		TotalTokens:   total,
		CreatedAt:     now,
	}
	e.persistCommit(ctx, receipt)
	e.metrics.RecordCap(e.ledger.Sold(), e.ledger.Cap())
	e.emitter.Emit(PurchaseCommitted{
		Payer:         payer,
		Kind:          kind,
		PaymentAmount: receipt.PaymentAmount,
		BaseTokens:    base,
		BonusTokens:   bonus,
	})
	return receipt, nil
}

// persistCommit records a delivered purchase. Persistence failures do not
// unwind the commit: the tokens have left the vault, so the ledger must keep
// counting them. They are surfaced on the log for operator reconciliation.
func (e *Engine) persistCommit(ctx context.Context, receipt Receipt) {
	if e.store == nil {
		return
	}
	if err := e.store.SavePurchase(ctx, receipt); err != nil {
		logError("persist purchase", err, "purchase", receipt.ID)
	}
	if err := e.store.SaveSold(ctx, e.ledger.Sold()); err != nil {
		logError("persist sold counter", err, "purchase", receipt.ID)
	}
}

// Preview computes the quote breakdown a purchase of the given kind and
// amount would yield at now, without touching any state. Pricing failures
// degrade to a zero quote so the endpoint stays usable by front-ends.
func (e *Engine) Preview(ctx context.Context, kind PaymentKind, amount *big.Int) Quote {
	if e == nil {
		return zeroQuote()
	}
	start := e.clock()
	_, span := e.tracer.Start(ctx, "sale.preview",
		trace.WithAttributes(attribute.String("kind", string(kind))))
	defer span.End()

	quote := e.previewQuote(kind, amount)
	e.metrics.Observe("preview", e.clock().Sub(start), "")
	span.SetStatus(codes.Ok, "preview computed")
	return quote
}

func (e *Engine) previewQuote(kind PaymentKind, amount *big.Int) Quote {
	if amount == nil || amount.Sign() <= 0 {
		return zeroQuote()
	}
	now := e.clock()
	cfg := e.cfg.Snapshot()
	usd := new(big.Int).Set(amount)
	if kind == PaymentKindNative {
		feed := e.currentFeed()
		round, err := feed.LatestRoundData()
		if err != nil {
			return zeroQuote()
		}
		decimals, err := feed.Decimals()
		if err != nil {
			return zeroQuote()
		}
		usd, err = ConvertNative(amount, round, decimals, cfg.MaxPriceAge, now)
		if err != nil {
			return zeroQuote()
		}
	}
	base := BaseTokens(usd, cfg.RateWei)
	bonus := ComputeBonus(base, now, cfg.StartTime, cfg.PromoBonusBps)
	return Quote{
		USDAmount:   usd,
		BaseTokens:  base,
		BonusTokens: bonus,
		TotalTokens: new(big.Int).Add(base, bonus),
	}
}

// EndSale terminates the sale and sweeps the remaining vault inventory to
// the treasury. The transition is irreversible; a second call fails with
// ErrSaleEnded. The ended flag is only set once the sweep has succeeded so a
// failed sweep can be retried without ever sweeping twice.
func (e *Engine) EndSale(ctx context.Context, caller common.Address) error {
	if e == nil {
		return fmt.Errorf("sale: engine not configured")
	}
	start := e.clock()
	_, span := e.tracer.Start(ctx, "sale.end")
	defer span.End()

	err := e.endSale(ctx, caller)
	e.metrics.Observe("end_sale", e.clock().Sub(start), errorReason(err))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	span.SetStatus(codes.Ok, "sale ended")
	return nil
}

func (e *Engine) endSale(ctx context.Context, caller common.Address) error {
	if err := e.requireAdmin(caller); err != nil {
		return err
	}
	if err := e.enter(); err != nil {
		return err
	}
	defer e.exit()
	if e.ended.Load() {
		return ErrSaleEnded
	}
	cfg := e.cfg.Snapshot()
	remaining, err := e.tokens.BalanceOf(cfg.SaleToken, cfg.Vault)
	if err != nil {
		return fmt.Errorf("%w: inventory read: %v", ErrTransferFailed, err)
	}
	if remaining != nil && remaining.Sign() > 0 {
		if err := e.tokens.Transfer(cfg.SaleToken, cfg.Treasury, remaining); err != nil {
			return fmt.Errorf("%w: sweep: %v", ErrTransferFailed, err)
		}
	} else {
		remaining = big.NewInt(0)
	}
	e.ended.Store(true)
	if e.store != nil {
		if err := e.store.SaveEnded(ctx, e.clock()); err != nil {
			logError("persist ended flag", err)
		}
	}
	e.emitter.Emit(SaleEnded{SweptTokens: remaining, Treasury: cfg.Treasury})
	return nil
}

// RescueToken forwards tokens mistakenly sent to the vault. The sale token
// itself is refused until the sale has ended.
func (e *Engine) RescueToken(caller, token, to common.Address, amount *big.Int) error {
	if e == nil {
		return fmt.Errorf("sale: engine not configured")
	}
	if err := e.requireAdmin(caller); err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrZeroAmount
	}
	cfg := e.cfg.Snapshot()
	if token == cfg.SaleToken && !e.ended.Load() {
		return ErrRescueSaleToken
	}
	if err := e.tokens.Transfer(token, to, amount); err != nil {
		return fmt.Errorf("%w: rescue: %v", ErrTransferFailed, err)
	}
	return nil
}

// RescueNative forwards native funds held by the engine.
func (e *Engine) RescueNative(caller, to common.Address, amount *big.Int) error {
	if e == nil {
		return fmt.Errorf("sale: engine not configured")
	}
	if err := e.requireAdmin(caller); err != nil {
		return err
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrZeroAmount
	}
	if err := e.funds.ForwardNative(to, amount); err != nil {
		return fmt.Errorf("%w: rescue: %v", ErrTransferFailed, err)
	}
	return nil
}

func (e *Engine) requireAdmin(caller common.Address) error {
	if e.auth == nil || !e.auth.IsAuthorized(caller) {
		return ErrUnauthorized
	}
	return nil
}

// Administrative setters. Each gate on the authorization collaborator and
// delegate to the configuration store, which applies the field atomically.

// SetRate updates the issuance rate.
func (e *Engine) SetRate(caller common.Address, rateWei *big.Int) error {
	if err := e.requireAdmin(caller); err != nil {
		return err
	}
	return e.cfg.SetRate(rateWei)
}

// SetTimeWindow updates the sale window.
func (e *Engine) SetTimeWindow(caller common.Address, start, end time.Time) error {
	if err := e.requireAdmin(caller); err != nil {
		return err
	}
	return e.cfg.SetTimeWindow(start, end)
}

// SetPromoBonusBps updates the promotion bonus.
func (e *Engine) SetPromoBonusBps(caller common.Address, bps uint64) error {
	if err := e.requireAdmin(caller); err != nil {
		return err
	}
	return e.cfg.SetPromoBonusBps(bps)
}

// SetHardCap updates the hard cap, refusing values below the sold counter.
func (e *Engine) SetHardCap(caller common.Address, hardCapWei *big.Int) error {
	if err := e.requireAdmin(caller); err != nil {
		return err
	}
	if err := e.cfg.SetHardCap(hardCapWei); err != nil {
		return err
	}
	e.metrics.RecordCap(e.ledger.Sold(), e.ledger.Cap())
	return nil
}

// SetMaxPriceAge updates the oracle staleness tolerance.
func (e *Engine) SetMaxPriceAge(caller common.Address, maxAge time.Duration) error {
	if err := e.requireAdmin(caller); err != nil {
		return err
	}
	return e.cfg.SetMaxPriceAge(maxAge)
}

// SetTreasury updates the treasury identity.
func (e *Engine) SetTreasury(caller common.Address, treasury common.Address) error {
	if err := e.requireAdmin(caller); err != nil {
		return err
	}
	return e.cfg.SetTreasury(treasury)
}

// SetActive flips the activity switch.
func (e *Engine) SetActive(caller common.Address, active bool) error {
	if err := e.requireAdmin(caller); err != nil {
		return err
	}
	return e.cfg.SetActive(active)
}

// SetPriceFeed swaps the oracle collaborator.
func (e *Engine) SetPriceFeed(caller common.Address, feed PriceFeed) error {
	if err := e.requireAdmin(caller); err != nil {
		return err
	}
	if feed == nil {
		return ErrInvalidAddress
	}
	e.feedMu.Lock()
	e.feed = feed
	e.feedMu.Unlock()
	e.emitter.Emit(ConfigUpdated{Field: "priceFeed", Value: "rotated"})
	return nil
}

// BaseTokens converts a six-decimal USD amount into sale token wei at the
// configured rate (token wei per whole USD). Truncating division.
func BaseTokens(usdAmount, rateWei *big.Int) *big.Int {
	if usdAmount == nil || rateWei == nil || usdAmount.Sign() <= 0 || rateWei.Sign() <= 0 {
		return big.NewInt(0)
	}
	base := new(big.Int).Mul(usdAmount, rateWei)
	return base.Quo(base, usdScale)
}
