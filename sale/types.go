package sale

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// USD amounts are carried as integers with six fractional digits, matching the
// precision used by the stable payment leg.
const (
	USDDecimals = 6
	// NativeDecimals is the precision of the volatile payment unit (wei).
	NativeDecimals = 18
	// TokenDecimals is the precision of the sale token.
	TokenDecimals = 18
)

var (
	usdScale    = new(big.Int).Exp(big.NewInt(10), big.NewInt(USDDecimals), nil)
	nativeScale = new(big.Int).Exp(big.NewInt(10), big.NewInt(NativeDecimals), nil)
)

// PaymentKind distinguishes the two purchase entry points.
type PaymentKind string

const (
	// PaymentKindStable marks purchases settled in the USD-pegged unit.
	PaymentKindStable PaymentKind = "stable"
	// PaymentKindNative marks purchases settled in the oracle-priced native unit.
	PaymentKindNative PaymentKind = "native"
)

// SaleConfig carries the mutable sale parameters. Amount fields are
// denominated in the smallest unit of their respective asset.
type SaleConfig struct {
	// RateWei is the amount of sale token (wei) issued per one whole USD.
	RateWei *big.Int
	// HardCapWei bounds cumulative base (pre-bonus) issuance.
	HardCapWei    *big.Int
	StartTime     time.Time
	EndTime       time.Time
	Active        bool
	PromoBonusBps uint64
	MaxPriceAge   time.Duration
	Treasury      common.Address
	SaleToken     common.Address
	// Vault is the account holding the token inventory the engine sells from.
	Vault common.Address
}

// Clone returns a deep copy so callers cannot mutate shared big integers.
func (c SaleConfig) Clone() SaleConfig {
	clone := c
	if c.RateWei != nil {
		clone.RateWei = new(big.Int).Set(c.RateWei)
	}
	if c.HardCapWei != nil {
		clone.HardCapWei = new(big.Int).Set(c.HardCapWei)
	}
	return clone
}

// Validate checks the construction-time invariants of the configuration.
func (c SaleConfig) Validate() error {
	if c.RateWei == nil || c.RateWei.Sign() <= 0 {
		return ErrInvalidRate
	}
	if c.HardCapWei == nil || c.HardCapWei.Sign() < 0 {
		return ErrCapBelowSold
	}
	if !c.StartTime.Before(c.EndTime) {
		return ErrInvalidWindow
	}
	if c.PromoBonusBps > MaxPromoBonusBps {
		return ErrInvalidBonus
	}
	if c.MaxPriceAge <= 0 {
		return ErrInvalidMaxAge
	}
	if c.Treasury == (common.Address{}) {
		return ErrInvalidAddress
	}
	return nil
}

// Receipt is the externally observable outcome of a committed purchase.
type Receipt struct {
	ID            string
	Payer         common.Address
	Kind          PaymentKind
	PaymentAmount *big.Int
	USDAmount     *big.Int
	BaseTokens    *big.Int
	BonusTokens   *big.Int
	TotalTokens   *big.Int
	CreatedAt     time.Time
}

// Quote is the read-only breakdown returned by preview requests. A quote with
// all-zero fields signals that pricing was unavailable.
type Quote struct {
	USDAmount   *big.Int
	BaseTokens  *big.Int
	BonusTokens *big.Int
	TotalTokens *big.Int
}

func zeroQuote() Quote {
	return Quote{
		USDAmount:   big.NewInt(0),
		BaseTokens:  big.NewInt(0),
		BonusTokens: big.NewInt(0),
		TotalTokens: big.NewInt(0),
	}
}

// TokenBackend exposes the transfer and balance operations of the fungible
// token system the engine sells from, keyed by token address. Reclaim is the
// inverse of Transfer and pulls delivered tokens back into the vault when a
// later step of the same commit fails.
type TokenBackend interface {
	Transfer(token, to common.Address, amount *big.Int) error
	Reclaim(token, from common.Address, amount *big.Int) error
	BalanceOf(token, owner common.Address) (*big.Int, error)
}

// FundForwarder moves received payments onward to the treasury. A returned
// error is a hard failure of the enclosing purchase.
type FundForwarder interface {
	ForwardNative(to common.Address, amount *big.Int) error
	ForwardStable(to common.Address, amount *big.Int) error
}

// AuthChecker gates the administrative command surface.
type AuthChecker interface {
	IsAuthorized(caller common.Address) bool
}

// AllowList is a fixed-membership AuthChecker.
type AllowList map[common.Address]struct{}

// NewAllowList builds an AllowList from the supplied addresses.
func NewAllowList(addrs ...common.Address) AllowList {
	list := make(AllowList, len(addrs))
	for _, addr := range addrs {
		list[addr] = struct{}{}
	}
	return list
}

// IsAuthorized reports membership.
func (l AllowList) IsAuthorized(caller common.Address) bool {
	_, ok := l[caller]
	return ok
}
