package sale

import (
	"math/big"
	"time"
)

// Bonus tier schedule measured from the sale start. Only one tier applies to
// a given purchase; the promo bonus is added on top without compounding.
const (
	firstTierWindow  = 14 * 24 * time.Hour
	secondTierWindow = 28 * 24 * time.Hour

	firstTierBps  = 2000
	secondTierBps = 1000

	// MaxPromoBonusBps caps the configurable promotion bonus at 50%.
	MaxPromoBonusBps = 5000

	bpsDenominator = 10000
)

// TierBonusBps returns the basis-point bonus for a purchase made at now for
// a sale that started at start.
func TierBonusBps(now, start time.Time) uint64 {
	elapsed := now.Sub(start)
	switch {
	case elapsed < 0:
		return 0
	case elapsed < firstTierWindow:
		return firstTierBps
	case elapsed < secondTierWindow:
		return secondTierBps
	default:
		return 0
	}
}

// ComputeBonus derives the total bonus token amount for baseTokens bought at
// now. The result truncates toward zero and is never negative. The function
// is pure so preview paths may call it without side effects.
func ComputeBonus(baseTokens *big.Int, now, start time.Time, promoBonusBps uint64) *big.Int {
	if baseTokens == nil || baseTokens.Sign() <= 0 {
		return big.NewInt(0)
	}
	bonus := bpsShare(baseTokens, TierBonusBps(now, start))
	if promoBonusBps > 0 {
		bonus.Add(bonus, bpsShare(baseTokens, promoBonusBps))
	}
	return bonus
}

func bpsShare(amount *big.Int, bps uint64) *big.Int {
	if bps == 0 {
		return big.NewInt(0)
	}
	share := new(big.Int).Mul(amount, new(big.Int).SetUint64(bps))
	return share.Quo(share, big.NewInt(bpsDenominator))
}
