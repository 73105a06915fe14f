package sale

import (
	"math/big"
	"sync"
)

// CapLedger tracks cumulative base-token issuance against the hard cap. The
// counter is monotone across committed purchases; Release exists only so an
// in-flight purchase can unwind its own reservation before it commits.
type CapLedger struct {
	mu   sync.Mutex
	sold *big.Int
	cap  *big.Int
}

// NewCapLedger constructs a ledger starting at zero sold against the
// supplied hard cap.
func NewCapLedger(hardCap *big.Int) *CapLedger {
	if hardCap == nil {
		hardCap = big.NewInt(0)
	}
	return &CapLedger{
		sold: big.NewInt(0),
		cap:  new(big.Int).Set(hardCap),
	}
}

// Reserve performs the atomic check-and-increment of the sold counter. When
// the reservation would exceed the cap the counter is left untouched and
// ErrCapExceeded is returned.
func (l *CapLedger) Reserve(baseTokens *big.Int) error {
	if l == nil {
		return ErrCapExceeded
	}
	if baseTokens == nil || baseTokens.Sign() <= 0 {
		return ErrZeroAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	next := new(big.Int).Add(l.sold, baseTokens)
	if next.Cmp(l.cap) > 0 {
		return ErrCapExceeded
	}
	l.sold = next
	return nil
}

// Release returns a prior reservation to the pool. Only the purchase path
// that made the reservation may call it, and only before its commit.
func (l *CapLedger) Release(baseTokens *big.Int) {
	if l == nil || baseTokens == nil || baseTokens.Sign() <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	next := new(big.Int).Sub(l.sold, baseTokens)
	if next.Sign() < 0 {
		next = big.NewInt(0)
	}
	l.sold = next
}

// Sold reports the cumulative base tokens committed so far.
func (l *CapLedger) Sold() *big.Int {
	if l == nil {
		return big.NewInt(0)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return new(big.Int).Set(l.sold)
}

// Cap reports the current hard cap.
func (l *CapLedger) Cap() *big.Int {
	if l == nil {
		return big.NewInt(0)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return new(big.Int).Set(l.cap)
}

// SetCap replaces the hard cap. Lowering the cap below the sold counter is
// rejected with ErrCapBelowSold and leaves the prior cap in place.
func (l *CapLedger) SetCap(hardCap *big.Int) error {
	if l == nil {
		return ErrCapBelowSold
	}
	if hardCap == nil || hardCap.Sign() < 0 {
		return ErrCapBelowSold
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if hardCap.Cmp(l.sold) < 0 {
		return ErrCapBelowSold
	}
	l.cap = new(big.Int).Set(hardCap)
	return nil
}

// Restore initialises the sold counter from persisted state. Intended for
// startup only, before the engine begins accepting purchases.
func (l *CapLedger) Restore(sold *big.Int) {
	if l == nil || sold == nil || sold.Sign() < 0 {
		return
	}
	l.mu.Lock()
	l.sold = new(big.Int).Set(sold)
	l.mu.Unlock()
}
