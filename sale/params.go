package sale

import (
	"fmt"
	"math/big"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ConfigStore owns the mutable sale configuration. Every setter validates,
// applies a single field atomically, emits one ConfigUpdated event and pushes
// the new snapshot to the optional persistence hook. The hard cap value is
// delegated to the CapLedger so the cap-versus-sold check stays atomic.
type ConfigStore struct {
	mu      sync.RWMutex
	cfg     SaleConfig
	ledger  *CapLedger
	emitter Emitter
	persist func(SaleConfig) error
}

// NewConfigStore validates the initial configuration and binds the store to
// the ledger enforcing the hard cap.
func NewConfigStore(cfg SaleConfig, ledger *CapLedger, emitter Emitter) (*ConfigStore, error) {
	if ledger == nil {
		return nil, fmt.Errorf("sale: config store requires a ledger")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if emitter == nil {
		emitter = NoopEmitter{}
	}
	if err := ledger.SetCap(cfg.HardCapWei); err != nil {
		return nil, err
	}
	return &ConfigStore{cfg: cfg.Clone(), ledger: ledger, emitter: emitter}, nil
}

// SetPersist installs a snapshot hook invoked after every applied setter.
func (s *ConfigStore) SetPersist(persist func(SaleConfig) error) {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.persist = persist
	s.mu.Unlock()
}

// Snapshot returns a deep copy of the current configuration with the hard
// cap read from the ledger.
func (s *ConfigStore) Snapshot() SaleConfig {
	if s == nil {
		return SaleConfig{}
	}
	s.mu.RLock()
	cfg := s.cfg.Clone()
	s.mu.RUnlock()
	cfg.HardCapWei = s.ledger.Cap()
	return cfg
}

// apply commits a validated mutation. The in-memory configuration is
// authoritative; a failing snapshot hook is surfaced on the log for
// reconciliation, mirroring purchase persistence.
func (s *ConfigStore) apply(field, value string, mutate func(*SaleConfig)) {
	s.mu.Lock()
	mutate(&s.cfg)
	snapshot := s.cfg.Clone()
	persist := s.persist
	s.mu.Unlock()
	s.emitter.Emit(ConfigUpdated{Field: field, Value: value})
	if persist != nil {
		if err := persist(snapshot); err != nil {
			logError("persist config", err, "field", field)
		}
	}
}

// SetRate updates the issuance rate. The rate must be positive.
func (s *ConfigStore) SetRate(rateWei *big.Int) error {
	if s == nil {
		return fmt.Errorf("sale: config store not initialised")
	}
	if rateWei == nil || rateWei.Sign() <= 0 {
		return ErrInvalidRate
	}
	value := new(big.Int).Set(rateWei)
	s.apply("rate", value.String(), func(cfg *SaleConfig) {
		cfg.RateWei = value
	})
	return nil
}

// SetTimeWindow replaces both window bounds in one atomic update.
func (s *ConfigStore) SetTimeWindow(start, end time.Time) error {
	if s == nil {
		return fmt.Errorf("sale: config store not initialised")
	}
	if !start.Before(end) {
		return ErrInvalidWindow
	}
	value := fmt.Sprintf("%d-%d", start.Unix(), end.Unix())
	s.apply("timeWindow", value, func(cfg *SaleConfig) {
		cfg.StartTime = start
		cfg.EndTime = end
	})
	return nil
}

// SetPromoBonusBps updates the promotion bonus, bounded at MaxPromoBonusBps.
func (s *ConfigStore) SetPromoBonusBps(bps uint64) error {
	if s == nil {
		return fmt.Errorf("sale: config store not initialised")
	}
	if bps > MaxPromoBonusBps {
		return ErrInvalidBonus
	}
	s.apply("promoBonusBps", strconv.FormatUint(bps, 10), func(cfg *SaleConfig) {
		cfg.PromoBonusBps = bps
	})
	return nil
}

// SetHardCap raises or lowers the hard cap. Lowering below the sold counter
// is rejected by the ledger and leaves configuration untouched.
func (s *ConfigStore) SetHardCap(hardCapWei *big.Int) error {
	if s == nil {
		return fmt.Errorf("sale: config store not initialised")
	}
	if err := s.ledger.SetCap(hardCapWei); err != nil {
		return err
	}
	value := new(big.Int).Set(hardCapWei)
	s.apply("hardCap", value.String(), func(cfg *SaleConfig) {
		cfg.HardCapWei = value
	})
	return nil
}

// SetMaxPriceAge updates the oracle staleness tolerance.
func (s *ConfigStore) SetMaxPriceAge(maxAge time.Duration) error {
	if s == nil {
		return fmt.Errorf("sale: config store not initialised")
	}
	if maxAge <= 0 {
		return ErrInvalidMaxAge
	}
	s.apply("maxPriceAge", maxAge.String(), func(cfg *SaleConfig) {
		cfg.MaxPriceAge = maxAge
	})
	return nil
}

// SetTreasury updates the treasury identity.
func (s *ConfigStore) SetTreasury(treasury common.Address) error {
	if s == nil {
		return fmt.Errorf("sale: config store not initialised")
	}
	if treasury == (common.Address{}) {
		return ErrInvalidAddress
	}
	s.apply("treasury", treasury.Hex(), func(cfg *SaleConfig) {
		cfg.Treasury = treasury
	})
	return nil
}

// SetActive flips the activity switch independent of the time window.
func (s *ConfigStore) SetActive(active bool) error {
	if s == nil {
		return fmt.Errorf("sale: config store not initialised")
	}
	s.apply("active", strconv.FormatBool(active), func(cfg *SaleConfig) {
		cfg.Active = active
	})
	return nil
}
