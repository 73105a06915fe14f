package sale

import (
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

type captureEmitter struct {
	mu     sync.Mutex
	events []Event
}

func (c *captureEmitter) Emit(event Event) {
	c.mu.Lock()
	c.events = append(c.events, event)
	c.mu.Unlock()
}

func (c *captureEmitter) byType(eventType string) []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	matched := make([]Event, 0, len(c.events))
	for _, event := range c.events {
		if event.EventType() == eventType {
			matched = append(matched, event)
		}
	}
	return matched
}

func validConfig() SaleConfig {
	start := time.Unix(1_700_000_000, 0)
	return SaleConfig{
		RateWei:       new(big.Int).Mul(big.NewInt(100), nativeScale),
		HardCapWei:    new(big.Int).Mul(big.NewInt(1_000_000), nativeScale),
		StartTime:     start,
		EndTime:       start.Add(60 * 24 * time.Hour),
		Active:        true,
		PromoBonusBps: 0,
		MaxPriceAge:   time.Hour,
		Treasury:      common.HexToAddress("0x00000000000000000000000000000000000000a1"),
		SaleToken:     common.HexToAddress("0x00000000000000000000000000000000000000b2"),
		Vault:         common.HexToAddress("0x00000000000000000000000000000000000000c3"),
	}
}

func TestConfigStoreRejectsInvalidInitial(t *testing.T) {
	ledger := NewCapLedger(big.NewInt(0))
	cfg := validConfig()
	cfg.RateWei = big.NewInt(0)
	if _, err := NewConfigStore(cfg, ledger, nil); !errors.Is(err, ErrInvalidRate) {
		t.Fatalf("expected ErrInvalidRate, got %v", err)
	}
	cfg = validConfig()
	cfg.EndTime = cfg.StartTime
	if _, err := NewConfigStore(cfg, ledger, nil); !errors.Is(err, ErrInvalidWindow) {
		t.Fatalf("expected ErrInvalidWindow, got %v", err)
	}
	cfg = validConfig()
	cfg.PromoBonusBps = MaxPromoBonusBps + 1
	if _, err := NewConfigStore(cfg, ledger, nil); !errors.Is(err, ErrInvalidBonus) {
		t.Fatalf("expected ErrInvalidBonus, got %v", err)
	}
}

func TestConfigStoreSetters(t *testing.T) {
	emitter := &captureEmitter{}
	ledger := NewCapLedger(big.NewInt(0))
	store, err := NewConfigStore(validConfig(), ledger, emitter)
	if err != nil {
		t.Fatalf("new config store: %v", err)
	}

	if err := store.SetRate(big.NewInt(0)); !errors.Is(err, ErrInvalidRate) {
		t.Fatalf("expected ErrInvalidRate, got %v", err)
	}
	if err := store.SetRate(big.NewInt(42)); err != nil {
		t.Fatalf("set rate: %v", err)
	}
	if got := store.Snapshot().RateWei; got.Int64() != 42 {
		t.Fatalf("rate = %s, want 42", got)
	}

	start := time.Unix(1_800_000_000, 0)
	if err := store.SetTimeWindow(start, start); !errors.Is(err, ErrInvalidWindow) {
		t.Fatalf("expected ErrInvalidWindow, got %v", err)
	}
	if err := store.SetTimeWindow(start, start.Add(time.Hour)); err != nil {
		t.Fatalf("set window: %v", err)
	}

	if err := store.SetPromoBonusBps(5001); !errors.Is(err, ErrInvalidBonus) {
		t.Fatalf("expected ErrInvalidBonus, got %v", err)
	}
	if err := store.SetPromoBonusBps(5000); err != nil {
		t.Fatalf("promo at ceiling must be accepted: %v", err)
	}

	if err := store.SetMaxPriceAge(0); !errors.Is(err, ErrInvalidMaxAge) {
		t.Fatalf("expected ErrInvalidMaxAge, got %v", err)
	}
	if err := store.SetTreasury(common.Address{}); !errors.Is(err, ErrInvalidAddress) {
		t.Fatalf("expected ErrInvalidAddress, got %v", err)
	}

	updates := emitter.byType(TypeConfigUpdated)
	if len(updates) != 3 {
		t.Fatalf("expected 3 config events (one per applied setter), got %d", len(updates))
	}
}

func TestConfigStorePersistFailureKeepsChange(t *testing.T) {
	emitter := &captureEmitter{}
	ledger := NewCapLedger(big.NewInt(0))
	store, err := NewConfigStore(validConfig(), ledger, emitter)
	if err != nil {
		t.Fatalf("new config store: %v", err)
	}
	var snapshots int
	store.SetPersist(func(SaleConfig) error {
		snapshots++
		return errors.New("disk full")
	})
	if err := store.SetRate(big.NewInt(77)); err != nil {
		t.Fatalf("setter must succeed when only persistence fails: %v", err)
	}
	if got := store.Snapshot().RateWei; got.Int64() != 77 {
		t.Fatalf("rate = %s, want the applied 77", got)
	}
	if snapshots != 1 {
		t.Fatalf("persist hook called %d times, want 1", snapshots)
	}
	if updates := emitter.byType(TypeConfigUpdated); len(updates) != 1 {
		t.Fatalf("expected one config event, got %d", len(updates))
	}
}

func TestConfigStoreHardCapDelegatesToLedger(t *testing.T) {
	ledger := NewCapLedger(big.NewInt(0))
	store, err := NewConfigStore(validConfig(), ledger, nil)
	if err != nil {
		t.Fatalf("new config store: %v", err)
	}
	if err := ledger.Reserve(new(big.Int).Mul(big.NewInt(10), nativeScale)); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	below := new(big.Int).Mul(big.NewInt(9), nativeScale)
	if err := store.SetHardCap(below); !errors.Is(err, ErrCapBelowSold) {
		t.Fatalf("expected ErrCapBelowSold, got %v", err)
	}
	raised := new(big.Int).Mul(big.NewInt(2_000_000), nativeScale)
	if err := store.SetHardCap(raised); err != nil {
		t.Fatalf("raise cap: %v", err)
	}
	if got := store.Snapshot().HardCapWei; got.Cmp(raised) != 0 {
		t.Fatalf("cap = %s, want %s", got, raised)
	}
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	ledger := NewCapLedger(big.NewInt(0))
	store, err := NewConfigStore(validConfig(), ledger, nil)
	if err != nil {
		t.Fatalf("new config store: %v", err)
	}
	snapshot := store.Snapshot()
	snapshot.RateWei.SetInt64(1)
	if store.Snapshot().RateWei.Int64() == 1 {
		t.Fatalf("snapshot shares rate pointer with store")
	}
}
