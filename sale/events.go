package sale

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Event represents an externally observable state change of the sale engine.
type Event interface {
	EventType() string
}

// Emitter broadcasts events to downstream subscribers (e.g. indexers, logs).
type Emitter interface {
	Emit(Event)
}

// NoopEmitter satisfies the Emitter interface while discarding all events.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Event) {}

const (
	// TypePurchaseCommitted is emitted once per committed purchase.
	TypePurchaseCommitted = "sale.purchase_committed"
	// TypeConfigUpdated is emitted once per applied configuration field change.
	TypeConfigUpdated = "sale.config_updated"
	// TypeSaleEnded is emitted exactly once when the sale terminates.
	TypeSaleEnded = "sale.ended"
)

// PurchaseCommitted carries the observable fields of a committed purchase.
type PurchaseCommitted struct {
	Payer         common.Address
	Kind          PaymentKind
	PaymentAmount *big.Int
	BaseTokens    *big.Int
	BonusTokens   *big.Int
}

// EventType implements the Event interface.
func (PurchaseCommitted) EventType() string { return TypePurchaseCommitted }

// ConfigUpdated records a single applied setter.
type ConfigUpdated struct {
	Field string
	Value string
}

// EventType implements the Event interface.
func (ConfigUpdated) EventType() string { return TypeConfigUpdated }

// SaleEnded records the terminal sweep of the remaining inventory.
type SaleEnded struct {
	SweptTokens *big.Int
	Treasury    common.Address
}

// EventType implements the Event interface.
func (SaleEnded) EventType() string { return TypeSaleEnded }
