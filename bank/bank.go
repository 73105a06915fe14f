// Package bank adapts the balance book persisted in storage to the
// collaborator interfaces the sale engine expects. Token inventory is
// held by the configured vault account; payments forwarded to the
// treasury are recorded as credits under a per-asset key.
package bank

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"tokensale/storage"
)

const (
	// NativeAsset keys the volatile payment unit in the balance book.
	NativeAsset = "native"
	// StableAsset keys the USD-pegged payment unit.
	StableAsset = "stable"
)

// Book is a storage-backed double-entry balance book.
type Book struct {
	store *storage.Storage
	vault common.Address
}

// New constructs a book sourcing token transfers from the vault account.
func New(store *storage.Storage, vault common.Address) (*Book, error) {
	if store == nil {
		return nil, fmt.Errorf("bank: storage required")
	}
	if vault == (common.Address{}) {
		return nil, fmt.Errorf("bank: vault address required")
	}
	return &Book{store: store, vault: vault}, nil
}

// Seed tops up the vault's inventory of the given token.
func (b *Book) Seed(ctx context.Context, token common.Address, amount *big.Int) error {
	if b == nil {
		return fmt.Errorf("bank: not configured")
	}
	return b.store.Credit(ctx, token.Hex(), b.vault.Hex(), amount)
}

// Transfer moves tokens from the vault to the recipient.
func (b *Book) Transfer(token, to common.Address, amount *big.Int) error {
	if b == nil {
		return fmt.Errorf("bank: not configured")
	}
	return b.store.Move(context.Background(), token.Hex(), b.vault.Hex(), to.Hex(), amount)
}

// Reclaim pulls previously delivered tokens from the holder back into the
// vault, reversing an earlier Transfer.
func (b *Book) Reclaim(token, from common.Address, amount *big.Int) error {
	if b == nil {
		return fmt.Errorf("bank: not configured")
	}
	return b.store.Move(context.Background(), token.Hex(), from.Hex(), b.vault.Hex(), amount)
}

// BalanceOf reports the owner's recorded balance of the token.
func (b *Book) BalanceOf(token, owner common.Address) (*big.Int, error) {
	if b == nil {
		return nil, fmt.Errorf("bank: not configured")
	}
	return b.store.Balance(context.Background(), token.Hex(), owner.Hex())
}

// ForwardNative records a native payment arriving at the recipient.
func (b *Book) ForwardNative(to common.Address, amount *big.Int) error {
	if b == nil {
		return fmt.Errorf("bank: not configured")
	}
	return b.store.Credit(context.Background(), NativeAsset, to.Hex(), amount)
}

// ForwardStable records a stable payment arriving at the recipient.
func (b *Book) ForwardStable(to common.Address, amount *big.Int) error {
	if b == nil {
		return fmt.Errorf("bank: not configured")
	}
	return b.store.Credit(context.Background(), StableAsset, to.Hex(), amount)
}
