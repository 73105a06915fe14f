package bank

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"tokensale/storage"
)

var (
	tokenAddr    = common.HexToAddress("0x00000000000000000000000000000000000000c3")
	vaultAddr    = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	payerAddr    = common.HexToAddress("0x00000000000000000000000000000000000000d4")
	treasuryAddr = common.HexToAddress("0x00000000000000000000000000000000000000b2")
)

func newBook(t *testing.T) *Book {
	t.Helper()
	store, err := storage.Open(storage.MemoryDSN(uuid.NewString()))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	book, err := New(store, vaultAddr)
	require.NoError(t, err)
	return book
}

func TestNewRequiresStorageAndVault(t *testing.T) {
	_, err := New(nil, vaultAddr)
	require.Error(t, err)

	store, err := storage.Open(storage.MemoryDSN(uuid.NewString()))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	_, err = New(store, common.Address{})
	require.Error(t, err)
}

func TestTransferDrawsFromVault(t *testing.T) {
	book := newBook(t)
	ctx := context.Background()

	require.NoError(t, book.Seed(ctx, tokenAddr, big.NewInt(1000)))
	require.NoError(t, book.Transfer(tokenAddr, payerAddr, big.NewInt(250)))

	vault, err := book.BalanceOf(tokenAddr, vaultAddr)
	require.NoError(t, err)
	require.Equal(t, "750", vault.String())
	payer, err := book.BalanceOf(tokenAddr, payerAddr)
	require.NoError(t, err)
	require.Equal(t, "250", payer.String())
}

func TestTransferFailsOnShortInventory(t *testing.T) {
	book := newBook(t)
	ctx := context.Background()

	require.NoError(t, book.Seed(ctx, tokenAddr, big.NewInt(100)))
	err := book.Transfer(tokenAddr, payerAddr, big.NewInt(101))
	require.ErrorIs(t, err, storage.ErrInsufficientFunds)

	vault, err := book.BalanceOf(tokenAddr, vaultAddr)
	require.NoError(t, err)
	require.Equal(t, "100", vault.String())
}

func TestReclaimReversesTransfer(t *testing.T) {
	book := newBook(t)
	ctx := context.Background()

	require.NoError(t, book.Seed(ctx, tokenAddr, big.NewInt(1000)))
	require.NoError(t, book.Transfer(tokenAddr, payerAddr, big.NewInt(400)))
	require.NoError(t, book.Reclaim(tokenAddr, payerAddr, big.NewInt(400)))

	vault, err := book.BalanceOf(tokenAddr, vaultAddr)
	require.NoError(t, err)
	require.Equal(t, "1000", vault.String())
	payer, err := book.BalanceOf(tokenAddr, payerAddr)
	require.NoError(t, err)
	require.Equal(t, "0", payer.String())

	// Reclaiming more than the holder has must fail and touch nothing.
	require.NoError(t, book.Transfer(tokenAddr, payerAddr, big.NewInt(100)))
	err = book.Reclaim(tokenAddr, payerAddr, big.NewInt(200))
	require.ErrorIs(t, err, storage.ErrInsufficientFunds)
	payer, err = book.BalanceOf(tokenAddr, payerAddr)
	require.NoError(t, err)
	require.Equal(t, "100", payer.String())
}

func TestForwardingCreditsTreasury(t *testing.T) {
	book := newBook(t)

	require.NoError(t, book.ForwardNative(treasuryAddr, big.NewInt(5)))
	require.NoError(t, book.ForwardStable(treasuryAddr, big.NewInt(7)))
	require.NoError(t, book.ForwardStable(treasuryAddr, big.NewInt(3)))

	native, err := book.store.Balance(context.Background(), NativeAsset, treasuryAddr.Hex())
	require.NoError(t, err)
	require.Equal(t, "5", native.String())
	stable, err := book.store.Balance(context.Background(), StableAsset, treasuryAddr.Hex())
	require.NoError(t, err)
	require.Equal(t, "10", stable.String())
}
