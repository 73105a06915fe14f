package storage

import (
	"context"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCreditDebitRoundTrip(t *testing.T) {
	store := openTestStorage(t)
	ctx := context.Background()

	balance, err := store.Balance(ctx, "token", "vault")
	require.NoError(t, err)
	require.Zero(t, balance.Sign())

	require.NoError(t, store.Credit(ctx, "token", "vault", big.NewInt(1000)))
	require.NoError(t, store.Debit(ctx, "token", "vault", big.NewInt(400)))

	balance, err = store.Balance(ctx, "token", "vault")
	require.NoError(t, err)
	require.Equal(t, "600", balance.String())
}

func TestDebitRejectsOverdraft(t *testing.T) {
	store := openTestStorage(t)
	ctx := context.Background()

	require.NoError(t, store.Credit(ctx, "token", "vault", big.NewInt(100)))
	err := store.Debit(ctx, "token", "vault", big.NewInt(101))
	require.ErrorIs(t, err, ErrInsufficientFunds)

	balance, err := store.Balance(ctx, "token", "vault")
	require.NoError(t, err)
	require.Equal(t, "100", balance.String())
}

func TestMoveIsAtomic(t *testing.T) {
	store := openTestStorage(t)
	ctx := context.Background()

	require.NoError(t, store.Credit(ctx, "token", "vault", big.NewInt(500)))
	require.NoError(t, store.Move(ctx, "token", "vault", "payer", big.NewInt(200)))

	vault, err := store.Balance(ctx, "token", "vault")
	require.NoError(t, err)
	require.Equal(t, "300", vault.String())
	payer, err := store.Balance(ctx, "token", "payer")
	require.NoError(t, err)
	require.Equal(t, "200", payer.String())

	err = store.Move(ctx, "token", "vault", "payer", big.NewInt(301))
	require.ErrorIs(t, err, ErrInsufficientFunds)
	payer, err = store.Balance(ctx, "token", "payer")
	require.NoError(t, err)
	require.Equal(t, "200", payer.String())
}

func TestBalanceKeysAreCaseInsensitive(t *testing.T) {
	store := openTestStorage(t)
	ctx := context.Background()

	require.NoError(t, store.Credit(ctx, "0xABCD", "0xEF01", big.NewInt(10)))
	balance, err := store.Balance(ctx, "0xabcd", "0xef01")
	require.NoError(t, err)
	require.Equal(t, "10", balance.String())
}

func TestAdjustRejectsNonPositiveAmounts(t *testing.T) {
	store := openTestStorage(t)
	ctx := context.Background()

	require.Error(t, store.Credit(ctx, "token", "vault", big.NewInt(0)))
	require.Error(t, store.Debit(ctx, "token", "vault", nil))
	require.Error(t, store.Move(ctx, "token", "vault", "payer", big.NewInt(-5)))
}
