package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"strings"
)

// ErrInsufficientFunds is returned when a debit would take a balance
// below zero.
var ErrInsufficientFunds = errors.New("storage: insufficient funds")

// Balance returns the recorded balance for the asset/owner pair. Unknown
// pairs report zero.
func (s *Storage) Balance(ctx context.Context, asset, owner string) (*big.Int, error) {
	if s == nil {
		return nil, fmt.Errorf("storage not configured")
	}
	var amount string
	err := s.db.QueryRowContext(ctx, `SELECT amount FROM balances WHERE asset = ? AND owner = ?`, normaliseKey(asset), normaliseKey(owner)).Scan(&amount)
	if errors.Is(err, sql.ErrNoRows) {
		return big.NewInt(0), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load balance: %w", err)
	}
	return parseBig(amount)
}

// Credit adds amount to the asset/owner balance.
func (s *Storage) Credit(ctx context.Context, asset, owner string, amount *big.Int) error {
	return s.adjust(ctx, asset, owner, amount, false)
}

// Debit subtracts amount from the asset/owner balance, failing with
// ErrInsufficientFunds when the balance cannot cover it.
func (s *Storage) Debit(ctx context.Context, asset, owner string, amount *big.Int) error {
	return s.adjust(ctx, asset, owner, amount, true)
}

// Move transfers amount between two owners of the same asset in a single
// transaction.
func (s *Storage) Move(ctx context.Context, asset, from, to string, amount *big.Int) error {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("move amount must be positive")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin move: %w", err)
	}
	defer tx.Rollback()
	if err := adjustInTx(ctx, tx, asset, from, new(big.Int).Neg(amount)); err != nil {
		return err
	}
	if err := adjustInTx(ctx, tx, asset, to, amount); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit move: %w", err)
	}
	return nil
}

func (s *Storage) adjust(ctx context.Context, asset, owner string, amount *big.Int, negate bool) error {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("adjust amount must be positive")
	}
	delta := new(big.Int).Set(amount)
	if negate {
		delta.Neg(delta)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin adjust: %w", err)
	}
	defer tx.Rollback()
	if err := adjustInTx(ctx, tx, asset, owner, delta); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit adjust: %w", err)
	}
	return nil
}

func adjustInTx(ctx context.Context, tx *sql.Tx, asset, owner string, delta *big.Int) error {
	asset = normaliseKey(asset)
	owner = normaliseKey(owner)
	if asset == "" || owner == "" {
		return fmt.Errorf("asset and owner required")
	}
	var current string
	err := tx.QueryRowContext(ctx, `SELECT amount FROM balances WHERE asset = ? AND owner = ?`, asset, owner).Scan(&current)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("load balance: %w", err)
	}
	balance := big.NewInt(0)
	if err == nil {
		if balance, err = parseBig(current); err != nil {
			return err
		}
	}
	next := new(big.Int).Add(balance, delta)
	if next.Sign() < 0 {
		return ErrInsufficientFunds
	}
	_, err = tx.ExecContext(ctx, `
        INSERT INTO balances(asset, owner, amount) VALUES(?, ?, ?)
        ON CONFLICT(asset, owner) DO UPDATE SET amount = excluded.amount
    `, asset, owner, next.String())
	if err != nil {
		return fmt.Errorf("store balance: %w", err)
	}
	return nil
}

func normaliseKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}
