package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	_ "github.com/glebarez/sqlite"

	"tokensale/sale"
)

// Storage wraps the saled persistence layer.
type Storage struct {
	db *sql.DB
}

// ErrPathRequired is returned when the backing store path is missing.
var ErrPathRequired = errors.New("storage path must be configured")

// Open initialises the backing store using a sqlite-compatible DSN.
func Open(dsn string) (*Storage, error) {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return nil, ErrPathRequired
	}
	db, err := sql.Open("sqlite", trimmed)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Storage{db: db}, nil
}

// Close releases database resources.
func (s *Storage) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SavePurchase persists a committed purchase receipt.
func (s *Storage) SavePurchase(ctx context.Context, receipt sale.Receipt) error {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	if strings.TrimSpace(receipt.ID) == "" {
		return fmt.Errorf("purchase id required")
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO purchases(id, payer, kind, payment_amount, usd_amount, base_tokens, bonus_tokens, created_at)
        VALUES(?, ?, ?, ?, ?, ?, ?, ?)
    `,
		receipt.ID,
		receipt.Payer.Hex(),
		string(receipt.Kind),
		bigString(receipt.PaymentAmount),
		bigString(receipt.USDAmount),
		bigString(receipt.BaseTokens),
		bigString(receipt.BonusTokens),
		receipt.CreatedAt.UTC().Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert purchase: %w", err)
	}
	return nil
}

// ListPurchases returns purchases within the inclusive timestamp window,
// oldest first. A non-positive limit returns the full window.
func (s *Storage) ListPurchases(ctx context.Context, startTs, endTs int64, limit int) ([]sale.Receipt, error) {
	if s == nil {
		return nil, fmt.Errorf("storage not configured")
	}
	query := `
        SELECT id, payer, kind, payment_amount, usd_amount, base_tokens, bonus_tokens, created_at
        FROM purchases WHERE 1=1`
	args := make([]interface{}, 0, 3)
	if startTs != 0 {
		query += " AND created_at >= ?"
		args = append(args, startTs)
	}
	if endTs != 0 {
		query += " AND created_at <= ?"
		args = append(args, endTs)
	}
	query += " ORDER BY created_at ASC, id ASC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list purchases: %w", err)
	}
	defer rows.Close()
	receipts := make([]sale.Receipt, 0)
	for rows.Next() {
		var (
			receipt   sale.Receipt
			payer     string
			kind      string
			payment   string
			usdAmount string
			base      string
			bonus     string
			createdAt int64
		)
		if err := rows.Scan(&receipt.ID, &payer, &kind, &payment, &usdAmount, &base, &bonus, &createdAt); err != nil {
			return nil, fmt.Errorf("scan purchase: %w", err)
		}
		receipt.Payer = common.HexToAddress(payer)
		receipt.Kind = sale.PaymentKind(kind)
		if receipt.PaymentAmount, err = parseBig(payment); err != nil {
			return nil, err
		}
		if receipt.USDAmount, err = parseBig(usdAmount); err != nil {
			return nil, err
		}
		if receipt.BaseTokens, err = parseBig(base); err != nil {
			return nil, err
		}
		if receipt.BonusTokens, err = parseBig(bonus); err != nil {
			return nil, err
		}
		receipt.TotalTokens = new(big.Int).Add(receipt.BaseTokens, receipt.BonusTokens)
		receipt.CreatedAt = time.Unix(createdAt, 0).UTC()
		receipts = append(receipts, receipt)
	}
	return receipts, rows.Err()
}

// SaveSold upserts the durable sold counter.
func (s *Storage) SaveSold(ctx context.Context, sold *big.Int) error {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO sale_state(id, sold_base, updated_at) VALUES(1, ?, ?)
        ON CONFLICT(id) DO UPDATE SET sold_base = excluded.sold_base, updated_at = excluded.updated_at
    `, bigString(sold), time.Now().UTC().Unix())
	if err != nil {
		return fmt.Errorf("save sold: %w", err)
	}
	return nil
}

// SaveEnded records the terminal end-of-sale timestamp.
func (s *Storage) SaveEnded(ctx context.Context, endedAt time.Time) error {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO sale_state(id, sold_base, ended_at, updated_at) VALUES(1, '0', ?, ?)
        ON CONFLICT(id) DO UPDATE SET ended_at = excluded.ended_at, updated_at = excluded.updated_at
    `, endedAt.UTC().Unix(), time.Now().UTC().Unix())
	if err != nil {
		return fmt.Errorf("save ended: %w", err)
	}
	return nil
}

// LoadState returns the persisted sold counter and ended flag. The boolean
// reports whether any state row existed.
func (s *Storage) LoadState(ctx context.Context) (*big.Int, bool, bool, error) {
	if s == nil {
		return nil, false, false, fmt.Errorf("storage not configured")
	}
	var (
		soldText string
		endedAt  sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `SELECT sold_base, ended_at FROM sale_state WHERE id = 1`).Scan(&soldText, &endedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return big.NewInt(0), false, false, nil
	}
	if err != nil {
		return nil, false, false, fmt.Errorf("load state: %w", err)
	}
	sold, err := parseBig(soldText)
	if err != nil {
		return nil, false, false, err
	}
	return sold, endedAt.Valid && endedAt.Int64 > 0, true, nil
}

// SaveConfig stores the latest configuration snapshot.
func (s *Storage) SaveConfig(ctx context.Context, cfg sale.SaleConfig) error {
	if s == nil {
		return fmt.Errorf("storage not configured")
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO sale_config(id, rate_wei, hard_cap_wei, start_time, end_time, active, promo_bonus_bps, max_price_age_seconds, treasury, sale_token, vault, updated_at)
        VALUES(1, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON CONFLICT(id) DO UPDATE SET
            rate_wei = excluded.rate_wei,
            hard_cap_wei = excluded.hard_cap_wei,
            start_time = excluded.start_time,
            end_time = excluded.end_time,
            active = excluded.active,
            promo_bonus_bps = excluded.promo_bonus_bps,
            max_price_age_seconds = excluded.max_price_age_seconds,
            treasury = excluded.treasury,
            sale_token = excluded.sale_token,
            vault = excluded.vault,
            updated_at = excluded.updated_at
    `,
		bigString(cfg.RateWei),
		bigString(cfg.HardCapWei),
		cfg.StartTime.UTC().Unix(),
		cfg.EndTime.UTC().Unix(),
		boolToInt(cfg.Active),
		int64(cfg.PromoBonusBps),
		int64(cfg.MaxPriceAge/time.Second),
		cfg.Treasury.Hex(),
		cfg.SaleToken.Hex(),
		cfg.Vault.Hex(),
		time.Now().UTC().Unix(),
	)
	if err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	return nil
}

// LoadConfig returns the persisted configuration snapshot. The boolean
// reports whether a snapshot existed.
func (s *Storage) LoadConfig(ctx context.Context) (sale.SaleConfig, bool, error) {
	if s == nil {
		return sale.SaleConfig{}, false, fmt.Errorf("storage not configured")
	}
	var (
		cfg        sale.SaleConfig
		rate       string
		hardCap    string
		startTime  int64
		endTime    int64
		active     int64
		promoBps   int64
		maxAgeSecs int64
		treasury   string
		saleToken  string
		vault      string
	)
	err := s.db.QueryRowContext(ctx, `
        SELECT rate_wei, hard_cap_wei, start_time, end_time, active, promo_bonus_bps, max_price_age_seconds, treasury, sale_token, vault
        FROM sale_config WHERE id = 1
    `).Scan(&rate, &hardCap, &startTime, &endTime, &active, &promoBps, &maxAgeSecs, &treasury, &saleToken, &vault)
	if errors.Is(err, sql.ErrNoRows) {
		return sale.SaleConfig{}, false, nil
	}
	if err != nil {
		return sale.SaleConfig{}, false, fmt.Errorf("load config: %w", err)
	}
	if cfg.RateWei, err = parseBig(rate); err != nil {
		return sale.SaleConfig{}, false, err
	}
	if cfg.HardCapWei, err = parseBig(hardCap); err != nil {
		return sale.SaleConfig{}, false, err
	}
	cfg.StartTime = time.Unix(startTime, 0).UTC()
	cfg.EndTime = time.Unix(endTime, 0).UTC()
	cfg.Active = active != 0
	if promoBps > 0 {
		cfg.PromoBonusBps = uint64(promoBps)
	}
	cfg.MaxPriceAge = time.Duration(maxAgeSecs) * time.Second
	cfg.Treasury = common.HexToAddress(treasury)
	cfg.SaleToken = common.HexToAddress(saleToken)
	cfg.Vault = common.HexToAddress(vault)
	return cfg, true, nil
}

func bigString(value *big.Int) string {
	if value == nil {
		return "0"
	}
	return value.String()
}

func parseBig(text string) (*big.Int, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return big.NewInt(0), nil
	}
	value, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", text)
	}
	return value, nil
}

func boolToInt(value bool) int64 {
	if value {
		return 1
	}
	return 0
}

const schema = `
CREATE TABLE IF NOT EXISTS purchases (
    id TEXT PRIMARY KEY,
    payer TEXT NOT NULL,
    kind TEXT NOT NULL,
    payment_amount TEXT NOT NULL,
    usd_amount TEXT NOT NULL,
    base_tokens TEXT NOT NULL,
    bonus_tokens TEXT NOT NULL,
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_purchases_created ON purchases(created_at);

CREATE TABLE IF NOT EXISTS sale_state (
    id INTEGER PRIMARY KEY CHECK (id = 1),
    sold_base TEXT NOT NULL,
    ended_at INTEGER,
    updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS balances (
    asset TEXT NOT NULL,
    owner TEXT NOT NULL,
    amount TEXT NOT NULL,
    PRIMARY KEY (asset, owner)
);

CREATE TABLE IF NOT EXISTS sale_config (
    id INTEGER PRIMARY KEY CHECK (id = 1),
    rate_wei TEXT NOT NULL,
    hard_cap_wei TEXT NOT NULL,
    start_time INTEGER NOT NULL,
    end_time INTEGER NOT NULL,
    active INTEGER NOT NULL,
    promo_bonus_bps INTEGER NOT NULL,
    max_price_age_seconds INTEGER NOT NULL,
    treasury TEXT NOT NULL,
    sale_token TEXT NOT NULL,
    vault TEXT NOT NULL,
    updated_at INTEGER NOT NULL
);
`
