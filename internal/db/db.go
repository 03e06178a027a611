package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/xtrntr/tokenexchange/internal/models"
	"github.com/xtrntr/tokenexchange/migrations"
)

// DB wraps a PostgreSQL connection pool holding the transaction journal
type DB struct {
	Pool *pgxpool.Pool
}

// NewDB initializes a new database connection pool
func NewDB(ctx context.Context, connString string) (*DB, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	return &DB{Pool: pool}, nil
}

// Close closes the database connection pool
func (db *DB) Close(ctx context.Context) error {
	db.Pool.Close()
	return nil
}

// Migrate creates the journal tables if they do not exist
func (db *DB) Migrate(ctx context.Context) error {
	if _, err := db.Pool.Exec(ctx, migrations.Init); err != nil {
		return fmt.Errorf("failed to apply migration: %w", err)
	}
	return nil
}

// SaveReceipt appends a committed transition to the journal
func (db *DB) SaveReceipt(ctx context.Context, r models.Receipt) error {
	if r.CounterAmount == nil || r.Record.AssetAmount == nil || r.Record.Price == nil {
		return fmt.Errorf("receipt %d is incomplete", r.Record.Sequence)
	}
	_, err := db.Pool.Exec(ctx,
		"INSERT INTO transactions (sequence, account, kind, asset_amount, counter_amount, price, recorded_at) "+
			"VALUES ($1, $2, $3, $4, $5, $6, $7)",
		int64(r.Record.Sequence), r.Record.User.Hex(), int16(r.Record.Kind),
		numeric(r.Record.AssetAmount), numeric(r.CounterAmount), numeric(r.Record.Price), int64(r.Record.Timestamp))
	if err != nil {
		return fmt.Errorf("failed to save transaction %d: %w", r.Record.Sequence, err)
	}
	return nil
}

// ListReceipts returns the whole journal in sequence order
func (db *DB) ListReceipts(ctx context.Context) ([]models.Receipt, error) {
	rows, err := db.Pool.Query(ctx,
		"SELECT sequence, account, kind, asset_amount::text, counter_amount::text, price::text, recorded_at "+
			"FROM transactions ORDER BY sequence ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()
	return scanReceipts(rows)
}

// AccountReceipts returns an account's most recent transitions, newest first
func (db *DB) AccountReceipts(ctx context.Context, account models.AccountID, limit int) ([]models.Receipt, error) {
	rows, err := db.Pool.Query(ctx,
		"SELECT sequence, account, kind, asset_amount::text, counter_amount::text, price::text, recorded_at "+
			"FROM transactions WHERE account = $1 ORDER BY sequence DESC LIMIT $2",
		account.Hex(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get account transactions: %w", err)
	}
	defer rows.Close()
	return scanReceipts(rows)
}

// numeric encodes an amount for a NUMERIC(78, 0) column. Reads go through
// ::text instead, since the binary form may come back with a non-zero exponent.
func numeric(v *uint256.Int) pgtype.Numeric {
	return pgtype.Numeric{Int: v.ToBig(), Valid: true}
}

func scanReceipts(rows pgx.Rows) ([]models.Receipt, error) {
	receipts := []models.Receipt{}
	for rows.Next() {
		var (
			seq, recordedAt       int64
			account               string
			kind                  int16
			asset, counter, price string
		)
		if err := rows.Scan(&seq, &account, &kind, &asset, &counter, &price, &recordedAt); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}

		r := models.Receipt{
			Record: models.TransactionRecord{
				Sequence:  uint64(seq),
				User:      common.HexToAddress(account),
				Kind:      models.TxKind(kind),
				Timestamp: uint64(recordedAt),
			},
		}
		var err error
		if r.Record.AssetAmount, err = uint256.FromDecimal(asset); err != nil {
			return nil, fmt.Errorf("transaction %d asset amount: %w", seq, err)
		}
		if r.CounterAmount, err = uint256.FromDecimal(counter); err != nil {
			return nil, fmt.Errorf("transaction %d counter amount: %w", seq, err)
		}
		if r.Record.Price, err = uint256.FromDecimal(price); err != nil {
			return nil, fmt.Errorf("transaction %d price: %w", seq, err)
		}
		r.Event = models.Event{
			Kind:          models.Purchased,
			Account:       r.Record.User,
			AssetAmount:   r.Record.AssetAmount.Clone(),
			CounterAmount: r.CounterAmount.Clone(),
			Sequence:      r.Record.Sequence,
		}
		if r.Record.Kind == models.Sell {
			r.Event.Kind = models.Sold
		}
		receipts = append(receipts, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return receipts, nil
}

// SavePrice stores the current token price
func (db *DB) SavePrice(ctx context.Context, price *uint256.Int) error {
	_, err := db.Pool.Exec(ctx,
		"INSERT INTO exchange_settings (id, token_price, updated_at) VALUES (TRUE, $1, NOW()) "+
			"ON CONFLICT (id) DO UPDATE SET token_price = EXCLUDED.token_price, updated_at = NOW()",
		numeric(price))
	if err != nil {
		return fmt.Errorf("failed to save price: %w", err)
	}
	return nil
}

// LoadPrice returns the stored token price; ok is false when none is stored
func (db *DB) LoadPrice(ctx context.Context) (price *uint256.Int, ok bool, err error) {
	var s string
	err = db.Pool.QueryRow(ctx, "SELECT token_price::text FROM exchange_settings WHERE id").Scan(&s)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to load price: %w", err)
	}
	price, err = uint256.FromDecimal(s)
	if err != nil {
		return nil, false, fmt.Errorf("stored price %q: %w", s, err)
	}
	return price, true, nil
}
