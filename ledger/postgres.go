package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vitwit/monpay/types"
)

// uniqueViolation is the Postgres error code raised by the
// (payer, tx_hash) unique constraint, the storage-layer idempotency backstop.
const uniqueViolation = "23505"

// Store is the Postgres-backed ledger and replay guard. The schema lives in
// schema.sql: a balances table keyed by payer, an append-only
// settlement_records table keyed by (payer, tx_hash), and a
// consumed_authorizations table for the replay guard.
type Store struct {
	db *pgxpool.Pool
}

var (
	_ Ledger      = (*Store)(nil)
	_ ReplayGuard = (*Store)(nil)
)

// NewStore opens a connection pool and verifies connectivity.
func NewStore(ctx context.Context, connString string) (*Store, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &Store{db: pool}, nil
}

func (s *Store) Close() {
	s.db.Close()
}

// CreditOnce runs the credit as a single transaction: short-circuit on an
// existing success record, insert a pending record, upsert-add the balance,
// mark the record success, read back the balance, commit. Any failure rolls
// back the whole transaction, so a pending record is never the final state a
// later idempotency check can observe.
func (s *Store) CreditOnce(ctx context.Context, payer common.Address, txHash common.Hash, amountWei *big.Int, payTo common.Address, source types.SourceTag) (*big.Int, bool, error) {
	payerKey := addrKey(payer)
	hashKey := txHash.Hex()

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, false, storageErr("tx begin failed", err)
	}
	defer tx.Rollback(ctx)

	var one int
	err = tx.QueryRow(ctx,
		"SELECT 1 FROM settlement_records WHERE payer = $1 AND tx_hash = $2 AND status = 'success'",
		payerKey, hashKey,
	).Scan(&one)
	if err == nil {
		balance, err := s.balanceTx(ctx, tx, payerKey)
		if err != nil {
			return nil, false, err
		}
		return balance, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, storageErr("idempotency lookup failed", err)
	}

	_, err = tx.Exec(ctx,
		"INSERT INTO settlement_records (payer, tx_hash, amount, pay_to, source, status) VALUES ($1, $2, $3::numeric, $4, $5, 'pending')",
		payerKey, hashKey, amountWei.String(), addrKey(payTo), string(source),
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			// A concurrent caller won the race and committed. Report its
			// outcome instead of crediting twice.
			return s.settledBalance(ctx, payerKey, hashKey)
		}
		return nil, false, storageErr("settlement record insert failed", err)
	}

	var balanceStr string
	err = tx.QueryRow(ctx,
		`INSERT INTO balances (payer, balance) VALUES ($1, $2::numeric)
		 ON CONFLICT (payer) DO UPDATE SET balance = balances.balance + EXCLUDED.balance
		 RETURNING balance::text`,
		payerKey, amountWei.String(),
	).Scan(&balanceStr)
	if err != nil {
		return nil, false, storageErr("balance upsert failed", err)
	}

	_, err = tx.Exec(ctx,
		"UPDATE settlement_records SET status = 'success' WHERE payer = $1 AND tx_hash = $2",
		payerKey, hashKey,
	)
	if err != nil {
		return nil, false, storageErr("settlement record update failed", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, false, storageErr("tx commit failed", err)
	}

	balance, ok := new(big.Int).SetString(balanceStr, 10)
	if !ok {
		return nil, false, storageErr("balance parse failed", fmt.Errorf("unparseable balance %q", balanceStr))
	}
	return balance, false, nil
}

// settledBalance reads the committed outcome for (payer, txHash) after a
// unique-constraint collision with a concurrent credit.
func (s *Store) settledBalance(ctx context.Context, payerKey, hashKey string) (*big.Int, bool, error) {
	var one int
	err := s.db.QueryRow(ctx,
		"SELECT 1 FROM settlement_records WHERE payer = $1 AND tx_hash = $2 AND status = 'success'",
		payerKey, hashKey,
	).Scan(&one)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// The competing transaction rolled back; the caller may retry.
			return nil, false, &types.Error{
				Code:    types.ErrStorageFailure,
				Message: "concurrent settlement aborted, retry",
			}
		}
		return nil, false, storageErr("idempotency lookup failed", err)
	}

	balance, err := s.balance(ctx, payerKey)
	if err != nil {
		return nil, false, err
	}
	return balance, true, nil
}

// Debit decrements the balance only when sufficient; the WHERE clause makes
// the check-and-decrement a single atomic statement.
func (s *Store) Debit(ctx context.Context, payer common.Address, amountWei *big.Int) (bool, error) {
	tag, err := s.db.Exec(ctx,
		"UPDATE balances SET balance = balance - $2::numeric WHERE payer = $1 AND balance >= $2::numeric",
		addrKey(payer), amountWei.String(),
	)
	if err != nil {
		return false, storageErr("debit failed", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Balance returns the payer's balance, zero if no row exists.
func (s *Store) Balance(ctx context.Context, payer common.Address) (*big.Int, error) {
	return s.balance(ctx, addrKey(payer))
}

// Reserve consumes an authorization id via conditional insert; the unique
// constraint makes check-then-reserve atomic across instances, and the table
// survives restarts unlike an in-process set.
func (s *Store) Reserve(ctx context.Context, authorizationID string) (bool, error) {
	tag, err := s.db.Exec(ctx,
		"INSERT INTO consumed_authorizations (id) VALUES ($1) ON CONFLICT (id) DO NOTHING",
		authorizationID,
	)
	if err != nil {
		return false, storageErr("authorization reserve failed", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) balance(ctx context.Context, payerKey string) (*big.Int, error) {
	var balanceStr string
	err := s.db.QueryRow(ctx, "SELECT balance::text FROM balances WHERE payer = $1", payerKey).Scan(&balanceStr)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return big.NewInt(0), nil
		}
		return nil, storageErr("balance query failed", err)
	}

	balance, ok := new(big.Int).SetString(balanceStr, 10)
	if !ok {
		return nil, storageErr("balance parse failed", fmt.Errorf("unparseable balance %q", balanceStr))
	}
	return balance, nil
}

func (s *Store) balanceTx(ctx context.Context, tx pgx.Tx, payerKey string) (*big.Int, error) {
	var balanceStr string
	err := tx.QueryRow(ctx, "SELECT balance::text FROM balances WHERE payer = $1", payerKey).Scan(&balanceStr)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return big.NewInt(0), nil
		}
		return nil, storageErr("balance query failed", err)
	}

	balance, ok := new(big.Int).SetString(balanceStr, 10)
	if !ok {
		return nil, storageErr("balance parse failed", fmt.Errorf("unparseable balance %q", balanceStr))
	}
	return balance, nil
}

// addrKey lowers an address for storage so equality is case-insensitive.
func addrKey(addr common.Address) string {
	return strings.ToLower(addr.Hex())
}

func storageErr(msg string, err error) error {
	return &types.Error{
		Code:    types.ErrStorageFailure,
		Message: fmt.Sprintf("%s: %v", msg, err),
	}
}
