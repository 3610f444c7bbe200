package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/minhctran/vieclance/internal/retry"
)

// PostgresStore is the production Store backed by PostgreSQL.
//
// The non-negative balance invariant is enforced twice: in Go before the
// update and by a CHECK constraint on the wallets table. Atomic units run
// at serializable isolation.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a Postgres-backed store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Atomic implements Store using one serializable SQL transaction.
// Serialization failures are retried with backoff; the unit of work must
// be safe to re-run.
func (s *PostgresStore) Atomic(ctx context.Context, fn func(Ops) error) error {
	return retry.Do(ctx, 3, 50*time.Millisecond, func() error {
		err := s.atomic(ctx, fn)
		if err != nil && !IsSerializationFailure(err) {
			return retry.Permanent(err)
		}
		return err
	})
}

func (s *PostgresStore) atomic(ctx context.Context, fn func(Ops) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	ops := &pgOps{ctx: ctx, tx: tx}
	if err := fn(ops); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// IsSerializationFailure reports whether err is a Postgres serialization
// failure or deadlock, both of which are safe to retry.
func IsSerializationFailure(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	return pqErr.Code == "40001" || pqErr.Code == "40P01"
}

type pgOps struct {
	ctx context.Context
	tx  *sql.Tx
}

func (o *pgOps) Wallet(owner Principal) (*Wallet, error) {
	_, err := o.tx.ExecContext(o.ctx, `
		INSERT INTO wallets (owner_kind, owner_id, balance, reconciled_balance, created_at, updated_at)
		VALUES ($1, $2, 0, 0, now(), now())
		ON CONFLICT (owner_kind, owner_id) DO NOTHING`,
		owner.Kind, owner.ID)
	if err != nil {
		return nil, fmt.Errorf("ensure wallet: %w", err)
	}

	row := o.tx.QueryRowContext(o.ctx, `
		SELECT balance, reconciled_balance, reconciled_at, created_at, updated_at
		FROM wallets
		WHERE owner_kind = $1 AND owner_id = $2
		FOR UPDATE`,
		owner.Kind, owner.ID)

	w := &Wallet{Owner: owner}
	if err := row.Scan(&w.Balance, &w.ReconciledBalance, &w.ReconciledAt, &w.CreatedAt, &w.UpdatedAt); err != nil {
		return nil, fmt.Errorf("load wallet: %w", err)
	}
	return w, nil
}

func (o *pgOps) AdjustBalance(owner Principal, delta int64, txnID string) error {
	res, err := o.tx.ExecContext(o.ctx, `
		UPDATE wallets
		SET balance = balance + $3, updated_at = now()
		WHERE owner_kind = $1 AND owner_id = $2`,
		owner.Kind, owner.ID, delta)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23514" {
			// CHECK (balance >= 0) violated
			return ErrInsufficientFunds
		}
		return fmt.Errorf("adjust balance: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("adjust balance: %w", err)
	}
	if n == 0 {
		return ErrWalletNotFound
	}

	_, err = o.tx.ExecContext(o.ctx, `
		INSERT INTO wallet_transactions (owner_kind, owner_id, txn_id)
		VALUES ($1, $2, $3)`,
		owner.Kind, owner.ID, txnID)
	if err != nil {
		return fmt.Errorf("append wallet transaction ref: %w", err)
	}
	return nil
}

func (o *pgOps) Insert(txn *Transaction) error {
	if txn.CreatedAt.IsZero() {
		txn.CreatedAt = time.Now().UTC()
	}
	_, err := o.tx.ExecContext(o.ctx, `
		INSERT INTO transactions (id, owner_kind, owner_id, kind, status, amount, service_id, note, created_at, settled_at)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8, $9, $10)`,
		txn.ID, txn.Owner.Kind, txn.Owner.ID, txn.Kind, txn.Status, txn.Amount,
		txn.ServiceID, txn.Note, txn.CreatedAt, txn.SettledAt)
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

func (o *pgOps) Get(id string) (*Transaction, error) {
	row := o.tx.QueryRowContext(o.ctx, `
		SELECT id, owner_kind, owner_id, kind, status, amount, COALESCE(service_id, ''), note, created_at, settled_at
		FROM transactions
		WHERE id = $1
		FOR UPDATE`, id)
	return scanTxn(row)
}

func (o *pgOps) Transition(id string, from, to Status) (*Transaction, error) {
	row := o.tx.QueryRowContext(o.ctx, `
		UPDATE transactions
		SET status = $3,
		    settled_at = CASE WHEN $4 THEN now() ELSE settled_at END
		WHERE id = $1 AND status = $2
		RETURNING id, owner_kind, owner_id, kind, status, amount, COALESCE(service_id, ''), note, created_at, settled_at`,
		id, from, to, to.IsTerminal())

	txn, err := scanTxn(row)
	if err == nil {
		return txn, nil
	}
	if !errors.Is(err, ErrTransactionNotFound) {
		return nil, err
	}

	// Distinguish "does not exist" from "not in the expected status".
	var exists bool
	if err := o.tx.QueryRowContext(o.ctx,
		`SELECT EXISTS (SELECT 1 FROM transactions WHERE id = $1)`, id).Scan(&exists); err != nil {
		return nil, fmt.Errorf("check transaction: %w", err)
	}
	if !exists {
		return nil, ErrTransactionNotFound
	}
	return nil, ErrInvalidTransition
}

func (s *PostgresStore) GetOrCreateWallet(ctx context.Context, owner Principal) (*Wallet, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO wallets (owner_kind, owner_id, balance, reconciled_balance, created_at, updated_at)
		VALUES ($1, $2, 0, 0, now(), now())
		ON CONFLICT (owner_kind, owner_id) DO NOTHING`,
		owner.Kind, owner.ID)
	if err != nil {
		return nil, fmt.Errorf("ensure wallet: %w", err)
	}
	return s.GetWallet(ctx, owner)
}

func (s *PostgresStore) GetWallet(ctx context.Context, owner Principal) (*Wallet, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT balance, reconciled_balance, reconciled_at, created_at, updated_at
		FROM wallets
		WHERE owner_kind = $1 AND owner_id = $2`,
		owner.Kind, owner.ID)

	w := &Wallet{Owner: owner}
	if err := row.Scan(&w.Balance, &w.ReconciledBalance, &w.ReconciledAt, &w.CreatedAt, &w.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrWalletNotFound
		}
		return nil, fmt.Errorf("load wallet: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT txn_id FROM wallet_transactions
		WHERE owner_kind = $1 AND owner_id = $2
		ORDER BY seq`,
		owner.Kind, owner.ID)
	if err != nil {
		return nil, fmt.Errorf("load wallet transaction refs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan transaction ref: %w", err)
		}
		w.TransactionIDs = append(w.TransactionIDs, id)
	}
	return w, rows.Err()
}

func (s *PostgresStore) ListWallets(ctx context.Context, offset, limit int) ([]*Wallet, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT owner_kind, owner_id, balance, reconciled_balance, reconciled_at, created_at, updated_at
		FROM wallets
		ORDER BY owner_kind, owner_id
		OFFSET $1 LIMIT $2`,
		offset, limit)
	if err != nil {
		return nil, fmt.Errorf("list wallets: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Wallet
	for rows.Next() {
		w := &Wallet{}
		if err := rows.Scan(&w.Owner.Kind, &w.Owner.ID, &w.Balance, &w.ReconciledBalance, &w.ReconciledAt, &w.CreatedAt, &w.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan wallet: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SetReconciledBalance(ctx context.Context, owner Principal, balance int64, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE wallets
		SET reconciled_balance = $3, reconciled_at = $4
		WHERE owner_kind = $1 AND owner_id = $2`,
		owner.Kind, owner.ID, balance, at)
	if err != nil {
		return fmt.Errorf("set reconciled balance: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrWalletNotFound
	}
	return nil
}

func (s *PostgresStore) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, owner_kind, owner_id, kind, status, amount, COALESCE(service_id, ''), note, created_at, settled_at
		FROM transactions
		WHERE id = $1`, id)
	return scanTxn(row)
}

func (s *PostgresStore) ListByOwner(ctx context.Context, owner Principal, limit int) ([]*Transaction, error) {
	query := `
		SELECT id, owner_kind, owner_id, kind, status, amount, COALESCE(service_id, ''), note, created_at, settled_at
		FROM transactions
		WHERE owner_kind = $1 AND owner_id = $2
		ORDER BY created_at DESC, id DESC`
	args := []any{owner.Kind, owner.ID}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanTxns(rows)
}

func (s *PostgresStore) ListByService(ctx context.Context, serviceID string) ([]*Transaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_kind, owner_id, kind, status, amount, COALESCE(service_id, ''), note, created_at, settled_at
		FROM transactions
		WHERE service_id = $1
		ORDER BY created_at, id`, serviceID)
	if err != nil {
		return nil, fmt.Errorf("list transactions by service: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanTxns(rows)
}

func (s *PostgresStore) ListPendingBefore(ctx context.Context, cutoff time.Time, limit int) ([]*Transaction, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_kind, owner_id, kind, status, amount, COALESCE(service_id, ''), note, created_at, settled_at
		FROM transactions
		WHERE status = 'pending' AND created_at < $1
		ORDER BY created_at, id
		LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending transactions: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanTxns(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTxn(row rowScanner) (*Transaction, error) {
	t := &Transaction{}
	err := row.Scan(&t.ID, &t.Owner.Kind, &t.Owner.ID, &t.Kind, &t.Status, &t.Amount,
		&t.ServiceID, &t.Note, &t.CreatedAt, &t.SettledAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTransactionNotFound
		}
		return nil, fmt.Errorf("scan transaction: %w", err)
	}
	return t, nil
}

func scanTxns(rows *sql.Rows) ([]*Transaction, error) {
	var out []*Transaction
	for rows.Next() {
		t, err := scanTxn(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
