package escrow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/minhctran/vieclance/internal/ledger"
	"github.com/minhctran/vieclance/internal/retry"
	"github.com/minhctran/vieclance/internal/services"
)

// PostgresStore applies escrow settlements as single serializable SQL
// transactions spanning the wallets, transactions, and services tables.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a Postgres-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) ApplyHold(ctx context.Context, h Hold) (*services.Service, error) {
	var svc *services.Service
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		current, err := lockService(ctx, tx, h.ServiceID)
		if err != nil {
			return err
		}
		if current.EscrowTxnID != "" {
			return services.ErrAlreadySettled
		}
		if current.Status != services.StatusApproved {
			return services.ErrConflict
		}

		if err := ensureWallet(ctx, tx, h.Requester); err != nil {
			return err
		}
		if err := insertTxn(ctx, tx, h.Txn); err != nil {
			return err
		}
		if err := adjustBalance(ctx, tx, h.Requester, -h.Txn.Amount, h.Txn.ID); err != nil {
			return err
		}

		svc, err = transitionService(ctx, tx, h.ServiceID, `
			UPDATE services
			SET status = $2, provider_id = $3, escrow_txn_id = $4, updated_at = $5
			WHERE id = $1`,
			services.StatusInProgress, h.ProviderID, h.Txn.ID, time.Now().UTC())
		return err
	})
	if err != nil {
		return nil, err
	}
	return svc, nil
}

func (s *PostgresStore) ApplyRelease(ctx context.Context, r Release) (*services.Service, error) {
	var svc *services.Service
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		current, err := lockService(ctx, tx, r.ServiceID)
		if err != nil {
			return err
		}
		if current.PayoutTxnID != "" || current.RefundTxnID != "" {
			return services.ErrAlreadySettled
		}
		if current.Status != services.StatusPendingPayout {
			return services.ErrConflict
		}

		if err := ensureWallet(ctx, tx, r.Provider); err != nil {
			return err
		}
		if err := insertTxn(ctx, tx, r.PayoutTxn); err != nil {
			return err
		}
		if err := adjustBalance(ctx, tx, r.Provider, r.PayoutTxn.Amount, r.PayoutTxn.ID); err != nil {
			return err
		}

		feeTxnID := ""
		if r.FeeTxn != nil {
			feeTxnID = r.FeeTxn.ID
			if err := ensureWallet(ctx, tx, ledger.System); err != nil {
				return err
			}
			if err := insertTxn(ctx, tx, r.FeeTxn); err != nil {
				return err
			}
			if err := adjustBalance(ctx, tx, ledger.System, r.FeeTxn.Amount, r.FeeTxn.ID); err != nil {
				return err
			}
		}

		svc, err = transitionService(ctx, tx, r.ServiceID, `
			UPDATE services
			SET status = $2, payout_txn_id = $3, fee_txn_id = NULLIF($4, ''), updated_at = $5
			WHERE id = $1`,
			services.StatusCompleted, r.PayoutTxn.ID, feeTxnID, time.Now().UTC())
		return err
	})
	if err != nil {
		return nil, err
	}
	return svc, nil
}

func (s *PostgresStore) ApplyRefund(ctx context.Context, r Refund) (*services.Service, error) {
	var svc *services.Service
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		current, err := lockService(ctx, tx, r.ServiceID)
		if err != nil {
			return err
		}
		if current.RefundTxnID != "" || current.PayoutTxnID != "" {
			return services.ErrAlreadySettled
		}
		if current.Status != r.Expect {
			return services.ErrConflict
		}

		if err := ensureWallet(ctx, tx, r.Requester); err != nil {
			return err
		}
		if err := insertTxn(ctx, tx, r.Txn); err != nil {
			return err
		}
		if err := adjustBalance(ctx, tx, r.Requester, r.Txn.Amount, r.Txn.ID); err != nil {
			return err
		}

		svc, err = transitionService(ctx, tx, r.ServiceID, `
			UPDATE services
			SET status = $2, refund_txn_id = $3, updated_at = $4
			WHERE id = $1`,
			services.StatusRejected, r.Txn.ID, time.Now().UTC())
		return err
	})
	if err != nil {
		return nil, err
	}
	return svc, nil
}

// inTx runs fn in one serializable transaction, retrying serialization
// failures. The per-operation precondition checks make re-runs safe.
func (s *PostgresStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return retry.Do(ctx, 3, 50*time.Millisecond, func() error {
		err := s.inTxOnce(ctx, fn)
		if err != nil && !ledger.IsSerializationFailure(err) {
			return retry.Permanent(err)
		}
		return err
	})
}

func (s *PostgresStore) inTxOnce(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// lockService loads the settlement-relevant columns of a service row with
// a row lock.
func lockService(ctx context.Context, tx *sql.Tx, id string) (*services.Service, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT id, status, COALESCE(escrow_txn_id, ''), COALESCE(payout_txn_id, ''), COALESCE(refund_txn_id, '')
		FROM services
		WHERE id = $1
		FOR UPDATE`, id)

	svc := &services.Service{}
	if err := row.Scan(&svc.ID, &svc.Status, &svc.EscrowTxnID, &svc.PayoutTxnID, &svc.RefundTxnID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, services.ErrNotFound
		}
		return nil, fmt.Errorf("lock service: %w", err)
	}
	return svc, nil
}

// transitionService runs the row update then reloads the full record.
func transitionService(ctx context.Context, tx *sql.Tx, id, query string, args ...any) (*services.Service, error) {
	all := append([]any{id}, args...)
	if _, err := tx.ExecContext(ctx, query, all...); err != nil {
		return nil, fmt.Errorf("update service: %w", err)
	}

	row := tx.QueryRowContext(ctx, `
		SELECT id, title, description, requester_id, COALESCE(provider_id, ''), price, status,
			COALESCE(escrow_txn_id, ''), COALESCE(payout_txn_id, ''), COALESCE(fee_txn_id, ''), COALESCE(refund_txn_id, ''),
			decline_reason, done_at, rating, notes, confirmed_at, created_at, updated_at
		FROM services WHERE id = $1`, id)

	svc := &services.Service{}
	var doneAt, confirmedAt sql.NullTime
	var rating int
	var notes string
	err := row.Scan(&svc.ID, &svc.Title, &svc.Description, &svc.RequesterID, &svc.ProviderID,
		&svc.Price, &svc.Status,
		&svc.EscrowTxnID, &svc.PayoutTxnID, &svc.FeeTxnID, &svc.RefundTxnID,
		&svc.DeclineReason, &doneAt, &rating, &notes, &confirmedAt,
		&svc.CreatedAt, &svc.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("reload service: %w", err)
	}
	if doneAt.Valid {
		svc.Completion = &services.Completion{DoneAt: doneAt.Time, Rating: rating, Notes: notes}
		if confirmedAt.Valid {
			t := confirmedAt.Time
			svc.Completion.ConfirmedAt = &t
		}
	}
	return svc, nil
}

func ensureWallet(ctx context.Context, tx *sql.Tx, owner ledger.Principal) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO wallets (owner_kind, owner_id, balance, reconciled_balance, created_at, updated_at)
		VALUES ($1, $2, 0, 0, now(), now())
		ON CONFLICT (owner_kind, owner_id) DO NOTHING`,
		owner.Kind, owner.ID)
	if err != nil {
		return fmt.Errorf("ensure wallet: %w", err)
	}
	return nil
}

func adjustBalance(ctx context.Context, tx *sql.Tx, owner ledger.Principal, delta int64, txnID string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE wallets
		SET balance = balance + $3, updated_at = now()
		WHERE owner_kind = $1 AND owner_id = $2`,
		owner.Kind, owner.ID, delta)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23514" {
			return ledger.ErrInsufficientFunds
		}
		return fmt.Errorf("adjust balance: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO wallet_transactions (owner_kind, owner_id, txn_id)
		VALUES ($1, $2, $3)`,
		owner.Kind, owner.ID, txnID)
	if err != nil {
		return fmt.Errorf("append wallet transaction ref: %w", err)
	}
	return nil
}

func insertTxn(ctx context.Context, tx *sql.Tx, txn *ledger.Transaction) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO transactions (id, owner_kind, owner_id, kind, status, amount, service_id, note, created_at, settled_at)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8, $9, $10)`,
		txn.ID, txn.Owner.Kind, txn.Owner.ID, txn.Kind, txn.Status, txn.Amount,
		txn.ServiceID, txn.Note, txn.CreatedAt, txn.SettledAt)
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}
