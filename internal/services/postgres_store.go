package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/minhctran/vieclance/internal/ledger"
	"github.com/minhctran/vieclance/internal/retry"
)

// PostgresStore is the production Store backed by PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a Postgres-backed store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const serviceColumns = `id, title, description, requester_id, COALESCE(provider_id, ''), price, status,
	COALESCE(escrow_txn_id, ''), COALESCE(payout_txn_id, ''), COALESCE(fee_txn_id, ''), COALESCE(refund_txn_id, ''),
	decline_reason, done_at, rating, notes, confirmed_at, created_at, updated_at`

func (s *PostgresStore) Create(ctx context.Context, svc *Service) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO services (id, title, description, requester_id, provider_id, price, status,
			escrow_txn_id, payout_txn_id, fee_txn_id, refund_txn_id,
			decline_reason, done_at, rating, notes, confirmed_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7,
			NULLIF($8, ''), NULLIF($9, ''), NULLIF($10, ''), NULLIF($11, ''),
			$12, $13, $14, $15, $16, $17, $18)`,
		svc.ID, svc.Title, svc.Description, svc.RequesterID, svc.ProviderID, svc.Price, svc.Status,
		svc.EscrowTxnID, svc.PayoutTxnID, svc.FeeTxnID, svc.RefundTxnID,
		svc.DeclineReason, completionDoneAt(svc), completionRating(svc), completionNotes(svc),
		completionConfirmedAt(svc), svc.CreatedAt, svc.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert service: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Service, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+serviceColumns+` FROM services WHERE id = $1`, id)
	return scanService(row)
}

func (s *PostgresStore) List(ctx context.Context, q ListQuery) ([]*Service, error) {
	query := `SELECT ` + serviceColumns + ` FROM services WHERE 1=1`
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}

	if q.Status != "" {
		query += ` AND status = ` + arg(q.Status)
	}
	if q.RequesterID != "" {
		query += ` AND requester_id = ` + arg(q.RequesterID)
	}
	if q.ProviderID != "" {
		query += ` AND provider_id = ` + arg(q.ProviderID)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if q.Limit > 0 {
		query += ` LIMIT ` + arg(q.Limit)
	}
	if q.Offset > 0 {
		query += ` OFFSET ` + arg(q.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list services: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Service
	for rows.Next() {
		svc, err := scanService(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, svc)
	}
	return out, rows.Err()
}

// Update retries serialization failures; apply must be safe to re-run.
func (s *PostgresStore) Update(ctx context.Context, id string, expect Status, apply func(*Service) error) (*Service, error) {
	var svc *Service
	err := retry.Do(ctx, 3, 50*time.Millisecond, func() error {
		var err error
		svc, err = s.updateOnce(ctx, id, expect, apply)
		if err != nil && !ledger.IsSerializationFailure(err) {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return svc, nil
}

func (s *PostgresStore) updateOnce(ctx context.Context, id string, expect Status, apply func(*Service) error) (*Service, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	svc, err := getForUpdate(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if svc.Status != expect {
		return nil, ErrConflict
	}
	if err := apply(svc); err != nil {
		return nil, err
	}
	svc.UpdatedAt = time.Now().UTC()

	if err := updateRow(ctx, tx, svc); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return svc, nil
}

// getForUpdate loads a service row with a row lock inside tx.
func getForUpdate(ctx context.Context, tx *sql.Tx, id string) (*Service, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT `+serviceColumns+` FROM services WHERE id = $1 FOR UPDATE`, id)
	return scanService(row)
}

// updateRow writes every mutable column of a service inside tx.
func updateRow(ctx context.Context, tx *sql.Tx, svc *Service) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE services
		SET title = $2, description = $3, provider_id = NULLIF($4, ''), price = $5, status = $6,
		    escrow_txn_id = NULLIF($7, ''), payout_txn_id = NULLIF($8, ''),
		    fee_txn_id = NULLIF($9, ''), refund_txn_id = NULLIF($10, ''),
		    decline_reason = $11, done_at = $12, rating = $13, notes = $14, confirmed_at = $15,
		    updated_at = $16
		WHERE id = $1`,
		svc.ID, svc.Title, svc.Description, svc.ProviderID, svc.Price, svc.Status,
		svc.EscrowTxnID, svc.PayoutTxnID, svc.FeeTxnID, svc.RefundTxnID,
		svc.DeclineReason, completionDoneAt(svc), completionRating(svc), completionNotes(svc),
		completionConfirmedAt(svc), svc.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update service: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanService(row rowScanner) (*Service, error) {
	svc := &Service{}
	var doneAt, confirmedAt sql.NullTime
	var rating int
	var notes string

	err := row.Scan(&svc.ID, &svc.Title, &svc.Description, &svc.RequesterID, &svc.ProviderID,
		&svc.Price, &svc.Status,
		&svc.EscrowTxnID, &svc.PayoutTxnID, &svc.FeeTxnID, &svc.RefundTxnID,
		&svc.DeclineReason, &doneAt, &rating, &notes, &confirmedAt,
		&svc.CreatedAt, &svc.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan service: %w", err)
	}

	// done_at is the presence marker for the completion record.
	if doneAt.Valid {
		svc.Completion = &Completion{DoneAt: doneAt.Time, Rating: rating, Notes: notes}
		if confirmedAt.Valid {
			t := confirmedAt.Time
			svc.Completion.ConfirmedAt = &t
		}
	}
	return svc, nil
}

func completionDoneAt(svc *Service) any {
	if svc.Completion == nil {
		return nil
	}
	return svc.Completion.DoneAt
}

func completionRating(svc *Service) int {
	if svc.Completion == nil {
		return 0
	}
	return svc.Completion.Rating
}

func completionNotes(svc *Service) string {
	if svc.Completion == nil {
		return ""
	}
	return svc.Completion.Notes
}

func completionConfirmedAt(svc *Service) any {
	if svc.Completion == nil || svc.Completion.ConfirmedAt == nil {
		return nil
	}
	return *svc.Completion.ConfirmedAt
}
