// Package ledger tracks wallets and the transaction history behind them.
//
// Flow:
//  1. Requester tops up via bank transfer (pending deposit, confirmed later)
//  2. Balance funds escrow holds on accepted services
//  3. Released escrows credit provider members, minus the platform fee
//  4. Members withdraw (funds reserved at request, paid out on confirmation)
//
// All amounts are VND as int64; there are no minor units.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/minhctran/vieclance/internal/idgen"
	"github.com/minhctran/vieclance/internal/logging"
)

var (
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrInsufficientFunds   = errors.New("insufficient funds")
	ErrWalletNotFound      = errors.New("wallet not found")
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrInvalidTransition   = errors.New("invalid transaction status transition")
	// ErrNotConfirmable means the transaction kind is settled by the
	// escrow coordinator, not by manual confirmation.
	ErrNotConfirmable = errors.New("transaction kind cannot be confirmed manually")
)

// PrincipalKind distinguishes wallet owners.
type PrincipalKind string

const (
	KindUser   PrincipalKind = "user"   // requesters
	KindMember PrincipalKind = "member" // vetted providers
	KindSystem PrincipalKind = "system" // the platform itself
)

// Principal identifies a wallet owner.
type Principal struct {
	Kind PrincipalKind `json:"kind"`
	ID   string        `json:"id"`
}

// System is the platform principal whose wallet collects fees.
var System = Principal{Kind: KindSystem, ID: "platform"}

// Key returns the canonical map/lock key for a principal.
func (p Principal) Key() string {
	return string(p.Kind) + ":" + p.ID
}

func (p Principal) String() string {
	return p.Key()
}

// Kind enumerates transaction kinds.
type Kind string

const (
	KindDeposit       Kind = "deposit"
	KindWithdraw      Kind = "withdraw"
	KindEscrowHold    Kind = "escrow_hold"
	KindEscrowRelease Kind = "escrow_release"
	KindEscrowRefund  Kind = "escrow_refund"
	KindFee           Kind = "fee"
)

// ValidKind reports whether k is a known transaction kind.
func ValidKind(k Kind) bool {
	switch k {
	case KindDeposit, KindWithdraw, KindEscrowHold, KindEscrowRelease, KindEscrowRefund, KindFee:
		return true
	}
	return false
}

// BalanceSign returns the direction a successful transaction of this kind
// moves the owner's balance: +1 credits, -1 debits.
func (k Kind) BalanceSign() int64 {
	switch k {
	case KindWithdraw, KindEscrowHold:
		return -1
	default:
		return +1
	}
}

// Status enumerates transaction statuses. pending is the only non-terminal
// status; a settled transaction never changes again.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSuccess   Status = "success"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether a status is final.
func (s Status) IsTerminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusCancelled
}

// Transaction is one ledger entry. Immutable once its status is terminal.
type Transaction struct {
	ID        string     `json:"id"`
	Owner     Principal  `json:"owner"`
	Kind      Kind       `json:"kind"`
	Status    Status     `json:"status"`
	Amount    int64      `json:"amount"` // VND, always positive; Kind carries direction
	ServiceID string     `json:"serviceId,omitempty"`
	Note      string     `json:"note,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
	SettledAt *time.Time `json:"settledAt,omitempty"`
}

// Wallet holds a principal's balance plus an append-only list of the
// transactions that ever touched it.
type Wallet struct {
	Owner             Principal  `json:"owner"`
	Balance           int64      `json:"balance"` // VND, never negative
	ReconciledBalance int64      `json:"reconciledBalance"`
	ReconciledAt      *time.Time `json:"reconciledAt,omitempty"`
	TransactionIDs    []string   `json:"transactionIds"`
	CreatedAt         time.Time  `json:"createdAt"`
	UpdatedAt         time.Time  `json:"updatedAt"`
}

// Ops is the set of writes available inside one atomic unit. Everything
// done through an Ops either commits together or not at all.
type Ops interface {
	// Wallet returns the owner's wallet, creating it on first touch.
	Wallet(owner Principal) (*Wallet, error)
	// AdjustBalance moves the owner's balance by delta and appends the
	// transaction reference. Returns ErrInsufficientFunds if the result
	// would be negative.
	AdjustBalance(owner Principal, delta int64, txnID string) error
	// Insert adds a new transaction row.
	Insert(txn *Transaction) error
	// Get fetches a transaction for update.
	Get(id string) (*Transaction, error)
	// Transition moves a transaction from one status to another, setting
	// settled_at when the target is terminal. Returns ErrInvalidTransition
	// when the current status does not match from.
	Transition(id string, from, to Status) (*Transaction, error)
}

// Store persists wallets and transactions.
type Store interface {
	// Atomic runs fn inside one unit of work. All Ops writes commit
	// together or roll back together.
	Atomic(ctx context.Context, fn func(Ops) error) error

	GetOrCreateWallet(ctx context.Context, owner Principal) (*Wallet, error)
	GetWallet(ctx context.Context, owner Principal) (*Wallet, error)
	// ListWallets pages through all wallets ordered by owner key.
	ListWallets(ctx context.Context, offset, limit int) ([]*Wallet, error)
	// SetReconciledBalance refreshes the denormalized reconciled-balance
	// read model. Only the reconciliation service calls this.
	SetReconciledBalance(ctx context.Context, owner Principal, balance int64, at time.Time) error

	GetTransaction(ctx context.Context, id string) (*Transaction, error)
	// ListByOwner returns the owner's transactions newest first.
	// limit <= 0 means no limit.
	ListByOwner(ctx context.Context, owner Principal, limit int) ([]*Transaction, error)
	ListByService(ctx context.Context, serviceID string) ([]*Transaction, error)
	// ListPendingBefore returns pending transactions created before the
	// cutoff, oldest first, up to limit.
	ListPendingBefore(ctx context.Context, cutoff time.Time, limit int) ([]*Transaction, error)
}

// Ledger manages wallet balances and deposit/withdraw settlement.
type Ledger struct {
	store  Store
	logger *slog.Logger
}

// New creates a new ledger service.
func New(store Store, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{store: store, logger: logger}
}

// Store exposes the underlying store to collaborating services
// (escrow coordinator, auto-confirm scheduler, reconciliation).
func (l *Ledger) Store() Store {
	return l.store
}

// RequestDeposit records a pending deposit. The balance is not credited
// until an admin (or the auto-confirm scheduler) confirms the bank transfer.
func (l *Ledger) RequestDeposit(ctx context.Context, owner Principal, amount int64, note string) (*Transaction, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	txn := &Transaction{
		ID:        idgen.WithPrefix("txn_"),
		Owner:     owner,
		Kind:      KindDeposit,
		Status:    StatusPending,
		Amount:    amount,
		Note:      note,
		CreatedAt: time.Now().UTC(),
	}

	err := l.store.Atomic(ctx, func(ops Ops) error {
		if _, err := ops.Wallet(owner); err != nil {
			return err
		}
		return ops.Insert(txn)
	})
	if err != nil {
		return nil, fmt.Errorf("request deposit: %w", err)
	}

	observeTxn(txn.Kind, txn.Status)
	logging.L(ctx).Info("deposit requested",
		"txn_id", txn.ID, "owner", owner.Key(), "amount", amount)
	return txn, nil
}

// RequestWithdraw reserves funds and records a pending withdrawal.
// The debit happens immediately so the balance can never be spent twice;
// cancellation returns the reserve.
func (l *Ledger) RequestWithdraw(ctx context.Context, owner Principal, amount int64, note string) (*Transaction, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	txn := &Transaction{
		ID:        idgen.WithPrefix("txn_"),
		Owner:     owner,
		Kind:      KindWithdraw,
		Status:    StatusPending,
		Amount:    amount,
		Note:      note,
		CreatedAt: time.Now().UTC(),
	}

	err := l.store.Atomic(ctx, func(ops Ops) error {
		if _, err := ops.Wallet(owner); err != nil {
			return err
		}
		if err := ops.Insert(txn); err != nil {
			return err
		}
		return ops.AdjustBalance(owner, -amount, txn.ID)
	})
	if err != nil {
		if errors.Is(err, ErrInsufficientFunds) {
			return nil, ErrInsufficientFunds
		}
		return nil, fmt.Errorf("request withdraw: %w", err)
	}

	observeTxn(txn.Kind, txn.Status)
	logging.L(ctx).Info("withdrawal requested",
		"txn_id", txn.ID, "owner", owner.Key(), "amount", amount)
	return txn, nil
}

// Confirm settles a pending deposit or withdrawal. Deposits credit the
// balance on confirmation; withdrawals were already debited at request
// time, so only the status changes.
func (l *Ledger) Confirm(ctx context.Context, txnID string) (*Transaction, error) {
	var settled *Transaction
	err := l.store.Atomic(ctx, func(ops Ops) error {
		txn, err := ops.Get(txnID)
		if err != nil {
			return err
		}
		if txn.Kind != KindDeposit && txn.Kind != KindWithdraw {
			// Escrow and fee transactions are created pre-settled.
			return ErrNotConfirmable
		}
		settled, err = ops.Transition(txnID, StatusPending, StatusSuccess)
		if err != nil {
			return err
		}
		if txn.Kind == KindDeposit {
			return ops.AdjustBalance(txn.Owner, txn.Amount, txn.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	observeTxn(settled.Kind, settled.Status)
	logging.L(ctx).Info("transaction confirmed",
		"txn_id", settled.ID, "kind", settled.Kind, "owner", settled.Owner.Key(), "amount", settled.Amount)
	return settled, nil
}

// Cancel voids a pending transaction. Cancelled withdrawals return their
// reserved funds to the wallet.
func (l *Ledger) Cancel(ctx context.Context, txnID string) (*Transaction, error) {
	return l.void(ctx, txnID, StatusCancelled)
}

// MarkFailed settles a pending transaction as failed (e.g. the bank
// rejected the transfer). Failed withdrawals return their reserved funds.
func (l *Ledger) MarkFailed(ctx context.Context, txnID string) (*Transaction, error) {
	return l.void(ctx, txnID, StatusFailed)
}

func (l *Ledger) void(ctx context.Context, txnID string, to Status) (*Transaction, error) {
	var settled *Transaction
	err := l.store.Atomic(ctx, func(ops Ops) error {
		txn, err := ops.Get(txnID)
		if err != nil {
			return err
		}
		settled, err = ops.Transition(txnID, StatusPending, to)
		if err != nil {
			return err
		}
		if txn.Kind == KindWithdraw {
			// Return the reserve taken at request time.
			return ops.AdjustBalance(txn.Owner, txn.Amount, txn.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	observeTxn(settled.Kind, settled.Status)
	logging.L(ctx).Info("transaction voided",
		"txn_id", settled.ID, "kind", settled.Kind, "status", to, "owner", settled.Owner.Key())
	return settled, nil
}

// Balance returns the owner's wallet, creating it on first access.
func (l *Ledger) Balance(ctx context.Context, owner Principal) (*Wallet, error) {
	return l.store.GetOrCreateWallet(ctx, owner)
}

// History returns the owner's transactions, newest first.
func (l *Ledger) History(ctx context.Context, owner Principal, limit int) ([]*Transaction, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return l.store.ListByOwner(ctx, owner, limit)
}

// Get returns a single transaction.
func (l *Ledger) Get(ctx context.Context, txnID string) (*Transaction, error) {
	return l.store.GetTransaction(ctx, txnID)
}
