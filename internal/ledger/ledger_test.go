package ledger

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newTestLedger(t *testing.T) (*Ledger, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	return New(store, nil), store
}

func TestRequestDepositStaysPending(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	owner := Principal{Kind: KindUser, ID: "u1"}

	txn, err := l.RequestDeposit(ctx, owner, 500_000, "bank ref 123")
	if err != nil {
		t.Fatalf("RequestDeposit: %v", err)
	}
	if txn.Status != StatusPending {
		t.Errorf("status = %s, want pending", txn.Status)
	}
	if txn.Kind != KindDeposit {
		t.Errorf("kind = %s, want deposit", txn.Kind)
	}

	w, err := l.Balance(ctx, owner)
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if w.Balance != 0 {
		t.Errorf("balance credited before confirmation: %d", w.Balance)
	}
}

func TestConfirmDepositCreditsBalance(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	owner := Principal{Kind: KindUser, ID: "u1"}

	txn, err := l.RequestDeposit(ctx, owner, 500_000, "")
	if err != nil {
		t.Fatalf("RequestDeposit: %v", err)
	}

	settled, err := l.Confirm(ctx, txn.ID)
	if err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if settled.Status != StatusSuccess {
		t.Errorf("status = %s, want success", settled.Status)
	}
	if settled.SettledAt == nil {
		t.Error("SettledAt not set on settlement")
	}

	w, _ := l.Balance(ctx, owner)
	if w.Balance != 500_000 {
		t.Errorf("balance = %d, want 500000", w.Balance)
	}
	if len(w.TransactionIDs) != 1 || w.TransactionIDs[0] != txn.ID {
		t.Errorf("transaction refs = %v, want [%s]", w.TransactionIDs, txn.ID)
	}
}

func TestConfirmIsNotRepeatable(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	owner := Principal{Kind: KindUser, ID: "u1"}

	txn, _ := l.RequestDeposit(ctx, owner, 100_000, "")
	if _, err := l.Confirm(ctx, txn.ID); err != nil {
		t.Fatalf("first Confirm: %v", err)
	}
	if _, err := l.Confirm(ctx, txn.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("second Confirm err = %v, want ErrInvalidTransition", err)
	}

	// Balance credited exactly once.
	w, _ := l.Balance(ctx, owner)
	if w.Balance != 100_000 {
		t.Errorf("balance = %d, want 100000", w.Balance)
	}
}

func TestConfirmRefusesEscrowKinds(t *testing.T) {
	l, store := newTestLedger(t)
	ctx := context.Background()
	owner := Principal{Kind: KindUser, ID: "u1"}

	now := time.Now().UTC()
	hold := &Transaction{
		ID: "txn_hold1", Owner: owner, Kind: KindEscrowHold,
		Status: StatusSuccess, Amount: 250_000, ServiceID: "svc_1",
		CreatedAt: now, SettledAt: &now,
	}
	err := store.Atomic(ctx, func(ops Ops) error {
		if _, err := ops.Wallet(owner); err != nil {
			return err
		}
		return ops.Insert(hold)
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	if _, err := l.Confirm(ctx, hold.ID); !errors.Is(err, ErrNotConfirmable) {
		t.Errorf("Confirm escrow txn err = %v, want ErrNotConfirmable", err)
	}
}

func TestRequestWithdrawReservesFunds(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	owner := Principal{Kind: KindMember, ID: "m1"}

	dep, _ := l.RequestDeposit(ctx, owner, 300_000, "")
	if _, err := l.Confirm(ctx, dep.ID); err != nil {
		t.Fatalf("Confirm deposit: %v", err)
	}

	wd, err := l.RequestWithdraw(ctx, owner, 200_000, "")
	if err != nil {
		t.Fatalf("RequestWithdraw: %v", err)
	}
	if wd.Status != StatusPending {
		t.Errorf("status = %s, want pending", wd.Status)
	}

	// Reserved immediately so it can't be spent twice.
	w, _ := l.Balance(ctx, owner)
	if w.Balance != 100_000 {
		t.Errorf("balance = %d, want 100000 after reserve", w.Balance)
	}

	// Confirming a withdrawal only settles the status.
	if _, err := l.Confirm(ctx, wd.ID); err != nil {
		t.Fatalf("Confirm withdraw: %v", err)
	}
	w, _ = l.Balance(ctx, owner)
	if w.Balance != 100_000 {
		t.Errorf("balance = %d after confirm, want 100000", w.Balance)
	}
}

func TestRequestWithdrawInsufficientFunds(t *testing.T) {
	l, store := newTestLedger(t)
	ctx := context.Background()
	owner := Principal{Kind: KindMember, ID: "m1"}

	_, err := l.RequestWithdraw(ctx, owner, 50_000, "")
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("err = %v, want ErrInsufficientFunds", err)
	}

	// The failed unit of work left nothing behind.
	txns, _ := store.ListByOwner(ctx, owner, 0)
	if len(txns) != 0 {
		t.Errorf("found %d transactions after failed withdraw, want 0", len(txns))
	}
	w, _ := l.Balance(ctx, owner)
	if w.Balance != 0 {
		t.Errorf("balance = %d, want 0", w.Balance)
	}
}

func TestCancelWithdrawReturnsReserve(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	owner := Principal{Kind: KindMember, ID: "m1"}

	dep, _ := l.RequestDeposit(ctx, owner, 300_000, "")
	_, _ = l.Confirm(ctx, dep.ID)
	wd, _ := l.RequestWithdraw(ctx, owner, 200_000, "")

	settled, err := l.Cancel(ctx, wd.ID)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if settled.Status != StatusCancelled {
		t.Errorf("status = %s, want cancelled", settled.Status)
	}

	w, _ := l.Balance(ctx, owner)
	if w.Balance != 300_000 {
		t.Errorf("balance = %d, want 300000 after cancel", w.Balance)
	}
}

func TestMarkFailedWithdrawReturnsReserve(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	owner := Principal{Kind: KindMember, ID: "m1"}

	dep, _ := l.RequestDeposit(ctx, owner, 100_000, "")
	_, _ = l.Confirm(ctx, dep.ID)
	wd, _ := l.RequestWithdraw(ctx, owner, 100_000, "")

	settled, err := l.MarkFailed(ctx, wd.ID)
	if err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	if settled.Status != StatusFailed {
		t.Errorf("status = %s, want failed", settled.Status)
	}
	w, _ := l.Balance(ctx, owner)
	if w.Balance != 100_000 {
		t.Errorf("balance = %d, want 100000", w.Balance)
	}
}

func TestCancelDepositLeavesBalance(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	owner := Principal{Kind: KindUser, ID: "u1"}

	dep, _ := l.RequestDeposit(ctx, owner, 100_000, "")
	if _, err := l.Cancel(ctx, dep.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	w, _ := l.Balance(ctx, owner)
	if w.Balance != 0 {
		t.Errorf("balance = %d, want 0", w.Balance)
	}
}

func TestInvalidAmounts(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	owner := Principal{Kind: KindUser, ID: "u1"}

	for _, amount := range []int64{0, -1, -500_000} {
		if _, err := l.RequestDeposit(ctx, owner, amount, ""); !errors.Is(err, ErrInvalidAmount) {
			t.Errorf("RequestDeposit(%d) err = %v, want ErrInvalidAmount", amount, err)
		}
		if _, err := l.RequestWithdraw(ctx, owner, amount, ""); !errors.Is(err, ErrInvalidAmount) {
			t.Errorf("RequestWithdraw(%d) err = %v, want ErrInvalidAmount", amount, err)
		}
	}
}

func TestHistoryNewestFirst(t *testing.T) {
	l, store := newTestLedger(t)
	ctx := context.Background()
	owner := Principal{Kind: KindUser, ID: "u1"}

	// Insert with explicit timestamps to make the order deterministic.
	base := time.Now().UTC().Add(-time.Hour)
	for i, id := range []string{"txn_a", "txn_b", "txn_c"} {
		err := store.Atomic(ctx, func(ops Ops) error {
			if _, err := ops.Wallet(owner); err != nil {
				return err
			}
			return ops.Insert(&Transaction{
				ID: id, Owner: owner, Kind: KindDeposit, Status: StatusPending,
				Amount: 1000, CreatedAt: base.Add(time.Duration(i) * time.Minute),
			})
		})
		if err != nil {
			t.Fatalf("seed %s: %v", id, err)
		}
	}

	txns, err := l.History(ctx, owner, 2)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(txns) != 2 {
		t.Fatalf("len = %d, want 2", len(txns))
	}
	if txns[0].ID != "txn_c" || txns[1].ID != "txn_b" {
		t.Errorf("order = %s, %s; want txn_c, txn_b", txns[0].ID, txns[1].ID)
	}
}

func TestListPendingBefore(t *testing.T) {
	_, store := newTestLedger(t)
	ctx := context.Background()
	owner := Principal{Kind: KindUser, ID: "u1"}

	now := time.Now().UTC()
	seed := []struct {
		id     string
		age    time.Duration
		status Status
	}{
		{"txn_old", 10 * time.Minute, StatusPending},
		{"txn_older", 30 * time.Minute, StatusPending},
		{"txn_fresh", time.Minute, StatusPending},
		{"txn_done", 30 * time.Minute, StatusSuccess},
	}
	for _, s := range seed {
		err := store.Atomic(ctx, func(ops Ops) error {
			if _, err := ops.Wallet(owner); err != nil {
				return err
			}
			return ops.Insert(&Transaction{
				ID: s.id, Owner: owner, Kind: KindDeposit, Status: s.status,
				Amount: 1000, CreatedAt: now.Add(-s.age),
			})
		})
		if err != nil {
			t.Fatalf("seed %s: %v", s.id, err)
		}
	}

	got, err := store.ListPendingBefore(ctx, now.Add(-5*time.Minute), 10)
	if err != nil {
		t.Fatalf("ListPendingBefore: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	// Oldest first.
	if got[0].ID != "txn_older" || got[1].ID != "txn_old" {
		t.Errorf("order = %s, %s; want txn_older, txn_old", got[0].ID, got[1].ID)
	}
}

func TestAtomicRollsBackOnError(t *testing.T) {
	_, store := newTestLedger(t)
	ctx := context.Background()
	owner := Principal{Kind: KindUser, ID: "u1"}

	boom := errors.New("boom")
	err := store.Atomic(ctx, func(ops Ops) error {
		if _, err := ops.Wallet(owner); err != nil {
			return err
		}
		if err := ops.Insert(&Transaction{ID: "txn_x", Owner: owner, Kind: KindDeposit, Status: StatusPending, Amount: 1}); err != nil {
			return err
		}
		if err := ops.AdjustBalance(owner, 1, "txn_x"); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}

	if _, err := store.GetTransaction(ctx, "txn_x"); !errors.Is(err, ErrTransactionNotFound) {
		t.Errorf("transaction persisted despite rollback: %v", err)
	}
	if _, err := store.GetWallet(ctx, owner); !errors.Is(err, ErrWalletNotFound) {
		t.Errorf("wallet persisted despite rollback: %v", err)
	}
}

func TestBalanceNeverNegative(t *testing.T) {
	_, store := newTestLedger(t)
	ctx := context.Background()
	owner := Principal{Kind: KindUser, ID: "u1"}

	err := store.Atomic(ctx, func(ops Ops) error {
		if _, err := ops.Wallet(owner); err != nil {
			return err
		}
		if err := ops.AdjustBalance(owner, 100, "txn_1"); err != nil {
			return err
		}
		return ops.AdjustBalance(owner, -101, "txn_2")
	})
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("err = %v, want ErrInsufficientFunds", err)
	}
}
