package autoconfirm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/minhctran/vieclance/internal/idgen"
	"github.com/minhctran/vieclance/internal/ledger"
	"github.com/minhctran/vieclance/internal/notify"
)

var owner = ledger.Principal{Kind: ledger.KindUser, ID: "u1"}

func newScheduler(t *testing.T, store ledger.Store) (*Scheduler, *ledger.Ledger) {
	t.Helper()
	l := ledger.New(store, nil)
	cfg := Config{
		Interval:    time.Minute,
		GraceWindow: 5 * time.Minute,
		StaleAfter:  24 * time.Hour,
		BatchSize:   100,
	}
	return New(l, cfg, notify.Nop{}, nil), l
}

// seedPending inserts a pending transaction backdated by age. Withdraw
// reserves are taken the way RequestWithdraw would take them.
func seedPending(t *testing.T, store ledger.Store, kind ledger.Kind, amount int64, age time.Duration) string {
	t.Helper()
	txn := &ledger.Transaction{
		ID:        idgen.WithPrefix("txn_"),
		Owner:     owner,
		Kind:      kind,
		Status:    ledger.StatusPending,
		Amount:    amount,
		CreatedAt: time.Now().UTC().Add(-age),
	}
	err := store.Atomic(context.Background(), func(ops ledger.Ops) error {
		if _, err := ops.Wallet(owner); err != nil {
			return err
		}
		if err := ops.Insert(txn); err != nil {
			return err
		}
		if kind == ledger.KindWithdraw {
			return ops.AdjustBalance(owner, -amount, txn.ID)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("seed pending: %v", err)
	}
	return txn.ID
}

func fund(t *testing.T, store ledger.Store, amount int64) {
	t.Helper()
	now := time.Now().UTC()
	err := store.Atomic(context.Background(), func(ops ledger.Ops) error {
		if _, err := ops.Wallet(owner); err != nil {
			return err
		}
		txn := &ledger.Transaction{
			ID: idgen.WithPrefix("txn_"), Owner: owner, Kind: ledger.KindDeposit,
			Status: ledger.StatusSuccess, Amount: amount, CreatedAt: now, SettledAt: &now,
		}
		if err := ops.Insert(txn); err != nil {
			return err
		}
		return ops.AdjustBalance(owner, amount, txn.ID)
	})
	if err != nil {
		t.Fatalf("fund: %v", err)
	}
}

func balance(t *testing.T, store ledger.Store) int64 {
	t.Helper()
	w, err := store.GetWallet(context.Background(), owner)
	if err != nil {
		t.Fatalf("GetWallet: %v", err)
	}
	return w.Balance
}

func TestTickFinalizesDepositPastGrace(t *testing.T) {
	store := ledger.NewMemoryStore()
	sched, _ := newScheduler(t, store)

	id := seedPending(t, store, ledger.KindDeposit, 200_000, 10*time.Minute)

	stats, err := sched.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if stats.Finalized != 1 || stats.Cancelled != 0 || stats.Failed != 0 {
		t.Fatalf("stats = %+v, want 1 finalized", stats)
	}

	txn, err := store.GetTransaction(context.Background(), id)
	if err != nil {
		t.Fatalf("GetTransaction: %v", err)
	}
	if txn.Status != ledger.StatusSuccess {
		t.Errorf("status = %s, want success", txn.Status)
	}
	if txn.SettledAt == nil {
		t.Error("SettledAt not set")
	}
	if got := balance(t, store); got != 200_000 {
		t.Errorf("balance = %d, want 200000", got)
	}
}

func TestTickLeavesFreshPendingAlone(t *testing.T) {
	store := ledger.NewMemoryStore()
	sched, _ := newScheduler(t, store)

	id := seedPending(t, store, ledger.KindDeposit, 100_000, time.Minute)

	stats, err := sched.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if stats.Finalized != 0 || stats.Cancelled != 0 {
		t.Fatalf("stats = %+v, want all zero", stats)
	}

	txn, _ := store.GetTransaction(context.Background(), id)
	if txn.Status != ledger.StatusPending {
		t.Errorf("status = %s, want pending", txn.Status)
	}
	if got := balance(t, store); got != 0 {
		t.Errorf("balance = %d, want 0", got)
	}
}

func TestTickCancelsStaleWithdrawAndRefundsReserve(t *testing.T) {
	store := ledger.NewMemoryStore()
	sched, _ := newScheduler(t, store)

	fund(t, store, 500_000)
	id := seedPending(t, store, ledger.KindWithdraw, 300_000, 25*time.Hour)
	if got := balance(t, store); got != 200_000 {
		t.Fatalf("balance after reserve = %d, want 200000", got)
	}

	stats, err := sched.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if stats.Cancelled != 1 || stats.Finalized != 0 {
		t.Fatalf("stats = %+v, want 1 cancelled", stats)
	}

	txn, _ := store.GetTransaction(context.Background(), id)
	if txn.Status != ledger.StatusCancelled {
		t.Errorf("status = %s, want cancelled", txn.Status)
	}
	if got := balance(t, store); got != 500_000 {
		t.Errorf("balance = %d, want reserve returned (500000)", got)
	}
}

func TestTickNeverFinalizesStaleBacklog(t *testing.T) {
	store := ledger.NewMemoryStore()
	sched, _ := newScheduler(t, store)
	sched.cfg.BatchSize = 1 // stale set is larger than one batch

	a := seedPending(t, store, ledger.KindDeposit, 100_000, 26*time.Hour)
	b := seedPending(t, store, ledger.KindDeposit, 100_000, 25*time.Hour)

	// The cancel pass only reaches transaction a. Transaction b is also
	// past the stale cutoff and shows up in the finalize listing; it must
	// be left alone for a later cancel pass, never credited.
	stats, err := sched.Tick(context.Background())
	if err != nil {
		t.Fatalf("first Tick: %v", err)
	}
	if stats.Cancelled != 1 || stats.Finalized != 0 {
		t.Fatalf("first run stats = %+v, want 1 cancelled and 0 finalized", stats)
	}

	txnA, _ := store.GetTransaction(context.Background(), a)
	txnB, _ := store.GetTransaction(context.Background(), b)
	if txnA.Status != ledger.StatusCancelled {
		t.Errorf("oldest txn status = %s, want cancelled", txnA.Status)
	}
	if txnB.Status != ledger.StatusPending {
		t.Errorf("overflow txn status = %s, want still pending", txnB.Status)
	}
	if got := balance(t, store); got != 0 {
		t.Errorf("balance = %d, want 0 (stale deposits never credit)", got)
	}

	// The next run drains the rest of the backlog.
	stats, err = sched.Tick(context.Background())
	if err != nil {
		t.Fatalf("second Tick: %v", err)
	}
	if stats.Cancelled != 1 || stats.Finalized != 0 {
		t.Fatalf("second run stats = %+v, want 1 cancelled and 0 finalized", stats)
	}
	txnB, _ = store.GetTransaction(context.Background(), b)
	if txnB.Status != ledger.StatusCancelled {
		t.Errorf("overflow txn status after second run = %s, want cancelled", txnB.Status)
	}
	if got := balance(t, store); got != 0 {
		t.Errorf("balance after second run = %d, want 0", got)
	}
}

func TestTickIsIdempotent(t *testing.T) {
	store := ledger.NewMemoryStore()
	sched, _ := newScheduler(t, store)

	seedPending(t, store, ledger.KindDeposit, 150_000, 10*time.Minute)

	if _, err := sched.Tick(context.Background()); err != nil {
		t.Fatalf("first Tick: %v", err)
	}
	stats, err := sched.Tick(context.Background())
	if err != nil {
		t.Fatalf("second Tick: %v", err)
	}
	if stats.Finalized != 0 || stats.Cancelled != 0 || stats.Failed != 0 {
		t.Fatalf("second run stats = %+v, want all zero", stats)
	}
	if got := balance(t, store); got != 150_000 {
		t.Errorf("balance = %d, want single credit (150000)", got)
	}
}

// flakyStore fails the first N Atomic calls after arming, then delegates.
type flakyStore struct {
	ledger.Store
	failures int
}

func (s *flakyStore) Atomic(ctx context.Context, fn func(ledger.Ops) error) error {
	if s.failures > 0 {
		s.failures--
		return errors.New("storage hiccup")
	}
	return s.Store.Atomic(ctx, fn)
}

func TestTickIsolatesPerTransactionFailures(t *testing.T) {
	mem := ledger.NewMemoryStore()
	flaky := &flakyStore{Store: mem}
	sched, _ := newScheduler(t, flaky)

	a := seedPending(t, mem, ledger.KindDeposit, 100_000, 10*time.Minute)
	b := seedPending(t, mem, ledger.KindDeposit, 100_000, 9*time.Minute)

	// Oldest-first listing means the first Confirm hits transaction a.
	flaky.failures = 1
	stats, err := sched.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if stats.Failed != 1 || stats.Finalized != 1 {
		t.Fatalf("stats = %+v, want 1 failed + 1 finalized", stats)
	}

	txnA, _ := mem.GetTransaction(context.Background(), a)
	txnB, _ := mem.GetTransaction(context.Background(), b)
	if txnA.Status != ledger.StatusPending {
		t.Errorf("failed txn status = %s, want still pending", txnA.Status)
	}
	if txnB.Status != ledger.StatusSuccess {
		t.Errorf("second txn status = %s, want success", txnB.Status)
	}
}

func TestTickRefusesOverlap(t *testing.T) {
	store := ledger.NewMemoryStore()
	sched, _ := newScheduler(t, store)

	sched.ticking.Store(true)
	_, err := sched.Tick(context.Background())
	if !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("err = %v, want ErrAlreadyRunning", err)
	}
	sched.ticking.Store(false)

	if _, err := sched.Tick(context.Background()); err != nil {
		t.Fatalf("Tick after release: %v", err)
	}
}

func TestStartStop(t *testing.T) {
	store := ledger.NewMemoryStore()
	sched, _ := newScheduler(t, store)
	sched.cfg.Warmup = time.Hour // never ticks during the test

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go sched.Start(ctx)
	deadline := time.Now().Add(time.Second)
	for !sched.Running() {
		if time.Now().After(deadline) {
			t.Fatal("scheduler never reported running")
		}
		time.Sleep(5 * time.Millisecond)
	}

	sched.Stop()
	deadline = time.Now().Add(time.Second)
	for sched.Running() {
		if time.Now().After(deadline) {
			t.Fatal("scheduler never stopped")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
