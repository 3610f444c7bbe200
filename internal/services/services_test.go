package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/minhctran/vieclance/internal/idgen"
)

// fakeEscrow records delegated settlement calls and applies the status
// change directly, standing in for the real coordinator.
type fakeEscrow struct {
	store   *MemoryStore
	holdErr error
	calls   []string
}

func (f *fakeEscrow) Hold(ctx context.Context, serviceID, providerID string) (*Service, error) {
	f.calls = append(f.calls, "hold")
	if f.holdErr != nil {
		return nil, f.holdErr
	}
	return f.store.Update(ctx, serviceID, StatusApproved, func(s *Service) error {
		s.Status = StatusInProgress
		s.ProviderID = providerID
		s.EscrowTxnID = idgen.WithPrefix("txn_")
		return nil
	})
}

func (f *fakeEscrow) Release(ctx context.Context, serviceID string) (*Service, error) {
	f.calls = append(f.calls, "release")
	return f.store.Update(ctx, serviceID, StatusPendingPayout, func(s *Service) error {
		s.Status = StatusCompleted
		s.PayoutTxnID = idgen.WithPrefix("txn_")
		s.FeeTxnID = idgen.WithPrefix("txn_")
		return nil
	})
}

func (f *fakeEscrow) Refund(ctx context.Context, serviceID string) (*Service, error) {
	f.calls = append(f.calls, "refund")
	return f.store.Update(ctx, serviceID, StatusPendingPayout, func(s *Service) error {
		s.Status = StatusRejected
		s.RefundTxnID = idgen.WithPrefix("txn_")
		return nil
	})
}

func newLifecycle(t *testing.T) (*Lifecycle, *MemoryStore, *fakeEscrow) {
	t.Helper()
	store := NewMemoryStore()
	escrow := &fakeEscrow{store: store}
	return NewLifecycle(store, escrow, nil), store, escrow
}

func seed(t *testing.T, store *MemoryStore, status Status) *Service {
	t.Helper()
	now := time.Now().UTC()
	svc := &Service{
		ID: idgen.WithPrefix("svc_"), Title: "Logo design", RequesterID: "u1",
		Price: 500000, Status: status, CreatedAt: now, UpdatedAt: now,
	}
	if status == StatusInProgress || status == StatusPendingConfirmation || status == StatusPendingPayout {
		svc.ProviderID = "m1"
		svc.EscrowTxnID = idgen.WithPrefix("txn_")
	}
	if status == StatusPendingConfirmation || status == StatusPendingPayout {
		svc.Completion = &Completion{DoneAt: now, Rating: 5}
	}
	if status == StatusPendingPayout {
		confirmed := now
		svc.Completion.ConfirmedAt = &confirmed
	}
	if err := store.Create(context.Background(), svc); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return svc
}

func TestCreate(t *testing.T) {
	lc, _, _ := newLifecycle(t)

	svc, err := lc.Create(context.Background(), "u1", "Sửa máy lạnh", "tại quận 3", 300000)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if svc.Status != StatusPendingApproval {
		t.Errorf("status = %s, want pending_approval", svc.Status)
	}
	if svc.ID == "" || svc.RequesterID != "u1" || svc.Price != 300000 {
		t.Errorf("unexpected service: %+v", svc)
	}
}

func TestCreateValidation(t *testing.T) {
	lc, _, _ := newLifecycle(t)

	if _, err := lc.Create(context.Background(), "u1", "", "", 100000); err == nil {
		t.Error("expected error for empty title")
	}
	if _, err := lc.Create(context.Background(), "u1", "Dịch thuật", "", 0); err == nil {
		t.Error("expected error for zero price")
	}
	if _, err := lc.Create(context.Background(), "u1", "Dịch thuật", "", -5000); err == nil {
		t.Error("expected error for negative price")
	}
}

func TestApprove(t *testing.T) {
	lc, store, _ := newLifecycle(t)
	svc := seed(t, store, StatusPendingApproval)

	got, err := lc.Approve(context.Background(), svc.ID)
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if got.Status != StatusApproved {
		t.Errorf("status = %s, want approved", got.Status)
	}

	// A second approve finds the wrong pre-state.
	if _, err := lc.Approve(context.Background(), svc.ID); !errors.Is(err, ErrConflict) {
		t.Errorf("second approve: got %v, want ErrConflict", err)
	}
}

func TestRejectPendingApproval(t *testing.T) {
	lc, store, escrow := newLifecycle(t)
	svc := seed(t, store, StatusPendingApproval)

	got, err := lc.Reject(context.Background(), svc.ID)
	if err != nil {
		t.Fatalf("Reject: %v", err)
	}
	if got.Status != StatusRejected {
		t.Errorf("status = %s, want rejected", got.Status)
	}
	// No money held yet, so the escrow coordinator stays out of it.
	if len(escrow.calls) != 0 {
		t.Errorf("escrow calls = %v, want none", escrow.calls)
	}
}

func TestRejectPendingPayoutRefunds(t *testing.T) {
	lc, store, escrow := newLifecycle(t)
	svc := seed(t, store, StatusPendingPayout)

	got, err := lc.Reject(context.Background(), svc.ID)
	if err != nil {
		t.Fatalf("Reject: %v", err)
	}
	if got.Status != StatusRejected {
		t.Errorf("status = %s, want rejected", got.Status)
	}
	if got.RefundTxnID == "" {
		t.Error("expected refund transaction reference")
	}
	if len(escrow.calls) != 1 || escrow.calls[0] != "refund" {
		t.Errorf("escrow calls = %v, want [refund]", escrow.calls)
	}
}

func TestRejectTerminalStatus(t *testing.T) {
	lc, store, _ := newLifecycle(t)
	svc := seed(t, store, StatusCompleted)

	if _, err := lc.Reject(context.Background(), svc.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("got %v, want ErrInvalidTransition", err)
	}
}

func TestAccept(t *testing.T) {
	lc, store, escrow := newLifecycle(t)
	svc := seed(t, store, StatusApproved)

	got, err := lc.Accept(context.Background(), svc.ID, "m1")
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if got.Status != StatusInProgress || got.ProviderID != "m1" {
		t.Errorf("unexpected service: %+v", got)
	}
	if got.EscrowTxnID == "" {
		t.Error("expected escrow transaction reference")
	}
	if len(escrow.calls) != 1 || escrow.calls[0] != "hold" {
		t.Errorf("escrow calls = %v, want [hold]", escrow.calls)
	}
}

func TestAcceptOwnServiceForbidden(t *testing.T) {
	lc, store, escrow := newLifecycle(t)
	svc := seed(t, store, StatusApproved)

	if _, err := lc.Accept(context.Background(), svc.ID, "u1"); !errors.Is(err, ErrForbidden) {
		t.Errorf("got %v, want ErrForbidden", err)
	}
	if len(escrow.calls) != 0 {
		t.Errorf("escrow calls = %v, want none", escrow.calls)
	}
}

func TestAcceptFailsWhenHoldFails(t *testing.T) {
	lc, store, escrow := newLifecycle(t)
	svc := seed(t, store, StatusApproved)
	escrow.holdErr = errors.New("insufficient funds")

	if _, err := lc.Accept(context.Background(), svc.ID, "m1"); err == nil {
		t.Fatal("expected error when escrow hold fails")
	}

	// Listing stays open for another provider.
	got, err := store.Get(context.Background(), svc.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusApproved {
		t.Errorf("status = %s, want approved", got.Status)
	}
}

func TestMarkDone(t *testing.T) {
	lc, store, _ := newLifecycle(t)
	svc := seed(t, store, StatusInProgress)

	got, err := lc.MarkDone(context.Background(), svc.ID, "m1", 4, "xong rồi")
	if err != nil {
		t.Fatalf("MarkDone: %v", err)
	}
	if got.Status != StatusPendingConfirmation {
		t.Errorf("status = %s, want pending_confirmation", got.Status)
	}
	if got.Completion == nil || got.Completion.Rating != 4 || got.Completion.DoneAt.IsZero() {
		t.Errorf("unexpected completion: %+v", got.Completion)
	}
}

func TestMarkDoneWrongProvider(t *testing.T) {
	lc, store, _ := newLifecycle(t)
	svc := seed(t, store, StatusInProgress)

	if _, err := lc.MarkDone(context.Background(), svc.ID, "m2", 0, ""); !errors.Is(err, ErrForbidden) {
		t.Errorf("got %v, want ErrForbidden", err)
	}

	got, _ := store.Get(context.Background(), svc.ID)
	if got.Status != StatusInProgress {
		t.Errorf("status = %s, want in_progress (failed apply must not persist)", got.Status)
	}
}

func TestMarkDoneInvalidRating(t *testing.T) {
	lc, store, _ := newLifecycle(t)
	svc := seed(t, store, StatusInProgress)

	if _, err := lc.MarkDone(context.Background(), svc.ID, "m1", 6, ""); err == nil {
		t.Error("expected error for rating out of range")
	}
}

func TestConfirmCompletion(t *testing.T) {
	lc, store, _ := newLifecycle(t)
	svc := seed(t, store, StatusPendingConfirmation)

	got, err := lc.ConfirmCompletion(context.Background(), svc.ID, "u1")
	if err != nil {
		t.Fatalf("ConfirmCompletion: %v", err)
	}
	if got.Status != StatusPendingPayout {
		t.Errorf("status = %s, want pending_payout", got.Status)
	}
	if got.Completion == nil || got.Completion.ConfirmedAt == nil {
		t.Error("expected confirmed completion record")
	}
}

func TestConfirmCompletionWrongRequester(t *testing.T) {
	lc, store, _ := newLifecycle(t)
	svc := seed(t, store, StatusPendingConfirmation)

	if _, err := lc.ConfirmCompletion(context.Background(), svc.ID, "u2"); !errors.Is(err, ErrForbidden) {
		t.Errorf("got %v, want ErrForbidden", err)
	}
}

func TestConfirmCompletionWithoutRecord(t *testing.T) {
	lc, store, _ := newLifecycle(t)
	svc := seed(t, store, StatusPendingConfirmation)

	// Corrupt the record: pending_confirmation with no completion.
	if _, err := store.Update(context.Background(), svc.ID, StatusPendingConfirmation, func(s *Service) error {
		s.Completion = nil
		return nil
	}); err != nil {
		t.Fatalf("corrupt: %v", err)
	}

	if _, err := lc.ConfirmCompletion(context.Background(), svc.ID, "u1"); !errors.Is(err, ErrIntegrityViolation) {
		t.Errorf("got %v, want ErrIntegrityViolation", err)
	}
}

func TestDeclineLoopsBackToInProgress(t *testing.T) {
	lc, store, _ := newLifecycle(t)
	svc := seed(t, store, StatusPendingConfirmation)

	got, err := lc.Decline(context.Background(), svc.ID, "u1", "chưa đúng yêu cầu")
	if err != nil {
		t.Fatalf("Decline: %v", err)
	}
	if got.Status != StatusInProgress {
		t.Errorf("status = %s, want in_progress", got.Status)
	}
	if got.DeclineReason == "" {
		t.Error("expected decline reason to be recorded")
	}
	if got.Completion != nil {
		t.Error("expected completion record to be cleared on decline")
	}

	// The provider can mark done again and the reason is cleared.
	redone, err := lc.MarkDone(context.Background(), svc.ID, "m1", 5, "")
	if err != nil {
		t.Fatalf("MarkDone after decline: %v", err)
	}
	if redone.DeclineReason != "" {
		t.Errorf("decline reason = %q, want cleared", redone.DeclineReason)
	}
}

func TestDeclineRequiresReason(t *testing.T) {
	lc, store, _ := newLifecycle(t)
	svc := seed(t, store, StatusPendingConfirmation)

	if _, err := lc.Decline(context.Background(), svc.ID, "u1", ""); err == nil {
		t.Error("expected error for empty reason")
	}
}

func TestApprovePayout(t *testing.T) {
	lc, store, escrow := newLifecycle(t)
	svc := seed(t, store, StatusPendingPayout)

	got, err := lc.ApprovePayout(context.Background(), svc.ID)
	if err != nil {
		t.Fatalf("ApprovePayout: %v", err)
	}
	if got.Status != StatusCompleted {
		t.Errorf("status = %s, want completed", got.Status)
	}
	if got.PayoutTxnID == "" {
		t.Error("expected payout transaction reference")
	}
	if len(escrow.calls) != 1 || escrow.calls[0] != "release" {
		t.Errorf("escrow calls = %v, want [release]", escrow.calls)
	}
}

func TestApprovePayoutRefusedWithoutHold(t *testing.T) {
	lc, store, escrow := newLifecycle(t)
	svc := seed(t, store, StatusPendingPayout)

	if _, err := store.Update(context.Background(), svc.ID, StatusPendingPayout, func(s *Service) error {
		s.EscrowTxnID = ""
		return nil
	}); err != nil {
		t.Fatalf("corrupt: %v", err)
	}

	if _, err := lc.ApprovePayout(context.Background(), svc.ID); !errors.Is(err, ErrIntegrityViolation) {
		t.Errorf("got %v, want ErrIntegrityViolation", err)
	}
	if len(escrow.calls) != 0 {
		t.Errorf("escrow calls = %v, want none", escrow.calls)
	}
}

func TestApprovePayoutRefusedWithoutConfirmation(t *testing.T) {
	lc, store, _ := newLifecycle(t)
	svc := seed(t, store, StatusPendingPayout)

	if _, err := store.Update(context.Background(), svc.ID, StatusPendingPayout, func(s *Service) error {
		s.Completion.ConfirmedAt = nil
		return nil
	}); err != nil {
		t.Fatalf("corrupt: %v", err)
	}

	if _, err := lc.ApprovePayout(context.Background(), svc.ID); !errors.Is(err, ErrIntegrityViolation) {
		t.Errorf("got %v, want ErrIntegrityViolation", err)
	}
}

func TestTransitionTableIsClosed(t *testing.T) {
	// Terminal statuses accept no events at all.
	for _, status := range []Status{StatusCompleted, StatusRejected} {
		for _, event := range []Event{EventApprove, EventReject, EventAccept, EventMarkDone, EventConfirm, EventDecline, EventPayout} {
			if _, ok := Next(status, event); ok {
				t.Errorf("Next(%s, %s) allowed, want refused", status, event)
			}
		}
	}

	// A few spot checks on the open paths.
	if next, ok := Next(StatusPendingConfirmation, EventDecline); !ok || next != StatusInProgress {
		t.Errorf("decline from pending_confirmation: got (%s, %v)", next, ok)
	}
	if next, ok := Next(StatusPendingPayout, EventReject); !ok || next != StatusRejected {
		t.Errorf("reject from pending_payout: got (%s, %v)", next, ok)
	}
	if _, ok := Next(StatusApproved, EventMarkDone); ok {
		t.Error("mark_done from approved should be refused")
	}
}

func TestListFilters(t *testing.T) {
	lc, store, _ := newLifecycle(t)
	seed(t, store, StatusApproved)
	seed(t, store, StatusApproved)
	seed(t, store, StatusRejected)

	got, err := lc.List(context.Background(), ListQuery{Status: StatusApproved})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("len = %d, want 2", len(got))
	}
}
