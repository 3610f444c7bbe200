package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/minhctran/vieclance/internal/idgen"
	"github.com/minhctran/vieclance/internal/ledger"
	"github.com/minhctran/vieclance/internal/services"
)

// CompositeStore implements Store over separate ledger and service stores
// (the in-memory demo wiring). The money side commits first in one ledger
// unit of work; if the service row update then fails, the money is
// compensated with a reversing entry and the failure is logged loudly.
//
// The coordinator serializes operations per service, so the window where
// the two stores disagree is not visible to concurrent escrow calls.
type CompositeStore struct {
	ledger   ledger.Store
	services services.Store
	logger   *slog.Logger
}

// NewCompositeStore creates a composite escrow store.
func NewCompositeStore(ledgerStore ledger.Store, svcStore services.Store, logger *slog.Logger) *CompositeStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &CompositeStore{ledger: ledgerStore, services: svcStore, logger: logger}
}

func (s *CompositeStore) ApplyHold(ctx context.Context, h Hold) (*services.Service, error) {
	err := s.ledger.Atomic(ctx, func(ops ledger.Ops) error {
		if _, err := ops.Wallet(h.Requester); err != nil {
			return err
		}
		if err := ops.Insert(h.Txn); err != nil {
			return err
		}
		return ops.AdjustBalance(h.Requester, -h.Txn.Amount, h.Txn.ID)
	})
	if err != nil {
		return nil, err
	}

	svc, err := s.services.Update(ctx, h.ServiceID, services.StatusApproved, func(svc *services.Service) error {
		if svc.EscrowTxnID != "" {
			return services.ErrAlreadySettled
		}
		svc.Status = services.StatusInProgress
		svc.ProviderID = h.ProviderID
		svc.EscrowTxnID = h.Txn.ID
		return nil
	})
	if err != nil {
		s.compensate(ctx, h.Requester, h.Txn.Amount, h.ServiceID, "hold")
		return nil, err
	}
	return svc, nil
}

func (s *CompositeStore) ApplyRelease(ctx context.Context, r Release) (*services.Service, error) {
	err := s.ledger.Atomic(ctx, func(ops ledger.Ops) error {
		if _, err := ops.Wallet(r.Provider); err != nil {
			return err
		}
		if err := ops.Insert(r.PayoutTxn); err != nil {
			return err
		}
		if err := ops.AdjustBalance(r.Provider, r.PayoutTxn.Amount, r.PayoutTxn.ID); err != nil {
			return err
		}
		if r.FeeTxn != nil {
			if _, err := ops.Wallet(ledger.System); err != nil {
				return err
			}
			if err := ops.Insert(r.FeeTxn); err != nil {
				return err
			}
			return ops.AdjustBalance(ledger.System, r.FeeTxn.Amount, r.FeeTxn.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	svc, err := s.services.Update(ctx, r.ServiceID, services.StatusPendingPayout, func(svc *services.Service) error {
		if svc.PayoutTxnID != "" || svc.RefundTxnID != "" {
			return services.ErrAlreadySettled
		}
		svc.Status = services.StatusCompleted
		svc.PayoutTxnID = r.PayoutTxn.ID
		if r.FeeTxn != nil {
			svc.FeeTxnID = r.FeeTxn.ID
		}
		return nil
	})
	if err != nil {
		s.compensate(ctx, r.Provider, -r.PayoutTxn.Amount, r.ServiceID, "release")
		if r.FeeTxn != nil {
			s.compensate(ctx, ledger.System, -r.FeeTxn.Amount, r.ServiceID, "release_fee")
		}
		return nil, err
	}
	return svc, nil
}

func (s *CompositeStore) ApplyRefund(ctx context.Context, r Refund) (*services.Service, error) {
	err := s.ledger.Atomic(ctx, func(ops ledger.Ops) error {
		if _, err := ops.Wallet(r.Requester); err != nil {
			return err
		}
		if err := ops.Insert(r.Txn); err != nil {
			return err
		}
		return ops.AdjustBalance(r.Requester, r.Txn.Amount, r.Txn.ID)
	})
	if err != nil {
		return nil, err
	}

	svc, err := s.services.Update(ctx, r.ServiceID, r.Expect, func(svc *services.Service) error {
		if svc.RefundTxnID != "" || svc.PayoutTxnID != "" {
			return services.ErrAlreadySettled
		}
		svc.Status = services.StatusRejected
		svc.RefundTxnID = r.Txn.ID
		return nil
	})
	if err != nil {
		s.compensate(ctx, r.Requester, -r.Txn.Amount, r.ServiceID, "refund")
		return nil, err
	}
	return svc, nil
}

// compensate reverses a committed balance change after the service row
// update failed. The reversal is itself a proper ledger transaction so
// replayed balances stay consistent. A failing compensation leaves the
// books wrong and is flagged CRITICAL for operator intervention.
func (s *CompositeStore) compensate(ctx context.Context, owner ledger.Principal, delta int64, serviceID, op string) {
	// The reversal must land even when the caller's request context is
	// already cancelled; the money moved, so this write cannot be skipped.
	ctx = context.WithoutCancel(ctx)

	kind := ledger.KindEscrowRefund
	amount := delta
	if delta < 0 {
		kind = ledger.KindEscrowHold
		amount = -delta
	}
	now := time.Now().UTC()
	txn := &ledger.Transaction{
		ID:        idgen.WithPrefix("txn_"),
		Owner:     owner,
		Kind:      kind,
		Status:    ledger.StatusSuccess,
		Amount:    amount,
		ServiceID: serviceID,
		Note:      fmt.Sprintf("compensation after failed %s", op),
		CreatedAt: now,
		SettledAt: &now,
	}

	err := s.ledger.Atomic(ctx, func(ops ledger.Ops) error {
		if err := ops.Insert(txn); err != nil {
			return err
		}
		return ops.AdjustBalance(owner, delta, txn.ID)
	})
	if err != nil {
		s.logger.Error("CRITICAL: escrow compensation failed, books are inconsistent",
			"op", op, "service_id", serviceID, "owner", owner.Key(), "delta", delta, "error", err)
		return
	}
	s.logger.Warn("escrow operation compensated after service update failure",
		"op", op, "service_id", serviceID, "owner", owner.Key(), "txn_id", txn.ID)
}
