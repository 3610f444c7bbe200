// Package escrow moves money between requester, provider, and platform
// wallets as services progress through their lifecycle.
//
// Each operation is one atomic unit spanning the wallet adjustment, the
// ledger entries, and the service record. Settlement is idempotent: the
// service row carries the transaction references, and an operation that
// finds its reference already set refuses with ErrAlreadySettled.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/minhctran/vieclance/internal/idgen"
	"github.com/minhctran/vieclance/internal/ledger"
	"github.com/minhctran/vieclance/internal/logging"
	"github.com/minhctran/vieclance/internal/metrics"
	"github.com/minhctran/vieclance/internal/notify"
	"github.com/minhctran/vieclance/internal/services"
	"github.com/minhctran/vieclance/internal/syncutil"
	"github.com/minhctran/vieclance/internal/traces"
)

// FeeSplit configures how a released escrow divides between the provider
// and the platform.
type FeeSplit struct {
	// ProviderPercent is the provider's share in whole percent.
	ProviderPercent int64
}

// Split divides amount into the provider share and the platform fee.
// The two always sum to amount exactly; rounding favors the provider.
func (f FeeSplit) Split(amount int64) (provider, fee int64) {
	fee = amount * (100 - f.ProviderPercent) / 100
	return amount - fee, fee
}

// Hold describes an escrow hold to apply atomically: debit the requester
// and bind the hold transaction plus the provider to the service record.
type Hold struct {
	ServiceID  string
	ProviderID string
	Requester  ledger.Principal
	Txn        *ledger.Transaction
}

// Release describes a payout to apply atomically: credit the provider and
// the platform fee wallet, and close out the service record.
type Release struct {
	ServiceID string
	Provider  ledger.Principal
	PayoutTxn *ledger.Transaction
	FeeTxn    *ledger.Transaction // nil when the fee rounds to zero
}

// Refund describes an escrow refund to apply atomically: return the held
// amount to the requester and reject the service record.
type Refund struct {
	ServiceID string
	Expect    services.Status
	Requester ledger.Principal
	Txn       *ledger.Transaction
}

// Store applies escrow settlements. Each Apply call is one atomic unit:
// the wallet adjustments, the transaction inserts, and the service row
// change commit together or not at all. Implementations re-verify the
// service preconditions inside the unit.
type Store interface {
	ApplyHold(ctx context.Context, h Hold) (*services.Service, error)
	ApplyRelease(ctx context.Context, r Release) (*services.Service, error)
	ApplyRefund(ctx context.Context, r Refund) (*services.Service, error)
}

// Coordinator owns escrow business logic: validation, fee math, and
// per-service serialization. It satisfies services.EscrowCoordinator.
type Coordinator struct {
	store    Store
	services services.Store
	split    FeeSplit
	locks    syncutil.ShardedMutex
	notifier notify.Notifier
	logger   *slog.Logger
}

// NewCoordinator creates the escrow coordinator.
func NewCoordinator(store Store, svcStore services.Store, split FeeSplit, notifier notify.Notifier, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Coordinator{
		store:    store,
		services: svcStore,
		split:    split,
		notifier: notifier,
		logger:   logger,
	}
}

// Hold debits the requester for the service price and marks the service
// in progress with the provider attached.
func (c *Coordinator) Hold(ctx context.Context, serviceID, providerID string) (*services.Service, error) {
	unlock := c.locks.Lock(serviceID)
	defer unlock()

	ctx, span := traces.StartSpan(ctx, "escrow.hold",
		traces.ServiceID(serviceID), traces.Principal(providerID))
	defer span.End()

	svc, err := c.services.Get(ctx, serviceID)
	if err != nil {
		return nil, err
	}
	if svc.EscrowTxnID != "" {
		c.observe("hold", "already_settled")
		return nil, services.ErrAlreadySettled
	}
	if svc.Status != services.StatusApproved {
		c.observe("hold", "conflict")
		return nil, services.ErrConflict
	}

	requester := ledger.Principal{Kind: ledger.KindUser, ID: svc.RequesterID}
	now := time.Now().UTC()
	hold := Hold{
		ServiceID:  serviceID,
		ProviderID: providerID,
		Requester:  requester,
		Txn: &ledger.Transaction{
			ID:        idgen.WithPrefix("txn_"),
			Owner:     requester,
			Kind:      ledger.KindEscrowHold,
			Status:    ledger.StatusSuccess,
			Amount:    svc.Price,
			ServiceID: serviceID,
			Note:      "escrow hold for " + svc.Title,
			CreatedAt: now,
			SettledAt: &now,
		},
	}

	updated, err := c.store.ApplyHold(ctx, hold)
	if err != nil {
		c.observe("hold", resultLabel(err))
		return nil, fmt.Errorf("apply hold: %w", err)
	}

	c.observe("hold", "ok")
	metrics.TransactionsTotal.WithLabelValues(string(ledger.KindEscrowHold), string(ledger.StatusSuccess)).Inc()
	c.notifier.Emit(ctx, notify.Message{
		Event: notify.EventEscrowHeld, ServiceID: serviceID,
		TxnID: hold.Txn.ID, Principal: requester.Key(), Amount: svc.Price,
	})
	logging.L(ctx).Info("escrow held",
		"service_id", serviceID, "txn_id", hold.Txn.ID, "amount", svc.Price, "provider", providerID)
	return updated, nil
}

// Release pays the provider their share of the held amount and collects
// the platform fee, completing the service.
func (c *Coordinator) Release(ctx context.Context, serviceID string) (*services.Service, error) {
	unlock := c.locks.Lock(serviceID)
	defer unlock()

	ctx, span := traces.StartSpan(ctx, "escrow.release", traces.ServiceID(serviceID))
	defer span.End()

	svc, err := c.services.Get(ctx, serviceID)
	if err != nil {
		return nil, err
	}
	if svc.PayoutTxnID != "" || svc.RefundTxnID != "" {
		c.observe("release", "already_settled")
		return nil, services.ErrAlreadySettled
	}
	if svc.Status != services.StatusPendingPayout {
		c.observe("release", "conflict")
		return nil, services.ErrConflict
	}
	if svc.EscrowTxnID == "" {
		c.logger.Error("release refused: no escrow hold on record", "service_id", serviceID)
		c.observe("release", "integrity_violation")
		return nil, services.ErrIntegrityViolation
	}

	provider := ledger.Principal{Kind: ledger.KindMember, ID: svc.ProviderID}
	providerShare, fee := c.split.Split(svc.Price)
	now := time.Now().UTC()

	release := Release{
		ServiceID: serviceID,
		Provider:  provider,
		PayoutTxn: &ledger.Transaction{
			ID:        idgen.WithPrefix("txn_"),
			Owner:     provider,
			Kind:      ledger.KindEscrowRelease,
			Status:    ledger.StatusSuccess,
			Amount:    providerShare,
			ServiceID: serviceID,
			Note:      "payout for " + svc.Title,
			CreatedAt: now,
			SettledAt: &now,
		},
	}
	if fee > 0 {
		release.FeeTxn = &ledger.Transaction{
			ID:        idgen.WithPrefix("txn_"),
			Owner:     ledger.System,
			Kind:      ledger.KindFee,
			Status:    ledger.StatusSuccess,
			Amount:    fee,
			ServiceID: serviceID,
			Note:      "platform fee for " + svc.Title,
			CreatedAt: now,
			SettledAt: &now,
		}
	}

	updated, err := c.store.ApplyRelease(ctx, release)
	if err != nil {
		c.observe("release", resultLabel(err))
		return nil, fmt.Errorf("apply release: %w", err)
	}

	c.observe("release", "ok")
	metrics.TransactionsTotal.WithLabelValues(string(ledger.KindEscrowRelease), string(ledger.StatusSuccess)).Inc()
	if fee > 0 {
		metrics.TransactionsTotal.WithLabelValues(string(ledger.KindFee), string(ledger.StatusSuccess)).Inc()
		metrics.EscrowFeesVND.Add(float64(fee))
	}
	c.notifier.Emit(ctx, notify.Message{
		Event: notify.EventEscrowReleased, ServiceID: serviceID,
		TxnID: release.PayoutTxn.ID, Principal: provider.Key(), Amount: providerShare,
	})
	logging.L(ctx).Info("escrow released",
		"service_id", serviceID, "payout_txn", release.PayoutTxn.ID,
		"provider_share", providerShare, "fee", fee)
	return updated, nil
}

// Refund returns the full held amount to the requester and rejects the
// service.
func (c *Coordinator) Refund(ctx context.Context, serviceID string) (*services.Service, error) {
	unlock := c.locks.Lock(serviceID)
	defer unlock()

	ctx, span := traces.StartSpan(ctx, "escrow.refund", traces.ServiceID(serviceID))
	defer span.End()

	svc, err := c.services.Get(ctx, serviceID)
	if err != nil {
		return nil, err
	}
	if svc.RefundTxnID != "" || svc.PayoutTxnID != "" {
		c.observe("refund", "already_settled")
		return nil, services.ErrAlreadySettled
	}
	if svc.EscrowTxnID == "" {
		c.logger.Error("refund refused: no escrow hold on record", "service_id", serviceID)
		c.observe("refund", "integrity_violation")
		return nil, services.ErrIntegrityViolation
	}
	if _, ok := services.Next(svc.Status, services.EventReject); !ok {
		c.observe("refund", "conflict")
		return nil, services.ErrConflict
	}

	requester := ledger.Principal{Kind: ledger.KindUser, ID: svc.RequesterID}
	now := time.Now().UTC()
	refund := Refund{
		ServiceID: serviceID,
		Expect:    svc.Status,
		Requester: requester,
		Txn: &ledger.Transaction{
			ID:        idgen.WithPrefix("txn_"),
			Owner:     requester,
			Kind:      ledger.KindEscrowRefund,
			Status:    ledger.StatusSuccess,
			Amount:    svc.Price,
			ServiceID: serviceID,
			Note:      "escrow refund for " + svc.Title,
			CreatedAt: now,
			SettledAt: &now,
		},
	}

	updated, err := c.store.ApplyRefund(ctx, refund)
	if err != nil {
		c.observe("refund", resultLabel(err))
		return nil, fmt.Errorf("apply refund: %w", err)
	}

	c.observe("refund", "ok")
	metrics.TransactionsTotal.WithLabelValues(string(ledger.KindEscrowRefund), string(ledger.StatusSuccess)).Inc()
	c.notifier.Emit(ctx, notify.Message{
		Event: notify.EventEscrowRefunded, ServiceID: serviceID,
		TxnID: refund.Txn.ID, Principal: requester.Key(), Amount: svc.Price,
	})
	logging.L(ctx).Info("escrow refunded",
		"service_id", serviceID, "txn_id", refund.Txn.ID, "amount", svc.Price)
	return updated, nil
}

func (c *Coordinator) observe(op, result string) {
	metrics.EscrowSettlementsTotal.WithLabelValues(op, result).Inc()
}

func resultLabel(err error) string {
	switch {
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, services.ErrAlreadySettled):
		return "already_settled"
	case errors.Is(err, services.ErrConflict):
		return "conflict"
	default:
		return "error"
	}
}
