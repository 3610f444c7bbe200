// Package reconciliation replays transaction history against stored wallet
// balances and flags drift.
//
// The check is advisory. A drifted wallet is logged and counted, never
// auto-corrected; the stored balance stays authoritative until an operator
// decides otherwise.
package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/minhctran/vieclance/internal/ledger"
	"github.com/minhctran/vieclance/internal/metrics"
)

const walletPageSize = 100

// Report is the outcome of checking one wallet.
type Report struct {
	Owner   ledger.Principal `json:"owner"`
	Stored  int64            `json:"stored"`
	Derived int64            `json:"derived"`
	Diff    int64            `json:"diff"` // stored minus derived
	Drifted bool             `json:"drifted"`
}

// Summary is the outcome of a full sweep.
type Summary struct {
	Checked int       `json:"checked"`
	Drifted int       `json:"drifted"`
	RanAt   time.Time `json:"ranAt"`
}

// KindStats aggregates settled volume for one transaction kind.
type KindStats struct {
	Count  int   `json:"count"`
	Volume int64 `json:"volume"`
}

// Overview is a platform-wide money snapshot.
type Overview struct {
	Wallets      int                       `json:"wallets"`
	TotalBalance int64                     `json:"totalBalance"`
	ByKind       map[ledger.Kind]KindStats `json:"byKind"`
}

// Service derives balances from transaction history.
type Service struct {
	store     ledger.Store
	tolerance int64
	logger    *slog.Logger
}

// NewService creates a reconciliation service. Wallets whose absolute
// drift stays within tolerance are reported clean.
func NewService(store ledger.Store, tolerance int64, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if tolerance < 0 {
		tolerance = 0
	}
	return &Service{store: store, tolerance: tolerance, logger: logger}
}

// DerivedBalance replays the owner's full history. Successful transactions
// count with their kind's sign; pending withdrawals count as a debit
// because the reserve is taken at request time.
func (s *Service) DerivedBalance(ctx context.Context, owner ledger.Principal) (int64, error) {
	txns, err := s.store.ListByOwner(ctx, owner, 0)
	if err != nil {
		return 0, fmt.Errorf("list transactions: %w", err)
	}

	var sum int64
	for _, txn := range txns {
		switch {
		case txn.Status == ledger.StatusSuccess:
			sum += txn.Kind.BalanceSign() * txn.Amount
		case txn.Status == ledger.StatusPending && txn.Kind == ledger.KindWithdraw:
			sum -= txn.Amount
		}
	}
	return sum, nil
}

// Check compares one wallet's stored balance with its derived balance.
func (s *Service) Check(ctx context.Context, owner ledger.Principal) (*Report, error) {
	wallet, err := s.store.GetWallet(ctx, owner)
	if err != nil {
		return nil, err
	}
	derived, err := s.DerivedBalance(ctx, owner)
	if err != nil {
		return nil, err
	}

	diff := wallet.Balance - derived
	report := &Report{
		Owner:   owner,
		Stored:  wallet.Balance,
		Derived: derived,
		Diff:    diff,
		Drifted: abs(diff) > s.tolerance,
	}
	if report.Drifted {
		metrics.ReconciliationDriftTotal.Inc()
		s.logger.Warn("wallet balance drifted from transaction history",
			"owner", owner.Key(), "stored", wallet.Balance, "derived", derived, "diff", diff)
	}
	return report, nil
}

// SyncPrincipal checks one wallet and refreshes its reconciled-balance
// read model with the derived value.
func (s *Service) SyncPrincipal(ctx context.Context, owner ledger.Principal) (*Report, error) {
	report, err := s.Check(ctx, owner)
	if err != nil {
		return nil, err
	}
	if err := s.store.SetReconciledBalance(ctx, owner, report.Derived, time.Now().UTC()); err != nil {
		return nil, fmt.Errorf("set reconciled balance: %w", err)
	}
	return report, nil
}

// SyncAll sweeps every wallet. A wallet that fails to sync is logged and
// skipped so one bad row never aborts the sweep.
func (s *Service) SyncAll(ctx context.Context) (*Summary, error) {
	summary := &Summary{RanAt: time.Now().UTC()}

	for offset := 0; ; offset += walletPageSize {
		wallets, err := s.store.ListWallets(ctx, offset, walletPageSize)
		if err != nil {
			return nil, fmt.Errorf("list wallets: %w", err)
		}
		if len(wallets) == 0 {
			break
		}
		for _, w := range wallets {
			report, err := s.SyncPrincipal(ctx, w.Owner)
			if err != nil {
				s.logger.Warn("wallet reconciliation failed",
					"owner", w.Owner.Key(), "error", err)
				continue
			}
			summary.Checked++
			if report.Drifted {
				summary.Drifted++
			}
		}
		if len(wallets) < walletPageSize {
			break
		}
	}

	metrics.ReconciliationRunsTotal.Inc()
	s.logger.Info("reconciliation sweep finished",
		"checked", summary.Checked, "drifted", summary.Drifted)
	return summary, nil
}

// Overview aggregates settled volume across all wallets.
func (s *Service) Overview(ctx context.Context) (*Overview, error) {
	overview := &Overview{ByKind: make(map[ledger.Kind]KindStats)}

	for offset := 0; ; offset += walletPageSize {
		wallets, err := s.store.ListWallets(ctx, offset, walletPageSize)
		if err != nil {
			return nil, fmt.Errorf("list wallets: %w", err)
		}
		if len(wallets) == 0 {
			break
		}
		for _, w := range wallets {
			overview.Wallets++
			overview.TotalBalance += w.Balance

			txns, err := s.store.ListByOwner(ctx, w.Owner, 0)
			if err != nil {
				return nil, fmt.Errorf("list transactions: %w", err)
			}
			for _, txn := range txns {
				if txn.Status != ledger.StatusSuccess {
					continue
				}
				stats := overview.ByKind[txn.Kind]
				stats.Count++
				stats.Volume += txn.Amount
				overview.ByKind[txn.Kind] = stats
			}
		}
		if len(wallets) < walletPageSize {
			break
		}
	}
	return overview, nil
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
