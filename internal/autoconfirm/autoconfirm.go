// Package autoconfirm is the background scheduler that settles pending
// deposits and withdrawals on the owner's behalf.
//
// Every run makes two passes over pending transactions: anything pending
// longer than the stale timeout is cancelled (withdraw reserves are
// returned), and anything past the confirmation grace window is finalized
// as success. One misbehaving transaction never blocks the rest of the
// batch.
package autoconfirm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/minhctran/vieclance/internal/ledger"
	"github.com/minhctran/vieclance/internal/metrics"
	"github.com/minhctran/vieclance/internal/notify"
	"github.com/minhctran/vieclance/internal/traces"
)

// ErrAlreadyRunning means a tick was requested while the previous run is
// still in flight. Runs never overlap.
var ErrAlreadyRunning = errors.New("auto-confirm run already in progress")

// ErrTransient marks run-level failures worth retrying on the next tick
// (e.g. the pending-transaction listing failed).
var ErrTransient = errors.New("auto-confirm transient failure")

// Config controls scheduler timing.
type Config struct {
	// Interval between runs.
	Interval time.Duration
	// Warmup delays the first run after Start so the process finishes
	// booting before background settlement begins.
	Warmup time.Duration
	// GraceWindow is how long a pending transaction is left for manual
	// confirmation before the scheduler finalizes it.
	GraceWindow time.Duration
	// StaleAfter is the age past which a still-pending transaction is
	// considered abandoned and cancelled.
	StaleAfter time.Duration
	// BatchSize caps how many transactions one pass touches.
	BatchSize int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Interval:    time.Minute,
		Warmup:      5 * time.Second,
		GraceWindow: 5 * time.Minute,
		StaleAfter:  24 * time.Hour,
		BatchSize:   100,
	}
}

// RunStats summarizes one scheduler run.
type RunStats struct {
	Finalized int `json:"finalized"`
	Cancelled int `json:"cancelled"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
}

// Scheduler drives periodic settlement. Tests call Tick directly; the
// Start loop just calls Tick on a timer.
type Scheduler struct {
	ledger   *ledger.Ledger
	cfg      Config
	notifier notify.Notifier
	logger   *slog.Logger

	stop    chan struct{}
	running atomic.Bool // loop active
	ticking atomic.Bool // a run is in flight
}

// New creates the scheduler.
func New(l *ledger.Ledger, cfg Config, notifier notify.Notifier, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Scheduler{
		ledger:   l,
		cfg:      cfg,
		notifier: notifier,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the timer loop is active.
func (s *Scheduler) Running() bool {
	return s.running.Load()
}

// Start begins the periodic settlement loop. Call in a goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	s.running.Store(true)
	defer s.running.Store(false)

	// Warm-up delay before the first run.
	select {
	case <-ctx.Done():
		return
	case <-s.stop:
		return
	case <-time.After(s.cfg.Warmup):
	}
	s.safeTick(ctx)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.safeTick(ctx)
		}
	}
}

// Stop signals the loop to stop.
func (s *Scheduler) Stop() {
	select {
	case s.stop <- struct{}{}:
	default:
	}
}

func (s *Scheduler) safeTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in auto-confirm run", "panic", fmt.Sprint(r))
			metrics.AutoConfirmRunsTotal.WithLabelValues("panic").Inc()
		}
	}()

	if _, err := s.Tick(ctx); err != nil && !errors.Is(err, ErrAlreadyRunning) {
		s.logger.Warn("auto-confirm run failed", "error", err)
	}
}

// Tick runs one settlement pass immediately. Safe to call from tests and
// admin endpoints; overlapping calls are refused with ErrAlreadyRunning.
func (s *Scheduler) Tick(ctx context.Context) (RunStats, error) {
	if !s.ticking.CompareAndSwap(false, true) {
		return RunStats{}, ErrAlreadyRunning
	}
	defer s.ticking.Store(false)

	ctx, span := traces.StartSpan(ctx, "autoconfirm.tick")
	defer span.End()

	started := time.Now()
	stats, err := s.processAllPending(ctx)

	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.AutoConfirmRunsTotal.WithLabelValues(result).Inc()
	s.logger.Info("auto-confirm run finished",
		"finalized", stats.Finalized, "cancelled", stats.Cancelled,
		"skipped", stats.Skipped, "failed", stats.Failed,
		"duration", time.Since(started))
	return stats, err
}

func (s *Scheduler) processAllPending(ctx context.Context) (RunStats, error) {
	var stats RunStats
	now := time.Now().UTC()
	store := s.ledger.Store()

	// Pass 1: cancel abandoned transactions.
	staleCutoff := now.Add(-s.cfg.StaleAfter)
	stale, err := store.ListPendingBefore(ctx, staleCutoff, s.cfg.BatchSize)
	if err != nil {
		return stats, fmt.Errorf("%w: list stale pending: %v", ErrTransient, err)
	}
	for _, txn := range stale {
		if _, err := s.ledger.Cancel(ctx, txn.ID); err != nil {
			s.observeFailure(&stats, txn, "cancel", err)
			continue
		}
		stats.Cancelled++
		metrics.AutoConfirmTransactionsTotal.WithLabelValues("cancelled").Inc()
		s.notifier.Emit(ctx, notify.Message{
			Event: notify.EventTransactionCancelled, TxnID: txn.ID,
			Principal: txn.Owner.Key(), Amount: txn.Amount,
		})
		s.logger.Info("stale transaction cancelled",
			"txn_id", txn.ID, "kind", txn.Kind, "age", now.Sub(txn.CreatedAt))
	}

	// Pass 2: finalize transactions past the grace window.
	graceCutoff := now.Add(-s.cfg.GraceWindow)
	due, err := store.ListPendingBefore(ctx, graceCutoff, s.cfg.BatchSize)
	if err != nil {
		return stats, fmt.Errorf("%w: list due pending: %v", ErrTransient, err)
	}
	for _, txn := range due {
		// Anything past the stale cutoff belongs to the cancel pass. The
		// listing is oldest first, so a stale backlog bigger than one
		// batch would otherwise spill into this pass and be credited.
		if !txn.CreatedAt.After(staleCutoff) {
			continue
		}
		if _, err := s.ledger.Confirm(ctx, txn.ID); err != nil {
			s.observeFailure(&stats, txn, "confirm", err)
			continue
		}
		stats.Finalized++
		metrics.AutoConfirmTransactionsTotal.WithLabelValues("finalized").Inc()
		s.notifier.Emit(ctx, notify.Message{
			Event: notify.EventTransactionConfirmed, TxnID: txn.ID,
			Principal: txn.Owner.Key(), Amount: txn.Amount,
		})
		s.logger.Info("pending transaction finalized",
			"txn_id", txn.ID, "kind", txn.Kind, "age", now.Sub(txn.CreatedAt))
	}

	return stats, nil
}

// observeFailure classifies a per-transaction error. A transaction that
// settled between listing and processing is a skip, not a failure; the
// run continues either way.
func (s *Scheduler) observeFailure(stats *RunStats, txn *ledger.Transaction, op string, err error) {
	if errors.Is(err, ledger.ErrInvalidTransition) || errors.Is(err, ledger.ErrTransactionNotFound) {
		stats.Skipped++
		metrics.AutoConfirmTransactionsTotal.WithLabelValues("skipped").Inc()
		return
	}
	stats.Failed++
	metrics.AutoConfirmTransactionsTotal.WithLabelValues("failed").Inc()
	s.logger.Warn("auto-confirm could not settle transaction",
		"txn_id", txn.ID, "op", op, "error", err)
}
