// Package services tracks marketplace service listings through their
// lifecycle, from requester posting to payout.
//
// Status changes go through a closed (status, event) transition table and
// an optimistic pre-state check: every write names the status it expects,
// and a mismatch fails with ErrConflict instead of clobbering a
// concurrent change.
package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/minhctran/vieclance/internal/idgen"
	"github.com/minhctran/vieclance/internal/logging"
	"github.com/minhctran/vieclance/internal/validation"
)

var (
	ErrNotFound           = errors.New("service not found")
	ErrConflict           = errors.New("service was modified concurrently")
	ErrInvalidTransition  = errors.New("event not allowed in current status")
	ErrForbidden          = errors.New("principal may not perform this action")
	ErrIntegrityViolation = errors.New("service record is missing required settlement data")

	// ErrAlreadySettled is returned by the escrow coordinator when a
	// hold, release, or refund is retried after it already settled.
	// Settlement operations are idempotent: the retry is refused and the
	// ledger is untouched.
	ErrAlreadySettled = errors.New("escrow already settled")
)

// Status enumerates service lifecycle statuses.
type Status string

const (
	StatusPendingApproval     Status = "pending_approval"
	StatusApproved            Status = "approved"
	StatusInProgress          Status = "in_progress"
	StatusPendingConfirmation Status = "pending_confirmation"
	StatusPendingPayout       Status = "pending_payout"
	StatusCompleted           Status = "completed"
	StatusRejected            Status = "rejected"
)

// IsTerminal reports whether the status is final.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusRejected
}

// ValidStatus reports whether s is a known status.
func ValidStatus(s Status) bool {
	switch s {
	case StatusPendingApproval, StatusApproved, StatusInProgress,
		StatusPendingConfirmation, StatusPendingPayout, StatusCompleted, StatusRejected:
		return true
	}
	return false
}

// Event enumerates lifecycle events.
type Event string

const (
	EventApprove  Event = "approve"
	EventReject   Event = "reject"
	EventAccept   Event = "accept"
	EventMarkDone Event = "mark_done"
	EventConfirm  Event = "confirm"
	EventDecline  Event = "decline"
	EventPayout   Event = "payout"
)

// transitions is the closed lifecycle table. An absent entry means the
// event is not allowed in that status.
var transitions = map[Status]map[Event]Status{
	StatusPendingApproval: {
		EventApprove: StatusApproved,
		EventReject:  StatusRejected,
	},
	StatusApproved: {
		EventAccept: StatusInProgress,
		EventReject: StatusRejected,
	},
	StatusInProgress: {
		EventMarkDone: StatusPendingConfirmation,
	},
	StatusPendingConfirmation: {
		EventConfirm: StatusPendingPayout,
		EventDecline: StatusInProgress,
	},
	StatusPendingPayout: {
		EventPayout: StatusCompleted,
		EventReject: StatusRejected,
	},
}

// Next returns the status the event leads to from the current status.
func Next(current Status, event Event) (Status, bool) {
	next, ok := transitions[current][event]
	return next, ok
}

// Completion records the provider's mark-done and the requester's sign-off.
type Completion struct {
	DoneAt      time.Time  `json:"doneAt"`
	Rating      int        `json:"rating,omitempty"` // 1-5, 0 = not rated
	Notes       string     `json:"notes,omitempty"`
	ConfirmedAt *time.Time `json:"confirmedAt,omitempty"`
}

// Service is one marketplace listing.
type Service struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	RequesterID string `json:"requesterId"`
	ProviderID  string `json:"providerId,omitempty"`
	Price       int64  `json:"price"` // VND

	Status Status `json:"status"`

	// Settlement references, filled in by the escrow coordinator.
	EscrowTxnID string `json:"escrowTxnId,omitempty"`
	PayoutTxnID string `json:"payoutTxnId,omitempty"`
	FeeTxnID    string `json:"feeTxnId,omitempty"`
	RefundTxnID string `json:"refundTxnId,omitempty"`

	DeclineReason string      `json:"declineReason,omitempty"`
	Completion    *Completion `json:"completion,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ListQuery filters service listings.
type ListQuery struct {
	Status      Status
	RequesterID string
	ProviderID  string
	Offset      int
	Limit       int
}

// Store persists service records.
type Store interface {
	Create(ctx context.Context, svc *Service) error
	Get(ctx context.Context, id string) (*Service, error)
	List(ctx context.Context, q ListQuery) ([]*Service, error)
	// Update applies a mutation only if the service currently has the
	// expected status (the optimistic pre-state check). Returns
	// ErrConflict when the status does not match.
	Update(ctx context.Context, id string, expect Status, apply func(*Service) error) (*Service, error)
}

// EscrowCoordinator is the money side of the lifecycle. Operations that
// move funds are delegated so the wallet adjustment, the ledger entries,
// and the service row change land in one atomic unit.
type EscrowCoordinator interface {
	Hold(ctx context.Context, serviceID, providerID string) (*Service, error)
	Release(ctx context.Context, serviceID string) (*Service, error)
	Refund(ctx context.Context, serviceID string) (*Service, error)
}

// Lifecycle drives service listings through the transition table.
type Lifecycle struct {
	store  Store
	escrow EscrowCoordinator
	logger *slog.Logger
}

// NewLifecycle creates the lifecycle tracker.
func NewLifecycle(store Store, escrow EscrowCoordinator, logger *slog.Logger) *Lifecycle {
	if logger == nil {
		logger = slog.Default()
	}
	return &Lifecycle{store: store, escrow: escrow, logger: logger}
}

// Create posts a new listing awaiting admin approval.
func (l *Lifecycle) Create(ctx context.Context, requesterID, title, description string, price int64) (*Service, error) {
	if errs := validation.Validate(
		validation.Required("title", title),
		validation.MaxLength("title", title, validation.MaxTitleLength),
		validation.MaxLength("description", description, validation.MaxTextLength),
		validation.PositiveAmount("price", price),
	); len(errs) > 0 {
		return nil, errs
	}

	now := time.Now().UTC()
	svc := &Service{
		ID:          idgen.WithPrefix("svc_"),
		Title:       validation.SanitizeString(title, validation.MaxTitleLength),
		Description: validation.SanitizeString(description, validation.MaxTextLength),
		RequesterID: requesterID,
		Price:       price,
		Status:      StatusPendingApproval,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := l.store.Create(ctx, svc); err != nil {
		return nil, fmt.Errorf("create service: %w", err)
	}

	logging.L(ctx).Info("service created",
		"service_id", svc.ID, "requester", requesterID, "price", price)
	return svc, nil
}

// Get returns one listing.
func (l *Lifecycle) Get(ctx context.Context, id string) (*Service, error) {
	return l.store.Get(ctx, id)
}

// List returns listings matching the query.
func (l *Lifecycle) List(ctx context.Context, q ListQuery) ([]*Service, error) {
	if q.Limit <= 0 || q.Limit > 200 {
		q.Limit = 50
	}
	return l.store.List(ctx, q)
}

// Approve moves a listing from pending_approval to approved.
func (l *Lifecycle) Approve(ctx context.Context, id string) (*Service, error) {
	next, ok := Next(StatusPendingApproval, EventApprove)
	if !ok {
		return nil, ErrInvalidTransition
	}
	svc, err := l.store.Update(ctx, id, StatusPendingApproval, func(s *Service) error {
		s.Status = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	logging.L(ctx).Info("service approved", "service_id", id)
	return svc, nil
}

// Reject takes a listing out of the marketplace. Rejecting after the
// requester confirmed (pending_payout) refunds the held escrow to the
// requester instead of paying out.
func (l *Lifecycle) Reject(ctx context.Context, id string) (*Service, error) {
	current, err := l.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	next, ok := Next(current.Status, EventReject)
	if !ok {
		return nil, ErrInvalidTransition
	}

	if current.Status == StatusPendingPayout {
		// Money is held; the refund and the status change are one unit.
		svc, err := l.escrow.Refund(ctx, id)
		if err != nil {
			return nil, err
		}
		logging.L(ctx).Info("service rejected with refund",
			"service_id", id, "refund_txn", svc.RefundTxnID)
		return svc, nil
	}

	svc, err := l.store.Update(ctx, id, current.Status, func(s *Service) error {
		s.Status = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	logging.L(ctx).Info("service rejected", "service_id", id)
	return svc, nil
}

// Accept lets a provider member take an approved listing. Acceptance only
// succeeds if the escrow hold on the requester's wallet succeeds; both
// land atomically through the escrow coordinator.
func (l *Lifecycle) Accept(ctx context.Context, id, providerID string) (*Service, error) {
	current, err := l.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, ok := Next(current.Status, EventAccept); !ok {
		return nil, ErrInvalidTransition
	}
	if current.RequesterID == providerID {
		return nil, fmt.Errorf("%w: requester cannot accept own service", ErrForbidden)
	}

	svc, err := l.escrow.Hold(ctx, id, providerID)
	if err != nil {
		return nil, err
	}
	logging.L(ctx).Info("service accepted",
		"service_id", id, "provider", providerID, "escrow_txn", svc.EscrowTxnID)
	return svc, nil
}

// MarkDone records the provider's completion and asks the requester to
// confirm.
func (l *Lifecycle) MarkDone(ctx context.Context, id, providerID string, rating int, notes string) (*Service, error) {
	if errs := validation.Validate(
		validation.ValidRating("rating", rating),
		validation.MaxLength("notes", notes, validation.MaxTextLength),
	); len(errs) > 0 {
		return nil, errs
	}

	next, _ := Next(StatusInProgress, EventMarkDone)
	svc, err := l.store.Update(ctx, id, StatusInProgress, func(s *Service) error {
		if s.ProviderID != providerID {
			return ErrForbidden
		}
		s.Status = next
		s.DeclineReason = ""
		s.Completion = &Completion{
			DoneAt: time.Now().UTC(),
			Rating: rating,
			Notes:  validation.SanitizeString(notes, validation.MaxTextLength),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	logging.L(ctx).Info("service marked done", "service_id", id, "provider", providerID)
	return svc, nil
}

// ConfirmCompletion records the requester's sign-off and queues the
// service for admin payout approval.
func (l *Lifecycle) ConfirmCompletion(ctx context.Context, id, requesterID string) (*Service, error) {
	next, _ := Next(StatusPendingConfirmation, EventConfirm)
	svc, err := l.store.Update(ctx, id, StatusPendingConfirmation, func(s *Service) error {
		if s.RequesterID != requesterID {
			return ErrForbidden
		}
		if s.Completion == nil {
			return ErrIntegrityViolation
		}
		now := time.Now().UTC()
		s.Status = next
		s.Completion.ConfirmedAt = &now
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrIntegrityViolation) {
			l.logger.Error("service pending confirmation without completion record", "service_id", id)
		}
		return nil, err
	}
	logging.L(ctx).Info("service completion confirmed", "service_id", id)
	return svc, nil
}

// Decline sends the work back to the provider with a reason.
func (l *Lifecycle) Decline(ctx context.Context, id, requesterID, reason string) (*Service, error) {
	if errs := validation.Validate(
		validation.Required("reason", reason),
		validation.MaxLength("reason", reason, validation.MaxTextLength),
	); len(errs) > 0 {
		return nil, errs
	}

	next, _ := Next(StatusPendingConfirmation, EventDecline)
	svc, err := l.store.Update(ctx, id, StatusPendingConfirmation, func(s *Service) error {
		if s.RequesterID != requesterID {
			return ErrForbidden
		}
		s.Status = next
		s.DeclineReason = validation.SanitizeString(reason, validation.MaxTextLength)
		s.Completion = nil
		return nil
	})
	if err != nil {
		return nil, err
	}
	logging.L(ctx).Info("service completion declined", "service_id", id)
	return svc, nil
}

// ApprovePayout releases the held escrow to the provider, minus the
// platform fee. Payout requires both a hold transaction and a confirmed
// completion record; their absence means the record was corrupted
// somewhere and is refused loudly rather than paid.
func (l *Lifecycle) ApprovePayout(ctx context.Context, id string) (*Service, error) {
	current, err := l.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, ok := Next(current.Status, EventPayout); !ok {
		return nil, ErrInvalidTransition
	}
	if current.EscrowTxnID == "" {
		l.logger.Error("payout refused: pending_payout service has no escrow hold",
			"service_id", id)
		return nil, ErrIntegrityViolation
	}
	if current.Completion == nil || current.Completion.ConfirmedAt == nil {
		l.logger.Error("payout refused: pending_payout service has no confirmed completion",
			"service_id", id)
		return nil, ErrIntegrityViolation
	}

	svc, err := l.escrow.Release(ctx, id)
	if err != nil {
		return nil, err
	}
	logging.L(ctx).Info("service payout approved",
		"service_id", id, "payout_txn", svc.PayoutTxnID, "fee_txn", svc.FeeTxnID)
	return svc, nil
}
