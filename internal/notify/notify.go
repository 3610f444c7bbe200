// Package notify publishes domain events to interested listeners.
//
// Emission is fire-and-forget: a failing notifier never aborts the
// operation that produced the event.
package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/minhctran/vieclance/internal/metrics"
)

// Event names the things other systems care about.
type Event string

const (
	EventEscrowHeld           Event = "escrow.held"
	EventEscrowReleased       Event = "escrow.released"
	EventEscrowRefunded       Event = "escrow.refunded"
	EventTransactionConfirmed Event = "transaction.confirmed"
	EventTransactionCancelled Event = "transaction.cancelled"
)

// Message is one emitted event.
type Message struct {
	Event     Event     `json:"event"`
	ServiceID string    `json:"serviceId,omitempty"`
	TxnID     string    `json:"txnId,omitempty"`
	Principal string    `json:"principal,omitempty"`
	Amount    int64     `json:"amount,omitempty"`
	At        time.Time `json:"at"`
}

// Notifier delivers messages. Implementations must not block the caller
// on slow downstreams.
type Notifier interface {
	Emit(ctx context.Context, msg Message)
}

// Emitter is the default Notifier: it writes structured log lines.
// A nil *Emitter is safe to use and emits nothing.
type Emitter struct {
	logger *slog.Logger
}

// NewEmitter creates a log-backed notifier.
func NewEmitter(logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{logger: logger}
}

// Emit implements Notifier.
func (e *Emitter) Emit(ctx context.Context, msg Message) {
	if e == nil {
		return
	}
	if msg.At.IsZero() {
		msg.At = time.Now().UTC()
	}
	e.logger.Info("event emitted",
		"event", msg.Event,
		"service_id", msg.ServiceID,
		"txn_id", msg.TxnID,
		"principal", msg.Principal,
		"amount", msg.Amount,
	)
	metrics.NotificationsTotal.WithLabelValues(string(msg.Event), "ok").Inc()
}

// Nop is a Notifier that drops everything. Useful in tests.
type Nop struct{}

// Emit implements Notifier.
func (Nop) Emit(ctx context.Context, msg Message) {}
