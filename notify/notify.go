/*
notify.go - Workflow notifications

PURPOSE:
  Extension and refund workflows announce every state change. Delivery is
  best-effort: a failing notifier is logged and counted, never propagated
  back into the ledger.

IMPLEMENTATIONS:
  Bus:        in-process watermill gochannel pub/sub (default)
  AMQP:       durable RabbitMQ queue, JSON bodies
  Dispatcher: async fan-out in front of any Notifier
  Multi:      sends to several notifiers, joins errors
  Recorder:   keeps events in memory (tests, demo scenarios)
*/
package notify

import (
	"context"
	"errors"
	"sync"
	"time"
)

type EventType string

const (
	ExtensionRequested        EventType = "extension.requested"
	ExtensionPaymentConfirmed EventType = "extension.payment_confirmed"
	ExtensionApproved         EventType = "extension.approved"
	ExtensionCompleted        EventType = "extension.completed"
	ExtensionRejected         EventType = "extension.rejected"

	RefundRequested EventType = "refund.requested"
	RefundApproved  EventType = "refund.approved"
	RefundRejected  EventType = "refund.rejected"
	RefundCompleted EventType = "refund.completed"

	ConsistencyViolation EventType = "consistency.violation"
)

// Event is one notification. RecipientID is the user the message is for
// (requester, consultant or admin); empty means the admin channel.
type Event struct {
	Type        EventType         `json:"type"`
	MappingID   string            `json:"mapping_id"`
	RequestID   string            `json:"request_id,omitempty"`
	RecipientID string            `json:"recipient_id,omitempty"`
	Message     string            `json:"message"`
	Data        map[string]string `json:"data,omitempty"`
	OccurredAt  time.Time         `json:"occurred_at"`
}

type Notifier interface {
	Notify(ctx context.Context, e Event) error
}

// Nop drops every event.
type Nop struct{}

func (Nop) Notify(context.Context, Event) error { return nil }

// Multi sends e to every notifier and returns the joined errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, e Event) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder keeps every event it receives.
type Recorder struct {
	mu     sync.Mutex
	events []Event
	Err    error
}

func (r *Recorder) Notify(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return r.Err
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Types returns the event types in delivery order.
func (r *Recorder) Types() []EventType {
	events := r.Events()
	out := make([]EventType, len(events))
	for i, e := range events {
		out[i] = e.Type
	}
	return out
}
