// Package notify sends customer emails through an external mail worker.
// Sending is fire-and-forget: callers log a failed Result and carry on.
package notify

import (
	"context"
	"fmt"
	"log"
)

// Kind names the email template the mail worker renders.
type Kind string

const (
	OrderConfirmed  Kind = "order_confirmed"
	PaymentFailed   Kind = "payment_failed"
	OrderCancelled  Kind = "order_cancelled"
	ReturnRequested Kind = "return_requested"
	RefundCompleted Kind = "refund_completed"
)

// Result reports whether a message was handed off.
type Result struct {
	Sent bool
	Err  error
}

// Mailer hands an email off for delivery.
type Mailer interface {
	Send(ctx context.Context, kind Kind, recipient string, data map[string]interface{}) Result
}

// Publisher is the message bus the queue mailer writes to.
type Publisher interface {
	PublishJSON(ctx context.Context, routingKey string, payload interface{}) error
}

// QueueMailer publishes email jobs on the bus under "email.<kind>".
type QueueMailer struct {
	pub Publisher
}

func NewQueueMailer(pub Publisher) *QueueMailer {
	return &QueueMailer{pub: pub}
}

type emailJob struct {
	Template  Kind                   `json:"template"`
	Recipient string                 `json:"recipient"`
	Data      map[string]interface{} `json:"data"`
}

func (m *QueueMailer) Send(ctx context.Context, kind Kind, recipient string, data map[string]interface{}) Result {
	if recipient == "" {
		return Result{Err: fmt.Errorf("no recipient for %s email", kind)}
	}
	job := emailJob{Template: kind, Recipient: recipient, Data: data}
	if err := m.pub.PublishJSON(ctx, "email."+string(kind), job); err != nil {
		return Result{Err: fmt.Errorf("failed to queue %s email: %w", kind, err)}
	}
	return Result{Sent: true}
}

// LogMailer only logs; it is used when no message bus is configured.
type LogMailer struct{}

func (LogMailer) Send(_ context.Context, kind Kind, recipient string, data map[string]interface{}) Result {
	log.Printf("Email %s to %s skipped (no mail transport): %v", kind, recipient, data)
	return Result{Sent: false}
}
