package worker

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"tokopay/internal/apperr"
	"tokopay/internal/models"

	"github.com/streadway/amqp"
)

// RefundCompleter records that the refund processor paid an order back.
type RefundCompleter interface {
	CompleteRefund(ctx context.Context, orderID string) (*models.Order, error)
}

// RefundCompletedEvent is published by the refund processor on "refund.completed".
type RefundCompletedEvent struct {
	OrderID  string `json:"orderId"`
	RefundID string `json:"refundId,omitempty"`
}

// RefundCompletedHandler returns a consumer for refund completion messages. Messages that can never
// succeed are acknowledged and dropped; anything else is returned so the message is retried.
func RefundCompletedHandler(orders RefundCompleter, timeout time.Duration) func(msg amqp.Delivery) error {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return func(msg amqp.Delivery) error {
		var event RefundCompletedEvent
		if err := json.Unmarshal(msg.Body, &event); err != nil || event.OrderID == "" {
			log.Printf("Dropping malformed refund.completed message %d: %s", msg.DeliveryTag, msg.Body)
			return nil
		}

		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		order, err := orders.CompleteRefund(ctx, event.OrderID)
		if err != nil {
			switch apperr.KindOf(err) {
			case apperr.KindValidation, apperr.KindNotFound:
				log.Printf("Dropping refund.completed for order %s: %v", event.OrderID, err)
				return nil
			}
			return err
		}
		log.Printf("Refund %s completed for order %s, now %s", event.RefundID, order.ID, order.Pair())
		return nil
	}
}
