package messaging

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Disposition tells the consumer what to do with a handled message.
type Disposition int

const (
	// Ack acknowledges the message.
	Ack Disposition = iota
	// Drop acknowledges a message that is permanently unprocessable,
	// so the broker does not redeliver it.
	Drop
	// Requeue negatively acknowledges the message for redelivery.
	Requeue
)

// Handler processes one delivery body and reports its disposition.
type Handler func(ctx context.Context, body []byte) Disposition

// Consume delivers messages from the named queue to the handler until the
// context is cancelled. After a requeued message the consumer backs off
// before accepting further work to avoid a tight failure loop.
func (b *Broker) Consume(ctx context.Context, queue string, handler Handler, backoff time.Duration) error {
	deliveries, err := b.channel.ConsumeWithContext(ctx, queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consuming from %s: %w", queue, err)
	}

	log := zap.S().Named("consumer").With("queue", queue)
	log.Info("consuming")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("delivery channel for %s closed", queue)
			}

			switch handler(ctx, d.Body) {
			case Ack:
				if err := d.Ack(false); err != nil {
					log.Errorf("failed to ack message: %v", err)
				}
			case Drop:
				if err := d.Ack(false); err != nil {
					log.Errorf("failed to ack dropped message: %v", err)
				}
			case Requeue:
				if err := d.Nack(false, true); err != nil {
					log.Errorf("failed to nack message: %v", err)
				}
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(backoff):
				}
			}
		}
	}
}
