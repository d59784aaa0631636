package messaging

import (
	"context"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Publisher is the interface to be implemented by the underlying job-request
// writer.
type Publisher interface {
	Publish(ctx context.Context, body []byte) error
}

type amqpPublisher struct {
	channel    *amqp.Channel
	exchange   string
	routingKey string
}

// Make sure we conform to Publisher interface
var _ Publisher = (*amqpPublisher)(nil)

func newAMQPPublisher(channel *amqp.Channel, exchange, routingKey string) Publisher {
	return &amqpPublisher{channel: channel, exchange: exchange, routingKey: routingKey}
}

func (p *amqpPublisher) Publish(ctx context.Context, body []byte) error {
	return p.channel.PublishWithContext(ctx, p.exchange, p.routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Body:         body,
	})
}

// StdoutPublisher logs job requests instead of publishing them. Used in dry
// run mode.
type StdoutPublisher struct{}

// Make sure we conform to Publisher interface
var _ Publisher = (*StdoutPublisher)(nil)

func NewStdoutPublisher() Publisher {
	return &StdoutPublisher{}
}

func (p *StdoutPublisher) Publish(_ context.Context, body []byte) error {
	zap.S().Named("publisher").Infof("dry run publish: %s", string(body))
	return nil
}
