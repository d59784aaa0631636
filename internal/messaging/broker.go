package messaging

import (
	"fmt"

	"github.com/aussrc/possum-coordinator/internal/config"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Broker owns the AMQP connection and channel for the process lifetime and
// declares the exchange/queue topology at startup.
type Broker struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	cfg     *config.Config
}

func Connect(cfg *config.Config) (*Broker, error) {
	conn, err := amqp.Dial(cfg.Broker.URI)
	if err != nil {
		return nil, fmt.Errorf("connecting to broker: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("opening channel: %w", err)
	}

	// one unacknowledged message per consumer at a time
	if err := channel.Qos(1, 0, false); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("setting channel qos: %w", err)
	}

	b := &Broker{conn: conn, channel: channel, cfg: cfg}
	if err := b.declareTopology(); err != nil {
		_ = conn.Close()
		return nil, err
	}

	zap.S().Named("messaging").Infof("connected to broker at %s", cfg.Broker.URI)
	return b, nil
}

func (b *Broker) declareTopology() error {
	if err := b.channel.ExchangeDeclare(b.cfg.Broker.SubmitExchange, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declaring submit exchange: %w", err)
	}

	if err := b.channel.ExchangeDeclare(b.cfg.Broker.ArchiveExchange, "fanout", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declaring archive exchange: %w", err)
	}
	if _, err := b.channel.QueueDeclare(b.cfg.Broker.ArchiveQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declaring archive queue: %w", err)
	}
	if err := b.channel.QueueBind(b.cfg.Broker.ArchiveQueue, "", b.cfg.Broker.ArchiveExchange, false, nil); err != nil {
		return fmt.Errorf("binding archive queue: %w", err)
	}

	if err := b.channel.ExchangeDeclare(b.cfg.Broker.StateExchange, "fanout", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declaring state exchange: %w", err)
	}
	if _, err := b.channel.QueueDeclare(b.cfg.Broker.StateQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declaring state queue: %w", err)
	}
	if err := b.channel.QueueBind(b.cfg.Broker.StateQueue, "", b.cfg.Broker.StateExchange, false, nil); err != nil {
		return fmt.Errorf("binding state queue: %w", err)
	}

	return nil
}

// Publisher returns a publisher routed to the workflow submit exchange.
func (b *Broker) Publisher() Publisher {
	return newAMQPPublisher(b.channel, b.cfg.Broker.SubmitExchange, b.cfg.Broker.SubmitRoute)
}

func (b *Broker) Close() error {
	if err := b.channel.Close(); err != nil {
		zap.S().Named("messaging").Errorf("failed to close channel: %v", err)
	}
	return b.conn.Close()
}
