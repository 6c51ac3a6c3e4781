package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"
)

type Deliverer interface {
	Deliver(ctx context.Context, msg Message) error
}

type ConsumerConfig struct {
	URL      string
	Exchange string
	Queue    string
	Prefetch int
}

// Consumer drains the notification queue into a Deliverer. A message that
// fails delivery is requeued once, then dropped.
type Consumer struct {
	cfg       ConsumerConfig
	deliverer Deliverer
	logger    *slog.Logger

	conn *amqp.Connection
	ch   *amqp.Channel
}

func NewConsumer(cfg ConsumerConfig, d Deliverer, logger *slog.Logger) *Consumer {
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 8
	}
	return &Consumer{cfg: cfg, deliverer: d, logger: logger}
}

func (c *Consumer) Connect() error {
	conn, err := amqp.Dial(c.cfg.URL)
	if err != nil {
		return fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}

	fail := func(step string, err error) error {
		_ = ch.Close()
		_ = conn.Close()
		return fmt.Errorf("%s: %w", step, err)
	}

	if err := ch.ExchangeDeclare(c.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		return fail("declare exchange", err)
	}
	q, err := ch.QueueDeclare(c.cfg.Queue, true, false, false, false, nil)
	if err != nil {
		return fail("declare queue", err)
	}
	if err := ch.QueueBind(q.Name, "notification.#", c.cfg.Exchange, false, nil); err != nil {
		return fail("bind queue", err)
	}
	if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		return fail("set qos", err)
	}

	c.conn = conn
	c.ch = ch
	return nil
}

// Run consumes until ctx is cancelled or the broker closes the channel.
func (c *Consumer) Run(ctx context.Context) error {
	if c.ch == nil {
		if err := c.Connect(); err != nil {
			return err
		}
	}
	deliveries, err := c.ch.ConsumeWithContext(ctx, c.cfg.Queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", c.cfg.Queue, err)
	}
	c.logger.Info("notification consumer started", "queue", c.cfg.Queue)
	return c.Handle(ctx, deliveries)
}

func (c *Consumer) Handle(ctx context.Context, deliveries <-chan amqp.Delivery) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("delivery channel closed")
			}
			c.handleOne(ctx, d)
		}
	}
}

func (c *Consumer) handleOne(ctx context.Context, d amqp.Delivery) {
	var msg Message
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		c.logger.Error("undecodable notification dropped", "error", err, "message_id", d.MessageId)
		_ = d.Nack(false, false)
		return
	}

	if err := c.deliverer.Deliver(ctx, msg); err != nil {
		requeue := !d.Redelivered
		c.logger.Error("notification delivery failed",
			"error", err,
			"message_id", msg.ID,
			"kind", msg.Kind,
			"requeue", requeue)
		_ = d.Nack(false, requeue)
		return
	}

	_ = d.Ack(false)
}

func (c *Consumer) Close() {
	if c.ch != nil {
		_ = c.ch.Close()
	}
	if c.conn != nil {
		_ = c.conn.Close()
	}
}

func deliver(ctx context.Context, n Notifier, msg Message) error {
	switch msg.Kind {
	case KindCustomerEmail:
		if msg.Email == nil {
			return fmt.Errorf("message %s has no email body", msg.ID)
		}
		return n.SendCustomerEmail(ctx, *msg.Email)
	case KindAdminEmail:
		if msg.Email == nil {
			return fmt.Errorf("message %s has no email body", msg.ID)
		}
		return n.SendAdminEmail(ctx, *msg.Email)
	case KindInApp:
		if msg.InApp == nil {
			return fmt.Errorf("message %s has no notification body", msg.ID)
		}
		return n.CreateInAppNotification(ctx, *msg.InApp)
	case KindAdminBroadcast:
		if msg.InApp == nil {
			return fmt.Errorf("message %s has no notification body", msg.ID)
		}
		return n.BroadcastToAdmins(ctx, *msg.InApp)
	default:
		return fmt.Errorf("unknown notification kind %q", msg.Kind)
	}
}
