package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/frahmantamala/rental-fulfillment/internal/core/events"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Channel is the part of *amqp.Channel the publisher uses.
type Channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Publisher is a Notifier that hands every notification to a topic exchange.
type Publisher struct {
	conn        *amqp.Connection
	ch          Channel
	exchange    string
	adminEmails []string
	logger      *slog.Logger
	mu          sync.Mutex
}

func NewPublisher(url, exchange string, adminEmails []string, logger *slog.Logger) (*Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}

	p := NewPublisherWithChannel(ch, exchange, adminEmails, logger)
	p.conn = conn
	return p, nil
}

func NewPublisherWithChannel(ch Channel, exchange string, adminEmails []string, logger *slog.Logger) *Publisher {
	return &Publisher{ch: ch, exchange: exchange, adminEmails: adminEmails, logger: logger}
}

func (p *Publisher) SendCustomerEmail(ctx context.Context, email Email) error {
	if len(email.To) == 0 {
		return fmt.Errorf("customer email %s has no recipient", email.Template)
	}
	msg := newMessage(KindCustomerEmail)
	msg.Email = &email
	return p.publish(ctx, msg)
}

func (p *Publisher) SendAdminEmail(ctx context.Context, email Email) error {
	if len(email.To) == 0 {
		email.To = p.adminEmails
	}
	msg := newMessage(KindAdminEmail)
	msg.Email = &email
	return p.publish(ctx, msg)
}

func (p *Publisher) CreateInAppNotification(ctx context.Context, n InApp) error {
	if n.UserID == "" {
		return fmt.Errorf("in-app notification %q has no user", n.Title)
	}
	msg := newMessage(KindInApp)
	msg.InApp = &n
	return p.publish(ctx, msg)
}

func (p *Publisher) BroadcastToAdmins(ctx context.Context, n InApp) error {
	msg := newMessage(KindAdminBroadcast)
	msg.InApp = &n
	return p.publish(ctx, msg)
}

func (p *Publisher) publish(ctx context.Context, msg Message) error {
	return p.PublishJSON(ctx, RoutingKey(msg.Kind), msg.ID, msg)
}

func (p *Publisher) PublishJSON(ctx context.Context, key, messageID string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	err = p.ch.PublishWithContext(ctx, p.exchange, key, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    messageID,
		Body:         b,
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", key, err)
	}
	p.logger.DebugContext(ctx, "message published", "routing_key", key, "message_id", messageID)
	return nil
}

// ForwardEvent is an events.Handler that copies domain events onto the
// exchange under "event.<type>".
func (p *Publisher) ForwardEvent(ctx context.Context, event events.Event) error {
	return p.PublishJSON(ctx, "event."+event.EventType(), event.EventID(), event)
}

func (p *Publisher) Close() error {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
