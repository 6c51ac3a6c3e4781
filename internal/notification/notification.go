// Package notification hands customer and admin messages to delivery. The
// fulfillment flow treats every call as fire-and-forget.
package notification

import (
	"context"
	"time"

	"github.com/google/uuid"
)

const (
	KindCustomerEmail  = "customer_email"
	KindAdminEmail     = "admin_email"
	KindInApp          = "in_app"
	KindAdminBroadcast = "admin_broadcast"
)

const (
	TemplateBookingConfirmed      = "booking_confirmed"
	TemplateAdminBookingConfirmed = "admin_booking_confirmed"
)

type Email struct {
	Template  string                 `json:"template"`
	To        []string               `json:"to,omitempty"`
	Subject   string                 `json:"subject"`
	BookingID string                 `json:"booking_id,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

type InApp struct {
	UserID    string `json:"user_id,omitempty"`
	Title     string `json:"title"`
	Body      string `json:"body"`
	Link      string `json:"link,omitempty"`
	BookingID string `json:"booking_id,omitempty"`
}

type Notifier interface {
	SendCustomerEmail(ctx context.Context, email Email) error
	// SendAdminEmail goes to the configured admin list when email.To is empty.
	SendAdminEmail(ctx context.Context, email Email) error
	CreateInAppNotification(ctx context.Context, n InApp) error
	BroadcastToAdmins(ctx context.Context, n InApp) error
}

// Message is the envelope carried on the broker.
type Message struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Email     *Email    `json:"email,omitempty"`
	InApp     *InApp    `json:"in_app,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func newMessage(kind string) Message {
	return Message{ID: uuid.NewString(), Kind: kind, CreatedAt: time.Now().UTC()}
}

func RoutingKey(kind string) string {
	return "notification." + kind
}
