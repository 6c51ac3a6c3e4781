package notification

import (
	"context"
	"log/slog"
	"strings"
)

// LogNotifier records notifications in the service log. It backs local runs
// and the delivery side of the notification worker.
type LogNotifier struct {
	logger      *slog.Logger
	adminEmails []string
}

func NewLogNotifier(logger *slog.Logger, adminEmails []string) *LogNotifier {
	return &LogNotifier{logger: logger, adminEmails: adminEmails}
}

func (n *LogNotifier) SendCustomerEmail(ctx context.Context, email Email) error {
	n.logger.InfoContext(ctx, "customer email",
		"template", email.Template,
		"to", strings.Join(email.To, ","),
		"subject", email.Subject,
		"booking_id", email.BookingID)
	return nil
}

func (n *LogNotifier) SendAdminEmail(ctx context.Context, email Email) error {
	to := email.To
	if len(to) == 0 {
		to = n.adminEmails
	}
	n.logger.InfoContext(ctx, "admin email",
		"template", email.Template,
		"to", strings.Join(to, ","),
		"subject", email.Subject,
		"booking_id", email.BookingID)
	return nil
}

func (n *LogNotifier) CreateInAppNotification(ctx context.Context, in InApp) error {
	n.logger.InfoContext(ctx, "in-app notification",
		"user_id", in.UserID,
		"title", in.Title,
		"booking_id", in.BookingID)
	return nil
}

func (n *LogNotifier) BroadcastToAdmins(ctx context.Context, in InApp) error {
	n.logger.InfoContext(ctx, "admin broadcast",
		"title", in.Title,
		"booking_id", in.BookingID)
	return nil
}

// Deliver routes a broker message back onto the notifier methods.
func (n *LogNotifier) Deliver(ctx context.Context, msg Message) error {
	return deliver(ctx, n, msg)
}
