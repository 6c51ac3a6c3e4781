// Package webhook turns signed gateway events into ledger writes. Every
// authenticated event is acknowledged so the gateway never retries an event
// this service has already seen or chose to ignore.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/frahmantamala/rental-fulfillment/internal"
	"github.com/frahmantamala/rental-fulfillment/internal/audit"
	"github.com/frahmantamala/rental-fulfillment/internal/auth"
	"github.com/frahmantamala/rental-fulfillment/internal/balance"
	auditDatamodel "github.com/frahmantamala/rental-fulfillment/internal/core/datamodel/audit"
	paymentDatamodel "github.com/frahmantamala/rental-fulfillment/internal/core/datamodel/payment"
	"github.com/frahmantamala/rental-fulfillment/internal/core/events"
	"github.com/frahmantamala/rental-fulfillment/internal/fulfillment"
	"github.com/frahmantamala/rental-fulfillment/internal/payment"
	"github.com/stripe/stripe-go/v81"
	stripewebhook "github.com/stripe/stripe-go/v81/webhook"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	EventCheckoutSessionCompleted = "checkout.session.completed"
	EventPaymentIntentSucceeded   = "payment_intent.succeeded"
	EventPaymentIntentFailed      = "payment_intent.payment_failed"
	EventPaymentIntentCanceled    = "payment_intent.canceled"
	EventChargeRefunded           = "charge.refunded"
	EventChargeDisputeCreated     = "charge.dispute.created"
)

// Metadata keys set on checkout sessions and payment intents at creation.
const (
	MetaPaymentID   = "paymentId"
	MetaBookingID   = "bookingId"
	MetaPaymentType = "paymentType"
)

type PaymentWriter interface {
	WithBookingLock(ctx context.Context, bookingID string, fn func(ctx context.Context) error) error
	Locate(ctx context.Context, chargeID, gatewayRef, paymentID string) (*paymentDatamodel.Payment, error)
	RecordCapture(ctx context.Context, c payment.Capture) (*paymentDatamodel.Payment, error)
	RecordFailure(ctx context.Context, f payment.Failure) (*paymentDatamodel.Payment, bool, error)
	ApplyRefund(ctx context.Context, r payment.Refund) (*paymentDatamodel.Payment, error)
	AnnotateDispute(ctx context.Context, d payment.Dispute) (*paymentDatamodel.Payment, error)
	Settle(ctx context.Context, bookingID string, primary bool, paymentID, paymentStatus string) (*balance.Result, error)
	ConfirmIfReady(ctx context.Context, bookingID string) *fulfillment.Result
}

type Config struct {
	SigningSecret string
	Tolerance     time.Duration
}

type Processor struct {
	secret    string
	tolerance time.Duration
	payments  PaymentWriter
	audit     audit.Writer
	events    events.Publisher
	logger    *slog.Logger
}

func NewProcessor(cfg Config, payments PaymentWriter, auditWriter audit.Writer, publisher events.Publisher, logger *slog.Logger) (*Processor, error) {
	if cfg.SigningSecret == "" {
		return nil, internal.NewConfigurationError("gateway webhook signing secret is not configured")
	}
	tolerance := cfg.Tolerance
	if tolerance <= 0 {
		tolerance = stripewebhook.DefaultTolerance
	}
	return &Processor{
		secret:    cfg.SigningSecret,
		tolerance: tolerance,
		payments:  payments,
		audit:     auditWriter,
		events:    publisher,
		logger:    logger,
	}, nil
}

// Outcome is what the HTTP layer sends back to the gateway.
type Outcome struct {
	StatusCode int    `json:"-"`
	Received   bool   `json:"received"`
	EventID    string `json:"event_id,omitempty"`
	EventType  string `json:"event_type,omitempty"`
	Handled    bool   `json:"handled"`
	Error      error  `json:"-"`
}

// Handle verifies the signature against the raw body before anything is
// parsed. Only a bad signature or an unreadable envelope yields 400.
func (p *Processor) Handle(ctx context.Context, payload []byte, signature string) Outcome {
	ctx, span := otel.Tracer("webhook").Start(ctx, "webhook.Handle")
	defer span.End()

	event, err := stripewebhook.ConstructEventWithOptions(payload, signature, p.secret, stripewebhook.ConstructEventOptions{
		Tolerance:                p.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		span.RecordError(err)
		p.logger.WarnContext(ctx, "rejected webhook", "error", err)
		return Outcome{StatusCode: http.StatusBadRequest, Error: internal.ErrInvalidSignature}
	}

	eventType := string(event.Type)
	span.SetAttributes(
		attribute.String("webhook.event_id", event.ID),
		attribute.String("webhook.event_type", eventType),
	)
	ctx = auth.WithPrincipal(ctx, auth.ServicePrincipal(auth.WebhookServiceID))

	out := Outcome{StatusCode: http.StatusOK, Received: true, EventID: event.ID, EventType: eventType}
	handled, err := p.dispatch(ctx, event)
	out.Handled = handled
	if err != nil {
		// Acknowledged anyway; the log line carries what is needed to replay.
		span.RecordError(err)
		p.logger.ErrorContext(ctx, "webhook event failed",
			"error", err, "event_id", event.ID, "event_type", eventType)
	}
	return out
}

func (p *Processor) dispatch(ctx context.Context, event stripe.Event) (bool, error) {
	if event.Data == nil {
		return false, fmt.Errorf("event %s has no data", event.ID)
	}

	switch string(event.Type) {
	case EventCheckoutSessionCompleted:
		var session stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return false, fmt.Errorf("decode checkout session: %w", err)
		}
		return true, p.handleCheckoutCompleted(ctx, event, &session)

	case EventPaymentIntentSucceeded:
		var intent stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
			return false, fmt.Errorf("decode payment intent: %w", err)
		}
		return true, p.capture(ctx, event, intent.ID, captureFromIntent(&intent))

	case EventPaymentIntentFailed, EventPaymentIntentCanceled:
		var intent stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
			return false, fmt.Errorf("decode payment intent: %w", err)
		}
		return true, p.handleIntentFailed(ctx, event, &intent)

	case EventChargeRefunded:
		var charge stripe.Charge
		if err := json.Unmarshal(event.Data.Raw, &charge); err != nil {
			return false, fmt.Errorf("decode charge: %w", err)
		}
		return true, p.handleRefund(ctx, event, &charge)

	case EventChargeDisputeCreated:
		var dispute stripe.Dispute
		if err := json.Unmarshal(event.Data.Raw, &dispute); err != nil {
			return false, fmt.Errorf("decode dispute: %w", err)
		}
		return true, p.handleDispute(ctx, event, &dispute)

	default:
		p.logger.InfoContext(ctx, "ignoring webhook event", "event_id", event.ID, "event_type", event.Type)
		return false, nil
	}
}

func (p *Processor) handleCheckoutCompleted(ctx context.Context, event stripe.Event, session *stripe.CheckoutSession) error {
	if session.PaymentStatus == stripe.CheckoutSessionPaymentStatusUnpaid {
		// Delayed methods settle later through payment_intent.succeeded.
		p.logger.InfoContext(ctx, "checkout completed without payment", "session_id", session.ID)
		p.record(ctx, event, "checkout_sessions", session.ID, auditDatamodel.SeverityInfo, map[string]interface{}{
			"payment_status": string(session.PaymentStatus),
		})
		return nil
	}

	ref := session.ID
	if session.PaymentIntent != nil && session.PaymentIntent.ID != "" {
		ref = session.PaymentIntent.ID
	}
	c := payment.Capture{
		BookingID:        session.Metadata[MetaBookingID],
		PaymentID:        session.Metadata[MetaPaymentID],
		GatewayReference: ref,
		Kind:             session.Metadata[MetaPaymentType],
		Amount:           session.AmountTotal,
		Currency:         string(session.Currency),
		Metadata: map[string]interface{}{
			"checkout_session_id": session.ID,
			"last_event_id":       event.ID,
		},
	}
	return p.capture(ctx, event, session.ID, c)
}

func captureFromIntent(intent *stripe.PaymentIntent) payment.Capture {
	amount := intent.AmountReceived
	if amount == 0 {
		amount = intent.Amount
	}
	c := payment.Capture{
		BookingID:        intent.Metadata[MetaBookingID],
		PaymentID:        intent.Metadata[MetaPaymentID],
		GatewayReference: intent.ID,
		Kind:             intent.Metadata[MetaPaymentType],
		Amount:           amount,
		Currency:         string(intent.Currency),
		Metadata:         map[string]interface{}{"payment_intent_status": string(intent.Status)},
	}
	if intent.LatestCharge != nil {
		c.ChargeID = intent.LatestCharge.ID
	}
	if len(intent.PaymentMethodTypes) > 0 {
		c.Method = intent.PaymentMethodTypes[0]
	}
	return c
}

// capture runs update ledger, recompute balance and maybe confirm as one
// serialized step per booking.
func (p *Processor) capture(ctx context.Context, event stripe.Event, objectID string, c payment.Capture) error {
	if c.Metadata == nil {
		c.Metadata = map[string]interface{}{}
	}
	c.Metadata["last_event_id"] = event.ID

	if c.BookingID == "" {
		existing, err := p.payments.Locate(ctx, "", c.GatewayReference, c.PaymentID)
		if err != nil && !errors.Is(err, internal.ErrPaymentNotFound) {
			return err
		}
		if existing == nil {
			p.logger.WarnContext(ctx, "capture matches no booking",
				"event_id", event.ID, "gateway_reference", c.GatewayReference)
			p.record(ctx, event, "payments", objectID, auditDatamodel.SeverityInfo, map[string]interface{}{
				"matched":           false,
				"gateway_reference": c.GatewayReference,
			})
			return nil
		}
		c.BookingID = existing.BookingID
	}

	var (
		captured *paymentDatamodel.Payment
		settled  *balance.Result
		primary  bool
	)
	err := p.payments.WithBookingLock(ctx, c.BookingID, func(ctx context.Context) error {
		var err error
		if captured, err = p.payments.RecordCapture(ctx, c); err != nil {
			return err
		}
		primary = captured.Kind == paymentDatamodel.KindPayment && captured.Status == paymentDatamodel.StatusCompleted
		settled, err = p.payments.Settle(ctx, captured.BookingID, primary, captured.ID, captured.Status)
		return err
	})
	if err != nil {
		return err
	}

	p.record(ctx, event, "payments", objectID, auditDatamodel.SeverityInfo, map[string]interface{}{
		"booking_id":     captured.BookingID,
		"payment_id":     captured.ID,
		"status":         captured.Status,
		"amount":         captured.Amount,
		"balance":        settled.Balance,
		"billing_status": settled.BillingStatus,
	})
	p.logger.InfoContext(ctx, "payment captured",
		"event_id", event.ID,
		"booking_id", captured.BookingID,
		"payment_id", captured.ID,
		"balance", settled.Balance,
		"billing_status", settled.BillingStatus)

	if primary && settled.Balance == 0 {
		p.payments.ConfirmIfReady(ctx, captured.BookingID)
	}
	return nil
}

func (p *Processor) handleIntentFailed(ctx context.Context, event stripe.Event, intent *stripe.PaymentIntent) error {
	status := paymentDatamodel.StatusFailed
	reason := ""
	if string(event.Type) == EventPaymentIntentCanceled {
		status = paymentDatamodel.StatusCancelled
		reason = string(intent.CancellationReason)
	}
	if intent.LastPaymentError != nil && intent.LastPaymentError.Msg != "" {
		reason = intent.LastPaymentError.Msg
	}

	existing, err := p.payments.Locate(ctx, "", intent.ID, intent.Metadata[MetaPaymentID])
	if errors.Is(err, internal.ErrPaymentNotFound) {
		p.logger.WarnContext(ctx, "failure matches no payment", "event_id", event.ID, "payment_intent", intent.ID)
		p.record(ctx, event, "payments", intent.ID, auditDatamodel.SeverityInfo, map[string]interface{}{
			"matched": false,
			"status":  status,
			"reason":  reason,
		})
		return nil
	}
	if err != nil {
		return err
	}

	var (
		updated *paymentDatamodel.Payment
		settled *balance.Result
	)
	err = p.payments.WithBookingLock(ctx, existing.BookingID, func(ctx context.Context) error {
		var (
			moved bool
			err   error
		)
		updated, moved, err = p.payments.RecordFailure(ctx, payment.Failure{
			GatewayReference: intent.ID,
			PaymentID:        existing.ID,
			Status:           status,
			Reason:           reason,
			AmountReceived:   intent.AmountReceived,
			Metadata:         map[string]interface{}{"last_event_id": event.ID},
		})
		if err != nil || !moved {
			return err
		}
		settled, err = p.payments.Settle(ctx, updated.BookingID, false, updated.ID, updated.Status)
		return err
	})
	if err != nil {
		return err
	}

	values := map[string]interface{}{
		"booking_id": updated.BookingID,
		"payment_id": updated.ID,
		"status":     updated.Status,
		"reason":     reason,
	}
	if updated.Status != status {
		values["reported_status"] = status
		values["amount_received"] = intent.AmountReceived
	}
	if settled != nil {
		values["balance"] = settled.Balance
		values["billing_status"] = settled.BillingStatus
	}
	p.record(ctx, event, "payments", intent.ID, auditDatamodel.SeverityInfo, values)
	return nil
}

func (p *Processor) handleRefund(ctx context.Context, event stripe.Event, charge *stripe.Charge) error {
	intentID := ""
	if charge.PaymentIntent != nil {
		intentID = charge.PaymentIntent.ID
	}

	existing, err := p.payments.Locate(ctx, charge.ID, intentID, "")
	if errors.Is(err, internal.ErrPaymentNotFound) {
		p.logger.WarnContext(ctx, "refund matches no payment", "event_id", event.ID, "charge_id", charge.ID)
		p.record(ctx, event, "payments", charge.ID, auditDatamodel.SeverityInfo, map[string]interface{}{
			"matched":         false,
			"amount_refunded": charge.AmountRefunded,
		})
		return nil
	}
	if err != nil {
		return err
	}

	var (
		updated *paymentDatamodel.Payment
		settled *balance.Result
	)
	err = p.payments.WithBookingLock(ctx, existing.BookingID, func(ctx context.Context) error {
		var err error
		updated, err = p.payments.ApplyRefund(ctx, payment.Refund{
			ChargeID:         charge.ID,
			GatewayReference: intentID,
			Amount:           charge.Amount,
			AmountRefunded:   charge.AmountRefunded,
		})
		if err != nil {
			return err
		}
		settled, err = p.payments.Settle(ctx, updated.BookingID, false, updated.ID, updated.Status)
		return err
	})
	if err != nil {
		return err
	}

	p.record(ctx, event, "payments", charge.ID, auditDatamodel.SeverityInfo, map[string]interface{}{
		"booking_id":      updated.BookingID,
		"payment_id":      updated.ID,
		"status":          updated.Status,
		"amount_refunded": updated.AmountRefunded,
		"balance":         settled.Balance,
		"billing_status":  settled.BillingStatus,
	})
	return nil
}

func (p *Processor) handleDispute(ctx context.Context, event stripe.Event, dispute *stripe.Dispute) error {
	chargeID, intentID := "", ""
	if dispute.Charge != nil {
		chargeID = dispute.Charge.ID
	}
	if dispute.PaymentIntent != nil {
		intentID = dispute.PaymentIntent.ID
	}
	values := map[string]interface{}{
		"dispute_id": dispute.ID,
		"reason":     string(dispute.Reason),
		"amount":     dispute.Amount,
		"charge_id":  chargeID,
	}

	existing, err := p.payments.Locate(ctx, chargeID, intentID, "")
	if errors.Is(err, internal.ErrPaymentNotFound) {
		p.logger.WarnContext(ctx, "dispute matches no payment", "event_id", event.ID, "dispute_id", dispute.ID)
		values["matched"] = false
		p.record(ctx, event, "payments", dispute.ID, auditDatamodel.SeverityHigh, values)
		return nil
	}
	if err != nil {
		return err
	}

	var annotated *paymentDatamodel.Payment
	err = p.payments.WithBookingLock(ctx, existing.BookingID, func(ctx context.Context) error {
		var err error
		annotated, err = p.payments.AnnotateDispute(ctx, payment.Dispute{
			ChargeID:         chargeID,
			GatewayReference: intentID,
			DisputeID:        dispute.ID,
			Reason:           string(dispute.Reason),
			Status:           string(dispute.Status),
			Amount:           dispute.Amount,
		})
		return err
	})
	if err != nil {
		return err
	}

	values["booking_id"] = annotated.BookingID
	values["payment_id"] = annotated.ID
	p.record(ctx, event, "payments", dispute.ID, auditDatamodel.SeverityHigh, values)

	if p.events != nil {
		disputed := events.NewPaymentDisputedEvent(annotated.BookingID, annotated.ID, dispute.ID, string(dispute.Reason), dispute.Amount)
		if err := p.events.Publish(ctx, disputed); err != nil {
			p.logger.WarnContext(ctx, "failed to publish dispute event", "error", err, "dispute_id", dispute.ID)
		}
	}
	p.logger.WarnContext(ctx, "payment disputed",
		"booking_id", annotated.BookingID, "payment_id", annotated.ID, "dispute_id", dispute.ID, "reason", dispute.Reason)
	return nil
}

// record writes the audit row for an event. It is keyed by the gateway
// object id and written even when no booking was touched.
func (p *Processor) record(ctx context.Context, event stripe.Event, table, objectID, severity string, values map[string]interface{}) {
	if p.audit == nil {
		return
	}
	if values == nil {
		values = map[string]interface{}{}
	}
	values["event_id"] = event.ID
	if objectID == "" {
		objectID = event.ID
	}

	err := p.audit.Record(ctx, audit.Record{
		TableName: table,
		RecordID:  objectID,
		Action:    string(event.Type),
		Actor:     auth.WebhookServiceID,
		Severity:  severity,
		NewValues: values,
	})
	if err != nil {
		p.logger.ErrorContext(ctx, "failed to write webhook audit entry",
			"error", err, "event_id", event.ID, "record_id", objectID,
			"trace_id", trace.SpanContextFromContext(ctx).TraceID().String())
	}
}
