package payment

import (
	"context"
	"time"

	"github.com/frahmantamala/rental-fulfillment/internal"
	"github.com/frahmantamala/rental-fulfillment/internal/core/datamodel/payment"
	"github.com/google/uuid"
)

// Capture is a successful gateway charge as reported by a webhook.
type Capture struct {
	BookingID        string
	PaymentID        string
	GatewayReference string
	ChargeID         string
	Kind             string
	Amount           int64
	Currency         string
	Method           string
	Metadata         map[string]interface{}
}

type Failure struct {
	GatewayReference string
	PaymentID        string
	Status           string
	Reason           string
	AmountReceived   int64
	Metadata         map[string]interface{}
}

type Refund struct {
	ChargeID         string
	GatewayReference string
	Amount           int64
	AmountRefunded   int64
}

type Dispute struct {
	ChargeID         string
	GatewayReference string
	DisputeID        string
	Reason           string
	Status           string
	Amount           int64
}

// Locate finds a gateway payment by charge id, then gateway reference, then
// our own payment id. Empty keys are skipped.
func (s *Service) Locate(ctx context.Context, chargeID, gatewayRef, paymentID string) (*payment.Payment, error) {
	lookups := []struct {
		key  string
		find func(context.Context, string) (*payment.Payment, error)
	}{
		{chargeID, s.repo.FindByCharge},
		{gatewayRef, s.repo.FindByGatewayReference},
		{paymentID, s.repo.FindByID},
	}
	for _, l := range lookups {
		if l.key == "" {
			continue
		}
		p, err := l.find(ctx, l.key)
		if err == nil {
			return p, nil
		}
		if !isNotFound(err) {
			return nil, internal.NewDataError("failed to look up payment", internal.ErrCodeStorageFailure, err)
		}
	}
	return nil, internal.ErrPaymentNotFound
}

// RecordCapture upserts the payment to completed. A replay finds the row by
// its gateway reference and never creates a second one; a refunded row is
// left as it is.
func (s *Service) RecordCapture(ctx context.Context, c Capture) (*payment.Payment, error) {
	existing, err := s.Locate(ctx, "", c.GatewayReference, c.PaymentID)
	if err != nil && !isNotFound(err) {
		return nil, err
	}

	now := time.Now().UTC()
	if existing == nil {
		if c.BookingID == "" {
			return nil, internal.NewValidationError("capture carries no booking id", internal.ErrCodeInvalidBookingID)
		}
		created := newGatewayPayment(c, now)
		inserted, err := s.repo.InsertIfAbsent(ctx, created)
		if err != nil {
			return nil, internal.NewDataError("failed to insert payment", internal.ErrCodeStorageFailure, err)
		}
		if inserted {
			s.logger.InfoContext(ctx, "gateway payment created",
				"payment_id", created.ID, "booking_id", created.BookingID, "gateway_reference", c.GatewayReference)
			return created, nil
		}
		// Lost an insert race with a concurrent delivery.
		if existing, err = s.Locate(ctx, "", c.GatewayReference, ""); err != nil {
			return nil, err
		}
	}

	if existing.Status == payment.StatusRefunded || existing.Status == payment.StatusPartiallyRefunded {
		s.logger.InfoContext(ctx, "ignoring capture for refunded payment",
			"payment_id", existing.ID, "status", existing.Status)
		return existing, nil
	}

	fields := map[string]interface{}{
		"status":           payment.StatusCompleted,
		"gateway_metadata": existing.GatewayMetadata.Merge(c.Metadata),
		"failure_reason":   nil,
		"updated_at":       now,
	}
	if existing.ProcessedAt == nil {
		fields["processed_at"] = now
		existing.ProcessedAt = &now
	}
	if existing.GatewayReference == nil && c.GatewayReference != "" {
		fields["gateway_reference"] = c.GatewayReference
		existing.GatewayReference = &c.GatewayReference
	}
	if c.ChargeID != "" {
		fields["gateway_charge_id"] = c.ChargeID
		existing.GatewayChargeID = &c.ChargeID
	}
	if existing.Amount == 0 && c.Amount > 0 {
		fields["amount"] = c.Amount
		existing.Amount = c.Amount
	}
	if c.Method != "" {
		fields["method"] = c.Method
		existing.Method = &c.Method
	}

	if err := s.repo.Update(ctx, existing.ID, fields); err != nil {
		return nil, internal.NewDataError("failed to update payment", internal.ErrCodeStorageFailure, err)
	}
	existing.Status = payment.StatusCompleted
	existing.FailureReason = nil
	existing.GatewayMetadata = fields["gateway_metadata"].(payment.Metadata)
	return existing, nil
}

func newGatewayPayment(c Capture, now time.Time) *payment.Payment {
	kind := c.Kind
	if kind != payment.KindDeposit {
		kind = payment.KindPayment
	}
	currency := c.Currency
	if currency == "" {
		currency = "usd"
	}
	ref := c.GatewayReference
	p := &payment.Payment{
		ID:               uuid.NewString(),
		BookingID:        c.BookingID,
		Kind:             kind,
		Amount:           c.Amount,
		Currency:         currency,
		Status:           payment.StatusCompleted,
		ProcessedAt:      &now,
		GatewayReference: &ref,
		GatewayMetadata:  payment.Metadata{}.Merge(c.Metadata),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if c.ChargeID != "" {
		p.GatewayChargeID = &c.ChargeID
	}
	if c.Method != "" {
		p.Method = &c.Method
	}
	return p
}

// RecordFailure marks the payment failed or cancelled. moneyMoved reports
// whether the row now holds captured funds, in which case the balance needs a
// recompute. A failure arriving after the capture is stale and leaves a
// completed or refunded row as it is. When part of the charge was captured the
// row stays completed for the amount received.
func (s *Service) RecordFailure(ctx context.Context, f Failure) (p *payment.Payment, moneyMoved bool, err error) {
	p, err = s.Locate(ctx, "", f.GatewayReference, f.PaymentID)
	if err != nil {
		return nil, false, err
	}

	switch p.Status {
	case payment.StatusCompleted, payment.StatusRefunded, payment.StatusPartiallyRefunded:
		s.logger.WarnContext(ctx, "ignoring stale failure for captured payment",
			"payment_id", p.ID, "booking_id", p.BookingID, "status", p.Status, "failure_status", f.Status)
		return p, false, nil
	}

	status := f.Status
	if status != payment.StatusCancelled {
		status = payment.StatusFailed
	}
	metadata := p.GatewayMetadata.Merge(f.Metadata)
	fields := map[string]interface{}{
		"status":     status,
		"updated_at": time.Now().UTC(),
	}
	if f.AmountReceived > 0 {
		metadata = metadata.Merge(map[string]interface{}{"amount_requested": p.Amount})
		status = payment.StatusCompleted
		fields["status"] = status
		fields["amount"] = f.AmountReceived
		if p.ProcessedAt == nil {
			now := time.Now().UTC()
			fields["processed_at"] = now
			p.ProcessedAt = &now
		}
		p.Amount = f.AmountReceived
		moneyMoved = true
	}
	fields["gateway_metadata"] = metadata
	if f.Reason != "" {
		fields["failure_reason"] = f.Reason
		p.FailureReason = &f.Reason
	}
	if err := s.repo.Update(ctx, p.ID, fields); err != nil {
		return nil, false, internal.NewDataError("failed to update payment", internal.ErrCodeStorageFailure, err)
	}
	p.Status = status
	p.GatewayMetadata = metadata
	return p, moneyMoved, nil
}

// ApplyRefund records the cumulative refunded amount reported by the
// gateway. A refund that covers the whole charge marks the payment refunded.
func (s *Service) ApplyRefund(ctx context.Context, r Refund) (*payment.Payment, error) {
	p, err := s.Locate(ctx, r.ChargeID, r.GatewayReference, "")
	if err != nil {
		return nil, err
	}

	original := p.Amount
	if original == 0 {
		original = r.Amount
	}
	status := payment.StatusPartiallyRefunded
	if r.AmountRefunded >= original {
		status = payment.StatusRefunded
	}

	now := time.Now().UTC()
	fields := map[string]interface{}{
		"status":          status,
		"amount_refunded": r.AmountRefunded,
		"refunded_at":     now,
		"updated_at":      now,
	}
	if p.GatewayChargeID == nil && r.ChargeID != "" {
		fields["gateway_charge_id"] = r.ChargeID
		p.GatewayChargeID = &r.ChargeID
	}
	if err := s.repo.Update(ctx, p.ID, fields); err != nil {
		return nil, internal.NewDataError("failed to update payment", internal.ErrCodeStorageFailure, err)
	}
	p.Status = status
	p.AmountRefunded = r.AmountRefunded
	p.RefundedAt = &now
	return p, nil
}

// AnnotateDispute stores the dispute on the payment's metadata. Status and
// amounts are untouched until the dispute resolves.
func (s *Service) AnnotateDispute(ctx context.Context, d Dispute) (*payment.Payment, error) {
	p, err := s.Locate(ctx, d.ChargeID, d.GatewayReference, "")
	if err != nil {
		return nil, err
	}

	metadata := p.GatewayMetadata.Merge(map[string]interface{}{
		"dispute_id":     d.DisputeID,
		"dispute_reason": d.Reason,
		"dispute_status": d.Status,
		"dispute_amount": d.Amount,
	})
	fields := map[string]interface{}{
		"gateway_metadata": metadata,
		"updated_at":       time.Now().UTC(),
	}
	if err := s.repo.Update(ctx, p.ID, fields); err != nil {
		return nil, internal.NewDataError("failed to update payment", internal.ErrCodeStorageFailure, err)
	}
	p.GatewayMetadata = metadata
	return p, nil
}
