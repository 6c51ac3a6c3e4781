package payment

import (
	"context"
	"strings"
	"time"

	"github.com/frahmantamala/rental-fulfillment/internal"
	"github.com/frahmantamala/rental-fulfillment/internal/audit"
	"github.com/frahmantamala/rental-fulfillment/internal/balance"
	"github.com/frahmantamala/rental-fulfillment/internal/core/common/validation"
	"github.com/frahmantamala/rental-fulfillment/internal/core/datamodel/payment"
	"github.com/google/uuid"
)

const (
	ActionManualRecorded = "manual_payment.recorded"
	ActionManualVoided   = "manual_payment.voided"
)

// RecordManualPayment stores an office payment, settles the booking and
// then tries to confirm it.
func (s *Service) RecordManualPayment(ctx context.Context, bookingID string, req ManualPaymentRequest) (*SettlementResponse, error) {
	if appErr := validation.ValidateBookingID(bookingID); appErr != nil {
		return nil, appErr
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	currency := strings.ToLower(strings.TrimSpace(req.Currency))
	if currency == "" {
		currency = "usd"
	}
	now := time.Now().UTC()
	m := &payment.ManualPayment{
		ID:         uuid.NewString(),
		BookingID:  bookingID,
		Amount:     req.Amount,
		Currency:   currency,
		Status:     payment.StatusCompleted,
		Method:     strings.TrimSpace(req.Method),
		ReceivedAt: strings.TrimSpace(req.ReceivedAt),
		Reference:  req.Reference,
		Notes:      req.Notes,
		RecordedBy: internal.ActorFromContext(ctx),
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	var result *balance.Result
	err := s.WithBookingLock(ctx, bookingID, func(ctx context.Context) error {
		if _, err := s.bookings.GetBooking(ctx, bookingID); err != nil {
			return bookingError(err)
		}
		if err := s.repo.CreateManual(ctx, m); err != nil {
			return internal.NewDataError("failed to record manual payment", internal.ErrCodeStorageFailure, err)
		}
		s.record(ctx, audit.Record{
			TableName: "manual_payments",
			RecordID:  m.ID,
			Action:    ActionManualRecorded,
			Actor:     m.RecordedBy,
			NewValues: map[string]interface{}{
				"booking_id":  bookingID,
				"amount":      m.Amount,
				"method":      m.Method,
				"received_at": m.ReceivedAt,
			},
		})

		var err error
		result, err = s.Settle(ctx, bookingID, true, m.ID, m.Status)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "manual payment recorded",
		"booking_id", bookingID,
		"payment_id", m.ID,
		"amount", m.Amount,
		"balance", result.Balance,
		"recorded_by", m.RecordedBy)

	return &SettlementResponse{
		PaymentID:    m.ID,
		BookingID:    bookingID,
		Balance:      result,
		Confirmation: s.ConfirmIfReady(ctx, bookingID),
	}, nil
}

// VoidManualPayment soft-deletes a manual entry so the ledger no longer
// counts it, then recomputes the balance. A booking that is already paid or
// confirmed keeps its status.
func (s *Service) VoidManualPayment(ctx context.Context, bookingID, paymentID string) (*SettlementResponse, error) {
	if appErr := validation.ValidateBookingID(bookingID); appErr != nil {
		return nil, appErr
	}
	if paymentID == "" {
		return nil, internal.NewValidationError("payment id is required", internal.ErrCodeValidationFailed)
	}

	var result *balance.Result
	err := s.WithBookingLock(ctx, bookingID, func(ctx context.Context) error {
		deleted, err := s.repo.DeleteManual(ctx, bookingID, paymentID)
		if err != nil {
			return internal.NewDataError("failed to void manual payment", internal.ErrCodeStorageFailure, err)
		}
		if !deleted {
			return internal.ErrPaymentNotFound
		}
		s.record(ctx, audit.Record{
			TableName: "manual_payments",
			RecordID:  paymentID,
			Action:    ActionManualVoided,
			Actor:     internal.ActorFromContext(ctx),
			NewValues: map[string]interface{}{"booking_id": bookingID},
		})

		result, err = s.Settle(ctx, bookingID, false, paymentID, payment.StatusCancelled)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "manual payment voided",
		"booking_id", bookingID, "payment_id", paymentID, "balance", result.Balance)

	return &SettlementResponse{PaymentID: paymentID, BookingID: bookingID, Balance: result}, nil
}

func bookingError(err error) error {
	if _, ok := internal.IsAppError(err); ok {
		return err
	}
	return internal.NewDataError("failed to load booking", internal.ErrCodeStorageFailure, err)
}
