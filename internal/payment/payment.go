// Package payment owns every write to the two payment tables. Callers that
// change money hold the booking lock, write through this package, then
// settle the booking so the balance reflects the write.
package payment

import (
	"context"
	"errors"
	"log/slog"

	"github.com/frahmantamala/rental-fulfillment/internal"
	"github.com/frahmantamala/rental-fulfillment/internal/audit"
	"github.com/frahmantamala/rental-fulfillment/internal/balance"
	"github.com/frahmantamala/rental-fulfillment/internal/core/datamodel/booking"
	"github.com/frahmantamala/rental-fulfillment/internal/core/datamodel/payment"
	"github.com/frahmantamala/rental-fulfillment/internal/core/events"
	"github.com/frahmantamala/rental-fulfillment/internal/fulfillment"
	"github.com/frahmantamala/rental-fulfillment/internal/lock"
)

// RepositoryAPI returns internal.ErrPaymentNotFound from the Find methods
// when no row matches.
type RepositoryAPI interface {
	FindByID(ctx context.Context, id string) (*payment.Payment, error)
	FindByGatewayReference(ctx context.Context, ref string) (*payment.Payment, error)
	FindByCharge(ctx context.Context, chargeID string) (*payment.Payment, error)
	InsertIfAbsent(ctx context.Context, p *payment.Payment) (bool, error)
	Update(ctx context.Context, id string, fields map[string]interface{}) error
	CreateManual(ctx context.Context, m *payment.ManualPayment) error
	DeleteManual(ctx context.Context, bookingID, id string) (bool, error)
}

type BalanceReconciler interface {
	Recalculate(ctx context.Context, bookingID string) (*balance.Result, error)
}

type BookingStore interface {
	GetBooking(ctx context.Context, id string) (*booking.Booking, error)
	MarkPaidIfPending(ctx context.Context, id string) (bool, error)
}

type Confirmer interface {
	ConfirmAutomatically(ctx context.Context, bookingID string) (*fulfillment.Result, error)
}

type Dependencies struct {
	Repo       RepositoryAPI
	Reconciler BalanceReconciler
	Bookings   BookingStore
	Confirmer  Confirmer
	Locker     lock.Locker
	Events     events.Publisher
	Audit      audit.Writer
	Logger     *slog.Logger
}

type Service struct {
	repo       RepositoryAPI
	reconciler BalanceReconciler
	bookings   BookingStore
	confirmer  Confirmer
	locker     lock.Locker
	events     events.Publisher
	audit      audit.Writer
	logger     *slog.Logger
}

func NewService(deps Dependencies) *Service {
	locker := deps.Locker
	if locker == nil {
		locker = lock.NewKeyedMutex()
	}
	return &Service{
		repo:       deps.Repo,
		reconciler: deps.Reconciler,
		bookings:   deps.Bookings,
		confirmer:  deps.Confirmer,
		locker:     locker,
		events:     deps.Events,
		audit:      deps.Audit,
		logger:     deps.Logger,
	}
}

// WithBookingLock runs fn while holding the per-booking lock shared with
// fulfillment.
func (s *Service) WithBookingLock(ctx context.Context, bookingID string, fn func(ctx context.Context) error) error {
	unlock, err := s.locker.Lock(ctx, bookingID)
	if err != nil {
		return internal.NewDataError("could not lock booking", internal.ErrCodeLockNotAcquired, err)
	}
	defer unlock()
	return fn(ctx)
}

// Settle recomputes the balance and, when a primary charge leaves nothing
// owed, moves a pending booking to paid. The caller holds the booking lock.
func (s *Service) Settle(ctx context.Context, bookingID string, primary bool, paymentID, paymentStatus string) (*balance.Result, error) {
	result, err := s.reconciler.Recalculate(ctx, bookingID)
	if err != nil {
		return nil, err
	}

	if primary && result.Balance == 0 {
		flipped, err := s.bookings.MarkPaidIfPending(ctx, bookingID)
		if err != nil {
			return result, internal.NewDataError("failed to mark booking paid", internal.ErrCodeStorageFailure, err)
		}
		if flipped {
			s.logger.InfoContext(ctx, "booking fully paid", "booking_id", bookingID, "payment_id", paymentID)
		}
	}

	if s.events != nil {
		event := events.NewPaymentReconciledEvent(bookingID, paymentID, paymentStatus, result.Balance, result.BillingStatus)
		if err := s.events.Publish(ctx, event); err != nil {
			s.logger.WarnContext(ctx, "failed to publish payment reconciled event", "error", err, "booking_id", bookingID)
		}
	}
	return result, nil
}

// ConfirmIfReady asks fulfillment to confirm the booking. It must be called
// after the booking lock is released. Failures are logged, not returned: the
// money write already succeeded and the sweep retries confirmation.
func (s *Service) ConfirmIfReady(ctx context.Context, bookingID string) *fulfillment.Result {
	if s.confirmer == nil {
		return nil
	}
	result, err := s.confirmer.ConfirmAutomatically(ctx, bookingID)
	if err != nil {
		s.logger.WarnContext(ctx, "automatic confirmation failed", "error", err, "booking_id", bookingID)
		return nil
	}
	return result
}

func (s *Service) record(ctx context.Context, rec audit.Record) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, rec); err != nil {
		s.logger.ErrorContext(ctx, "failed to write audit entry",
			"error", err, "action", rec.Action, "record_id", rec.RecordID)
	}
}

func isNotFound(err error) bool {
	return errors.Is(err, internal.ErrPaymentNotFound)
}
