package balance

import (
	"context"
	"errors"
	"log/slog"

	"github.com/frahmantamala/rental-fulfillment/internal"
	"github.com/frahmantamala/rental-fulfillment/internal/core/datamodel/booking"
	"github.com/frahmantamala/rental-fulfillment/internal/ledger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var ErrBookingNotFound = errors.New("booking not found")

// Result is the outcome of folding a booking's ledger. Amounts are minor units.
type Result struct {
	BookingID     string `json:"booking_id"`
	TotalAmount   int64  `json:"total_amount"`
	Gross         int64  `json:"gross"`
	Refunds       int64  `json:"refunds"`
	Net           int64  `json:"net"`
	Outstanding   int64  `json:"outstanding"`
	Balance       int64  `json:"balance"`
	BillingStatus string `json:"billing_status"`
}

func (r Result) FullyPaid() bool {
	return r.Outstanding <= 0
}

// Tx is a view of one booking inside a transaction holding its row lock.
type Tx interface {
	Booking() *booking.Booking
	Ledger(ctx context.Context) ([]ledger.Entry, error)
	SaveBalance(ctx context.Context, balance int64, billingStatus string) error
}

type Store interface {
	// WithBookingLock returns ErrBookingNotFound when the booking is missing.
	WithBookingLock(ctx context.Context, bookingID string, fn func(tx Tx) error) error
}

type Reconciler struct {
	store  Store
	logger *slog.Logger
}

func NewReconciler(store Store, logger *slog.Logger) *Reconciler {
	return &Reconciler{store: store, logger: logger}
}

// Recalculate recomputes and persists the balance and billing status from the
// ledger read inside the same locked transaction.
func (r *Reconciler) Recalculate(ctx context.Context, bookingID string) (*Result, error) {
	if bookingID == "" {
		return nil, internal.NewValidationError("booking id is required", internal.ErrCodeInvalidBookingID)
	}

	ctx, span := otel.Tracer("balance").Start(ctx, "balance.Recalculate")
	defer span.End()
	span.SetAttributes(attribute.String("booking.id", bookingID))

	var result Result
	err := r.store.WithBookingLock(ctx, bookingID, func(tx Tx) error {
		b := tx.Booking()
		entries, err := tx.Ledger(ctx)
		if err != nil {
			return err
		}

		result = Fold(b.TotalAmount, entries)
		result.BookingID = b.ID

		return tx.SaveBalance(ctx, result.Balance, result.BillingStatus)
	})
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, ErrBookingNotFound) {
			return nil, internal.NewDataError("booking not found", internal.ErrCodeBookingNotFound, err)
		}
		r.logger.Error("failed to recalculate balance", "error", err, "booking_id", bookingID)
		return nil, internal.NewDataError("failed to recalculate balance", internal.ErrCodeStorageFailure, err)
	}

	span.SetAttributes(
		attribute.Int64("balance.outstanding", result.Outstanding),
		attribute.String("balance.billing_status", result.BillingStatus),
	)
	r.logger.Info("balance recalculated",
		"booking_id", bookingID,
		"gross", result.Gross,
		"refunds", result.Refunds,
		"outstanding", result.Outstanding,
		"billing_status", result.BillingStatus)

	return &result, nil
}

// Fold computes the balance of total against the ledger. Refunds reduce what
// was collected; deposits never count.
func Fold(total int64, entries []ledger.Entry) Result {
	res := Result{TotalAmount: total}
	for _, e := range entries {
		if !e.Counts() {
			continue
		}
		res.Gross += e.Amount
		res.Refunds += e.AmountRefunded
	}

	res.Net = res.Gross - res.Refunds
	res.Outstanding = total - res.Net
	res.Balance = res.Outstanding
	if res.Balance < 0 {
		res.Balance = 0
	}
	res.BillingStatus = Classify(total, res.Outstanding)
	return res
}

func Classify(total, outstanding int64) string {
	switch {
	case outstanding < 0:
		return booking.BillingOverpaid
	case outstanding == 0:
		return booking.BillingPaid
	case outstanding >= total:
		return booking.BillingUnpaid
	default:
		return booking.BillingPartiallyPaid
	}
}
