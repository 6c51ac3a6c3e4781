// Package postgres holds the booking repository shared by fulfillment, the
// webhook processor and the operational commands.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/frahmantamala/rental-fulfillment/internal"
	"github.com/frahmantamala/rental-fulfillment/internal/core/datamodel/booking"
	"gorm.io/gorm"
)

type BookingRepository struct {
	db *gorm.DB
}

func NewBookingRepository(db *gorm.DB) *BookingRepository {
	return &BookingRepository{db: db}
}

// GetBooking returns internal.ErrBookingNotFound for an unknown id.
func (r *BookingRepository) GetBooking(ctx context.Context, id string) (*booking.Booking, error) {
	var b booking.Booking
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&b).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, internal.ErrBookingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load booking %s: %w", id, err)
	}
	return &b, nil
}

func (r *BookingRepository) GetCustomer(ctx context.Context, id string) (*booking.Customer, error) {
	var c booking.Customer
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&c).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load customer %s: %w", id, err)
	}
	return &c, nil
}

// ConfirmIfConfirmable moves a pending or paid booking to confirmed. It
// reports false when another writer got there first or the booking is in a
// state that cannot be confirmed.
func (r *BookingRepository) ConfirmIfConfirmable(ctx context.Context, id string) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&booking.Booking{}).
		Where("id = ? AND status IN ?", id, []string{booking.StatusPending, booking.StatusPaid}).
		Updates(map[string]interface{}{
			"status":     booking.StatusConfirmed,
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return false, fmt.Errorf("failed to confirm booking %s: %w", id, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// MarkCompletionEmailSent stamps the one-time notification flag. It reports
// false when the flag was already set.
func (r *BookingRepository) MarkCompletionEmailSent(ctx context.Context, id string, at time.Time) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&booking.Booking{}).
		Where("id = ? AND completion_email_sent_at IS NULL", id).
		Updates(map[string]interface{}{
			"completion_email_sent_at": at,
			"updated_at":               time.Now().UTC(),
		})
	if res.Error != nil {
		return false, fmt.Errorf("failed to mark completion email for %s: %w", id, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// MarkPaidIfPending flips a pending booking to paid once its primary charge
// has cleared the balance.
func (r *BookingRepository) MarkPaidIfPending(ctx context.Context, id string) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&booking.Booking{}).
		Where("id = ? AND status = ?", id, booking.StatusPending).
		Updates(map[string]interface{}{
			"status":     booking.StatusPaid,
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return false, fmt.Errorf("failed to mark booking %s paid: %w", id, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// ListSweepCandidates returns bookings that may still need confirmation or
// a completion email, oldest first.
func (r *BookingRepository) ListSweepCandidates(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	var ids []string
	err := r.db.WithContext(ctx).
		Model(&booking.Booking{}).
		Where("status IN ? OR (status = ? AND completion_email_sent_at IS NULL)",
			[]string{booking.StatusPending, booking.StatusPaid}, booking.StatusConfirmed).
		Order("created_at ASC").
		Limit(limit).
		Pluck("id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list sweep candidates: %w", err)
	}
	return ids, nil
}

func (r *BookingRepository) Create(ctx context.Context, b *booking.Booking) error {
	return r.db.WithContext(ctx).Create(b).Error
}

func (r *BookingRepository) CreateCustomer(ctx context.Context, c *booking.Customer) error {
	return r.db.WithContext(ctx).Create(c).Error
}
