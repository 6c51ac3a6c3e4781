package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/frahmantamala/rental-fulfillment/internal/core/datamodel/booking"
	"github.com/frahmantamala/rental-fulfillment/internal/core/datamodel/payment"
	reqmodel "github.com/frahmantamala/rental-fulfillment/internal/core/datamodel/requirement"
	"gorm.io/gorm"
)

var ErrBookingNotFound = errors.New("booking not found")

type Source struct {
	db *gorm.DB
}

func NewSource(db *gorm.DB) *Source {
	return &Source{db: db}
}

func (s *Source) Booking(ctx context.Context, bookingID string) (*booking.Booking, error) {
	var b booking.Booking
	err := s.db.WithContext(ctx).Where("id = ?", bookingID).First(&b).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrBookingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load booking: %w", err)
	}
	return &b, nil
}

func (s *Source) ContractStatuses(ctx context.Context, bookingID string) ([]string, error) {
	var statuses []string
	err := s.db.WithContext(ctx).
		Model(&reqmodel.Contract{}).
		Where("booking_id = ?", bookingID).
		Pluck("status", &statuses).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load contracts: %w", err)
	}
	return statuses, nil
}

func (s *Source) InsuranceDocumentCount(ctx context.Context, bookingID string) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&reqmodel.InsuranceDocument{}).
		Where("booking_id = ?", bookingID).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count insurance documents: %w", err)
	}
	return count, nil
}

func (s *Source) HasApprovedIDVerification(ctx context.Context, bookingID string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&reqmodel.IDVerificationRequest{}).
		Where("booking_id = ? AND status = ?", bookingID, reqmodel.DocumentStatusApproved).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to load id verification: %w", err)
	}
	return count > 0, nil
}

func (s *Source) CustomerLicenseVerifiedAt(ctx context.Context, customerID string) (*time.Time, error) {
	var c booking.Customer
	err := s.db.WithContext(ctx).
		Select("id", "drivers_license_verified_at").
		Where("id = ?", customerID).
		First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load customer: %w", err)
	}
	return c.DriversLicenseVerifiedAt, nil
}

func (s *Source) PrimaryPaymentStatuses(ctx context.Context, bookingID string) ([]string, error) {
	var statuses []string
	err := s.db.WithContext(ctx).
		Model(&payment.Payment{}).
		Where("booking_id = ? AND kind = ?", bookingID, payment.KindPayment).
		Pluck("status", &statuses).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load payments: %w", err)
	}
	return statuses, nil
}
