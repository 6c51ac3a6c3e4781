package postgres

import (
	"context"
	"fmt"

	"github.com/frahmantamala/rental-fulfillment/internal/core/datamodel/payment"
	"gorm.io/gorm"
)

// Source reads ledger rows with gorm. It is built on either the pool or an
// open transaction.
type Source struct {
	db *gorm.DB
}

func NewSource(db *gorm.DB) *Source {
	return &Source{db: db}
}

func (s *Source) GatewayPayments(ctx context.Context, bookingID string) ([]payment.Payment, error) {
	var rows []payment.Payment
	err := s.db.WithContext(ctx).
		Where("booking_id = ?", bookingID).
		Order("created_at ASC, id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load gateway payments: %w", err)
	}
	return rows, nil
}

func (s *Source) ManualPayments(ctx context.Context, bookingID string) ([]payment.ManualPayment, error) {
	var rows []payment.ManualPayment
	err := s.db.WithContext(ctx).
		Where("booking_id = ?", bookingID).
		Order("created_at ASC, id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load manual payments: %w", err)
	}
	return rows, nil
}
