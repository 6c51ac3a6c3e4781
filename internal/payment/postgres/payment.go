package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/frahmantamala/rental-fulfillment/internal"
	"github.com/frahmantamala/rental-fulfillment/internal/core/datamodel/payment"
	paymentpkg "github.com/frahmantamala/rental-fulfillment/internal/payment"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type PaymentRepository struct {
	db *gorm.DB
}

func NewPaymentRepository(db *gorm.DB) paymentpkg.RepositoryAPI {
	return &PaymentRepository{
		db: db,
	}
}

func (r *PaymentRepository) findOne(ctx context.Context, column, value string) (*payment.Payment, error) {
	var p payment.Payment
	err := r.db.WithContext(ctx).Where(column+" = ?", value).Order("created_at ASC").First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, internal.ErrPaymentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find payment by %s: %w", column, err)
	}
	return &p, nil
}

func (r *PaymentRepository) FindByID(ctx context.Context, id string) (*payment.Payment, error) {
	return r.findOne(ctx, "id", id)
}

func (r *PaymentRepository) FindByGatewayReference(ctx context.Context, ref string) (*payment.Payment, error) {
	return r.findOne(ctx, "gateway_reference", ref)
}

func (r *PaymentRepository) FindByCharge(ctx context.Context, chargeID string) (*payment.Payment, error) {
	return r.findOne(ctx, "gateway_charge_id", chargeID)
}

// InsertIfAbsent reports false when a row with the same gateway reference
// already exists.
func (r *PaymentRepository) InsertIfAbsent(ctx context.Context, p *payment.Payment) (bool, error) {
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "gateway_reference"}},
			DoNothing: true,
		}).
		Create(p)
	if res.Error != nil {
		return false, fmt.Errorf("failed to insert payment: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (r *PaymentRepository) Update(ctx context.Context, id string, fields map[string]interface{}) error {
	res := r.db.WithContext(ctx).Model(&payment.Payment{}).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		return fmt.Errorf("failed to update payment %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return internal.ErrPaymentNotFound
	}
	return nil
}

func (r *PaymentRepository) CreateManual(ctx context.Context, m *payment.ManualPayment) error {
	if err := r.db.WithContext(ctx).Create(m).Error; err != nil {
		return fmt.Errorf("failed to create manual payment: %w", err)
	}
	return nil
}

// DeleteManual soft-deletes; the ledger reader skips deleted rows.
func (r *PaymentRepository) DeleteManual(ctx context.Context, bookingID, id string) (bool, error) {
	res := r.db.WithContext(ctx).
		Where("id = ? AND booking_id = ?", id, bookingID).
		Delete(&payment.ManualPayment{})
	if res.Error != nil {
		return false, fmt.Errorf("failed to delete manual payment %s: %w", id, res.Error)
	}
	return res.RowsAffected == 1, nil
}
