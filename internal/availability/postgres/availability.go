package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/frahmantamala/rental-fulfillment/internal/availability"
	availabilityDatamodel "github.com/frahmantamala/rental-fulfillment/internal/core/datamodel/availability"
	"gorm.io/gorm"
)

type AvailabilityRepository struct {
	db *gorm.DB
}

func NewAvailabilityRepository(db *gorm.DB) availability.RepositoryAPI {
	return &AvailabilityRepository{db: db}
}

func (r *AvailabilityRepository) FindForBooking(ctx context.Context, bookingID, reason string) (*availabilityDatamodel.Block, error) {
	var block availabilityDatamodel.Block
	err := r.db.WithContext(ctx).
		Where("booking_id = ? AND reason = ?", bookingID, reason).
		First(&block).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &block, nil
}

func (r *AvailabilityRepository) Create(ctx context.Context, block *availabilityDatamodel.Block) error {
	return r.db.WithContext(ctx).Create(block).Error
}

// ListForEquipment returns blocks overlapping [from, to].
func (r *AvailabilityRepository) ListForEquipment(ctx context.Context, equipmentID string, from, to time.Time) ([]*availabilityDatamodel.Block, error) {
	var blocks []*availabilityDatamodel.Block
	err := r.db.WithContext(ctx).
		Where("equipment_id = ? AND start_at <= ? AND end_at >= ?", equipmentID, to, from).
		Order("start_at ASC").
		Find(&blocks).Error
	return blocks, err
}
